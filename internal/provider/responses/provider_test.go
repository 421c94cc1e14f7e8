package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raaf-gateway/internal/config"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/stream"
	"raaf-gateway/internal/translator"
)

const sseBody = "data: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_1\"}}\n\n" +
	"data: {\"type\":\"response.output_item.done\",\"output_index\":0,\"item\":{\"type\":\"message\",\"role\":\"assistant\",\"content\":[{\"type\":\"output_text\",\"text\":\"hi\"}]}}\n\n" +
	"data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"output\":[]}}\n\n" +
	"data: [DONE]\n\n"

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "be concise", body["instructions"])

		if body["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte(sseBody))
			return
		}
		_, _ = w.Write([]byte(`{"id":"resp_2","model":"o3","output":[{"type":"function_call","call_id":"call_1","name":"lookup","arguments":"{}"}]}`))
	}))
}

func testRequest() translator.ResponsesRequest {
	return translator.BuildResponsesRequest(models.NewCompletionRequest("o3", []models.Message{
		{Role: models.RoleSystem, Content: "be concise"},
		{Role: models.RoleUser, Content: "hello"},
	}))
}

func testConfig(url string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:     "openai-responses",
		APIStyle: "responses",
		APIKey:   "sk",
		BaseURL:  url,
		Models:   []config.ModelConfig{{ID: "o3", APIStyle: "responses"}},
	}
}

func TestCreateResponse(t *testing.T) {
	srv := newUpstream(t)
	defer srv.Close()

	p, err := New("openai-responses", testConfig(srv.URL))
	require.NoError(t, err)

	req := testRequest()
	req.Stream = true
	obj, err := p.CreateResponse(context.Background(), req)
	require.NoError(t, err)

	resp := translator.NormalizeResponsesResponse(obj)
	assert.Equal(t, "resp_2", resp.ID)
	require.Len(t, resp.FunctionCalls(), 1)
	assert.Equal(t, "lookup", resp.FunctionCalls()[0].Name)
}

func TestStreamResponse(t *testing.T) {
	srv := newUpstream(t)
	defer srv.Close()

	p, err := New("openai-responses", testConfig(srv.URL))
	require.NoError(t, err)

	var raw bytes.Buffer
	decoder := stream.NewDecoder()
	var events []models.StreamEvent
	err = p.StreamResponse(context.Background(), testRequest(), func(chunk []byte) error {
		raw.Write(chunk)
		events = append(events, decoder.Feed(chunk)...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, sseBody, raw.String())

	require.Len(t, events, 3)
	assert.Equal(t, models.EventCreated, events[0].Type)
	assert.Equal(t, "hi", events[1].Item.Content)
	assert.Equal(t, models.EventCompleted, events[2].Type)
	assert.True(t, decoder.Done())
}

func TestDeclaredCapabilities(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Capabilities = &config.CapabilityConfig{Streaming: false, FunctionCalling: true}
	p, err := New("x", cfg)
	require.NoError(t, err)

	caps, ok := p.DeclaredCapabilities()
	require.True(t, ok)
	assert.Equal(t, models.CapabilitySet{ResponsesAPI: true, FunctionCalling: true, Handoffs: true}, caps)

	cfg.Models[0].APIStyle = "chat"
	_, err = New("x", cfg)
	assert.Error(t, err)
}

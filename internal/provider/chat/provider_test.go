package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raaf-gateway/internal/config"
	xerrors "raaf-gateway/internal/errors"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/translator"
)

func testConfig(url string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:     "openai",
		APIStyle: "chat",
		APIKey:   "sk-test",
		BaseURL:  url,
		Models:   []config.ModelConfig{{ID: "gpt-4o-mini", APIStyle: "chat"}},
	}
}

func TestCompleteChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, 0.2, body["temperature"])

		_, _ = w.Write([]byte(`{"id":"chatcmpl-9","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	p, err := New("openai", testConfig(srv.URL+"/v1"))
	require.NoError(t, err)

	req := translator.BuildChatRequest(models.NewCompletionRequest("gpt-4o-mini",
		[]models.Message{{Role: models.RoleUser, Content: "hello"}},
		models.WithExtra("temperature", 0.2),
	))
	obj, err := p.CompleteChat(context.Background(), req)
	require.NoError(t, err)

	resp := translator.NormalizeChatResponse(obj)
	assert.Equal(t, "chatcmpl-9", resp.ID)
	assert.Equal(t, "hi", resp.Text())
}

func TestCompleteChat_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Mode") == "garbage" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p, err := New("openai", testConfig(srv.URL))
	require.NoError(t, err)
	_, err = p.CompleteChat(context.Background(), translator.ChatRequest{Model: "gpt-4o-mini"})
	assert.Equal(t, xerrors.KindAuthentication, xerrors.KindOf(err))

	cfg := testConfig(srv.URL)
	cfg.Headers = config.Headers{"X-Mode": "garbage"}
	p, err = New("openai", cfg)
	require.NoError(t, err)
	_, err = p.CompleteChat(context.Background(), translator.ChatRequest{Model: "gpt-4o-mini"})
	assert.Equal(t, xerrors.KindAPI, xerrors.KindOf(err))
}

func TestNew_ValidatesModelsAndDeclaration(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Models = append(cfg.Models, config.ModelConfig{ID: "o3", APIStyle: "responses"})
	_, err := New("openai", cfg)
	assert.ErrorContains(t, err, "unsupported api_style")

	p, err := New("openai", testConfig("http://localhost"))
	require.NoError(t, err)
	_, declared := p.DeclaredCapabilities()
	assert.False(t, declared)

	cfg = testConfig("http://localhost")
	cfg.Capabilities = &config.CapabilityConfig{FunctionCalling: true}
	p, err = New("openai", cfg)
	require.NoError(t, err)
	caps, declared := p.DeclaredCapabilities()
	assert.True(t, declared)
	assert.Equal(t, models.CapabilitySet{ChatCompletion: true, FunctionCalling: true, Handoffs: true}, caps)

	list, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Model{{ID: "gpt-4o-mini", Provider: "openai", APIStyle: "chat"}}, list)
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raaf-gateway/internal/config"
	xerrors "raaf-gateway/internal/errors"
	"raaf-gateway/internal/handoff"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/provider"
	"raaf-gateway/internal/router"
	"raaf-gateway/internal/translator"
)

type fakeUpstream struct {
	reply string
	err   error
}

func (f *fakeUpstream) Name() string { return "fake" }

func (f *fakeUpstream) ListModels(context.Context) ([]models.Model, error) {
	return []models.Model{{ID: "gpt-4o", Provider: "fake", APIStyle: provider.StyleChat}}, nil
}

func (f *fakeUpstream) CompleteChat(context.Context, translator.ChatRequest) (translator.Object, error) {
	if f.err != nil {
		return nil, f.err
	}
	return translator.Object{
		"id": "chatcmpl-1",
		"choices": []any{map[string]any{
			"message": map[string]any{"role": "assistant", "content": f.reply},
		}},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	}, nil
}

type fakeShared struct{ stats handoff.Stats }

func (f fakeShared) Snapshot(context.Context) (handoff.Stats, error) { return f.stats, nil }

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Providers: []config.ProviderConfig{{
			Name:     "fake",
			APIStyle: provider.StyleChat,
			APIKey:   "key",
			BaseURL:  "http://upstream.invalid",
			Models:   []config.ModelConfig{{ID: "gpt-4o", APIStyle: provider.StyleChat}},
		}},
	}
}

func newTestServer(t *testing.T, upstream *fakeUpstream, cfg config.Config, opts ...Option) http.Handler {
	t.Helper()
	registry := provider.NewRegistry()
	require.NoError(t, registry.RegisterProvider(context.Background(), upstream, nil))
	rt := router.New(registry, router.Settings{Roster: []string{"Billing", "Support"}})

	opts = append(opts, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	srv, err := New(cfg, rt, opts...)
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNew_RejectsNilRouter(t *testing.T) {
	_, err := New(testConfig(), nil)
	assert.Error(t, err)
}

func TestHealthAndModels(t *testing.T) {
	h := newTestServer(t, &fakeUpstream{reply: "hi"}, testConfig())

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = do(t, h, http.MethodGet, "/v1/models/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "gpt-4o", data[0].(map[string]any)["id"])
	assert.Equal(t, "fake", data[0].(map[string]any)["owned_by"])
}

func TestCapabilities(t *testing.T) {
	h := newTestServer(t, &fakeUpstream{reply: "hi"}, testConfig())

	rec := do(t, h, http.MethodGet, "/v1/capabilities/gpt-4o", "")
	require.Equal(t, http.StatusOK, rec.Code)
	caps := decodeJSON(t, rec)["capabilities"].(map[string]any)
	assert.Equal(t, true, caps["chat_completion"])
	assert.Equal(t, false, caps["responses_api"])
	assert.Equal(t, false, caps["function_calling"])

	rec = do(t, h, http.MethodGet, "/v1/capabilities/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	errBody := decodeJSON(t, rec)["error"].(map[string]any)
	assert.Equal(t, "model_not_found", errBody["code"])
}

func TestResponses_NonStreaming(t *testing.T) {
	h := newTestServer(t, &fakeUpstream{reply: "hello there"}, testConfig())

	rec := do(t, h, http.MethodPost, "/v1/responses",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.NormalizedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Text())
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestResponses_StreamingReplay(t *testing.T) {
	h := newTestServer(t, &fakeUpstream{reply: "streamed"}, testConfig())

	rec := do(t, h, http.MethodPost, "/v1/responses",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	created := strings.Index(body, "event: response.created\n")
	added := strings.Index(body, "event: response.output_item.added\n")
	completed := strings.Index(body, "event: response.completed\n")
	require.GreaterOrEqual(t, created, 0)
	assert.Greater(t, added, created)
	assert.Greater(t, completed, added)
	assert.Contains(t, body, `"content":"streamed"`)
}

func TestResponses_StreamFailureBeforeFirstEventIsJSON(t *testing.T) {
	upstream := &fakeUpstream{err: xerrors.New(xerrors.KindAuthentication, "bad key", xerrors.WithStatus(401))}
	h := newTestServer(t, upstream, testConfig())

	rec := do(t, h, http.MethodPost, "/v1/responses",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	errBody := decodeJSON(t, rec)["error"].(map[string]any)
	assert.Equal(t, "authentication_error", errBody["type"])
	assert.Equal(t, "authentication", errBody["code"])
}

func TestResponses_RequestErrors(t *testing.T) {
	h := newTestServer(t, &fakeUpstream{reply: "x"}, testConfig())

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"malformed", `{"model":`, http.StatusBadRequest},
		{"two objects", `{"model":"gpt-4o"}{}`, http.StatusBadRequest},
		{"no messages", `{"model":"gpt-4o","messages":[]}`, http.StatusBadRequest},
		{"bad role", `{"model":"gpt-4o","messages":[{"role":"robot","content":"x"}]}`, http.StatusBadRequest},
		{"unknown model", `{"model":"nope","messages":[{"role":"user","content":"x"}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, decodeJSON(t, rec), "error")
		})
	}
}

func TestResponses_RetryAfterHeader(t *testing.T) {
	upstream := &fakeUpstream{err: xerrors.New(xerrors.KindAuthentication, "denied", xerrors.WithRetryAfter(1500*time.Millisecond))}
	h := newTestServer(t, upstream, testConfig())

	rec := do(t, h, http.MethodPost, "/v1/responses",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestChatCompletions(t *testing.T) {
	h := newTestServer(t, &fakeUpstream{reply: "plain answer"}, testConfig())

	rec := do(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":0.2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp translator.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, int64(1700000000), resp.Created)
	assert.Equal(t, "gpt-4o", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "plain answer", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestChatCompletions_SynthesizedHandoff(t *testing.T) {
	h := newTestServer(t, &fakeUpstream{reply: "Transfer to Billing"}, testConfig())

	rec := do(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"refund please"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp translator.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	call := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "transfer_to_billing", call.Function.Name)
	assert.JSONEq(t, `{"agent":"Billing"}`, call.Function.Arguments)
}

func TestHandoffDetectAndStats(t *testing.T) {
	shared := fakeShared{stats: handoff.Stats{Attempts: 42, Successes: 7, PatternHits: map[int]int64{0: 7}}}
	h := newTestServer(t, &fakeUpstream{reply: "x"}, testConfig(), WithSharedStats(shared))

	rec := do(t, h, http.MethodPost, "/v1/handoff/detect", `{"text":"{\"handoff_to\": \"Support\"}"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result models.HandoffResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Found)
	assert.Equal(t, "Support", result.Target)

	rec = do(t, h, http.MethodPost, "/v1/handoff/detect", `{"text":"hand off to Ops","roster":["Ops"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/handoff/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Local.Attempts)
	require.NotNil(t, stats.Shared)
	assert.Equal(t, int64(42), stats.Shared.Attempts)

	rec = do(t, h, http.MethodDelete, "/v1/handoff/stats", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/handoff/stats", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.Local.Attempts)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 1
	cfg.Server.Burst = 1
	h := newTestServer(t, &fakeUpstream{reply: "x"}, cfg)

	first := do(t, h, http.MethodGet, "/v1/models", "")
	second := do(t, h, http.MethodGet, "/v1/models", "")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "rate_limit_error", decodeJSON(t, second)["error"].(map[string]any)["type"])

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"unsupported", provider.ErrUnsupportedOperation, http.StatusBadRequest, "invalid_request_error"},
		{"rate limit", xerrors.New(xerrors.KindRateLimit, "slow down"), http.StatusTooManyRequests, "rate_limit_error"},
		{"timeout", xerrors.New(xerrors.KindTimeout, "late"), http.StatusGatewayTimeout, "upstream_error"},
		{"validation", xerrors.Validation("bad"), http.StatusBadRequest, "invalid_request_error"},
		{"opaque", assert.AnError, http.StatusBadGateway, "upstream_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reqErr requestError
			require.ErrorAs(t, toHTTPError(tt.err), &reqErr)
			assert.Equal(t, tt.status, reqErr.Status)
			assert.Equal(t, tt.typ, reqErr.Type)
		})
	}
}

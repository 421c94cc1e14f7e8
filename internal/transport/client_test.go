package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "raaf-gateway/internal/errors"
	"raaf-gateway/internal/retry"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := New(Config{
		Name:    "upstream",
		BaseURL: url + "/v1/",
		APIKey:  "sk-test",
		Headers: map[string]string{"X-Org": "raaf"},
	})
	require.NoError(t, err)
	return client
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{Name: "x", BaseURL: "  "})
	assert.Error(t, err)
}

func TestSend_PostsJSONWithHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "raaf", r.Header.Get("X-Org"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o", payload["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Send(context.Background(), Request{
		Path: "/chat/completions",
		Body: map[string]any{"model": "gpt-4o"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":"chatcmpl-1"}`, string(resp.Body))
}

func TestSend_DecodesGzipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"ok":true}`))
		_ = gz.Close()
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Send(context.Background(), Request{Path: "responses", Body: map[string]any{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestSend_ClassifiesStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   xerrors.Kind
	}{
		{http.StatusUnauthorized, xerrors.KindAuthentication},
		{http.StatusTooManyRequests, xerrors.KindRateLimit},
		{http.StatusInternalServerError, xerrors.KindServer},
		{http.StatusServiceUnavailable, xerrors.KindUnavailable},
		{http.StatusBadRequest, xerrors.KindAPI},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Send(context.Background(), Request{Path: "x", Body: map[string]any{}})
			classified, ok := xerrors.From(err)
			require.True(t, ok, "error %v should be classified", err)
			assert.Equal(t, tt.kind, classified.Kind())
			assert.Equal(t, tt.status, classified.Status())
			assert.Equal(t, "upstream", classified.Provider())
			assert.Equal(t, "test_error: nope", classified.Message())
			assert.Equal(t, 2*time.Second, classified.RetryAfter())
		})
	}
}

func TestSend_ConnectionFailureIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).Send(context.Background(), Request{Path: "x"})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindConnection, xerrors.KindOf(err))
}

type countingSleeper struct{ calls int }

func (s *countingSleeper) Sleep(context.Context, time.Duration) error {
	s.calls++
	return nil
}

func TestSend_UntrustedCertificateIsNotRetried(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	sleeper := &countingSleeper{}
	executor := retry.NewExecutor(retry.DefaultPolicy(), retry.WithSleeper(sleeper))

	attempts, err := executor.Do(context.Background(), func(ctx context.Context) error {
		_, err := client.Send(ctx, Request{Path: "chat/completions", Body: map[string]any{}})
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Zero(t, sleeper.calls)
	assert.NotEqual(t, xerrors.KindConnection, xerrors.KindOf(err))
	assert.Contains(t, err.Error(), "certificate")
}

func TestSend_ContextCancellationPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv.URL).Send(ctx, Request{Path: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendStreaming_DeliversDecodedChunks(t *testing.T) {
	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, _ = enc.Write([]byte("data: {\"type\":\"response.created\"}\n\ndata: [DONE]\n\n"))
	require.NoError(t, enc.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	var got bytes.Buffer
	err = newTestClient(t, srv.URL).SendStreaming(context.Background(), Request{Path: "responses", Body: map[string]any{"stream": true}}, func(chunk []byte) error {
		got.Write(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"response.created\"}\n\ndata: [DONE]\n\n", got.String())
}

func TestSendStreaming_StatusAndCallbackErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "data: {}\n\n")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.SendStreaming(context.Background(), Request{Path: "fail"}, func([]byte) error { return nil })
	assert.Equal(t, xerrors.KindServer, xerrors.KindOf(err))

	stop := errors.New("stop")
	err = client.SendStreaming(context.Background(), Request{Path: "ok"}, func([]byte) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestDecodedReader_RejectsUnknownEncoding(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Content-Encoding": []string{"br"}}, Body: io.NopCloser(bytes.NewReader(nil))}
	_, err := decodedReader(resp)
	assert.Error(t, err)
}

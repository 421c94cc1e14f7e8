package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	xerrors "raaf-gateway/internal/errors"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeSSE   = "text/event-stream"
	userAgent        = "raaf-gateway/0.1"
	acceptEncoding   = "gzip, zstd"
	maxResponseBytes = 16 << 20
	maxErrorBytes    = 64 << 10
	streamChunkSize  = 4 << 10
)

// Config identifies an upstream endpoint.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// Request is a JSON request relative to the client's base URL.
type Request struct {
	Method string
	Path   string
	Body   any
}

// Response is a fully read, decompressed upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client sends JSON requests to one upstream and classifies every failure
// into the error taxonomy before returning it.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	headers    map[string]string
	httpClient *http.Client
	streamHTTP *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for unary requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithStreamingHTTPClient sets the client used for streaming requests. It
// should not carry an overall timeout.
func WithStreamingHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.streamHTTP = c
		}
	}
}

// New constructs a client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	c := &Client{
		name:       cfg.Name,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		headers:    cfg.Headers,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.streamHTTP == nil {
		c.streamHTTP = c.httpClient
	}
	return c, nil
}

// Name returns the provider name attached to classified errors.
func (c *Client) Name() string {
	return c.name
}

// Send performs a request and returns the decoded body of a 2xx response.
// Any other status is returned as a classified error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, req, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.FromTransport(err, xerrors.WithProvider(c.name))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, c.statusError(httpResp)
	}

	body, err := readBody(httpResp, maxResponseBytes)
	if err != nil {
		return nil, xerrors.FromTransport(err, xerrors.WithProvider(c.name))
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

// SendStreaming performs a request and passes each chunk of the decoded
// response body to onChunk until EOF, a read error, or onChunk fails.
func (c *Client) SendStreaming(ctx context.Context, req Request, onChunk func([]byte) error) error {
	httpReq, err := c.newRequest(ctx, req, contentTypeSSE)
	if err != nil {
		return err
	}

	httpResp, err := c.streamHTTP.Do(httpReq)
	if err != nil {
		return xerrors.FromTransport(err, xerrors.WithProvider(c.name))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusBadRequest {
		return c.statusError(httpResp)
	}

	reader, err := decodedReader(httpResp)
	if err != nil {
		return xerrors.Wrap(xerrors.KindAPI, err, "decode stream body", xerrors.WithProvider(c.name))
	}
	defer reader.Close()

	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return xerrors.FromTransport(readErr, xerrors.WithProvider(c.name))
		}
	}
}

func (c *Client) newRequest(ctx context.Context, req Request, accept string) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindValidation, err, "marshal payload")
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(req.Path, "/"), body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindValidation, err, "construct request")
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", contentTypeJSON)
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	httpReq.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Client) statusError(resp *http.Response) error {
	// An unreadable error body still leaves the status to classify by.
	body, _ := readBody(resp, maxErrorBytes)
	return xerrors.FromStatus(resp.StatusCode, body, resp.Header, xerrors.WithProvider(c.name))
}

func readBody(resp *http.Response, limit int64) ([]byte, error) {
	reader, err := decodedReader(resp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	body, err := io.ReadAll(io.LimitReader(reader, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

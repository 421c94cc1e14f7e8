package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"raaf-gateway/internal/config"
	xerrors "raaf-gateway/internal/errors"
	"raaf-gateway/internal/handoff"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/provider"
	"raaf-gateway/internal/router"
	"raaf-gateway/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// StatsSnapshotter reads detection counters aggregated outside this process.
type StatsSnapshotter interface {
	Snapshot(ctx context.Context) (handoff.Stats, error)
}

type Server struct {
	cfg     config.Config
	router  *router.Router
	shared  StatsSnapshotter
	app     *echo.Echo
	address string
	now     func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithSharedStats exposes shared handoff counters on the stats endpoint.
func WithSharedStats(s StatsSnapshotter) Option {
	return func(srv *Server) {
		srv.shared = s
	}
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(srv *Server) {
		if now != nil {
			srv.now = now
		}
	}
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if cfg.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() == "/health" },
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(cfg.Server.RateLimit),
				Burst: cfg.Server.Burst,
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return requestError{
					Status:  http.StatusTooManyRequests,
					Message: "too many requests",
					Type:    "rate_limit_error",
				}
			},
		}))
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, len(s.router.Models()))
	slog.Info("starting server", "addr", s.address)

	// No write timeout: streamed responses stay open for the whole generation.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	v1.GET("/models", s.handleModels)
	v1.GET("/capabilities/:model", s.handleCapabilities)
	v1.POST("/responses", s.handleResponses)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/handoff/detect", s.handleHandoffDetect)
	v1.GET("/handoff/stats", s.handleHandoffStats)
	v1.DELETE("/handoff/stats", s.handleHandoffReset)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	APIStyle string `json:"api_style"`
}

func (s *Server) handleModels(c echo.Context) error {
	list := s.router.Models()
	data := make([]modelEntry, 0, len(list))
	for _, m := range list {
		data = append(data, modelEntry{ID: m.ID, Object: "model", OwnedBy: m.Provider, APIStyle: m.APIStyle})
	}
	return c.JSON(http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleCapabilities(c echo.Context) error {
	caps, modelInfo, err := s.router.Capabilities(c.Request().Context(), c.Param("model"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"model":        modelInfo.ID,
		"provider":     modelInfo.Provider,
		"capabilities": caps,
	})
}

func (s *Server) handleResponses(c echo.Context) error {
	var req models.CompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	req = req.Clone()

	ctx := c.Request().Context()
	if req.Stream {
		return s.streamResponses(c, req)
	}

	resp, modelInfo, err := s.router.Complete(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return emptyUpstreamError()
	}
	if resp.Model == "" {
		resp.Model = modelInfo.ID
	}
	return c.JSON(http.StatusOK, resp)
}

// streamResponses relays stream events as SSE. Headers are committed with
// the first event, so failures before it still produce a JSON error body.
func (s *Server) streamResponses(c echo.Context, req models.CompletionRequest) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	started := false
	_, err := s.router.Stream(c.Request().Context(), req, func(event models.StreamEvent) error {
		if !started {
			header := c.Response().Header()
			header.Set("Content-Type", "text/event-stream")
			header.Set("Cache-Control", "no-cache")
			header.Set("Connection", "keep-alive")
			c.Response().WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeSSEEvent(c.Response(), sseEventName(event), event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err == nil {
		return nil
	}
	if !started {
		return toHTTPError(err)
	}

	slog.Warn("stream aborted after first event", "model", req.Model, "err", err)
	var reqErr requestError
	errors.As(toHTTPError(err), &reqErr)
	var payload errorBody
	payload.Error.Message = reqErr.Message
	payload.Error.Type = reqErr.Type
	payload.Error.Code = reqErr.Code
	if err := writeSSEEvent(c.Response(), "error", payload); err == nil {
		flusher.Flush()
	}
	return nil
}

func sseEventName(event models.StreamEvent) string {
	if name, ok := event.Raw["type"].(string); ok && name != "" {
		return name
	}
	return "response." + string(event.Type)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	canonical := req.ToCompletionRequest()
	canonical.Stream = false

	resp, modelInfo, err := s.router.Complete(ctx, canonical)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return emptyUpstreamError()
	}

	return c.JSON(http.StatusOK, translator.FromNormalizedChat(modelInfo.ID, s.now().Unix(), resp))
}

type detectRequest struct {
	Text   string   `json:"text"`
	Roster []string `json:"roster"`
}

func (s *Server) handleHandoffDetect(c echo.Context) error {
	var req detectRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	roster := req.Roster
	if len(roster) == 0 {
		roster = s.router.Roster()
	}
	if len(roster) == 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "roster is required when no default roster is configured",
			Type:    "invalid_request_error",
		}
	}

	result := s.router.Detector().DetectContext(c.Request().Context(), req.Text, roster)
	return c.JSON(http.StatusOK, result)
}

type statsResponse struct {
	Local  handoff.Stats  `json:"local"`
	Shared *handoff.Stats `json:"shared,omitempty"`
}

func (s *Server) handleHandoffStats(c echo.Context) error {
	out := statsResponse{Local: s.router.Detector().Stats()}
	if s.shared != nil {
		shared, err := s.shared.Snapshot(c.Request().Context())
		if err != nil {
			slog.Warn("read shared handoff stats", "err", err)
		} else {
			out.Shared = &shared
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHandoffReset(c echo.Context) error {
	s.router.Detector().Reset()
	return c.NoContent(http.StatusNoContent)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status     int
	Message    string
	Type       string
	Code       string
	RetryAfter time.Duration
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		if reqErr.RetryAfter > 0 {
			secs := int((reqErr.RetryAfter + time.Second - 1) / time.Second)
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		}
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, provider.ErrUnknownModel) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		}
	}
	if errors.Is(err, provider.ErrUnsupportedOperation) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    string(xerrors.KindUnsupported),
		}
	}

	if classified, ok := xerrors.From(err); ok {
		return requestError{
			Status:     classified.HTTPStatus(),
			Message:    classified.Error(),
			Type:       errorType(classified.Kind()),
			Code:       string(classified.Kind()),
			RetryAfter: classified.RetryAfter(),
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func errorType(kind xerrors.Kind) string {
	switch kind {
	case xerrors.KindValidation, xerrors.KindUnsupported:
		return "invalid_request_error"
	case xerrors.KindAuthentication:
		return "authentication_error"
	case xerrors.KindRateLimit:
		return "rate_limit_error"
	default:
		return "upstream_error"
	}
}

func emptyUpstreamError() error {
	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider returned an empty response",
		Type:    "upstream_error",
	}
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port, modelCount int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("raaf-gateway ready")
	fmt.Printf("Listening on http://%s:%d (%d models)\n", host, port, modelCount)
	fmt.Println("Endpoints:")
	for _, line := range []string{
		"GET    /health",
		"GET    /v1/models",
		"GET    /v1/capabilities/:model",
		"POST   /v1/responses",
		"POST   /v1/chat/completions",
		"POST   /v1/handoff/detect",
		"GET    /v1/handoff/stats",
		"DELETE /v1/handoff/stats",
	} {
		fmt.Println("  " + line)
	}
	fmt.Printf("Example:\n  curl http://%s:%d/v1/responses -H 'Content-Type: application/json' -d '%s'\n\n",
		host, port, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
}

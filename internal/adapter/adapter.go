// Package adapter exposes one completion contract over any provider.
//
// An Adapter picks the wire shape the provider supports, runs every
// upstream call under the retry executor, normalizes the reply and, for
// providers without native function calling, turns handoff directives found
// in the reply text into synthetic transfer function calls.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"raaf-gateway/internal/capability"
	xerrors "raaf-gateway/internal/errors"
	"raaf-gateway/internal/handoff"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/provider"
	"raaf-gateway/internal/retry"
	"raaf-gateway/internal/stream"
	"raaf-gateway/internal/translator"
)

// Adapter composes a provider with retry, capability detection, stream
// decoding and handoff detection.
type Adapter struct {
	provider provider.Provider
	probe    *capability.Probe
	executor *retry.Executor
	detector *handoff.Detector
	roster   []string
	logger   *slog.Logger
	newID    func() string
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithRetryExecutor sets the executor wrapping upstream calls.
func WithRetryExecutor(e *retry.Executor) Option {
	return func(a *Adapter) {
		if e != nil {
			a.executor = e
		}
	}
}

// WithProbe replaces the capability probe.
func WithProbe(p *capability.Probe) Option {
	return func(a *Adapter) {
		if p != nil {
			a.probe = p
		}
	}
}

// WithDetector shares a handoff detector, and so its statistics, between adapters.
func WithDetector(d *handoff.Detector) Option {
	return func(a *Adapter) {
		if d != nil {
			a.detector = d
		}
	}
}

// WithRoster sets the agents a synthetic handoff may target.
func WithRoster(roster []string) Option {
	return func(a *Adapter) {
		a.roster = append([]string(nil), roster...)
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithIDGenerator overrides the generator used for synthesized ids.
func WithIDGenerator(fn func() string) Option {
	return func(a *Adapter) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// New wraps p.
func New(p provider.Provider, opts ...Option) (*Adapter, error) {
	if p == nil {
		return nil, errors.New("provider must not be nil")
	}
	a := &Adapter{
		provider: p,
		logger:   slog.Default(),
		newID:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.probe == nil {
		a.probe = capability.NewProbe(p, capability.WithLogger(a.logger))
	}
	if a.executor == nil {
		a.executor = retry.NewExecutor(retry.DefaultPolicy(), retry.WithLogger(a.logger))
	}
	if a.detector == nil {
		a.detector = handoff.NewDetector(handoff.WithLogger(a.logger))
	}
	return a, nil
}

// Provider returns the wrapped provider.
func (a *Adapter) Provider() provider.Provider {
	return a.provider
}

// Capabilities returns the memoized capability set of the provider.
func (a *Adapter) Capabilities(ctx context.Context) models.CapabilitySet {
	return a.probe.Capabilities(ctx)
}

// Complete sends req and returns the normalized response.
func (a *Adapter) Complete(ctx context.Context, req models.CompletionRequest) (*models.NormalizedResponse, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	caps := a.Capabilities(ctx)
	req = prepare(req, caps)
	req.Stream = false

	var (
		resp models.NormalizedResponse
		err  error
	)
	switch {
	case caps.ResponsesAPI:
		resp, err = a.completeResponses(ctx, req)
	case caps.ChatCompletion:
		resp, err = a.completeChat(ctx, req)
	default:
		err = fmt.Errorf("provider %s cannot complete requests: %w", a.provider.Name(), provider.ErrUnsupportedOperation)
	}
	if err != nil {
		return nil, err
	}

	a.finish(ctx, &resp, req.Model, caps)
	return &resp, nil
}

func (a *Adapter) completeResponses(ctx context.Context, req models.CompletionRequest) (models.NormalizedResponse, error) {
	completer, ok := a.provider.(provider.ResponsesCompleter)
	if !ok {
		return models.NormalizedResponse{}, fmt.Errorf("provider %s declares the responses api but does not implement it: %w", a.provider.Name(), provider.ErrUnsupportedOperation)
	}
	wire := translator.BuildResponsesRequest(req)
	obj, err := retry.Run(ctx, a.executor, func(ctx context.Context) (translator.Object, error) {
		return completer.CreateResponse(ctx, wire)
	})
	if err != nil {
		return models.NormalizedResponse{}, err
	}
	return translator.NormalizeResponsesResponse(obj), nil
}

func (a *Adapter) completeChat(ctx context.Context, req models.CompletionRequest) (models.NormalizedResponse, error) {
	completer, ok := a.provider.(provider.ChatCompleter)
	if !ok {
		return models.NormalizedResponse{}, fmt.Errorf("provider %s declares chat completions but does not implement them: %w", a.provider.Name(), provider.ErrUnsupportedOperation)
	}
	wire := translator.BuildChatRequest(req)
	obj, err := retry.Run(ctx, a.executor, func(ctx context.Context) (translator.Object, error) {
		return completer.CompleteChat(ctx, wire)
	})
	if err != nil {
		return models.NormalizedResponse{}, err
	}
	return translator.NormalizeChatResponse(obj), nil
}

// Stream delivers req's response as a sequence of events. Providers that
// cannot stream are completed normally and their result replayed as events.
func (a *Adapter) Stream(ctx context.Context, req models.CompletionRequest, fn func(models.StreamEvent) error) error {
	if err := Validate(req); err != nil {
		return err
	}
	caps := a.Capabilities(ctx)
	streamer, native := a.provider.(provider.ResponsesStreamer)
	if !caps.Streaming || !native {
		return a.replay(ctx, req, fn)
	}

	req = prepare(req, caps)
	wire := translator.BuildResponsesRequest(req)
	wire.Stream = true

	_, err := a.executor.Do(ctx, func(ctx context.Context) error {
		decoder := stream.NewDecoder(stream.WithLogger(a.logger))
		delivered := false
		deliver := func(events []models.StreamEvent) error {
			for _, event := range events {
				delivered = true
				if err := fn(event); err != nil {
					return err
				}
			}
			return nil
		}

		err := streamer.StreamResponse(ctx, wire, func(chunk []byte) error {
			return deliver(decoder.Feed(chunk))
		})
		if err == nil {
			err = deliver(decoder.Close())
		}
		if err != nil && delivered {
			// Events already reached the caller; a second attempt would repeat them.
			return retry.Permanent(err)
		}
		return err
	})
	return err
}

// replay completes req and emits the result as created, per-item added and
// done, and completed events.
func (a *Adapter) replay(ctx context.Context, req models.CompletionRequest, fn func(models.StreamEvent) error) error {
	resp, err := a.Complete(ctx, req)
	if err != nil {
		return err
	}

	seq := 0
	emit := func(event models.StreamEvent) error {
		event.SequenceNumber = seq
		seq++
		return fn(event)
	}

	created := models.NormalizedResponse{ID: resp.ID, Model: resp.Model, Output: []models.OutputItem{}}
	if err := emit(models.StreamEvent{Type: models.EventCreated, Response: &created}); err != nil {
		return err
	}
	for i := range resp.Output {
		item := resp.Output[i]
		if err := emit(models.StreamEvent{Type: models.EventOutputItemAdded, Item: &item, OutputIndex: i}); err != nil {
			return err
		}
		if err := emit(models.StreamEvent{Type: models.EventOutputItemDone, Item: &item, OutputIndex: i}); err != nil {
			return err
		}
	}
	return emit(models.StreamEvent{Type: models.EventCompleted, Response: resp})
}

// DetectHandoff scans text for a handoff directive naming one of roster.
func (a *Adapter) DetectHandoff(ctx context.Context, text string, roster []string) models.HandoffResult {
	return a.detector.DetectContext(ctx, text, roster)
}

// HandoffStats returns a snapshot of the detector counters.
func (a *Adapter) HandoffStats() handoff.Stats {
	return a.detector.Stats()
}

// ResetHandoffStats clears the detector counters.
func (a *Adapter) ResetHandoffStats() {
	a.detector.Reset()
}

func (a *Adapter) finish(ctx context.Context, resp *models.NormalizedResponse, model string, caps models.CapabilitySet) {
	if resp.ID == "" {
		resp.ID = "resp_" + a.newID()
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if resp.Output == nil {
		resp.Output = []models.OutputItem{}
	}
	if len(a.roster) == 0 || caps.Handoffs || len(resp.FunctionCalls()) > 0 {
		return
	}

	text := resp.Text()
	if text == "" {
		return
	}
	result := a.detector.DetectContext(ctx, text, a.roster)
	if !result.Found {
		return
	}
	args, _ := json.Marshal(map[string]string{"agent": result.Target})
	resp.Output = append(resp.Output, models.FunctionCallItem("call_"+a.newID(), handoff.TransferToolName(result.Target), string(args)))
	a.logger.Info("synthesized handoff",
		"provider", a.provider.Name(),
		"target", result.Target,
		"method", result.Method,
		"confidence", result.Confidence,
	)
}

// prepare returns a copy of req fit for a provider with caps. Tool
// definitions are dropped when the provider cannot call functions.
func prepare(req models.CompletionRequest, caps models.CapabilitySet) models.CompletionRequest {
	req = req.Clone()
	if !caps.FunctionCalling {
		req.Tools = nil
		req.ToolChoice = nil
	}
	return req
}

// Validate checks req before any upstream call.
func Validate(req models.CompletionRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return xerrors.Validation("model must be provided")
	}
	if len(req.Messages) == 0 {
		return xerrors.Validation("at least one message is required")
	}
	for i, msg := range req.Messages {
		if !msg.Role.Valid() {
			return xerrors.Validation("messages[%d]: invalid role %q", i, msg.Role)
		}
		if msg.Role == models.RoleTool && strings.TrimSpace(msg.ToolCallID) == "" {
			return xerrors.Validation("messages[%d]: tool messages require tool_call_id", i)
		}
		if len(msg.ToolCalls) > 0 && msg.Role != models.RoleAssistant {
			return xerrors.Validation("messages[%d]: only assistant messages may carry tool calls", i)
		}
		for j, call := range msg.ToolCalls {
			if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Name) == "" {
				return xerrors.Validation("messages[%d].tool_calls[%d]: id and name must be provided", i, j)
			}
		}
	}
	seen := make(map[string]struct{}, len(req.Tools))
	for i, tool := range req.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return xerrors.Validation("tools[%d]: name must be provided", i)
		}
		if _, dup := seen[name]; dup {
			return xerrors.Validation("tools[%d]: duplicate tool name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

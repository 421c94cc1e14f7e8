// Package capability works out which operations a provider supports.
//
// A static declaration always wins. Without one, the shape capabilities
// come from the forwarding interfaces the provider implements, and function
// calling from the ToolCaller marker or, only when enabled, a single live
// trial request. The result is computed once per Probe and never changes.
package capability

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"raaf-gateway/internal/models"
	"raaf-gateway/internal/provider"
	"raaf-gateway/internal/translator"
)

const trialPrompt = "ping"

// Probe memoizes the capability set of one provider.
type Probe struct {
	provider  provider.Provider
	liveProbe bool
	logger    *slog.Logger

	once   sync.Once
	caps   models.CapabilitySet
	trials atomic.Int64
}

// Option customises a Probe.
type Option func(*Probe)

// WithLiveProbe enables the function-calling trial request.
func WithLiveProbe(enabled bool) Option {
	return func(p *Probe) {
		p.liveProbe = enabled
	}
}

// WithLogger sets the logger used for inconclusive trials.
func WithLogger(l *slog.Logger) Option {
	return func(p *Probe) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProbe builds a probe for p.
func NewProbe(p provider.Provider, opts ...Option) *Probe {
	probe := &Probe{provider: p, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(probe)
		}
	}
	return probe
}

// Capabilities returns the provider's capability set, computing it on the
// first call.
func (p *Probe) Capabilities(ctx context.Context) models.CapabilitySet {
	p.once.Do(func() {
		p.caps = p.resolve(ctx).Normalize()
		p.logger.Debug("capabilities resolved",
			"provider", p.provider.Name(),
			"responses_api", p.caps.ResponsesAPI,
			"chat_completion", p.caps.ChatCompletion,
			"streaming", p.caps.Streaming,
			"function_calling", p.caps.FunctionCalling,
		)
	})
	return p.caps
}

// TrialCalls reports how many live trial requests have been sent.
func (p *Probe) TrialCalls() int64 {
	return p.trials.Load()
}

func (p *Probe) resolve(ctx context.Context) models.CapabilitySet {
	if declarer, ok := p.provider.(provider.CapabilityDeclarer); ok {
		if declared, ok := declarer.DeclaredCapabilities(); ok {
			return declared
		}
	}

	var caps models.CapabilitySet
	_, caps.ChatCompletion = p.provider.(provider.ChatCompleter)
	_, caps.ResponsesAPI = p.provider.(provider.ResponsesCompleter)
	_, caps.Streaming = p.provider.(provider.ResponsesStreamer)

	if _, ok := p.provider.(provider.ToolCaller); ok {
		caps.FunctionCalling = true
	} else if p.liveProbe {
		caps.FunctionCalling = p.trialFunctionCalling(ctx)
	}
	return caps
}

// trialFunctionCalling sends one request carrying an empty tools list. A
// rejection that mentions tools means the API does not accept them; any
// other failure is inconclusive and reported as unsupported.
func (p *Probe) trialFunctionCalling(ctx context.Context) bool {
	list, err := p.provider.ListModels(ctx)
	if err != nil || len(list) == 0 {
		p.logger.Warn("function calling probe skipped", "provider", p.provider.Name(), "error", err)
		return false
	}
	model := list[0].ID

	var trial func() error
	switch impl := p.provider.(type) {
	case provider.ResponsesCompleter:
		trial = func() error {
			_, err := impl.CreateResponse(ctx, translator.ResponsesRequest{
				Model: model,
				Input: []translator.InputItem{{Type: translator.ItemMessage, Role: string(models.RoleUser), Content: trialPrompt}},
				Extra: map[string]any{"tools": []any{}, "max_output_tokens": 16},
			})
			return err
		}
	case provider.ChatCompleter:
		trial = func() error {
			_, err := impl.CompleteChat(ctx, translator.ChatRequest{
				Model:    model,
				Messages: []translator.ChatMessage{{Role: string(models.RoleUser), Content: trialPrompt}},
				Extra:    map[string]any{"tools": []any{}, "max_tokens": 1},
			})
			return err
		}
	default:
		return false
	}

	p.trials.Add(1)
	err = trial()
	if err == nil {
		return true
	}
	if strings.Contains(strings.ToLower(err.Error()), "tools") {
		p.logger.Info("provider rejected tools", "provider", p.provider.Name(), "model", model)
		return false
	}
	p.logger.Warn("function calling probe inconclusive", "provider", p.provider.Name(), "model", model, "error", err)
	return false
}

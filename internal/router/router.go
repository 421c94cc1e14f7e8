package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"raaf-gateway/internal/adapter"
	"raaf-gateway/internal/capability"
	"raaf-gateway/internal/handoff"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/provider"
	"raaf-gateway/internal/retry"
)

// Settings carries what every adapter built by the router shares.
type Settings struct {
	Policy   retry.Policy
	Roster   []string
	Detector *handoff.Detector
	// LiveProbe lists providers, by name, allowed a function-calling trial request.
	LiveProbe map[string]bool
	Logger    *slog.Logger
}

// Router dispatches requests to the adapter serving the requested model.
type Router struct {
	registry *provider.Registry
	settings Settings
	executor *retry.Executor

	mu       sync.Mutex
	adapters map[string]*adapter.Adapter
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, settings Settings) *Router {
	if settings.Logger == nil {
		settings.Logger = slog.Default()
	}
	if settings.Detector == nil {
		settings.Detector = handoff.NewDetector(handoff.WithLogger(settings.Logger))
	}
	if settings.Policy.MaxAttempts == 0 {
		settings.Policy = retry.DefaultPolicy()
	}
	return &Router{
		registry: registry,
		settings: settings,
		executor: retry.NewExecutor(settings.Policy, retry.WithLogger(settings.Logger)),
		adapters: make(map[string]*adapter.Adapter),
	}
}

// Adapter returns the adapter for modelID together with the model's
// metadata. Adapters are built on first use and cached per model, so each
// keeps its own memoized capabilities.
func (r *Router) Adapter(modelID string) (*adapter.Adapter, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(modelID)
	if err != nil {
		return nil, models.Model{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[modelInfo.ID]; ok {
		return a, modelInfo, nil
	}

	if scoped, ok := providerImpl.(provider.ModelScoped); ok {
		providerImpl, err = scoped.ForModel(modelInfo.ID)
		if err != nil {
			return nil, models.Model{}, err
		}
	}

	a, err := adapter.New(providerImpl,
		adapter.WithRetryExecutor(r.executor),
		adapter.WithDetector(r.settings.Detector),
		adapter.WithRoster(r.settings.Roster),
		adapter.WithLogger(r.settings.Logger),
		adapter.WithProbe(capability.NewProbe(providerImpl,
			capability.WithLiveProbe(r.settings.LiveProbe[providerImpl.Name()]),
			capability.WithLogger(r.settings.Logger),
		)),
	)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("build adapter for %s: %w", modelInfo.ID, err)
	}
	r.adapters[modelInfo.ID] = a
	return a, modelInfo, nil
}

// Complete routes a completion request to the configured provider.
func (r *Router) Complete(ctx context.Context, req models.CompletionRequest) (*models.NormalizedResponse, models.Model, error) {
	a, modelInfo, err := r.Adapter(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req.Clone()
	sanitisedReq.Model = modelInfo.ID

	resp, err := a.Complete(ctx, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s complete request: %w", a.Provider().Name(), err)
	}
	return resp, modelInfo, nil
}

// Stream routes a streaming request to the configured provider.
func (r *Router) Stream(ctx context.Context, req models.CompletionRequest, fn func(models.StreamEvent) error) (models.Model, error) {
	a, modelInfo, err := r.Adapter(req.Model)
	if err != nil {
		return models.Model{}, err
	}

	sanitisedReq := req.Clone()
	sanitisedReq.Model = modelInfo.ID

	if err := a.Stream(ctx, sanitisedReq, fn); err != nil {
		return modelInfo, fmt.Errorf("provider %s stream request: %w", a.Provider().Name(), err)
	}
	return modelInfo, nil
}

// Capabilities returns the capability set of the provider serving modelID.
func (r *Router) Capabilities(ctx context.Context, modelID string) (models.CapabilitySet, models.Model, error) {
	a, modelInfo, err := r.Adapter(modelID)
	if err != nil {
		return models.CapabilitySet{}, models.Model{}, err
	}
	return a.Capabilities(ctx), modelInfo, nil
}

// Models lists the registered models.
func (r *Router) Models() []models.Model {
	return r.registry.Models()
}

// Detector returns the handoff detector shared by all adapters.
func (r *Router) Detector() *handoff.Detector {
	return r.settings.Detector
}

// Roster returns the configured handoff roster.
func (r *Router) Roster() []string {
	return append([]string(nil), r.settings.Roster...)
}

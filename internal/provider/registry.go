package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"raaf-gateway/internal/models"
	"raaf-gateway/internal/translator"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// API styles a provider or model may speak.
const (
	StyleChat      = "chat"
	StyleResponses = "responses"
	StyleMixed     = "mixed"
)

// Provider is the minimal contract every upstream implements. The
// operations it can actually serve are expressed through the optional
// interfaces below.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
}

// ChatCompleter sends Chat Completions requests and returns the decoded body.
type ChatCompleter interface {
	CompleteChat(ctx context.Context, req translator.ChatRequest) (translator.Object, error)
}

// ResponsesCompleter sends Responses API requests and returns the decoded body.
type ResponsesCompleter interface {
	CreateResponse(ctx context.Context, req translator.ResponsesRequest) (translator.Object, error)
}

// ResponsesStreamer streams a Responses API request, passing raw SSE bytes
// to onChunk as they arrive.
type ResponsesStreamer interface {
	StreamResponse(ctx context.Context, req translator.ResponsesRequest, onChunk func([]byte) error) error
}

// CapabilityDeclarer lets a provider state its capabilities up front. The
// boolean is false when nothing was declared and capabilities should be
// inferred instead.
type CapabilityDeclarer interface {
	DeclaredCapabilities() (models.CapabilitySet, bool)
}

// ToolCaller marks providers whose API accepts tool definitions natively.
type ToolCaller interface {
	AcceptsTools()
}

// ModelScoped is implemented by providers that serve each model through a
// different delegate.
type ModelScoped interface {
	ForModel(modelID string) (Provider, error)
}

type modelEntry struct {
	model    models.Model
	provider Provider
}

// Registry maintains a mapping of model IDs to providers.
type Registry struct {
	mu     sync.RWMutex
	models map[string]modelEntry
	byName map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
		byName: make(map[string]Provider),
	}
}

// RegisterProvider adds the provider and its models to the registry, wiring optional aliases.
func (r *Registry) RegisterProvider(ctx context.Context, p Provider, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	modelsList, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models for provider %q: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}

	for _, model := range modelsList {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}
	}
	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		if !containsModel(modelsList, target) {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
	}

	r.byName[p.Name()] = p
	for _, model := range modelsList {
		r.models[model.ID] = modelEntry{model: model, provider: p}
	}
	for alias, target := range aliases {
		r.models[alias] = r.models[target]
	}

	return nil
}

// LookupModel returns the provider and metadata for a given model ID or alias.
func (r *Registry) LookupModel(modelID string) (models.Model, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return models.Model{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry.model, entry.provider, nil
}

// Provider returns a registered provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Models lists every registered model once, aliases excluded, sorted by ID.
func (r *Registry) Models() []models.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Model, 0, len(r.models))
	for key, entry := range r.models {
		if key != entry.model.ID {
			continue
		}
		out = append(out, entry.model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsModel(list []models.Model, id string) bool {
	for _, m := range list {
		if m.ID == id {
			return true
		}
	}
	return false
}

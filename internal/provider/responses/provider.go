package responses

import (
	"context"
	"fmt"

	"raaf-gateway/internal/config"
	xerrors "raaf-gateway/internal/errors"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/provider"
	"raaf-gateway/internal/transport"
	"raaf-gateway/internal/translator"
)

const responsesPath = "responses"

// Provider speaks the item-based Responses API, including SSE streaming.
type Provider struct {
	name     string
	client   *transport.Client
	models   []models.Model
	declared *models.CapabilitySet
}

var (
	_ provider.Provider           = (*Provider)(nil)
	_ provider.ResponsesCompleter = (*Provider)(nil)
	_ provider.ResponsesStreamer  = (*Provider)(nil)
	_ provider.ToolCaller         = (*Provider)(nil)
	_ provider.CapabilityDeclarer = (*Provider)(nil)
)

// New constructs a Responses API provider.
func New(name string, cfg config.ProviderConfig, opts ...transport.Option) (*Provider, error) {
	client, err := transport.New(transport.Config{
		Name:    name,
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Headers: cfg.Headers,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("responses provider %q: %w", name, err)
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		if model.APIStyle != provider.StyleResponses {
			return nil, fmt.Errorf("responses provider %q received model %q with unsupported api_style %q", name, model.ID, model.APIStyle)
		}
		modelsList = append(modelsList, models.Model{
			ID:       model.ID,
			Provider: name,
			APIStyle: model.APIStyle,
		})
	}

	p := &Provider{
		name:   name,
		client: client,
		models: modelsList,
	}
	if cfg.Capabilities != nil {
		declared := cfg.Capabilities.Declared(provider.StyleResponses)
		p.declared = &declared
	}
	return p, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result, nil
}

// AcceptsTools marks the Responses API as accepting tool definitions.
func (p *Provider) AcceptsTools() {}

func (p *Provider) DeclaredCapabilities() (models.CapabilitySet, bool) {
	if p.declared == nil {
		return models.CapabilitySet{}, false
	}
	return *p.declared, true
}

// CreateResponse posts a non-streaming Responses API request.
func (p *Provider) CreateResponse(ctx context.Context, req translator.ResponsesRequest) (translator.Object, error) {
	req.Stream = false
	resp, err := p.client.Send(ctx, transport.Request{Path: responsesPath, Body: req})
	if err != nil {
		return nil, err
	}
	obj, err := translator.DecodeObject(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAPI, err, "decode response", xerrors.WithProvider(p.name))
	}
	return obj, nil
}

// StreamResponse posts a streaming request and relays raw SSE bytes.
func (p *Provider) StreamResponse(ctx context.Context, req translator.ResponsesRequest, onChunk func([]byte) error) error {
	req.Stream = true
	return p.client.SendStreaming(ctx, transport.Request{Path: responsesPath, Body: req}, onChunk)
}

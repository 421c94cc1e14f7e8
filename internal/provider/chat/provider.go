package chat

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

const completionsPath = "chat/completions"

// Provider speaks the Chat Completions API of an OpenAI-compatible upstream.
type Provider struct {
	name     string
	client   *transport.Client
	models   []models.Model
	declared *models.CapabilitySet
}

var (
	_ provider.Provider           = (*Provider)(nil)
	_ provider.ChatCompleter      = (*Provider)(nil)
	_ provider.CapabilityDeclarer = (*Provider)(nil)
)

// New creates a Chat Completions provider from its configuration.
func New(name string, cfg config.ProviderConfig, opts ...transport.Option) (*Provider, error) {
	client, err := transport.New(transport.Config{
		Name:    name,
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Headers: cfg.Headers,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("chat provider %q: %w", name, err)
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		if model.APIStyle != provider.StyleChat {
			return nil, fmt.Errorf("chat provider %q received model %q with unsupported api_style %q", name, model.ID, model.APIStyle)
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
		declared := cfg.Capabilities.Declared(provider.StyleChat)
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

// DeclaredCapabilities returns the configured declaration, if any.
func (p *Provider) DeclaredCapabilities() (models.CapabilitySet, bool) {
	if p.declared == nil {
		return models.CapabilitySet{}, false
	}
	return *p.declared, true
}

// CompleteChat posts a Chat Completions request and returns the decoded body.
func (p *Provider) CompleteChat(ctx context.Context, req translator.ChatRequest) (translator.Object, error) {
	resp, err := p.client.Send(ctx, transport.Request{Path: completionsPath, Body: req})
	if err != nil {
		return nil, err
	}
	obj, err := translator.DecodeObject(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAPI, err, "decode chat completion", xerrors.WithProvider(p.name))
	}
	return obj, nil
}

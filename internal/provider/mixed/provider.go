package mixed

import (
	"context"
	"fmt"

	"raaf-gateway/internal/config"
	"raaf-gateway/internal/models"
	"raaf-gateway/internal/provider"
	chatProvider "raaf-gateway/internal/provider/chat"
	responsesProvider "raaf-gateway/internal/provider/responses"
	"raaf-gateway/internal/transport"
)

// Provider serves one upstream whose models speak different API styles,
// routing each model to the matching delegate.
type Provider struct {
	name        string
	models      []models.Model
	modelStyles map[string]string

	chatDelegate      *chatProvider.Provider
	responsesDelegate *responsesProvider.Provider
}

var (
	_ provider.Provider    = (*Provider)(nil)
	_ provider.ModelScoped = (*Provider)(nil)
)

// New constructs a provider that delegates to style-specific providers
// sharing the same base URL and credentials.
func New(name string, cfg config.ProviderConfig, opts ...transport.Option) (*Provider, error) {
	var (
		chatModels      []config.ModelConfig
		responsesModels []config.ModelConfig
		allModels       []models.Model
		modelStyles     = make(map[string]string)
	)

	for _, model := range cfg.Models {
		allModels = append(allModels, models.Model{
			ID:       model.ID,
			Provider: name,
			APIStyle: model.APIStyle,
		})
		modelStyles[model.ID] = model.APIStyle

		switch model.APIStyle {
		case provider.StyleChat:
			chatModels = append(chatModels, model)
		case provider.StyleResponses:
			responsesModels = append(responsesModels, model)
		default:
			return nil, fmt.Errorf("model %s: unsupported api_style %q", model.ID, model.APIStyle)
		}
	}

	p := &Provider{
		name:        name,
		models:      allModels,
		modelStyles: modelStyles,
	}

	if len(chatModels) > 0 {
		chatCfg := cfg
		chatCfg.Models = chatModels
		delegate, err := chatProvider.New(name, chatCfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("initialize chat delegate: %w", err)
		}
		p.chatDelegate = delegate
	}

	if len(responsesModels) > 0 {
		responsesCfg := cfg
		responsesCfg.Models = responsesModels
		delegate, err := responsesProvider.New(name, responsesCfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("initialize responses delegate: %w", err)
		}
		p.responsesDelegate = delegate
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

// ForModel returns the delegate serving modelID.
func (p *Provider) ForModel(modelID string) (provider.Provider, error) {
	style, ok := p.modelStyles[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownModel, modelID)
	}

	switch style {
	case provider.StyleChat:
		return p.chatDelegate, nil
	case provider.StyleResponses:
		return p.responsesDelegate, nil
	default:
		return nil, fmt.Errorf("model %s has unsupported api style %q: %w", modelID, style, provider.ErrUnsupportedOperation)
	}
}

package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"raaf-gateway/internal/config"
	"raaf-gateway/internal/provider"
	chatProvider "raaf-gateway/internal/provider/chat"
	mixedProvider "raaf-gateway/internal/provider/mixed"
	responsesProvider "raaf-gateway/internal/provider/responses"
	"raaf-gateway/internal/transport"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// New builds the provider described by cfg.
func New(cfg config.ProviderConfig) (provider.Provider, error) {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	opts := []transport.Option{
		transport.WithHTTPClient(newHTTPClient(timeout)),
		transport.WithStreamingHTTPClient(newStreamingHTTPClient()),
	}

	switch cfg.APIStyle {
	case provider.StyleChat:
		return chatProvider.New(cfg.Name, cfg, opts...)
	case provider.StyleResponses:
		return responsesProvider.New(cfg.Name, cfg, opts...)
	case provider.StyleMixed:
		return mixedProvider.New(cfg.Name, cfg, opts...)
	default:
		return nil, fmt.Errorf("provider %s: unsupported api_style %q", cfg.Name, cfg.APIStyle)
	}
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	for _, providerCfg := range cfg.Providers {
		p, err := New(providerCfg)
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", providerCfg.Name, err)
		}
		if err := registry.RegisterProvider(ctx, p, providerCfg.Aliases); err != nil {
			return fmt.Errorf("register %s provider: %w", providerCfg.Name, err)
		}
	}

	return nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(),
	}
}

// newStreamingHTTPClient has no overall timeout; streams end when the
// upstream closes them or the request context is cancelled. Decompression
// is left to the transport client, which understands zstd as well.
func newStreamingHTTPClient() *http.Client {
	tr := newTransport()
	tr.DisableCompression = true
	return &http.Client{Transport: tr}
}

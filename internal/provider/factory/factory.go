package factory

import (
	"fmt"
	"net/http"

	"modelgate/internal/config"
	"modelgate/internal/provider"
	"modelgate/internal/provider/anthropic"
	"modelgate/internal/provider/gemini"
	"modelgate/internal/provider/openai"
)

// RegisterConfiguredProviders builds one adapter per configured provider and
// registers it. The set of adapters is closed: adding a provider means
// adding an adapter package here, never branching on provider name in
// shared logic.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, client *http.Client) error {
	if client == nil {
		client = &http.Client{}
	}

	for name, providerCfg := range cfg.Providers {
		adapter, err := newAdapter(name, providerCfg, client)
		if err != nil {
			return err
		}
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("register provider %q: %w", name, err)
		}
	}
	return nil
}

func newAdapter(name string, cfg config.ProviderConfig, client *http.Client) (provider.Adapter, error) {
	switch name {
	case "openai":
		return openai.New(client, cfg.BaseURL)
	case "anthropic":
		return anthropic.New(client, cfg.BaseURL)
	case "gemini":
		return gemini.New(client, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("no adapter available for configured provider %q", name)
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"modelgate/internal/config"
	"modelgate/internal/contextwindow"
	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/vault"
)

// ErrMissingCredential indicates the vault holds no usable secret for the
// requested provider. Decryption failures surface as this same error; the
// caller never learns why a credential was unusable.
var ErrMissingCredential = errors.New("missing credential")

// Gateway is the top-level entry point: it owns the adapter registry and
// performs single-request dispatch and concurrent fan-out. Construction
// wires the read-only collaborators; a Gateway is safe for concurrent use.
type Gateway struct {
	registry   *provider.Registry
	vault      *vault.Vault
	window     *contextwindow.Manager
	windowCfg  config.ContextWindowConfig
	maxTargets int
}

// New constructs a Gateway.
func New(registry *provider.Registry, secrets *vault.Vault, window *contextwindow.Manager, windowCfg config.ContextWindowConfig, maxTargets int) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("vault must not be nil")
	}
	if window == nil {
		window = contextwindow.NewManager(windowCfg.CompressionThreshold, windowCfg.CharsPerToken, windowCfg.ImageTokenSurcharge)
	}
	if maxTargets <= 0 {
		maxTargets = 6
	}
	return &Gateway{
		registry:   registry,
		vault:      secrets,
		window:     window,
		windowCfg:  windowCfg,
		maxTargets: maxTargets,
	}, nil
}

// Dispatch resolves the adapter and credential for one request, compresses
// oversized context, and performs a non-streaming call.
func (g *Gateway) Dispatch(ctx context.Context, userID string, req models.ChatRequest) (*models.ChatResponse, error) {
	adapter, auth, err := g.resolve(userID, req)
	if err != nil {
		return nil, err
	}

	prepared := g.prepare(ctx, req, adapter, auth)
	return adapter.Send(ctx, prepared, auth)
}

// DispatchStream is Dispatch's streaming form. The returned sequence
// follows the adapter contract: it terminates with exactly one done event.
func (g *Gateway) DispatchStream(ctx context.Context, userID string, req models.ChatRequest) (iter.Seq[models.StreamEvent], error) {
	adapter, auth, err := g.resolve(userID, req)
	if err != nil {
		return nil, err
	}

	prepared := g.prepare(ctx, req, adapter, auth)
	return adapter.Stream(ctx, prepared, auth)
}

// resolve looks up the adapter (before any network call) and then loads the
// credential. Vault failures collapse into ErrMissingCredential so the
// underlying crypto error never leaks.
func (g *Gateway) resolve(userID string, req models.ChatRequest) (provider.Adapter, provider.Auth, error) {
	if len(req.Messages) == 0 {
		return nil, provider.Auth{}, errors.New("request requires at least one message")
	}

	adapter, err := g.registry.Lookup(req.Provider)
	if err != nil {
		return nil, provider.Auth{}, err
	}

	apiKey, err := g.vault.Load(userID, req.Provider)
	if err != nil {
		return nil, provider.Auth{}, fmt.Errorf("provider %s: %w", req.Provider, ErrMissingCredential)
	}

	return adapter, provider.Auth{APIKey: apiKey}, nil
}

// prepare compresses the conversation when it approaches the model's
// context limit. Summarization runs against the same target; any failure
// falls back to the uncompressed history.
func (g *Gateway) prepare(ctx context.Context, req models.ChatRequest, adapter provider.Adapter, auth provider.Auth) models.ChatRequest {
	limit := g.windowCfg.ModelLimit(req.Model)
	if !g.window.NeedsCompression(req.Messages, limit) {
		return req
	}

	slog.Info("compressing conversation context",
		"provider", req.Provider,
		"model", req.Model,
		"messages", len(req.Messages),
		"estimated_tokens", g.window.EstimateTokens(req.Messages),
		"limit", limit,
	)

	req.Messages = g.window.Rebuild(ctx, req.Messages, g.windowCfg.KeepLastMessages,
		g.summarizer(adapter, auth, req.Model))
	return req
}

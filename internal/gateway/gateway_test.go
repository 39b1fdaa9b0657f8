package gateway

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/baalimago/go_away_boilerplate/pkg/testboil"

	"modelgate/internal/config"
	"modelgate/internal/contextwindow"
	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/vault"
)

// fakeAdapter counts upstream calls so tests can assert that resolution
// failures short-circuit before any network activity.
type fakeAdapter struct {
	name  string
	calls atomic.Int64
	reply func(req models.ChatRequest) (*models.ChatResponse, error)
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Send(ctx context.Context, req models.ChatRequest, auth provider.Auth) (*models.ChatResponse, error) {
	a.calls.Add(1)
	if a.reply != nil {
		return a.reply(req)
	}
	return &models.ChatResponse{Text: "reply from " + a.name}, nil
}

func (a *fakeAdapter) Stream(ctx context.Context, req models.ChatRequest, auth provider.Auth) (iter.Seq[models.StreamEvent], error) {
	a.calls.Add(1)
	return func(yield func(models.StreamEvent) bool) {
		if !yield(models.TextEvent("streamed")) {
			return
		}
		yield(models.DoneEvent())
	}, nil
}

func windowConfig() config.ContextWindowConfig {
	return config.ContextWindowConfig{
		CompressionThreshold: 0.8,
		CharsPerToken:        4,
		ImageTokenSurcharge:  768,
		KeepLastMessages:     3,
		DefaultModelLimit:    128000,
	}
}

func newTestGateway(t *testing.T, adapters ...provider.Adapter) (*Gateway, *vault.Vault) {
	t.Helper()

	registry := provider.NewRegistry()
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			t.Fatalf("register %s: %v", adapter.Name(), err)
		}
	}

	key, err := vault.ParseMasterKey(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	secrets, err := vault.New(key, vault.NewMemoryStore())
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	gw, err := New(registry, secrets, nil, windowConfig(), 6)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw, secrets
}

func userRequest(providerName, text string) models.ChatRequest {
	return models.ChatRequest{
		Provider: providerName,
		Model:    "test-model",
		Messages: []models.Message{models.TextMessage(models.RoleUser, text)},
	}
}

func TestDispatchHappyPath(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	gw, secrets := newTestGateway(t, adapter)
	if _, err := secrets.Save("alice", "openai", "sk-valid-key"); err != nil {
		t.Fatalf("save credential: %v", err)
	}

	resp, err := gw.Dispatch(context.Background(), "alice", userRequest("openai", "hello"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	testboil.FailTestIfDiff(t, resp.Text, "reply from openai")
	testboil.FailTestIfDiff(t, adapter.calls.Load(), int64(1))
}

func TestDispatchUnsupportedProvider(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	gw, _ := newTestGateway(t, adapter)

	_, err := gw.Dispatch(context.Background(), "alice", userRequest("mystery", "hello"))
	if !errors.Is(err, provider.ErrUnsupportedProvider) {
		t.Fatalf("error = %v, want ErrUnsupportedProvider", err)
	}
	testboil.FailTestIfDiff(t, adapter.calls.Load(), int64(0))
}

func TestDispatchMissingCredentialMakesNoUpstreamCall(t *testing.T) {
	adapter := &fakeAdapter{name: "anthropic"}
	gw, _ := newTestGateway(t, adapter)

	_, err := gw.Dispatch(context.Background(), "alice", userRequest("anthropic", "hello"))
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("error = %v, want ErrMissingCredential", err)
	}
	testboil.FailTestIfDiff(t, adapter.calls.Load(), int64(0))
	testboil.AssertStringContains(t, err.Error(), "anthropic")
}

func TestDispatchRejectsEmptyMessageList(t *testing.T) {
	gw, _ := newTestGateway(t, &fakeAdapter{name: "openai"})

	req := models.ChatRequest{Provider: "openai", Model: "test-model"}
	if _, err := gw.Dispatch(context.Background(), "alice", req); err == nil {
		t.Fatal("expected error for empty message list")
	}
}

func TestDispatchStreamDelegatesToAdapter(t *testing.T) {
	adapter := &fakeAdapter{name: "openai"}
	gw, secrets := newTestGateway(t, adapter)
	if _, err := secrets.Save("alice", "openai", "sk-valid-key"); err != nil {
		t.Fatalf("save credential: %v", err)
	}

	seq, err := gw.DispatchStream(context.Background(), "alice", userRequest("openai", "hello"))
	if err != nil {
		t.Fatalf("dispatch stream: %v", err)
	}

	var events []models.StreamEvent
	for event := range seq {
		events = append(events, event)
	}
	testboil.FailTestIfDiff(t, len(events), 2)
	testboil.FailTestIfDiff(t, events[0].Delta, "streamed")
	testboil.FailTestIfDiff(t, string(events[1].Type), string(models.EventDone))
}

func TestDispatchCompressesOversizedContext(t *testing.T) {
	var sawSummaryCall atomic.Bool
	var finalMessages []models.Message
	adapter := &fakeAdapter{
		name: "openai",
		reply: func(req models.ChatRequest) (*models.ChatResponse, error) {
			if req.MaxOutputTokens == summaryMaxTokens {
				sawSummaryCall.Store(true)
				return &models.ChatResponse{Text: `{"summary": "a long chat about maps"}`}, nil
			}
			finalMessages = req.Messages
			return &models.ChatResponse{Text: "ok"}, nil
		},
	}

	registry := provider.NewRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register: %v", err)
	}
	key, _ := vault.ParseMasterKey(strings.Repeat("cd", 32))
	secrets, _ := vault.New(key, vault.NewMemoryStore())
	if _, err := secrets.Save("alice", "openai", "sk-valid-key"); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := windowConfig()
	cfg.ModelLimits = map[string]int{"test-model": 100}
	window := contextwindow.NewManager(cfg.CompressionThreshold, cfg.CharsPerToken, cfg.ImageTokenSurcharge)
	gw, err := New(registry, secrets, window, cfg, 6)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	// Ten messages of 100 tokens against a 100-token window.
	req := models.ChatRequest{Provider: "openai", Model: "test-model"}
	for range 10 {
		req.Messages = append(req.Messages,
			models.TextMessage(models.RoleUser, strings.Repeat("m", 400)))
	}

	if _, err := gw.Dispatch(context.Background(), "alice", req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if !sawSummaryCall.Load() {
		t.Fatal("oversized context did not trigger a summarization call")
	}
	testboil.FailTestIfDiff(t, len(finalMessages), 4)
	testboil.FailTestIfDiff(t, string(finalMessages[0].Role), string(models.RoleSystem))
	testboil.AssertStringContains(t, finalMessages[0].Text(), "a long chat about maps")
}

func TestCompareIsolatesFailures(t *testing.T) {
	good := &fakeAdapter{name: "openai"}
	bad := &fakeAdapter{
		name: "anthropic",
		reply: func(req models.ChatRequest) (*models.ChatResponse, error) {
			return nil, &provider.UpstreamError{Provider: "anthropic", Status: 429, Message: "rate limited"}
		},
	}
	slowGood := &fakeAdapter{name: "gemini"}

	gw, secrets := newTestGateway(t, good, bad, slowGood)
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		if _, err := secrets.Save("alice", name, "sk-"+name+"-key"); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	targets := []models.CompareTarget{
		{Provider: "openai", Model: "model-a"},
		{Provider: "anthropic", Model: "model-b"},
		{Provider: "gemini", Model: "model-c"},
	}
	results, err := gw.Compare(context.Background(), "alice",
		userRequest("", "compare prompt"), targets)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	testboil.FailTestIfDiff(t, len(results), 3)
	for i, target := range targets {
		testboil.FailTestIfDiff(t, results[i].Provider, target.Provider)
		testboil.FailTestIfDiff(t, results[i].Model, target.Model)
	}

	testboil.FailTestIfDiff(t, results[0].Response.Text, "reply from openai")
	if results[1].Response != nil {
		t.Error("failed target carries a response")
	}
	testboil.AssertStringContains(t, results[1].Err, "rate limited")
	testboil.FailTestIfDiff(t, results[2].Response.Text, "reply from gemini")
}

func TestCompareRejectsTooManyTargets(t *testing.T) {
	gw, _ := newTestGateway(t, &fakeAdapter{name: "openai"})

	targets := make([]models.CompareTarget, 7)
	for i := range targets {
		targets[i] = models.CompareTarget{Provider: "openai", Model: "m"}
	}
	if _, err := gw.Compare(context.Background(), "alice", userRequest("", "p"), targets); err == nil {
		t.Fatal("expected error above max target count")
	}

	if _, err := gw.Compare(context.Background(), "alice", userRequest("", "p"), nil); err == nil {
		t.Fatal("expected error for zero targets")
	}
}

func TestCompareMissingCredentialOnlyFailsThatTarget(t *testing.T) {
	gw, secrets := newTestGateway(t,
		&fakeAdapter{name: "openai"}, &fakeAdapter{name: "anthropic"})
	if _, err := secrets.Save("alice", "openai", "sk-openai-key"); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := gw.Compare(context.Background(), "alice",
		userRequest("", "prompt"), []models.CompareTarget{
			{Provider: "openai", Model: "m"},
			{Provider: "anthropic", Model: "m"},
		})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	testboil.FailTestIfDiff(t, results[0].Response.Text, "reply from openai")
	testboil.AssertStringContains(t, results[1].Err, "missing credential")
}

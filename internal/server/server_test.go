package server

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baalimago/go_away_boilerplate/pkg/testboil"

	"modelgate/internal/config"
	"modelgate/internal/gateway"
	"modelgate/internal/models"
	"modelgate/internal/provider"
	"modelgate/internal/relay"
	"modelgate/internal/vault"
)

type scriptedAdapter struct {
	name string
}

func (a scriptedAdapter) Name() string { return a.name }

func (a scriptedAdapter) Send(ctx context.Context, req models.ChatRequest, auth provider.Auth) (*models.ChatResponse, error) {
	return &models.ChatResponse{
		Text:  "scripted reply",
		Usage: &models.Usage{InputTokens: 3, OutputTokens: 2},
	}, nil
}

func (a scriptedAdapter) Stream(ctx context.Context, req models.ChatRequest, auth provider.Auth) (iter.Seq[models.StreamEvent], error) {
	return func(yield func(models.StreamEvent) bool) {
		for _, event := range []models.StreamEvent{
			models.TextEvent("scripted "),
			models.TextEvent("stream"),
			models.DoneEvent(),
		} {
			if !yield(event) {
				return
			}
		}
	}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	key, err := vault.ParseMasterKey(strings.Repeat("ef", 32))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	secrets, err := vault.New(key, vault.NewMemoryStore())
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	registry := provider.NewRegistry()
	if err := registry.Register(scriptedAdapter{name: "openai"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	windowCfg := config.ContextWindowConfig{
		CompressionThreshold: 0.8,
		CharsPerToken:        4,
		ImageTokenSurcharge:  768,
		KeepLastMessages:     3,
		DefaultModelLimit:    128000,
	}
	gw, err := gateway.New(registry, secrets, nil, windowCfg, 6)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	cfg := config.Config{Server: config.ServerConfig{Port: 0}}
	srv, err := New(cfg, gw, secrets, relay.New(time.Minute), nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.app.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	testboil.FailTestIfDiff(t, rec.Code, http.StatusOK)
}

func TestCredentialLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPut, "/api/credentials/openai", `{"api_key": "sk-test-ABCDWXYZ"}`)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusOK)
	testboil.AssertStringContains(t, rec.Body.String(), "****WXYZ")
	if strings.Contains(rec.Body.String(), "sk-test-ABCDWXYZ") {
		t.Fatal("save response leaks the plaintext key")
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/credentials", "")
	testboil.FailTestIfDiff(t, rec.Code, http.StatusOK)
	var records []vault.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	testboil.FailTestIfDiff(t, len(records), 1)
	testboil.FailTestIfDiff(t, records[0].Provider, "openai")
	testboil.FailTestIfDiff(t, records[0].Hint, "****WXYZ")

	rec = doJSON(t, srv, http.MethodDelete, "/api/credentials/openai", "")
	testboil.FailTestIfDiff(t, rec.Code, http.StatusNoContent)

	rec = doJSON(t, srv, http.MethodDelete, "/api/credentials/openai", "")
	testboil.FailTestIfDiff(t, rec.Code, http.StatusNotFound)
}

func TestSaveCredentialRequiresKey(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPut, "/api/credentials/openai", `{"api_key": ""}`)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusBadRequest)
}

func TestCredentialsScopedByUserHeader(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/credentials/openai",
		strings.NewReader(`{"api_key": "sk-alice-key"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-User", "alice")
	rec := httptest.NewRecorder()
	srv.app.ServeHTTP(rec, req)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusOK)

	req = httptest.NewRequest(http.MethodGet, "/api/credentials", nil)
	req.Header.Set("X-Gateway-User", "bob")
	rec = httptest.NewRecorder()
	srv.app.ServeHTTP(rec, req)

	var records []vault.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	testboil.FailTestIfDiff(t, len(records), 0)
}

const chatBody = `{
	"provider": "openai",
	"model": "gpt-4o",
	"messages": [{"role": "user", "content": "hello"}]
}`

func TestChatRequiresCredential(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", chatBody)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusUnauthorized)
	testboil.AssertStringContains(t, rec.Body.String(), "missing_credential")
}

func TestChatUnsupportedProvider(t *testing.T) {
	srv := newTestServer(t)

	body := strings.Replace(chatBody, "openai", "mystery", 1)
	rec := doJSON(t, srv, http.MethodPost, "/api/chat", body)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusBadRequest)
	testboil.AssertStringContains(t, rec.Body.String(), "unsupported_provider")
}

func TestChatNonStreaming(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPut, "/api/credentials/openai", `{"api_key": "sk-test-key"}`)

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", chatBody)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusOK)

	var resp models.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	testboil.FailTestIfDiff(t, resp.Text, "scripted reply")
	testboil.FailTestIfDiff(t, resp.Usage.InputTokens, 3)
}

func TestChatStreaming(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPut, "/api/credentials/openai", `{"api_key": "sk-test-key"}`)

	body := strings.Replace(chatBody, `"provider"`, `"stream": true, "provider"`, 1)
	rec := doJSON(t, srv, http.MethodPost, "/api/chat", body)

	testboil.FailTestIfDiff(t, rec.Code, http.StatusOK)
	testboil.FailTestIfDiff(t, rec.Header().Get("Content-Type"), "text/event-stream")

	raw := rec.Body.String()
	if !strings.HasPrefix(raw, ": start\n\n") {
		t.Fatalf("stream does not open with the start marker: %q", raw)
	}

	doneCount := 0
	var text strings.Builder
	for _, frame := range strings.Split(raw, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" || strings.HasPrefix(frame, ":") {
			continue
		}
		var event models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &event); err != nil {
			t.Fatalf("unmarshal frame %q: %v", frame, err)
		}
		switch event.Type {
		case models.EventText:
			text.WriteString(event.Delta)
		case models.EventDone:
			doneCount++
		}
	}
	testboil.FailTestIfDiff(t, text.String(), "scripted stream")
	testboil.FailTestIfDiff(t, doneCount, 1)
}

func TestCompareEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPut, "/api/credentials/openai", `{"api_key": "sk-test-key"}`)

	rec := doJSON(t, srv, http.MethodPost, "/api/compare", `{
		"prompt": "compare me",
		"targets": [
			{"provider": "openai", "model": "gpt-4o"},
			{"provider": "mystery", "model": "void-1"}
		]
	}`)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusOK)

	var results []models.CompareResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	testboil.FailTestIfDiff(t, len(results), 2)
	testboil.FailTestIfDiff(t, results[0].Response.Text, "scripted reply")
	testboil.AssertStringContains(t, results[1].Err, "unsupported provider")
}

func TestChatRejectsMalformedJSON(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/chat", `{"provider": `)
	testboil.FailTestIfDiff(t, rec.Code, http.StatusBadRequest)
}

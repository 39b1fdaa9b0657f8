package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/baalimago/go_away_boilerplate/pkg/testboil"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

func basicRequest() models.ChatRequest {
	return models.ChatRequest{
		Provider: "gemini",
		Model:    "gemini-2.5-flash",
		Messages: []models.Message{models.TextMessage(models.RoleUser, "hello")},
	}
}

func TestBuildPayloadRolesAndSystemInstruction(t *testing.T) {
	req := models.ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []models.Message{
			models.TextMessage(models.RoleSystem, "be brief"),
			models.TextMessage(models.RoleUser, "hi"),
			models.TextMessage(models.RoleAssistant, "hello"),
			models.TextMessage(models.RoleUser, "more"),
		},
	}
	req.ReasoningEffort = "medium"

	payload, err := buildPayload(req)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	if payload.SystemInstruction == nil {
		t.Fatal("expected systemInstruction")
	}
	testboil.FailTestIfDiff(t, payload.SystemInstruction.Parts[0].Text, "be brief")
	testboil.FailTestIfDiff(t, len(payload.Contents), 3)
	testboil.FailTestIfDiff(t, payload.Contents[0].Role, "user")
	testboil.FailTestIfDiff(t, payload.Contents[1].Role, "model")
	if payload.GenerationConfig == nil || payload.GenerationConfig.ThinkingConfig == nil {
		t.Fatal("expected thinking config")
	}
	testboil.FailTestIfDiff(t, payload.GenerationConfig.ThinkingConfig.ThinkingBudget, 8192)
	if !payload.GenerationConfig.ThinkingConfig.IncludeThoughts {
		t.Error("thoughts must be requested alongside a thinking budget")
	}
}

func TestSendParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testboil.FailTestIfDiff(t, r.URL.Path, "/models/gemini-2.5-flash:generateContent")
		testboil.FailTestIfDiff(t, r.Header.Get("x-goog-api-key"), "gk-test")

		var payload generatePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{
				"content": {"parts": [
					{"text": "mulling it over", "thought": true},
					{"text": "the answer"}
				]},
				"groundingMetadata": {"groundingChunks": [{"web": {"uri": "https://example.org", "title": "Org"}}]}
			}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 3, "thoughtsTokenCount": 2}
		}`))
	}))
	defer server.Close()

	adapter, err := New(server.Client(), server.URL)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	resp, err := adapter.Send(context.Background(), basicRequest(), provider.Auth{APIKey: "gk-test"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	testboil.FailTestIfDiff(t, resp.Text, "the answer")
	testboil.FailTestIfDiff(t, resp.Thinking, "mulling it over")
	testboil.FailTestIfDiff(t, resp.Sources[0].URL, "https://example.org")
	testboil.FailTestIfDiff(t, resp.Usage.InputTokens, 8)
	testboil.FailTestIfDiff(t, resp.Usage.ReasoningTokens, 2)
}

func TestSendUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"code": 403, "message": "API key not valid"}}`))
	}))
	defer server.Close()

	adapter, _ := New(server.Client(), server.URL)
	_, err := adapter.Send(context.Background(), basicRequest(), provider.Auth{APIKey: "gk-bad"})

	var upstream *provider.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if !upstream.IsAuth() {
		t.Errorf("status %d should classify as auth failure", upstream.Status)
	}
	testboil.FailTestIfDiff(t, upstream.Message, "API key not valid")
}

func TestStreamComputesDeltasFromSnapshots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testboil.FailTestIfDiff(t, r.URL.Path, "/models/gemini-2.5-flash:streamGenerateContent")
		testboil.FailTestIfDiff(t, r.URL.Query().Get("alt"), "sse")

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"candidates": [{"content": {"parts": [{"text": "thinking", "thought": true}]}}]}`,
			`{"candidates": [{"content": {"parts": [{"text": "Hel"}]}}]}`,
			`{"candidates": [{"content": {"parts": [{"text": "Hello, wor"}]}}]}`,
			`{"candidates": [{"content": {"parts": [{"text": "Hello, world"}]}}], "usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 4}}`,
		}
		for _, frame := range frames {
			w.Write([]byte("data: " + frame + "\n\n"))
		}
	}))
	defer server.Close()

	adapter, _ := New(server.Client(), server.URL)
	seq, err := adapter.Stream(context.Background(), basicRequest(), provider.Auth{APIKey: "gk-test"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var events []models.StreamEvent
	for event := range seq {
		events = append(events, event)
	}

	testboil.FailTestIfDiff(t, len(events), 6)
	testboil.FailTestIfDiff(t, string(events[0].Type), string(models.EventThinking))
	testboil.FailTestIfDiff(t, events[0].Delta, "thinking")
	testboil.FailTestIfDiff(t, events[1].Delta, "Hel")
	testboil.FailTestIfDiff(t, events[2].Delta, "lo, wor")
	testboil.FailTestIfDiff(t, events[3].Delta, "ld")
	testboil.FailTestIfDiff(t, string(events[4].Type), string(models.EventUsage))
	testboil.FailTestIfDiff(t, events[4].Usage.OutputTokens, 4)
	testboil.FailTestIfDiff(t, string(events[5].Type), string(models.EventDone))
}

func TestStreamEmitsSourcesOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		grounded := `{"candidates": [{"content": {"parts": [{"text": "a"}]}, "groundingMetadata": {"groundingChunks": [{"web": {"uri": "https://example.org", "title": "Org"}}]}}]}`
		w.Write([]byte("data: " + grounded + "\n\n"))
		w.Write([]byte("data: " + grounded + "\n\n"))
	}))
	defer server.Close()

	adapter, _ := New(server.Client(), server.URL)
	seq, err := adapter.Stream(context.Background(), basicRequest(), provider.Auth{APIKey: "gk-test"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	sourceEvents := 0
	for event := range seq {
		if event.Type == models.EventSources {
			sourceEvents++
		}
	}
	testboil.FailTestIfDiff(t, sourceEvents, 1)
}

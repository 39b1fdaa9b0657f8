package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

const (
	providerName    = "anthropic"
	defaultBaseURL  = "https://api.anthropic.com"
	apiVersion      = "2023-06-01"
	contentTypeJSON = "application/json"
	userAgent       = "modelgate/0.1"

	// defaultMaxTokens applies when the caller does not set a limit; the
	// messages API rejects requests without one.
	defaultMaxTokens = 4096
)

// Adapter implements the provider contract for Anthropic's messages API.
type Adapter struct {
	client  *http.Client
	baseURL string
}

// New constructs an Anthropic adapter. baseURL may be empty to use the
// public endpoint.
func New(client *http.Client, baseURL string) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (a *Adapter) Name() string {
	return providerName
}

func (a *Adapter) messagesURL(auth provider.Auth) string {
	base := a.baseURL
	if auth.BaseURL != "" {
		base = strings.TrimRight(auth.BaseURL, "/")
	}
	return base + "/v1/messages"
}

// Send performs a non-streaming messages call.
func (a *Adapter) Send(ctx context.Context, req models.ChatRequest, auth provider.Auth) (*models.ChatResponse, error) {
	payload, err := buildPayload(req, false)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.do(ctx, payload, auth, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.NewUpstreamError(providerName, httpResp, extractErrorMessage)
	}

	var resp messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	return resp.toUnified(), nil
}

func (a *Adapter) do(ctx context.Context, payload messagePayload, auth provider.Auth, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.messagesURL(auth), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("x-api-key", auth.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	return httpResp, nil
}

type messagePayload struct {
	Model     string          `json:"model"`
	Messages  []wireMessage   `json:"messages"`
	System    string          `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream,omitempty"`
	Thinking  *thinkingConfig `json:"thinking,omitempty"`
	Tools     []wireTool      `json:"tools,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type wireTool struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// buildPayload converts a unified request to the messages wire format.
// System messages are hoisted out of the message list into the top-level
// system field, which is where this API requires them.
func buildPayload(req models.ChatRequest, stream bool) (messagePayload, error) {
	if len(req.Messages) == 0 {
		return messagePayload{}, errors.New("anthropic request requires at least one message")
	}

	var systemParts []string
	messages := make([]wireMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		messages = append(messages, toWireMessage(msg))
	}

	if len(messages) == 0 {
		return messagePayload{}, errors.New("anthropic request requires a non-system message")
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := messagePayload{
		Model:       req.Model,
		Messages:    messages,
		System:      strings.Join(systemParts, "\n\n"),
		MaxTokens:   maxTokens,
		Stream:      stream,
		Temperature: req.Temperature,
	}

	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 {
		payload.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
	}
	if req.WebSearch {
		payload.Tools = []wireTool{{Type: "web_search_20250305", Name: "web_search"}}
	}

	return payload, nil
}

// thinkingBudget maps the provider-neutral effort level onto a token budget.
func thinkingBudget(effort string) int {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 4096
	case "high":
		return 16384
	default:
		return 0
	}
}

func toWireMessage(msg models.Message) wireMessage {
	blocks := make([]wireBlock, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.ImageURL != "" {
			blocks = append(blocks, wireBlock{
				Type:   "image",
				Source: &imageSource{Type: "url", URL: part.ImageURL},
			})
			continue
		}
		blocks = append(blocks, wireBlock{Type: "text", Text: part.Text})
	}
	return wireMessage{Role: string(msg.Role), Content: blocks}
}

type messageResponse struct {
	Content []responseBlock `json:"content"`
	Usage   *usageBlock     `json:"usage"`
}

type responseBlock struct {
	Type      string     `json:"type"`
	Text      string     `json:"text"`
	Thinking  string     `json:"thinking"`
	Citations []citation `json:"citations"`
}

type citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (r messageResponse) toUnified() *models.ChatResponse {
	out := &models.ChatResponse{}

	var text, thinking strings.Builder
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			for _, cite := range block.Citations {
				if cite.URL != "" {
					out.Sources = append(out.Sources, models.Source{Title: cite.Title, URL: cite.URL})
				}
			}
		case "thinking":
			thinking.WriteString(block.Thinking)
		}
		// Other block kinds (tool use bookkeeping) carry nothing we relay.
	}
	out.Text = text.String()
	out.Thinking = thinking.String()

	if r.Usage != nil {
		out.Usage = &models.Usage{
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
		}
	}
	return out
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func extractErrorMessage(body []byte) string {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error.Message
}

package openai

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
	providerName    = "openai"
	defaultBaseURL  = "https://api.openai.com/v1"
	contentTypeJSON = "application/json"
	userAgent       = "modelgate/0.1"
)

// Adapter implements the provider contract for OpenAI-compatible
// chat-completions APIs.
type Adapter struct {
	client  *http.Client
	baseURL string
}

// New constructs an OpenAI adapter. baseURL may be empty to use the
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

func (a *Adapter) chatURL(auth provider.Auth) string {
	base := a.baseURL
	if auth.BaseURL != "" {
		base = strings.TrimRight(auth.BaseURL, "/")
	}
	return base + "/chat/completions"
}

// Send performs a non-streaming chat completion.
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

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	return resp.toUnified(), nil
}

func (a *Adapter) do(ctx context.Context, payload chatPayload, auth provider.Auth, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.chatURL(auth), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	return httpResp, nil
}

// isReasoningModel reports whether the model accepts reasoning-effort and
// verbosity parameters. Sending them to other models is a request error, so
// they are gated here rather than passed through blindly.
func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

type chatPayload struct {
	Model            string            `json:"model"`
	Messages         []wireMessage     `json:"messages"`
	Stream           bool              `json:"stream,omitempty"`
	StreamOptions    *streamOptions    `json:"stream_options,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	MaxCompletion    *int              `json:"max_completion_tokens,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	ReasoningEffort  string            `json:"reasoning_effort,omitempty"`
	Verbosity        string            `json:"verbosity,omitempty"`
	WebSearchOptions *webSearchOptions `json:"web_search_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type webSearchOptions struct{}

// wireMessage carries either a plain string content or a part list,
// depending on whether the message is multimodal.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

func buildPayload(req models.ChatRequest, stream bool) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("openai request requires at least one message")
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, toWireMessage(msg))
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if req.MaxOutputTokens > 0 {
		limit := req.MaxOutputTokens
		if isReasoningModel(req.Model) {
			payload.MaxCompletion = &limit
		} else {
			payload.MaxTokens = &limit
		}
	}

	if isReasoningModel(req.Model) {
		payload.ReasoningEffort = req.ReasoningEffort
		payload.Verbosity = req.Verbosity
	}

	if req.WebSearch {
		payload.WebSearchOptions = &webSearchOptions{}
	}

	return payload, nil
}

func toWireMessage(msg models.Message) wireMessage {
	multimodal := false
	for _, part := range msg.Parts {
		if part.ImageURL != "" {
			multimodal = true
			break
		}
	}

	if !multimodal {
		return wireMessage{Role: string(msg.Role), Content: msg.Text()}
	}

	parts := make([]wirePart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.ImageURL != "" {
			parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: part.ImageURL}})
			continue
		}
		parts = append(parts, wirePart{Type: "text", Text: part.Text})
	}
	return wireMessage{Role: string(msg.Role), Content: parts}
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage"`
}

type chatChoice struct {
	Message struct {
		Content     string       `json:"content"`
		Reasoning   string       `json:"reasoning_content"`
		Annotations []annotation `json:"annotations"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type annotation struct {
	Type        string `json:"type"`
	URLCitation *struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"url_citation"`
}

type usageBlock struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (r chatResponse) toUnified() *models.ChatResponse {
	out := &models.ChatResponse{}
	if len(r.Choices) > 0 {
		choice := r.Choices[0]
		out.Text = choice.Message.Content
		out.Thinking = choice.Message.Reasoning
		out.Sources = sourcesFromAnnotations(choice.Message.Annotations)
	}
	out.Usage = r.Usage.toUnified()
	return out
}

func (u *usageBlock) toUnified() *models.Usage {
	if u == nil {
		return nil
	}
	usage := &models.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}

func sourcesFromAnnotations(annotations []annotation) []models.Source {
	var sources []models.Source
	for _, ann := range annotations {
		if ann.URLCitation == nil {
			continue
		}
		sources = append(sources, models.Source{
			Title: ann.URLCitation.Title,
			URL:   ann.URLCitation.URL,
		})
	}
	return sources
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

package gemini

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
	providerName    = "gemini"
	defaultBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	contentTypeJSON = "application/json"
	userAgent       = "modelgate/0.1"
)

// Adapter implements the provider contract for the Gemini generateContent
// API.
type Adapter struct {
	client  *http.Client
	baseURL string
}

// New constructs a Gemini adapter. baseURL may be empty to use the public
// endpoint.
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

func (a *Adapter) modelURL(auth provider.Auth, model, action string) string {
	base := a.baseURL
	if auth.BaseURL != "" {
		base = strings.TrimRight(auth.BaseURL, "/")
	}
	return fmt.Sprintf("%s/models/%s:%s", base, model, action)
}

// Send performs a non-streaming generateContent call.
func (a *Adapter) Send(ctx context.Context, req models.ChatRequest, auth provider.Auth) (*models.ChatResponse, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	url := a.modelURL(auth, req.Model, "generateContent")
	httpResp, err := a.do(ctx, url, payload, auth, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.NewUpstreamError(providerName, httpResp, extractErrorMessage)
	}

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	return resp.toUnified(), nil
}

func (a *Adapter) do(ctx context.Context, url string, payload generatePayload, auth provider.Auth, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("x-goog-api-key", auth.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	return httpResp, nil
}

type generatePayload struct {
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	Contents          []wireContent     `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []wireTool        `json:"tools,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"fileData,omitempty"`
}

type fileData struct {
	FileURI string `json:"fileUri"`
}

type generationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

type wireTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

// buildPayload converts a unified request to the generateContent shape:
// system messages become the systemInstruction field and assistant turns
// take the role "model".
func buildPayload(req models.ChatRequest) (generatePayload, error) {
	if len(req.Messages) == 0 {
		return generatePayload{}, errors.New("gemini request requires at least one message")
	}

	var systemParts []wirePart
	contents := make([]wireContent, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, wirePart{Text: text})
			}
			continue
		}

		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		contents = append(contents, wireContent{Role: role, Parts: toWireParts(msg)})
	}

	if len(contents) == 0 {
		return generatePayload{}, errors.New("gemini request requires a non-system message")
	}

	payload := generatePayload{Contents: contents}
	if len(systemParts) > 0 {
		payload.SystemInstruction = &wireContent{Parts: systemParts}
	}

	cfg := &generationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if budget := thinkingBudgetTokens(req.ReasoningEffort); budget > 0 {
		cfg.ThinkingConfig = &thinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
	}
	payload.GenerationConfig = cfg

	if req.WebSearch {
		payload.Tools = []wireTool{{GoogleSearch: &struct{}{}}}
	}

	return payload, nil
}

func thinkingBudgetTokens(effort string) int {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return 24576
	default:
		return 0
	}
}

func toWireParts(msg models.Message) []wirePart {
	parts := make([]wirePart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.ImageURL != "" {
			parts = append(parts, wirePart{FileData: &fileData{FileURI: part.ImageURL}})
			continue
		}
		parts = append(parts, wirePart{Text: part.Text})
	}
	return parts
}

// generateResponse is the (possibly partial, when streaming) response shape.
type generateResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []responsePart `json:"parts"`
		} `json:"content"`
		FinishReason      string `json:"finishReason"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
}

type responsePart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought"`
}

func (r generateResponse) toUnified() *models.ChatResponse {
	out := &models.ChatResponse{}

	if len(r.Candidates) > 0 {
		candidate := r.Candidates[0]
		if candidate.Content != nil {
			var text, thinking strings.Builder
			for _, part := range candidate.Content.Parts {
				if part.Thought {
					thinking.WriteString(part.Text)
					continue
				}
				text.WriteString(part.Text)
			}
			out.Text = text.String()
			out.Thinking = thinking.String()
		}
		out.Sources = r.sources()
	}

	if r.UsageMetadata != nil {
		out.Usage = &models.Usage{
			InputTokens:     r.UsageMetadata.PromptTokenCount,
			OutputTokens:    r.UsageMetadata.CandidatesTokenCount,
			ReasoningTokens: r.UsageMetadata.ThoughtsTokenCount,
		}
	}
	return out
}

func (r generateResponse) sources() []models.Source {
	if len(r.Candidates) == 0 || r.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var sources []models.Source
	for _, chunk := range r.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		sources = append(sources, models.Source{Title: chunk.Web.Title, URL: chunk.Web.URI})
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

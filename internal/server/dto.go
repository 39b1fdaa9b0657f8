package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"modelgate/internal/models"
)

// decodeRequestBody strictly decodes a single JSON object, capping body
// size.
func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

type chatRequest struct {
	Provider        string       `json:"provider"`
	Model           string       `json:"model"`
	Messages        []dtoMessage `json:"messages"`
	Stream          bool         `json:"stream"`
	Temperature     *float64     `json:"temperature"`
	MaxOutputTokens int          `json:"maxOutputTokens"`
	ReasoningEffort string       `json:"reasoningEffort"`
	Verbosity       string       `json:"verbosity"`
	WebSearch       bool         `json:"webSearch"`
	ContextURL      string       `json:"contextUrl"`
}

// dtoMessage accepts content as either a plain string or an ordered part
// list.
type dtoMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type dtoPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
	URL  string `json:"url"`
	Alt  string `json:"alt"`
}

func (m dtoMessage) toUnified() (models.Message, error) {
	role := models.Role(m.Role)
	switch role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
	default:
		return models.Message{}, fmt.Errorf("unknown message role %q", m.Role)
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return models.TextMessage(role, text), nil
	}

	var rawParts []dtoPart
	if err := json.Unmarshal(m.Content, &rawParts); err != nil {
		return models.Message{}, fmt.Errorf("message content must be a string or a part list")
	}

	parts := make([]models.ContentPart, 0, len(rawParts))
	for _, part := range rawParts {
		switch part.Type {
		case "text", "":
			parts = append(parts, models.ContentPart{Text: part.Text})
		case "image":
			if part.URL == "" {
				return models.Message{}, errors.New("image part requires a url")
			}
			parts = append(parts, models.ContentPart{ImageURL: part.URL, AltText: part.Alt})
		default:
			return models.Message{}, fmt.Errorf("unknown content part type %q", part.Type)
		}
	}
	return models.Message{Role: role, Parts: parts}, nil
}

// ToUnified converts the inbound DTO to the canonical request shape.
func (r chatRequest) ToUnified() (models.ChatRequest, error) {
	if r.Provider == "" {
		return models.ChatRequest{}, errors.New("provider is required")
	}
	if r.Model == "" {
		return models.ChatRequest{}, errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return models.ChatRequest{}, errors.New("at least one message is required")
	}

	messages := make([]models.Message, 0, len(r.Messages))
	for _, msg := range r.Messages {
		unified, err := msg.toUnified()
		if err != nil {
			return models.ChatRequest{}, err
		}
		messages = append(messages, unified)
	}

	return models.ChatRequest{
		Provider:        r.Provider,
		Model:           r.Model,
		Messages:        messages,
		Temperature:     r.Temperature,
		MaxOutputTokens: r.MaxOutputTokens,
		ReasoningEffort: r.ReasoningEffort,
		Verbosity:       r.Verbosity,
		WebSearch:       r.WebSearch,
	}, nil
}

type compareRequest struct {
	Prompt          string                 `json:"prompt"`
	Targets         []models.CompareTarget `json:"targets"`
	Temperature     *float64               `json:"temperature"`
	MaxOutputTokens int                    `json:"maxOutputTokens"`
	ReasoningEffort string                 `json:"reasoningEffort"`
	Verbosity       string                 `json:"verbosity"`
	WebSearch       bool                   `json:"webSearch"`
	ContextURL      string                 `json:"contextUrl"`
}

// ToUnified converts a compare DTO into the shared base request plus its
// target list.
func (r compareRequest) ToUnified() (models.ChatRequest, []models.CompareTarget, error) {
	if r.Prompt == "" {
		return models.ChatRequest{}, nil, errors.New("prompt is required")
	}
	if len(r.Targets) == 0 {
		return models.ChatRequest{}, nil, errors.New("at least one target is required")
	}
	for _, target := range r.Targets {
		if target.Provider == "" || target.Model == "" {
			return models.ChatRequest{}, nil, errors.New("every target requires provider and model")
		}
	}

	base := models.ChatRequest{
		Messages:        []models.Message{models.TextMessage(models.RoleUser, r.Prompt)},
		Temperature:     r.Temperature,
		MaxOutputTokens: r.MaxOutputTokens,
		ReasoningEffort: r.ReasoningEffort,
		Verbosity:       r.Verbosity,
		WebSearch:       r.WebSearch,
	}
	return base, r.Targets, nil
}

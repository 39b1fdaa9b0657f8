package models

// Role identifies the author of a conversational message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one element of a message body: either text or an image
// reference. Exactly one of Text or ImageURL is set; AltText is used when a
// provider cannot carry the image itself.
type ContentPart struct {
	Text     string
	ImageURL string
	AltText  string
}

// Message is a single conversational message in the unified schema.
// Messages are immutable once constructed; ordering within a request is
// caller-significant.
type Message struct {
	Role  Role
	Parts []ContentPart
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []ContentPart{{Text: text}}}
}

// Text returns the concatenated text content of the message, substituting
// alt text for image parts.
func (m Message) Text() string {
	out := ""
	for _, part := range m.Parts {
		if part.Text != "" {
			out += part.Text
			continue
		}
		out += part.AltText
	}
	return out
}

// ChatRequest is the canonical representation of one chat call against a
// single provider/model target.
type ChatRequest struct {
	Provider        string
	Model           string
	Messages        []Message
	Temperature     *float64
	MaxOutputTokens int
	ReasoningEffort string
	Verbosity       string
	WebSearch       bool
}

// ChatResponse captures a completed provider response in the unified schema.
type ChatResponse struct {
	Text     string   `json:"text"`
	Thinking string   `json:"thinking,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
	Usage    *Usage   `json:"usage,omitempty"`
}

// Usage records normalised token accounting. Providers that omit a counter
// leave it zero; absence of a usage block entirely is not an error.
type Usage struct {
	InputTokens     int `json:"inputTokens,omitempty"`
	OutputTokens    int `json:"outputTokens,omitempty"`
	ReasoningTokens int `json:"reasoningTokens,omitempty"`
}

// Source is one citation attached to an answer.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// EventType identifies the kind of payload carried by a StreamEvent.
type EventType string

const (
	// EventText carries an incremental answer text delta.
	EventText EventType = "text"
	// EventThinking carries an incremental reasoning text delta.
	EventThinking EventType = "thinking"
	// EventSources carries citations.
	EventSources EventType = "sources"
	// EventUsage carries final token accounting, normally last before done.
	EventUsage EventType = "usage"
	// EventError carries a terminal failure description.
	EventError EventType = "error"
	// EventDone terminates the stream. Exactly one done ends every stream,
	// including error paths.
	EventDone EventType = "done"
)

// StreamEvent is one unit of the internal, provider-agnostic streaming
// vocabulary. Each event carries exactly one payload, identified by Type.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Delta   string    `json:"delta,omitempty"`
	Sources []Source  `json:"sources,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
	Message string    `json:"message,omitempty"`
}

// TextEvent builds a text delta event.
func TextEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventText, Delta: delta}
}

// ThinkingEvent builds a reasoning delta event.
func ThinkingEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventThinking, Delta: delta}
}

// ErrorEvent builds a terminal failure event.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

// DoneEvent builds the stream terminator.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}

// CompareTarget identifies one provider/model pair in a fan-out request.
type CompareTarget struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// CompareResult is one independent fan-out outcome. Exactly one of Response
// or Err is set, so callers can read results without error handling of
// their own.
type CompareResult struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Response *ChatResponse `json:"response,omitempty"`
	Err      string        `json:"error,omitempty"`
}

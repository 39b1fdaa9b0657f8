package contextwindow

import (
	"context"
	"log/slog"

	"modelgate/internal/models"
)

// SummarizeFunc condenses a slice of conversation messages into prose.
// Typically backed by a cheap model call; the manager never cares how.
type SummarizeFunc func(ctx context.Context, messages []models.Message) (string, error)

// Manager decides when conversation history must be compressed before being
// sent upstream, and performs the compression. All numbers here are
// heuristics: token estimation is an approximation, not tokenizer parity.
type Manager struct {
	// Threshold is the fraction of a model's context limit at which
	// compression kicks in.
	Threshold float64
	// CharsPerToken is the average character count assumed per text token.
	CharsPerToken int
	// ImageSurcharge is the flat token cost assumed per image part.
	ImageSurcharge int
}

// NewManager constructs a Manager, substituting defaults for unset knobs.
func NewManager(threshold float64, charsPerToken, imageSurcharge int) *Manager {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	if imageSurcharge <= 0 {
		imageSurcharge = 768
	}
	return &Manager{
		Threshold:      threshold,
		CharsPerToken:  charsPerToken,
		ImageSurcharge: imageSurcharge,
	}
}

// EstimateTokens approximates the token footprint of a message list:
// proportional to text length plus a fixed surcharge per image.
func (m *Manager) EstimateTokens(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.ImageURL != "" {
				total += m.ImageSurcharge
				continue
			}
			total += (len(part.Text) + m.CharsPerToken - 1) / m.CharsPerToken
		}
	}
	return total
}

// NeedsCompression reports whether the estimated size has reached the
// threshold fraction of modelLimit.
func (m *Manager) NeedsCompression(messages []models.Message, modelLimit int) bool {
	if modelLimit <= 0 {
		return false
	}
	return float64(m.EstimateTokens(messages)) >= m.Threshold*float64(modelLimit)
}

// Compress splits messages oldest-first, always preserving the most recent
// keepLastN verbatim.
func (m *Manager) Compress(messages []models.Message, keepLastN int) (toSummarize, toKeep []models.Message) {
	if keepLastN < 0 {
		keepLastN = 0
	}
	if keepLastN >= len(messages) {
		return nil, messages
	}
	split := len(messages) - keepLastN
	return messages[:split], messages[split:]
}

// Rebuild compresses messages into [summary-as-system-message, ...kept].
// If summarization fails for any reason the original messages are returned
// unchanged: overflow is deferred to the upstream provider's own error
// handling rather than blocking the request.
func (m *Manager) Rebuild(ctx context.Context, messages []models.Message, keepLastN int, summarize SummarizeFunc) []models.Message {
	toSummarize, toKeep := m.Compress(messages, keepLastN)
	if len(toSummarize) == 0 || summarize == nil {
		return messages
	}

	raw, err := summarize(ctx, toSummarize)
	if err != nil || raw == "" {
		slog.Warn("history summarization failed, sending uncompressed context",
			"messages", len(messages), "err", err)
		return messages
	}

	summary := extractSummary(raw)
	rebuilt := make([]models.Message, 0, len(toKeep)+1)
	rebuilt = append(rebuilt, models.TextMessage(models.RoleSystem,
		"Summary of the earlier conversation: "+summary))
	rebuilt = append(rebuilt, toKeep...)
	return rebuilt
}

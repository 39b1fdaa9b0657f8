package contextwindow

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// summaryEnvelope is the JSON shape the summarizer prompt asks for.
type summaryEnvelope struct {
	Summary string `json:"summary"`
}

// extractSummary recovers the summary prose from raw model output. Models
// asked for JSON frequently fence it or emit slightly broken JSON, so
// parsing is tolerant: code fences are stripped, malformed JSON is repaired
// before a retry, and anything unparseable is used verbatim.
func extractSummary(raw string) string {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if !strings.HasPrefix(cleaned, "{") {
		return cleaned
	}

	var envelope summaryEnvelope
	if err := json.Unmarshal([]byte(cleaned), &envelope); err == nil && envelope.Summary != "" {
		return envelope.Summary
	}

	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return cleaned
	}
	if err := json.Unmarshal([]byte(repaired), &envelope); err == nil && envelope.Summary != "" {
		return envelope.Summary
	}
	return cleaned
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

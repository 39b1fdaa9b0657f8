package server

import (
	"context"
	"log/slog"
	"strings"

	"modelgate/internal/models"
)

// transcriptSink accumulates the streamed reply so a completion summary
// can be logged even when the client disconnects mid-stream.
type transcriptSink struct {
	provider string
	model    string
	text     strings.Builder
	usage    models.Usage
	failed   bool
}

func newTranscriptSink(provider, model string) *transcriptSink {
	return &transcriptSink{provider: provider, model: model}
}

func (s *transcriptSink) OnEvent(event models.StreamEvent) {
	switch event.Type {
	case models.EventText:
		s.text.WriteString(event.Delta)
	case models.EventUsage:
		if event.Usage != nil {
			s.usage = *event.Usage
		}
	case models.EventError:
		s.failed = true
	case models.EventDone:
		level := slog.LevelDebug
		if s.failed {
			level = slog.LevelWarn
		}
		slog.Default().Log(context.Background(), level, "stream finished",
			"provider", s.provider,
			"model", s.model,
			"failed", s.failed,
			"textChars", s.text.Len(),
			"inputTokens", s.usage.InputTokens,
			"outputTokens", s.usage.OutputTokens)
	}
}

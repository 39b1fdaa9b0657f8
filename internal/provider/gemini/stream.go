package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

// Stream performs a streaming generateContent call via the alt=sse endpoint.
// Gemini SSE events carry cumulative generateContent snapshots rather than
// deltas, so deltas are computed by tracking how much text has already been
// emitted. The returned sequence always ends with exactly one done event.
func (a *Adapter) Stream(ctx context.Context, req models.ChatRequest, auth provider.Auth) (iter.Seq[models.StreamEvent], error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	url := a.modelURL(auth, req.Model, "streamGenerateContent") + "?alt=sse"
	httpResp, err := a.do(ctx, url, payload, auth, "text/event-stream")
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, provider.NewUpstreamError(providerName, httpResp, extractErrorMessage)
	}

	seq := func(yield func(models.StreamEvent) bool) {
		defer httpResp.Body.Close()

		scanner := provider.NewSSEScanner(httpResp.Body)

		emittedText := 0
		emittedThinking := 0
		sourcesSent := false
		var usage *models.Usage

		for {
			if ctx.Err() != nil {
				yieldTerminal(yield, ctx.Err().Error())
				return
			}

			data, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				if usage != nil {
					if !yield(models.StreamEvent{Type: models.EventUsage, Usage: usage}) {
						return
					}
				}
				yield(models.DoneEvent())
				return
			}
			if err != nil {
				yieldTerminal(yield, err.Error())
				return
			}

			var chunk generateResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yieldTerminal(yield, "malformed gemini stream chunk")
				return
			}

			if chunk.UsageMetadata != nil {
				usage = &models.Usage{
					InputTokens:     chunk.UsageMetadata.PromptTokenCount,
					OutputTokens:    chunk.UsageMetadata.CandidatesTokenCount,
					ReasoningTokens: chunk.UsageMetadata.ThoughtsTokenCount,
				}
			}
			if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
				continue
			}

			var textParts, thinkingParts []string
			for _, part := range chunk.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				if part.Thought {
					thinkingParts = append(thinkingParts, part.Text)
					continue
				}
				textParts = append(textParts, part.Text)
			}

			fullThinking := strings.Join(thinkingParts, "")
			if len(fullThinking) > emittedThinking {
				delta := fullThinking[emittedThinking:]
				emittedThinking = len(fullThinking)
				if !yield(models.ThinkingEvent(delta)) {
					return
				}
			}

			fullText := strings.Join(textParts, "")
			if len(fullText) > emittedText {
				delta := fullText[emittedText:]
				emittedText = len(fullText)
				if !yield(models.TextEvent(delta)) {
					return
				}
			}

			if sources := chunk.sources(); len(sources) > 0 && !sourcesSent {
				sourcesSent = true
				if !yield(models.StreamEvent{Type: models.EventSources, Sources: sources}) {
					return
				}
			}
		}
	}

	return seq, nil
}

func yieldTerminal(yield func(models.StreamEvent) bool, message string) {
	if !yield(models.ErrorEvent(message)) {
		return
	}
	yield(models.DoneEvent())
}

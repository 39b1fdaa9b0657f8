package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

// streamChunk is one OpenAI SSE data payload. Deltas arrive per-choice;
// usage arrives in a final chunk with empty choices when stream_options
// request it.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content     string       `json:"content"`
			Reasoning   string       `json:"reasoning_content"`
			Annotations []annotation `json:"annotations"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usageBlock `json:"usage"`
}

// Stream performs a streaming chat completion, translating OpenAI's
// [DONE]-terminated SSE frames into the internal event vocabulary. The
// returned sequence always ends with exactly one done event.
func (a *Adapter) Stream(ctx context.Context, req models.ChatRequest, auth provider.Auth) (iter.Seq[models.StreamEvent], error) {
	payload, err := buildPayload(req, true)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.do(ctx, payload, auth, "text/event-stream")
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

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yieldTerminal(yield, "malformed openai stream chunk")
				return
			}

			if chunk.Usage != nil {
				usage = chunk.Usage.toUnified()
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta
			if delta.Reasoning != "" {
				if !yield(models.ThinkingEvent(delta.Reasoning)) {
					return
				}
			}
			if delta.Content != "" {
				if !yield(models.TextEvent(delta.Content)) {
					return
				}
			}
			if sources := sourcesFromAnnotations(delta.Annotations); len(sources) > 0 {
				if !yield(models.StreamEvent{Type: models.EventSources, Sources: sources}) {
					return
				}
			}
		}
	}

	return seq, nil
}

// yieldTerminal emits the error/done pair that closes a failed stream.
func yieldTerminal(yield func(models.StreamEvent) bool, message string) {
	if !yield(models.ErrorEvent(message)) {
		return
	}
	yield(models.DoneEvent())
}

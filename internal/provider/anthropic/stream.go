package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

// streamEvent is one payload of the messages SSE lifecycle:
//
//	message_start → content_block_start → content_block_delta(s) →
//	content_block_stop → message_delta → message_stop
//
// The payload identifies itself through the type field, so the SSE event:
// line is not needed.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage usageBlock `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Usage *usageBlock `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream performs a streaming messages call, translating the event-typed
// SSE protocol into the internal vocabulary. Token counts are split across
// message_start (input) and message_delta (output), so usage is accumulated
// and emitted once before done.
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
		inputTokens := 0
		outputTokens := 0

		for {
			if ctx.Err() != nil {
				yieldTerminal(yield, ctx.Err().Error())
				return
			}

			data, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				// Upstream closed without message_stop; still terminate.
				yield(models.DoneEvent())
				return
			}
			if err != nil {
				yieldTerminal(yield, err.Error())
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				yieldTerminal(yield, "malformed anthropic stream event")
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text != "" {
						if !yield(models.TextEvent(event.Delta.Text)) {
							return
						}
					}
				case "thinking_delta":
					if event.Delta.Thinking != "" {
						if !yield(models.ThinkingEvent(event.Delta.Thinking)) {
							return
						}
					}
				}

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				usage := &models.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
				if !yield(models.StreamEvent{Type: models.EventUsage, Usage: usage}) {
					return
				}
				yield(models.DoneEvent())
				return

			case "error":
				message := "unknown stream error"
				if event.Error != nil && event.Error.Message != "" {
					message = event.Error.Message
				}
				yieldTerminal(yield, message)
				return

			default:
				// ping, content_block_start/stop and future event kinds
				// carry nothing to relay.
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

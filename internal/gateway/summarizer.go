package gateway

import (
	"context"
	"fmt"
	"strings"

	"modelgate/internal/contextwindow"
	"modelgate/internal/models"
	"modelgate/internal/provider"
)

const summaryInstruction = `Condense the conversation below into a short factual summary that ` +
	`preserves names, decisions and open questions. Respond with a JSON object of the form ` +
	`{"summary": "..."} and nothing else.`

// summaryMaxTokens bounds the summarization call; summaries are cheap by
// construction.
const summaryMaxTokens = 1024

// summarizer builds a SummarizeFunc that condenses history with a call to
// the same provider and model the request targets.
func (g *Gateway) summarizer(adapter provider.Adapter, auth provider.Auth, model string) contextwindow.SummarizeFunc {
	return func(ctx context.Context, messages []models.Message) (string, error) {
		var transcript strings.Builder
		for _, msg := range messages {
			fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Text())
		}

		resp, err := adapter.Send(ctx, models.ChatRequest{
			Model: model,
			Messages: []models.Message{
				models.TextMessage(models.RoleSystem, summaryInstruction),
				models.TextMessage(models.RoleUser, transcript.String()),
			},
			MaxOutputTokens: summaryMaxTokens,
		}, auth)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
}

// Package summarize produces a short natural-language summary of a
// finished queue item's assistant response, via a single Anthropic
// Messages API call. It is optional: the coordinator only invokes it when
// its daemon-wide summarize model is non-empty, and a failure
// here never fails the underlying delivery.
package summarize

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

const systemPrompt = "You are a concise technical summarizer. Summarize the following AI coding assistant session turn in 2-4 sentences. Focus on: what task was given, what the assistant did, and what the outcome was. Be specific about files touched and commands run."

// Response calls the Anthropic Messages API to generate a short plain-text
// summary of an assistant turn. model should be an Anthropic model
// identifier (e.g. "claude-haiku-4-5").
func Response(ctx context.Context, turn string, model string) (string, error) {
	client := anthropic.NewClient()

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 200,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(turn)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("summarize: no text block in response")
}

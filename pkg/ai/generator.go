// Package ai wraps the LLM endpoints behind small interfaces so the
// analysis pipeline and the chat service do not care which provider is
// configured.
package ai

import (
	"context"

	"aligniq/pkg/domain"
)

// TextGenerator generates text from a system prompt and user prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ChatGenerator generates the next assistant turn for a conversation.
type ChatGenerator interface {
	GenerateChat(ctx context.Context, systemPrompt string, history []domain.Message) (string, error)
}

package ai

import (
	"context"

	"aligniq/pkg/domain"
)

// StaticGenerator returns canned responses. Used in tests and when no
// LLM endpoint is configured.
type StaticGenerator struct {
	TextResponse string
	ChatResponse string
	Err          error
}

func (g *StaticGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.Err != nil {
		return "", g.Err
	}
	return g.TextResponse, nil
}

func (g *StaticGenerator) GenerateChat(ctx context.Context, systemPrompt string, history []domain.Message) (string, error) {
	if g.Err != nil {
		return "", g.Err
	}
	return g.ChatResponse, nil
}

package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"aligniq/pkg/domain"
)

const analysisSystemPrompt = `You are a software delivery analyst. You receive the raw text of a
requirements document and produce a structured project assessment.
Respond with a single JSON object, no prose, with exactly these keys:
  "summary": a concise summary of what the document asks for,
  "tech_stack": an array of technology names suited to the project,
  "developers_required": an array of {"role", "count", "skills"} objects,
  "ambiguities": an array of open questions or unclear requirements.`

// BuildAnalysisPrompts returns the system and user prompts for the
// document assessment call.
func BuildAnalysisPrompts(documentText string) (string, string) {
	return analysisSystemPrompt, "Requirements document:\n\n" + documentText
}

// ParseAnalysisResult decodes a model response into an AnalysisResult.
// Models often wrap JSON in markdown fences or lead-in text, so the
// decoder works on the outermost object it can find.
func ParseAnalysisResult(raw string) (domain.AnalysisResult, error) {
	text := strings.TrimSpace(raw)
	if fenced, ok := stripCodeFence(text); ok {
		text = fenced
	}
	if start := strings.Index(text, "{"); start > 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var result domain.AnalysisResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("decode analysis response: %w", err)
	}
	if strings.TrimSpace(result.Summary) == "" {
		return domain.AnalysisResult{}, fmt.Errorf("analysis response missing summary")
	}
	return result, nil
}

func stripCodeFence(text string) (string, bool) {
	if !strings.HasPrefix(text, "```") {
		return "", false
	}
	body := strings.TrimPrefix(text, "```")
	if idx := strings.Index(body, "\n"); idx >= 0 {
		// Drops the language tag on the opening fence.
		body = body[idx+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body), true
}

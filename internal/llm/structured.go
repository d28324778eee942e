package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// structuredSystemPrompt forces the model into strict-JSON intent extraction.
// The model must not converse; any drift is caught by the JSON decode below.
const structuredSystemPrompt = `You are an intent extractor for a business-operations assistant.
Convert the user's utterance into minimal structured JSON. Output ONLY JSON, no markdown, no explanations.

Format:
{
  "language": "<BCP-47 tag>",
  "intent": "<snake_case string>",
  "entities": [{"name": "<string>", "value": "<string>"}],
  "confidence": <0..1>,
  "suggested_actions": [{"agent": "<string>", "priority": "high|medium|low", "confidence": <0..1>}]
}

Rules:
- Never invent entities that are not in the utterance.
- confidence reflects how certain the classification is.
- suggested_actions are ranked, most relevant first, at most three.
- If the meaning is unclear, intent is "unknown" with low confidence.`

// Entity is a named value extracted from an utterance.
type Entity struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SuggestedAction is a ranked follow-up the dashboard can offer.
type SuggestedAction struct {
	Agent      string  `json:"agent"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// Structured is the machine-readable variant of an inference result.
type Structured struct {
	Language         string            `json:"language"`
	Intent           string            `json:"intent"`
	Entities         []Entity          `json:"entities"`
	Confidence       float64           `json:"confidence"`
	SuggestedActions []SuggestedAction `json:"suggested_actions"`
}

// GenerateStructured classifies the prompt into an intent/action object.
func (c *CerebrasClient) GenerateStructured(ctx context.Context, prompt string) (*Structured, error) {
	messages := []chatMessage{
		{Role: "system", Content: structuredSystemPrompt},
		{Role: "user", Content: prompt},
	}
	content, err := c.complete(ctx, messages, 0)
	if err != nil {
		return nil, err
	}
	// Some models wrap JSON in code fences despite instructions.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out Structured
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return nil, fmt.Errorf("unmarshal structured result: %w (raw: %s)", err, content)
	}
	return &out, nil
}

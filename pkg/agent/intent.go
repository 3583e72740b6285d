package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeloom-ai/codeloom/pkg/llms"
	"github.com/codeloom-ai/codeloom/pkg/memory"
)

// IntentType classifies what the user is trying to do.
type IntentType string

const (
	IntentResearch IntentType = "research" // learn about code via retrieval
	IntentOrganize IntentType = "organize" // structure ideas, notes, plans
	IntentControl  IntentType = "control"  // execute actions
)

// Intent is the structured reading of one user message.
type Intent struct {
	Type       IntentType `json:"intent_type"`
	Entities   []string   `json:"entities"`
	Action     string     `json:"action"` // search, clarify, answer, execute
	Query      string     `json:"query"`
	Reasoning  string     `json:"reasoning"`
	Confidence float64    `json:"confidence"`
}

// IntentFromMap builds an Intent from loosely-typed model output.
// Unknown intent types default to research; entities arrive as either
// a list or a comma-joined string.
func IntentFromMap(data map[string]interface{}) *Intent {
	intent := &Intent{
		Type:       IntentResearch,
		Action:     "search",
		Confidence: 1.0,
	}

	if raw, ok := data["intent_type"].(string); ok {
		switch IntentType(raw) {
		case IntentResearch, IntentOrganize, IntentControl:
			intent.Type = IntentType(raw)
		}
	}
	intent.Entities = normalizeEntities(data["entities"])
	if action, ok := data["action"].(string); ok && action != "" {
		intent.Action = action
	}
	if query, ok := data["query"].(string); ok {
		intent.Query = query
	}
	if reasoning, ok := data["reasoning"].(string); ok {
		intent.Reasoning = reasoning
	}
	if confidence, ok := data["confidence"].(float64); ok {
		intent.Confidence = confidence
	}
	return intent
}

func normalizeEntities(raw interface{}) []string {
	var tokens []string
	switch v := raw.(type) {
	case string:
		tokens = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				tokens = append(tokens, s)
			}
		}
	case []string:
		tokens = v
	}

	entities := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if trimmed := strings.TrimSpace(tok); trimmed != "" {
			entities = append(entities, trimmed)
		}
	}
	return entities
}

const intentPromptTemplate = `Extract the user's intent from the message below.

Respond with a single JSON object containing exactly these fields:
  "intent_type": one of "research", "organize", "control"
  "entities": comma-separated key terms, functions or files mentioned
  "action": one of "search" (query the codebase index), "clarify" (ask the user), "answer" (respond directly), "execute" (run an action)
  "query": reformulated search query when action is "search", otherwise empty
  "reasoning": one sentence explaining the classification

Previous conversation context:
%s

User message:
%s`

// IntentExtractor asks the model to classify a message. It is optional
// wiring: a turn works without one, falling back to the raw message as
// the retrieval query.
type IntentExtractor struct {
	provider llms.Provider
}

func NewIntentExtractor(provider llms.Provider) *IntentExtractor {
	return &IntentExtractor{provider: provider}
}

// Extract classifies one user message given recent conversation
// context. Callers treat any error as "no intent available".
func (e *IntentExtractor) Extract(ctx context.Context, userInput, conversationContext string) (*Intent, error) {
	prompt := fmt.Sprintf(intentPromptTemplate, conversationContext, userInput)

	completion, err := e.provider.Complete(ctx, []memory.ContextMessage{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("intent extraction failed: %w", err)
	}

	data, ok := extractJSONObject(completion.Content)
	if !ok {
		return nil, fmt.Errorf("no JSON object in intent response")
	}
	return IntentFromMap(data), nil
}

// extractJSONObject decodes the widest {...} region of text.
func extractJSONObject(text string) (map[string]interface{}, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, false
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &data); err != nil {
		return nil, false
	}
	return data, true
}

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/pkg/llms"
	"github.com/codeloom-ai/codeloom/pkg/memory"
)

func TestIntentFromMapUnknownTypeDefaultsToResearch(t *testing.T) {
	for _, raw := range []interface{}{"refactor", "", 42, nil} {
		intent := IntentFromMap(map[string]interface{}{"intent_type": raw})
		assert.Equal(t, IntentResearch, intent.Type, "intent_type=%v", raw)
	}

	intent := IntentFromMap(map[string]interface{}{"intent_type": "control"})
	assert.Equal(t, IntentControl, intent.Type)
}

func TestIntentFromMapEntityNormalization(t *testing.T) {
	fromString := IntentFromMap(map[string]interface{}{
		"entities": " parser , codec,, store.go ",
	})
	assert.Equal(t, []string{"parser", "codec", "store.go"}, fromString.Entities)

	fromList := IntentFromMap(map[string]interface{}{
		"entities": []interface{}{"parser", " codec ", ""},
	})
	assert.Equal(t, []string{"parser", "codec"}, fromList.Entities)

	empty := IntentFromMap(map[string]interface{}{})
	assert.Empty(t, empty.Entities)
}

func TestIntentFromMapFields(t *testing.T) {
	intent := IntentFromMap(map[string]interface{}{
		"intent_type": "organize",
		"action":      "answer",
		"query":       "how sessions persist",
		"reasoning":   "user asks about storage",
		"confidence":  0.8,
	})
	assert.Equal(t, IntentOrganize, intent.Type)
	assert.Equal(t, "answer", intent.Action)
	assert.Equal(t, "how sessions persist", intent.Query)
	assert.Equal(t, 0.8, intent.Confidence)
}

func TestExtractJSONObject(t *testing.T) {
	data, ok := extractJSONObject(`Sure, here you go: {"intent_type": "research", "query": "q"} done`)
	require.True(t, ok)
	assert.Equal(t, "research", data["intent_type"])

	_, ok = extractJSONObject("no json here")
	assert.False(t, ok)

	_, ok = extractJSONObject("{broken")
	assert.False(t, ok)
}

func TestIntentExtractorExtract(t *testing.T) {
	provider := &stubProvider{
		model: "m",
		completeFn: func([]memory.ContextMessage) (*llms.Completion, error) {
			return &llms.Completion{
				Content: `{"intent_type": "research", "entities": "router,index", "action": "search", "query": "index router"}`,
				Model:   "m",
			}, nil
		},
	}

	intent, err := NewIntentExtractor(provider).Extract(context.Background(), "how does routing work", "")
	require.NoError(t, err)
	assert.Equal(t, IntentResearch, intent.Type)
	assert.Equal(t, []string{"router", "index"}, intent.Entities)
	assert.Equal(t, "index router", intent.Query)
}

func TestIntentExtractorToleratesGarbage(t *testing.T) {
	provider := &stubProvider{
		model: "m",
		completeFn: func([]memory.ContextMessage) (*llms.Completion, error) {
			return &llms.Completion{Content: "I cannot classify that.", Model: "m"}, nil
		},
	}

	_, err := NewIntentExtractor(provider).Extract(context.Background(), "hi", "")
	assert.Error(t, err)
}

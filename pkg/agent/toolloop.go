package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/codeloom-ai/codeloom/pkg/llms"
	"github.com/codeloom-ai/codeloom/pkg/logger"
	"github.com/codeloom-ai/codeloom/pkg/memory"
	"github.com/codeloom-ai/codeloom/pkg/toolhost"
)

// ToolRunner is the slice of the tool host the loop needs; tests stub it.
type ToolRunner interface {
	ListTools() []toolhost.ToolEntry
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*toolhost.ToolResult, error)
}

// ToolCall is one parsed invocation request from model output.
type ToolCall struct {
	Name      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	Reasoning string                 `json:"reasoning"`
}

type toolExchange struct {
	call   ToolCall
	output string
	failed bool
}

// toolCatalogPrompt renders the flat tool namespace as system-prompt
// instructions telling the model how to request a call.
func toolCatalogPrompt(entries []toolhost.ToolEntry) string {
	if len(entries) == 0 {
		return ""
	}

	var lines []string
	for _, entry := range entries {
		var params []string
		for name, raw := range entry.Tool.InputSchema.Properties {
			paramType := "any"
			if prop, ok := raw.(map[string]interface{}); ok {
				if t, ok := prop["type"].(string); ok {
					paramType = t
				}
			}
			params = append(params, fmt.Sprintf("%s: %s", name, paramType))
		}
		sort.Strings(params)
		lines = append(lines, fmt.Sprintf("- %s(%s): %s",
			entry.Tool.Name, strings.Join(params, ", "), entry.Tool.Description))
	}

	return fmt.Sprintf(`You have access to the following tools:

%s

To use a tool, respond with a JSON object in this exact format:
{"tool": "tool_name", "args": {"param1": "value1"}}

Only use tools when necessary to answer the user's question.
After receiving tool results, provide a natural language response.`, strings.Join(lines, "\n"))
}

// parseToolCall scans text for the first balanced {...} region holding
// a "tool" key. Anything else means the text is a final answer.
func parseToolCall(text string) *ToolCall {
	for start := 0; ; {
		open := strings.Index(text[start:], "{")
		if open == -1 {
			return nil
		}
		open += start

		region, ok := balancedRegion(text[open:])
		if !ok {
			return nil
		}

		var call ToolCall
		if err := json.Unmarshal([]byte(region), &call); err == nil && call.Name != "" {
			if call.Args == nil {
				call.Args = map[string]interface{}{}
			}
			return &call
		}
		start = open + 1
	}
}

// balancedRegion returns the prefix of text forming one complete JSON
// object, tracking strings and escapes so braces in values don't count.
func balancedRegion(text string) (string, bool) {
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[:i+1], true
				}
			}
		}
	}
	return "", false
}

// runToolLoop drives the call-execute-reprompt cycle. Each iteration
// re-sends the user message with every prior tool result appended, so
// the model keeps the full picture. Bounded by max iterations; at the
// bound a synthetic summary of the calls is returned.
func (a *Agent) runToolLoop(ctx context.Context, window *memory.ContextWindow, userMessage string) (string, *llms.Completion, error) {
	catalog := toolCatalogPrompt(a.tools.ListTools())
	if catalog == "" {
		return "", nil, fmt.Errorf("no tools available")
	}

	maxIterations := a.cfg.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	total := &llms.Completion{Model: a.provider.Model()}
	var exchanges []toolExchange

	for iteration := 0; iteration < maxIterations; iteration++ {
		messages := a.toolLoopMessages(window, catalog, userMessage, exchanges)

		completion, err := a.provider.Complete(ctx, messages)
		if err != nil {
			return "", total, err
		}
		total.InputTokens += completion.InputTokens
		total.OutputTokens += completion.OutputTokens
		total.Model = completion.Model

		call := parseToolCall(completion.Content)
		if call == nil {
			return completion.Content, total, nil
		}

		exchange := toolExchange{call: *call}
		result, err := a.tools.CallTool(ctx, call.Name, call.Args)
		switch {
		case err != nil:
			exchange.output = err.Error()
			exchange.failed = true
		case result.IsError:
			exchange.output = result.Content
			exchange.failed = true
		default:
			exchange.output = result.Content
		}
		exchanges = append(exchanges, exchange)

		logger.GetLogger().Debug("tool call executed",
			"tool", call.Name, "failed", exchange.failed, "iteration", iteration+1)
	}

	return toolLoopSummary(exchanges), total, nil
}

// toolLoopMessages rebuilds the window for one iteration: the system
// message carries the catalog, the user message carries accumulated
// results. The stored window is never mutated, so the original system
// prompt survives every exit path.
func (a *Agent) toolLoopMessages(window *memory.ContextWindow, catalog, userMessage string, exchanges []toolExchange) []memory.ContextMessage {
	messages := make([]memory.ContextMessage, 0, len(window.Messages))

	sawSystem := false
	for _, msg := range window.Messages {
		if msg.Role == "system" && !sawSystem {
			sawSystem = true
			messages = append(messages, memory.ContextMessage{
				Role:    "system",
				Content: msg.Content + "\n" + catalog,
			})
			continue
		}
		messages = append(messages, msg)
	}
	if !sawSystem {
		messages = append([]memory.ContextMessage{{Role: "system", Content: catalog}}, messages...)
	}

	if len(exchanges) > 0 {
		var results []string
		for _, ex := range exchanges {
			status := "returned"
			if ex.failed {
				status = "failed with"
			}
			results = append(results, fmt.Sprintf("Tool %s %s: %s", ex.call.Name, status, ex.output))
		}
		augmented := fmt.Sprintf("%s\n\nPrevious tool results:\n%s\n\nNow provide your response:",
			userMessage, strings.Join(results, "\n"))
		messages[len(messages)-1].Content = augmented
	}
	return messages
}

func toolLoopSummary(exchanges []toolExchange) string {
	var lines []string
	for _, ex := range exchanges {
		lines = append(lines, fmt.Sprintf("- %s: %s", ex.call.Name, ex.output))
	}
	return "I've used the maximum number of tool calls. Here's what I found:\n" +
		strings.Join(lines, "\n")
}

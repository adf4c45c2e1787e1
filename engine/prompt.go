package engine

import (
	"fmt"
	"strings"

	"github.com/lembra-ai/lembra/core"
)

// systemPrompt carries the tool contract and the output-format contract.
const systemPrompt = `You are a compact tool-using agent.

You have tools:
- add-memory(text, meta={...})
- search-memory(query, k=5)

You may also answer directly without tool calls.

You must ALWAYS output STRICT JSON, in one of the two forms:

A) Tool call:
{
  "type": "tool_call",
  "tool": "<tool_name>",
  "args": { ... },
  "why": "<short reason>"
}

B) Final answer:
{
  "type": "final",
  "answer": "<answer to the user>",
  "notes": "<optional constraints/assumptions>"
}

Rules:
- Never fabricate tool results.
- Prefer search-memory when you might have relevant prior memory.
- Use add-memory to store durable facts, decisions, preferences, or short summaries.
- In type="final", answer MUST be a string (not an object/array).
- Keep tool args minimal and valid.`

// buildMessages assembles the model input: system instructions, the memory
// summary, the historical tail oldest-to-newest, and the current query last.
func buildMessages(hits []core.Hit, tail []core.ChatMessage, query string) []core.ChatMessage {
	messages := make([]core.ChatMessage, 0, len(tail)+3)
	messages = append(messages,
		core.ChatMessage{Role: core.RoleSystem, Content: systemPrompt},
		core.ChatMessage{Role: core.RoleSystem, Content: formatMemoryHits(hits)},
	)
	messages = append(messages, tail...)
	messages = append(messages, core.ChatMessage{Role: core.RoleUser, Content: query})
	return messages
}

// formatMemoryHits renders the retrieved memories for prompt injection. The
// section is always present: the "(none)" marker lets the model distinguish
// empty retrieval from no retrieval at all.
func formatMemoryHits(hits []core.Hit) string {
	if len(hits) == 0 {
		return "Relevant memories: (none)"
	}

	lines := make([]string, 0, len(hits)+1)
	lines = append(lines, "Relevant memories (semantic search):")
	for i, h := range hits {
		tag := h.Metadata["tag"]
		if tag == "" {
			tag = h.Metadata["type"]
		}
		if tag != "" {
			tag = "(" + tag + ") "
		}
		lines = append(lines, fmt.Sprintf("%d. [distance=%.4f] %s%s", i+1, h.Distance, tag, h.Text))
	}
	return strings.Join(lines, "\n")
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lembra-ai/lembra/core"
)

// The tool set exposed to the model is closed: exactly these two names,
// each with a typed argument record. Unknown names are a distinguished
// case handled in the routing switch, not a registry lookup miss.
const (
	toolAddMemory    = "add-memory"
	toolSearchMemory = "search-memory"
)

var availableTools = []string{toolAddMemory, toolSearchMemory}

func knownTool(name string) bool {
	return name == toolAddMemory || name == toolSearchMemory
}

type addMemoryArgs struct {
	Text string         `json:"text"`
	Meta map[string]any `json:"meta"`
}

type searchMemoryArgs struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// dispatchTool executes one known tool call. Every failure — bad argument
// shape, empty input, provider error — is converted into a structured error
// result fed back to the model; nothing here aborts the turn.
func (e *Engine) dispatchTool(ctx context.Context, sessionID int64, name string, rawArgs json.RawMessage) map[string]any {
	if len(rawArgs) == 0 {
		rawArgs = json.RawMessage("{}")
	}

	toolError := func(err error) map[string]any {
		return map[string]any{
			"error": err.Error(),
			"tool":  name,
			"args":  rawArgs,
		}
	}

	switch name {
	case toolAddMemory:
		var args addMemoryArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return toolError(fmt.Errorf("invalid args for %s: %w", name, err))
		}
		if args.Text == "" {
			return toolError(fmt.Errorf("%s requires a non-empty text", name))
		}
		meta := args.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		if _, ok := meta["session_id"]; !ok {
			meta["session_id"] = sessionID
		}
		res, err := e.index.Add(ctx, args.Text, meta)
		if err != nil {
			return toolError(err)
		}
		return map[string]any{
			"memory_id": res.MemoryID,
			"skipped":   res.Skipped,
			"reason":    res.Reason,
		}

	case toolSearchMemory:
		var args searchMemoryArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return toolError(fmt.Errorf("invalid args for %s: %w", name, err))
		}
		if args.Query == "" {
			return toolError(fmt.Errorf("%s requires a non-empty query", name))
		}
		if args.K <= 0 {
			args.K = 5
		}
		hits, err := e.index.Search(ctx, args.Query, args.K)
		if err != nil {
			return toolError(err)
		}
		if hits == nil {
			hits = []core.Hit{} // an empty list, never null, in the feedback
		}
		return map[string]any{"hits": hits}

	default:
		// Unreachable from Run, which checks knownTool first; kept so the
		// switch stays total.
		return map[string]any{
			"error":     fmt.Sprintf("Unknown tool: %s", name),
			"available": availableTools,
		}
	}
}

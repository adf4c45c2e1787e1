// Package core holds the domain types shared by the conversation store, the
// semantic memory index, and the agent engine.
package core

import "encoding/json"

// Role labels a message author. It is an open set: the store accepts any
// label so new roles do not require a migration.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// SessionInfo describes one conversation session, annotated with its
// aggregate message count for listings.
type SessionInfo struct {
	ID           int64   `json:"id"`
	CreatedAt    float64 `json:"created_at"`
	MessageCount int     `json:"message_count"`
}

// Message is one fully-annotated log entry, as returned by audit/UI
// listings. Content carries the normalized text projection.
type Message struct {
	ID        int64   `json:"id"`
	SessionID int64   `json:"session_id"`
	TS        float64 `json:"ts"`
	Role      Role    `json:"role"`
	Content   string  `json:"content"`
}

// ChatMessage is the model-visible {role, content} pair used to rebuild
// history and to call the chat service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Hit is one semantic memory search result, ordered by ascending distance.
type Hit struct {
	MemoryID string            `json:"memory_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

// Decision is the parsed JSON object the model must emit each iteration.
// Answer stays raw so that coercion of non-string answers happens exactly
// once, in the engine.
type Decision struct {
	Type   string          `json:"type"`
	Tool   string          `json:"tool,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Why    string          `json:"why,omitempty"`
	Answer json.RawMessage `json:"answer,omitempty"`
	Notes  string          `json:"notes,omitempty"`
}

const (
	DecisionToolCall = "tool_call"
	DecisionFinal    = "final"
)

// TurnMeta is the metadata bundle attached to a completed turn.
// TimingsTotalS is filled by the serving layer, which is the only place
// that sees the whole request.
type TurnMeta struct {
	Timings       map[string]float64 `json:"timings"`
	StepCount     int                `json:"step_count"`
	Fallback      bool               `json:"fallback,omitempty"`
	MaxStepsHit   bool               `json:"max_steps_hit,omitempty"`
	TimingsTotalS float64            `json:"timings_total_s,omitempty"`
}

// TurnResult is what the engine returns for one end-to-end turn: the answer,
// metadata, the memory hits captured at turn start, and the debug trace.
type TurnResult struct {
	Answer   string   `json:"answer"`
	Meta     TurnMeta `json:"meta"`
	Memories []Hit    `json:"memories"`
	DebugLog string   `json:"debug_log"`
}

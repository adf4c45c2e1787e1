// Package engine drives the agent loop: it calls the chat service under a
// strict JSON output contract, routes each decision to a tool or a final
// answer, and terminates on completion, fallback, or step budget.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lembra-ai/lembra/core"
	"github.com/lembra-ai/lembra/history"
	"github.com/lembra-ai/lembra/llm"
	"github.com/lembra-ai/lembra/memory"
)

// ErrProtocolViolation marks model output from which no JSON decision could
// be recovered. It is fatal to the turn and propagates to the caller; it is
// never mapped to a fabricated answer.
var ErrProtocolViolation = errors.New("model did not return JSON")

// maxStepsMessage is the fixed answer for a turn that exhausts its budget.
const maxStepsMessage = "I could not finish within max_steps. Please refine the goal or increase max_steps."

// Config holds the engine's fixed sampling and budget settings.
type Config struct {
	// Model is the chat model identifier.
	Model string

	// Temperature is the sampling temperature. Kept low so the decision
	// JSON stays parseable.
	Temperature float64

	// ChatTimeout is the hard per-call deadline for the chat service.
	ChatTimeout time.Duration

	// MaxSteps is the iteration ceiling per turn.
	MaxSteps int

	// ContextTail is how many trailing messages rebuild model-visible
	// history.
	ContextTail int

	// MemoryHits is how many memories are retrieved at turn start.
	MemoryHits int
}

func defaultConfig() Config {
	return Config{
		Temperature: 0.2,
		ChatTimeout: 120 * time.Second,
		MaxSteps:    6,
		ContextTail: 30,
		MemoryHits:  5,
	}
}

// Engine runs turns against long-lived, injected service handles. It holds
// no ambient state, so isolated test instances are cheap.
type Engine struct {
	chat    llm.ChatClient
	history *history.Store
	index   *memory.Index
	cfg     Config
}

// Option configures the engine.
type Option func(*Engine)

// WithModel sets the chat model identifier.
func WithModel(model string) Option {
	return func(e *Engine) { e.cfg.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.cfg.Temperature = t }
}

// WithChatTimeout sets the per-call chat deadline.
func WithChatTimeout(d time.Duration) Option {
	return func(e *Engine) { e.cfg.ChatTimeout = d }
}

// WithMaxSteps sets the default iteration ceiling.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.cfg.MaxSteps = n }
}

// WithContextTail sets how many trailing messages rebuild history.
func WithContextTail(n int) Option {
	return func(e *Engine) { e.cfg.ContextTail = n }
}

// WithMemoryHits sets how many memories are retrieved per turn.
func WithMemoryHits(n int) Option {
	return func(e *Engine) { e.cfg.MemoryHits = n }
}

// New creates an engine over the given chat client, conversation store, and
// memory index.
func New(chat llm.ChatClient, hist *history.Store, index *memory.Index, opts ...Option) *Engine {
	e := &Engine{
		chat:    chat,
		history: hist,
		index:   index,
		cfg:     defaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepEvent is a per-iteration notification for live observers.
type StepEvent struct {
	Step   int    `json:"step"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// StepEvent kinds.
const (
	EventModelCall  = "model_call"
	EventDecision   = "decision"
	EventToolResult = "tool_result"
	EventFinal      = "final"
	EventFallback   = "fallback"
	EventBudget     = "budget_exhausted"
)

// Input is one turn request.
type Input struct {
	// SessionID selects the conversation; the session must already exist
	// for its history to be visible.
	SessionID int64

	// Query is the user's message.
	Query string

	// MaxSteps overrides the configured ceiling when positive.
	MaxSteps int

	// OnStep, when set, receives per-iteration events.
	OnStep func(StepEvent)
}

// Run executes one turn to completion. Tool-level failures are folded into
// model-visible feedback; chat/storage/embedding failures and protocol
// violations propagate as errors.
func (e *Engine) Run(ctx context.Context, input *Input) (*core.TurnResult, error) {
	sid := input.SessionID
	maxSteps := input.MaxSteps
	if maxSteps <= 0 {
		maxSteps = e.cfg.MaxSteps
	}

	var debug debugLog
	timings := map[string]float64{}
	emit := func(ev StepEvent) {
		if input.OnStep != nil {
			input.OnStep(ev)
		}
	}

	// Persist the user message first: the log is the audit trail.
	if err := e.history.AddMessage(ctx, sid, core.RoleUser, core.Scalar(input.Query)); err != nil {
		return nil, err
	}

	// Retrieve memories for prompt injection. The hits captured here are
	// what the turn result reports, regardless of later searches.
	hits, searchTimings, err := e.index.SearchWithTimings(ctx, input.Query, e.cfg.MemoryHits)
	if err != nil {
		return nil, fmt.Errorf("memory retrieval: %w", err)
	}
	timings["vector_search_total_s"] = searchTimings.TotalSeconds
	timings["vector_search_embed_s"] = searchTimings.EmbedSeconds
	timings["vector_search_index_query_s"] = searchTimings.QuerySeconds
	debug.Add("[vector] hits=%d", len(hits))

	tailStart := time.Now()
	tail, err := e.history.LoadTail(ctx, sid, e.cfg.ContextTail)
	if err != nil {
		return nil, err
	}
	timings["history_load_tail_s"] = time.Since(tailStart).Seconds()

	messages := buildMessages(hits, tail, input.Query)

	for step := 1; step <= maxSteps; step++ {
		debug.Add("[agent] step=%d", step)
		emit(StepEvent{Step: step, Kind: EventModelCall})

		chatStart := time.Now()
		raw, err := e.chat.Chat(ctx, messages, llm.Options{
			Model:       e.cfg.Model,
			Temperature: e.cfg.Temperature,
			JSONOnly:    true,
			Timeout:     e.cfg.ChatTimeout,
		})
		chatSeconds := time.Since(chatStart).Seconds()
		if err != nil {
			return nil, fmt.Errorf("chat service: %w", err)
		}
		timings["llm_chat_s_total"] += chatSeconds
		debug.Add("[llm] chat_s=%.4f", chatSeconds)

		// Persist the raw output verbatim before any parsing, so the
		// audit trail is complete even on catastrophic parse failure.
		rawContent, err := core.Structured(map[string]string{"raw_model_json": raw})
		if err != nil {
			return nil, err
		}
		if err := e.history.AddMessage(ctx, sid, core.RoleAssistant, rawContent); err != nil {
			return nil, err
		}

		decision, extracted, err := parseDecision(raw)
		if err != nil {
			return nil, err
		}
		if extracted {
			// The whole-document parse failed and a scan recovered an
			// embedded object; flag it, since the extracted substring is
			// not guaranteed to be the intended decision.
			debug.Add("[parse] recovered embedded JSON object via fallback scan")
			log.Printf("[AGENT] Fallback JSON extraction used on step %d", step)
		}
		emit(StepEvent{Step: step, Kind: EventDecision, Detail: decision.Type})

		switch decision.Type {
		case core.DecisionFinal:
			answer := coerceAnswer(decision.Answer)
			if err := e.history.AddMessage(ctx, sid, core.RoleAssistant, core.Scalar(answer)); err != nil {
				return nil, err
			}
			emit(StepEvent{Step: step, Kind: EventFinal})
			return &core.TurnResult{
				Answer:   answer,
				Meta:     core.TurnMeta{Timings: timings, StepCount: step},
				Memories: hits,
				DebugLog: debug.String(),
			}, nil

		case core.DecisionToolCall:
			debug.Add("[tool] call=%s args=%s", decision.Tool, compactArgs(decision.Args))

			var result map[string]any
			if known := knownTool(decision.Tool); !known {
				result = map[string]any{
					"error":     fmt.Sprintf("Unknown tool: %s", decision.Tool),
					"available": availableTools,
				}
			} else {
				toolStart := time.Now()
				result = e.dispatchTool(ctx, sid, decision.Tool, decision.Args)
				toolSeconds := time.Since(toolStart).Seconds()
				timings["tool_s_total"] += toolSeconds
				debug.Add("[tool] time_s=%.4f", toolSeconds)
			}

			resultContent, err := core.Structured(result)
			if err != nil {
				return nil, err
			}
			if err := e.history.AddMessage(ctx, sid, core.RoleTool, resultContent); err != nil {
				return nil, err
			}
			emit(StepEvent{Step: step, Kind: EventToolResult, Detail: decision.Tool})

			// Feed the tool result back: the model's own decision, the
			// result, and a steering nudge to keep going.
			decisionJSON, _ := json.Marshal(decision)
			messages = append(messages,
				core.ChatMessage{Role: core.RoleAssistant, Content: string(decisionJSON)},
				core.ChatMessage{Role: core.RoleTool, Content: resultContent.Text()},
				core.ChatMessage{Role: core.RoleUser, Content: "Continue using the tool result."},
			)

		default:
			// Parsed but non-conforming: fail open so the user still
			// receives something.
			answer := "(fallback) " + raw
			if err := e.history.AddMessage(ctx, sid, core.RoleAssistant, core.Scalar(answer)); err != nil {
				return nil, err
			}
			emit(StepEvent{Step: step, Kind: EventFallback})
			return &core.TurnResult{
				Answer:   answer,
				Meta:     core.TurnMeta{Timings: timings, StepCount: step, Fallback: true},
				Memories: hits,
				DebugLog: debug.String(),
			}, nil
		}
	}

	if err := e.history.AddMessage(ctx, sid, core.RoleAssistant, core.Scalar(maxStepsMessage)); err != nil {
		return nil, err
	}
	emit(StepEvent{Step: maxSteps, Kind: EventBudget})
	return &core.TurnResult{
		Answer:   maxStepsMessage,
		Meta:     core.TurnMeta{Timings: timings, StepCount: maxSteps, MaxStepsHit: true},
		Memories: hits,
		DebugLog: debug.String(),
	}, nil
}

// coerceAnswer turns the raw final answer into a string. The external
// contract guarantees a textual answer, so non-string values are serialized
// to pretty JSON rather than rejected.
func coerceAnswer(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

func compactArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// debugLog accumulates the turn's debug trace.
type debugLog struct {
	lines []string
}

func (d *debugLog) Add(format string, args ...any) {
	d.lines = append(d.lines, fmt.Sprintf(format, args...))
}

func (d *debugLog) String() string {
	return strings.Join(d.lines, "\n")
}

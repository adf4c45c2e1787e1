package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lembra-ai/lembra/core"
	"github.com/lembra-ai/lembra/engine"
	"github.com/lembra-ai/lembra/history"
	"github.com/lembra-ai/lembra/llm"
	"github.com/lembra-ai/lembra/memory"
	"github.com/lembra-ai/lembra/memory/store/chromem"
)

// scriptedChat replays canned completions and records the message sequence
// of every call.
type scriptedChat struct {
	responses []string
	calls     [][]core.ChatMessage
}

func (s *scriptedChat) Chat(ctx context.Context, messages []core.ChatMessage, opts llm.Options) (string, error) {
	copied := make([]core.ChatMessage, len(messages))
	copy(copied, messages)
	s.calls = append(s.calls, copied)

	i := len(s.calls) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

// testEmbedder derives a deterministic unit vector from the text bytes.
// Identical texts collide exactly; different texts rarely do.
type testEmbedder struct{}

func (testEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 16)
	for i, b := range []byte(text) {
		v[i%16] += float32(b)
	}
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	inv := 1 / float32(sqrt(float64(norm)))
	for i := range v {
		v[i] *= inv
	}
	return v, nil
}

func (testEmbedder) Dimensions() int { return 16 }

func sqrt(x float64) float64 {
	// Newton's method; plenty for test vectors.
	z := x
	for i := 0; i < 20; i++ {
		z = (z + x/z) / 2
	}
	return z
}

type fixture struct {
	engine  *engine.Engine
	history *history.Store
	index   *memory.Index
	chat    *scriptedChat
	session int64
}

func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	hist, err := history.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	store, err := chromem.New("test")
	if err != nil {
		t.Fatalf("chromem.New: %v", err)
	}
	index := memory.NewIndex(store, testEmbedder{}, nil)

	chat := &scriptedChat{responses: responses}
	eng := engine.New(chat, hist, index, engine.WithModel("test-model"))

	sid, err := hist.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return &fixture{engine: eng, history: hist, index: index, chat: chat, session: sid}
}

func (f *fixture) run(t *testing.T, query string, opts ...func(*engine.Input)) *core.TurnResult {
	t.Helper()
	input := &engine.Input{SessionID: f.session, Query: query}
	for _, opt := range opts {
		opt(input)
	}
	result, err := f.engine.Run(context.Background(), input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result
}

func (f *fixture) messages(t *testing.T) []core.Message {
	t.Helper()
	out, err := f.history.ListMessages(context.Background(), f.session, 100, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return out
}

func TestRunFinalInOneStep(t *testing.T) {
	f := newFixture(t, `{"type":"final","answer":"forty-two"}`)

	result := f.run(t, "what is the answer?")
	if result.Answer != "forty-two" {
		t.Fatalf("answer = %q", result.Answer)
	}
	if result.Meta.StepCount != 1 {
		t.Fatalf("step count = %d", result.Meta.StepCount)
	}
	if result.Meta.Fallback || result.Meta.MaxStepsHit {
		t.Fatalf("unexpected flags: %+v", result.Meta)
	}

	// Audit log: user query, raw model output, final answer.
	log := f.messages(t)
	if len(log) != 3 {
		t.Fatalf("got %d log entries, want 3", len(log))
	}
	if log[0].Role != core.RoleUser || log[0].Content != "what is the answer?" {
		t.Fatalf("log[0] = %+v", log[0])
	}
	if log[1].Role != core.RoleAssistant || !strings.Contains(log[1].Content, "raw_model_json") {
		t.Fatalf("log[1] = %+v", log[1])
	}
	if log[2].Role != core.RoleAssistant || log[2].Content != "forty-two" {
		t.Fatalf("log[2] = %+v", log[2])
	}

	for _, bucket := range []string{
		"vector_search_total_s",
		"vector_search_embed_s",
		"vector_search_index_query_s",
		"history_load_tail_s",
		"llm_chat_s_total",
	} {
		if _, ok := result.Meta.Timings[bucket]; !ok {
			t.Fatalf("missing timing bucket %q: %v", bucket, result.Meta.Timings)
		}
	}
}

func TestRunToolCallThenFinal(t *testing.T) {
	f := newFixture(t,
		`{"type":"tool_call","tool":"add-memory","args":{"text":"user likes tea"},"why":"durable fact"}`,
		`{"type":"final","answer":"noted"}`,
	)

	result := f.run(t, "remember that I like tea")
	if result.Answer != "noted" {
		t.Fatalf("answer = %q", result.Answer)
	}
	if result.Meta.StepCount != 2 {
		t.Fatalf("step count = %d", result.Meta.StepCount)
	}
	if _, ok := result.Meta.Timings["tool_s_total"]; !ok {
		t.Fatalf("missing tool timing: %v", result.Meta.Timings)
	}

	// The memory actually landed in the index.
	count, err := f.index.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("index count = %d, want 1", count)
	}

	// Log order: user, raw, tool result, raw, final.
	log := f.messages(t)
	if len(log) != 5 {
		t.Fatalf("got %d log entries, want 5", len(log))
	}
	wantRoles := []core.Role{
		core.RoleUser, core.RoleAssistant, core.RoleTool, core.RoleAssistant, core.RoleAssistant,
	}
	for i, want := range wantRoles {
		if log[i].Role != want {
			t.Fatalf("log[%d].Role = %s, want %s", i, log[i].Role, want)
		}
	}
	if !strings.Contains(log[2].Content, "memory_id") {
		t.Fatalf("tool result entry = %q", log[2].Content)
	}

	// The second model call sees the tool result and the steering nudge.
	if len(f.chat.calls) != 2 {
		t.Fatalf("chat called %d times, want 2", len(f.chat.calls))
	}
	second := f.chat.calls[1]
	last := second[len(second)-1]
	if last.Role != core.RoleUser || last.Content != "Continue using the tool result." {
		t.Fatalf("steering message = %+v", last)
	}
	toolMsg := second[len(second)-2]
	if toolMsg.Role != core.RoleTool || !strings.Contains(toolMsg.Content, "memory_id") {
		t.Fatalf("tool feedback = %+v", toolMsg)
	}
}

func TestRunSearchMemoryToolFeedsHitsBack(t *testing.T) {
	f := newFixture(t,
		`{"type":"tool_call","tool":"search-memory","args":{"query":"tea"},"why":"recall"}`,
		`{"type":"final","answer":"you like tea"}`,
	)
	if _, err := f.index.Add(context.Background(), "tea", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	f.run(t, "what do I drink?")

	second := f.chat.calls[1]
	toolMsg := second[len(second)-2]
	if !strings.Contains(toolMsg.Content, "hits") || !strings.Contains(toolMsg.Content, "tea") {
		t.Fatalf("search feedback = %q", toolMsg.Content)
	}
}

func TestRunUnknownToolContinues(t *testing.T) {
	f := newFixture(t,
		`{"type":"tool_call","tool":"frobnicate","args":{},"why":"?"}`,
		`{"type":"final","answer":"recovered"}`,
	)

	result := f.run(t, "do something weird")
	if result.Answer != "recovered" {
		t.Fatalf("answer = %q", result.Answer)
	}

	second := f.chat.calls[1]
	toolMsg := second[len(second)-2]
	if !strings.Contains(toolMsg.Content, "Unknown tool: frobnicate") {
		t.Fatalf("feedback = %q", toolMsg.Content)
	}
	if !strings.Contains(toolMsg.Content, "add-memory") || !strings.Contains(toolMsg.Content, "search-memory") {
		t.Fatalf("feedback does not list available tools: %q", toolMsg.Content)
	}
}

func TestRunToolFailureContinues(t *testing.T) {
	// add-memory with no text fails inside the tool, not the turn.
	f := newFixture(t,
		`{"type":"tool_call","tool":"add-memory","args":{},"why":"oops"}`,
		`{"type":"final","answer":"ok"}`,
	)

	result := f.run(t, "store nothing")
	if result.Answer != "ok" {
		t.Fatalf("answer = %q", result.Answer)
	}

	second := f.chat.calls[1]
	toolMsg := second[len(second)-2]
	if !strings.Contains(toolMsg.Content, "error") {
		t.Fatalf("feedback = %q", toolMsg.Content)
	}
}

func TestRunMaxStepsExhausted(t *testing.T) {
	f := newFixture(t,
		`{"type":"tool_call","tool":"search-memory","args":{"query":"loop"},"why":"again"}`,
	)

	result := f.run(t, "never finish", func(in *engine.Input) { in.MaxSteps = 3 })

	want := "I could not finish within max_steps. Please refine the goal or increase max_steps."
	if result.Answer != want {
		t.Fatalf("answer = %q", result.Answer)
	}
	if !result.Meta.MaxStepsHit {
		t.Fatal("MaxStepsHit not set")
	}
	if result.Meta.StepCount != 3 {
		t.Fatalf("step count = %d, want 3", result.Meta.StepCount)
	}
	if len(f.chat.calls) != 3 {
		t.Fatalf("chat called %d times, want 3", len(f.chat.calls))
	}

	// The budget answer is persisted like any other.
	log := f.messages(t)
	if log[len(log)-1].Content != want {
		t.Fatalf("last log entry = %q", log[len(log)-1].Content)
	}
}

func TestRunProtocolViolation(t *testing.T) {
	f := newFixture(t, "I refuse to emit JSON.")

	_, err := f.engine.Run(context.Background(), &engine.Input{
		SessionID: f.session,
		Query:     "hello",
	})
	if !errors.Is(err, engine.ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}

	// The raw output was persisted before the parse failed.
	log := f.messages(t)
	if len(log) != 2 {
		t.Fatalf("got %d log entries, want 2", len(log))
	}
	if !strings.Contains(log[1].Content, "I refuse to emit JSON.") {
		t.Fatalf("raw output not persisted: %q", log[1].Content)
	}
}

func TestRunNonConformingFallback(t *testing.T) {
	raw := `{"type":"musing","thought":"hmm"}`
	f := newFixture(t, raw)

	result := f.run(t, "hello")
	if result.Answer != "(fallback) "+raw {
		t.Fatalf("answer = %q", result.Answer)
	}
	if !result.Meta.Fallback {
		t.Fatal("Fallback not set")
	}
	if result.Meta.StepCount != 1 {
		t.Fatalf("step count = %d", result.Meta.StepCount)
	}
}

func TestRunNonStringAnswerCoerced(t *testing.T) {
	f := newFixture(t, `{"type":"final","answer":{"items":["a","b"]}}`)

	result := f.run(t, "list things")
	want := "{\n  \"items\": [\n    \"a\",\n    \"b\"\n  ]\n}"
	if result.Answer != want {
		t.Fatalf("answer = %q, want %q", result.Answer, want)
	}
}

func TestRunEmbeddedJSONExtraction(t *testing.T) {
	f := newFixture(t, "Of course! {\"type\":\"final\",\"answer\":\"embedded\"} Anything else?")

	result := f.run(t, "hello")
	if result.Answer != "embedded" {
		t.Fatalf("answer = %q", result.Answer)
	}
	if !strings.Contains(result.DebugLog, "recovered embedded JSON object") {
		t.Fatalf("debug log missing extraction note:\n%s", result.DebugLog)
	}
}

func TestRunReportsTurnStartMemories(t *testing.T) {
	f := newFixture(t, `{"type":"final","answer":"hi"}`)
	if _, err := f.index.Add(context.Background(), "likes tea", map[string]any{"tag": "pref"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	result := f.run(t, "likes tea")
	if len(result.Memories) != 1 {
		t.Fatalf("got %d memories, want 1", len(result.Memories))
	}
	if result.Memories[0].Text != "likes tea" {
		t.Fatalf("memory = %+v", result.Memories[0])
	}

	// The memory summary reached the model.
	first := f.chat.calls[0]
	if !strings.Contains(first[1].Content, "likes tea") {
		t.Fatalf("memory summary = %q", first[1].Content)
	}
}

func TestRunEmitsStepEvents(t *testing.T) {
	f := newFixture(t,
		`{"type":"tool_call","tool":"search-memory","args":{"query":"x"},"why":"w"}`,
		`{"type":"final","answer":"done"}`,
	)

	var kinds []string
	f.run(t, "hello", func(in *engine.Input) {
		in.OnStep = func(ev engine.StepEvent) { kinds = append(kinds, ev.Kind) }
	})

	want := []string{
		engine.EventModelCall, engine.EventDecision, engine.EventToolResult,
		engine.EventModelCall, engine.EventDecision, engine.EventFinal,
	}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}

func TestRunContextTailVisibleAcrossTurns(t *testing.T) {
	f := newFixture(t,
		`{"type":"final","answer":"first"}`,
		`{"type":"final","answer":"second"}`,
	)

	f.run(t, "turn one")
	f.run(t, "turn two")

	// Second turn's prompt includes the first turn's query and answer.
	second := f.chat.calls[1]
	var joined strings.Builder
	for _, m := range second {
		joined.WriteString(m.Content)
		joined.WriteString("\n")
	}
	if !strings.Contains(joined.String(), "turn one") {
		t.Fatal("first query not in second turn's context")
	}
	if !strings.Contains(joined.String(), "first") {
		t.Fatal("first answer not in second turn's context")
	}
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/lembra-ai/lembra/core"
	"github.com/lembra-ai/lembra/engine"
	"github.com/lembra-ai/lembra/history"
	"github.com/lembra-ai/lembra/llm"
	"github.com/lembra-ai/lembra/memory"
	"github.com/lembra-ai/lembra/memory/store/chromem"
	"github.com/lembra-ai/lembra/server"
)

type scriptedChat struct {
	responses []string
	calls     int
}

func (s *scriptedChat) Chat(ctx context.Context, messages []core.ChatMessage, opts llm.Options) (string, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

type flatEmbedder struct{}

func (flatEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 8)
	for i, b := range []byte(text) {
		v[i%8] += float32(b) / 1000
	}
	return v, nil
}

func (flatEmbedder) Dimensions() int { return 8 }

func newTestServer(t *testing.T, responses ...string) *httptest.Server {
	t.Helper()

	hist, err := history.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	store, err := chromem.New("test")
	if err != nil {
		t.Fatalf("chromem.New: %v", err)
	}
	index := memory.NewIndex(store, flatEmbedder{}, nil)

	eng := engine.New(&scriptedChat{responses: responses}, hist, index)
	srv := server.New(eng, hist, index, server.Info{
		OllamaURL:  "http://test",
		Model:      "test-model",
		EmbedModel: "test-embed",
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp, out
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, `{"type":"final","answer":"x"}`)

	out := getJSON(t, ts.URL+"/health")
	if out["ok"] != true {
		t.Fatalf("health = %v", out)
	}
	if out["ollama_model"] != "test-model" {
		t.Fatalf("health = %v", out)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, `{"type":"final","answer":"x"}`)

	resp, out := postJSON(t, ts.URL+"/api/sessions/new", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	sid := out["session_id"].(float64)
	if sid <= 0 {
		t.Fatalf("session_id = %v", sid)
	}

	sessions := getJSON(t, ts.URL+"/api/sessions")
	list := sessions["sessions"].([]any)
	if len(list) != 1 {
		t.Fatalf("got %d sessions", len(list))
	}

	messages := getJSON(t, fmt.Sprintf("%s/api/sessions/%d/messages", ts.URL, int64(sid)))
	if msgs := messages["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("new session has %d messages", len(msgs))
	}
}

func TestQueryCreatesSessionWhenOmitted(t *testing.T) {
	ts := newTestServer(t, `{"type":"final","answer":"hello there"}`)

	resp, out := postJSON(t, ts.URL+"/api/query", map[string]any{"query": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, out)
	}
	if out["answer"] != "hello there" {
		t.Fatalf("answer = %v", out["answer"])
	}
	sid := out["session_id"].(float64)
	if sid <= 0 {
		t.Fatalf("session_id = %v", sid)
	}

	meta := out["meta"].(map[string]any)
	if meta["step_count"] != float64(1) {
		t.Fatalf("meta = %v", meta)
	}
	if meta["timings_total_s"] == nil {
		t.Fatalf("total timing not stamped: %v", meta)
	}
	if _, ok := out["memories"].([]any); !ok {
		t.Fatalf("memories not a list: %v", out["memories"])
	}

	// The turn is on the session log.
	messages := getJSON(t, fmt.Sprintf("%s/api/sessions/%d/messages", ts.URL, int64(sid)))
	if msgs := messages["messages"].([]any); len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
}

func TestQueryReusesSession(t *testing.T) {
	ts := newTestServer(t, `{"type":"final","answer":"x"}`)

	_, created := postJSON(t, ts.URL+"/api/sessions/new", map[string]any{})
	sid := created["session_id"].(float64)

	_, out := postJSON(t, ts.URL+"/api/query", map[string]any{
		"query":      "hi",
		"session_id": sid,
	})
	if out["session_id"].(float64) != sid {
		t.Fatalf("session_id = %v, want %v", out["session_id"], sid)
	}
}

func TestQueryRequiresText(t *testing.T) {
	ts := newTestServer(t, `{"type":"final","answer":"x"}`)

	resp, out := postJSON(t, ts.URL+"/api/query", map[string]any{"query": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if out["detail"] != "query is required" {
		t.Fatalf("detail = %v", out["detail"])
	}
}

func TestMemoryAddAndSearch(t *testing.T) {
	ts := newTestServer(t, `{"type":"final","answer":"x"}`)

	resp, out := postJSON(t, ts.URL+"/api/memory/add", map[string]any{
		"text": "the sky is blue",
		"meta": map[string]any{"tag": "fact"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, out)
	}
	if out["ok"] != true || out["memory_id"] == "" {
		t.Fatalf("add = %v", out)
	}
	if out["skipped"] != false {
		t.Fatalf("add = %v", out)
	}

	// Identical text dedups against the first write.
	_, dup := postJSON(t, ts.URL+"/api/memory/add", map[string]any{
		"text": "the sky is blue",
	})
	if dup["skipped"] != true {
		t.Fatalf("dup = %v", dup)
	}
	if dup["memory_id"] != out["memory_id"] {
		t.Fatalf("dup id = %v, want %v", dup["memory_id"], out["memory_id"])
	}

	_, found := postJSON(t, ts.URL+"/api/memory/search", map[string]any{
		"query": "the sky is blue",
		"k":     3,
	})
	hits := found["hits"].([]any)
	if len(hits) != 1 {
		t.Fatalf("got %d hits", len(hits))
	}
	hit := hits[0].(map[string]any)
	if hit["text"] != "the sky is blue" {
		t.Fatalf("hit = %v", hit)
	}
	if hit["metadata"].(map[string]any)["tag"] != "fact" {
		t.Fatalf("hit = %v", hit)
	}
}

func TestMemoryAddRequiresText(t *testing.T) {
	ts := newTestServer(t, `{"type":"final","answer":"x"}`)

	resp, out := postJSON(t, ts.URL+"/api/memory/add", map[string]any{"text": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %v", resp.StatusCode, out)
	}
}

func TestWebSocketQueryStreamsSteps(t *testing.T) {
	ts := newTestServer(t,
		`{"type":"tool_call","tool":"search-memory","args":{"query":"x"},"why":"w"}`,
		`{"type":"final","answer":"ws answer"}`,
	)

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"query": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var steps int
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch frame["type"] {
		case "step":
			steps++
		case "result":
			result := frame["result"].(map[string]any)
			if result["answer"] != "ws answer" {
				t.Fatalf("answer = %v", result["answer"])
			}
			if steps == 0 {
				t.Fatal("no step frames before the result")
			}
			return
		case "error":
			t.Fatalf("error frame: %v", frame["error"])
		default:
			t.Fatalf("unknown frame: %v", frame)
		}
	}
}

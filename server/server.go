// Package server exposes the agent over HTTP and WebSocket: session
// management, direct memory access, and the query endpoint that runs one
// turn per request.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lembra-ai/lembra/core"
	"github.com/lembra-ai/lembra/engine"
	"github.com/lembra-ai/lembra/history"
	"github.com/lembra-ai/lembra/memory"
)

// Info is the static configuration echoed by /health.
type Info struct {
	OllamaURL  string `json:"ollama_url"`
	Model      string `json:"ollama_model"`
	EmbedModel string `json:"embed_model"`
	SQLitePath string `json:"sqlite"`
	VectorDir  string `json:"vector_dir"`
}

// Server wires the engine and its stores into an HTTP handler.
type Server struct {
	engine  *engine.Engine
	history *history.Store
	index   *memory.Index
	info    Info
}

// New creates a server over the given handles.
func New(eng *engine.Engine, hist *history.Store, index *memory.Index, info Info) *Server {
	return &Server{engine: eng, history: hist, index: index, info: info}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/new", s.handleNewSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}/messages", s.handleSessionMessages)
		r.Post("/memory/add", s.handleMemoryAdd)
		r.Post("/memory/search", s.handleMemorySearch)
		r.Post("/query", s.handleQuery)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"ollama_url":   s.info.OllamaURL,
		"ollama_model": s.info.Model,
		"embed_model":  s.info.EmbedModel,
		"sqlite":       s.info.SQLitePath,
		"vector_dir":   s.info.VectorDir,
	})
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	sid, err := s.history.CreateSession(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sid})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	sessions, err := s.history.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []core.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sid, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	limit := queryInt(r, "limit", 200)
	offset := queryInt(r, "offset", 0)

	messages, err := s.history.ListMessages(r.Context(), sid, limit, offset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if messages == nil {
		messages = []core.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sid,
		"messages":   messages,
	})
}

type memoryAddRequest struct {
	Text string         `json:"text"`
	Meta map[string]any `json:"meta"`
}

func (s *Server) handleMemoryAdd(w http.ResponseWriter, r *http.Request) {
	var req memoryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := s.index.Add(r.Context(), req.Text, req.Meta)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"memory_id": res.MemoryID,
		"skipped":   res.Skipped,
		"reason":    res.Reason,
	})
}

type memorySearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req memorySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.K <= 0 {
		req.K = 5
	}

	hits, err := s.index.Search(r.Context(), req.Query, req.K)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hits == nil {
		hits = []core.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "hits": hits})
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID *int64 `json:"session_id"`
	// Remember is accepted for wire compatibility with existing clients;
	// memory writes are tool-driven, so there is nothing to gate.
	Remember bool `json:"remember"`
	MaxSteps int  `json:"max_steps"`
}

type queryResponse struct {
	SessionID int64         `json:"session_id"`
	Answer    string        `json:"answer"`
	Meta      core.TurnMeta `json:"meta"`
	Memories  []core.Hit    `json:"memories"`
	DebugLog  string        `json:"debug_log"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	sid, resp, status, err := s.runTurn(r, req, nil)
	if err != nil {
		// Infrastructure failures and protocol violations surface as
		// distinguishable errors, never as fabricated answers.
		log.Printf("[HTTP] query failed (session=%d): %v", sid, err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// runTurn resolves the session, runs the engine, and stamps the total
// wall-clock cost. Shared by the REST and WebSocket paths.
func (s *Server) runTurn(r *http.Request, req queryRequest, onStep func(engine.StepEvent)) (int64, *queryResponse, int, error) {
	ctx := r.Context()

	var sid int64
	if req.SessionID != nil {
		sid = *req.SessionID
	} else {
		created, err := s.history.CreateSession(ctx)
		if err != nil {
			return 0, nil, http.StatusInternalServerError, err
		}
		sid = created
	}

	start := time.Now()
	result, err := s.engine.Run(ctx, &engine.Input{
		SessionID: sid,
		Query:     req.Query,
		MaxSteps:  req.MaxSteps,
		OnStep:    onStep,
	})
	if err != nil {
		return sid, nil, http.StatusInternalServerError, err
	}
	result.Meta.TimingsTotalS = time.Since(start).Seconds()

	if result.Memories == nil {
		result.Memories = []core.Hit{}
	}
	return sid, &queryResponse{
		SessionID: sid,
		Answer:    result.Answer,
		Meta:      result.Meta,
		Memories:  result.Memories,
		DebugLog:  result.DebugLog,
	}, http.StatusOK, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

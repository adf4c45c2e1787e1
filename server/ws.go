package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lembra-ai/lembra/engine"
)

var upgrader = websocket.Upgrader{
	// The REST surface is open to any origin; the socket matches it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEvent is one frame pushed to the client: per-iteration step events
// while a turn runs, then a result or error frame.
type wsEvent struct {
	Type   string            `json:"type"`
	Step   *engine.StepEvent `json:"step,omitempty"`
	Result *queryResponse    `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// handleWS runs turns over a WebSocket connection. Each incoming frame is a
// query request; the connection streams the turn's step events live and
// finishes with the same payload the REST endpoint returns. Turns on one
// connection run sequentially.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var req queryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] read failed: %v", err)
			}
			return
		}
		if req.Query == "" {
			if err := conn.WriteJSON(wsEvent{Type: "error", Error: "query is required"}); err != nil {
				return
			}
			continue
		}

		// Step events are emitted from within Run on this goroutine, so
		// writes never interleave.
		onStep := func(ev engine.StepEvent) {
			if err := conn.WriteJSON(wsEvent{Type: "step", Step: &ev}); err != nil {
				log.Printf("[WS] step write failed: %v", err)
			}
		}

		sid, resp, _, err := s.runTurn(r, req, onStep)
		if err != nil {
			log.Printf("[WS] turn failed (session=%d): %v", sid, err)
			if err := conn.WriteJSON(wsEvent{Type: "error", Error: err.Error()}); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(wsEvent{Type: "result", Result: resp}); err != nil {
			return
		}
	}
}

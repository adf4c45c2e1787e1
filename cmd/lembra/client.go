package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/lembra-ai/lembra/core"
)

// The client subcommands talk to a running server over its REST API, so a
// terminal session and a browser session can share the same agent state.

func apiFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "api",
		Value:   "http://127.0.0.1:8000",
		Usage:   "base URL of a running lembra server",
		Sources: cli.EnvVars("LEMBRA_API"),
	}
}

func cmdNewSession() *cli.Command {
	return &cli.Command{
		Name:  "new-session",
		Usage: "create a conversation session and print its id",
		Flags: []cli.Flag{apiFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			var out struct {
				SessionID int64 `json:"session_id"`
			}
			if err := apiCall(ctx, c.String("api"), http.MethodPost, "/api/sessions/new", nil, &out); err != nil {
				return err
			}
			fmt.Println(out.SessionID)
			return nil
		},
	}
}

func cmdSessions() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "list recent sessions",
		Flags: []cli.Flag{
			apiFlag(),
			&cli.IntFlag{Name: "limit", Value: 50},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var out struct {
				Sessions []core.SessionInfo `json:"sessions"`
			}
			path := fmt.Sprintf("/api/sessions?limit=%d", c.Int("limit"))
			if err := apiCall(ctx, c.String("api"), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			for _, s := range out.Sessions {
				created := time.Unix(int64(s.CreatedAt), 0).Format("2006-01-02 15:04:05")
				fmt.Printf("%d\t%s\t%d messages\n", s.ID, created, s.MessageCount)
			}
			return nil
		},
	}
}

func cmdQuery() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "run one agent turn",
		ArgsUsage: "<text...>",
		Flags: []cli.Flag{
			apiFlag(),
			&cli.IntFlag{Name: "session", Usage: "existing session id (omit to start a new one)"},
			&cli.IntFlag{Name: "max-steps", Usage: "override the step budget"},
			&cli.BoolFlag{Name: "remember", Usage: "accepted for compatibility; memory writes are tool-driven"},
			&cli.BoolFlag{Name: "debug", Usage: "print the turn's debug trace"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(query) == "" {
				return fmt.Errorf("query text is required")
			}

			req := map[string]any{"query": query}
			if sid := c.Int("session"); sid > 0 {
				req["session_id"] = sid
			}
			if ms := c.Int("max-steps"); ms > 0 {
				req["max_steps"] = ms
			}
			if c.Bool("remember") {
				req["remember"] = true
			}

			var out struct {
				SessionID int64         `json:"session_id"`
				Answer    string        `json:"answer"`
				Meta      core.TurnMeta `json:"meta"`
				DebugLog  string        `json:"debug_log"`
			}
			if err := apiCall(ctx, c.String("api"), http.MethodPost, "/api/query", req, &out); err != nil {
				return err
			}

			fmt.Println(out.Answer)
			fmt.Printf("\n[session=%d steps=%d total=%.2fs]\n",
				out.SessionID, out.Meta.StepCount, out.Meta.TimingsTotalS)
			if c.Bool("debug") && out.DebugLog != "" {
				fmt.Println("\n--- debug ---")
				fmt.Println(out.DebugLog)
			}
			return nil
		},
	}
}

// apiCall issues one JSON request against the server and decodes the reply
// into out. Server-side failures surface as the {"detail": ...} message.
func apiCall(ctx context.Context, base, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(base, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &detail) == nil && detail.Detail != "" {
			return fmt.Errorf("%s: %s", path, detail.Detail)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Command lembra runs the memory-augmented agent server and ships a small
// client for talking to a running instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/lembra-ai/lembra/engine"
	"github.com/lembra-ai/lembra/history"
	"github.com/lembra-ai/lembra/llm"
	llmanthropic "github.com/lembra-ai/lembra/llm/anthropic"
	llmollama "github.com/lembra-ai/lembra/llm/ollama"
	"github.com/lembra-ai/lembra/memory"
	"github.com/lembra-ai/lembra/memory/embedder/cached"
	embollama "github.com/lembra-ai/lembra/memory/embedder/ollama"
	chromemstore "github.com/lembra-ai/lembra/memory/store/chromem"
	"github.com/lembra-ai/lembra/server"
)

func main() {
	// Optional .env; system environment wins when both are present.
	_ = godotenv.Load()

	app := &cli.Command{
		Name:  "lembra",
		Usage: "memory-augmented tool-calling agent",
		Commands: []*cli.Command{
			cmdServe(),
			cmdNewSession(),
			cmdSessions(),
			cmdQuery(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("lembra: %v", err)
	}
}

func cmdServe() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the agent HTTP/WebSocket server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8000", Usage: "listen address", Sources: cli.EnvVars("LEMBRA_ADDR")},
			&cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "base data directory", Sources: cli.EnvVars("DATA_DIR")},
			&cli.StringFlag{Name: "db", Usage: "sqlite path (default <data-dir>/agent_memory.sqlite3)", Sources: cli.EnvVars("AGENT_DB")},
			&cli.StringFlag{Name: "vector-dir", Usage: "vector persist dir (default <data-dir>/vector_db)", Sources: cli.EnvVars("AGENT_VECTOR_DIR")},
			&cli.StringFlag{Name: "vector-collection", Value: "memories", Sources: cli.EnvVars("AGENT_VECTOR_COLLECTION")},
			&cli.IntFlag{Name: "context-tail", Value: 30, Usage: "history messages rebuilt per turn", Sources: cli.EnvVars("AGENT_CONTEXT_TAIL")},
			&cli.IntFlag{Name: "memory-hits", Value: 5, Usage: "memories retrieved per turn", Sources: cli.EnvVars("AGENT_MEMORY_HITS")},
			&cli.FloatFlag{Name: "dedup-distance", Value: 0.08, Usage: "memory dedup distance threshold", Sources: cli.EnvVars("AGENT_DEDUP_DISTANCE")},
			&cli.StringFlag{Name: "provider", Value: "ollama", Usage: "chat provider: ollama or anthropic", Sources: cli.EnvVars("LEMBRA_PROVIDER")},
			&cli.StringFlag{Name: "ollama-url", Value: "http://127.0.0.1:11434", Sources: cli.EnvVars("OLLAMA_URL")},
			&cli.StringFlag{Name: "model", Value: "llama3:latest", Usage: "chat model", Sources: cli.EnvVars("OLLAMA_MODEL")},
			&cli.StringFlag{Name: "embed-model", Value: "nomic-embed-text", Sources: cli.EnvVars("OLLAMA_EMBED_MODEL")},
			&cli.FloatFlag{Name: "timeout", Value: 120, Usage: "chat/embed timeout in seconds", Sources: cli.EnvVars("OLLAMA_TIMEOUT")},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, c *cli.Command) error {
	dataDir := c.String("data-dir")
	dbPath := c.String("db")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "agent_memory.sqlite3")
	}
	vectorDir := c.String("vector-dir")
	if vectorDir == "" {
		vectorDir = filepath.Join(dataDir, "vector_db")
	}
	timeout := time.Duration(c.Float("timeout") * float64(time.Second))

	hist, err := history.Open(dbPath)
	if err != nil {
		return err
	}
	defer hist.Close()
	log.Printf("[SERVE] Conversation store: %s", dbPath)

	store, err := chromemstore.NewPersistent(vectorDir, c.String("vector-collection"))
	if err != nil {
		return err
	}
	defer store.Close()
	log.Printf("[SERVE] Vector store: %s (collection=%s)", vectorDir, c.String("vector-collection"))

	embedder, err := cached.New(embollama.New(embollama.Config{
		BaseURL: c.String("ollama-url"),
		Model:   c.String("embed-model"),
		Timeout: timeout,
	}), 4096)
	if err != nil {
		return err
	}

	index := memory.NewIndex(store, embedder, &memory.Config{
		DedupDistance: c.Float("dedup-distance"),
	})

	var chat llm.ChatClient
	switch c.String("provider") {
	case "ollama":
		chat = llmollama.New(c.String("ollama-url"))
	case "anthropic":
		chat = llmanthropic.New()
	default:
		return fmt.Errorf("unknown provider %q", c.String("provider"))
	}

	eng := engine.New(chat, hist, index,
		engine.WithModel(c.String("model")),
		engine.WithChatTimeout(timeout),
		engine.WithContextTail(c.Int("context-tail")),
		engine.WithMemoryHits(c.Int("memory-hits")),
	)

	srv := server.New(eng, hist, index, server.Info{
		OllamaURL:  c.String("ollama-url"),
		Model:      c.String("model"),
		EmbedModel: c.String("embed-model"),
		SQLitePath: dbPath,
		VectorDir:  vectorDir,
	})

	httpSrv := &http.Server{
		Addr:    c.String("addr"),
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[SERVE] Listening on %s", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Printf("[SERVE] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

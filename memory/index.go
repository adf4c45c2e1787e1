package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lembra-ai/lembra/core"
)

// Config holds index configuration.
type Config struct {
	// DedupDistance is the maximum distance at which a new write is
	// suppressed in favor of an existing neighbor. The tradeoff is
	// false suppression (a distinct-but-close fact is dropped) against
	// unbounded growth, so it is configuration, never hardcoded.
	DedupDistance float64
}

// DefaultConfig matches the original deployment default.
var DefaultConfig = &Config{
	DedupDistance: 0.08,
}

// Index is the deduplicated semantic memory index.
type Index struct {
	store    Store
	embedder Embedder
	cfg      *Config
}

// NewIndex creates an index over the given store and embedder.
func NewIndex(store Store, embedder Embedder, cfg *Config) *Index {
	if cfg == nil {
		cfg = DefaultConfig
	}
	return &Index{store: store, embedder: embedder, cfg: cfg}
}

// AddResult reports the outcome of an insertion.
type AddResult struct {
	MemoryID string `json:"memory_id"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason"`
}

// Add embeds text and persists it under a fresh id, unless the nearest
// existing item lies within the dedup distance; then the write is skipped
// and the existing item's id is returned.
func (ix *Index) Add(ctx context.Context, text string, meta map[string]any) (*AddResult, error) {
	embedding, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}

	nearest, err := ix.store.Query(ctx, embedding, 1)
	if err != nil {
		return nil, fmt.Errorf("query nearest: %w", err)
	}
	if len(nearest) > 0 && nearest[0].Distance < ix.cfg.DedupDistance {
		log.Printf("[MEMORY] Skipping near-duplicate of %s (distance=%.4f)",
			nearest[0].ID, nearest[0].Distance)
		return &AddResult{
			MemoryID: nearest[0].ID,
			Skipped:  true,
			Reason: fmt.Sprintf("near-duplicate (distance=%.4f) of %s",
				nearest[0].Distance, nearest[0].ID),
		}, nil
	}

	doc := Document{
		ID:        uuid.New().String(),
		Text:      text,
		Embedding: embedding,
		Metadata:  stringifyMetadata(meta),
	}
	if err := ix.store.Add(ctx, doc); err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}

	log.Printf("[MEMORY] Stored memory %s (%d chars)", doc.ID, len(text))
	return &AddResult{MemoryID: doc.ID}, nil
}

// Search embeds the query and returns up to k items ordered by ascending
// distance.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]core.Hit, error) {
	hits, _, err := ix.SearchWithTimings(ctx, query, k)
	return hits, err
}

// Timings reports the wall-clock cost of the two phases of a search. The
// bucket split (embedding vs. index query) is part of the observability
// contract.
type Timings struct {
	EmbedSeconds float64
	QuerySeconds float64
	TotalSeconds float64
}

// SearchWithTimings is Search plus separately reported phase costs.
func (ix *Index) SearchWithTimings(ctx context.Context, query string, k int) ([]core.Hit, Timings, error) {
	var t Timings

	t0 := time.Now()
	embedding, err := ix.embedder.Embed(ctx, query)
	t.EmbedSeconds = time.Since(t0).Seconds()
	if err != nil {
		return nil, t, fmt.Errorf("embed query: %w", err)
	}

	t1 := time.Now()
	results, err := ix.store.Query(ctx, embedding, k)
	t.QuerySeconds = time.Since(t1).Seconds()
	t.TotalSeconds = t.EmbedSeconds + t.QuerySeconds
	if err != nil {
		return nil, t, fmt.Errorf("query index: %w", err)
	}

	hits := make([]core.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, core.Hit{
			MemoryID: r.ID,
			Text:     r.Text,
			Metadata: r.Metadata,
			Distance: r.Distance,
		})
	}
	return hits, t, nil
}

// Count returns the number of retained items.
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.store.Count(ctx)
}

// stringifyMetadata flattens an open metadata mapping to the string-valued
// form the store keeps. Non-string values are carried as their JSON text.
func stringifyMetadata(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		if raw, err := json.Marshal(v); err == nil {
			out[k] = string(raw)
		}
	}
	return out
}

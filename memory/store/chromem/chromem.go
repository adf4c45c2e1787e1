// Package chromem backs the memory index with chromem-go, a pure Go
// embedded vector database.
package chromem

import (
	"context"
	"fmt"
	"log"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lembra-ai/lembra/memory"
)

// Store wraps a single chromem-go collection.
type Store struct {
	db  *chromem.DB
	col *chromem.Collection
	mu  sync.RWMutex
}

// New creates an in-memory store with the given collection name.
func New(collection string) (*Store, error) {
	return open(chromem.NewDB(), collection)
}

// NewPersistent creates a store persisted under dir.
func NewPersistent(dir string, collection string) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent db: %w", err)
	}
	return open(db, collection)
}

func open(db *chromem.DB, collection string) (*Store, error) {
	if collection == "" {
		collection = "memories"
	}
	// No embedding func: embeddings are always supplied by the index.
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return &Store{db: db, col: col}, nil
}

// Add persists a document with its embedding.
func (s *Store) Add(ctx context.Context, doc memory.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Text,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Query returns up to k nearest documents by ascending distance. chromem-go
// rejects nResults larger than the collection, so k is clamped first.
func (s *Store) Query(ctx context.Context, embedding []float32, k int) ([]memory.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.col.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	out := make([]memory.Result, 0, len(results))
	for _, r := range results {
		out = append(out, memory.Result{
			Document: memory.Document{
				ID:        r.ID,
				Text:      r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
			// chromem reports cosine similarity; expose distance so lower
			// always means closer.
			Distance: 1 - float64(r.Similarity),
		})
	}

	log.Printf("[CHROMEM] Query returned %d results (k=%d, count=%d)", len(out), k, count)
	return out, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Count(), nil
}

// Close releases resources. chromem keeps everything in process memory (or
// already flushed for the persistent variant), so there is nothing to tear
// down.
func (s *Store) Close() error {
	return nil
}

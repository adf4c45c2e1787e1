package memory

import "context"

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), ollama (remote service), onnx (local,
// behind the onnx build tag), cached (ristretto wrapper over any of them).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Document is one persisted memory item. The embedding is owned by the
// index; callers never supply or see it directly.
type Document struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]string
}

// Result is a document annotated with its distance from a query embedding.
// Distance is 1 - cosine similarity: 0 is identical, larger is farther.
type Result struct {
	Document
	Distance float64
}

// Store is the vector storage backend interface.
type Store interface {
	// Add persists a document. The embedding must already be set.
	Add(ctx context.Context, doc Document) error

	// Query returns up to k documents nearest to the embedding, ordered by
	// ascending distance. May return fewer than k.
	Query(ctx context.Context, embedding []float32, k int) ([]Result, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// Package memory provides the deduplicated semantic memory index.
//
// The index stores free-text items with an embedding and metadata, and
// supports nearest-neighbor retrieval. Writes are deduplicated: inserting
// text whose embedding lies within the configured distance of an existing
// item is suppressed, and the existing item's id is returned instead.
// Repeated insertion of semantically equivalent facts therefore does not
// grow the index.
//
// Architecture:
//   - Store: vector storage backend (chromem-go for the embedded case)
//   - Embedder: text-to-vector conversion (remote Ollama, local ONNX, mock)
//   - Index: orchestrates embedding, dedup, and retrieval
//
// Embedding-provider failures propagate uncaught to the caller; retry
// policy belongs to whoever drives the index.
package memory

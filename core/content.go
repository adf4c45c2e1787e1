package core

import (
	"encoding/json"
	"fmt"
)

// Content is the stored form of a message body. It is a tagged union:
// either a scalar (plain text) or a structured JSON value. The storage
// encoding of a scalar is {"content": <text>}; structured values are stored
// verbatim. The shape is sniffed exactly once, when decoding a stored row;
// everywhere else the tag is explicit.
type Content struct {
	scalar     string
	structured json.RawMessage
	isScalar   bool
}

// Scalar wraps plain text as scalar content.
func Scalar(text string) Content {
	return Content{scalar: text, isScalar: true}
}

// Structured wraps an arbitrary value as structured content.
func Structured(v any) (Content, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Content{}, fmt.Errorf("marshal structured content: %w", err)
	}
	return Content{structured: raw}, nil
}

// StructuredJSON wraps pre-encoded JSON as structured content.
func StructuredJSON(raw json.RawMessage) Content {
	return Content{structured: raw}
}

// IsScalar reports whether the content is plain text.
func (c Content) IsScalar() bool {
	return c.isScalar
}

// Text projects the content to the model-visible string: the raw text for
// scalars, canonical JSON text for structured values. Every read path uses
// this projection.
func (c Content) Text() string {
	if c.isScalar {
		return c.scalar
	}
	return canonicalJSON(c.structured)
}

// EncodeStored returns the JSON text persisted in the message log.
func (c Content) EncodeStored() (string, error) {
	if c.isScalar {
		raw, err := json.Marshal(map[string]string{"content": c.scalar})
		if err != nil {
			return "", fmt.Errorf("encode scalar content: %w", err)
		}
		return string(raw), nil
	}
	return canonicalJSON(c.structured), nil
}

// DecodeStored parses a persisted content_json value back into the union.
// A JSON object whose sole key is "content" is the scalar encoding; any
// other shape is structured.
func DecodeStored(stored string) (Content, error) {
	var v any
	if err := json.Unmarshal([]byte(stored), &v); err != nil {
		return Content{}, fmt.Errorf("decode stored content: %w", err)
	}

	if obj, ok := v.(map[string]any); ok && len(obj) == 1 {
		if inner, ok := obj["content"]; ok {
			if text, ok := inner.(string); ok {
				return Scalar(text), nil
			}
			// Wrapped non-string payloads still unwrap; the projection
			// falls back to their JSON text.
			raw, err := json.Marshal(inner)
			if err != nil {
				return Content{}, fmt.Errorf("decode wrapped content: %w", err)
			}
			return Scalar(canonicalJSON(raw)), nil
		}
	}

	return Content{structured: json.RawMessage(stored)}, nil
}

// canonicalJSON re-encodes raw JSON into a deterministic compact form
// (object keys sorted). Invalid input is returned as-is rather than lost.
func canonicalJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

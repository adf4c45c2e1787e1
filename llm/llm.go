// Package llm defines the chat-completion contract the agent engine
// consumes: an ordered {role, content} sequence in, one textual completion
// out. The backing service is opaque; failures surface as request errors
// with no retry.
package llm

import (
	"context"
	"time"

	"github.com/lembra-ai/lembra/core"
)

// Options selects the model and sampling configuration for one call.
type Options struct {
	// Model is the provider-specific model identifier.
	Model string

	// Temperature is the sampling temperature. The agent protocol runs at
	// low randomness so tool-call JSON stays well-formed.
	Temperature float64

	// JSONOnly asks the provider to constrain output to a JSON document,
	// for providers that support an output format switch.
	JSONOnly bool

	// Timeout is the hard per-call deadline.
	Timeout time.Duration
}

// ChatClient is an opaque chat-completion service.
type ChatClient interface {
	// Chat sends the message sequence and returns one textual completion.
	Chat(ctx context.Context, messages []core.ChatMessage, opts Options) (string, error)
}

// Package anthropic implements the chat contract over the Anthropic API,
// for deployments that point the agent at Claude instead of a local server.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/lembra-ai/lembra/core"
	"github.com/lembra-ai/lembra/llm"
)

// Client adapts the Anthropic SDK to the ChatClient interface.
type Client struct {
	ac        *anthropic.Client
	maxTokens int64
}

// New creates a client. The SDK reads ANTHROPIC_API_KEY from the
// environment.
func New() *Client {
	c := anthropic.NewClient()
	return &Client{ac: &c, maxTokens: 4096}
}

// Chat maps the generic sequence onto Anthropic's message rules: system
// entries join the system block, tool results become labeled user turns,
// and JSON-only mode is requested through the system block since the API
// has no output format switch.
func (c *Client) Chat(ctx context.Context, messages []core.ChatMessage, opts llm.Options) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var system []string
	var params []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			system = append(system, m.Content)
		case core.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleTool:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock("Tool result:\n"+m.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if opts.JSONOnly {
		system = append(system, "Respond with a single JSON object and nothing else.")
	}

	model := opts.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   c.maxTokens,
		Messages:    params,
		Temperature: anthropic.Float(opts.Temperature),
	}
	if len(system) > 0 {
		req.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	resp, err := c.ac.Messages.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("anthropic chat: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/beacon/internal/llm"
)

const defaultMaxTokens = 1024

// Client answers completion requests against a single Claude model.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a client for the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Model reports the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends a single-turn completion request and flattens the
// response text.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	msg, err := c.client.Messages.New(ctx, newParams(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("claude completion: %w", err)
	}
	return fromSDKMessage(msg), nil
}

// newParams maps a provider-neutral request onto SDK message params.
func newParams(model string, req *llm.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// fromSDKMessage concatenates the text blocks of an SDK response.
func fromSDKMessage(msg *anthropic.Message) *llm.Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &llm.Response{
		Text:         sb.String(),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
}

// Package llm defines the provider-neutral completion interface used by
// the classification and summarisation stages.
package llm

import "context"

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Response carries the completion text plus accounting metadata.
type Response struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Provider answers completion requests against a specific model.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Model() string
}

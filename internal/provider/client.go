package provider

import (
	"context"
	"time"

	"llm-chat-gateway/internal/domain"
)

// Options is the per-call configuration bundle passed to Send.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
	// DedupKey is forwarded as an idempotency key when the backend supports one.
	DedupKey string
}

// Reply is the provider-agnostic result of a successful Send.
type Reply struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client is the capability every LLM backend binding implements.
//
// Send makes no idempotence guarantee: backends may bill or count usage on
// every call. Failures are reported as *Error (or wrap one).
type Client interface {
	Send(ctx context.Context, prompt []domain.ChatMessage, opts Options) (Reply, error)
}

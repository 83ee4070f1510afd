// Package echo is an offline provider.Client used for local development. It
// replies with the most recent user message.
package echo

import (
	"context"
	"strings"

	"llm-chat-gateway/internal/domain"
	"llm-chat-gateway/internal/provider"
)

type Client struct {
	name string
}

var _ provider.Client = (*Client)(nil)

func NewClient(name string) *Client {
	if strings.TrimSpace(name) == "" {
		name = "echo"
	}
	return &Client{name: name}
}

func (c *Client) Send(ctx context.Context, prompt []domain.ChatMessage, opts provider.Options) (provider.Reply, error) {
	if err := ctx.Err(); err != nil {
		return provider.Reply{}, provider.Classify(c.name, err)
	}
	var last string
	for i := len(prompt) - 1; i >= 0; i-- {
		if prompt[i].Role == string(domain.RoleUser) {
			last = prompt[i].Content
			break
		}
	}
	if last == "" {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindInvalidRequest, Message: "no user message in prompt"}
	}
	content := "echo: " + last
	if opts.MaxTokens > 0 {
		if r := []rune(content); len(r) > opts.MaxTokens*4 {
			content = string(r[:opts.MaxTokens*4])
		}
	}
	model := opts.Model
	if model == "" {
		model = "echo"
	}
	return provider.Reply{
		Content:          content,
		Model:            model,
		PromptTokens:     len(prompt),
		CompletionTokens: len(strings.Fields(content)),
	}, nil
}

package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"llm-chat-gateway/internal/domain"
	"llm-chat-gateway/internal/integrations/credentials"
	"llm-chat-gateway/internal/integrations/upstream"
	"llm-chat-gateway/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Client is a focused OpenAI-compatible client for chat completions.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	creds      credentials.Source
}

var _ provider.Client = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client registered under name. The API key is obtained
// from creds on every call; sources cache it themselves.
func NewClient(name string, creds credentials.Source, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("openai: credential source must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "openai"
	}
	c := &Client{
		name:       name,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		creds:      creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 60s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Send implements provider.Client.
func (c *Client) Send(ctx context.Context, prompt []domain.ChatMessage, opts provider.Options) (provider.Reply, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindInvalidRequest, Message: "model must not be empty"}
	}
	if len(prompt) == 0 {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindInvalidRequest, Message: "prompt must not be empty"}
	}

	apiKey, err := c.creds.Token(ctx)
	if err != nil {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindAuthFailure, Message: "resolve api key", Err: err}
	}

	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	if opts.DedupKey != "" {
		headers["Idempotency-Key"] = opts.DedupKey
	}

	var payload chatResponse
	err = upstream.DoJSON(ctx, c.resolvedHTTPClient(), upstream.Request{
		Method:  http.MethodPost,
		URL:     chatURL(c.baseURL),
		Headers: headers,
		Body: chatRequest{
			Model:       opts.Model,
			Messages:    prompt,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		},
	}, &payload)
	if err != nil {
		return provider.Reply{}, upstream.ProviderError(c.name, fmt.Errorf("openai: request failed: %w", err))
	}
	if len(payload.Choices) == 0 {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindUnavailable, Message: "no choices in response"}
	}

	model := payload.Model
	if model == "" {
		model = opts.Model
	}
	return provider.Reply{
		Content:          payload.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     payload.Usage.PromptTokens,
		CompletionTokens: payload.Usage.CompletionTokens,
	}, nil
}

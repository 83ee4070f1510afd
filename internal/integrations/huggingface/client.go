// Package huggingface binds the HuggingFace Inference API text-generation
// task to provider.Client.
package huggingface

import (
	"context"
	"encoding/json"
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

const defaultBaseURL = "https://api-inference.huggingface.co"

type generateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters generateParameters `json:"parameters"`
	Options    generateOptions    `json:"options"`
}

type generateParameters struct {
	MaxNewTokens   int      `json:"max_new_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	ReturnFullText bool     `json:"return_full_text"`
	Details        bool     `json:"details"`
}

type generateOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
	Details       *struct {
		GeneratedTokens int `json:"generated_tokens"`
	} `json:"details,omitempty"`
}

// loadingError is returned with 503 while a model is being loaded.
type loadingError struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

// Client calls the Inference API for a single configured model at a time.
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

func NewClient(name string, creds credentials.Source, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("huggingface: credential source must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "huggingface"
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

// Send implements provider.Client.
func (c *Client) Send(ctx context.Context, prompt []domain.ChatMessage, opts provider.Options) (provider.Reply, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindInvalidRequest, Message: "model must not be empty"}
	}
	if len(prompt) == 0 {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindInvalidRequest, Message: "prompt must not be empty"}
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindAuthFailure, Message: "resolve api token", Err: err}
	}

	var out []generation
	err = upstream.DoJSON(ctx, c.httpClient, upstream.Request{
		Method:  http.MethodPost,
		URL:     upstream.Endpoint(c.baseURL, defaultBaseURL, "/models/"+model),
		Headers: map[string]string{"Authorization": "Bearer " + token},
		Body: generateRequest{
			Inputs: RenderPrompt(prompt),
			Parameters: generateParameters{
				MaxNewTokens: opts.MaxTokens,
				Temperature:  opts.Temperature,
				Details:      true,
			},
			Options: generateOptions{WaitForModel: false},
		},
	}, &out)
	if err != nil {
		return provider.Reply{}, c.mapError(err)
	}
	if len(out) == 0 {
		return provider.Reply{}, &provider.Error{Provider: c.name, Kind: provider.KindUnavailable, Message: "no generations in response"}
	}

	reply := provider.Reply{
		Content: strings.TrimSpace(out[0].GeneratedText),
		Model:   model,
	}
	if out[0].Details != nil {
		reply.CompletionTokens = out[0].Details.GeneratedTokens
	}
	return reply, nil
}

// mapError classifies the failure and turns the model-loading estimate of a
// 503 into a retry hint.
func (c *Client) mapError(err error) error {
	mapped := upstream.ProviderError(c.name, fmt.Errorf("huggingface: request failed: %w", err))
	var se *upstream.HTTPStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		return mapped
	}
	var le loadingError
	if jsonErr := json.Unmarshal([]byte(se.Body), &le); jsonErr != nil || le.EstimatedTime <= 0 {
		return mapped
	}
	if pe, ok := provider.AsError(mapped); ok && pe.RetryAfter == 0 {
		pe.RetryAfter = time.Duration(le.EstimatedTime * float64(time.Second))
	}
	return mapped
}

// RenderPrompt flattens chat messages into the plain-text transcript expected
// by text-generation models, ending with an open assistant turn.
func RenderPrompt(msgs []domain.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case string(domain.RoleSystem):
			b.WriteString("System: ")
		case string(domain.RoleAssistant):
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

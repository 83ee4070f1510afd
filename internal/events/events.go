// Package events publishes a record of each finished chat turn.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is the terminal state a turn reached.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDenied    Outcome = "denied"
)

// TurnEvent describes one finished turn. It never carries message content.
type TurnEvent struct {
	TraceID          string    `json:"traceId"`
	ConversationID   string    `json:"conversationId"`
	CallerID         string    `json:"callerId"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	ErrorCode        string    `json:"errorCode,omitempty"`
	Attempts         int       `json:"attempts"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`
	LatencyMs        int64     `json:"latencyMs"`
	At               time.Time `json:"at"`
}

// Publisher delivers turn events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev TurnEvent) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, TurnEvent) error { return nil }

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev TurnEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "turn finished",
		"traceId", ev.TraceID,
		"conversationId", ev.ConversationID,
		"provider", ev.Provider,
		"outcome", string(ev.Outcome),
		"errorCode", ev.ErrorCode,
		"attempts", ev.Attempts,
		"latencyMs", ev.LatencyMs,
	)
	return nil
}

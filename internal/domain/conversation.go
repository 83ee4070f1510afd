package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ProviderMeta records how an assistant reply was produced.
type ProviderMeta struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"promptTokens,omitempty"`
	CompletionTokens int           `json:"completionTokens,omitempty"`
	Latency          time.Duration `json:"latency,omitempty"`
}

// Message is a single immutable conversation entry.
type Message struct {
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	Meta      *ProviderMeta `json:"meta,omitempty"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Meta != nil {
		meta := *m.Meta
		m.Meta = &meta
	}
	return m
}

// Conversation is an append-only, owner-scoped message history.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy of c that shares no mutable state with it.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.Clone()
	}
	c.Messages = msgs
	return c
}

// ConversationSummary describes a conversation without its messages.
type ConversationSummary struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Summary returns the summary of c.
func (c Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		OwnerID:      c.OwnerID,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

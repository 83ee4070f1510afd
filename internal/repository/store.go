package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"llm-chat-gateway/internal/domain"
)

var (
	ErrNotFound  = errors.New("repository: conversation not found")
	ErrForbidden = errors.New("repository: caller does not own conversation")
	ErrConflict  = errors.New("repository: concurrent append to conversation")
)

// ConversationStore owns conversation histories keyed by conversation id.
// Implementations return copies; callers may not mutate stored messages.
type ConversationStore interface {
	Create(ctx context.Context, ownerID string) (domain.Conversation, error)
	Get(ctx context.Context, id string) (domain.Conversation, error)
	// Append adds msg to the end of the history. At most one append per id
	// may be in flight; overlapping attempts fail with ErrConflict.
	Append(ctx context.Context, id string, msg domain.Message) (domain.Conversation, error)
	Delete(ctx context.Context, id, ownerID string) error
	// List returns the owner's conversations, most recently updated first.
	List(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error)
}

// sortSummaries orders by UpdatedAt descending, then by id.
func sortSummaries(out []domain.ConversationSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

var newID = func() string {
	return uuid.NewString()
}

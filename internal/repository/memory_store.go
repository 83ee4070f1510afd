package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"llm-chat-gateway/internal/domain"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*domain.Conversation
	inflight map[string]struct{}
	now      func() time.Time
	newID    func() string
}

var _ ConversationStore = (*MemoryStore)(nil)

// beforeCommit runs between claiming and committing an append.
var beforeCommit = func(string) {}

type MemoryStoreOption func(*MemoryStore)

// WithIDGenerator replaces the uuid generator used by Create.
func WithIDGenerator(gen func() string) MemoryStoreOption {
	return func(m *MemoryStore) {
		m.newID = gen
	}
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	m := &MemoryStore{
		convs:    make(map[string]*domain.Conversation),
		inflight: make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Create(_ context.Context, ownerID string) (domain.Conversation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Conversation{}, errors.New("repository: owner id must not be empty")
	}
	now := m.now()
	conv := &domain.Conversation{
		ID:        m.newID(),
		OwnerID:   ownerID,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.convs[conv.ID]; exists {
		return domain.Conversation{}, ErrConflict
	}
	m.convs[conv.ID] = conv
	return conv.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return conv.Clone(), nil
}

// Append claims the conversation, builds the new history outside the lock and
// commits it. A second append arriving while the first holds the claim fails
// with ErrConflict instead of waiting.
func (m *MemoryStore) Append(_ context.Context, id string, msg domain.Message) (domain.Conversation, error) {
	if !msg.Role.Valid() {
		return domain.Conversation{}, errors.New("repository: message role is invalid")
	}

	m.mu.Lock()
	conv, ok := m.convs[id]
	if !ok {
		m.mu.Unlock()
		return domain.Conversation{}, ErrNotFound
	}
	if _, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return domain.Conversation{}, ErrConflict
	}
	m.inflight[id] = struct{}{}
	snapshot := conv.Clone()
	m.mu.Unlock()

	beforeCommit(id)

	now := m.now()
	msg = msg.Clone()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	snapshot.Messages = append(snapshot.Messages, msg)
	snapshot.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
	if _, stillThere := m.convs[id]; !stillThere {
		return domain.Conversation{}, ErrNotFound
	}
	m.convs[id] = &snapshot
	return snapshot.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	if conv.OwnerID != ownerID {
		return ErrForbidden
	}
	delete(m.convs, id)
	delete(m.inflight, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, ownerID string) ([]domain.ConversationSummary, error) {
	m.mu.Lock()
	out := make([]domain.ConversationSummary, 0)
	for _, conv := range m.convs {
		if conv.OwnerID == ownerID {
			out = append(out, conv.Summary())
		}
	}
	m.mu.Unlock()
	sortSummaries(out)
	return out, nil
}

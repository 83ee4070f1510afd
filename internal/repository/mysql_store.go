package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"llm-chat-gateway/internal/domain"
)

const (
	schemaConversations = `CREATE TABLE IF NOT EXISTS conversations (
        id VARCHAR(64) PRIMARY KEY,
        owner_id VARCHAR(255) NOT NULL,
        message_count INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_conversations_owner (owner_id)
)`
	schemaMessages = `CREATE TABLE IF NOT EXISTS conversation_messages (
        conversation_id VARCHAR(64) NOT NULL,
        seq INT NOT NULL,
        role VARCHAR(16) NOT NULL,
        content MEDIUMTEXT NOT NULL,
        provider VARCHAR(128) NULL,
        model VARCHAR(255) NULL,
        prompt_tokens INT NULL,
        completion_tokens INT NULL,
        latency_ms BIGINT NULL,
        created_at BIGINT NOT NULL,
        PRIMARY KEY (conversation_id, seq)
)`

	stmtInsertConversation = `INSERT INTO conversations (id, owner_id, message_count, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`
	stmtSelectConversation = `SELECT id, owner_id, message_count, created_at, updated_at FROM conversations WHERE id = ?`
	stmtListConversations  = `SELECT id, owner_id, message_count, created_at, updated_at FROM conversations
        WHERE owner_id = ? ORDER BY updated_at DESC, id`
	stmtSelectMessages = `SELECT role, content, provider, model, prompt_tokens, completion_tokens, latency_ms, created_at
        FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`
	stmtInsertMessage = `INSERT INTO conversation_messages
        (conversation_id, seq, role, content, provider, model, prompt_tokens, completion_tokens, latency_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmtAdvanceCount   = `UPDATE conversations SET message_count = ?, updated_at = ? WHERE id = ? AND message_count = ?`
	stmtSelectOwner    = `SELECT owner_id FROM conversations WHERE id = ?`
	stmtDeleteMessages = `DELETE FROM conversation_messages WHERE conversation_id = ?`
	stmtDeleteConv     = `DELETE FROM conversations WHERE id = ?`
)

// MySQLStore keeps conversations in two MySQL tables. Appends are serialised
// by a compare-and-set on conversations.message_count.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ConversationStore = (*MySQLStore)(nil)

// NewMySQLStore opens dsn, verifies connectivity and creates the tables.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: mysql dsn must not be empty")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open mysql: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping mysql: %w", err)
	}
	store := NewMySQLStoreFromDB(db)
	if err := store.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreFromDB wraps an existing handle without touching the schema.
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *MySQLStore) InitSchema(ctx context.Context) error {
	for _, stmt := range []string{schemaConversations, schemaMessages} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: init schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) Create(ctx context.Context, ownerID string) (domain.Conversation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Conversation{}, errors.New("repository: owner id must not be empty")
	}
	now := s.now().Truncate(time.Millisecond)
	conv := domain.Conversation{
		ID:        newID(),
		OwnerID:   ownerID,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.ExecContext(ctx, stmtInsertConversation, conv.ID, conv.OwnerID, now.UnixMilli(), now.UnixMilli()); err != nil {
		if isDuplicateKey(err) {
			return domain.Conversation{}, ErrConflict
		}
		return domain.Conversation{}, fmt.Errorf("repository: Create: %w", err)
	}
	return conv, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *MySQLStore) Get(ctx context.Context, id string) (domain.Conversation, error) {
	conv, _, err := loadConversation(ctx, s.db, id)
	return conv, err
}

// loadConversation reads the conversation row and its messages through q and
// also returns the stored message count.
func loadConversation(ctx context.Context, q queryer, id string) (domain.Conversation, int, error) {
	var (
		conv             domain.Conversation
		count            int
		created, updated int64
	)
	err := q.QueryRowContext(ctx, stmtSelectConversation, id).Scan(&conv.ID, &conv.OwnerID, &count, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, 0, ErrNotFound
		}
		return domain.Conversation{}, 0, fmt.Errorf("repository: Get: %w", err)
	}
	conv.CreatedAt = time.UnixMilli(created).UTC()
	conv.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := q.QueryContext(ctx, stmtSelectMessages, id)
	if err != nil {
		return domain.Conversation{}, 0, fmt.Errorf("repository: Get messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = []domain.Message{}
	for rows.Next() {
		var (
			msg                         domain.Message
			role                        string
			providerName, model         sql.NullString
			prompt, completion, latency sql.NullInt64
			createdAt                   int64
		)
		if err := rows.Scan(&role, &msg.Content, &providerName, &model, &prompt, &completion, &latency, &createdAt); err != nil {
			return domain.Conversation{}, 0, fmt.Errorf("repository: Get scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		if providerName.Valid {
			msg.Meta = &domain.ProviderMeta{
				Provider:         providerName.String,
				Model:            model.String,
				PromptTokens:     int(prompt.Int64),
				CompletionTokens: int(completion.Int64),
				Latency:          time.Duration(latency.Int64) * time.Millisecond,
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return domain.Conversation{}, 0, fmt.Errorf("repository: Get iterate messages: %w", err)
	}
	return conv, count, nil
}

// Append loads the conversation, inserts the message at the stored count and
// advances the count with a compare-and-set, all in one transaction. Nothing
// is read after the commit.
func (s *MySQLStore) Append(ctx context.Context, id string, msg domain.Message) (conv domain.Conversation, err error) {
	if !msg.Role.Valid() {
		return domain.Conversation{}, errors.New("repository: message role is invalid")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Append begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	conv, count, err := loadConversation(ctx, tx, id)
	if err != nil {
		return domain.Conversation{}, err
	}

	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	var (
		providerName, model         sql.NullString
		prompt, completion, latency sql.NullInt64
	)
	if m := msg.Meta; m != nil {
		providerName = sql.NullString{String: m.Provider, Valid: true}
		model = sql.NullString{String: m.Model, Valid: true}
		prompt = sql.NullInt64{Int64: int64(m.PromptTokens), Valid: true}
		completion = sql.NullInt64{Int64: int64(m.CompletionTokens), Valid: true}
		latency = sql.NullInt64{Int64: m.Latency.Milliseconds(), Valid: true}
	}
	if _, err = tx.ExecContext(ctx, stmtInsertMessage,
		id, count, string(msg.Role), msg.Content,
		providerName, model, prompt, completion, latency,
		msg.CreatedAt.UnixMilli(),
	); err != nil {
		if isDuplicateKey(err) {
			err = ErrConflict
			return domain.Conversation{}, err
		}
		return domain.Conversation{}, fmt.Errorf("repository: Append insert: %w", err)
	}

	res, err := tx.ExecContext(ctx, stmtAdvanceCount, count+1, now.UnixMilli(), id, count)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Append advance count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Append rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrConflict
		return domain.Conversation{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Append commit: %w", err)
	}

	conv.Messages = append(conv.Messages, msg.Clone())
	conv.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return conv, nil
}

// List uses idx_conversations_owner.
func (s *MySQLStore) List(ctx context.Context, ownerID string) ([]domain.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, stmtListConversations, ownerID)
	if err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ConversationSummary, 0)
	for rows.Next() {
		var (
			summary          domain.ConversationSummary
			created, updated int64
		)
		if err := rows.Scan(&summary.ID, &summary.OwnerID, &summary.MessageCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("repository: List scan: %w", err)
		}
		summary.CreatedAt = time.UnixMilli(created).UTC()
		summary.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: List iterate: %w", err)
	}
	return out, nil
}

func (s *MySQLStore) Delete(ctx context.Context, id, ownerID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: Delete begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var owner string
	if err = tx.QueryRowContext(ctx, stmtSelectOwner, id).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: Delete read owner: %w", err)
	}
	if owner != ownerID {
		err = ErrForbidden
		return err
	}
	if _, err = tx.ExecContext(ctx, stmtDeleteMessages, id); err != nil {
		return fmt.Errorf("repository: Delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, stmtDeleteConv, id); err != nil {
		return fmt.Errorf("repository: Delete conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("repository: Delete commit: %w", err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrStorageUnavailable is the one failure repositories let escape:
// creation-type operations cannot honestly report success with an empty
// record, so callers get an explicit signal instead.
var ErrStorageUnavailable = errors.New("local storage is unavailable")

const conversationSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    archived INTEGER DEFAULT 0,
    pinned INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    provider TEXT,
    model TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
`

// ConversationRepository stores assistant chat sessions and their messages.
// Reads degrade to empty results when the local cache is down; Create is
// the exception and raises ErrStorageUnavailable.
type ConversationRepository struct {
	manager *Manager
	log     *slog.Logger
}

// NewConversationRepository binds the repository to the shared handle
// manager.
func NewConversationRepository(m *Manager, log *slog.Logger) *ConversationRepository {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationRepository{manager: m, log: log}
}

func (r *ConversationRepository) ensure(ctx context.Context) (*Handle, error) {
	h, err := r.manager.Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureSchema(ctx, "conversations", conversationSchema); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *ConversationRepository) ensureOrLog(ctx context.Context) (*Handle, bool) {
	h, err := r.ensure(ctx)
	if err != nil {
		r.log.Warn("conversations: local storage unavailable", "error", err)
		return nil, false
	}
	return h, true
}

// Create starts a new conversation.
func (r *ConversationRepository) Create(ctx context.Context, title, provider, model string) (*Conversation, error) {
	h, err := r.ensure(ctx)
	if err != nil {
		r.log.Warn("conversations: create unavailable", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	now := time.Now().UnixMilli()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Provider:  provider,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = h.ExecContext(ctx, `
		INSERT INTO conversations (id, title, provider, model, created_at, updated_at, archived, pinned)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)
	`, c.ID, c.Title, c.Provider, c.Model, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	r.persist(h, "create conversation")
	return c, nil
}

// List returns conversations, pinned first, most recently updated next.
// Archived conversations are excluded unless includeArchived is set.
func (r *ConversationRepository) List(ctx context.Context, includeArchived bool) []Conversation {
	h, ok := r.ensureOrLog(ctx)
	if !ok {
		return nil
	}

	query := `
		SELECT id, title, provider, model, created_at, updated_at, archived, pinned
		FROM conversations
		ORDER BY pinned DESC, updated_at DESC`
	if !includeArchived {
		query = `
		SELECT id, title, provider, model, created_at, updated_at, archived, pinned
		FROM conversations WHERE archived = 0
		ORDER BY pinned DESC, updated_at DESC`
	}

	rows, err := h.QueryContext(ctx, query)
	if err != nil {
		r.log.Warn("conversations: list failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			r.log.Warn("conversations: scan failed", "error", err)
			return nil
		}
		out = append(out, c)
	}
	return out
}

// Get returns one conversation by id, or nil.
func (r *ConversationRepository) Get(ctx context.Context, id string) *Conversation {
	h, ok := r.ensureOrLog(ctx)
	if !ok {
		return nil
	}

	var c Conversation
	var model sql.NullString
	var archived, pinned int
	err := h.QueryRowContext(ctx, `
		SELECT id, title, provider, model, created_at, updated_at, archived, pinned
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.Provider, &model, &c.CreatedAt, &c.UpdatedAt, &archived, &pinned)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.log.Warn("conversations: get failed", "id", id, "error", err)
		return nil
	}
	if model.Valid {
		c.Model = model.String
	}
	c.Archived = archived != 0
	c.Pinned = pinned != 0
	return &c
}

// SetTitle renames a conversation and touches its updated_at.
func (r *ConversationRepository) SetTitle(ctx context.Context, id, title string) bool {
	h, ok := r.ensureOrLog(ctx)
	if !ok {
		return false
	}
	res, err := h.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UnixMilli(), id)
	if err != nil {
		r.log.Warn("conversations: rename failed", "id", id, "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false
	}
	r.persist(h, "rename conversation")
	return true
}

// SetPinned toggles the pinned flag. Ordering-only metadata, so updated_at
// is left alone.
func (r *ConversationRepository) SetPinned(ctx context.Context, id string, pinned bool) bool {
	return r.setFlag(ctx, id, "pinned", pinned)
}

// SetArchived toggles the archived flag.
func (r *ConversationRepository) SetArchived(ctx context.Context, id string, archived bool) bool {
	return r.setFlag(ctx, id, "archived", archived)
}

func (r *ConversationRepository) setFlag(ctx context.Context, id, column string, value bool) bool {
	h, ok := r.ensureOrLog(ctx)
	if !ok {
		return false
	}
	res, err := h.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ? WHERE id = ?`, boolToInt(value), id)
	if err != nil {
		r.log.Warn("conversations: flag update failed", "id", id, "flag", column, "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false
	}
	r.persist(h, "flag update")
	return true
}

// AddMessage appends a message and touches the parent conversation's
// updated_at. Both writes happen in one explicit transaction: either the
// message exists and the parent timestamp moved, or neither.
func (r *ConversationRepository) AddMessage(ctx context.Context, conversationID, role, content, provider, model string) *Message {
	h, ok := r.ensureOrLog(ctx)
	if !ok {
		return nil
	}

	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Provider:       provider,
		Model:          model,
		CreatedAt:      time.Now().UnixMilli(),
	}

	tx, err := h.BeginTx(ctx)
	if err != nil {
		r.log.Warn("conversations: begin add message failed", "error", err)
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Role, m.Content, m.Provider, m.Model, m.CreatedAt); err != nil {
		tx.Rollback()
		r.log.Warn("conversations: add message failed", "conversation", conversationID, "error", err)
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, m.CreatedAt, conversationID)
	if err != nil {
		tx.Rollback()
		r.log.Warn("conversations: touch parent failed", "conversation", conversationID, "error", err)
		return nil
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		r.log.Warn("conversations: add message to missing conversation", "conversation", conversationID)
		return nil
	}
	if err := tx.Commit(); err != nil {
		r.log.Warn("conversations: commit add message failed", "error", err)
		return nil
	}

	r.persist(h, "add message")
	return m
}

// Messages returns a conversation's messages in chronological order.
func (r *ConversationRepository) Messages(ctx context.Context, conversationID string) []Message {
	h, ok := r.ensureOrLog(ctx)
	if !ok {
		return nil
	}

	rows, err := h.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, provider, model, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		r.log.Warn("conversations: load messages failed", "conversation", conversationID, "error", err)
		return nil
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var provider, model sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &provider, &model, &m.CreatedAt); err != nil {
			r.log.Warn("conversations: scan message failed", "error", err)
			return nil
		}
		if provider.Valid {
			m.Provider = provider.String
		}
		if model.Valid {
			m.Model = model.String
		}
		out = append(out, m)
	}
	return out
}

// Delete removes a conversation and all of its messages. Messages are
// deleted explicitly first rather than trusting the declared cascade.
func (r *ConversationRepository) Delete(ctx context.Context, id string) bool {
	h, ok := r.ensureOrLog(ctx)
	if !ok {
		return false
	}

	tx, err := h.BeginTx(ctx)
	if err != nil {
		r.log.Warn("conversations: begin delete failed", "error", err)
		return false
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		tx.Rollback()
		r.log.Warn("conversations: delete messages failed", "conversation", id, "error", err)
		return false
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		tx.Rollback()
		r.log.Warn("conversations: delete failed", "conversation", id, "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		r.log.Warn("conversations: commit delete failed", "error", err)
		return false
	}

	r.persist(h, "delete conversation")
	return true
}

func (r *ConversationRepository) persist(h *Handle, op string) {
	if err := h.Save(); err != nil {
		r.log.Warn("conversations: save after mutation failed", "op", op, "error", err)
	}
}

func scanConversation(rows *sql.Rows) (Conversation, error) {
	var c Conversation
	var model sql.NullString
	var archived, pinned int
	if err := rows.Scan(&c.ID, &c.Title, &c.Provider, &model, &c.CreatedAt, &c.UpdatedAt, &archived, &pinned); err != nil {
		return Conversation{}, err
	}
	if model.Valid {
		c.Model = model.String
	}
	c.Archived = archived != 0
	c.Pinned = pinned != 0
	return c, nil
}

// ABOUTME: Conversation CRUD for the SQL-backed store
// ABOUTME: Create, get, list, and archive operations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConversation persists a new conversation, assigning ID and
// timestamps when unset.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	c := *conv
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = ConversationActive
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := s.dialect.rebind(`
		INSERT INTO conversations (id, owner_id, title, model, system_prompt, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.Title, c.Model, c.SystemPrompt, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", wrapUnavailable(err))
	}

	s.logger.Info("conversation created", "conversation_id", c.ID, "model", c.Model)
	return &c, nil
}

// GetConversation returns a conversation by ID
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := s.dialect.rebind(`
		SELECT id, owner_id, title, model, system_prompt, status, created_at, updated_at
		FROM conversations WHERE id = ?`)

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.OwnerID, &c.Title, &c.Model, &c.SystemPrompt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", wrapUnavailable(err))
	}
	return &c, nil
}

// ListConversations returns the owner's conversations, most recently
// updated first.
func (s *SQLStore) ListConversations(ctx context.Context, ownerID string, limit int) ([]*Conversation, error) {
	query := `
		SELECT id, owner_id, title, model, system_prompt, status, created_at, updated_at
		FROM conversations WHERE owner_id = ?
		ORDER BY updated_at DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", wrapUnavailable(err))
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Model, &c.SystemPrompt, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// ArchiveConversation marks a conversation archived. Idempotent.
func (s *SQLStore) ArchiveConversation(ctx context.Context, id string) error {
	mu := s.lockConversation(id)
	defer mu.Unlock()

	query := s.dialect.rebind(`
		UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, ConversationArchived, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("archiving conversation: %w", wrapUnavailable(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("archiving conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("conversation archived", "conversation_id", id)
	return nil
}

// ABOUTME: Turn persistence with transactional sequence assignment
// ABOUTME: Append, read-context, audit listing, and status transitions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendTurn assigns the next sequence number for the conversation and
// inserts the turn, all inside one transaction. The per-conversation write
// lock keeps concurrent appends from racing on the sequence read.
func (s *SQLStore) AppendTurn(ctx context.Context, turn *Turn) (*Turn, error) {
	if turn.ConversationID == "" {
		return nil, errors.New("turn requires a conversation ID")
	}

	mu := s.lockConversation(turn.ConversationID)
	defer mu.Unlock()

	t := *turn
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TurnPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append: %w", wrapUnavailable(err))
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT status FROM conversations WHERE id = ?`),
		t.ConversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", wrapUnavailable(err))
	}
	if status == ConversationArchived {
		return nil, ErrConversationArchived
	}

	err = tx.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?`),
		t.ConversationID).Scan(&t.Seq)
	if err != nil {
		return nil, fmt.Errorf("assigning sequence: %w", wrapUnavailable(err))
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO turns (id, conversation_id, seq, role, content, status, fail_reason, provider, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.ConversationID, t.Seq, t.Role, t.Content, t.Status, t.FailReason, t.Provider, t.Model, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return nil, ErrDuplicateTurn
		}
		return nil, fmt.Errorf("inserting turn: %w", wrapUnavailable(err))
	}

	_, err = tx.ExecContext(ctx,
		s.dialect.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		now, t.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("touching conversation: %w", wrapUnavailable(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", wrapUnavailable(err))
	}

	s.logger.Debug("turn appended",
		"conversation_id", t.ConversationID, "turn_id", t.ID, "seq", t.Seq, "role", t.Role)
	return &t, nil
}

// GetTurn returns a turn by ID
func (s *SQLStore) GetTurn(ctx context.Context, id string) (*Turn, error) {
	query := s.dialect.rebind(`
		SELECT id, conversation_id, seq, role, content, status, fail_reason, provider, model, created_at, updated_at
		FROM turns WHERE id = ?`)

	var t Turn
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.ConversationID, &t.Seq, &t.Role, &t.Content, &t.Status,
		&t.FailReason, &t.Provider, &t.Model, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting turn: %w", wrapUnavailable(err))
	}
	return &t, nil
}

// ReadContext returns the most recent complete turns, newest first. Turns
// that are pending, streaming, or failed never enter provider context.
func (s *SQLStore) ReadContext(ctx context.Context, conversationID string, limit int) ([]*Turn, error) {
	query := `
		SELECT id, conversation_id, seq, role, content, status, fail_reason, provider, model, created_at, updated_at
		FROM turns WHERE conversation_id = ? AND status = ?
		ORDER BY seq DESC`
	args := []any{conversationID, TurnComplete}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTurns(ctx, query, args...)
}

// ListTurns returns the full history including pending and failed turns,
// oldest first.
func (s *SQLStore) ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error) {
	query := `
		SELECT id, conversation_id, seq, role, content, status, fail_reason, provider, model, created_at, updated_at
		FROM turns WHERE conversation_id = ?
		ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTurns(ctx, query, args...)
}

func (s *SQLStore) queryTurns(ctx context.Context, query string, args ...any) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", wrapUnavailable(err))
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &t.Role, &t.Content, &t.Status,
			&t.FailReason, &t.Provider, &t.Model, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// UpdateTurnStatus transitions a turn. Terminal turns are left untouched,
// making duplicate completions a no-op: the guard lives in the UPDATE's
// WHERE clause, so concurrent writers racing on the same turn cannot both
// pass it, whatever the engine's isolation level.
func (s *SQLStore) UpdateTurnStatus(ctx context.Context, turnID, status, content, failReason string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE turns SET status = ?, content = ?, fail_reason = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`),
		status, content, failReason, time.Now().UTC(), turnID, TurnComplete, TurnFailed)
	if err != nil {
		return fmt.Errorf("updating turn: %w", wrapUnavailable(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating turn: %w", wrapUnavailable(err))
	}
	if n > 0 {
		s.logger.Debug("turn status updated", "turn_id", turnID, "status", status)
		return nil
	}

	// Nothing matched: either the turn does not exist, or it was already
	// terminal when the guard ran.
	var current string
	err = s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT status FROM turns WHERE id = ?`),
		turnID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking turn: %w", wrapUnavailable(err))
	}
	s.logger.Debug("turn already terminal, skipping update",
		"turn_id", turnID, "status", current)
	return nil
}

// ABOUTME: Store interface and data types for gateway persistence
// ABOUTME: Defines Conversation, Turn structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTurn is returned when a (conversation, seq) pair is already taken
var ErrDuplicateTurn = errors.New("turn already exists")

// ErrConversationArchived is returned when appending to an archived conversation
var ErrConversationArchived = errors.New("conversation is archived")

// ErrStoreUnavailable is returned when the storage backend cannot be reached
var ErrStoreUnavailable = errors.New("store unavailable")

// Conversation status constants
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
)

// Turn status constants. A turn moves pending -> streaming -> complete,
// or to failed from any non-terminal state.
const (
	TurnPending   = "pending"
	TurnStreaming = "streaming"
	TurnComplete  = "complete"
	TurnFailed    = "failed"
)

// Conversation is a durable chat container owned by one caller
type Conversation struct {
	ID           string
	OwnerID      string
	Title        string
	Model        string
	SystemPrompt string
	Status       string // "active" or "archived"
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Turn is one message within a conversation. Seq is assigned by the store
// at append time and is unique per conversation.
type Turn struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           string // "user", "assistant", "system"
	Content        string
	Status         string // "pending", "streaming", "complete", "failed"
	FailReason     string
	Provider       string // adapter that produced an assistant turn
	Model          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the turn has reached a final status.
func (t *Turn) Terminal() bool {
	return t.Status == TurnComplete || t.Status == TurnFailed
}

// Store is the persistence interface the session manager depends on
type Store interface {
	// CreateConversation persists a new conversation. ID and timestamps
	// are assigned if unset.
	CreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error)

	// GetConversation returns a conversation by ID, or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns the owner's conversations, most recently
	// updated first, capped at limit (0 means no cap).
	ListConversations(ctx context.Context, ownerID string, limit int) ([]*Conversation, error)

	// ArchiveConversation marks a conversation archived. Archiving an
	// already-archived conversation is a no-op.
	ArchiveConversation(ctx context.Context, id string) error

	// AppendTurn assigns the next sequence number and persists the turn
	// in one transaction. Fails with ErrConversationArchived on archived
	// conversations.
	AppendTurn(ctx context.Context, turn *Turn) (*Turn, error)

	// GetTurn returns a turn by ID, or ErrNotFound.
	GetTurn(ctx context.Context, id string) (*Turn, error)

	// ReadContext returns the most recent complete turns of a
	// conversation, newest first, capped at limit (0 means no cap).
	ReadContext(ctx context.Context, conversationID string, limit int) ([]*Turn, error)

	// ListTurns returns the full turn history including pending and
	// failed turns, oldest first, capped at limit (0 means no cap).
	ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error)

	// UpdateTurnStatus transitions a turn's status, optionally replacing
	// its content and fail reason, in one transaction. Turns already in
	// a terminal status are left untouched.
	UpdateTurnStatus(ctx context.Context, turnID, status, content, failReason string) error

	// Close releases the underlying database handle.
	Close() error
}

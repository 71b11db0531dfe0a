// Package store provides conversation persistence for the gateway.
//
// # Architecture
//
// A single Store interface covers conversations and turns. SQLStore
// implements it on database/sql so the same query code serves both
// supported engines:
//
//   - sqlite: embedded, via modernc.org/sqlite (WAL mode, foreign keys)
//   - postgres: networked, via the pgx/v5 stdlib adapter
//
// The engine is chosen in Open; nothing outside connection setup branches
// on it. A small dialect rewrites "?" placeholders to "$N" for postgres
// and classifies duplicate-key errors.
//
// # Data Models
//
//   - Conversation: durable chat container with owner, model, and an
//     optional system prompt. Conversations are archived, never deleted.
//   - Turn: one message in a conversation with a per-conversation sequence
//     number and a lifecycle status (pending, streaming, complete, failed).
//
// # Write Discipline
//
// Writes to a conversation are serialized by a keyed mutex so sequence
// assignment never races. Reads run concurrently.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateTurn: (conversation_id, seq) already taken
//   - ErrConversationArchived: append rejected on an archived conversation
//   - ErrStoreUnavailable: the backend cannot be reached
//
// All methods accept context.Context for cancellation support.
package store

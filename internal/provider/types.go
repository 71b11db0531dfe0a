// ABOUTME: Normalized request/response types shared by all provider adapters
// ABOUTME: Defines Message, Request, StreamEvent and the Adapter interface

package provider

import (
	"context"
)

// Role identifies the author of a message in the context window.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in the normalized context window sent to a provider.
type Message struct {
	Role    Role
	Content string
}

// Request is the normalized completion envelope. Messages are ordered
// oldest-first and must contain only complete turns plus the new user
// message; pending or failed turns never appear here.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// EventKind discriminates StreamEvent values.
type EventKind int

const (
	// EventTruncated reports that the adapter dropped context messages to
	// fit the model's token budget. Emitted before the first chunk.
	EventTruncated EventKind = iota
	// EventChunk carries one incremental piece of assistant text.
	EventChunk
	// EventCompleted terminates the stream with the fully assembled text.
	EventCompleted
	// EventFailed terminates the stream with a classified error.
	EventFailed
)

// StreamEvent is one element of an adapter's completion stream.
type StreamEvent struct {
	Kind EventKind

	// Text is the chunk text for EventChunk, or the assembled final text
	// for EventCompleted.
	Text string

	// Dropped is the number of context messages removed, for EventTruncated.
	Dropped int

	// Err is the terminal error for EventFailed.
	Err error
}

// Adapter translates one external provider family's API into the gateway's
// stream contract. Implementations must be safe for concurrent use and must
// not retain state between calls.
type Adapter interface {
	// Name returns the provider family identifier ("openai", "anthropic").
	Name() string

	// StartCompletion issues the outbound call and returns a finite,
	// ordered event stream. The channel is closed by the adapter. A
	// non-nil error means no stream was started.
	StartCompletion(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

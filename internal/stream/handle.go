// ABOUTME: Consumer handle and event types for the stream multiplexer
// ABOUTME: One buffered channel per attached client, closed on detach or overflow

package stream

import (
	"errors"
	"sync"
)

// ErrBackpressureDropped marks a handle that was disconnected because its
// buffer filled up. The client should reattach and resync from the store.
var ErrBackpressureDropped = errors.New("consumer too slow, disconnected")

// EventKind discriminates the events a handle receives
type EventKind int

const (
	// EventChunk carries one incremental text fragment
	EventChunk EventKind = iota
	// EventGap signals that chunks before the replayed ones rotated out
	// of the window and must be refetched from the store
	EventGap
	// EventTurnComplete ends a turn successfully; FinalText is the full content
	EventTurnComplete
	// EventTurnFailed ends a turn with an error; Reason is human-readable
	EventTurnFailed
	// EventTurnCancelled ends a turn abandoned by the caller
	EventTurnCancelled
)

// Event is one message delivered to an attached handle
type Event struct {
	Kind      EventKind
	TurnID    string
	Index     int64 // chunk index within the turn, -1 for non-chunk events
	Text      string
	FinalText string
	Reason    string
}

// Handle is one consumer's attachment to a conversation's stream
type Handle struct {
	id     string
	convID string
	ch     chan Event

	mu     sync.Mutex
	closed bool
	err    error

	detach func()
}

// Events returns the channel delivering this handle's events. It is closed
// when the handle is detached or dropped.
func (h *Handle) Events() <-chan Event {
	return h.ch
}

// Err reports why the handle's channel was closed. It returns
// ErrBackpressureDropped after an overflow disconnect and nil after a
// normal detach.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close detaches the handle from the mux and closes its channel
func (h *Handle) Close() {
	h.detach()
}

// send delivers ev without blocking. It reports false when the handle's
// buffer is full, in which case the caller drops the handle.
func (h *Handle) send(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return true
	}
	select {
	case h.ch <- ev:
		return true
	default:
		return false
	}
}

// closeWith closes the handle's channel, recording err as the cause
func (h *Handle) closeWith(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.err = err
	close(h.ch)
}

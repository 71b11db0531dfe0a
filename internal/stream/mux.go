// ABOUTME: In-memory multiplexer fanning out completion chunks to attached clients
// ABOUTME: Bounded per-turn replay window with gap detection for late joiners

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// defaultWindowSize is the replay window capacity in chunks
	defaultWindowSize = 256

	// handleBufferSize is the channel buffer for each attached handle
	handleBufferSize = 64
)

// ErrTurnActive is returned by BeginTurn when the conversation already has
// an open turn.
var ErrTurnActive = errors.New("turn already active")

// ErrNoActiveTurn is returned by Publish and EndTurn outside a turn
var ErrNoActiveTurn = errors.New("no active turn")

// Outcome describes how a turn ended
type Outcome struct {
	Kind      EventKind // EventTurnComplete, EventTurnFailed, or EventTurnCancelled
	FinalText string
	Reason    string
}

// activeTurn is the current turn of one conversation plus its replay ring
type activeTurn struct {
	turnID string

	// ring holds the most recent chunks. base is the index of ring[0];
	// next is the index the next published chunk gets.
	ring []Event
	base int64
	next int64
}

// Mux fans out completion chunks per conversation. One producer per
// conversation (enforced upstream by the router's in-flight gate), any
// number of consumers.
type Mux struct {
	mu         sync.RWMutex
	turns      map[string]*activeTurn         // conversation ID -> active turn
	handles    map[string]map[string]*Handle  // conversation ID -> handle ID -> handle
	windowSize int
	logger     *slog.Logger
}

// NewMux creates a multiplexer. windowSize <= 0 uses the default. Pass nil
// logger for default.
func NewMux(windowSize int, logger *slog.Logger) *Mux {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		turns:      make(map[string]*activeTurn),
		handles:    make(map[string]map[string]*Handle),
		windowSize: windowSize,
		logger:     logger.With("component", "stream"),
	}
}

// BeginTurn opens a turn for the conversation and resets the replay window.
// Chunk indices start at zero for each turn.
func (m *Mux) BeginTurn(convID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.turns[convID]; ok {
		return fmt.Errorf("%w: %s", ErrTurnActive, cur.turnID)
	}
	m.turns[convID] = &activeTurn{
		turnID: turnID,
		ring:   make([]Event, 0, m.windowSize),
	}
	m.logger.Debug("turn opened", "conversation_id", convID, "turn_id", turnID)
	return nil
}

// Publish assigns the next chunk index, records the chunk in the replay
// window (evicting the oldest past capacity), and fans it out. Returns the
// assigned index.
func (m *Mux) Publish(convID, text string) (int64, error) {
	m.mu.Lock()
	turn, ok := m.turns[convID]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNoActiveTurn
	}

	ev := Event{Kind: EventChunk, TurnID: turn.turnID, Index: turn.next, Text: text}
	turn.next++
	if len(turn.ring) == m.windowSize {
		turn.ring = turn.ring[1:]
		turn.base++
	}
	turn.ring = append(turn.ring, ev)

	targets := m.snapshotHandles(convID)
	m.mu.Unlock()

	m.deliver(convID, targets, ev)
	return ev.Index, nil
}

// EndTurn emits the terminal marker to every attached handle and releases
// the replay window. Chunks already buffered in handle channels are
// delivered before the marker (FIFO channel order).
func (m *Mux) EndTurn(convID string, outcome Outcome) error {
	m.mu.Lock()
	turn, ok := m.turns[convID]
	if !ok {
		m.mu.Unlock()
		return ErrNoActiveTurn
	}
	delete(m.turns, convID)
	targets := m.snapshotHandles(convID)
	m.mu.Unlock()

	ev := Event{
		Kind:      outcome.Kind,
		TurnID:    turn.turnID,
		Index:     -1,
		FinalText: outcome.FinalText,
		Reason:    outcome.Reason,
	}
	m.deliver(convID, targets, ev)

	m.logger.Debug("turn closed",
		"conversation_id", convID, "turn_id", turn.turnID, "chunks", turn.next)
	return nil
}

// Attach registers a consumer on a conversation. Buffered chunks with index
// >= fromIndex are replayed into the handle before live delivery; if the
// window has rotated past fromIndex, a gap marker precedes the replay. Pass
// fromIndex 0 to receive the whole window. The handle detaches automatically
// when ctx is cancelled.
func (m *Mux) Attach(ctx context.Context, convID string, fromIndex int64) (*Handle, error) {
	m.mu.Lock()
	var replay []Event
	if turn, ok := m.turns[convID]; ok {
		if fromIndex < turn.base {
			replay = append(replay, Event{Kind: EventGap, TurnID: turn.turnID, Index: -1})
		}
		for _, ev := range turn.ring {
			if ev.Index >= fromIndex {
				replay = append(replay, ev)
			}
		}
	}

	// The buffer is sized to hold the full replay plus live headroom, so
	// the replay itself can never trip the backpressure disconnect.
	h := &Handle{
		id:     uuid.New().String(),
		convID: convID,
		ch:     make(chan Event, len(replay)+handleBufferSize),
	}
	h.detach = func() { m.detach(h, nil) }
	for _, ev := range replay {
		h.ch <- ev
	}
	if _, ok := m.handles[convID]; !ok {
		m.handles[convID] = make(map[string]*Handle)
	}
	m.handles[convID][h.id] = h
	m.mu.Unlock()

	m.logger.Debug("handle attached",
		"conversation_id", convID, "handle_id", h.id, "from_index", fromIndex, "replayed", len(replay))

	go func() {
		<-ctx.Done()
		m.detach(h, nil)
	}()

	return h, nil
}

// snapshotHandles copies the conversation's handles under the held lock
func (m *Mux) snapshotHandles(convID string) []*Handle {
	subs := m.handles[convID]
	if len(subs) == 0 {
		return nil
	}
	targets := make([]*Handle, 0, len(subs))
	for _, h := range subs {
		targets = append(targets, h)
	}
	return targets
}

// deliver sends ev to each handle, dropping any whose buffer is full
func (m *Mux) deliver(convID string, targets []*Handle, ev Event) {
	for _, h := range targets {
		if !h.send(ev) {
			m.logger.Warn("dropping slow consumer",
				"conversation_id", convID, "handle_id", h.id)
			m.detach(h, ErrBackpressureDropped)
		}
	}
}

// detach removes a handle and closes its channel with the given cause
func (m *Mux) detach(h *Handle, cause error) {
	m.mu.Lock()
	if subs, ok := m.handles[h.convID]; ok {
		if _, exists := subs[h.id]; exists {
			delete(subs, h.id)
			if len(subs) == 0 {
				delete(m.handles, h.convID)
			}
		}
	}
	m.mu.Unlock()

	h.closeWith(cause)
}

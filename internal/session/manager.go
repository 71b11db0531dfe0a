// ABOUTME: Conversation session manager driving the per-turn state machine
// ABOUTME: Persist-first submits, worker spawning, cancel and attach surfaces

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/stream"
)

// ErrNoTurnInFlight is returned by Cancel when the conversation is idle
var ErrNoTurnInFlight = errors.New("no turn in flight")

// State is the position of a conversation in the turn lifecycle
type State int

const (
	StateIdle State = iota
	StateAwaitingProvider
	StateStreaming
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingProvider:
		return "awaiting_provider"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes retry and context behavior
type Config struct {
	// MaxRetries caps retries after the first attempt. 3 allows up to
	// four attempts total.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first backoff step; it doubles per retry.
	// Provider retry-after hints are honored as a floor.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// ContextTurns caps how many complete turns are read into provider
	// context. 0 means no cap.
	ContextTurns int `yaml:"context_turns"`

	// SummarizeThreshold is the turn count above which older history is
	// condensed into a leading system message. 0 disables summarization.
	SummarizeThreshold int `yaml:"summarize_threshold"`

	// SummaryModel generates the history summaries. Empty means the
	// conversation's own model.
	SummaryModel string `yaml:"summary_model"`
}

// Options are optional conversation attributes at creation time
type Options struct {
	Title        string
	SystemPrompt string
}

// Manager coordinates turn submission across the store, router, and mux
type Manager struct {
	store  store.Store
	router *provider.Router
	mux    *stream.Mux
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	convs map[string]*convState // conversation ID -> in-flight state

	wg sync.WaitGroup
}

// convState tracks one conversation's in-flight turn
type convState struct {
	state  State
	cancel context.CancelFunc
}

// NewManager creates a session manager. Pass nil logger for default.
func NewManager(st store.Store, router *provider.Router, mux *stream.Mux, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Manager{
		store:  st,
		router: router,
		mux:    mux,
		cfg:    cfg,
		convs:  make(map[string]*convState),
		logger: logger.With("component", "session"),
	}
}

// CreateConversation validates that the model routes to a known adapter,
// then persists the conversation.
func (m *Manager) CreateConversation(ctx context.Context, ownerID, model string, opts Options) (string, error) {
	if _, err := m.router.Route(model); err != nil {
		return "", err
	}

	conv, err := m.store.CreateConversation(ctx, &store.Conversation{
		OwnerID:      ownerID,
		Title:        opts.Title,
		Model:        model,
		SystemPrompt: opts.SystemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	return conv.ID, nil
}

// SubmitUserTurn persists the user's message, opens the assistant's pending
// turn, and spawns the completion worker. Fails fast with
// ErrConversationBusy when a turn is already in flight.
func (m *Manager) SubmitUserTurn(ctx context.Context, convID, text string) error {
	conv, err := m.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.Status == store.ConversationArchived {
		return store.ErrConversationArchived
	}

	adapter, err := m.router.Route(conv.Model)
	if err != nil {
		return err
	}

	if err := m.router.TryAcquire(convID); err != nil {
		return err
	}
	// Every failure below must release the gate; only a spawned worker
	// takes over ownership of it.
	defer func() {
		if err != nil {
			m.router.Release(convID)
		}
	}()

	// Persist before any network call so the input survives a crash
	userTurn, err := m.store.AppendTurn(ctx, &store.Turn{
		ConversationID: convID,
		Role:           string(provider.RoleUser),
		Content:        text,
		Status:         store.TurnPending,
	})
	if err != nil {
		return fmt.Errorf("persisting user turn: %w", err)
	}

	// Context is read before the user turn completes, so it holds only
	// prior turns
	history, err := m.store.ReadContext(ctx, convID, m.cfg.ContextTurns)
	if err != nil {
		return fmt.Errorf("reading context: %w", err)
	}

	if err = m.store.UpdateTurnStatus(ctx, userTurn.ID, store.TurnComplete, text, ""); err != nil {
		return fmt.Errorf("completing user turn: %w", err)
	}

	// Long conversations are condensed before the assistant turn opens so
	// a slow summary call never holds an open stream.
	history, summary := m.condenseHistory(ctx, adapter, conv.Model, history)

	assistantTurn, err := m.store.AppendTurn(ctx, &store.Turn{
		ConversationID: convID,
		Role:           string(provider.RoleAssistant),
		Status:         store.TurnPending,
		Provider:       adapter.Name(),
		Model:          conv.Model,
	})
	if err != nil {
		return fmt.Errorf("opening assistant turn: %w", err)
	}

	if err = m.mux.BeginTurn(convID, assistantTurn.ID); err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}

	req := &provider.Request{
		Model:    conv.Model,
		Messages: buildMessages(conv.SystemPrompt, summary, history, text),
	}

	// The worker outlives the submitting request; its context is cut
	// loose from the caller's and cancelled only via Cancel or shutdown.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.setState(convID, &convState{state: StateAwaitingProvider, cancel: cancel})

	m.wg.Go(func() {
		m.runTurn(wctx, adapter, req, convID, assistantTurn.ID)
	})

	m.logger.Info("turn submitted",
		"conversation_id", convID, "turn_id", assistantTurn.ID, "provider", adapter.Name())
	return nil
}

// buildMessages assembles provider context: system prompt first, then the
// history summary when one exists, prior complete turns in chronological
// order, the new user message last.
func buildMessages(systemPrompt, summary string, history []*store.Turn, userText string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+3)
	if systemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	}
	if summary != "" {
		msgs = append(msgs, provider.Message{
			Role:    provider.RoleSystem,
			Content: "Summary of previous conversation:\n" + summary,
		})
	}
	// ReadContext returns newest first
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		msgs = append(msgs, provider.Message{Role: provider.Role(t.Role), Content: t.Content})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: userText})
	return msgs
}

// Attach subscribes a client to the conversation's live stream
func (m *Manager) Attach(ctx context.Context, convID string) (*stream.Handle, error) {
	return m.Resume(ctx, convID, 0)
}

// Resume subscribes a reconnecting client, replaying chunks from fromIndex
// when they are still inside the replay window.
func (m *Manager) Resume(ctx context.Context, convID string, fromIndex int64) (*stream.Handle, error) {
	if _, err := m.store.GetConversation(ctx, convID); err != nil {
		return nil, err
	}
	return m.mux.Attach(ctx, convID, fromIndex)
}

// Cancel aborts the conversation's in-flight turn. Chunks already buffered
// in attached handles still drain before the cancelled marker.
func (m *Manager) Cancel(convID string) error {
	m.mu.Lock()
	cs, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		return ErrNoTurnInFlight
	}
	cs.cancel()
	m.logger.Info("turn cancelled", "conversation_id", convID)
	return nil
}

// CloseConversation archives the conversation. Rejected while a turn is in
// flight.
func (m *Manager) CloseConversation(ctx context.Context, convID string) error {
	if m.router.InFlight(convID) {
		return provider.ErrConversationBusy
	}
	return m.store.ArchiveConversation(ctx, convID)
}

// History returns the full audit trail including pending and failed turns
func (m *Manager) History(ctx context.Context, convID string, limit int) ([]*store.Turn, error) {
	return m.store.ListTurns(ctx, convID, limit)
}

// State reports the conversation's position in the turn lifecycle
func (m *Manager) State(convID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.convs[convID]; ok {
		return cs.state
	}
	return StateIdle
}

// Shutdown cancels all in-flight turns and waits for workers to finish
// committing.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cs := range m.convs {
		cs.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) setState(convID string, cs *convState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs == nil {
		delete(m.convs, convID)
		return
	}
	m.convs[convID] = cs
}

// transition updates only the state, keeping the cancel func
func (m *Manager) transition(convID string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.convs[convID]; ok {
		cs.state = s
	}
}

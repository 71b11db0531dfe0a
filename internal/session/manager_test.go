// ABOUTME: Tests for the session manager's turn lifecycle
// ABOUTME: Covers persist-first submits, retries, cancellation, and busy gating

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/provider/openai"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/stream"
)

// attempt scripts one StartCompletion call of the fake adapter
type attempt struct {
	// err is returned synchronously by StartCompletion when set
	err error
	// run streams events; the channel is closed when it returns
	run func(ctx context.Context, ch chan<- provider.StreamEvent)
}

type fakeAdapter struct {
	name string

	mu       sync.Mutex
	requests []*provider.Request
	attempts []attempt
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) StartCompletion(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var a attempt
	if len(f.attempts) > 0 {
		a = f.attempts[0]
		f.attempts = f.attempts[1:]
	}
	f.mu.Unlock()

	if a.err != nil {
		return nil, a.err
	}

	ch := make(chan provider.StreamEvent)
	go func() {
		defer close(ch)
		if a.run != nil {
			a.run(ctx, ch)
		}
	}()
	return ch, nil
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// completes streams the given chunks then a Completed event
func completes(chunks ...string) attempt {
	return attempt{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		var full string
		for _, c := range chunks {
			full += c
			ch <- provider.StreamEvent{Kind: provider.EventChunk, Text: c}
		}
		ch <- provider.StreamEvent{Kind: provider.EventCompleted, Text: full}
	}}
}

// failsWith returns a pre-call error of the given kind
func failsWith(kind provider.ErrorKind) attempt {
	return attempt{err: provider.NewError(kind, kind.String())}
}

type testEnv struct {
	manager *Manager
	store   *store.SQLStore
	router  *provider.Router
	adapter *fakeAdapter
	convID  string
}

func newTestEnv(t *testing.T, cfg Config, attempts ...attempt) *testEnv {
	t.Helper()

	st, err := store.Open(store.Config{
		Backend: store.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	adapter := &fakeAdapter{name: "fake", attempts: attempts}
	router := provider.NewRouter([]provider.Adapter{adapter}, nil)
	router.RegisterModel("test-model", "fake")

	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	m := NewManager(st, router, stream.NewMux(0, nil), cfg, nil)
	t.Cleanup(m.Shutdown)

	convID, err := m.CreateConversation(t.Context(), "owner-1", "test-model", Options{})
	require.NoError(t, err)

	return &testEnv{manager: m, store: st, router: router, adapter: adapter, convID: convID}
}

// waitTerminal drains the handle until a terminal marker arrives
func waitTerminal(t *testing.T, h *stream.Handle) []stream.Event {
	t.Helper()
	var events []stream.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				t.Fatal("handle closed before terminal event")
			}
			events = append(events, ev)
			switch ev.Kind {
			case stream.EventTurnComplete, stream.EventTurnFailed, stream.EventTurnCancelled:
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

// waitIdle polls until the conversation returns to Idle with the gate free
func waitIdle(t *testing.T, env *testEnv) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.manager.State(env.convID) == StateIdle && !env.router.InFlight(env.convID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("conversation never returned to idle")
}

func TestSubmitUserTurn_HelloRoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{}, completes("Hi", " there"))
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	events := waitTerminal(t, h)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventTurnComplete, last.Kind)
	assert.Equal(t, "Hi there", last.FinalText)

	// First turn of a conversation gets empty prior context
	require.Equal(t, 1, env.adapter.calls())
	req := env.adapter.requests[0]
	require.Len(t, req.Messages, 1)
	assert.Equal(t, provider.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "Hello", req.Messages[0].Content)

	waitIdle(t, env)

	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, store.TurnComplete, turns[0].Status)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, store.TurnComplete, turns[1].Status)
	assert.Equal(t, "Hi there", turns[1].Content)
	assert.Equal(t, "fake", turns[1].Provider)
	assert.Equal(t, "test-model", turns[1].Model)
}

func TestSubmitUserTurn_PersistedBeforeProviderCall(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := t.Context()

	observed := make(chan []*store.Turn, 1)
	env.adapter.mu.Lock()
	env.adapter.attempts = []attempt{{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		turns, err := env.store.ListTurns(ctx, env.convID, 0)
		require.NoError(t, err)
		observed <- turns
		ch <- provider.StreamEvent{Kind: provider.EventCompleted, Text: "ok"}
	}}}
	env.adapter.mu.Unlock()

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))
	waitIdle(t, env)

	// Both rows were durable before the provider saw the request: the
	// user turn already committed, the assistant turn still pending.
	turns := <-observed
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, store.TurnComplete, turns[0].Status)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, store.TurnPending, turns[1].Status)
}

func TestSubmitUserTurn_PriorContextIsChronological(t *testing.T) {
	env := newTestEnv(t, Config{}, completes("first reply"), completes("second reply"))
	ctx := t.Context()

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "first question"))
	waitIdle(t, env)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "second question"))
	waitIdle(t, env)

	require.Equal(t, 2, env.adapter.calls())
	req := env.adapter.requests[1]
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "first question", req.Messages[0].Content)
	assert.Equal(t, "first reply", req.Messages[1].Content)
	assert.Equal(t, provider.RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, "second question", req.Messages[2].Content)
}

func TestSubmitUserTurn_SystemPromptLeadsContext(t *testing.T) {
	env := newTestEnv(t, Config{}, completes("ok"))
	ctx := t.Context()

	convID, err := env.manager.CreateConversation(ctx, "owner-1", "test-model",
		Options{SystemPrompt: "be brief"})
	require.NoError(t, err)

	require.NoError(t, env.manager.SubmitUserTurn(ctx, convID, "Hello"))

	deadline := time.Now().Add(5 * time.Second)
	for env.adapter.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, env.adapter.calls())
	req := env.adapter.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
}

func TestSubmitUserTurn_ConcurrentSubmitIsBusy(t *testing.T) {
	release := make(chan struct{})
	blocking := attempt{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch <- provider.StreamEvent{Kind: provider.EventCompleted, Text: "done"}
	}}
	env := newTestEnv(t, Config{}, blocking)
	ctx := t.Context()

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "first"))

	err := env.manager.SubmitUserTurn(ctx, env.convID, "second")
	assert.ErrorIs(t, err, provider.ErrConversationBusy)

	close(release)
	waitIdle(t, env)

	// The rejected submit left no orphan turns
	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestSubmitUserTurn_RetriesRateLimitedThenSucceeds(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3},
		failsWith(provider.KindRateLimited),
		failsWith(provider.KindRateLimited),
		failsWith(provider.KindRateLimited),
		completes("recovered"),
	)
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	events := waitTerminal(t, h)
	assert.Equal(t, stream.EventTurnComplete, events[len(events)-1].Kind)
	assert.Equal(t, 4, env.adapter.calls(), "cap of 3 retries allows four attempts")

	waitIdle(t, env)
	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2, "retries reuse the same assistant turn")
	assert.Equal(t, store.TurnComplete, turns[1].Status)
	assert.Equal(t, "recovered", turns[1].Content)
}

func TestSubmitUserTurn_RetryCapExhausted(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 2},
		failsWith(provider.KindProviderUnavailable),
		failsWith(provider.KindProviderUnavailable),
		failsWith(provider.KindProviderUnavailable),
	)
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	events := waitTerminal(t, h)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventTurnFailed, last.Kind)
	assert.Equal(t, 3, env.adapter.calls())

	waitIdle(t, env)
	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TurnFailed, turns[1].Status)
	assert.NotEmpty(t, turns[1].FailReason)
}

func TestSubmitUserTurn_InvalidRequestNeverRetried(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 3},
		failsWith(provider.KindInvalidRequest),
		completes("should never run"),
	)
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	events := waitTerminal(t, h)
	assert.Equal(t, stream.EventTurnFailed, events[len(events)-1].Kind)
	assert.Equal(t, 1, env.adapter.calls())
}

func TestSubmitUserTurn_InterruptedWithoutContentRetries(t *testing.T) {
	interrupted := attempt{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		ch <- provider.StreamEvent{
			Kind: provider.EventFailed,
			Err:  provider.NewError(provider.KindStreamInterrupted, "connection reset"),
		}
	}}
	env := newTestEnv(t, Config{MaxRetries: 3}, interrupted, completes("second try"))
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	events := waitTerminal(t, h)
	assert.Equal(t, stream.EventTurnComplete, events[len(events)-1].Kind)
	assert.Equal(t, 2, env.adapter.calls())
}

func TestSubmitUserTurn_InterruptedWithPartialContentFails(t *testing.T) {
	interrupted := attempt{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		ch <- provider.StreamEvent{Kind: provider.EventChunk, Text: "partial answer"}
		ch <- provider.StreamEvent{
			Kind: provider.EventFailed,
			Err:  provider.NewError(provider.KindStreamInterrupted, "connection reset"),
		}
	}}
	env := newTestEnv(t, Config{MaxRetries: 3}, interrupted, completes("should never run"))
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	events := waitTerminal(t, h)
	assert.Equal(t, stream.EventTurnFailed, events[len(events)-1].Kind)
	assert.Equal(t, 1, env.adapter.calls(), "partial content must not be retried")

	waitIdle(t, env)
	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TurnFailed, turns[1].Status)
	assert.Equal(t, "partial answer", turns[1].Content, "partial content preserved")
}

func TestCancel_MidStream(t *testing.T) {
	streaming := attempt{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		ch <- provider.StreamEvent{Kind: provider.EventChunk, Text: "thinking"}
		<-ctx.Done()
		ch <- provider.StreamEvent{Kind: provider.EventFailed, Err: ctx.Err()}
	}}
	env := newTestEnv(t, Config{}, streaming)
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	// Wait for the first chunk before cancelling
	select {
	case ev := <-h.Events():
		require.Equal(t, stream.EventChunk, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("never received first chunk")
	}

	require.NoError(t, env.manager.Cancel(env.convID))

	events := waitTerminal(t, h)
	assert.Equal(t, stream.EventTurnCancelled, events[len(events)-1].Kind)

	waitIdle(t, env)
	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TurnFailed, turns[1].Status)
	assert.Equal(t, "cancelled", turns[1].FailReason)
}

func TestCancel_DuringAwaitingProvider(t *testing.T) {
	inFlight := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(inFlight)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	st, err := store.Open(store.Config{
		Backend: store.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	adapter := openai.New(openai.Config{APIKey: "test-key", BaseURL: srv.URL}, nil)
	router := provider.NewRouter([]provider.Adapter{adapter}, nil)
	m := NewManager(st, router, stream.NewMux(0, nil), Config{RetryBaseDelay: time.Millisecond}, nil)
	t.Cleanup(m.Shutdown)

	ctx := t.Context()
	convID, err := m.CreateConversation(ctx, "owner-1", "gpt-4o", Options{})
	require.NoError(t, err)

	h, err := m.Attach(ctx, convID)
	require.NoError(t, err)
	require.NoError(t, m.SubmitUserTurn(ctx, convID, "Hello"))

	// Cancel while the request is parked at the backend, before any chunk
	select {
	case <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the backend")
	}
	require.NoError(t, m.Cancel(convID))

	events := waitTerminal(t, h)
	assert.Equal(t, stream.EventTurnCancelled, events[len(events)-1].Kind)

	turns, err := m.History(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, store.TurnFailed, turns[1].Status)
	assert.Equal(t, "cancelled", turns[1].FailReason)
}

func TestSubmitUserTurn_MidStreamRateLimitNotRetried(t *testing.T) {
	midFail := attempt{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		ch <- provider.StreamEvent{Kind: provider.EventChunk, Text: "Hello, wo"}
		ch <- provider.StreamEvent{
			Kind: provider.EventFailed,
			Err:  provider.NewError(provider.KindRateLimited, "overloaded"),
		}
	}}
	env := newTestEnv(t, Config{MaxRetries: 3}, midFail, completes("Hello, world"))
	ctx := t.Context()

	h, err := env.manager.Attach(ctx, env.convID)
	require.NoError(t, err)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	// Chunks already reached the client; regenerating would contradict
	// what it rendered, so the turn fails with the partial kept.
	events := waitTerminal(t, h)
	assert.Equal(t, stream.EventTurnFailed, events[len(events)-1].Kind)
	var rendered string
	for _, ev := range events {
		if ev.Kind == stream.EventChunk {
			rendered += ev.Text
		}
	}
	assert.Equal(t, "Hello, wo", rendered)
	assert.Equal(t, 1, env.adapter.calls(), "content already streamed must not be retried")

	waitIdle(t, env)
	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TurnFailed, turns[1].Status)
	assert.Equal(t, "Hello, wo", turns[1].Content)
}

func TestSubmitUserTurn_RetryReentersAwaitingProvider(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 2})
	ctx := t.Context()

	states := make(chan State, 1)
	env.adapter.mu.Lock()
	env.adapter.attempts = []attempt{
		failsWith(provider.KindRateLimited),
		{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
			states <- env.manager.State(env.convID)
			ch <- provider.StreamEvent{Kind: provider.EventCompleted, Text: "ok"}
		}},
	}
	env.adapter.mu.Unlock()

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))
	waitIdle(t, env)

	require.Equal(t, 2, env.adapter.calls())
	assert.Equal(t, StateAwaitingProvider, <-states)
}

func TestSubmitUserTurn_LongHistoryIsSummarized(t *testing.T) {
	env := newTestEnv(t, Config{SummarizeThreshold: 2},
		completes("first reply"), completes("second reply"),
		completes("- earlier discussion"), completes("third reply"))
	ctx := t.Context()

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "first question"))
	waitIdle(t, env)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "second question"))
	waitIdle(t, env)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "third question"))
	waitIdle(t, env)

	// The third submit makes two provider calls: the summary, then the
	// completion carrying it.
	require.Equal(t, 4, env.adapter.calls())

	sumReq := env.adapter.requests[2]
	require.Len(t, sumReq.Messages, 2)
	assert.Equal(t, provider.RoleSystem, sumReq.Messages[0].Role)
	assert.Contains(t, sumReq.Messages[1].Content, "user: first question")
	assert.Contains(t, sumReq.Messages[1].Content, "assistant: first reply")
	assert.NotContains(t, sumReq.Messages[1].Content, "second question")
	assert.Equal(t, summaryMaxTokens, sumReq.MaxTokens)

	req := env.adapter.requests[3]
	require.Len(t, req.Messages, 4)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "Summary of previous conversation:\n- earlier discussion", req.Messages[0].Content)
	assert.Equal(t, "second question", req.Messages[1].Content)
	assert.Equal(t, "second reply", req.Messages[2].Content)
	assert.Equal(t, "third question", req.Messages[3].Content)
}

func TestSubmitUserTurn_SummaryFailureFallsBackToRecentTurns(t *testing.T) {
	env := newTestEnv(t, Config{SummarizeThreshold: 2},
		completes("first reply"), completes("second reply"),
		failsWith(provider.KindProviderUnavailable), completes("third reply"))
	ctx := t.Context()

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "first question"))
	waitIdle(t, env)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "second question"))
	waitIdle(t, env)
	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "third question"))
	waitIdle(t, env)

	// Older turns are dropped, not fatal: the submit proceeds on the
	// recent ones without a summary message.
	require.Equal(t, 4, env.adapter.calls())
	req := env.adapter.requests[3]
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "second question", req.Messages[0].Content)
	assert.Equal(t, "second reply", req.Messages[1].Content)
	assert.Equal(t, "third question", req.Messages[2].Content)

	turns, err := env.manager.History(ctx, env.convID, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TurnComplete, turns[len(turns)-1].Status)
}

func TestCancel_NoTurnInFlight(t *testing.T) {
	env := newTestEnv(t, Config{})

	err := env.manager.Cancel(env.convID)
	assert.ErrorIs(t, err, ErrNoTurnInFlight)
}

func TestSubmitUserTurn_StoreFailureLeavesIdle(t *testing.T) {
	env := newTestEnv(t, Config{}, completes("ok"))
	ctx := t.Context()

	failing := &failingStore{Store: env.store, failAppends: 1}
	m := NewManager(failing, env.router, stream.NewMux(0, nil), Config{RetryBaseDelay: time.Millisecond}, nil)
	t.Cleanup(m.Shutdown)

	err := m.SubmitUserTurn(ctx, env.convID, "Hello")
	require.ErrorIs(t, err, store.ErrStoreUnavailable)

	assert.Equal(t, StateIdle, m.State(env.convID))
	assert.False(t, env.router.InFlight(env.convID), "gate must be released")

	// The store recovered; the next submit goes through
	require.NoError(t, m.SubmitUserTurn(ctx, env.convID, "Hello again"))
}

func TestCreateConversation_UnknownModel(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.manager.CreateConversation(t.Context(), "owner-1", "mystery-9000", Options{})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestSubmitUserTurn_ArchivedConversation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := t.Context()

	require.NoError(t, env.manager.CloseConversation(ctx, env.convID))

	err := env.manager.SubmitUserTurn(ctx, env.convID, "Hello")
	assert.ErrorIs(t, err, store.ErrConversationArchived)
}

func TestCloseConversation_RejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	blocking := attempt{run: func(ctx context.Context, ch chan<- provider.StreamEvent) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch <- provider.StreamEvent{Kind: provider.EventCompleted, Text: "done"}
	}}
	env := newTestEnv(t, Config{}, blocking)
	ctx := t.Context()

	require.NoError(t, env.manager.SubmitUserTurn(ctx, env.convID, "Hello"))

	err := env.manager.CloseConversation(ctx, env.convID)
	assert.ErrorIs(t, err, provider.ErrConversationBusy)

	close(release)
	waitIdle(t, env)
	require.NoError(t, env.manager.CloseConversation(ctx, env.convID))
}

// failingStore fails the first failAppends AppendTurn calls
type failingStore struct {
	store.Store
	mu          sync.Mutex
	failAppends int
}

func (f *failingStore) AppendTurn(ctx context.Context, turn *store.Turn) (*store.Turn, error) {
	f.mu.Lock()
	shouldFail := f.failAppends > 0
	if shouldFail {
		f.failAppends--
	}
	f.mu.Unlock()
	if shouldFail {
		return nil, store.ErrStoreUnavailable
	}
	return f.Store.AppendTurn(ctx, turn)
}

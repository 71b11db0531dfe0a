// ABOUTME: Background worker running one completion turn end to end
// ABOUTME: Streams chunks to the mux, retries transient failures, commits the result

package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/stream"
)

// turnResult is the terminal outcome of one adapter attempt
type turnResult struct {
	text       string // full content on success, partial on failure
	gotContent bool
	err        error // nil on success
}

// runTurn drives one assistant turn to a terminal state. It owns the
// router's in-flight gate and the mux turn opened by SubmitUserTurn.
func (m *Manager) runTurn(ctx context.Context, adapter provider.Adapter, req *provider.Request, convID, turnID string) {
	defer m.router.Release(convID)
	defer m.setState(convID, nil)

	logger := m.logger.With("conversation_id", convID, "turn_id", turnID)

	var res turnResult
	for attempt := 0; ; attempt++ {
		m.transition(convID, StateAwaitingProvider)
		res = m.attempt(ctx, adapter, req, convID, turnID)
		if res.err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if !m.shouldRetry(res, attempt) {
			break
		}

		delay := backoffDelay(attempt, m.cfg.RetryBaseDelay, retryAfterHint(res.err))
		logger.Warn("retrying completion",
			"attempt", attempt+1, "max_retries", m.cfg.MaxRetries,
			"delay", delay, "error", res.err)
		if !sleepCtx(ctx, delay) {
			break
		}
	}

	// A cancelled worker is final no matter how the failure was reported;
	// partial text is preserved for the commit.
	if res.err != nil && ctx.Err() != nil {
		res.err = ctx.Err()
	}

	m.transition(convID, StateCommitting)
	m.commit(ctx, convID, turnID, res, logger)
}

// attempt runs one provider call, forwarding chunks to the mux
func (m *Manager) attempt(ctx context.Context, adapter provider.Adapter, req *provider.Request, convID, turnID string) turnResult {
	events, err := adapter.StartCompletion(ctx, req)
	if err != nil {
		return turnResult{err: err}
	}

	var partial strings.Builder
	res := turnResult{}
	for ev := range events {
		switch ev.Kind {
		case provider.EventTruncated:
			m.logger.Warn("context truncated",
				"conversation_id", convID, "dropped_messages", ev.Dropped)

		case provider.EventChunk:
			if !res.gotContent {
				res.gotContent = true
				m.transition(convID, StateStreaming)
				// Best effort; the commit writes the authoritative content
				if err := m.store.UpdateTurnStatus(ctx, turnID, store.TurnStreaming, "", ""); err != nil {
					m.logger.Error("marking turn streaming failed",
						"conversation_id", convID, "error", err)
				}
			}
			partial.WriteString(ev.Text)
			if _, err := m.mux.Publish(convID, ev.Text); err != nil {
				m.logger.Error("publishing chunk failed",
					"conversation_id", convID, "error", err)
			}

		case provider.EventCompleted:
			res.text = ev.Text
			return res

		case provider.EventFailed:
			res.text = partial.String()
			res.err = ev.Err
			return res
		}
	}

	// The adapter contract guarantees a terminal event; a bare close is an
	// interrupted stream.
	res.text = partial.String()
	res.err = provider.NewError(provider.KindStreamInterrupted, "stream ended without terminal event")
	return res
}

// shouldRetry applies the retry policy: rate limits, backend outages, and
// interrupted streams retry up to the cap, but only while nothing has been
// received — once chunks have reached attached clients, regenerating would
// contradict what they already rendered, so the turn fails with the partial
// content preserved. Invalid requests never retry.
func (m *Manager) shouldRetry(res turnResult, attempt int) bool {
	if attempt >= m.cfg.MaxRetries {
		return false
	}
	if res.gotContent {
		return false
	}
	return provider.Retryable(res.err) ||
		provider.KindOf(res.err) == provider.KindStreamInterrupted
}

// commit writes the turn's terminal state and closes the stream. A store
// failure here is logged and the stream still closes; the process stays up.
func (m *Manager) commit(ctx context.Context, convID, turnID string, res turnResult, logger *slog.Logger) {
	// Commits must survive the worker's own cancellation
	ctx = context.WithoutCancel(ctx)

	switch {
	case res.err == nil:
		if err := m.store.UpdateTurnStatus(ctx, turnID, store.TurnComplete, res.text, ""); err != nil {
			logger.Error("committing completed turn failed", "error", err)
		}
		if err := m.mux.EndTurn(convID, stream.Outcome{Kind: stream.EventTurnComplete, FinalText: res.text}); err != nil {
			logger.Error("closing stream failed", "error", err)
		}
		logger.Info("turn completed", "content_bytes", len(res.text))

	case errors.Is(res.err, context.Canceled):
		if err := m.store.UpdateTurnStatus(ctx, turnID, store.TurnFailed, res.text, "cancelled"); err != nil {
			logger.Error("committing cancelled turn failed", "error", err)
		}
		if err := m.mux.EndTurn(convID, stream.Outcome{Kind: stream.EventTurnCancelled}); err != nil {
			logger.Error("closing stream failed", "error", err)
		}
		logger.Info("turn cancelled", "partial_bytes", len(res.text))

	default:
		reason := res.err.Error()
		if err := m.store.UpdateTurnStatus(ctx, turnID, store.TurnFailed, res.text, reason); err != nil {
			logger.Error("committing failed turn failed", "error", err)
		}
		if err := m.mux.EndTurn(convID, stream.Outcome{Kind: stream.EventTurnFailed, Reason: reason}); err != nil {
			logger.Error("closing stream failed", "error", err)
		}
		logger.Warn("turn failed", "reason", reason, "partial_bytes", len(res.text))
	}
}

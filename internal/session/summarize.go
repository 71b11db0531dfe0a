// ABOUTME: History condensation for conversations that outgrow the context cap
// ABOUTME: Folds turns beyond the threshold into one leading system message

package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
)

const (
	summaryMaxTokens   = 500
	summaryTemperature = 0.3
)

const summarizerPrompt = "You are a helpful assistant that summarizes conversations. " +
	"Create a concise summary of the following conversation in bullet points. " +
	"Focus on the main topics, questions, and answers. " +
	"Be factual and objective. Do not add information not present in the conversation. " +
	"Format your response as a list of bullet points using the '- ' prefix."

// condenseHistory keeps the newest turns up to the configured threshold and
// summarizes the rest into a single string for a leading system message.
// History arrives newest first. When summarization fails, the older turns
// are dropped and the submit proceeds on the recent ones alone.
func (m *Manager) condenseHistory(ctx context.Context, adapter provider.Adapter, model string, history []*store.Turn) ([]*store.Turn, string) {
	threshold := m.cfg.SummarizeThreshold
	if threshold <= 0 || len(history) <= threshold {
		return history, ""
	}

	recent, older := history[:threshold], history[threshold:]

	if m.cfg.SummaryModel != "" {
		a, err := m.router.Route(m.cfg.SummaryModel)
		if err != nil {
			m.logger.Warn("summary model does not route, using conversation model",
				"summary_model", m.cfg.SummaryModel, "error", err)
		} else {
			adapter, model = a, m.cfg.SummaryModel
		}
	}

	summary, err := m.summarize(ctx, adapter, model, older)
	if err != nil {
		m.logger.Warn("summarizing history failed, dropping older turns",
			"dropped_turns", len(older), "error", err)
		return recent, ""
	}

	m.logger.Debug("history condensed",
		"summarized_turns", len(older), "kept_turns", len(recent))
	return recent, summary
}

// summarize runs one non-interactive completion over the older turns,
// presented chronologically as a role-labeled transcript.
func (m *Manager) summarize(ctx context.Context, adapter provider.Adapter, model string, older []*store.Turn) (string, error) {
	var transcript strings.Builder
	for i := len(older) - 1; i >= 0; i-- {
		t := older[i]
		fmt.Fprintf(&transcript, "%s: %s\n\n", t.Role, t.Content)
	}

	req := &provider.Request{
		Model: model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: summarizerPrompt},
			{Role: provider.RoleUser, Content: "Please summarize the following conversation in bullet points:\n\n" + transcript.String()},
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	}

	events, err := adapter.StartCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	for ev := range events {
		switch ev.Kind {
		case provider.EventCompleted:
			return ev.Text, nil
		case provider.EventFailed:
			return "", ev.Err
		}
	}
	return "", provider.NewError(provider.KindStreamInterrupted, "summary stream ended without terminal event")
}

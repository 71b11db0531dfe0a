// ABOUTME: OpenAI Chat Completions adapter implementing the provider contract
// ABOUTME: Issues streaming requests and translates SSE chunks into StreamEvents

package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/provider"
)

const completionsPath = "/v1/chat/completions"

// Config holds the adapter's construction parameters, resolved once at
// process start.
type Config struct {
	APIKey  string
	BaseURL string

	// TokenBudget caps the estimated context size; oldest non-system
	// messages are dropped first. Zero disables truncation.
	TokenBudget int

	// Timeout applies to connection establishment only; an open stream is
	// governed by the caller's context.
	Timeout time.Duration
}

// Adapter talks to an OpenAI-compatible Chat Completions backend.
type Adapter struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	tokenBudget int
	logger      *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an Adapter. Pass nil logger for the default.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		// Timeout covers dialing and headers; the response body is read
		// under the request context, which has no deadline of its own.
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		tokenBudget: cfg.TokenBudget,
		logger:      logger.With("component", "openai"),
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "openai" }

// StartCompletion issues a streaming chat completion call and returns the
// normalized event stream. Pre-stream failures (marshal, connect, non-2xx)
// are returned as an error; once the stream starts, failures arrive as a
// terminal Failed event.
func (a *Adapter) StartCompletion(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	msgs, dropped := provider.TruncateToBudget(req.Messages, a.tokenBudget)

	chatReq := chatRequest{
		Model:       req.Model,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]chatMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidRequest, "marshaling request: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidRequest, "building request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapNetworkError(err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		return nil, mapHTTPError(httpResp)
	}

	ch := make(chan provider.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		if dropped > 0 {
			a.logger.Debug("context truncated", "model", req.Model, "dropped", dropped)
			ch <- provider.StreamEvent{Kind: provider.EventTruncated, Dropped: dropped}
		}
		a.parseStream(ctx, httpResp.Body, ch)
	}()

	return ch, nil
}

// parseStream reads SSE lines from body, emitting Chunk events as deltas
// arrive and exactly one terminal event before returning.
func (a *Adapter) parseStream(ctx context.Context, body io.Reader, ch chan<- provider.StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var full strings.Builder
	finished := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			ch <- provider.StreamEvent{Kind: provider.EventFailed, Err: ctx.Err()}
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		if payload == "[DONE]" {
			finished = true
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			a.logger.Warn("skipping malformed SSE chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			full.WriteString(*choice.Delta.Content)
			ch <- provider.StreamEvent{Kind: provider.EventChunk, Text: *choice.Delta.Content}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finished = true
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			ch <- provider.StreamEvent{Kind: provider.EventFailed, Err: ctx.Err()}
			return
		}
		ch <- provider.StreamEvent{
			Kind: provider.EventFailed,
			Err:  provider.NewError(provider.KindStreamInterrupted, "stream read error: "+err.Error()),
		}
		return
	}

	if !finished {
		// EOF before a finish_reason arrived: the backend dropped the
		// connection mid-stream. Chunks already emitted stay with the caller.
		ch <- provider.StreamEvent{
			Kind: provider.EventFailed,
			Err:  provider.NewError(provider.KindStreamInterrupted, "stream ended without finish marker"),
		}
		return
	}

	ch <- provider.StreamEvent{Kind: provider.EventCompleted, Text: full.String()}
}

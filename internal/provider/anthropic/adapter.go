// ABOUTME: Anthropic Messages API adapter implementing the provider contract
// ABOUTME: Extracts system messages and translates the typed SSE lifecycle

package anthropic

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

const (
	messagesPath = "/v1/messages"

	// apiVersion is the anthropic-version header value the adapter pins.
	apiVersion = "2023-06-01"

	// defaultMaxTokens is used when the request does not set a cap; the
	// Messages API requires max_tokens.
	defaultMaxTokens = 4096
)

// Config holds the adapter's construction parameters.
type Config struct {
	APIKey  string
	BaseURL string

	// Version overrides the anthropic-version header. Empty uses apiVersion.
	Version string

	// TokenBudget caps the estimated context size. Zero disables truncation.
	TokenBudget int

	// Timeout applies to connection establishment only.
	Timeout time.Duration
}

// Adapter talks to the Anthropic Messages API.
type Adapter struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	version     string
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
		baseURL = "https://api.anthropic.com"
	}
	version := cfg.Version
	if version == "" {
		version = apiVersion
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		version:     version,
		tokenBudget: cfg.TokenBudget,
		logger:      logger.With("component", "anthropic"),
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "anthropic" }

// StartCompletion issues a streaming Messages call and returns the
// normalized event stream.
func (a *Adapter) StartCompletion(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	msgs, dropped := provider.TruncateToBudget(req.Messages, a.tokenBudget)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	wireReq := messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
	}

	// System messages move to the top-level field; the last one wins,
	// matching how the message list would be read.
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleSystem:
			wireReq.System = m.Content
		case provider.RoleUser, provider.RoleAssistant:
			wireReq.Messages = append(wireReq.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
		}
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidRequest, "marshaling request: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidRequest, "building request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)

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

// parseStream reads the typed SSE lifecycle and emits normalized events.
// Exactly one terminal event is sent before returning.
func (a *Adapter) parseStream(ctx context.Context, body io.Reader, ch chan<- provider.StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var full strings.Builder

	for scanner.Scan() {
		if ctx.Err() != nil {
			ch <- provider.StreamEvent{Kind: provider.EventFailed, Err: ctx.Err()}
			return
		}

		line := scanner.Text()
		// "event:" lines duplicate the type field inside the data payload;
		// only the data lines are parsed.
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			a.logger.Warn("skipping malformed SSE event", "error", err)
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				full.WriteString(event.Delta.Text)
				ch <- provider.StreamEvent{Kind: provider.EventChunk, Text: event.Delta.Text}
			}

		case "message_stop":
			ch <- provider.StreamEvent{Kind: provider.EventCompleted, Text: full.String()}
			return

		case "error":
			ch <- provider.StreamEvent{Kind: provider.EventFailed, Err: mapStreamError(event.Error)}
			return

		case "message_start", "content_block_start", "content_block_stop", "message_delta", "ping":
			// Lifecycle bookkeeping and keep-alives; no text to forward.

		default:
			// Unknown event types are skipped for forward compatibility.
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

	// EOF before message_stop: the connection dropped mid-stream.
	ch <- provider.StreamEvent{
		Kind: provider.EventFailed,
		Err:  provider.NewError(provider.KindStreamInterrupted, "stream ended before message_stop"),
	}
}

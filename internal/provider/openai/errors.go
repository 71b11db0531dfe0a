// ABOUTME: HTTP status and network error classification for the OpenAI adapter
// ABOUTME: Maps backend failures onto the gateway's provider error taxonomy

package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/parleyhq/parley/internal/provider"
)

// mapHTTPError converts a non-2xx response into a classified provider error.
// The body is read (bounded) for a descriptive message.
func mapHTTPError(resp *http.Response) *provider.Error {
	message := extractErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = "rate limit exceeded"
		}
		return &provider.Error{
			Kind:       provider.KindRateLimited,
			Message:    message,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Bad request, auth failure, unknown model: nothing a retry can fix.
		if message == "" {
			message = fmt.Sprintf("request rejected (HTTP %d)", resp.StatusCode)
		}
		return provider.NewError(provider.KindInvalidRequest, message)

	default:
		if message == "" {
			message = fmt.Sprintf("backend error (HTTP %d)", resp.StatusCode)
		}
		return provider.NewError(provider.KindProviderUnavailable, message)
	}
}

// mapNetworkError classifies connection-level failures (refused, DNS, TLS).
// The cause stays wrapped so a cancelled request is still recognizable as
// context.Canceled upstream.
func mapNetworkError(err error) *provider.Error {
	return &provider.Error{
		Kind:    provider.KindProviderUnavailable,
		Message: "connection error: " + err.Error(),
		Cause:   err,
	}
}

// extractErrorMessage parses the backend's error envelope, if present.
func extractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var errResp chatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return ""
}

// parseRetryAfter reads a Retry-After header value in seconds. HTTP-date
// values are ignored; the retry policy falls back to its own backoff.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

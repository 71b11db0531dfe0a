// ABOUTME: HTTP status and stream error classification for the Anthropic adapter
// ABOUTME: Maps Anthropic error types onto the gateway's provider taxonomy

package anthropic

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
			RetryAfter: parseRetryAfter(resp.Header.Get("retry-after")),
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		if message == "" {
			message = fmt.Sprintf("request rejected (HTTP %d)", resp.StatusCode)
		}
		return provider.NewError(provider.KindInvalidRequest, message)

	default:
		// Includes Anthropic's 529 "overloaded" status.
		if message == "" {
			message = fmt.Sprintf("backend error (HTTP %d)", resp.StatusCode)
		}
		return provider.NewError(provider.KindProviderUnavailable, message)
	}
}

// mapStreamError classifies a mid-stream "error" SSE event by its Anthropic
// error type.
func mapStreamError(e *apiError) *provider.Error {
	message := "stream error"
	errType := ""
	if e != nil {
		message = e.Message
		errType = e.Type
	}

	switch errType {
	case "rate_limit_error":
		return provider.NewError(provider.KindRateLimited, message)
	case "overloaded_error", "api_error":
		return provider.NewError(provider.KindProviderUnavailable, message)
	case "invalid_request_error", "authentication_error", "permission_error", "not_found_error":
		return provider.NewError(provider.KindInvalidRequest, message)
	default:
		return provider.NewError(provider.KindProviderUnavailable, message)
	}
}

// mapNetworkError classifies connection-level failures. The cause stays
// wrapped so a cancelled request is still recognizable as context.Canceled
// upstream.
func mapNetworkError(err error) *provider.Error {
	return &provider.Error{
		Kind:    provider.KindProviderUnavailable,
		Message: "connection error: " + err.Error(),
		Cause:   err,
	}
}

// extractErrorMessage parses Anthropic's error envelope, if present.
func extractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var errResp errorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return ""
}

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

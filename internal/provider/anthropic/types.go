// ABOUTME: Wire types for the Anthropic Messages API request and SSE events
// ABOUTME: Only the fields the gateway reads are modeled

package anthropic

// messagesRequest is the Messages API request body. MaxTokens is mandatory
// on this API.
type messagesRequest struct {
	Model       string         `json:"model"`
	Messages    []wireMessage  `json:"messages"`
	System      string         `json:"system,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature,omitempty"`
}

// wireMessage is one entry of the request message list. Anthropic accepts
// only user and assistant roles here.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamEvent is the envelope of one SSE payload. Type discriminates which
// of the optional fields is populated.
type streamEvent struct {
	Type  string       `json:"type"`
	Delta *eventDelta  `json:"delta,omitempty"`
	Error *apiError    `json:"error,omitempty"`
}

// eventDelta carries incremental content (content_block_delta) or the stop
// reason (message_delta).
type eventDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// apiError is Anthropic's error payload, used both in non-2xx response
// bodies and in mid-stream "error" events.
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorResponse is the non-2xx response envelope.
type errorResponse struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

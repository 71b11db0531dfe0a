// Package anthropic adapts the Anthropic Messages API to the gateway's
// provider contract.
//
// Anthropic's shape differs from the OpenAI family in two ways the adapter
// normalizes away: system messages travel in a top-level "system" field
// rather than in the message list, and the SSE stream is a typed event
// lifecycle
//
//	message_start -> content_block_start -> content_block_delta(s) ->
//	content_block_stop -> message_delta -> message_stop
//
// with text arriving in "text_delta" payloads and mid-stream failures
// arriving as "error" events. "ping" keep-alives and unknown event types
// are skipped for forward compatibility.
package anthropic

// Package openai adapts the OpenAI-style Chat Completions API (and any
// compatible backend) to the gateway's provider contract.
//
// The adapter always requests a streamed response and parses the SSE body
// line by line: "data: " payloads are decoded as chat completion chunks,
// the "[DONE]" sentinel ends the stream, and malformed chunks are logged
// and skipped. HTTP errors before the stream starts are classified into
// the provider error taxonomy (429 -> rate limited with the Retry-After
// hint, 4xx -> invalid request, 5xx and network failures -> provider
// unavailable); a connection that breaks mid-stream surfaces as
// stream-interrupted so the caller can decide between retrying and
// accepting the partial text.
package openai

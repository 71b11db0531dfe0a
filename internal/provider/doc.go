// Package provider defines the gateway's internal contract over external
// LLM chat-completion APIs and selects the adapter for a given model.
//
// # Overview
//
// Each supported provider family (OpenAI-style, Anthropic-style) is wrapped
// by an Adapter that translates the gateway's normalized Request into the
// provider's wire format and translates its streaming response back into a
// flat sequence of StreamEvent values. Adapters hold no conversation state:
// every call is self-contained.
//
// # Adapter contract
//
//	events, err := adapter.StartCompletion(ctx, req)
//
// A non-nil err means the request never started (bad credentials, malformed
// request, unreachable backend). Otherwise the returned channel yields, in
// order:
//
//   - at most one Truncated event, always before the first Chunk, when the
//     request context exceeded the model's token budget and the oldest
//     non-system messages were dropped
//   - zero or more Chunk events carrying incremental text
//   - exactly one terminal event: Completed (with the assembled text) or
//     Failed (with a classified *Error)
//
// The channel is finite, closed by the adapter, and not restartable.
// Cancellation is expressed through ctx; adapters observe it at every
// network read.
//
// # Routing
//
// The Router maps a model identifier to an adapter through an explicit
// lookup table plus prefix inference ("gpt-" -> openai, "claude-" ->
// anthropic). Route performs no I/O. The Router also enforces the
// one-in-flight-completion-per-conversation rule: TryAcquire fails with
// ErrConversationBusy instead of queuing, so callers must make queuing an
// explicit decision.
package provider

// Package session owns the per-conversation turn lifecycle.
//
// The Manager ties the store, the provider router, and the stream mux
// together. Each conversation moves through a small state machine:
//
//	Idle -> AwaitingProvider -> Streaming -> Committing -> Idle
//
// SubmitUserTurn persists the user's turn before any network call, so a
// crash mid-request never loses input. The assistant's reply is appended
// as a pending turn and the completion runs in a background worker that
// forwards chunks to the mux and commits the final content.
//
// Transient provider failures (rate limits, backend outages) are retried
// with exponential backoff against the same pending assistant turn, up to
// a configured cap. Invalid requests are never retried. An interrupted
// stream is retried only while no content has arrived; once partial
// content exists the turn is committed failed with the partial content
// preserved for the audit history.
//
// At most one turn per conversation is in flight, enforced by the router's
// in-flight gate. Turns are never deleted: every failure leaves a failed
// turn with a readable reason.
package session

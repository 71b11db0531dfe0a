// Package stream provides in-memory fan-out of completion chunks with a
// bounded replay window.
//
// A Mux tracks at most one active turn per conversation. The producer calls
// BeginTurn, then Publish for each chunk, then EndTurn with the outcome.
// Consumers call Attach to receive live chunks; a reconnecting consumer
// passes the index of the last chunk it saw and missed chunks still inside
// the replay window are replayed before live delivery resumes. When the
// window has rotated past the requested index the handle receives a gap
// marker first, so the client knows to refetch from the store.
//
// Delivery never blocks the producer. A handle that falls too far behind is
// closed with ErrBackpressureDropped; the client reattaches and resyncs.
//
// Handles persist across turns until detached.
package stream

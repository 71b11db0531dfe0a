// Package gateway wires the parley-gateway components together.
//
// New builds the store, provider adapters, router, stream mux, and session
// manager from configuration. Run starts the HTTP health endpoints and
// blocks until the context is cancelled, then shuts the components down in
// order: in-flight turns first, then the HTTP server, then the store.
//
// The session manager is exposed via Sessions for front doors living
// outside this module.
package gateway

// ABOUTME: Gateway orchestrator composing store, adapters, router, mux, sessions
// ABOUTME: Manages the HTTP health server and component lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/provider/anthropic"
	"github.com/parleyhq/parley/internal/provider/openai"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/stream"
)

// Gateway orchestrates the parley-gateway server components
type Gateway struct {
	config     *config.Config
	store      *store.SQLStore
	router     *provider.Router
	mux        *stream.Mux
	sessions   *session.Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a gateway from configuration. Adapters are constructed only
// for enabled providers; config credentials are passed explicitly.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	router := provider.NewRouter(adapters, logger)
	for model, providerName := range cfg.Models {
		router.RegisterModel(model, providerName)
	}

	mux := stream.NewMux(cfg.Stream.WindowSize, logger)

	sessions := session.NewManager(st, router, mux, session.Config{
		MaxRetries:         cfg.Completion.MaxRetries,
		RetryBaseDelay:     cfg.Completion.RetryBaseDelay,
		ContextTurns:       cfg.Completion.ContextTurns,
		SummarizeThreshold: cfg.Completion.SummarizeThreshold,
		SummaryModel:       cfg.Completion.SummaryModel,
	}, logger)

	g := &Gateway{
		config:   cfg,
		store:    st,
		router:   router,
		mux:      mux,
		sessions: sessions,
		logger:   logger.With("component", "gateway"),
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", g.handleHealth)
	httpMux.HandleFunc("/readyz", g.handleReady)
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: httpMux,
	}

	return g, nil
}

// initStore opens the configured backend, honoring the PARLEY_DB_PATH
// override used in deployment scripts.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLStore, error) {
	storeCfg := store.Config{
		Backend:      cfg.Database.Backend,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" && storeCfg.Backend != store.BackendPostgres {
		storeCfg.Path = envPath
	}
	return store.Open(storeCfg, logger)
}

// buildAdapters constructs one adapter per enabled provider
func buildAdapters(cfg *config.Config, logger *slog.Logger) ([]provider.Adapter, error) {
	var adapters []provider.Adapter

	if cfg.Providers.OpenAI.Enabled {
		adapters = append(adapters, openai.New(openai.Config{
			APIKey:      cfg.Providers.OpenAI.APIKey,
			BaseURL:     cfg.Providers.OpenAI.BaseURL,
			TokenBudget: cfg.Completion.TokenBudget,
		}, logger))
	}
	if cfg.Providers.Anthropic.Enabled {
		adapters = append(adapters, anthropic.New(anthropic.Config{
			APIKey:      cfg.Providers.Anthropic.APIKey,
			BaseURL:     cfg.Providers.Anthropic.BaseURL,
			Version:     cfg.Providers.Anthropic.Version,
			TokenBudget: cfg.Completion.TokenBudget,
		}, logger))
	}

	if len(adapters) == 0 {
		return nil, errors.New("no providers enabled")
	}
	return adapters, nil
}

// Sessions exposes the session manager to front doors outside this module
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Run starts the HTTP server and blocks until the context is cancelled or
// a server error occurs, then performs a graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops components in dependency order: in-flight turns drain and
// commit before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.sessions.Shutdown()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := g.store.ListConversations(ctx, "healthcheck", 1); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

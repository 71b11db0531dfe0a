// ABOUTME: Tests for gateway construction and health endpoints
// ABOUTME: Covers component wiring, adapter selection, and readiness checks

package gateway

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{
			Backend: "sqlite",
			Path:    filepath.Join(t.TempDir(), "gateway.db"),
		},
		Providers: config.ProvidersConfig{
			OpenAI: config.OpenAIConfig{Enabled: true, APIKey: "sk-test"},
		},
		Models: map[string]string{"custom-model": "openai"},
	}
}

func TestNew_BuildsComponents(t *testing.T) {
	g, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer g.store.Close()

	require.NotNil(t, g.Sessions())

	// Explicit model table entries route; unknown models do not
	_, err = g.Sessions().CreateConversation(t.Context(), "owner-1", "custom-model", session.Options{})
	require.NoError(t, err)

	_, err = g.Sessions().CreateConversation(t.Context(), "owner-1", "mystery-9000", session.Options{})
	require.Error(t, err)
}

func TestNew_NoProvidersEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.OpenAI.Enabled = false

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers enabled")
}

func TestHealthEndpoints(t *testing.T) {
	g, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer g.store.Close()

	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReady_StoreClosed(t *testing.T) {
	g, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, g.store.Close())

	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

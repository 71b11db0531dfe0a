// ABOUTME: Connection setup and engine selection for the SQL-backed store
// ABOUTME: Opens sqlite or postgres and hides the dialect differences

package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Backend names accepted by Open
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and parameterizes the storage backend
type Config struct {
	// Backend is "sqlite" or "postgres"
	Backend string `yaml:"backend"`

	// Path is the database file path (sqlite only). ":memory:" is
	// accepted for tests.
	Path string `yaml:"path"`

	// DSN is the connection string (postgres only)
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the postgres pool. 0 uses the driver default.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns caps idle postgres connections. 0 uses the driver default.
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// dialect holds the per-engine differences the query layer needs. Only
// Open assigns one; everything else calls through it.
type dialect struct {
	// rebind rewrites "?" placeholders when the engine needs positional ones
	rebind func(query string) string

	// isDuplicate reports whether err is a unique-constraint violation
	isDuplicate func(err error) bool
}

var sqliteDialect = dialect{
	rebind: func(query string) string { return query },
	isDuplicate: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

var postgresDialect = dialect{
	rebind: rebindPositional,
	isDuplicate: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

// rebindPositional rewrites "?" placeholders to "$1".."$N". Queries in this
// package never embed literal question marks.
func rebindPositional(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql for both supported engines
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	// writeLocks serializes writes per conversation ID
	writeLocks sync.Map // conversation ID -> *sync.Mutex
}

// Open connects to the configured backend and creates the schema if it
// does not exist. This is the only place that branches on the engine.
func Open(cfg Config, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	var (
		db  *sql.DB
		d   dialect
		err error
	)

	switch cfg.Backend {
	case BackendSQLite, "":
		db, err = openSQLite(cfg.Path)
		d = sqliteDialect
	case BackendPostgres:
		db, err = openPostgres(cfg)
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, dialect: d, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "backend", backendName(cfg.Backend))
	return s, nil
}

func backendName(b string) string {
	if b == "" {
		return BackendSQLite
	}
	return b
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite backend requires a database path")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for concurrent reads alongside the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return db, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres backend requires a DSN")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	return db, nil
}

// createSchema creates the tables if they don't exist. The DDL below is
// accepted verbatim by both engines.
func (s *SQLStore) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'active',
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner
			ON conversations(owner_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             BIGINT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			fail_reason     TEXT NOT NULL DEFAULT '',
			provider        TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			UNIQUE (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation
			ON turns(conversation_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// lockConversation returns the held write mutex for a conversation. The
// caller must Unlock it.
func (s *SQLStore) lockConversation(id string) *sync.Mutex {
	mu, _ := s.writeLocks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m
}

// wrapUnavailable tags connection-level failures with ErrStoreUnavailable
// so callers can distinguish infrastructure loss from data errors.
func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") {
		// SQLSTATE class 08: connection exceptions
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// Close releases the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}

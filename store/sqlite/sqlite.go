// Package sqlite implements persistent loom sessions using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avratys/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store holds conversation sessions in a local SQLite file. Messages are
// stored as JSON rows in append order; Session hands out loom.Session views
// bound to this store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_meta (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (session_id, key)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ordinal)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Session returns a persistent session with the given ID, creating its row
// on first write. The same ID always resolves to the same message log.
func (s *Store) Session(id string) *Session {
	return &Session{store: s, id: id}
}

// DB returns the underlying *sql.DB for callers that share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// Session is a loom.Session backed by a sqlite Store.
type Session struct {
	store *Store
	id    string
}

func (se *Session) ID() string { return se.id }

// AddMessage appends a message to the session log. The ordinal is assigned
// from the current maximum, so append order survives restarts.
func (se *Session) AddMessage(ctx context.Context, m loom.Message) error {
	s := se.store
	start := time.Now()
	s.logger.Debug("sqlite: add message", "session_id", se.id, "id", m.ID, "role", m.Role)

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`,
		se.id, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, ordinal, payload, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM messages WHERE session_id = ?), ?, ?)`,
		m.ID, se.id, se.id, string(payload), m.Timestamp.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: add message failed", "session_id", se.id, "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("add message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: add message ok", "session_id", se.id, "id", m.ID, "duration", time.Since(start))
	return nil
}

// Messages returns the session log in append order.
func (se *Session) Messages(ctx context.Context) ([]loom.Message, error) {
	s := se.store
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "session_id", se.id)

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE session_id = ? ORDER BY ordinal`, se.id)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "session_id", se.id, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []loom.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m loom.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	s.logger.Debug("sqlite: get messages ok", "session_id", se.id, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// Clear removes all messages while keeping the session row and metadata.
func (se *Session) Clear(ctx context.Context) error {
	s := se.store
	start := time.Now()
	s.logger.Debug("sqlite: clear session", "session_id", se.id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, se.id)
	if err != nil {
		s.logger.Error("sqlite: clear session failed", "session_id", se.id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("clear session: %w", err)
	}
	s.logger.Debug("sqlite: clear session ok", "session_id", se.id, "duration", time.Since(start))
	return nil
}

// SetMeta stores a metadata value, JSON-encoded.
func (se *Session) SetMeta(ctx context.Context, key string, value any) error {
	s := se.store
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal meta value: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_meta (session_id, key, value) VALUES (?, ?, ?)`,
		se.id, key, string(data),
	)
	if err != nil {
		s.logger.Error("sqlite: set meta failed", "session_id", se.id, "key", key, "error", err)
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

// Meta returns all metadata for the session.
func (se *Session) Meta(ctx context.Context) (map[string]any, error) {
	s := se.store
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM session_meta WHERE session_id = ?`, se.id)
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			continue
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ loom.Session = (*Session)(nil)

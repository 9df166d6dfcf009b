// Package postgres implements persistent loom sessions using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avratys/loom"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store holds conversation sessions in PostgreSQL. Messages are stored as
// JSONB rows in append order; Session hands out loom.Session views bound to
// this store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			ordinal BIGINT NOT NULL,
			payload JSONB NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_meta (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value JSONB NOT NULL,
			PRIMARY KEY (session_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ordinal)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Session returns a persistent session with the given ID, creating its row
// on first write. The same ID always resolves to the same message log.
func (s *Store) Session(id string) *Session {
	return &Session{store: s, id: id}
}

// Session is a loom.Session backed by a postgres Store.
type Session struct {
	store *Store
	id    string
}

func (se *Session) ID() string { return se.id }

// AddMessage appends a message to the session log. The ordinal is assigned
// inside the insert transaction, so concurrent appenders never collide.
func (se *Session) AddMessage(ctx context.Context, m loom.Message) error {
	s := se.store
	start := time.Now()

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, created_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		se.id, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, session_id, ordinal, payload, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM messages WHERE session_id = $2), $3, $4)`,
		m.ID, se.id, payload, m.Timestamp.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("postgres: add message failed", "session_id", se.id, "id", m.ID, "error", err)
		return fmt.Errorf("add message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("postgres: add message ok", "session_id", se.id, "id", m.ID, "duration", time.Since(start))
	return nil
}

// Messages returns the session log in append order.
func (se *Session) Messages(ctx context.Context) ([]loom.Message, error) {
	s := se.store

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM messages WHERE session_id = $1 ORDER BY ordinal`, se.id)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []loom.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m loom.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Clear removes all messages while keeping the session row and metadata.
func (se *Session) Clear(ctx context.Context) error {
	s := se.store
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, se.id)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// SetMeta stores a metadata value, JSON-encoded.
func (se *Session) SetMeta(ctx context.Context, key string, value any) error {
	s := se.store
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal meta value: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_meta (session_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value`,
		se.id, key, data,
	)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

// Meta returns all metadata for the session.
func (se *Session) Meta(ctx context.Context) (map[string]any, error) {
	s := se.store
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM session_meta WHERE session_id = $1`, se.id)
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ loom.Session = (*Session)(nil)

package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"relay/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresHistory is a HistoryStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresHistory does NOT own the pgx pool. The caller must close the pool.
type PostgresHistory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresHistory behavior.
type PostgresOption func(*PostgresHistory) error

// WithSchema sets the DB schema used by this store (default: identity.DefaultSchema).
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresHistory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !identity.ValidSchemaName(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresHistory constructs a Postgres-backed HistoryStore.
func NewPostgresHistory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresHistory, error) {
	st := &PostgresHistory{
		pool:   pool,
		schema: identity.DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the messages table if missing.
func (s *PostgresHistory) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	messages := pgIdent(s.schema, "messages")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     id          TEXT PRIMARY KEY CHECK (length(id) = 26),
		     sender_id   TEXT NOT NULL,
		     sender_name TEXT NOT NULL,
		     text        TEXT NOT NULL,
		     sent_at     TIMESTAMPTZ NOT NULL
		 )`,
		`CREATE INDEX IF NOT EXISTS messages_sent_at_idx ON ` + messages + ` (sent_at DESC, id DESC)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("realtime: ensure schema: %w", err)
		}
	}
	return nil
}

// Append inserts msg; an existing id is left untouched.
func (s *PostgresHistory) Append(ctx context.Context, msg ChatMessage) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if strings.TrimSpace(msg.ID) == "" || msg.SenderID == "" {
		return errors.New("invalid input")
	}

	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "messages")+` (id, sender_id, sender_name, text, sent_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.SenderID, msg.SenderName, msg.Text, sentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns up to limit messages ordered oldest first.
func (s *PostgresHistory) Recent(ctx context.Context, limit int) ([]ChatMessage, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	if limit > maxReplayLimit {
		limit = maxReplayLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, sender_name, text, sent_at
		   FROM `+pgIdent(s.schema, "messages")+`
		  ORDER BY sent_at DESC, id DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChatMessage, error) {
		var m ChatMessage
		err := row.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Text, &m.SentAt)
		m.SentAt = m.SentAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(msgs)
	return msgs, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

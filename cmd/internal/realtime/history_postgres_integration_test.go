package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"relay/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when RELAY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresHistory_AppendRecent(t *testing.T) {
	t.Parallel()

	h := mustNewTestHistory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	base := time.Now().UTC().Truncate(time.Millisecond)
	var want []string
	for i := 0; i < 4; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		msg := ChatMessage{
			ID:         ids.MustULID(now),
			SenderID:   "sender-1",
			SenderName: "Alice",
			Text:       fmt.Sprintf("hello %d", i),
			SentAt:     now,
		}
		if err := h.Append(ctx, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		// Duplicate ids are ignored.
		if err := h.Append(ctx, msg); err != nil {
			t.Fatalf("append duplicate %d: %v", i, err)
		}
		want = append(want, msg.ID)
	}

	got, err := h.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, m := range got {
		if m.ID != want[i+1] {
			t.Fatalf("position %d: expected %s got %s", i, want[i+1], m.ID)
		}
	}
	if got[2].Text != "hello 3" || got[2].SenderName != "Alice" {
		t.Fatalf("unexpected newest message: %+v", got[2])
	}
}

func TestPostgresHistory_InvalidSchema(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "bad-schema", "1abc", "x; DROP TABLE y"} {
		if _, err := NewPostgresHistory(&pgxpool.Pool{}, WithSchema(schema)); err == nil {
			t.Fatalf("expected error for schema %q", schema)
		}
	}
	if _, err := NewPostgresHistory(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

func mustNewTestHistory(t *testing.T) *PostgresHistory {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "relay_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	h, err := NewPostgresHistory(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresHistory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return h
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL"))
	if dsn == "" {
		t.Skip("integration tests skipped: RELAY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("db ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
}

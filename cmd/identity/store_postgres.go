package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Uniqueness violations surface as ConflictError carrying pgErr.Detail.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultSchema is the Postgres schema used when WithSchema is not given.
const DefaultSchema = "relay"

// WithSchema sets the Postgres schema used by the identity store (default "relay").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !ValidSchemaName(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and the identities table if they do not exist.
// Intended for development and tests; production deployments manage DDL out of band.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	identities := pgIdent(s.schema, "identities")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  full_name TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT true,
  roles TEXT[] NOT NULL DEFAULT ARRAY['user']::TEXT[],
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_identities_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT uq_identities_email UNIQUE (email)
);
`, pgx.Identifier{s.schema}.Sanitize(), identities)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Create inserts a new identity.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Identity, error) {
	const op = "identity.PostgresStore.Create"

	if s == nil || s.pool == nil {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	in.Now = pgNow(in.Now)
	ident, err := newIdentity(op, in)
	if err != nil {
		return Identity{}, err
	}

	identities := pgIdent(s.schema, "identities")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+identities+` (
		     id, email, password_hash, full_name, is_active, roles, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ident.ID,
		ident.Email,
		ident.PasswordHash,
		ident.FullName,
		ident.IsActive,
		RoleStrings(ident.Roles),
		ident.CreatedAt,
	)
	if err != nil {
		if ce, ok := pgClassifyUniqueViolation(op, err); ok {
			return Identity{}, ce
		}
		return Identity{}, err
	}

	return ident, nil
}

// FindByEmail loads an identity by normalized email.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string, includeHash bool) (Identity, error) {
	const op = "identity.PostgresStore.FindByEmail"

	out, err := s.findOne(ctx, op, "email", NormalizeEmail(email))
	if err != nil {
		return Identity{}, err
	}
	if !includeHash {
		out.PasswordHash = ""
	}
	return out, nil
}

// FindByID loads an identity by ID without its password hash.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Identity, error) {
	const op = "identity.PostgresStore.FindByID"

	out, err := s.findOne(ctx, op, "id", strings.TrimSpace(id))
	if err != nil {
		return Identity{}, err
	}
	return out.Public(), nil
}

func (s *PostgresStore) findOne(ctx context.Context, op, column, value string) (Identity, error) {
	if s == nil || s.pool == nil {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if value == "" {
		return Identity{}, NotFoundError{Op: op, Resource: "identity"}
	}

	identities := pgIdent(s.schema, "identities")

	var (
		out   Identity
		roles []string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, full_name, is_active, roles, created_at
		   FROM `+identities+`
		  WHERE `+pgx.Identifier{column}.Sanitize()+` = $1`,
		value,
	).Scan(
		&out.ID,
		&out.Email,
		&out.PasswordHash,
		&out.FullName,
		&out.IsActive,
		&roles,
		&out.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, NotFoundError{Op: op, Resource: "identity"}
		}
		return Identity{}, err
	}

	out.Roles = make([]Role, 0, len(roles))
	for _, r := range roles {
		out.Roles = append(out.Roles, Role(r))
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

// UpdatePasswordHash replaces the stored hash.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id string, hash string) error {
	const op = "identity.PostgresStore.UpdatePasswordHash"

	if strings.TrimSpace(hash) == "" {
		return invalid(op, "empty password hash")
	}
	return s.updateColumn(ctx, op, id, "password_hash", hash)
}

// SetActive flips is_active.
func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateColumn(ctx, "identity.PostgresStore.SetActive", id, "is_active", active)
}

func (s *PostgresStore) updateColumn(ctx context.Context, op, id, column string, value any) error {
	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	identities := pgIdent(s.schema, "identities")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+identities+` SET `+pgx.Identifier{column}.Sanitize()+` = $2 WHERE id = $1`,
		strings.TrimSpace(id), value,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "identity"}
	}
	return nil
}

// ---- helpers ----

// ValidSchemaName reports whether s is a safe unquoted Postgres identifier.
func ValidSchemaName(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(op string, err error) (ConflictError, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ConflictError{}, false
	}
	if pgErr.Code != "23505" { // unique_violation
		return ConflictError{}, false
	}

	field := "unique"
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_identities_email", strings.Contains(c, "email"):
		field = "email"
	case strings.HasSuffix(c, "_pkey"):
		field = "id"
	}

	return ConflictError{Op: op, Field: field, Detail: pgErr.Detail}, true
}

// pgNow keeps timestamps written by the store at microsecond precision, matching TIMESTAMPTZ.
func pgNow(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

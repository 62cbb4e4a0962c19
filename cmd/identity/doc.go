// Package identity defines the registered principal (Identity), its roles, and the
// persistence boundary (Store) used by the credential service and the authorization guard.
//
// Two Store implementations live here: MemoryStore for dev runs and tests, and PostgresStore
// over a caller-owned pgx pool.
//
// Security contract:
//   - Emails are normalized (trimmed, lower-cased) before every write and every lookup.
//   - PasswordHash is only populated by FindByEmail(..., includeHash=true) and is never
//     serialized (json:"-"). Use Public() before handing an Identity to any outward layer.
package identity

package identity

import "context"

// Store is the identity persistence boundary.
//
// Security contract:
//   - Create MUST report a uniqueness violation as ConflictError so callers can tell it apart
//     from every other failure.
//   - Lookups that miss MUST return an error satisfying IsNotFound.
//   - FindByID never populates PasswordHash; FindByEmail only does when includeHash is true.
//   - Emails passed in are normalized again by the store; callers cannot bypass it.
type Store interface {
	Create(ctx context.Context, in CreateInput) (Identity, error)
	FindByEmail(ctx context.Context, email string, includeHash bool) (Identity, error)
	FindByID(ctx context.Context, id string) (Identity, error)

	UpdatePasswordHash(ctx context.Context, id string, hash string) error
	SetActive(ctx context.Context, id string, active bool) error
}

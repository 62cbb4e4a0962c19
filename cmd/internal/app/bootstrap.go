package app

import (
	"context"
	"errors"
	"fmt"

	"relay/cmd/identity"
	"relay/cmd/internal/auth/credential"
)

// bootstrapAdmin registers the configured administrator. An existing identity
// with the same email is left untouched.
func (a *App) bootstrapAdmin(ctx context.Context) error {
	admin := a.cfg.BootstrapAdmin
	if !admin.Enabled() {
		return nil
	}

	res, err := a.creds.Register(ctx, credential.RegisterInput{
		Email:    admin.Email,
		Password: admin.Password,
		FullName: admin.Name,
		Roles:    []identity.Role{identity.RoleAdmin, identity.RoleUser},
	})
	switch {
	case err == nil:
		a.log.Info("bootstrap.admin.created", "identity_id", res.Identity.ID)
		return nil
	case errors.Is(err, credential.ErrDuplicateCredential):
		a.log.Info("bootstrap.admin.exists")
		return nil
	default:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions.
const (
	actionRegister          = "auth.register"
	actionLoginSuccess      = "auth.login.success"
	actionLoginFailed       = "auth.login.failed"
	actionLoginRateLimited  = "auth.login.rate_limited"
	actionIdentityDisabled  = "auth.identity.deactivated"
	actionIdentityReenabled = "auth.identity.activated"
)

// EnsureAuditSchema creates <schema>.audit_log if missing.
func EnsureAuditSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + auditTable(schema) + ` (
		     id          BIGSERIAL PRIMARY KEY,
		     identity_id TEXT NULL,
		     action      TEXT NOT NULL,
		     created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		     ip          TEXT NULL,
		     user_agent  TEXT NULL,
		     meta        JSONB NULL
		 )`,
		`CREATE INDEX IF NOT EXISTS audit_log_action_created_idx ON ` + auditTable(schema) + ` (action, created_at DESC)`,
	}
	for _, q := range stmts {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("api: ensure audit schema: %w", err)
		}
	}
	return nil
}

func (h *Handler) auditRegister(ctx context.Context, identityID string, ip net.IP, ua string) {
	h.insertAudit(ctx, actionRegister, identityID, ip, ua, nil)
}

func (h *Handler) auditLoginFailed(ctx context.Context, ip net.IP, ua string, email string, reason string) {
	h.insertAudit(ctx, actionLoginFailed, "", ip, ua, map[string]any{
		"identifier": email,
		"reason":     reason,
	})
}

func (h *Handler) auditLoginSuccess(ctx context.Context, identityID string, ip net.IP, ua string) {
	h.insertAudit(ctx, actionLoginSuccess, identityID, ip, ua, nil)
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, ip net.IP, ua string, email string, scope string, retryAfter time.Duration) {
	h.insertAudit(ctx, actionLoginRateLimited, "", ip, ua, map[string]any{
		"identifier":    email,
		"scope":         scope,
		"retry_after_s": int64(retryAfter.Seconds()),
	})
}

func (h *Handler) auditActiveChanged(ctx context.Context, actorID, targetID string, active bool, ip net.IP, ua string) {
	action := actionIdentityDisabled
	if active {
		action = actionIdentityReenabled
	}
	h.insertAudit(ctx, action, actorID, ip, ua, map[string]any{
		"target_id": targetID,
	})
}

// insertAudit always logs the event; it is also persisted when an audit pool is configured.
// Persistence failures are logged and never fail the request.
func (h *Handler) insertAudit(ctx context.Context, action string, identityID string, ip net.IP, ua string, meta map[string]any) {
	if h == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	var ipVal any
	if ip != nil {
		ipVal = ip.String()
	}

	h.log.Info("audit", "action", action, "identity_id", identityID, "ip", ipVal, "meta", meta)

	if h.auditPool == nil {
		return
	}

	var metaVal *string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := h.auditPool.Exec(ctx, `
		INSERT INTO `+auditTable(h.auditSchema)+` (
			identity_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, now(), $3, $4, $5::jsonb)
	`, trimOrNil(identityID), action, ipVal, trimOrNil(ua), metaVal)
	if err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func auditTable(schema string) string {
	return pgx.Identifier{schema, "audit_log"}.Sanitize()
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

// Package api exposes the credential service and guard over JSON HTTP endpoints.
package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"relay/cmd/identity"
	"relay/cmd/internal/auth/credential"
	"relay/cmd/internal/auth/guard"
	"relay/cmd/internal/auth/ratelimit"
	"relay/cmd/internal/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Handler wires HTTP auth endpoints to the credential service and guard.
type Handler struct {
	log *slog.Logger
	cfg Config

	creds *credential.Service
	guard *guard.Guard
	store identity.Store

	emailLimiter ratelimit.Limiter
	ipLimiter    ratelimit.Limiter

	auditPool   *pgxpool.Pool
	auditSchema string
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithLoginLimiters overrides the default in-memory login throttles.
func WithLoginLimiters(email, ip ratelimit.Limiter) HandlerOption {
	return func(h *Handler) {
		if email != nil {
			h.emailLimiter = email
		}
		if ip != nil {
			h.ipLimiter = ip
		}
	}
}

// WithAuditPool persists audit events into <schema>.audit_log.
func WithAuditPool(pool *pgxpool.Pool, schema string) HandlerOption {
	return func(h *Handler) {
		if pool == nil {
			return
		}
		h.auditPool = pool
		h.auditSchema = schema
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, creds *credential.Service, g *guard.Guard, store identity.Store, opts ...HandlerOption) (*Handler, error) {
	if creds == nil || g == nil || store == nil {
		return nil, errors.New("api: credential service, guard and store are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	h := &Handler{
		log:          log,
		cfg:          cfg,
		creds:        creds,
		guard:        g,
		store:        store,
		emailLimiter: ratelimit.NewMemoryLimiter(cfg.LoginEmail, nil),
		ipLimiter:    ratelimit.NewMemoryLimiter(cfg.LoginIP, nil),
		auditSchema:  identity.DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	if !identity.ValidSchemaName(h.auditSchema) {
		return nil, errors.New("api: invalid audit schema")
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	authed := guard.Require(h.guard)
	admin := guard.Require(h.guard, identity.RoleAdmin, identity.RoleSuperUser)

	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.Handle("GET /auth/check-status", authed(http.HandlerFunc(h.handleCheckStatus)))
	mux.Handle("GET /auth/me", authed(http.HandlerFunc(h.handleMe)))
	mux.Handle("GET /auth/private", admin(http.HandlerFunc(h.handlePrivate)))
	mux.Handle("POST /auth/identities/{id}/deactivate", admin(h.handleSetActive(false)))
	mux.Handle("POST /auth/identities/{id}/activate", admin(h.handleSetActive(true)))
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	res, err := h.creds.Register(ctx, credential.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		h.writeCredentialError(w, "register", err)
		return
	}

	metrics.AuthOutcomesTotal.WithLabelValues("register", "success").Inc()
	h.auditRegister(ctx, res.Identity.ID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	writeJSON(w, http.StatusCreated, toAuthResponse(res))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())
	email := identity.NormalizeEmail(req.Email)
	keys := loginThrottleKeys(email, ip)

	// Throttle before any store lookup.
	scope, retryAfter, err := h.checkLoginThrottle(ctx, keys)
	if err != nil {
		h.log.Error("auth.login.throttle.fail", "err", err)
		metrics.AuthOutcomesTotal.WithLabelValues("login", "error").Inc()
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}
	if scope != "" {
		metrics.AuthOutcomesTotal.WithLabelValues("login", "throttled").Inc()
		h.auditLoginRateLimited(ctx, ip, ua, email, scope, retryAfter)
		writeRateLimited(w, scope, retryAfter)
		return
	}

	res, err := h.creds.Login(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidCredentials) {
			h.recordLoginFailure(ctx, keys)
			h.auditLoginFailed(ctx, ip, ua, email, "invalid_credentials")
		}
		h.writeCredentialError(w, "login", err)
		return
	}

	h.clearLoginFailures(ctx, keys)
	metrics.AuthOutcomesTotal.WithLabelValues("login", "success").Inc()
	h.auditLoginSuccess(ctx, res.Identity.ID, ip, ua)
	writeJSON(w, http.StatusOK, toAuthResponse(res))
}

// handleCheckStatus re-issues a token for the authenticated identity.
func (h *Handler) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	ident, ok := guard.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	res, err := h.creds.Renew(r.Context(), ident)
	if err != nil {
		h.writeCredentialError(w, "renew", err)
		return
	}
	metrics.AuthOutcomesTotal.WithLabelValues("renew", "success").Inc()
	writeJSON(w, http.StatusOK, toAuthResponse(res))
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	ident, ok := guard.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (h *Handler) handlePrivate(w http.ResponseWriter, r *http.Request) {
	ident, _ := guard.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, privateResponse{
		OK:       true,
		Message:  "hello " + ident.FullName,
		Identity: toIdentityResponse(ident),
	})
}

func (h *Handler) handleSetActive(active bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor, _ := guard.IdentityFromContext(ctx)
		target := strings.TrimSpace(r.PathValue("id"))
		if target == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "missing identity id")
			return
		}
		if !active && target == actor.ID {
			writeError(w, http.StatusBadRequest, "invalid_request", "cannot deactivate yourself")
			return
		}

		if err := h.store.SetActive(ctx, target, active); err != nil {
			switch {
			case identity.IsNotFound(err):
				writeError(w, http.StatusNotFound, "not_found", "identity not found")
			case errors.Is(err, identity.ErrInvalidInput):
				writeError(w, http.StatusBadRequest, "invalid_request", "invalid identity id")
			default:
				h.log.Error("auth.identity.set_active.fail", "err", err, "target_id", target)
				writeError(w, http.StatusInternalServerError, "server_error", "check server logs")
			}
			return
		}

		h.auditActiveChanged(ctx, actor.ID, target, active, clientIP(r, h.cfg.TrustProxy), r.UserAgent())

		ident, err := h.store.FindByID(ctx, target)
		if err != nil {
			h.log.Error("auth.identity.reload.fail", "err", err, "target_id", target)
			writeError(w, http.StatusInternalServerError, "server_error", "check server logs")
			return
		}
		writeJSON(w, http.StatusOK, toIdentityResponse(ident))
	})
}

// ---- error mapping ----

func (h *Handler) writeCredentialError(w http.ResponseWriter, operation string, err error) {
	var (
		dup   *credential.DuplicateError
		input *credential.InputError
	)
	switch {
	case errors.As(err, &dup):
		metrics.AuthOutcomesTotal.WithLabelValues(operation, "duplicate").Inc()
		msg := dup.Detail
		if msg == "" {
			msg = "credential already registered"
		}
		writeError(w, http.StatusBadRequest, "duplicate_credential", msg)
	case errors.As(err, &input):
		metrics.AuthOutcomesTotal.WithLabelValues(operation, "invalid_input").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", input.Field+": "+input.Msg)
	case errors.Is(err, credential.ErrInvalidInput):
		metrics.AuthOutcomesTotal.WithLabelValues(operation, "invalid_input").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, credential.ErrInvalidCredentials):
		metrics.AuthOutcomesTotal.WithLabelValues(operation, "invalid_credentials").Inc()
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	default:
		// The credential service already logged the cause.
		metrics.AuthOutcomesTotal.WithLabelValues(operation, "error").Inc()
		writeError(w, http.StatusInternalServerError, "server_error", "check server logs")
	}
}

// ---- request helpers ----

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for _, p := range parts {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

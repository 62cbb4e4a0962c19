// Package app wires the relay server runtime: config, logging, stores, auth,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/auth/api"
	"relay/cmd/internal/auth/credential"
	"relay/cmd/internal/auth/guard"
	"relay/cmd/internal/auth/ratelimit"
	"relay/cmd/internal/metrics"
	"relay/cmd/internal/realtime"
	"relay/cmd/security/password"
	"relay/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const historyWarmTimeout = 5 * time.Second

// App is the relay server runtime. It owns the HTTP handler and every
// long-lived resource (DB pool, redis client, connection registry).
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	store    identity.Store
	creds    *credential.Service
	guard    *guard.Guard
	registry *realtime.Registry
	ws       *realtime.WSGateway
	auth     *api.Handler

	handler http.Handler
}

// New constructs a fully wired App. Resources opened before a failure are released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	tcfg, err := buildTokenConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec(tcfg)
	if err != nil {
		return nil, err
	}

	history, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	authCfg := api.LoadConfigFromEnv()
	emailLimiter, ipLimiter, err := a.openLimiters(ctx, authCfg)
	if err != nil {
		return nil, err
	}

	a.creds, err = credential.NewService(log, a.store, pwCfg, codec)
	if err != nil {
		return nil, err
	}
	a.guard, err = guard.New(codec, a.store,
		guard.WithLogger(log),
		guard.WithObserver(metrics.ObserveGuard),
	)
	if err != nil {
		return nil, err
	}

	if err := a.bootstrapAdmin(ctx); err != nil {
		return nil, err
	}

	gwCfg := realtime.LoadGatewayConfigFromEnv()
	a.registry, err = realtime.NewRegistry(log, a.guard, gwCfg.RegistryOptions()...)
	if err != nil {
		return nil, err
	}
	a.warmRegistry(ctx, history, gwCfg.HistoryReplay)

	a.ws, err = realtime.NewWSGateway(log, a.registry, history, gwCfg)
	if err != nil {
		return nil, err
	}

	a.auth, err = api.NewHandler(log, authCfg, a.creds, a.guard, a.store,
		api.WithLoginLimiters(emailLimiter, ipLimiter),
		api.WithAuditPool(a.pool, cfg.DBSchema),
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a)
	a.handler = WithRecover(WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log), log)

	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"redis_enabled", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.closeResources()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	a.registry.CloseAll("server shutting down")

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.closeResources()

	a.log.Info("server.stopped")
	return err
}

// openStores picks Postgres-backed persistence when a database URL is configured,
// in-memory stores otherwise.
func (a *App) openStores(ctx context.Context) (realtime.HistoryStore, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = identity.NewMemoryStore()
		return realtime.NewMemoryHistory(0), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	a.pool = pool

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}
	history, err := realtime.NewPostgresHistory(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, err
	}

	if a.cfg.DBEnsureSchema {
		if err := users.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if err := history.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if err := api.EnsureAuditSchema(ctx, pool, a.cfg.DBSchema); err != nil {
			return nil, err
		}
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.store = users
	return history, nil
}

// openLimiters returns redis-backed login throttles when redis is configured.
// Nil limiters leave the handler's in-memory defaults in place.
func (a *App) openLimiters(ctx context.Context, authCfg api.Config) (ratelimit.Limiter, ratelimit.Limiter, error) {
	if a.cfg.RedisAddr == "" {
		a.log.Info("redis.disabled.memory_limiter")
		return nil, nil, nil
	}

	client, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	a.redis = client

	a.log.Info("redis.enabled.login_limiter", "addr", a.cfg.RedisAddr)
	return ratelimit.NewRedisLimiter(client, authCfg.LoginEmail), ratelimit.NewRedisLimiter(client, authCfg.LoginIP), nil
}

// warmRegistry seeds the replay buffer from persisted history. Failure is not fatal.
func (a *App) warmRegistry(ctx context.Context, history realtime.HistoryStore, limit int) {
	if limit <= 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, historyWarmTimeout)
	defer cancel()

	msgs, err := history.Recent(wctx, limit)
	if err != nil {
		a.log.Warn("registry.warm.fail", "err", err)
		return
	}
	a.registry.Warm(msgs)
	a.log.Debug("registry.warm", "messages", len(msgs))
}

func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to 127.0.0.1.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps http(s) to ws(s). A bare host:port is treated as http.
func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

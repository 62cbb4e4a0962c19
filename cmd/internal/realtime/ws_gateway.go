// Package realtime contains the relay websocket gateway, the connection registry
// and chat history persistence.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"relay/cmd/internal/auth/guard"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "relay.realtime.v1"

	// Browsers cannot set headers on a websocket handshake, so they may
	// carry the token as an extra offered subprotocol "relay.auth.<token>".
	wsAuthSubprotocolPrefix = "relay.auth."

	// wsAuthHeader is checked before Authorization.
	wsAuthHeader = "Authentication"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
	wsHistoryTimeout  = 3 * time.Second
)

// WSGateway is the websocket entrypoint for relay realtime.
//
// It enforces origin policy, authorizes the handshake through the Registry
// before upgrading, then runs rate limits, heartbeats and the chat loop.
type WSGateway struct {
	log     *slog.Logger
	reg     *Registry
	history HistoryStore
	cfg     GatewayConfig

	sendMu  sync.Mutex
	persist *historyQueue

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil history falls back to an in-memory ring.
func NewWSGateway(log *slog.Logger, reg *Registry, history HistoryStore, cfg GatewayConfig) (*WSGateway, error) {
	if reg == nil {
		return nil, errors.New("realtime: registry is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if history == nil {
		history = NewMemoryHistory(0)
	}
	cfg = cfg.normalized()

	return &WSGateway{
		log:     log,
		reg:     reg,
		history: history,
		cfg:     cfg,
		persist: newHistoryQueue(log, history, wsHistoryTimeout),

		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authorizes, upgrades and runs one realtime connection.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !slices.Contains(offeredSubprotocols(r), wsSubprotocolV1) {
		g.log.Info("ws.reject.subprotocol", "want", wsSubprotocolV1, "remote", r.RemoteAddr)
		http.Error(w, "subprotocol required", http.StatusBadRequest)
		return
	}

	// Denied handshakes get a plain HTTP status and never become a socket.
	ident, err := g.reg.Authorize(r.Context(), handshakeToken(r))
	if err != nil {
		reason := guard.ReasonOf(err)
		if errors.Is(err, guard.ErrInternal) {
			g.log.Error("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		} else {
			g.log.Info("ws.reject.auth", "reason", reason, "remote", r.RemoteAddr)
		}
		guard.WriteDenied(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err, "identity_id", ident.ID, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// Only an established socket enters the registry.
	client := NewClient(g.cfg.SendQueueSize)
	g.reg.Attach(client, ident)

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.reg.Disconnect(client.ID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the registry (eviction, shutdown): flush what is queued, then close.
				g.flush(ctx, conn, client)
				if reason := client.CloseReason(); reason != "" {
					shutdown(websocket.StatusPolicyViolation, reason)
				} else {
					shutdown(websocket.StatusNormalClosure, "bye")
				}
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(client, v1.CodeRateLimited, "too many events")
			g.flush(ctx, conn, client)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeMessageSend:
			if !g.onMessageSend(client, env) {
				shutdown(websocket.StatusPolicyViolation, "not registered")
				break readLoop
			}
		default:
			g.trySendError(client, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// onMessageSend handles one message.send. It returns false when the
// connection is no longer registered and the loop must stop.
func (g *WSGateway) onMessageSend(client *Client, env v1.Envelope) bool {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, v1.CodeBadPayload, "invalid payload")
		return true
	}
	if utf8.RuneCountInString(p.Text) > maxMessageChars {
		g.trySendError(client, v1.CodeTextTooLong, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return true
	}

	// Broadcast and enqueue for persistence as one step so history keeps broadcast order.
	g.sendMu.Lock()
	msg, ok := g.reg.Message(client.ID, p.Text)
	if ok {
		g.persist.push(msg)
	}
	g.sendMu.Unlock()
	return ok
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypeError, NewEnvelopeID(now), now, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = client.Enqueue(env)
}

// flush writes whatever is already queued without waiting for more.
func (g *WSGateway) flush(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		select {
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ---- handshake helpers ----

// handshakeToken picks the token from the Authentication header, then
// Authorization: Bearer, then a relay.auth.<token> subprotocol entry.
func handshakeToken(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get(wsAuthHeader)); raw != "" {
		if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
			raw = strings.TrimSpace(raw[7:])
		}
		return raw
	}
	if tok := guard.BearerToken(r); tok != "" {
		return tok
	}
	for _, p := range offeredSubprotocols(r) {
		if tok, ok := strings.CutPrefix(p, wsAuthSubprotocolPrefix); ok && tok != "" {
			return tok
		}
	}
	return ""
}

func offeredSubprotocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host with filepath.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/metrics"
	v1 "relay/shared/contracts/realtime/v1"
)

// Authorizer checks a raw token and returns the identity behind it.
// *guard.Guard satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, rawToken string, required ...identity.Role) (identity.Identity, error)
}

// Connection is one registered realtime connection.
type Connection struct {
	ID          string
	Identity    identity.Identity
	ConnectedAt time.Time
}

// Presence is the public view of a Connection.
type Presence struct {
	ConnectionID string
	IdentityID   string
	FullName     string
	ConnectedAt  time.Time
}

// ChatMessage is a broadcast chat message.
type ChatMessage struct {
	ID         string
	SenderID   string
	SenderName string
	Text       string
	SentAt     time.Time
}

type entry struct {
	conn   Connection
	client *Client
	seq    uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithExclusive makes a new connection evict older connections of the same identity.
func WithExclusive(on bool) RegistryOption {
	return func(r *Registry) { r.exclusive = on }
}

// WithReplay sets how many recent messages a new connection receives.
// Zero disables the history snapshot.
func WithReplay(n int) RegistryOption {
	return func(r *Registry) {
		if n < 0 {
			n = 0
		}
		if n > maxReplayLimit {
			n = maxReplayLimit
		}
		r.replay = n
	}
}

// WithRegistryClock overrides time.Now for connection and message timestamps.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry tracks which identity owns which live connection and fans out
// presence and chat events. Every mutation and fan-out happens under mu, so
// all client queues observe events in the same order.
type Registry struct {
	log       *slog.Logger
	auth      Authorizer
	exclusive bool
	replay    int
	now       func() time.Time

	mu     sync.Mutex
	seq    uint64
	conns  map[string]*entry
	recent []ChatMessage
}

// NewRegistry constructs a Registry.
func NewRegistry(log *slog.Logger, auth Authorizer, opts ...RegistryOption) (*Registry, error) {
	if auth == nil {
		return nil, errors.New("realtime: authorizer is required")
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:    log,
		auth:   auth,
		replay: defaultReplayLimit,
		now:    func() time.Time { return time.Now().UTC() },
		conns:  make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Connect authorizes rawToken and registers client under the resulting identity.
// On deny the guard error is returned and nothing is mutated; the caller owns closing the socket.
func (r *Registry) Connect(ctx context.Context, client *Client, rawToken string) (Connection, error) {
	if client == nil {
		return Connection{}, errors.New("realtime: nil client")
	}
	ident, err := r.Authorize(ctx, rawToken)
	if err != nil {
		return Connection{}, err
	}
	return r.Attach(client, ident), nil
}

// Authorize resolves rawToken to an active identity without touching the registry.
func (r *Registry) Authorize(ctx context.Context, rawToken string) (identity.Identity, error) {
	return r.auth.Authorize(ctx, rawToken)
}

// Attach registers client under an already authorized identity and announces it.
// Callers with a transport must only attach once the transport is established.
func (r *Registry) Attach(client *Client, ident identity.Identity) Connection {
	now := r.now()
	conn := Connection{ID: client.ID, Identity: ident, ConnectedAt: now}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exclusive {
		for id, e := range r.conns {
			if e.conn.Identity.ID != ident.ID {
				continue
			}
			delete(r.conns, id)
			r.sendLocked(e.client, v1.TypeError, now, v1.ErrorPayload{
				Code:    v1.CodeSessionEvicted,
				Message: "session opened elsewhere",
			})
			e.client.CloseWithReason("session evicted")
			r.log.Info("registry.evict", "conn_id", id, "identity_id", ident.ID)
		}
	}

	r.seq++
	r.conns[conn.ID] = &entry{conn: conn, client: client, seq: r.seq}

	r.sendLocked(client, v1.TypeSessionReady, now, v1.SessionReadyPayload{
		ConnectionID: conn.ID,
		Identity: v1.Identity{
			ID:       ident.ID,
			Email:    ident.Email,
			FullName: ident.FullName,
			Roles:    identity.RoleStrings(ident.Roles),
		},
	})
	if r.replay > 0 {
		r.sendLocked(client, v1.TypeHistorySnapshot, now, v1.HistorySnapshotPayload{
			Messages: messagePayloads(r.recent),
		})
	}
	r.broadcastPresenceLocked(now)

	metrics.RealtimeConnections.Set(float64(len(r.conns)))
	r.log.Info("registry.connect", "conn_id", conn.ID, "identity_id", ident.ID, "connections", len(r.conns))
	return conn
}

// Disconnect removes connID. Unknown or repeated ids are a no-op returning false.
func (r *Registry) Disconnect(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	delete(r.conns, connID)
	e.client.Close()

	r.broadcastPresenceLocked(r.now())

	metrics.RealtimeConnections.Set(float64(len(r.conns)))
	r.log.Info("registry.disconnect", "conn_id", connID, "identity_id", e.conn.Identity.ID, "connections", len(r.conns))
	return true
}

// Message broadcasts text from connID to every registered connection, the sender included.
// Messages from unknown connections are dropped and false is returned.
func (r *Registry) Message(connID, text string) (ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		r.log.Debug("registry.message.drop", "conn_id", connID)
		return ChatMessage{}, false
	}

	if strings.TrimSpace(text) == "" {
		text = emptyMessageText
	}
	now := r.now()
	msg := ChatMessage{
		ID:         NewMessageID(now),
		SenderID:   e.conn.Identity.ID,
		SenderName: e.conn.Identity.FullName,
		Text:       text,
		SentAt:     now,
	}
	r.rememberLocked(msg)

	env, err := v1.NewEnvelope(v1.TypeMessageNew, NewEnvelopeID(now), now, messagePayload(msg))
	if err != nil {
		r.log.Error("registry.message.encode", "err", err)
		return msg, true
	}
	r.broadcastLocked(env)
	return msg, true
}

// List returns a snapshot of registered connections in registration order.
func (r *Registry) List() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Warm seeds the replay buffer, typically from a HistoryStore at startup.
// msgs must be oldest first.
func (r *Registry) Warm(msgs []ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.rememberLocked(m)
	}
}

// CloseAll closes every registered client; used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.conns {
		e.client.CloseWithReason(reason)
		delete(r.conns, id)
	}
	metrics.RealtimeConnections.Set(0)
}

func (r *Registry) rememberLocked(msg ChatMessage) {
	if r.replay == 0 {
		return
	}
	r.recent = append(r.recent, msg)
	if over := len(r.recent) - r.replay; over > 0 {
		r.recent = slices.Delete(r.recent, 0, over)
	}
}

func (r *Registry) presenceLocked() []Presence {
	entries := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	out := make([]Presence, 0, len(entries))
	for _, e := range entries {
		out = append(out, Presence{
			ConnectionID: e.conn.ID,
			IdentityID:   e.conn.Identity.ID,
			FullName:     e.conn.Identity.FullName,
			ConnectedAt:  e.conn.ConnectedAt,
		})
	}
	return out
}

func (r *Registry) broadcastPresenceLocked(now time.Time) {
	list := r.presenceLocked()
	payload := v1.PresenceChangedPayload{Connections: make([]v1.Presence, 0, len(list))}
	for _, p := range list {
		payload.Connections = append(payload.Connections, v1.Presence{
			ConnectionID: p.ConnectionID,
			IdentityID:   p.IdentityID,
			FullName:     p.FullName,
			ConnectedAt:  p.ConnectedAt,
		})
	}

	env, err := v1.NewEnvelope(v1.TypePresenceChanged, NewEnvelopeID(now), now, payload)
	if err != nil {
		r.log.Error("registry.presence.encode", "err", err)
		return
	}
	r.broadcastLocked(env)
}

func (r *Registry) broadcastLocked(env v1.Envelope) {
	metrics.RealtimeBroadcastsTotal.WithLabelValues(env.Type).Inc()
	for _, e := range r.conns {
		if !e.client.Enqueue(env) {
			metrics.RealtimeDroppedTotal.WithLabelValues(env.Type).Inc()
			r.log.Warn("registry.drop", "conn_id", e.conn.ID, "type", env.Type)
		}
	}
}

func (r *Registry) sendLocked(c *Client, typ string, now time.Time, payload any) {
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), now, payload)
	if err != nil {
		r.log.Error("registry.encode", "type", typ, "err", err)
		return
	}
	if !c.Enqueue(env) {
		metrics.RealtimeDroppedTotal.WithLabelValues(typ).Inc()
	}
}

func messagePayload(m ChatMessage) v1.MessageNewPayload {
	return v1.MessageNewPayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		SentAt:     m.SentAt,
	}
}

func messagePayloads(msgs []ChatMessage) []v1.MessageNewPayload {
	out := make([]v1.MessageNewPayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messagePayload(m))
	}
	return out
}

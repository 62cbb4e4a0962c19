package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/auth/guard"
	v1 "relay/shared/contracts/realtime/v1"
)

// tokenTable authorizes tokens by exact lookup.
type tokenTable struct {
	mu     sync.Mutex
	byTok  map[string]identity.Identity
	calls  int
	denyAs error
}

func newTokenTable() *tokenTable {
	return &tokenTable{byTok: make(map[string]identity.Identity)}
}

func (tt *tokenTable) add(tok, id, name string) identity.Identity {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	ident := identity.Identity{ID: id, Email: id + "@x.com", FullName: name, IsActive: true, Roles: identity.DefaultRoles()}
	tt.byTok[tok] = ident
	return ident
}

func (tt *tokenTable) Authorize(_ context.Context, raw string, _ ...identity.Role) (identity.Identity, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.calls++
	if tt.denyAs != nil {
		return identity.Identity{}, tt.denyAs
	}
	ident, ok := tt.byTok[raw]
	if !ok {
		return identity.Identity{}, &guard.DenyError{Kind: guard.ErrUnauthenticated, Reason: guard.ReasonTokenInvalid}
	}
	return ident, nil
}

func newTestRegistry(t *testing.T, auth Authorizer, opts ...RegistryOption) *Registry {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewRegistry(log, auth, opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

// drain returns every envelope queued on c.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func lastOfType(t *testing.T, envs []v1.Envelope, typ string) v1.Envelope {
	t.Helper()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == typ {
			return envs[i]
		}
	}
	t.Fatalf("no %q envelope among %d", typ, len(envs))
	return v1.Envelope{}
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return p
}

func TestRegistry_ConnectDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	r := newTestRegistry(t, tt)

	c := NewClient(8)
	conn, err := r.Connect(context.Background(), c, "tok-a")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.ID != c.ID || conn.Identity.ID != "id-a" {
		t.Fatalf("unexpected connection: %+v", conn)
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}

	envs := drain(c)
	if len(envs) == 0 || envs[0].Type != v1.TypeSessionReady {
		t.Fatalf("expected session.ready first, got %+v", envs)
	}
	ready := decodePayload[v1.SessionReadyPayload](t, envs[0])
	if ready.ConnectionID != c.ID || ready.Identity.FullName != "Alice" {
		t.Fatalf("unexpected session.ready payload: %+v", ready)
	}
	presence := decodePayload[v1.PresenceChangedPayload](t, lastOfType(t, envs, v1.TypePresenceChanged))
	if len(presence.Connections) != 1 || presence.Connections[0].IdentityID != "id-a" {
		t.Fatalf("unexpected presence: %+v", presence)
	}

	if !r.Disconnect(c.ID) {
		t.Fatalf("first Disconnect should remove")
	}
	if r.Disconnect(c.ID) {
		t.Fatalf("second Disconnect should be a no-op")
	}
	if r.Disconnect("never-registered") {
		t.Fatalf("unknown id should be a no-op")
	}
	if got := r.Count(); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Disconnect should close the client")
	}
}

func TestRegistry_DenyMutatesNothing(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	r := newTestRegistry(t, tt)

	watcher := NewClient(8)
	if _, err := r.Connect(context.Background(), watcher, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = drain(watcher)

	denied := NewClient(8)
	_, err := r.Connect(context.Background(), denied, "bogus")
	if guard.ReasonOf(err) != guard.ReasonTokenInvalid {
		t.Fatalf("expected token_invalid deny, got %v", err)
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("deny must not register, got %d connections", got)
	}
	if envs := drain(watcher); len(envs) != 0 {
		t.Fatalf("deny must not broadcast, got %+v", envs)
	}
	if envs := drain(denied); len(envs) != 0 {
		t.Fatalf("denied client must not receive events, got %+v", envs)
	}
	if r.Disconnect(denied.ID) {
		t.Fatalf("Disconnect of a denied connection should be a no-op")
	}
}

func TestRegistry_ConcurrentConnects(t *testing.T) {
	t.Parallel()

	const n = 64
	tt := newTokenTable()
	for i := 0; i < n; i++ {
		tt.add(fmt.Sprintf("tok-%d", i), fmt.Sprintf("id-%d", i), fmt.Sprintf("User %d", i))
	}
	r := newTestRegistry(t, tt)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Connect(context.Background(), NewClient(n*4), fmt.Sprintf("tok-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	list := r.List()
	if len(list) != n {
		t.Fatalf("expected %d entries, got %d", n, len(list))
	}
	seen := map[string]bool{}
	for _, p := range list {
		if seen[p.ConnectionID] {
			t.Fatalf("duplicate connection id %q", p.ConnectionID)
		}
		seen[p.ConnectionID] = true
	}
}

func TestRegistry_MessageBroadcastIncludesSender(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	tt.add("tok-b", "id-b", "Bob")
	r := newTestRegistry(t, tt)

	a, b := NewClient(16), NewClient(16)
	for tok, c := range map[string]*Client{"tok-a": a, "tok-b": b} {
		if _, err := r.Connect(context.Background(), c, tok); err != nil {
			t.Fatalf("Connect %s: %v", tok, err)
		}
	}
	_, _ = drain(a), drain(b)

	msg, ok := r.Message(a.ID, "hi")
	if !ok {
		t.Fatalf("Message from registered connection should be accepted")
	}
	if msg.SenderName != "Alice" || msg.SenderID != "id-a" || msg.Text != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	for name, c := range map[string]*Client{"sender": a, "peer": b} {
		envs := drain(c)
		if len(envs) != 1 || envs[0].Type != v1.TypeMessageNew {
			t.Fatalf("%s: expected one message.new, got %+v", name, envs)
		}
		p := decodePayload[v1.MessageNewPayload](t, envs[0])
		if p.SenderName != "Alice" || p.Text != "hi" || p.ID != msg.ID {
			t.Fatalf("%s: unexpected payload %+v", name, p)
		}
	}
}

func TestRegistry_MessageFromUnknownDropped(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	r := newTestRegistry(t, tt)

	a := NewClient(8)
	if _, err := r.Connect(context.Background(), a, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = drain(a)

	if _, ok := r.Message("ghost", "hello"); ok {
		t.Fatalf("message from unknown connection should be dropped")
	}
	if envs := drain(a); len(envs) != 0 {
		t.Fatalf("dropped message must not broadcast, got %+v", envs)
	}
}

func TestRegistry_EmptyTextBecomesPlaceholder(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	r := newTestRegistry(t, tt)

	a := NewClient(8)
	if _, err := r.Connect(context.Background(), a, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	msg, ok := r.Message(a.ID, "   ")
	if !ok || msg.Text != emptyMessageText {
		t.Fatalf("expected placeholder text, got %+v ok=%v", msg, ok)
	}
}

func TestRegistry_ListOrderedAndCopied(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	tt.add("tok-b", "id-b", "Bob")
	r := newTestRegistry(t, tt)

	a, b := NewClient(8), NewClient(8)
	if _, err := r.Connect(context.Background(), a, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := r.Connect(context.Background(), b, "tok-b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].ConnectionID != a.ID || list[1].ConnectionID != b.ID {
		t.Fatalf("expected registration order, got %+v", list)
	}
	list[0].FullName = "mutated"
	if r.List()[0].FullName != "Alice" {
		t.Fatalf("List must return a copy")
	}
}

func TestRegistry_ExclusiveEvictsOlder(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	r := newTestRegistry(t, tt, WithExclusive(true))

	first, second := NewClient(8), NewClient(8)
	if _, err := r.Connect(context.Background(), first, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = drain(first)
	if _, err := r.Connect(context.Background(), second, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatalf("older connection should be closed")
	}
	if first.CloseReason() != "session evicted" {
		t.Fatalf("unexpected close reason %q", first.CloseReason())
	}
	evicted := decodePayload[v1.ErrorPayload](t, lastOfType(t, drain(first), v1.TypeError))
	if evicted.Code != v1.CodeSessionEvicted {
		t.Fatalf("expected session_evicted, got %+v", evicted)
	}

	list := r.List()
	if len(list) != 1 || list[0].ConnectionID != second.ID {
		t.Fatalf("expected only the new connection, got %+v", list)
	}
	if r.Disconnect(first.ID) {
		t.Fatalf("evicted connection is already gone")
	}
}

func TestRegistry_HistorySnapshotOnConnect(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	tt.add("tok-b", "id-b", "Bob")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, tt, WithReplay(2), WithRegistryClock(func() time.Time { return now }))

	r.Warm([]ChatMessage{{ID: "m0", SenderID: "x", SenderName: "X", Text: "old", SentAt: now}})

	a := NewClient(16)
	if _, err := r.Connect(context.Background(), a, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, text := range []string{"one", "two"} {
		if _, ok := r.Message(a.ID, text); !ok {
			t.Fatalf("Message rejected")
		}
	}

	b := NewClient(16)
	if _, err := r.Connect(context.Background(), b, "tok-b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	snap := decodePayload[v1.HistorySnapshotPayload](t, lastOfType(t, drain(b), v1.TypeHistorySnapshot))
	if len(snap.Messages) != 2 || snap.Messages[0].Text != "one" || snap.Messages[1].Text != "two" {
		t.Fatalf("expected last two messages oldest first, got %+v", snap.Messages)
	}
}

func TestRegistry_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	r := newTestRegistry(t, tt, WithReplay(0))

	a := NewClient(1)
	if _, err := r.Connect(context.Background(), a, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			r.Message(a.ID, "spam")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a full queue")
	}
}

func TestNewRegistry_RequiresAuthorizer(t *testing.T) {
	if _, err := NewRegistry(nil, nil); err == nil {
		t.Fatalf("expected error for nil authorizer")
	}
}

func TestRegistry_AuthorizeDoesNotRegister(t *testing.T) {
	t.Parallel()

	tt := newTokenTable()
	tt.add("tok-a", "id-a", "Alice")
	bob := tt.add("tok-b", "id-b", "Bob")
	r := newTestRegistry(t, tt, WithReplay(0))

	watcher := NewClient(8)
	if _, err := r.Connect(context.Background(), watcher, "tok-a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	drain(watcher)

	ident, err := r.Authorize(context.Background(), "tok-b")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if ident.ID != bob.ID {
		t.Fatalf("unexpected identity: %+v", ident)
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("authorize alone must not register, got %d", got)
	}
	if envs := drain(watcher); len(envs) != 0 {
		t.Fatalf("authorize alone must not announce, got %+v", envs)
	}

	c := NewClient(8)
	conn := r.Attach(c, ident)
	if conn.ID != c.ID || conn.Identity.ID != bob.ID {
		t.Fatalf("unexpected connection: %+v", conn)
	}
	presence := decodePayload[v1.PresenceChangedPayload](t, lastOfType(t, drain(watcher), v1.TypePresenceChanged))
	if len(presence.Connections) != 2 || presence.Connections[1].IdentityID != bob.ID {
		t.Fatalf("unexpected presence after attach: %+v", presence)
	}
}

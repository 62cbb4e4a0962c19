package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/auth/credential"
	"relay/cmd/internal/auth/guard"
	"relay/cmd/internal/auth/ratelimit"
	"relay/cmd/security/password"
	"relay/cmd/security/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type apiFixture struct {
	store  *identity.MemoryStore
	creds  *credential.Service
	server *httptest.Server
	logs   *syncBuffer
}

// syncBuffer collects log output written from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newAPIFixture(t *testing.T, cfg Config) apiFixture {
	t.Helper()

	logs := &syncBuffer{}
	log := slog.New(slog.NewJSONHandler(logs, nil))

	hasher := password.DefaultConfig()
	hasher.Params.MemoryKiB = 8 * 1024
	hasher.Params.Iterations = 1
	hasher.Params.Parallelism = 1

	codec, err := token.NewCodec(token.Config{Secret: testSecret, TTL: time.Hour, Issuer: token.DefaultIssuer})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	store := identity.NewMemoryStore()
	creds, err := credential.NewService(log, store, hasher, codec)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	g, err := guard.New(codec, store, guard.WithLogger(log))
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	h, err := NewHandler(log, cfg, creds, g, store)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return apiFixture{store: store, creds: creds, server: ts, logs: logs}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LoginEmail = ratelimit.Config{MaxAttempts: 3, Window: time.Minute}
	cfg.LoginIP = ratelimit.Config{MaxAttempts: 100, Window: time.Minute}
	return cfg
}

func doJSON(t *testing.T, method, url string, payload any, bearer string) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func decodeAuth(t *testing.T, b []byte) authResponse {
	t.Helper()
	var out authResponse
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode auth response: %v (%s)", err, b)
	}
	return out
}

func errorCode(t *testing.T, b []byte) string {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, b)
	}
	return out.Error.Code
}

func TestAuthAPI_RegisterLoginMe(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig())
	base := f.server.URL

	status, b := doJSON(t, http.MethodPost, base+"/auth/register", map[string]string{
		"email": "a@x.com", "password": "secret123", "fullName": "A",
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", status, b)
	}
	reg := decodeAuth(t, b)
	if reg.Email != "a@x.com" || reg.FullName != "A" || !reg.IsActive || reg.Token == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}
	if strings.Contains(string(b), "password") || strings.Contains(string(b), "$argon2id$") {
		t.Fatalf("register response leaks the hash: %s", b)
	}
	if len(reg.Roles) != 1 || reg.Roles[0] != string(identity.RoleUser) {
		t.Fatalf("expected default user role, got %v", reg.Roles)
	}

	status, b = doJSON(t, http.MethodPost, base+"/auth/login", map[string]string{
		"email": "A@X.COM ", "password": "secret123",
	}, "")
	if status != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%s)", status, b)
	}
	login := decodeAuth(t, b)
	if login.ID != reg.ID || login.Token == "" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	status, b = doJSON(t, http.MethodGet, base+"/auth/me", nil, login.Token)
	if status != http.StatusOK {
		t.Fatalf("me: expected 200, got %d (%s)", status, b)
	}
	var me identityResponse
	if err := json.Unmarshal(b, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.ID != reg.ID {
		t.Fatalf("me returned %q, want %q", me.ID, reg.ID)
	}

	status, b = doJSON(t, http.MethodGet, base+"/auth/check-status", nil, login.Token)
	if status != http.StatusOK {
		t.Fatalf("check-status: expected 200, got %d (%s)", status, b)
	}
	if renewed := decodeAuth(t, b); renewed.Token == "" || renewed.ID != reg.ID {
		t.Fatalf("unexpected check-status response: %+v", renewed)
	}

	if status, _ := doJSON(t, http.MethodGet, base+"/auth/me", nil, ""); status != http.StatusUnauthorized {
		t.Fatalf("me without token: expected 401, got %d", status)
	}
}

func TestAuthAPI_RegisterDuplicateAndInvalid(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig())
	base := f.server.URL
	body := map[string]string{"email": "a@x.com", "password": "secret123", "fullName": "A"}

	if status, b := doJSON(t, http.MethodPost, base+"/auth/register", body, ""); status != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", status, b)
	}

	body["email"] = " A@x.com"
	status, b := doJSON(t, http.MethodPost, base+"/auth/register", body, "")
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate: expected 400, got %d (%s)", status, b)
	}
	var er errorResponse
	if err := json.Unmarshal(b, &er); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if er.Error.Code != "duplicate_credential" || !strings.Contains(er.Error.Message, "a@x.com") {
		t.Fatalf("duplicate should carry the store detail, got %+v", er.Error)
	}

	cases := []map[string]any{
		{"email": "not-an-email", "password": "secret123", "fullName": "A"},
		{"email": "b@x.com", "password": "secret123", "fullName": ""},
		{"email": "b@x.com", "password": "x", "fullName": "B"},
		{"email": "b@x.com", "password": "secret123", "fullName": "B", "roles": []string{"admin"}},
	}
	for _, c := range cases {
		status, b := doJSON(t, http.MethodPost, base+"/auth/register", c, "")
		if status != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d (%s)", c, status, b)
		}
	}
}

func TestAuthAPI_LoginFailure_NoEnumeration(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig())
	base := f.server.URL

	if status, b := doJSON(t, http.MethodPost, base+"/auth/register", map[string]string{
		"email": "a@x.com", "password": "secret123", "fullName": "A",
	}, ""); status != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", status, b)
	}

	unknownStatus, unknownBody := doJSON(t, http.MethodPost, base+"/auth/login", map[string]string{
		"email": "nobody@x.com", "password": "secret123",
	}, "")
	wrongStatus, wrongBody := doJSON(t, http.MethodPost, base+"/auth/login", map[string]string{
		"email": "a@x.com", "password": "wrong-password",
	}, "")

	if unknownStatus != http.StatusUnauthorized || wrongStatus != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", unknownStatus, wrongStatus)
	}
	if !bytes.Equal(unknownBody, wrongBody) {
		t.Fatalf("responses differ:\nunknown=%s\nwrong=%s", unknownBody, wrongBody)
	}
	if !strings.Contains(f.logs.String(), actionLoginFailed) {
		t.Fatalf("expected audit log for failed login")
	}
}

func TestAuthAPI_LoginThrottle(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig())
	base := f.server.URL

	if status, b := doJSON(t, http.MethodPost, base+"/auth/register", map[string]string{
		"email": "a@x.com", "password": "secret123", "fullName": "A",
	}, ""); status != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%s)", status, b)
	}

	for i := 0; i < 3; i++ {
		status, _ := doJSON(t, http.MethodPost, base+"/auth/login", map[string]string{
			"email": "a@x.com", "password": "wrong-password",
		}, "")
		if status != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, status)
		}
	}

	// Even the right password is refused while the window is closed.
	status, b := doJSON(t, http.MethodPost, base+"/auth/login", map[string]string{
		"email": "A@x.com", "password": "secret123",
	}, "")
	if status != http.StatusTooManyRequests || errorCode(t, b) != "rate_limited" {
		t.Fatalf("expected 429 rate_limited, got %d (%s)", status, b)
	}
	if !strings.Contains(f.logs.String(), actionLoginRateLimited) {
		t.Fatalf("expected audit log for throttled login")
	}

	// Other identities are unaffected.
	status, _ = doJSON(t, http.MethodPost, base+"/auth/login", map[string]string{
		"email": "b@x.com", "password": "whatever1",
	}, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("unrelated email: expected 401, got %d", status)
	}
}

func TestAuthAPI_RoleProtectedRoutes(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig())
	base := f.server.URL
	ctx := context.Background()

	admin, err := f.creds.Register(ctx, credential.RegisterInput{
		Email: "root@x.com", Password: "secret123", FullName: "Root",
		Roles: []identity.Role{identity.RoleAdmin, identity.RoleUser},
	})
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	user, err := f.creds.Register(ctx, credential.RegisterInput{Email: "u@x.com", Password: "secret123", FullName: "U"})
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	if status, b := doJSON(t, http.MethodGet, base+"/auth/private", nil, user.Token.Token); status != http.StatusForbidden || errorCode(t, b) != "forbidden" {
		t.Fatalf("user on private: expected 403 forbidden, got %d (%s)", status, b)
	}
	if status, b := doJSON(t, http.MethodGet, base+"/auth/private", nil, admin.Token.Token); status != http.StatusOK {
		t.Fatalf("admin on private: expected 200, got %d (%s)", status, b)
	}

	deactivate := base + "/auth/identities/" + user.Identity.ID + "/deactivate"
	if status, _ := doJSON(t, http.MethodPost, deactivate, nil, user.Token.Token); status != http.StatusForbidden {
		t.Fatalf("user deactivating: expected 403, got %d", status)
	}
	status, b := doJSON(t, http.MethodPost, deactivate, nil, admin.Token.Token)
	if status != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d (%s)", status, b)
	}
	var out identityResponse
	if err := json.Unmarshal(b, &out); err != nil || out.IsActive {
		t.Fatalf("expected inactive identity, got %+v err=%v", out, err)
	}

	// The deactivated identity's token is refused at next use.
	if status, b := doJSON(t, http.MethodGet, base+"/auth/me", nil, user.Token.Token); status != http.StatusUnauthorized {
		t.Fatalf("inactive me: expected 401, got %d (%s)", status, b)
	}

	activate := base + "/auth/identities/" + user.Identity.ID + "/activate"
	if status, b := doJSON(t, http.MethodPost, activate, nil, admin.Token.Token); status != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d (%s)", status, b)
	}
	if status, _ := doJSON(t, http.MethodGet, base+"/auth/me", nil, user.Token.Token); status != http.StatusOK {
		t.Fatalf("reactivated me: expected 200, got %d", status)
	}

	missing := base + "/auth/identities/01ARZ3NDEKTSV4RRFFQ69G5FAV/deactivate"
	if status, _ := doJSON(t, http.MethodPost, missing, nil, admin.Token.Token); status != http.StatusNotFound {
		t.Fatalf("unknown identity: expected 404, got %d", status)
	}

	self := base + "/auth/identities/" + admin.Identity.ID + "/deactivate"
	if status, _ := doJSON(t, http.MethodPost, self, nil, admin.Token.Token); status != http.StatusBadRequest {
		t.Fatalf("self deactivate: expected 400, got %d", status)
	}
}

func TestAuthAPI_BadBodies(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, testConfig())

	for _, raw := range []string{"", "{", `{"email":"a@x.com"} {}`, `{"unknown":1}`} {
		resp, err := http.Post(f.server.URL+"/auth/login", "application/json", strings.NewReader(raw))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", raw, resp.StatusCode)
		}
	}

	resp, err := http.Get(f.server.URL + "/auth/login")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET login: expected 405, got %d", resp.StatusCode)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(r, false); got.String() != "10.0.0.1" {
		t.Fatalf("untrusted proxy: got %v", got)
	}
	if got := clientIP(r, true); got.String() != "203.0.113.7" {
		t.Fatalf("trusted proxy: got %v", got)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RELAY_AUTH_TRUST_PROXY", "true")
	t.Setenv("RELAY_AUTH_LOGIN_EMAIL_MAX", "7")
	t.Setenv("RELAY_AUTH_LOGIN_IP_WINDOW", "bogus")
	t.Setenv("RELAY_AUTH_MAX_BODY_BYTES", "-1")

	cfg := LoadConfigFromEnv()
	def := DefaultConfig()
	if !cfg.TrustProxy || cfg.LoginEmail.MaxAttempts != 7 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LoginIP.Window != def.LoginIP.Window || cfg.MaxBodyBytes != def.MaxBodyBytes {
		t.Fatalf("malformed values should fall back: %+v", cfg)
	}
}

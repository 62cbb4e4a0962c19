// Package main provides a CI-friendly WebSocket smoke test for relay realtime.
//
// It validates:
//   - register (or login) of two identities over HTTP
//   - handshake with a bearer token + subprotocol selection
//   - session.ready carries the authenticated identity
//   - message.send fans out message.new to every connection, sender included
//   - presence.changed after a disconnect
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "relay.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name     string
	conn     *websocket.Conn
	connID   string
	identity v1.Identity

	inbox chan v1.Envelope
	errCh chan error
}

type credentials struct {
	email    string
	password string
	fullName string
}

func main() {
	var (
		baseURL  = flag.String("http", "http://127.0.0.1:8080", "HTTP base URL (register/login)")
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		password = flag.String("password", "smoke-pass-123", "Password for the smoke identities")
		text     = flag.String("text", "hello relay 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	run := time.Now().UnixNano()

	tokA := mustToken(root, *baseURL, credentials{fmt.Sprintf("smoke-a-%d@relay.test", run), *password, "Smoke A"}, *timeout)
	tokB := mustToken(root, *baseURL, credentials{fmt.Sprintf("smoke-b-%d@relay.test", run), *password, "Smoke B"}, *timeout)

	a := mustConnect(root, "A", *wsURL, *origin, tokA, *timeout)
	b := mustConnect(root, "B", *wsURL, *origin, tokB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connID, b.connID, *origin)
	}

	mustSend(root, a, *text, *timeout)
	msgA := mustAssertNew(root, a, a.identity.ID, *text, *timeout)
	msgB := mustAssertNew(root, b, a.identity.ID, *text, *timeout)
	if msgA.ID != msgB.ID {
		fatalf("message id mismatch: A=%q B=%q", msgA.ID, msgB.ID)
	}

	closeWS(a.conn)
	mustPresenceWithout(root, b, a.connID, *timeout)

	fmt.Printf("OK: A=%s B=%s msg_id=%s\n", a.connID, b.connID, msgA.ID)
}

// mustToken registers the identity, falling back to login when it already exists.
func mustToken(parent context.Context, baseURL string, c credentials, stepTimeout time.Duration) string {
	body := map[string]string{"email": c.email, "password": c.password, "fullName": c.fullName}
	status, tok, err := postAuth(parent, baseURL+"/auth/register", body, stepTimeout)
	if err != nil {
		fatalf("register %s: %v", c.email, err)
	}
	if status == http.StatusCreated {
		return tok
	}

	delete(body, "fullName")
	status, tok, err = postAuth(parent, baseURL+"/auth/login", body, stepTimeout)
	if err != nil {
		fatalf("login %s: %v", c.email, err)
	}
	if status != http.StatusOK {
		fatalf("login %s: status %d", c.email, status)
	}
	return tok
}

func postAuth(parent context.Context, endpoint string, body map[string]string, stepTimeout time.Duration) (int, string, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(mustJSON(body)))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return resp.StatusCode, "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	if resp.StatusCode/100 == 2 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return resp.StatusCode, "", fmt.Errorf("decode auth response: %w", err)
		}
		if out.Token == "" {
			return resp.StatusCode, "", errors.New("auth response missing token")
		}
	}
	return resp.StatusCode, out.Token, nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, tok string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+tok)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ready := c.mustReadUntilType(parent, v1.TypeSessionReady, stepTimeout, nil)

	var p v1.SessionReadyPayload
	if err := json.Unmarshal(ready.Payload, &p); err != nil {
		fatalf("unmarshal session.ready payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" || strings.TrimSpace(p.Identity.ID) == "" {
		fatalf("session.ready missing connection or identity (%s)", name)
	}
	c.connID = p.ConnectionID
	c.identity = p.Identity

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSend(parent context.Context, c *smokeClient, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		ID:      fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{Text: text}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

var broadcastNoise = map[string]struct{}{
	v1.TypePresenceChanged: {},
	v1.TypeHistorySnapshot: {},
}

func mustAssertNew(parent context.Context, c *smokeClient, senderID, text string, stepTimeout time.Duration) v1.MessageNewPayload {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, broadcastNoise)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message.new payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		fatalf("new missing id (%s)", c.name)
	}
	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.SentAt.IsZero() {
		fatalf("new sent_at missing/zero (%s)", c.name)
	}
	return p
}

// mustPresenceWithout waits for a presence.changed that no longer lists connID.
func mustPresenceWithout(parent context.Context, c *smokeClient, connID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypePresenceChanged, stepTimeout, map[string]struct{}{v1.TypeMessageNew: {}})

		var p v1.PresenceChangedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal presence.changed payload (%s): %v", c.name, err)
		}
		gone := true
		for _, pr := range p.Connections {
			if pr.ConnectionID == connID {
				gone = false
				break
			}
		}
		if gone {
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

const defaultSendQueue = 64

// Client is the server side of one realtime connection: a bounded outbound
// queue plus a done signal shared by the reader, writer and heartbeat loops.
//
// Send is never closed; concurrent broadcasters may still hold a reference
// after the connection is gone.
type Client struct {
	ID   string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

// NewClient constructs a Client with a fresh connection id.
func NewClient(sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueue
	}
	return &Client{
		ID:   NewConnectionID(),
		Send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Enqueue offers env to the send queue without blocking.
// It reports false when the queue is full or the client is closed.
func (c *Client) Enqueue(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	c.CloseWithReason("")
}

// CloseWithReason is Close with a reason the writer reports in the close frame.
// Only the first call's reason is kept.
func (c *Client) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// CloseReason returns the reason given to CloseWithReason, if any.
func (c *Client) CloseReason() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

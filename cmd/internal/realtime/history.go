package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// HistoryStore persists broadcast chat messages.
//
// Implementations must be safe for concurrent use.
type HistoryStore interface {
	// Append stores msg. Appending an id that already exists is a no-op.
	Append(ctx context.Context, msg ChatMessage) error
	// Recent returns up to limit most recent messages, oldest first.
	Recent(ctx context.Context, limit int) ([]ChatMessage, error)
}

// MemoryHistory is a bounded in-process HistoryStore.
// Useful for dev and tests; contents are lost on restart.
type MemoryHistory struct {
	mu   sync.Mutex
	buf  []ChatMessage
	cap  int
	seen map[string]struct{}
}

// NewMemoryHistory keeps at most capacity messages (default maxReplayLimit).
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = maxReplayLimit
	}
	return &MemoryHistory{
		buf:  make([]ChatMessage, 0, capacity),
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

func (h *MemoryHistory) Append(ctx context.Context, msg ChatMessage) error {
	if h == nil {
		return errors.New("realtime: nil history")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("realtime: message id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.seen[msg.ID]; dup {
		return nil
	}
	if len(h.buf) == h.cap {
		delete(h.seen, h.buf[0].ID)
		h.buf = slices.Delete(h.buf, 0, 1)
	}
	h.buf = append(h.buf, msg)
	h.seen[msg.ID] = struct{}{}
	return nil
}

func (h *MemoryHistory) Recent(ctx context.Context, limit int) ([]ChatMessage, error) {
	if h == nil {
		return nil, errors.New("realtime: nil history")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > len(h.buf) {
		limit = len(h.buf)
	}
	return slices.Clone(h.buf[len(h.buf)-limit:]), nil
}

// maxPendingAppends bounds the persistence backlog when the store is slow.
const maxPendingAppends = 1024

// historyQueue appends messages to a HistoryStore one at a time, in push order.
// A single drain goroutine runs while there is a backlog.
type historyQueue struct {
	log     *slog.Logger
	store   HistoryStore
	timeout time.Duration

	mu      sync.Mutex
	pending []ChatMessage
	running bool
}

func newHistoryQueue(log *slog.Logger, store HistoryStore, timeout time.Duration) *historyQueue {
	return &historyQueue{log: log, store: store, timeout: timeout}
}

// push enqueues msg without blocking on the store.
func (q *historyQueue) push(msg ChatMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= maxPendingAppends {
		q.log.Error("history.append.drop", "msg_id", msg.ID, "pending", len(q.pending))
		return
	}
	q.pending = append(q.pending, msg)
	if !q.running {
		q.running = true
		go q.drain()
	}
}

func (q *historyQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.store.Append(ctx, msg); err != nil {
			q.log.Error("history.append.fail", "msg_id", msg.ID, "err", err)
		}
		cancel()
	}
}

package buffer

import (
	"sync"

	"github.com/ibrahmsql/vspc/internal/logger"
)

// SubscriberQueue is a bounded, byte-budgeted outbound queue for one
// subscriber of a session's serial stream. The serial path must never
// block on a slow subscriber, so Enqueue never blocks: once the queue's
// byte budget is exhausted the subscriber is marked overflowed and every
// further Enqueue is dropped until the caller disconnects it.
type SubscriberQueue struct {
	mu         sync.Mutex
	id         string
	maxBytes   int
	queued     [][]byte
	queuedLen  int
	overflowed bool
	notify     chan struct{}
}

// NewSubscriberQueue creates a SubscriberQueue for subscriber id with a
// byte budget of maxBytes.
func NewSubscriberQueue(id string, maxBytes int) *SubscriberQueue {
	return &SubscriberQueue{
		id:       id,
		maxBytes: maxBytes,
	}
}

// SetNotify registers a channel that Enqueue signals (non-blocking, so a
// already-pending signal just coalesces) whenever it appends data or newly
// overflows. A consuming pump selects on this channel to wake up without
// polling. Must be set before the queue is shared with a producer.
func (q *SubscriberQueue) SetNotify(ch chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = ch
}

// Enqueue appends p to the queue. Returns false if the queue has already
// overflowed or overflows as a result of this call; the caller must then
// disconnect the subscriber. The byte slice is retained, not copied — the
// caller must not reuse it afterward.
func (q *SubscriberQueue) Enqueue(p []byte) bool {
	if len(p) == 0 {
		return true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.overflowed {
		return false
	}

	ok := true
	if q.queuedLen+len(p) > q.maxBytes {
		q.overflowed = true
		ok = false
		logger.Warn("subscriber %s exceeded outbound queue budget (%d bytes), disconnecting", q.id, q.maxBytes)
	} else {
		q.queued = append(q.queued, p)
		q.queuedLen += len(p)
	}

	if q.notify != nil {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return ok
}

// Drain removes and returns every queued chunk in FIFO order, resetting
// the queue's byte count to zero. Does not clear the overflow flag.
func (q *SubscriberQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queued) == 0 {
		return nil
	}

	out := q.queued
	q.queued = nil
	q.queuedLen = 0
	return out
}

// Overflowed reports whether this queue has exceeded its byte budget.
func (q *SubscriberQueue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowed
}

// Len returns the number of bytes currently queued.
func (q *SubscriberQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedLen
}

// ID returns the subscriber ID this queue was created for.
func (q *SubscriberQueue) ID() string {
	return q.id
}

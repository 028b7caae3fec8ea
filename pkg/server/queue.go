package server

import (
	"sync"
	"time"

	"github.com/fal-ai/insulate/pkg/rpc"
)

// MessageQueue is the per-task fan-in point between the log hook, the
// agent-stream pump, and the outbound-stream drainer. Multiple producers,
// exactly one consumer. Puts never block.
type MessageQueue struct {
	mu    sync.Mutex
	items []*rpc.PartialRunResult

	// signal carries at most one pending wakeup for the consumer.
	signal chan struct{}
}

// NewMessageQueue returns an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{
		signal: make(chan struct{}, 1),
	}
}

// Put appends a message and wakes the consumer.
func (q *MessageQueue) Put(m *rpc.PartialRunResult) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryGet pops the oldest message without waiting.
func (q *MessageQueue) TryGet() (*rpc.PartialRunResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items = q.items[1:]

	// Keep the wakeup pending while there is a backlog; puts coalesce
	// into a single signal otherwise.
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return m, true
}

// Get pops the oldest message, waiting up to timeout for one to arrive.
func (q *MessageQueue) Get(timeout time.Duration) (*rpc.PartialRunResult, bool) {
	if m, ok := q.TryGet(); ok {
		return m, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.signal:
			if m, ok := q.TryGet(); ok {
				return m, true
			}
		case <-timer.C:
			return q.TryGet()
		}
	}
}

// Empty reports whether the queue currently holds no messages.
func (q *MessageQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

type queue struct {
	mu sync.Mutex

	capacity int
	closed   bool
	items    deque.Deque[*Message]
	// closed and replaced on every push to wake blocked receivers
	ready chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{capacity: capacity, ready: make(chan struct{})}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}

// push returns the message dropped to stay within the capacity, if any.
// ok is false when the queue was deleted and msg was discarded.
func (q *queue) push(msg *Message) (dropped *Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false
	}
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		dropped = q.items.PopFront()
	}
	q.items.PushBack(msg)

	close(q.ready)
	q.ready = make(chan struct{})
	return dropped, true
}

func (q *queue) pop(ctx context.Context, timeout time.Duration) *Message {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if q.items.Len() > 0 {
			msg := q.items.PopFront()
			q.mu.Unlock()
			return msg
		}
		ready := q.ready
		q.mu.Unlock()

		if expired == nil {
			return nil
		}

		select {
		case <-ready:
		case <-expired:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items.Clear()
	close(q.ready)
}

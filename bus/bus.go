// Package bus is an in-process message bus of named FIFO queues. A send both
// enqueues the message for point-to-point receivers and synchronously
// notifies every subscriber of the queue.
//
// The bus carries signaling and observability traffic only, task data flows
// through the execution context.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/agentflow/types"
)

var (
	_ types.Publisher = &Bus{}
)

type Message struct {
	ID        string
	Queue     string
	Payload   types.Data
	Timestamp time.Time
}

// Handler is a subscriber callback. Errors and panics are logged, never
// returned to the sender.
type Handler func(msg *Message) error

type subscription struct {
	id      string
	handler Handler
}

type Option func(*Bus)

// WithQueueCapacity bounds every queue, the oldest message is dropped when a
// full queue receives a new one. Zero means unbounded.
func WithQueueCapacity(capacity int) Option {
	return func(b *Bus) {
		b.capacity = capacity
	}
}

type Bus struct {
	mu sync.RWMutex

	capacity    int
	queues      map[string]*queue
	subscribers map[string][]*subscription
}

func New(opts ...Option) *Bus {
	b := &Bus{
		queues:      make(map[string]*queue),
		subscribers: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateQueue is a no-op for an existing queue.
func (b *Bus) CreateQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.getOrCreateLocked(name)
}

func (b *Bus) getOrCreateLocked(name string) *queue {
	q, exists := b.queues[name]
	if !exists {
		q = newQueue(b.capacity)
		b.queues[name] = q
		log.WithField("queue", name).Debug("queue created")
	}
	return q
}

// DeleteQueue drops pending messages and subscribers, blocked receivers
// return nil.
func (b *Bus) DeleteQueue(name string) bool {
	b.mu.Lock()
	q, exists := b.queues[name]
	delete(b.queues, name)
	delete(b.subscribers, name)
	b.mu.Unlock()

	if exists {
		q.close()
		log.WithField("queue", name).Debug("queue deleted")
	}
	return exists
}

func (b *Bus) Queues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of pending messages, 0 for an unknown queue.
func (b *Bus) Len(name string) int {
	b.mu.RLock()
	q, exists := b.queues[name]
	b.mu.RUnlock()

	if !exists {
		return 0
	}
	return q.len()
}

// Send appends msg to the queue, creating the queue if needed, and returns
// the message id. Missing id and timestamp are assigned. A queue deleted
// while the message is appended reports NotFound.
func (b *Bus) Send(name string, msg *Message) (string, error) {
	if msg == nil {
		return "", errors.BadRequestf("nil message on queue %s", name)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Queue = name

	b.mu.Lock()
	q := b.getOrCreateLocked(name)
	subs := make([]*subscription, len(b.subscribers[name]))
	copy(subs, b.subscribers[name])
	b.mu.Unlock()

	dropped, ok := q.push(msg)
	if !ok {
		log.WithFields(log.Fields{"queue": name, "message_id": msg.ID}).Warn("queue deleted, message discarded")
		return "", errors.NotFoundf("queue %s", name)
	}
	if dropped != nil {
		log.WithFields(log.Fields{"queue": name, "message_id": dropped.ID}).Warn("queue full, oldest message dropped")
	}

	for _, sub := range subs {
		b.notify(name, sub, msg)
	}
	return msg.ID, nil
}

// Publish sends payload as a new message.
func (b *Bus) Publish(name string, payload types.Data) (string, error) {
	return b.Send(name, &Message{Payload: payload})
}

func (b *Bus) notify(name string, sub *subscription, msg *Message) {
	logger := log.WithFields(log.Fields{"queue": name, "subscription": sub.id, "message_id": msg.ID})
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("subscriber panic: %v", r)
		}
	}()
	if err := sub.handler(msg); err != nil {
		logger.Errorf("subscriber failed: %v", err)
	}
}

// Receive pops the oldest message, waiting up to timeout for one to arrive.
// It returns nil on timeout, on an unknown or deleted queue, and when ctx
// is done.
func (b *Bus) Receive(ctx context.Context, name string, timeout time.Duration) *Message {
	b.mu.RLock()
	q, exists := b.queues[name]
	b.mu.RUnlock()

	if !exists {
		return nil
	}
	return q.pop(ctx, timeout)
}

// Subscribe registers handler on the queue, creating it if needed, and
// returns the subscription id used by Unsubscribe.
func (b *Bus) Subscribe(name string, handler Handler) (string, error) {
	if handler == nil {
		return "", errors.BadRequestf("nil handler on queue %s", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.getOrCreateLocked(name)
	sub := &subscription{id: uuid.NewString(), handler: handler}
	b.subscribers[name] = append(b.subscribers[name], sub)
	return sub.id, nil
}

func (b *Bus) Unsubscribe(name, subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[name]
	for i, sub := range subs {
		if sub.id == subscriptionID {
			b.subscribers[name] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%s] %v", m.Queue, m.ID, m.Payload)
}

// Package server coordinates subscription, message fan-out, and cleanup for
// the relay via the Hub type.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultBufferSize is the number of undelivered messages a subscription
// holds before the oldest ones are dropped.
const DefaultBufferSize = 100

var (
	// ErrHubClosed is returned by Subscribe after the hub has been closed.
	ErrHubClosed = errors.New("hub closed")
	// ErrSubscriptionClosed is returned by Recv once the subscription or
	// its hub has been closed and no buffered messages remain.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// LaggedError is returned by Recv when the subscription fell behind and
// Missed messages were discarded. The next Recv resumes with the oldest
// retained message.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: missed %d messages", e.Missed)
}

// Hub fans every published message out to all current subscriptions.
// It is safe for concurrent use; callers never need their own locking.
type Hub struct {
	mutex    sync.RWMutex
	subs     map[uint64]*Subscription
	nextID   uint64
	capacity int
	closed   bool
	logger   *slog.Logger
}

// NewHub creates a hub whose subscriptions buffer up to capacity messages.
// A non-positive capacity selects DefaultBufferSize.
func NewHub(capacity int, logger *slog.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:     make(map[uint64]*Subscription),
		capacity: capacity,
		logger:   logger,
	}
}

// Subscribe returns a subscription that observes every message published
// after Subscribe returns.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	h.nextID++
	sub := &Subscription{
		hub:    h,
		id:     h.nextID,
		queue:  make([]Message, h.capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// Publish queues msg for every current subscription and returns how many
// it reached. It never blocks on slow subscribers. Publishing with no
// subscribers is not an error; the message is simply dropped.
func (h *Hub) Publish(msg Message) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(h.subs) == 0 {
		h.logger.Debug("no subscribers, message dropped", "client", msg.Origin)
		return 0
	}

	for _, sub := range h.subs {
		sub.push(msg)
	}
	return len(h.subs)
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subs)
}

// Close detaches every subscription and rejects further subscribers.
// Pending Recv calls return ErrSubscriptionClosed once drained.
func (h *Hub) Close() {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for id, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, id)
	}
	h.mutex.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
	h.logger.Info("hub closed", "subscribers", len(subs))
}

func (h *Hub) remove(id uint64) {
	h.mutex.Lock()
	delete(h.subs, id)
	h.mutex.Unlock()
}

// Subscription is one receive endpoint of a Hub. Buffered messages live in
// a fixed-size ring; when it is full the oldest entry is overwritten and
// counted as missed.
type Subscription struct {
	hub *Hub
	id  uint64

	mu     sync.Mutex
	queue  []Message
	head   int
	size   int
	missed uint64
	closed bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) push(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	capacity := len(s.queue)
	if s.size == capacity {
		s.head = (s.head + 1) % capacity
		s.size--
		s.missed++
	}
	s.queue[(s.head+s.size)%capacity] = msg
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until a message is available, ctx is done, or the
// subscription is closed. A *LaggedError reports dropped messages and is
// not terminal.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.missed > 0 {
			missed := s.missed
			s.missed = 0
			s.mu.Unlock()
			return Message{}, &LaggedError{Missed: missed}
		}
		if s.size > 0 {
			msg := s.queue[s.head]
			s.queue[s.head] = Message{}
			s.head = (s.head + 1) % len(s.queue)
			s.size--
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Message{}, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from its hub. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

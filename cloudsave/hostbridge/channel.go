// Package hostbridge turns a broadcast, unordered message channel shared with the
// embedding host into correlated request/response exchanges for multipart uploads.
package hostbridge

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("channel is closed")

// Message is one delivery on a Channel.
type Message struct {
	// Source identifies the sender. A channel may deliver a sender's own messages back to it.
	Source string
	// Data is the payload as it arrived: a pre-parsed value or JSON text.
	Data interface{}
}

// Channel is a fire-and-forget broadcast transport. Deliveries are unordered, may include
// echoes of outbound messages and traffic that has nothing to do with uploads.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	// Subscribe registers handler for every inbound message until unsubscribe is called.
	// Handlers must not block.
	Subscribe(handler func(Message)) (unsubscribe func())
}

type subscribers struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(Message)
}

func (s *subscribers) add(handler func(Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = map[uint64]func(Message){}
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
		})
	}
}

// deliver calls every handler outside the lock, so handlers may unsubscribe themselves.
func (s *subscribers) deliver(msg Message) {
	s.mu.RLock()
	handlers := make([]func(Message), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (s *subscribers) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Hub is an in-process broadcast Channel: every message sent is delivered to every
// subscriber, the sender's own subscriptions included.
type Hub struct {
	subs   subscribers
	mu     sync.RWMutex
	closed bool
}

// NewHub ...
func NewHub() *Hub {
	return &Hub{}
}

// Send ...
func (h *Hub) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}

	h.subs.deliver(msg)
	return nil
}

// Subscribe ...
func (h *Hub) Subscribe(handler func(Message)) func() {
	return h.subs.add(handler)
}

// Subscribers returns the number of registered handlers.
func (h *Hub) Subscribers() int {
	return h.subs.count()
}

// Close makes further sends fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Package notify fans table change notifications out to in-process subscribers.
package notify

import (
	"sync"

	"github.com/drfirst/go-enrollment/pkg/stream"
)

// Hub delivers table change signals. Each subscriber holds at most one
// pending signal; further changes before it is consumed collapse into it.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscription)}
}

type subscription struct {
	hub    *Hub
	id     int
	tables map[string]struct{}
	ch     chan struct{}
	once   sync.Once
}

func (s *subscription) C() <-chan struct{} { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

// Subscribe registers interest in one or more tables.
func (h *Hub) Subscribe(tables ...string) stream.Subscription {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &subscription{
		hub:    h,
		id:     h.nextID,
		tables: set,
		ch:     make(chan struct{}, 1),
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish signals every subscriber interested in any of tables.
func (h *Hub) Publish(tables ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if !sub.matches(tables) {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscription) matches(tables []string) bool {
	for _, t := range tables {
		if _, ok := s.tables[t]; ok {
			return true
		}
	}
	return false
}

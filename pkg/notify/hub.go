package notify

import (
	"context"
	"sync"
)

const defaultBuffer = 16

// Hub is an in-process Bus. Slow subscribers lose their oldest pending
// changes, never the newest.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*hubSubscription]struct{}
	buffer int
	closed bool
}

// NewHub creates an in-memory bus.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSubscription]struct{}), buffer: defaultBuffer}
}

func (h *Hub) Publish(_ context.Context, change Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for s := range h.subs[change.UserID] {
		s.deliver(change)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	s := &hubSubscription{hub: h, userID: userID, ch: make(chan Change, h.buffer), done: make(chan struct{})}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*hubSubscription]struct{})
	}
	h.subs[userID][s] = struct{}{}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				_ = s.Close()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

// Subscribers returns the number of open subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			s.shutdown()
		}
	}
	h.subs = nil
	return nil
}

func (h *Hub) remove(s *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.userID)
		}
	}
	s.shutdown()
}

type hubSubscription struct {
	hub    *Hub
	userID string
	ch     chan Change

	once sync.Once
	done chan struct{}
}

func (s *hubSubscription) C() <-chan Change { return s.ch }

func (s *hubSubscription) Close() error {
	s.hub.remove(s)
	return nil
}

// deliver is called with the hub lock held.
func (s *hubSubscription) deliver(change Change) {
	for {
		select {
		case s.ch <- change:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// shutdown is called with the hub lock held.
func (s *hubSubscription) shutdown() {
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}

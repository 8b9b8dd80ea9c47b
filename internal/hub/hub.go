// Package hub multiplexes status events to an arbitrary number of logical
// subscriptions over per-connection subscribers. Broadcasts never block on a
// slow consumer: each subscriber owns a bounded outbound queue and is
// disconnected when it overflows.
package hub

import (
	"sync"

	"github.com/google/uuid"
)

const outboundQueueSize = 64

// Subscriber is one transport connection's view of the hub. Identity is
// ephemeral: a reconnecting client gets a fresh subscriber and must
// re-subscribe explicitly.
type Subscriber struct {
	id  string
	out chan []byte
}

// ID returns the subscriber's ephemeral identifier.
func (s *Subscriber) ID() string { return s.id }

// Out is the outbound queue. It is closed when the subscriber is removed,
// including removal for falling behind.
func (s *Subscriber) Out() <-chan []byte { return s.out }

// Send queues a direct (non-broadcast) message, reporting false if the
// subscriber is full or already removed. Removal can race the send, so the
// closed-channel panic is absorbed here.
func (s *Subscriber) Send(message []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case s.out <- message:
		return true
	default:
		return false
	}
}

type Hub struct {
	mu sync.RWMutex
	// subClientID -> subscribers registered for it, and the reverse index.
	byTopic map[string]map[*Subscriber]struct{}
	bySub   map[*Subscriber]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		byTopic: make(map[string]map[*Subscriber]struct{}),
		bySub:   make(map[*Subscriber]map[string]struct{}),
	}
}

// Add registers a new subscriber with no subscriptions.
func (h *Hub) Add() *Subscriber {
	s := &Subscriber{id: uuid.NewString(), out: make(chan []byte, outboundQueueSize)}
	h.mu.Lock()
	h.bySub[s] = make(map[string]struct{})
	h.mu.Unlock()
	return s
}

// Remove drops all of the subscriber's subscriptions and closes its queue.
// Safe to call more than once.
func (h *Hub) Remove(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscriber) {
	topics, ok := h.bySub[s]
	if !ok {
		return
	}
	for topic := range topics {
		set := h.byTopic[topic]
		delete(set, s)
		if len(set) == 0 {
			delete(h.byTopic, topic)
		}
	}
	delete(h.bySub, s)
	close(s.out)
}

// Subscribe registers s for events of one sub-client. Reports whether the
// subscriber is still attached.
func (h *Hub) Subscribe(s *Subscriber, subClientID string) bool {
	if subClientID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.bySub[s]
	if !ok {
		return false
	}
	topics[subClientID] = struct{}{}
	set, ok := h.byTopic[subClientID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.byTopic[subClientID] = set
	}
	set[s] = struct{}{}
	return true
}

func (h *Hub) Unsubscribe(s *Subscriber, subClientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.bySub[s]
	if !ok {
		return
	}
	delete(topics, subClientID)
	set := h.byTopic[subClientID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.byTopic, subClientID)
	}
}

// Broadcast queues message for every subscriber registered for subClientID
// and for no one else. A subscriber whose queue is full is removed rather
// than allowed to backpressure the hub.
func (h *Hub) Broadcast(subClientID string, message []byte) {
	if subClientID == "" {
		return
	}

	h.mu.RLock()
	set, ok := h.byTopic[subClientID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	var overflowed []*Subscriber
	for s := range set {
		select {
		case s.out <- message:
		default:
			overflowed = append(overflowed, s)
		}
	}
	h.mu.RUnlock()

	if len(overflowed) == 0 {
		return
	}
	h.mu.Lock()
	for _, s := range overflowed {
		h.removeLocked(s)
	}
	h.mu.Unlock()
}

// Subscriptions returns the sub-client IDs s is registered for.
func (h *Hub) Subscriptions(s *Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := h.bySub[s]
	result := make([]string, 0, len(topics))
	for topic := range topics {
		result = append(result, topic)
	}
	return result
}

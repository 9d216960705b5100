// Package notify fans lifecycle events out to subscribers.
//
// Delivery is best-effort and at most once per send: a recipient with no
// live subscription, or whose buffer is full, simply misses the event.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// Notifier delivers targeted and broadcast events. Sends never block and
// never fail.
type Notifier interface {
	Notify(ctx context.Context, identity, event string, payload any)
	Broadcast(ctx context.Context, event string, payload any)
}

// DropObserver is told about every event that found no listener or a full
// buffer.
type DropObserver interface {
	NotificationDropped(ctx context.Context, event string)
}

type nopDrops struct{}

func (nopDrops) NotificationDropped(context.Context, string) {}

// Subscription is one live delivery channel. It may listen on several
// identities and always receives broadcasts.
type Subscription struct {
	id  uint64
	hub *Hub
	ch  chan contracts.Event

	mu         sync.Mutex
	identities map[string]struct{}
	closed     bool
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan contracts.Event { return s.ch }

// Identities returns the identities s listens on.
func (s *Subscription) Identities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.identities))
	for id := range s.identities {
		out = append(out, id)
	}
	return out
}

// Listen joins the delivery group of identity.
func (s *Subscription) Listen(identity string) { s.hub.join(s, identity) }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// Hub is the in-process fanout: one delivery group per identity, plus the
// set of all subscriptions for broadcasts.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[uint64]*Subscription
	all    map[uint64]*Subscription
	nextID uint64
	closed bool

	buffer int
	clock  func() time.Time
	drops  DropObserver
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) HubOption { return func(h *Hub) { h.buffer = n } }

// WithDropObserver sets the observer for undelivered events.
func WithDropObserver(o DropObserver) HubOption { return func(h *Hub) { h.drops = o } }

// WithHubClock overrides the event timestamp clock.
func WithHubClock(clock func() time.Time) HubOption { return func(h *Hub) { h.clock = clock } }

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:  make(map[string]map[uint64]*Subscription),
		all:    make(map[uint64]*Subscription),
		buffer: 16,
		clock:  time.Now,
		drops:  nopDrops{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe opens a subscription listening on identities. Joining an
// identity that already has listeners adds to its group and never evicts
// the existing members.
func (h *Hub) Subscribe(identities ...string) *Subscription {
	sub := &Subscription{
		hub:        h,
		ch:         make(chan contracts.Event, h.buffer),
		identities: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.all[sub.id] = sub
	h.mu.Unlock()

	for _, id := range identities {
		h.join(sub, id)
	}
	return sub
}

func (h *Hub) join(sub *Subscription, identity string) {
	if identity == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.all[sub.id]; !live {
		return
	}
	room, ok := h.rooms[identity]
	if !ok {
		room = make(map[uint64]*Subscription)
		h.rooms[identity] = room
	}
	room[sub.id] = sub

	sub.mu.Lock()
	sub.identities[identity] = struct{}{}
	sub.mu.Unlock()
}

// Unsubscribe removes sub from every group and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.all, sub.id)
	for id := range sub.identities {
		if room, ok := h.rooms[id]; ok {
			delete(room, sub.id)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	close(sub.ch)
}

// Notify sends to every subscription listening on identity.
func (h *Hub) Notify(ctx context.Context, identity, event string, payload any) {
	ev := contracts.Event{Name: event, Payload: payload, At: h.clock()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[identity]
	if len(room) == 0 {
		h.drops.NotificationDropped(ctx, event)
		return
	}
	for _, sub := range room {
		h.deliver(ctx, sub, ev)
	}
}

// Broadcast sends to every subscription.
func (h *Hub) Broadcast(ctx context.Context, event string, payload any) {
	ev := contracts.Event{Name: event, Payload: payload, At: h.clock()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.all {
		h.deliver(ctx, sub, ev)
	}
}

// deliver must be called with h.mu held; channels are only closed under
// the write lock.
func (h *Hub) deliver(ctx context.Context, sub *Subscription, ev contracts.Event) {
	select {
	case sub.ch <- ev:
	default:
		h.drops.NotificationDropped(ctx, ev.Name)
	}
}

// Listeners returns the number of subscriptions on identity.
func (h *Hub) Listeners(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[identity])
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// Close ends every subscription. Later subscriptions are born closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, sub := range h.all {
		h.removeLocked(sub)
	}
}

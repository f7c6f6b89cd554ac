package posts

import "sync"

// SubscriptionState is the delivery state of a subscription.
type SubscriptionState int

const (
	// StateRegistered subscriptions receive the next published event.
	StateRegistered SubscriptionState = iota
	// StateDraining subscriptions hold an event that has not been handled yet.
	StateDraining
	// StateClosed subscriptions receive nothing further.
	StateClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hub fans ledger events out to subscriptions. Publishing never blocks.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	onDrop func(n int)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription is one consumer's registration with a Hub.
type Subscription struct {
	id     string
	hub    *Hub
	events chan Event
	state  SubscriptionState
	missed bool
}

// Subscribe registers a new subscription in StateRegistered.
func (h *Hub) Subscribe(id string) *Subscription {
	s := &Subscription{
		id:     id,
		hub:    h,
		events: make(chan Event, 1),
		state:  StateRegistered,
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// publish hands ev to every registered subscription and moves it to
// StateDraining. Draining subscriptions miss the event.
func (h *Hub) publish(ev Event) (delivered, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if s.state != StateRegistered {
			s.missed = true
			dropped++
			continue
		}
		select {
		case s.events <- ev:
			s.state = StateDraining
			delivered++
		default:
			s.missed = true
			dropped++
		}
	}
	if dropped > 0 && h.onDrop != nil {
		h.onDrop(dropped)
	}
	return delivered, dropped
}

// ID returns the identifier the subscription was created with.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// State returns the current delivery state.
func (s *Subscription) State() SubscriptionState {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.state
}

// Rearm moves a draining subscription back to StateRegistered after its event
// was handled. missed reports whether any event was dropped since the last
// Rearm; ok is false if the subscription has been closed.
func (s *Subscription) Rearm() (missed, ok bool) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.state == StateClosed {
		return false, false
	}
	s.state = StateRegistered
	missed = s.missed
	s.missed = false
	return missed, true
}

// Close moves the subscription to StateClosed and closes its event channel.
// Close is idempotent.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	delete(s.hub.subs, s)
	close(s.events)
}

package posts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_registeredReceivesAndDrains(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("a")
	assert.Equal(t, StateRegistered, s.State())

	delivered, dropped := h.publish(Event{Kind: EventAddPost, Index: 0})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, StateDraining, s.State())

	ev := <-s.Events()
	assert.Equal(t, EventAddPost, ev.Kind)

	missed, ok := s.Rearm()
	require.True(t, ok)
	assert.False(t, missed)
	assert.Equal(t, StateRegistered, s.State())
}

func TestHub_drainingSubscriptionMissesEvents(t *testing.T) {
	h := NewHub()
	var drops int
	h.onDrop = func(n int) { drops += n }
	s := h.Subscribe("slow")

	h.publish(Event{Kind: EventAddPost, Index: 0})
	h.publish(Event{Kind: EventAddPost, Index: 1})
	h.publish(Event{Kind: EventAdvancedIrreversible})

	assert.Equal(t, 2, drops)
	ev := <-s.Events()
	assert.Equal(t, 0, ev.Index, "only the first event is held")

	missed, ok := s.Rearm()
	require.True(t, ok)
	assert.True(t, missed)

	missed, _ = s.Rearm()
	assert.False(t, missed, "missed flag resets on rearm")
}

func TestHub_closedSubscriptionIsIsolated(t *testing.T) {
	h := NewHub()
	failing := h.Subscribe("failing")
	healthy := h.Subscribe("healthy")

	h.publish(Event{Kind: EventAddPost, Index: 0})
	<-failing.Events()
	failing.Close()
	failing.Close()
	assert.Equal(t, StateClosed, failing.State())

	_, ok := failing.Rearm()
	assert.False(t, ok, "closed subscriptions cannot re-register")

	<-healthy.Events()
	_, ok = healthy.Rearm()
	require.True(t, ok)

	delivered, _ := h.publish(Event{Kind: EventAddPost, Index: 1})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, h.Len())

	_, open := <-failing.Events()
	assert.False(t, open, "closed subscription channel is closed")

	ev := <-healthy.Events()
	assert.Equal(t, 1, ev.Index)
}

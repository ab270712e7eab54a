package api

import (
	"encoding/json"
	"testing"

	"soundsense/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(queueCap int) *Hub {
	return NewHub(queueCap, zap.NewNop().Sugar())
}

func decodeQueued(t *testing.T, sub *Subscriber) []FHIRObservation {
	t.Helper()
	var out []FHIRObservation
	for _, msg := range sub.drain() {
		var res FHIRObservation
		require.NoError(t, json.Unmarshal(msg, &res))
		out = append(out, res)
	}
	return out
}

func TestHubDeliversToAllSubscribersInOrder(t *testing.T) {
	hub := newTestHub(8)
	defer hub.Stop()

	s1 := hub.Subscribe()
	s2 := hub.Subscribe()
	assert.Equal(t, 2, hub.SubscriberCount())

	a := sampleObservation()
	b := sampleObservation()
	hub.Publish(a)
	hub.Publish(b)

	for _, sub := range []*Subscriber{s1, s2} {
		got := decodeQueued(t, sub)
		require.Len(t, got, 2)
		assert.Equal(t, a.ID.String(), got[0].ID)
		assert.Equal(t, b.ID.String(), got[1].ID)
	}
}

func TestHubLateSubscriberGetsNothingRetroactively(t *testing.T) {
	hub := newTestHub(8)
	defer hub.Stop()

	early := hub.Subscribe()
	hub.Publish(sampleObservation())

	late := hub.Subscribe()
	assert.Empty(t, late.drain())
	assert.Len(t, early.drain(), 1)

	next := sampleObservation()
	hub.Publish(next)
	got := decodeQueued(t, late)
	require.Len(t, got, 1)
	assert.Equal(t, next.ID.String(), got[0].ID)
}

func TestHubOverflowDropsOldest(t *testing.T) {
	hub := newTestHub(3)
	defer hub.Stop()

	sub := hub.Subscribe()

	observations := make([]core.Observation, 5)
	for i := range observations {
		observations[i] = sampleObservation()
		observations[i].Value = float64(i)
		hub.Publish(observations[i])
	}

	got := decodeQueued(t, sub)
	require.Len(t, got, 3)
	// The three newest survive; the two oldest were dropped.
	assert.Equal(t, 2.0, got[0].ValueQuantity.Value)
	assert.Equal(t, 3.0, got[1].ValueQuantity.Value)
	assert.Equal(t, 4.0, got[2].ValueQuantity.Value)
}

func TestHubPublishWithNoSubscribers(t *testing.T) {
	hub := newTestHub(4)
	defer hub.Stop()
	hub.Publish(sampleObservation())
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHubUnsubscribeIsIdempotent(t *testing.T) {
	hub := newTestHub(4)
	defer hub.Stop()

	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount())

	// Publishing after unsubscribe enqueues nothing.
	hub.Publish(sampleObservation())
	assert.Empty(t, sub.drain())
}

func TestHubStopClosesSubscribers(t *testing.T) {
	hub := newTestHub(4)
	s1 := hub.Subscribe()
	s2 := hub.Subscribe()

	hub.Stop()
	assert.Equal(t, 0, hub.SubscriberCount())
	assert.True(t, s1.isClosed())
	assert.True(t, s2.isClosed())
}

func TestSubscriberEnqueueAfterCloseIsNoop(t *testing.T) {
	hub := newTestHub(4)
	defer hub.Stop()

	sub := hub.Subscribe()
	sub.close()
	assert.False(t, sub.enqueue([]byte("x")))
	assert.Empty(t, sub.drain())
}

func TestHubWireFormatIsFHIR(t *testing.T) {
	hub := newTestHub(4)
	defer hub.Stop()

	sub := hub.Subscribe()
	hub.Publish(sampleObservation())

	msgs := sub.drain()
	require.Len(t, msgs, 1)

	var res FHIRObservation
	require.NoError(t, json.Unmarshal(msgs[0], &res))
	assert.Equal(t, "Observation", res.ResourceType)
	assert.NoError(t, res.Validate())
}

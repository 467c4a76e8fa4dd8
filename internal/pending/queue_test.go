package pending

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
	"astrolink/internal/router"
)

type nopEmitter struct{}

func (nopEmitter) Emit(event.Envelope) error { return nil }

func newTestQueue(t *testing.T, maxAge time.Duration) (*Queue, *router.Router) {
	t.Helper()
	rt := router.New(nopEmitter{}, zap.NewNop(), 0)
	q := New(rt, zap.NewNop(), maxAge)
	t.Cleanup(q.Close)
	return q, rt
}

func offer(id string) model.BookingRequest {
	return model.BookingRequest{ID: id, Type: event.ConsultationChat, CreatedAt: time.Now()}
}

func TestAddIsIdempotentByID(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	assert.True(t, q.Add(offer("b1")))
	assert.False(t, q.Add(offer("b1")), "duplicate id must be a no-op")
	assert.Equal(t, 1, q.Len())
}

func TestSnapshotPreservesArrivalOrder(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	q.Add(offer("b1"))
	q.Add(offer("b2"))
	q.Add(offer("b3"))
	_, removed := q.Remove("b2")
	require.True(t, removed)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b1", snap[0].ID)
	assert.Equal(t, "b3", snap[1].ID)
}

func TestServerEventsRemoveOffers(t *testing.T) {
	q, rt := newTestQueue(t, 0)

	q.Add(offer("b1"))
	q.Add(offer("b2"))
	q.Add(offer("b3"))

	dispatch := func(name, id, takenBy string) {
		env, err := event.New(name, model.BookingLifecyclePayload{RequestID: id, TakenBy: takenBy})
		require.NoError(t, err)
		rt.Dispatch(env)
	}

	dispatch(event.EventBookingTaken, "b1", "astro_2")
	dispatch(event.EventBookingRemoved, "b2", "")
	dispatch(event.EventBookingExpired, "b3", "")

	assert.Equal(t, 0, q.Len())
}

func TestLifecycleHookSeesReasonAndWinner(t *testing.T) {
	q, rt := newTestQueue(t, 0)

	var mu sync.Mutex
	type call struct{ id, reason, takenBy string }
	var calls []call
	q.SetLifecycleHook(func(id, reason, takenBy string) {
		mu.Lock()
		calls = append(calls, call{id, reason, takenBy})
		mu.Unlock()
	})

	q.Add(offer("b1"))
	env, err := event.New(event.EventBookingTaken, model.BookingLifecyclePayload{RequestID: "b1", TakenBy: "astro_9"})
	require.NoError(t, err)
	rt.Dispatch(env)

	// the hook also fires for ids not in the queue: a response may be in
	// flight for an offer the server already resolved
	env, err = event.New(event.EventBookingExpired, model.BookingLifecyclePayload{RequestID: "ghost"})
	require.NoError(t, err)
	rt.Dispatch(env)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, call{"b1", ReasonTaken, "astro_9"}, calls[0])
	assert.Equal(t, call{"ghost", ReasonExpired, ""}, calls[1])
}

func TestUpdatesSignalCoalesces(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	q.Add(offer("b1"))
	q.Add(offer("b2"))
	q.Add(offer("b3"))

	select {
	case <-q.Updates():
	default:
		t.Fatal("expected a pending update token")
	}
	select {
	case <-q.Updates():
		t.Fatal("updates must coalesce to a single token")
	default:
	}
}

func TestSweepEvictsStaleOffers(t *testing.T) {
	q, _ := newTestQueue(t, 100*time.Millisecond)

	var mu sync.Mutex
	var swept []string
	q.SetLifecycleHook(func(id, reason, _ string) {
		if reason == ReasonSwept {
			mu.Lock()
			swept = append(swept, id)
			mu.Unlock()
		}
	})

	q.Add(offer("old"))
	// backdate the entry instead of waiting for the ticker
	q.mu.Lock()
	q.addedAt["old"] = time.Now().Add(-time.Minute)
	q.mu.Unlock()

	q.Add(offer("fresh"))
	q.sweep(time.Now())

	assert.Equal(t, 1, q.Len())
	_, ok := q.Get("fresh")
	assert.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"old"}, swept)
}

package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"astrolink/internal/broker"
	"astrolink/internal/event"
	"astrolink/internal/model"
	"astrolink/internal/pending"
	"astrolink/internal/router"
	"astrolink/internal/session"
)

// TestConsultationLifecycle walks one booking from offer to settled summary:
// offer rings, the astrologer accepts, joins the room, exchanges chat while
// the billing clock runs, and the requester ends the session.
func TestConsultationLifecycle(t *testing.T) {
	em := newServerEmitter()
	rt := router.New(em, zap.NewNop(), 2*time.Second)
	em.rt = rt
	queue := pending.New(rt, zap.NewNop(), 0)
	brk := broker.New(rt, queue, zap.NewNop())
	machine := session.NewMachine(rt, &recordingEngine{}, zap.NewNop())
	t.Cleanup(func() {
		machine.Close()
		brk.Close()
		queue.Close()
	})

	em.mu.Lock()
	em.data[event.EventBookingResponse] = map[string]string{"sessionId": "sess-1", "roomId": "room-1"}
	em.mu.Unlock()

	// offer arrives in the flat wire shape, demanding an ack
	rt.Dispatch(event.Envelope{
		Event: event.EventBookingOffer,
		Payload: json.RawMessage(`{
			"bookingId": "b1",
			"consultationType": "chat",
			"rate": 30,
			"currency": "INR",
			"user": {"name": "Asha"}
		}`),
		MessageID:   "offer-1",
		AckRequired: true,
	})
	require.Equal(t, 1, queue.Len())
	require.Len(t, em.sentByEvent(event.EventAck), 1, "ack-required offer must be acked")

	// accept wins the race and yields the session coordinates
	res, err := brk.Accept(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, "room-1", res.RoomID)
	assert.Equal(t, 0, queue.Len(), "accepted offer leaves the pending queue")

	// join the room and wait for the requester
	require.NoError(t, machine.Start(context.Background(), res))
	require.Equal(t, session.StatusWaitingForCounterparty, machine.Status())

	env, _ := event.New(event.EventCounterpartyJoined, model.PresencePayload{BookingID: "b1"})
	rt.Dispatch(env)
	require.Equal(t, session.StatusActive, machine.Status())

	// chat flows both ways; a redelivered inbound frame is dropped
	ts := time.Now().UnixMilli()
	inbound := model.ChatMessage{ID: "m1", BookingID: "b1", Content: "hello", Timestamp: ts}
	env, _ = event.New(event.EventChatMessage, inbound)
	rt.Dispatch(env)
	rt.Dispatch(env)

	sent, err := machine.SendMessage(context.Background(), "hello back")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, sent.DeliveryStatus)

	msgs := machine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.SenderCounterparty, msgs[0].SenderRole)
	assert.Equal(t, model.SenderSelf, msgs[1].SenderRole)

	// server clock close to local: no resync
	env, _ = event.New(event.EventTimerSync, model.TimerSyncPayload{
		BookingID: "b1", ElapsedSecs: machine.Timer().ElapsedSeconds + 2, CurrentAmount: 1,
	})
	rt.Dispatch(env)
	assert.Less(t, machine.Timer().ElapsedSeconds, int64(5))

	// requester hangs up; the summary freezes at the last known clock
	env, _ = event.New(event.EventTimerSync, model.TimerSyncPayload{
		BookingID: "b1", ElapsedSecs: 90, CurrentAmount: 45, Currency: "INR",
	})
	rt.Dispatch(env)
	env, _ = event.New(event.EventSessionEnd, model.SessionEndPayload{
		BookingID: "b1", EndedBy: "counterparty", Reason: event.EndReasonNormal,
	})
	rt.Dispatch(env)

	require.Equal(t, session.StatusEnded, machine.Status())
	summary := machine.Summary()
	require.NotNil(t, summary)
	assert.InDelta(t, 90, summary.DurationSeconds, 1)
	assert.InDelta(t, 45, summary.FinalAmount, 1)
	assert.Equal(t, "INR", summary.Currency)
	assert.Equal(t, "counterparty", summary.EndedBy)

	// back to online, ready for the next ring
	statuses := em.sentByEvent(event.EventStatusUpdate)
	require.NotEmpty(t, statuses)
	var last model.StatusUpdatePayload
	require.NoError(t, json.Unmarshal(statuses[len(statuses)-1].Payload, &last))
	assert.Equal(t, event.StatusOnline, last.Status)
}

// TestOfferLostWhileAccepting covers the race the broker exists for: the
// accept is in flight when another astrologer wins the booking.
func TestOfferLostWhileAccepting(t *testing.T) {
	em := newServerEmitter()
	rt := router.New(em, zap.NewNop(), 5*time.Second)
	em.rt = rt
	em.muteEvent(event.EventBookingResponse)
	queue := pending.New(rt, zap.NewNop(), 0)
	brk := broker.New(rt, queue, zap.NewNop())
	t.Cleanup(func() {
		brk.Close()
		queue.Close()
	})

	rt.Dispatch(event.Envelope{
		Event:   event.EventBookingOffer,
		Payload: json.RawMessage(`{"bookingId": "b1", "rate": 30}`),
	})

	acceptErr := make(chan error, 1)
	go func() {
		_, err := brk.Accept(context.Background(), "b1")
		acceptErr <- err
	}()

	require.Eventually(t, func() bool {
		return len(em.sentByEvent(event.EventBookingResponse)) == 1
	}, time.Second, 5*time.Millisecond)

	env, _ := event.New(event.EventBookingTaken, model.BookingLifecyclePayload{
		RequestID: "b1", TakenBy: "astro_2",
	})
	rt.Dispatch(env)

	select {
	case err := <-acceptErr:
		assert.ErrorIs(t, err, model.ErrAlreadyTaken)
	case <-time.After(time.Second):
		t.Fatal("accept did not fail after the offer was taken")
	}
	assert.Equal(t, 0, queue.Len())
}

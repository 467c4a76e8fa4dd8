package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
	"astrolink/internal/router"
	"astrolink/internal/session"
)

// serverEmitter acks acknowledged emissions like a live backend. Events in
// the silent set are recorded but never answered.
type serverEmitter struct {
	rt *router.Router

	mu     sync.Mutex
	sent   []event.Envelope
	silent map[string]bool
	data   map[string]any // per-event ack data
}

func newServerEmitter() *serverEmitter {
	return &serverEmitter{silent: make(map[string]bool), data: make(map[string]any)}
}

func (s *serverEmitter) Emit(env event.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	quiet := s.silent[env.Event]
	data := s.data[env.Event]
	s.mu.Unlock()

	if env.MessageID == "" || quiet {
		return nil
	}
	ack := event.Ack{MessageID: env.MessageID, Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		ack.Data = raw
	}
	payload, _ := json.Marshal(ack)
	go s.rt.Dispatch(event.Envelope{Event: event.EventAck, Payload: payload})
	return nil
}

func (s *serverEmitter) muteEvent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[name] = true
}

func (s *serverEmitter) sentByEvent(name string) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Envelope
	for _, env := range s.sent {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

// recordingEngine captures media engine calls.
type recordingEngine struct {
	mu     sync.Mutex
	starts []model.MediaJoinInfo
	stops  int
}

func (e *recordingEngine) StartCall(_ context.Context, _ string, info model.MediaJoinInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, info)
	return nil
}

func (e *recordingEngine) Signal(json.RawMessage) error { return nil }

func (e *recordingEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

type harness struct {
	emitter *serverEmitter
	rt      *router.Router
	engine  *recordingEngine
	machine *session.Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	em := newServerEmitter()
	rt := router.New(em, zap.NewNop(), time.Second)
	em.rt = rt
	engine := &recordingEngine{}
	m := session.NewMachine(rt, engine, zap.NewNop())
	t.Cleanup(m.Close)
	return &harness{emitter: em, rt: rt, engine: engine, machine: m}
}

func acceptResult(ctype string) model.AcceptResult {
	return model.AcceptResult{
		Request: model.BookingRequest{
			ID:       "b1",
			Type:     ctype,
			Rate:     30,
			Currency: "INR",
		},
		SessionID: "sess-1",
		RoomID:    "room-1",
	}
}

func (h *harness) startSession(t *testing.T, ctype string) {
	t.Helper()
	require.NoError(t, h.machine.Start(context.Background(), acceptResult(ctype)))
	require.Equal(t, session.StatusWaitingForCounterparty, h.machine.Status())
}

func (h *harness) dispatch(t *testing.T, name string, payload any) {
	t.Helper()
	env, err := event.New(name, payload)
	require.NoError(t, err)
	h.rt.Dispatch(env)
}

func (h *harness) counterpartyJoins(t *testing.T) {
	t.Helper()
	h.dispatch(t, event.EventCounterpartyJoined, model.PresencePayload{
		BookingID: "b1", RoomID: "room-1",
	})
	require.Equal(t, session.StatusActive, h.machine.Status())
}

func TestStartJoinsRoomAndWaits(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)

	joins := h.emitter.sentByEvent(event.EventRoomJoin)
	require.Len(t, joins, 1)
	var p model.RoomJoinPayload
	require.NoError(t, json.Unmarshal(joins[0].Payload, &p))
	assert.Equal(t, "b1", p.BookingID)
	assert.Equal(t, "room-1", p.RoomID)

	// going into a session announces busy status
	statuses := h.emitter.sentByEvent(event.EventStatusUpdate)
	require.NotEmpty(t, statuses)
	var s model.StatusUpdatePayload
	require.NoError(t, json.Unmarshal(statuses[0].Payload, &s))
	assert.Equal(t, event.StatusInSession, s.Status)
}

func TestStartFailsWhileSessionInProgress(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)

	err := h.machine.Start(context.Background(), acceptResult(event.ConsultationChat))
	assert.Error(t, err)
}

func TestJoinTimeoutEndsSession(t *testing.T) {
	h := newHarness(t)
	h.emitter.muteEvent(event.EventRoomJoin)

	err := h.machine.Start(context.Background(), acceptResult(event.ConsultationChat))
	require.Error(t, err)
	assert.Equal(t, session.StatusEnded, h.machine.Status())

	summary := h.machine.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, event.EndReasonError, summary.Reason)
}

func TestCounterpartyPresenceTransitions(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	h.dispatch(t, event.EventCounterpartyLeft, model.PresencePayload{BookingID: "b1"})
	assert.Equal(t, session.StatusCounterpartyDisconnected, h.machine.Status())

	// the counterparty can return
	h.dispatch(t, event.EventCounterpartyJoined, model.PresencePayload{BookingID: "b1"})
	assert.Equal(t, session.StatusActive, h.machine.Status())
}

func TestVoiceSessionDelegatesToMediaEngine(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationVoice)

	h.dispatch(t, event.EventCounterpartyJoined, model.PresencePayload{
		BookingID: "b1",
		Media:     &model.MediaJoinInfo{RoomName: "lk-room", Token: "jwt", URL: "wss://lk"},
	})
	require.Equal(t, session.StatusActive, h.machine.Status())

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	require.Len(t, h.engine.starts, 1)
	assert.Equal(t, "lk-room", h.engine.starts[0].RoomName)
	assert.Equal(t, "jwt", h.engine.starts[0].Token)
}

func TestChatWatermarkDropsRedeliveries(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	inbound := func(id string, ts int64) {
		h.dispatch(t, event.EventChatMessage, model.ChatMessage{
			ID: id, BookingID: "b1", Content: "hi", Timestamp: ts,
		})
	}

	inbound("m1", 100)
	inbound("m1", 100) // redelivery
	inbound("m0", 90)  // older than watermark
	inbound("m2", 110)

	msgs := h.machine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, model.SenderCounterparty, msgs[0].SenderRole)
	assert.Equal(t, model.DeliveryDelivered, msgs[0].DeliveryStatus)
}

func TestTimerSyncWithinToleranceKeepsLocalClock(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	h.dispatch(t, event.EventTimerSync, model.TimerSyncPayload{
		BookingID: "b1", ElapsedSecs: 3, CurrentAmount: 1.5, Currency: "INR",
	})
	assert.Less(t, h.machine.Timer().ElapsedSeconds, int64(3), "small drift must not resync")

	h.dispatch(t, event.EventTimerSync, model.TimerSyncPayload{
		BookingID: "b1", ElapsedSecs: 65, CurrentAmount: 32.5, Currency: "INR",
	})
	timer := h.machine.Timer()
	assert.Equal(t, int64(65), timer.ElapsedSeconds, "large drift adopts the server clock")
	assert.Equal(t, 32.5, timer.CurrentAmount)
}

func TestSendMessageOptimisticDelivery(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	msg, err := h.machine.SendMessage(context.Background(), "namaste")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, msg.DeliveryStatus)
	assert.Equal(t, model.SenderSelf, msg.SenderRole)

	msgs := h.machine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DeliverySent, msgs[0].DeliveryStatus)
}

func TestSendMessageMarkedFailedOnAckTimeout(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)
	h.emitter.muteEvent(event.EventChatMessage)

	msg, err := h.machine.SendMessage(context.Background(), "namaste")
	require.Error(t, err)
	assert.Equal(t, model.DeliveryFailed, msg.DeliveryStatus)

	// the optimistic append stays in the stream, marked failed, no retry
	msgs := h.machine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DeliveryFailed, msgs[0].DeliveryStatus)
	assert.Len(t, h.emitter.sentByEvent(event.EventChatMessage), 1)
}

func TestSendMessageRejectedWhenNotActive(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)

	_, err := h.machine.SendMessage(context.Background(), "too early")
	assert.ErrorIs(t, err, model.ErrSessionEnded)
}

func TestStaleSessionEventsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	h.dispatch(t, event.EventChatMessage, model.ChatMessage{
		ID: "m1", BookingID: "other-booking", Content: "wrong room", Timestamp: 100,
	})
	assert.Empty(t, h.machine.Messages())

	h.dispatch(t, event.EventSessionEnd, model.SessionEndPayload{BookingID: "other-booking"})
	assert.Equal(t, session.StatusActive, h.machine.Status())
}

func TestServerEndFreezesSummary(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationVoice)
	h.counterpartyJoins(t)

	h.dispatch(t, event.EventTimerSync, model.TimerSyncPayload{
		BookingID: "b1", ElapsedSecs: 120, CurrentAmount: 60, Currency: "INR",
	})
	h.dispatch(t, event.EventSessionEnd, model.SessionEndPayload{
		BookingID: "b1", Reason: event.EndReasonLowBalance,
	})

	require.Equal(t, session.StatusEnded, h.machine.Status())
	summary := h.machine.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, "counterparty", summary.EndedBy)
	assert.Equal(t, event.EndReasonLowBalance, summary.Reason)
	assert.InDelta(t, 120, summary.DurationSeconds, 1)
	assert.InDelta(t, 60, summary.FinalAmount, 1)

	// voice sessions stop the media engine on termination
	h.engine.mu.Lock()
	assert.Equal(t, 1, h.engine.stops)
	h.engine.mu.Unlock()

	// terminal means terminal: late events cannot mutate the summary
	h.dispatch(t, event.EventTimerSync, model.TimerSyncPayload{
		BookingID: "b1", ElapsedSecs: 500, CurrentAmount: 250,
	})
	assert.Equal(t, summary.DurationSeconds, h.machine.Summary().DurationSeconds)

	select {
	case s := <-h.machine.Summaries():
		assert.Equal(t, "b1", s.BookingID)
	default:
		t.Fatal("summary was not delivered to the owner channel")
	}
}

func TestSelfEndEmitsAndEndsLocally(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	require.NoError(t, h.machine.End(context.Background(), event.EndReasonNormal))
	assert.Equal(t, session.StatusEnded, h.machine.Status())

	ends := h.emitter.sentByEvent(event.EventSessionEnd)
	require.Len(t, ends, 1)
	var p model.SessionEndPayload
	require.NoError(t, json.Unmarshal(ends[0].Payload, &p))
	assert.Equal(t, "self", p.EndedBy)

	assert.ErrorIs(t, h.machine.End(context.Background(), event.EndReasonNormal), model.ErrSessionEnded)
}

func TestSelfEndSurvivesUnackedEmission(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)
	h.emitter.muteEvent(event.EventSessionEnd)

	require.NoError(t, h.machine.End(context.Background(), event.EndReasonNormal))
	assert.Equal(t, session.StatusEnded, h.machine.Status())
}

func TestMachineIsReusableAfterEnd(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)
	require.NoError(t, h.machine.End(context.Background(), event.EndReasonNormal))

	res := acceptResult(event.ConsultationChat)
	res.Request.ID = "b2"
	require.NoError(t, h.machine.Start(context.Background(), res))
	assert.Equal(t, session.StatusWaitingForCounterparty, h.machine.Status())
	assert.Equal(t, "b2", h.machine.BookingID())
	assert.Empty(t, h.machine.Messages(), "previous session's chat must not leak")
	assert.Nil(t, h.machine.Summary())
}

func TestTypingIndicatorAutoClears(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	h.dispatch(t, event.EventChatTyping, model.TypingPayload{BookingID: "b1", IsTyping: true})
	assert.True(t, h.machine.CounterpartyTyping())

	h.dispatch(t, event.EventChatTyping, model.TypingPayload{BookingID: "b1", IsTyping: false})
	assert.False(t, h.machine.CounterpartyTyping())

	// an inbound message clears a dangling indicator immediately
	h.dispatch(t, event.EventChatTyping, model.TypingPayload{BookingID: "b1", IsTyping: true})
	require.True(t, h.machine.CounterpartyTyping())
	h.dispatch(t, event.EventChatMessage, model.ChatMessage{
		ID: "m1", BookingID: "b1", Content: "done typing", Timestamp: time.Now().UnixMilli(),
	})
	assert.False(t, h.machine.CounterpartyTyping())
}

func TestBillingTickerAdvancesWhileActive(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, event.ConsultationChat)
	h.counterpartyJoins(t)

	require.Eventually(t, func() bool {
		return h.machine.Timer().ElapsedSeconds >= 1
	}, 3*time.Second, 50*time.Millisecond)

	timer := h.machine.Timer()
	expected := 30 * float64(timer.ElapsedSeconds) / 60.0
	assert.InDelta(t, expected, timer.CurrentAmount, 0.001,
		fmt.Sprintf("amount must be rate*elapsed/60 at %ds", timer.ElapsedSeconds))
}

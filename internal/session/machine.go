// Package session tracks one active consultation from acceptance through
// room join, presence, billing timer, chat stream and termination.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/media"
	"astrolink/internal/model"
	"astrolink/internal/router"
)

// Scope is the machine's handler-registration scope on the router.
const Scope = "session-machine"

// timerSyncTolerance is the drift beyond which the local billing clock adopts
// the server's elapsed time. Smaller drifts keep local ticking to avoid
// visible jitter.
const timerSyncTolerance = 5 * time.Second

// typingClearAfter auto-clears a dangling typing indicator.
const typingClearAfter = 5 * time.Second

// Status is the session lifecycle state. Ended is terminal.
type Status int

const (
	StatusIdle Status = iota
	StatusJoining
	StatusWaitingForCounterparty
	StatusActive
	StatusCounterpartyDisconnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusJoining:
		return "joining"
	case StatusWaitingForCounterparty:
		return "waiting_for_counterparty"
	case StatusActive:
		return "active"
	case StatusCounterpartyDisconnected:
		return "counterparty_disconnected"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Machine is the per-consultation state machine. One machine serves the whole
// process lifetime; Start begins a session after a broker accept, and a new
// session may be started once the previous one ended. Every inbound event is
// checked against the current session identity, so events for a stale session
// are dropped, never misapplied.
type Machine struct {
	rt     *router.Router
	engine media.Engine
	logger *zap.Logger

	mu        sync.Mutex
	status    Status
	bookingID string
	sessionID string
	roomID    string
	ctype     string
	rate      float64

	timer     model.TimerState
	messages  []model.ChatMessage
	watermark int64 // highest accepted inbound message timestamp

	typing      bool
	typingTimer *time.Timer
	billingStop chan struct{}

	summary   *model.SessionSummary
	summaries chan model.SessionSummary
	updates   chan struct{}
}

// NewMachine creates an idle machine.
func NewMachine(rt *router.Router, engine media.Engine, logger *zap.Logger) *Machine {
	if engine == nil {
		engine = media.NopEngine{Logger: logger}
	}
	return &Machine{
		rt:        rt,
		engine:    engine,
		logger:    logger.Named("session"),
		summaries: make(chan model.SessionSummary, 4),
		updates:   make(chan struct{}, 1),
	}
}

// Start begins the session for an accepted booking: registers the session
// handlers and emits the room-join request. On join acknowledgement the
// machine is waiting for the counterparty. Must not be called from a router
// handler (it blocks on the join ack).
func (m *Machine) Start(ctx context.Context, res model.AcceptResult) error {
	m.mu.Lock()
	if m.status != StatusIdle && m.status != StatusEnded {
		m.mu.Unlock()
		return fmt.Errorf("session %s still in progress", m.bookingID)
	}
	m.status = StatusJoining
	m.bookingID = res.Request.ID
	m.sessionID = res.SessionID
	m.roomID = res.RoomID
	m.ctype = res.Request.Type
	m.rate = res.Request.Rate
	m.timer = model.TimerState{Currency: res.Request.Currency}
	m.messages = nil
	m.watermark = 0
	m.typing = false
	m.summary = nil
	m.mu.Unlock()

	// replace-on-register: a previous session's handlers cannot stack
	m.rt.On(Scope, event.EventCounterpartyJoined, m.handleCounterpartyJoined)
	m.rt.On(Scope, event.EventCounterpartyLeft, m.handleCounterpartyLeft)
	m.rt.On(Scope, event.EventTimerSync, m.handleTimerSync)
	m.rt.On(Scope, event.EventChatMessage, m.handleChatMessage)
	m.rt.On(Scope, event.EventChatTyping, m.handleTyping)
	m.rt.On(Scope, event.EventSessionEnd, m.handleSessionEnd)

	_ = m.rt.Emit(event.EventStatusUpdate, model.StatusUpdatePayload{Status: event.StatusInSession})
	m.signal()

	ack, err := m.rt.EmitWithAck(ctx, event.EventRoomJoin, model.RoomJoinPayload{
		BookingID: m.bookingID,
		SessionID: m.sessionID,
		RoomID:    m.roomID,
	})
	if err != nil {
		m.end("self", event.EndReasonError, false)
		return fmt.Errorf("room join: %w", err)
	}
	if !ack.Success {
		m.end("self", event.EndReasonError, false)
		return fmt.Errorf("room join rejected: %s", ack.Error)
	}

	// the server may assign authoritative session/room ids on join
	if len(ack.Data) > 0 {
		var joined model.RoomJoinedPayload
		if jerr := json.Unmarshal(ack.Data, &joined); jerr == nil {
			m.mu.Lock()
			if joined.SessionID != "" {
				m.sessionID = joined.SessionID
			}
			if joined.RoomID != "" {
				m.roomID = joined.RoomID
			}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	if m.status == StatusJoining {
		m.status = StatusWaitingForCounterparty
	}
	m.mu.Unlock()
	m.logger.Info("room joined, waiting for counterparty",
		zap.String("bookingId", m.bookingID),
		zap.String("roomId", m.roomID))
	m.signal()
	return nil
}

// SendMessage performs an optimistic local append followed by an
// acknowledged emission. Ack failure or timeout marks the message failed; no
// automatic retry, resend is a caller decision.
func (m *Machine) SendMessage(ctx context.Context, content string) (model.ChatMessage, error) {
	m.mu.Lock()
	if m.status != StatusActive && m.status != StatusCounterpartyDisconnected {
		status := m.status
		m.mu.Unlock()
		return model.ChatMessage{}, fmt.Errorf("cannot send in state %s: %w", status, model.ErrSessionEnded)
	}
	msg := model.ChatMessage{
		ID:             uuid.New().String(),
		BookingID:      m.bookingID,
		Content:        content,
		SenderRole:     model.SenderSelf,
		Timestamp:      time.Now().UnixMilli(),
		DeliveryStatus: model.DeliverySending,
	}
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	m.signal()

	ack, err := m.rt.EmitWithAck(ctx, event.EventChatMessage, msg)
	final := model.DeliverySent
	if err != nil || !ack.Success {
		final = model.DeliveryFailed
	}
	m.setDeliveryStatus(msg.ID, final)
	msg.DeliveryStatus = final

	if err != nil {
		return msg, fmt.Errorf("send message: %w", err)
	}
	if !ack.Success {
		return msg, fmt.Errorf("send message rejected: %s", ack.Error)
	}
	return msg, nil
}

func (m *Machine) setDeliveryStatus(messageID, status string) {
	m.mu.Lock()
	for i := range m.messages {
		if m.messages[i].ID == messageID {
			m.messages[i].DeliveryStatus = status
			break
		}
	}
	m.mu.Unlock()
	m.signal()
}

// SendTyping reports the local typing state, fire-and-forget.
func (m *Machine) SendTyping(isTyping bool) {
	m.mu.Lock()
	bookingID := m.bookingID
	active := m.status == StatusActive
	m.mu.Unlock()
	if !active {
		return
	}
	_ = m.rt.Emit(event.EventChatTyping, model.TypingPayload{
		BookingID: bookingID,
		IsTyping:  isTyping,
	})
}

// End terminates the session from this side. The terminal transition happens
// regardless of whether the server acknowledges.
func (m *Machine) End(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.status == StatusEnded || m.status == StatusIdle {
		m.mu.Unlock()
		return model.ErrSessionEnded
	}
	bookingID := m.bookingID
	m.mu.Unlock()

	_, err := m.rt.EmitWithAck(ctx, event.EventSessionEnd, model.SessionEndPayload{
		BookingID: bookingID,
		EndedBy:   "self",
		Reason:    reason,
	})
	m.end("self", reason, true)
	if err != nil {
		m.logger.Warn("session end emission failed, ended locally", zap.Error(err))
	}
	return nil
}

// Close tears the machine down on shutdown, ending any live session.
func (m *Machine) Close() {
	m.mu.Lock()
	live := m.status != StatusIdle && m.status != StatusEnded
	m.mu.Unlock()
	if live {
		m.end("self", event.EndReasonDisconnected, true)
	}
	m.rt.OffScope(Scope)
}

// -----------------------------------------------------------------
// Read Accessors
// -----------------------------------------------------------------

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) BookingID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookingID
}

// Timer returns the current billing clock.
func (m *Machine) Timer() model.TimerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer
}

// Messages returns a copy of the chat stream in insertion order.
func (m *Machine) Messages() []model.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ChatMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// CounterpartyTyping reports the typing indicator state.
func (m *Machine) CounterpartyTyping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// Summary returns the frozen terminal record, nil while the session lives.
func (m *Machine) Summary() *model.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summary == nil {
		return nil
	}
	s := *m.summary
	return &s
}

// Summaries delivers each session's terminal summary to the owner.
func (m *Machine) Summaries() <-chan model.SessionSummary { return m.summaries }

// Updates is a coalesced change signal for the UI.
func (m *Machine) Updates() <-chan struct{} { return m.updates }

// -----------------------------------------------------------------
// Inbound Event Handlers
// -----------------------------------------------------------------

func (m *Machine) handleCounterpartyJoined(env event.Envelope) {
	var p model.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		m.logger.Warn("undecodable presence payload", zap.Error(err))
		return
	}
	if !m.currentSession(p.BookingID) {
		return
	}

	m.mu.Lock()
	switch m.status {
	case StatusWaitingForCounterparty:
		m.status = StatusActive
		m.startBillingLocked()
	case StatusCounterpartyDisconnected:
		m.status = StatusActive
	default:
		m.mu.Unlock()
		return
	}
	ctype := m.ctype
	roomID := m.roomID
	m.mu.Unlock()

	m.logger.Info("counterparty joined", zap.String("bookingId", p.BookingID))
	m.signal()

	// type-specific follow-up: voice/video delegate to the media engine
	if ctype == event.ConsultationVoice || ctype == event.ConsultationVideo {
		info := model.MediaJoinInfo{RoomName: roomID}
		if p.Media != nil {
			info = *p.Media
		}
		if err := m.engine.StartCall(context.Background(), ctype, info); err != nil {
			m.logger.Error("media engine start failed", zap.Error(err))
		}
	}
}

func (m *Machine) handleCounterpartyLeft(env event.Envelope) {
	var p model.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !m.currentSession(p.BookingID) {
		return
	}

	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}
	// the counterparty may return: not a terminal transition
	m.status = StatusCounterpartyDisconnected
	m.clearTypingLocked()
	m.mu.Unlock()

	m.logger.Info("counterparty disconnected", zap.String("bookingId", p.BookingID))
	m.signal()
}

// handleTimerSync resynchronizes the local billing clock against the server.
// Local ticking is trusted inside the tolerance so the visible clock does not
// jitter on every sync.
func (m *Machine) handleTimerSync(env event.Envelope) {
	var p model.TimerSyncPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !m.currentSession(p.BookingID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusEnded {
		return
	}
	if p.Currency != "" {
		m.timer.Currency = p.Currency
	}
	drift := m.timer.ElapsedSeconds - p.ElapsedSecs
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(timerSyncTolerance/time.Second) {
		m.logger.Debug("billing clock resync",
			zap.Int64("local", m.timer.ElapsedSeconds),
			zap.Int64("server", p.ElapsedSecs))
		m.timer.ElapsedSeconds = p.ElapsedSecs
		m.timer.CurrentAmount = p.CurrentAmount
	}
}

// handleChatMessage appends one inbound message, deduplicated by the
// monotonically non-decreasing timestamp watermark: anything at or below the
// watermark is a redelivery and is dropped silently.
func (m *Machine) handleChatMessage(env event.Envelope) {
	var msg model.ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		m.logger.Warn("undecodable chat message", zap.Error(err))
		return
	}
	if !m.currentSession(msg.BookingID) {
		return
	}

	m.mu.Lock()
	if m.status != StatusActive && m.status != StatusCounterpartyDisconnected {
		m.mu.Unlock()
		return
	}
	if msg.Timestamp <= m.watermark {
		m.mu.Unlock()
		return
	}
	m.watermark = msg.Timestamp
	msg.SenderRole = model.SenderCounterparty
	msg.DeliveryStatus = model.DeliveryDelivered
	m.messages = append(m.messages, msg)
	m.clearTypingLocked()
	m.mu.Unlock()

	m.signal()
}

func (m *Machine) handleTyping(env event.Envelope) {
	var p model.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !m.currentSession(p.BookingID) {
		return
	}

	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}
	m.typing = p.IsTyping
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
	if p.IsTyping {
		// stop event can get lost; never show a stuck indicator
		m.typingTimer = time.AfterFunc(typingClearAfter, m.typingExpired)
	}
	m.mu.Unlock()
	m.signal()
}

func (m *Machine) typingExpired() {
	m.mu.Lock()
	m.typing = false
	m.typingTimer = nil
	m.mu.Unlock()
	m.signal()
}

func (m *Machine) handleSessionEnd(env event.Envelope) {
	var p model.SessionEndPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if !m.currentSession(p.BookingID) {
		return
	}
	endedBy := p.EndedBy
	if endedBy == "" || endedBy == "self" {
		endedBy = "counterparty"
	}
	reason := p.Reason
	if reason == "" {
		reason = event.EndReasonNormal
	}
	m.end(endedBy, reason, true)
}

// -----------------------------------------------------------------
// Internal
// -----------------------------------------------------------------

// currentSession is the stale-event guard: events tagged for a previous or
// unknown session are ignored, never misapplied.
func (m *Machine) currentSession(bookingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusIdle || m.status == StatusEnded {
		return false
	}
	if bookingID != "" && bookingID != m.bookingID && bookingID != m.sessionID {
		m.logger.Debug("dropping event for stale session",
			zap.String("got", bookingID),
			zap.String("current", m.bookingID))
		return false
	}
	return true
}

// startBillingLocked starts the one-second billing tick. Must hold m.mu.
// Ticking continues through counterparty disconnects; the server's timer-sync
// events remain authoritative either way.
func (m *Machine) startBillingLocked() {
	if m.billingStop != nil {
		return
	}
	stop := make(chan struct{})
	m.billingStop = stop
	rate := m.rate
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				if m.status == StatusActive || m.status == StatusCounterpartyDisconnected {
					m.timer.ElapsedSeconds++
					m.timer.CurrentAmount = rate * float64(m.timer.ElapsedSeconds) / 60.0
				}
				m.mu.Unlock()
				m.signal()
			}
		}
	}()
}

func (m *Machine) clearTypingLocked() {
	m.typing = false
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
}

// end performs the terminal transition: timers stop, amounts freeze, the
// summary goes to the owner, and the session's handlers are removed so stray
// late events cannot mutate anything.
func (m *Machine) end(endedBy, reason string, stopMedia bool) {
	m.mu.Lock()
	if m.status == StatusEnded || m.status == StatusIdle {
		m.mu.Unlock()
		return
	}
	m.status = StatusEnded
	if m.billingStop != nil {
		close(m.billingStop)
		m.billingStop = nil
	}
	m.clearTypingLocked()
	summary := model.SessionSummary{
		BookingID:       m.bookingID,
		DurationSeconds: m.timer.ElapsedSeconds,
		FinalAmount:     m.timer.CurrentAmount,
		Currency:        m.timer.Currency,
		EndedBy:         endedBy,
		Reason:          reason,
		EndedAt:         time.Now(),
	}
	m.summary = &summary
	ctype := m.ctype
	m.mu.Unlock()

	m.rt.OffScope(Scope)

	if stopMedia && (ctype == event.ConsultationVoice || ctype == event.ConsultationVideo) {
		if err := m.engine.Stop(context.Background()); err != nil {
			m.logger.Warn("media engine stop failed", zap.Error(err))
		}
	}

	_ = m.rt.Emit(event.EventStatusUpdate, model.StatusUpdatePayload{Status: event.StatusOnline})

	m.logger.Info("session ended",
		zap.String("bookingId", summary.BookingID),
		zap.String("endedBy", endedBy),
		zap.String("reason", reason),
		zap.Int64("durationSeconds", summary.DurationSeconds),
		zap.Float64("finalAmount", summary.FinalAmount))

	select {
	case m.summaries <- summary:
	default:
	}
	m.signal()
}

func (m *Machine) signal() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

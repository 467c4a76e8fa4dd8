package simbackend

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
)

// SimSession is one live consultation on the simulation backend.
type SimSession struct {
	BookingID string
	SessionID string
	RoomID    string
	AgentID   string
	Type      string
	Rate      float64
	Currency  string

	mu             sync.Mutex
	counterpartyIn bool
	startedAt      time.Time
	elapsed        int64
	stopTimer      chan struct{}
}

// SessionStore tracks live sessions and drives the server side of the room
// protocol: presence pushes, periodic timer sync, chat relay, termination.
type SessionStore struct {
	hub    *Hub
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*SimSession // by booking id
}

func newSessionStore(h *Hub) *SessionStore {
	return &SessionStore{
		hub:      h,
		logger:   h.logger.Named("sessions"),
		sessions: make(map[string]*SimSession),
	}
}

func (ss *SessionStore) create(req model.BookingRequest, agentID string) *SimSession {
	sess := &SimSession{
		BookingID: req.ID,
		SessionID: uuid.New().String(),
		RoomID:    "room_" + req.ID,
		AgentID:   agentID,
		Type:      req.Type,
		Rate:      req.Rate,
		Currency:  req.Currency,
	}
	ss.mu.Lock()
	ss.sessions[req.ID] = sess
	ss.mu.Unlock()
	return sess
}

func (ss *SessionStore) get(bookingID string) (*SimSession, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.sessions[bookingID]
	return s, ok
}

// Snapshot lists live sessions for the monitor endpoint.
func (ss *SessionStore) Snapshot() []model.SessionInfo {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]model.SessionInfo, 0, len(ss.sessions))
	for _, s := range ss.sessions {
		s.mu.Lock()
		out = append(out, model.SessionInfo{
			BookingID:   s.BookingID,
			RoomID:      s.RoomID,
			AgentID:     s.AgentID,
			Type:        s.Type,
			ElapsedSecs: s.elapsed,
		})
		s.mu.Unlock()
	}
	return out
}

func (ss *SessionStore) stopAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for id, s := range ss.sessions {
		s.mu.Lock()
		if s.stopTimer != nil {
			close(s.stopTimer)
			s.stopTimer = nil
		}
		s.mu.Unlock()
		delete(ss.sessions, id)
	}
}

// -----------------------------------------------------------------
// Agent Events
// -----------------------------------------------------------------

func (ss *SessionStore) handleJoin(env event.Envelope, c *AgentClient) {
	var p model.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.BookingID == "" {
		ss.hub.sendAck(c, env.MessageID, false, "invalid room join payload", event.AckCodeInvalid, nil)
		return
	}
	sess, ok := ss.get(p.BookingID)
	if !ok || sess.AgentID != c.identity {
		ss.hub.sendAck(c, env.MessageID, false, "no session for booking", event.AckCodeNotFound, nil)
		return
	}
	ss.hub.sendAck(c, env.MessageID, true, "", "", model.RoomJoinedPayload{
		BookingID: sess.BookingID,
		SessionID: sess.SessionID,
		RoomID:    sess.RoomID,
	})
	ss.logger.Info("agent joined room",
		zap.String("bookingId", sess.BookingID),
		zap.String("roomId", sess.RoomID))
}

func (ss *SessionStore) handleLeave(env event.Envelope, c *AgentClient) {
	var p model.RoomLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	ss.logger.Info("agent left room",
		zap.String("bookingId", p.BookingID),
		zap.String("agentId", c.identity))
}

func (ss *SessionStore) handleChat(env event.Envelope, c *AgentClient) {
	var msg model.ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.BookingID == "" {
		ss.hub.sendAck(c, env.MessageID, false, "invalid chat payload", event.AckCodeInvalid, nil)
		return
	}
	if _, ok := ss.get(msg.BookingID); !ok {
		ss.hub.sendAck(c, env.MessageID, false, "no session for booking", event.AckCodeNotFound, nil)
		return
	}
	// delivered to the (simulated) counterparty
	ss.hub.sendAck(c, env.MessageID, true, "", "", nil)
	ss.logger.Info("chat message relayed",
		zap.String("bookingId", msg.BookingID),
		zap.String("content", msg.Content))
}

func (ss *SessionStore) handleTyping(env event.Envelope, c *AgentClient) {
	var p model.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	ss.logger.Debug("typing indicator",
		zap.String("bookingId", p.BookingID),
		zap.Bool("isTyping", p.IsTyping))
}

func (ss *SessionStore) handleEnd(env event.Envelope, c *AgentClient) {
	var p model.SessionEndPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.BookingID == "" {
		ss.hub.sendAck(c, env.MessageID, false, "invalid session end payload", event.AckCodeInvalid, nil)
		return
	}
	sess, ok := ss.teardown(p.BookingID)
	if !ok {
		ss.hub.sendAck(c, env.MessageID, false, "no session for booking", event.AckCodeNotFound, nil)
		return
	}
	ss.hub.sendAck(c, env.MessageID, true, "", "", nil)
	c.clearSession()
	ss.logger.Info("session ended by agent",
		zap.String("bookingId", sess.BookingID),
		zap.String("reason", p.Reason))
}

// -----------------------------------------------------------------
// Control Surface (REST-driven counterparty simulation)
// -----------------------------------------------------------------

// CounterpartyJoin simulates the requester entering the room: presence push
// to the agent, then periodic timer sync. Voice/video sessions get media join
// credentials on the presence event.
func (ss *SessionStore) CounterpartyJoin(bookingID string) bool {
	sess, ok := ss.get(bookingID)
	if !ok {
		return false
	}
	agent, online := ss.hub.agentByIdentity(sess.AgentID)
	if !online {
		return false
	}

	sess.mu.Lock()
	first := !sess.counterpartyIn && sess.startedAt.IsZero()
	sess.counterpartyIn = true
	if first {
		sess.startedAt = time.Now()
		stop := make(chan struct{})
		sess.stopTimer = stop
		go ss.timerLoop(sess, stop)
	}
	sess.mu.Unlock()

	presence := model.PresencePayload{
		BookingID: sess.BookingID,
		RoomID:    sess.RoomID,
		Type:      sess.Type,
		UserID:    "counterparty",
	}
	if sess.Type == event.ConsultationVoice || sess.Type == event.ConsultationVideo {
		presence.Media = ss.hub.mediaJoinInfo(sess.RoomID, sess.AgentID)
	}
	env, _ := event.New(event.EventCounterpartyJoined, presence)
	agent.send(env)
	return true
}

// CounterpartyLeave simulates the requester dropping out without ending the
// session.
func (ss *SessionStore) CounterpartyLeave(bookingID string) bool {
	sess, ok := ss.get(bookingID)
	if !ok {
		return false
	}
	agent, online := ss.hub.agentByIdentity(sess.AgentID)
	if !online {
		return false
	}
	sess.mu.Lock()
	sess.counterpartyIn = false
	sess.mu.Unlock()

	env, _ := event.New(event.EventCounterpartyLeft, model.PresencePayload{
		BookingID: sess.BookingID,
		RoomID:    sess.RoomID,
	})
	agent.send(env)
	return true
}

// CounterpartyChat pushes one chat message from the simulated requester.
func (ss *SessionStore) CounterpartyChat(bookingID, content string) bool {
	sess, ok := ss.get(bookingID)
	if !ok {
		return false
	}
	agent, online := ss.hub.agentByIdentity(sess.AgentID)
	if !online {
		return false
	}
	env, _ := event.New(event.EventChatMessage, model.ChatMessage{
		ID:        uuid.New().String(),
		BookingID: bookingID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	agent.send(env)
	return true
}

// End terminates the session from the server/counterparty side.
func (ss *SessionStore) End(bookingID, endedBy, reason string) bool {
	sess, ok := ss.teardown(bookingID)
	if !ok {
		return false
	}
	if agent, online := ss.hub.agentByIdentity(sess.AgentID); online {
		env, _ := event.New(event.EventSessionEnd, model.SessionEndPayload{
			BookingID: bookingID,
			EndedBy:   endedBy,
			Reason:    reason,
		})
		agent.send(env)
		agent.clearSession()
	}
	return true
}

func (ss *SessionStore) teardown(bookingID string) (*SimSession, bool) {
	ss.mu.Lock()
	sess, ok := ss.sessions[bookingID]
	if ok {
		delete(ss.sessions, bookingID)
	}
	ss.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	if sess.stopTimer != nil {
		close(sess.stopTimer)
		sess.stopTimer = nil
	}
	sess.mu.Unlock()
	return sess, true
}

// timerLoop pushes the authoritative billing clock on a fixed cadence,
// mirroring the production backend.
func (ss *SessionStore) timerLoop(sess *SimSession, stop <-chan struct{}) {
	interval := ss.hub.cfg.TimerSyncInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sess.mu.Lock()
			sess.elapsed = int64(time.Since(sess.startedAt).Seconds())
			payload := model.TimerSyncPayload{
				BookingID:     sess.BookingID,
				ElapsedSecs:   sess.elapsed,
				CurrentAmount: sess.Rate * float64(sess.elapsed) / 60.0,
				Currency:      sess.Currency,
			}
			sess.mu.Unlock()

			if agent, online := ss.hub.agentByIdentity(sess.AgentID); online {
				env, _ := event.New(event.EventTimerSync, payload)
				agent.send(env)
			}
		}
	}
}

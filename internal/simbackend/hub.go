// Package simbackend is the development backend for the connection/session
// core: a websocket hub speaking the same wire protocol, with a REST control
// surface to inject booking offers and drive counterparty behavior.
package simbackend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
)

const authDeadline = 5 * time.Second

// Hub tracks connected agents and dispatches their inbound events.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	register   chan *AgentClient
	unregister chan *AgentClient

	agentsMu sync.RWMutex
	agents   map[string]*AgentClient // identity -> client

	offers   *OfferStore
	sessions *SessionStore

	stop chan struct{}
}

// NewHub creates the hub and starts its registry loop.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		logger:     logger.Named("simbackend"),
		register:   make(chan *AgentClient, 64),
		unregister: make(chan *AgentClient, 64),
		agents:     make(map[string]*AgentClient),
		stop:       make(chan struct{}),
	}
	h.offers = newOfferStore(h)
	h.sessions = newSessionStore(h)
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			return
		case c := <-h.register:
			h.agentsMu.Lock()
			if prev, ok := h.agents[c.identity]; ok {
				// one connection per agent: the newer one wins
				prev.close()
			}
			h.agents[c.identity] = c
			h.agentsMu.Unlock()
			h.logger.Info("agent registered", zap.String("agentId", c.identity))
			// replay still-pending offers so a reconnecting agent misses nothing
			h.offers.replayTo(c)
		case c := <-h.unregister:
			h.agentsMu.Lock()
			if cur, ok := h.agents[c.identity]; ok && cur == c {
				delete(h.agents, c.identity)
				h.logger.Info("agent unregistered", zap.String("agentId", c.identity))
			}
			h.agentsMu.Unlock()
			c.close()
		}
	}
}

// Stop closes every agent connection and halts the hub.
func (h *Hub) Stop() {
	close(h.stop)
	h.sessions.stopAll()
	for _, c := range h.snapshotAgents() {
		c.close()
		_ = c.conn.Close()
	}
}

func (h *Hub) snapshotAgents() []*AgentClient {
	h.agentsMu.RLock()
	defer h.agentsMu.RUnlock()
	out := make([]*AgentClient, 0, len(h.agents))
	for _, c := range h.agents {
		out = append(out, c)
	}
	return out
}

func (h *Hub) agentByIdentity(id string) (*AgentClient, bool) {
	h.agentsMu.RLock()
	defer h.agentsMu.RUnlock()
	c, ok := h.agents[id]
	return c, ok
}

// broadcast sends the envelope to every connected agent except the excluded
// identity.
func (h *Hub) broadcast(env event.Envelope, except string) {
	for _, c := range h.snapshotAgents() {
		if c.identity == except {
			continue
		}
		c.send(env)
	}
}

// -----------------------------------------------------------------
// WebSocket Entry
// -----------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true }, // dev tool
}

// ServeWS upgrades the connection and runs the auth handshake: first frame
// must be an auth envelope, answered with auth:ok or auth:fail.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(authDeadline))
	var env event.Envelope
	if err = conn.ReadJSON(&env); err != nil || env.Event != event.EventAuth {
		h.rejectAuth(conn, "expected auth frame")
		return
	}
	var creds struct {
		Token    string `json:"token"`
		Identity string `json:"identity"`
		Role     string `json:"role"`
	}
	if err = json.Unmarshal(env.Payload, &creds); err != nil || creds.Identity == "" {
		h.rejectAuth(conn, "invalid credentials payload")
		return
	}
	if h.cfg.AuthToken != "" && creds.Token != h.cfg.AuthToken {
		h.rejectAuth(conn, "bad token")
		return
	}

	ok, _ := event.New(event.EventAuthOK, map[string]string{"identity": creds.Identity})
	if err = conn.WriteJSON(ok); err != nil {
		_ = conn.Close()
		return
	}

	c := newAgentClient(creds.Identity, conn, h)
	h.register <- c
	go c.readPump()
	go c.writePump()
}

func (h *Hub) rejectAuth(conn *websocket.Conn, reason string) {
	fail, _ := event.New(event.EventAuthFail, map[string]string{"reason": reason})
	_ = conn.WriteJSON(fail)
	_ = conn.Close()
}

// -----------------------------------------------------------------
// Inbound Event Dispatch
// -----------------------------------------------------------------

func (h *Hub) handleEvent(env event.Envelope, c *AgentClient) {
	switch env.Event {
	case event.EventHeartbeat:
		c.logger.Debug("heartbeat")
	case event.EventAck:
		// delivery echo for an ack-required push
		c.logger.Debug("ack received", zap.String("messageId", ackMessageID(env)))
	case event.EventBookingResponse:
		h.offers.handleResponse(env, c)
	case event.EventRoomJoin:
		h.sessions.handleJoin(env, c)
	case event.EventRoomLeave:
		h.sessions.handleLeave(env, c)
	case event.EventChatMessage:
		h.sessions.handleChat(env, c)
	case event.EventChatTyping:
		h.sessions.handleTyping(env, c)
	case event.EventSessionEnd:
		h.sessions.handleEnd(env, c)
	case event.EventStatusUpdate:
		var p model.StatusUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.Status != "" {
			c.setStatus(p.Status)
		}
	default:
		c.logger.Warn("unknown event type", zap.String("event", env.Event))
	}
}

func ackMessageID(env event.Envelope) string {
	var ack event.Ack
	_ = json.Unmarshal(env.Payload, &ack)
	return ack.MessageID
}

func (h *Hub) sendAck(c *AgentClient, forMessageID string, success bool, errMsg, code string, data any) {
	ack := event.Ack{
		MessageID: forMessageID,
		Success:   success,
		Error:     errMsg,
		Code:      code,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			ack.Data = raw
		}
	}
	raw, _ := json.Marshal(ack)
	c.send(event.Envelope{Event: event.EventAck, Payload: raw})
}

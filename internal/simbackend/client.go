package simbackend

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"astrolink/internal/event"
)

var (
	// tuning parameters
	writeWait    = 10 * time.Second    // time allowed to write a message to the peer
	pongWait     = 20 * time.Second    // time allowed to read the next pong message from the peer
	pingInterval = (pongWait * 9) / 10 // send pings to peer with this period
	maxMsgSize   = 64 * 1024           // max inbound message size (64KB)
	sendBufSize  = 256                 // per-connection outbound buffer size
	sendTimeout  = 2 * time.Second     // timeout for enqueuing outbound messages
)

// AgentClient is one connected agent's websocket session.
type AgentClient struct {
	ID       string
	identity string
	conn     *websocket.Conn
	hub      *Hub
	egress   chan event.Envelope
	logger   *zap.Logger

	statusMu  sync.RWMutex
	status    string
	bookingID string // if in a session

	once   sync.Once
	closed chan struct{}
}

func newAgentClient(identity string, conn *websocket.Conn, h *Hub) *AgentClient {
	c := &AgentClient{
		ID:       uuid.New().String(),
		identity: identity,
		conn:     conn,
		hub:      h,
		egress:   make(chan event.Envelope, sendBufSize),
		logger:   h.logger.With(zap.String("agentId", identity)),
		status:   event.StatusOnline,
		closed:   make(chan struct{}),
	}
	return c
}

func (c *AgentClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.close()
	}()

	c.conn.SetReadLimit(int64(maxMsgSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env event.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				c.logger.Info("agent disconnected")
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.logger.Warn("agent read timeout, closing")
				return
			}
			c.logger.Warn("agent read error", zap.Error(err))
			return
		}
		// liveness on any inbound frame, matching the client core
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handleEvent(env, c)
	}
}

func (c *AgentClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case env, ok := <-c.egress:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("agent write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("agent ping error", zap.Error(err))
				return
			}
		}
	}
}

// send enqueues with a timeout; a full egress drops the agent rather than
// blocking the hub.
func (c *AgentClient) send(env event.Envelope) bool {
	select {
	case <-c.closed:
		return false
	case c.egress <- env:
		return true
	case <-time.After(sendTimeout):
		c.logger.Warn("egress full, dropping agent")
		c.hub.unregister <- c
		return false
	}
}

func (c *AgentClient) close() {
	c.once.Do(func() {
		close(c.closed)
	})
}

// -----------------------------------------------------------------
// Status Management
// -----------------------------------------------------------------

func (c *AgentClient) Status() string {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *AgentClient) BookingID() string {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.bookingID
}

func (c *AgentClient) setStatus(status string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = status
}

func (c *AgentClient) setInSession(bookingID string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = event.StatusInSession
	c.bookingID = bookingID
}

func (c *AgentClient) clearSession() {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = event.StatusOnline
	c.bookingID = ""
}

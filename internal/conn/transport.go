package conn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"astrolink/internal/event"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second // time allowed to write a message to the peer
	pongWait       = 20 * time.Second // time allowed to read the next pong message from the peer
	maxMessageSize = 64 * 1024        // max inbound message size (64KB)
)

// Transport is one live bidirectional connection. The websocket implementation
// answers transport-level liveness probes itself (gorilla replies to pings via
// its default ping handler) and treats pong receipt as read-deadline extension,
// so a silent peer surfaces as a read error within the liveness window.
type Transport interface {
	ReadEvent() (event.Envelope, error)
	WriteEvent(event.Envelope) error
	Ping() error
	Close() error
}

// Dialer establishes transports. Swapped for an in-memory fake in tests.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, creds *Credentials) (Transport, error)
}

type wsTransport struct {
	conn *websocket.Conn
}

type wsDialer struct{}

// NewWSDialer returns the production websocket dialer.
func NewWSDialer() Dialer { return wsDialer{} }

func (wsDialer) Dial(ctx context.Context, endpoint string, _ *Credentials) (Transport, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.SetReadLimit(int64(maxMessageSize))
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: c}, nil
}

func (t *wsTransport) ReadEvent() (event.Envelope, error) {
	var env event.Envelope
	if err := t.conn.ReadJSON(&env); err != nil {
		return event.Envelope{}, err
	}
	// every inbound frame proves liveness, not just pongs
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	return env, nil
}

func (t *wsTransport) WriteEvent(env event.Envelope) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(2 * time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

// IsTimeout reports whether a read error was a liveness timeout rather than
// a peer-initiated close.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

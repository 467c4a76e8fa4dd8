package conn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
)

var (
	sendTimeout        = 2 * time.Second        // timeout for enqueuing outbound messages
	inboundSendTimeout = 500 * time.Millisecond // timeout for handing an event to the dispatch queue
)

var errAuthRejected = errors.New("authentication rejected")

// Config tunes the connection manager.
type Config struct {
	Endpoint          string
	BaseDelay         time.Duration // first reconnect delay, doubled per attempt
	CapDelay          time.Duration // upper bound on any reconnect delay
	MaxAttempts       int           // reconnect attempts before giving up
	HeartbeatInterval time.Duration // liveness signal period while connected
	DialTimeout       time.Duration
	InboundBuffer     int
	EgressBuffer      int
}

func (c *Config) withDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 3 * time.Second
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	if c.EgressBuffer <= 0 {
		c.EgressBuffer = 256
	}
}

// Manager owns the persistent connection to the backend: authentication
// handshake, automatic reconnection with jittered exponential backoff,
// heartbeat, and connection-state observability. All components above it
// treat the connection as a read-plus-emit capability; only the manager
// mutates transport state.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *zap.Logger

	inbound chan event.Envelope
	egress  chan event.Envelope

	mu             sync.Mutex
	state          State
	creds          *Credentials
	tr             Transport
	gen            int // bumped on every teardown; pumps for older generations are stale
	attempt        int
	manual         bool // client-initiated disconnect, suppresses reconnection
	reconnectTimer *time.Timer
	stopWrite      chan struct{}
	watchers       map[int]chan State
	nextWatcherID  int
}

// NewManager creates a manager. It does not connect until Connect is called.
func NewManager(cfg Config, dialer Dialer, logger *zap.Logger) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.Named("conn"),
		inbound:  make(chan event.Envelope, cfg.InboundBuffer),
		egress:   make(chan event.Envelope, cfg.EgressBuffer),
		state:    StateDisconnected,
		watchers: make(map[int]chan State),
	}
}

// Inbound is the stream of received envelopes, consumed by the event router.
func (m *Manager) Inbound() <-chan event.Envelope { return m.inbound }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a state observer. The returned cancel func must be
// called on the observer's teardown.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextWatcherID
	m.nextWatcherID++
	ch := make(chan State, 16)
	m.watchers[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// Connect starts a connection with the given credentials. Idempotent: if a
// connection with the same credentials is already up or in progress it does
// nothing; different credentials tear down the existing connection first.
func (m *Manager) Connect(creds *Credentials) error {
	if creds == nil {
		return errors.New("nil credentials")
	}
	m.mu.Lock()
	if m.creds.equal(creds) {
		switch m.state {
		case StateConnected, StateConnecting, StateReconnecting:
			m.mu.Unlock()
			return nil
		}
	}
	m.teardownLocked()
	m.creds = creds
	m.manual = false
	m.attempt = 0
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.dialAndRun(gen)
	return nil
}

// Disconnect is the explicit client-initiated teardown. No reconnection
// follows until the next Connect call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = true
	m.teardownLocked()
	m.setStateLocked(StateDisconnected)
}

// Close is an alias for Disconnect, for container cleanup.
func (m *Manager) Close() { m.Disconnect() }

// OnResume is the foreground-recovery hook: when the host process returns
// from background, reconnect immediately if not connected. Orthogonal to the
// timer-based heartbeat; resets the attempt counter for a fresh backoff run.
func (m *Manager) OnResume() {
	m.mu.Lock()
	if m.manual || m.creds == nil ||
		m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.attempt = 0
	m.gen++
	gen := m.gen
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.logger.Info("resume hook triggered reconnect")
	go m.dialAndRun(gen)
}

// Emit enqueues one envelope for sending. Fails fast when not connected.
func (m *Manager) Emit(env event.Envelope) error {
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return model.ErrConnectionClosed
	}
	select {
	case m.egress <- env:
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("egress full: %w", model.ErrConnectionClosed)
	}
}

// -----------------------------------------------------------------
// Connection Lifecycle
// -----------------------------------------------------------------

func (m *Manager) dialAndRun(gen int) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	tr, err := m.dialer.Dial(ctx, m.cfg.Endpoint, creds)
	cancel()
	if err != nil {
		m.logger.Warn("dial failed", zap.Error(err))
		m.dialFailed(gen)
		return
	}

	if err = m.handshake(tr, creds); err != nil {
		_ = tr.Close()
		if errors.Is(err, errAuthRejected) {
			m.logger.Error("authentication rejected, waiting for new credentials", zap.Error(err))
			m.authRejected(gen)
			return
		}
		m.logger.Warn("handshake failed", zap.Error(err))
		m.dialFailed(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.manual {
		m.mu.Unlock()
		_ = tr.Close()
		return
	}
	m.tr = tr
	m.attempt = 0
	stop := make(chan struct{})
	m.stopWrite = stop
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("identity", creds.Identity))
	go m.readPump(gen, tr)
	go m.writePump(gen, tr, stop)
}

func (m *Manager) handshake(tr Transport, creds *Credentials) error {
	env, err := event.New(event.EventAuth, creds)
	if err != nil {
		return err
	}
	if err = tr.WriteEvent(env); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	resp, err := tr.ReadEvent()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Event {
	case event.EventAuthOK:
		return nil
	case event.EventAuthFail:
		return fmt.Errorf("%w: %s", errAuthRejected, string(resp.Payload))
	default:
		return fmt.Errorf("unexpected handshake event %q", resp.Event)
	}
}

func (m *Manager) dialFailed(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.manual {
		return
	}
	m.scheduleReconnectLocked()
}

// authRejected parks the manager until the external auth collaborator calls
// Connect with fresh credentials. Retrying a rejected token is pointless.
func (m *Manager) authRejected(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.manual {
		return
	}
	m.setStateLocked(StateFailed)
}

func (m *Manager) connectionLost(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.manual {
		return
	}
	if IsTimeout(err) {
		m.logger.Warn("liveness timeout, treating as disconnect", zap.Error(err))
	} else {
		m.logger.Warn("connection lost", zap.Error(err))
	}
	m.closeTransportLocked()
	m.gen++ // invalidate the peer pump of the dead connection
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	m.attempt++
	if m.attempt > m.cfg.MaxAttempts {
		m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", m.cfg.MaxAttempts))
		m.setStateLocked(StateFailed)
		return
	}
	m.setStateLocked(StateReconnecting)
	delay := m.backoffDelay(m.attempt)
	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", m.attempt),
		zap.Duration("delay", delay))
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.manual {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.gen++
		gen := m.gen
		m.mu.Unlock()
		m.dialAndRun(gen)
	})
}

// backoffDelay implements min(base*2^(attempt-1) + jitter(0,1s), cap).
func (m *Manager) backoffDelay(attempt int) time.Duration {
	if attempt > 16 {
		return m.cfg.CapDelay
	}
	d := m.cfg.BaseDelay << uint(attempt-1)
	d += time.Duration(rand.Int63n(int64(time.Second)))
	if d > m.cfg.CapDelay {
		d = m.cfg.CapDelay
	}
	return d
}

// teardownLocked cancels all timers and closes the live transport. Symmetric
// to setup: nothing owned by the previous connection survives it.
func (m *Manager) teardownLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.closeTransportLocked()
	m.gen++
}

func (m *Manager) closeTransportLocked() {
	if m.stopWrite != nil {
		close(m.stopWrite)
		m.stopWrite = nil
	}
	if m.tr != nil {
		_ = m.tr.Close()
		m.tr = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state transition",
		zap.Stringer("from", m.state),
		zap.Stringer("to", s))
	m.state = s
	for _, ch := range m.watchers {
		select {
		case ch <- s:
		default:
			// slow observer, drop rather than block the manager
		}
	}
}

// -----------------------------------------------------------------
// Pumps
// -----------------------------------------------------------------

func (m *Manager) readPump(gen int, tr Transport) {
	for {
		env, err := tr.ReadEvent()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		select {
		case m.inbound <- env:
		case <-time.After(inboundSendTimeout):
			m.logger.Warn("inbound queue full, dropping event", zap.String("event", env.Event))
		}
	}
}

func (m *Manager) writePump(gen int, tr Transport, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case env := <-m.egress:
			if err := tr.WriteEvent(env); err != nil {
				m.connectionLost(gen, err)
				return
			}
		case <-ticker.C:
			if err := tr.Ping(); err != nil {
				m.connectionLost(gen, err)
				return
			}
			hb, _ := event.New(event.EventHeartbeat, model.HeartbeatPayload{
				Timestamp: time.Now().UnixMilli(),
			})
			if err := tr.WriteEvent(hb); err != nil {
				m.connectionLost(gen, err)
				return
			}
		}
	}
}

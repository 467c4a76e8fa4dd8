package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
)

// fakeTransport scripts the backend side of one connection: it answers the
// auth frame and serves envelopes pushed through the in channel.
type fakeTransport struct {
	in         chan event.Envelope
	rejectAuth bool

	mu      sync.Mutex
	written []event.Envelope
	pings   int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(rejectAuth bool) *fakeTransport {
	return &fakeTransport{
		in:         make(chan event.Envelope, 16),
		rejectAuth: rejectAuth,
		closed:     make(chan struct{}),
	}
}

func (t *fakeTransport) ReadEvent() (event.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return event.Envelope{}, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteEvent(env event.Envelope) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.mu.Lock()
	t.written = append(t.written, env)
	t.mu.Unlock()

	if env.Event == event.EventAuth {
		reply := event.EventAuthOK
		if t.rejectAuth {
			reply = event.EventAuthFail
		}
		t.in <- event.Envelope{Event: reply}
	}
	return nil
}

func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) dropConnection() {
	t.closeOnce.Do(func() { close(t.closed) })
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failDials  bool
	rejectAuth bool
	last       *fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string, *Credentials) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failDials {
		return nil, errors.New("connection refused")
	}
	d.last = newFakeTransport(d.rejectAuth)
	return d.last, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastTransport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) setFailDials(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDials = fail
}

// fastConfig keeps reconnect delays tiny; jitter is capped by CapDelay.
func fastConfig() Config {
	return Config{
		Endpoint:          "ws://test",
		BaseDelay:         time.Millisecond,
		CapDelay:          10 * time.Millisecond,
		MaxAttempts:       3,
		HeartbeatInterval: time.Hour,
	}
}

func testCreds() *Credentials {
	return &Credentials{Token: "tok", Identity: "astro_1", Role: "astrologer"}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, m.State())
}

func TestBackoffDelayBounds(t *testing.T) {
	m := NewManager(Config{BaseDelay: 3 * time.Second, CapDelay: 30 * time.Second}, &fakeDialer{}, zap.NewNop())

	for attempt := 1; attempt <= 6; attempt++ {
		lower := 3 * time.Second << uint(attempt-1)
		upper := lower + time.Second
		if lower > 30*time.Second {
			lower = 30 * time.Second
		}
		if upper > 30*time.Second {
			upper = 30 * time.Second
		}
		for i := 0; i < 20; i++ {
			d := m.backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, lower, "attempt %d", attempt)
			assert.LessOrEqual(t, d, upper, "attempt %d", attempt)
		}
	}

	// pathological attempt numbers must not overflow the shift
	assert.Equal(t, 30*time.Second, m.backoffDelay(64))
}

func TestConnectPerformsHandshake(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateConnected)

	tr := d.lastTransport()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.NotEmpty(t, tr.written)
	assert.Equal(t, event.EventAuth, tr.written[0].Event)
}

func TestConnectIsIdempotentForSameCredentials(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	creds := testCreds()
	require.NoError(t, m.Connect(creds))
	waitForState(t, m, StateConnected)

	require.NoError(t, m.Connect(creds))
	require.NoError(t, m.Connect(creds))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, d.dialCount(), "repeat connects with same credentials must not redial")
}

func TestConnectWithNewCredentialsRedials(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateConnected)

	require.NoError(t, m.Connect(&Credentials{Token: "fresh", Identity: "astro_1", Role: "astrologer"}))
	waitForState(t, m, StateConnected)
	assert.Equal(t, 2, d.dialCount())
}

func TestEmitFailsWhenNotConnected(t *testing.T) {
	m := NewManager(fastConfig(), &fakeDialer{}, zap.NewNop())

	err := m.Emit(event.Envelope{Event: "chat:message"})
	assert.ErrorIs(t, err, model.ErrConnectionClosed)
}

func TestAuthRejectionGoesFailedWithoutRetry(t *testing.T) {
	d := &fakeDialer{rejectAuth: true}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateFailed)

	// a rejected token is not retried
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestReconnectAfterConnectionLost(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateConnected)

	d.lastTransport().dropConnection()
	waitForState(t, m, StateConnected)
	assert.GreaterOrEqual(t, d.dialCount(), 2)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{failDials: true}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateFailed)

	// initial dial plus MaxAttempts retries
	assert.Equal(t, 4, d.dialCount())
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(fastConfig(), d, zap.NewNop())

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateConnected)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "manual disconnect must not trigger reconnection")
}

func TestOnResumeReconnectsImmediately(t *testing.T) {
	d := &fakeDialer{failDials: true}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateFailed)

	d.setFailDials(false)
	m.OnResume()
	waitForState(t, m, StateConnected)
}

func TestSubscribeObservesTransitions(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	states, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.Connect(testCreds()))

	var seen []State
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-deadline:
			t.Fatalf("timed out waiting for transitions, saw %v", seen)
		}
	}
	assert.Equal(t, []State{StateConnecting, StateConnected}, seen[:2])
}

func TestInboundDeliversReceivedEnvelopes(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(fastConfig(), d, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect(testCreds()))
	waitForState(t, m, StateConnected)

	d.lastTransport().in <- event.Envelope{Event: "booking:offer"}

	select {
	case env := <-m.Inbound():
		assert.Equal(t, "booking:offer", env.Event)
	case <-time.After(time.Second):
		t.Fatal("inbound envelope never delivered")
	}
}

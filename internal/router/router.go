// Package router is the thin dispatch layer between the connection manager
// and the domain components: named inbound events go to typed handlers, named
// outbound actions become emissions with optional single-shot acknowledgement.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
)

// DefaultAckTimeout bounds every acknowledgement round-trip.
const DefaultAckTimeout = 10 * time.Second

// Emitter sends one envelope to the backend. Implemented by conn.Manager.
type Emitter interface {
	Emit(event.Envelope) error
}

// Handler receives one inbound envelope.
type Handler func(event.Envelope)

// Router dispatches inbound envelopes to registered handlers and correlates
// outbound emissions with their acks. Handlers are keyed by (event, scope):
// re-registering under the same scope replaces, never stacks, so a component
// re-subscribing after a reconnect cannot cause duplicate delivery.
type Router struct {
	emitter    Emitter
	logger     *zap.Logger
	ackTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]map[string]Handler // event -> scope -> handler
	pending  map[string]chan event.Ack     // messageId -> waiter
}

// New creates a router on top of the given emitter. ackTimeout <= 0 selects
// DefaultAckTimeout.
func New(emitter Emitter, logger *zap.Logger, ackTimeout time.Duration) *Router {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &Router{
		emitter:    emitter,
		logger:     logger.Named("router"),
		ackTimeout: ackTimeout,
		handlers:   make(map[string]map[string]Handler),
		pending:    make(map[string]chan event.Ack),
	}
}

// On registers the handler for an event name under a subscriber scope,
// replacing any previous handler for the same (event, scope) pair.
func (r *Router) On(scope, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byScope, ok := r.handlers[name]
	if !ok {
		byScope = make(map[string]Handler)
		r.handlers[name] = byScope
	}
	byScope[scope] = h
}

// Off removes one handler.
func (r *Router) Off(scope, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byScope, ok := r.handlers[name]; ok {
		delete(byScope, scope)
		if len(byScope) == 0 {
			delete(r.handlers, name)
		}
	}
}

// OffScope removes every handler registered under the scope, as one bulk
// operation. Components call this on teardown so no orphaned handler survives
// an unmount.
func (r *Router) OffScope(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, byScope := range r.handlers {
		delete(byScope, scope)
		if len(byScope) == 0 {
			delete(r.handlers, name)
		}
	}
}

// Emit sends one fire-and-forget event.
func (r *Router) Emit(name string, payload any) error {
	env, err := event.New(name, payload)
	if err != nil {
		return err
	}
	return r.emitter.Emit(env)
}

// EmitWithAck sends one event and blocks until its ack arrives, the ack
// timeout passes, or ctx is cancelled. The ack is returned as-is; callers
// interpret Success/Code. On timeout the error is model.ErrAckTimeout.
func (r *Router) EmitWithAck(ctx context.Context, name string, payload any) (event.Ack, error) {
	env, err := event.New(name, payload)
	if err != nil {
		return event.Ack{}, err
	}

	waiter := make(chan event.Ack, 1)
	r.mu.Lock()
	r.pending[env.MessageID] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, env.MessageID)
		r.mu.Unlock()
	}()

	if err = r.emitter.Emit(env); err != nil {
		return event.Ack{}, err
	}

	timer := time.NewTimer(r.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-waiter:
		return ack, nil
	case <-timer.C:
		return event.Ack{}, model.ErrAckTimeout
	case <-ctx.Done():
		return event.Ack{}, context.Cause(ctx)
	}
}

// SendAck emits the acknowledgement echo for a received envelope.
func (r *Router) SendAck(forMessageID string, success bool, errMsg, code string) error {
	return r.emitter.Emit(event.NewAck(forMessageID, success, errMsg, code))
}

// Run consumes the inbound stream until ctx is cancelled or the stream
// closes. All dispatch happens on this goroutine; handlers must not block.
func (r *Router) Run(ctx context.Context, inbound <-chan event.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-inbound:
			if !ok {
				return
			}
			r.Dispatch(env)
		}
	}
}

// Dispatch routes one envelope. Acks resolve their waiter; everything else
// fans out to the handlers registered for the event name.
func (r *Router) Dispatch(env event.Envelope) {
	if env.Event == event.EventAck {
		r.resolveAck(env)
		return
	}

	r.mu.RLock()
	byScope := r.handlers[env.Event]
	hs := make([]Handler, 0, len(byScope))
	for _, h := range byScope {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	if len(hs) == 0 {
		r.logger.Debug("no handler for event", zap.String("event", env.Event))
		return
	}
	for _, h := range hs {
		r.safeInvoke(env, h)
	}
}

// AbandonPending fails every outstanding ack waiter. Called when the
// connection drops so in-flight operations fail fast instead of running out
// their full timeout against a dead transport.
func (r *Router) AbandonPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, waiter := range r.pending {
		select {
		case waiter <- event.Ack{MessageID: id, Success: false, Error: "connection lost"}:
		default:
		}
		delete(r.pending, id)
	}
}

func (r *Router) resolveAck(env event.Envelope) {
	var ack event.Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		r.logger.Warn("undecodable ack", zap.Error(err))
		return
	}
	r.mu.Lock()
	waiter, ok := r.pending[ack.MessageID]
	if ok {
		delete(r.pending, ack.MessageID)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("ack with no waiter", zap.String("messageId", ack.MessageID))
		return
	}
	waiter <- ack // buffered, single-shot
}

// safeInvoke isolates handler panics: one bad event must not take down the
// connection.
func (r *Router) safeInvoke(env event.Envelope, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic",
				zap.String("event", env.Event),
				zap.Any("panic", rec))
		}
	}()
	h(env)
}

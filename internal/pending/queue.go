// Package pending maintains the locally cached view of all currently pending
// booking offers, kept consistent with server-pushed taken/removed/expired
// events.
package pending

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
	"astrolink/internal/router"
)

// Scope is the queue's handler-registration scope on the router.
const Scope = "pending-queue"

// Removal reasons passed to the lifecycle hook.
const (
	ReasonTaken   = "taken"
	ReasonRemoved = "removed"
	ReasonExpired = "expired"
	ReasonSwept   = "swept" // defensive max-age eviction
)

// LifecycleHook observes every server-driven removal. The broker registers
// one to abort in-flight accepts (taken) and to cancel its expiry timers.
type LifecycleHook func(id, reason, takenBy string)

// Queue is an arrival-ordered set of booking requests, unique by id. Only
// this component mutates it; the UI layer reads snapshots and watches the
// change signal.
type Queue struct {
	logger *zap.Logger
	rt     *router.Router

	mu      sync.RWMutex
	order   []string
	byID    map[string]model.BookingRequest
	addedAt map[string]time.Time
	hook    LifecycleHook

	updates chan struct{}

	maxAge    time.Duration
	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates the queue and registers its event handlers. maxAge > 0 enables
// the defensive eviction sweep for offers the server never resolved.
func New(rt *router.Router, logger *zap.Logger, maxAge time.Duration) *Queue {
	q := &Queue{
		logger:    logger.Named("pending"),
		rt:        rt,
		byID:      make(map[string]model.BookingRequest),
		addedAt:   make(map[string]time.Time),
		updates:   make(chan struct{}, 1),
		maxAge:    maxAge,
		sweepStop: make(chan struct{}),
	}

	rt.On(Scope, event.EventBookingTaken, q.handleTaken)
	rt.On(Scope, event.EventBookingRemoved, q.handleRemoved)
	rt.On(Scope, event.EventBookingExpired, q.handleExpired)

	if maxAge > 0 {
		go q.sweepLoop()
	}
	return q
}

// SetLifecycleHook installs the removal observer. Must be set before events
// flow; replaces any previous hook.
func (q *Queue) SetLifecycleHook(h LifecycleHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hook = h
}

// Add inserts a request, idempotently: a redelivered offer with a known id
// leaves the queue unchanged and returns false.
func (q *Queue) Add(req model.BookingRequest) bool {
	q.mu.Lock()
	if _, dup := q.byID[req.ID]; dup {
		q.mu.Unlock()
		q.logger.Debug("duplicate offer ignored", zap.String("requestId", req.ID))
		return false
	}
	q.byID[req.ID] = req
	q.order = append(q.order, req.ID)
	q.addedAt[req.ID] = time.Now()
	q.mu.Unlock()

	q.signal()
	return true
}

// Remove deletes by id, returning the request if it was present.
func (q *Queue) Remove(id string) (model.BookingRequest, bool) {
	q.mu.Lock()
	req, ok := q.removeLocked(id)
	q.mu.Unlock()
	if ok {
		q.signal()
	}
	return req, ok
}

// Get returns the request for an id, if pending.
func (q *Queue) Get(id string) (model.BookingRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	req, ok := q.byID[id]
	return req, ok
}

// Len returns the number of pending offers.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.byID)
}

// Snapshot returns the pending offers in arrival order.
func (q *Queue) Snapshot() []model.BookingRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]model.BookingRequest, 0, len(q.order))
	for _, id := range q.order {
		if req, ok := q.byID[id]; ok {
			out = append(out, req)
		}
	}
	return out
}

// Updates is a coalesced change signal: one token is readable whenever the
// queue changed since the last read.
func (q *Queue) Updates() <-chan struct{} { return q.updates }

// Close removes the queue's handlers and stops the sweep. Symmetric to New.
func (q *Queue) Close() {
	q.rt.OffScope(Scope)
	q.sweepOnce.Do(func() { close(q.sweepStop) })
}

// -----------------------------------------------------------------
// Inbound Event Handlers
// -----------------------------------------------------------------

func (q *Queue) handleTaken(env event.Envelope) {
	var p model.BookingLifecyclePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.RequestID == "" {
		q.logger.Warn("undecodable booking:taken payload", zap.Error(err))
		return
	}
	q.dropWithHook(p.RequestID, ReasonTaken, p.TakenBy)
}

func (q *Queue) handleRemoved(env event.Envelope) {
	var p model.BookingLifecyclePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.RequestID == "" {
		q.logger.Warn("undecodable booking:removed payload", zap.Error(err))
		return
	}
	q.dropWithHook(p.RequestID, ReasonRemoved, "")
}

func (q *Queue) handleExpired(env event.Envelope) {
	var p model.BookingLifecyclePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.RequestID == "" {
		q.logger.Warn("undecodable booking:expired payload", zap.Error(err))
		return
	}
	q.dropWithHook(p.RequestID, ReasonExpired, "")
}

// dropWithHook removes the id and notifies the lifecycle hook. The hook runs
// even when the id was not present: an in-flight accept may exist for an
// offer the server already resolved.
func (q *Queue) dropWithHook(id, reason, takenBy string) {
	q.mu.Lock()
	_, removed := q.removeLocked(id)
	hook := q.hook
	q.mu.Unlock()

	if removed {
		q.logger.Info("offer resolved by server",
			zap.String("requestId", id),
			zap.String("reason", reason))
		q.signal()
	}
	if hook != nil {
		hook(id, reason, takenBy)
	}
}

func (q *Queue) removeLocked(id string) (model.BookingRequest, bool) {
	req, ok := q.byID[id]
	if !ok {
		return model.BookingRequest{}, false
	}
	delete(q.byID, id)
	delete(q.addedAt, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return req, true
}

func (q *Queue) signal() {
	select {
	case q.updates <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------
// Defensive Eviction Sweep
// -----------------------------------------------------------------

// sweepLoop evicts offers older than maxAge. The server is expected to
// resolve every offer with a taken/removed/expired event; the sweep is the
// safety net for the case where none ever arrives.
func (q *Queue) sweepLoop() {
	interval := q.maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.sweepStop:
			return
		case <-ticker.C:
			q.sweep(time.Now())
		}
	}
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	var stale []string
	for id, at := range q.addedAt {
		if now.Sub(at) > q.maxAge {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		q.removeLocked(id)
	}
	hook := q.hook
	q.mu.Unlock()

	for _, id := range stale {
		q.logger.Warn("evicting unresolved offer", zap.String("requestId", id))
		if hook != nil {
			hook(id, ReasonSwept, "")
		}
	}
	if len(stale) > 0 {
		q.signal()
	}
}

// Package broker consumes inbound booking offers, normalizes the two wire
// shapes into one canonical request, and exposes accept/reject with
// at-most-one-response semantics and expiry handling.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
	"astrolink/internal/pending"
	"astrolink/internal/router"
)

// Scope is the broker's handler-registration scope on the router.
const Scope = "booking-broker"

// selfExpiryWindow is how long a locally expired id is remembered so the
// server's own expiry announcement for it is not surfaced twice.
const selfExpiryWindow = 2 * time.Minute

// Notification is a local (non-network) signal for the UI layer: an offer
// expired, was taken by a competitor, or was withdrawn.
type Notification struct {
	Kind      string // pending.ReasonTaken / ReasonRemoved / ReasonExpired / ReasonSwept
	RequestID string
	TakenBy   string
}

// Broker owns the respond-to-offer protocol. The pending queue is its store;
// the broker adds normalized offers to it and the queue's server-event
// handlers remove them.
type Broker struct {
	rt     *router.Router
	queue  *pending.Queue
	logger *zap.Logger

	mu           sync.Mutex
	inflight     map[string]context.CancelCauseFunc // at-most-one response per id
	expiryTimers map[string]*time.Timer
	selfExpired  map[string]time.Time

	notifyCh chan Notification
}

// New creates the broker, registers its offer handler and hooks into the
// queue's lifecycle events.
func New(rt *router.Router, queue *pending.Queue, logger *zap.Logger) *Broker {
	b := &Broker{
		rt:           rt,
		queue:        queue,
		logger:       logger.Named("broker"),
		inflight:     make(map[string]context.CancelCauseFunc),
		expiryTimers: make(map[string]*time.Timer),
		selfExpired:  make(map[string]time.Time),
		notifyCh:     make(chan Notification, 32),
	}
	rt.On(Scope, event.EventBookingOffer, b.handleOffer)
	queue.SetLifecycleHook(b.onQueueLifecycle)
	return b
}

// Notifications is the stream of local offer-lifecycle signals for the UI.
func (b *Broker) Notifications() <-chan Notification { return b.notifyCh }

// Close removes the broker's handlers and cancels all expiry timers.
func (b *Broker) Close() {
	b.rt.OffScope(Scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.expiryTimers {
		t.Stop()
		delete(b.expiryTimers, id)
	}
}

// -----------------------------------------------------------------
// Inbound Offers
// -----------------------------------------------------------------

// handleOffer processes one booking:offer envelope. Envelopes that demand an
// acknowledgement are acked before normalization runs, so a malformed payload
// can never leave the server waiting.
func (b *Broker) handleOffer(env event.Envelope) {
	if env.AckRequired && env.MessageID != "" {
		if err := b.rt.SendAck(env.MessageID, true, "", ""); err != nil {
			b.logger.Warn("offer ack failed", zap.Error(err))
		}
	}

	req, err := Normalize(env.Payload)
	if err != nil {
		b.logger.Warn("discarding malformed offer", zap.Error(err))
		return
	}

	now := time.Now()
	if req.Expired(now) {
		// dead on arrival: local expiry notification only, no network response
		b.markSelfExpired(req.ID)
		b.notify(Notification{Kind: pending.ReasonExpired, RequestID: req.ID})
		b.logger.Info("offer already expired at receipt", zap.String("requestId", req.ID))
		return
	}

	if !b.queue.Add(req) {
		return // redelivery, already pending
	}
	b.logger.Info("booking offer received",
		zap.String("requestId", req.ID),
		zap.String("type", req.Type),
		zap.Bool("wasQueued", req.WasQueued))

	if req.ExpiresAt != nil {
		b.armExpiry(req.ID, req.ExpiresAt.Sub(now))
	}
}

func (b *Broker) armExpiry(id string, in time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.expiryTimers[id]; ok {
		t.Stop()
	}
	b.expiryTimers[id] = time.AfterFunc(in, func() { b.expire(id) })
}

// expire is the autonomous local expiry path. A response already in flight
// wins: its outcome decides the request's fate.
func (b *Broker) expire(id string) {
	b.mu.Lock()
	if _, responding := b.inflight[id]; responding {
		b.mu.Unlock()
		return
	}
	delete(b.expiryTimers, id)
	b.selfExpired[id] = time.Now()
	b.pruneSelfExpiredLocked()
	b.mu.Unlock()

	if _, ok := b.queue.Remove(id); ok {
		b.logger.Info("offer expired locally", zap.String("requestId", id))
		b.notify(Notification{Kind: pending.ReasonExpired, RequestID: id})
	}
}

// -----------------------------------------------------------------
// Accept / Reject
// -----------------------------------------------------------------

// Accept emits exactly one accepted response for the request. A second call
// while one is pending fails locally with ErrDuplicateResponse. Whatever the
// outcome, the request is discarded; there is no retry.
func (b *Broker) Accept(ctx context.Context, id string) (model.AcceptResult, error) {
	req, ack, err := b.respond(ctx, id, model.BookingAccepted)
	if err != nil {
		return model.AcceptResult{}, err
	}

	res := model.AcceptResult{Request: req}
	if len(ack.Data) > 0 {
		if err := json.Unmarshal(ack.Data, &res); err != nil {
			b.logger.Warn("undecodable accept result", zap.Error(err))
		}
		res.Request = req
	}
	if res.RoomID == "" {
		res.RoomID = "room_" + id
	}
	if res.SessionID == "" {
		res.SessionID = id
	}
	return res, nil
}

// Reject emits exactly one rejected response, with the same local guarantees
// as Accept.
func (b *Broker) Reject(ctx context.Context, id string) error {
	_, _, err := b.respond(ctx, id, model.BookingRejected)
	return err
}

func (b *Broker) respond(ctx context.Context, id, status string) (model.BookingRequest, event.Ack, error) {
	b.mu.Lock()
	req, ok := b.queue.Get(id)
	if !ok {
		b.mu.Unlock()
		return model.BookingRequest{}, event.Ack{}, model.ErrRequestNotFound
	}
	if _, dup := b.inflight[id]; dup {
		b.mu.Unlock()
		return model.BookingRequest{}, event.Ack{}, model.ErrDuplicateResponse
	}
	cctx, cancel := context.WithCancelCause(ctx)
	b.inflight[id] = cancel
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.inflight, id)
		b.mu.Unlock()
		cancel(nil)
	}()

	ack, err := b.rt.EmitWithAck(cctx, event.EventBookingResponse, model.BookingResponsePayload{
		RequestID: id,
		Status:    status,
	})

	// one response per request: win or lose, the offer is done here
	b.discard(id)

	if err != nil {
		b.logger.Warn("booking response failed",
			zap.String("requestId", id),
			zap.String("status", status),
			zap.Error(err))
		return model.BookingRequest{}, event.Ack{}, err
	}
	if !ack.Success {
		return model.BookingRequest{}, event.Ack{}, serverError(ack)
	}

	b.logger.Info("booking response acknowledged",
		zap.String("requestId", id),
		zap.String("status", status))
	return req, ack, nil
}

func serverError(ack event.Ack) error {
	switch ack.Code {
	case event.AckCodeAlreadyTaken:
		return fmt.Errorf("%w: %s", model.ErrAlreadyTaken, ack.Error)
	case event.AckCodeExpired:
		return fmt.Errorf("%w: %s", model.ErrRequestExpired, ack.Error)
	case event.AckCodeNotFound:
		return fmt.Errorf("%w: %s", model.ErrRequestNotFound, ack.Error)
	default:
		return fmt.Errorf("booking response rejected: %s", ack.Error)
	}
}

func (b *Broker) discard(id string) {
	b.mu.Lock()
	if t, ok := b.expiryTimers[id]; ok {
		t.Stop()
		delete(b.expiryTimers, id)
	}
	b.mu.Unlock()
	b.queue.Remove(id)
}

// -----------------------------------------------------------------
// Queue Lifecycle Events
// -----------------------------------------------------------------

// onQueueLifecycle reacts to server-driven removals. A taken event aborts any
// in-flight accept for the id with ErrAlreadyTaken, distinct from generic
// failure so the UI can say who got there first.
func (b *Broker) onQueueLifecycle(id, reason, takenBy string) {
	b.mu.Lock()
	if t, ok := b.expiryTimers[id]; ok {
		t.Stop()
		delete(b.expiryTimers, id)
	}
	if reason == pending.ReasonTaken {
		if cancel, ok := b.inflight[id]; ok {
			cancel(model.ErrAlreadyTaken)
		}
	}
	skip := false
	if reason == pending.ReasonExpired {
		if _, self := b.selfExpired[id]; self {
			// already surfaced by the local expiry path
			delete(b.selfExpired, id)
			skip = true
		}
	}
	b.mu.Unlock()

	if !skip {
		b.notify(Notification{Kind: reason, RequestID: id, TakenBy: takenBy})
	}
}

func (b *Broker) markSelfExpired(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfExpired[id] = time.Now()
	b.pruneSelfExpiredLocked()
}

func (b *Broker) pruneSelfExpiredLocked() {
	cutoff := time.Now().Add(-selfExpiryWindow)
	for id, at := range b.selfExpired {
		if at.Before(cutoff) {
			delete(b.selfExpired, id)
		}
	}
}

func (b *Broker) notify(n Notification) {
	select {
	case b.notifyCh <- n:
	default:
		b.logger.Warn("notification dropped, consumer too slow",
			zap.String("kind", n.Kind),
			zap.String("requestId", n.RequestID))
	}
}

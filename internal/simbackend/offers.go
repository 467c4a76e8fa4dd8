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

// Offer wire shapes, mirroring the production backend's two encodings.
const (
	ShapeFlat   = "flat"
	ShapeNested = "nested"
)

// SimOffer is one pending offer being rung to all connected agents.
type SimOffer struct {
	Req         model.BookingRequest
	Shape       string
	AckRequired bool
	timer       *time.Timer
}

// OfferStore keeps pending offers and resolves the race between competing
// accepts: the first response wins, everyone else learns via booking:taken.
type OfferStore struct {
	hub    *Hub
	logger *zap.Logger

	mu     sync.Mutex
	offers map[string]*SimOffer
}

func newOfferStore(h *Hub) *OfferStore {
	return &OfferStore{
		hub:    h,
		logger: h.logger.Named("offers"),
		offers: make(map[string]*SimOffer),
	}
}

// Inject registers an offer and broadcasts it. ringFor bounds how long the
// offer stays open before the store expires it server-side.
func (s *OfferStore) Inject(req model.BookingRequest, shape string, ackRequired bool, ringFor time.Duration) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if ringFor > 0 && req.ExpiresAt == nil {
		at := time.Now().Add(ringFor)
		req.ExpiresAt = &at
	}
	if shape != ShapeNested {
		shape = ShapeFlat
	}

	offer := &SimOffer{Req: req, Shape: shape, AckRequired: ackRequired}
	s.mu.Lock()
	s.offers[req.ID] = offer
	if ringFor > 0 {
		id := req.ID
		offer.timer = time.AfterFunc(ringFor, func() { s.expire(id) })
	}
	s.mu.Unlock()

	s.logger.Info("offer injected",
		zap.String("requestId", req.ID),
		zap.String("shape", shape),
		zap.String("type", req.Type))
	s.hub.broadcast(s.encode(offer, false), "")
}

// replayTo pushes all still-pending offers to one agent, marked as queued.
func (s *OfferStore) replayTo(c *AgentClient) {
	s.mu.Lock()
	pending := make([]*SimOffer, 0, len(s.offers))
	for _, o := range s.offers {
		pending = append(pending, o)
	}
	s.mu.Unlock()

	for _, o := range pending {
		c.send(s.encode(o, true))
	}
}

// Remove withdraws an offer (control surface) and announces the removal.
func (s *OfferStore) Remove(id string) bool {
	s.mu.Lock()
	o, ok := s.offers[id]
	if ok {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(s.offers, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	env, _ := event.New(event.EventBookingRemoved, model.BookingLifecyclePayload{RequestID: id})
	s.hub.broadcast(env, "")
	return true
}

// Snapshot lists pending offers for the monitor endpoint.
func (s *OfferStore) Snapshot() []model.BookingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BookingRequest, 0, len(s.offers))
	for _, o := range s.offers {
		out = append(out, o.Req)
	}
	return out
}

func (s *OfferStore) expire(id string) {
	s.mu.Lock()
	_, ok := s.offers[id]
	if ok {
		delete(s.offers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("offer expired unanswered", zap.String("requestId", id))
	env, _ := event.New(event.EventBookingExpired, model.BookingLifecyclePayload{RequestID: id})
	s.hub.broadcast(env, "")
}

// handleResponse processes one agent's accept/reject.
func (s *OfferStore) handleResponse(env event.Envelope, c *AgentClient) {
	var p model.BookingResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.RequestID == "" {
		s.hub.sendAck(c, env.MessageID, false, "invalid booking response payload", event.AckCodeInvalid, nil)
		return
	}

	s.mu.Lock()
	offer, ok := s.offers[p.RequestID]
	if ok {
		if offer.timer != nil {
			offer.timer.Stop()
		}
		delete(s.offers, p.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		// lost the race or responded to an expired offer
		s.hub.sendAck(c, env.MessageID, false, "booking no longer available", event.AckCodeAlreadyTaken, nil)
		return
	}

	switch p.Status {
	case model.BookingAccepted:
		sess := s.hub.sessions.create(offer.Req, c.identity)
		c.setInSession(offer.Req.ID)
		s.hub.sendAck(c, env.MessageID, true, "", "", map[string]string{
			"sessionId": sess.SessionID,
			"roomId":    sess.RoomID,
		})
		taken, _ := event.New(event.EventBookingTaken, model.BookingLifecyclePayload{
			RequestID: p.RequestID,
			TakenBy:   c.identity,
		})
		s.hub.broadcast(taken, c.identity)
		s.logger.Info("offer accepted",
			zap.String("requestId", p.RequestID),
			zap.String("agentId", c.identity))

	case model.BookingRejected:
		s.hub.sendAck(c, env.MessageID, true, "", "", nil)
		removed, _ := event.New(event.EventBookingRemoved, model.BookingLifecyclePayload{RequestID: p.RequestID})
		s.hub.broadcast(removed, c.identity)
		s.logger.Info("offer rejected",
			zap.String("requestId", p.RequestID),
			zap.String("agentId", c.identity))

	default:
		s.hub.sendAck(c, env.MessageID, false, "unknown response status", event.AckCodeInvalid, nil)
	}
}

// encode serializes the offer in its configured wire shape.
func (s *OfferStore) encode(o *SimOffer, queued bool) event.Envelope {
	req := o.Req
	fields := map[string]any{
		"consultationType": req.Type,
		"rate":             req.Rate,
		"createdAt":        req.CreatedAt.UnixMilli(),
		"user": map[string]any{
			"name":     req.Requester.Name,
			"imageUrl": req.Requester.ImageURL,
		},
	}
	if req.Currency != "" {
		fields["currency"] = req.Currency
	}
	if req.Notes != "" {
		fields["notes"] = req.Notes
	}
	if req.ExpiresAt != nil {
		fields["expiresAt"] = req.ExpiresAt.UnixMilli()
	}
	for k, v := range req.Metadata {
		fields[k] = v
	}

	var payload map[string]any
	if o.Shape == ShapeNested {
		fields["id"] = req.ID
		payload = map[string]any{
			"booking":   fields,
			"wasQueued": queued,
		}
	} else {
		fields["bookingId"] = req.ID
		fields["wasQueued"] = queued
		payload = fields
	}

	raw, _ := json.Marshal(payload)
	return event.Envelope{
		Event:       event.EventBookingOffer,
		Payload:     raw,
		MessageID:   uuid.New().String(),
		AckRequired: o.AckRequired,
	}
}

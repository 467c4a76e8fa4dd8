package model

import (
	"time"
)

// RequesterSummary is the minimal requester identity shown while an offer rings.
type RequesterSummary struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// BookingRequest is the canonical form of a booking offer. The backend emits
// offers in two wire shapes (flat with a bookingId field, or nested under a
// "booking" object); broker.Normalize folds both into this struct. Fields the
// canonical shape has no name for are preserved in Metadata.
type BookingRequest struct {
	ID        string           `json:"id"`
	Type      string           `json:"consultationType"` // event.ConsultationChat/Voice/Video
	Rate      float64          `json:"rate"`             // price or per-minute rate
	Currency  string           `json:"currency,omitempty"`
	Notes     string           `json:"notes,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	Requester RequesterSummary `json:"requester"`
	WasQueued bool             `json:"wasQueued"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Expired reports whether the offer's expiry has passed at the given instant.
// Offers without an expiry never self-expire client-side.
func (b *BookingRequest) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// -----------------------------------------------------------------
// Wire Payloads - Client to Server
// -----------------------------------------------------------------

// Booking response statuses.
const (
	BookingAccepted = "accepted"
	BookingRejected = "rejected"
)

// BookingResponsePayload answers one booking offer.
type BookingResponsePayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"` // BookingAccepted or BookingRejected
}

// RoomJoinPayload asks the server to admit the agent to a consultation room.
type RoomJoinPayload struct {
	BookingID string `json:"bookingId"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
}

// RoomLeavePayload leaves the consultation room.
type RoomLeavePayload struct {
	BookingID string `json:"bookingId"`
	RoomID    string `json:"roomId"`
}

// StatusUpdatePayload reports agent availability to the server.
type StatusUpdatePayload struct {
	Status string `json:"status"`
}

// HeartbeatPayload carries the liveness timestamp.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// -----------------------------------------------------------------
// Wire Payloads - Server to Client
// -----------------------------------------------------------------

// BookingLifecyclePayload is shared by booking:taken / booking:removed /
// booking:expired events.
type BookingLifecyclePayload struct {
	RequestID string `json:"requestId"`
	TakenBy   string `json:"takenBy,omitempty"`
}

// AcceptResult is returned to the caller of Broker.Accept on success. It
// carries everything the session machine needs to initiate the room join.
type AcceptResult struct {
	Request   BookingRequest `json:"request"`
	SessionID string         `json:"sessionId"`
	RoomID    string         `json:"roomId"`
}

// RoomJoinedPayload confirms a room join, optionally carrying session and
// room ids assigned server-side.
type RoomJoinedPayload struct {
	BookingID string `json:"bookingId"`
	SessionID string `json:"sessionId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// PresencePayload is shared by counterparty joined/left events. Media is set
// on joined events for voice/video consultations and handed to the media
// engine untouched.
type PresencePayload struct {
	BookingID string         `json:"bookingId"`
	RoomID    string         `json:"roomId"`
	Type      string         `json:"consultationType,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Media     *MediaJoinInfo `json:"media,omitempty"`
}

// TimerSyncPayload is the server's authoritative billing clock.
type TimerSyncPayload struct {
	BookingID     string  `json:"bookingId"`
	ElapsedSecs   int64   `json:"elapsedSeconds"`
	CurrentAmount float64 `json:"currentAmount"`
	Currency      string  `json:"currency"`
}

// SessionEndPayload terminates a session, in either direction.
type SessionEndPayload struct {
	BookingID string `json:"bookingId"`
	EndedBy   string `json:"endedBy"` // "self" or "counterparty" or "server"
	Reason    string `json:"reason,omitempty"`
}

// TypingPayload is the typing indicator, in either direction.
type TypingPayload struct {
	BookingID string `json:"bookingId"`
	IsTyping  bool   `json:"isTyping"`
}

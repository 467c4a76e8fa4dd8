package model

import "time"

// Sender roles for chat messages.
const (
	SenderSelf         = "self"
	SenderCounterparty = "counterparty"
)

// Chat message delivery statuses. Delivery status is the only field of a
// ChatMessage that mutates after creation.
const (
	DeliverySending   = "sending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// ChatMessage is one message in a consultation chat stream.
type ChatMessage struct {
	ID             string `json:"id"`
	BookingID      string `json:"bookingId"`
	Content        string `json:"content"`
	SenderRole     string `json:"senderRole"`
	Timestamp      int64  `json:"timestamp"` // unix millis
	DeliveryStatus string `json:"deliveryStatus,omitempty"`
}

// TimerState is the locally ticking billing clock for one session.
type TimerState struct {
	ElapsedSeconds int64   `json:"elapsedSeconds"`
	CurrentAmount  float64 `json:"currentAmount"`
	Currency       string  `json:"currency"`
}

// MediaJoinInfo carries the opaque credentials a media engine needs to join
// the call room (teacher of record: LiveKit room name + access token). The
// core forwards it, never inspects it.
type MediaJoinInfo struct {
	RoomName string `json:"roomName"`
	Token    string `json:"token"`
	URL      string `json:"url,omitempty"`
}

// SessionSummary is the frozen terminal record emitted when a session ends.
type SessionSummary struct {
	BookingID       string    `json:"bookingId"`
	DurationSeconds int64     `json:"durationSeconds"`
	FinalAmount     float64   `json:"finalAmount"`
	Currency        string    `json:"currency"`
	EndedBy         string    `json:"endedBy"`
	Reason          string    `json:"reason"`
	EndedAt         time.Time `json:"endedAt"`
}

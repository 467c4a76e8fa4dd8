package event

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope is the wire frame for every message exchanged with the backend.
// Payload stays raw until a component that knows the event name decodes it.
// AckRequired marks envelopes the receiver must echo an ack for (by MessageID)
// before doing anything else with the payload.
type Envelope struct {
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	AckRequired bool            `json:"ackRequired,omitempty"`
}

// Ack is the payload of an EventAck envelope. MessageID correlates it with
// the envelope being acknowledged. Data optionally carries an operation
// result (e.g. session/room ids on a booking accept).
type Ack struct {
	MessageID string          `json:"messageId"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with a fresh message id.
func New(name string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Event:     name,
		Payload:   raw,
		MessageID: uuid.New().String(),
	}, nil
}

// NewAck builds the ack envelope for a received envelope.
func NewAck(forMessageID string, success bool, errMsg, code string) Envelope {
	raw, _ := json.Marshal(Ack{
		MessageID: forMessageID,
		Success:   success,
		Error:     errMsg,
		Code:      code,
	})
	return Envelope{Event: EventAck, Payload: raw}
}

package model

import "errors"

// Error taxonomy for the connection/session core. Transport faults recover
// internally via the reconnect policy; these surface only where a caller of a
// specific action needs to distinguish outcomes.
var (
	// ErrConnectionClosed - emission attempted with no live connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAckTimeout - an acknowledgement-bounded operation passed its deadline.
	ErrAckTimeout = errors.New("acknowledgement timed out")

	// ErrMalformedRequest - inbound offer had no resolvable booking id.
	ErrMalformedRequest = errors.New("malformed booking request")

	// ErrDuplicateResponse - a second accept/reject while one is in flight.
	// Guarded locally, never reaches the network.
	ErrDuplicateResponse = errors.New("response already in flight for request")

	// ErrRequestNotFound - accept/reject for an id not currently pending.
	ErrRequestNotFound = errors.New("booking request not found")

	// ErrRequestExpired - the offer expired before a response was sent.
	ErrRequestExpired = errors.New("booking request expired")

	// ErrAlreadyTaken - the server reports the booking went to another agent.
	ErrAlreadyTaken = errors.New("booking already taken")

	// ErrStaleSession - event tagged for a session that is no longer current.
	ErrStaleSession = errors.New("event for stale session")

	// ErrSessionEnded - mutation attempted on a terminal session.
	ErrSessionEnded = errors.New("session already ended")
)

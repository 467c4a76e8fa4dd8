package event

// Event Types - Client to Server
const (
	// EventAuth - authentication handshake, first frame after dial
	EventAuth = "auth"

	// EventHeartbeat - periodic liveness signal while connected
	EventHeartbeat = "heartbeat"

	// EventBookingResponse - accept or reject an offered booking
	EventBookingResponse = "booking:response"

	// EventRoomJoin - join the consultation room after an accept
	EventRoomJoin = "room:join"

	// EventRoomLeave - leave the consultation room
	EventRoomLeave = "room:leave"

	// EventStatusUpdate - report agent availability (online/busy/in_session)
	EventStatusUpdate = "status:update"
)

// Event Types - Server to Client
const (
	// EventAuthOK - authentication accepted
	EventAuthOK = "auth:ok"

	// EventAuthFail - authentication rejected, connection will be closed
	EventAuthFail = "auth:fail"

	// EventBookingOffer - a new booking offer (live or previously queued)
	EventBookingOffer = "booking:offer"

	// EventBookingTaken - offer claimed by another agent
	EventBookingTaken = "booking:taken"

	// EventBookingRemoved - offer withdrawn by the requester or the server
	EventBookingRemoved = "booking:removed"

	// EventBookingExpired - offer expired server-side without a response
	EventBookingExpired = "booking:expired"

	// EventRoomJoined - room join confirmed
	EventRoomJoined = "room:joined"

	// EventCounterpartyJoined - the requester entered the room
	EventCounterpartyJoined = "room:counterparty_joined"

	// EventCounterpartyLeft - the requester dropped out of the room
	EventCounterpartyLeft = "room:counterparty_left"

	// EventTimerSync - authoritative billing clock from the server
	EventTimerSync = "session:timer"
)

// Event Types - Both Directions
const (
	// EventChatMessage - one chat message within an active session
	EventChatMessage = "chat:message"

	// EventChatTyping - typing indicator within an active session
	EventChatTyping = "chat:typing"

	// EventSessionEnd - either party terminates the session
	EventSessionEnd = "session:end"

	// EventAck - acknowledgement for a specific prior envelope
	EventAck = "ack"
)

// Consultation Types
const (
	ConsultationChat  = "chat"
	ConsultationVoice = "voice"
	ConsultationVideo = "video"
)

// Session End Reasons
const (
	EndReasonNormal       = "normal"       // explicit hangup/close
	EndReasonCancelled    = "cancelled"    // requester cancelled before start
	EndReasonTimeout      = "timeout"      // no answer within ring window
	EndReasonLowBalance   = "low_balance"  // requester wallet exhausted
	EndReasonError        = "error"        // technical fault
	EndReasonDisconnected = "disconnected" // network drop, never recovered
)

// Agent Status Values
const (
	StatusOnline    = "online"
	StatusBusy      = "busy"
	StatusInSession = "in_session"
	StatusOffline   = "offline"
)

// Ack Error Codes
const (
	AckCodeAlreadyTaken = "already_taken"
	AckCodeExpired      = "expired"
	AckCodeNotFound     = "not_found"
	AckCodeInvalid      = "invalid_payload"
)

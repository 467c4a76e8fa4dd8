package model

// -----------------------------------------------------------------
// Simulation Backend Monitor API Models
// -----------------------------------------------------------------

// MonitorResponse is the main response of the simbackend monitor endpoint.
type MonitorResponse struct {
	Status      string          `json:"status"` // "healthy" or "degraded"
	Connections ConnectionStats `json:"connections"`
	Offers      OfferStats      `json:"offers"`
	Sessions    SessionStats    `json:"sessions"`
	Agents      []AgentInfo     `json:"agents"`
}

// ConnectionStats holds connection-related statistics.
type ConnectionStats struct {
	TotalConnected int `json:"totalConnected"`
	TotalOnline    int `json:"totalOnline"`
	TotalInSession int `json:"totalInSession"`
}

// OfferStats holds pending offer statistics.
type OfferStats struct {
	TotalPending int         `json:"totalPending"`
	Details      []OfferInfo `json:"details"`
}

// OfferInfo describes one pending offer.
type OfferInfo struct {
	RequestID string  `json:"requestId"`
	Type      string  `json:"consultationType"`
	Rate      float64 `json:"rate"`
	ExpiresAt string  `json:"expiresAt,omitempty"` // ISO timestamp
}

// SessionStats holds live session statistics.
type SessionStats struct {
	TotalActive int           `json:"totalActive"`
	Details     []SessionInfo `json:"details"`
}

// SessionInfo describes one live session on the simbackend.
type SessionInfo struct {
	BookingID   string `json:"bookingId"`
	RoomID      string `json:"roomId"`
	AgentID     string `json:"agentId"`
	Type        string `json:"consultationType"`
	ElapsedSecs int64  `json:"elapsedSeconds"`
}

// AgentInfo describes one connected agent.
type AgentInfo struct {
	AgentID   string `json:"agentId"`
	Status    string `json:"status"`
	BookingID string `json:"bookingId,omitempty"` // if in a session
}

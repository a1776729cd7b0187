package model

import "time"

// Core session and network types

type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReconnecting SessionState = "reconnecting"
	SessionFailed       SessionState = "failed"
)

// Session is a read-only snapshot of the logical connection to the dispatch
// server. Only the connection manager produces new values.
type Session struct {
	ID               string       `json:"id,omitempty"` // per transport connection
	UserID           string       `json:"userId,omitempty"`
	State            SessionState `json:"state"`
	TransportName    string       `json:"transportName,omitempty"`
	ConnectedAt      *time.Time   `json:"connectedAt,omitempty"`
	ReconnectAttempt uint         `json:"reconnectAttempt"`
	LastDisconnectAt *time.Time   `json:"lastDisconnectAt,omitempty"`
	LastError        string       `json:"lastError,omitempty"`
}

// Connected reports whether the snapshot describes a live, handshaken session.
func (s Session) Connected() bool { return s.State == SessionConnected }

// Identity is the authenticated worker a session is opened for.
type Identity struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"-"`
}

type TransportType string

const (
	TransportWifi     TransportType = "wifi"
	TransportCellular TransportType = "cellular"
	TransportNone     TransportType = "none"
	TransportUnknown  TransportType = "unknown"
)

// ParseTransportType maps platform type names onto the closed set.
func ParseTransportType(s string) TransportType {
	switch TransportType(s) {
	case TransportWifi, TransportCellular, TransportNone:
		return TransportType(s)
	case "ethernet":
		return TransportWifi
	default:
		return TransportUnknown
	}
}

type NetworkState struct {
	Reachable         bool          `json:"isConnected"`
	InternetReachable bool          `json:"isInternetReachable"`
	TransportType     TransportType `json:"type"`
	ChangedAt         time.Time     `json:"changedAt"`
}

// Differs reports whether any observed field differs. ChangedAt is ignored.
func (n NetworkState) Differs(o NetworkState) bool {
	return n.Reachable != o.Reachable ||
		n.InternetReachable != o.InternetReachable ||
		n.TransportType != o.TransportType
}

// HeartbeatRecord is the heartbeat monitor's view of transport liveness.
type HeartbeatRecord struct {
	LastPingSentAt     time.Time     `json:"lastPingSentAt"`
	LastPongReceivedAt time.Time     `json:"lastPongReceivedAt"`
	MissedPongCount    uint          `json:"missedPongCount"`
	StaleThreshold     uint          `json:"staleThreshold"`
	LastRTT            time.Duration `json:"lastRttNs"`
}

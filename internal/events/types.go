// Package events defines the session events published by the relay and the
// bus that fans them out to telemetry, storage and the admin API.
package events

import (
	"time"

	"github.com/energizer-project/blockbridge/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"
	EventDialFailed    EventType = "dial_failed"
	EventUpstreamReady EventType = "upstream_ready"
	EventStateChanged  EventType = "state_changed"

	// Observed packets
	EventHandshake EventType = "handshake"
	EventLogin     EventType = "login"
	EventChat      EventType = "chat"

	// Listener
	EventConnectionRejected EventType = "connection_rejected"
	EventDatagram           EventType = "datagram"

	// System
	EventHealthChanged EventType = "health_changed"
	EventHeartbeat     EventType = "heartbeat"
	EventShutdown      EventType = "shutdown"
)

// AllEventTypes lists every type a wildcard subscriber receives.
var AllEventTypes = []EventType{
	EventSessionOpened,
	EventSessionClosed,
	EventDialFailed,
	EventUpstreamReady,
	EventStateChanged,
	EventHandshake,
	EventLogin,
	EventChat,
	EventConnectionRejected,
	EventDatagram,
	EventHealthChanged,
	EventHeartbeat,
	EventShutdown,
}

// Event is a single occurrence published on the bus.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	SessionID string      `json:"session_id,omitempty"`
	Time      time.Time   `json:"time"`
	Payload   interface{} `json:"payload,omitempty"`
}

// SessionOpenedPayload is carried by EventSessionOpened.
type SessionOpenedPayload struct {
	Remote string `json:"remote"`
}

// SessionClosedPayload is carried by EventSessionClosed.
type SessionClosedPayload struct {
	Remote        string         `json:"remote"`
	Username      string         `json:"username,omitempty"`
	State         protocol.State `json:"state"`
	Duration      time.Duration  `json:"duration_ns"`
	BytesUp       int64          `json:"bytes_up"`
	BytesDown     int64          `json:"bytes_down"`
	FramesDropped int64          `json:"frames_dropped"`
	Reason        string         `json:"reason"`
}

// DialFailedPayload is carried by EventDialFailed.
type DialFailedPayload struct {
	Upstream string `json:"upstream"`
	Error    string `json:"error"`
}

// UpstreamReadyPayload is carried by EventUpstreamReady.
type UpstreamReadyPayload struct {
	Upstream string        `json:"upstream"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// StateChangedPayload is carried by EventStateChanged.
type StateChangedPayload struct {
	From protocol.State `json:"from"`
	To   protocol.State `json:"to"`
}

// HandshakePayload is carried by EventHandshake.
type HandshakePayload struct {
	Remote string             `json:"remote"`
	Packet protocol.Handshake `json:"packet"`
}

// LoginPayload is carried by EventLogin.
type LoginPayload struct {
	Remote          string              `json:"remote"`
	ProtocolVersion int32               `json:"protocol_version"`
	Packet          protocol.LoginStart `json:"packet"`
}

// ChatPayload is carried by EventChat.
type ChatPayload struct {
	Username string               `json:"username,omitempty"`
	Packet   protocol.ChatMessage `json:"packet"`
}

// ConnectionRejectedPayload is carried by EventConnectionRejected.
type ConnectionRejectedPayload struct {
	Remote string `json:"remote"`
	Reason string `json:"reason"`
}

// DatagramPayload is carried by EventDatagram.
type DatagramPayload struct {
	Remote string `json:"remote"`
	Size   int    `json:"size"`
}

// HealthChangedPayload is carried by EventHealthChanged when a check starts
// or stops failing.
type HealthChangedPayload struct {
	Check string `json:"check"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HeartbeatPayload is carried by EventHeartbeat.
type HeartbeatPayload struct {
	Sessions      int             `json:"sessions"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Checks        map[string]bool `json:"checks"`
}

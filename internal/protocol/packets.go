// Package protocol implements the framing and the small subset of the game's
// wire protocol the relay needs: VarInt codec, length-prefixed frame
// assembly and the connection state tracker. All multi-byte integers are
// big-endian; strings and frames carry a VarInt length prefix.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the connection-state machine position of a client.
type State int32

const (
	StateHandshaking State = iota
	StateStatus
	StateLogin
	StatePlay
)

var stateStrings = map[State]string{
	StateHandshaking: "handshaking",
	StateStatus:      "status",
	StateLogin:       "login",
	StatePlay:        "play",
}

// String returns the lowercase state name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText lets State render as a name in JSON and log output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Packet ids recognised per state (serverbound).
const (
	PktHandshake      int32 = 0x00 // Handshaking
	PktStatusRequest  int32 = 0x00 // Status
	PktStatusPing     int32 = 0x01 // Status
	PktLoginStart     int32 = 0x00 // Login
	PktChatMessage    int32 = 0x05 // Play
	PktPlayerPosition int32 = 0x18 // Play
	PktPlayerRotation int32 = 0x1A // Play
)

// Clientbound status packet ids.
const (
	PktStatusResponse int32 = 0x00
	PktPongResponse   int32 = 0x01
)

// Requested next-state values carried by the handshake.
const (
	NextStateStatus int32 = 1
	NextStateLogin  int32 = 2
)

// Packet is a decoded serverbound packet.
type Packet interface {
	ID() int32
	State() State
}

// Handshake is the first packet of every connection.
type Handshake struct {
	ProtocolVersion int32  `json:"protocol_version"`
	ServerAddress   string `json:"server_address"`
	ServerPort      uint16 `json:"server_port"`
	NextState       int32  `json:"next_state"`
}

func (Handshake) ID() int32    { return PktHandshake }
func (Handshake) State() State { return StateHandshaking }

// String mirrors the packet for debug logs.
func (h Handshake) String() string {
	return fmt.Sprintf("Handshake{protocol=%d, address=%q, port=%d, next=%d}",
		h.ProtocolVersion, h.ServerAddress, h.ServerPort, h.NextState)
}

// LoginStart carries the joining player's name and, on newer protocol
// versions, their identity token.
type LoginStart struct {
	Username string    `json:"username"`
	PlayerID uuid.UUID `json:"player_id"`
	HasID    bool      `json:"has_id"`
}

func (LoginStart) ID() int32    { return PktLoginStart }
func (LoginStart) State() State { return StateLogin }

// ChatMessage is the minimal chat shape. Signature is never populated.
type ChatMessage struct {
	Message       string `json:"message"`
	Timestamp     int64  `json:"timestamp"`
	Salt          int64  `json:"salt"`
	Signature     []byte `json:"signature,omitempty"`
	SignedPreview bool   `json:"signed_preview"`
}

func (ChatMessage) ID() int32    { return PktChatMessage }
func (ChatMessage) State() State { return StatePlay }

// PlayerPosition is sent while the player moves.
type PlayerPosition struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	OnGround bool    `json:"on_ground"`
}

func (PlayerPosition) ID() int32    { return PktPlayerPosition }
func (PlayerPosition) State() State { return StatePlay }

// PlayerRotation is sent while the player looks around.
type PlayerRotation struct {
	Yaw      float32 `json:"yaw"`
	Pitch    float32 `json:"pitch"`
	OnGround bool    `json:"on_ground"`
}

func (PlayerRotation) ID() int32    { return PktPlayerRotation }
func (PlayerRotation) State() State { return StatePlay }

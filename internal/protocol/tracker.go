package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Decode interprets one frame payload in the given state. It returns the
// decoded packet (nil when the packet id is not one the relay cares about)
// and the state that applies to the next frame.
//
// Unknown packet ids are never an error. Only a recognised packet whose
// body cannot be read yields ErrMalformedPacket. A payload whose packet id
// cannot be read identifies no packet, so it counts as unknown too.
func Decode(state State, payload []byte) (Packet, State, error) {
	if len(payload) == 0 {
		return nil, state, nil
	}

	r := NewPacketReader(payload)
	id, err := r.ReadVarInt()
	if err != nil {
		return nil, state, nil
	}

	switch state {
	case StateHandshaking:
		if id != PktHandshake {
			return nil, state, nil
		}
		h, err := readHandshake(r)
		if err != nil {
			return nil, state, err
		}
		return h, nextState(state, h.NextState), nil

	case StateStatus:
		// Status request and ping carry nothing the relay records.
		return nil, state, nil

	case StateLogin:
		if id != PktLoginStart {
			return nil, state, nil
		}
		l, err := readLoginStart(r)
		if err != nil {
			return nil, state, err
		}
		return l, state, nil

	case StatePlay:
		var p Packet
		switch id {
		case PktChatMessage:
			p, err = readChatMessage(r)
		case PktPlayerPosition:
			p, err = readPlayerPosition(r)
		case PktPlayerRotation:
			p, err = readPlayerRotation(r)
		default:
			return nil, state, nil
		}
		if err != nil {
			return nil, state, err
		}
		return p, state, nil
	}

	return nil, state, nil
}

func nextState(current State, requested int32) State {
	switch requested {
	case NextStateStatus:
		return StateStatus
	case NextStateLogin:
		return StateLogin
	default:
		return current
	}
}

func readHandshake(r *PacketReader) (Handshake, error) {
	var h Handshake
	var err error
	if h.ProtocolVersion, err = r.ReadVarInt(); err != nil {
		return h, fmt.Errorf("handshake protocol version: %w", err)
	}
	if h.ServerAddress, err = r.ReadString(); err != nil {
		return h, fmt.Errorf("handshake server address: %w", err)
	}
	if h.ServerPort, err = r.ReadUint16(); err != nil {
		return h, fmt.Errorf("handshake server port: %w", err)
	}
	if h.NextState, err = r.ReadVarInt(); err != nil {
		return h, fmt.Errorf("handshake next state: %w", err)
	}
	return h, nil
}

func readLoginStart(r *PacketReader) (LoginStart, error) {
	var l LoginStart
	var err error
	if l.Username, err = r.ReadString(); err != nil {
		return l, fmt.Errorf("login username: %w", err)
	}
	// Older protocol versions end after the name.
	if r.Remaining() >= 16 {
		if l.PlayerID, err = r.ReadUUID(); err != nil {
			return l, fmt.Errorf("login player id: %w", err)
		}
		l.HasID = true
	}
	return l, nil
}

func readChatMessage(r *PacketReader) (ChatMessage, error) {
	var c ChatMessage
	var err error
	if c.Message, err = r.ReadString(); err != nil {
		return c, fmt.Errorf("chat message: %w", err)
	}
	if c.Timestamp, err = r.ReadInt64(); err != nil {
		return c, fmt.Errorf("chat timestamp: %w", err)
	}
	if c.Salt, err = r.ReadInt64(); err != nil {
		return c, fmt.Errorf("chat salt: %w", err)
	}
	if c.SignedPreview, err = r.ReadBool(); err != nil {
		return c, fmt.Errorf("chat signed flag: %w", err)
	}
	return c, nil
}

func readPlayerPosition(r *PacketReader) (PlayerPosition, error) {
	var p PlayerPosition
	var err error
	if p.X, err = r.ReadFloat64(); err != nil {
		return p, fmt.Errorf("position x: %w", err)
	}
	if p.Y, err = r.ReadFloat64(); err != nil {
		return p, fmt.Errorf("position y: %w", err)
	}
	if p.Z, err = r.ReadFloat64(); err != nil {
		return p, fmt.Errorf("position z: %w", err)
	}
	if p.OnGround, err = r.ReadBool(); err != nil {
		return p, fmt.Errorf("position on ground: %w", err)
	}
	return p, nil
}

func readPlayerRotation(r *PacketReader) (PlayerRotation, error) {
	var p PlayerRotation
	var err error
	if p.Yaw, err = r.ReadFloat32(); err != nil {
		return p, fmt.Errorf("rotation yaw: %w", err)
	}
	if p.Pitch, err = r.ReadFloat32(); err != nil {
		return p, fmt.Errorf("rotation pitch: %w", err)
	}
	if p.OnGround, err = r.ReadBool(); err != nil {
		return p, fmt.Errorf("rotation on ground: %w", err)
	}
	return p, nil
}

// Tracker holds the connection state of one client and advances it as
// frames are observed. It only reads frames; forwarding is never affected.
//
// Observe is called from the connection's reader goroutine. State and
// SetState may be called from any goroutine.
type Tracker struct {
	state  atomic.Int32
	logger zerolog.Logger
}

// NewTracker creates a tracker in the Handshaking state.
func NewTracker(logger zerolog.Logger) *Tracker {
	t := &Tracker{logger: logger}
	t.state.Store(int32(StateHandshaking))
	return t
}

// State returns the current connection state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// SetState moves the connection to s out of band. This is how a session
// reaches Play: no serverbound frame announces that transition.
func (t *Tracker) SetState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev != s {
		t.logger.Debug().Stringer("from", prev).Stringer("to", s).Msg("connection state set externally")
	}
}

// Observe decodes payload in the current state and applies any transition.
func (t *Tracker) Observe(payload []byte) (Packet, error) {
	current := t.State()
	pkt, next, err := Decode(current, payload)
	if err != nil {
		return nil, err
	}

	switch p := pkt.(type) {
	case Handshake:
		t.logger.Debug().
			Int32("protocol", p.ProtocolVersion).
			Str("address", p.ServerAddress).
			Uint16("port", p.ServerPort).
			Int32("next_state", p.NextState).
			Msg("handshake")
	case LoginStart:
		ev := t.logger.Info().Str("username", p.Username)
		if p.HasID {
			ev = ev.Str("player_id", p.PlayerID.String())
		}
		ev.Msg("player joining")
	case ChatMessage:
		t.logger.Debug().Str("message", p.Message).Msg("chat")
	case nil:
		if current == StateStatus && len(payload) > 0 && payload[0] == byte(PktStatusRequest) {
			t.logger.Debug().Msg("status request")
		}
	}

	if next != current {
		// CompareAndSwap so an external SetState racing with us wins.
		t.state.CompareAndSwap(int32(current), int32(next))
	}
	return pkt, nil
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// PacketBuilder constructs serverbound packets. It is used by the ping
// probe and by tests; the relay itself never rewrites traffic.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder that starts with the given packet id.
func NewPacketBuilder(id int32) *PacketBuilder {
	b := &PacketBuilder{}
	return b.WriteVarInt(id)
}

// WriteVarInt writes a VarInt.
func (b *PacketBuilder) WriteVarInt(v int32) *PacketBuilder {
	b.buf.Write(EncodeVarInt(v))
	return b
}

// WriteString writes a VarInt-length-prefixed UTF-8 string.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.buf.Write(AppendString(nil, s))
	return b
}

// WriteUint16 writes a big-endian unsigned short.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return b
}

// WriteInt64 writes a big-endian long.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
	return b
}

// WriteFloat32 writes a big-endian float.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(v)))
	return b
}

// WriteFloat64 writes a big-endian double.
func (b *PacketBuilder) WriteFloat64(v float64) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
	return b
}

// WriteBool writes a single-byte boolean.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		b.buf.WriteByte(1)
	} else {
		b.buf.WriteByte(0)
	}
	return b
}

// WriteUUID writes the identifier as two big-endian longs.
func (b *PacketBuilder) WriteUUID(id uuid.UUID) *PacketBuilder {
	b.buf.Write(AppendUUID(nil, id))
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Payload returns the packet id and fields without a length prefix.
func (b *PacketBuilder) Payload() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// Frame returns the packet as a length-prefixed frame ready for the wire.
func (b *PacketBuilder) Frame() []byte {
	return EncodeFrame(b.buf.Bytes())
}

// BuildHandshake builds a complete handshake frame.
func BuildHandshake(h Handshake) []byte {
	return NewPacketBuilder(PktHandshake).
		WriteVarInt(h.ProtocolVersion).
		WriteString(h.ServerAddress).
		WriteUint16(h.ServerPort).
		WriteVarInt(h.NextState).
		Frame()
}

// BuildStatusRequest builds the empty status request frame.
func BuildStatusRequest() []byte {
	return NewPacketBuilder(PktStatusRequest).Frame()
}

// BuildStatusPing builds a status ping frame carrying payload.
func BuildStatusPing(payload int64) []byte {
	return NewPacketBuilder(PktStatusPing).WriteInt64(payload).Frame()
}

// BuildLoginStart builds a login start frame. The identifier is only
// written when l.HasID is set.
func BuildLoginStart(l LoginStart) []byte {
	b := NewPacketBuilder(PktLoginStart).WriteString(l.Username)
	if l.HasID {
		b.WriteUUID(l.PlayerID)
	}
	return b.Frame()
}

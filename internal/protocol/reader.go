package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrMalformedPacket is returned when a recognised packet's fields cannot
// be read from its frame. It is fatal for the connection.
var ErrMalformedPacket = errors.New("malformed packet")

// PacketReader reads protocol fields from a frame payload.
// Every failure wraps ErrMalformedPacket.
type PacketReader struct {
	data []byte
	pos  int
}

// NewPacketReader creates a reader over payload. The payload is not copied.
func NewPacketReader(payload []byte) *PacketReader {
	return &PacketReader{data: payload}
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *PacketReader) need(n int, field string) error {
	if n < 0 || r.Remaining() < n {
		return fmt.Errorf("%w: %s needs %d bytes, %d remain", ErrMalformedPacket, field, n, r.Remaining())
	}
	return nil
}

// ReadVarInt reads a VarInt field.
func (r *PacketReader) ReadVarInt() (int32, error) {
	v, n, err := DecodeVarInt(r.data[r.pos:])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: truncated varint", ErrMalformedPacket)
	}
	r.pos += n
	return v, nil
}

// ReadString reads a VarInt-length-prefixed UTF-8 string.
func (r *PacketReader) ReadString() (string, error) {
	length, err := r.ReadVarInt()
	if err != nil {
		return "", err
	}
	if err := r.need(int(length), "string"); err != nil {
		return "", err
	}
	b := r.data[r.pos : r.pos+int(length)]
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrMalformedPacket)
	}
	r.pos += int(length)
	return string(b), nil
}

// ReadUint16 reads a big-endian unsigned short.
func (r *PacketReader) ReadUint16() (uint16, error) {
	if err := r.need(2, "uint16"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadInt64 reads a big-endian long.
func (r *PacketReader) ReadInt64() (int64, error) {
	if err := r.need(8, "int64"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return int64(v), nil
}

// ReadFloat32 reads a big-endian IEEE 754 float.
func (r *PacketReader) ReadFloat32() (float32, error) {
	if err := r.need(4, "float32"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads a big-endian IEEE 754 double.
func (r *PacketReader) ReadFloat64() (float64, error) {
	if err := r.need(8, "float64"); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return math.Float64frombits(v), nil
}

// ReadBool reads a single-byte boolean.
func (r *PacketReader) ReadBool() (bool, error) {
	if err := r.need(1, "bool"); err != nil {
		return false, err
	}
	v := r.data[r.pos] != 0
	r.pos++
	return v, nil
}

// ReadUUID reads two big-endian longs, most significant first.
func (r *PacketReader) ReadUUID() (uuid.UUID, error) {
	if err := r.need(16, "uuid"); err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], r.data[r.pos:r.pos+16])
	r.pos += 16
	return id, nil
}

package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxVarIntLen is the longest encoding of a 32-bit VarInt.
const MaxVarIntLen = 5

// ErrMalformedVarInt is returned when the continuation bit is still set on
// the last permitted byte.
var ErrMalformedVarInt = errors.New("malformed varint: continuation past 5th byte")

// DecodeVarInt decodes a VarInt from the start of b.
//
// It returns the value and the number of bytes it occupies. A zero length
// with a nil error means b ended before the terminating byte: nothing is
// consumed and the caller should retry once more data is available.
func DecodeVarInt(b []byte) (int32, int, error) {
	var value uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, nil
		}
		c := b[i]
		value |= uint32(c&0x7F) << (7 * i)
		if c&0x80 == 0 {
			return int32(value), i + 1, nil
		}
	}
	return 0, 0, ErrMalformedVarInt
}

// AppendVarInt appends the VarInt encoding of v to dst. v is treated as an
// unsigned 32-bit quantity, so negative values always take five bytes.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u&^0x7F != 0 {
		dst = append(dst, byte(u&0x7F)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// EncodeVarInt returns the VarInt encoding of v.
func EncodeVarInt(v int32) []byte {
	return AppendVarInt(make([]byte, 0, MaxVarIntLen), v)
}

// VarIntSize reports how many bytes the encoding of v occupies.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// AppendString appends s with its VarInt byte-length prefix.
func AppendString(dst []byte, s string) []byte {
	dst = AppendVarInt(dst, int32(len(s)))
	return append(dst, s...)
}

// AppendUUID appends id as two big-endian longs, most significant first.
func AppendUUID(dst []byte, id uuid.UUID) []byte {
	return append(dst, id[:]...)
}

// ReadVarInt reads one VarInt from a byte reader, such as a bufio.Reader
// wrapped around a socket. Unlike DecodeVarInt it blocks for missing bytes.
func ReadVarInt(r interface{ ReadByte() (byte, error) }) (int32, error) {
	var value uint32
	for i := 0; i < MaxVarIntLen; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("read varint: %w", err)
		}
		value |= uint32(c&0x7F) << (7 * i)
		if c&0x80 == 0 {
			return int32(value), nil
		}
	}
	return 0, ErrMalformedVarInt
}

package protocol

import (
	"errors"
	"fmt"
)

// DefaultMaxFrameSize is the largest length a 3-byte VarInt prefix can declare,
// which is the ceiling the game client and server enforce themselves.
const DefaultMaxFrameSize = 1<<21 - 1

var (
	// ErrFrameTooLarge is returned when a frame's length prefix is malformed,
	// negative or larger than the decoder's limit. It is fatal for the connection.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame is an alias kept for readability at call sites that
	// care about the prefix being unparseable rather than oversized.
	ErrMalformedFrame = ErrFrameTooLarge
)

// Frame is one length-delimited unit of the wire protocol.
// Raw holds the bytes exactly as received, prefix included, so forwarding
// is byte-for-byte. Payload is a view into Raw past the length prefix.
type Frame struct {
	Raw     []byte
	Payload []byte
}

// Len returns the declared payload length.
func (f Frame) Len() int { return len(f.Payload) }

// EncodeFrame prepends a VarInt length prefix to payload.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 0, VarIntSize(int32(len(payload)))+len(payload))
	out = AppendVarInt(out, int32(len(payload)))
	return append(out, payload...)
}

// FrameDecoder assembles frames from a byte stream that may be split at
// arbitrary boundaries. The accumulation buffer persists across calls to
// Feed, and a "no frame yet" outcome never consumes any byte.
//
// A FrameDecoder is owned by a single connection reader and is not safe for
// concurrent use.
type FrameDecoder struct {
	buf     []byte
	off     int
	maxSize int
}

// NewFrameDecoder creates a decoder that rejects frames larger than maxSize.
// A non-positive maxSize selects DefaultMaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxSize: maxSize}
}

// Feed appends newly arrived bytes to the accumulation buffer.
func (d *FrameDecoder) Feed(p []byte) {
	if d.off > 0 {
		// Compact before growing so a long-lived connection does not keep
		// every byte it has ever received.
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be assembled.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next extracts the next complete frame. ok is false when more bytes are
// needed; in that case the read position is left untouched. The returned
// frame owns its memory and stays valid after further calls.
func (d *FrameDecoder) Next() (frame Frame, ok bool, err error) {
	pending := d.buf[d.off:]
	if len(pending) == 0 {
		return Frame{}, false, nil
	}

	length, n, err := DecodeVarInt(pending)
	if err != nil {
		return Frame{}, false, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
	}
	if n == 0 {
		return Frame{}, false, nil
	}
	if length < 0 || int(length) > d.maxSize {
		return Frame{}, false, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFrameTooLarge, uint32(length), d.maxSize)
	}

	total := n + int(length)
	if len(pending) < total {
		return Frame{}, false, nil
	}

	raw := make([]byte, total)
	copy(raw, pending[:total])
	d.off += total
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}

	return Frame{Raw: raw, Payload: raw[n:]}, true, nil
}

// Decode feeds p and returns every frame that became complete.
// On error the frames decoded before the failure are still returned.
func (d *FrameDecoder) Decode(p []byte) ([]Frame, error) {
	d.Feed(p)

	var frames []Frame
	for {
		f, ok, err := d.Next()
		if err != nil {
			return frames, err
		}
		if !ok {
			return frames, nil
		}
		frames = append(frames, f)
	}
}

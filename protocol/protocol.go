// Package protocol implements the metrochat wire format: self-delimiting
// frames of the form [kind:1][length:4, big-endian][payload:length].
//
// The package performs no I/O of its own beyond WriteFrame; Decode and
// Decoder are pure transforms from bytes to frames.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed frame header size: kind(1) + length(4).
	HeaderSize = 5
	// DefaultMaxPayloadSize is the maximum accepted frame payload size (10 MB).
	DefaultMaxPayloadSize = 10 * 1024 * 1024
)

var (
	// ErrProtocolViolation indicates a malformed or oversized frame.
	ErrProtocolViolation = errors.New("protocol: protocol violation")
	// ErrUnknownFrameKind indicates a kind byte outside the known set.
	ErrUnknownFrameKind = errors.New("protocol: unknown frame kind")
)

// Kind identifies how a frame payload is interpreted.
type Kind byte

const (
	KindText       Kind = 0x01
	KindFileHeader Kind = 0x02
	KindFileChunk  Kind = 0x03
	KindFileEnd    Kind = 0x04
	KindError      Kind = 0x05
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindFileHeader:
		return "FILE_HEADER"
	case KindFileChunk:
		return "FILE_CHUNK"
	case KindFileEnd:
		return "FILE_END"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(k))
	}
}

// Valid reports whether k is one of the known frame kinds.
func (k Kind) Valid() bool {
	return k >= KindText && k <= KindError
}

// IsFile reports whether frames of this kind belong to a file transfer.
func (k Kind) IsFile() bool {
	return k == KindFileHeader || k == KindFileChunk || k == KindFileEnd
}

// Frame is one application message on the wire.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Len returns the payload length carried in the frame header.
func (f Frame) Len() int {
	return len(f.Payload)
}

// Codec encodes and decodes frames against a payload size limit.
type Codec struct {
	maxPayload int
}

// NewCodec returns a codec enforcing maxPayload. Non-positive values select
// DefaultMaxPayloadSize.
func NewCodec(maxPayload int) Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return Codec{maxPayload: maxPayload}
}

// MaxPayload returns the configured payload limit.
func (c Codec) MaxPayload() int {
	if c.maxPayload <= 0 {
		return DefaultMaxPayloadSize
	}
	return c.maxPayload
}

// Encode serializes one frame into a self-delimiting byte slice.
func (c Codec) Encode(f Frame) ([]byte, error) {
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameKind, byte(f.Kind))
	}
	if len(f.Payload) > c.MaxPayload() {
		return nil, fmt.Errorf("%w: payload length %d exceeds max %d", ErrProtocolViolation, len(f.Payload), c.MaxPayload())
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode consumes as many complete frames as buf holds and returns them with
// the unconsumed remainder. A partial frame is never returned; its bytes stay
// in rest. On error, frames decoded before the bad header are still returned
// and rest begins at the offending header.
func (c Codec) Decode(buf []byte) (frames []Frame, rest []byte, err error) {
	for len(buf) >= HeaderSize {
		kind := Kind(buf[0])
		length := binary.BigEndian.Uint32(buf[1:HeaderSize])

		if !kind.Valid() {
			return frames, buf, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameKind, byte(kind))
		}
		if uint64(length) > uint64(c.MaxPayload()) {
			return frames, buf, fmt.Errorf("%w: declared length %d exceeds max %d", ErrProtocolViolation, length, c.MaxPayload())
		}

		total := HeaderSize + int(length)
		if len(buf) < total {
			break
		}

		payload := make([]byte, length)
		copy(payload, buf[HeaderSize:total])
		frames = append(frames, Frame{Kind: kind, Payload: payload})
		buf = buf[total:]
	}
	return frames, buf, nil
}

// Encode serializes f using DefaultMaxPayloadSize.
func Encode(f Frame) ([]byte, error) {
	return NewCodec(DefaultMaxPayloadSize).Encode(f)
}

// Decode decodes buf using the given payload limit.
func Decode(buf []byte, maxPayload int) ([]Frame, []byte, error) {
	return NewCodec(maxPayload).Decode(buf)
}

// WriteFrame encodes f and writes it to w as one unit. Short writes are
// retried until the whole frame is written or w reports an error.
func (c Codec) WriteFrame(w io.Writer, f Frame) error {
	raw, err := c.Encode(f)
	if err != nil {
		return err
	}
	if err := WriteFull(w, raw); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Kind, err)
	}
	return nil
}

// WriteFull writes all of p, retrying short writes.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

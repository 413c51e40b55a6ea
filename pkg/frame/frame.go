// Package frame implements the link-level checksum framing used between the host and
// the secure element: an opaque payload followed by a CRC-16/X-25 trailer.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TrailerLen is the size of the checksum trailer.
const TrailerLen = 2

var (
	// ErrTruncated is returned when a frame is too short to carry a trailer.
	ErrTruncated = errors.New("frame truncated")
	// ErrChecksumMismatch is returned when the trailer does not match the payload.
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// ChecksumError carries the expected and received trailer values.
type ChecksumError struct {
	Expected uint16
	Received uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("frame checksum mismatch: expected %04X, received %04X", e.Expected, e.Received)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// Codec frames payloads for one physical link.
type Codec interface {
	Frame(payload []byte) []byte
	Unframe(b []byte) ([]byte, error)
}

// CRC appends the checksum in the given byte order.
type CRC struct {
	Order binary.ByteOrder
}

var (
	// BigEndian is the default wire format: [payload][crc_hi][crc_lo].
	BigEndian Codec = CRC{Order: binary.BigEndian}
	// LittleEndian matches the T=1 trailer on the SE05x I2C bus.
	LittleEndian Codec = CRC{Order: binary.LittleEndian}
	// None is used for links that already frame their payloads (PC/SC readers).
	None Codec = identity{}
)

// Frame returns payload followed by its checksum. The input is not modified.
func (c CRC) Frame(payload []byte) []byte {
	out := make([]byte, len(payload), len(payload)+TrailerLen)
	copy(out, payload)
	var trailer [TrailerLen]byte
	c.order().PutUint16(trailer[:], Checksum(payload))
	return append(out, trailer[:]...)
}

// Unframe validates the trailer and returns the payload.
func (c CRC) Unframe(b []byte) ([]byte, error) {
	if len(b) < TrailerLen {
		return nil, ErrTruncated
	}
	payload := b[:len(b)-TrailerLen]
	got := c.order().Uint16(b[len(b)-TrailerLen:])
	if want := Checksum(payload); got != want {
		return nil, &ChecksumError{Expected: want, Received: got}
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (c CRC) order() binary.ByteOrder {
	if c.Order == nil {
		return binary.BigEndian
	}
	return c.Order
}

// Frame wraps payload with the default big-endian codec.
func Frame(payload []byte) []byte { return BigEndian.Frame(payload) }

// Unframe unwraps b with the default big-endian codec.
func Unframe(b []byte) ([]byte, error) { return BigEndian.Unframe(b) }

type identity struct{}

func (identity) Frame(payload []byte) []byte { return append([]byte(nil), payload...) }

func (identity) Unframe(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil }

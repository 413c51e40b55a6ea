// Package apdu encodes ISO 7816-4 command APDUs and decodes response APDUs.
//
// A command is a 4-byte header (CLA INS P1 P2) followed by an optional body:
//
//	case 1   header only
//	case 2   header Le
//	case 3   header Lc data
//	case 4   header Lc data Le
//
// Short form encodes Lc on one byte (1..255) and Le on one byte (00 means 256).
// Extended form encodes Lc as 00 hi lo and Le as hi lo (00 hi lo when there is no
// data field); 0000 means 65536. A packet is either entirely short or entirely
// extended. A response is the payload followed by a two byte status word.
//
// Nothing here knows about secure messaging; see package scp03 for that.
package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLen is the size of CLA INS P1 P2.
	HeaderLen = 4

	MaxShortNc    = 255
	MaxShortNe    = 256
	MaxExtendedNc = 65535
	MaxExtendedNe = 65536
)

var (
	// ErrTooShort is returned for responses without a status word and commands without a header.
	ErrTooShort = errors.New("apdu too short")
	// ErrMalformedLength is returned when Lc/Le do not describe the packet.
	ErrMalformedLength = errors.New("apdu malformed length encoding")
	// ErrDataTooLong is returned when a field cannot be encoded even in extended form.
	ErrDataTooLong = errors.New("apdu field too long")
	// ErrResponseTooLong is returned when a response does not fit the length form of its command.
	ErrResponseTooLong = errors.New("apdu response exceeds expected length")
)

// Command is a command APDU. Ne is the expected response length; zero means no Le field.
type Command struct {
	Cla  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte
	Ne   int
}

// Extended reports whether the command needs the extended length form.
func (c Command) Extended() bool {
	return len(c.Data) > MaxShortNc || c.Ne > MaxShortNe
}

// Bytes serializes the command.
func (c Command) Bytes() ([]byte, error) {
	nc, ne := len(c.Data), c.Ne
	if nc > MaxExtendedNc {
		return nil, fmt.Errorf("%w: Nc=%d", ErrDataTooLong, nc)
	}
	if ne < 0 || ne > MaxExtendedNe {
		return nil, fmt.Errorf("%w: Ne=%d", ErrDataTooLong, ne)
	}

	out := make([]byte, 0, HeaderLen+3+nc+3)
	out = append(out, c.Cla, c.Ins, c.P1, c.P2)

	extended := c.Extended()
	if nc > 0 {
		if extended {
			out = append(out, 0x00)
			out = binary.BigEndian.AppendUint16(out, uint16(nc))
		} else {
			out = append(out, byte(nc))
		}
		out = append(out, c.Data...)
	}
	if ne > 0 {
		if extended {
			if nc == 0 {
				out = append(out, 0x00)
			}
			// 65536 wraps to 0000
			out = binary.BigEndian.AppendUint16(out, uint16(ne))
		} else {
			// 256 wraps to 00
			out = append(out, byte(ne))
		}
	}
	return out, nil
}

// Build serializes a command from its fields.
func Build(cla, ins, p1, p2 byte, data []byte, ne int) ([]byte, error) {
	return Command{Cla: cla, Ins: ins, P1: p1, P2: p2, Data: data, Ne: ne}.Bytes()
}

// Header returns CLA INS P1 P2.
func (c Command) Header() [HeaderLen]byte {
	return [HeaderLen]byte{c.Cla, c.Ins, c.P1, c.P2}
}

func (c Command) String() string {
	return fmt.Sprintf("CLA=%02X INS=%02X P1=%02X P2=%02X Lc=%d Le=%d", c.Cla, c.Ins, c.P1, c.P2, len(c.Data), c.Ne)
}

// ParseCommand decodes a serialized command in any of the seven ISO 7816-4 cases.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < HeaderLen {
		return Command{}, ErrTooShort
	}
	c := Command{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}
	body := b[HeaderLen:]

	switch {
	case len(body) == 0:
		return c, nil
	case len(body) == 1:
		c.Ne = shortLe(body[0])
		return c, nil
	case body[0] != 0x00:
		lc := int(body[0])
		switch len(body) {
		case 1 + lc:
		case 2 + lc:
			c.Ne = shortLe(body[len(body)-1])
		default:
			return Command{}, fmt.Errorf("%w: short Lc=%d body=%d", ErrMalformedLength, lc, len(body))
		}
		c.Data = append([]byte(nil), body[1:1+lc]...)
		return c, nil
	case len(body) == 3:
		c.Ne = extendedLe(body[1:3])
		return c, nil
	case len(body) < 3:
		return Command{}, fmt.Errorf("%w: body=%d", ErrMalformedLength, len(body))
	}

	lc := int(binary.BigEndian.Uint16(body[1:3]))
	if lc == 0 {
		return Command{}, fmt.Errorf("%w: extended Lc=0", ErrMalformedLength)
	}
	rest := body[3:]
	switch len(rest) {
	case lc:
	case lc + 2:
		c.Ne = extendedLe(rest[lc:])
	default:
		return Command{}, fmt.Errorf("%w: extended Lc=%d body=%d", ErrMalformedLength, lc, len(rest))
	}
	c.Data = append([]byte(nil), rest[:lc]...)
	return c, nil
}

func shortLe(b byte) int {
	if b == 0 {
		return MaxShortNe
	}
	return int(b)
}

func extendedLe(b []byte) int {
	v := int(binary.BigEndian.Uint16(b))
	if v == 0 {
		return MaxExtendedNe
	}
	return v
}

// Response is a response APDU.
type Response struct {
	Data []byte
	SW   uint16
}

// SW1 returns the high status byte.
func (r Response) SW1() byte { return byte(r.SW >> 8) }

// SW2 returns the low status byte.
func (r Response) SW2() byte { return byte(r.SW) }

// IsSuccess reports SW=9000.
func (r Response) IsSuccess() bool { return r.SW == SWSuccess }

// Bytes serializes the response.
func (r Response) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return binary.BigEndian.AppendUint16(out, r.SW)
}

// Err returns nil for 9000 and an *SWError otherwise.
func (r Response) Err(ins byte) error {
	if r.IsSuccess() {
		return nil
	}
	return &SWError{Ins: ins, SW: r.SW}
}

func (r Response) String() string {
	return fmt.Sprintf("len=%d SW=%04X", len(r.Data), r.SW)
}

// ParseResponse splits b into payload and status word.
func ParseResponse(b []byte) (Response, error) {
	if len(b) < 2 {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	n := len(b) - 2
	return Response{
		Data: append([]byte(nil), b[:n]...),
		SW:   binary.BigEndian.Uint16(b[n:]),
	}, nil
}

// ParseResponseFor parses b as the answer to cmd, rejecting payloads that a short form
// command could not have asked for.
func ParseResponseFor(cmd Command, b []byte) (Response, error) {
	r, err := ParseResponse(b)
	if err != nil {
		return Response{}, err
	}
	if !cmd.Extended() && len(r.Data) > MaxShortNe {
		return Response{}, fmt.Errorf("%w: %d bytes for short form command", ErrResponseTooLong, len(r.Data))
	}
	if cmd.Ne > 0 && len(r.Data) > cmd.Ne {
		return Response{}, fmt.Errorf("%w: %d bytes, Ne=%d", ErrResponseTooLong, len(r.Data), cmd.Ne)
	}
	return r, nil
}

package apdu

import (
	"errors"
	"fmt"
)

var (
	// ErrTagNotFound is returned by FindTLV.
	ErrTagNotFound = errors.New("tlv tag not found")
	// ErrMalformedTLV is returned for truncated or oversized TLV encodings.
	ErrMalformedTLV = errors.New("malformed tlv")
)

// TLV is a single-byte-tag BER-TLV element.
type TLV struct {
	Tag   byte
	Value []byte
}

// AppendTLV appends tag, BER length and value to dst. Values over 65535 bytes panic.
func AppendTLV(dst []byte, tag byte, value []byte) []byte {
	n := len(value)
	dst = append(dst, tag)
	switch {
	case n < 0x80:
		dst = append(dst, byte(n))
	case n <= 0xFF:
		dst = append(dst, 0x81, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 0x82, byte(n>>8), byte(n))
	default:
		panic(fmt.Sprintf("apdu: tlv value of %d bytes", n))
	}
	return append(dst, value...)
}

// Bytes serializes t.
func (t TLV) Bytes() []byte {
	return AppendTLV(nil, t.Tag, t.Value)
}

// ParseTLVs splits b into consecutive TLV elements.
func ParseTLVs(b []byte) ([]TLV, error) {
	var out []TLV
	for len(b) > 0 {
		t, rest, err := nextTLV(b)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		b = rest
	}
	return out, nil
}

// FindTLV returns the value of the first element with the given tag.
func FindTLV(b []byte, tag byte) ([]byte, error) {
	for len(b) > 0 {
		t, rest, err := nextTLV(b)
		if err != nil {
			return nil, err
		}
		if t.Tag == tag {
			return t.Value, nil
		}
		b = rest
	}
	return nil, fmt.Errorf("%w: 0x%02X", ErrTagNotFound, tag)
}

func nextTLV(b []byte) (TLV, []byte, error) {
	if len(b) < 2 {
		return TLV{}, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTLV, len(b))
	}
	tag := b[0]
	var n, hdr int
	switch l := b[1]; {
	case l < 0x80:
		n, hdr = int(l), 2
	case l == 0x81:
		if len(b) < 3 {
			return TLV{}, nil, fmt.Errorf("%w: truncated length", ErrMalformedTLV)
		}
		n, hdr = int(b[2]), 3
	case l == 0x82:
		if len(b) < 4 {
			return TLV{}, nil, fmt.Errorf("%w: truncated length", ErrMalformedTLV)
		}
		n, hdr = int(b[2])<<8|int(b[3]), 4
	default:
		return TLV{}, nil, fmt.Errorf("%w: length byte 0x%02X", ErrMalformedTLV, l)
	}
	if len(b) < hdr+n {
		return TLV{}, nil, fmt.Errorf("%w: tag 0x%02X wants %d bytes, have %d", ErrMalformedTLV, tag, n, len(b)-hdr)
	}
	return TLV{Tag: tag, Value: append([]byte(nil), b[hdr:hdr+n]...)}, b[hdr+n:], nil
}

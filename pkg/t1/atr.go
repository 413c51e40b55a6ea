package t1

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrBadATR is returned when an ATR is too short for the lengths it announces.
var ErrBadATR = errors.New("t1: malformed ATR")

// ATR is the answer to an interface soft reset.
type ATR struct {
	ProtocolVersion byte
	VendorID        [5]byte
	BWT             uint16 // block waiting time, ms
	IFSC            uint16 // max information field size of the SE
	PLID            byte
	MCF             uint16 // max I²C clock, kHz
	Config          byte
	MPOT            byte   // minimum polling time, ms
	SEGT            uint16 // guard time, µs
	WUT             uint16 // wake-up time, µs
	Historical      []byte
}

// DefaultATR holds the values used when the chip's ATR cannot be parsed.
func DefaultATR() ATR {
	return ATR{
		ProtocolVersion: 1,
		VendorID:        [5]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		IFSC:            MaxInfoLen,
		MPOT:            1,
		SEGT:            defaultSEGTMicros,
	}
}

// ParseATR decodes
//
//	pver(1) vid(5) dllp_len(1) [bwt(2) ifsc(2) ...] plid(1) plp_len(1)
//	[mcf(2) config(1) mpot(1) rfu(3) segt(2) wut(2) ...] hb_len(1) hb
func ParseATR(b []byte) (ATR, error) {
	var a ATR
	if len(b) < 7 {
		return a, errors.Wrapf(ErrBadATR, "%d bytes", len(b))
	}
	a.ProtocolVersion = b[0]
	copy(a.VendorID[:], b[1:6])
	dllpLen := int(b[6])
	rem := b[7:]
	if dllpLen < 4 || len(rem) < dllpLen {
		return ATR{}, errors.Wrap(ErrBadATR, "data link layer parameters")
	}
	dllp := rem[:dllpLen]
	rem = rem[dllpLen:]
	a.BWT = binary.BigEndian.Uint16(dllp[0:2])
	a.IFSC = binary.BigEndian.Uint16(dllp[2:4])

	if len(rem) < 2 {
		return ATR{}, errors.Wrap(ErrBadATR, "physical layer id")
	}
	a.PLID = rem[0]
	plpLen := int(rem[1])
	rem = rem[2:]
	if plpLen < 11 || len(rem) < plpLen {
		return ATR{}, errors.Wrap(ErrBadATR, "physical layer parameters")
	}
	plp := rem[:plpLen]
	rem = rem[plpLen:]
	a.MCF = binary.BigEndian.Uint16(plp[0:2])
	a.Config = plp[2]
	a.MPOT = plp[3]
	a.SEGT = binary.BigEndian.Uint16(plp[7:9])
	a.WUT = binary.BigEndian.Uint16(plp[9:11])

	if len(rem) < 1 {
		return ATR{}, errors.Wrap(ErrBadATR, "historical bytes length")
	}
	hbLen := int(rem[0])
	rem = rem[1:]
	if len(rem) < hbLen {
		return ATR{}, errors.Wrap(ErrBadATR, "historical bytes")
	}
	a.Historical = append([]byte(nil), rem[:hbLen]...)
	return a, nil
}

package scp03

import (
	"strings"

	"github.com/pkg/errors"
)

// SecurityLevel is the bit set negotiated in EXTERNAL AUTHENTICATE.
type SecurityLevel byte

const (
	CMAC SecurityLevel = 0x01
	CDEC SecurityLevel = 0x02
	RMAC SecurityLevel = 0x10
	RENC SecurityLevel = 0x20

	// LevelFull protects both directions with encryption and MAC.
	LevelFull = CMAC | CDEC | RMAC | RENC
)

// Byte returns the P1 value of EXTERNAL AUTHENTICATE.
func (l SecurityLevel) Byte() byte { return byte(l) }

// Has reports whether all bits of f are set.
func (l SecurityLevel) Has(f SecurityLevel) bool { return l&f == f }

// Validate rejects combinations SCP03 does not allow.
func (l SecurityLevel) Validate() error {
	switch {
	case l&^LevelFull != 0:
		return errors.Errorf("security level %02X has unknown bits", byte(l))
	case !l.Has(CMAC):
		return errors.Errorf("security level %02X lacks C-MAC", byte(l))
	case l.Has(RENC) && !l.Has(RMAC):
		return errors.Errorf("security level %02X: R-ENC requires R-MAC", byte(l))
	}
	return nil
}

func (l SecurityLevel) String() string {
	var parts []string
	for _, f := range []struct {
		bit  SecurityLevel
		name string
	}{{CMAC, "C-MAC"}, {CDEC, "C-DEC"}, {RMAC, "R-MAC"}, {RENC, "R-ENC"}} {
		if l.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Package t1 implements the ISO 7816-3 T=1 block protocol as carried over I²C by NXP
// secure elements (UM11225): prologue NAD PCB LEN, up to 254 information bytes and a
// CRC-16/X-25 trailer sent least significant byte first.
package t1

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the block type encoded in a PCB.
type Kind int

const (
	IBlock Kind = iota
	RBlock
	SBlock
)

func (k Kind) String() string {
	switch k {
	case IBlock:
		return "I"
	case RBlock:
		return "R"
	case SBlock:
		return "S"
	}
	return "?"
}

// SType identifies a supervisory block. Responses have bit 5 set.
type SType byte

const (
	ResyncRequest              SType = 0xC0
	ResyncResponse             SType = 0xE0
	IFSRequest                 SType = 0xC1
	IFSResponse                SType = 0xE1
	AbortRequest               SType = 0xC2
	AbortResponse              SType = 0xE2
	WTXRequest                 SType = 0xC3
	WTXResponse                SType = 0xE3
	EndOfAPDUSessionRequest    SType = 0xC5
	EndOfAPDUSessionResponse   SType = 0xE5
	ChipResetRequest           SType = 0xC6
	ChipResetResponse          SType = 0xE6
	GetATRRequest              SType = 0xC7
	GetATRResponse             SType = 0xE7
	InterfaceSoftResetRequest  SType = 0xCF
	InterfaceSoftResetResponse SType = 0xEF
)

func (s SType) valid() bool {
	switch s {
	case ResyncRequest, ResyncResponse, IFSRequest, IFSResponse, AbortRequest, AbortResponse,
		WTXRequest, WTXResponse, EndOfAPDUSessionRequest, EndOfAPDUSessionResponse,
		ChipResetRequest, ChipResetResponse, GetATRRequest, GetATRResponse,
		InterfaceSoftResetRequest, InterfaceSoftResetResponse:
		return true
	}
	return false
}

// RError is the error code carried by an R-block.
type RError byte

const (
	RNoError    RError = 0x00
	RCRCError   RError = 0x01
	ROtherError RError = 0x02
)

const (
	iBlockMask = 0x9F
	iBlockPCB  = 0x00
	iBlockSeq  = 0x40
	iBlockMore = 0x20

	rBlockMask    = 0xEC
	rBlockPCB     = 0x80
	rBlockSeq     = 0x10
	rBlockErrMask = 0x03
)

// ErrBadPCB is returned for a protocol control byte that matches no block type.
var ErrBadPCB = errors.New("t1: invalid PCB")

// PCB is a decoded protocol control byte.
type PCB struct {
	Kind Kind
	Seq  bool   // I and R blocks
	More bool   // I blocks
	Err  RError // R blocks
	S    SType  // S blocks
}

// I returns the PCB of an information block.
func I(seq, more bool) PCB { return PCB{Kind: IBlock, Seq: seq, More: more} }

// R returns the PCB of a receive-ready block.
func R(seq bool, e RError) PCB { return PCB{Kind: RBlock, Seq: seq, Err: e} }

// S returns the PCB of a supervisory block.
func S(t SType) PCB { return PCB{Kind: SBlock, S: t} }

// Byte encodes the PCB.
func (p PCB) Byte() byte {
	switch p.Kind {
	case IBlock:
		b := byte(iBlockPCB)
		if p.Seq {
			b |= iBlockSeq
		}
		if p.More {
			b |= iBlockMore
		}
		return b
	case RBlock:
		b := byte(rBlockPCB) | byte(p.Err)&rBlockErrMask
		if p.Seq {
			b |= rBlockSeq
		}
		return b
	default:
		return byte(p.S)
	}
}

func (p PCB) String() string {
	switch p.Kind {
	case IBlock:
		return fmt.Sprintf("I(seq=%t,more=%t)", p.Seq, p.More)
	case RBlock:
		return fmt.Sprintf("R(seq=%t,err=%d)", p.Seq, p.Err)
	default:
		return fmt.Sprintf("S(%02X)", byte(p.S))
	}
}

// ParsePCB decodes b.
func ParsePCB(b byte) (PCB, error) {
	if b&iBlockMask == iBlockPCB {
		return I(b&iBlockSeq != 0, b&iBlockMore != 0), nil
	}
	if b&rBlockMask == rBlockPCB {
		e := RError(b & rBlockErrMask)
		if e > ROtherError {
			return PCB{}, errors.Wrapf(ErrBadPCB, "%02X", b)
		}
		return R(b&rBlockSeq != 0, e), nil
	}
	if s := SType(b); s.valid() {
		return S(s), nil
	}
	return PCB{}, errors.Wrapf(ErrBadPCB, "%02X", b)
}

package apdu

import (
	"errors"
	"fmt"
)

// Status word constants for ISO 7816-4 responses
const (
	SWSuccess                = 0x9000 // ISO success
	SWAuthenticationFailed   = 0x6300 // Verification/authentication failed
	SWWrongLength            = 0x6700 // Wrong length
	SWSecurityNotSatisfied   = 0x6982 // Security status not satisfied
	SWConditionsNotSatisfied = 0x6985 // Conditions of use not satisfied
	SWWrongData              = 0x6A80 // Incorrect parameters in the data field
	SWFileNotFound           = 0x6A82 // File or object not found
	SWWrongP1P2              = 0x6A86 // Incorrect P1/P2 parameters
	SWInsNotSupported        = 0x6D00 // Instruction not supported
	SWClaNotSupported        = 0x6E00 // Class not supported
	SWMoreData               = 0x6100 // Bytes still available (mask: 0x6100, count in SW2)
	SWWrongLe                = 0x6C00 // Wrong Le (mask: 0x6C00, correct Le in SW2)
)

// SWError represents a status word error from the chip.
type SWError struct {
	Ins byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("command 0x%02X failed with SW=0x%04X (%s)", e.Ins, e.SW, swDescription(e.SW))
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWAuthenticationFailed:
		return "authentication failed"
	case SWWrongLength:
		return "wrong length"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWConditionsNotSatisfied:
		return "conditions not satisfied"
	case SWWrongData:
		return "wrong data"
	case SWFileNotFound:
		return "not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWInsNotSupported:
		return "INS not supported"
	case SWClaNotSupported:
		return "CLA not supported"
	default:
		switch sw & 0xFF00 {
		case SWMoreData:
			return fmt.Sprintf("more data (%d bytes available)", sw&0xFF)
		case SWWrongLe:
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		}
		return "unknown error"
	}
}

// IsSuccess reports whether sw is 9000.
func IsSuccess(sw uint16) bool {
	return sw == SWSuccess
}

// IsMoreData reports whether sw is 61xx.
func IsMoreData(sw uint16) bool {
	return sw&0xFF00 == SWMoreData
}

// IsLengthError checks if an error is a length-related status word error.
func IsLengthError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWWrongLength || (swErr.SW&0xFF00) == SWWrongLe
	}
	return false
}

// IsAuthError checks if an error is an authentication-related status word error.
func IsAuthError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWAuthenticationFailed || swErr.SW == SWSecurityNotSatisfied
	}
	return false
}

// IsNotFound checks if an error reports a missing object.
func IsNotFound(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWFileNotFound
	}
	return false
}

package scp03

import (
	"github.com/pkg/errors"
)

// Derivation constants for the SCP03 key derivation function.
const (
	DerivCardCryptogram byte = 0x00
	DerivHostCryptogram byte = 0x01
	DerivSENC           byte = 0x04
	DerivSMAC           byte = 0x06
	DerivSRMAC          byte = 0x07
)

// CryptogramLen is the length of card and host cryptograms.
const CryptogramLen = 8

// KDF fills dst using NIST SP 800-108 counter mode with AES-CMAC as PRF:
//
//	label(00 x 11 || constant) || 00 || L (bits, 2 bytes) || i || context
//
// len(dst) must be a multiple of 8 and at most 32.
func KDF(dst, key []byte, constant byte, context []byte) error {
	if len(dst) == 0 || len(dst)%8 != 0 || len(dst) > 32 {
		return errors.Errorf("length of dst must be a multiple of 8 and not greater than 32 bytes, got %d", len(dst))
	}
	bits := uint16(len(dst) * 8)

	input := make([]byte, 16, 16+len(context))
	input[11] = constant
	input[13] = byte(bits >> 8)
	input[14] = byte(bits)
	input = append(input, context...)
	defer wipe(input)

	for i, off := byte(1), 0; off < len(dst); i, off = i+1, off+blockSize {
		input[15] = i
		part, err := aesCMAC(key, input)
		if err != nil {
			return errors.Wrap(err, "KDF round")
		}
		copy(dst[off:], part)
		wipe(part)
	}
	return nil
}

// Cryptogram derives an 8 byte card or host cryptogram from S-MAC.
func Cryptogram(smac []byte, constant byte, context []byte) ([]byte, error) {
	out := make([]byte, CryptogramLen)
	if err := KDF(out, smac, constant, context); err != nil {
		return nil, err
	}
	return out, nil
}

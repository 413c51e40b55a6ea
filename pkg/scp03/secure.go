package scp03

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/pkg/errors"
)

const claSecureMessaging = 0x04

// wrapLocked applies C-DECRYPTION and C-MAC to cmd. It advances the encryption counter
// and the MAC chaining value, even when cmd has no data field.
func (s *Session) wrapLocked(cmd apdu.Command) (apdu.Command, error) {
	o := s.open
	o.counter++

	data := cmd.Data
	if s.level.Has(CDEC) && len(data) > 0 {
		icv, err := aesECBEncrypt(o.senc[:], counterBlock(o.counter, 0x00))
		if err != nil {
			return apdu.Command{}, errors.Wrap(err, "command ICV")
		}
		padded := padISO9797M2(data)
		data, err = aesCBCEncrypt(o.senc[:], icv, padded)
		wipe(padded)
		if err != nil {
			return apdu.Command{}, errors.Wrap(err, "encrypt command data")
		}
	}

	out := apdu.Command{
		Cla:  cmd.Cla | claSecureMessaging,
		Ins:  cmd.Ins,
		P1:   cmd.P1,
		P2:   cmd.P2,
		Data: make([]byte, len(data), len(data)+CryptogramLen),
		Ne:   s.protectedNe(cmd.Ne),
	}
	copy(out.Data, data)

	// MAC input carries Lc as it will appear on the wire, tag included.
	lc := len(data) + CryptogramLen
	out.Data = out.Data[:lc]
	var lcField []byte
	if out.Extended() {
		lcField = []byte{0x00, byte(lc >> 8), byte(lc)}
	} else {
		lcField = []byte{byte(lc)}
	}
	header := out.Header()
	mac, err := aesCMAC(o.smac[:], o.mcv[:], header[:], lcField, data)
	if err != nil {
		return apdu.Command{}, errors.Wrap(err, "C-MAC")
	}
	copy(o.mcv[:], mac)
	copy(out.Data[len(data):], mac[:CryptogramLen])
	return out, nil
}

// protectedNe widens the expected length to leave room for padding and the R-MAC.
func (s *Session) protectedNe(ne int) int {
	if ne == 0 {
		return 0
	}
	need := ne
	if s.level.Has(RENC) {
		need = (ne/blockSize + 1) * blockSize
	}
	if s.level.Has(RMAC) {
		need += CryptogramLen
	}
	if need <= apdu.MaxShortNe {
		return apdu.MaxShortNe
	}
	return apdu.MaxExtendedNe
}

// unwrapLocked verifies the R-MAC and then removes R-ENCRYPTION.
func (s *Session) unwrapLocked(resp apdu.Response) (apdu.Response, error) {
	o := s.open

	// Failed commands come back as a bare status word without R-MAC.
	if len(resp.Data) == 0 && !resp.IsSuccess() {
		if resp.SW == apdu.SWSecurityNotSatisfied {
			return apdu.Response{}, &violation{reason: "chip rejected command protection"}
		}
		return resp, nil
	}

	data := resp.Data
	if s.level.Has(RMAC) {
		if len(data) < CryptogramLen {
			return apdu.Response{}, &violation{reason: "response shorter than R-MAC"}
		}
		body, tag := data[:len(data)-CryptogramLen], data[len(data)-CryptogramLen:]
		var sw [2]byte
		binary.BigEndian.PutUint16(sw[:], resp.SW)
		mac, err := aesCMAC(o.srmac[:], o.mcv[:], body, sw[:])
		if err != nil {
			return apdu.Response{}, errors.Wrap(err, "R-MAC")
		}
		if subtle.ConstantTimeCompare(mac[:CryptogramLen], tag) != 1 {
			return apdu.Response{}, &violation{reason: "R-MAC mismatch"}
		}
		data = body
	}

	if s.level.Has(RENC) && len(data) > 0 {
		if len(data)%blockSize != 0 {
			return apdu.Response{}, &violation{reason: "encrypted response not block aligned"}
		}
		icv, err := aesECBEncrypt(o.senc[:], counterBlock(o.counter, 0x80))
		if err != nil {
			return apdu.Response{}, errors.Wrap(err, "response ICV")
		}
		dec, err := aesCBCDecrypt(o.senc[:], icv, data)
		if err != nil {
			return apdu.Response{}, errors.Wrap(err, "decrypt response")
		}
		plain, err := unpadISO9797M2(dec)
		if err != nil {
			wipe(dec)
			return apdu.Response{}, &violation{reason: "response padding", cause: err}
		}
		data = append([]byte(nil), plain...)
		wipe(dec)
	}
	return apdu.Response{Data: data, SW: resp.SW}, nil
}

// WrapKey encrypts key material under the static DEK (AES-CBC, zero IV) as PUT KEY and
// key import commands expect. len(key) must be a multiple of 16.
func (s *Session) WrapKey(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen:
	case StateBroken:
		return nil, ErrSessionBroken
	default:
		return nil, ErrSessionClosed
	}
	if len(key) == 0 || len(key)%blockSize != 0 {
		return nil, errors.Errorf("key material must be a non-empty multiple of %d bytes, got %d", blockSize, len(key))
	}
	return aesCBCEncrypt(s.open.dek[:], make([]byte, blockSize), key)
}

// KeyCheckValue returns the 3 byte KCV of an AES key: AES(key, 01 x 16)[:3].
func KeyCheckValue(key []byte) ([]byte, error) {
	ones := make([]byte, blockSize)
	for i := range ones {
		ones[i] = 0x01
	}
	out, err := aesECBEncrypt(key, ones)
	if err != nil {
		return nil, err
	}
	return out[:3], nil
}

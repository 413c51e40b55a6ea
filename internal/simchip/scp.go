package simchip

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"

	"github.com/aead/cmac"
	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/barnettlynn/se05x/pkg/scp03"
)

const (
	insInitializeUpdate     = 0x50
	insExternalAuthenticate = 0x82
)

var diversificationData = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}

type pendingAuth struct {
	context []byte
	senc    []byte
	smac    []byte
	srmac   []byte
}

type cardSession struct {
	level   scp03.SecurityLevel
	senc    []byte
	smac    []byte
	srmac   []byte
	mcv     []byte
	counter uint64
}

func (s *cardSession) wipe() {
	for _, b := range [][]byte{s.senc, s.smac, s.srmac, s.mcv} {
		for i := range b {
			b[i] = 0
		}
	}
}

func (c *Chip) initializeUpdate(cmd apdu.Command) []byte {
	if cmd.P1 != 0 && cmd.P1 != c.kvn {
		return status(0x6A88)
	}
	if len(cmd.Data) != 8 {
		return status(apdu.SWWrongLength)
	}
	if c.sess != nil {
		c.sess.wipe()
		c.sess = nil
	}
	c.pending = nil

	cardChallenge := make([]byte, 8)
	if _, err := io.ReadFull(c.random, cardChallenge); err != nil {
		return status(0x6F00)
	}
	ctx := append(bytes.Clone(cmd.Data), cardChallenge...)
	p := &pendingAuth{context: ctx, senc: make([]byte, 16), smac: make([]byte, 16), srmac: make([]byte, 16)}
	if scp03.KDF(p.senc, c.keys.ENC, scp03.DerivSENC, ctx) != nil ||
		scp03.KDF(p.smac, c.keys.MAC, scp03.DerivSMAC, ctx) != nil ||
		scp03.KDF(p.srmac, c.keys.MAC, scp03.DerivSRMAC, ctx) != nil {
		return status(0x6F00)
	}
	cryptogram, err := scp03.Cryptogram(p.smac, scp03.DerivCardCryptogram, ctx)
	if err != nil {
		return status(0x6F00)
	}
	c.pending = p

	out := make([]byte, 0, 34)
	out = append(out, diversificationData...)
	out = append(out, c.kvn, 0x03, c.iParam)
	out = append(out, cardChallenge...)
	out = append(out, cryptogram...)
	if c.iParam&0x10 != 0 {
		c.seq++
		out = append(out, byte(c.seq>>16), byte(c.seq>>8), byte(c.seq))
	}
	return append(out, 0x90, 0x00)
}

func (c *Chip) externalAuthenticate(cmd apdu.Command) []byte {
	p := c.pending
	c.pending = nil
	if p == nil {
		return status(apdu.SWConditionsNotSatisfied)
	}
	if len(cmd.Data) != 16 {
		return status(apdu.SWWrongLength)
	}
	level := scp03.SecurityLevel(cmd.P1)
	if level.Validate() != nil {
		return status(apdu.SWWrongP1P2)
	}

	want, err := scp03.Cryptogram(p.smac, scp03.DerivHostCryptogram, p.context)
	if err != nil {
		return status(0x6F00)
	}
	mac, err := cmacSum(p.smac, make([]byte, 16), []byte{cmd.Cla, cmd.Ins, cmd.P1, cmd.P2, byte(len(cmd.Data))}, cmd.Data[:8])
	if err != nil {
		return status(0x6F00)
	}
	reject := c.rejectHost
	c.rejectHost = false
	if reject ||
		subtle.ConstantTimeCompare(want, cmd.Data[:8]) != 1 ||
		subtle.ConstantTimeCompare(mac[:8], cmd.Data[8:]) != 1 {
		return status(apdu.SWSecurityNotSatisfied)
	}

	c.sess = &cardSession{level: level, senc: p.senc, smac: p.smac, srmac: p.srmac, mcv: mac}
	return status(apdu.SWSuccess)
}

// unwrapCommand verifies the C-MAC and decrypts the data field.
func (s *cardSession) unwrapCommand(cmd apdu.Command, skip bool) (apdu.Command, error) {
	if len(cmd.Data) < 8 {
		return apdu.Command{}, errors.New("missing C-MAC")
	}
	body, tag := cmd.Data[:len(cmd.Data)-8], cmd.Data[len(cmd.Data)-8:]
	var lc []byte
	if cmd.Extended() {
		lc = []byte{0x00, byte(len(cmd.Data) >> 8), byte(len(cmd.Data))}
	} else {
		lc = []byte{byte(len(cmd.Data))}
	}
	mac, err := cmacSum(s.smac, s.mcv, []byte{cmd.Cla, cmd.Ins, cmd.P1, cmd.P2}, lc, body)
	if err != nil {
		return apdu.Command{}, err
	}
	if subtle.ConstantTimeCompare(mac[:8], tag) != 1 {
		return apdu.Command{}, errors.New("C-MAC mismatch")
	}
	s.mcv = mac

	s.counter++
	if skip {
		s.counter++
	}

	out := apdu.Command{Cla: cmd.Cla &^ 0x04, Ins: cmd.Ins, P1: cmd.P1, P2: cmd.P2, Ne: cmd.Ne}
	if s.level.Has(scp03.CDEC) && len(body) > 0 {
		plain, err := cbc(s.senc, counterBlock(s.senc, s.counter, 0x00), body, false)
		if err != nil {
			return apdu.Command{}, err
		}
		if plain, err = unpad(plain); err != nil {
			return apdu.Command{}, err
		}
		out.Data = plain
	} else {
		out.Data = bytes.Clone(body)
	}
	return out, nil
}

// wrapResponse applies R-ENC and R-MAC. Bare error status words go back unprotected.
func (s *cardSession) wrapResponse(resp apdu.Response) ([]byte, error) {
	if len(resp.Data) == 0 && !resp.IsSuccess() {
		return resp.Bytes(), nil
	}
	data := resp.Data
	if s.level.Has(scp03.RENC) && len(data) > 0 {
		enc, err := cbc(s.senc, counterBlock(s.senc, s.counter, 0x80), pad(data), true)
		if err != nil {
			return nil, err
		}
		data = enc
	}
	out := bytes.Clone(data)
	if s.level.Has(scp03.RMAC) {
		swBytes := binary.BigEndian.AppendUint16(nil, resp.SW)
		mac, err := cmacSum(s.srmac, s.mcv, data, swBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, mac[:8]...)
	}
	return binary.BigEndian.AppendUint16(out, resp.SW), nil
}

func cmacSum(key []byte, parts ...[]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.NewWithTagSize(block, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), nil
}

// counterBlock returns AES(senc, counter) with byte 0 set to first.
func counterBlock(senc []byte, counter uint64, first byte) []byte {
	in := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(in[8:], counter)
	in[0] = first
	block, err := aes.NewCipher(senc)
	if err != nil {
		return in
	}
	block.Encrypt(in, in)
	return in
}

func cbc(key, iv, data []byte, encrypt bool) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

func pad(b []byte) []byte {
	out := make([]byte, (len(b)/aes.BlockSize+1)*aes.BlockSize)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}

func unpad(b []byte) ([]byte, error) {
	i := len(b) - 1
	for i >= 0 && b[i] == 0x00 {
		i--
	}
	if i < 0 || b[i] != 0x80 || len(b)-i > aes.BlockSize {
		return nil, errors.New("bad padding")
	}
	return b[:i], nil
}

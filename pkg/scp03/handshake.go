package scp03

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"strings"

	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/pkg/errors"
)

const (
	insInitializeUpdate     = 0x50
	insExternalAuthenticate = 0x82

	challengeLen = 8

	iParamPseudoRandom = 0x10
	iParamRMAC         = 0x20
	iParamRENC         = 0x60
)

// Handshake steps reported in AuthError.Step.
const (
	StepInitializeUpdate     = "initialize-update"
	StepCardCryptogram       = "card-cryptogram"
	StepExternalAuthenticate = "external-authenticate"
)

type initializeUpdateResponse struct {
	divData        []byte
	kvn            byte
	scpID          byte
	iParam         byte
	cardChallenge  []byte
	cardCryptogram []byte
	sequence       []byte // only with pseudo-random card challenge
}

func parseInitializeUpdateResponse(b []byte) (*initializeUpdateResponse, error) {
	if len(b) != 29 && len(b) != 32 {
		return nil, errors.Errorf("INITIALIZE UPDATE response must be 29 or 32 bytes long, got %d", len(b))
	}
	r := &initializeUpdateResponse{
		divData:        b[:10],
		kvn:            b[10],
		scpID:          b[11],
		iParam:         b[12],
		cardChallenge:  b[13:21],
		cardCryptogram: b[21:29],
	}
	if r.scpID != 0x03 {
		return nil, errors.Errorf("scp ID must be 03, got %02X", r.scpID)
	}
	if r.iParam&iParamPseudoRandom != 0 {
		if len(b) != 32 {
			return nil, errors.Errorf("INITIALIZE UPDATE response must be 32 bytes long when pseudo-random card challenge is used, got %d", len(b))
		}
		r.sequence = b[29:32]
	}
	return r, nil
}

// Open creates a session on link and authenticates it with keys. random supplies the
// host challenge; nil means crypto/rand.
func Open(ctx context.Context, keys StaticKeys, link Exchanger, random io.Reader, opts ...Option) (*Session, error) {
	s := NewSession(link, opts...)
	if err := s.Authenticate(ctx, keys, random); err != nil {
		return nil, err
	}
	return s, nil
}

// Authenticate runs INITIALIZE UPDATE / EXTERNAL AUTHENTICATE on a Closed session.
//
// A card cryptogram mismatch returns an *AuthError wrapping ErrAuthenticationFailed and
// leaves the session Closed. The chip rejecting the host cryptogram breaks the session.
func (s *Session) Authenticate(ctx context.Context, keys StaticKeys, random io.Reader) error {
	if err := keys.Validate(); err != nil {
		return err
	}
	if err := s.level.Validate(); err != nil {
		return err
	}
	if random == nil {
		random = rand.Reader
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateBroken:
		return ErrSessionBroken
	case StateOpen, StateAuthenticating:
		return errors.Errorf("session already %s", s.state)
	}

	s.state = StateAuthenticating
	o, err := s.handshakeLocked(ctx, keys, random)
	if err != nil {
		if s.state == StateAuthenticating {
			s.state = StateClosed
		}
		return err
	}
	s.open = o
	s.state = StateOpen
	s.timeouts = 0
	s.cause = nil
	s.log.Info("secure channel open", "kvn", s.kvn, "level", s.level.String())
	return nil
}

func (s *Session) transceivePlain(ctx context.Context, op string, cmd apdu.Command) (apdu.Response, error) {
	wire, err := cmd.Bytes()
	if err != nil {
		return apdu.Response{}, err
	}
	raw, err := s.link.Transceive(ctx, wire)
	if err != nil {
		return apdu.Response{}, &TransportError{Op: op, Err: err}
	}
	return apdu.ParseResponseFor(cmd, raw)
}

func (s *Session) handshakeLocked(ctx context.Context, keys StaticKeys, random io.Reader) (*openState, error) {
	hostChallenge := make([]byte, challengeLen)
	if _, err := io.ReadFull(random, hostChallenge); err != nil {
		return nil, &AuthError{Step: StepInitializeUpdate, Cause: errors.Wrap(err, "host challenge")}
	}

	iu := apdu.Command{Cla: 0x80, Ins: insInitializeUpdate, P1: s.kvn, P2: 0x00, Data: hostChallenge, Ne: apdu.MaxShortNe}
	resp, err := s.transceivePlain(ctx, StepInitializeUpdate, iu)
	if err != nil {
		return nil, &AuthError{Step: StepInitializeUpdate, Cause: err}
	}
	if !resp.IsSuccess() {
		return nil, &AuthError{Step: StepInitializeUpdate, SW: resp.SW, RespLen: len(resp.Data)}
	}
	ir, err := parseInitializeUpdateResponse(resp.Data)
	if err != nil {
		return nil, &AuthError{Step: StepInitializeUpdate, SW: resp.SW, RespLen: len(resp.Data), Cause: err}
	}
	if s.kvn != 0 && ir.kvn != s.kvn {
		return nil, &AuthError{Step: StepInitializeUpdate, Cause: errors.Errorf("chip answered with key version %02X, want %02X", ir.kvn, s.kvn)}
	}
	if s.level.Has(RMAC) && ir.iParam&iParamRMAC != iParamRMAC {
		return nil, &AuthError{Step: StepInitializeUpdate, Cause: errors.New("security level R-MAC requested but not supported")}
	}
	if s.level.Has(RENC) && ir.iParam&iParamRENC != iParamRENC {
		return nil, &AuthError{Step: StepInitializeUpdate, Cause: errors.New("security level R-ENC requested but not supported")}
	}

	kdfContext := make([]byte, 0, 2*challengeLen)
	kdfContext = append(kdfContext, hostChallenge...)
	kdfContext = append(kdfContext, ir.cardChallenge...)

	o := &openState{}
	established := false
	defer func() {
		if !established {
			o.wipe()
		}
	}()

	for _, d := range []struct {
		dst      []byte
		key      []byte
		constant byte
	}{
		{o.senc[:], keys.ENC, DerivSENC},
		{o.smac[:], keys.MAC, DerivSMAC},
		{o.srmac[:], keys.MAC, DerivSRMAC},
	} {
		if err := KDF(d.dst, d.key, d.constant, kdfContext); err != nil {
			return nil, &AuthError{Step: StepCardCryptogram, Cause: err}
		}
	}

	cardCryptogram, err := Cryptogram(o.smac[:], DerivCardCryptogram, kdfContext)
	if err != nil {
		return nil, &AuthError{Step: StepCardCryptogram, Cause: err}
	}
	if subtle.ConstantTimeCompare(cardCryptogram, ir.cardCryptogram) != 1 {
		s.log.Debug("card cryptogram mismatch",
			"card_challenge", strings.ToUpper(hex.EncodeToString(ir.cardChallenge)),
			"kvn", ir.kvn)
		return nil, &AuthError{Step: StepCardCryptogram, RespLen: len(resp.Data), Cause: ErrAuthenticationFailed}
	}

	hostCryptogram, err := Cryptogram(o.smac[:], DerivHostCryptogram, kdfContext)
	if err != nil {
		return nil, &AuthError{Step: StepExternalAuthenticate, Cause: err}
	}

	// EXTERNAL AUTHENTICATE is C-MAC only, chained from a zero MCV.
	header := []byte{0x84, insExternalAuthenticate, s.level.Byte(), 0x00, challengeLen + CryptogramLen}
	mac, err := aesCMAC(o.smac[:], o.mcv[:], header, hostCryptogram)
	if err != nil {
		return nil, &AuthError{Step: StepExternalAuthenticate, Cause: err}
	}
	copy(o.mcv[:], mac)

	ea := apdu.Command{
		Cla:  0x84,
		Ins:  insExternalAuthenticate,
		P1:   s.level.Byte(),
		P2:   0x00,
		Data: append(bytes.Clone(hostCryptogram), mac[:CryptogramLen]...),
	}
	resp, err = s.transceivePlain(ctx, StepExternalAuthenticate, ea)
	if err != nil {
		s.breakLocked(err)
		return nil, &AuthError{Step: StepExternalAuthenticate, Cause: err}
	}
	if !resp.IsSuccess() {
		s.breakLocked(ErrAuthenticationFailed)
		return nil, &AuthError{Step: StepExternalAuthenticate, SW: resp.SW, RespLen: len(resp.Data), Cause: ErrAuthenticationFailed}
	}

	copy(o.dek[:], keys.DEK)
	established = true
	return o, nil
}

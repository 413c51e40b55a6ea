// Package scp03 implements the host side of a GlobalPlatform SCP03 secure channel
// (AES-128, counter mode KDF, encrypt-then-MAC with MAC chaining).
//
// A Session moves Closed -> Authenticating -> Open and from Open either back to
// Closed (Close) or to Broken. Broken is terminal: every later call fails with
// ErrSessionBroken without touching the exchanger. Session keys live only while
// the session is Open and are zeroed on Close or when the session breaks.
package scp03

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"

	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/pkg/errors"
)

// Exchanger carries one serialized command to the chip and returns the serialized response.
type Exchanger interface {
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
}

// State of a Session.
type State int

const (
	StateClosed State = iota
	StateAuthenticating
	StateOpen
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

const (
	DefaultKeyVersion  = 0x0B
	DefaultMaxTimeouts = 3
)

// openState is everything that only exists while the channel is Open.
type openState struct {
	senc    [KeyLen]byte
	smac    [KeyLen]byte
	srmac   [KeyLen]byte
	dek     [KeyLen]byte
	mcv     [blockSize]byte
	counter uint64
}

func (o *openState) wipe() {
	wipe(o.senc[:])
	wipe(o.smac[:])
	wipe(o.srmac[:])
	wipe(o.dek[:])
	wipe(o.mcv[:])
	o.counter = 0
}

// Session is one secure channel over an Exchanger. It is safe for concurrent use;
// exchanges are serialized.
type Session struct {
	mu sync.Mutex

	link        Exchanger
	log         *slog.Logger
	level       SecurityLevel
	kvn         byte
	maxTimeouts int

	state    State
	open     *openState
	timeouts int
	cause    error
}

// Option configures a Session.
type Option func(*Session)

// WithSecurityLevel sets the level requested in EXTERNAL AUTHENTICATE. Default LevelFull.
func WithSecurityLevel(l SecurityLevel) Option {
	return func(s *Session) { s.level = l }
}

// WithKeyVersion selects the static key set on the chip. Default 0x0B.
func WithKeyVersion(kvn byte) Option {
	return func(s *Session) { s.kvn = kvn }
}

// WithMaxTimeouts sets how many consecutive exchange timeouts are tolerated before the
// session breaks.
func WithMaxTimeouts(n int) Option {
	return func(s *Session) { s.maxTimeouts = n }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSession returns a Closed session bound to link.
func NewSession(link Exchanger, opts ...Option) *Session {
	s := &Session{
		link:        link,
		log:         slog.Default(),
		level:       LevelFull,
		kvn:         DefaultKeyVersion,
		maxTimeouts: DefaultMaxTimeouts,
		state:       StateClosed,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxTimeouts < 1 {
		s.maxTimeouts = 1
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counter returns the value of the encryption counter used by the last command.
func (s *Session) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return 0
	}
	return s.open.counter
}

// Level returns the negotiated security level.
func (s *Session) Level() SecurityLevel { return s.level }

// KeyVersion returns the key version the session authenticates with.
func (s *Session) KeyVersion() byte { return s.kvn }

// Err returns the reason a Broken session broke.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Close zeroes the session keys and returns the session to Closed. Closing a Broken
// session keeps it Broken.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		s.open.wipe()
		s.open = nil
	}
	if s.state != StateBroken {
		s.state = StateClosed
	}
	return nil
}

// breakLocked moves the session to Broken. Callers hold s.mu.
func (s *Session) breakLocked(cause error) {
	if s.open != nil {
		s.open.wipe()
		s.open = nil
	}
	s.state = StateBroken
	s.cause = cause
	s.log.Warn("secure channel broken", "error", cause)
}

// MaxCommandPayload returns the largest plain data field that still wraps into a
// short form command at the session's security level.
func (s *Session) MaxCommandPayload() int {
	n := apdu.MaxShortNc - CryptogramLen
	if s.level.Has(CDEC) {
		n = n/blockSize*blockSize - 1
	}
	return n
}

// Exchange protects cmd, sends it and verifies and decrypts the response.
//
// A non-9000 status word is returned in the Response, not as an error. Errors:
// ErrSessionBroken (no I/O was performed), ErrSessionClosed, ErrCommandTooLong,
// ErrSecurityViolation and *TransportError. Every error but ErrSessionClosed,
// ErrCommandTooLong and a tolerated timeout leaves the session Broken.
func (s *Session) Exchange(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOpen:
	case StateBroken:
		return apdu.Response{}, ErrSessionBroken
	default:
		return apdu.Response{}, ErrSessionClosed
	}
	if s.open.counter == math.MaxUint64 {
		s.breakLocked(errors.New("encryption counter exhausted"))
		return apdu.Response{}, ErrSessionBroken
	}
	if err := s.checkLength(cmd); err != nil {
		return apdu.Response{}, err
	}

	wrapped, err := s.wrapLocked(cmd)
	if err != nil {
		s.breakLocked(err)
		return apdu.Response{}, err
	}
	wire, err := wrapped.Bytes()
	if err != nil {
		s.breakLocked(err)
		return apdu.Response{}, errors.Wrap(err, "encode wrapped command")
	}

	s.log.Debug("secure exchange",
		"cmd", cmd.String(),
		"counter", s.open.counter)

	raw, err := s.link.Transceive(ctx, wire)
	if err != nil {
		terr := &TransportError{Op: "exchange", Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			s.timeouts++
			if s.timeouts < s.maxTimeouts {
				s.log.Warn("secure exchange timed out", "consecutive", s.timeouts)
				return apdu.Response{}, terr
			}
		}
		s.breakLocked(terr)
		return apdu.Response{}, terr
	}
	s.timeouts = 0

	resp, err := apdu.ParseResponseFor(wrapped, raw)
	if err != nil {
		err = errors.Wrap(err, "decode protected response")
		s.breakLocked(err)
		return apdu.Response{}, err
	}
	plain, err := s.unwrapLocked(resp)
	if err != nil {
		s.breakLocked(err)
		return apdu.Response{}, err
	}
	return plain, nil
}

func (s *Session) checkLength(cmd apdu.Command) error {
	n := len(cmd.Data)
	if s.level.Has(CDEC) && n > 0 {
		n = (n/blockSize + 1) * blockSize
	}
	if n+CryptogramLen > apdu.MaxExtendedNc {
		return errors.Wrapf(ErrCommandTooLong, "%d data bytes", len(cmd.Data))
	}
	return nil
}

// counterBlock renders the 128-bit big-endian counter. first overrides byte 0.
func counterBlock(counter uint64, first byte) []byte {
	b := make([]byte, blockSize)
	binary.BigEndian.PutUint64(b[8:], counter)
	b[0] = first
	return b
}

// Package simchip is an in-memory secure element: card side SCP03 and a small applet
// with binary objects. It speaks framed APDUs so it can stand in for a real link.
package simchip

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/barnettlynn/se05x/pkg/scp03"
)

// AppletAID is the application identifier the simulator answers SELECT for.
var AppletAID = []byte{0xA0, 0x00, 0x00, 0x03, 0x96, 0x54, 0x53, 0x00, 0x00, 0x00, 0x01, 0x03, 0x00, 0x00, 0x00, 0x00}

// DefaultVersion is returned by SELECT and GET VERSION: 7.2.0, config 3FFF, SecureBox 1.0.
var DefaultVersion = []byte{0x07, 0x02, 0x00, 0x3F, 0xFF, 0x01, 0x00}

// ErrClosed is returned by Transceive after Close.
var ErrClosed = errors.New("simchip: closed")

// Fault selects a wire fault to inject into the next framed response.
type Fault int

const (
	FaultNone Fault = iota
	// FaultChecksum flips a bit in the response trailer.
	FaultChecksum
	// FaultTruncate returns a single byte.
	FaultTruncate
)

// Chip is a simulated secure element. The zero value is not usable; call New.
type Chip struct {
	mu sync.Mutex

	keys    scp03.StaticKeys
	kvn     byte
	iParam  byte
	random  io.Reader
	codec   frame.Codec
	version []byte
	log     *slog.Logger

	requireSecure bool
	objects       map[uint32][]byte

	pending *pendingAuth
	sess    *cardSession
	seq     uint32

	exchanges int
	closed    bool

	// tamper hooks, each consumed by the next protected response or command
	flipTag     bool
	flipPayload bool
	skipCounter bool
	rejectHost  bool
	faults      []Fault

	lastRequest []byte
	lastClean   []byte
}

// Option configures a Chip.
type Option func(*Chip)

// WithKeyVersion sets the key version of the static keys. Default 0x0B.
func WithKeyVersion(kvn byte) Option { return func(c *Chip) { c.kvn = kvn } }

// WithRandom sets the source for card challenges and GET RANDOM.
func WithRandom(r io.Reader) Option { return func(c *Chip) { c.random = r } }

// WithCodec sets the link framing. Default frame.BigEndian.
func WithCodec(codec frame.Codec) Option { return func(c *Chip) { c.codec = codec } }

// WithPseudoRandomChallenge makes INITIALIZE UPDATE answer with a sequence counter.
func WithPseudoRandomChallenge() Option {
	return func(c *Chip) { c.iParam |= 0x10 }
}

// WithoutResponseProtection advertises neither R-MAC nor R-ENC support.
func WithoutResponseProtection() Option {
	return func(c *Chip) { c.iParam &^= 0x60 }
}

// WithPlainAccess lets applet commands run without a secure channel.
func WithPlainAccess() Option { return func(c *Chip) { c.requireSecure = false } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Chip) { c.log = l } }

// New returns a chip holding keys.
func New(keys scp03.StaticKeys, opts ...Option) *Chip {
	c := &Chip{
		keys: scp03.StaticKeys{
			ENC: bytes.Clone(keys.ENC),
			MAC: bytes.Clone(keys.MAC),
			DEK: bytes.Clone(keys.DEK),
		},
		kvn:           scp03.DefaultKeyVersion,
		iParam:        0x60,
		random:        rand.Reader,
		codec:         frame.BigEndian,
		version:       DefaultVersion,
		log:           slog.Default(),
		requireSecure: true,
		objects:       make(map[uint32][]byte),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Transceive unframes one command, processes it and returns the framed response.
func (c *Chip) Transceive(ctx context.Context, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.exchanges++

	// A retransmission after an injected fault gets the clean copy, not a second run.
	var resp []byte
	if c.lastClean != nil && bytes.Equal(req, c.lastRequest) {
		resp = c.lastClean
	} else {
		cmd, err := c.codec.Unframe(req)
		if err != nil {
			return nil, fmt.Errorf("simchip: bad request frame: %w", err)
		}
		resp = c.codec.Frame(c.process(cmd))
	}
	c.lastRequest, c.lastClean = nil, nil

	if len(c.faults) > 0 {
		f := c.faults[0]
		c.faults = c.faults[1:]
		c.lastRequest = bytes.Clone(req)
		c.lastClean = resp
		switch f {
		case FaultChecksum:
			bad := bytes.Clone(resp)
			bad[len(bad)-1] ^= 0x01
			return bad, nil
		case FaultTruncate:
			return resp[:1], nil
		}
	}
	return resp, nil
}

// Close makes later exchanges fail.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Exchanges returns how many frames the chip has received.
func (c *Chip) Exchanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges
}

// SessionOpen reports whether the chip holds an authenticated channel.
func (c *Chip) SessionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Counter returns the chip side encryption counter.
func (c *Chip) Counter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.counter
}

// FlipResponseTag flips one bit of the R-MAC of the next protected response.
func (c *Chip) FlipResponseTag() { c.hook(func() { c.flipTag = true }) }

// FlipResponsePayload flips one bit of the encrypted payload of the next protected response.
func (c *Chip) FlipResponsePayload() { c.hook(func() { c.flipPayload = true }) }

// SkipCounter advances the chip's encryption counter by one extra step on the next command.
func (c *Chip) SkipCounter() { c.hook(func() { c.skipCounter = true }) }

// RejectHostCryptogram makes the next EXTERNAL AUTHENTICATE fail.
func (c *Chip) RejectHostCryptogram() { c.hook(func() { c.rejectHost = true }) }

// InjectFaults queues wire faults, one per following exchange.
func (c *Chip) InjectFaults(f ...Fault) { c.hook(func() { c.faults = append(c.faults, f...) }) }

func (c *Chip) hook(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f()
}

// Object returns a copy of a stored binary object.
func (c *Chip) Object(id uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.objects[id]
	return bytes.Clone(v), ok
}

// PutObject stores a binary object directly.
func (c *Chip) PutObject(id uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[id] = bytes.Clone(data)
}

func status(sw uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, sw)
}

// process handles one unframed command and returns the unframed response.
func (c *Chip) process(raw []byte) []byte {
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		return status(apdu.SWWrongLength)
	}

	switch {
	case cmd.Cla == 0x80 && cmd.Ins == insInitializeUpdate:
		return c.initializeUpdate(cmd)
	case cmd.Cla == 0x84 && cmd.Ins == insExternalAuthenticate:
		return c.externalAuthenticate(cmd)
	case cmd.Cla == 0x00 && cmd.Ins == 0xA4:
		return c.applet(cmd).Bytes()
	}

	if cmd.Cla&0x04 == 0 {
		if c.requireSecure {
			return status(apdu.SWSecurityNotSatisfied)
		}
		return c.applet(cmd).Bytes()
	}

	if c.sess == nil {
		return status(apdu.SWSecurityNotSatisfied)
	}
	plain, err := c.sess.unwrapCommand(cmd, c.takeSkip())
	if err != nil {
		c.log.Debug("simchip: dropping secure channel", "error", err)
		c.sess.wipe()
		c.sess = nil
		return status(apdu.SWSecurityNotSatisfied)
	}
	resp := c.applet(plain)
	out, err := c.sess.wrapResponse(resp)
	if err != nil {
		return status(0x6F00)
	}
	c.tamper(out)
	return out
}

func (c *Chip) takeSkip() bool {
	s := c.skipCounter
	c.skipCounter = false
	return s
}

// tamper applies pending bit flips to a protected response (data || R-MAC || SW).
func (c *Chip) tamper(out []byte) {
	if len(out) < 2+scp03.CryptogramLen {
		return
	}
	if c.flipTag {
		out[len(out)-3] ^= 0x01
		c.flipTag = false
	}
	if c.flipPayload && len(out) > 2+scp03.CryptogramLen {
		out[0] ^= 0x80
		c.flipPayload = false
	}
}

package se05x

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/barnettlynn/se05x/pkg/scp03"
	"github.com/barnettlynn/se05x/pkg/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNoSession is returned by Send when no secure channel is open and plain
// commands are not allowed.
var ErrNoSession = errors.New("se05x: no secure channel open")

// Driver talks to one chip over one link. It is safe for concurrent use; Send calls are
// serialized.
type Driver struct {
	mu sync.Mutex

	link       *transport.Framed
	log        *slog.Logger
	random     io.Reader
	allowPlain bool
	autoReauth bool
	timeout    time.Duration
	level      scp03.SecurityLevel
	kvn        byte
	maxTOs     int

	codec   frame.Codec
	retries int

	keys      scp03.StaticKeys
	sess      *scp03.Session
	sessionID string
}

// Option configures a Driver.
type Option func(*Driver)

// WithAllowPlain lets Send transmit unprotected commands while no channel is open.
func WithAllowPlain(allow bool) Option { return func(d *Driver) { d.allowPlain = allow } }

// WithAutoReauth enables one transparent re-authentication per failed exchange.
func WithAutoReauth(on bool) Option { return func(d *Driver) { d.autoReauth = on } }

// WithCodec sets the frame codec applied on the link. Default frame.BigEndian; links
// that frame on their own (PC/SC, T=1) use frame.None.
func WithCodec(c frame.Codec) Option { return func(d *Driver) { d.codec = c } }

// WithTransportRetries bounds re-requests of corrupted response frames (0..3).
func WithTransportRetries(n int) Option { return func(d *Driver) { d.retries = n } }

// WithExchangeTimeout bounds every Send. Zero means only the caller's context applies.
func WithExchangeTimeout(t time.Duration) Option { return func(d *Driver) { d.timeout = t } }

// WithSecurityLevel sets the level requested when opening a channel.
func WithSecurityLevel(l scp03.SecurityLevel) Option { return func(d *Driver) { d.level = l } }

// WithKeyVersion selects the static key set on the chip.
func WithKeyVersion(kvn byte) Option { return func(d *Driver) { d.kvn = kvn } }

// WithMaxTimeouts sets the consecutive timeouts a channel survives.
func WithMaxTimeouts(n int) Option { return func(d *Driver) { d.maxTOs = n } }

// WithRandom sets the source of host challenges. Default crypto/rand.
func WithRandom(r io.Reader) Option { return func(d *Driver) { d.random = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// New returns a driver on link with no channel open.
func New(link transport.Transceiver, opts ...Option) *Driver {
	d := &Driver{
		log:        slog.Default(),
		autoReauth: true,
		level:      scp03.LevelFull,
		kvn:        scp03.DefaultKeyVersion,
		maxTOs:     scp03.DefaultMaxTimeouts,
		codec:      frame.BigEndian,
		retries:    transport.DefaultRetries,
	}
	for _, o := range opts {
		o(d)
	}
	d.link = transport.NewFramed(link, d.codec,
		transport.WithRetries(d.retries),
		transport.WithFramedLogger(d.log),
		transport.WithRetryHook(func(error) { TransportRetriesTotal.Inc() }))
	SessionState.Set(float64(scp03.StateClosed))
	return d
}

func (d *Driver) sessionOptions() []scp03.Option {
	return []scp03.Option{
		scp03.WithSecurityLevel(d.level),
		scp03.WithKeyVersion(d.kvn),
		scp03.WithMaxTimeouts(d.maxTOs),
		scp03.WithLogger(d.log),
	}
}

func copyKeys(k scp03.StaticKeys) scp03.StaticKeys {
	return scp03.StaticKeys{
		ENC: append([]byte(nil), k.ENC...),
		MAC: append([]byte(nil), k.MAC...),
		DEK: append([]byte(nil), k.DEK...),
	}
}

// OpenSession authenticates a new channel with keys, replacing any current one. The keys
// are retained for re-authentication until CloseSession.
func (d *Driver) OpenSession(ctx context.Context, keys scp03.StaticKeys) error {
	if err := keys.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dropSessionLocked()
	d.keys.Wipe()
	d.keys = scp03.StaticKeys{}
	if err := d.authenticateLocked(ctx, keys); err != nil {
		return err
	}
	d.keys = copyKeys(keys)
	return nil
}

func (d *Driver) authenticateLocked(ctx context.Context, keys scp03.StaticKeys) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	s := scp03.NewSession(d.link, d.sessionOptions()...)
	d.sess = s
	err := s.Authenticate(ctx, keys, d.random)
	SessionState.Set(float64(s.State()))
	if err != nil {
		d.log.Warn("secure channel authentication failed", "kvn", d.kvn, "state", s.State().String(), "error", err)
		return err
	}
	d.sessionID = uuid.NewString()
	d.log.Info("secure channel established", "session", d.sessionID, "kvn", d.kvn, "level", d.level.String())
	return nil
}

func (d *Driver) dropSessionLocked() {
	if d.sess != nil {
		_ = d.sess.Close()
		d.sess = nil
	}
	d.sessionID = ""
	SessionState.Set(float64(scp03.StateClosed))
}

// CloseSession closes the channel and forgets the static keys.
func (d *Driver) CloseSession() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropSessionLocked()
	d.keys.Wipe()
	d.keys = scp03.StaticKeys{}
}

// Close closes the channel and the link.
func (d *Driver) Close() error {
	d.CloseSession()
	return d.link.Close()
}

// SessionState returns the state of the current channel, StateClosed when there is none.
func (d *Driver) SessionState() scp03.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return scp03.StateClosed
	}
	return d.sess.State()
}

// SessionID is a random identifier of the current channel used to correlate logs. It
// changes on every (re-)authentication and is empty while no channel is open.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// Counter returns the encryption counter of the open channel.
func (d *Driver) Counter() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return 0
	}
	return d.sess.Counter()
}

// MaxCommandPayload is the largest data field that wraps into a short command on the
// current channel, or a plain short command when none is open.
func (d *Driver) MaxCommandPayload() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil || d.sess.State() != scp03.StateOpen {
		return apdu.MaxShortNc
	}
	return d.sess.MaxCommandPayload()
}

func (d *Driver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return context.WithCancel(ctx)
}

// Send transmits cmd and returns the chip's response. A status word other than 9000 is
// not an error; use Response.Err to convert it.
func (d *Driver) Send(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	reauthed := false
	if d.sess == nil || d.sess.State() == scp03.StateClosed {
		if !d.canReauth() {
			if !d.allowPlain {
				return apdu.Response{}, ErrNoSession
			}
			return d.sendPlainLocked(ctx, cmd)
		}
		// A transparent re-authentication ended Closed; the keys are still held.
		if err := d.reauthLocked(ctx); err != nil {
			err = errors.Wrap(err, "re-authentication failed")
			observe(ModeSecure, start, apdu.Response{}, err)
			return apdu.Response{}, err
		}
		reauthed = true
	}

	resp, err := d.exchangeLocked(ctx, cmd)
	if err != nil && !reauthed && d.shouldReauth(err) {
		d.log.Warn("secure exchange failed, re-authenticating",
			"session", d.sessionID, "cmd", cmd.String(), "error", err)
		if rerr := d.reauthLocked(ctx); rerr != nil {
			err = errors.Wrapf(err, "re-authentication failed (%v)", rerr)
		} else {
			resp, err = d.exchangeLocked(ctx, cmd)
		}
	}
	observe(ModeSecure, start, resp, err)
	return resp, err
}

func (d *Driver) exchangeLocked(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	resp, err := d.sess.Exchange(ctx, cmd)
	if errors.Is(err, scp03.ErrSecurityViolation) {
		SecurityViolationsTotal.Inc()
	}
	SessionState.Set(float64(d.sess.State()))
	return resp, err
}

func (d *Driver) canReauth() bool {
	return d.autoReauth && d.keys.ENC != nil
}

// shouldReauth reports whether err broke the channel in a way a fresh handshake can
// recover from: a security violation, a broken session or a malformed frame or APDU.
func (d *Driver) shouldReauth(err error) bool {
	if !d.canReauth() {
		return false
	}
	return errors.Is(err, scp03.ErrSecurityViolation) ||
		errors.Is(err, scp03.ErrSessionBroken) ||
		errors.Is(err, frame.ErrChecksumMismatch) ||
		errors.Is(err, frame.ErrTruncated) ||
		errors.Is(err, apdu.ErrTooShort) ||
		errors.Is(err, apdu.ErrMalformedLength) ||
		errors.Is(err, apdu.ErrResponseTooLong)
}

func (d *Driver) reauthLocked(ctx context.Context) error {
	old := d.sessionID
	d.dropSessionLocked()
	if err := d.authenticateLocked(ctx, d.keys); err != nil {
		ReauthTotal.WithLabelValues(ResultFailure).Inc()
		return err
	}
	ReauthTotal.WithLabelValues(ResultSuccess).Inc()
	d.log.Info("secure channel re-established", "previous", old, "session", d.sessionID)
	return nil
}

// SendPlain transmits cmd without secure messaging regardless of the channel state.
// Only the applet select and the handshake itself are meant to travel this way.
func (d *Driver) SendPlain(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendPlainLocked(ctx, cmd)
}

func (d *Driver) sendPlainLocked(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	start := time.Now()
	resp, err := d.transceivePlainLocked(ctx, cmd)
	observe(ModePlain, start, resp, err)
	return resp, err
}

func (d *Driver) transceivePlainLocked(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	wire, err := cmd.Bytes()
	if err != nil {
		return apdu.Response{}, err
	}
	raw, err := d.link.Transceive(ctx, wire)
	if err != nil {
		return apdu.Response{}, errors.Wrapf(err, "plain exchange %s", cmd.String())
	}
	return apdu.ParseResponseFor(cmd, raw)
}

func observe(mode string, start time.Time, resp apdu.Response, err error) {
	outcome := OutcomeOK
	switch {
	case err != nil:
		outcome = OutcomeError
	case !resp.IsSuccess():
		outcome = OutcomeStatus
	}
	ExchangesTotal.WithLabelValues(mode, outcome).Inc()
	ExchangeDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

const (
	// DefaultRetries is how many times a corrupted or truncated response is re-requested.
	DefaultRetries = 2
	// MaxRetries bounds WithRetries.
	MaxRetries = 3

	defaultRetryInterval = 5 * time.Millisecond
)

// Framed wraps a link with a frame codec. Responses that fail the checksum or arrive
// truncated are re-requested up to the retry bound with a constant pause; any other link
// error is returned at once.
type Framed struct {
	link     Transceiver
	codec    frame.Codec
	retries  int
	interval time.Duration
	log      *slog.Logger
	onRetry  func(error)
}

// FramedOption configures a Framed link.
type FramedOption func(*Framed)

// WithRetries sets the retry bound, clamped to [0, MaxRetries].
func WithRetries(n int) FramedOption {
	return func(f *Framed) {
		f.retries = max(0, min(n, MaxRetries))
	}
}

// WithRetryInterval sets the pause between attempts.
func WithRetryInterval(d time.Duration) FramedOption {
	return func(f *Framed) { f.interval = d }
}

// WithRetryHook is called with the codec error before each retry.
func WithRetryHook(h func(error)) FramedOption {
	return func(f *Framed) { f.onRetry = h }
}

// WithFramedLogger sets the logger.
func WithFramedLogger(l *slog.Logger) FramedOption {
	return func(f *Framed) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFramed returns link wrapped with codec.
func NewFramed(link Transceiver, codec frame.Codec, opts ...FramedOption) *Framed {
	f := &Framed{
		link:     link,
		codec:    codec,
		retries:  DefaultRetries,
		interval: defaultRetryInterval,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Retries returns the configured retry bound.
func (f *Framed) Retries() int { return f.retries }

// Transceive frames payload, sends it and returns the unframed response.
func (f *Framed) Transceive(ctx context.Context, payload []byte) ([]byte, error) {
	req := f.codec.Frame(payload)

	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		resp, err := f.link.Transceive(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		out, err = f.codec.Unframe(resp)
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.log.Debug("transport: bad response frame, retrying", "attempt", attempt, "error", err, "wait", wait)
		if f.onRetry != nil {
			f.onRetry(err)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.interval), uint64(f.retries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		if attempt > 1 {
			return nil, errors.Wrapf(err, "after %d attempts", attempt)
		}
		return nil, err
	}
	return out, nil
}

// Close closes the underlying link.
func (f *Framed) Close() error {
	return f.link.Close()
}

// Package transport holds the links a host can reach a secure element over: a PC/SC
// reader, a raw I²C bus carrying T=1 blocks, or a websocket bridge to a remote host.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// Transceiver performs one request/response exchange. Implementations serialize
// concurrent calls.
type Transceiver interface {
	Transceive(ctx context.Context, req []byte) ([]byte, error)
	Close() error
}

// ErrClosed is returned by a link used after Close.
var ErrClosed = errors.New("transport: link closed")

// RemoteError is a failure reported by the far side of a bridge.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "transport: remote: " + e.Msg
}

package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Remote is a client of a Bridge. Each exchange is one binary websocket message each
// way; the bridge reports link failures as a text message.
//
// A websocket that failed mid-exchange cannot be reused, so the connection is dropped
// and the next Transceive dials URL again.
type Remote struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	URL    string
}

// DialRemote connects to a bridge at url (ws://host:port/se05x).
func DialRemote(ctx context.Context, url string) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return &Remote{conn: conn, URL: url}, nil
}

// Transceive sends req and waits for the bridge's answer. The context deadline bounds
// both directions; when it passes the error wraps context.DeadlineExceeded.
func (r *Remote) Transceive(ctx context.Context, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.URL, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "redial %s", r.URL)
		}
		r.conn = conn
	}

	deadline, _ := ctx.Deadline()
	_ = r.conn.SetWriteDeadline(deadline)
	_ = r.conn.SetReadDeadline(deadline)

	if err := r.conn.WriteMessage(websocket.BinaryMessage, req); err != nil {
		r.drop()
		return nil, remoteErr("write", err)
	}
	mt, msg, err := r.conn.ReadMessage()
	if err != nil {
		r.drop()
		return nil, remoteErr("read", err)
	}
	if mt == websocket.TextMessage {
		return nil, &RemoteError{Msg: string(msg)}
	}
	return msg, nil
}

func (r *Remote) drop() {
	_ = r.conn.Close()
	r.conn = nil
}

func remoteErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(context.DeadlineExceeded, "bridge %s: %v", op, err)
	}
	return errors.Wrapf(err, "bridge %s", op)
}

// Close sends a close frame and drops the connection.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := r.conn.Close()
	r.conn = nil
	return err
}

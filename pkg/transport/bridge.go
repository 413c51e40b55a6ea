package transport

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
)

const (
	// ServiceType is the mDNS service bridges advertise.
	ServiceType = "_se05x._tcp"
	// BridgePath is the websocket endpoint of a bridge.
	BridgePath = "/se05x"

	mdnsDomain = "local."
)

// Bridge exposes a local link to remote hosts over websockets. Requests arrive framed
// with Codec; a request that fails the checksum is answered with an empty message, which
// the client's Framed link treats as a truncated frame and re-requests.
//
// A client re-requests by sending the identical frame again. Each connection keeps its
// last request and framed response, and a byte-identical repeat is answered from there
// without reaching the link, so a command never runs twice because of wire noise.
type Bridge struct {
	link  Transceiver
	codec frame.Codec
	log   *slog.Logger

	mu       sync.Mutex // serializes access to link
	upgrader websocket.Upgrader
	mdns     *zeroconf.Server
	server   *http.Server
}

// NewBridge serves link. Frames on the websocket use frame.BigEndian.
func NewBridge(link Transceiver, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		link:  link,
		codec: frame.BigEndian,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP upgrades the request and serves exchanges until the client goes away.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("bridge: upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	log := b.log.With("remote", r.RemoteAddr)
	log.Info("bridge: client connected")

	var last lastExchange
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("bridge: read failed", "error", err)
			} else {
				log.Info("bridge: client disconnected")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := b.serveOne(r.Context(), conn, msg, &last); err != nil {
			log.Warn("bridge: write failed", "error", err)
			return
		}
	}
}

// lastExchange is the retransmission state of one client connection.
type lastExchange struct {
	req  []byte
	resp []byte
}

func (b *Bridge) serveOne(ctx context.Context, conn *websocket.Conn, msg []byte, last *lastExchange) error {
	if last.resp != nil && bytes.Equal(msg, last.req) {
		b.log.Debug("bridge: replaying response to repeated request")
		return conn.WriteMessage(websocket.BinaryMessage, last.resp)
	}
	payload, err := b.codec.Unframe(msg)
	if err != nil {
		b.log.Debug("bridge: bad request frame", "error", err)
		return conn.WriteMessage(websocket.BinaryMessage, nil)
	}

	b.mu.Lock()
	resp, err := b.link.Transceive(ctx, payload)
	b.mu.Unlock()
	if err != nil {
		*last = lastExchange{}
		b.log.Warn("bridge: link exchange failed", "error", err)
		return conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
	}
	framed := b.codec.Frame(resp)
	*last = lastExchange{req: bytes.Clone(msg), resp: framed}
	return conn.WriteMessage(websocket.BinaryMessage, framed)
}

// ListenAndServe serves on addr until ctx is cancelled. When instance is non-empty the
// bridge is advertised over mDNS under that name.
func (b *Bridge) ListenAndServe(ctx context.Context, addr, instance string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle(BridgePath, b)
	b.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if instance != "" {
		port := ln.Addr().(*net.TCPAddr).Port
		if err := b.advertise(instance, port); err != nil {
			ln.Close()
			return err
		}
		defer b.stopAdvertising()
	}

	errc := make(chan error, 1)
	go func() { errc <- b.server.Serve(ln) }()
	b.log.Info("bridge: listening", "addr", ln.Addr().String(), "path", BridgePath)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.server.Shutdown(shutdownCtx); err != nil {
			b.log.Warn("bridge: shutdown error", "error", err)
		}
		return nil
	}
}

func (b *Bridge) advertise(instance string, port int) error {
	txt := []string{
		"version=1",
		"protocol=websocket",
		"path=" + BridgePath,
		"framing=crc16-x25",
	}
	srv, err := zeroconf.Register(instance, ServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return errors.Wrap(err, "failed to register mDNS service")
	}
	b.mdns = srv
	b.log.Info("bridge: mDNS service registered", "instance", instance, "type", ServiceType, "port", port)
	return nil
}

func (b *Bridge) stopAdvertising() {
	if b.mdns != nil {
		b.mdns.Shutdown()
		b.mdns = nil
		b.log.Info("bridge: mDNS service stopped")
	}
}

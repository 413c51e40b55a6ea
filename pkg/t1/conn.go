package t1

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/pkg/errors"
)

const (
	// NADHostToSE addresses blocks sent to the secure element.
	NADHostToSE = 0x5A
	// NADSEToHost addresses blocks sent by the secure element.
	NADSEToHost = 0xA5

	// MaxInfoLen is the largest information field of a block.
	MaxInfoLen = 0xFE
	headerLen  = 3

	defaultBWT        = 100 * time.Millisecond
	defaultMPOT       = time.Millisecond
	defaultSEGTMicros = 10
	defaultRetryCount = 1024
	wtxGrace          = 100 * time.Millisecond

	// maxRetransmits bounds the R-block retransmission requests for one block.
	maxRetransmits = 3
)

var (
	// ErrAddressNack is returned (possibly wrapped) by a Bus when the target does not ack its address.
	ErrAddressNack = errors.New("t1: address NACK")
	// ErrDataNack is returned (possibly wrapped) by a Bus when a data byte is not acked.
	ErrDataNack = errors.New("t1: data NACK")

	ErrBadCRC          = errors.New("t1: CRC error")
	ErrBadAddress      = errors.New("t1: bad NAD")
	ErrTimeout         = errors.New("t1: block waiting time exceeded")
	ErrUnexpectedBlock = errors.New("t1: unexpected block")
)

// crcError matches ErrBadCRC and keeps the frame checksum error in its chain, so callers
// above the link see frame.ErrChecksumMismatch.
type crcError struct {
	cause error
}

func (e *crcError) Error() string        { return "t1: CRC error: " + e.cause.Error() }
func (e *crcError) Is(target error) bool { return target == ErrBadCRC }
func (e *crcError) Unwrap() error        { return e.cause }

func badCRC(cause error) error { return &crcError{cause: cause} }

// Bus is a raw I²C connection to the secure element. Each call is one bus transaction.
type Bus interface {
	Read(buf []byte) error
	Write(data []byte) error
}

// Conn exchanges APDUs over a Bus. It is safe for concurrent use; exchanges are serialized.
type Conn struct {
	mu  sync.Mutex
	bus Bus
	log *slog.Logger

	sndSeq bool
	rcvSeq bool
	// lastI is the last I-block written, kept for retransmission.
	lastI []byte

	bwt        time.Duration
	mpot       time.Duration
	segt       time.Duration
	retryCount int
	sleep      func(time.Duration)
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetryCount bounds the write attempts on address NACK.
func WithRetryCount(n int) Option { return func(c *Conn) { c.retryCount = n } }

// WithSleep replaces time.Sleep for polling delays.
func WithSleep(f func(time.Duration)) Option { return func(c *Conn) { c.sleep = f } }

// NewConn returns a Conn with the UM11225 default timings.
func NewConn(bus Bus, opts ...Option) *Conn {
	c := &Conn{
		bus:        bus,
		log:        slog.Default(),
		bwt:        defaultBWT,
		mpot:       defaultMPOT,
		segt:       defaultSEGTMicros * time.Microsecond,
		retryCount: defaultRetryCount,
		sleep:      time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close closes the bus if it is an io.Closer.
func (c *Conn) Close() error {
	if cl, ok := c.bus.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Transceive sends one command APDU as a chain of I-blocks and returns the reassembled response.
func (c *Conn) Transceive(ctx context.Context, apdu []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, apdu); err != nil {
		return nil, err
	}
	return c.receiveI(ctx)
}

// Resync sends S(RESYNCH request) and resets both sequence numbers.
func (c *Conn) Resync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.supervisory(ctx, ResyncRequest, ResyncResponse); err != nil {
		return err
	}
	c.sndSeq, c.rcvSeq = false, false
	return nil
}

// SoftReset performs an interface soft reset and adopts the timings from the ATR. An
// unparseable ATR is logged and DefaultATR is returned.
func (c *Conn) SoftReset(ctx context.Context) (ATR, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.supervisory(ctx, InterfaceSoftResetRequest, InterfaceSoftResetResponse)
	if err != nil {
		return ATR{}, err
	}
	c.sndSeq, c.rcvSeq = false, false

	atr, err := ParseATR(data)
	if err != nil {
		c.log.Warn("t1: unparseable ATR, using defaults", "error", err,
			"atr", strings.ToUpper(hex.EncodeToString(data)))
		return DefaultATR(), nil
	}
	c.mpot = time.Duration(atr.MPOT) * time.Millisecond
	c.segt = time.Duration(atr.SEGT) * time.Microsecond
	c.bwt = time.Duration(atr.BWT) * time.Millisecond
	if c.mpot <= 0 {
		c.mpot = defaultMPOT
	}
	if c.bwt <= 0 {
		c.bwt = defaultBWT
	}
	c.log.Debug("t1: soft reset", "bwt", c.bwt, "mpot", c.mpot, "segt", c.segt, "ifsc", atr.IFSC)
	return atr, nil
}

// EndSession tells the chip the APDU session is over.
func (c *Conn) EndSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.supervisory(ctx, EndOfAPDUSessionRequest, EndOfAPDUSessionResponse)
	return err
}

func (c *Conn) supervisory(ctx context.Context, req, want SType) ([]byte, error) {
	if err := c.writeBlock(S(req), nil); err != nil {
		return nil, err
	}
	c.sleep(c.segt)
	pcb, data, err := c.receiveBlock(ctx)
	if err != nil {
		return nil, err
	}
	if pcb.Kind != SBlock || pcb.S != want {
		return nil, errors.Wrapf(ErrUnexpectedBlock, "got %s, want S(%02X)", pcb, byte(want))
	}
	return data, nil
}

// encodeBlock returns NAD PCB LEN INF CRC(LE).
func encodeBlock(pcb PCB, inf []byte) []byte {
	b := make([]byte, 0, headerLen+len(inf))
	b = append(b, NADHostToSE, pcb.Byte(), byte(len(inf)))
	b = append(b, inf...)
	return frame.LittleEndian.Frame(b)
}

// writeBlock writes one block, retrying while the chip NACKs its address.
func (c *Conn) writeBlock(pcb PCB, inf []byte) error {
	block := encodeBlock(pcb, inf)
	if pcb.Kind == IBlock {
		c.lastI = block
	}
	return c.writeRaw(block)
}

func (c *Conn) writeRaw(block []byte) error {
	for i := 0; i < c.retryCount; i++ {
		err := c.bus.Write(block)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAddressNack) {
			return errors.Wrap(err, "t1 write")
		}
		c.sleep(c.segt)
	}
	return errors.Wrapf(ErrTimeout, "write not acknowledged after %d attempts", c.retryCount)
}

func (c *Conn) send(ctx context.Context, apdu []byte) error {
	for off := 0; ; {
		n := min(len(apdu)-off, MaxInfoLen)
		more := off+n < len(apdu)
		pcb := I(c.sndSeq, more)

		for attempt := 0; ; attempt++ {
			if err := c.writeBlock(pcb, apdu[off:off+n]); err != nil {
				return err
			}
			if !more {
				break
			}
			err := c.readAck(ctx, !pcb.Seq)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrBadCRC) || attempt >= maxRetransmits {
				return err
			}
			c.log.Debug("t1: retransmitting I-block", "attempt", attempt+1, "error", err)
		}
		c.sndSeq = !c.sndSeq
		off += n
		if !more {
			return nil
		}
	}
}

// readAck reads the R-block that acknowledges a chained I-block.
func (c *Conn) readAck(ctx context.Context, want bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleep(c.segt)
	ack := make([]byte, headerLen+frame.TrailerLen)
	if err := c.bus.Read(ack); err != nil {
		return errors.Wrap(err, "t1 read R-block")
	}
	if ack[0] != NADSEToHost {
		return errors.Wrapf(ErrBadAddress, "%02X", ack[0])
	}
	if _, err := frame.LittleEndian.Unframe(ack); err != nil {
		return badCRC(err)
	}
	rpcb, err := ParsePCB(ack[1])
	if err != nil {
		return err
	}
	switch {
	case rpcb.Kind != RBlock || ack[2] != 0:
		return errors.Wrapf(ErrUnexpectedBlock, "got %s while chaining", rpcb)
	case rpcb.Err == RCRCError:
		return badCRC(errors.Wrap(frame.ErrChecksumMismatch, "chip reported CRC error"))
	case rpcb.Err != RNoError:
		return errors.Wrap(ErrUnexpectedBlock, "chip reported error")
	case rpcb.Seq != want:
		c.log.Warn("t1: unexpected R-block sequence", "seq", rpcb.Seq)
	}
	return nil
}

// receiveBlock polls for one block, answering WTX requests along the way.
func (c *Conn) receiveBlock(ctx context.Context) (PCB, []byte, error) {
	polls := int(c.bwt/c.mpot) + 1
	for i := 0; i < polls; i++ {
		if err := ctx.Err(); err != nil {
			return PCB{}, nil, err
		}
		header := make([]byte, headerLen)
		if err := c.bus.Read(header); err != nil {
			if errors.Is(err, ErrAddressNack) {
				c.sleep(c.mpot)
				continue
			}
			return PCB{}, nil, errors.Wrap(err, "t1 read header")
		}
		if header[0] != NADSEToHost {
			return PCB{}, nil, errors.Wrapf(ErrBadAddress, "%02X", header[0])
		}
		n := int(header[2])
		if n > MaxInfoLen {
			return PCB{}, nil, errors.Wrapf(ErrUnexpectedBlock, "information field of %d bytes", n)
		}
		rest := make([]byte, n+frame.TrailerLen)
		if err := c.bus.Read(rest); err != nil {
			return PCB{}, nil, errors.Wrap(err, "t1 read body")
		}
		block := append(header, rest...)
		if _, err := frame.LittleEndian.Unframe(block); err != nil {
			return PCB{}, nil, badCRC(err)
		}
		pcb, err := ParsePCB(header[1])
		if err != nil {
			return PCB{}, nil, err
		}
		inf := block[headerLen : headerLen+n]

		if pcb.Kind == SBlock && pcb.S == WTXRequest {
			if n != 1 {
				return PCB{}, nil, errors.Wrap(ErrUnexpectedBlock, "WTX request without multiplier")
			}
			mult := inf[0]
			c.log.Debug("t1: waiting time extension", "multiplier", mult)
			if err := c.writeBlock(S(WTXResponse), []byte{mult}); err != nil {
				return PCB{}, nil, err
			}
			polls = int(c.bwt*time.Duration(mult)/c.mpot) + 1
			i = -1
			c.sleep(wtxGrace)
			continue
		}
		return pcb, bytes.Clone(inf), nil
	}
	return PCB{}, nil, ErrTimeout
}

// receiveI collects a chain of I-blocks, acknowledging each chained block. A block that
// fails its CRC is requested again with R(CRC error), at most maxRetransmits times; a
// chip that reports a CRC error on the last command block gets that block again.
func (c *Conn) receiveI(ctx context.Context) ([]byte, error) {
	var out []byte
	retransmits := 0
	for {
		pcb, inf, err := c.receiveBlock(ctx)
		if errors.Is(err, ErrBadCRC) && retransmits < maxRetransmits {
			retransmits++
			c.log.Debug("t1: requesting retransmission", "attempt", retransmits, "error", err)
			if err := c.writeBlock(R(c.rcvSeq, RCRCError), nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if pcb.Kind == RBlock && pcb.Err == RCRCError && out == nil && c.lastI != nil {
			if retransmits >= maxRetransmits {
				return nil, badCRC(errors.Wrap(frame.ErrChecksumMismatch, "chip reported CRC error"))
			}
			retransmits++
			c.log.Debug("t1: chip requested retransmission", "attempt", retransmits)
			if err := c.writeRaw(c.lastI); err != nil {
				return nil, err
			}
			continue
		}
		if pcb.Kind != IBlock {
			return nil, errors.Wrapf(ErrUnexpectedBlock, "got %s, want I-block", pcb)
		}
		if pcb.Seq != c.rcvSeq {
			c.log.Warn("t1: unexpected I-block sequence", "seq", pcb.Seq)
		}
		c.rcvSeq = !pcb.Seq
		out = append(out, inf...)
		retransmits = 0
		if !pcb.More {
			return out, nil
		}
		if err := c.writeBlock(R(!pcb.Seq, RNoError), nil); err != nil {
			return nil, err
		}
	}
}

package t1

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCBDecode(t *testing.T) {
	cases := []struct {
		b    byte
		want PCB
	}{
		{0b0000_0000, I(false, false)},
		{0b0110_0000, I(true, true)},
		{0b0100_0000, I(true, false)},
		{0b1000_0000, R(false, RNoError)},
		{0b1001_0001, R(true, RCRCError)},
		{0b1000_0010, R(false, ROtherError)},
		{0xC3, S(WTXRequest)},
		{0xEF, S(InterfaceSoftResetResponse)},
	}
	for _, c := range cases {
		got, err := ParsePCB(c.b)
		require.NoError(t, err, "%02X", c.b)
		assert.Equal(t, c.want, got, "%02X", c.b)
		assert.Equal(t, c.b, got.Byte(), "%02X", c.b)
	}

	for _, b := range []byte{0x83, 0xFF, 0xC4, 0xD0} {
		_, err := ParsePCB(b)
		assert.ErrorIs(t, err, ErrBadPCB, "%02X", b)
	}
}

func TestParseATR(t *testing.T) {
	raw, err := hex.DecodeString("00a000000396" + "04" + "03e800fe" + "02" + "0b" + "03e8" + "08" + "01" + "000000" + "0064" + "0000" + "0a" + "4a434f5034204154504f")
	require.NoError(t, err)

	atr, err := ParseATR(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(0), atr.ProtocolVersion)
	assert.Equal(t, [5]byte{0xA0, 0x00, 0x00, 0x03, 0x96}, atr.VendorID)
	assert.Equal(t, uint16(1000), atr.BWT)
	assert.Equal(t, uint16(0xFE), atr.IFSC)
	assert.Equal(t, byte(2), atr.PLID)
	assert.Equal(t, uint16(1000), atr.MCF)
	assert.Equal(t, byte(0x08), atr.Config)
	assert.Equal(t, byte(1), atr.MPOT)
	assert.Equal(t, uint16(100), atr.SEGT)
	assert.Equal(t, uint16(0), atr.WUT)
	assert.Equal(t, "JCOP4 ATPO", string(atr.Historical))

	for n := 0; n < len(raw); n++ {
		_, err := ParseATR(raw[:n])
		assert.ErrorIs(t, err, ErrBadATR, "truncated to %d", n)
	}
}

// fakeChip answers host blocks through a handler and serves the replies byte-wise.
type fakeChip struct {
	t       *testing.T
	handle  func(pcb PCB, inf []byte) [][]byte
	rx      []byte
	writes  [][]byte
	nacks   int
	readErr error
}

func seBlock(pcb PCB, inf []byte) []byte {
	b := append([]byte{NADSEToHost, pcb.Byte(), byte(len(inf))}, inf...)
	return frame.LittleEndian.Frame(b)
}

func (f *fakeChip) Write(data []byte) error {
	f.writes = append(f.writes, bytes.Clone(data))
	require.GreaterOrEqual(f.t, len(data), headerLen+frame.TrailerLen)
	require.Equal(f.t, byte(NADHostToSE), data[0])
	_, err := frame.LittleEndian.Unframe(data)
	require.NoError(f.t, err)
	pcb, err := ParsePCB(data[1])
	require.NoError(f.t, err)
	inf := data[headerLen : headerLen+int(data[2])]
	for _, b := range f.handle(pcb, inf) {
		f.rx = append(f.rx, b...)
	}
	return nil
}

func (f *fakeChip) Read(buf []byte) error {
	if f.readErr != nil {
		return f.readErr
	}
	if f.nacks > 0 {
		f.nacks--
		return ErrAddressNack
	}
	if len(f.rx) < len(buf) {
		return ErrAddressNack
	}
	copy(buf, f.rx)
	f.rx = f.rx[len(buf):]
	return nil
}

func newTestConn(f *fakeChip) *Conn {
	return NewConn(f, WithSleep(func(time.Duration) {}))
}

func TestTransceiveSingleBlock(t *testing.T) {
	f := &fakeChip{t: t}
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		assert.Equal(t, I(false, false), pcb)
		assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00}, inf)
		return [][]byte{seBlock(I(false, false), []byte{0x90, 0x00})}
	}
	f.nacks = 3
	c := newTestConn(f)

	resp, err := c.Transceive(context.Background(), []byte{0x00, 0xA4, 0x04, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)

	require.Len(t, f.writes, 1)
	w := f.writes[0]
	assert.Equal(t, []byte{0x5A, 0x00, 0x04}, w[:3])
	crc := frame.Checksum(w[:len(w)-2])
	assert.Equal(t, []byte{byte(crc), byte(crc >> 8)}, w[len(w)-2:])
	assert.True(t, c.sndSeq)
	assert.True(t, c.rcvSeq)
}

func TestTransceiveChainedSend(t *testing.T) {
	apdu := make([]byte, 300)
	for i := range apdu {
		apdu[i] = byte(i)
	}
	var got []byte
	f := &fakeChip{t: t}
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		require.Equal(t, IBlock, pcb.Kind)
		got = append(got, inf...)
		if pcb.More {
			assert.Len(t, inf, MaxInfoLen)
			return [][]byte{seBlock(R(!pcb.Seq, RNoError), nil)}
		}
		return [][]byte{seBlock(I(false, false), []byte{0x90, 0x00})}
	}
	c := newTestConn(f)

	resp, err := c.Transceive(context.Background(), apdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)
	assert.Equal(t, apdu, got)
	require.Len(t, f.writes, 2)
	assert.Equal(t, byte(0x20), f.writes[0][1])
	assert.Equal(t, byte(0x40), f.writes[1][1])
}

func TestTransceiveChainedSendRejectedByChip(t *testing.T) {
	f := &fakeChip{t: t}
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		return [][]byte{seBlock(R(!pcb.Seq, RCRCError), nil)}
	}
	c := newTestConn(f)

	_, err := c.Transceive(context.Background(), make([]byte, 400))
	assert.ErrorIs(t, err, ErrBadCRC)
}

func TestTransceiveChainedReceive(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, MaxInfoLen)
	f := &fakeChip{t: t}
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		switch pcb.Kind {
		case IBlock:
			return [][]byte{seBlock(I(false, true), long)}
		case RBlock:
			assert.Equal(t, R(true, RNoError), pcb)
			return [][]byte{seBlock(I(true, false), []byte{0x01, 0x90, 0x00})}
		}
		t.Fatalf("unexpected %s", pcb)
		return nil
	}
	c := newTestConn(f)

	resp, err := c.Transceive(context.Background(), []byte{0x80, 0x02, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Clone(long), 0x01, 0x90, 0x00), resp)
	assert.False(t, c.rcvSeq)
}

func TestTransceiveWaitingTimeExtension(t *testing.T) {
	f := &fakeChip{t: t}
	var wtx []byte
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		switch {
		case pcb.Kind == IBlock:
			return [][]byte{seBlock(S(WTXRequest), []byte{0x05})}
		case pcb.Kind == SBlock && pcb.S == WTXResponse:
			wtx = bytes.Clone(inf)
			return [][]byte{seBlock(I(false, false), []byte{0x90, 0x00})}
		}
		t.Fatalf("unexpected %s", pcb)
		return nil
	}
	c := newTestConn(f)

	resp, err := c.Transceive(context.Background(), []byte{0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)
	assert.Equal(t, []byte{0x05}, wtx)
}

func TestTransceiveErrors(t *testing.T) {
	t.Run("bad crc", func(t *testing.T) {
		f := &fakeChip{t: t}
		f.handle = func(PCB, []byte) [][]byte {
			b := seBlock(I(false, false), []byte{0x90, 0x00})
			b[len(b)-1] ^= 0xFF
			return [][]byte{b}
		}
		_, err := newTestConn(f).Transceive(context.Background(), []byte{0, 0, 0, 0})
		assert.ErrorIs(t, err, ErrBadCRC)
		assert.ErrorIs(t, err, frame.ErrChecksumMismatch)
		assert.Len(t, f.writes, 1+maxRetransmits)
	})

	t.Run("bad nad", func(t *testing.T) {
		f := &fakeChip{t: t}
		f.handle = func(PCB, []byte) [][]byte {
			b := append([]byte{0x5A, 0x00, 0x02}, 0x90, 0x00)
			return [][]byte{frame.LittleEndian.Frame(b)}
		}
		_, err := newTestConn(f).Transceive(context.Background(), []byte{0, 0, 0, 0})
		assert.ErrorIs(t, err, ErrBadAddress)
	})

	t.Run("timeout", func(t *testing.T) {
		f := &fakeChip{t: t, handle: func(PCB, []byte) [][]byte { return nil }}
		_, err := newTestConn(f).Transceive(context.Background(), []byte{0, 0, 0, 0})
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("bus failure", func(t *testing.T) {
		boom := errors.New("bus gone")
		f := &fakeChip{t: t, readErr: boom, handle: func(PCB, []byte) [][]byte { return nil }}
		_, err := newTestConn(f).Transceive(context.Background(), []byte{0, 0, 0, 0})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("unexpected R-block", func(t *testing.T) {
		f := &fakeChip{t: t}
		f.handle = func(PCB, []byte) [][]byte {
			return [][]byte{seBlock(R(false, ROtherError), nil)}
		}
		_, err := newTestConn(f).Transceive(context.Background(), []byte{0, 0, 0, 0})
		assert.ErrorIs(t, err, ErrUnexpectedBlock)
	})

	t.Run("cancelled", func(t *testing.T) {
		f := &fakeChip{t: t, handle: func(PCB, []byte) [][]byte { return nil }}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestConn(f).Transceive(ctx, []byte{0, 0, 0, 0})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCorruptBlockIsRequestedAgain(t *testing.T) {
	f := &fakeChip{t: t}
	corrupted := false
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		b := seBlock(I(false, false), []byte{0x01, 0x90, 0x00})
		switch {
		case pcb.Kind == IBlock && !corrupted:
			corrupted = true
			b[len(b)-2] ^= 0x10
			return [][]byte{b}
		case pcb.Kind == RBlock:
			assert.Equal(t, R(false, RCRCError), pcb)
			return [][]byte{b}
		}
		t.Fatalf("unexpected %s", pcb)
		return nil
	}
	c := newTestConn(f)

	resp, err := c.Transceive(context.Background(), []byte{0x80, 0x02, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x90, 0x00}, resp)
	require.Len(t, f.writes, 2)
	assert.Equal(t, R(false, RCRCError).Byte(), f.writes[1][1])
	assert.True(t, c.rcvSeq)
}

func TestChipCRCErrorResendsBlock(t *testing.T) {
	apdu := make([]byte, 300)
	f := &fakeChip{t: t}
	rejected := 0
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		require.Equal(t, IBlock, pcb.Kind)
		if pcb.More {
			if rejected == 0 {
				rejected++
				return [][]byte{seBlock(R(pcb.Seq, RCRCError), nil)}
			}
			return [][]byte{seBlock(R(!pcb.Seq, RNoError), nil)}
		}
		if rejected == 1 {
			rejected++
			return [][]byte{seBlock(R(pcb.Seq, RCRCError), nil)}
		}
		return [][]byte{seBlock(I(false, false), []byte{0x90, 0x00})}
	}
	c := newTestConn(f)

	resp, err := c.Transceive(context.Background(), apdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)
	require.Len(t, f.writes, 4)
	assert.Equal(t, f.writes[0], f.writes[1], "first chained block sent again")
	assert.Equal(t, f.writes[2], f.writes[3], "last block sent again")
}

func TestWriteRetriesOnAddressNack(t *testing.T) {
	f := &nackingBus{fakeChip: fakeChip{t: t}, writeNacks: 2}
	f.handle = func(PCB, []byte) [][]byte {
		return [][]byte{seBlock(I(false, false), []byte{0x90, 0x00})}
	}
	c := NewConn(f, WithSleep(func(time.Duration) {}), WithRetryCount(3))
	_, err := c.Transceive(context.Background(), []byte{0, 0, 0, 0})
	require.NoError(t, err)

	f2 := &nackingBus{fakeChip: fakeChip{t: t}, writeNacks: 5}
	c = NewConn(f2, WithSleep(func(time.Duration) {}), WithRetryCount(3))
	_, err = c.Transceive(context.Background(), []byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrTimeout)
}

type nackingBus struct {
	fakeChip
	writeNacks int
}

func (n *nackingBus) Write(data []byte) error {
	if n.writeNacks > 0 {
		n.writeNacks--
		return errors.Wrap(ErrAddressNack, "i2c write")
	}
	return n.fakeChip.Write(data)
}

func TestSoftResetAdoptsTimings(t *testing.T) {
	atr, _ := hex.DecodeString("00a000000396040064" + "00fe" + "020b03e80801000000006400000a4a434f5034204154504f")
	f := &fakeChip{t: t}
	f.handle = func(pcb PCB, inf []byte) [][]byte {
		require.Equal(t, S(InterfaceSoftResetRequest), pcb)
		return [][]byte{seBlock(S(InterfaceSoftResetResponse), atr)}
	}
	c := newTestConn(f)
	c.sndSeq, c.rcvSeq = true, true

	got, err := c.SoftReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(100), got.BWT)
	assert.Equal(t, 100*time.Millisecond, c.bwt)
	assert.Equal(t, time.Millisecond, c.mpot)
	assert.Equal(t, 100*time.Microsecond, c.segt)
	assert.False(t, c.sndSeq)
	assert.False(t, c.rcvSeq)
}

func TestSoftResetBadATRFallsBack(t *testing.T) {
	f := &fakeChip{t: t}
	f.handle = func(PCB, []byte) [][]byte {
		return [][]byte{seBlock(S(InterfaceSoftResetResponse), []byte{0x01, 0x02})}
	}
	got, err := newTestConn(f).SoftReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultATR(), got)
}

func TestResync(t *testing.T) {
	f := &fakeChip{t: t}
	f.handle = func(pcb PCB, _ []byte) [][]byte {
		if pcb == S(ResyncRequest) {
			return [][]byte{seBlock(S(ResyncResponse), nil)}
		}
		return [][]byte{seBlock(S(AbortResponse), nil)}
	}
	c := newTestConn(f)
	c.sndSeq = true
	require.NoError(t, c.Resync(context.Background()))
	assert.False(t, c.sndSeq)

	err := c.EndSession(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedBlock)
}

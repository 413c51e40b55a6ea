package simchip_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/barnettlynn/se05x/internal/simchip"
	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/barnettlynn/se05x/pkg/scp03"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys() scp03.StaticKeys {
	return scp03.StaticKeys{
		ENC: bytes.Repeat([]byte{0x01}, 16),
		MAC: bytes.Repeat([]byte{0x02}, 16),
		DEK: bytes.Repeat([]byte{0x03}, 16),
	}
}

func send(t *testing.T, c *simchip.Chip, cmd apdu.Command) apdu.Response {
	t.Helper()
	raw, err := cmd.Bytes()
	require.NoError(t, err)
	out, err := c.Transceive(context.Background(), raw)
	require.NoError(t, err)
	resp, err := apdu.ParseResponse(out)
	require.NoError(t, err)
	return resp
}

func objData(id uint32, extra ...byte) []byte {
	b := apdu.AppendTLV(nil, 0x41, binary.BigEndian.AppendUint32(nil, id))
	return append(b, extra...)
}

func TestPlainCommandsNeedSecureChannel(t *testing.T) {
	c := simchip.New(keys(), simchip.WithCodec(frame.None))
	resp := send(t, c, apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x20, Ne: 11})
	assert.Equal(t, uint16(apdu.SWSecurityNotSatisfied), resp.SW)

	resp = send(t, c, apdu.Command{Cla: 0x00, Ins: 0xA4, P1: 0x04, Data: simchip.AppletAID, Ne: 7})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, simchip.DefaultVersion, resp.Data)

	resp = send(t, c, apdu.Command{Cla: 0x00, Ins: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00}, Ne: 7})
	assert.Equal(t, uint16(apdu.SWFileNotFound), resp.SW)
}

func TestObjectLifecycle(t *testing.T) {
	c := simchip.New(keys(), simchip.WithCodec(frame.None), simchip.WithPlainAccess())
	const id = 0x7FFF0206

	exists := func() byte {
		resp := send(t, c, apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x27, Data: objData(id), Ne: 3})
		require.True(t, resp.IsSuccess())
		v, err := apdu.FindTLV(resp.Data, 0x41)
		require.NoError(t, err)
		return v[0]
	}
	assert.Equal(t, byte(0x02), exists())

	write := objData(id,
		apdu.AppendTLV(apdu.AppendTLV(nil, 0x43, []byte{0x00, 0x08}), 0x44, []byte("abcd"))...)
	resp := send(t, c, apdu.Command{Cla: 0x80, Ins: 0x01, P1: 0x06, Data: write})
	require.True(t, resp.IsSuccess(), "SW=%04X", resp.SW)
	assert.Equal(t, byte(0x01), exists())

	stored, ok := c.Object(id)
	require.True(t, ok)
	assert.Equal(t, []byte{'a', 'b', 'c', 'd', 0, 0, 0, 0}, stored)

	read := objData(id, apdu.AppendTLV(apdu.AppendTLV(nil, 0x42, []byte{0x00, 0x01}), 0x43, []byte{0x00, 0x02})...)
	resp = send(t, c, apdu.Command{Cla: 0x80, Ins: 0x02, Data: read, Ne: 256})
	require.True(t, resp.IsSuccess())
	v, err := apdu.FindTLV(resp.Data, 0x41)
	require.NoError(t, err)
	assert.Equal(t, []byte("bc"), v)

	resp = send(t, c, apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x28, Data: objData(id)})
	require.True(t, resp.IsSuccess())
	assert.Equal(t, byte(0x02), exists())

	resp = send(t, c, apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x28, Data: objData(id)})
	assert.Equal(t, uint16(apdu.SWFileNotFound), resp.SW)
}

func TestRandomAndMemory(t *testing.T) {
	c := simchip.New(keys(), simchip.WithCodec(frame.None), simchip.WithPlainAccess())
	resp := send(t, c, apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x49,
		Data: apdu.AppendTLV(nil, 0x41, []byte{0x00, 0x20}), Ne: 34})
	require.True(t, resp.IsSuccess())
	v, err := apdu.FindTLV(resp.Data, 0x41)
	require.NoError(t, err)
	assert.Len(t, v, 32)

	resp = send(t, c, apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x49,
		Data: apdu.AppendTLV(nil, 0x41, []byte{0x00, 0x20}), Ne: 16})
	assert.Equal(t, uint16(apdu.SWWrongLe|16), resp.SW)

	c.PutObject(1, make([]byte, 0x100))
	resp = send(t, c, apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x22,
		Data: apdu.AppendTLV(nil, 0x41, []byte{0x01}), Ne: 6})
	require.True(t, resp.IsSuccess())
	v, err = apdu.FindTLV(resp.Data, 0x41)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x8000-0x100), binary.BigEndian.Uint16(v))
}

func TestFramedFaultsAndRetransmission(t *testing.T) {
	c := simchip.New(keys())
	req := frame.Frame(append([]byte{0x00, 0xA4, 0x04, 0x00, 0x10}, append(simchip.AppletAID, 0x07)...))

	_, err := c.Transceive(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, frame.ErrTruncated)

	c.InjectFaults(simchip.FaultChecksum)
	bad, err := c.Transceive(context.Background(), req)
	require.NoError(t, err)
	_, err = frame.Unframe(bad)
	assert.ErrorIs(t, err, frame.ErrChecksumMismatch)

	good, err := c.Transceive(context.Background(), req)
	require.NoError(t, err)
	payload, err := frame.Unframe(good)
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Clone(simchip.DefaultVersion), 0x90, 0x00), payload)
	assert.Equal(t, 3, c.Exchanges())

	require.NoError(t, c.Close())
	_, err = c.Transceive(context.Background(), req)
	assert.ErrorIs(t, err, simchip.ErrClosed)
}

func TestSessionVisibleOnChip(t *testing.T) {
	c := simchip.New(keys(), simchip.WithCodec(frame.None))
	assert.False(t, c.SessionOpen())

	s, err := scp03.Open(context.Background(), keys(), c, nil)
	require.NoError(t, err)
	assert.True(t, c.SessionOpen())
	assert.Equal(t, uint64(0), c.Counter())

	_, err = s.Exchange(context.Background(), apdu.Command{Cla: 0x80, Ins: 0x04, P2: 0x20, Ne: 11})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Counter())
}

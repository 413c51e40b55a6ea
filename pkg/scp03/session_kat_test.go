package scp03

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/barnettlynn/se05x/pkg/apdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLink checks each outgoing command against an expected value and replays a reply.
type scriptedLink struct {
	t     *testing.T
	steps []scriptStep
	calls int
}

type scriptStep struct {
	want  []byte
	reply []byte
	err   error
}

func (l *scriptedLink) Transceive(_ context.Context, cmd []byte) ([]byte, error) {
	l.t.Helper()
	require.Less(l.t, l.calls, len(l.steps), "unexpected exchange %X", cmd)
	st := l.steps[l.calls]
	l.calls++
	if st.want != nil {
		assert.Equal(l.t, st.want, cmd, "exchange %d", l.calls)
	}
	return st.reply, st.err
}

func testKeys(t *testing.T) StaticKeys {
	return StaticKeys{
		ENC: unhex(t, "404142434445464748494A4B4C4D4E4F"),
		MAC: unhex(t, "505152535455565758595A5B5C5D5E5F"),
		DEK: unhex(t, "606162636465666768696A6B6C6D6E6F"),
	}
}

func initUpdateReply(t *testing.T, cardCryptogram string) []byte {
	return unhex(t, "00010203040506070809"+"0B0360"+"1011121314151617"+cardCryptogram+"9000")
}

func handshakeSteps(t *testing.T) []scriptStep {
	return []scriptStep{
		{want: unhex(t, "80500B0008000102030405060700"), reply: initUpdateReply(t, "78ED11974A61E800")},
		{want: unhex(t, "84823300103FBAB21396A3C9E9ED3708BCCECED968"), reply: unhex(t, "9000")},
	}
}

func hostChallenge() *bytes.Reader {
	return bytes.NewReader([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
}

func TestSessionKnownAnswer(t *testing.T) {
	link := &scriptedLink{t: t, steps: append(handshakeSteps(t),
		scriptStep{
			want:  unhex(t, "84040020086BE2D211C6F12BF000"),
			reply: unhex(t, "C1CFC053825F35D561F2B5380189B40CDC4039AF7EADB2C99000"),
		},
		scriptStep{
			want:  unhex(t, "84040027182ACD6F0F580976F4C92DA32E9C674C5F7E76AC6EAEB71B6F00"),
			reply: unhex(t, "6A82"),
		},
	)}

	s, err := Open(context.Background(), testKeys(t), link, hostChallenge())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, uint64(0), s.Counter())

	resp, err := s.Exchange(context.Background(), cmdGetVersion())
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "0701003FFF0100"), resp.Data)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, uint64(1), s.Counter())

	resp, err = s.Exchange(context.Background(), cmdExists(t))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x6A82), resp.SW)
	assert.Empty(t, resp.Data)
	assert.Equal(t, uint64(2), s.Counter())
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, 4, link.calls)
}

func TestCardCryptogramMismatchStaysClosed(t *testing.T) {
	link := &scriptedLink{t: t, steps: []scriptStep{
		{reply: initUpdateReply(t, "78ED11974A61E801")},
	}}
	s := NewSession(link)
	err := s.Authenticate(context.Background(), testKeys(t), hostChallenge())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
	step, _, _, ok := ClassifyAuthError(err)
	require.True(t, ok)
	assert.Equal(t, StepCardCryptogram, step)
	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.open)
	assert.Equal(t, 1, link.calls)
}

func TestHostCryptogramRejectedBreaks(t *testing.T) {
	steps := handshakeSteps(t)
	steps[1].reply = unhex(t, "6982")
	link := &scriptedLink{t: t, steps: steps}
	s := NewSession(link)

	err := s.Authenticate(context.Background(), testKeys(t), hostChallenge())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
	_, sw, _, _ := ClassifyAuthError(err)
	assert.Equal(t, uint16(0x6982), sw)
	assert.Equal(t, StateBroken, s.State())

	err = s.Authenticate(context.Background(), testKeys(t), hostChallenge())
	assert.ErrorIs(t, err, ErrSessionBroken)
	_, err = s.Exchange(context.Background(), cmdGetVersion())
	assert.ErrorIs(t, err, ErrSessionBroken)
	assert.Equal(t, 2, link.calls)
}

func TestInitializeUpdateErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
		err   error
	}{
		{"status", unhex(t, "6A88"), nil},
		{"short", unhex(t, "00010203049000"), nil},
		{"wrong scp", unhex(t, "00010203040506070809"+"0B0260"+"1011121314151617"+"78ED11974A61E800"+"9000"), nil},
		{"wrong kvn", unhex(t, "00010203040506070809"+"0C0360"+"1011121314151617"+"78ED11974A61E800"+"9000"), nil},
		{"no r-mac", unhex(t, "00010203040506070809"+"0B0300"+"1011121314151617"+"78ED11974A61E800"+"9000"), nil},
		{"transport", nil, errors.New("link down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &scriptedLink{t: t, steps: []scriptStep{{reply: tt.reply, err: tt.err}}}
			s := NewSession(link)
			err := s.Authenticate(context.Background(), testKeys(t), hostChallenge())
			require.Error(t, err)
			step, _, _, ok := ClassifyAuthError(err)
			require.True(t, ok)
			assert.Equal(t, StepInitializeUpdate, step)
			assert.Equal(t, StateClosed, s.State())
		})
	}
}

func TestExchangeRequiresOpen(t *testing.T) {
	s := NewSession(&scriptedLink{t: t})
	_, err := s.Exchange(context.Background(), cmdGetVersion())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.WrapKey(make([]byte, 16))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestWrapKey(t *testing.T) {
	link := &scriptedLink{t: t, steps: handshakeSteps(t)}
	s, err := Open(context.Background(), testKeys(t), link, hostChallenge())
	require.NoError(t, err)

	wrapped, err := s.WrapKey(unhex(t, "A0A1A2A3A4A5A6A7A8A9AAABACADAEAF"))
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "C9B0C57E3345143E7DFE23996652C460"), wrapped)

	_, err = s.WrapKey(make([]byte, 15))
	assert.Error(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.open)
	_, err = s.WrapKey(make([]byte, 16))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestMaxCommandPayload(t *testing.T) {
	assert.Equal(t, 239, NewSession(nil).MaxCommandPayload())
	assert.Equal(t, 247, NewSession(nil, WithSecurityLevel(CMAC|RMAC)).MaxCommandPayload())
}

func TestProtectedNe(t *testing.T) {
	s := NewSession(nil)
	assert.Equal(t, 0, s.protectedNe(0))
	assert.Equal(t, 256, s.protectedNe(7))
	assert.Equal(t, 256, s.protectedNe(232))
	assert.Equal(t, 65536, s.protectedNe(240))
}

func TestStaticKeysValidate(t *testing.T) {
	assert.NoError(t, testKeys(t).Validate())
	keys := testKeys(t)
	keys.DEK = keys.DEK[:8]
	assert.Error(t, keys.Validate())
	assert.Error(t, StaticKeys{}.Validate())
}

func cmdGetVersion() apdu.Command {
	return apdu.Command{Cla: 0x80, Ins: 0x04, P1: 0x00, P2: 0x20, Ne: 7}
}

func cmdExists(t *testing.T) apdu.Command {
	return apdu.Command{Cla: 0x80, Ins: 0x04, P1: 0x00, P2: 0x27, Data: unhex(t, "41047FFF0206"), Ne: 3}
}

package gocbx

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{
		Magic:      MagicReq,
		Opcode:     OpSet,
		KeyLen:     5,
		ExtrasLen:  8,
		StatusOrVB: 7,
		Opaque:     42,
		CAS:        99,
		Extras:     []byte{0, 0, 0, 0, 0, 0, 0, 0},
		Key:        []byte("hello"),
		Value:      []byte("world"),
	}
	buf := Encode(nil, p)

	got, consumed, err := Decode(buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)

	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("decoded packet mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeNeedsMoreOnShortHeader(t *testing.T) {
	buf := Encode(nil, &Packet{Magic: MagicReq, Opcode: OpGet, Key: []byte("k")})
	pkt, consumed, err := Decode(buf[:headerSize-1], DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Zero(t, consumed)
}

func TestDecodeNeedsMoreOnShortBody(t *testing.T) {
	buf := Encode(nil, &Packet{Magic: MagicReq, Opcode: OpGet, Key: []byte("a-fairly-long-key")})
	pkt, consumed, err := Decode(buf[:headerSize+2], DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Zero(t, consumed)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(nil, &Packet{Magic: MagicReq, Opcode: OpGet})
	buf[0] = 0xFF
	_, _, err := Decode(buf, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	buf := Encode(nil, &Packet{Magic: MagicReq, Opcode: OpSet, Value: make([]byte, 1024)})
	_, _, err := Decode(buf, 64)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsInconsistentLengths(t *testing.T) {
	buf := Encode(nil, &Packet{Magic: MagicReq, Opcode: OpGet, Key: []byte("k")})
	// KeyLen field claims a key longer than the body actually carries.
	buf[2] = 0x00
	buf[3] = 0x0A
	_, _, err := Decode(buf, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDecodeDoesNotConsumePartialInput(t *testing.T) {
	full := Encode(nil, &Packet{Magic: MagicReq, Opcode: OpSet, Key: []byte("k"), Value: []byte("value")})
	partial := full[:len(full)-3]

	pkt, consumed, err := Decode(partial, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Zero(t, consumed)

	// Feeding the rest should now decode the whole thing from the start.
	pkt, consumed, err = Decode(full, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	require.Equal(t, len(full), consumed)
}

package masp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	pkt := NewPacket(VideoData, 42, []byte("hello"))
	parsed, err := ParsePacket(pkt.Serialize())
	require.NoError(t, err)
	assert.Equal(t, pkt.Version, parsed.Version)
	assert.Equal(t, pkt.Type, parsed.Type)
	assert.Equal(t, pkt.Sequence, parsed.Sequence)
	assert.Equal(t, pkt.Payload, parsed.Payload)
}

func TestParsePacketMatchesConstructedPacket(t *testing.T) {
	want := NewPacket(HandshakeRequest, 7, []byte{1, 2, 3})
	got, err := ParsePacket(want.Serialize())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parsed packet differs from constructed packet (-want +got):\n%s", diff)
	}
}

func TestParsePacketRejectsShortBuffer(t *testing.T) {
	_, err := ParsePacket([]byte{'M', 'A', 'S'})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestParsePacketRejectsBadMagic(t *testing.T) {
	buf := NewPacket(TextData, 1, nil).Serialize()
	buf[0] = 'X'
	_, err := ParsePacket(buf)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestParsePacketRejectsUnknownVersion(t *testing.T) {
	buf := NewPacket(TextData, 1, nil).Serialize()
	buf[4] = 99
	_, err := ParsePacket(buf)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestParsePacketRejectsUnknownType(t *testing.T) {
	buf := NewPacket(TextData, 1, nil).Serialize()
	buf[5] = 0xFF
	_, err := ParsePacket(buf)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestIsDataType(t *testing.T) {
	assert.True(t, VideoData.isDataType())
	assert.True(t, HandshakeRequest.isDataType())
	assert.False(t, Ack.isDataType())
	assert.False(t, RetransmitRequest.isDataType())
}

func TestEncodeDecodeSequence(t *testing.T) {
	seq, err := decodeSequence(encodeSequence(123456))
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), seq)
}

func TestDecodeSequenceRejectsShortPayload(t *testing.T) {
	_, err := decodeSequence([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		tag     Tag
		payload []byte
	}{
		{"update empty", CUpdate, nil},
		{"update small", CUpdate, []byte("hello")},
		{"update large", SUpdate, bytes.Repeat([]byte{0xAB}, 10*1024)},
		{"awareness", CAwareness, []byte{1, 2, 3}},
		{"version vector", CVersionVector, []byte{}},
		{"catchup", SCatchup, []byte("delta")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			framed := EncodeNew(tc.tag, tc.payload)
			msg, err := Decode(framed)
			require.NoError(t, err)
			assert.Equal(t, tc.tag, msg.Tag)
			if len(tc.payload) == 0 {
				assert.Empty(t, msg.Payload)
			} else {
				assert.Equal(t, tc.payload, msg.Payload)
			}
		})
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestDecodeKnownRejectsUnknownTag(t *testing.T) {
	framed := EncodeNew(Tag(0x7F), []byte("x"))
	_, err := DecodeKnown(framed)
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestIsServerTag(t *testing.T) {
	assert.False(t, IsServerTag(CUpdate))
	assert.False(t, IsServerTag(CAwareness))
	assert.False(t, IsServerTag(CVersionVector))
	assert.True(t, IsServerTag(SUpdate))
	assert.True(t, IsServerTag(SAwareness))
	assert.True(t, IsServerTag(SCatchup))
	assert.True(t, IsServerTag(SPeerID))
}

func TestPeerIDRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 42, ^uint64(0), 0x0102030405060708}
	for _, peer := range cases {
		framed := EncodePeerID(peer)
		msg, err := Decode(framed)
		require.NoError(t, err)
		require.Equal(t, SPeerID, msg.Tag)

		got, err := DecodePeerID(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, peer, got)
	}
}

func TestDecodePeerIDWrongLength(t *testing.T) {
	_, err := DecodePeerID([]byte{1, 2, 3})
	assert.Error(t, err)
}

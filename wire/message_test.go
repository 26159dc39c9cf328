// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestSerializeMessageLayout checks the exact byte layout produced for a
// known message.
func TestSerializeMessageLayout(t *testing.T) {
	t.Parallel()

	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	got, err := SerializeMessage(MainNet, CmdPing, payload)
	require.NoError(t, err)
	require.Len(t, got, MessageHeaderSize+len(payload))

	require.Equal(t, uint32(MainNet), binary.LittleEndian.Uint32(got[0:4]))
	require.Equal(t, []byte("ping\x00\x00\x00\x00\x00\x00\x00\x00"), got[4:16])
	require.Equal(t, uint32(len(payload)), binary.LittleEndian.Uint32(got[16:20]))
	require.Equal(t, chainhash.DoubleHashB(payload)[:4], got[20:24],
		"header:\n%s", spew.Sdump(got[:MessageHeaderSize]))
	require.Equal(t, payload, got[MessageHeaderSize:])
}

// TestSerializeMessageRoundTrip ensures that any payload survives being
// serialized and framed, and that the transmitted checksum matches the one
// recomputed over the received payload.
func TestSerializeMessageRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")
		command := rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "command")

		raw, err := SerializeMessage(RegTest, command, payload)
		require.NoError(t, err)

		f := NewFramer(RegTest, 0)
		n, err := f.Feed(raw)
		require.NoError(t, err)
		require.Equal(t, len(raw), n)
		require.True(t, f.Complete())

		msg := f.Message()
		require.Equal(t, command, msg.Command())
		require.True(t, bytes.Equal(payload, msg.Payload))
		require.Equal(t, Checksum(msg.Payload), msg.Header.Checksum)
		require.NoError(t, msg.Validate())
		require.Equal(t, len(raw), msg.SerializeSize())
	})
}

// TestSerializeMessageErrors performs negative tests against SerializeMessage.
func TestSerializeMessageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
		payload []byte
	}{
		{"command too long", "thirteenchars", nil},
		{"non-printable command", "pi\x01g", nil},
		{"payload too large", "blob", make([]byte, MaxMessagePayload+1)},
	}

	for _, test := range tests {
		_, err := SerializeMessage(MainNet, test.command, test.payload)
		require.Error(t, err, test.name)
		require.True(t, errors.Is(err, ErrMalformed), test.name)
	}
}

// TestValidateChecksum ensures a corrupted payload is detected by Validate
// while the framer itself still delivers the message.
func TestValidateChecksum(t *testing.T) {
	t.Parallel()

	raw, err := SerializeMessage(MainNet, "blob", []byte("payload"))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	f := NewFramer(MainNet, 0)
	_, err = f.Feed(raw)
	require.NoError(t, err)
	msg := f.Message()
	require.NotNil(t, msg)

	err = msg.Validate()
	require.ErrorIs(t, err, ErrMalformed)
}

// TestCursor exercises the bounds checks of the cursor.
func TestCursor(t *testing.T) {
	t.Parallel()

	c := NewCursor([]byte{0x01, 0x02, 0x03})
	v, err := c.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0201), v)
	require.Equal(t, 1, c.Len())

	_, err = c.ReadUint32()
	require.ErrorIs(t, err, ErrMalformed)
	require.Equal(t, 2, c.Offset(), "failed read must not advance")

	_, err = c.ReadBytes(-1)
	require.ErrorIs(t, err, ErrMalformed)
}

// TestVarInt tests encoding and canonical decoding of variable length
// integers.
func TestVarInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		val uint64
		buf []byte
	}{
		{0, []byte{0x00}},
		{0xfc, []byte{0xfc}},
		{0xfd, []byte{0xfd, 0xfd, 0x00}},
		{0xffff, []byte{0xfd, 0xff, 0xff}},
		{0x10000, []byte{0xfe, 0x00, 0x00, 0x01, 0x00}},
		{0x100000000, []byte{0xff, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}},
	}

	for i, test := range tests {
		var buf bytes.Buffer
		require.NoError(t, WriteVarInt(&buf, test.val), "test #%d", i)
		require.Equal(t, test.buf, buf.Bytes(), "test #%d", i)

		got, err := NewCursor(test.buf).ReadVarInt()
		require.NoError(t, err, "test #%d", i)
		require.Equal(t, test.val, got, "test #%d", i)
	}

	// 0xfc encoded with a three byte form is not canonical.
	_, err := NewCursor([]byte{0xfd, 0xfc, 0x00}).ReadVarInt()
	require.ErrorIs(t, err, ErrMalformed)
}

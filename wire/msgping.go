// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
)

// pingPayloadSize is the size of a ping or pong payload.
const pingPayloadSize = 8

// MsgPing represents a ping message.
//
// It is used to confirm that a connection is still valid and to measure the
// round trip time to the remote peer.  The payload consists of a nonce which
// the remote peer echoes back in a pong message (MsgPong).
type MsgPing struct {
	// Unique value associated with message that is used to identify
	// specific ping message.
	Nonce uint64
}

// Command returns the protocol command string for the message.
func (msg *MsgPing) Command() string {
	return CmdPing
}

// Payload returns the encoded payload of the message.
func (msg *MsgPing) Payload() []byte {
	return encodeNonce(msg.Nonce)
}

// Serialize returns the complete framed message for the given network.
func (msg *MsgPing) Serialize(magic NetMagic) ([]byte, error) {
	return SerializeMessage(magic, CmdPing, msg.Payload())
}

// DecodePing decodes the payload of a ping message.
func DecodePing(payload []byte) (*MsgPing, error) {
	nonce, err := decodeNonce("DecodePing", payload)
	if err != nil {
		return nil, err
	}
	return &MsgPing{Nonce: nonce}, nil
}

// NewMsgPing returns a new ping message.  See MsgPing for details.
func NewMsgPing(nonce uint64) *MsgPing {
	return &MsgPing{
		Nonce: nonce,
	}
}

func encodeNonce(nonce uint64) []byte {
	b := make([]byte, pingPayloadSize)
	binary.LittleEndian.PutUint64(b, nonce)
	return b
}

func decodeNonce(f string, payload []byte) (uint64, error) {
	if len(payload) != pingPayloadSize {
		str := fmt.Sprintf("payload is %d bytes, want %d", len(payload),
			pingPayloadSize)
		return 0, messageError(f, str)
	}
	return NewCursor(payload).ReadUint64()
}

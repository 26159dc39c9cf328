// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

// MsgPong represents a pong message which is used primarily to confirm that a
// connection is still valid in response to a ping message (MsgPing).
type MsgPong struct {
	// Unique value associated with message that is used to identify
	// specific ping message.
	Nonce uint64
}

// Command returns the protocol command string for the message.
func (msg *MsgPong) Command() string {
	return CmdPong
}

// Payload returns the encoded payload of the message.
func (msg *MsgPong) Payload() []byte {
	return encodeNonce(msg.Nonce)
}

// Serialize returns the complete framed message for the given network.
func (msg *MsgPong) Serialize(magic NetMagic) ([]byte, error) {
	return SerializeMessage(magic, CmdPong, msg.Payload())
}

// DecodePong decodes the payload of a pong message.
func DecodePong(payload []byte) (*MsgPong, error) {
	nonce, err := decodeNonce("DecodePong", payload)
	if err != nil {
		return nil, err
	}
	return &MsgPong{Nonce: nonce}, nil
}

// NewMsgPong returns a new pong message.  See MsgPong for details.
func NewMsgPong(nonce uint64) *MsgPong {
	return &MsgPong{
		Nonce: nonce,
	}
}

// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MessageHeaderSize is the number of bytes in a message header.
// Network (magic) 4 bytes + command 12 bytes + payload length 4 bytes +
// checksum 4 bytes.
const MessageHeaderSize = 24

// CommandSize is the fixed size of all commands in the common message
// header.  Shorter commands must be zero padded.
const CommandSize = 12

// ChecksumSize is the number of leading double-SHA256 bytes carried in the
// header.
const ChecksumSize = 4

// MaxMessagePayload is the maximum bytes a message can be regardless of other
// individual limits imposed by messages themselves.
const MaxMessagePayload = (1024 * 1024 * 2) // 2MB

// Commands the transport itself understands.  Every other command is opaque
// to this package and handed to the message processor as raw payload.
const (
	CmdPing = "ping"
	CmdPong = "pong"
)

// MessageHeader defines the header structure for all protocol messages.
type MessageHeader struct {
	Magic    NetMagic           // 4 bytes
	Command  string             // 12 bytes
	Length   uint32             // 4 bytes
	Checksum [ChecksumSize]byte // 4 bytes
}

// Checksum returns the first four bytes of the double-SHA256 of payload.
func Checksum(payload []byte) [ChecksumSize]byte {
	var sum [ChecksumSize]byte
	copy(sum[:], chainhash.DoubleHashB(payload)[0:ChecksumSize])
	return sum
}

// encodeCommand returns the NUL padded wire form of command.
func encodeCommand(command string) ([CommandSize]byte, error) {
	var cmd [CommandSize]byte
	if len(command) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]",
			command, CommandSize)
		return cmd, messageError("SerializeMessage", str)
	}
	for i := 0; i < len(command); i++ {
		if command[i] < 0x20 || command[i] > 0x7e {
			str := fmt.Sprintf("command %q contains non-printable "+
				"byte at offset %d", command, i)
			return cmd, messageError("SerializeMessage", str)
		}
	}
	copy(cmd[:], command)
	return cmd, nil
}

// SerializeMessage returns the wire representation of a message: magic,
// NUL padded command, payload length, payload checksum and the payload
// itself, in that order.
func SerializeMessage(magic NetMagic, command string, payload []byte) ([]byte, error) {
	cmd, err := encodeCommand(command)
	if err != nil {
		return nil, err
	}

	lenp := len(payload)
	if lenp > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded "+
			"%d bytes, but maximum message payload is %d bytes",
			lenp, MaxMessagePayload)
		return nil, messageError("SerializeMessage", str)
	}

	buf := make([]byte, MessageHeaderSize+lenp)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(magic))
	copy(buf[4:4+CommandSize], cmd[:])
	binary.LittleEndian.PutUint32(buf[16:20], uint32(lenp))
	sum := Checksum(payload)
	copy(buf[20:24], sum[:])
	copy(buf[MessageHeaderSize:], payload)

	return buf, nil
}

// decodeHeader parses a complete header.  The command is returned with its
// NUL padding stripped.
func decodeHeader(b []byte) (*MessageHeader, error) {
	c := NewCursor(b)

	magic, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}
	command, err := c.ReadBytes(CommandSize)
	if err != nil {
		return nil, err
	}
	length, err := c.ReadUint32()
	if err != nil {
		return nil, err
	}

	hdr := MessageHeader{
		Magic:   NetMagic(magic),
		Command: string(bytes.TrimRight(command, "\x00")),
		Length:  length,
	}
	if err := c.ReadInto(hdr.Checksum[:]); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// validCommand reports whether the raw command is printable ASCII followed
// only by NUL padding.
func validCommand(raw string) bool {
	for i := 0; i < len(raw); i++ {
		if raw[i] < 0x20 || raw[i] > 0x7e {
			return false
		}
	}
	return true
}

// FramedMessage is one complete message as delivered by a Framer.  The
// payload length always equals Header.Length.
type FramedMessage struct {
	Header     MessageHeader
	Payload    []byte
	ReceivedAt time.Time
}

// Command returns the message command with padding removed.
func (m *FramedMessage) Command() string {
	return m.Header.Command
}

// SerializeSize returns the number of bytes the message occupied on the wire.
func (m *FramedMessage) SerializeSize() int {
	return MessageHeaderSize + len(m.Payload)
}

// Validate checks the parts of the message the framer does not:
// the command must be printable and the payload must match the transmitted
// checksum.
func (m *FramedMessage) Validate() error {
	if !validCommand(m.Header.Command) {
		str := fmt.Sprintf("invalid command %v", []byte(m.Header.Command))
		return messageError("Validate", str)
	}
	sum := Checksum(m.Payload)
	if sum != m.Header.Checksum {
		str := fmt.Sprintf("payload checksum failed - header "+
			"indicates %x, but actual checksum is %x",
			m.Header.Checksum, sum)
		return messageError("Validate", str)
	}
	return nil
}

// VerifyChecksum reports whether the payload matches the transmitted
// checksum.
func (m *FramedMessage) VerifyChecksum() bool {
	return Checksum(m.Payload) == m.Header.Checksum
}

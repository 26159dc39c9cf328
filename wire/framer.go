// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
)

// maxPayloadChunk is the most a payload buffer grows past the bytes that are
// actually available in a single resize.
const maxPayloadChunk = 256 * 1024

// Allocator returns an empty payload buffer with at least the given
// capacity.  It lets callers draw buffers from a pool or account for them.
type Allocator func(capacity int) []byte

func defaultAlloc(capacity int) []byte {
	return make([]byte, 0, capacity)
}

// Framer turns an arbitrarily fragmented byte stream into complete
// FramedMessages.  It holds at most one partially assembled message.
//
// The framer only accounts bytes and enforces the size limit.  Checksum and
// command validation are left to FramedMessage.Validate.
//
// A Framer is not safe for concurrent access.
type Framer struct {
	magic      NetMagic
	maxPayload uint32

	hdrBuf [MessageHeaderSize]byte
	hdrPos int
	hdr    *MessageHeader

	payload  []byte
	complete bool

	alloc Allocator
}

// NewFramer returns a framer that accepts messages for the given network
// whose declared payload does not exceed maxPayload.  A zero maxPayload
// selects MaxMessagePayload.
func NewFramer(magic NetMagic, maxPayload uint32) *Framer {
	if maxPayload == 0 || maxPayload > MaxMessagePayload {
		maxPayload = MaxMessagePayload
	}
	return &Framer{
		magic:      magic,
		maxPayload: maxPayload,
		alloc:      defaultAlloc,
	}
}

// SetAllocator replaces the function payload buffers are allocated with.
// A nil alloc restores the default.
func (f *Framer) SetAllocator(alloc Allocator) {
	if alloc == nil {
		alloc = defaultAlloc
	}
	f.alloc = alloc
}

// InPayload returns true once the header of the current message has been
// parsed.
func (f *Framer) InPayload() bool {
	return f.hdr != nil
}

// Complete returns whether the payload collected so far equals the declared
// length.
func (f *Framer) Complete() bool {
	return f.complete
}

// Buffered returns the number of bytes of the current message held by the
// framer.
func (f *Framer) Buffered() int {
	if f.hdr == nil {
		return f.hdrPos
	}
	return MessageHeaderSize + len(f.payload)
}

// FeedHeader accumulates header bytes from b and returns how many it
// consumed.  Once all MessageHeaderSize bytes are present the header is
// parsed and the declared length is checked against the maximum before any
// buffer sized by it exists.
func (f *Framer) FeedHeader(b []byte) (int, error) {
	if f.hdr != nil {
		return 0, nil
	}

	n := copy(f.hdrBuf[f.hdrPos:], b)
	f.hdrPos += n
	if f.hdrPos < MessageHeaderSize {
		return n, nil
	}

	hdr, err := decodeHeader(f.hdrBuf[:])
	if err != nil {
		return n, err
	}

	if hdr.Length > f.maxPayload {
		str := fmt.Sprintf("message payload is too large - header "+
			"indicates %d bytes, but max message payload is %d "+
			"bytes.", hdr.Length, f.maxPayload)
		return n, messageError("FeedHeader", str)
	}

	if hdr.Magic != f.magic {
		str := fmt.Sprintf("message from other network [%v]", hdr.Magic)
		return n, messageError("FeedHeader", str)
	}

	f.hdr = hdr
	if hdr.Length == 0 {
		f.payload = []byte{}
		f.complete = true
	}
	return n, nil
}

// FeedPayload copies as much of b as the current message still needs into
// the payload buffer and returns the number of bytes consumed.  The buffer
// grows to at most the bytes needed plus maxPayloadChunk per resize and never
// beyond the declared length.
func (f *Framer) FeedPayload(b []byte) int {
	if f.hdr == nil || f.complete {
		return 0
	}

	declared := int(f.hdr.Length)
	have := len(f.payload)
	n := declared - have
	if n > len(b) {
		n = len(b)
	}

	if have+n > cap(f.payload) {
		newCap := have + n + maxPayloadChunk
		if newCap > declared {
			newCap = declared
		}
		grown := f.alloc(newCap)
		grown = append(grown, f.payload...)
		f.payload = grown
	}

	f.payload = append(f.payload, b[:n]...)
	if len(f.payload) == declared {
		f.complete = true
	}
	return n
}

// Feed dispatches b to FeedHeader or FeedPayload depending on the current
// state and returns the number of bytes consumed.  It stops at the end of the
// current message so the caller can collect it with Message before feeding
// the remainder.
func (f *Framer) Feed(b []byte) (int, error) {
	if f.complete {
		return 0, nil
	}

	var consumed int
	if f.hdr == nil {
		n, err := f.FeedHeader(b)
		consumed += n
		if err != nil || f.hdr == nil || f.complete {
			return consumed, err
		}
		b = b[n:]
	}
	return consumed + f.FeedPayload(b), nil
}

// Message returns the completed message and resets the framer for the next
// one.  It returns nil when no message is complete.
func (f *Framer) Message() *FramedMessage {
	if !f.complete {
		return nil
	}

	msg := &FramedMessage{
		Header:  *f.hdr,
		Payload: f.payload,
	}
	f.Reset()
	return msg
}

// Reset discards any partially assembled message.
func (f *Framer) Reset() {
	f.hdrPos = 0
	f.hdr = nil
	f.payload = nil
	f.complete = false
}

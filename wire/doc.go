// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package wire implements the message framing of the peer-to-peer protocol.

Every message on the wire is a fixed 24 byte header followed by a payload:

	magic     4 bytes, little endian network identifier
	command  12 bytes, ASCII, NUL padded
	length    4 bytes, little endian payload length
	checksum  4 bytes, first four bytes of double-SHA256(payload)

This package does not interpret payloads.  It provides a Framer that turns a
fragmented byte stream into complete FramedMessages, SerializeMessage for the
reverse direction, and a bounds-checked Cursor used by every decoder in the
module.

Framer

A Framer is fed whatever bytes a socket read produced.  It consumes header
bytes until the header is complete, checks the declared payload length
against the configured maximum, and only then begins collecting payload.  The
payload buffer grows in bounded steps as bytes actually arrive, so a peer that
declares a large message and then stalls pins at most what it sent plus one
growth step.

Errors

Framing and decoding failures are returned as *MessageError, which unwraps to
ErrMalformed.  They are always fatal to the connection that produced them.
*/
package wire

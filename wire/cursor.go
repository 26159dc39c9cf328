// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Cursor is a bounds-checked little-endian decoder over a byte slice.  Every
// read either returns the requested value or a *MessageError describing the
// short read; it never indexes past the end of the underlying buffer.
//
// The zero value is an empty cursor.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor positioned at the start of b.  The cursor does
// not copy b.
func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int {
	return len(c.buf) - c.off
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int {
	return c.off
}

// ReadBytes returns the next n bytes.  The returned slice aliases the
// underlying buffer.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > c.Len() {
		str := fmt.Sprintf("need %d bytes at offset %d, have %d", n,
			c.off, c.Len())
		return nil, messageError("Cursor.ReadBytes", str)
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// ReadInto fills dst from the cursor.
func (c *Cursor) ReadInto(dst []byte) error {
	b, err := c.ReadBytes(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// ReadUint8 reads a single byte.
func (c *Cursor) ReadUint8() (uint8, error) {
	b, err := c.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (c *Cursor) ReadUint16() (uint16, error) {
	b, err := c.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (c *Cursor) ReadUint32() (uint32, error) {
	b, err := c.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian uint64.
func (c *Cursor) ReadUint64() (uint64, error) {
	b, err := c.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt32 reads a little-endian int32.
func (c *Cursor) ReadInt32() (int32, error) {
	v, err := c.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads a little-endian int64.
func (c *Cursor) ReadInt64() (int64, error) {
	v, err := c.ReadUint64()
	return int64(v), err
}

// ReadVarInt reads a variable length integer encoded the same way as the
// message count prefixes of the protocol.  Non-canonical encodings are
// rejected.
func (c *Cursor) ReadVarInt() (uint64, error) {
	discriminant, err := c.ReadUint8()
	if err != nil {
		return 0, err
	}

	var rv, min uint64
	switch discriminant {
	case 0xff:
		rv, err = c.ReadUint64()
		min = 0x100000000
	case 0xfe:
		var v uint32
		v, err = c.ReadUint32()
		rv, min = uint64(v), 0x10000
	case 0xfd:
		var v uint16
		v, err = c.ReadUint16()
		rv, min = uint64(v), 0xfd
	default:
		return uint64(discriminant), nil
	}
	if err != nil {
		return 0, err
	}
	if rv < min {
		str := fmt.Sprintf("non-canonical varint %x - discriminant "+
			"%x must encode a value greater than %x", rv,
			discriminant, min)
		return 0, messageError("Cursor.ReadVarInt", str)
	}
	return rv, nil
}

// WriteVarInt serializes val to w using a variable number of bytes depending
// on its value.
func WriteVarInt(w io.Writer, val uint64) error {
	var buf [9]byte
	var n int
	switch {
	case val < 0xfd:
		buf[0] = uint8(val)
		n = 1
	case val <= math.MaxUint16:
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(val))
		n = 3
	case val <= math.MaxUint32:
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(val))
		n = 5
	default:
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], val)
		n = 9
	}
	_, err := w.Write(buf[:n])
	return err
}

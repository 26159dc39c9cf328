// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

// TestPingPong tests the ping and pong payload encoding.
func TestPingPong(t *testing.T) {
	tests := []struct {
		nonce uint64
		buf   []byte
	}{
		{0, []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{123123, []byte{0xf3, 0xe0, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{0xffffffffffffffff, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		ping := NewMsgPing(test.nonce)
		if ping.Command() != CmdPing {
			t.Errorf("Command #%d got: %s want: %s", i, ping.Command(),
				CmdPing)
		}
		if !bytes.Equal(ping.Payload(), test.buf) {
			t.Errorf("Payload #%d\n got: %s want: %s", i,
				spew.Sdump(ping.Payload()), spew.Sdump(test.buf))
			continue
		}
		decoded, err := DecodePing(test.buf)
		if err != nil {
			t.Errorf("DecodePing #%d error %v", i, err)
			continue
		}
		if !reflect.DeepEqual(decoded, ping) {
			t.Errorf("DecodePing #%d\n got: %s want: %s", i,
				spew.Sdump(decoded), spew.Sdump(ping))
		}

		// The pong echoes the nonce with the same encoding.
		pong := NewMsgPong(test.nonce)
		if pong.Command() != CmdPong {
			t.Errorf("Command #%d got: %s want: %s", i, pong.Command(),
				CmdPong)
		}
		if !bytes.Equal(pong.Payload(), test.buf) {
			t.Errorf("Payload #%d\n got: %s want: %s", i,
				spew.Sdump(pong.Payload()), spew.Sdump(test.buf))
			continue
		}
		decodedPong, err := DecodePong(test.buf)
		if err != nil {
			t.Errorf("DecodePong #%d error %v", i, err)
			continue
		}
		if decodedPong.Nonce != test.nonce {
			t.Errorf("DecodePong #%d got nonce %d, want %d", i,
				decodedPong.Nonce, test.nonce)
		}
	}
}

// TestPingSerialize ensures a serialized ping is a valid framed message.
func TestPingSerialize(t *testing.T) {
	msg, err := NewMsgPing(42).Serialize(RegTest)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	f := NewFramer(RegTest, MaxMessagePayload)
	n, err := f.Feed(msg)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if n != len(msg) || !f.Complete() {
		t.Fatalf("Feed consumed %d of %d bytes, complete %v", n,
			len(msg), f.Complete())
	}
	framed := f.Message()
	if err := framed.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if framed.Command() != CmdPing {
		t.Fatalf("got command %q, want %q", framed.Command(), CmdPing)
	}
	ping, err := DecodePing(framed.Payload)
	if err != nil {
		t.Fatalf("DecodePing: %v", err)
	}
	if ping.Nonce != 42 {
		t.Fatalf("got nonce %d, want 42", ping.Nonce)
	}
}

// TestPingWireErrors performs negative tests against the payload decoding.
func TestPingWireErrors(t *testing.T) {
	tests := [][]byte{
		nil,
		{0x01, 0x02, 0x03},
		{0, 0, 0, 0, 0, 0, 0, 0, 0},
	}

	for i, buf := range tests {
		if _, err := DecodePing(buf); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodePing #%d wrong error got: %v, want: %v",
				i, err, ErrMalformed)
		}
		if _, err := DecodePong(buf); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodePong #%d wrong error got: %v, want: %v",
				i, err, ErrMalformed)
		}
	}
}

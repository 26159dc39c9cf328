// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// TestNetAddress tests the NetAddress API.
func TestNetAddress(t *testing.T) {
	ip := net.ParseIP("127.0.0.1")
	port := 8233

	// Test NewNetAddress.
	na, err := NewNetAddress(&net.TCPAddr{IP: ip, Port: port}, 0)
	if err != nil {
		t.Fatalf("NewNetAddress: %v", err)
	}

	// Ensure we get the same ip, port, and services back out.
	if !na.IP.Equal(ip) {
		t.Errorf("NetNetAddress: wrong ip - got %v, want %v", na.IP, ip)
	}
	if na.Port != uint16(port) {
		t.Errorf("NetNetAddress: wrong port - got %v, want %v", na.Port,
			port)
	}
	if na.Services != 0 {
		t.Errorf("NetNetAddress: wrong services - got %v, want %v",
			na.Services, 0)
	}
	if na.HasService(SFNodeNetwork) {
		t.Errorf("HasService: SFNodeNetwork service is set")
	}

	// Ensure adding the full service node flag works.
	na.AddService(SFNodeNetwork)
	if na.Services != SFNodeNetwork {
		t.Errorf("AddService: wrong services - got %v, want %v",
			na.Services, SFNodeNetwork)
	}
	if !na.HasService(SFNodeNetwork) {
		t.Errorf("HasService: SFNodeNetwork service not set")
	}
	if na.Key() != "127.0.0.1:8233" || na.String() != na.Key() {
		t.Errorf("Key: got %q, want %q", na.Key(), "127.0.0.1:8233")
	}

	// Ensure a non-TCP address is refused.
	_, err = NewNetAddress(&net.UDPAddr{IP: ip, Port: port}, 0)
	if !errors.Is(err, ErrInvalidNetAddr) {
		t.Errorf("NewNetAddress: wrong error - got %v, want %v", err,
			ErrInvalidNetAddr)
	}
}

// TestParseNetAddress tests parsing of host:port strings.
func TestParseNetAddress(t *testing.T) {
	tests := []struct {
		in   string
		key  string
		fail bool
	}{
		{in: "1.2.3.4:8233", key: "1.2.3.4:8233"},
		{in: "[2001:db8::1]:18233", key: "[2001:db8::1]:18233"},
		{in: "1.2.3.4", fail: true},
		{in: "host.example.com:8233", fail: true},
		{in: "1.2.3.4:70000", fail: true},
	}

	for i, test := range tests {
		na, err := ParseNetAddress(test.in, SFNodeNetwork)
		if test.fail {
			if err == nil {
				t.Errorf("ParseNetAddress #%d (%s): unexpected "+
					"success", i, test.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNetAddress #%d (%s): %v", i, test.in, err)
			continue
		}
		if na.Key() != test.key || !na.HasService(SFNodeNetwork) {
			t.Errorf("ParseNetAddress #%d got %s", i, spew.Sdump(na))
		}
	}
}

// TestNetAddressWire tests the NetAddress encoding.
func TestNetAddressWire(t *testing.T) {
	// baseNetAddr is used in the various tests as a baseline NetAddress.
	baseNetAddr := NetAddress{
		Timestamp: time.Unix(0x495fab29, 0), // 2009-01-03 12:15:05 -0600 CST
		Services:  SFNodeNetwork,
		IP:        net.ParseIP("127.0.0.1"),
		Port:      8333,
	}

	// baseNetAddrEncoded is the encoded bytes of baseNetAddr.
	baseNetAddrEncoded := []byte{
		0x29, 0xab, 0x5f, 0x49, 0x00, 0x00, 0x00, 0x00, // Timestamp
		0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // SFNodeNetwork
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0xff, 0xff, 0x7f, 0x00, 0x00, 0x01, // IP 127.0.0.1
		0x20, 0x8d, // Port 8333 in big-endian
	}

	buf := AppendNetAddress(nil, &baseNetAddr)
	if !bytes.Equal(buf, baseNetAddrEncoded) {
		t.Fatalf("AppendNetAddress\n got: %s want: %s",
			spew.Sdump(buf), spew.Sdump(baseNetAddrEncoded))
	}
	if len(buf) != NetAddressSize {
		t.Fatalf("AppendNetAddress: got %d bytes, want %d", len(buf),
			NetAddressSize)
	}

	// Decode the address from the encoded bytes and ensure the result is
	// the same as the original.
	c := NewCursor(baseNetAddrEncoded)
	na, err := c.ReadNetAddress()
	if err != nil {
		t.Fatalf("ReadNetAddress: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("ReadNetAddress: %d bytes left", c.Len())
	}
	if !na.IP.Equal(baseNetAddr.IP) {
		t.Errorf("ReadNetAddress: got ip %v, want %v", na.IP,
			baseNetAddr.IP)
	}
	na.IP = baseNetAddr.IP
	if !reflect.DeepEqual(*na, baseNetAddr) {
		t.Errorf("ReadNetAddress\n got: %s want: %s", spew.Sdump(na),
			spew.Sdump(baseNetAddr))
	}
}

// TestNetAddressWireErrors performs negative tests against the NetAddress
// decoding to confirm truncated input is refused.
func TestNetAddressWireErrors(t *testing.T) {
	encoded := AppendNetAddress(nil, NewNetAddressIPPort(
		net.ParseIP("2001:db8::1"), 8233, SFNodeNetwork))

	// Every truncation fails with a malformed error.
	for max := 0; max < len(encoded); max++ {
		_, err := NewCursor(encoded[:max]).ReadNetAddress()
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("ReadNetAddress max %d: wrong error got: %v, "+
				"want: %v", max, err, ErrMalformed)
		}
	}
}

// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2017 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// InitialProtocolVersion is the protocol version a connection is
	// considered to speak before the handshake negotiates one.
	InitialProtocolVersion uint32 = 0

	// ProtocolVersion is the latest protocol version this package supports.
	ProtocolVersion uint32 = 170013

	// PongNonceVersion is the first protocol version whose pong message
	// echoes the ping nonce.
	PongNonceVersion uint32 = 60001
)

// ServiceFlag identifies services supported by a peer.
type ServiceFlag uint64

const (
	// SFNodeNetwork is a flag used to indicate a peer is a full node.
	SFNodeNetwork ServiceFlag = 1 << iota

	// SFNodeTLS is a flag used to indicate a peer accepts encrypted
	// transport on its listening port.
	SFNodeTLS
)

// Map of service flags back to their constant names for pretty printing.
var sfStrings = map[ServiceFlag]string{
	SFNodeNetwork: "SFNodeNetwork",
	SFNodeTLS:     "SFNodeTLS",
}

// orderedSFStrings is an ordered list of service flags from highest to
// lowest.
var orderedSFStrings = []ServiceFlag{
	SFNodeNetwork,
	SFNodeTLS,
}

// String returns the ServiceFlag in human-readable form.
func (f ServiceFlag) String() string {
	if f == 0 {
		return "0x0"
	}

	s := ""
	for _, flag := range orderedSFStrings {
		if f&flag == flag {
			s += sfStrings[flag] + "|"
			f -= flag
		}
	}

	s = strings.TrimRight(s, "|")
	if f != 0 {
		s += "|0x" + strconv.FormatUint(uint64(f), 16)
	}
	return strings.TrimLeft(s, "|")
}

// NetMagic represents which network a message belongs to.  It is the first
// field of every message header and is encoded little endian.
type NetMagic uint32

// Constants used to indicate the message network.  A stream whose header
// carries a different magic is not resynchronized; the connection is dropped.
const (
	// MainNet represents the main network.
	MainNet NetMagic = 0x8de4eef9

	// TestNet represents the public test network.
	TestNet NetMagic = 0x5a1f7e62

	// RegTest represents the regression test network.
	RegTest NetMagic = 0xaae83f5f
)

var magicStrings = map[NetMagic]string{
	MainNet: "MainNet",
	TestNet: "TestNet",
	RegTest: "RegTest",
}

// String returns the NetMagic in human-readable form.
func (n NetMagic) String() string {
	if s, ok := magicStrings[n]; ok {
		return s
	}

	return fmt.Sprintf("Unknown NetMagic (%#08x)", uint32(n))
}

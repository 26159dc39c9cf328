// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/wire"
)

// Upgrade describes a scheduled network upgrade: from Height on, peers must
// speak at least Version.
type Upgrade struct {
	Height  int32
	Version uint32
}

// ChainState is the view of the chain the connection manager needs to
// prefer evicting peers that will not survive the next network upgrade.
type ChainState interface {
	// BestHeight returns the height of the current best chain tip.
	BestHeight() int32

	// NextUpgrade returns the next scheduled upgrade, if any.
	NextUpgrade() (Upgrade, bool)
}

// MessageHandler interprets complete messages.  HandleMessage is never
// called concurrently for the same peer and messages of a peer arrive in
// order.  It may call QueueSend on any peer and SetProtocolVersion.
type MessageHandler interface {
	HandleMessage(p *peer.Peer, msg *wire.FramedMessage)
}

// MessageHandlerFunc is an adapter to allow the use of ordinary functions as
// a MessageHandler.
type MessageHandlerFunc func(p *peer.Peer, msg *wire.FramedMessage)

// HandleMessage calls f(p, msg).
func (f MessageHandlerFunc) HandleMessage(p *peer.Peer, msg *wire.FramedMessage) {
	f(p, msg)
}

// AddressBook is the source of outbound candidates.  *addrmgr.AddrManager
// satisfies it.
type AddressBook interface {
	AddAddress(na, src *wire.NetAddress)
	Attempt(na *wire.NetAddress)
	Connected(na *wire.NetAddress)
	GetAddress() *wire.NetAddress
	NumAddresses() int
}

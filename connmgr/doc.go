// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package connmgr implements the connection orchestration of a p2pd node.

Connection Manager Overview

The connection manager owns the set of live peers and everything that decides
which sockets exist: outbound dialing from the address book, seeds and added
nodes, inbound admission with per-IP limits, bans and eviction, and TLS
negotiation with plaintext fallback.  Once a connection is registered, one
read goroutine and one write goroutine per peer pump bytes through the peer's
framer and send queue, a pool of processing goroutines hands completed
messages to the MessageHandler, and a housekeeping loop enforces inactivity
timeouts, pings, bans and the teardown of disconnected peers.

Eviction

When the inbound cap is reached a new connection may only be admitted by
evicting an existing inbound peer.  Whitelisted and disconnecting peers are
never candidates.  Peers with distinct keyed network groups, low ping times
and long connection lifetimes are protected in that order, and the youngest
member of the most populated remaining network group is chosen.  The network
group hash is keyed with a per-process random SipHash key so an attacker
cannot predict which groups are protected.

Banning

Bans are kept per subnet in a BanStore and written to disk only when they
changed.  Expired bans are removed on every read and on each housekeeping
tick.  Misbehaving feeds a DynamicBanScore per peer and bans the peer's
address once the threshold is crossed.

Lock Order

The locks of this package and of package peer are always taken in this
order, never the reverse:

  1. ConnManager admission lock (inbound admission and eviction)
  2. PeerSet lock
  3. per-peer locks (write, send, receive, process, stats)

The PeerSet lock is only held briefly to snapshot or update the indexes.
Callbacks into the MessageHandler and socket operations run without it.
*/
package connmgr

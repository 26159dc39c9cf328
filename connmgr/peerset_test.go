// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/wire"
	"github.com/stretchr/testify/require"
)

func testPeerConfig() *peer.Config {
	return &peer.Config{Magic: wire.RegTest}
}

func newTestEntry(t *testing.T, remote string, inbound bool) (*peerEntry, *mockConn) {
	t.Helper()

	c := newMockConn(remote)
	var p *peer.Peer
	if inbound {
		p = peer.NewInboundPeer(testPeerConfig(), c, peer.Plaintext, false)
	} else {
		p = peer.NewOutboundPeer(testPeerConfig(), c, peer.Plaintext, remote, false)
	}
	return newPeerEntry(p, c, NewNetGroupHasher(1, 2)), c
}

// TestPeerSetIndexes tests that every index follows adds and sweeps.
func TestPeerSetIndexes(t *testing.T) {
	ps := NewPeerSet(nil)

	in1, _ := newTestEntry(t, "50.1.0.1:1000", true)
	in2, _ := newTestEntry(t, "50.1.0.1:1001", true)
	out, _ := newTestEntry(t, "50.1.0.2:8233", false)
	other, _ := newTestEntry(t, "51.1.0.1:8233", false)
	for _, e := range []*peerEntry{in1, in2, out, other} {
		require.NoError(t, ps.add(e))
	}
	require.Equal(t, "50.1.0.0", in1.group)

	// Duplicate addresses are refused.
	dup, _ := newTestEntry(t, "50.1.0.1:1000", true)
	err := ps.add(dup)
	require.True(t, IsAdmissionError(err, ErrDuplicateConnection))

	require.Equal(t, 4, ps.Len())
	require.Equal(t, 2, ps.inboundCount())
	require.Equal(t, 2, ps.ipCount(net.ParseIP("50.1.0.1")))
	require.Equal(t, 1, ps.outboundGroupCount("50.1.0.0"))
	require.Equal(t, 1, ps.outboundGroupCount("51.1.0.0"))
	require.True(t, ps.HasAddr("50.1.0.2:8233"))
	require.Equal(t, in2.p, ps.entry(in2.p.ID()).p)

	p := ps.AcquireByAddr("50.1.0.1:1001")
	require.Equal(t, in2.p, p)
	require.EqualValues(t, 1, p.RefCount())
	p.Release()
	require.Nil(t, ps.Acquire(-1))
	require.Nil(t, ps.AcquireByAddr("1.1.1.1:1"))

	// Disconnected peers stay counted until swept.
	in1.p.Disconnect()
	out.p.Disconnect()
	require.Equal(t, 2, ps.inboundCount())
	swept := ps.sweep()
	require.Len(t, swept, 2)
	require.Empty(t, ps.sweep())

	require.Equal(t, 2, ps.Len())
	require.Equal(t, 1, ps.inboundCount())
	require.Equal(t, 1, ps.ipCount(net.ParseIP("50.1.0.1")))
	require.Equal(t, 0, ps.outboundGroupCount("50.1.0.0"))
	require.False(t, ps.HasAddr("50.1.0.2:8233"))
	require.Nil(t, ps.entry(in1.p.ID()))
	require.Equal(t, 2, ps.numDraining())

	// The address is free again.
	again, _ := newTestEntry(t, "50.1.0.1:1000", true)
	require.NoError(t, ps.add(again))
}

// TestPeerSetFreeDrained tests that drained peers are only freed once they
// hold no references.
func TestPeerSetFreeDrained(t *testing.T) {
	ps := NewPeerSet(nil)
	e, c := newTestEntry(t, "52.1.0.1:8233", true)
	require.NoError(t, ps.add(e))

	held := ps.Acquire(e.p.ID())
	require.NotNil(t, held)

	e.p.Disconnect()
	ps.sweep()
	e.p.Close(false)
	require.True(t, c.isClosed())

	require.Equal(t, 0, ps.freeDrained())
	require.Equal(t, 1, ps.numDraining())

	held.Release()
	require.Equal(t, 1, ps.freeDrained())
	require.Equal(t, 0, ps.numDraining())
	require.True(t, e.p.Freed())
}

// TestPeerSetForEach ensures ForEach visits every peer and holds a reference
// while doing so.
func TestPeerSetForEach(t *testing.T) {
	ps := NewPeerSet(nil)
	for _, remote := range []string{"53.1.0.1:1", "53.2.0.1:1", "53.3.0.1:1"} {
		e, _ := newTestEntry(t, remote, true)
		require.NoError(t, ps.add(e))
	}

	var visited int
	ps.ForEach(func(p *peer.Peer) {
		visited++
		require.EqualValues(t, 1, p.RefCount())

		// The set may be used from within fn.
		require.True(t, ps.HasAddr(p.Addr()))
	})
	require.Equal(t, 3, visited)
	require.Equal(t, 3, ps.Count(nil))
	require.Equal(t, 3, ps.Count((*peer.Peer).Inbound))
}

// TestPeerSetRelay tests the relay cache exposed by the peer set.
func TestPeerSetRelay(t *testing.T) {
	clock := newTestClock()
	ps := NewPeerSet(clock.Now)

	key := chainhash.DoubleHashH([]byte("tx"))
	ps.RelayInventory(key, []byte("payload"))

	payload, ok := ps.FindRelayed(key)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), payload)

	clock.Add(DefaultRelayCacheTTL)
	ps.expireRelayed()
	_, ok = ps.FindRelayed(key)
	require.False(t, ok)
}

// TestRelayCache tests expiry and the size limit of the relay cache.
func TestRelayCache(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := newRelayCache(2, time.Minute)

	k1 := chainhash.DoubleHashH([]byte{1})
	k2 := chainhash.DoubleHashH([]byte{2})
	k3 := chainhash.DoubleHashH([]byte{3})

	c.add(k1, []byte{1}, now)
	c.add(k2, []byte{2}, now.Add(10*time.Second))
	require.Equal(t, 2, c.len())

	// The limit evicts the oldest entry.
	c.add(k3, []byte{3}, now.Add(20*time.Second))
	require.Equal(t, 2, c.len())
	_, ok := c.find(k1, now.Add(20*time.Second))
	require.False(t, ok)

	// Re-adding refreshes the expiry.
	c.add(k2, []byte{22}, now.Add(30*time.Second))
	payload, ok := c.find(k2, now.Add(80*time.Second))
	require.True(t, ok)
	require.Equal(t, []byte{22}, payload)

	// k3 expired at exactly 80 seconds.
	_, ok = c.find(k3, now.Add(80*time.Second))
	require.False(t, ok)
	require.Equal(t, 1, c.len())

	c.expire(now.Add(90 * time.Second))
	require.Equal(t, 0, c.len())
}

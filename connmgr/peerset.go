// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/p2pd/p2pd/addrmgr"
	"github.com/p2pd/p2pd/peer"
)

// peerEntry is the bookkeeping the connection manager keeps for one
// registered peer.
type peerEntry struct {
	p    *peer.Peer
	conn net.Conn

	// group is the network group of the remote address and keyedGroup its
	// keyed hash, used by eviction.
	group      string
	keyedGroup uint64

	// outboundSlot is set when the entry holds one of the opportunistic
	// outbound slots, which is given back when the peer is swept.
	outboundSlot bool

	// persistent is set for added nodes.
	persistent bool

	banScore DynamicBanScore
}

// PeerSet is the set of live peers with the indexes the connection manager
// needs.  Every peer reachable from an index is in the canonical map exactly
// once.  Peers that are marked for disconnection stay in the set until the
// next sweep moves them to the draining list, where they wait until they can
// be freed.
//
// PeerSet is safe for concurrent access.
type PeerSet struct {
	mtx      sync.RWMutex
	peers    map[int32]*peerEntry
	byAddr   map[string]*peerEntry
	byGroup  map[string]map[int32]*peerEntry
	perIP    map[string]int
	draining []*peerEntry
	relay    *relayCache
	now      func() time.Time
}

// NewPeerSet returns an empty peer set.  now may be nil to use time.Now.
func NewPeerSet(now func() time.Time) *PeerSet {
	if now == nil {
		now = time.Now
	}
	return &PeerSet{
		peers:   make(map[int32]*peerEntry),
		byAddr:  make(map[string]*peerEntry),
		byGroup: make(map[string]map[int32]*peerEntry),
		perIP:   make(map[string]int),
		relay:   newRelayCache(DefaultRelayCacheSize, DefaultRelayCacheTTL),
		now:     now,
	}
}

// ipKey returns the per-IP index key for p, or "" when p has no IP.
func ipKey(p *peer.Peer) string {
	if ip := p.IP(); ip != nil {
		return ip.String()
	}
	return ""
}

// add registers e.  It fails when a peer with the same address is already
// registered.
func (ps *PeerSet) add(e *peerEntry) error {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	addr := e.p.Addr()
	if _, ok := ps.byAddr[addr]; ok {
		str := fmt.Sprintf("already connected to %s", addr)
		return admissionError(ErrDuplicateConnection, str)
	}

	id := e.p.ID()
	ps.peers[id] = e
	ps.byAddr[addr] = e
	group := ps.byGroup[e.group]
	if group == nil {
		group = make(map[int32]*peerEntry)
		ps.byGroup[e.group] = group
	}
	group[id] = e
	if e.p.Inbound() {
		if key := ipKey(e.p); key != "" {
			ps.perIP[key]++
		}
	}
	return nil
}

// removeLocked drops e from every live index.
//
// This function MUST be called with the peer set lock held (for writes).
func (ps *PeerSet) removeLocked(e *peerEntry) {
	id := e.p.ID()
	delete(ps.peers, id)
	if ps.byAddr[e.p.Addr()] == e {
		delete(ps.byAddr, e.p.Addr())
	}
	if group := ps.byGroup[e.group]; group != nil {
		delete(group, id)
		if len(group) == 0 {
			delete(ps.byGroup, e.group)
		}
	}
	if e.p.Inbound() {
		if key := ipKey(e.p); key != "" {
			ps.perIP[key]--
			if ps.perIP[key] <= 0 {
				delete(ps.perIP, key)
			}
		}
	}
}

// sweep moves every peer marked for disconnection from the live indexes to
// the draining list and returns them.  The caller closes their sockets
// without holding the lock.
func (ps *PeerSet) sweep() []*peerEntry {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	var swept []*peerEntry
	for _, e := range ps.peers {
		if !e.p.Disconnected() {
			continue
		}
		ps.removeLocked(e)
		ps.draining = append(ps.draining, e)
		swept = append(swept, e)
	}
	return swept
}

// freeDrained frees every draining peer that holds no references and no
// per-connection locks.  It returns the number of peers freed.
func (ps *PeerSet) freeDrained() int {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	var freed int
	remaining := ps.draining[:0]
	for _, e := range ps.draining {
		if !e.p.CanFree() {
			remaining = append(remaining, e)
			continue
		}
		if e.p.Free() {
			freed++
		}
	}
	for i := len(remaining); i < len(ps.draining); i++ {
		ps.draining[i] = nil
	}
	ps.draining = remaining
	return freed
}

// numDraining returns the number of peers waiting to be freed.
func (ps *PeerSet) numDraining() int {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	return len(ps.draining)
}

// entry returns the live entry for id.
func (ps *PeerSet) entry(id int32) *peerEntry {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	return ps.peers[id]
}

// Len returns the number of live peers, including peers marked for
// disconnection that were not swept yet.
func (ps *PeerSet) Len() int {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	return len(ps.peers)
}

// Acquire returns the live peer with the given id with a reference taken,
// or nil.  The caller must Release it.
func (ps *PeerSet) Acquire(id int32) *peer.Peer {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	e, ok := ps.peers[id]
	if !ok {
		return nil
	}
	return e.p.Acquire()
}

// AcquireByAddr returns the live peer connected to addr with a reference
// taken, or nil.  The caller must Release it.
func (ps *PeerSet) AcquireByAddr(addr string) *peer.Peer {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	e, ok := ps.byAddr[addr]
	if !ok {
		return nil
	}
	return e.p.Acquire()
}

// HasAddr returns whether a live peer is connected to addr.
func (ps *PeerSet) HasAddr(addr string) bool {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	_, ok := ps.byAddr[addr]
	return ok
}

// snapshot returns every live entry with a reference taken on its peer.
// The caller must release each with releaseAll.
func (ps *PeerSet) snapshot() []*peerEntry {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	entries := make([]*peerEntry, 0, len(ps.peers))
	for _, e := range ps.peers {
		e.p.Acquire()
		entries = append(entries, e)
	}
	return entries
}

// releaseAll drops the references taken by snapshot.
func releaseAll(entries []*peerEntry) {
	for _, e := range entries {
		e.p.Release()
	}
}

// ForEach calls fn for every live peer.  fn runs without the peer set lock
// held, so it may call back into the set.
func (ps *PeerSet) ForEach(fn func(p *peer.Peer)) {
	entries := ps.snapshot()
	defer releaseAll(entries)

	for _, e := range entries {
		fn(e.p)
	}
}

// Count returns the number of live peers for which filter returns true.  A
// nil filter counts every peer.
func (ps *PeerSet) Count(filter func(p *peer.Peer) bool) int {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	if filter == nil {
		return len(ps.peers)
	}
	var n int
	for _, e := range ps.peers {
		if filter(e.p) {
			n++
		}
	}
	return n
}

// inboundCount returns the number of inbound peers, counting the ones marked
// for disconnection until they are swept.
func (ps *PeerSet) inboundCount() int {
	return ps.Count((*peer.Peer).Inbound)
}

// ipCount returns the number of inbound peers connected from ip.
func (ps *PeerSet) ipCount(ip net.IP) int {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	return ps.perIP[ip.String()]
}

// outboundGroupCount returns the number of outbound peers in group.
func (ps *PeerSet) outboundGroupCount(group string) int {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()

	var n int
	for _, e := range ps.byGroup[group] {
		if !e.p.Inbound() {
			n++
		}
	}
	return n
}

// RelayInventory records payload as relayed under key so peers requesting it
// shortly afterwards can be served from memory.
func (ps *PeerSet) RelayInventory(key chainhash.Hash, payload []byte) {
	now := ps.now()

	ps.mtx.Lock()
	ps.relay.add(key, payload, now)
	ps.mtx.Unlock()
}

// FindRelayed returns the payload relayed under key if it has not expired.
func (ps *PeerSet) FindRelayed(key chainhash.Hash) ([]byte, bool) {
	now := ps.now()

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	return ps.relay.find(key, now)
}

// expireRelayed drops expired relay cache entries.
func (ps *PeerSet) expireRelayed() {
	now := ps.now()

	ps.mtx.Lock()
	ps.relay.expire(now)
	ps.mtx.Unlock()
}

// newPeerEntry returns the entry for p with its network group computed.
func newPeerEntry(p *peer.Peer, conn net.Conn, hasher NetGroupHasher) *peerEntry {
	e := &peerEntry{p: p, conn: conn, group: "unknown"}
	if na := p.NA(); na != nil {
		e.group = addrmgr.GroupKey(na)
	}
	e.keyedGroup = hasher(e.group)
	return e
}

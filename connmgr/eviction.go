// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"time"

	"github.com/dchest/siphash"
	"github.com/p2pd/p2pd/peer"
)

const (
	// protectedByNetGroup is the number of candidates with the highest
	// keyed network group values that are never evicted.
	protectedByNetGroup = 4

	// protectedByPing is the number of candidates with the lowest minimum
	// ping time that are never evicted.
	protectedByPing = 8

	// DefaultUpgradeLookahead is the number of blocks before a network
	// upgrade activates from which peers that will not survive it are
	// evicted first.
	DefaultUpgradeLookahead = 24 * 24
)

// NetGroupHasher maps a network group to its keyed value.
type NetGroupHasher func(group string) uint64

// NewNetGroupHasher returns a hasher computing SipHash-2-4 of the group
// under the 128-bit key (k0, k1).
func NewNetGroupHasher(k0, k1 uint64) NetGroupHasher {
	return func(group string) uint64 {
		return siphash.Hash(k0, k1, []byte(group))
	}
}

// randomNetGroupHasher returns a hasher keyed with a process-random key.
func randomNetGroupHasher() NetGroupHasher {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic("unable to read random key: " + err.Error())
	}
	return NewNetGroupHasher(binary.LittleEndian.Uint64(key[:8]),
		binary.LittleEndian.Uint64(key[8:]))
}

// evictionCandidate is the snapshot of one inbound peer the eviction pass
// works on.
type evictionCandidate struct {
	id         int32
	connected  time.Time
	minPing    time.Duration
	keyedGroup uint64
	version    uint32
}

// evictionPolicy carries the chain view eviction needs.
type evictionPolicy struct {
	height    int32
	upgrade   Upgrade
	hasUp     bool
	lookahead int32
}

// inUpgradeWindow returns whether the next upgrade activates within the
// lookahead window of the current height.
func (ep *evictionPolicy) inUpgradeWindow() bool {
	if !ep.hasUp {
		return false
	}
	return ep.height >= ep.upgrade.Height-ep.lookahead &&
		ep.height < ep.upgrade.Height
}

// eraseLast drops the last n candidates.
func eraseLast(cands []evictionCandidate, n int) []evictionCandidate {
	if n > len(cands) {
		n = len(cands)
	}
	return cands[:len(cands)-n]
}

// selectNodeToEvict runs the eviction passes over candidates and returns the
// id of the peer to evict.  Candidates must already exclude outbound,
// whitelisted and disconnecting peers.  The result depends only on the
// candidates and the policy, never on their order.
func selectNodeToEvict(candidates []evictionCandidate, policy evictionPolicy,
	preferNew bool) (int32, bool) {

	cands := make([]evictionCandidate, len(candidates))
	copy(cands, candidates)

	// Peers that will be cut off by the coming upgrade go first.
	if policy.inUpgradeWindow() {
		var stale []evictionCandidate
		for _, c := range cands {
			if c.version < policy.upgrade.Version {
				stale = append(stale, c)
			}
		}
		if len(stale) > 0 {
			cands = stale
		}
	}

	// Protect the peers with the highest keyed network group values.  An
	// attacker cannot predict which groups these are.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].keyedGroup != cands[j].keyedGroup {
			return cands[i].keyedGroup < cands[j].keyedGroup
		}
		return cands[i].id > cands[j].id
	})
	cands = eraseLast(cands, protectedByNetGroup)

	// Protect the peers with the lowest minimum ping.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].minPing != cands[j].minPing {
			return cands[i].minPing > cands[j].minPing
		}
		return cands[i].id > cands[j].id
	})
	cands = eraseLast(cands, protectedByPing)

	// Protect the older half.  Newest first, so the oldest are at the end.
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].connected.Equal(cands[j].connected) {
			return cands[i].connected.After(cands[j].connected)
		}
		return cands[i].id > cands[j].id
	})
	cands = eraseLast(cands, len(cands)/2)

	if len(cands) == 0 {
		return 0, false
	}

	// Group by keyed network group.  Iterating newest first leaves the
	// youngest member at the front of each group.
	groups := make(map[uint64][]evictionCandidate)
	var mostGroup uint64
	var mostMembers int
	var mostYoungest time.Time
	for _, c := range cands {
		groups[c.keyedGroup] = append(groups[c.keyedGroup], c)
		members := groups[c.keyedGroup]
		youngest := members[0].connected
		if len(members) > mostMembers ||
			(len(members) == mostMembers && youngest.After(mostYoungest)) {

			mostGroup = c.keyedGroup
			mostMembers = len(members)
			mostYoungest = youngest
		}
	}

	// With a single unprotected peer per group nobody is evicted unless
	// the new connection is preferred.
	if mostMembers <= 1 && !preferNew {
		return 0, false
	}
	return groups[mostGroup][0].id, true
}

// evictionCandidates builds the candidate list from the live peers.
func evictionCandidates(entries []*peerEntry) []evictionCandidate {
	cands := make([]evictionCandidate, 0, len(entries))
	for _, e := range entries {
		p := e.p
		if !p.Inbound() || p.Whitelisted() || p.Disconnected() {
			continue
		}
		cands = append(cands, candidateFor(p, e.keyedGroup))
	}
	return cands
}

// candidateFor snapshots one peer.
func candidateFor(p *peer.Peer, keyedGroup uint64) evictionCandidate {
	return evictionCandidate{
		id:         p.ID(),
		connected:  p.TimeConnected(),
		minPing:    p.MinPing(),
		keyedGroup: keyedGroup,
		version:    p.ProtocolVersion(),
	}
}

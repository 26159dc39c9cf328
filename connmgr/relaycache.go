// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"container/list"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// DefaultRelayCacheSize is the maximum number of recently relayed
	// inventory payloads kept for peers that request them.
	DefaultRelayCacheSize = 10000

	// DefaultRelayCacheTTL is how long a relayed payload stays available.
	DefaultRelayCacheTTL = 15 * time.Minute
)

// relayEntry is one relayed payload and the time it expires.
type relayEntry struct {
	key     chainhash.Hash
	payload []byte
	expires time.Time
}

// relayCache is a bounded map of recently relayed payloads.  Entries expire
// in insertion order, so the oldest entry is always at the front of the
// list.
//
// relayCache is not safe for concurrent access.
type relayCache struct {
	limit   int
	ttl     time.Duration
	entries map[chainhash.Hash]*list.Element
	order   *list.List
}

// newRelayCache returns a cache holding at most limit entries for ttl each.
func newRelayCache(limit int, ttl time.Duration) *relayCache {
	return &relayCache{
		limit:   limit,
		ttl:     ttl,
		entries: make(map[chainhash.Hash]*list.Element),
		order:   list.New(),
	}
}

// expire drops every entry whose expiry is not after now.
func (c *relayCache) expire(now time.Time) {
	for e := c.order.Front(); e != nil; e = c.order.Front() {
		entry := e.Value.(*relayEntry)
		if entry.expires.After(now) {
			return
		}
		c.order.Remove(e)
		delete(c.entries, entry.key)
	}
}

// add stores payload under key.  Re-adding a key refreshes its expiry.
func (c *relayCache) add(key chainhash.Hash, payload []byte, now time.Time) {
	c.expire(now)

	if e, ok := c.entries[key]; ok {
		c.order.Remove(e)
		delete(c.entries, key)
	}
	for c.limit > 0 && c.order.Len() >= c.limit {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.entries, front.Value.(*relayEntry).key)
	}

	entry := &relayEntry{key: key, payload: payload, expires: now.Add(c.ttl)}
	c.entries[key] = c.order.PushBack(entry)
}

// find returns the payload stored under key if it has not expired.
func (c *relayCache) find(key chainhash.Hash, now time.Time) ([]byte, bool) {
	c.expire(now)

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value.(*relayEntry).payload, true
}

// len returns the number of cached entries, expired or not.
func (c *relayCache) len() int {
	return c.order.Len()
}

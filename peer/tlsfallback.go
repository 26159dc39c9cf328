// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"github.com/decred/dcrd/lru"
)

const (
	// defaultFallbackCacheSize is the default number of addresses to store
	// in the plaintext allow-list.
	defaultFallbackCacheSize = 1000
)

// TLSFallback manages the list of peer addresses that are allowed to use a
// plaintext transport, typically after a TLS handshake with them failed.
// The list is bounded; the least recently marked address is forgotten first.
type TLSFallback struct {
	cache lru.Cache
}

// NewTLSFallback returns a new TLSFallback instance.  cacheSize specifies the
// maximum number of addresses to remember.
func NewTLSFallback(cacheSize uint) *TLSFallback {
	if cacheSize == 0 {
		cacheSize = defaultFallbackCacheSize
	}
	return &TLSFallback{
		cache: lru.NewCache(cacheSize),
	}
}

// MarkPlaintext adds an address to the allow-list so that connections with
// it skip the TLS attempt.
func (tf *TLSFallback) MarkPlaintext(addr string) {
	tf.cache.Add(addr)

	log.Debugf("TLSFallback: Marked %s for plaintext transport", addr)
}

// AllowsPlaintext checks if an address is on the allow-list.
func (tf *TLSFallback) AllowsPlaintext(addr string) bool {
	return tf.cache.Contains(addr)
}

// Forget removes an address from the allow-list, for example once it has
// been seen completing a TLS handshake.
func (tf *TLSFallback) Forget(addr string) {
	if tf.cache.Contains(addr) {
		tf.cache.Delete(addr)

		log.Debugf("TLSFallback: Removed %s from plaintext allow-list",
			addr)
	}
}

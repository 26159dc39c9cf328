// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"time"

	"github.com/p2pd/p2pd/wire"
)

func TstKnownAddressIsBad(ka *KnownAddress, now time.Time) bool {
	return ka.isBad(now)
}

func TstKnownAddressChance(ka *KnownAddress, now time.Time) float64 {
	return ka.chance(now)
}

func TstNewKnownAddress(na *wire.NetAddress, attempts int,
	lastattempt, lastsuccess time.Time, tried bool) *KnownAddress {
	return &KnownAddress{na: na, attempts: attempts, lastattempt: lastattempt,
		lastsuccess: lastsuccess, tried: tried}
}

func TstEncodeKnownAddress(ka *KnownAddress) []byte {
	return encodeKnownAddress(ka)
}

func TstDecodeKnownAddress(b []byte) (*KnownAddress, error) {
	return decodeKnownAddress(b)
}

func (ka *KnownAddress) TstAttempts() int {
	return ka.attempts
}

func (ka *KnownAddress) TstTried() bool {
	return ka.tried
}

func (a *AddrManager) TstNumTried() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.addrTried.Len()
}

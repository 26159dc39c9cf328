// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	mrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/p2pd/p2pd/wire"
)

const (
	// These constants are used by the DNS seed code to pick a random last
	// seen time.
	secondsIn3Days int32 = 24 * 60 * 60 * 3
	secondsIn4Days int32 = 24 * 60 * 60 * 4
)

// OnSeed is the signature of the callback function which is invoked when DNS
// seeding is successful.
type OnSeed func(addrs []*wire.NetAddress)

// LookupFunc is the signature of the DNS lookup function.
type LookupFunc func(string) ([]net.IP, error)

// SeedFromDNS uses DNS seeding to populate the address manager with peers.
// Every seeder is resolved on its own goroutine.  The returned WaitGroup is
// done once every lookup finished.
func SeedFromDNS(seeders []string, defaultPort uint16, lookupFn LookupFunc,
	seedFn OnSeed) *sync.WaitGroup {

	var wg sync.WaitGroup
	for _, seeder := range seeders {
		wg.Add(1)
		go func(seeder string) {
			defer wg.Done()

			randSource := mrand.New(mrand.NewSource(time.Now().UnixNano()))

			seedpeers, err := lookupFn(seeder)
			if err != nil {
				log.Infof("DNS discovery failed on seed %s: %v", seeder, err)
				return
			}
			numPeers := len(seedpeers)

			log.Infof("%d addresses found from DNS seed %s", numPeers, seeder)

			if numPeers == 0 {
				return
			}
			addresses := make([]*wire.NetAddress, len(seedpeers))
			for i, peer := range seedpeers {
				// Seeded addresses get a last seen time randomly
				// selected between 3 and 7 days ago.
				ts := time.Now().Add(-1 * time.Second * time.Duration(
					secondsIn3Days+randSource.Int31n(secondsIn4Days)))
				addresses[i] = wire.NewNetAddressTimestamp(ts,
					wire.SFNodeNetwork, peer, defaultPort)
			}

			seedFn(addresses)
		}(seeder)
	}
	return &wg
}

// fixedSeedAddresses parses the fixed seeds.  Entries without a port use
// defaultPort and entries that do not parse are skipped.
func fixedSeedAddresses(seeds []string, defaultPort uint16) []*wire.NetAddress {
	now := time.Now()
	addrs := make([]*wire.NetAddress, 0, len(seeds))
	for _, seed := range seeds {
		if _, _, err := net.SplitHostPort(seed); err == nil {
			na, err := wire.ParseNetAddress(seed, wire.SFNodeNetwork)
			if err != nil {
				log.Warnf("Skipping invalid fixed seed %s: %v", seed, err)
				continue
			}
			addrs = append(addrs, na)
			continue
		}
		ip := net.ParseIP(seed)
		if ip == nil {
			log.Warnf("Skipping invalid fixed seed %s", seed)
			continue
		}
		// Fixed seeds are a last resort, so they look a week old.
		addrs = append(addrs, wire.NewNetAddressTimestamp(
			now.Add(-7*24*time.Hour), wire.SFNodeNetwork, ip, defaultPort))
	}
	return addrs
}

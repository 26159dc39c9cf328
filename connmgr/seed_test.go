// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/p2pd/p2pd/wire"
	"github.com/stretchr/testify/require"
)

// TestSeedFromDNS tests that every seeder is resolved and the results are
// delivered with the default port and an aged timestamp.
func TestSeedFromDNS(t *testing.T) {
	lookup := func(host string) ([]net.IP, error) {
		switch host {
		case "seed1.example.com":
			return []net.IP{net.ParseIP("60.1.0.1"), net.ParseIP("60.2.0.1")}, nil
		case "seed2.example.com":
			return []net.IP{net.ParseIP("2001:db8::1")}, nil
		case "empty.example.com":
			return nil, nil
		}
		return nil, errors.New("no such host")
	}

	var mtx sync.Mutex
	var seeded []*wire.NetAddress
	wg := SeedFromDNS([]string{"seed1.example.com", "seed2.example.com",
		"empty.example.com", "broken.example.com"}, 8233, lookup,
		func(addrs []*wire.NetAddress) {
			mtx.Lock()
			seeded = append(seeded, addrs...)
			mtx.Unlock()
		})
	wg.Wait()

	require.Len(t, seeded, 3)
	now := time.Now()
	for _, na := range seeded {
		require.EqualValues(t, 8233, na.Port)
		require.True(t, na.HasService(wire.SFNodeNetwork))
		age := now.Sub(na.Timestamp)
		require.GreaterOrEqual(t, age, 3*24*time.Hour)
		require.LessOrEqual(t, age, 7*24*time.Hour+time.Minute)
	}
}

// TestFixedSeedAddresses tests parsing of the fixed seeds.
func TestFixedSeedAddresses(t *testing.T) {
	addrs := fixedSeedAddresses([]string{
		"61.1.0.1",
		"61.2.0.1:9000",
		"[2001:db8::2]:9001",
		"2001:db8::3",
		"not-an-address",
	}, 8233)

	want := []string{
		"61.1.0.1:8233",
		"61.2.0.1:9000",
		"[2001:db8::2]:9001",
		"[2001:db8::3]:8233",
	}
	require.Len(t, addrs, len(want))
	for i, na := range addrs {
		require.Equal(t, want[i], na.Key())
	}
	require.True(t, time.Since(addrs[0].Timestamp) >= 7*24*time.Hour)
}

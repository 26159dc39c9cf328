// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/p2pd/p2pd/connmgr"
	"github.com/p2pd/p2pd/wire"
)

// params is used to group parameters for the various networks such as the
// main network and test networks.
type params struct {
	// name is the network name, also used to namespace the data and log
	// directories.
	name string

	// magic identifies the network in every message header.
	magic wire.NetMagic

	// defaultPort is the port peers listen on by default.
	defaultPort string

	// dnsSeeds are resolved for peer addresses when the address book is
	// empty.
	dnsSeeds []string

	// fixedSeeds are used when none of the DNS seeds answer.
	fixedSeeds []string

	// upgrades is the schedule of network upgrades, ordered by height.
	upgrades []connmgr.Upgrade
}

// mainNetParams contains parameters specific to the main network
// (wire.MainNet).
var mainNetParams = params{
	name:        "mainnet",
	magic:       wire.MainNet,
	defaultPort: "8233",
	dnsSeeds: []string{
		"seed.p2pd.org",
		"dnsseed.p2pd-nodes.net",
		"seed.p2pd.community",
	},
	fixedSeeds: []string{
		"35.161.22.18",
		"52.54.196.49",
		"[2600:1f14:3a8:8c00::10]:8233",
	},
	upgrades: []connmgr.Upgrade{
		{Height: 347500, Version: 170007},
		{Height: 419200, Version: 170011},
		{Height: 903000, Version: 170013},
	},
}

// testNetParams contains parameters specific to the public test network
// (wire.TestNet).
var testNetParams = params{
	name:        "testnet",
	magic:       wire.TestNet,
	defaultPort: "18233",
	dnsSeeds: []string{
		"testnet.seed.p2pd.org",
	},
	fixedSeeds: []string{
		"35.167.12.80",
	},
	upgrades: []connmgr.Upgrade{
		{Height: 207500, Version: 170007},
		{Height: 280000, Version: 170011},
		{Height: 903800, Version: 170013},
	},
}

// regressionNetParams contains parameters specific to the regression test
// network (wire.RegTest).  It has no seeds.
var regressionNetParams = params{
	name:        "regtest",
	magic:       wire.RegTest,
	defaultPort: "18344",
}

// activeNetParams is a pointer to the parameters specific to the currently
// active network.
var activeNetParams = &mainNetParams

// nextUpgrade returns the first upgrade of the schedule that is not active
// at height.
func (p *params) nextUpgrade(height int32) (connmgr.Upgrade, bool) {
	for _, up := range p.upgrades {
		if height < up.Height {
			return up, true
		}
	}
	return connmgr.Upgrade{}, false
}

// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/p2pd/p2pd/connmgr"
)

// chainState provides the connection manager with the view of the chain used
// to evict peers that will not survive the next upgrade.  The daemon does not
// validate blocks, so the best height is the configured one.
type chainState struct {
	height   int32
	params   *params
	override *connmgr.Upgrade
}

// Ensure chainState implements the connmgr.ChainState interface.
var _ connmgr.ChainState = (*chainState)(nil)

func newChainState(p *params, height int32, override *connmgr.Upgrade) *chainState {
	return &chainState{
		height:   height,
		params:   p,
		override: override,
	}
}

// BestHeight returns the height of the current best chain tip.
func (c *chainState) BestHeight() int32 {
	return c.height
}

// NextUpgrade returns the configured upgrade when one was given and is still
// ahead, and otherwise the next upgrade of the network schedule.
func (c *chainState) NextUpgrade() (connmgr.Upgrade, bool) {
	if c.override != nil && c.height < c.override.Height {
		return *c.override, true
	}
	return c.params.nextUpgrade(c.height)
}

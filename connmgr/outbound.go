// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/p2pd/p2pd/addrmgr"
	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/wire"
)

const (
	// maxCandidateTries is the number of address book picks the opener
	// makes before giving up for one round.
	maxCandidateTries = 100

	// nonDefaultPortTries is the number of picks before candidates on a
	// port other than the default port are accepted.
	nonDefaultPortTries = 50

	// connectionAttemptInterval spaces opportunistic connection attempts.
	connectionAttemptInterval = 500 * time.Millisecond
)

var (
	// ErrAddedNodeExists is returned by AddNode for an address that was
	// already added.
	ErrAddedNodeExists = errors.New("node already added")

	// ErrAddedNodeNotFound is returned by RemoveNode for an address that
	// was never added.
	ErrAddedNodeNotFound = errors.New("node not added")
)

// addedNode tracks one address the connection manager keeps connected.
type addedNode struct {
	addr        string
	peerID      int32
	connecting  bool
	retries     int
	nextAttempt time.Time
}

// AddedNodeInfo describes the state of an added node.
type AddedNodeInfo struct {
	Addr      string
	Connected bool
	PeerID    int32
}

// AddNode adds addr to the nodes kept connected.  The connection is made
// asynchronously.
func (cm *ConnManager) AddNode(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}

	cm.addedMtx.Lock()
	if _, ok := cm.added[addr]; ok {
		cm.addedMtx.Unlock()
		return ErrAddedNodeExists
	}
	cm.added[addr] = &addedNode{addr: addr}
	cm.addedMtx.Unlock()

	cm.signalAdded()
	return nil
}

// RemoveNode stops keeping addr connected and disconnects it.
func (cm *ConnManager) RemoveNode(addr string) error {
	cm.addedMtx.Lock()
	n, ok := cm.added[addr]
	var id int32
	if ok {
		id = n.peerID
		delete(cm.added, addr)
	}
	cm.addedMtx.Unlock()

	if !ok {
		return ErrAddedNodeNotFound
	}
	if id != 0 {
		_ = cm.DisconnectNode(id)
	}
	return nil
}

// AddedNodes returns the state of every added node sorted by address.
func (cm *ConnManager) AddedNodes() []AddedNodeInfo {
	cm.addedMtx.Lock()
	infos := make([]AddedNodeInfo, 0, len(cm.added))
	for _, n := range cm.added {
		infos = append(infos, AddedNodeInfo{
			Addr:      n.addr,
			Connected: n.peerID != 0,
			PeerID:    n.peerID,
		})
	}
	cm.addedMtx.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Addr < infos[j].Addr
	})
	return infos
}

// signalAdded wakes the added node handler.
func (cm *ConnManager) signalAdded() {
	select {
	case cm.addedSignal <- struct{}{}:
	default:
	}
}

// addedNodeDisconnected schedules a reconnection to the added node at addr.
func (cm *ConnManager) addedNodeDisconnected(addr string) {
	cm.addedMtx.Lock()
	if n, ok := cm.added[addr]; ok {
		n.peerID = 0
		n.nextAttempt = cm.cfg.Now().Add(cm.cfg.RetryDuration)
	}
	cm.addedMtx.Unlock()
}

// retryDelay returns the back-off after the given number of consecutive
// failures.
func (cm *ConnManager) retryDelay(retries int) time.Duration {
	d := time.Duration(retries) * cm.cfg.RetryDuration
	if d > maxRetryDuration {
		d = maxRetryDuration
	}
	return d
}

// addedNodeHandler keeps every added node connected, retrying failed
// connections with a linear back-off.  It must be run as a goroutine.
func (cm *ConnManager) addedNodeHandler() {
	defer cm.wg.Done()

	ctx, cancel := cm.quitContext()
	defer cancel()

	ticker := time.NewTicker(cm.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		now := cm.cfg.Now()
		var due []*addedNode
		cm.addedMtx.Lock()
		for _, n := range cm.added {
			if n.peerID != 0 && cm.peers.entry(n.peerID) == nil {
				n.peerID = 0
			}
			if n.peerID != 0 || n.connecting || now.Before(n.nextAttempt) {
				continue
			}
			n.connecting = true
			due = append(due, n)
		}
		cm.addedMtx.Unlock()

		for _, n := range due {
			cm.wg.Add(1)
			go cm.connectAdded(ctx, n)
		}

		select {
		case <-ticker.C:
		case <-cm.addedSignal:
		case <-cm.quit:
			return
		}
	}
}

// connectAdded makes one connection attempt to an added node.  It must be
// run as a goroutine.
func (cm *ConnManager) connectAdded(ctx context.Context, n *addedNode) {
	defer cm.wg.Done()

	p, err := cm.connectOutbound(ctx, n.addr, true, false)

	cm.addedMtx.Lock()
	defer cm.addedMtx.Unlock()

	n.connecting = false
	if err != nil {
		n.retries++
		n.nextAttempt = cm.cfg.Now().Add(cm.retryDelay(n.retries))
		log.Debugf("Failed to connect to %s: %v -- retrying in %v",
			n.addr, err, cm.retryDelay(n.retries))
		return
	}
	n.retries = 0
	if current, ok := cm.added[n.addr]; ok && current == n {
		n.peerID = p.ID()
		return
	}

	// Removed while connecting.
	p.Disconnect()
}

// connectOutbound dials addr, negotiates the transport and registers the
// resulting peer.  persistent marks an added node; slot marks a connection
// holding one of the opportunistic outbound slots.
func (cm *ConnManager) connectOutbound(ctx context.Context, addr string,
	persistent, slot bool) (*peer.Peer, error) {

	if cm.shuttingDown() {
		return nil, admissionError(ErrShuttingDown,
			"connection manager is stopping")
	}
	if cm.peers.HasAddr(addr) {
		str := fmt.Sprintf("already connected to %s", addr)
		return nil, admissionError(ErrDuplicateConnection, str)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); ip != nil && !cm.isWhitelisted(ip) &&
			cm.bans.IsBanned(ip) {

			str := fmt.Sprintf("%s is banned", ip)
			return nil, admissionError(ErrBanned, str)
		}
	}

	conn, mode, err := cm.dialNegotiated(ctx, addr)
	if err != nil {
		cm.metrics.recordRefusal(ErrUnreachable)
		return nil, err
	}

	p := peer.NewOutboundPeer(&cm.peerCfg, conn, mode, addr,
		cm.isWhitelisted(remoteIP(conn)))
	e := newPeerEntry(p, conn, cm.hasher)
	e.persistent = persistent
	e.outboundSlot = slot
	if err := cm.register(e); err != nil {
		return nil, err
	}
	return p, nil
}

// quitContext returns a context that is cancelled when the connection
// manager stops.
func (cm *ConnManager) quitContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-cm.quit:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}

// sleep waits for d or until the connection manager stops.  It returns false
// in the latter case.
func (cm *ConnManager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-cm.quit:
		return false
	}
}

// outboundHandler keeps the opportunistic outbound slots filled with
// addresses from the address book.  It seeds the address book when it is
// empty.  It must be run as a goroutine.
func (cm *ConnManager) outboundHandler() {
	defer cm.wg.Done()

	ctx, cancel := cm.quitContext()
	defer cancel()

	book := cm.cfg.AddrBook
	var dnsSeeded, fixedSeeded bool
	var dnsSeedTime time.Time
	for {
		// Wait for a free slot.
		select {
		case cm.outboundSem <- struct{}{}:
		case <-cm.quit:
			return
		}

		if book.NumAddresses() == 0 && !cm.cfg.DisableSeeders {
			now := cm.cfg.Now()
			if !dnsSeeded && len(cm.cfg.DNSSeeds) > 0 {
				dnsSeeded = true
				dnsSeedTime = now
				SeedFromDNS(cm.cfg.DNSSeeds, cm.cfg.DefaultPort,
					cm.cfg.Lookup, cm.addSeeds)
			}
			if !fixedSeeded && len(cm.cfg.FixedSeeds) > 0 &&
				(!dnsSeeded || now.Sub(dnsSeedTime) >= fixedSeedDelay) {

				fixedSeeded = true
				log.Infof("Adding fixed seed nodes")
				cm.addSeeds(fixedSeedAddresses(cm.cfg.FixedSeeds,
					cm.cfg.DefaultPort))
			}
		}

		na := cm.pickOutbound()
		if na == nil {
			<-cm.outboundSem
			if !cm.sleep(cm.cfg.RetryDuration) {
				return
			}
			continue
		}

		book.Attempt(na)
		cm.wg.Add(1)
		go func(na *wire.NetAddress) {
			defer cm.wg.Done()

			addr := na.Key()
			if _, err := cm.connectOutbound(ctx, addr, false, true); err != nil {
				<-cm.outboundSem
				log.Debugf("Failed to connect to %s: %v", addr, err)
				return
			}
			book.Connected(na)
		}(na)

		if !cm.sleep(connectionAttemptInterval) {
			return
		}
	}
}

// addSeeds adds seeded addresses to the address book.
func (cm *ConnManager) addSeeds(addrs []*wire.NetAddress) {
	for _, na := range addrs {
		cm.cfg.AddrBook.AddAddress(na, na)
	}
}

// pickOutbound returns the next outbound candidate from the address book, or
// nil when none qualifies this round.  Candidates already connected,
// banned, unroutable or in the network group of an existing outbound peer
// are skipped.  Candidates on a port other than the default port are only
// accepted after nonDefaultPortTries picks.
func (cm *ConnManager) pickOutbound() *wire.NetAddress {
	book := cm.cfg.AddrBook
	for tries := 0; tries < maxCandidateTries; tries++ {
		na := book.GetAddress()
		if na == nil {
			return nil
		}
		if cm.peers.HasAddr(na.Key()) {
			continue
		}
		if !addrmgr.IsRoutable(na) {
			continue
		}
		if !cm.isWhitelisted(na.IP) && cm.bans.IsBanned(na.IP) {
			continue
		}
		if cm.peers.outboundGroupCount(addrmgr.GroupKey(na)) > 0 {
			continue
		}
		if tries < nonDefaultPortTries && na.Port != cm.cfg.DefaultPort {
			continue
		}
		return na
	}
	return nil
}

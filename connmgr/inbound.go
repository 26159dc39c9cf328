// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"net"

	"github.com/p2pd/p2pd/peer"
)

// listenHandler accepts incoming connections on a given listener.  It must be
// run as a goroutine.
func (cm *ConnManager) listenHandler(listener net.Listener) {
	defer cm.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-cm.quit:
		case <-ctx.Done():
		}
		cancel()
	}()
	defer cancel()

	log.Infof("Server listening on %s", listener.Addr())
	for !cm.shuttingDown() {
		if err := cm.limiter.Wait(ctx); err != nil {
			break
		}
		conn, err := listener.Accept()
		if err != nil {
			// Only log the error if not forcibly shutting down.
			if !cm.shuttingDown() {
				log.Errorf("Can't accept connection: %v", err)
			}
			continue
		}
		cm.wg.Add(1)
		go func() {
			defer cm.wg.Done()
			if err := cm.handleInbound(conn); err != nil {
				log.Debugf("Refused inbound connection from %s: %v",
					conn.RemoteAddr(), err)
			}
		}()
	}

	log.Tracef("Listener handler done for %s", listener.Addr())
}

// remoteIP returns the IP of the remote end of conn, or nil.
func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// refuse closes conn, records the refusal and returns err.
func (cm *ConnManager) refuse(conn net.Conn, err error) error {
	conn.Close()
	if aerr, ok := err.(AdmissionError); ok {
		cm.metrics.recordRefusal(aerr.Code)
	}
	return err
}

// handleInbound runs admission for an accepted connection and registers the
// resulting peer.  A refused connection is closed and the reason returned.
func (cm *ConnManager) handleInbound(conn net.Conn) error {
	if cm.shuttingDown() {
		return cm.refuse(conn, admissionError(ErrShuttingDown,
			"connection manager is stopping"))
	}

	ip := remoteIP(conn)
	whitelisted := cm.isWhitelisted(ip)
	if !whitelisted && ip != nil && cm.bans.IsBanned(ip) {
		str := fmt.Sprintf("%s is banned", ip)
		return cm.refuse(conn, admissionError(ErrBanned, str))
	}

	negotiated, mode, err := cm.negotiateInbound(conn)
	if err != nil {
		return cm.refuse(conn, err)
	}
	conn = negotiated

	cm.admitMtx.Lock()
	defer cm.admitMtx.Unlock()

	if !whitelisted && ip != nil && cm.cfg.MaxPerIP > 0 &&
		cm.peers.ipCount(ip) >= cm.cfg.MaxPerIP {

		str := fmt.Sprintf("%s already has %d connections", ip,
			cm.cfg.MaxPerIP)
		return cm.refuse(conn, admissionError(ErrPerIPLimit, str))
	}

	if cm.peers.inboundCount() >= cm.cfg.MaxInbound {
		if !cm.attemptToEvictConnection(whitelisted) {
			str := fmt.Sprintf("inbound limit of %d reached",
				cm.cfg.MaxInbound)
			return cm.refuse(conn, admissionError(ErrNoEvictable, str))
		}
	}

	p := peer.NewInboundPeer(&cm.peerCfg, conn, mode, whitelisted)
	if err := cm.register(newPeerEntry(p, conn, cm.hasher)); err != nil {
		if aerr, ok := err.(AdmissionError); ok {
			cm.metrics.recordRefusal(aerr.Code)
		}
		return err
	}
	return nil
}

// attemptToEvictConnection marks one inbound peer for disconnection to make
// room for a new connection.  preferNew evicts even when every unprotected
// peer is alone in its network group.  It returns whether a peer was
// evicted.
//
// This function MUST be called with the admission lock held.
func (cm *ConnManager) attemptToEvictConnection(preferNew bool) bool {
	entries := cm.peers.snapshot()
	defer releaseAll(entries)

	cands := evictionCandidates(entries)
	id, ok := selectNodeToEvict(cands, cm.evictionPolicy(), preferNew)
	if !ok {
		return false
	}
	for _, e := range entries {
		if e.p.ID() != id {
			continue
		}
		log.Debugf("Evicting inbound peer %s to admit a new connection", e.p)
		e.p.Disconnect()
		cm.metrics.evictions.Inc()
		return true
	}
	return false
}

// evictionPolicy returns the chain view eviction works with.
func (cm *ConnManager) evictionPolicy() evictionPolicy {
	policy := evictionPolicy{lookahead: cm.cfg.UpgradeLookahead}
	if cm.cfg.Chain != nil {
		policy.height = cm.cfg.Chain.BestHeight()
		policy.upgrade, policy.hasUp = cm.cfg.Chain.NextUpgrade()
	}
	return policy
}

// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/wire"
)

// readBufferSize is the size of the buffer each reader fills from its
// socket.
const readBufferSize = 64 * 1024

// inHandler reads from the socket of p and feeds the bytes to its framer.  It
// stops reading while the peer is over its flood ceiling.  It must be run as
// a goroutine holding a reference on p.
func (cm *ConnManager) inHandler(p *peer.Peer, conn net.Conn) {
	defer cm.wg.Done()
	defer p.Release()

	buf := make([]byte, readBufferSize)
	for {
		for p.RecvPaused() {
			select {
			case <-p.RecvSignal():
			case <-p.Quit():
				return
			case <-cm.quit:
				p.Disconnect()
				return
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if rerr := p.ReceiveBytes(buf[:n]); rerr != nil {
				cm.handleReceiveError(p, rerr)
				return
			}
		}
		if err != nil {
			if !p.Disconnected() && err != io.EOF {
				log.Debugf("Can't read from %s: %v", p, err)
			}
			p.Disconnect()
			return
		}
	}
}

// handleReceiveError disconnects p after its input was rejected.
func (cm *ConnManager) handleReceiveError(p *peer.Peer, err error) {
	switch {
	case errors.Is(err, wire.ErrMalformed):
		log.Warnf("Protocol violation from %s: %v -- disconnecting", p, err)
		cm.metrics.violations.Inc()

	case errors.Is(err, peer.ErrReceiveFlood):
		log.Debugf("Receive flood from %s -- disconnecting", p)

	case errors.Is(err, peer.ErrDisconnected):
	}
	p.Disconnect()
}

// outHandler writes the send queue of p whenever data is queued.  It must be
// run as a goroutine holding a reference on p.
func (cm *ConnManager) outHandler(p *peer.Peer) {
	defer cm.wg.Done()
	defer p.Release()

	for {
		select {
		case <-p.SendSignal():
		case <-p.Quit():
			return
		case <-cm.quit:
			p.Disconnect()
			return
		}

		for p.SendPending() && !p.Disconnected() {
			if _, err := p.FlushSend(); err != nil {
				log.Debugf("Can't write to %s: %v", p, err)
				p.Disconnect()
				return
			}
		}
	}
}

// housekeepingHandler runs housekeep on every tick.  It must be run as a
// goroutine.
func (cm *ConnManager) housekeepingHandler() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.cfg.HousekeepingInterval)
	defer ticker.Stop()

	lastBanSave := cm.cfg.Now()
	for {
		select {
		case <-ticker.C:
			now := cm.cfg.Now()
			cm.housekeep(now)
			if now.Sub(lastBanSave) >= cm.cfg.BanSaveInterval {
				lastBanSave = now
				if err := cm.bans.Save(); err != nil {
					log.Errorf("%v", err)
				}
			}

		case <-cm.quit:
			return
		}
	}
}

// housekeep performs one round of periodic maintenance: inactivity and ping
// checks, rescheduling of peers with pending messages, closing of
// disconnected peers, freeing of drained peers and expiry of bans and relay
// entries.
func (cm *ConnManager) housekeep(now time.Time) {
	entries := cm.peers.snapshot()
	for _, e := range entries {
		p := e.p
		if p.Disconnected() {
			continue
		}
		if cm.checkInactivity(p, now) {
			continue
		}
		if cm.checkPing(p, now) {
			continue
		}

		// Readiness notifications are dropped when the processing queue
		// is full, so pick those peers up again here.
		if p.HasMessages() && !p.SendPaused() {
			cm.onReady(p)
		}
	}
	releaseAll(entries)

	cm.sweepDisconnected()
	if freed := cm.peers.freeDrained(); freed > 0 {
		log.Tracef("Freed %d drained peers", freed)
	}

	if n := cm.bans.Sweep(); n > 0 {
		log.Debugf("Expired %d bans", n)
	}
	cm.peers.expireRelayed()

	inbound := cm.peers.Count(Inbound)
	cm.metrics.observePeers(inbound, cm.peers.Len()-inbound,
		cm.peers.numDraining())
	cm.metrics.bans.Set(float64(cm.bans.Len()))
}

// checkInactivity disconnects p when it stayed silent for too long.  It
// returns whether p was disconnected.
func (cm *ConnManager) checkInactivity(p *peer.Peer, now time.Time) bool {
	if now.Sub(p.TimeConnected()) < cm.cfg.FirstMessageTimeout {
		return false
	}

	lastSend, lastRecv := p.LastSend(), p.LastRecv()
	switch {
	case lastSend.IsZero() || lastRecv.IsZero():
		log.Infof("No message from or to %s within %v -- disconnecting",
			p, cm.cfg.FirstMessageTimeout)

	case now.Sub(lastSend) > cm.cfg.InactivityTimeout:
		log.Infof("Send timeout for %s -- disconnecting", p)

	case now.Sub(lastRecv) > cm.cfg.InactivityTimeout:
		log.Infof("Receive timeout for %s -- disconnecting", p)

	default:
		return false
	}
	p.Disconnect()
	return true
}

// checkPing expires an unanswered ping and sends a new one once the ping
// interval elapsed.  It returns whether p was disconnected.
func (cm *ConnManager) checkPing(p *peer.Peer, now time.Time) bool {
	nonce, sentAt := p.OutstandingPing()
	if nonce != 0 {
		if now.Sub(sentAt) <= cm.cfg.PingTimeout {
			return false
		}
		if retries := p.PingTimedOut(); retries >= cm.cfg.PingRetries {
			log.Infof("Ping timeout for %s after %d attempts -- "+
				"disconnecting", p, retries)
			p.Disconnect()
			return true
		}
	} else if !sentAt.IsZero() && now.Sub(sentAt) < cm.cfg.PingInterval {
		return false
	}

	nonce = randomNonce()
	msg, err := wire.NewMsgPing(nonce).Serialize(cm.cfg.Magic)
	if err != nil {
		log.Errorf("Can't serialize ping: %v", err)
		return false
	}
	p.PingSent(nonce, now)
	p.QueueSend(msg)
	return false
}

// randomNonce returns a non-zero random ping nonce.
func randomNonce() uint64 {
	for {
		if n := rand.Uint64(); n != 0 {
			return n
		}
	}
}

// sweepDisconnected closes every peer marked for disconnection and moves it
// to the draining list.
func (cm *ConnManager) sweepDisconnected() {
	for _, e := range cm.peers.sweep() {
		p := e.p
		p.Close(true)

		atomic.AddUint64(&cm.closedRecv, p.BytesReceived())
		atomic.AddUint64(&cm.closedSent, p.BytesSent())

		if e.outboundSlot {
			select {
			case <-cm.outboundSem:
			default:
			}
		}
		if e.persistent {
			cm.addedNodeDisconnected(p.Addr())
		}

		log.Debugf("Disconnected %s", p)
		if cm.cfg.OnPeerDisconnected != nil {
			cm.cfg.OnPeerDisconnected(p)
		}
	}
}

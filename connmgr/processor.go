// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"github.com/p2pd/p2pd/peer"
)

// onReady queues p for processing.  It is called by the peer whenever
// complete messages are waiting and the send queue is below its limit.  It
// never blocks: when the queue is full the notification is dropped and the
// next housekeeping round picks the peer up.
func (cm *ConnManager) onReady(p *peer.Peer) {
	p.Acquire()
	select {
	case cm.readyCh <- p:
	default:
		p.Release()
	}
}

// processHandler is one worker of the message processing pool.  It must be
// run as a goroutine.
func (cm *ConnManager) processHandler() {
	defer cm.wg.Done()

	for {
		select {
		case p := <-cm.readyCh:
			cm.processPeer(p)
			p.Release()

		case <-cm.quit:
			// Drop the references of queued peers so they can be
			// freed.
			for {
				select {
				case p := <-cm.readyCh:
					p.Release()
				default:
					return
				}
			}
		}
	}
}

// processPeer hands the waiting messages of p to the message handler in
// arrival order.  Only one worker processes a peer at a time; a worker that
// fails to claim the peer returns immediately since the owner will see the
// new messages.  Processing stops while the peer's send queue is over its
// limit.
func (cm *ConnManager) processPeer(p *peer.Peer) {
	for {
		if !p.ClaimProcessing() {
			return
		}
		for !p.Disconnected() && !p.SendPaused() {
			msg := p.NextMessage()
			if msg == nil {
				break
			}
			if err := msg.Validate(); err != nil {
				log.Debugf("Dropping message %q from %s: %v",
					msg.Command(), p, err)
				continue
			}
			log.Tracef("%v", newLogClosure(func() string {
				return "Processing " + msg.Command() + " from " + p.String()
			}))
			cm.cfg.Handler.HandleMessage(p, msg)
		}
		p.ReleaseProcessing()

		// A message that completed after the last NextMessage above had
		// its notification swallowed by the claim.
		if p.Disconnected() || p.SendPaused() || !p.HasMessages() {
			return
		}
	}
}

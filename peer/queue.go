// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/p2pd/p2pd/wire"
)

// QueueSend appends data to the send queue.  When the queue was empty and
// the transport is plaintext, an optimistic write is attempted on the
// caller's goroutine, bounded by the optimistic write timeout; whatever it
// cannot write stays queued for the writer.  It returns false when the peer
// is already marked for disconnection and the data was dropped.
//
// This function is safe for concurrent access.
func (p *Peer) QueueSend(data []byte) bool {
	if p.Disconnected() {
		return false
	}
	if len(data) == 0 {
		return true
	}

	p.sendMtx.Lock()
	optimistic := p.sendQueue.Len() == 0
	p.sendQueue.PushBack(data)
	p.sendQueueSize += len(data)
	p.sendMtx.Unlock()

	// A TLS session treats a write timeout as permanent, so only plaintext
	// connections write inline.
	if optimistic && p.mode == Plaintext && p.cfg.OptimisticWriteTimeout > 0 &&
		p.writeMtx.TryLock() {

		deadline := time.Now().Add(p.cfg.OptimisticWriteTimeout)
		_, err := p.flushLocked(deadline)
		p.writeMtx.Unlock()
		if err != nil && !isTimeout(err) {
			log.Debugf("Optimistic write to %s failed: %v", p, err)
			p.Disconnect()
		}
	}

	if p.SendPending() {
		select {
		case p.sendSignal <- struct{}{}:
		default:
		}
	}
	return true
}

// FlushSend writes queued data until the queue is empty or the socket
// returns an error.  Partial writes leave the remainder queued.  It blocks
// until the socket accepts the data, so it is meant for the peer's writer
// goroutine.
//
// This function is safe for concurrent access.
func (p *Peer) FlushSend() (int, error) {
	p.writeMtx.Lock()
	defer p.writeMtx.Unlock()

	return p.flushLocked(time.Time{})
}

// flushLocked writes the front of the send queue until it is empty.  The
// send lock is not held across the socket write.
//
// This function MUST be called with the write lock held.
func (p *Peer) flushLocked(deadline time.Time) (int, error) {
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}

	var total int
	for {
		p.sendMtx.Lock()
		front := p.sendQueue.Front()
		if front == nil {
			p.sendMtx.Unlock()
			return total, nil
		}
		entry := front.Value.([]byte)
		buf := entry[p.sendOffset:]
		p.sendMtx.Unlock()

		n, err := p.conn.Write(buf)
		if n > 0 {
			total += n

			p.sendMtx.Lock()
			wasPaused := p.sendQueueSize > p.cfg.SendBufferSize
			p.sendOffset += n
			p.sendQueueSize -= n
			if p.sendOffset == len(entry) {
				p.sendQueue.Remove(front)
				p.sendOffset = 0
			}
			resumed := wasPaused && p.sendQueueSize <= p.cfg.SendBufferSize
			p.sendMtx.Unlock()

			p.statsMtx.Lock()
			p.lastSend = p.cfg.Now()
			p.bytesSent += uint64(n)
			p.statsMtx.Unlock()

			if resumed && p.HasMessages() {
				p.signalReady()
			}
		}
		if err != nil {
			return total, err
		}
	}
}

// SendPending returns whether the send queue holds unwritten data.
//
// This function is safe for concurrent access.
func (p *Peer) SendPending() bool {
	p.sendMtx.Lock()
	defer p.sendMtx.Unlock()

	return p.sendQueueSize > 0
}

// SendQueueSize returns the number of unwritten bytes in the send queue.
//
// This function is safe for concurrent access.
func (p *Peer) SendQueueSize() int {
	p.sendMtx.Lock()
	defer p.sendMtx.Unlock()

	return p.sendQueueSize
}

// SendPaused returns whether the send queue exceeds the send buffer size, in
// which case no further messages from the peer should be processed.
//
// This function is safe for concurrent access.
func (p *Peer) SendPaused() bool {
	p.sendMtx.Lock()
	defer p.sendMtx.Unlock()

	return p.sendQueueSize > p.cfg.SendBufferSize
}

// SendSignal returns a channel that receives a value whenever data is queued.
func (p *Peer) SendSignal() <-chan struct{} {
	return p.sendSignal
}

// ReceiveBytes feeds bytes read from the socket into the framer.  Every
// completed message is timestamped and appended to the processing queue.
// An error means the connection must be dropped: either the framer rejected
// the stream or the peer already exceeded the flood ceiling.
//
// This function is safe for concurrent access.
func (p *Peer) ReceiveBytes(b []byte) error {
	if p.Disconnected() {
		return ErrDisconnected
	}
	if p.RecvPaused() {
		return ErrReceiveFlood
	}

	now := p.cfg.Now()
	received := len(b)

	var completed []*wire.FramedMessage
	p.recvMtx.Lock()
	for len(b) > 0 {
		n, err := p.framer.Feed(b)
		if err != nil {
			p.recvMtx.Unlock()
			return err
		}
		b = b[n:]
		if p.framer.Complete() {
			msg := p.framer.Message()
			msg.ReceivedAt = now
			completed = append(completed, msg)
		}
	}
	p.recvMtx.Unlock()

	p.statsMtx.Lock()
	p.lastRecv = now
	p.bytesReceived += uint64(received)
	p.statsMtx.Unlock()

	if len(completed) == 0 {
		return nil
	}

	p.processMtx.Lock()
	for _, msg := range completed {
		p.processQueue = append(p.processQueue, msg)
		p.processQueueSize += msg.SerializeSize()
	}
	p.processMtx.Unlock()

	log.Tracef("Received %d message(s) from %s", len(completed), p)

	if !p.SendPaused() {
		p.signalReady()
	}
	return nil
}

// NextMessage pops the oldest completed message, or returns nil when none is
// waiting.  Draining below the flood ceiling wakes the reader.
//
// This function is safe for concurrent access.
func (p *Peer) NextMessage() *wire.FramedMessage {
	p.processMtx.Lock()
	if len(p.processQueue) == 0 {
		p.processMtx.Unlock()
		return nil
	}
	msg := p.processQueue[0]
	p.processQueue[0] = nil
	p.processQueue = p.processQueue[1:]
	wasPaused := p.processQueueSize > p.cfg.ReceiveFloodSize
	p.processQueueSize -= msg.SerializeSize()
	resumed := wasPaused && p.processQueueSize <= p.cfg.ReceiveFloodSize
	p.processMtx.Unlock()

	if resumed {
		select {
		case p.recvSignal <- struct{}{}:
		default:
		}
	}
	return msg
}

// HasMessages returns whether completed messages are waiting.
//
// This function is safe for concurrent access.
func (p *Peer) HasMessages() bool {
	p.processMtx.Lock()
	defer p.processMtx.Unlock()

	return len(p.processQueue) > 0
}

// RecvPaused returns whether unprocessed messages exceed the flood ceiling,
// in which case the reader must stop reading from the socket.
//
// This function is safe for concurrent access.
func (p *Peer) RecvPaused() bool {
	p.processMtx.Lock()
	defer p.processMtx.Unlock()

	return p.processQueueSize > p.cfg.ReceiveFloodSize
}

// RecvSignal returns a channel that receives a value when the processing
// queue drains below the flood ceiling.
func (p *Peer) RecvSignal() <-chan struct{} {
	return p.recvSignal
}

// signalReady notifies the owner that messages are ready for processing.
func (p *Peer) signalReady() {
	if p.cfg.OnReady != nil && !p.Disconnected() {
		p.cfg.OnReady(p)
	}
}

// isTimeout returns whether err is a deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

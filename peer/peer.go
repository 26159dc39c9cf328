// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2016-2018 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"container/list"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p2pd/p2pd/wire"
)

const (
	// DefaultReceiveFloodSize is the default ceiling, in bytes, of
	// completed but unprocessed messages held for one peer before reading
	// from it pauses.
	DefaultReceiveFloodSize = 5000 * 1000

	// DefaultSendBufferSize is the default size, in bytes, of queued
	// outbound data above which message processing for the peer pauses.
	DefaultSendBufferSize = 1000 * 1000

	// DefaultOptimisticWriteTimeout is the default bound on the inline
	// write attempted when data is queued to an idle plaintext peer.
	DefaultOptimisticWriteTimeout = 20 * time.Millisecond

	// DefaultShutdownTimeout is the default bound on sending a TLS
	// close_notify when a peer is closed gracefully.
	DefaultShutdownTimeout = 2 * time.Second
)

var (
	// nodeCount is the total number of peer connections made since startup
	// and is used to assign an id to a peer.
	nodeCount int32

	// ErrReceiveFlood is returned by ReceiveBytes when the peer already
	// holds more unprocessed data than the flood ceiling allows.
	ErrReceiveFlood = errors.New("receive flood ceiling exceeded")

	// ErrDisconnected is returned by ReceiveBytes once the peer has been
	// marked for disconnection.
	ErrDisconnected = errors.New("peer disconnected")
)

// TransportMode identifies how the bytes of a connection are carried.
type TransportMode uint8

const (
	// Plaintext is a bare TCP stream.
	Plaintext TransportMode = iota

	// TLS is a TCP stream wrapped in a TLS session.
	TLS
)

// String returns the TransportMode in human-readable form.
func (m TransportMode) String() string {
	switch m {
	case Plaintext:
		return "plaintext"
	case TLS:
		return "tls"
	}
	return fmt.Sprintf("Unknown TransportMode (%d)", uint8(m))
}

// Config is the struct to hold configuration options useful to Peer.
type Config struct {
	// Magic identifies the network whose messages the peer accepts.
	Magic wire.NetMagic

	// MaxMessagePayload bounds the declared payload of received messages.
	// Zero selects wire.MaxMessagePayload.
	MaxMessagePayload uint32

	// ReceiveFloodSize is the flood control ceiling for completed but
	// unprocessed messages.
	ReceiveFloodSize int

	// SendBufferSize is the amount of queued outbound data above which
	// processing of the peer's messages pauses.
	SendBufferSize int

	// OptimisticWriteTimeout bounds the inline write performed by
	// QueueSend.  A negative value disables optimistic writes.
	OptimisticWriteTimeout time.Duration

	// ShutdownTimeout bounds the graceful TLS shutdown performed by Close.
	ShutdownTimeout time.Duration

	// PayloadAllocator allocates the buffers received payloads are
	// assembled in.  Nil allocates them with make.
	PayloadAllocator wire.Allocator

	// OnReady is invoked when the peer holds complete messages and its
	// send queue is below SendBufferSize.  It is called from I/O
	// goroutines and must not block for long.
	OnReady func(p *Peer)

	// Now returns the current time.  It defaults to time.Now and exists so
	// tests can control connection and ping timestamps.
	Now func() time.Time
}

// StatsSnap is a snapshot of peer stats at a point in time.
type StatsSnap struct {
	ID             int32
	Addr           string
	Name           string
	Inbound        bool
	Whitelisted    bool
	Transport      TransportMode
	Version        uint32
	ConnTime       time.Time
	LastSend       time.Time
	LastRecv       time.Time
	BytesSent      uint64
	BytesRecv      uint64
	LastPingNonce  uint64
	LastPingTime   time.Time
	LastPingMicros int64
	MinPingMicros  int64
	SendQueueSize  int
	RecvQueueSize  int
	Disconnecting  bool
}

// Peer is one live or draining connection to a remote node.  It owns the
// socket, the outbound send queue, the inbound framer and the queue of
// completed messages waiting to be processed.
//
// A Peer does not start any goroutines of its own.  The owner pumps bytes
// with ReceiveBytes and FlushSend and consumes messages with NextMessage.
type Peer struct {
	// The following variables must only be used atomically.
	refs            int32
	disconnect      int32
	freed           int32
	claimed         int32
	protocolVersion uint32

	conn net.Conn

	// These fields are set at creation time and never modified, so they are
	// safe to read from concurrently without a mutex.
	id          int32
	addr        string
	na          *wire.NetAddress
	cfg         Config
	inbound     bool
	whitelisted bool
	mode        TransportMode

	// These fields keep track of statistics for the peer and are protected
	// by the statsMtx mutex.
	statsMtx       sync.RWMutex
	name           string
	timeConnected  time.Time
	lastSend       time.Time
	lastRecv       time.Time
	bytesReceived  uint64
	bytesSent      uint64
	lastPingNonce  uint64    // Set to nonce if we have a pending ping.
	lastPingTime   time.Time // Time we sent last ping.
	lastPingMicros int64     // Time for last ping to return.
	minPingMicros  int64     // Lowest round trip observed, -1 if none.
	pingRetries    int

	// writeMtx serializes writers to conn.  sendMtx protects the queue and
	// is never held across a socket write.
	writeMtx      sync.Mutex
	sendMtx       sync.Mutex
	sendQueue     list.List
	sendOffset    int
	sendQueueSize int

	recvMtx sync.Mutex
	framer  *wire.Framer

	processMtx       sync.Mutex
	processQueue     []*wire.FramedMessage
	processQueueSize int

	sendSignal chan struct{}
	recvSignal chan struct{}

	quit      chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
}

// String returns the peer's address and directionality as a human-readable
// string.
//
// This function is safe for concurrent access.
func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.addr, directionString(p.inbound))
}

// ID returns the peer id.
//
// This function is safe for concurrent access.
func (p *Peer) ID() int32 {
	return p.id
}

// Addr returns the peer address.
//
// This function is safe for concurrent access.
func (p *Peer) Addr() string {
	return p.addr
}

// NA returns the peer network address.  It is nil when the remote address is
// not an IP endpoint.
//
// This function is safe for concurrent access.
func (p *Peer) NA() *wire.NetAddress {
	return p.na
}

// IP returns the remote IP, or nil when unknown.
func (p *Peer) IP() net.IP {
	if p.na == nil {
		return nil
	}
	return p.na.IP
}

// Inbound returns whether the peer is inbound.
//
// This function is safe for concurrent access.
func (p *Peer) Inbound() bool {
	return p.inbound
}

// Whitelisted returns whether the peer is exempt from banning and most
// eviction protections.
func (p *Peer) Whitelisted() bool {
	return p.whitelisted
}

// Transport returns how the connection is carried.
func (p *Peer) Transport() TransportMode {
	return p.mode
}

// Name returns the human-readable name of the peer, if one was set.
//
// This function is safe for concurrent access.
func (p *Peer) Name() string {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.name
}

// SetName sets the human-readable name of the peer, typically the host the
// operator configured for an added node.
//
// This function is safe for concurrent access.
func (p *Peer) SetName(name string) {
	p.statsMtx.Lock()
	p.name = name
	p.statsMtx.Unlock()
}

// ProtocolVersion returns the negotiated protocol version, or zero before
// the handshake completed.
//
// This function is safe for concurrent access.
func (p *Peer) ProtocolVersion() uint32 {
	return atomic.LoadUint32(&p.protocolVersion)
}

// SetProtocolVersion records the negotiated protocol version.
//
// This function is safe for concurrent access.
func (p *Peer) SetProtocolVersion(pver uint32) {
	atomic.StoreUint32(&p.protocolVersion, pver)
}

// TimeConnected returns the time at which the peer connected.
//
// This function is safe for concurrent access.
func (p *Peer) TimeConnected() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.timeConnected
}

// LastSend returns the last send time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastSend() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastSend
}

// LastRecv returns the last recv time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastRecv() time.Time {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastRecv
}

// BytesSent returns the total number of bytes sent by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesSent() uint64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.bytesSent
}

// BytesReceived returns the total number of bytes received by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesReceived() uint64 {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.bytesReceived
}

// StatsSnapshot returns a snapshot of the current peer flags and statistics.
//
// This function is safe for concurrent access.
func (p *Peer) StatsSnapshot() *StatsSnap {
	p.sendMtx.Lock()
	sendQueueSize := p.sendQueueSize
	p.sendMtx.Unlock()

	p.processMtx.Lock()
	recvQueueSize := p.processQueueSize
	p.processMtx.Unlock()

	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return &StatsSnap{
		ID:             p.id,
		Addr:           p.addr,
		Name:           p.name,
		Inbound:        p.inbound,
		Whitelisted:    p.whitelisted,
		Transport:      p.mode,
		Version:        p.ProtocolVersion(),
		ConnTime:       p.timeConnected,
		LastSend:       p.lastSend,
		LastRecv:       p.lastRecv,
		BytesSent:      p.bytesSent,
		BytesRecv:      p.bytesReceived,
		LastPingNonce:  p.lastPingNonce,
		LastPingTime:   p.lastPingTime,
		LastPingMicros: p.lastPingMicros,
		MinPingMicros:  p.minPingMicros,
		SendQueueSize:  sendQueueSize,
		RecvQueueSize:  recvQueueSize,
		Disconnecting:  p.Disconnected(),
	}
}

// PingSent records an outstanding ping with the given nonce.
//
// This function is safe for concurrent access.
func (p *Peer) PingSent(nonce uint64, sentAt time.Time) {
	p.statsMtx.Lock()
	p.lastPingNonce = nonce
	p.lastPingTime = sentAt
	p.statsMtx.Unlock()
}

// PongReceived matches a pong against the outstanding ping.  When the nonce
// matches, the round trip is recorded, the ping is cleared and true is
// returned.
//
// This function is safe for concurrent access.
func (p *Peer) PongReceived(nonce uint64) bool {
	now := p.cfg.Now()

	p.statsMtx.Lock()
	defer p.statsMtx.Unlock()

	if p.lastPingNonce == 0 || nonce != p.lastPingNonce {
		return false
	}
	p.addPingSample(now.Sub(p.lastPingTime))
	p.lastPingNonce = 0
	p.pingRetries = 0
	return true
}

// addPingSample records one round trip.
//
// This function MUST be called with the stats lock held (for writes).
func (p *Peer) addPingSample(rtt time.Duration) {
	micros := rtt.Microseconds()
	p.lastPingMicros = micros
	if p.minPingMicros < 0 || micros < p.minPingMicros {
		p.minPingMicros = micros
	}
}

// OutstandingPing returns the nonce and send time of the ping awaiting a
// pong.  A zero nonce means none is outstanding.
//
// This function is safe for concurrent access.
func (p *Peer) OutstandingPing() (uint64, time.Time) {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	return p.lastPingNonce, p.lastPingTime
}

// PingTimedOut clears the outstanding ping and returns the number of
// consecutive pings that went unanswered.
//
// This function is safe for concurrent access.
func (p *Peer) PingTimedOut() int {
	p.statsMtx.Lock()
	defer p.statsMtx.Unlock()

	p.lastPingNonce = 0
	p.pingRetries++
	return p.pingRetries
}

// MinPing returns the lowest observed round trip.  Peers that never
// answered a ping report the maximum duration so they rank last.
//
// This function is safe for concurrent access.
func (p *Peer) MinPing() time.Duration {
	p.statsMtx.RLock()
	defer p.statsMtx.RUnlock()

	if p.minPingMicros < 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(p.minPingMicros) * time.Microsecond
}

// Acquire takes a reference that keeps the peer from being freed.
//
// This function is safe for concurrent access.
func (p *Peer) Acquire() *Peer {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release drops a reference taken by Acquire.
//
// This function is safe for concurrent access.
func (p *Peer) Release() {
	if atomic.AddInt32(&p.refs, -1) < 0 {
		panic(fmt.Sprintf("peer %d: reference count below zero", p.id))
	}
}

// RefCount returns the number of outstanding references.
func (p *Peer) RefCount() int32 {
	return atomic.LoadInt32(&p.refs)
}

// Disconnect marks the peer for disconnection.  The flag never clears.  The
// socket is not closed here; the owner closes it on its next sweep.  It
// returns true for the call that set the flag.
//
// This function is safe for concurrent access.
func (p *Peer) Disconnect() bool {
	if !atomic.CompareAndSwapInt32(&p.disconnect, 0, 1) {
		return false
	}
	p.quitOnce.Do(func() {
		close(p.quit)
	})
	return true
}

// Disconnected returns whether the peer has been marked for disconnection.
//
// This function is safe for concurrent access.
func (p *Peer) Disconnected() bool {
	return atomic.LoadInt32(&p.disconnect) != 0
}

// Quit returns a channel that is closed once the peer is marked for
// disconnection.
func (p *Peer) Quit() <-chan struct{} {
	return p.quit
}

// Close marks the peer for disconnection and releases its socket.  When the
// peer uses TLS and sendFinalShutdown is set, a close_notify is sent first,
// bounded by the shutdown timeout.  Close is idempotent.
//
// This function is safe for concurrent access.
func (p *Peer) Close(sendFinalShutdown bool) {
	p.Disconnect()
	p.closeOnce.Do(func() {
		if tlsConn, ok := p.conn.(*tls.Conn); ok && sendFinalShutdown {
			deadline := time.Now().Add(p.cfg.ShutdownTimeout)
			_ = tlsConn.SetWriteDeadline(deadline)
			if err := tlsConn.CloseWrite(); err != nil {
				log.Debugf("TLS shutdown for %s failed: %v", p, err)
			}
		}
		if err := p.conn.Close(); err != nil {
			log.Tracef("Close %s: %v", p, err)
		}
	})
}

// ClaimProcessing marks the peer as owned by one message-processing
// goroutine.  It returns false when another goroutine already owns it, which
// keeps messages of one peer processed in arrival order.
func (p *Peer) ClaimProcessing() bool {
	return atomic.CompareAndSwapInt32(&p.claimed, 0, 1)
}

// ReleaseProcessing gives up the claim taken by ClaimProcessing.
func (p *Peer) ReleaseProcessing() {
	atomic.StoreInt32(&p.claimed, 0)
}

// CanFree returns true once the peer is marked for disconnection, holds no
// references and no goroutine holds any of its per-connection locks.
//
// This function is safe for concurrent access.
func (p *Peer) CanFree() bool {
	if !p.Disconnected() || p.RefCount() != 0 {
		return false
	}

	locks := []*sync.Mutex{&p.writeMtx, &p.sendMtx, &p.recvMtx, &p.processMtx}
	for i, mtx := range locks {
		if !mtx.TryLock() {
			for _, held := range locks[:i] {
				held.Unlock()
			}
			return false
		}
	}
	for _, mtx := range locks {
		mtx.Unlock()
	}
	return true
}

// Free drops the peer's buffers.  It must only be called after CanFree
// returned true.  It returns false if the peer was already freed.
func (p *Peer) Free() bool {
	if !atomic.CompareAndSwapInt32(&p.freed, 0, 1) {
		return false
	}

	p.sendMtx.Lock()
	p.sendQueue.Init()
	p.sendOffset = 0
	p.sendQueueSize = 0
	p.sendMtx.Unlock()

	p.recvMtx.Lock()
	p.framer.Reset()
	p.recvMtx.Unlock()

	p.processMtx.Lock()
	p.processQueue = nil
	p.processQueueSize = 0
	p.processMtx.Unlock()

	return true
}

// Freed returns whether Free has run.
func (p *Peer) Freed() bool {
	return atomic.LoadInt32(&p.freed) != 0
}

// newPeerBase returns a new base peer based on the inbound flag.  This
// is used by the NewInboundPeer and NewOutboundPeer functions to perform base
// setup needed by both types of peers.
func newPeerBase(cfg *Config, conn net.Conn, mode TransportMode, inbound,
	whitelisted bool) *Peer {

	p := &Peer{
		id:            atomic.AddInt32(&nodeCount, 1),
		conn:          conn,
		cfg:           *cfg, // Copy so caller can't mutate.
		inbound:       inbound,
		whitelisted:   whitelisted,
		mode:          mode,
		minPingMicros: -1,
		sendSignal:    make(chan struct{}, 1),
		recvSignal:    make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
	if p.cfg.Now == nil {
		p.cfg.Now = time.Now
	}
	if p.cfg.ReceiveFloodSize <= 0 {
		p.cfg.ReceiveFloodSize = DefaultReceiveFloodSize
	}
	if p.cfg.SendBufferSize <= 0 {
		p.cfg.SendBufferSize = DefaultSendBufferSize
	}
	if p.cfg.OptimisticWriteTimeout == 0 {
		p.cfg.OptimisticWriteTimeout = DefaultOptimisticWriteTimeout
	}
	if p.cfg.ShutdownTimeout <= 0 {
		p.cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	p.framer = wire.NewFramer(p.cfg.Magic, p.cfg.MaxMessagePayload)
	p.framer.SetAllocator(p.cfg.PayloadAllocator)
	p.timeConnected = p.cfg.Now()
	return p
}

// NewInboundPeer returns a new inbound peer for an accepted connection.
func NewInboundPeer(cfg *Config, conn net.Conn, mode TransportMode,
	whitelisted bool) *Peer {

	p := newPeerBase(cfg, conn, mode, true, whitelisted)
	p.addr = conn.RemoteAddr().String()
	if na, err := wire.NewNetAddress(conn.RemoteAddr(), 0); err == nil {
		p.na = na
	}
	return p
}

// NewOutboundPeer returns a new outbound peer for a connection dialed to
// addr.
func NewOutboundPeer(cfg *Config, conn net.Conn, mode TransportMode,
	addr string, whitelisted bool) *Peer {

	p := newPeerBase(cfg, conn, mode, false, whitelisted)
	p.addr = addr
	if na, err := wire.ParseNetAddress(addr, 0); err == nil {
		p.na = na
	} else if na, err := wire.NewNetAddress(conn.RemoteAddr(), 0); err == nil {
		p.na = na
	}
	return p
}

// directionString is a helper function that returns a string that represents
// the direction of a connection (inbound or outbound).
func directionString(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxInbound is the default maximum number of inbound peers.
	DefaultMaxInbound = 117

	// DefaultMaxOutbound is the default number of opportunistic outbound
	// connections.
	DefaultMaxOutbound = 8

	// DefaultBanDuration is how long a misbehaving peer is banned.
	DefaultBanDuration = 24 * time.Hour

	// DefaultBanSaveInterval is how often a changed ban list is written.
	DefaultBanSaveInterval = 15 * time.Minute

	// DefaultDialTimeout bounds a single outbound dial.
	DefaultDialTimeout = 30 * time.Second

	// DefaultRetryDuration is the base back-off between failed outbound
	// attempts.
	DefaultRetryDuration = 5 * time.Second

	// DefaultHousekeepingInterval is the period of the housekeeping loop.
	DefaultHousekeepingInterval = time.Second

	// DefaultFirstMessageTimeout is how long a new connection may stay
	// without both sending and receiving.
	DefaultFirstMessageTimeout = 60 * time.Second

	// DefaultInactivityTimeout is how long a peer may stay without sending
	// or without receiving.
	DefaultInactivityTimeout = 20 * time.Minute

	// DefaultPingInterval is the time between pings.
	DefaultPingInterval = 2 * time.Minute

	// DefaultPingTimeout is how long a ping may stay unanswered.
	DefaultPingTimeout = 20 * time.Minute

	// DefaultPingRetries is the number of consecutive unanswered pings
	// after which the peer is disconnected.
	DefaultPingRetries = 1

	// DefaultProcessors is the default size of the message processing
	// pool.
	DefaultProcessors = 4

	// DefaultAcceptRate is the default number of inbound connections
	// accepted per second, and the burst allowed above it.
	DefaultAcceptRate  = 10
	DefaultAcceptBurst = 20

	// fixedSeedDelay is how long the outbound opener waits for DNS seeds
	// before falling back to the fixed seeds.
	fixedSeedDelay = 60 * time.Second
)

var (
	// maxRetryDuration caps the back-off of persistent connections.
	maxRetryDuration = 5 * time.Minute
)

// Config holds the configuration options related to the connection manager.
type Config struct {
	// Listeners are the sockets inbound connections are accepted on.  The
	// connection manager takes ownership of them and closes them on Stop.
	Listeners []net.Listener

	// Magic identifies the network on the wire.
	Magic wire.NetMagic

	// DefaultPort is the port of the network, preferred for outbound
	// candidates and used for seeds.
	DefaultPort uint16

	// MaxMessagePayload, ReceiveFloodSize and SendBufferSize are passed to
	// every peer.  Zero selects the package defaults.
	MaxMessagePayload uint32
	ReceiveFloodSize  int
	SendBufferSize    int

	// MaxInbound is the inbound cap above which a new connection requires
	// an eviction.
	MaxInbound int

	// MaxOutbound is the number of opportunistic outbound connections.
	MaxOutbound int

	// MaxPerIP caps inbound connections from one IP.  Zero is unlimited.
	MaxPerIP int

	// Whitelists are the subnets whose peers bypass bans, the per-IP cap
	// and eviction.
	Whitelists []*net.IPNet

	// BanFile is where bans are persisted.  Empty keeps them in memory.
	BanFile string

	// BanDuration is how long Misbehaving bans a peer.
	BanDuration time.Duration

	// BanThreshold is the ban score at which Misbehaving bans a peer.
	BanThreshold uint32

	// BanSaveInterval is how often a changed ban list is written.
	BanSaveInterval time.Duration

	// TLS enables encrypted transport.  TLSFallback allows plaintext
	// with peers that do not negotiate TLS.  TLSCertificates are served
	// to inbound peers.
	TLS             bool
	TLSFallback     bool
	TLSCertificates []tls.Certificate

	// HandshakeTimeout bounds TLS negotiation.
	HandshakeTimeout time.Duration

	// ConnectPeers disables opportunistic outbound connections and only
	// keeps connections to these addresses.
	ConnectPeers []string

	// AddPeers are kept connected in addition to opportunistic peers.
	AddPeers []string

	// DNSSeeds are resolved when the address book is empty.  FixedSeeds
	// are used when no DNS seed answered.  DisableSeeders turns both off.
	DNSSeeds       []string
	FixedSeeds     []string
	DisableSeeders bool

	// Dial connects to the address on the named network.  It cannot be nil.
	Dial DialFunc

	// Lookup resolves DNS seeds.  It defaults to net.LookupIP.
	Lookup LookupFunc

	// DialTimeout bounds a single outbound dial.
	DialTimeout time.Duration

	// RetryDuration is the base back-off between failed outbound attempts.
	RetryDuration time.Duration

	// HousekeepingInterval is the period of the housekeeping loop.
	HousekeepingInterval time.Duration

	// FirstMessageTimeout, InactivityTimeout, PingInterval, PingTimeout and
	// PingRetries define the inactivity policy.
	FirstMessageTimeout time.Duration
	InactivityTimeout   time.Duration
	PingInterval        time.Duration
	PingTimeout         time.Duration
	PingRetries         int

	// Processors is the number of message processing goroutines.
	Processors int

	// AcceptRate and AcceptBurst limit how fast inbound connections are
	// accepted.
	AcceptRate  rate.Limit
	AcceptBurst int

	// Chain provides the upgrade schedule used by eviction.  It may be nil.
	Chain ChainState

	// UpgradeLookahead is the number of blocks before an upgrade during
	// which peers that will not survive it are evicted first.
	UpgradeLookahead int32

	// Handler receives complete messages.  It cannot be nil.
	Handler MessageHandler

	// AddrBook supplies outbound candidates.  Opportunistic outbound
	// connections are disabled when it is nil.
	AddrBook AddressBook

	// NetGroupHasher computes keyed network group values.  A hasher with a
	// process-random key is used when nil.
	NetGroupHasher NetGroupHasher

	// Registerer receives the prometheus collectors.  A private registry
	// is used when nil.
	Registerer prometheus.Registerer

	// OnPeerConnected and OnPeerDisconnected are called when a peer is
	// registered and when it is swept.  Both may be nil.
	OnPeerConnected    func(p *peer.Peer)
	OnPeerDisconnected func(p *peer.Peer)

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time
}

// ConnManager owns the live peers and every goroutine that moves their
// bytes.
type ConnManager struct {
	// The following variables must only be used atomically.
	start      int32
	stop       int32
	closedSent uint64
	closedRecv uint64

	cfg         Config
	peerCfg     peer.Config
	peers       *PeerSet
	bans        *BanStore
	tlsFallback *peer.TLSFallback
	hasher      NetGroupHasher
	limiter     *rate.Limiter
	metrics     *metrics

	// admitMtx serializes admission decisions so the inbound cap and
	// eviction see a consistent count.
	admitMtx sync.Mutex

	outboundSem chan struct{}

	addedMtx    sync.Mutex
	added       map[string]*addedNode
	addedSignal chan struct{}

	readyCh chan *peer.Peer

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a new connection manager.
// Use Start to begin processing asynchronous connection management.
func New(cfg *Config) (*ConnManager, error) {
	if cfg.Dial == nil {
		return nil, ErrDialNil
	}
	if cfg.Handler == nil {
		return nil, ErrHandlerNil
	}

	c := *cfg
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Lookup == nil {
		c.Lookup = net.LookupIP
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = DefaultMaxInbound
	}
	if c.MaxOutbound < 0 {
		c.MaxOutbound = 0
	}
	if c.BanDuration <= 0 {
		c.BanDuration = DefaultBanDuration
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = DefaultBanThreshold
	}
	if c.BanSaveInterval <= 0 {
		c.BanSaveInterval = DefaultBanSaveInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RetryDuration <= 0 {
		c.RetryDuration = DefaultRetryDuration
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if c.FirstMessageTimeout <= 0 {
		c.FirstMessageTimeout = DefaultFirstMessageTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.PingRetries <= 0 {
		c.PingRetries = DefaultPingRetries
	}
	if c.Processors <= 0 {
		c.Processors = DefaultProcessors
	}
	if c.AcceptRate <= 0 {
		c.AcceptRate = DefaultAcceptRate
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = DefaultAcceptBurst
	}
	if c.UpgradeLookahead <= 0 {
		c.UpgradeLookahead = DefaultUpgradeLookahead
	}
	if c.NetGroupHasher == nil {
		c.NetGroupHasher = randomNetGroupHasher()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}

	cm := &ConnManager{
		cfg:         c,
		peers:       NewPeerSet(c.Now),
		bans:        NewBanStore(c.BanFile, c.Magic, c.Now),
		tlsFallback: peer.NewTLSFallback(0),
		hasher:      c.NetGroupHasher,
		limiter:     rate.NewLimiter(c.AcceptRate, c.AcceptBurst),
		outboundSem: make(chan struct{}, c.MaxOutbound),
		added:       make(map[string]*addedNode),
		addedSignal: make(chan struct{}, 1),
		readyCh:     make(chan *peer.Peer, c.MaxInbound+c.MaxOutbound+len(c.AddPeers)+len(c.ConnectPeers)),
		quit:        make(chan struct{}),
	}
	cm.peerCfg = peer.Config{
		Magic:             c.Magic,
		MaxMessagePayload: c.MaxMessagePayload,
		ReceiveFloodSize:  c.ReceiveFloodSize,
		SendBufferSize:    c.SendBufferSize,
		OnReady:           cm.onReady,
		Now:               c.Now,
	}
	cm.metrics = newMetrics(c.Registerer, cm.NetTotals)

	for _, addr := range c.ConnectPeers {
		cm.added[addr] = &addedNode{addr: addr}
	}
	for _, addr := range c.AddPeers {
		cm.added[addr] = &addedNode{addr: addr}
	}

	if err := cm.bans.Load(); err != nil {
		log.Errorf("Starting with an empty ban list: %v", err)
	}
	return cm, nil
}

// Start launches the connection manager and begins connecting to the
// network.
func (cm *ConnManager) Start() {
	// Already started?
	if atomic.AddInt32(&cm.start, 1) != 1 {
		return
	}

	log.Trace("Connection manager started")

	for i := 0; i < cm.cfg.Processors; i++ {
		cm.wg.Add(1)
		go cm.processHandler()
	}

	cm.wg.Add(1)
	go cm.housekeepingHandler()

	for _, listener := range cm.cfg.Listeners {
		cm.wg.Add(1)
		go cm.listenHandler(listener)
	}

	cm.wg.Add(1)
	go cm.addedNodeHandler()

	if len(cm.cfg.ConnectPeers) == 0 && cm.cfg.AddrBook != nil &&
		cm.cfg.MaxOutbound > 0 {

		cm.wg.Add(1)
		go cm.outboundHandler()
	}
}

// Stop gracefully shuts down the connection manager: listeners are closed,
// every peer is closed and the ban list is written.  It blocks until every
// goroutine exited.
func (cm *ConnManager) Stop() {
	if atomic.AddInt32(&cm.stop, 1) != 1 {
		log.Warnf("Connection manager already stopped")
		return
	}

	// Stop all the listeners.  There will not be any listeners if
	// listening is disabled.
	for _, listener := range cm.cfg.Listeners {
		// Ignore the error since this is shutdown and there is no way
		// to recover anyways.
		_ = listener.Close()
	}

	close(cm.quit)

	// Closing the sockets unblocks the readers and writers.
	cm.peers.ForEach(func(p *peer.Peer) {
		p.Disconnect()
	})
	cm.sweepDisconnected()

	cm.wg.Wait()
	cm.sweepDisconnected()
	cm.peers.freeDrained()

	if err := cm.bans.Save(); err != nil {
		log.Errorf("%v", err)
	}
	log.Trace("Connection manager stopped")
}

// shuttingDown returns whether Stop was called.
func (cm *ConnManager) shuttingDown() bool {
	return atomic.LoadInt32(&cm.stop) != 0
}

// register adds a connected peer to the peer set and starts its read and
// write goroutines.  On failure the peer is closed.
func (cm *ConnManager) register(e *peerEntry) error {
	if cm.shuttingDown() {
		e.p.Close(false)
		return admissionError(ErrShuttingDown, "connection manager is stopping")
	}
	if err := cm.peers.add(e); err != nil {
		e.p.Close(false)
		return err
	}

	// Stop may have run its final disconnect pass between the check above
	// and the add.  The peer is swept by Stop in that case.
	if cm.shuttingDown() {
		e.outboundSlot = false
		e.p.Disconnect()
		return admissionError(ErrShuttingDown, "connection manager is stopping")
	}

	cm.wg.Add(2)
	go cm.inHandler(e.p.Acquire(), e.conn)
	go cm.outHandler(e.p.Acquire())

	log.Debugf("New peer %s (%s)", e.p, e.p.Transport())
	if cm.cfg.OnPeerConnected != nil {
		cm.cfg.OnPeerConnected(e.p)
	}
	return nil
}

// isWhitelisted returns whether ip is within a whitelisted subnet.
func (cm *ConnManager) isWhitelisted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, subnet := range cm.cfg.Whitelists {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Peers returns the live peer set.
func (cm *ConnManager) Peers() *PeerSet {
	return cm.peers
}

// BroadcastIf queues data on every connected peer for which pred returns
// true.  A nil pred selects every peer.  It returns the number of peers the
// data was queued on.
func (cm *ConnManager) BroadcastIf(pred func(p *peer.Peer) bool, data []byte) int {
	var n int
	cm.peers.ForEach(func(p *peer.Peer) {
		if p.Disconnected() || (pred != nil && !pred(p)) {
			return
		}
		if p.QueueSend(data) {
			n++
		}
	})
	return n
}

// QueueSend queues data on the peer with the given id.  It returns false
// when the peer is unknown or disconnecting.
func (cm *ConnManager) QueueSend(id int32, data []byte) bool {
	p := cm.peers.Acquire(id)
	if p == nil {
		return false
	}
	defer p.Release()

	return p.QueueSend(data)
}

// PeerCount returns the number of connected peers for which filter returns
// true.  A nil filter counts every peer.
func (cm *ConnManager) PeerCount(filter func(p *peer.Peer) bool) int {
	return cm.peers.Count(func(p *peer.Peer) bool {
		return !p.Disconnected() && (filter == nil || filter(p))
	})
}

// CopyConnectionStats returns a snapshot of every live peer.
func (cm *ConnManager) CopyConnectionStats() []peer.StatsSnap {
	var stats []peer.StatsSnap
	cm.peers.ForEach(func(p *peer.Peer) {
		stats = append(stats, *p.StatsSnapshot())
	})
	return stats
}

// NetTotals returns the bytes received and sent over all connections since
// startup.
func (cm *ConnManager) NetTotals() (uint64, uint64) {
	recv := atomic.LoadUint64(&cm.closedRecv)
	sent := atomic.LoadUint64(&cm.closedSent)
	cm.peers.ForEach(func(p *peer.Peer) {
		recv += p.BytesReceived()
		sent += p.BytesSent()
	})
	return recv, sent
}

// DisconnectNode marks the peer with the given id for disconnection.
func (cm *ConnManager) DisconnectNode(id int32) error {
	p := cm.peers.Acquire(id)
	if p == nil {
		return ErrPeerNotFound
	}
	defer p.Release()

	p.Disconnect()
	return nil
}

// DisconnectNodeByAddr marks the peer connected to addr for disconnection.
func (cm *ConnManager) DisconnectNodeByAddr(addr string) error {
	p := cm.peers.AcquireByAddr(addr)
	if p == nil {
		return ErrPeerNotFound
	}
	defer p.Release()

	p.Disconnect()
	return nil
}

// Ban bans subnet for duration and disconnects every peer inside it.
func (cm *ConnManager) Ban(subnet *net.IPNet, reason BanReason, duration time.Duration) {
	cm.bans.Ban(subnet, reason, cm.cfg.Now().Add(duration))
	log.Infof("Banned %s for %v (%s)", subnet, duration, reason)

	cm.peers.ForEach(func(p *peer.Peer) {
		if ip := p.IP(); ip != nil && subnet.Contains(ip) {
			log.Debugf("Disconnecting banned peer %s", p)
			p.Disconnect()
		}
	})
	cm.metrics.bans.Set(float64(cm.bans.Len()))
}

// Unban lifts the ban on subnet.  It returns false when subnet was not
// banned.
func (cm *ConnManager) Unban(subnet *net.IPNet) bool {
	ok := cm.bans.Unban(subnet)
	if ok {
		log.Infof("Unbanned %s", subnet)
	}
	cm.metrics.bans.Set(float64(cm.bans.Len()))
	return ok
}

// IsBanned returns whether ip lies in a subnet whose ban has not expired.
func (cm *ConnManager) IsBanned(ip net.IP) bool {
	return cm.bans.IsBanned(ip)
}

// ListBans returns the unexpired bans.
func (cm *ConnManager) ListBans() []BanEntry {
	return cm.bans.List()
}

// ClearBanned removes every ban.
func (cm *ConnManager) ClearBanned() {
	cm.bans.ClearBanned()
	cm.metrics.bans.Set(0)
}

// Misbehaving increases the ban score of the peer with the given id.  Once
// the score reaches the ban threshold the peer's address is banned and the
// peer disconnected.  Whitelisted peers are never banned.  It returns true
// when the peer was banned.
func (cm *ConnManager) Misbehaving(id int32, persistent, transient uint32, reason string) bool {
	e := cm.peers.entry(id)
	if e == nil {
		return false
	}
	p := e.p

	cm.metrics.misbehavior.Inc()
	score := e.banScore.Increase(persistent, transient)
	if p.Whitelisted() {
		log.Debugf("Misbehaving whitelisted peer %s: %s -- ban score is %d, "+
			"not banning", p, reason, score)
		return false
	}
	if score < cm.cfg.BanThreshold {
		if score > cm.cfg.BanThreshold/2 {
			log.Warnf("Misbehaving peer %s: %s -- ban score increased to %d",
				p, reason, score)
		}
		return false
	}

	log.Warnf("Misbehaving peer %s: %s -- banning and disconnecting", p, reason)
	if ip := p.IP(); ip != nil {
		cm.Ban(SingleIPSubnet(ip), BanReasonNodeMisbehaving, cm.cfg.BanDuration)
	}
	p.Disconnect()
	return true
}

// RelayInventory records payload as relayed under key.
func (cm *ConnManager) RelayInventory(key chainhash.Hash, payload []byte) {
	cm.peers.RelayInventory(key, payload)
}

// FindRelayed returns the payload relayed under key if it has not expired.
func (cm *ConnManager) FindRelayed(key chainhash.Hash) ([]byte, bool) {
	return cm.peers.FindRelayed(key)
}

// Inbound is a PeerCount filter selecting inbound peers.
func Inbound(p *peer.Peer) bool {
	return p.Inbound()
}

// Outbound is a PeerCount filter selecting outbound peers.
func Outbound(p *peer.Peer) bool {
	return !p.Inbound()
}

// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func init() {
	// Override the max retry duration when running tests.
	maxRetryDuration = 2 * time.Millisecond
}

// mockConn mocks a network connection.  Reads block until data is injected
// or the connection is closed.  Writes are recorded.
type mockConn struct {
	mtx     sync.Mutex
	pending []byte
	written bytes.Buffer

	data      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	laddr net.Addr
	raddr net.Addr
}

func newMockConn(remote string) *mockConn {
	raddr, err := net.ResolveTCPAddr("tcp", remote)
	if err != nil {
		panic(err)
	}
	return &mockConn{
		data:   make(chan []byte, 16),
		closed: make(chan struct{}),
		laddr:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8233},
		raddr:  raddr,
	}
}

func (c *mockConn) Read(b []byte) (int, error) {
	c.mtx.Lock()
	if len(c.pending) == 0 {
		c.mtx.Unlock()
		select {
		case d := <-c.data:
			c.mtx.Lock()
			c.pending = d
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	c.mtx.Unlock()
	return n, nil
}

func (c *mockConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.written.Write(b)
	return len(b), nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// inject makes b available to the reader.
func (c *mockConn) inject(b []byte) {
	c.data <- b
}

func (c *mockConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *mockConn) bytes() []byte {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]byte(nil), c.written.Bytes()...)
}

func (c *mockConn) LocalAddr() net.Addr                { return c.laddr }
func (c *mockConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *mockConn) SetDeadline(t time.Time) error      { return nil }
func (c *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// testClock is a manually advanced clock.
type testClock struct {
	mtx sync.Mutex
	t   time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mtx.Lock()
	c.t = t
	c.mtx.Unlock()
}

func (c *testClock) Add(d time.Duration) {
	c.mtx.Lock()
	c.t = c.t.Add(d)
	c.mtx.Unlock()
}

var errDialDisabled = errors.New("dialing disabled")

func failingDial(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errDialDisabled
}

// newTestConnManager returns a connection manager driven by a test clock.
// Background goroutines are only running after Start.
func newTestConnManager(t *testing.T, modify func(cfg *Config)) (*ConnManager, *testClock) {
	t.Helper()

	clock := newTestClock()
	cfg := &Config{
		Magic:               wire.RegTest,
		DefaultPort:         8233,
		MaxInbound:          8,
		Dial:                failingDial,
		Handler:             MessageHandlerFunc(func(*peer.Peer, *wire.FramedMessage) {}),
		NetGroupHasher:      NewNetGroupHasher(1, 2),
		FirstMessageTimeout: time.Hour,
		InactivityTimeout:   time.Hour,
		PingInterval:        time.Hour,
		PingTimeout:         time.Hour,
		Now:                 clock.Now,
	}
	if modify != nil {
		modify(cfg)
	}
	cm, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(cm.Stop)
	return cm, clock
}

// connectInbound admits a mock connection from remote and returns it with
// the resulting peer.
func connectInbound(t *testing.T, cm *ConnManager, remote string) (*mockConn, *peer.Peer) {
	t.Helper()

	c := newMockConn(remote)
	require.NoError(t, cm.handleInbound(c))
	p := cm.peers.AcquireByAddr(remote)
	require.NotNil(t, p)
	p.Release()
	return c, p
}

// TestNewConfig tests that new ConnManager config is validated as expected.
func TestNewConfig(t *testing.T) {
	_, err := New(&Config{})
	require.ErrorIs(t, err, ErrDialNil)

	_, err = New(&Config{Dial: failingDial})
	require.ErrorIs(t, err, ErrHandlerNil)

	cm, err := New(&Config{
		Dial:    failingDial,
		Handler: MessageHandlerFunc(func(*peer.Peer, *wire.FramedMessage) {}),
	})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxInbound, cm.cfg.MaxInbound)
	require.Equal(t, DefaultPingInterval, cm.cfg.PingInterval)
	require.EqualValues(t, DefaultBanThreshold, cm.cfg.BanThreshold)
}

// TestUseLogger tests that a logger can be passed to UseLogger.
func TestUseLogger(t *testing.T) {
	UseLogger(btclog.NewBackend(io.Discard).Logger("CMGR"))
	require.NotEqual(t, btclog.Disabled, log)
	DisableLog()
	require.Equal(t, btclog.Disabled, log)
}

// TestStartStop tests that the connection manager accepts connections on its
// listeners and closes everything on Stop.
func TestStartStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.Listeners = []net.Listener{listener}
		cfg.Now = nil
	})
	cm.Start()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return cm.PeerCount(Inbound) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cm.Stop()
	require.Equal(t, 0, cm.Peers().Len())

	// The connection was closed by the connection manager.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	// Already stopped.
	cm.Stop()

	c := newMockConn("33.1.0.1:8233")
	err = cm.handleInbound(c)
	require.True(t, IsAdmissionError(err, ErrShuttingDown))
	require.True(t, c.isClosed())
}

// TestInboundEviction connects a full set of inbound peers and then admits
// whitelisted peers one by one, checking which peer each of them evicts.
func TestInboundEviction(t *testing.T) {
	const numPeers = 17

	groupValues := make(map[string]uint64)
	for i := 1; i <= numPeers; i++ {
		groupValues[fmt.Sprintf("31.%d.0.0", i)] = uint64(18-i) * 10
	}
	_, whitelist, err := net.ParseCIDR("32.0.0.0/8")
	require.NoError(t, err)

	cm, clock := newTestConnManager(t, func(cfg *Config) {
		cfg.MaxInbound = numPeers
		cfg.Whitelists = []*net.IPNet{whitelist}
		cfg.NetGroupHasher = func(group string) uint64 {
			if v, ok := groupValues[group]; ok {
				return v
			}
			return 1000
		}
	})
	t0 := clock.Now()

	peers := make(map[string]*peer.Peer)
	conns := make(map[string]*mockConn)
	for i := 1; i <= numPeers; i++ {
		ip := fmt.Sprintf("31.%d.0.1", i)
		if i == 15 {
			// Shares the network group of N14.
			ip = "31.14.0.2"
		}
		name := fmt.Sprintf("N%d", i)
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		conns[name], peers[name] = connectInbound(t, cm, ip+":8233")
	}
	for i := 1; i <= numPeers; i++ {
		p := peers[fmt.Sprintf("N%d", i)]
		p.PingSent(1, clock.Now().Add(-time.Duration(i)*time.Millisecond))
		require.True(t, p.PongReceived(1))
	}
	require.Equal(t, numPeers, cm.PeerCount(Inbound))

	tests := []struct {
		remote  string
		evicted string
	}{
		{"32.0.0.1:8233", "N17"},
		{"32.0.0.2:8233", "N16"},
		{"32.0.0.3:8233", "N15"},
	}
	for i, test := range tests {
		clock.Set(t0.Add(time.Duration(numPeers+1+i) * time.Second))
		_, w := connectInbound(t, cm, test.remote)
		require.True(t, w.Whitelisted())

		for name, p := range peers {
			require.Equal(t, name == test.evicted, p.Disconnected(),
				"admitting %s: peer %s", test.remote, name)
		}

		cm.sweepDisconnected()
		require.True(t, conns[test.evicted].isClosed())
		delete(peers, test.evicted)
		require.Equal(t, numPeers, cm.PeerCount(Inbound))
	}
	require.Equal(t, 3.0, testutil.ToFloat64(cm.metrics.evictions))
}

// TestInboundEvictionSkipsDisconnecting ensures eviction never picks a peer
// that is already disconnecting and never touches whitelisted peers.
func TestInboundEvictionSkipsDisconnecting(t *testing.T) {
	const numPeers = 17

	_, whitelist, err := net.ParseCIDR("32.0.0.0/8")
	require.NoError(t, err)
	cm, clock := newTestConnManager(t, func(cfg *Config) {
		cfg.MaxInbound = numPeers + 1
		cfg.Whitelists = []*net.IPNet{whitelist}
	})
	t0 := clock.Now()

	// A registered whitelisted peer, older than everybody else.
	_, w0 := connectInbound(t, cm, "32.0.0.9:8233")
	require.True(t, w0.Whitelisted())

	// All peers share one network group.
	peers := make(map[string]*peer.Peer)
	for i := 1; i <= numPeers; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Second))
		_, p := connectInbound(t, cm, fmt.Sprintf("31.1.0.%d:8233", i))
		p.PingSent(1, clock.Now().Add(-time.Duration(i)*time.Millisecond))
		require.True(t, p.PongReceived(1))
		peers[fmt.Sprintf("N%d", i)] = p
	}

	// The youngest peer is disconnecting but not swept yet, so it still
	// counts against the limit.
	peers["N17"].Disconnect()
	require.Equal(t, numPeers+1, cm.peers.inboundCount())
	require.Equal(t, numPeers, cm.PeerCount(Inbound))

	clock.Set(t0.Add((numPeers + 1) * time.Second))
	_, w1 := connectInbound(t, cm, "32.0.0.1:8233")
	require.True(t, w1.Whitelisted())

	for name, p := range peers {
		want := name == "N16" || name == "N17"
		require.Equal(t, want, p.Disconnected(), "peer %s", name)
	}
	require.False(t, w0.Disconnected())
	require.False(t, w1.Disconnected())
	require.Equal(t, 1.0, testutil.ToFloat64(cm.metrics.evictions))

	cm.sweepDisconnected()
	require.Equal(t, numPeers, cm.peers.inboundCount())
	require.False(t, w0.Disconnected())
}

// TestInboundNoEvictable ensures a full inbound set without an unprotected
// peer refuses new non-whitelisted connections.
func TestInboundNoEvictable(t *testing.T) {
	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.MaxInbound = 2
	})
	connectInbound(t, cm, "33.1.0.1:8233")
	connectInbound(t, cm, "33.2.0.1:8233")

	c := newMockConn("33.3.0.1:8233")
	err := cm.handleInbound(c)
	require.True(t, IsAdmissionError(err, ErrNoEvictable), "got %v", err)
	require.True(t, c.isClosed())
	require.Equal(t, 2, cm.PeerCount(nil))
	require.Equal(t, 1.0, testutil.ToFloat64(
		cm.metrics.refusals.WithLabelValues(ErrNoEvictable.metricLabel())))
}

// TestInboundAdmission tests the refusal reasons checked before a peer is
// created.
func TestInboundAdmission(t *testing.T) {
	_, whitelist, err := net.ParseCIDR("34.0.0.0/8")
	require.NoError(t, err)

	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.MaxPerIP = 1
		cfg.Whitelists = []*net.IPNet{whitelist}
	})

	// Per-IP limit.
	connectInbound(t, cm, "33.1.0.1:1000")
	c := newMockConn("33.1.0.1:1001")
	err = cm.handleInbound(c)
	require.True(t, IsAdmissionError(err, ErrPerIPLimit), "got %v", err)
	require.True(t, c.isClosed())

	// Whitelisted addresses bypass the per-IP limit.
	connectInbound(t, cm, "34.1.0.1:1000")
	connectInbound(t, cm, "34.1.0.1:1001")

	// Banned subnets.
	subnet, err := ParseSubnet("35.0.0.0/16")
	require.NoError(t, err)
	cm.Ban(subnet, BanReasonManuallyAdded, time.Hour)
	c = newMockConn("35.0.1.1:1000")
	err = cm.handleInbound(c)
	require.True(t, IsAdmissionError(err, ErrBanned), "got %v", err)
	require.True(t, c.isClosed())

	// Whitelisted addresses bypass bans.
	cm.Ban(SingleIPSubnet(net.ParseIP("34.2.0.1")), BanReasonManuallyAdded,
		time.Hour)
	connectInbound(t, cm, "34.2.0.1:1000")
}

// TestBanDisconnects ensures banning a subnet disconnects the peers inside
// it and lifting the ban admits them again.
func TestBanDisconnects(t *testing.T) {
	cm, _ := newTestConnManager(t, nil)
	_, inside := connectInbound(t, cm, "36.1.0.1:8233")
	_, outside := connectInbound(t, cm, "36.2.0.1:8233")

	subnet, err := ParseSubnet("36.1.0.0/16")
	require.NoError(t, err)
	cm.Ban(subnet, BanReasonManuallyAdded, time.Hour)
	require.True(t, inside.Disconnected())
	require.False(t, outside.Disconnected())
	require.True(t, cm.IsBanned(net.ParseIP("36.1.2.3")))
	require.Len(t, cm.ListBans(), 1)

	require.True(t, cm.Unban(subnet))
	require.False(t, cm.Unban(subnet))
	require.False(t, cm.IsBanned(net.ParseIP("36.1.2.3")))

	cm.sweepDisconnected()
	connectInbound(t, cm, "36.1.0.1:8233")
}

// TestMisbehaving tests that ban scores accumulate until the peer is banned
// and that whitelisted peers are never banned.
func TestMisbehaving(t *testing.T) {
	_, whitelist, err := net.ParseCIDR("38.0.0.0/8")
	require.NoError(t, err)

	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.Whitelists = []*net.IPNet{whitelist}
	})
	_, p := connectInbound(t, cm, "37.1.0.1:8233")

	require.False(t, cm.Misbehaving(p.ID(), 50, 0, "first"))
	require.False(t, p.Disconnected())
	require.True(t, cm.Misbehaving(p.ID(), 50, 0, "second"))
	require.True(t, p.Disconnected())
	require.True(t, cm.IsBanned(net.ParseIP("37.1.0.1")))

	bans := cm.ListBans()
	require.Len(t, bans, 1)
	require.Equal(t, BanReasonNodeMisbehaving, bans[0].Reason)

	_, w := connectInbound(t, cm, "38.1.0.1:8233")
	require.False(t, cm.Misbehaving(w.ID(), 1000, 0, "whitelisted"))
	require.False(t, w.Disconnected())

	require.False(t, cm.Misbehaving(-1, 100, 0, "unknown"))
}

// TestOversizedHeader ensures a header declaring a payload one byte above
// the limit disconnects the peer before any payload arrives.
func TestOversizedHeader(t *testing.T) {
	const maxPayload = 1024

	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.MaxMessagePayload = maxPayload
	})

	// Record every payload buffer the peer's framer allocates.
	var allocMtx sync.Mutex
	var allocs []int
	cm.peerCfg.PayloadAllocator = func(capacity int) []byte {
		allocMtx.Lock()
		allocs = append(allocs, capacity)
		allocMtx.Unlock()
		return make([]byte, 0, capacity)
	}
	numAllocs := func() int {
		allocMtx.Lock()
		defer allocMtx.Unlock()
		return len(allocs)
	}
	c, p := connectInbound(t, cm, "39.1.0.1:8233")

	// A valid message is assembled in a buffer of its own size.
	valid, err := wire.SerializeMessage(wire.RegTest, "block", make([]byte, 8))
	require.NoError(t, err)
	c.inject(valid)
	require.Eventually(t, func() bool { return numAllocs() == 1 },
		5*time.Second, time.Millisecond)
	require.False(t, p.Disconnected())

	oversized := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(oversized[16:20], maxPayload+1)
	c.inject(oversized[:wire.MessageHeaderSize])

	require.Eventually(t, p.Disconnected, 5*time.Second, time.Millisecond)
	cm.sweepDisconnected()
	require.True(t, c.isClosed())
	require.Equal(t, 1.0, testutil.ToFloat64(cm.metrics.violations))

	// The oversized header never led to a payload buffer.
	allocMtx.Lock()
	require.Equal(t, []int{8}, allocs)
	allocMtx.Unlock()
}

// TestMessageProcessing tests that messages are handed to the handler in
// order and replies queued by the handler reach the socket.
func TestMessageProcessing(t *testing.T) {
	received := make(chan string, 10)
	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.Handler = MessageHandlerFunc(func(p *peer.Peer, msg *wire.FramedMessage) {
			received <- string(msg.Payload)
			if msg.Command() == wire.CmdPing {
				reply, err := wire.SerializeMessage(wire.RegTest,
					wire.CmdPong, msg.Payload)
				if err == nil {
					p.QueueSend(reply)
				}
			}
		})
	})
	cm.Start()

	c, _ := connectInbound(t, cm, "40.1.0.1:8233")

	var stream []byte
	for _, payload := range []string{"one", "two", "three"} {
		msg, err := wire.SerializeMessage(wire.RegTest, "test", []byte(payload))
		require.NoError(t, err)
		stream = append(stream, msg...)
	}
	ping, err := wire.SerializeMessage(wire.RegTest, wire.CmdPing, []byte("12345678"))
	require.NoError(t, err)
	stream = append(stream, ping...)

	// Deliver the stream in two uneven chunks.
	c.inject(stream[:30])
	c.inject(stream[30:])

	for _, want := range []string{"one", "two", "three", "12345678"} {
		select {
		case got := <-received:
			require.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}

	pong, err := wire.SerializeMessage(wire.RegTest, wire.CmdPong, []byte("12345678"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Contains(c.bytes(), pong)
	}, 5*time.Second, time.Millisecond)
}

// TestInvalidChecksumDropped ensures a message with a bad checksum is
// dropped without reaching the handler or closing the connection.
func TestInvalidChecksumDropped(t *testing.T) {
	received := make(chan string, 10)
	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.Handler = MessageHandlerFunc(func(p *peer.Peer, msg *wire.FramedMessage) {
			received <- string(msg.Payload)
		})
	})
	cm.Start()

	c, p := connectInbound(t, cm, "40.2.0.1:8233")

	bad, err := wire.SerializeMessage(wire.RegTest, "test", []byte("bad"))
	require.NoError(t, err)
	bad[20] ^= 0xff
	good, err := wire.SerializeMessage(wire.RegTest, "test", []byte("good"))
	require.NoError(t, err)
	c.inject(append(bad, good...))

	select {
	case got := <-received:
		require.Equal(t, "good", got)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	require.False(t, p.Disconnected())
}

// TestHousekeepingFreesPeers tests that a disconnected peer is closed by the
// next housekeeping round and freed once its last reference is dropped.
func TestHousekeepingFreesPeers(t *testing.T) {
	cm, clock := newTestConnManager(t, nil)
	cm.Start()
	c, p := connectInbound(t, cm, "41.1.0.1:8233")

	msg, err := wire.SerializeMessage(wire.RegTest, "test", []byte("x"))
	require.NoError(t, err)
	c.inject(msg)
	require.Eventually(t, func() bool {
		return p.BytesReceived() == uint64(len(msg))
	}, 5*time.Second, time.Millisecond)

	held := cm.peers.Acquire(p.ID())
	require.NotNil(t, held)
	require.NoError(t, cm.DisconnectNode(p.ID()))
	require.ErrorIs(t, cm.DisconnectNode(-1), ErrPeerNotFound)

	cm.housekeep(clock.Now())
	require.True(t, c.isClosed())
	require.Equal(t, 0, cm.Peers().Len())

	// Wait for the reader and writer to drop their references.
	require.Eventually(t, func() bool {
		return p.RefCount() == 1
	}, 5*time.Second, time.Millisecond)

	cm.housekeep(clock.Now())
	require.False(t, p.Freed())

	held.Release()
	cm.housekeep(clock.Now())
	require.True(t, p.Freed())

	recv, _ := cm.NetTotals()
	require.Equal(t, uint64(len(msg)), recv)
}

// TestInactivity tests the first message and ping timeouts.
func TestInactivity(t *testing.T) {
	t.Run("first message", func(t *testing.T) {
		cm, clock := newTestConnManager(t, func(cfg *Config) {
			cfg.FirstMessageTimeout = time.Minute
		})
		_, p := connectInbound(t, cm, "42.1.0.1:8233")

		clock.Add(59 * time.Second)
		cm.housekeep(clock.Now())
		require.False(t, p.Disconnected())

		clock.Add(2 * time.Second)
		cm.housekeep(clock.Now())
		require.True(t, p.Disconnected())
	})

	t.Run("ping timeout", func(t *testing.T) {
		cm, clock := newTestConnManager(t, func(cfg *Config) {
			cfg.PingInterval = time.Minute
			cfg.PingTimeout = 2 * time.Minute
			cfg.PingRetries = 1
		})
		c, p := connectInbound(t, cm, "42.2.0.1:8233")

		cm.housekeep(clock.Now())
		nonce, _ := p.OutstandingPing()
		require.NotZero(t, nonce)
		require.Eventually(t, func() bool {
			b := c.bytes()
			return len(b) >= wire.MessageHeaderSize &&
				bytes.Contains(b[4:16], []byte(wire.CmdPing))
		}, 5*time.Second, time.Millisecond)

		clock.Add(90 * time.Second)
		cm.housekeep(clock.Now())
		require.False(t, p.Disconnected())

		clock.Add(31 * time.Second)
		cm.housekeep(clock.Now())
		require.True(t, p.Disconnected())
	})

	t.Run("pong resets", func(t *testing.T) {
		cm, clock := newTestConnManager(t, func(cfg *Config) {
			cfg.PingInterval = time.Minute
			cfg.PingTimeout = 2 * time.Minute
			cfg.PingRetries = 1
		})
		_, p := connectInbound(t, cm, "42.3.0.1:8233")

		cm.housekeep(clock.Now())
		nonce, _ := p.OutstandingPing()
		clock.Add(50 * time.Millisecond)
		require.True(t, p.PongReceived(nonce))
		require.Equal(t, 50*time.Millisecond, p.MinPing())

		clock.Add(3 * time.Minute)
		cm.housekeep(clock.Now())
		require.False(t, p.Disconnected())
	})
}

// TestBroadcastIf tests selective broadcasting.
func TestBroadcastIf(t *testing.T) {
	cm, _ := newTestConnManager(t, nil)
	c1, p1 := connectInbound(t, cm, "43.1.0.1:8233")
	c2, _ := connectInbound(t, cm, "43.2.0.1:8233")

	msg, err := wire.SerializeMessage(wire.RegTest, "inv", []byte{1, 2, 3})
	require.NoError(t, err)

	n := cm.BroadcastIf(func(p *peer.Peer) bool {
		return p.ID() == p1.ID()
	}, msg)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		return bytes.Equal(c1.bytes(), msg)
	}, 5*time.Second, time.Millisecond)
	require.Empty(t, c2.bytes())

	require.Equal(t, 2, cm.BroadcastIf(nil, msg))
	require.True(t, cm.QueueSend(p1.ID(), msg))
	require.False(t, cm.QueueSend(-1, msg))
	require.Len(t, cm.CopyConnectionStats(), 2)
}

// TestAddedNodes tests that added nodes are connected, retried with
// back-off while unreachable and can be removed.
func TestAddedNodes(t *testing.T) {
	var dials int32
	conns := make(chan *mockConn, 4)
	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.Now = nil
		cfg.RetryDuration = time.Millisecond
		cfg.HousekeepingInterval = 5 * time.Millisecond
		cfg.AddPeers = []string{"44.1.0.1:8233"}
		cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if atomic.AddInt32(&dials, 1) < 3 {
				return nil, errDialDisabled
			}
			c := newMockConn(addr)
			conns <- c
			return c, nil
		}
	})

	require.ErrorIs(t, cm.AddNode("44.1.0.1:8233"), ErrAddedNodeExists)
	require.ErrorIs(t, cm.RemoveNode("44.9.0.1:8233"), ErrAddedNodeNotFound)
	require.Error(t, cm.AddNode("missing-port"))

	cm.Start()
	require.Eventually(t, func() bool {
		nodes := cm.AddedNodes()
		return len(nodes) == 1 && nodes[0].Connected
	}, 5*time.Second, time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&dials), int32(3))
	require.Equal(t, 1, cm.PeerCount(Outbound))

	require.NoError(t, cm.RemoveNode("44.1.0.1:8233"))
	require.Empty(t, cm.AddedNodes())

	c := <-conns
	require.Eventually(t, c.isClosed, 5*time.Second, time.Millisecond)
}

// mockAddrBook is an AddressBook serving a fixed list of addresses.
type mockAddrBook struct {
	mtx       sync.Mutex
	addrs     []*wire.NetAddress
	next      int
	attempts  int
	connected int
}

func (b *mockAddrBook) AddAddress(na, src *wire.NetAddress) {
	b.mtx.Lock()
	b.addrs = append(b.addrs, na)
	b.mtx.Unlock()
}

func (b *mockAddrBook) Attempt(na *wire.NetAddress) {
	b.mtx.Lock()
	b.attempts++
	b.mtx.Unlock()
}

func (b *mockAddrBook) Connected(na *wire.NetAddress) {
	b.mtx.Lock()
	b.connected++
	b.mtx.Unlock()
}

func (b *mockAddrBook) GetAddress() *wire.NetAddress {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if len(b.addrs) == 0 {
		return nil
	}
	na := b.addrs[b.next%len(b.addrs)]
	b.next++
	return na
}

func (b *mockAddrBook) NumAddresses() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.addrs)
}

func (b *mockAddrBook) numConnected() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.connected
}

// TestOutboundOpener tests that the opener connects to address book
// candidates, at most one per network group.
func TestOutboundOpener(t *testing.T) {
	book := &mockAddrBook{}
	for _, ip := range []string{"45.1.0.1", "45.1.0.2", "45.1.0.3"} {
		book.AddAddress(wire.NewNetAddressIPPort(net.ParseIP(ip), 8233,
			wire.SFNodeNetwork), nil)
	}

	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.Now = nil
		cfg.MaxOutbound = 2
		cfg.AddrBook = book
		cfg.RetryDuration = 10 * time.Millisecond
		cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return newMockConn(addr), nil
		}
	})
	cm.Start()

	require.Eventually(t, func() bool {
		return cm.PeerCount(Outbound) == 1 && book.numConnected() == 1
	}, 5*time.Second, time.Millisecond)
	require.Never(t, func() bool {
		return cm.PeerCount(Outbound) > 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

// TestOutboundSeeding tests that an empty address book is filled from the
// DNS seeds.
func TestOutboundSeeding(t *testing.T) {
	book := &mockAddrBook{}
	cm, _ := newTestConnManager(t, func(cfg *Config) {
		cfg.Now = nil
		cfg.MaxOutbound = 1
		cfg.AddrBook = book
		cfg.RetryDuration = 10 * time.Millisecond
		cfg.DNSSeeds = []string{"seed.example.com"}
		cfg.Lookup = func(host string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("46.1.0.1")}, nil
		}
		cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return newMockConn(addr), nil
		}
	})
	cm.Start()

	require.Eventually(t, func() bool {
		return cm.Peers().HasAddr("46.1.0.1:8233")
	}, 5*time.Second, time.Millisecond)
}

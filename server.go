// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/p2pd/p2pd/addrmgr"
	"github.com/p2pd/p2pd/connmgr"
	"github.com/p2pd/p2pd/internal/certgen"
	"github.com/p2pd/p2pd/internal/log"
	"github.com/p2pd/p2pd/peer"
	"github.com/p2pd/p2pd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	// malformedPingScore is the ban score added for a ping or pong whose
	// payload is not a nonce.
	malformedPingScore = 10

	// metricsShutdownTimeout bounds the graceful shutdown of the metrics
	// server.
	metricsShutdownTimeout = 5 * time.Second

	// certOrganization is the organization of a generated certificate.
	certOrganization = "p2pd autogenerated cert"
)

// server provides a peer-to-peer transport daemon for a blockchain network.
type server struct {
	// The following variables must only be used atomically.
	started  int32
	shutdown int32

	cfg      *config
	params   *params
	cm       *connmgr.ConnManager
	amgr     *addrmgr.AddrManager
	chain    *chainState
	registry *prometheus.Registry

	listeners       []net.Listener
	metricsListener net.Listener
	metricsServer   *http.Server

	wg   sync.WaitGroup
	quit chan struct{}
}

// Ensure server implements the connmgr.MessageHandler interface.
var _ connmgr.MessageHandler = (*server)(nil)

// HandleMessage answers pings, feeds pongs into the ping bookkeeping of the
// peer and drops every other message.
func (s *server) HandleMessage(p *peer.Peer, msg *wire.FramedMessage) {
	switch msg.Command() {
	case wire.CmdPing:
		ping, err := wire.DecodePing(msg.Payload)
		if err != nil {
			srvrLog.Debugf("Malformed ping from %s: %v", p, err)
			s.cm.Misbehaving(p.ID(), malformedPingScore, 0,
				"malformed ping")
			return
		}
		pong, err := wire.NewMsgPong(ping.Nonce).Serialize(s.params.magic)
		if err != nil {
			srvrLog.Errorf("Can't serialize pong: %v", err)
			return
		}
		p.QueueSend(pong)

	case wire.CmdPong:
		pong, err := wire.DecodePong(msg.Payload)
		if err != nil {
			srvrLog.Debugf("Malformed pong from %s: %v", p, err)
			s.cm.Misbehaving(p.ID(), malformedPingScore, 0,
				"malformed pong")
			return
		}
		if !p.PongReceived(pong.Nonce) {
			srvrLog.Debugf("Unsolicited pong %d from %s", pong.Nonce, p)
		}

	default:
		srvrLog.Tracef("Dropping %q message from %s: %v", msg.Command(),
			p, newLogClosure(func() string {
				return spew.Sdump(msg.Header)
			}))
	}
}

// onPeerConnected marks outbound peers good in the address manager.
func (s *server) onPeerConnected(p *peer.Peer) {
	srvrLog.Debugf("New %s peer %s (%s)", log.DirectionString(p.Inbound()),
		p, p.Transport())
	if !p.Inbound() && p.NA() != nil {
		s.amgr.Good(p.NA())
	}
}

func (s *server) onPeerDisconnected(p *peer.Peer) {
	srvrLog.Debugf("Peer %s disconnected after %v (%d bytes sent, %d "+
		"bytes received)", p, time.Since(p.TimeConnected()).Truncate(time.Second),
		p.BytesSent(), p.BytesReceived())
}

// Start begins accepting connections from peers.
func (s *server) Start() error {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	srvrLog.Trace("Starting server")

	if err := s.amgr.Start(); err != nil {
		return err
	}
	s.cm.Start()
	for _, l := range s.listeners {
		srvrLog.Infof("Server listening on %s", l.Addr())
	}

	if s.metricsServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			srvrLog.Infof("Metrics server listening on %s",
				s.metricsListener.Addr())
			err := s.metricsServer.Serve(s.metricsListener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvrLog.Errorf("Metrics server: %v", err)
			}
		}()
	}
	return nil
}

// Stop gracefully shuts down the server by disconnecting all peers and
// stopping the listeners.
func (s *server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		srvrLog.Infof("Server is already in the process of shutting down")
		return nil
	}

	srvrLog.Warnf("Server shutting down")

	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(),
			metricsShutdownTimeout)
		s.metricsServer.Shutdown(ctx)
		cancel()
	}

	s.cm.Stop()
	if err := s.amgr.Stop(); err != nil {
		srvrLog.Errorf("Unable to stop address manager: %v", err)
	}

	srvrLog.Info(s.netTotalsSummary())

	// Signal the remaining goroutines to quit.
	close(s.quit)
	return nil
}

// netTotalsSummary describes the bytes transferred since startup.
func (s *server) netTotalsSummary() string {
	recv, sent := s.cm.NetTotals()
	return fmt.Sprintf("Sent %d bytes and received %d bytes in total",
		sent, recv)
}

// WaitForShutdown blocks until the metrics server has stopped.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP.  It also
// properly detects addresses which apply to "all interfaces" and adds the
// address as both IPv4 and IPv6.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, err
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || (host == "*" && runtime.GOOS == "plan9") {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		zoneIndex := len(host) - 1
		for ; zoneIndex >= 0; zoneIndex-- {
			if host[zoneIndex] == '%' {
				break
			}
		}
		if zoneIndex >= 0 {
			host = host[:zoneIndex]
		}

		// Parse the IP.
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		// To4 returns nil when the IP is not an IPv4 address, so use
		// this determine the address type.
		if ip.To4() == nil {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		}
	}
	return netAddrs, nil
}

// simpleAddr implements the net.Addr interface with two struct fields.
type simpleAddr struct {
	net, addr string
}

// String returns the address.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
func (a simpleAddr) Network() string {
	return a.net
}

// initListeners initializes the configured net listeners.  It is an error
// when listening was requested but no address could be bound.
func initListeners(listenAddrs []string) ([]net.Listener, error) {
	netAddrs, err := parseListeners(listenAddrs)
	if err != nil {
		return nil, err
	}

	listeners := make([]net.Listener, 0, len(netAddrs))
	for _, addr := range netAddrs {
		listener, err := net.Listen(addr.Network(), addr.String())
		if err != nil {
			srvrLog.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	if len(listeners) == 0 {
		return nil, errors.New("no valid listen address")
	}
	return listeners, nil
}

// newServer returns a new p2pd server configured to listen on the configured
// addresses for the network described by p.
func newServer(cfg *config, p *params) (*server, error) {
	s := server{
		cfg:      cfg,
		params:   p,
		chain:    newChainState(p, cfg.BestHeight, cfg.upgrade),
		registry: prometheus.NewRegistry(),
		quit:     make(chan struct{}),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	port, err := strconv.ParseUint(p.defaultPort, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid default port %q: %w",
			p.defaultPort, err)
	}

	var certs []tls.Certificate
	if cfg.TLS {
		cert, generated, err := certgen.LoadOrGenerate(certOrganization,
			cfg.TLSCert, cfg.TLSKey, cfg.Listeners)
		if err != nil {
			return nil, fmt.Errorf("unable to load TLS key pair: %w", err)
		}
		if generated {
			srvrLog.Infof("Generated TLS certificate %s", cfg.TLSCert)
		}
		certs = append(certs, cert)
	}

	var listeners []net.Listener
	if !cfg.DisableListen {
		listeners, err = initListeners(cfg.Listeners)
		if err != nil {
			return nil, err
		}
	}
	closeListeners := func() {
		for _, l := range listeners {
			l.Close()
		}
	}

	s.amgr = addrmgr.New(&addrmgr.Config{DataDir: cfg.DataDir})

	var fixedSeeds []string
	if !cfg.DisableDNSSeed {
		fixedSeeds = p.fixedSeeds
	}
	cm, err := connmgr.New(&connmgr.Config{
		Listeners:            listeners,
		Magic:                p.magic,
		DefaultPort:          uint16(port),
		MaxMessagePayload:    cfg.MaxMsgSize,
		ReceiveFloodSize:     cfg.FloodSize,
		SendBufferSize:       cfg.SendBuffer,
		MaxInbound:           cfg.MaxInbound,
		MaxOutbound:          cfg.MaxOutbound,
		MaxPerIP:             cfg.MaxPerIP,
		Whitelists:           cfg.whitelists,
		BanFile:              filepath.Join(cfg.DataDir, connmgr.DefaultBanFile),
		BanDuration:          cfg.BanDuration,
		BanThreshold:         cfg.BanThreshold,
		BanSaveInterval:      cfg.BanTimeSweep,
		TLS:                  cfg.TLS,
		TLSFallback:          cfg.TLSFallback,
		TLSCertificates:      certs,
		ConnectPeers:         cfg.ConnectPeers,
		AddPeers:             cfg.AddPeers,
		DNSSeeds:             p.dnsSeeds,
		FixedSeeds:           fixedSeeds,
		DisableSeeders:       cfg.DisableDNSSeed,
		Dial:                 connmgr.NewDialer(cfg.Proxy, cfg.ProxyUser, cfg.ProxyPass, cfg.ConnectTimeout),
		DialTimeout:          cfg.ConnectTimeout,
		Processors:           cfg.Processors,
		AcceptRate:           rate.Limit(cfg.AcceptRate),
		AcceptBurst:          connmgr.DefaultAcceptBurst,
		Chain:                s.chain,
		UpgradeLookahead:     cfg.UpgradeLookahead,
		Handler:              &s,
		AddrBook:             s.amgr,
		Registerer:           s.registry,
		OnPeerConnected:      s.onPeerConnected,
		OnPeerDisconnected:   s.onPeerDisconnected,
		HousekeepingInterval: connmgr.DefaultHousekeepingInterval,
	})
	if err != nil {
		closeListeners()
		return nil, err
	}
	s.cm = cm
	s.listeners = listeners

	if cfg.MetricsListen != "" {
		listener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			closeListeners()
			return nil, fmt.Errorf("unable to listen for metrics on "+
				"%s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry,
			promhttp.HandlerOpts{Registry: s.registry}))
		s.metricsListener = listener
		s.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return &s, nil
}

// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/p2pd/p2pd/peer"
)

const (
	// tlsRecordTypeHandshake is the first byte of every TLS ClientHello.
	tlsRecordTypeHandshake = 0x16

	// DefaultHandshakeTimeout bounds TLS negotiation and the wait for the
	// first byte of an inbound connection.
	DefaultHandshakeTimeout = 10 * time.Second
)

// ErrTLSRequired is returned for an inbound plaintext connection when TLS
// fallback is disabled.
var ErrTLSRequired = errors.New("peer did not start a TLS handshake")

// DialFunc connects to the address on the named network.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewDialer returns a DialFunc that connects directly, or through the SOCKS5
// proxy at proxyAddr when it is not empty.
func NewDialer(proxyAddr, proxyUser, proxyPass string, timeout time.Duration) DialFunc {
	if proxyAddr == "" {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext
	}

	proxy := &socks.Proxy{
		Addr:     proxyAddr,
		Username: proxyUser,
		Password: proxyPass,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		done := make(chan result, 1)
		go func() {
			conn, err := proxy.DialTimeout(network, addr, timeout)
			done <- result{conn, err}
		}()
		select {
		case r := <-done:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-done; r.conn != nil {
					r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

// peekConn is a net.Conn whose first bytes were already read into r.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

// Read reads from the buffered reader so peeked bytes are not lost.
func (c *peekConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// clientTLSConfig returns the configuration for outbound handshakes.
// Certificates are not validated.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// serverTLSConfig returns the configuration for inbound handshakes.
func serverTLSConfig(certs []tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: certs,
		MinVersion:   tls.VersionTLS12,
	}
}

// negotiateInbound decides the transport of an accepted connection.  A peer
// that opens with a TLS handshake record gets TLS.  Anything else is served
// in plaintext when fallback is allowed and refused otherwise.
func (cm *ConnManager) negotiateInbound(conn net.Conn) (net.Conn, peer.TransportMode, error) {
	if !cm.cfg.TLS {
		return conn, peer.Plaintext, nil
	}

	deadline := time.Now().Add(cm.cfg.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, 0, err
	}
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn)}
	first, err := pc.r.Peek(1)
	if err != nil {
		return nil, 0, fmt.Errorf("waiting for first byte: %w", err)
	}

	if first[0] != tlsRecordTypeHandshake {
		if !cm.cfg.TLSFallback {
			return nil, 0, ErrTLSRequired
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, 0, err
		}
		return pc, peer.Plaintext, nil
	}

	tlsConn := tls.Server(pc, serverTLSConfig(cm.cfg.TLSCertificates))
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, 0, fmt.Errorf("TLS handshake: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, 0, err
	}
	return tlsConn, peer.TLS, nil
}

// dialNegotiated connects to addr and negotiates the transport.  TLS is tried
// first unless addr is on the plaintext allow-list.  When the handshake fails
// and fallback is allowed, addr is added to the allow-list and dialed again
// in plaintext.
func (cm *ConnManager) dialNegotiated(ctx context.Context, addr string) (net.Conn, peer.TransportMode, error) {
	plaintext := !cm.cfg.TLS ||
		(cm.cfg.TLSFallback && cm.tlsFallback.AllowsPlaintext(addr))

	conn, err := cm.dial(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	if plaintext {
		return conn, peer.Plaintext, nil
	}

	tlsConn := tls.Client(conn, clientTLSConfig())
	hctx, cancel := context.WithTimeout(ctx, cm.cfg.HandshakeTimeout)
	err = tlsConn.HandshakeContext(hctx)
	cancel()
	if err == nil {
		return tlsConn, peer.TLS, nil
	}
	conn.Close()

	if !cm.cfg.TLSFallback {
		return nil, 0, fmt.Errorf("TLS handshake with %s: %w", addr, err)
	}
	log.Debugf("TLS handshake with %s failed, retrying in plaintext: %v",
		addr, err)
	cm.tlsFallback.MarkPlaintext(addr)

	conn, err = cm.dial(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	return conn, peer.Plaintext, nil
}

// dial connects to addr bounded by the dial timeout.
func (cm *ConnManager) dial(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	defer cancel()

	return cm.cfg.Dial(dctx, "tcp", addr)
}

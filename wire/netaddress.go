// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"time"
)

// ErrInvalidNetAddr describes an error that indicates the caller didn't specify
// a TCP address as required.
var ErrInvalidNetAddr = errors.New("provided net.Addr is not a net.TCPAddr")

// NetAddressSize is the encoded size of a NetAddress: timestamp 8 bytes +
// services 8 bytes + ip 16 bytes + port 2 bytes.
const NetAddressSize = 34

// NetAddress defines information about a peer on the network including the time
// it was last seen, the services it supports, its IP address, and port.
type NetAddress struct {
	// Last time the address was seen.
	Timestamp time.Time

	// Bitfield which identifies the services supported by the address.
	Services ServiceFlag

	// IP address of the peer.
	IP net.IP

	// Port the peer is using.
	Port uint16
}

// HasService returns whether the specified service is supported by the address.
func (na *NetAddress) HasService(service ServiceFlag) bool {
	return na.Services&service == service
}

// AddService adds service as a supported service by the peer generating the
// message.
func (na *NetAddress) AddService(service ServiceFlag) {
	na.Services |= service
}

// Key returns the host:port form of the address, used as a map key by the
// address book and the peer set.
func (na *NetAddress) Key() string {
	return net.JoinHostPort(na.IP.String(), strconv.FormatUint(uint64(na.Port), 10))
}

// String is an alias for Key.
func (na *NetAddress) String() string {
	return na.Key()
}

// NewNetAddressIPPort returns a new NetAddress using the provided IP, port, and
// supported services with defaults for the remaining fields.
func NewNetAddressIPPort(ip net.IP, port uint16, services ServiceFlag) *NetAddress {
	return NewNetAddressTimestamp(time.Now(), services, ip, port)
}

// NewNetAddressTimestamp returns a new NetAddress using the provided
// timestamp, IP, port, and supported services. The timestamp is rounded to
// single second precision.
func NewNetAddressTimestamp(
	timestamp time.Time, services ServiceFlag, ip net.IP, port uint16) *NetAddress {
	na := NetAddress{
		Timestamp: time.Unix(timestamp.Unix(), 0),
		Services:  services,
		IP:        ip,
		Port:      port,
	}
	return &na
}

// NewNetAddress returns a new NetAddress using the provided TCP address and
// supported services with defaults for the remaining fields.
//
// Note that addr must be a net.TCPAddr.  An ErrInvalidNetAddr is returned
// if it is not.
func NewNetAddress(addr net.Addr, services ServiceFlag) (*NetAddress, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, ErrInvalidNetAddr
	}

	na := NewNetAddressIPPort(tcpAddr.IP, uint16(tcpAddr.Port), services)
	return na, nil
}

// ParseNetAddress builds a NetAddress from a host:port string whose host is
// an IP literal.
func ParseNetAddress(addr string, services ServiceFlag) (*NetAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, ErrInvalidNetAddr
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	return NewNetAddressIPPort(ip, uint16(port), services), nil
}

// AppendNetAddress appends the fixed-size encoding of na to b.  The port is
// big endian, matching the protocol's address messages.
func AppendNetAddress(b []byte, na *NetAddress) []byte {
	var buf [NetAddressSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(na.Timestamp.Unix()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(na.Services))
	if na.IP != nil {
		copy(buf[16:32], na.IP.To16())
	}
	binary.BigEndian.PutUint16(buf[32:34], na.Port)
	return append(b, buf[:]...)
}

// ReadNetAddress decodes a NetAddress written by AppendNetAddress.
func (c *Cursor) ReadNetAddress() (*NetAddress, error) {
	ts, err := c.ReadInt64()
	if err != nil {
		return nil, err
	}
	services, err := c.ReadUint64()
	if err != nil {
		return nil, err
	}
	ip := make(net.IP, net.IPv6len)
	if err := c.ReadInto(ip); err != nil {
		return nil, err
	}
	port, err := c.ReadBytes(2)
	if err != nil {
		return nil, err
	}
	return &NetAddress{
		Timestamp: time.Unix(ts, 0),
		Services:  ServiceFlag(services),
		IP:        ip,
		Port:      binary.BigEndian.Uint16(port),
	}, nil
}

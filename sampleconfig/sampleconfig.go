// Copyright (c) 2017 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

// FileContents is a string containing the commented example config for p2pd.
const FileContents = `[Application Options]

; ------------------------------------------------------------------------------
; Data settings
; ------------------------------------------------------------------------------

; The directory to store data such as the ban list and peer addresses.  The
; default is ~/.p2pd/data on POSIX OSes and $APPDATA/P2pd/data on Windows.
; Environment variables are expanded so they may be used.  NOTE: Windows
; environment variables are typically %VARIABLE%, but they must be accessed with
; $VARIABLE here.
; datadir=~/.p2pd/data

; The directory to write log files to.
; logdir=~/.p2pd/logs


; ------------------------------------------------------------------------------
; Network settings
; ------------------------------------------------------------------------------

; Use testnet.
; testnet=1

; Use the regression test network.
; regtest=1

; Connect via a SOCKS5 proxy.  NOTE: Specifying a proxy will disable listening
; for incoming connections unless listen addresses are provided via the 'listen'
; option.
; proxy=127.0.0.1:9050
; proxyuser=
; proxypass=

; Add persistent peers to connect to as desired.  One peer per line.
; You may specify each IP address with or without a port.  The default port will
; be added automatically if one is not specified here.
; addpeer=192.168.1.1
; addpeer=10.0.0.2:8233
; addpeer=[fe80::1]:8233

; Add persistent peers that you ONLY want to connect to as desired.  One peer
; per line.  You may specify each IP address with or without a port.  The
; default port will be added automatically if one is not specified here.
; NOTE: Specifying this option has other side effects as described above in
; the 'addpeer' versus 'connect' summary section.
; connect=192.168.1.1
; connect=10.0.0.2:8233

; Do not query DNS seeds or fixed seeds for peers.
; nodnsseed=1

; Specify the interfaces to listen on.  One listen address per line.
; NOTE: The default port is modified by some options such as 'testnet', so it is
; recommended to not specify a port and allow a proper default to be chosen
; unless you have a specific reason to do otherwise.
; All interfaces on default port (this is the default):
;  listen=
; All ipv4 interfaces on default port:
;  listen=0.0.0.0
; All ipv6 interfaces on default port:
;   listen=::
; Only ipv4 localhost on port 8233:
;   listen=127.0.0.1:8233

; Disable listening for incoming connections.
; nolisten=1

; Timeout of a single outbound connection attempt.
; timeout=30s


; ------------------------------------------------------------------------------
; Peer limits
; ------------------------------------------------------------------------------

; Maximum number of inbound peers.  Above it a connection is only accepted when
; an existing inbound peer can be evicted.
; maxinbound=117

; Maximum number of automatic outbound peers.
; maxoutbound=8

; Maximum number of inbound peers from a single IP.  0 means no limit.
; maxperip=0

; Inbound connections accepted per second.
; acceptrate=10

; Peers in these networks are never banned or evicted.  One entry per line.
; whitelist=127.0.0.1
; whitelist=192.168.0.0/24


; ------------------------------------------------------------------------------
; Banning
; ------------------------------------------------------------------------------

; How long to ban misbehaving peers.  Valid time units are {s, m, h}.
; Minimum 1 second.
; banduration=24h

; Maximum allowed ban score before disconnecting and banning misbehaving peers.
; banthreshold=100

; How often a changed ban list is written to disk.
; bantimesweep=15m


; ------------------------------------------------------------------------------
; Transport encryption
; ------------------------------------------------------------------------------

; Encrypt peer connections with TLS.  A self-signed certificate is generated on
; first start when none exists.
; tls=1

; Also talk plaintext to peers that do not negotiate TLS.
; tlsfallback=1

; tlscert=~/.p2pd/p2pd.cert
; tlskey=~/.p2pd/p2pd.key


; ------------------------------------------------------------------------------
; Resource limits
; ------------------------------------------------------------------------------

; Maximum payload size of a single message in bytes.
; maxmsgsize=2097152

; Bytes of unprocessed received data after which reading from a peer pauses.
; floodsize=5000000

; Bytes of queued send data after which processing of a peer pauses.
; sendbuffer=1000000

; Number of message processing goroutines.
; processors=4


; ------------------------------------------------------------------------------
; Network upgrades
; ------------------------------------------------------------------------------

; Near a network upgrade, peers that will not survive it are evicted first.
; bestheight=0
; upgradeheight=0
; upgradeversion=0
; upgradelookahead=576


; ------------------------------------------------------------------------------
; Debug
; ------------------------------------------------------------------------------

; Debug logging level.
; Valid levels are {trace, debug, info, warn, error, critical}
; You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set
; log level for individual subsystems.  Use p2pd --debuglevel=show to list
; available subsystems.
; debuglevel=info

; Serve prometheus metrics on this address at /metrics.
; metricslisten=127.0.0.1:9233
`

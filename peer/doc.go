// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peer provides the per-connection state of the transport layer: the
socket and its transport mode, the outbound send queue, the inbound framer,
the queue of completed messages awaiting processing, traffic accounting, ping
bookkeeping and a reference count that governs when the connection may be
freed.

A Peer does not run goroutines of its own.  The connection manager pumps it:

	reader:    ReceiveBytes(b) for every socket read, pausing while RecvPaused
	writer:    FlushSend() whenever SendSignal fires
	processor: NextMessage() while not SendPaused

Backpressure

Two ceilings keep a slow or hostile peer from consuming unbounded memory.
Completed but unprocessed messages above ReceiveFloodSize stop the reader.
Queued outbound data above SendBufferSize stops the processor from handling
more of the peer's messages, which in turn lets the processing queue fill and
stops the reader.

Lifecycle

Disconnect sets a flag that never clears.  Every goroutine touching the peer
re-checks it.  A disconnected peer is freed only once CanFree reports that no
references and no per-connection locks are held.
*/
package peer

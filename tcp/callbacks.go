package tcp

// IpSender is the engine's only path to the network: resolving a route and
// transmitting an already-checksummed TCP segment as an IPv4 datagram. The
// link layer, ARP, and IP forwarding all live on the other side of this
// contract and are never touched by the engine.
type IpSender interface {
	// Route resolves the local address and egress interface MTU to use for
	// traffic destined to dst. ok is false if there is no route (the engine
	// surfaces ErrNoIPRoute from the calling constructor in that case).
	Route(dst [4]byte) (srcAddr [4]byte, mtu int, ok bool)
	// SendIp4 transmits segment, a fully-formed IPv4 payload (TCP header +
	// options + data, already checksummed), from src to dst. A non-nil
	// error is treated as a transient send failure (spec §7): the engine
	// arms a short retry timer and does not propagate the error further.
	SendIp4(src, dst [4]byte, segment []byte) error
}

// ListenCallbacks is the application contract for a passive-open listener.
type ListenCallbacks interface {
	// ConnectionEstablished fires when a peer's SYN has been ACKed on a
	// pending PCB. The callback MUST synchronously call Engine.Accept on a
	// fresh Connection to claim the PCB, or it is aborted with RST once the
	// callback returns.
	ConnectionEstablished(l *Listener)
}

// ConnCallbacks is the application contract for one Connection handle.
type ConnCallbacks interface {
	// ConnectionEstablished fires once, for active (outbound) opens only;
	// passive opens are notified through ListenCallbacks instead.
	ConnectionEstablished()
	// ConnectionAborted is mandatory: it always fires exactly once, when
	// the PCB detaches from the handle, either by reaching CLOSED for any
	// reason (peer RST, timeout, explicit abort) or by entering TIME_WAIT.
	// The Connection is in CLOSED by the time this is observed.
	ConnectionAborted()
	// DataReceived reports that amount more bytes of the receive stream
	// are now present in the receive buffer; amount==0 signals the peer's
	// FIN was received (end of stream).
	DataReceived(amount int)
	// DataSent reports that amount more bytes of the send buffer have been
	// acknowledged by the peer; amount==0 signals our FIN was acknowledged.
	DataSent(amount int)
}

package tcp

// wildcardAddr is the special source address that matches all local
// addresses, at lowest priority against a listener bound to a specific
// address.
var wildcardAddr = [4]byte{0, 0, 0, 0}

// Listener is a passive-open endpoint: a bound (addr, port) pair that
// admits inbound SYNs up to max_pcbs concurrently pending/established
// children, handing each off to the application via ListenCallbacks.
type Listener struct {
	addr          [4]byte
	port          uint16
	maxPcbs       int
	numPcbs       int
	initialRcvWnd Size

	hasAcceptPcb bool
	acceptPcb    PcbIndex

	callbacks ListenCallbacks
}

// Addr and Port report the listener's bound address and port.
func (l *Listener) Addr() [4]byte { return l.addr }
func (l *Listener) Port() uint16  { return l.port }

// SetInitialReceiveWindow changes the receive window offered to future
// children of this listener; it does not affect PCBs already in SYN_RCVD.
func (l *Listener) SetInitialReceiveWindow(n Size) { l.initialRcvWnd = n }

// matches reports whether this listener accepts a SYN addressed to dst,
// and how specific that match is (false = wildcard, lower priority).
func (l *Listener) matches(dst [4]byte, dstPort uint16) (ok bool, specific bool) {
	if l.port != dstPort {
		return false, false
	}
	if l.addr == dst {
		return true, true
	}
	if l.addr == wildcardAddr {
		return true, false
	}
	return false, false
}

// ListenIp4 registers a new listener bound to (addr, port), rejecting the
// call if another listener already holds the exact same pair. max_pcbs
// bounds concurrently pending-or-established children; initialRcvWnd is the
// receive window advertised to each child's SYN-ACK.
func (e *Engine) ListenIp4(addr [4]byte, port uint16, maxPcbs int, initialRcvWnd Size, cb ListenCallbacks) (*Listener, error) {
	for _, l := range e.listeners {
		if l.addr == addr && l.port == port {
			return nil, errListenerConflict
		}
	}
	l := &Listener{
		addr:          addr,
		port:          port,
		maxPcbs:       maxPcbs,
		initialRcvWnd: initialRcvWnd,
		callbacks:     cb,
	}
	e.listeners = append(e.listeners, l)
	return l, nil
}

// findListener returns the most specific listener matching dst/dstPort, or
// nil if none admits the connection.
func (e *Engine) findListener(dst [4]byte, dstPort uint16) *Listener {
	var best *Listener
	var bestSpecific bool
	for _, l := range e.listeners {
		ok, specific := l.matches(dst, dstPort)
		if !ok {
			continue
		}
		if best == nil || (specific && !bestSpecific) {
			best, bestSpecific = l, specific
		}
	}
	return best
}

// Accept claims the listener's pending PCB for conn, the only legal way for
// the application to transition a fresh Connection out of ConnInit when
// responding to ListenCallbacks.ConnectionEstablished. It must be called
// synchronously from within that callback.
func (e *Engine) Accept(l *Listener, conn *Connection) bool {
	if !l.hasAcceptPcb || !conn.IsInit() {
		return false
	}
	idx := l.acceptPcb
	l.hasAcceptPcb = false
	pcb := e.pool.Get(idx)
	pcb.attach = attachment{kind: attachConnection}
	e.pool.unlink(idx)
	delete(e.listenerByPcb, idx)
	e.connByPcb[idx] = conn
	conn.attach(e, idx)
	return true
}

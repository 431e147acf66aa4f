package tcp

// ConnState is the lifecycle state of a Connection handle, distinct from
// the PCB's protocol State: a handle can be INIT before any PCB exists, or
// CLOSED after its PCB has detached, independent of how many protocol
// states the underlying PCB has since passed through.
type ConnState uint8

const (
	ConnInit ConnState = iota
	ConnConnected
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnInit:
		return "INIT"
	case ConnConnected:
		return "CONNECTED"
	case ConnClosed:
		return "CLOSED"
	default:
		return "ConnState(?)"
	}
}

// Connection is the application-facing handle for one TCP endpoint. It owns
// the receive and send buffers; the engine only references them while a PCB
// is attached. Per the Design Notes, retransmission-relevant variables are
// NOT shadowed here as they are in the source: the owning PCB remains
// reachable through the engine for the handle's entire CONNECTED lifetime,
// including the graceful-abandonment window, so there is no move/ownership
// hazard requiring a second copy of snd_wnd/cwnd/ssthresh/srtt/rttvar/
// recover/cwnd_acked/rtt_test_seq on the handle. See DESIGN.md.
type Connection struct {
	state ConnState
	eng   *Engine
	pcb   PcbIndex

	recvBuf Buffer
	sendBuf Buffer

	pushIndex     int
	sendingClosed bool
	endReceived   bool
	endSent       bool

	rcvWndUpdThres Size

	App ConnCallbacks
}

// NewConnection returns a handle in ConnInit, ready for StartConnection or
// to be passed to Engine.Accept.
func NewConnection(app ConnCallbacks, recvStorage, sendStorage []byte) *Connection {
	return &Connection{
		state:   ConnInit,
		recvBuf: NewBuffer(recvStorage),
		sendBuf: NewBuffer(sendStorage),
		App:     app,
	}
}

func (c *Connection) IsInit() bool      { return c.state == ConnInit }
func (c *Connection) IsConnected() bool { return c.state == ConnConnected }
func (c *Connection) State() ConnState  { return c.state }

func (c *Connection) WasEndReceived() bool    { return c.endReceived }
func (c *Connection) WasEndSent() bool        { return c.endSent }
func (c *Connection) WasSendingClosed() bool  { return c.sendingClosed }

// SetWindowUpdateThreshold sets the minimum buffer-space gain (from
// ExtendRecvBuf) that triggers an immediate window-update ACK.
func (c *Connection) SetWindowUpdateThreshold(n Size) { c.rcvWndUpdThres = n }

// GetAnnouncedRcvWnd returns the PCB's last-advertised receive window, or 0
// if no PCB is attached.
func (c *Connection) GetAnnouncedRcvWnd() Size {
	if c.state != ConnConnected {
		return 0
	}
	return c.eng.pool.Get(c.pcb).rcvAnnWnd
}

// GetSndBufOverhead returns base_snd_mss-1, the maximum per-segment
// overhead the send buffer must tolerate before a full-size segment fits.
func (c *Connection) GetSndBufOverhead() Size {
	if c.state != ConnConnected {
		return 0
	}
	mss := c.eng.pool.Get(c.pcb).baseSndMss
	if mss == 0 {
		return 0
	}
	return mss - 1
}

// GetRecvBuf returns the connection's receive buffer.
func (c *Connection) GetRecvBuf() *Buffer { return &c.recvBuf }

// GetSendBuf returns the connection's send buffer.
func (c *Connection) GetSendBuf() *Buffer { return &c.sendBuf }

// ExtendRecvBuf notifies the connection that n more bytes of free space
// exist at the tail of the receive buffer (the application grew its
// backing storage, or consumed and compacted data out-of-band). If the
// resulting window gain exceeds the configured threshold the engine emits
// an immediate window-update ACK.
func (c *Connection) ExtendRecvBuf(n int) {
	if c.state != ConnConnected || n <= 0 {
		return
	}
	c.eng.extendRecvWindow(c.pcb, c)
}

// SendPush marks the current end of the send buffer as a push boundary:
// the next segment that reaches this offset will set PSH.
func (c *Connection) SendPush() {
	if c.state == ConnConnected {
		c.pushIndex = c.sendBuf.Len()
	}
}

// ExtendSendBuf notifies the connection that n more bytes are now queued at
// the tail of the send buffer (the application appended to the storage
// returned by GetSendBuf). The engine attempts to segment and transmit
// immediately, bounded by the current window, cwnd and snd_mss.
func (c *Connection) ExtendSendBuf(n int) {
	if c.state != ConnConnected || n <= 0 {
		return
	}
	c.eng.extendSendBuf(c.pcb)
}

// SetSendBuf replaces the send buffer's backing storage, for the zero-copy
// handoff case where the application wants to hand a buffer it already
// filled straight to the engine rather than copying through Append. Only
// legal while the current send buffer is empty and CloseSending has not
// been called.
func (c *Connection) SetSendBuf(storage []byte) error {
	if c.state != ConnConnected {
		return errNotConnected
	}
	if c.sendBuf.Len() != 0 || c.sendingClosed {
		return errSendBufBusy
	}
	c.sendBuf.SetStorage(storage)
	c.pushIndex = 0
	return nil
}

// CloseSending marks the send side as finished: once the send buffer
// drains, a FIN is queued. Idempotent.
func (c *Connection) CloseSending() {
	if c.state != ConnConnected || c.sendingClosed {
		return
	}
	c.sendingClosed = true
	c.eng.closeSending(c.pcb, c)
}

// Abandon notifies the engine that the application is giving up this handle
// without a clean two-sided close (e.g. it is being discarded or the
// program is shutting down a subsystem). Any unsent data or an incomplete
// handshake causes an immediate abort; otherwise the engine attempts a
// graceful FIN-based close bounded by AbandonedTimeoutTicks.
func (c *Connection) Abandon() {
	if c.state != ConnConnected {
		return
	}
	pcb := c.eng.pool.Get(c.pcb)
	c.eng.conAbandoned(c.pcb, pcb, c.sendBuf.Len() > 0)
}

// Reset detaches from any PCB (without sending RST) and returns the handle
// to ConnInit, discarding buffered data.
func (c *Connection) Reset() {
	c.state = ConnInit
	c.eng = nil
	c.pcb = 0
	c.pushIndex = 0
	c.sendingClosed = false
	c.endReceived = false
	c.endSent = false
	c.recvBuf.Reset()
	c.sendBuf.Reset()
}

// attach binds this handle to pcb as its owning PCB, moving it to
// ConnConnected.
func (c *Connection) attach(eng *Engine, idx PcbIndex) {
	c.eng = eng
	c.pcb = idx
	c.state = ConnConnected
}

// detach unbinds the handle from its PCB, moving it to ConnClosed. Buffered
// data is left intact so the application can still drain it after close.
func (c *Connection) detach() {
	c.state = ConnClosed
	c.eng = nil
}

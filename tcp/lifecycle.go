package tcp

import (
	"log/slog"

	"github.com/nanostack-go/tcpcore/internal/log"
)

// StartConnection implements create_connection (spec §4.7): it resolves a
// route to remoteAddr, allocates a PCB, fills out the SYN_SENT view, and
// emits the initial SYN. conn moves from ConnInit to ConnConnected
// immediately (the PCB exists and is attached even though the handshake is
// not complete) so the caller can start queuing send-buffer data right
// away; per spec it will not actually leave the wire until ESTABLISHED.
func (e *Engine) StartConnection(conn *Connection, remoteAddr [4]byte, remotePort uint16, rcvWnd Size) error {
	if !conn.IsInit() {
		return errAlreadyConnected
	}
	srcAddr, mtu, ok := e.ip.Route(remoteAddr)
	if !ok {
		return ErrNoIPRoute
	}
	localPort, ok := e.pool.allocEphemeralPort(srcAddr, fourTuple{remoteAddr: remoteAddr, remotePort: remotePort})
	if !ok {
		return ErrNoPortAvail
	}
	tuple := fourTuple{localAddr: srcAddr, localPort: localPort, remoteAddr: remoteAddr, remotePort: remotePort}
	idx, err := e.allocatePcb(tuple)
	if err != nil {
		return err
	}
	e.updatePoolGauge()
	pcb := e.pool.Get(idx)
	iss := Value(e.pool.rng.next())
	pcb.state = StateSynSent
	pcb.resetSnd(iss, 0)
	pcb.rcvAnnWnd = 1 + minSize(0xFFFE, rcvWnd)
	pcb.baseSndMss = Size(mtu) - mtuToMssOverhead
	pcb.sndMss = pcb.baseSndMss
	pcb.pmtu = Size(mtu)
	pcb.rto = InitialRtxTime
	pcb.flags |= flagWndScale
	pcb.rcvWndShift = windowScaleFor(pcb.rcvAnnWnd)

	e.connByPcb[idx] = conn
	conn.attach(e, idx)
	pcb.attach = attachment{kind: attachConnection}

	e.scheduler.Schedule(idx, TimerAbrt, SynSentTimeoutTicks)
	e.scheduler.Schedule(idx, TimerRtx, pcb.rto)
	pcb.timers.markArmed(TimerAbrt)
	pcb.timers.markArmed(TimerRtx)

	e.sendSyn(idx, pcb, false)
	e.metrics.ConnectionsOpened.Inc()
	e.trace("connection start", slog.String("state", pcb.state.String()), log.SlogAddr4("remote", &remoteAddr))
	return nil
}

// abort implements the PCB lifecycle façade's `abort`: detach from whatever
// owns the PCB (firing ConnectionAborted if a Connection is attached),
// optionally emit RST, scrub indices and timers, and return the PCB to the
// unreferenced list for reuse.
func (e *Engine) abort(idx PcbIndex, pcb *PCB, sendRst bool) {
	if sendRst {
		e.sendRst(pcb.tuple, pcb.sndNxt, 0, false)
	}
	switch pcb.attach.kind {
	case attachConnection:
		if conn, ok := e.connByPcb[idx]; ok {
			delete(e.connByPcb, idx)
			conn.detach()
			conn.App.ConnectionAborted()
		}
	case attachListener:
		delete(e.listenerByPcb, idx)
	}
	pcb.attach = attachment{}

	delete(e.pool.active, pcb.tuple)
	delete(e.pool.timeWait, pcb.tuple)

	e.scheduler.Cancel(idx, TimerAbrt)
	e.scheduler.Cancel(idx, TimerOutput)
	e.scheduler.Cancel(idx, TimerRtx)
	pcb.timers = timerState{}
	pcb.pmtu = 0
	pcb.state = StateClosed

	if e.hasCurrentPcb && e.currentPcb == idx {
		e.hasCurrentPcb = false
	}
	e.pool.linkUnreferenced(idx)
	e.metrics.ConnectionsClosed.Inc()
	e.trace("pcb aborted", slog.Bool("rst", sendRst))
}

// goToTimeWait implements go_to_time_wait: detach any Connection, move the
// PCB from the active index to the TIME_WAIT index, and start the
// TIME_WAIT expiry timer.
func (e *Engine) goToTimeWait(idx PcbIndex, pcb *PCB) {
	if pcb.attach.kind == attachConnection {
		if conn, ok := e.connByPcb[idx]; ok {
			delete(e.connByPcb, idx)
			conn.detach()
			conn.App.ConnectionAborted()
		}
	}
	pcb.attach = attachment{}
	pcb.sndNxt = pcb.sndUna
	e.pool.moveToTimeWait(idx)

	e.scheduler.Cancel(idx, TimerOutput)
	e.scheduler.Cancel(idx, TimerRtx)
	pcb.timers.markCanceled(TimerOutput)
	pcb.timers.markCanceled(TimerRtx)
	pcb.pmtu = 0

	pcb.state = StateTimeWait
	e.scheduler.Schedule(idx, TimerAbrt, TimeWaitTimeTicks)
	pcb.timers.markArmed(TimerAbrt)
}

// conAbandoned implements con_abandoned: the application dropped its
// Connection handle mid-stream. If there is unsent data, or the handshake
// never completed, the PCB is aborted outright; otherwise the engine
// attempts a graceful close by queuing a FIN and bounding how long it will
// wait for the peer with AbandonedTimeoutTicks.
func (e *Engine) conAbandoned(idx PcbIndex, pcb *PCB, sendBufNonEmpty bool) {
	if pcb.state == StateSynSent || sendBufNonEmpty {
		e.abort(idx, pcb, pcb.state != StateSynSent)
		return
	}
	e.queueFin(idx, pcb)
	pcb.rcvAnnWnd = MaxRcvWnd
	e.outputQueued(idx, pcb, false)
	e.scheduler.Schedule(idx, TimerAbrt, AbandonedTimeoutTicks)
	pcb.timers.markArmed(TimerAbrt)
}

// closeSending is invoked by Connection.CloseSending: once the send buffer
// drains, a FIN will be queued and the state machine advances toward
// FIN_WAIT_1/LAST_ACK as appropriate.
func (e *Engine) closeSending(idx PcbIndex, conn *Connection) {
	pcb := e.pool.Get(idx)
	if pcb.state == StateSynSent {
		// The FIN goes out once the SYN/ACK path reaches ESTABLISHED.
		e.queueFin(idx, pcb)
		return
	}
	if !pcb.state.CanSend() {
		return
	}
	e.queueFin(idx, pcb)
	e.outputQueued(idx, pcb, false)
}

// extendSendBuf implements extendSendBuf: the application appended data to
// the send buffer directly and wants the engine to attempt output now
// rather than waiting for the next incoming ACK or timer tick.
func (e *Engine) extendSendBuf(idx PcbIndex) {
	pcb := e.pool.Get(idx)
	if !pcb.state.CanSend() {
		return
	}
	pcb.flags |= flagOutPending
	e.outputQueued(idx, pcb, false)
}

// queueFin marks FIN_PENDING and advances the state machine to the
// FIN-bearing states reachable directly from application close, per the
// state diagram in spec §4.7. It does not transmit anything by itself;
// the caller is expected to invoke outputQueued afterward.
func (e *Engine) queueFin(idx PcbIndex, pcb *PCB) {
	if pcb.flags.has(flagFinPending) || pcb.flags.has(flagFinSent) {
		return
	}
	pcb.flags |= flagFinPending
	switch pcb.state {
	case StateEstablished:
		pcb.state = StateFinWait1
	case StateCloseWait:
		pcb.state = StateLastAck
	case StateSynRcvd, StateSynSent:
		// FIN queued before the handshake completed; the transition logic
		// in the SYN/ACK path checks flagFinPending to move to FIN_WAIT_1
		// once ESTABLISHED is reached.
	}
	pcb.flags |= flagOutPending
}

// extendRecvWindow re-evaluates the advertised receive window after the
// application grew its receive buffer, per spec §5 backpressure: if the
// gain exceeds rcv_ann_thres, it forces an immediate window-update ACK.
func (e *Engine) extendRecvWindow(idx PcbIndex, conn *Connection) {
	pcb := e.pool.Get(idx)
	free := Size(conn.recvBuf.Free())
	maxAnn := MaxRcvWnd << pcb.rcvWndShift
	newWnd := free
	if newWnd > maxAnn {
		newWnd = maxAnn
	}
	if newWnd <= pcb.rcvAnnWnd {
		return
	}
	gain := newWnd - pcb.rcvAnnWnd
	pcb.rcvAnnWnd = newWnd
	if gain >= conn.rcvWndUpdThres {
		pcb.flags |= flagAckPending
		e.emitPendingAck(idx, pcb)
	}
}

func minSize(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

package tcp

import (
	"log/slog"

	"github.com/nanostack-go/tcpcore/internal/log"
)

// InboundSegment is the engine's entry point for one received IPv4/TCP
// datagram: dstAddr/srcAddr are the decoded IP addresses, segment is the
// complete TCP header+options+payload exactly as received on the wire
// (used as-is for checksum verification). Segments that fail validation or
// checksum are silently dropped, per the protocol-error policy: never
// surfaced to the application.
func (e *Engine) InboundSegment(dstAddr, srcAddr [4]byte, segment []byte) {
	frame, err := NewFrame(segment)
	if err != nil {
		e.metrics.SegmentsDropped.Inc()
		return
	}
	if err := frame.ValidateSize(); err != nil {
		e.metrics.SegmentsDropped.Inc()
		return
	}
	if !verifyChecksum(srcAddr, dstAddr, segment) {
		e.metrics.ChecksumFailures.Inc()
		e.metrics.SegmentsDropped.Inc()
		e.trace("checksum failure", log.SlogAddr4("src", &srcAddr))
		return
	}
	payload := frame.Payload()
	opts := frame.Options()
	seg := frame.Segment(len(payload))
	tuple := fourTuple{
		localAddr:  dstAddr,
		localPort:  frame.DestinationPort(),
		remoteAddr: srcAddr,
		remotePort: frame.SourcePort(),
	}
	e.metrics.SegmentsReceived.Inc()
	e.processSegment(tuple, seg, opts, payload)
}

// processSegment is the demultiplex step: locate the owning PCB by 4-tuple,
// or a listener willing to spawn one, or answer with RST.
func (e *Engine) processSegment(tuple fourTuple, seg Segment, opts, payload []byte) {
	idx, ok := e.pool.Lookup(tuple)
	if !ok {
		if l := e.findListener(tuple.localAddr, tuple.localPort); l != nil && seg.Flags == FlagSYN {
			e.admitSyn(l, tuple, seg, opts)
			return
		}
		e.replyResetNoPcb(tuple, seg)
		return
	}
	pcb := e.pool.Get(idx)

	if pcb.state == StateTimeWait {
		e.handleTimeWaitInput(idx, pcb, seg)
		return
	}

	if handled := e.basicAcceptability(idx, pcb, seg); handled {
		return
	}

	if pcb.state != StateSynSent {
		var trimOK bool
		seg, payload, trimOK = e.admitWindow(idx, pcb, seg, payload)
		if !trimOK {
			e.sendChallengeAck(pcb)
			return
		}
	}

	if !seg.ACK.InWindow(Sub(pcb.sndUna, MaxAckBefore), Sizeof(Sub(pcb.sndUna, MaxAckBefore), Add(pcb.sndNxt, 1))) {
		e.sendChallengeAck(pcb)
		return
	}

	switch pcb.state {
	case StateSynSent, StateSynRcvd:
		e.handleSynTransition(idx, pcb, seg, opts)
	default:
		e.handleEstablishedSegment(idx, pcb, seg, payload)
	}

	if pcb.flags.has(flagOutPending) {
		e.outputQueued(idx, pcb, false)
	}
	if pcb.flags.has(flagAckPending) {
		e.emitPendingAck(idx, pcb)
	}
}

// replyResetNoPcb answers a segment with no matching PCB or listener with
// an RST, per RFC 793's rule for rejecting traffic on a closed port —
// except when the arriving segment is itself an RST, which is dropped.
func (e *Engine) replyResetNoPcb(tuple fourTuple, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	if seg.Flags.HasAny(FlagACK) {
		e.sendRst(tuple, seg.ACK, 0, false)
		return
	}
	e.sendRst(tuple, 0, Add(seg.SEQ, seg.LEN()), true)
}

// handleTimeWaitInput implements the TIME_WAIT input rule: any segment
// rearms the TIME_WAIT expiry and forces an ACK (a SYN matching the
// lingering 4-tuple gets a challenge ACK rather than spawning a fresh PCB).
func (e *Engine) handleTimeWaitInput(idx PcbIndex, pcb *PCB, seg Segment) {
	e.scheduler.Schedule(idx, TimerAbrt, TimeWaitTimeTicks)
	pcb.timers.markArmed(TimerAbrt)
	e.sendChallengeAck(pcb)
}

// admitSyn is the listener-side SYN admission path (spec §4.4): validate
// flags, enforce backlog, allocate a PCB in SYN_RCVD, and send SYN-ACK.
func (e *Engine) admitSyn(l *Listener, tuple fourTuple, seg Segment, opts []byte) {
	if seg.Flags != FlagSYN {
		return // Not exactly SYN/no-RST/no-ACK/no-FIN: ignored per admission rule.
	}
	if l.numPcbs >= l.maxPcbs {
		e.sendRst(tuple, 0, Add(seg.SEQ, 1), true)
		return
	}
	_, mtu, ok := e.ip.Route(tuple.remoteAddr)
	if !ok {
		return
	}
	idx, err := e.allocatePcb(tuple)
	if err != nil {
		e.sendRst(tuple, 0, Add(seg.SEQ, 1), true)
		return
	}
	e.updatePoolGauge()
	peer, _ := parseOptions(opts)

	pcb := e.pool.Get(idx)
	iss := Value(e.pool.rng.next())
	pcb.state = StateSynRcvd
	pcb.resetRcv(0, seg.SEQ)
	pcb.rcvNxt = Add(seg.SEQ, 1)
	pcb.resetSnd(iss, 0)
	pcb.rcvAnnWnd = minSize(0xFFFF, l.initialRcvWnd)
	pcb.baseSndMss = Size(mtu) - mtuToMssOverhead
	if peer.hasMss && clampMSS(peer.mss) < pcb.baseSndMss {
		pcb.baseSndMss = clampMSS(peer.mss)
	}
	pcb.sndMss = pcb.baseSndMss
	pcb.pmtu = Size(mtu)
	pcb.rto = InitialRtxTime
	pcb.flags |= flagWndScale
	pcb.rcvWndShift = windowScaleFor(l.initialRcvWnd)
	if peer.hasWndScale {
		pcb.sndWndShift = peer.wndScale
	} else {
		pcb.rcvWndShift = 0
	}

	l.numPcbs++
	e.listenerByPcb[idx] = l
	pcb.attach = attachment{kind: attachListener}
	e.pool.linkUnreferenced(idx)

	e.scheduler.Schedule(idx, TimerAbrt, SynRcvdTimeoutTicks)
	e.scheduler.Schedule(idx, TimerRtx, pcb.rto)
	pcb.timers.markArmed(TimerAbrt)
	pcb.timers.markArmed(TimerRtx)

	e.sendSyn(idx, pcb, true)
	e.trace("syn admitted", slog.Uint64("port", uint64(tuple.localPort)))
}

// basicAcceptability implements spec §4.6 step 2: handles RST, unusual SYN
// combinations, and drops a non-ACK segment outside those cases. It
// returns handled=true if the segment has been fully dealt with (including
// having aborted, retransmitted, or dropped it) and the caller should stop.
func (e *Engine) basicAcceptability(idx PcbIndex, pcb *PCB, seg Segment) (handled bool) {
	if seg.Flags.HasAny(FlagRST) {
		switch pcb.state {
		case StateSynSent:
			if seg.Flags.HasAny(FlagACK) && seg.ACK.LessThan(Add(pcb.sndNxt, 1)) && pcb.sndUna.LessThan(seg.ACK) {
				e.abort(idx, pcb, false)
			}
			return true
		default:
			if seg.SEQ == pcb.rcvNxt {
				e.abort(idx, pcb, false)
			} else if seg.SEQ.InWindow(pcb.rcvNxt, pcb.rcvAnnWnd) {
				e.sendChallengeAck(pcb)
			}
			return true
		}
	}

	if seg.Flags.HasAny(FlagSYN) {
		switch {
		case pcb.state == StateSynSent && seg.Flags.HasAny(FlagACK):
			return false // SYN-ACK path: fall through to normal processing.
		case pcb.state == StateSynRcvd && seg.SEQ == Sub(pcb.rcvNxt, 1):
			e.sendSyn(idx, pcb, true)
			e.scheduler.Schedule(idx, TimerAbrt, SynRcvdTimeoutTicks)
			pcb.timers.markArmed(TimerAbrt)
			return true
		default:
			e.sendChallengeAck(pcb)
			return true
		}
	}

	if !seg.Flags.HasAny(FlagACK) {
		return true // Dropped: no ACK outside the cases handled above.
	}
	return false
}

// admitWindow implements spec §4.6 step 3, window admission and trimming.
// It returns the (possibly trimmed) segment and payload, and ok=false if
// the segment must be rejected outright (caller sends an empty ACK).
func (e *Engine) admitWindow(idx PcbIndex, pcb *PCB, seg Segment, payload []byte) (Segment, []byte, bool) {
	bufFree := Size(0xFFFFFFFF)
	if conn, ok := e.connByPcb[idx]; ok {
		bufFree = Size(conn.recvBuf.Free())
	}
	if bufFree > MaxRcvWnd {
		bufFree = MaxRcvWnd
	}
	rcvWnd := pcb.rcvAnnWnd
	if bufFree > rcvWnd {
		rcvWnd = bufFree
	}

	if seg.DATALEN == 0 {
		if !seg.SEQ.InWindow(pcb.rcvNxt, rcvWnd+1) {
			return seg, payload, false
		}
		return seg, payload, true
	}

	segEnd := Add(seg.SEQ, seg.DATALEN)
	leftEdgeOK := seg.SEQ.InWindow(pcb.rcvNxt, rcvWnd)
	rightEdgeOK := Sub(segEnd, 1).InWindow(pcb.rcvNxt, rcvWnd)
	if !leftEdgeOK && !rightEdgeOK {
		return seg, payload, false
	}

	if seg.SEQ.LessThan(pcb.rcvNxt) {
		trim := Sizeof(seg.SEQ, pcb.rcvNxt)
		if trim > seg.DATALEN {
			trim = seg.DATALEN
		}
		payload = payload[trim:]
		seg.SEQ = pcb.rcvNxt
		seg.DATALEN -= trim
	}

	windowEnd := Add(pcb.rcvNxt, rcvWnd)
	newEnd := Add(seg.SEQ, seg.DATALEN)
	if windowEnd.LessThan(newEnd) {
		over := Sizeof(windowEnd, newEnd)
		if over > seg.DATALEN {
			over = seg.DATALEN
		}
		payload = payload[:len(payload)-int(over)]
		seg.DATALEN -= over
		seg.Flags &^= FlagFIN // FIN fell outside the window: stripped.
	}
	return seg, payload, true
}

// handleSynTransition implements the SYN_SENT/SYN_RCVD → ESTABLISHED
// transition (spec §4.6). Only called once admitWindow/ACK-validity have
// passed (for SYN_SENT, window admission does not apply and is skipped by
// the caller).
func (e *Engine) handleSynTransition(idx PcbIndex, pcb *PCB, seg Segment, opts []byte) {
	if seg.ACK != Add(pcb.sndUna, 1) {
		if pcb.state == StateSynSent {
			e.sendChallengeAck(pcb) // Not our SYN being acked: ignore/challenge.
		}
		return
	}

	e.scheduler.Cancel(idx, TimerAbrt)
	e.scheduler.Cancel(idx, TimerRtx)
	pcb.timers.markCanceled(TimerAbrt)
	pcb.timers.markCanceled(TimerRtx)

	pcb.sndUna = seg.ACK
	pcb.sndWl1 = seg.SEQ
	pcb.sndWl2 = seg.ACK

	wasSynSent := pcb.state == StateSynSent
	if wasSynSent {
		pcb.rcvNxt = Add(seg.SEQ, 1)
		pcb.rcvAnnWnd--

		peer, _ := parseOptions(opts)
		if peer.hasMss && clampMSS(peer.mss) < pcb.baseSndMss {
			pcb.baseSndMss = clampMSS(peer.mss)
		}
		if peer.hasWndScale {
			pcb.sndWndShift = peer.wndScale
		} else {
			pcb.rcvWndShift = 0
		}
	}
	pcb.sndWnd = seg.WND << pcb.sndWndShift

	pcb.sndMss = pcb.baseSndMss
	if avail := pcb.pmtu - mtuToMssOverhead; avail < pcb.sndMss {
		pcb.sndMss = avail
	}
	if pcb.sndMss < MinAllowedMss {
		pcb.sndMss = MinAllowedMss
	}

	pcb.rttTestSet = false
	pcb.rto = InitialRtxTime
	pcb.cwnd = initialCwnd(pcb.sndMss)
	pcb.ssthresh = MaxWindow
	pcb.flags |= flagCwndInit
	pcb.cwndAcked = 0

	pcb.state = StateEstablished
	pcb.flags |= flagAckPending
	if conn, ok := e.connByPcb[idx]; ok && conn.sendBuf.Len() > 0 {
		pcb.flags |= flagOutPending
	}
	if pcb.flags.has(flagFinPending) {
		if pcb.state == StateEstablished {
			pcb.state = StateFinWait1
		}
	}

	e.fireEstablished(idx, pcb, wasSynSent)
}

// fireEstablished invokes the appropriate application callback for the
// handshake completing, then checks for callback-triggered abort
// (re-entrancy guard) and, for the passive-open/no-accept case, aborts the
// PCB if the application never claimed it.
func (e *Engine) fireEstablished(idx PcbIndex, pcb *PCB, activeOpen bool) {
	if activeOpen {
		e.beginCallback(idx)
		if conn, ok := e.connByPcb[idx]; ok {
			conn.App.ConnectionEstablished()
		}
		e.endCallback()
		return
	}

	l, ok := e.listenerByPcb[idx]
	if !ok {
		return
	}
	l.hasAcceptPcb = true
	l.acceptPcb = idx
	e.pool.unlink(idx) // Protected from eviction while the accept slot is held.

	e.beginCallback(idx)
	l.callbacks.ConnectionEstablished(l)
	if e.pcbAborted(idx) {
		return
	}
	e.endCallback()

	if l.hasAcceptPcb && l.acceptPcb == idx {
		// Application did not call Accept: abort with RST.
		l.hasAcceptPcb = false
		l.numPcbs--
		e.abort(idx, pcb, true)
	}
}

// handleEstablishedSegment implements spec §4.6 step 5's "else" branch: ACK
// accounting, duplicate-ACK detection, window update, and data acceptance,
// for any state other than SYN_SENT/SYN_RCVD.
func (e *Engine) handleEstablishedSegment(idx PcbIndex, pcb *PCB, seg Segment, payload []byte) {
	isNewAck := pcb.sndUna.LessThan(seg.ACK) && seg.ACK.LessThanEq(pcb.sndNxt)
	isDupAck := pcb.state.CanSend() && seg.DATALEN == 0 && !seg.Flags.HasAny(FlagFIN) &&
		seg.ACK == pcb.sndUna && seg.WND<<pcb.sndWndShift == pcb.sndWnd

	if isNewAck {
		acked := Sizeof(pcb.sndUna, seg.ACK)
		// Our own FIN occupies one virtual sequence number past the last
		// real byte sent (see outputQueued); when this ACK advances past
		// it, that slot must not be counted as, or discarded from, real
		// send-buffer data.
		finAcked := pcb.flags.has(flagFinSent) && seg.ACK == pcb.sndNxt
		dataAcked := acked
		if finAcked {
			dataAcked--
		}
		pcb.sndUna = seg.ACK
		e.handleAcked(idx, pcb, acked, false)
		if conn, ok := e.connByPcb[idx]; ok {
			if dataAcked > 0 {
				conn.sendBuf.ShiftLeft(int(dataAcked))
			}
			e.beginCallback(idx)
			if dataAcked > 0 {
				conn.App.DataSent(int(dataAcked))
				if e.pcbAborted(idx) {
					return
				}
			}
			if finAcked {
				conn.endSent = true
				conn.App.DataSent(0)
				if e.pcbAborted(idx) {
					return
				}
			}
			e.endCallback()
		}
		if finAcked {
			e.advanceAfterFinAcked(idx, pcb)
		}
	} else if isDupAck {
		e.onDupAck(idx, pcb)
	}

	if seg.ACK == pcb.sndUna {
		e.applyWindowUpdate(idx, pcb, seg)
	}

	if pcb.state.AcceptsData() {
		e.acceptData(idx, pcb, seg, payload)
	}

	e.reconcileRtxTimer(idx, pcb)
}

// advanceAfterFinAcked advances the state machine once our own queued FIN
// has been fully acknowledged, per the non-error transition table.
func (e *Engine) advanceAfterFinAcked(idx PcbIndex, pcb *PCB) {
	switch pcb.state {
	case StateFinWait1:
		pcb.state = StateFinWait2
	case StateClosing:
		e.goToTimeWait(idx, pcb)
	case StateLastAck:
		e.abort(idx, pcb, false)
	}
}

// applyWindowUpdate implements spec §4.6's window-update rule: compare
// (seq, ack) against the last recorded (snd_wl1, snd_wl2) and adopt the
// peer's new window if it is a newer update.
func (e *Engine) applyWindowUpdate(idx PcbIndex, pcb *PCB, seg Segment) {
	if !newerWindowUpdate(seg.SEQ, pcb.sndWl1, seg.ACK, pcb.sndWl2) {
		return
	}
	newWnd := seg.WND << pcb.sndWndShift
	grew := newWnd > pcb.sndWnd
	hadZeroWindow := pcb.sndWnd == 0
	pcb.sndWnd = newWnd
	pcb.sndWl1 = seg.SEQ
	pcb.sndWl2 = seg.ACK
	if grew {
		pcb.flags |= flagOutPending
	}
	if hadZeroWindow && seg.WND > 0 && pcb.timers.isArmed(TimerRtx) {
		e.scheduler.Cancel(idx, TimerRtx)
		pcb.timers.markCanceled(TimerRtx)
		pcb.rto = InitialRtxTime
	}
}

// acceptData implements spec §4.6's data-acceptance path: fast path for
// in-sequence data with nothing buffered out-of-order, slow path via
// OosBuffer otherwise.
func (e *Engine) acceptData(idx PcbIndex, pcb *PCB, seg Segment, payload []byte) {
	if seg.DATALEN == 0 && !seg.Flags.HasAny(FlagFIN) {
		return
	}
	conn, hasConn := e.connByPcb[idx]
	dataOffset := Sizeof(pcb.rcvNxt, seg.SEQ)
	if hasConn && int(dataOffset)+len(payload) > conn.recvBuf.Cap() {
		e.abort(idx, pcb, true)
		return
	}

	fin := seg.Flags.HasAny(FlagFIN)
	var advance Size
	var gotFin bool

	if dataOffset == 0 && pcb.ooseq.IsNothingBuffered() {
		if hasConn && len(payload) > 0 {
			conn.recvBuf.Append(payload)
		}
		advance = seg.DATALEN
		gotFin = fin
	} else {
		needsAck, ok := pcb.ooseq.UpdateForSegmentReceived(pcb.rcvNxt, seg.SEQ, seg.DATALEN, fin)
		if !ok {
			e.abort(idx, pcb, true)
			return
		}
		if needsAck {
			pcb.flags |= flagAckPending
		}
		if hasConn && len(payload) > 0 {
			conn.recvBuf.WriteAt(int(dataOffset), payload)
		}
		advance, gotFin = pcb.ooseq.ShiftAvailable(pcb.rcvNxt)
		if advance == 0 && !gotFin {
			return
		}
	}

	pcb.rcvNxt = Add(pcb.rcvNxt, advance)
	if gotFin {
		pcb.rcvNxt = Add(pcb.rcvNxt, 1)
	}
	if pcb.rcvAnnWnd > advance {
		pcb.rcvAnnWnd -= advance
	} else {
		pcb.rcvAnnWnd = 0
	}
	pcb.flags |= flagAckPending

	if gotFin {
		e.transitionOnFin(idx, pcb)
	}

	if hasConn {
		e.beginCallback(idx)
		if advance > 0 {
			conn.App.DataReceived(int(advance))
		}
		if e.pcbAborted(idx) {
			return
		}
		if gotFin {
			conn.endReceived = true
			conn.App.DataReceived(0)
		}
		e.endCallback()
	}
}

// windowScaleFor returns the smallest shift in [0, MaxWndScale] such that a
// 16-bit window field left-shifted by it can represent wnd, used to pick
// the scale we advertise via our own WND_SCALE option.
func windowScaleFor(wnd Size) uint8 {
	var shift uint8
	for shift < MaxWndScale && (Size(0xFFFF)<<shift) < wnd {
		shift++
	}
	return shift
}

// transitionOnFin advances the state machine on receiving a peer FIN, per
// the non-error transition table.
func (e *Engine) transitionOnFin(idx PcbIndex, pcb *PCB) {
	switch pcb.state {
	case StateEstablished:
		pcb.state = StateCloseWait
	case StateFinWait1:
		pcb.state = StateClosing
	case StateFinWait2:
		e.goToTimeWait(idx, pcb)
	}
}

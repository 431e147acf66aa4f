package tcp

// outputQueued is output_queued: while there is remaining window and
// (unsent data or a pending FIN), emit one segment per iteration.
func (e *Engine) outputQueued(idx PcbIndex, pcb *PCB, noDelay bool) {
	if !pcb.state.CanSend() {
		return
	}
	conn := e.connByPcb[idx]

	for {
		inFlight := Sizeof(pcb.sndUna, pcb.sndNxt)
		windowBudget := pcb.sndWnd
		if pcb.cwnd < windowBudget {
			windowBudget = pcb.cwnd
		}
		var remainingWindow Size
		if windowBudget > inFlight {
			remainingWindow = windowBudget - inFlight
		}

		var unsent Size
		queuedLen := 0
		if conn != nil {
			queuedLen = conn.sendBuf.Len()
			sentAlready := int(inFlight)
			if sentAlready < queuedLen {
				unsent = Size(queuedLen - sentAlready)
			}
		}
		finPending := pcb.flags.has(flagFinPending) && !pcb.flags.has(flagFinSent)

		if remainingWindow == 0 || (unsent == 0 && !finPending) {
			break
		}

		if !noDelay && conn != nil && unsent < pcb.sndMss && !finPending {
			pushReached := conn.pushIndex <= int(inFlight)+int(unsent)
			if !pushReached && !conn.sendingClosed {
				break // Nagle: hold back a small non-pushed, non-final segment.
			}
		}

		segLen := unsent
		if segLen > remainingWindow {
			segLen = remainingWindow
		}
		if segLen > pcb.sndMss {
			segLen = pcb.sndMss
		}

		flags := FlagACK
		setFin := finPending && segLen == unsent && remainingWindow > segLen
		if setFin {
			flags |= FlagFIN
		}
		if conn != nil {
			pushReached := conn.pushIndex <= int(inFlight)+int(segLen)
			if pushReached || setFin {
				flags |= FlagPSH
			}
		}

		seg := Segment{
			SEQ:     pcb.sndNxt,
			ACK:     pcb.rcvNxt,
			WND:     announceWindow(pcb),
			DATALEN: segLen,
			Flags:   flags,
		}

		off := int(inFlight)
		var fill func([]byte)
		if segLen > 0 && conn != nil {
			fill = func(dst []byte) { conn.sendBuf.CopyOut(off, dst) }
		}
		err := e.emit(pcb.tuple, seg, nil, fill)
		if err != nil {
			if segLen == 0 {
				e.scheduler.Schedule(idx, TimerOutput, OutputRetryOtherTicks)
			} else {
				e.scheduler.Schedule(idx, TimerOutput, OutputRetryFullTicks)
			}
			pcb.flags |= flagOutRetry
			pcb.timers.markArmed(TimerOutput)
			break
		}

		if !pcb.rttTestSet {
			pcb.rttTestSeq = pcb.sndNxt
			pcb.rttTestAt = e.now()
			pcb.rttTestSet = true
		}

		newEnd := Add(pcb.sndNxt, segLen)
		if setFin {
			newEnd = Add(newEnd, 1)
		}
		if pcb.sndNxt.LessThan(newEnd) {
			pcb.sndNxt = newEnd
			if setFin {
				pcb.flags |= flagFinSent
			}
		}

		pcb.flags &^= flagAckPending
		if segLen == 0 && !setFin {
			break
		}
	}

	e.reconcileRtxTimer(idx, pcb)
	pcb.flags &^= flagOutPending
}

// outputFront is output_front: send a single minimal probe segment
// starting at snd_una, used when the peer's advertised window is zero.
func (e *Engine) outputFront(idx PcbIndex, pcb *PCB) {
	conn := e.connByPcb[idx]
	probeLen := Size(1)
	if pcb.sndMss < probeLen {
		probeLen = pcb.sndMss
	}
	var fill func([]byte)
	if conn != nil && conn.sendBuf.Len() > 0 {
		fill = func(dst []byte) { conn.sendBuf.CopyOut(0, dst) }
	} else {
		probeLen = 0
	}
	seg := Segment{
		SEQ:     pcb.sndUna,
		ACK:     pcb.rcvNxt,
		WND:     announceWindow(pcb),
		DATALEN: probeLen,
		Flags:   FlagACK,
	}
	e.emit(pcb.tuple, seg, nil, fill)
}

// announceWindow computes the window field to advertise, right-shifted by
// rcv_wnd_shift as required once scaling is in effect.
func announceWindow(pcb *PCB) Size {
	return pcb.rcvAnnWnd >> pcb.rcvWndShift
}

// onRtxTimer implements the RtxTimer expiry algorithm from spec §4.5.
func (e *Engine) onRtxTimer(idx PcbIndex, pcb *PCB) {
	if pcb.flags.has(flagIdleTimer) {
		pcb.flags &^= flagIdleTimer
		if pcb.flags.has(flagCwndInit) {
			pcb.cwnd = initialCwnd(pcb.sndMss)
		}
		pcb.cwndAcked = 0
		return
	}
	pcb.rto *= 2
	if pcb.rto > MaxRtxTime {
		pcb.rto = MaxRtxTime
	}
	e.scheduler.Schedule(idx, TimerRtx, pcb.rto)
	pcb.timers.markArmed(TimerRtx)

	switch pcb.state {
	case StateSynSent:
		e.sendSyn(idx, pcb, false)
		return
	case StateSynRcvd:
		e.sendSyn(idx, pcb, true)
		return
	}

	abandoned := pcb.attach.kind != attachConnection
	if pcb.sndWnd == 0 || abandoned {
		e.outputFront(idx, pcb)
		return
	}

	e.metrics.Retransmissions.Inc()
	if !pcb.flags.has(flagRtxActive) {
		pcb.flags |= flagRtxActive
		flight := Sizeof(pcb.sndUna, pcb.sndNxt)
		pcb.ssthresh = lossSsthresh(flight, pcb.sndMss)
		pcb.cwnd = pcb.sndMss
		pcb.recover = pcb.sndNxt
		pcb.flags |= flagRecover
		pcb.numDupAck = 0
	}
	pcb.sndNxt = pcb.sndUna
	e.outputQueued(idx, pcb, true)
}

func lossSsthresh(flight, mss Size) Size {
	half := flight / 2
	floor := 2 * mss
	if half > floor {
		return half
	}
	return floor
}

// reconcileRtxTimer implements invariant 6: arm RtxTimer iff output is
// legal and either unacked data/FIN remains outstanding and (peer window
// is zero, or some segment is sent-but-unacked). Otherwise it is left
// running, or armed, as an idle-reset timer; it is never stopped here.
func (e *Engine) reconcileRtxTimer(idx PcbIndex, pcb *PCB) {
	if !pcb.state.CanSend() {
		return
	}
	outstanding := pcb.sndUna != pcb.sndNxt
	needed := outstanding && (pcb.sndWnd == 0 || outstanding)
	switch {
	case needed:
		if !pcb.timers.isArmed(TimerRtx) || pcb.flags.has(flagIdleTimer) {
			pcb.flags &^= flagIdleTimer
			e.scheduler.Schedule(idx, TimerRtx, pcb.rto)
			pcb.timers.markArmed(TimerRtx)
		}
	default:
		// Nothing outstanding: per RFC 5681's "restart after idle", leave
		// RtxTimer running as an idle-reset timer rather than canceling
		// it, so onRtxTimer's idle branch fires one rto from now and
		// resets cwnd before the connection's next burst of sends.
		if !pcb.flags.has(flagIdleTimer) {
			pcb.flags |= flagIdleTimer
			e.scheduler.Schedule(idx, TimerRtx, pcb.rto)
			pcb.timers.markArmed(TimerRtx)
		}
	}
}

// handleAcked is output_handle_acked, run from the input pipeline before
// any other state mutation once a new ACK has been validated. ackedBytes
// is how much new send-sequence-space the ack covers (0 if the ack is not
// new by itself, e.g. a pure duplicate).
func (e *Engine) handleAcked(idx PcbIndex, pcb *PCB, ackedBytes Size, dupAck bool) {
	e.scheduler.Cancel(idx, TimerRtx)
	pcb.timers.markCanceled(TimerRtx)
	pcb.flags &^= flagRtxActive

	if pcb.rttTestSet && pcb.rttTestSeq.LessThanEq(pcb.sndUna) {
		e.completeRttMeasurement(pcb)
	}

	if dupAck {
		if pcb.numDupAck < 0xff {
			pcb.numDupAck++
		}
	}

	if !pcb.flags.has(flagRecover) || pcb.numDupAck < FastRtxDupAcks {
		pcb.numDupAck = 0
		if pcb.cwnd <= pcb.ssthresh {
			inc := ackedBytes
			if inc > pcb.sndMss {
				inc = pcb.sndMss
			}
			pcb.cwnd += inc
		} else {
			pcb.cwndAcked += ackedBytes
			if pcb.cwndAcked >= pcb.cwnd {
				pcb.cwnd += pcb.sndMss
				pcb.cwndAcked = 0
			}
		}
		return
	}

	// In fast recovery.
	if pcb.sndUna == pcb.recover || pcb.recover.LessThan(pcb.sndUna) {
		flight := Sizeof(pcb.sndUna, pcb.sndNxt)
		base := flight
		if base < pcb.sndMss {
			base = pcb.sndMss
		}
		newCwnd := base + pcb.sndMss
		if newCwnd > pcb.ssthresh {
			newCwnd = pcb.ssthresh
		}
		pcb.cwnd = newCwnd
		pcb.numDupAck = 0
		pcb.flags &^= flagRecover
		return
	}

	// Partial acknowledgement during recovery: retransmit, deflate cwnd.
	e.retransmitFirstUnacked(idx, pcb)
	deflate := pcb.cwnd - pcb.sndMss
	if deflate > ackedBytes {
		deflate = ackedBytes
	}
	if pcb.cwnd > deflate {
		pcb.cwnd -= deflate
	} else {
		pcb.cwnd = pcb.sndMss
	}
	if ackedBytes >= pcb.sndMss {
		pcb.cwnd += pcb.sndMss
	}
}

func (e *Engine) completeRttMeasurement(pcb *PCB) {
	m := e.now().Sub(pcb.rttTestAt)
	pcb.rttTestSet = false
	if !pcb.flags.has(flagRttValid) {
		pcb.srtt = m
		pcb.rttvar = m / 2
		pcb.flags |= flagRttValid
	} else {
		diff := pcb.srtt - m
		if diff < 0 {
			diff = -diff
		}
		pcb.rttvar = (3*pcb.rttvar + diff) / 4
		pcb.srtt = (7*pcb.srtt + m) / 8
	}
	backoff := 4 * pcb.rttvar
	if backoff < MinRtxTime {
		backoff = MinRtxTime
	}
	rto := pcb.srtt + backoff
	if rto < MinRtxTime {
		rto = MinRtxTime
	}
	if rto > MaxRtxTime {
		rto = MaxRtxTime
	}
	pcb.rto = rto
}

// onDupAck implements the input pipeline's duplicate-ACK counting (spec
// §4.5): call only when output is legal, the segment carries no data/FIN,
// ack==snd_una and the advertised window is unchanged.
func (e *Engine) onDupAck(idx PcbIndex, pcb *PCB) {
	if pcb.numDupAck < 0xff {
		pcb.numDupAck++
	}
	if pcb.numDupAck != FastRtxDupAcks || pcb.flags.has(flagRecover) {
		return
	}
	e.metrics.FastRetransmits.Inc()
	e.retransmitFirstUnacked(idx, pcb)
	pcb.recover = pcb.sndNxt
	pcb.flags |= flagRecover
	flight := Sizeof(pcb.sndUna, pcb.sndNxt)
	pcb.ssthresh = lossSsthresh(flight, pcb.sndMss)
	pcb.cwnd = pcb.ssthresh + 3*pcb.sndMss
}

func (e *Engine) retransmitFirstUnacked(idx PcbIndex, pcb *PCB) {
	conn := e.connByPcb[idx]
	segLen := pcb.sndMss
	if conn != nil {
		avail := Size(conn.sendBuf.Len())
		if avail < segLen {
			segLen = avail
		}
	} else {
		segLen = 0
	}
	flags := FlagACK
	var fill func([]byte)
	if segLen > 0 {
		fill = func(dst []byte) { conn.sendBuf.CopyOut(0, dst) }
		if conn.pushIndex <= int(segLen) {
			flags |= FlagPSH
		}
	}
	seg := Segment{
		SEQ:     pcb.sndUna,
		ACK:     pcb.rcvNxt,
		WND:     announceWindow(pcb),
		DATALEN: segLen,
		Flags:   flags,
	}
	e.emit(pcb.tuple, seg, nil, fill)
	e.metrics.Retransmissions.Inc()
}

package tcp

// emit builds and transmits one TCP segment addressed by tuple: header,
// opts (nil for none), and seg.DATALEN bytes of payload supplied by fill
// (nil if seg.DATALEN is 0). The header's data offset and window are
// derived from opts and seg respectively; the checksum is computed last
// over the whole frame.
func (e *Engine) emit(tuple fourTuple, seg Segment, opts []byte, fill func(dst []byte)) error {
	headerLen := headerSizeTCP + len(opts)
	total := headerLen + int(seg.DATALEN)
	if total > len(e.scratch) {
		return ErrShortBuffer
	}
	buf := e.scratch[:total]
	frame, err := NewFrame(buf)
	if err != nil {
		return err
	}
	frame.ClearHeader()
	frame.SetSourcePort(tuple.localPort)
	frame.SetDestinationPort(tuple.remotePort)
	frame.SetSegment(seg, uint8(headerLen/4))
	frame.SetUrgentPtr(0)
	copy(frame.Options(), opts)
	if fill != nil {
		fill(frame.Payload())
	}
	frame.SetChecksum(0)
	frame.SetChecksum(computeChecksum(tuple.localAddr, tuple.remoteAddr, buf))

	if err := e.ip.SendIp4(tuple.localAddr, tuple.remoteAddr, buf); err != nil {
		return err
	}
	e.metrics.SegmentsSent.Inc()
	return nil
}

// synOptions appends the MSS and (if offering scaling) WND_SCALE options
// used on every SYN/SYN-ACK this engine emits, returning the slice written.
func synOptions(dst []byte, mss uint16, wndScale uint8, offerScale bool) []byte {
	n := appendMSS(dst, mss)
	if offerScale {
		n += appendWindowScale(dst[n:], wndScale)
	}
	return dst[:n]
}

// sendSyn emits the initial SYN (SYN_SENT) or SYN-ACK (SYN_RCVD), or
// re-sends the same segment on RtxTimer expiry before the handshake
// completes. ackFlag distinguishes a bare SYN from a SYN-ACK.
func (e *Engine) sendSyn(idx PcbIndex, pcb *PCB, ackFlag bool) error {
	var optbuf [8]byte
	opts := synOptions(optbuf[:], uint16(pcb.baseSndMss), pcb.rcvWndShift, true)

	flags := FlagSYN
	if ackFlag {
		flags |= FlagACK
	}
	seg := Segment{
		SEQ:   pcb.sndUna,
		ACK:   pcb.rcvNxt,
		WND:   pcb.rcvAnnWnd, // unscaled on SYN/SYN-ACK, per wire format spec.
		Flags: flags,
	}
	pcb.sndNxt = Add(pcb.sndUna, 1) // The SYN itself occupies one sequence number.
	return e.emit(pcb.tuple, seg, opts, nil)
}

// sendRst emits a bare RST (optionally carrying ACK) for tuple, used both
// from abort() and from the demultiplex-miss / challenge-ACK paths where no
// PCB exists to hang the segment off of.
func (e *Engine) sendRst(tuple fourTuple, seq Value, ack Value, ackSet bool) {
	flags := FlagRST
	if ackSet {
		flags |= FlagACK
	}
	seg := Segment{SEQ: seq, ACK: ack, Flags: flags}
	e.emit(tuple, seg, nil, nil)
}

// sendChallengeAck emits a bare ACK reflecting the PCB's current send/receive
// sequence numbers, used whenever an unacceptable segment must be answered
// without being processed (spec §4.6's "challenge ACK" responses).
func (e *Engine) sendChallengeAck(pcb *PCB) {
	seg := Segment{
		SEQ:   pcb.sndNxt,
		ACK:   pcb.rcvNxt,
		WND:   announceWindow(pcb),
		Flags: FlagACK,
	}
	e.emit(pcb.tuple, seg, nil, nil)
}

// emitPendingAck sends a bare (data-free) ACK if ACK_PENDING is still set
// after outputQueued has had a chance to piggyback it on a data segment.
func (e *Engine) emitPendingAck(idx PcbIndex, pcb *PCB) {
	if !pcb.flags.has(flagAckPending) {
		return
	}
	pcb.flags &^= flagAckPending
	e.sendChallengeAck(pcb)
}

package tcp

import "testing"

// TestFastRetransmitOnThirdDuplicateAck reproduces the classic fast
// retransmit/recovery entry: 10 MSS-sized segments in flight, three
// duplicate ACKs acknowledging nothing new. The third should retransmit the
// oldest unacked segment and enter recovery with the RFC 5681 ssthresh/cwnd
// formulas.
func TestFastRetransmitOnThirdDuplicateAck(t *testing.T) {
	eng, _, _, ip := newTestEngine(4, 1500)
	app := &recordingConnCallbacks{}
	remoteAddr := [4]byte{192, 0, 2, 5}
	const remotePort = 80
	conn, localAddr, localPort, _ := establishedConn(t, eng, ip, app, remoteAddr, remotePort, 500_000)
	pcb := eng.pool.Get(conn.pcb)

	const mss = 1460
	const flight = 10 * mss
	// The helper's 8192-byte send buffer cannot hold the whole flight.
	if err := conn.SetSendBuf(make([]byte, flight)); err != nil {
		t.Fatalf("SetSendBuf: %v", err)
	}
	conn.GetSendBuf().Append(make([]byte, flight))
	pcb.sndNxt = Add(pcb.sndUna, flight)
	pcb.cwnd = 10 * mss
	pcb.ssthresh = 64 * mss

	sentBefore := len(ip.sent)
	dupAck := Segment{SEQ: pcb.rcvNxt, ACK: pcb.sndUna, WND: 65535, Flags: FlagACK}
	for i := 0; i < 2; i++ {
		wire := buildWireSegment(remotePort, localPort, dupAck, nil, nil, remoteAddr, localAddr)
		eng.InboundSegment(localAddr, remoteAddr, wire)
	}
	if pcb.flags.has(flagRecover) {
		t.Fatalf("RECOVER set after only 2 duplicate ACKs")
	}
	if len(ip.sent) != sentBefore {
		t.Fatalf("no retransmission expected before the 3rd duplicate ACK, got %d new segments", len(ip.sent)-sentBefore)
	}

	wire := buildWireSegment(remotePort, localPort, dupAck, nil, nil, remoteAddr, localAddr)
	eng.InboundSegment(localAddr, remoteAddr, wire)

	if !pcb.flags.has(flagRecover) {
		t.Fatalf("RECOVER not set after the 3rd duplicate ACK")
	}
	if pcb.recover != pcb.sndNxt {
		t.Fatalf("recover = %d, want snd_nxt = %d", pcb.recover, pcb.sndNxt)
	}
	const wantSsthresh = flight / 2 // > 2*mss, so flight/2 wins
	if pcb.ssthresh != wantSsthresh {
		t.Fatalf("ssthresh = %d, want %d", pcb.ssthresh, wantSsthresh)
	}
	wantCwnd := Size(wantSsthresh + 3*mss)
	if pcb.cwnd != wantCwnd {
		t.Fatalf("cwnd = %d, want %d", pcb.cwnd, wantCwnd)
	}
	if len(ip.sent) != sentBefore+1 {
		t.Fatalf("expected exactly 1 retransmitted segment, got %d", len(ip.sent)-sentBefore)
	}
	rtx := ip.sent[len(ip.sent)-1].segment()
	if rtx.SEQ != pcb.sndUna {
		t.Fatalf("retransmit SEQ = %d, want snd_una = %d", rtx.SEQ, pcb.sndUna)
	}
	if rtx.DATALEN != mss {
		t.Fatalf("retransmit length = %d, want %d", rtx.DATALEN, mss)
	}
}

// TestSynRetransmitOnRtoTimer checks that an un-acked SYN is resent with an
// exponentially backed-off RTO, and that the PCB is eventually aborted once
// SynSentTimeoutTicks elapses with no reply.
func TestSynRetransmitOnRtoTimer(t *testing.T) {
	eng, _, sched, ip := newTestEngine(2, 1500)
	app := &recordingConnCallbacks{}
	conn := NewConnection(app, make([]byte, 1024), make([]byte, 1024))

	remoteAddr := [4]byte{192, 0, 2, 5}
	if err := eng.StartConnection(conn, remoteAddr, 80, 16384); err != nil {
		t.Fatalf("StartConnection: %v", err)
	}
	if len(ip.sent) != 1 {
		t.Fatalf("expected 1 SYN sent, got %d", len(ip.sent))
	}

	sched.Advance(InitialRtxTime)
	if len(ip.sent) != 2 {
		t.Fatalf("expected SYN retransmit after RTO, have %d segments", len(ip.sent))
	}
	if ip.sent[1].segment().Flags != FlagSYN {
		t.Fatalf("retransmitted segment flags = %v, want SYN", ip.sent[1].segment().Flags)
	}

	sched.Advance(SynSentTimeoutTicks)
	if app.aborted != 1 {
		t.Fatalf("ConnectionAborted called %d times, want 1 after SynSentTimeoutTicks", app.aborted)
	}
	if conn.State() != ConnClosed {
		t.Fatalf("conn state = %v, want CLOSED", conn.State())
	}
}

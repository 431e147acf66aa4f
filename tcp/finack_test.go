package tcp

import "testing"

// TestFinAckDoesNotConsumeRealSendData drives a close where the FIN rides
// on the same segment as the last chunk of real send-buffer data, and
// checks that acking that combined segment credits only the real bytes to
// DataSent/send-buffer retirement, with a separate DataSent(0) call and
// WasEndSent() flip for the FIN's own virtual sequence number.
func TestFinAckDoesNotConsumeRealSendData(t *testing.T) {
	eng, _, _, ip := newTestEngine(4, 1500)
	app := &recordingConnCallbacks{}
	remoteAddr := [4]byte{192, 0, 2, 9}
	const remotePort = 80
	const peerIss = Value(900_000)
	conn, localAddr, localPort, _ := establishedConn(t, eng, ip, app, remoteAddr, remotePort, peerIss)
	pcb := eng.pool.Get(conn.pcb)

	const payload = "0123456789"
	conn.GetSendBuf().Append([]byte(payload))
	conn.CloseSending()
	if pcb.State() != StateFinWait1 {
		t.Fatalf("pcb state after CloseSending = %v, want FIN_WAIT_1", pcb.State())
	}

	seg := ip.sent[len(ip.sent)-1].segment()
	if !seg.Flags.HasAll(FlagFIN | FlagACK) {
		t.Fatalf("close segment flags = %v, want FIN|ACK", seg.Flags)
	}
	if int(seg.DATALEN) != len(payload) {
		t.Fatalf("close segment carried %d data bytes, want %d", seg.DATALEN, len(payload))
	}
	if got := ip.sent[len(ip.sent)-1].payload(); string(got) != payload {
		t.Fatalf("close segment payload = %q, want %q", got, payload)
	}

	// One ACK covers the 10 real bytes and the FIN's own virtual sequence
	// number: seg.SEQ + 10 data bytes + 1 FIN = seg.SEQ + 11.
	ackAll := Segment{SEQ: Add(peerIss, 1), ACK: Add(seg.SEQ, Size(len(payload)+1)), WND: 65535, Flags: FlagACK}
	wire := buildWireSegment(remotePort, localPort, ackAll, nil, nil, remoteAddr, localAddr)
	eng.InboundSegment(localAddr, remoteAddr, wire)

	// DataSent must report the real bytes once, and the FIN's own virtual
	// sequence number separately as a trailing amount==0 call, per the
	// ConnCallbacks.DataSent contract.
	if len(app.sent) != 2 || app.sent[0] != len(payload) || app.sent[1] != 0 {
		t.Fatalf("DataSent calls = %v, want [%d 0]", app.sent, len(payload))
	}
	if !conn.WasEndSent() {
		t.Fatalf("WasEndSent() = false after FIN fully acked, want true")
	}
	if got := conn.GetSendBuf().Len(); got != 0 {
		t.Fatalf("send buffer still holds %d bytes after FIN-ack, want 0 (no stranded data)", got)
	}
	if pcb.State() != StateFinWait2 {
		t.Fatalf("pcb state after FIN acked = %v, want FIN_WAIT_2", pcb.State())
	}
}

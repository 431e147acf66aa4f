package tcp

import (
	"errors"
	"sort"
	"time"
)

// fakeClock is a manually-advanced Clock for deterministic timing tests.
type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1000, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type timerKey struct {
	idx PcbIndex
	id  TimerID
}

// fakeScheduler is a Scheduler backed by a map and an explicit Advance
// step, so a test can deterministically drive timer expiry instead of
// racing a real one. bind must be called once the Engine exists, since the
// two are mutually referential.
type fakeScheduler struct {
	clock   *fakeClock
	eng     *Engine
	pending map[timerKey]time.Time
}

func newFakeScheduler(clock *fakeClock) *fakeScheduler {
	return &fakeScheduler{clock: clock, pending: make(map[timerKey]time.Time)}
}

func (s *fakeScheduler) bind(eng *Engine) { s.eng = eng }

func (s *fakeScheduler) Schedule(idx PcbIndex, id TimerID, d time.Duration) {
	s.pending[timerKey{idx, id}] = s.clock.now.Add(d)
}

func (s *fakeScheduler) Cancel(idx PcbIndex, id TimerID) {
	delete(s.pending, timerKey{idx, id})
}

func (s *fakeScheduler) isArmed(idx PcbIndex, id TimerID) bool {
	_, ok := s.pending[timerKey{idx, id}]
	return ok
}

// Advance moves the clock forward by d and fires, in chronological order,
// every timer that falls due along the way (including ones newly armed by
// an earlier firing in the same Advance call).
func (s *fakeScheduler) Advance(d time.Duration) {
	target := s.clock.now.Add(d)
	for {
		key, due, ok := s.nextDue()
		if !ok || due.After(target) {
			break
		}
		s.clock.now = due
		delete(s.pending, key)
		s.eng.TimerFired(key.idx, key.id)
	}
	s.clock.now = target
}

func (s *fakeScheduler) nextDue() (timerKey, time.Time, bool) {
	keys := make([]timerKey, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return timerKey{}, time.Time{}, false
	}
	sort.Slice(keys, func(i, j int) bool { return s.pending[keys[i]].Before(s.pending[keys[j]]) })
	best := keys[0]
	return best, s.pending[best], true
}

// sentSegment records one datagram handed to fakeIP.SendIp4.
type sentSegment struct {
	src, dst [4]byte
	raw      []byte
}

func (s sentSegment) frame() Frame {
	fr, err := NewFrame(s.raw)
	if err != nil {
		panic(err)
	}
	return fr
}

func (s sentSegment) segment() Segment {
	fr := s.frame()
	return fr.Segment(len(s.raw) - fr.HeaderLength())
}

func (s sentSegment) payload() []byte {
	fr := s.frame()
	return fr.Payload()
}

func (s sentSegment) options() parsedOptions {
	fr := s.frame()
	opts, err := parseOptions(fr.Options())
	if err != nil {
		panic(err)
	}
	return opts
}

// fakeIP is a minimal IpSender: one fixed route, and a log of everything
// sent. sendErr, if set, is returned (and cleared) by the next SendIp4 call
// to simulate a transient egress failure.
type fakeIP struct {
	srcAddr [4]byte
	mtu     int
	sent    []sentSegment
	sendErr error
}

func (f *fakeIP) Route(dst [4]byte) ([4]byte, int, bool) { return f.srcAddr, f.mtu, true }

func (f *fakeIP) SendIp4(src, dst [4]byte, segment []byte) error {
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	cp := append([]byte(nil), segment...)
	f.sent = append(f.sent, sentSegment{src: src, dst: dst, raw: cp})
	return nil
}

func (f *fakeIP) last() sentSegment { return f.sent[len(f.sent)-1] }

var errFakeSendFailure = errors.New("fake: transient send failure")

// recordingConnCallbacks implements ConnCallbacks, recording every call for
// assertion.
type recordingConnCallbacks struct {
	established int
	aborted     int
	received    []int
	sent        []int
}

func (c *recordingConnCallbacks) ConnectionEstablished() { c.established++ }
func (c *recordingConnCallbacks) ConnectionAborted()     { c.aborted++ }
func (c *recordingConnCallbacks) DataReceived(n int)     { c.received = append(c.received, n) }
func (c *recordingConnCallbacks) DataSent(n int)         { c.sent = append(c.sent, n) }

// autoAcceptListenCallbacks immediately accepts every pending child PCB
// into a fresh Connection built from newConn, recording each one.
type autoAcceptListenCallbacks struct {
	eng     *Engine
	newConn func() *Connection
	conns   []*Connection
}

func (a *autoAcceptListenCallbacks) ConnectionEstablished(l *Listener) {
	conn := a.newConn()
	if a.eng.Accept(l, conn) {
		a.conns = append(a.conns, conn)
	}
}

// buildWireSegment assembles a complete TCP header+options+payload with a
// correct checksum, as if srcAddr/srcPort were the sender and
// dstAddr/dstPort the receiver of this datagram.
func buildWireSegment(srcPort, dstPort uint16, seg Segment, opts, payload []byte, srcAddr, dstAddr [4]byte) []byte {
	headerLen := headerSizeTCP + len(opts)
	buf := make([]byte, headerLen+len(payload))
	fr, err := NewFrame(buf)
	if err != nil {
		panic(err)
	}
	fr.ClearHeader()
	fr.SetSourcePort(srcPort)
	fr.SetDestinationPort(dstPort)
	fr.SetSegment(seg, uint8(headerLen/4))
	fr.SetUrgentPtr(0)
	copy(fr.Options(), opts)
	copy(fr.Payload(), payload)
	fr.SetChecksum(0)
	fr.SetChecksum(computeChecksum(srcAddr, dstAddr, buf))
	return buf
}

// mssAndScaleOptions builds an 8-byte MSS+WND_SCALE option block, the same
// shape synOptions produces.
func mssAndScaleOptions(mss uint16, scale uint8) []byte {
	var buf [8]byte
	n := appendMSS(buf[:], mss)
	n += appendWindowScale(buf[n:], scale)
	return buf[:n]
}

// newTestEngine wires a fresh Engine to a fake Clock/Scheduler/IpSender,
// returning all four so a test can drive timers and inspect sent segments.
func newTestEngine(poolSize int, mtu int) (*Engine, *fakeClock, *fakeScheduler, *fakeIP) {
	clock := newFakeClock()
	sched := newFakeScheduler(clock)
	ip := &fakeIP{srcAddr: [4]byte{192, 0, 2, 1}, mtu: mtu}
	eng := NewEngine(Config{PcbPoolSize: poolSize, Clock: clock, Scheduler: sched, IpSender: ip})
	sched.bind(eng)
	return eng, clock, sched, ip
}

// establishedConn drives a full active-open handshake against eng/ip and
// returns the resulting Connection plus the sequence numbers and addresses
// a test needs to keep feeding the exchange. The peer offers window scale 7
// and MSS 1460 (matching an unmodified 1500-byte-MTU route).
func establishedConn(t interface {
	Fatalf(format string, args ...any)
}, eng *Engine, ip *fakeIP, app ConnCallbacks, remoteAddr [4]byte, remotePort uint16, peerIss Value) (conn *Connection, localAddr [4]byte, localPort uint16, iss Value) {
	conn = NewConnection(app, make([]byte, 8192), make([]byte, 8192))
	if err := eng.StartConnection(conn, remoteAddr, remotePort, 16384); err != nil {
		t.Fatalf("StartConnection: %v", err)
	}
	pcb := eng.pool.Get(conn.pcb)
	localAddr = pcb.tuple.localAddr
	localPort = pcb.tuple.localPort
	iss = ip.last().segment().SEQ

	synAck := Segment{SEQ: peerIss, ACK: Add(iss, 1), WND: 65535, Flags: FlagSYN | FlagACK}
	wire := buildWireSegment(remotePort, localPort, synAck, mssAndScaleOptions(1460, 7), nil, remoteAddr, localAddr)
	eng.InboundSegment(localAddr, remoteAddr, wire)
	if pcb.State() != StateEstablished {
		t.Fatalf("pcb state after handshake = %v, want ESTABLISHED", pcb.State())
	}
	return conn, localAddr, localPort, iss
}

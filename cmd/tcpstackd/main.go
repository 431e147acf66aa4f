// Command tcpstackd wires two protocol engines back to back over an
// in-process loopback bus and drives a full handshake plus a small data
// exchange between them, without touching a real network interface. It is
// meant as a runnable illustration of the Clock/Scheduler/IpSender wiring a
// real host would otherwise provide over a NIC driver, analogous to the
// teacher's loopback example client.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nanostack-go/tcpcore/internal/metrics"
	"github.com/nanostack-go/tcpcore/tcp"
)

// timerKey identifies one pending (PCB, timer) pair across the demo's two
// independent per-engine wheels.
type timerKey struct {
	idx tcp.PcbIndex
	id  tcp.TimerID
}

// wheel is a minimal polling Scheduler: Schedule/Cancel just record a
// deadline, and the driving loop calls runDue on every tick. A production
// host would instead back this with a real timer wheel or heap woken by
// hardware interrupts; this is deliberately the simplest thing that is
// still a correct Scheduler.
type wheel struct {
	eng     *tcp.Engine
	pending map[timerKey]time.Time
}

func newWheel() *wheel { return &wheel{pending: make(map[timerKey]time.Time)} }

func (w *wheel) bind(eng *tcp.Engine) { w.eng = eng }

func (w *wheel) Schedule(idx tcp.PcbIndex, id tcp.TimerID, d time.Duration) {
	w.pending[timerKey{idx, id}] = time.Now().Add(d)
}

func (w *wheel) Cancel(idx tcp.PcbIndex, id tcp.TimerID) {
	delete(w.pending, timerKey{idx, id})
}

func (w *wheel) runDue() {
	now := time.Now()
	var due []timerKey
	for k, deadline := range w.pending {
		if !deadline.After(now) {
			due = append(due, k)
		}
	}
	for _, k := range due {
		if _, stillPending := w.pending[k]; !stillPending {
			continue
		}
		delete(w.pending, k)
		w.eng.TimerFired(k.idx, k.id)
	}
}

// loopbackBus routes a SendIp4 call from one engine straight into the other
// engine's InboundSegment, standing in for an Ethernet/IP layer that would
// otherwise carry the datagram over a wire.
type loopbackBus struct {
	engines map[[4]byte]*tcp.Engine
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{engines: make(map[[4]byte]*tcp.Engine)}
}

func (b *loopbackBus) register(addr [4]byte, eng *tcp.Engine) { b.engines[addr] = eng }

type busSender struct {
	bus   *loopbackBus
	local [4]byte
	mtu   int
}

func (s *busSender) Route(dst [4]byte) (srcAddr [4]byte, mtu int, ok bool) {
	if _, known := s.bus.engines[dst]; !known {
		return [4]byte{}, 0, false
	}
	return s.local, s.mtu, true
}

func (s *busSender) SendIp4(src, dst [4]byte, segment []byte) error {
	peer, known := s.bus.engines[dst]
	if !known {
		return nil
	}
	cp := append([]byte(nil), segment...)
	peer.InboundSegment(dst, src, cp)
	return nil
}

// echoCallbacks is a ConnCallbacks that logs every lifecycle event and, for
// the server side, echoes back whatever it receives.
type echoCallbacks struct {
	name string
	conn *tcp.Connection
	echo bool
}

func (c *echoCallbacks) ConnectionEstablished() {
	fmt.Printf("%s: established\n", c.name)
}

func (c *echoCallbacks) ConnectionAborted() {
	fmt.Printf("%s: closed\n", c.name)
}

func (c *echoCallbacks) DataReceived(n int) {
	if n == 0 {
		fmt.Printf("%s: peer sent no more data\n", c.name)
		return
	}
	buf := make([]byte, n)
	c.conn.GetRecvBuf().CopyOut(0, buf)
	fmt.Printf("%s: received %q\n", c.name, buf)
	c.conn.GetRecvBuf().ShiftLeft(n)
	if c.echo {
		c.conn.GetSendBuf().Append(buf)
		c.conn.ExtendSendBuf(n)
	}
}

func (c *echoCallbacks) DataSent(n int) {
	fmt.Printf("%s: peer acked %d bytes\n", c.name, n)
}

type acceptingListener struct {
	eng  *tcp.Engine
	conn *tcp.Connection
}

func (l *acceptingListener) ConnectionEstablished(lst *tcp.Listener) {
	cb := &echoCallbacks{name: "server", echo: true}
	conn := tcp.NewConnection(cb, make([]byte, 4096), make([]byte, 4096))
	cb.conn = conn
	if !l.eng.Accept(lst, conn) {
		return
	}
	l.conn = conn
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	clientAddr := [4]byte{10, 0, 0, 1}
	serverAddr := [4]byte{10, 0, 0, 2}
	const serverPort = 7

	bus := newLoopbackBus()
	clientSched := newWheel()
	serverSched := newWheel()

	client := tcp.NewEngine(tcp.Config{
		PcbPoolSize: 4,
		Clock:       newRealClock(),
		Scheduler:   clientSched,
		IpSender:    &busSender{bus: bus, local: clientAddr, mtu: 1500},
		Logger:      logger.With("engine", "client"),
		Metrics:     metrics.NewNop(),
	})
	server := tcp.NewEngine(tcp.Config{
		PcbPoolSize: 4,
		Clock:       newRealClock(),
		Scheduler:   serverSched,
		IpSender:    &busSender{bus: bus, local: serverAddr, mtu: 1500},
		Logger:      logger.With("engine", "server"),
		Metrics:     metrics.NewNop(),
	})
	clientSched.bind(client)
	serverSched.bind(server)
	bus.register(clientAddr, client)
	bus.register(serverAddr, server)

	acceptor := &acceptingListener{eng: server}
	if _, err := server.ListenIp4(serverAddr, serverPort, 4, 16384, acceptor); err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}

	clientCb := &echoCallbacks{name: "client"}
	clientConn := tcp.NewConnection(clientCb, make([]byte, 4096), make([]byte, 4096))
	clientCb.conn = clientConn
	if err := client.StartConnection(clientConn, serverAddr, serverPort, 16384); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	sentGreeting := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clientSched.runDue()
		serverSched.runDue()

		if clientConn.IsConnected() && !sentGreeting {
			greeting := []byte("hello from tcpstackd")
			clientConn.GetSendBuf().Append(greeting)
			clientConn.ExtendSendBuf(len(greeting))
			sentGreeting = true
		}

		if clientConn.WasEndReceived() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	clientConn.CloseSending()
	for i := 0; i < 200 && clientConn.State() != tcp.ConnClosed; i++ {
		clientSched.runDue()
		serverSched.runDue()
		time.Sleep(time.Millisecond)
	}
}

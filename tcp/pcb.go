package tcp

import (
	"time"

	"github.com/rs/xid"
)

// PcbIndex is an index into the engine's fixed PCB pool. Using a small
// integer index rather than a pointer keeps the pool cache-contiguous and
// avoids per-PCB pointer plumbing, per the Design Notes re-architecture of
// the source's intrusive linked lists.
type PcbIndex uint16

const noPcb PcbIndex = 0xFFFF

// pcbFlag is the bit-packed flag field listed in spec §3. A single dense
// integer plus named predicates, matching the Design Notes guidance to keep
// one flags word instead of a dozen bool fields.
type pcbFlag uint16

const (
	flagAckPending pcbFlag = 1 << iota
	flagOutPending
	flagFinSent
	flagFinPending
	flagRttPending
	flagRttValid
	flagCwndIncrd
	flagRtxActive
	flagRecover
	flagIdleTimer
	flagWndScale
	flagCwndInit
	flagOutRetry
	flagRcvWndUpd
)

func (f pcbFlag) has(mask pcbFlag) bool { return f&mask != 0 }

// attachmentKind distinguishes what a PCB is currently owned by. This
// replaces the source's C-union of TcpListener*/TcpConnection* switched on
// state with an explicit tagged sum, per the Design Notes: it removes the
// implicit "pcb->con == nullptr" convention and the risk of reading the
// wrong union member while in SYN_RCVD.
type attachmentKind uint8

const (
	attachNone attachmentKind = iota
	attachListener
	attachConnection
)

// attachment names what owns a PCB: nothing (abandoned / pooled), a
// Listener awaiting acceptConnection (only valid in StateSynRcvd), or a
// Connection handle (valid in any other non-closed state). The owner
// itself is tracked in the engine's connByPcb/listenerByPcb maps, keyed by
// PcbIndex — attachment only records which map (if either) is authoritative
// for this PCB right now.
type attachment struct {
	kind attachmentKind
}

// fourTuple identifies a TCP endpoint pair. In any non-closed state this is
// unique across the active index (and, separately, the TIME_WAIT index).
type fourTuple struct {
	localAddr   [4]byte
	localPort   uint16
	remoteAddr  [4]byte
	remotePort  uint16
}

// PCB is one TCP protocol control block: all mutable state for a single
// endpoint, owned by the engine's PCB pool. Fields are grouped exactly as
// spec §3 groups them (send sequence space, receive sequence space,
// RTT/retransmit, flags, timers) for direct traceability back to the spec.
type PCB struct {
	id    xid.ID // stable identity for log/metric correlation across the PCB's lifetime.
	state State
	tuple fourTuple

	// Send Sequence Space.
	sndUna      Value
	sndNxt      Value
	sndWnd      Size
	sndWl1      Value
	sndWl2      Value
	cwnd        Size
	ssthresh    Size
	cwndAcked   Size
	recover     Value
	sndMss      Size
	baseSndMss  Size
	sndWndShift uint8

	// Receive Sequence Space.
	rcvNxt       Value
	rcvAnnWnd    Size
	rcvAnnThres  Size
	rcvWndShift  uint8
	ooseq        OosBuffer

	// RTT / retransmit. Kept natively as time.Duration rather than the
	// spec's abstract "scaled ticks" unit — there is only one clock in this
	// engine (the injected Clock), so no second timebase is needed.
	srtt       time.Duration
	rttvar     time.Duration
	rto        time.Duration
	rttTestSeq Value
	rttTestAt  time.Time
	rttTestSet bool
	numDupAck  uint8

	flags  pcbFlag
	timers timerState

	attach attachment

	// pmtu is the last Path-MTU this PCB was told about for its remote
	// address; zero means "use the interface MTU unmodified".
	pmtu Size

	// unrefLinked/unrefPrev/unrefNext thread the unreferenced list (§4.3) through
	// the pool array using indices instead of pointers.
	unrefLinked bool
	unrefPrev   PcbIndex
	unrefNext   PcbIndex
}

// State returns the PCB's current connection state.
func (p *PCB) State() State { return p.state }

// ID returns the PCB's stable correlation identifier, minted once at
// allocation time (see Pool.initPcb) and retained through TIME_WAIT.
func (p *PCB) ID() xid.ID { return p.id }

// isAbandoned reports whether the PCB currently has no application owner,
// i.e. should be linked into the unreferenced list (invariant 8).
func (p *PCB) isAbandoned() bool {
	if p.state == StateClosed {
		return false // Closed PCBs are tracked by pool free-ness, not this list.
	}
	if p.state == StateSynRcvd {
		return p.attach.kind != attachListener
	}
	return p.attach.kind != attachConnection
}

func (p *PCB) resetSnd(iss Value, wnd Size) {
	p.sndUna = iss
	p.sndNxt = iss
	p.sndWnd = wnd
	p.sndWl1 = 0
	p.sndWl2 = 0
}

func (p *PCB) resetRcv(wnd Size, irs Value) {
	p.rcvNxt = irs
	p.rcvAnnWnd = wnd
	p.ooseq.Reset()
}

// needRtxTimer implements invariant 6: the retransmission timer must be
// running iff there is unacked data or FIN and (peer window is zero, a
// window probe is needed, or some segment is sent-but-unacked).
func (p *PCB) needRtxTimer(unackedOutstanding bool) bool {
	if !p.state.CanSend() {
		return false
	}
	return unackedOutstanding
}

package tcp

import (
	"log/slog"
	"time"

	"github.com/nanostack-go/tcpcore/internal/log"
	"github.com/nanostack-go/tcpcore/internal/metrics"
)

// Config bundles the construction-time parameters for an Engine, in the
// same spirit as the source's ConnConfig: every field has a sane zero value
// except where noted, so a caller can supply just what it wants to
// override.
type Config struct {
	// PcbPoolSize is the fixed number of PCBs to pre-allocate. Required.
	PcbPoolSize int
	// Clock supplies monotonic time. Required.
	Clock Clock
	// Scheduler arms/cancels per-PCB timers. Required.
	Scheduler Scheduler
	// IpSender resolves routes and transmits segments. Required.
	IpSender IpSender
	// Logger receives structured trace/debug/info/warn logs for every
	// processed event, in the source's slog-based style. Defaults to a
	// discard logger if nil.
	Logger *slog.Logger
	// Metrics receives Prometheus counters/gauges for pool occupancy,
	// retransmissions, and segment counts. Defaults to a no-op collector.
	Metrics *metrics.Collector
}

// Engine is the top-level TCP protocol engine: a PCB pool, a set of
// listeners, and the abstract Clock/Scheduler/IpSender contracts it is
// driven through. It is not safe for concurrent use — per the
// single-threaded cooperative model, the caller must serialize calls to
// InboundSegment, TimerFired, PmtuChanged, and every Connection/Listener
// method onto one goroutine.
type Engine struct {
	pool      *Pool
	listeners []*Listener

	connByPcb     map[PcbIndex]*Connection
	listenerByPcb map[PcbIndex]*Listener

	clock     Clock
	scheduler Scheduler
	ip        IpSender

	logger  *slog.Logger
	metrics *metrics.Collector

	// currentPcb is set while an application callback is in progress for a
	// given PCB index, and cleared by every abort path; call sites re-check
	// it after invoking a callback to detect self-abort re-entrancy (Design
	// Notes, "Callback re-entrancy").
	currentPcb    PcbIndex
	hasCurrentPcb bool

	// scratch is the engine's single reusable transmit buffer. The engine
	// is single-threaded and every send completes synchronously before the
	// next event is processed, so one shared buffer is safe and avoids
	// per-segment allocation, matching the "no allocation during steady
	// state" non-goal.
	scratch [scratchSize]byte
}

// scratchSize bounds the transmit scratch buffer: header + options + one
// full segment's payload at the largest MSS this engine will ever
// negotiate. Large enough for typical Ethernet MTUs; a jumbo-frame
// deployment would need a larger scratch, same as the source's fixed
// interface buffer sizing.
const scratchSize = 9000

// NewEngine constructs an Engine from cfg. It panics if a required
// dependency is missing, matching the source's assert-heavy constructor
// style for programmer errors (as opposed to runtime resource exhaustion,
// which is reported through error returns instead).
func NewEngine(cfg Config) *Engine {
	if cfg.PcbPoolSize <= 0 {
		panic("tcp: PcbPoolSize must be positive")
	}
	if cfg.Clock == nil || cfg.Scheduler == nil || cfg.IpSender == nil {
		panic("tcp: Clock, Scheduler and IpSender are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(log.DiscardHandler{})
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	eng := &Engine{
		pool:          NewPool(cfg.PcbPoolSize),
		connByPcb:     make(map[PcbIndex]*Connection),
		listenerByPcb: make(map[PcbIndex]*Listener),
		clock:         cfg.Clock,
		scheduler:     cfg.Scheduler,
		ip:            cfg.IpSender,
		logger:        logger,
		metrics:       m,
		hasCurrentPcb: false,
	}
	eng.metrics.PcbPoolCapacity.Set(float64(cfg.PcbPoolSize))
	return eng
}

// updatePoolGauge refreshes the PcbPoolInUse gauge; called after every PCB
// allocation or release.
func (e *Engine) updatePoolGauge() {
	e.metrics.PcbPoolInUse.Set(float64(e.pool.InUse()))
}

// trace emits a LevelTrace log line if the configured logger has tracing
// enabled, using the source's allocation-free slog.Attr helpers instead of
// building a format string on every call.
func (e *Engine) trace(msg string, attrs ...slog.Attr) {
	if !log.LogEnabled(e.logger, log.LevelTrace) {
		return
	}
	log.LogAttrs(e.logger, log.LevelTrace, msg, attrs...)
}

func (e *Engine) now() time.Time { return e.clock.Now() }

func (e *Engine) beginCallback(idx PcbIndex) {
	e.currentPcb = idx
	e.hasCurrentPcb = true
}

// pcbAborted reports whether idx was the PCB a callback was entered for,
// and that PCB has since been aborted (so currentPcb no longer names it).
func (e *Engine) pcbAborted(idx PcbIndex) bool {
	return !(e.hasCurrentPcb && e.currentPcb == idx)
}

func (e *Engine) endCallback() { e.hasCurrentPcb = false }

// TimerFired is the entry point the Scheduler calls back into when an armed
// timer for (pcbIndex, id) expires. It is a no-op if the PCB has since been
// released (the scheduler is expected to drop stale callbacks on release,
// but this guards against a race in a naive scheduler implementation).
func (e *Engine) TimerFired(pcbIndex PcbIndex, id TimerID) {
	if int(pcbIndex) >= e.pool.Len() {
		return
	}
	pcb := e.pool.Get(pcbIndex)
	if pcb.state == StateClosed {
		return
	}
	switch id {
	case TimerAbrt:
		e.onAbrtTimer(pcbIndex, pcb)
	case TimerOutput:
		pcb.flags &^= flagOutRetry
		e.outputQueued(pcbIndex, pcb, true)
	case TimerRtx:
		e.onRtxTimer(pcbIndex, pcb)
	}
}

func (e *Engine) onAbrtTimer(idx PcbIndex, pcb *PCB) {
	switch pcb.state {
	case StateTimeWait:
		e.release(idx, pcb)
	default:
		e.abort(idx, pcb, true)
	}
}

func (e *Engine) release(idx PcbIndex, pcb *PCB) {
	e.pool.release(idx)
	e.updatePoolGauge()
}

// allocatePcb reserves a PCB for tuple, evicting the longest-unreferenced
// PCB if the pool is at capacity (spec §4.3 "allocation policy"). A
// non-CLOSED victim is aborted first — with RST unless it is in SYN_SENT,
// SYN_RCVD or TIME_WAIT, per spec step 2 — so no stale timer or tuple-index
// entry survives the reuse. Returns ErrNoPCBAvail if every slot is held by
// a PCB with an application owner (nothing left to evict).
func (e *Engine) allocatePcb(tuple fourTuple) (PcbIndex, error) {
	if idx, ok := e.pool.takeFree(); ok {
		e.pool.initPcb(idx, tuple)
		return idx, nil
	}
	idx, ok := e.pool.peekOldestUnreferenced()
	if !ok {
		return 0, ErrNoPCBAvail
	}
	pcb := e.pool.Get(idx)
	if pcb.state != StateClosed {
		sendRst := pcb.state != StateSynSent && pcb.state != StateSynRcvd && pcb.state != StateTimeWait
		e.abort(idx, pcb, sendRst)
	}
	e.pool.unlink(idx)
	e.pool.initPcb(idx, tuple)
	return idx, nil
}

// PmtuChanged notifies the engine that the path to remoteAddr now has the
// given next-hop MTU, per an externally-decoded ICMP Fragmentation-Needed
// (or IPv6 Packet-Too-Big) event. Every PCB whose remote address matches is
// updated per spec §4.5 "PMTU change".
func (e *Engine) PmtuChanged(remoteAddr [4]byte, newMtu int) {
	for i := range e.pool.pcbs {
		pcb := &e.pool.pcbs[i]
		if pcb.state == StateClosed || pcb.tuple.remoteAddr != remoteAddr {
			continue
		}
		e.applyPmtuChange(PcbIndex(i), pcb, newMtu)
	}
}

func (e *Engine) applyPmtuChange(idx PcbIndex, pcb *PCB, newMtu int) {
	if !pcb.state.CanSend() {
		return
	}
	pcb.pmtu = Size(newMtu)
	newMss := pcb.baseSndMss
	if avail := Size(newMtu) - mtuToMssOverhead; avail < newMss {
		newMss = avail
	}
	if newMss < MinAllowedMss {
		newMss = MinAllowedMss
	}
	pcb.sndMss = newMss
	if pcb.ssthresh < pcb.sndMss {
		pcb.ssthresh = pcb.sndMss
	}
	if pcb.cwnd < pcb.sndMss || pcb.flags.has(flagRtxActive) {
		pcb.cwnd = pcb.sndMss
	}
	e.reconcileRtxTimer(idx, pcb)
}

// HandleIp4DestUnreach implements the external PMTU-input contract: the
// engine looks up the PCB from the embedded original datagram's header,
// verifies the in-flight sequence is plausible, and folds the new PMTU in.
func (e *Engine) HandleIp4DestUnreach(src, dst [4]byte, srcPort, dstPort uint16, embeddedSeq Value, nextHopMtu int) {
	tuple := fourTuple{localAddr: dst, localPort: dstPort, remoteAddr: src, remotePort: srcPort}
	idx, ok := e.pool.Lookup(tuple)
	if !ok {
		return
	}
	pcb := e.pool.Get(idx)
	if !pcb.state.CanSend() {
		return
	}
	if !embeddedSeq.InWindow(pcb.sndUna, Sizeof(pcb.sndUna, Add(pcb.sndNxt, 1))) {
		return
	}
	e.applyPmtuChange(idx, pcb, nextHopMtu)
}

package tcp

import "github.com/rs/xid"

// Pool is a fixed-capacity array of PCBs plus the two index structures spec
// §4.3 requires: an active-tuple index (every PCB not in TIME_WAIT or
// CLOSED) and a TIME_WAIT index, both consulted on every inbound segment's
// 4-tuple lookup. Capacity is fixed at construction time; the pool never
// grows, matching the embedded-target "no allocation after startup" posture
// carried over from the teacher's buffer-pool sizing in ConnConfig.
type Pool struct {
	pcbs []PCB
	free []PcbIndex // stack of indices not currently allocated.

	active   map[fourTuple]PcbIndex
	timeWait map[fourTuple]PcbIndex

	unrefHead PcbIndex
	unrefTail PcbIndex

	rng *prng
}

// NewPool allocates a pool with room for n PCBs.
func NewPool(n int) *Pool {
	p := &Pool{
		pcbs:      make([]PCB, n),
		free:      make([]PcbIndex, n),
		active:    make(map[fourTuple]PcbIndex, n),
		timeWait:  make(map[fourTuple]PcbIndex, n),
		unrefHead: noPcb,
		unrefTail: noPcb,
		rng:       newPrng(1),
	}
	for i := range p.free {
		p.free[i] = PcbIndex(n - 1 - i)
	}
	return p
}

// Len returns the pool's fixed capacity.
func (p *Pool) Len() int { return len(p.pcbs) }

// InUse returns the number of PCBs currently allocated out of the pool.
func (p *Pool) InUse() int { return len(p.pcbs) - len(p.free) }

// Get returns a pointer to the PCB at idx. The pointer is only valid until
// the next call to release for the same index.
func (p *Pool) Get(idx PcbIndex) *PCB { return &p.pcbs[idx] }

// Lookup finds the PCB matching tuple in the active index, then the
// TIME_WAIT index, per spec §4.2's demultiplex order.
func (p *Pool) Lookup(tuple fourTuple) (PcbIndex, bool) {
	if idx, ok := p.active[tuple]; ok {
		return idx, true
	}
	if idx, ok := p.timeWait[tuple]; ok {
		return idx, true
	}
	return 0, false
}

// takeFree pops an index off the free stack, or reports ok=false if the
// pool is fully allocated. The caller (Engine.allocatePcb) is responsible
// for evicting an unreferenced PCB and retrying when this returns false,
// since eviction requires sending an RST and running teardown logic the
// Pool itself has no access to (spec §4.3 "allocation policy" step 2).
func (p *Pool) takeFree() (PcbIndex, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return idx, true
}

// peekOldestUnreferenced returns the head of the unreferenced list (the
// PCB that has gone longest without an application owner) without
// modifying any state, so the caller can abort it properly before reusing
// its slot.
func (p *Pool) peekOldestUnreferenced() (PcbIndex, bool) {
	if p.unrefHead == noPcb {
		return 0, false
	}
	return p.unrefHead, true
}

// initPcb reinitializes the PCB at idx (assumed CLOSED and not linked into
// any index or list) for reuse under tuple.
func (p *Pool) initPcb(idx PcbIndex, tuple fourTuple) {
	pcb := &p.pcbs[idx]
	*pcb = PCB{}
	pcb.id = xid.New()
	pcb.tuple = tuple
	pcb.state = StateClosed
	pcb.unrefPrev = noPcb
	pcb.unrefNext = noPcb
	p.active[tuple] = idx
}

// release returns a PCB to the free stack and removes it from both tuple
// indices and the unreferenced list. Only valid once the PCB has reached
// StateClosed.
func (p *Pool) release(idx PcbIndex) {
	pcb := &p.pcbs[idx]
	p.unlink(idx)
	delete(p.active, pcb.tuple)
	delete(p.timeWait, pcb.tuple)
	*pcb = PCB{}
	p.free = append(p.free, idx)
}

// moveToTimeWait re-keys a PCB from the active index to the TIME_WAIT index,
// per spec §4.3's note that a connection's tuple moves between the two
// indices rather than being looked up through a single combined map (so a
// fresh active connection on the same tuple cannot collide with a lingering
// TIME_WAIT entry's bookkeeping).
func (p *Pool) moveToTimeWait(idx PcbIndex) {
	pcb := &p.pcbs[idx]
	delete(p.active, pcb.tuple)
	p.timeWait[pcb.tuple] = idx
}

// linkUnreferenced inserts idx at the tail of the unreferenced list (most
// recently abandoned), used both for fresh SYN_RCVD PCBs awaiting
// acceptConnection and PCBs whose Connection has been abandoned.
func (p *Pool) linkUnreferenced(idx PcbIndex) {
	pcb := &p.pcbs[idx]
	if pcb.unrefLinked {
		return
	}
	pcb.unrefLinked = true
	pcb.unrefPrev = p.unrefTail
	pcb.unrefNext = noPcb
	if p.unrefTail != noPcb {
		p.pcbs[p.unrefTail].unrefNext = idx
	} else {
		p.unrefHead = idx
	}
	p.unrefTail = idx
}

func (p *Pool) unlink(idx PcbIndex) {
	pcb := &p.pcbs[idx]
	if !pcb.unrefLinked {
		return
	}
	pcb.unrefLinked = false
	if pcb.unrefPrev != noPcb {
		p.pcbs[pcb.unrefPrev].unrefNext = pcb.unrefNext
	} else {
		p.unrefHead = pcb.unrefNext
	}
	if pcb.unrefNext != noPcb {
		p.pcbs[pcb.unrefNext].unrefPrev = pcb.unrefPrev
	} else {
		p.unrefTail = pcb.unrefPrev
	}
	pcb.unrefPrev, pcb.unrefNext = noPcb, noPcb
}

// allocEphemeralPort scans the ephemeral range for a port not already used
// by localAddr in the active index, starting from a randomized offset so
// repeated connect() calls do not all probe the range in the same order
// (spec §4.1, "ephemeral port allocation"). It reports ok=false if the
// entire range is exhausted.
func (p *Pool) allocEphemeralPort(localAddr [4]byte, remote fourTuple) (uint16, bool) {
	const span = int(EphemeralPortLast) - int(EphemeralPortFirst) + 1
	start := p.rng.intn(span)
	for i := 0; i < span; i++ {
		port := EphemeralPortFirst + uint16((start+i)%span)
		t := fourTuple{
			localAddr:  localAddr,
			localPort:  port,
			remoteAddr: remote.remoteAddr,
			remotePort: remote.remotePort,
		}
		if _, busy := p.active[t]; busy {
			continue
		}
		if _, busy := p.timeWait[t]; busy {
			continue
		}
		return port, true
	}
	return 0, false
}

package tcp

// MaxOosHoles bounds the number of disjoint out-of-sequence ranges an
// [OosBuffer] will track simultaneously (spec invariant 10: N < 16). A small
// fixed N keeps the structure array-based rather than pointer-linked, in
// the spirit of soypat/lneto/internal/lrucache's flat node array, but
// ordered by sequence-number distance from rcv.nxt instead of recency.
const MaxOosHoles = 4

type oosRange struct {
	seq Value // start of range, always strictly after the reference rcv.nxt at time of insertion.
	len Size  // number of octets in range; zero marks an unused slot.
}

// OosBuffer is a fixed-capacity set of disjoint sequence-number ranges that
// lie beyond rcv.nxt, plus a single "FIN seen at sequence S" marker. It
// holds no payload bytes itself — the payload lives in the owning PCB's
// receive [Buffer]; OosBuffer only tracks which byte ranges of that buffer
// are valid ahead of the contiguous prefix.
type OosBuffer struct {
	ranges [MaxOosHoles]oosRange
	n      uint8
	hasFin bool
	finSeq Value
}

// IsNothingBuffered reports whether the buffer holds no ranges and no
// pending FIN marker.
func (o *OosBuffer) IsNothingBuffered() bool { return o.n == 0 && !o.hasFin }

// Reset clears all tracked ranges and the FIN marker.
func (o *OosBuffer) Reset() {
	o.n = 0
	o.hasFin = false
	o.finSeq = 0
}

// dist returns the forward distance of v from ref, used to order ranges
// that conceptually live on an unbounded sequence-number line relative to
// a moving reference point (rcv.nxt).
func dist(ref, v Value) Size { return Sizeof(ref, v) }

// UpdateForSegmentReceived merges an incoming out-of-order segment's range
// into the buffer. It reports needsAck=true when the segment changed
// visible state (new bytes recorded or the FIN marker established), and
// ok=false if the segment is inconsistent with previously buffered state
// (e.g. a FIN arriving at a sequence that contradicts already-buffered
// data) — per spec §7 this is fatal for the owning PCB.
func (o *OosBuffer) UpdateForSegmentReceived(rcvNxt, segSeq Value, segLen Size, segFin bool) (needsAck, ok bool) {
	if segLen == 0 && !segFin {
		return false, true
	}

	if segFin {
		finAt := Add(segSeq, segLen)
		if o.hasFin && o.finSeq != finAt {
			return false, false
		}
		if !o.hasFin {
			o.hasFin = true
			o.finSeq = finAt
			needsAck = true
		}
	}

	if segLen == 0 {
		return needsAck, true
	}

	// Reject data that would extend past an already-recorded FIN: the FIN
	// consumes the final sequence number of the stream, nothing legitimate
	// follows it.
	segEnd := Add(segSeq, segLen)
	if o.hasFin && dist(rcvNxt, segEnd) > dist(rcvNxt, o.finSeq) {
		return needsAck, false
	}

	merged := oosRange{seq: segSeq, len: segLen}
	changed := o.mergeRange(rcvNxt, merged)
	return needsAck || changed, true
}

// mergeRange inserts r into the tracked set, coalescing with any
// overlapping or sequence-adjacent existing ranges, and reports whether the
// visible set of buffered bytes changed as a result.
func (o *OosBuffer) mergeRange(rcvNxt Value, r oosRange) (changed bool) {
	rStart, rEnd := r.seq, Add(r.seq, r.len)
	origStart, origEnd := rStart, rEnd
	// Absorb every existing range that overlaps or touches [rStart,rEnd).
	out := o.ranges[:0:MaxOosHoles]
	exactDuplicate := false
	for i := 0; i < int(o.n); i++ {
		cur := o.ranges[i]
		curStart, curEnd := cur.seq, Add(cur.seq, cur.len)
		if curStart == origStart && curEnd == origEnd {
			exactDuplicate = true
		}
		if rangesTouch(rcvNxt, rStart, rEnd, curStart, curEnd) {
			if dist(rcvNxt, curStart) < dist(rcvNxt, rStart) {
				rStart = curStart
			}
			if dist(rcvNxt, curEnd) > dist(rcvNxt, rEnd) {
				rEnd = curEnd
			}
			continue
		}
		out = append(out, cur)
	}
	changed = !exactDuplicate
	merged := oosRange{seq: rStart, len: Sizeof(rStart, rEnd)}
	out = append(out, merged)

	// Keep ranges ordered by distance from rcvNxt, closest first, so
	// capacity eviction below can prefer the ranges nearer rcv.nxt.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && dist(rcvNxt, out[j].seq) < dist(rcvNxt, out[j-1].seq); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > MaxOosHoles {
		out = out[:MaxOosHoles] // Drop ranges farthest from rcv.nxt.
		changed = true
	}
	o.n = uint8(len(out))
	copy(o.ranges[:], out)
	return changed
}

// rangesTouch reports whether two sequence ranges overlap or are adjacent
// (no gap between them), measured relative to ref so wraparound does not
// produce false negatives.
func rangesTouch(ref, aStart, aEnd, bStart, bEnd Value) bool {
	as, ae := dist(ref, aStart), dist(ref, aEnd)
	bs, be := dist(ref, bStart), dist(ref, bEnd)
	return as <= be && bs <= ae
}

// ShiftAvailable removes and returns the prefix of buffered data that is
// now contiguous with rcvNxt, plus whether the FIN has now been reached.
// Because ranges are kept disjoint and non-adjacent, at most one range can
// begin exactly at rcvNxt at any time (invariant 10).
func (o *OosBuffer) ShiftAvailable(rcvNxt Value) (bytes Size, gotFin bool) {
	for i := 0; i < int(o.n); i++ {
		if o.ranges[i].seq == rcvNxt {
			bytes = o.ranges[i].len
			o.ranges[i] = o.ranges[o.n-1]
			o.ranges[o.n-1] = oosRange{}
			o.n--
			break
		}
	}
	newNxt := Add(rcvNxt, bytes)
	if o.hasFin && o.finSeq == newNxt {
		gotFin = true
		o.hasFin = false
	}
	return bytes, gotFin
}

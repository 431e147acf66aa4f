package tcp

// Value is a TCP sequence number. Arithmetic on Value wraps modulo 2**32
// per RFC 9293 §3.4 and must always go through the helpers below instead of
// native operators, since a plain `a < b` comparison breaks across a wrap.
type Value uint32

// Size is a window or segment length in octets. A Size is always < 2**30
// (see MaxWindow) in this engine: values never need the top two bits that
// distinguish them from a [Value] difference.
type Size uint32

// Add returns v+delta in sequence space.
func Add(v Value, delta Size) Value { return v + Value(delta) }

// Sub returns v-delta in sequence space.
func Sub(v Value, delta Size) Value { return v - Value(delta) }

// Sizeof returns the number of octets from a (inclusive) up to b (exclusive)
// going forward in sequence space, i.e. b-a performed as unsigned modular
// subtraction. Sizeof(a, a) is 0.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan returns true if v is strictly before w in sequence space, using
// the serial-number-arithmetic definition of RFC 1982: v < w iff
// 0 < (w-v) < 2**31.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v == w or v is before w.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InWindow reports whether v lies in [start, start+size), with size==0
// matching only v==start (used for empty-segment admission against a
// zero window edge case, see admitWindow).
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return v == start
	}
	return Sizeof(start, v) < size
}

// UpdateForward advances v by n octets in place. Used for rcv.NXT/snd.NXT
// bookkeeping where the caller already holds a pointer to the field.
func (v *Value) UpdateForward(n Size) { *v = Add(*v, n) }

// newerWindowUpdate compares the (seq, ack) pair of an incoming segment with
// the (wl1, wl2) pair last recorded on the PCB, lexicographically in
// sequence space, for the window-update rule in §4.6: an incoming window
// update is only honoured if it is not older than the recorded one.
func newerWindowUpdate(seq, wl1 Value, ack, wl2 Value) bool {
	if seq != wl1 {
		return wl1.LessThan(seq)
	}
	return wl2.LessThanEq(ack)
}

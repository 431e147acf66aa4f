package tcp

import "github.com/nanostack-go/tcpcore/internal/ringbuf"

// Buffer is a logically contiguous byte sequence backed by a single
// fixed-capacity ring of memory, used for both the application send/receive
// windows and as the staging area for incoming payload views. It never
// allocates: ShiftLeft only moves the read cursor, and Chunk only returns
// subslices of the caller-supplied backing array.
//
// This is the same storage discipline as soypat/lneto/internal.Ring
// (Off/End cursors into a single fixed []byte with wraparound), reused
// here as the one zero-copy primitive for both TX and RX so the two
// symmetric halves of the engine (output segmentation, input reassembly)
// share one mental model of "shift left, peek a chunk, copy out a range".
type Buffer struct {
	ring ringbuf.Ring
}

// NewBuffer returns a Buffer backed by storage, initially empty.
func NewBuffer(storage []byte) Buffer {
	return Buffer{ring: ringbuf.Ring{Buf: storage}}
}

// Cap returns the total capacity of the buffer's backing storage.
func (b *Buffer) Cap() int { return b.ring.Size() }

// Len returns the number of octets currently held in the buffer.
func (b *Buffer) Len() int { return b.ring.Buffered() }

// Free returns the number of octets that can still be appended via Append.
func (b *Buffer) Free() int { return b.ring.Free() }

// Append writes b to the tail of the buffer, growing Len(). Returns
// io.ErrShortBuffer-class error if there is insufficient free space; the
// buffer is left unmodified in that case.
func (b *Buffer) Append(p []byte) (int, error) { return b.ring.Write(p) }

// Chunk returns the first contiguous run of readable bytes starting at the
// current head of the buffer, i.e. a non-owning view onto the backing
// array. A caller that needs more than one chunk's worth (the buffer wraps)
// must ShiftLeft past the first chunk and call Chunk again — this is the
// "get first chunk's pointer and length" primitive from the out-of-band
// scatter/gather contract.
func (b *Buffer) Chunk() []byte {
	n := b.Len()
	if n == 0 {
		return nil
	}
	return b.firstChunk(n)
}

func (b *Buffer) firstChunk(limit int) []byte {
	// Mirrors ringbuf.Ring's internal contiguous-run logic without
	// advancing the cursor: a read that does not wrap returns the
	// remainder up to End; a read that wraps returns up to the end of Buf.
	off, end, buf := b.ring.Off, b.ring.End, b.ring.Buf
	if end == 0 {
		return nil
	}
	if end > off {
		hi := end
		if hi-off > limit {
			hi = off + limit
		}
		return buf[off:hi]
	}
	hi := len(buf)
	if hi-off > limit {
		hi = off + limit
	}
	return buf[off:hi]
}

// ShiftLeft discards the first n bytes of the buffer, advancing the read
// cursor. It is the O(1) "consume" operation: no bytes are copied.
func (b *Buffer) ShiftLeft(n int) error {
	if n == 0 {
		return nil
	}
	return b.ring.ReadDiscard(n)
}

// SubSlice copies up to n bytes starting at the given offset from the head
// of the buffer into dst, returning the number of bytes copied. It is used
// to stage a segment's payload for transmission without disturbing the
// buffer's read cursor (a retransmission re-reads the same range).
func (b *Buffer) SubSlice(offset, n int, dst []byte) int {
	got, err := b.ring.ReadAt(dst[:min(n, len(dst))], int64(offset))
	if err != nil && got == 0 {
		return 0
	}
	return got
}

// CopyOut copies exactly len(dst) bytes starting at offset bytes from the
// buffer's head into dst and returns the number of bytes copied, which is 0
// if the range is not fully buffered; callers request ranges known to be
// present (e.g. bounded by Len()-offset).
func (b *Buffer) CopyOut(offset int, dst []byte) int {
	return b.SubSlice(offset, len(dst), dst)
}

// WriteAt writes p into the buffer at a byte offset from the head. If
// offset+len(p) reaches past the current end, Len() grows to cover it,
// including any unwritten gap in between; used by the input engine to place
// an out-of-order segment's payload ahead of rcv_nxt while OosBuffer tracks
// which ranges are valid. offset+len(p) must not exceed Cap().
func (b *Buffer) WriteAt(offset int, p []byte) {
	b.ring.WriteAtOffset(offset, p)
}

// Reset discards all buffered data.
func (b *Buffer) Reset() { b.ring.Reset() }

// SetStorage replaces the buffer's backing array. Callers must only do this
// while the buffer is empty; any unread bytes are discarded.
func (b *Buffer) SetStorage(storage []byte) { b.ring = ringbuf.Ring{Buf: storage} }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

package tcp

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is returned when a buffer is too small to hold a valid TCP
// header, or a frame's declared data offset overruns the buffer it backs.
var ErrShortBuffer = errors.New("tcp: short buffer")

// Frame is a thin, non-owning view over a wire-format TCP segment: a fixed
// 20-byte header, optional option bytes, followed by payload. All field
// accessors read/write directly into buf; the type itself never allocates.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf as a Frame. It fails if buf is smaller than the fixed
// TCP header; callers must still check HeaderLength against len(buf) before
// touching Options/Payload, since those depend on the wire-specified data
// offset rather than len(buf) alone.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < headerSizeTCP {
		return Frame{}, ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// RawData returns the buffer the frame was constructed with.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16        { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(v uint16)    { binary.BigEndian.PutUint16(f.buf[0:2], v) }
func (f Frame) DestinationPort() uint16   { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(v uint16) { binary.BigEndian.PutUint16(f.buf[2:4], v) }

func (f Frame) Seq() Value     { return Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v Value) { binary.BigEndian.PutUint32(f.buf[4:8], uint32(v)) }

func (f Frame) Ack() Value     { return Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v Value) { binary.BigEndian.PutUint32(f.buf[8:12], uint32(v)) }

// OffsetAndFlags returns the data-offset (in 32-bit words) and the masked
// flag bits of the combined offset/flags field.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the declared header length in bytes (offset field
// times 4); it performs no bounds validation against len(buf).
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(f.buf[14:16], v) }

func (f Frame) Checksum() uint16     { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f Frame) SetChecksum(v uint16) { binary.BigEndian.PutUint16(f.buf[16:18], v) }

// UrgentPtr is parsed but never interpreted; urgent-pointer semantics are
// out of scope. SetUrgentPtr(0) on every emitted segment.
func (f Frame) UrgentPtr() uint16     { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(v uint16) { binary.BigEndian.PutUint16(f.buf[18:20], v) }

// Options returns the option bytes between the fixed header and
// HeaderLength(). Caller must have validated HeaderLength() <= len(buf).
func (f Frame) Options() []byte { return f.buf[headerSizeTCP:f.HeaderLength()] }

// Payload returns everything past the declared header length.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// ClearHeader zeros the fixed 20-byte header, leaving options/payload
// untouched.
func (f Frame) ClearHeader() {
	for i := range f.buf[:headerSizeTCP] {
		f.buf[i] = 0
	}
}

// ValidateSize checks that the declared header length is internally
// consistent: at least the fixed header, and not past the buffer.
func (f Frame) ValidateSize() error {
	off := f.HeaderLength()
	if off < headerSizeTCP || off > len(f.buf) {
		return ErrShortBuffer
	}
	return nil
}

// Segment extracts the Segment view of this frame's header given the
// already-determined payload size (callers compute payloadSize from the
// enclosing IP total length, not from the TCP header alone).
func (f Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("tcp: overflow payload size")
	}
	_, flags := f.OffsetAndFlags()
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     Size(f.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   flags,
	}
}

// SetSegment writes seg's sequence/ack/flags/window fields using the given
// header offset (in 32-bit words, minimum 5).
func (f Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp: offset too large")
	} else if seg.WND > math.MaxUint16 {
		panic("tcp: window overflow")
	}
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(offset, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
}

// pseudoHeaderChecksum computes the Internet checksum (RFC 791 ones'
// complement sum) over the IPv4 TCP pseudo-header followed by the TCP
// header+options+payload. Passing a zero-valued Checksum field in the frame
// (the caller must zero it first when computing, or it self-validates to
// zero when verifying) follows the same discipline as CRC791 in the
// reference checksum helper this is grounded on.
func pseudoHeaderChecksum(src, dst [4]byte, tcpLength uint16, segment []byte) uint16 {
	var sum uint32
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += uint32(6) // protocol = TCP
	sum += uint32(tcpLength)

	n := len(segment)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(segment[i])<<8 | uint32(segment[i+1])
	}
	if n&1 != 0 {
		sum += uint32(segment[n-1]) << 8
	}
	sum = (sum & 0xffff) + sum>>16
	sum = (sum & 0xffff) + sum>>16
	return ^uint16(sum)
}

// verifyChecksum reports whether segment (header+options+payload, with its
// Checksum field exactly as received) sums to zero over the pseudo-header
// per RFC 793 §3.1.
func verifyChecksum(src, dst [4]byte, segment []byte) bool {
	got := pseudoHeaderChecksum(src, dst, uint16(len(segment)), segment)
	return got == 0
}

// computeChecksum returns the checksum value to store in a frame's Checksum
// field before transmission; the field itself must be zero when this is
// called, matching NeverZeroChecksum's guard against a computed-zero
// checksum being confused with "no checksum".
func computeChecksum(src, dst [4]byte, segment []byte) uint16 {
	sum := pseudoHeaderChecksum(src, dst, uint16(len(segment)), segment)
	if sum == 0 {
		return 0xffff
	}
	return sum
}

package tcp

import "time"

// Protocol constants, grouped the way soypat/lneto/tcp/definitions.go groups
// its sentinel errors and option-size table: one const block, no config
// plumbing, since these are invariants of the wire protocol, not tunables.
const (
	// MaxWindow is the largest value a (possibly scaled) receive or send
	// window may take, per invariant 2.
	MaxWindow Size = 0x3FFFFFFF

	// MaxRcvWnd bounds the window this engine will ever advertise before
	// scaling; matches the 16-bit field available to an unscaled peer.
	MaxRcvWnd Size = 0xFFFF

	// MinAllowedMss is the smallest MSS this engine will negotiate down to,
	// regardless of what a peer's MSS option or local PMTU suggests.
	MinAllowedMss Size = 536

	// MaxWndScale is the largest window-scale shift this engine will ever
	// advertise or honour (invariant: rcv_wnd_shift, snd_wnd_shift in 0..14).
	MaxWndScale uint8 = 14

	// MaxAckBefore bounds how far behind snd.una an incoming ACK may lie and
	// still be considered an old (but valid, droppable) ACK rather than
	// rejected outright; see §4.6 step 4.
	MaxAckBefore Size = 0x0FFFFFFF

	// FastRtxDupAcks is the number of duplicate ACKs that triggers fast
	// retransmit.
	FastRtxDupAcks = 3

	// EphemeralPortFirst/Last bound the scan range for active-open port
	// allocation.
	EphemeralPortFirst uint16 = 49152
	EphemeralPortLast  uint16 = 65535

	// headerSizeTCP is the fixed TCP header size in octets, excluding options.
	headerSizeTCP = 20

	// ipHeaderSizeIPv4 is the minimum (no-option) IPv4 header size, used when
	// deriving snd_mss from an interface MTU: snd_mss = mtu - ipHeaderSizeIPv4 - headerSizeTCP.
	ipHeaderSizeIPv4 = 20

	// mtuToMssOverhead is the combined IPv4+TCP header overhead subtracted
	// from a link/path MTU to get a maximum segment size, e.g. the 1500-byte
	// Ethernet MTU in spec §8 scenario S1 yields MSS 1460.
	mtuToMssOverhead = ipHeaderSizeIPv4 + headerSizeTCP
)

// Timer durations from spec §5. These are wall-clock durations that the
// engine passes unchanged to [Scheduler.Schedule]; mapping them onto a
// host's own timer resolution is up to the Scheduler.
const (
	SynSentTimeoutTicks  = 30 * time.Second
	SynRcvdTimeoutTicks  = 20 * time.Second
	TimeWaitTimeTicks    = 120 * time.Second
	AbandonedTimeoutTicks = 30 * time.Second
	OutputTimerTicks     = 500 * time.Microsecond
	OutputRetryFullTicks = 50 * time.Millisecond
	OutputRetryOtherTicks = 5 * time.Millisecond

	InitialRtxTime = 1 * time.Second
	MinRtxTime     = 250 * time.Millisecond
	MaxRtxTime     = 60 * time.Second
)

// initialCwnd returns the RFC 5681-style initial congestion window for a
// given MSS: approximately 4380 bytes, clamped to [2,4] segments.
func initialCwnd(mss Size) Size {
	const target = 4380
	switch {
	case mss > 2190:
		return 2 * mss
	case mss > 1095:
		if target/mss < 2 {
			return 2 * mss
		}
		return (target / mss) * mss
	default:
		return 4 * mss
	}
}

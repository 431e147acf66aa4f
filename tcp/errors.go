package tcp

import "errors"

// Resource-exhaustion errors surfaced synchronously from PCB/port allocation,
// per spec §7 "Resource exhaustion at allocation": the engine leaves its
// state unchanged and the caller sees one of these immediately.
var (
	ErrNoIPRoute   = errors.New("tcp: no route to remote address")
	ErrNoPortAvail = errors.New("tcp: no ephemeral port available")
	ErrNoPCBAvail  = errors.New("tcp: no free protocol control block")
	ErrNoIPMTUAvail = errors.New("tcp: no PMTU reference available")
)

// Administrative/state errors, analogous to soypat/lneto/tcp's sentinel
// error set (definitions.go) but trimmed to what a PCB-pool-based engine
// needs instead of a single ControlBlock.
var (
	errListenerConflict = errors.New("tcp: listener already bound to address:port")
	errInvalidState     = errors.New("tcp: operation invalid in current state")
	errConnNotExist     = errors.New("tcp: connection does not exist")
	errSendBufBusy      = errors.New("tcp: send buffer already set and non-empty")
	errNotConnected     = errors.New("tcp: connection handle not attached to a PCB")
	errAlreadyConnected = errors.New("tcp: connection handle already attached to a PCB")

	// errDropSegment signals the input pipeline to silently discard a segment
	// without further processing. It never escapes the engine.
	errDropSegment = errors.New("tcp: drop segment")

	// errOosInconsistent flags a fatal inconsistency in the out-of-sequence
	// buffer (e.g. a FIN marker contradicting buffered data); per spec §7
	// this aborts the owning PCB with RST, it is never returned to callers.
	errOosInconsistent = errors.New("tcp: out-of-sequence buffer inconsistency")
)

// RejectError represents an error in admission of a segment into a PCB: the
// segment is outside the window, carries a bad ACK, or otherwise cannot be
// processed in the PCB's current state. Distinguishing this type from a
// generic error lets callers tell "drop the packet, nothing is wrong with
// the connection" from resource exhaustion or caller misuse.
type RejectError struct{ reason string }

func (e *RejectError) Error() string { return "tcp: reject segment: " + e.reason }

func newRejectErr(reason string) *RejectError { return &RejectError{reason: reason} }

var (
	errWindowOverflow  = newRejectErr("window > 2**16")
	errSeqNotInWindow  = newRejectErr("sequence number outside receive window")
	errAckNotInWindow  = newRejectErr("ack number outside [snd.una-MaxAckBefore, snd.nxt]")
	errBadChecksum     = newRejectErr("checksum mismatch")
	errShortSegment    = newRejectErr("buffer shorter than declared header length")
)

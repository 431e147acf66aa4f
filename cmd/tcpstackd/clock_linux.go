//go:build linux

package main

import (
	"time"

	"golang.org/x/sys/unix"
)

// realClock feeds the engine monotonic time read directly via
// clock_gettime(CLOCK_MONOTONIC), the same platform-specific access the
// teacher gates behind build tags for its non-tinygo targets, rather than
// going through time.Now()'s own (also monotonic-backed) reading.
type realClock struct {
	// epoch anchors the arbitrary CLOCK_MONOTONIC origin to a wall-clock
	// instant so Now() can still return a usable time.Time.
	epoch    time.Time
	baseNsec int64
}

func newRealClock() realClock {
	return realClock{epoch: time.Now(), baseNsec: monotonicNsec()}
}

func (c realClock) Now() time.Time {
	elapsed := monotonicNsec() - c.baseNsec
	return c.epoch.Add(time.Duration(elapsed))
}

func monotonicNsec() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	sec, nsec := ts.Unix()
	return sec*int64(time.Second) + nsec
}

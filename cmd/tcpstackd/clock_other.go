//go:build !linux

package main

import "time"

// realClock feeds the engine genuine wall-clock time on platforms without
// the CLOCK_MONOTONIC access clock_linux.go uses.
type realClock struct{}

func newRealClock() realClock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

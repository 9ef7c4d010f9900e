// Package ipc is the userspace IPC runtime from spec.md §4.5/§4.6: the
// Client/Server contract, three backends (kernel-backed, loopback,
// OS-lite cooperative), budgeted retries, and named-service routing.
// Nothing in this package reaches into internal/kernel directly except
// through internal/kernel/syscall, mirroring how nexus-abi is the only
// thing userspace links against in the original kernel.
package ipc

import (
	"runtime"
	"time"
)

// Clock is the only source of wall time a budget loop may consult
// (spec.md §4.6, design note "Clock as trait"). Production code uses
// SystemClock; tests use a synthetic clock that advances a programmable
// delta per Yield so budget loops are deterministic.
type Clock interface {
	NowNanos() uint64
	Yield()
}

// SystemClock is the production Clock, backed by CLOCK_MONOTONIC via
// internal/kernel/syscall and the Go scheduler's Gosched for yielding.
type SystemClock struct {
	now func() uint64
}

// NewSystemClock builds a SystemClock around nowFn (normally
// syscall.NowNanos, which is what NewKernelClient passes).
func NewSystemClock(nowFn func() uint64) SystemClock {
	return SystemClock{now: nowFn}
}

func (c SystemClock) NowNanos() uint64 { return c.now() }
func (c SystemClock) Yield()           { runtime.Gosched() }

// SyntheticClock is a deterministic test Clock: Yield advances the clock
// by StepNanos instead of touching a real timer, matching spec.md §8
// scenario S5 ("synthetic clock advancing 1ms per yield").
type SyntheticClock struct {
	now       uint64
	StepNanos uint64
	Yields    int
}

// NewSyntheticClock returns a clock starting at startNanos that advances
// stepNanos on every Yield call.
func NewSyntheticClock(startNanos, stepNanos uint64) *SyntheticClock {
	return &SyntheticClock{now: startNanos, StepNanos: stepNanos}
}

func (c *SyntheticClock) NowNanos() uint64 { return c.now }
func (c *SyntheticClock) Yield() {
	c.Yields++
	c.now += c.StepNanos
}

// Advance moves the clock forward without counting as a yield, for
// tests that need to simulate wall-clock passage between operations.
func (c *SyntheticClock) Advance(d time.Duration) { c.now += uint64(d) }

package ipc

import (
	"time"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/syscall"
)

// Wait selects blocking behavior for a Client/Server call, mirroring
// spec.md §4.5's three-way Wait enum.
type Wait struct {
	kind    waitKind
	timeout time.Duration
}

type waitKind int

const (
	waitBlocking waitKind = iota
	waitNonBlocking
	waitTimeout
)

// Blocking waits indefinitely (deadline=0, no NON_BLOCK).
var Blocking = Wait{kind: waitBlocking}

// NonBlocking returns WouldBlock immediately instead of parking
// (NON_BLOCK set, deadline=0).
var NonBlocking = Wait{kind: waitNonBlocking}

// Timeout waits up to d, translated to deadline=now_ns()+d at the point
// the call is issued.
func Timeout(d time.Duration) Wait {
	return Wait{kind: waitTimeout, timeout: d}
}

// flagsAndDeadline maps w to the (flags, deadline_ns) pair send_v1/recv_v1
// expect, per spec.md §4.5. now is the clock used to resolve Timeout.
func (w Wait) flagsAndDeadline(now Clock) (flags uint32, deadlineNs uint64) {
	switch w.kind {
	case waitNonBlocking:
		return syscall.NonBlock, 0
	case waitTimeout:
		return 0, now.NowNanos() + uint64(w.timeout)
	default: // waitBlocking
		return 0, 0
	}
}

package ipc

import (
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/router"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/syscall"
)

// Client is the request side of the IPC contract (spec.md §4.5).
type Client interface {
	Send(frame []byte, w Wait) error
	Recv(w Wait) ([]byte, error)
}

// Server is the response side; the method set is identical to Client
// but kept as a distinct type so signatures document intent (a service
// implements Server, a caller of a service implements Client).
type Server interface {
	Recv(w Wait) ([]byte, error)
	Send(frame []byte, w Wait) error
}

// fromRouterErr maps a router-level error (or the NonBlock/empty/full
// cases syscall.Send/Recv surface) onto this package's transport error
// family, so callers never need to import internal/kernel/router.
func fromRouterErr(err error) error {
	switch err {
	case nil:
		return nil
	case router.ErrQueueFull, router.ErrQueueEmpty:
		return ErrWouldBlock
	case router.ErrTimedOut:
		return ErrTimeout
	case router.ErrNoSuchEndpoint:
		return ErrClosed
	case router.ErrNoSpace:
		return ErrNoSpace
	default:
		return semanticError{err: err}
	}
}

// KernelClient is the kernel-backed Client/Server implementation:
// ipc_send_v1/ipc_recv_v1 against a fixed (sendSlot, recvSlot) pair
// bound at construction (spec.md §4.5 "Kernel-backed").
type KernelClient struct {
	r         *router.Router
	task      router.TaskID
	sendSlot  int
	recvSlot  int
	clock     Clock
	maxFrame  int
}

// NewKernelClient binds a Client/Server to task's capability table at
// the given slot pair. maxFrame bounds the buffer Recv allocates.
func NewKernelClient(r *router.Router, task router.TaskID, sendSlot, recvSlot, maxFrame int) *KernelClient {
	return &KernelClient{
		r: r, task: task, sendSlot: sendSlot, recvSlot: recvSlot,
		clock: NewSystemClock(syscall.NowNanos), maxFrame: maxFrame,
	}
}

func (c *KernelClient) Send(frame []byte, w Wait) error {
	flags, deadline := w.flagsAndDeadline(c.clock)
	hdr := &syscall.MsgHeader{Flags: flags}
	_, err := syscall.Send(c.r, c.task, c.sendSlot, hdr, frame, nil, deadline)
	return fromRouterErr(err)
}

func (c *KernelClient) Recv(w Wait) ([]byte, error) {
	flags, deadline := w.flagsAndDeadline(c.clock)
	buf := make([]byte, c.maxFrame)
	_, n, err := syscall.Recv(c.r, c.task, c.recvSlot, buf, flags, deadline)
	if err != nil {
		return nil, fromRouterErr(err)
	}
	return buf[:n], nil
}

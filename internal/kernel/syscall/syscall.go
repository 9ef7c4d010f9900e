// Package syscall is the simulated send_v1/recv_v1 surface from
// spec.md §4.3/§6: the only thing userspace (internal/kernel/task aside)
// is allowed to call into the kernel through. It owns flag encoding, the
// monotonic clock, and translates between the wire-shaped header the
// userspace runtime builds and the router's internal *Message/Header
// types.
package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/router"
)

// Flag bits from spec.md §4.3.
const (
	NonBlock  uint32 = 1 << 0
	Truncate  uint32 = 1 << 1
	WithReply uint32 = 1 << 2
	MoveCap   uint32 = 1 << 3
)

// MsgHeader is the wire-shaped header a userspace caller fills in (or
// reads back) across the syscall boundary, distinct from router.Header
// so this package stays the only place that translates between the two
// representations.
type MsgHeader struct {
	Src          uint32
	Dst          uint32
	Op           uint16
	Flags        uint32
	Len          uint32
	CapSlot      int32
	ReplySlot    int32
	ReplyCapSlot int32
}

// NowNanos returns CLOCK_MONOTONIC nanoseconds, the clock source behind
// every deadline this package computes and the one a production Router
// should be constructed with.
func NowNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
}

// sendOptsFrom and recvOptsFrom turn (flags, deadlineNs) as passed by a
// caller into the opts the router understands. deadlineNs is already absolute
// monotonic nanoseconds, matching how Wait.Timeout(d) is translated to
// now_ns()+d by the ipc runtime (spec.md §4.5) before it ever reaches
// here.
func sendOptsFrom(flags uint32, deadlineNs uint64) router.SendOpts {
	return router.SendOpts{
		NonBlock:   flags&NonBlock != 0,
		WithReply:  flags&WithReply != 0,
		DeadlineNs: deadlineNs,
	}
}

func recvOptsFrom(flags uint32, deadlineNs uint64) router.RecvOpts {
	return router.RecvOpts{
		NonBlock:   flags&NonBlock != 0,
		Truncate:   flags&Truncate != 0,
		DeadlineNs: deadlineNs,
	}
}

// Send implements ipc_send_v1: sends payload on the endpoint capability
// at sendSlot. hdr.Op and hdr.Flags are taken as given by the caller;
// hdr.Flags also controls blocking and WITH_REPLY. A capability is moved
// when moveCapSlot is non-nil; the MOVE_CAP bit in hdr.Flags is not
// consulted. On success hdr is stamped with ReplySlot (when WITH_REPLY
// was set) exactly as router.Send stamps msg.Header, matching how a real
// send_v1 caller passes a header pointer the kernel writes back into.
// Returns the number of payload bytes accepted, or the router's error;
// Code maps that error to the negative wire code.
func Send(r *router.Router, sender router.TaskID, sendSlot int, hdr *MsgHeader, payload []byte, moveCapSlot *int, deadlineNs uint64) (int, error) {
	msg := &router.Message{
		Header: router.Header{
			Op:    hdr.Op,
			Flags: hdr.Flags,
		},
		Payload: payload,
		MoveCap: moveCapSlot,
	}
	n, err := r.Send(sender, sendSlot, msg, sendOptsFrom(hdr.Flags, deadlineNs))
	hdr.ReplySlot = msg.Header.ReplySlot
	return n, err
}

// Recv implements ipc_recv_v1: receives into outBuf from the endpoint
// capability at recvSlot, filling hdr with the kernel-stamped fields
// (Src, Dst, Len, CapSlot, ReplyCapSlot). Returns the number of bytes
// copied into outBuf (which may be less than hdr.Len if TRUNCATE was
// set), or the router's error; Code maps that error to the negative wire
// code.
func Recv(r *router.Router, receiver router.TaskID, recvSlot int, outBuf []byte, flags uint32, deadlineNs uint64) (MsgHeader, int, error) {
	h, n, err := r.Recv(receiver, recvSlot, outBuf, recvOptsFrom(flags, deadlineNs))
	if err != nil {
		return MsgHeader{}, 0, err
	}
	return MsgHeader{
		Src:          uint32(h.Src),
		Dst:          h.Dst,
		Op:           h.Op,
		Flags:        h.Flags,
		Len:          h.Len,
		CapSlot:      h.CapSlot,
		ReplySlot:    h.ReplySlot,
		ReplyCapSlot: h.ReplyCapSlot,
	}, n, nil
}

// Code maps a router error to the negative i32 the real syscall ABI
// returns (spec.md §7); it is re-exported here so callers never need to
// import internal/kernel/router just to interpret a return value.
func Code(err error) int32 { return router.Code(err) }

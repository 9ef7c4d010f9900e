package router

import "github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"

// TaskID identifies a task's capability table to the router. It plays
// the role of a pid for diagnostics only — it never gates access.
type TaskID uint32

// Header is the message header from spec.md §3/§6. Src and Dst are
// always kernel-stamped; CapSlot is the receiver-table slot a moved
// capability landed in, or -1 if the message carried none; ReplySlot is
// stamped back into the sender's own header on a successful WITH_REPLY
// send, naming the slot in the sender's table holding the receive-side
// half of the freshly allocated reply endpoint (-1 otherwise).
type Header struct {
	Src       TaskID
	Dst       uint32 // destination endpoint id, stamped on receive
	Op        uint16
	Flags     uint32
	Len       uint32
	CapSlot   int32
	ReplySlot int32 // stamped on the sender's header: slot holding the RECV half
	// ReplyCapSlot is stamped on the receiver's header: the slot holding the
	// SEND half of the reply endpoint, or -1 if the message wasn't WITH_REPLY.
	ReplyCapSlot int32
}

// Message is a header plus a payload plus at most one moved capability.
// The kernel never inspects Payload; it only counts its length.
type Message struct {
	Header  Header
	Payload []byte

	// MoveCap, when non-nil, names the sender-table slot holding the
	// capability to move atomically with this send. The sender must hold
	// GRANT on that capability.
	MoveCap *int
}

// SendOpts controls blocking behavior, mirroring the flags/deadline pair
// from the send_v1 syscall (spec.md §4.3).
type SendOpts struct {
	NonBlock   bool
	Truncate   bool // recv-only, kept here for symmetry with RecvOpts
	WithReply  bool
	DeadlineNs uint64 // 0 = no deadline
}

// RecvOpts mirrors SendOpts for the receive path.
type RecvOpts struct {
	NonBlock   bool
	Truncate   bool
	DeadlineNs uint64
}

// pendingMoveCap is the capability actually removed from the sender's
// table, carried inside the queued message until a receiver allocates it
// a slot.
type pendingMoveCap struct {
	has bool
	cap cap.Capability
}

// queuedMessage is what actually sits in an endpoint's FIFO: the stamped
// header fragment, payload, and any moved/reply capability still waiting
// for a receiver-side slot.
type queuedMessage struct {
	header   Header
	payload  []byte
	moved    pendingMoveCap
	replyCap *cap.Capability
}

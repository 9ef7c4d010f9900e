// Package router implements the kernel endpoint router: bounded
// per-endpoint FIFOs, capability-table access mediated so endpoint
// refcounts stay correct, and the dispatch algorithm from spec.md §4.2.
package router

import (
	"sync"
	"time"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/trace"
)

const queueFullStatus = 2 // the magnitude of Code(ErrQueueFull), which is -2

// capmoveBigThreshold is the payload size (bytes) at and above which a
// MOVE_CAP send/recv fires the one-shot "big move" triage dump
// (spec.md §4.7) — sized to flag OTA bundle-transfer-class sends
// without tripping on ordinary small IPC payloads.
const capmoveBigThreshold = 4096

type waiter struct {
	wake chan struct{}
}

// endpoint is the kernel-owned FIFO object from spec.md §3.
type endpoint struct {
	id       uint32
	owner    TaskID
	depth    int
	queue    []queuedMessage
	refcount int
	draining bool
	isReply  bool // one-shot reply endpoint, closed after its first delivered message

	closedCh chan struct{}
	sendQ    []*waiter // parked senders waiting for queue space
	recvQ    []*waiter // parked receivers waiting for a message
}

// Router is the single kernel-owned endpoint router. The zero value is
// not usable; construct with New.
type Router struct {
	mu sync.Mutex

	tables    map[TaskID]*cap.Table
	endpoints map[uint32]*endpoint
	nextEpID  uint32

	tr  *trace.Ring
	now func() uint64 // monotonic nanoseconds
}

// New constructs a Router. clock supplies monotonic nanoseconds for
// deadline comparisons — see internal/kernel/syscall for the production
// clock backed by CLOCK_MONOTONIC.
func New(tr *trace.Ring, clock func() uint64) *Router {
	return &Router{
		tables:    make(map[TaskID]*cap.Table),
		endpoints: make(map[uint32]*endpoint),
		tr:        tr,
		now:       clock,
	}
}

// NewTask registers an empty capability table for task, as spawn does
// for a freshly created child.
func (r *Router) NewTask(task TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[task]; !ok {
		r.tables[task] = cap.New()
	}
}

func (r *Router) tableLocked(task TaskID) *cap.Table {
	t, ok := r.tables[task]
	if !ok {
		t = cap.New()
		r.tables[task] = t
	}
	return t
}

// --- capability table access, mediated so endpoint refcounts stay correct ---

// CapGet reads a capability from task's table.
func (r *Router) CapGet(task TaskID, slot int) (cap.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tableLocked(task).Get(slot)
}

// CapSet installs c at a specific slot in task's table (bootstrap,
// well-known service slots).
func (r *Router) CapSet(task TaskID, slot int, c cap.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.tableLocked(task).Set(slot, c); err != nil {
		return err
	}
	r.bumpRefLocked(c, 1)
	return nil
}

// CapAllocate installs c at the lowest free slot in task's table.
func (r *Router) CapAllocate(task TaskID, c cap.Capability) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, err := r.tableLocked(task).Allocate(c)
	if err != nil {
		return 0, err
	}
	r.bumpRefLocked(c, 1)
	return slot, nil
}

// CapDerive returns a rights-narrowed copy of task's capability at slot.
// It does not install the result anywhere — call CapSet/CapAllocate (on
// this or another task) to do that.
func (r *Router) CapDerive(task TaskID, slot int, rights cap.Rights) (cap.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tableLocked(task).Derive(slot, rights)
}

// CapDrop releases task's capability at slot. If it was the last
// reference to an endpoint, the endpoint is closed.
func (r *Router) CapDrop(task TaskID, slot int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.tableLocked(task).Drop(slot)
	if err != nil {
		return err
	}
	r.bumpRefLocked(c, -1)
	return nil
}

// TransferCap is the only way to move a capability between tables
// without going through a message (spec.md §4.1 invariant iv).
func (r *Router) TransferCap(parent, child TaskID, slot int, rights cap.Rights) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	derived, err := r.tableLocked(parent).Derive(slot, rights)
	if err != nil {
		return 0, err
	}
	childSlot, err := r.tableLocked(child).Allocate(derived)
	if err != nil {
		return 0, err
	}
	r.bumpRefLocked(derived, 1)
	r.recordLocked(trace.Event{Kind: trace.KindCapXfer, EP: derived.EpID, Extra: uint32(childSlot)})
	return childSlot, nil
}

// bumpRefLocked adjusts an endpoint's refcount when an Endpoint-kind
// capability is installed (delta=+1) or dropped (delta=-1). Must be
// called with r.mu held.
func (r *Router) bumpRefLocked(c cap.Capability, delta int) {
	if c.Kind != cap.KindEndpoint {
		return
	}
	ep, ok := r.endpoints[c.EpID]
	if !ok {
		return
	}
	ep.refcount += delta
	if ep.refcount <= 0 {
		r.closeEndpointLocked(ep)
	}
}

// --- endpoint lifecycle ---

// EpCreate creates a new endpoint with the given owner and FIFO depth.
// It does not install any capability for it; callers do that separately
// via CapSet/CapAllocate, which is what brings the refcount off zero.
func (r *Router) EpCreate(owner TaskID, depth int) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createEndpointLocked(owner, depth)
}

// createEndpointLocked is EpCreate's body, callable while r.mu is already
// held (reply-endpoint allocation inside Send needs this).
func (r *Router) createEndpointLocked(owner TaskID, depth int) uint32 {
	r.nextEpID++
	id := r.nextEpID
	r.endpoints[id] = &endpoint{
		id:       id,
		owner:    owner,
		depth:    depth,
		closedCh: make(chan struct{}),
	}
	r.recordLocked(trace.Event{Kind: trace.KindEpCreate, EP: id, Extra: uint32(depth)})
	return id
}

// EpClose force-closes an endpoint regardless of its capability
// refcount, used for reply-endpoint cleanup on owner exit (spec.md §3:
// "closed after one successful reply (or on owner exit)").
func (r *Router) EpClose(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		r.closeEndpointLocked(ep)
	}
}

// closeEndpointLocked transitions Open -> Draining -> Closed: wakes every
// parked sender/receiver with NoSuchEndpoint, releases any moved
// capabilities still sitting in the queue, and removes the endpoint.
// Must be called with r.mu held.
func (r *Router) closeEndpointLocked(ep *endpoint) {
	if ep.draining {
		return
	}
	ep.draining = true
	close(ep.closedCh)
	ep.sendQ = nil
	ep.recvQ = nil
	ep.queue = nil // moved caps in-flight are simply discarded, never installed anywhere
	delete(r.endpoints, ep.id)
	r.recordLocked(trace.Event{Kind: trace.KindEpClose, EP: ep.id})
}

// --- trace helper ---

func (r *Router) recordLocked(e trace.Event) {
	if r.tr != nil {
		r.tr.Record(e)
	}
}

// --- send / recv dispatch, spec.md §4.2 ---

// Send implements the send dispatch algorithm. On success it returns the
// number of payload bytes accepted; msg.Header is stamped with ReplySlot
// when opts.WithReply is set, mirroring how a real send_v1 caller passes
// a header pointer the kernel writes back into.
func (r *Router) Send(sender TaskID, sendSlot int, msg *Message, opts SendOpts) (int, error) {
	r.mu.Lock()

	for {
		senderCap, err := r.tableLocked(sender).Get(sendSlot)
		if err != nil {
			r.mu.Unlock()
			return 0, ErrInvalidSlot
		}
		if senderCap.Kind != cap.KindEndpoint || !senderCap.Rights.Has(cap.RightSend) {
			r.mu.Unlock()
			return 0, ErrPermissionDenied
		}

		ep, ok := r.endpoints[senderCap.EpID]
		if !ok {
			if r.tr != nil {
				r.tr.DumpSendNoSuch(senderCap.EpID)
			}
			r.mu.Unlock()
			return 0, ErrNoSuchEndpoint
		}

		var moved pendingMoveCap
		if msg.MoveCap != nil {
			srcCap, err := r.tableLocked(sender).Get(*msg.MoveCap)
			if err != nil {
				r.mu.Unlock()
				return 0, ErrInvalidSlot
			}
			if !srcCap.Rights.Has(cap.RightGrant) {
				r.mu.Unlock()
				return 0, ErrPermissionDenied
			}
			moved = pendingMoveCap{has: true, cap: srcCap}
		}

		if len(ep.queue) >= ep.depth {
			if opts.NonBlock {
				r.recordLocked(trace.Event{Kind: trace.KindSend, EP: ep.id, Status: queueFullStatus, Flags: flagsOf(opts), Len: uint16(len(msg.Payload))})
				r.mu.Unlock()
				return 0, ErrQueueFull
			}
			timedOut, closed := r.parkLocked(ep, &ep.sendQ, opts.DeadlineNs)
			if closed {
				r.mu.Unlock()
				return 0, ErrNoSuchEndpoint
			}
			if timedOut {
				r.mu.Unlock()
				return 0, ErrTimedOut
			}
			continue // re-check from the top: slot/endpoint/capacity may have changed
		}

		// Capacity is available: commit. Drop the moved cap from the
		// sender only now that the destination queue is guaranteed to
		// accept it (spec.md §4.2 step 3) — atomic cap-move on success,
		// unchanged tables on any earlier error.
		if moved.has {
			if _, err := r.tableLocked(sender).Drop(*msg.MoveCap); err != nil {
				r.mu.Unlock()
				return 0, ErrInvalidSlot
			}
			// Mirror CapDrop: the sender's reference to the moved
			// endpoint is gone the instant it leaves the sender's
			// table, whether or not the receiver ever allocates a
			// slot for it on the other side.
			r.bumpRefLocked(moved.cap, -1)
		}

		replySlotForSender := int32(-1)
		var replyCapForReceiver *cap.Capability
		if opts.WithReply {
			replyEpID := r.createEndpointLocked(sender, 1)
			r.endpoints[replyEpID].isReply = true
			senderSideCap := cap.Capability{Kind: cap.KindEndpoint, EpID: replyEpID, Rights: cap.RightRecv}
			slot, err := r.tableLocked(sender).Allocate(senderSideCap)
			if err != nil {
				r.mu.Unlock()
				return 0, ErrNoSpace
			}
			r.bumpRefLocked(senderSideCap, 1)
			replySlotForSender = int32(slot)
			receiverSideCap := cap.Capability{Kind: cap.KindEndpoint, EpID: replyEpID, Rights: cap.RightSend}
			replyCapForReceiver = &receiverSideCap
		}

		qm := queuedMessage{
			header:   Header{Src: sender, Op: msg.Header.Op, Flags: msg.Header.Flags, Len: uint32(len(msg.Payload)), CapSlot: -1, ReplyCapSlot: -1},
			payload:  msg.Payload,
			moved:    moved,
			replyCap: replyCapForReceiver,
		}
		ep.queue = append(ep.queue, qm)
		r.recordLocked(trace.Event{Kind: trace.KindSend, EP: ep.id, Flags: flagsOf(opts), Len: uint16(len(msg.Payload))})
		if moved.has {
			r.recordLocked(trace.Event{Kind: trace.KindCapmoveSend, EP: ep.id, Extra: moved.cap.EpID})
			if len(msg.Payload) >= capmoveBigThreshold && r.tr != nil {
				r.tr.MaybeDumpCapmoveBig("send")
			}
		}

		msg.Header.ReplySlot = replySlotForSender
		r.wakeOneLocked(&ep.recvQ)
		r.mu.Unlock()
		return len(msg.Payload), nil
	}
}

// Recv implements the receive dispatch algorithm.
func (r *Router) Recv(receiver TaskID, recvSlot int, outBuf []byte, opts RecvOpts) (Header, int, error) {
	r.mu.Lock()

	for {
		recvCap, err := r.tableLocked(receiver).Get(recvSlot)
		if err != nil {
			r.mu.Unlock()
			return Header{}, 0, ErrInvalidSlot
		}
		if recvCap.Kind != cap.KindEndpoint || !recvCap.Rights.Has(cap.RightRecv) {
			r.mu.Unlock()
			return Header{}, 0, ErrPermissionDenied
		}

		ep, ok := r.endpoints[recvCap.EpID]
		if !ok {
			r.mu.Unlock()
			return Header{}, 0, ErrNoSuchEndpoint
		}

		if len(ep.queue) == 0 {
			if opts.NonBlock {
				r.mu.Unlock()
				return Header{}, 0, ErrQueueEmpty
			}
			timedOut, closed := r.parkLocked(ep, &ep.recvQ, opts.DeadlineNs)
			if closed {
				r.mu.Unlock()
				return Header{}, 0, ErrNoSuchEndpoint
			}
			if timedOut {
				r.mu.Unlock()
				return Header{}, 0, ErrTimedOut
			}
			continue
		}

		front := ep.queue[0]
		if len(front.payload) > len(outBuf) && !opts.Truncate {
			r.mu.Unlock()
			return Header{}, 0, ErrNoSpace
		}

		ep.queue = ep.queue[1:]

		copied := copy(outBuf, front.payload)
		hdr := front.header
		hdr.Dst = ep.id
		hdr.Len = uint32(len(front.payload)) // original length, not truncated

		if front.moved.has {
			slot, err := r.tableLocked(receiver).Allocate(front.moved.cap)
			if err == nil {
				r.bumpRefLocked(front.moved.cap, 1)
				hdr.CapSlot = int32(slot)
				r.recordLocked(trace.Event{Kind: trace.KindCapmoveAlloc, EP: ep.id, Extra: uint32(slot)})
			}
			// NoSpace allocating in the receiver's table: the capability is
			// simply dropped (spec.md §7 bounds errors) — the payload still
			// delivers, CapSlot stays -1.
			if len(front.payload) >= capmoveBigThreshold && r.tr != nil {
				r.tr.MaybeDumpCapmoveBigRecv("recv")
			}
		}

		if front.replyCap != nil {
			slot, err := r.tableLocked(receiver).Allocate(*front.replyCap)
			if err == nil {
				r.bumpRefLocked(*front.replyCap, 1)
				hdr.ReplyCapSlot = int32(slot)
			}
		}

		r.recordLocked(trace.Event{Kind: trace.KindRecv, EP: ep.id, Flags: flagsOf2(opts), Len: uint16(len(front.payload))})
		if ep.isReply {
			// One-shot: a reply endpoint is done the moment its single
			// allowed reply has been delivered (spec.md §3), so a second
			// send on the same reply capability must fail NoSuchEndpoint
			// rather than silently succeed into a now-empty depth-1 queue.
			r.closeEndpointLocked(ep)
		} else {
			r.wakeOneLocked(&ep.sendQ)
		}
		r.mu.Unlock()
		return hdr, copied, nil
	}
}

// parkLocked blocks the caller until woken, the endpoint closes, or
// deadlineNs elapses (0 = no deadline). Must be called with r.mu held;
// it releases the lock while waiting and re-acquires it before
// returning. Returns (timedOut, closed).
func (r *Router) parkLocked(ep *endpoint, queue *[]*waiter, deadlineNs uint64) (timedOut, closed bool) {
	w := &waiter{wake: make(chan struct{})}
	*queue = append(*queue, w)
	closedCh := ep.closedCh

	var timer *time.Timer
	var timerCh <-chan time.Time
	if deadlineNs != 0 {
		now := r.now()
		if deadlineNs <= now {
			r.removeWaiterLocked(queue, w)
			return true, false
		}
		timer = time.NewTimer(time.Duration(deadlineNs - now))
		timerCh = timer.C
	}

	r.mu.Unlock()
	select {
	case <-w.wake:
		if timer != nil {
			timer.Stop()
		}
		r.mu.Lock()
		return false, false
	case <-closedCh:
		if timer != nil {
			timer.Stop()
		}
		r.mu.Lock()
		return false, true
	case <-timerCh:
		r.mu.Lock()
		r.removeWaiterLocked(queue, w)
		return true, false
	}
}

func (r *Router) removeWaiterLocked(queue *[]*waiter, w *waiter) {
	for i, cur := range *queue {
		if cur == w {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return
		}
	}
}

// wakeOneLocked wakes the longest-waiting parked goroutine on queue, if
// any, preserving FIFO fairness (spec.md §4.2 step 6).
func (r *Router) wakeOneLocked(queue *[]*waiter) {
	if len(*queue) == 0 {
		return
	}
	w := (*queue)[0]
	*queue = (*queue)[1:]
	close(w.wake)
}

func flagsOf(o SendOpts) uint16 {
	var f uint16
	if o.NonBlock {
		f |= 1
	}
	if o.WithReply {
		f |= 4
	}
	return f
}

func flagsOf2(o RecvOpts) uint16 {
	var f uint16
	if o.NonBlock {
		f |= 1
	}
	if o.Truncate {
		f |= 2
	}
	return f
}

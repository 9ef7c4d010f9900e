package router

import (
	"sync"
	"testing"
	"time"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/trace"
)

// syntheticClock is a monotonic counter a test can advance deterministically.
type syntheticClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *syntheticClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *syntheticClock) Advance(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

func newTestRouter() (*Router, *syntheticClock) {
	clk := &syntheticClock{}
	return New(trace.New(), clk.Now), clk
}

func mustSend(t *testing.T, r *Router, task TaskID, slot int, payload []byte, opts SendOpts) {
	t.Helper()
	if _, err := r.Send(task, slot, &Message{Payload: payload}, opts); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func endpointCap(r *Router, owner TaskID, depth int, rights cap.Rights) (cap.Capability, uint32) {
	id := r.EpCreate(owner, depth)
	return cap.Capability{Kind: cap.KindEndpoint, EpID: id, Rights: rights}, id
}

func TestFIFOPreservation(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2

	c, _ := endpointCap(r, receiver, 8, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightRecv})

	for i := 0; i < 5; i++ {
		mustSend(t, r, sender, 0, []byte{byte(i)}, SendOpts{})
	}

	buf := make([]byte, 8)
	for i := 0; i < 5; i++ {
		_, n, err := r.Recv(receiver, 0, buf, RecvOpts{})
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if n != 1 || buf[0] != byte(i) {
			t.Fatalf("expected byte %d in order, got %v", i, buf[:n])
		}
	}
}

func TestBoundedQueueNonBlocking(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2

	c, _ := endpointCap(r, receiver, 1, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightRecv})

	mustSend(t, r, sender, 0, []byte("a"), SendOpts{})

	if _, err := r.Send(sender, 0, &Message{Payload: []byte("b")}, SendOpts{NonBlock: true}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	buf := make([]byte, 8)
	if _, _, err := r.Recv(receiver, 0, buf, RecvOpts{}); err != nil {
		t.Fatalf("recv: %v", err)
	}

	if _, err := r.Send(sender, 0, &Message{Payload: []byte("b")}, SendOpts{NonBlock: true}); err != nil {
		t.Fatalf("expected retried send to succeed after drain, got %v", err)
	}
}

func TestSendToUnknownEndpoint(t *testing.T) {
	r, _ := newTestRouter()
	const sender TaskID = 1
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: 999, Rights: cap.RightSend})
	if _, err := r.Send(sender, 0, &Message{Payload: []byte("x")}, SendOpts{NonBlock: true}); err != ErrNoSuchEndpoint {
		t.Fatalf("expected ErrNoSuchEndpoint, got %v", err)
	}
}

func TestPermissionDeniedWithoutSendRight(t *testing.T) {
	r, _ := newTestRouter()
	const sender TaskID = 1
	c, _ := endpointCap(r, sender, 4, cap.RightRecv)
	r.CapSet(sender, 0, c)
	if _, err := r.Send(sender, 0, &Message{Payload: []byte("x")}, SendOpts{NonBlock: true}); err != ErrPermissionDenied {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestTruncation(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2
	c, _ := endpointCap(r, receiver, 4, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightRecv})

	payload := []byte("hello world")
	mustSend(t, r, sender, 0, payload, SendOpts{})

	small := make([]byte, 5)
	if _, _, err := r.Recv(receiver, 0, small, RecvOpts{Truncate: false}); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace without TRUNCATE, got %v", err)
	}
	// Message must still be there for a retry with TRUNCATE set.
	hdr, n, err := r.Recv(receiver, 0, small, RecvOpts{Truncate: true})
	if err != nil {
		t.Fatalf("recv with truncate: %v", err)
	}
	if n != len(small) {
		t.Fatalf("expected copied=%d, got %d", len(small), n)
	}
	if hdr.Len != uint32(len(payload)) {
		t.Fatalf("expected header to report original length %d, got %d", len(payload), hdr.Len)
	}
}

func TestExactSizePayloadNoTruncation(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2
	c, _ := endpointCap(r, receiver, 4, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightRecv})

	payload := []byte("exact")
	mustSend(t, r, sender, 0, payload, SendOpts{})

	buf := make([]byte, len(payload))
	_, n, err := r.Recv(receiver, 0, buf, RecvOpts{})
	if err != nil || n != len(payload) {
		t.Fatalf("expected exact-size delivery, got n=%d err=%v", n, err)
	}
}

func TestAtomicCapMoveSuccess(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2

	dataEp, _ := endpointCap(r, receiver, 4, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: dataEp.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: dataEp.EpID, Rights: cap.RightRecv})

	movedEpID := r.EpCreate(sender, 4)
	r.CapSet(sender, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: movedEpID, Rights: cap.RightSend | cap.RightGrant})

	slot := 1
	if _, err := r.Send(sender, 0, &Message{Payload: []byte("x"), MoveCap: &slot}, SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := r.CapGet(sender, 1); err != cap.ErrInvalidSlot {
		t.Fatalf("expected sender's slot 1 to be empty after move, got %v", err)
	}

	hdr, _, err := r.Recv(receiver, 0, make([]byte, 8), RecvOpts{})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if hdr.CapSlot < 0 {
		t.Fatalf("expected moved cap to land in a receiver slot, got CapSlot=%d", hdr.CapSlot)
	}
	got, err := r.CapGet(receiver, int(hdr.CapSlot))
	if err != nil || got.EpID != movedEpID {
		t.Fatalf("expected receiver to hold moved endpoint %d, got %+v err=%v", movedEpID, got, err)
	}
}

func TestAtomicCapMoveRollbackOnFailure(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2

	dataEp, _ := endpointCap(r, receiver, 1, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: dataEp.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: dataEp.EpID, Rights: cap.RightRecv})
	mustSend(t, r, sender, 0, []byte("fill"), SendOpts{}) // saturate depth=1

	movedEpID := r.EpCreate(sender, 4)
	r.CapSet(sender, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: movedEpID, Rights: cap.RightSend | cap.RightGrant})

	slot := 1
	if _, err := r.Send(sender, 0, &Message{Payload: []byte("x"), MoveCap: &slot}, SendOpts{NonBlock: true}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	got, err := r.CapGet(sender, 1)
	if err != nil || got.EpID != movedEpID {
		t.Fatalf("expected sender's slot 1 unchanged after failed send, got %+v err=%v", got, err)
	}
}

func TestDeadlineInPastTimesOutImmediately(t *testing.T) {
	r, clk := newTestRouter()
	clk.Advance(1000)
	const receiver TaskID = 1
	c, _ := endpointCap(r, receiver, 1, cap.RightRecv)
	r.CapSet(receiver, 0, c)

	start := time.Now()
	_, _, err := r.Recv(receiver, 0, make([]byte, 4), RecvOpts{DeadlineNs: 1})
	if err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("expected immediate timeout without parking, took %v", time.Since(start))
	}
}

func TestBlockingRecvWakesOnSend(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2
	c, _ := endpointCap(r, receiver, 1, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightRecv})

	done := make(chan struct{})
	go func() {
		defer close(done)
		hdr, n, err := r.Recv(receiver, 0, make([]byte, 8), RecvOpts{})
		if err != nil || n != 1 || hdr.Src != sender {
			t.Errorf("unexpected blocking recv result: n=%d err=%v hdr=%+v", n, err, hdr)
		}
	}()

	time.Sleep(20 * time.Millisecond) // give the goroutine time to park
	mustSend(t, r, sender, 0, []byte("z"), SendOpts{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking recv never woke up")
	}
}

func TestEndpointCloseWakesParkedWaitersWithNoSuchEndpoint(t *testing.T) {
	r, _ := newTestRouter()
	const receiver TaskID = 1
	id := r.EpCreate(receiver, 1)
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: id, Rights: cap.RightRecv})

	done := make(chan error, 1)
	go func() {
		_, _, err := r.Recv(receiver, 0, make([]byte, 8), RecvOpts{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.EpClose(id)

	select {
	case err := <-done:
		if err != ErrNoSuchEndpoint {
			t.Fatalf("expected ErrNoSuchEndpoint on close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("parked receiver was never woken by endpoint close")
	}
}

func TestWithReplyAllocatesOneShotEndpoint(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2
	c, _ := endpointCap(r, receiver, 4, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightRecv})

	msg := &Message{Payload: []byte("req")}
	if _, err := r.Send(sender, 0, msg, SendOpts{WithReply: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Header.ReplySlot < 0 {
		t.Fatalf("expected sender to learn its reply slot, got %d", msg.Header.ReplySlot)
	}

	hdr, _, err := r.Recv(receiver, 0, make([]byte, 8), RecvOpts{})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if hdr.ReplyCapSlot < 0 {
		t.Fatalf("expected receiver to get a send-capability to the reply endpoint, got %d", hdr.ReplyCapSlot)
	}

	// Receiver replies on the cap it was handed.
	replyMsg := &Message{Payload: []byte("resp")}
	if _, err := r.Send(receiver, int(hdr.ReplyCapSlot), replyMsg, SendOpts{}); err != nil {
		t.Fatalf("reply send: %v", err)
	}

	// Sender receives the reply on the slot it learned from its own header.
	rhdr, n, err := r.Recv(sender, int(msg.Header.ReplySlot), make([]byte, 8), RecvOpts{})
	if err != nil || n != len("resp") {
		t.Fatalf("reply recv: n=%d err=%v", n, err)
	}
	_ = rhdr

	// The reply endpoint is one-shot: it must be closed the moment its
	// single reply is delivered, so a second reply attempt on the same
	// capability fails rather than silently succeeding.
	if _, err := r.Send(receiver, int(hdr.ReplyCapSlot), &Message{Payload: []byte("again")}, SendOpts{}); err != ErrNoSuchEndpoint {
		t.Fatalf("expected second reply to fail with ErrNoSuchEndpoint, got %v", err)
	}
}

func TestCapMoveDoesNotLeakDestinationRefcount(t *testing.T) {
	r, _ := newTestRouter()
	const sender, receiver TaskID = 1, 2

	// target is the endpoint whose capability gets moved.
	targetEp := r.EpCreate(sender, 4)
	r.CapSet(sender, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: targetEp, Rights: cap.RightSend | cap.RightGrant})

	c, _ := endpointCap(r, receiver, 4, cap.RightSend|cap.RightRecv)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: c.EpID, Rights: cap.RightRecv})

	moveSlot := 1
	if _, err := r.Send(sender, 0, &Message{Payload: []byte("x"), MoveCap: &moveSlot}, SendOpts{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	hdr, _, err := r.Recv(receiver, 0, make([]byte, 8), RecvOpts{})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if hdr.CapSlot < 0 {
		t.Fatalf("expected receiver to get the moved capability, got CapSlot=%d", hdr.CapSlot)
	}

	// The receiver now holds the only reference to targetEp. Dropping it
	// must close targetEp — if the sender-side drop had leaked a +1, this
	// drop would leave targetEp's refcount at 1 and it would never close.
	if err := r.CapDrop(receiver, int(hdr.CapSlot)); err != nil {
		t.Fatalf("cap drop: %v", err)
	}
	r.mu.Lock()
	_, stillOpen := r.endpoints[targetEp]
	r.mu.Unlock()
	if stillOpen {
		t.Fatalf("expected targetEp to be closed after its last reference was dropped, but it is still open")
	}
}

func TestBootstrapSlotReservedConvention(t *testing.T) {
	r, _ := newTestRouter()
	const child TaskID = 5
	c, _ := endpointCap(r, child, 1, cap.RightRecv)
	if err := r.CapSet(child, cap.BootstrapSlot, c); err != nil {
		t.Fatalf("set bootstrap slot: %v", err)
	}
	got, err := r.CapGet(child, cap.BootstrapSlot)
	if err != nil || got.EpID != c.EpID {
		t.Fatalf("expected bootstrap cap at slot 0, got %+v err=%v", got, err)
	}
}

package syscall

import (
	"testing"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/router"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/trace"
)

func TestNowNanosMonotonic(t *testing.T) {
	a := NowNanos()
	b := NowNanos()
	if b < a {
		t.Fatalf("expected monotonic clock to not go backwards: a=%d b=%d", a, b)
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	r := router.New(trace.New(), NowNanos)
	const sender, receiver router.TaskID = 1, 2

	epID := r.EpCreate(receiver, 4)
	if err := r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightSend}); err != nil {
		t.Fatalf("seed sender cap: %v", err)
	}
	if err := r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightRecv}); err != nil {
		t.Fatalf("seed receiver cap: %v", err)
	}

	sendHdr := &MsgHeader{Op: 7, Flags: NonBlock}
	n, err := Send(r, sender, 0, sendHdr, []byte("ping"), nil, 0)
	if err != nil || n != 4 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}

	recvHdr, n, err := Recv(r, receiver, 0, make([]byte, 8), NonBlock, 0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if n != 4 || recvHdr.Op != 7 || recvHdr.Src != uint32(sender) {
		t.Fatalf("unexpected recv result: n=%d hdr=%+v", n, recvHdr)
	}
}

func TestRecvEmptyQueueNonBlockingReturnsQueueEmpty(t *testing.T) {
	r := router.New(trace.New(), NowNanos)
	const receiver router.TaskID = 1
	epID := r.EpCreate(receiver, 1)
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightRecv})

	_, _, err := Recv(r, receiver, 0, make([]byte, 8), NonBlock, 0)
	if err != router.ErrQueueEmpty {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
	if Code(err) != -3 {
		t.Fatalf("expected wire code -3, got %d", Code(err))
	}
}

func TestSendWithReplyStampsReplySlot(t *testing.T) {
	r := router.New(trace.New(), NowNanos)
	const sender, receiver router.TaskID = 1, 2
	epID := r.EpCreate(receiver, 4)
	r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightSend})
	r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightRecv})

	hdr := &MsgHeader{Flags: WithReply}
	if _, err := Send(r, sender, 0, hdr, []byte("req"), nil, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if hdr.ReplySlot < 0 {
		t.Fatalf("expected WITH_REPLY send to stamp a reply slot, got %d", hdr.ReplySlot)
	}
}

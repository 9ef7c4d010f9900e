package task

import (
	"testing"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/router"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/trace"
)

func newTestTable(t *testing.T) (*Table, *router.Router) {
	t.Helper()
	r := router.New(trace.New(), func() uint64 { return 0 })
	return New(r), r
}

func TestBootstrapTaskPresent(t *testing.T) {
	tt, r := newTestTable(t)
	if _, ok := tt.Parent(0); ok {
		t.Fatalf("expected bootstrap task to have no parent")
	}
	r.NewTask(0) // idempotent: Spawn's callers may re-register PID 0
}

func TestSpawnDuplicatesBootstrapAndDeliversFirstMessage(t *testing.T) {
	tt, r := newTestTable(t)

	epID := r.EpCreate(0, 4)
	if err := r.CapSet(0, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightSend | cap.RightRecv}); err != nil {
		t.Fatalf("seed parent bootstrap cap: %v", err)
	}

	child, err := tt.Spawn(0, 0x1000, 0x2000, 0, 0)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	got, err := r.CapGet(child, 0)
	if err != nil || got.EpID != epID {
		t.Fatalf("expected child to inherit bootstrap endpoint %d at slot 0, got %+v err=%v", epID, got, err)
	}

	hdr, n, err := r.Recv(child, 0, make([]byte, 8), router.RecvOpts{})
	if err != nil {
		t.Fatalf("child recv: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero-length bootstrap message, got %d bytes", n)
	}
	if hdr.Src != 0 {
		t.Fatalf("expected bootstrap message src=parent(0), got %d", hdr.Src)
	}
	if hdr.Dst != epID {
		t.Fatalf("expected bootstrap message dst=ep_id(%d), got %d", epID, hdr.Dst)
	}
}

func TestSpawnRejectsNonEndpointBootstrapSlot(t *testing.T) {
	tt, r := newTestTable(t)
	if err := r.CapSet(0, 0, cap.Capability{Kind: cap.KindVmo, Base: 0, Len: 4096}); err != nil {
		t.Fatalf("seed vmo cap: %v", err)
	}
	if _, err := tt.Spawn(0, 0, 0, 0, 0); err == nil {
		t.Fatalf("expected spawn to reject a non-endpoint bootstrap capability")
	}
}

func TestTransferCapabilityRespectsRights(t *testing.T) {
	tt, r := newTestTable(t)

	epID := r.EpCreate(0, 4)
	if err := r.CapSet(0, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightSend | cap.RightRecv}); err != nil {
		t.Fatalf("seed parent cap: %v", err)
	}
	child, err := tt.Spawn(0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	slot, err := tt.TransferCap(0, child, 0, cap.RightRecv)
	if err != nil {
		t.Fatalf("transfer_cap: %v", err)
	}
	if slot == 0 {
		t.Fatalf("expected transferred cap to land in a fresh slot, not overwrite bootstrap slot 0")
	}
	got, err := r.CapGet(child, slot)
	if err != nil || got.Rights != cap.RightRecv {
		t.Fatalf("expected narrowed RECV-only capability, got %+v err=%v", got, err)
	}

	if _, err := tt.TransferCap(0, child, 0, cap.RightMap); err == nil {
		t.Fatalf("expected transfer_cap to reject widening rights to MAP")
	}
}

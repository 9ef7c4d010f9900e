package trace

import "testing"

func TestRecordAndDumpOrder(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.Record(Event{Kind: KindSend, EP: uint32(i)})
	}
	events := r.Dump()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.EP != uint32(i) {
			t.Fatalf("expected events in write order, got ep=%d at index %d", e.EP, i)
		}
	}
}

func TestDumpBoundedByCapacity(t *testing.T) {
	r := New()
	for i := 0; i < ringSize+100; i++ {
		r.Record(Event{Kind: KindSend, EP: uint32(i)})
	}
	events := r.Dump()
	if len(events) != dumpCount {
		t.Fatalf("expected dump capped at %d, got %d", dumpCount, len(events))
	}
	last := events[len(events)-1]
	if last.EP != uint32(ringSize+99) {
		t.Fatalf("expected last event to be the most recent write, got ep=%d", last.EP)
	}
}

func TestDumpSendNoSuchSuppressesRepeat(t *testing.T) {
	r := New()
	r.Record(Event{Kind: KindEpClose, EP: 42})

	first := r.DumpSendNoSuch(42)
	if len(first) == 0 {
		t.Fatalf("expected first dump for endpoint 42 to produce output")
	}
	second := r.DumpSendNoSuch(42)
	if second != nil {
		t.Fatalf("expected repeated dump for same endpoint to be suppressed, got %v", second)
	}
	third := r.DumpSendNoSuch(7)
	if len(third) == 0 {
		t.Fatalf("expected dump for a different endpoint to not be suppressed")
	}
}

func TestMaybeDumpCapmoveBigOneShot(t *testing.T) {
	r := New()
	r.Record(Event{Kind: KindCapmoveSend})

	first := r.MaybeDumpCapmoveBig("ota")
	if first == nil {
		t.Fatalf("expected first capmove-big dump to fire")
	}
	second := r.MaybeDumpCapmoveBig("ota")
	if second != nil {
		t.Fatalf("expected subsequent capmove-big dump to be suppressed")
	}
}

func TestFlagsTruncatedToU16(t *testing.T) {
	r := New()
	r.Record(Event{Kind: KindSend, Flags: uint16(0xBEEF)})
	events := r.Dump()
	if events[0].Flags != 0xBEEF {
		t.Fatalf("expected low 16 bits preserved, got 0x%x", events[0].Flags)
	}
}

// Package selftest runs the concrete end-to-end scenarios from
// spec.md §8 against the router/task/syscall stack. It plays the role
// of the original kernel's in-kernel selftest harness
// (original_source/.../neuron/src/selftest/mod.rs's Context/entry
// pair), reworked as host-runnable scenarios: this build has no
// hardware boot path, so "entry" becomes a list of named checks a boot
// simulator can run and report on rather than a function invoked once
// during deterministic boot.
package selftest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/router"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/syscall"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/task"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/trace"
	"github.com/open-nexus-OS/nexus-ipc/internal/policywire"
	"github.com/open-nexus-OS/nexus-ipc/internal/services/policyd"
	"github.com/open-nexus-OS/nexus-ipc/ipc"
)

// Scenario is one named, independently runnable check.
type Scenario struct {
	Name string
	Run  func() error
}

// All returns the S1-S6 scenarios in spec.md §8's order.
func All() []Scenario {
	return []Scenario{
		{Name: "S1 spawn bootstrap delivery", Run: scenarioS1},
		{Name: "S2 named service route query", Run: scenarioS2},
		{Name: "S3 policy check round-trip", Run: scenarioS3},
		{Name: "S4 non-blocking send to full queue", Run: scenarioS4},
		{Name: "S5 deterministic budgeted timeout", Run: scenarioS5},
		{Name: "S6 atomic cap-move rollback on failure", Run: scenarioS6},
	}
}

func newRouter() *router.Router {
	return router.New(trace.New(), syscall.NowNanos)
}

func scenarioS1() error {
	r := newRouter()
	tasks := task.New(r)
	const parent router.TaskID = 0

	epID := r.EpCreate(parent, 4)
	if err := r.CapSet(parent, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: epID, Rights: cap.RightSend | cap.RightRecv}); err != nil {
		return fmt.Errorf("seed parent bootstrap cap: %w", err)
	}

	child, err := tasks.Spawn(parent, 0, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	buf := make([]byte, 16)
	hdr, n, err := r.Recv(child, 0, buf, router.RecvOpts{})
	if err != nil {
		return fmt.Errorf("child recv: %w", err)
	}
	if n != 0 {
		return fmt.Errorf("expected zero-length bootstrap message, got %d bytes", n)
	}
	if hdr.Src != parent {
		return fmt.Errorf("expected src=%d, got %d", parent, hdr.Src)
	}
	if hdr.Dst != epID {
		return fmt.Errorf("expected dst=ep_id(%d), got %d", epID, hdr.Dst)
	}
	return nil
}

// controlSlots mirrors spec.md §6's table for the two services the
// other scenarios exercise.
var controlSlots = map[string]struct{ send, recv uint32 }{
	"policyd": {7, 8},
}

func scenarioS2() error {
	r := newRouter()
	const client, control router.TaskID = 100, 101
	r.NewTask(client)
	r.NewTask(control)

	queryEp := r.EpCreate(control, 4)
	replyEp := r.EpCreate(client, 4)
	if err := r.CapSet(client, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: queryEp, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(control, 2, cap.Capability{Kind: cap.KindEndpoint, EpID: queryEp, Rights: cap.RightRecv}); err != nil {
		return err
	}
	if err := r.CapSet(control, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: replyEp, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(client, 2, cap.Capability{Kind: cap.KindEndpoint, EpID: replyEp, Rights: cap.RightRecv}); err != nil {
		return err
	}

	name := "policyd"
	query := append([]byte{0x40, byte(len(name))}, name...)
	if _, err := r.Send(client, 1, &router.Message{Payload: query}, router.SendOpts{}); err != nil {
		return fmt.Errorf("send route query: %w", err)
	}

	buf := make([]byte, 64)
	_, n, err := r.Recv(control, 2, buf, router.RecvOpts{})
	if err != nil {
		return fmt.Errorf("control recv query: %w", err)
	}
	got := buf[:n]
	if len(got) < 2 || got[0] != 0x40 || int(got[1]) != len(name) || string(got[2:2+int(got[1])]) != name {
		return fmt.Errorf("malformed route query frame: %v", got)
	}

	slots, ok := controlSlots[name]
	status := byte(0)
	if !ok {
		status = 1
	}
	reply := []byte{0x41, status,
		byte(slots.send), byte(slots.send >> 8), byte(slots.send >> 16), byte(slots.send >> 24),
		byte(slots.recv), byte(slots.recv >> 8), byte(slots.recv >> 16), byte(slots.recv >> 24),
	}
	if _, err := r.Send(control, 1, &router.Message{Payload: reply}, router.SendOpts{}); err != nil {
		return fmt.Errorf("send route reply: %w", err)
	}

	buf2 := make([]byte, 64)
	_, n2, err := r.Recv(client, 2, buf2, router.RecvOpts{})
	if err != nil {
		return fmt.Errorf("client recv reply: %w", err)
	}
	want := []byte{0x41, 0x00, 0x07, 0, 0, 0, 0x08, 0, 0, 0}
	if !bytes.Equal(buf2[:n2], want) {
		return fmt.Errorf("unexpected route reply: got %v want %v", buf2[:n2], want)
	}
	return nil
}

func scenarioS3() error {
	r := newRouter()
	const client, server router.TaskID = 200, 201
	r.NewTask(client)
	r.NewTask(server)

	epClientToServer := r.EpCreate(server, 4)
	epServerToClient := r.EpCreate(client, 4)
	if err := r.CapSet(client, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: epClientToServer, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(server, 2, cap.Capability{Kind: cap.KindEndpoint, EpID: epClientToServer, Rights: cap.RightRecv}); err != nil {
		return err
	}
	if err := r.CapSet(server, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: epServerToClient, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(client, 2, cap.Capability{Kind: cap.KindEndpoint, EpID: epServerToClient, Rights: cap.RightRecv}); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "nexusd-policy-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "allow.toml"), []byte("[allow]\nsamgrd = [\"ipc.core\"]\n"), 0o644); err != nil {
		return err
	}
	doc, err := policyd.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load policy dir: %w", err)
	}
	svc := policyd.NewService(doc)

	clientIPC := ipc.NewKernelClient(r, client, 1, 2, 4096)
	serverIPC := ipc.NewKernelClient(r, server, 1, 2, 4096)

	done := make(chan error, 1)
	go func() { done <- policyd.Serve(serverIPC, svc) }()

	req, err := policywire.EncodeCheckRequest(policywire.CheckRequest{
		Subject:      "samgrd",
		RequiredCaps: []string{"ipc.core"},
	})
	if err != nil {
		return err
	}
	frame := append([]byte{1}, req...)
	if err := clientIPC.Send(frame, ipc.Blocking); err != nil {
		return fmt.Errorf("send check request: %w", err)
	}
	respFrame, err := clientIPC.Recv(ipc.Blocking)
	if err != nil {
		return fmt.Errorf("recv check response: %w", err)
	}
	if len(respFrame) == 0 || respFrame[0] != 1 {
		return fmt.Errorf("unexpected response opcode: %v", respFrame)
	}
	resp, err := policywire.DecodeCheckResponse(respFrame[1:])
	if err != nil {
		return fmt.Errorf("decode check response: %w", err)
	}
	if !resp.Allowed || len(resp.Missing) != 0 {
		return fmt.Errorf("expected allowed=true missing=[], got %+v", resp)
	}

	r.EpClose(epClientToServer) // unblocks Serve's final Recv with NoSuchEndpoint -> ipc.ErrClosed
	return <-done
}

func scenarioS4() error {
	r := newRouter()
	const sender, receiver router.TaskID = 300, 301
	r.NewTask(sender)
	r.NewTask(receiver)

	ep := r.EpCreate(receiver, 1)
	if err := r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: ep, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: ep, Rights: cap.RightRecv}); err != nil {
		return err
	}

	if _, err := r.Send(sender, 0, &router.Message{Payload: []byte("first")}, router.SendOpts{}); err != nil {
		return fmt.Errorf("first send: %w", err)
	}
	if _, err := r.Send(sender, 0, &router.Message{Payload: []byte("second")}, router.SendOpts{NonBlock: true}); err != router.ErrQueueFull {
		return fmt.Errorf("expected QueueFull on full queue, got %v", err)
	}

	buf := make([]byte, 16)
	if _, _, err := r.Recv(receiver, 0, buf, router.RecvOpts{}); err != nil {
		return fmt.Errorf("drain recv: %w", err)
	}
	if _, err := r.Send(sender, 0, &router.Message{Payload: []byte("second")}, router.SendOpts{NonBlock: true}); err != nil {
		return fmt.Errorf("retried send after drain should succeed, got %v", err)
	}
	return nil
}

func scenarioS5() error {
	clock := ipc.NewSyntheticClock(0, 1_000_000) // 1ms per yield
	ep, _ := ipc.NewLoopbackPair(1)
	if err := ep.Send([]byte("fill"), ipc.NonBlocking); err != nil {
		return fmt.Errorf("fill single-depth queue: %w", err)
	}

	deadline := clock.NowNanos() + 5_000_000 // 5ms
	err := ipc.SendBudgeted(clock, ep, []byte("never delivered"), deadline)
	if !ipc.IsTimeout(err) {
		return fmt.Errorf("expected Timeout, got %v", err)
	}
	if clock.Yields == 0 {
		return fmt.Errorf("expected at least one yield")
	}
	if clock.Yields > 6 {
		return fmt.Errorf("expected timeout within <=6 yields, got %d", clock.Yields)
	}
	return nil
}

func scenarioS6() error {
	r := newRouter()
	const sender, receiver router.TaskID = 400, 401
	r.NewTask(sender)
	r.NewTask(receiver)

	dataEp := r.EpCreate(receiver, 1)
	if err := r.CapSet(sender, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: dataEp, Rights: cap.RightSend}); err != nil {
		return err
	}
	if err := r.CapSet(receiver, 0, cap.Capability{Kind: cap.KindEndpoint, EpID: dataEp, Rights: cap.RightRecv}); err != nil {
		return err
	}
	if _, err := r.Send(sender, 0, &router.Message{Payload: []byte("fill")}, router.SendOpts{}); err != nil {
		return fmt.Errorf("saturate depth=1 queue: %w", err)
	}

	movedEpID := r.EpCreate(sender, 4)
	if err := r.CapSet(sender, 1, cap.Capability{Kind: cap.KindEndpoint, EpID: movedEpID, Rights: cap.RightSend | cap.RightGrant}); err != nil {
		return err
	}

	slot := 1
	if _, err := r.Send(sender, 0, &router.Message{Payload: []byte("x"), MoveCap: &slot}, router.SendOpts{NonBlock: true}); err != router.ErrQueueFull {
		return fmt.Errorf("expected QueueFull, got %v", err)
	}

	got, err := r.CapGet(sender, 1)
	if err != nil || got.EpID != movedEpID {
		return fmt.Errorf("expected sender's slot 1 unchanged after failed send, got %+v err=%v", got, err)
	}
	return nil
}

// Package task implements the kernel's task table and the IPC-facing
// slice of process spawn from spec.md §4.4, grounded on the original
// kernel's task.rs: bootstrap capability duplication into the child and
// delivery of the zero-payload first message.
package task

import (
	"errors"
	"fmt"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/cap"
	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/router"
)

// SpawnError enumerates why Spawn refused to create a child, mirroring
// the original's SpawnError enum field-for-field.
type SpawnError struct {
	Reason string
	Err    error // wrapped CapError/IpcError equivalent, may be nil
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task: spawn: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("task: spawn: %s", e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

var (
	ErrInvalidParent         = errors.New("task: invalid parent pid")
	ErrInvalidEntryPoint     = errors.New("task: invalid entry point")
	ErrInvalidStackPointer   = errors.New("task: invalid stack pointer")
	ErrBootstrapNotEndpoint  = errors.New("task: bootstrap capability is not an endpoint")
)

// TransferError enumerates why TransferCap failed, mirroring the
// original's TransferError enum.
type TransferError struct {
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task: transfer_cap: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("task: transfer_cap: %s", e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

var (
	ErrInvalidChild = errors.New("task: invalid child pid")
)

// QoS mirrors the scheduler class a spawned task is enqueued at. The IPC
// core doesn't implement scheduling; Normal is the only class spawn ever
// asks for, kept as a named type so the intent reads the same as the
// original's QosClass::Normal.
type QoS int

const QoSNormal QoS = 0

// Control describes the bootstrap message a freshly spawned task sees on
// its first recv: src is the parent, dst is the bootstrap endpoint id,
// and the payload is always empty (spec.md §4.4 step 4).
type Control struct {
	ParentPID router.TaskID
	EndpointID uint32
}

// Table tracks parent/child relationships and bootstrap-slot bookkeeping
// on top of the router's capability tables. It owns no capability state
// itself — every mutation goes through the router so refcounts and
// trace events stay correct.
type Table struct {
	r        *router.Router
	nextPID  router.TaskID
	parents  map[router.TaskID]router.TaskID
	bootSlot map[router.TaskID]int
}

// New returns a task table seeded with the bootstrap task, PID 0, which
// owns no parent.
func New(r *router.Router) *Table {
	r.NewTask(0)
	return &Table{
		r:        r,
		nextPID:  1,
		parents:  make(map[router.TaskID]router.TaskID),
		bootSlot: make(map[router.TaskID]int),
	}
}

// Parent reports t's parent PID and whether it has one (false for the
// bootstrap task).
func (tt *Table) Parent(t router.TaskID) (router.TaskID, bool) {
	p, ok := tt.parents[t]
	return p, ok
}

// BootstrapSlot reports the slot that seeded t's bootstrap endpoint.
func (tt *Table) BootstrapSlot(t router.TaskID) (int, bool) {
	s, ok := tt.bootSlot[t]
	return s, ok
}

// Spawn implements spec.md §4.4: duplicates the bootstrap capability
// into a fresh child table, schedules nothing (this rework has no
// scheduler — see SPEC_FULL.md), and enqueues the zero-payload
// bootstrap message so the child's first recv on bootstrapSlot returns
// immediately.
//
// entryPC and stackSP are accepted to keep the signature shaped like
// the original's spawn(parent, entry_pc, stack_sp, asid, bootstrap_slot)
// — this rework has no address space to validate them against, so only
// the capability and IPC steps have observable behavior.
func (tt *Table) Spawn(parent router.TaskID, entryPC, stackSP uint64, asid uint64, bootstrapSlot int) (router.TaskID, error) {
	bootCap, err := tt.r.CapGet(parent, bootstrapSlot)
	if err != nil {
		return 0, &SpawnError{Reason: "parent has no bootstrap capability at that slot", Err: err}
	}
	if bootCap.Kind != cap.KindEndpoint {
		return 0, &SpawnError{Reason: "bootstrap slot capability is not an endpoint", Err: ErrBootstrapNotEndpoint}
	}

	child := tt.nextPID
	tt.nextPID++
	tt.r.NewTask(child)

	if err := tt.r.CapSet(child, bootstrapSlot, bootCap); err != nil {
		return 0, &SpawnError{Reason: "could not seed child's bootstrap slot", Err: err}
	}

	tt.parents[child] = parent
	tt.bootSlot[child] = bootstrapSlot

	if _, err := tt.r.Send(parent, bootstrapSlot, &router.Message{Payload: nil}, router.SendOpts{}); err != nil {
		return 0, &SpawnError{Reason: "could not deliver bootstrap message", Err: err}
	}

	return child, nil
}

// TransferCap duplicates parentSlot from parent's table into child's
// table with rights narrowed to rights, mirroring the original's
// transfer_cap (the one non-message path for moving a capability
// between tables, spec.md §4.1 invariant iv).
func (tt *Table) TransferCap(parent, child router.TaskID, parentSlot int, rights cap.Rights) (int, error) {
	slot, err := tt.r.TransferCap(parent, child, parentSlot, rights)
	if err != nil {
		return 0, &TransferError{Reason: "capability operation failed", Err: err}
	}
	return slot, nil
}

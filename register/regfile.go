// Package register implements the dataflow register file described in
// the design doc section 4.2: a typed cell array where each cell carries a
// presence state (EMPTY/PENDING/WAITING/FULL) in addition to its value,
// implementing fine-grained producer/consumer synchronization.
//
// This is a direct re-expression of the original C++ RegisterFile class
// (MGSim's RegisterFile.cpp), with the COMMIT{} guard replaced by
// arbiter.Commit and the admin/pipeline/async port split kept as-is.
package register

import (
	"fmt"

	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/simerr"
)

// Type distinguishes integer from floating-point registers; each has its own
// backing array and its own RA Unit block pool.
type Type int

const (
	Integer Type = iota
	Float
)

// Invalid is the sentinel register index meaning "no register".
const Invalid = ^uint32(0)

// Addr is a (type, index) pair addressing one register cell.
type Addr struct {
	Type  Type
	Index uint32
}

// IsValid reports whether addr names a real register rather than the
// "no register" sentinel.
func (a Addr) IsValid() bool {
	return a.Index != Invalid
}

func (a Addr) String() string {
	tag := "R"
	if a.Type == Float {
		tag = "F"
	}
	if !a.IsValid() {
		return tag + ".INVALID"
	}
	return fmt.Sprintf("%s%d", tag, a.Index)
}

// State is a register cell's presence tag.
type State int

const (
	// Empty: never written. A reader that touches it suspends.
	Empty State = iota
	// Pending: a producer has been named and will write eventually. A
	// reader that touches it suspends.
	Pending
	// Waiting: one reader is already suspended; Waiter holds its TID.
	Waiting
	// Full: a value is present.
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Pending:
		return "PENDING"
	case Waiting:
		return "WAITING"
	case Full:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// MemoryRequest is carried by a cell that is PENDING on a D-cache read: the
// family that will consume the value, where within the cache line it lands,
// how wide the sub-word is, and the next register chained on the same line's
// waiter list (the design doc section 3's per-cache-line waiter chain).
type MemoryRequest struct {
	Family   uint32 // family ID of the reader
	Offset   uint32 // byte offset within the cache line
	Size     uint   // sub-word size in bytes
	NextAddr Addr   // next register chained on this line, or invalid
	HasNext  bool
}

// Value is the content plus protocol metadata of one register cell.
type Value struct {
	State State
	Data  uint64 // integer value, or the float bit pattern

	// Producer is the only component allowed to complete a PENDING write
	// (the design doc: "only the component named in a PENDING cell may transition
	// it to FULL").
	Producer arbiter.Component

	// Waiter is the TID parked on a WAITING cell. At most one thread may be
	// WAITING on a given register at a time.
	Waiter uint32

	// Memory carries a pending D-cache read's completion tag, if any.
	Memory MemoryRequest
}

// File is the per-tile register file: one array of cells per Type, plus the
// dedicated/arbitrated ports the design doc section 4.2 wires it with.
type File struct {
	sched *arbiter.Scheduler

	cells [2][]Value

	// Reactivate is called, inside the commit that writes FULL into a
	// WAITING cell, to ask the Allocator to reschedule the parked thread.
	// It mirrors the original's m_allocator.ActivateThread callback; it may
	// fail (port contention), in which case the write itself fails this
	// cycle and must be retried.
	Reactivate func(component arbiter.Component, tid uint32) bool

	// Ports, named exactly as the design doc section 4.2 describes them.
	PipelineR1 *arbiter.DedicatedPort[Addr]
	PipelineR2 *arbiter.DedicatedPort[Addr]
	PipelineW  *arbiter.DedicatedPort[writeReq]
	AsyncR     *arbiter.ArbitratedPort[Addr]
	AsyncW     *arbiter.ArbitratedPort[Addr]
}

type writeReq struct {
	addr  Addr
	value Value
}

// New creates a register file with numInt integer and numFlt float cells,
// all initially EMPTY, and wires its ports against sched. pipeline is the
// sole owner of the two dedicated read ports and the dedicated write port;
// fpu/dcache/network/allocator share the arbitrated async ports in that
// priority order (FPU highest, i.e. lowest numeric priority).
func New(sched *arbiter.Scheduler, numInt, numFlt uint32, pipeline, fpu, dcache, network, allocator arbiter.Component) *File {
	f := &File{
		sched: sched,
		cells: [2][]Value{
			make([]Value, numInt),
			make([]Value, numFlt),
		},
		PipelineR1: arbiter.NewDedicatedPort[Addr](sched, pipeline),
		PipelineR2: arbiter.NewDedicatedPort[Addr](sched, pipeline),
		PipelineW:  arbiter.NewDedicatedPort[writeReq](sched, pipeline),
		AsyncR:     arbiter.NewArbitratedPort[Addr](sched),
		AsyncW:     arbiter.NewArbitratedPort[Addr](sched),
	}

	f.AsyncW.SetPriority(fpu, 0)
	f.AsyncW.SetPriority(dcache, 1)
	f.AsyncW.SetPriority(network, 2)
	f.AsyncW.SetPriority(allocator, 3)
	f.AsyncR.SetPriority(fpu, 0)
	f.AsyncR.SetPriority(dcache, 1)
	f.AsyncR.SetPriority(network, 2)
	f.AsyncR.SetPriority(allocator, 3)

	return f
}

func (f *File) slice(t Type) []Value {
	return f.cells[t]
}

// Read is synchronous and never fails once the read port is held; it simply
// returns the current cell contents.
func (f *File) Read(addr Addr) (Value, error) {
	regs := f.slice(addr.Type)
	if int(addr.Index) >= len(regs) {
		return Value{}, fmt.Errorf("register: read %s: %w", addr, simerr.ErrPermission)
	}
	return regs[addr.Index], nil
}

// Size returns the number of registers of the given type.
func (f *File) Size(t Type) uint32 {
	return uint32(len(f.cells[t]))
}

// Write implements the design doc section 4.2's write contract. component is the
// caller's identity, used to check PENDING ownership. The cell mutation only
// happens during the scheduler's commit sub-phase.
func (f *File) Write(addr Addr, value Value, component arbiter.Component) (bool, error) {
	regs := f.slice(addr.Type)
	if int(addr.Index) >= len(regs) {
		return false, fmt.Errorf("register: write %s: %w", addr, simerr.ErrPermission)
	}
	if value.State != Pending && value.State != Waiting && value.State != Full {
		return false, fmt.Errorf("register: write %s: nothing may write EMPTY: %w", addr, simerr.ErrWriteEmpty)
	}

	cur := regs[addr.Index]

	if value.State == Waiting {
		// A pipeline Read stage observed a non-FULL register and is parking
		// a reader on it.
		if cur.State != Pending && cur.State != Full {
			return false, fmt.Errorf("register: wait on %s: %w", addr, simerr.ErrRereadWaiting)
		}
		if cur.State == Full {
			// The data arrived before the reader could park: rewrite the
			// WAITING attempt as a FULL pass-through so the pipeline
			// reschedules the thread rather than suspending it.
			value.State = Full
			value.Data = cur.Data
			arbiter.Commit(f.sched, func() {
				regs[addr.Index] = value
			})
			return true, nil
		}
		if cur.Waiter != Invalid && cur.State == Waiting {
			return false, fmt.Errorf("register: wait on %s: %w", addr, simerr.ErrDoubleWaiter)
		}
		arbiter.Commit(f.sched, func() {
			// Preserve the pending memory request; only the waiter TID and
			// state change. A waiter that itself carries the request tag (the
			// cell was marked PENDING before the tag was known) supplies it
			// here instead.
			if cur.Memory.Size == 0 && value.Memory.Size != 0 {
				cur.Memory = value.Memory
			}
			cur.Waiter = value.Waiter
			cur.State = Waiting
			regs[addr.Index] = cur
		})
		return true, nil
	}

	// value.State is Pending or Full.
	switch cur.State {
	case Pending:
		if value.State != Full {
			return false, fmt.Errorf("register: write %s: %w", addr, simerr.ErrWriteEmpty)
		}
		if cur.Producer != nil && cur.Producer != component {
			return false, fmt.Errorf("register: write %s: %w", addr, simerr.ErrWriteNotOwner)
		}
	case Waiting:
		if value.State != Full {
			return false, fmt.Errorf("register: write %s: %w", addr, simerr.ErrWriteEmpty)
		}
		// Writing FULL into a WAITING cell must, in the same commit, ask
		// the Allocator to reactivate the waiting thread.
		if f.sched.Phase() != arbiter.CommitSub {
			return true, nil
		}
		if f.Reactivate != nil && !f.Reactivate(component, cur.Waiter) {
			return false, nil
		}
	case Empty, Full:
		// Either a first write (EMPTY) or an overwrite of an already-FULL
		// cell (allowed: a new producer claim can supersede a stale value).
	}

	arbiter.Commit(f.sched, func() {
		regs[addr.Index] = value
	})
	return true, nil
}

// AttachMemory merges a pending D-cache read's completion tag into addr's
// cell without disturbing its presence state or a parked waiter. The cell
// must already be PENDING (the producer claimed it at issue) or WAITING (a
// consumer raced ahead and parked); anything else means the tag arrived for
// a cell the protocol no longer tracks, and is dropped.
func (f *File) AttachMemory(addr Addr, m MemoryRequest) error {
	regs := f.slice(addr.Type)
	if int(addr.Index) >= len(regs) {
		return fmt.Errorf("register: attach %s: %w", addr, simerr.ErrPermission)
	}
	arbiter.Commit(f.sched, func() {
		if regs[addr.Index].State == Pending || regs[addr.Index].State == Waiting {
			regs[addr.Index].Memory = m
		}
	})
	return nil
}

// Clear bulk-initializes a contiguous block of size registers starting at
// addr to template's state/producer, used by family/thread allocation to
// set up a fresh register block (the design doc section 4.5).
func (f *File) Clear(addr Addr, size uint32, template Value) error {
	regs := f.slice(addr.Type)
	if uint64(addr.Index)+uint64(size) > uint64(len(regs)) {
		return fmt.Errorf("register: clear %s+%d: %w", addr, size, simerr.ErrPermission)
	}
	arbiter.Commit(f.sched, func() {
		for i := uint32(0); i < size; i++ {
			regs[addr.Index+i] = template
		}
	})
	return nil
}

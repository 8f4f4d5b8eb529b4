// Package family implements the Family descriptor and Family Table from
// the design doc sections 3 and 4.4: a fixed pool of family descriptors with a free
// list and reserved global IDs, direct re-expression of
// MGSim's FamilyTable.{h,cpp}.
package family

import (
	"github.com/sarchlab/ringcore/register"
)

// InvalidLFID / InvalidGFID are the "no family" sentinels for local and
// global family identifiers.
const (
	InvalidLFID = ^uint32(0)
	InvalidGFID = ^uint32(0)
)

// ExitNormal is the only exit code RingCore's ISA surface produces (the design doc
// section 8's creates all terminate normally); the field exists so killFamily
// always has a code to write even though nothing else distinguishes it from
// an error exit.
const ExitNormal uint64 = 0

// State is a family's lifecycle state (the design doc section 3).
type State int

const (
	Empty State = iota
	Allocated
	Idle
	Active
	Killed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Allocated:
		return "ALLOCATED"
	case Idle:
		return "IDLE"
	case Active:
		return "ACTIVE"
	case Killed:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// RegInfo is the per-register-type quadruple the design doc section 3 describes:
// how many globals/shareds/locals this family uses, and where its block
// starts in the register file.
type RegInfo struct {
	Globals uint32
	Shareds uint32
	Locals  uint32
	Base    uint32
	Size    uint32
}

// Dependencies is the five-field dependency counter block gating a family's
// slot recycling (the design doc section 3).
type Dependencies struct {
	AllocationDone    bool
	PrevTerminated    bool
	NumThreadsAllocated uint32
	NumPendingReads     uint32
	NumPendingShareds   uint32
}

// Drained reports whether the thread-count, allocation-done and
// predecessor-terminated conditions hold simultaneously (the design doc
// section 3/4.5); CanFree adds the outstanding-read conditions to it.
func (d Dependencies) Drained() bool {
	return d.NumThreadsAllocated == 0 && d.AllocationDone && d.PrevTerminated
}

// CanFree reports whether, in addition to Drained, no memory read and no
// shared-register read is outstanding — the full predicate that triggers
// killFamily and frees the family slot.
func (d Dependencies) CanFree() bool {
	return d.Drained() && d.NumPendingShareds == 0 && d.NumPendingReads == 0
}

// Parent identifies the thread on another (or this) tile that created this
// family, and the exit registers that thread is waiting on.
type Parent struct {
	Tile        uint32
	Thread      uint32
	ExitCodeReg register.Addr
	ExitValueReg register.Addr
}

// Family is one descriptor in the Family Table.
type Family struct {
	State State

	PC      uint64
	Legacy  bool
	Created bool

	VirtBlockSize uint64
	PhysBlockSize uint32
	Start         int64
	Step          int64
	LastThread    uint64 // inclusive bound; math.MaxUint64 means infinite
	Infinite      bool
	Index         uint64 // index of the next thread to allocate

	Parent Parent
	GFID   uint32 // InvalidGFID if this family is local-only

	HasDependency bool // uses shared registers
	Killed        bool

	Deps Dependencies

	// HasExited/ExitValue record the value an EXIT instruction handed this
	// family, captured at Writeback and consumed by killFamily once the
	// family drains. ExitCode is always ExitNormal; kept as a field (rather
	// than the bare constant) so killFamily's register write reads uniformly
	// from the Family regardless of how the code might vary later.
	HasExited bool
	ExitCode  uint64
	ExitValue uint64

	Regs [2]RegInfo // indexed by register.Type

	// Members is the head of the intrusive queue of every thread belonging
	// to this family (the design doc section 3's per-family member list); NextState
	// link fields live on the Thread records themselves.
	MembersHead uint32
	MembersTail uint32

	// LastAllocated / boundaries within the current physical block, used by
	// the Allocator to wire predecessor/successor pointers.
	LastAllocated      uint32
	FirstThreadInBlock uint32
	LastThreadInBlock  uint32

	// next links this family onto the Table's free list or active list.
	next uint32
}

// GlobalEntry maps a GFID to the LFID that locally represents it.
type GlobalEntry struct {
	LFID uint32
	Used bool
}

// Table is the fixed-size pool of Family descriptors for one tile.
type Table struct {
	families []Family
	globals  []GlobalEntry
	emptyHead uint32
	emptyTail uint32
	numUsed   uint32
}

// NewTable creates a Table with numFamilies slots and numGlobals reservable
// global family IDs, all families initially linked onto the free list.
func NewTable(numFamilies, numGlobals uint32) *Table {
	t := &Table{
		families: make([]Family, numFamilies),
		globals:  make([]GlobalEntry, numGlobals),
	}
	for i := range t.families {
		t.families[i].State = Empty
		t.families[i].next = uint32(i) + 1
	}
	if numFamilies > 0 {
		t.families[numFamilies-1].next = InvalidLFID
	}
	t.emptyHead = 0
	t.emptyTail = numFamilies - 1
	if numFamilies == 0 {
		t.emptyHead = InvalidLFID
		t.emptyTail = InvalidLFID
	}
	return t
}

// Get returns a pointer to the family at lfid for in-place mutation.
func (t *Table) Get(lfid uint32) *Family {
	return &t.families[lfid]
}

// Empty reports whether every slot is free.
func (t *Table) Empty() bool {
	return t.numUsed == 0
}

// Allocate pops one family off the free list, optionally binding gfid, and
// returns its LFID. Returns (InvalidLFID, false) if the table is exhausted.
func (t *Table) Allocate(gfid uint32) (uint32, bool) {
	if t.emptyHead == InvalidLFID {
		return InvalidLFID, false
	}
	lfid := t.emptyHead
	t.emptyHead = t.families[lfid].next
	if t.emptyHead == InvalidLFID {
		t.emptyTail = InvalidLFID
	}

	t.families[lfid] = Family{State: Allocated, GFID: gfid}
	t.numUsed++

	if gfid != InvalidGFID {
		t.globals[gfid] = GlobalEntry{LFID: lfid, Used: true}
	}
	return lfid, true
}

// Free returns lfid's slot to the free list, releasing any GFID still bound
// to it so a later Translate can't resolve to a recycled slot.
func (t *Table) Free(lfid uint32) {
	for i := range t.globals {
		if t.globals[i].Used && t.globals[i].LFID == lfid {
			t.globals[i] = GlobalEntry{}
		}
	}
	t.families[lfid].State = Empty
	t.families[lfid].next = InvalidLFID
	if t.emptyTail == InvalidLFID {
		t.emptyHead = lfid
	} else {
		t.families[t.emptyTail].next = lfid
	}
	t.emptyTail = lfid
	t.numUsed--
}

// AllocateGlobal reserves the next free GFID slot and binds it to lfid,
// establishing the local<->global mapping the Network uses for remote
// create broadcasts.
func (t *Table) AllocateGlobal(lfid uint32) (uint32, bool) {
	for i := range t.globals {
		if !t.globals[i].Used {
			t.globals[i] = GlobalEntry{LFID: lfid, Used: true}
			return uint32(i), true
		}
	}
	return InvalidGFID, false
}

// ReserveGlobal marks gfid used without yet binding an LFID (used while the
// create's Reservation message is still circling the ring).
func (t *Table) ReserveGlobal(gfid uint32) bool {
	if int(gfid) >= len(t.globals) || t.globals[gfid].Used {
		return false
	}
	t.globals[gfid] = GlobalEntry{LFID: InvalidLFID, Used: true}
	return true
}

// UnreserveGlobal releases a GFID reservation that a create abandoned.
func (t *Table) UnreserveGlobal(gfid uint32) bool {
	if int(gfid) >= len(t.globals) || !t.globals[gfid].Used {
		return false
	}
	t.globals[gfid] = GlobalEntry{}
	return true
}

// Translate maps a GFID to its locally-bound LFID.
func (t *Table) Translate(gfid uint32) uint32 {
	if int(gfid) >= len(t.globals) || !t.globals[gfid].Used {
		return InvalidLFID
	}
	return t.globals[gfid].LFID
}

// Package allocator implements the per-tile family/thread lifecycle manager
// described in the design doc sections 4.4 and 4.5: the create state machine that
// drives a family from a CREATE instruction through register-block
// allocation and thread population, plus thread activation/suspension/kill
// and the dependency accounting that decides when a family's slot can be
// recycled. Direct re-expression of MGSim's Allocator.{h,cpp}.
package allocator

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/cache"
	"github.com/sarchlab/ringcore/family"
	"github.com/sarchlab/ringcore/network"
	"github.com/sarchlab/ringcore/raunit"
	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/simerr"
	"github.com/sarchlab/ringcore/thread"
)

// CreateState is the phase a family occupies while it works its way from a
// queued CREATE to a fully populated, schedulable family (the design doc section
// 4.4).
type CreateState int

const (
	CreateStateNone CreateState = iota
	CreateLoadingLine
	CreateLineLoaded
	CreateGettingToken
	CreateHasToken
	CreateReservingFamily
	CreateBroadcasting
	CreateAllocatingRegisters
)

func (s CreateState) String() string {
	switch s {
	case CreateStateNone:
		return "NONE"
	case CreateLoadingLine:
		return "LOADING_LINE"
	case CreateLineLoaded:
		return "LINE_LOADED"
	case CreateGettingToken:
		return "GETTING_TOKEN"
	case CreateHasToken:
		return "HAS_TOKEN"
	case CreateReservingFamily:
		return "RESERVING_FAMILY"
	case CreateBroadcasting:
		return "BROADCASTING_CREATE"
	case CreateAllocatingRegisters:
		return "ALLOCATING_REGISTERS"
	default:
		return "UNKNOWN"
	}
}

// FamilyDependency names one of the five counters family.Dependencies holds,
// for the Increase/DecreaseFamilyDependency accounting API (the design doc section
// 4.5).
type FamilyDependency int

const (
	DepThreadCount FamilyDependency = iota
	DepOutstandingReads
	DepOutstandingShareds
	DepAllocationDone
	DepPrevTerminated
)

// ThreadDependency names one of the per-thread counters (the design doc section
// 4.5).
type ThreadDependency int

const (
	DepThreadPendingWrites ThreadDependency = iota
	DepThreadKilled
	DepThreadNextKilled
	DepThreadPrevCleanedUp
)

// globalSend is one global-register value awaiting its sweep around the
// ring behind a group create's broadcast.
type globalSend struct {
	gfid  uint32
	rt    register.Type
	index uint32
	value register.Value
}

// createRequest is one queued CREATE awaiting its turn on the allocator's
// create pipeline (the design doc: creates are processed one at a time per tile).
type createRequest struct {
	lfid    uint32
	pc      uint64
	isLocal bool // local (no token/broadcast needed) vs. group create
	remote  bool // received off the ring: GFID already bound, no token needed
}

// Allocator is the per-tile family/thread lifecycle manager.
type Allocator struct {
	sched *arbiter.Scheduler

	families *family.Table
	threads  *thread.Table
	ra       *raunit.Unit
	regfile  *register.File
	icache   *cache.ICache
	net      *network.Network

	tile     uint32
	numTiles uint32

	createQueue []createRequest
	current     *createRequest
	state       CreateState
	pendingCID  int

	// populateQueue holds the LFIDs of families still under thread
	// allocation (the design doc section 4.5's `m_allocating`): a family sits here
	// from the moment its register block is allocated until its index range
	// is exhausted or its physical block is full, and each Tick pops one
	// more thread slot for whichever family is at the front.
	populateQueue []uint32

	// globalQueue holds the global-register values a group-create origin
	// still has to stream behind its broadcast, drained one value per cycle
	// onto the ring's global channel.
	globalQueue []globalSend

	activeQueue  thread.Queue
	cleanupQueue thread.Queue

	// OnFamilyCompleted, if set, is invoked from killFamily's commit once a
	// family's slot is actually freed. sys.System uses it to stamp
	// first/last completion cycle stats; it is never consulted for control
	// flow.
	OnFamilyCompleted func(gfid uint32)
}

// Config bundles an Allocator's collaborators.
type Config struct {
	Families *family.Table
	Threads  *thread.Table
	RA       *raunit.Unit
	ICache   *cache.ICache
	Net      *network.Network
	Tile     uint32
	// NumTiles is the ring's total tile count, used only to compute the
	// group-family block-interleave jump (the design doc section 4.4). Zero and one
	// are both treated as "no other tiles to interleave with".
	NumTiles uint32
}

// New creates an Allocator for one tile. BindRegisterFile must be called
// before the allocator runs, to break the construction cycle between the
// allocator's stable identity (needed by register.New's port-priority
// wiring) and the register file it allocates blocks in.
func New(sched *arbiter.Scheduler, cfg Config) *Allocator {
	a := &Allocator{
		sched:        sched,
		families:     cfg.Families,
		threads:      cfg.Threads,
		ra:           cfg.RA,
		icache:       cfg.ICache,
		net:          cfg.Net,
		tile:         cfg.Tile,
		numTiles:     cfg.NumTiles,
		activeQueue:  thread.NewQueue(),
		cleanupQueue: thread.NewQueue(),
		pendingCID:   -1,
	}
	if cfg.Net != nil {
		cfg.Net.OnReservationComplete = a.onReservationComplete
		cfg.Net.OnFamilyCreateReceived = a.onFamilyCreateReceived
		cfg.Net.OnTokenReceived = a.onTokenReceived
		cfg.Net.OnCreateReturned = a.onCreateReturned
		cfg.Net.OnThreadCompletion = a.onRemoteThreadCompletion
		cfg.Net.OnThreadCleanup = a.onRemoteThreadCleanup
		cfg.Net.OnFamilyCompletion = a.onRemoteFamilyCompletion
	}
	return a
}

// BindRegisterFile wires the register file this allocator clears newly
// allocated blocks in, and registers itself as the file's reactivation
// callback for threads parked WAITING on a register.
func (a *Allocator) BindRegisterFile(regs *register.File) {
	a.regfile = regs
	regs.Reactivate = a.ActivateThread
}

// Name identifies the Allocator as an arbiter.Component for register-port
// priority.
func (a *Allocator) Name() string { return "allocator" }

// --- Family allocation ----------------------------------------------------

// AllocateFamily reserves a family slot for a CREATE at pc. For a local
// create (isLocal) the slot is usable immediately; a group create still
// needs QueueCreate to drive it through the token/broadcast sequence before
// threads can be populated.
func (a *Allocator) AllocateFamily(pc uint64, isLocal bool) (lfid uint32, ok bool) {
	lfid, ok = a.families.Allocate(family.InvalidGFID)
	if !ok {
		return family.InvalidLFID, false
	}
	f := a.families.Get(lfid)
	f.PC = pc
	f.Legacy = false
	// A locally-created family has no predecessor block on another tile, so
	// its prev-terminated gate starts satisfied (the design doc section 3:
	// "prevTerminated, always true if local"). A remote participant's copy
	// instead waits for the previous tile's ThreadCompletion.
	f.Deps.PrevTerminated = true
	f.Parent.ExitCodeReg = register.Addr{Index: register.Invalid}
	f.Parent.ExitValueReg = register.Addr{Index: register.Invalid}
	return lfid, true
}

// QueueCreate enqueues lfid's CREATE for processing by the allocator's
// single-create-at-a-time pipeline (the design doc section 4.4).
func (a *Allocator) QueueCreate(lfid uint32, isLocal bool) {
	a.createQueue = append(a.createQueue, createRequest{lfid: lfid, isLocal: isLocal})
}

// SetFamilyParentExit records who created lfid and which of their registers
// should receive its exit code/value once it drains (the design doc section 3's
// parent identity, written at CREATE time since the issuing thread's own
// register window is only available to the Pipeline there).
func (a *Allocator) SetFamilyParentExit(lfid, parentTID uint32, codeReg, valueReg register.Addr) {
	f := a.families.Get(lfid)
	f.Parent.Tile = a.tile
	f.Parent.Thread = parentTID
	f.Parent.ExitCodeReg = codeReg
	f.Parent.ExitValueReg = valueReg
}

// SetFamilyExit stashes an EXIT instruction's value on its family, for
// killFamily to deliver once the family's dependencies drain.
func (a *Allocator) SetFamilyExit(lfid uint32, value uint64) {
	f := a.families.Get(lfid)
	arbiter.Commit(a.sched, func() {
		f.HasExited = true
		f.ExitCode = family.ExitNormal
		f.ExitValue = value
	})
}

// --- Thread activation / scheduling ---------------------------------------

// ActivateThread pushes tid onto the active-thread queue the pipeline's
// Fetch stage drains from. Used both for newly-created threads and for
// threads reactivated out of WAITING by a register write (the design doc section
// 4.2's Reactivate callback).
func (a *Allocator) ActivateThread(component arbiter.Component, tid uint32) bool {
	if tid == thread.InvalidTID {
		return true
	}
	t := a.threads.Get(tid)
	if t.State == thread.Killed {
		return true
	}
	arbiter.Commit(a.sched, func() {
		t.State = thread.Active
		a.activeQueue.Push(tid, a.threads.SetNextState)
	})
	return true
}

// RescheduleThread is an alias for ActivateThread used when a suspended
// thread's I-cache line finishes loading (the design doc section 4.6's resume
// path), kept distinct to mirror the original's naming.
func (a *Allocator) RescheduleThread(tid uint32) bool {
	return a.ActivateThread(a, tid)
}

// SuspendThread parks tid off the active queue, saving pc so the suspended
// instruction re-executes from its own address once the thread is
// reactivated (the design doc section 4.5's Suspend contract). It is the
// pipeline's responsibility to have recorded what the thread is waiting on
// (a register or an I-cache line) before calling this.
func (a *Allocator) SuspendThread(tid uint32, pc uint64) {
	t := a.threads.Get(tid)
	arbiter.Commit(a.sched, func() {
		t.State = thread.Suspended
		t.PC = pc
	})
}

// PopActiveThread removes and returns the head of the active queue for the
// pipeline's Fetch stage to issue.
func (a *Allocator) PopActiveThread() (uint32, bool) {
	return a.activeQueue.Pop(a.threads.NextState)
}

// KillThread marks tid KILLED and queues it onto the dedicated cleanup queue
// for the allocator's own Tick to drain one slot per cycle into either reuse
// or recycling (the design doc section 4.5's thread-termination and cleanup path).
// It deliberately does not touch numThreadsAllocated or the free list itself:
// per MGSim's Allocator.cpp allocateThread/DecreaseFamilyDependency
// split, that counter only ever changes at thread-*allocation* time (a reused
// slot is never newly counted) and at cleanup-drain time (an UNUSED slot is
// the only path that decreases it) — never at kill time.
func (a *Allocator) KillThread(tid uint32) error {
	t := a.threads.Get(tid)
	if t.State == thread.Killed {
		return nil
	}
	lfid := t.Family
	f := a.families.Get(lfid)

	arbiter.Commit(a.sched, func() {
		t.State = thread.Killed
		t.Deps.Killed = true
		a.cleanupQueue.Push(tid, a.threads.SetNextState)
	})

	// Notify the shared-register chain: the predecessor in the same block
	// learns its successor is gone, or — if this was the first thread this
	// tile ever held for the family — the origin tile is told over the ring
	// (the design doc section 4.5's Kill contract).
	if t.PrevInBlock != thread.InvalidTID {
		if f.HasDependency {
			_ = a.DecreaseThreadDependency(t.PrevInBlock, DepThreadNextKilled)
		}
	} else if a.net != nil && f.GFID != family.InvalidGFID && f.Parent.Tile != a.tile {
		a.net.SendThreadCompletion(f.GFID, f.Parent.Tile)
	}

	// The block's last thread finishing is what satisfies the successor
	// tile's prev-terminated gate for a group family.
	if t.IsLastInBlock && a.net != nil && f.GFID != family.InvalidGFID && a.numTiles > 1 {
		a.net.SendThreadCompletion(f.GFID, (a.tile+1)%a.numTiles)
	}

	if t.IsLastInFamily {
		a.DecreaseFamilyDependency(lfid, DepAllocationDone)
	}

	return nil
}

// killFamily frees lfid's family slot and register blocks once every
// drain condition holds (the design doc section 4.5), notifying a remote parent if
// one exists.
func (a *Allocator) killFamily(lfid uint32) error {
	f := a.families.Get(lfid)
	if f.State == family.Killed {
		return nil
	}
	if !f.Deps.CanFree() {
		return fmt.Errorf("allocator: kill family %d: %w", lfid, simerr.ErrPermission)
	}

	arbiter.Commit(a.sched, func() {
		f.State = family.Killed
	})

	indices := [2]uint32{f.Regs[register.Integer].Base, f.Regs[register.Float].Base}
	a.ra.Free(indices)

	if f.Parent.Tile == a.tile {
		a.writeFamilyExit(f, family.ExitNormal, f.ExitValue, f.HasExited)
	} else if a.net != nil {
		a.net.SendFamilyCompletion(f.GFID, f.Parent.Tile, family.ExitNormal, f.ExitValue, f.HasExited)
	}

	// The origin sweeps an unreservation once its family is done, releasing
	// the GFID on any tile that reserved it during the reservation sweep but
	// never bound a local family to it.
	if a.net != nil && f.GFID != family.InvalidGFID && a.numTiles > 1 && f.Parent.Tile == a.tile {
		a.net.SendFamilyUnreservation(f.GFID)
	}

	gfid := f.GFID
	a.families.Free(lfid)
	if a.OnFamilyCompleted != nil {
		a.OnFamilyCompleted(gfid)
	}
	return nil
}

// writeFamilyExit delivers a drained family's exit code, and optionally its
// exit value, to the named registers in the parent thread's own window
// (the design doc section 3's exit-code/exit-value target registers). Only the
// tile holding those registers ever calls this directly; other tiles reach
// it through onRemoteFamilyCompletion.
func (a *Allocator) writeFamilyExit(f *family.Family, exitCode, exitValue uint64, hasValue bool) {
	if a.regfile == nil || !f.Parent.ExitCodeReg.IsValid() {
		return
	}
	if hasValue && f.Parent.ExitValueReg.IsValid() {
		_, _ = a.regfile.Write(f.Parent.ExitValueReg, register.Value{State: register.Full, Data: exitValue}, a)
	}
	_, _ = a.regfile.Write(f.Parent.ExitCodeReg, register.Value{State: register.Full, Data: exitCode}, a)
}

// --- Dependency accounting --------------------------------------------------

// IncreaseFamilyDependency increments one of a family's five gating counters.
func (a *Allocator) IncreaseFamilyDependency(lfid uint32, dep FamilyDependency) {
	f := a.families.Get(lfid)
	arbiter.Commit(a.sched, func() {
		switch dep {
		case DepThreadCount:
			f.Deps.NumThreadsAllocated++
		case DepOutstandingReads:
			f.Deps.NumPendingReads++
		case DepOutstandingShareds:
			f.Deps.NumPendingShareds++
		}
	})
}

// DecreaseFamilyDependency decrements or sets one of a family's gating
// counters, and runs killFamily if the family has fully drained afterward.
func (a *Allocator) DecreaseFamilyDependency(lfid uint32, dep FamilyDependency) error {
	f := a.families.Get(lfid)
	arbiter.Commit(a.sched, func() {
		switch dep {
		case DepThreadCount:
			if f.Deps.NumThreadsAllocated > 0 {
				f.Deps.NumThreadsAllocated--
			}
		case DepOutstandingReads:
			if f.Deps.NumPendingReads > 0 {
				f.Deps.NumPendingReads--
			}
		case DepOutstandingShareds:
			if f.Deps.NumPendingShareds > 0 {
				f.Deps.NumPendingShareds--
			}
		case DepAllocationDone:
			f.Deps.AllocationDone = true
		case DepPrevTerminated:
			f.Deps.PrevTerminated = true
		}
	})
	if f.Deps.CanFree() {
		return a.killFamily(lfid)
	}
	return nil
}

// IncreaseThreadDependency increments one of a thread's gating counters.
func (a *Allocator) IncreaseThreadDependency(tid uint32, dep ThreadDependency) {
	t := a.threads.Get(tid)
	arbiter.Commit(a.sched, func() {
		if dep == DepThreadPendingWrites {
			t.Deps.NumPendingWrites++
		}
	})
}

// DecreaseThreadDependency decrements or sets one of a thread's gating
// counters, killing the thread once every thread-level condition clears.
func (a *Allocator) DecreaseThreadDependency(tid uint32, dep ThreadDependency) error {
	t := a.threads.Get(tid)
	arbiter.Commit(a.sched, func() {
		switch dep {
		case DepThreadPendingWrites:
			if t.Deps.NumPendingWrites > 0 {
				t.Deps.NumPendingWrites--
			}
		case DepThreadKilled:
			t.Deps.Killed = true
		case DepThreadNextKilled:
			t.Deps.NextKilled = true
		case DepThreadPrevCleanedUp:
			t.Deps.PrevCleanedUp = true
		}
	})
	if t.Deps.Killed && t.Deps.NumPendingWrites == 0 && t.State != thread.Killed &&
		t.State != thread.StateEmpty && t.State != thread.Unused {
		return a.KillThread(tid)
	}
	return nil
}

// --- Create state machine ---------------------------------------------------

// Idle reports whether the allocator has no create in flight and nothing
// queued; used for deadlock classification (the design doc section 8).
func (a *Allocator) Idle() bool {
	return a.current == nil && len(a.createQueue) == 0
}

// ActiveQueueLen reports how many threads are currently queued for
// dispatch, used by sys.System for the active-queue occupancy stats
// the design doc section 6 names.
func (a *Allocator) ActiveQueueLen() int {
	return a.activeQueue.Len()
}

// CreateState reports the create state machine's current state, used by
// sys.System to name the stuck state in a deadlock report.
func (a *Allocator) CreateState() CreateState {
	return a.state
}

// Tick advances the cleanup queue by (at most) one thread, the create state
// machine by (at most) one state transition, separately pumps the
// thread-population queue by (at most) one thread, and streams (at most) one
// queued global-register value onto the ring, mirroring the original's
// Allocator::onCycleWritePhase switch: cleanup (reallocation) takes
// precedence over initial allocation, which in turn runs alongside the
// create pipeline's own state transition. A cycle in which any of the four
// makes progress is reported as Success.
func (a *Allocator) Tick() arbiter.Result {
	results := [4]arbiter.Result{
		a.tickCleanup(),
		a.tickPopulate(),
		a.tickCreate(),
		a.tickGlobals(),
	}
	out := arbiter.Delayed
	for _, r := range results {
		switch r {
		case arbiter.Success:
			return arbiter.Success
		case arbiter.Failed:
			out = arbiter.Failed
		}
	}
	return out
}

// tickGlobals drains one queued global-register value per cycle onto the
// ring behind an in-flight group create's broadcast (the design doc section 4.4's
// create sequence step: "the originator streams each global register's
// value behind it").
func (a *Allocator) tickGlobals() arbiter.Result {
	if len(a.globalQueue) == 0 || a.net == nil {
		return arbiter.Delayed
	}
	g := a.globalQueue[0]
	a.globalQueue = a.globalQueue[1:]
	a.net.SendGlobal(g.gfid, g.rt, g.index, g.value)
	return arbiter.Success
}

// tickCleanup drains one thread off the cleanup queue per cycle (the design doc
// section 4.5: "a dedicated cleanup queue holds killed threads awaiting
// recycling. On each cycle, one thread is drained"). If the thread's family
// still has indices left to allocate, the slot is reused in place (state →
// WAITING, handed back to thread population without ever touching the free
// list); otherwise the slot is marked UNUSED, returned to the free list, and
// the family's thread count is decreased — the one path that can trigger
// killFamily once every other drain condition already holds.
func (a *Allocator) tickCleanup() arbiter.Result {
	tid, ok := a.cleanupQueue.Pop(a.threads.NextState)
	if !ok {
		return arbiter.Delayed
	}

	t := a.threads.Get(tid)
	lfid := t.Family
	f := a.families.Get(lfid)

	if f.State == family.Killed || f.Deps.AllocationDone {
		// The first thread of a group family's block tells the previous
		// tile, once recycled, that its successor block has drained a slot
		// (MGSim's cross-tile ThreadCleanup notification).
		if a.net != nil && f.GFID != family.InvalidGFID && a.numTiles > 1 &&
			t.PrevInBlock == thread.InvalidTID {
			prevTile := (a.tile + a.numTiles - 1) % a.numTiles
			a.net.SendThreadCleanup(f.GFID, prevTile)
		}
		arbiter.Commit(a.sched, func() {
			t.State = thread.Unused
		})
		a.threads.PushEmptyOne(tid)
		_ = a.DecreaseFamilyDependency(lfid, DepThreadCount)
		return arbiter.Success
	}

	arbiter.Commit(a.sched, func() {
		t.State = thread.Waiting
	})
	if !a.populateThreadSlot(lfid, tid, false) {
		return arbiter.Failed
	}
	return arbiter.Success
}

// tickPopulate pops one empty thread slot for the family at the front of
// populateQueue, if any family is still under allocation (the design doc section
// 4.5: "after physBlockSize threads are live, allocation pauses until a
// cleanup frees a slot").
func (a *Allocator) tickPopulate() arbiter.Result {
	for len(a.populateQueue) > 0 {
		lfid := a.populateQueue[0]
		f := a.families.Get(lfid)
		if f.State == family.Killed || f.Deps.AllocationDone {
			a.populateQueue = a.populateQueue[1:]
			continue
		}
		if f.Deps.NumThreadsAllocated >= f.PhysBlockSize {
			// Physical block full; wait for a cleanup to free a slot.
			return arbiter.Delayed
		}
		if !a.populateOneThread(lfid) {
			return arbiter.Delayed
		}
		if a.families.Get(lfid).Deps.AllocationDone {
			a.populateQueue = a.populateQueue[1:]
		}
		return arbiter.Success
	}
	return arbiter.Delayed
}

// tickCreate advances the create state machine by (at most) one state
// transition per cycle, mirroring the original's Allocator::onCyclePipeline
// switch over CreateState.
func (a *Allocator) tickCreate() arbiter.Result {
	if a.current == nil {
		if len(a.createQueue) == 0 {
			return arbiter.Delayed
		}
		req := a.createQueue[0]
		a.createQueue = a.createQueue[1:]
		a.current = &req
		a.state = CreateLoadingLine
		return arbiter.Success
	}

	f := a.families.Get(a.current.lfid)

	switch a.state {
	case CreateLoadingLine:
		cid, result := a.icache.Fetch(a, f.PC, thread.InvalidTID, func(uint32, uint32) {})
		switch result {
		case cache.FetchHit:
			a.pendingCID = cid
			a.state = CreateLineLoaded
		case cache.FetchQueued:
			a.icache.SetCreationWaiting(cid, true)
			a.pendingCID = cid
			return arbiter.Delayed
		case cache.FetchFailed:
			return arbiter.Failed
		}
		return arbiter.Success

	case CreateLineLoaded:
		a.loadRegisterCounts(f)
		if a.current.isLocal || a.current.remote {
			// A local create never leaves the tile; a remote one already has
			// its GFID bound by the origin's broadcast. Neither touches the
			// token.
			a.state = CreateAllocatingRegisters
			return arbiter.Success
		}
		a.state = CreateGettingToken
		if a.net != nil {
			a.net.RequestToken()
		}
		return arbiter.Success

	case CreateGettingToken:
		if a.net != nil && a.net.HasToken() {
			a.state = CreateHasToken
			return arbiter.Success
		}
		return arbiter.Delayed

	case CreateHasToken:
		gfid, ok := a.families.AllocateGlobal(a.current.lfid)
		if !ok {
			return arbiter.Failed
		}
		f.GFID = gfid
		a.state = CreateReservingFamily
		if a.net != nil {
			a.net.SendFamilyReservation(gfid)
		}
		return arbiter.Success

	case CreateReservingFamily:
		// Waits for the Network's reservation sweep to call
		// onReservationComplete, which advances the state itself.
		return arbiter.Delayed

	case CreateBroadcasting:
		// Waits for the Network to report the broadcast has returned to
		// origin (onCreateReturned), which advances the state itself.
		return arbiter.Delayed

	case CreateAllocatingRegisters:
		if !a.allocateRegistersAndThreads(a.current.lfid) {
			return arbiter.Failed
		}
		if a.net != nil {
			a.net.ReleaseToken()
		}
		a.current = nil
		a.state = CreateStateNone
		return arbiter.Success
	}

	return arbiter.Delayed
}

func (a *Allocator) onReservationComplete(gfid uint32) {
	if a.current == nil || a.state != CreateReservingFamily {
		return
	}
	f := a.families.Get(a.current.lfid)
	f.GFID = gfid
	a.state = CreateBroadcasting
	if a.net != nil {
		msg := network.CreateMessage{
			GFID:          gfid,
			Infinite:      f.Infinite,
			Start:         f.Start,
			Step:          f.Step,
			LastThread:    f.LastThread,
			VirtBlockSize: f.VirtBlockSize,
			PhysBlockSize: f.PhysBlockSize,
			Address:       f.PC,
			ParentTile:    a.tile,
			ParentThread:  f.Parent.Thread,
		}
		a.net.SendFamilyCreate(a.current.lfid, msg)
	}
}

// onCreateReturned fires when the Network reports that this tile's own
// broadcast has travelled the full ring and returned to its origin. It
// advances the origin's own create past CreateBroadcasting so the local
// family that started the group create allocates its own registers and
// threads instead of waiting forever for a transition nothing else drives.
func (a *Allocator) onCreateReturned(lfid uint32) {
	if a.current == nil || a.current.lfid != lfid || a.state != CreateBroadcasting {
		return
	}
	a.state = CreateAllocatingRegisters
}

// onFamilyCreateReceived implements a remote tile's side of a group create:
// allocate a local family slot for the incoming GFID and begin register
// allocation locally too.
func (a *Allocator) onFamilyCreateReceived(msg network.CreateMessage) uint32 {
	lfid, ok := a.families.Allocate(msg.GFID)
	if !ok {
		return family.InvalidLFID
	}
	f := a.families.Get(lfid)
	f.Infinite = msg.Infinite
	f.Start = msg.Start
	f.Step = msg.Step
	f.LastThread = msg.LastThread
	f.VirtBlockSize = msg.VirtBlockSize
	f.PhysBlockSize = msg.PhysBlockSize
	f.PC = msg.Address
	f.Parent = family.Parent{
		Tile:         msg.ParentTile,
		Thread:       msg.ParentThread,
		ExitCodeReg:  register.Addr{Index: register.Invalid},
		ExitValueReg: register.Addr{Index: register.Invalid},
	}
	// This tile's slice of the index space starts one logical block further
	// along per hop away from the origin; the interleave jump in thread
	// population keeps the stripes disjoint from there on.
	if a.numTiles > 1 {
		offset := (a.tile + a.numTiles - msg.ParentTile) % a.numTiles
		f.Index = uint64(offset) * f.VirtBlockSize
	}

	a.createQueue = append(a.createQueue, createRequest{lfid: lfid, isLocal: false, remote: true})
	// Remote families skip straight to register allocation once the local
	// create entry is queued: they never hold the token themselves.
	return lfid
}

func (a *Allocator) onTokenReceived() {
	if a.current != nil && a.state == CreateGettingToken {
		// Tick() will observe HasToken() on its next call.
	}
}

func (a *Allocator) onRemoteThreadCompletion(gfid uint32) {
	lfid := a.families.Translate(gfid)
	if lfid == family.InvalidLFID {
		return
	}
	_ = a.DecreaseFamilyDependency(lfid, DepPrevTerminated)
}

// onRemoteThreadCleanup is the producer side's view of the next tile's first
// thread slot being recycled: the last thread of this tile's block learns its
// consumer is gone and may itself finish cleaning up.
func (a *Allocator) onRemoteThreadCleanup(gfid uint32) {
	lfid := a.families.Translate(gfid)
	if lfid == family.InvalidLFID {
		return
	}
	f := a.families.Get(lfid)
	if f.LastThreadInBlock == thread.InvalidTID {
		return
	}
	_ = a.DecreaseThreadDependency(f.LastThreadInBlock, DepThreadPrevCleanedUp)
}

// onRemoteFamilyCompletion is the parent tile's side of a remote block's
// killFamily: a participating tile's own sub-family has drained, and has
// forwarded whatever exit code/value one of its threads produced. The
// sub-family's own PrevTerminated chaining is handled by
// onRemoteThreadCompletion as each of its threads finishes; this callback's
// only job is delivering the exit data to the family that actually holds
// the parent's named registers.
func (a *Allocator) onRemoteFamilyCompletion(gfid uint32, exitCode, exitValue uint64, hasExit bool) {
	lfid := a.families.Translate(gfid)
	if lfid == family.InvalidLFID {
		return
	}
	a.writeFamilyExit(a.families.Get(lfid), exitCode, exitValue, hasExit)
}

// allocateRegistersAndThreads carries out the design doc section 4.5's
// register-block allocation and initial thread population for a family
// whose create entry has reached the front of the pipeline. Per the design doc
// section 4.4's ALLOCATING_REGISTERS description, the RA Unit is asked for
// a block at a falling physBlockSize until one request succeeds.
func (a *Allocator) allocateRegistersAndThreads(lfid uint32) bool {
	f := a.families.Get(lfid)

	block := f.PhysBlockSize
	if block == 0 || uint64(block) > f.VirtBlockSize {
		switch {
		case f.VirtBlockSize == 0:
			block = 1
		case f.VirtBlockSize > uint64(a.threads.NumThreads()):
			block = a.threads.NumThreads()
		default:
			block = uint32(f.VirtBlockSize)
		}
	}
	if block == 0 {
		block = 1
	}

	// Each type's block holds the family's globals, one extra shareds-wide
	// region serving as the first thread's dependent source (seeded by the
	// parent for a local family, fed by the previous tile's last thread over
	// the ring for a group family), then block repetitions of shareds+locals.
	var indices [2]uint32
	var sizes [2]uint32
	ok := false
	for block > 0 {
		sizes = [2]uint32{
			f.Regs[register.Integer].Globals + (block+1)*f.Regs[register.Integer].Shareds + block*f.Regs[register.Integer].Locals,
			f.Regs[register.Float].Globals + (block+1)*f.Regs[register.Float].Shareds + block*f.Regs[register.Float].Locals,
		}
		indices, ok = a.ra.Alloc(sizes, lfid)
		if ok {
			break
		}
		block--
	}
	if !ok {
		return false
	}

	arbiter.Commit(a.sched, func() {
		f.PhysBlockSize = block
		f.Regs[register.Integer].Base = indices[register.Integer]
		f.Regs[register.Integer].Size = sizes[register.Integer]
		f.Regs[register.Float].Base = indices[register.Float]
		f.Regs[register.Float].Size = sizes[register.Float]
		f.State = family.Active
		f.MembersHead = thread.InvalidTID
		f.MembersTail = thread.InvalidTID
		f.FirstThreadInBlock = thread.InvalidTID
		f.LastThreadInBlock = thread.InvalidTID
	})

	for _, t := range []register.Type{register.Integer, register.Float} {
		if sizes[t] == 0 {
			continue
		}
		if err := a.regfile.Clear(register.Addr{Type: t, Index: indices[t]}, sizes[t], register.Value{State: register.Empty}); err != nil {
			return false
		}
		// The dependent region starts PENDING with no named producer: the
		// parent (local family) or the ring (group family) completes it, and
		// a consumer reading it first parks WAITING until then.
		if s := f.Regs[t].Shareds; s > 0 {
			dep := register.Addr{Type: t, Index: indices[t] + f.Regs[t].Globals}
			if err := a.regfile.Clear(dep, s, register.Value{State: register.Pending}); err != nil {
				return false
			}
		}
	}

	// A group-create origin streams whatever global values its parent seeded
	// behind the broadcast, one per cycle (tickGlobals); globals produced
	// later reach the ring through the pipeline's writeback forwarding.
	if a.net != nil && a.current != nil && !a.current.isLocal && !a.current.remote &&
		f.GFID != family.InvalidGFID {
		for _, rt := range []register.Type{register.Integer, register.Float} {
			for g := uint32(0); g < f.Regs[rt].Globals; g++ {
				v, err := a.regfile.Read(register.Addr{Type: rt, Index: f.Regs[rt].Base + g})
				if err != nil || v.State != register.Full {
					continue
				}
				a.globalQueue = append(a.globalQueue, globalSend{gfid: f.GFID, rt: rt, index: g, value: v})
			}
		}
	}

	if !f.Infinite && f.Index > f.LastThread {
		// A group family sliced across more tiles than it has blocks: no
		// index lands here. The registers just allocated flow back through
		// killFamily once the predecessor tile's completion arrives.
		_ = a.DecreaseFamilyDependency(lfid, DepAllocationDone)
		return true
	}

	if !a.populateOneThread(lfid) {
		return false
	}
	if !f.Deps.AllocationDone {
		a.populateQueue = append(a.populateQueue, lfid)
	}
	return true
}

// populateOneThread pops one empty thread slot and initializes it as the
// next member of lfid's family; see populateThreadSlot.
func (a *Allocator) populateOneThread(lfid uint32) bool {
	tid, ok := a.threads.PopEmpty()
	if !ok {
		return false
	}
	return a.populateThreadSlot(lfid, tid, true)
}

// populateThreadSlot initializes tid (freshly popped, or handed back by
// tickCleanup for in-place reuse) as the next member of lfid's family
// (the design doc section 4.5's "Thread allocation"): base register indices at
// familyRegBase+globals+shareds+numThreadsAllocated×(shareds+locals) for a
// fresh slot (a reused slot keeps the stripe it already owns), the thread's shared
// registers cleared to PENDING, predecessor/successor links within the
// block, the loop induction variable in local register L0, per-thread
// dependency seeding, and the family's index advance (including the group
// block-interleave jump once a logical block is exhausted). isNewlyAllocated
// distinguishes a genuinely new slot from a cleanup-driven reuse: per
// MGSim's Allocator.cpp allocateThread, NumThreadsAllocated is
// only incremented for the former — a reused slot was never freed from the
// family's point of view, so it must not be counted twice.
func (a *Allocator) populateThreadSlot(lfid uint32, tid uint32, isNewlyAllocated bool) bool {
	f := a.families.Get(lfid)
	t := a.threads.Get(tid)

	ordinal := f.Deps.NumThreadsAllocated
	intShareds, intLocals := f.Regs[register.Integer].Shareds, f.Regs[register.Integer].Locals
	fltShareds, fltLocals := f.Regs[register.Float].Shareds, f.Regs[register.Float].Locals

	// A fresh slot claims the next shareds+locals stripe past the globals and
	// the dependent region; a reused slot keeps the stripe it already owns
	// (its registers were never returned to the RA Unit).
	intBase, fltBase := t.Regs[register.Integer].Base, t.Regs[register.Float].Base
	if isNewlyAllocated {
		intBase = f.Regs[register.Integer].Base + f.Regs[register.Integer].Globals + intShareds + ordinal*(intShareds+intLocals)
		fltBase = f.Regs[register.Float].Base + f.Regs[register.Float].Globals + fltShareds + ordinal*(fltShareds+fltLocals)
	}

	// Shareds start PENDING; any component performing this thread's own
	// writeback may complete them (the design doc: "producer = writeback"), so no
	// specific component owns the claim.
	if intShareds > 0 {
		if err := a.regfile.Clear(register.Addr{Type: register.Integer, Index: intBase}, intShareds, register.Value{State: register.Pending}); err != nil {
			return false
		}
	}
	if fltShareds > 0 {
		if err := a.regfile.Clear(register.Addr{Type: register.Float, Index: fltBase}, fltShareds, register.Value{State: register.Pending}); err != nil {
			return false
		}
	}

	index := f.Index
	isLastInFamily := !f.Infinite && index == f.LastThread
	isLastInBlock := ordinal+1 == f.PhysBlockSize
	if !isNewlyAllocated {
		isLastInBlock = t.IsLastInBlock
	}

	arbiter.Commit(a.sched, func() {
		if !isNewlyAllocated {
			// Unlink the slot's dead incarnation from the member list before
			// re-appending it as the family's newest thread.
			if t.NextInBlock != thread.InvalidTID {
				a.threads.Get(t.NextInBlock).PrevInBlock = t.PrevInBlock
			}
			if t.PrevInBlock != thread.InvalidTID {
				a.threads.Get(t.PrevInBlock).NextInBlock = t.NextInBlock
			}
			if f.MembersHead == tid {
				f.MembersHead = t.NextInBlock
			}
			if f.MembersTail == tid {
				f.MembersTail = t.PrevInBlock
			}
		}

		t.Family = lfid
		t.PC = f.PC
		t.Index = index
		t.IsFirstInFamily = f.MembersHead == thread.InvalidTID
		t.IsLastInFamily = isLastInFamily
		t.IsLastInBlock = isLastInBlock
		t.Regs[register.Integer].Base = intBase
		t.Regs[register.Float].Base = fltBase
		t.Deps = thread.Dependencies{}

		t.PrevInBlock = thread.InvalidTID
		t.NextInBlock = thread.InvalidTID
		if f.MembersTail != thread.InvalidTID {
			prev := a.threads.Get(f.MembersTail)
			prev.NextInBlock = tid
			t.PrevInBlock = f.MembersTail
		} else {
			f.MembersHead = tid
		}
		f.MembersTail = tid

		f.LastAllocated = tid
		if ordinal == 0 {
			f.FirstThreadInBlock = tid
		}
		if isLastInBlock {
			f.LastThreadInBlock = tid
		}

		if isNewlyAllocated {
			f.Deps.NumThreadsAllocated++
		}

		nextIndex := index + 1
		if !f.Legacy && f.GFID != family.InvalidGFID && a.numTiles > 1 &&
			f.VirtBlockSize > 0 && nextIndex%f.VirtBlockSize == 0 {
			// Group-family block interleave: once a logical block's worth of
			// indices has been consumed, skip ahead so each tile claims a
			// disjoint stripe of the index space (the design doc section 4.4).
			nextIndex += (uint64(a.numTiles) - 1) * f.VirtBlockSize
		}
		f.Index = nextIndex
		f.Deps.AllocationDone = !f.Infinite && f.Index > f.LastThread
	})

	if intLocals > 0 {
		l0 := register.Addr{Type: register.Integer, Index: intBase + intShareds}
		if _, err := a.regfile.Write(l0, register.Value{State: register.Full, Data: uint64(f.Start + int64(index)*f.Step)}, a); err != nil {
			return false
		}
	}

	return a.ActivateThread(a, tid)
}

// registerCounts unpacks the design doc section 4.4's packed-register-counts word:
// 5 bits each for globals/shareds/locals, integer fields then float fields.
func registerCounts(word uint32) (intG, intS, intL, fltG, fltS, fltL uint32) {
	const mask = 0x1F
	intG = word & mask
	intS = (word >> 5) & mask
	intL = (word >> 10) & mask
	fltG = (word >> 15) & mask
	fltS = (word >> 20) & mask
	fltL = (word >> 25) & mask
	return
}

// loadRegisterCounts parses the packed register-count word carried in the
// reserved trailer of the family's first instruction record (see
// cmd/ringcore's decodeFunc layout comment for the record format) and stores
// the globals/shareds/locals counts on the family descriptor, as the design doc
// section 4.4's LINE_LOADED state describes. A cache miss on this read
// leaves the family's counts at their zero value rather than retrying: the
// line is already known resident by the time LINE_LOADED is reached.
func (a *Allocator) loadRegisterCounts(f *family.Family) {
	const recordSize = 32
	raw := a.icache.Read(a.pendingCID, f.PC, recordSize)
	if len(raw) < recordSize {
		return
	}
	word := binary.LittleEndian.Uint32(raw[recordSize-4 : recordSize])
	intG, intS, intL, fltG, fltS, fltL := registerCounts(word)
	arbiter.Commit(a.sched, func() {
		f.Regs[register.Integer].Globals = intG
		f.Regs[register.Integer].Shareds = intS
		f.Regs[register.Integer].Locals = intL
		f.Regs[register.Float].Globals = fltG
		f.Regs[register.Float].Shareds = fltS
		f.Regs[register.Float].Locals = fltL
		f.HasDependency = intS+fltS > 0
	})
}

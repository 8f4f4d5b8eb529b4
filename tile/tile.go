// Package tile wires one processor tile's components together: register
// file, RA Unit, family/thread tables, I/D caches, FPU, allocator, pipeline,
// and ring network endpoint, all sharing one arbiter.Scheduler. Grounded on
// the design doc section 2's tile diagram and the Processor class in
// MGSim's Processor.h, re-expressed as a single constructor that takes the
// simulation config and wires the components together.
package tile

import (
	"github.com/sarchlab/ringcore/allocator"
	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/cache"
	"github.com/sarchlab/ringcore/config"
	"github.com/sarchlab/ringcore/family"
	"github.com/sarchlab/ringcore/fpu"
	"github.com/sarchlab/ringcore/isa"
	"github.com/sarchlab/ringcore/memory"
	"github.com/sarchlab/ringcore/network"
	"github.com/sarchlab/ringcore/pipeline"
	"github.com/sarchlab/ringcore/raunit"
	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/thread"
)

// Tile is one processor core plus its ring endpoint.
type Tile struct {
	ID uint32

	Sched *arbiter.Scheduler

	Regs      *register.File
	RA        *raunit.Unit
	Families  *family.Table
	Threads   *thread.Table
	ICache    *cache.ICache
	DCache    *cache.DCache
	FPU       *fpu.FPU
	Allocator *allocator.Allocator
	Pipeline  *pipeline.Pipeline
	Network   *network.Network

	backend memory.Backend
}

// New builds one tile from cfg, with backend as its shared memory system
// collaborator and decode as the program's instruction-fetch function
// (the design doc section 1 keeps actual opcode decode a narrow external
// collaborator; see the isa package).
//
// Construction proceeds in two phases to break the cycle between
// register.New (which needs the stable arbiter.Component identity of the
// pipeline, FPU, D-cache, network, and allocator up front to assign
// dedicated-port ownership) and those same five components (each of which
// needs the constructed *register.File to operate). Every component that
// register.New takes is allocated first with its collaborators left unbound,
// then regs is built from their now-stable pointers, then each component's
// Bind/BindRegisterFile method wires regs back in.
func New(id uint32, cfg *config.SimConfig, backend memory.Backend, decode func(pc uint64) (isa.Instruction, bool)) *Tile {
	sched := arbiter.NewScheduler()

	families := family.NewTable(uint32(cfg.NumFamilies), uint32(cfg.NumGlobalFamilies))
	threads := thread.NewTable(uint32(cfg.NumThreads))

	ra, err := raunit.New(
		[2]uint32{uint32(cfg.NumIntRegisters), uint32(cfg.NumFltRegisters)},
		[2]uint32{uint32(cfg.IntRegistersBlockSize), uint32(cfg.FltRegistersBlockSize)},
	)
	if err != nil {
		panic(err)
	}

	net := network.New(sched, id)

	icache := cache.NewICache(sched, cache.Config{
		Associativity: int(cfg.ICacheAssociativity),
		Sets:          int(cfg.ICacheNumSets),
		LineSize:      int(cfg.CacheLineSize),
	}, backend)

	dcache := cache.NewDCache(sched, cache.Config{
		Associativity: int(cfg.DCacheAssociativity),
		Sets:          int(cfg.DCacheNumSets),
		LineSize:      int(cfg.CacheLineSize),
	}, backend)

	fpuUnit := fpu.New(sched, fpu.Config{
		AddLatency:  uint64(cfg.FPUAddLatency),
		SubLatency:  uint64(cfg.FPUSubLatency),
		MulLatency:  uint64(cfg.FPUMulLatency),
		DivLatency:  uint64(cfg.FPUDivLatency),
		SqrtLatency: uint64(cfg.FPUSqrtLatency),
	})

	alloc := allocator.New(sched, allocator.Config{
		Families: families,
		Threads:  threads,
		RA:       ra,
		ICache:   icache,
		Net:      net,
		Tile:     id,
		NumTiles: uint32(cfg.NumProcessors),
	})

	pl := pipeline.New(sched, pipeline.Config{
		ControlBlockSize: uint32(cfg.ControlBlockSize),
		InstructionSize:  uint32(cfg.InstructionSize),
	})

	// Every component register.New needs a stable identity for now exists;
	// build the register file and wire it back into each of them.
	regs := register.New(sched, uint32(cfg.NumIntRegisters), uint32(cfg.NumFltRegisters),
		pl, fpuUnit, dcache, net, alloc)

	// Cross-tile shared-register plumbing: a value pushed (or requested) over
	// the ring lands in the local family's dependent region, where the first
	// thread of this tile's block reads it; a request for a shared this tile
	// produced is answered out of the block's last thread's own shared slot.
	net.OnSharedReceived = func(info network.SharedInfo) {
		lfid := families.Translate(info.GFID)
		if lfid == family.InvalidLFID {
			return
		}
		f := families.Get(lfid)
		if f.State != family.Active {
			return
		}
		fr := f.Regs[info.Addr.Type]
		if info.Addr.Index >= fr.Shareds {
			return
		}
		dst := register.Addr{Type: info.Addr.Type, Index: fr.Base + fr.Globals + info.Addr.Index}
		_, _ = regs.Write(dst, register.Value{State: register.Full, Data: info.Value.Data}, net)
		if info.Parent {
			_ = alloc.DecreaseFamilyDependency(lfid, allocator.DepOutstandingShareds)
		}
	}
	// A streamed global lands in the local family's global region; sweeps
	// that pass through reserve (or release) the GFID in the local family
	// table so every tile's global table tracks the ring-wide reservation.
	net.OnGlobalReceived = func(gfid uint32, rt register.Type, index uint32, v register.Value) {
		lfid := families.Translate(gfid)
		if lfid == family.InvalidLFID {
			return
		}
		f := families.Get(lfid)
		if f.State != family.Active || index >= f.Regs[rt].Globals {
			return
		}
		dst := register.Addr{Type: rt, Index: f.Regs[rt].Base + index}
		_, _ = regs.Write(dst, register.Value{State: register.Full, Data: v.Data}, net)
	}
	net.OnReservationPassing = func(gfid uint32) {
		families.ReserveGlobal(gfid)
	}
	net.OnUnreservationPassing = func(gfid uint32) {
		// Release only a bare reservation; a GFID bound to a live local
		// family is cleared by that family's own slot free.
		if families.Translate(gfid) == family.InvalidLFID {
			families.UnreserveGlobal(gfid)
		}
	}

	net.OnSharedRequested = func(info network.SharedInfo) (register.Value, bool) {
		lfid := families.Translate(info.GFID)
		if lfid == family.InvalidLFID {
			return register.Value{}, false
		}
		f := families.Get(lfid)
		if f.State != family.Active || f.LastThreadInBlock == thread.InvalidTID {
			return register.Value{}, false
		}
		tr := threads.Get(f.LastThreadInBlock).Regs[info.Addr.Type]
		if info.Addr.Index >= f.Regs[info.Addr.Type].Shareds {
			return register.Value{}, false
		}
		v, err := regs.Read(register.Addr{Type: info.Addr.Type, Index: tr.Base + info.Addr.Index})
		if err != nil || v.State != register.Full {
			return register.Value{}, false
		}
		return v, true
	}

	fpuUnit.BindRegisterFile(regs)
	alloc.BindRegisterFile(regs)
	pl.Bind(pipeline.Collaborators{
		Regs:     regs,
		Net:      net,
		Alloc:    alloc,
		Families: families,
		Threads:  threads,
		ICache:   icache,
		DCache:   dcache,
		FPU:      fpuUnit,
		Decode:   decode,
	})

	return &Tile{
		ID:        id,
		Sched:     sched,
		Regs:      regs,
		RA:        ra,
		Families:  families,
		Threads:   threads,
		ICache:    icache,
		DCache:    dcache,
		FPU:       fpuUnit,
		Allocator: alloc,
		Pipeline:  pl,
		Network:   net,
		backend:   backend,
	}
}

// Tick advances the tile's memory completions, ring endpoint, allocator,
// FPU, and pipeline by one cycle each, returning every component's Result so
// the caller can classify the cycle (the design doc section 4.1/8).
//
// Each component runs under its own Scheduler.RunPhase pass: the Pipeline
// drives all three sub-phases itself, while the other components' bodies are
// not idempotent across repeated same-cycle invocation (the Network's
// callbacks and the Allocator's state machine each advance on every call),
// so phase runs them exactly once, in the commit sub-phase of a full
// acquire/check/commit pass. Their ports still see a live per-cycle
// reset/resolve sequence, and commit-gated effects land every cycle —
// including cycle 0, when no earlier pass has left the scheduler in commit.
func (t *Tile) Tick(now uint64) []arbiter.Result {
	t.ICache.SetNow(now)
	t.DCache.SetNow(now)

	t.phase(func() arbiter.Result {
		for _, req := range t.backend.Tick(now) {
			if tid, ok := t.DCache.CompleteWrite(req); ok {
				if tid != thread.InvalidTID {
					_ = t.Allocator.DecreaseThreadDependency(tid, allocator.DepThreadPendingWrites)
				}
				continue
			}
			if cid, ok := t.ICache.Complete(req); ok {
				t.serviceICacheLine(cid)
			}
			if cid, ok := t.DCache.Complete(req); ok {
				t.serviceDCacheLine(cid)
			}
		}
		return arbiter.Delayed
	})

	return []arbiter.Result{
		t.phase(t.Network.Tick),
		t.phase(t.Allocator.Tick),
		t.phase(func() arbiter.Result { return t.FPU.Tick(now) }),
		t.Pipeline.Tick(now),
	}
}

// phase runs fn once, in the commit sub-phase of a full acquire/check/commit
// pass on the tile's scheduler.
func (t *Tile) phase(fn func() arbiter.Result) arbiter.Result {
	r := arbiter.Delayed
	t.Sched.RunPhase(func(sub arbiter.SubPhase) {
		if sub == arbiter.CommitSub {
			r = fn()
		}
	})
	return r
}

// serviceICacheLine wakes every thread queued on a newly-loaded I-cache
// line and marks the line VALID, mirroring MGSim's ICache.cpp's
// LINE_PROCESSING -> LINE_VALID transition plus its per-line waiter-queue
// drain. The allocator's create-line load polls the line's state on its own
// next tick rather than needing an explicit wake; threads parked by the
// pipeline's Fetch stage re-enter the active queue here.
func (t *Tile) serviceICacheLine(cid int) {
	tids := t.ICache.DrainWaiters(cid, t.Threads.NextState)
	for _, tid := range tids {
		// A queued thread that has since parked on a register (its fetch ran
		// ahead of the operand miss within one cycle) wakes through the
		// register write instead.
		if t.Threads.Get(tid).State == thread.Waiting {
			t.Allocator.RescheduleThread(tid)
		}
	}
	t.ICache.SetCreationWaiting(cid, false)
	t.ICache.MarkValid(cid)
}

// serviceDCacheLine completes every register parked PENDING/WAITING on a
// newly-loaded D-cache line (the design doc section 3's per-cache-line waiter
// chain): each waiting register's MemoryRequest tag names the byte offset
// and sub-word size to pull out of the line, and register.File.Write's own
// WAITING->FULL path reactivates any thread that had already suspended on
// it (the design doc section 4.2). Grounded on MGSim's DCache.cpp's
// OnCompletion, which walks the same chain to satisfy every load that
// missed on one line.
func (t *Tile) serviceDCacheLine(cid int) {
	data := t.DCache.Data(cid)
	addrs := t.DCache.DrainWaiters(cid, func(addr register.Addr) (register.Addr, bool) {
		v, err := t.Regs.Read(addr)
		if err != nil || !v.Memory.HasNext {
			return register.Addr{}, false
		}
		return v.Memory.NextAddr, true
	})
	for _, addr := range addrs {
		v, err := t.Regs.Read(addr)
		if err != nil {
			continue
		}
		size := int(v.Memory.Size)
		offset := int(v.Memory.Offset)
		if offset < 0 || size <= 0 || offset+size > len(data) {
			continue
		}
		fid := v.Memory.Family
		_, _ = t.Regs.Write(addr, register.Value{State: register.Full, Data: tileBytesToUint64(data[offset : offset+size])}, t.DCache)
		_ = t.Allocator.DecreaseFamilyDependency(fid, allocator.DepOutstandingReads)
	}
	t.DCache.MarkValid(cid)
}

func tileBytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

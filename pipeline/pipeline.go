package pipeline

import (
	"github.com/sarchlab/ringcore/allocator"
	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/cache"
	"github.com/sarchlab/ringcore/family"
	"github.com/sarchlab/ringcore/fpu"
	"github.com/sarchlab/ringcore/isa"
	"github.com/sarchlab/ringcore/network"
	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/thread"
)

// Config bundles one tile's control-word geometry.
type Config struct {
	ControlBlockSize uint32
	InstructionSize  uint32
}

// Pipeline is one tile's instruction pipeline.
type Pipeline struct {
	sched *arbiter.Scheduler

	regs     *register.File
	net      *network.Network
	alloc    *allocator.Allocator
	families *family.Table
	threads  *thread.Table
	icache   *cache.ICache
	dcache   *cache.DCache
	fpu      *fpu.FPU

	cfg Config

	fd FetchDecodeLatch
	dr DecodeReadLatch
	re ReadExecuteLatch
	em ExecuteMemoryLatch
	mw MemoryWritebackLatch

	// boundTID tracks the thread currently occupying Fetch; a real stage
	// would also track a lookahead buffer of fetched instructions, but one
	// fetched instruction per cycle is all the design doc requires.
	boundTID uint32
	fetchFn  func(pc uint64) (isa.Instruction, bool)

	flopCount  uint64
	opCount    uint64
	idleCycles uint64
}

// Collaborators bundles a Pipeline's dependencies.
type Collaborators struct {
	Regs     *register.File
	Net      *network.Network
	Alloc    *allocator.Allocator
	Families *family.Table
	Threads  *thread.Table
	ICache   *cache.ICache
	DCache   *cache.DCache
	FPU      *fpu.FPU
	// Decode resolves a fetched I-cache line into one instruction at pc; a
	// real ISA decoder is out of scope (see the isa package), so this is
	// supplied by the program loader/tile wiring.
	Decode func(pc uint64) (isa.Instruction, bool)
}

// New creates a Pipeline with a stable identity but no wired collaborators.
// Bind must be called once every collaborator (most importantly the
// register file, which itself needs the Pipeline's identity to assign
// dedicated-port ownership) exists.
func New(sched *arbiter.Scheduler, cfg Config) *Pipeline {
	if cfg.InstructionSize == 0 {
		cfg.InstructionSize = 4
	}
	return &Pipeline{
		sched:    sched,
		cfg:      cfg,
		boundTID: thread.InvalidTID,
	}
}

// Bind wires every collaborator the Pipeline drives per cycle.
func (p *Pipeline) Bind(c Collaborators) {
	p.regs = c.Regs
	p.net = c.Net
	p.alloc = c.Alloc
	p.families = c.Families
	p.threads = c.Threads
	p.icache = c.ICache
	p.dcache = c.DCache
	p.fpu = c.FPU
	p.fetchFn = c.Decode
}

// Name identifies the Pipeline as an arbiter.Component for register-port
// ownership (the pipeline holds the dedicated ports).
func (p *Pipeline) Name() string { return "pipeline" }

// Stats reports cumulative instruction/floating-point-op retirement counts
// and the number of cycles the pipeline had nothing at all in flight.
type Stats struct {
	Instructions uint64
	FloatOps     uint64
	IdleCycles   uint64
}

func (p *Pipeline) Stats() Stats {
	return Stats{Instructions: p.opCount, FloatOps: p.flopCount, IdleCycles: p.idleCycles}
}

// Tick runs one full read-phase/write-phase cycle of the pipeline (the design doc
// section 4.6). The read-phase pass computes each stage's action from the
// latch state at the start of the cycle; the write-phase pass then advances
// the stages back-to-front, so each stage consumes its input latch before
// the stage upstream of it refills that latch in the same cycle.
func (p *Pipeline) Tick(now uint64) arbiter.Result {
	var d [6]Action

	p.sched.RunPhase(func(sub arbiter.SubPhase) {
		switch sub {
		case arbiter.Acquire:
			d[5] = p.readWriteback()
			d[4] = p.readMemory()
			d[3] = p.readExecute()
			d[2] = p.readRead()
			d[1] = p.readDecode()
			d[0] = p.readFetch()
		case arbiter.Check:
			// Actions were latched during acquire; nothing to recheck since
			// the pipeline owns its dedicated register ports outright.
		case arbiter.CommitSub:
			p.writeWriteback(d[5])
			p.writeMemory(d[4])
			p.writeExecute(d[3])
			p.writeRead(d[2])
			p.writeDecode(d[1])
			p.writeFetch(d[0])
		}
	})

	for _, a := range d {
		if a == Continue {
			return arbiter.Success
		}
	}
	p.idleCycles++
	return arbiter.Delayed
}

// --- Fetch -----------------------------------------------------------------

// fetchPC computes the address the Fetch stage actually reads an
// instruction from for thread t: the control word interleaved every
// ControlBlockSize bytes is invisible to non-legacy families, so a PC that
// lands exactly on one is advanced past it first (MGSim's
// FetchStage.cpp read(): "if (!family.legacy && pc % m_controlBlockSize
// == 0) pc += sizeof(Instruction)").
func (p *Pipeline) fetchPC(t *thread.Thread, f *family.Family) uint64 {
	pc := t.PC
	if !f.Legacy && p.cfg.ControlBlockSize > 0 && pc%uint64(p.cfg.ControlBlockSize) == 0 {
		pc += uint64(p.cfg.InstructionSize)
	}
	return pc
}

func (p *Pipeline) readFetch() Action {
	if p.boundTID == thread.InvalidTID {
		tid, ok := p.alloc.PopActiveThread()
		if !ok {
			return Idle
		}
		p.boundTID = tid
		p.threads.Get(tid).State = thread.Running
	}
	t := p.threads.Get(p.boundTID)
	f := p.families.Get(t.Family)
	if p.fetchFn == nil {
		return Idle
	}
	pc := p.fetchPC(t, f)

	// The instruction window must be resident before anything decodes: the
	// I-cache models the fetch timing, and a miss parks the thread on the
	// loading line (the design doc section 5's fetch suspension boundary);
	// the line completion reschedules it through the Allocator.
	if p.icache != nil {
		cid, result := p.icache.Fetch(p, pc, p.boundTID, p.threads.SetNextState)
		switch result {
		case cache.FetchQueued:
			t.State = thread.Waiting
			p.boundTID = thread.InvalidTID
			return Idle
		case cache.FetchFailed:
			return Stall
		}
		t.CID = uint32(cid)
	}

	if _, ok := p.fetchFn(pc); !ok {
		return Stall
	}
	return Continue
}

func (p *Pipeline) writeFetch(a Action) {
	if a != Continue || p.boundTID == thread.InvalidTID {
		return
	}
	t := p.threads.Get(p.boundTID)
	f := p.families.Get(t.Family)
	pc := p.fetchPC(t, f)
	instr, ok := p.fetchFn(pc)
	if !ok {
		return
	}
	tid := p.boundTID

	arbiter.Commit(p.sched, func() {
		p.fd = FetchDecodeLatch{
			common: common{valid: true, TID: tid, PC: pc, FID: t.Family,
				Swch: instr.EndsQuantum, Kill: instr.IsLastInThread,
				IsFirstInFamily: t.IsFirstInFamily, IsLastInFamily: t.IsLastInFamily},
			Instr:         instr,
			FamilyRegs:    f.Regs,
			ThreadRegs:    t.Regs,
			IsLastInBlock: t.IsLastInBlock,
		}
		t.PC = pc + uint64(p.cfg.InstructionSize)
		if instr.IsLastInThread {
			p.boundTID = thread.InvalidTID
		}
	})

	// An end-of-quantum instruction returns the thread to the back of the
	// active queue: its remaining instructions wait their next turn while
	// another thread takes over Fetch.
	if instr.EndsQuantum && !instr.IsLastInThread {
		arbiter.Commit(p.sched, func() { p.boundTID = thread.InvalidTID })
		p.alloc.ActivateThread(p, tid)
	}
}

// --- Decode ------------------------------------------------------------

// resolveRegister translates a windowed architectural register number into
// a full register-file address using the family's globals/shareds/locals
// partition (the design doc section 4.6's Decode contract). The four regions are
// laid out contiguously within the window: globals, then this thread's own
// shareds, then locals, then a fourth dependent range the same width as
// shareds. A window number in the dependent range names the predecessor
// thread's instance of the same shared register — or, for the first thread
// of a block, the family's dependent region, seeded by the parent (local
// family) or fed by the previous tile over the ring (group family).
func resolveRegister(win uint32, t register.Type, fr family.RegInfo, tr, pred thread.RegInfo) (register.Addr, bool) {
	if win == register.Invalid {
		return register.Addr{Type: t, Index: register.Invalid}, true
	}
	switch {
	case win < fr.Globals:
		return register.Addr{Type: t, Index: fr.Base + win}, true
	case win < fr.Globals+fr.Shareds:
		return register.Addr{Type: t, Index: tr.Base + (win - fr.Globals)}, true
	case win < fr.Globals+fr.Shareds+fr.Locals:
		local := win - fr.Globals - fr.Shareds
		return register.Addr{Type: t, Index: tr.Base + fr.Shareds + local}, true
	default:
		depIdx := win - fr.Globals - fr.Shareds - fr.Locals
		if depIdx >= fr.Shareds {
			return register.Addr{}, false
		}
		return register.Addr{Type: t, Index: pred.Base + depIdx}, true
	}
}

func (p *Pipeline) readDecode() Action {
	if p.fd.Empty() {
		return Idle
	}
	return Continue
}

func (p *Pipeline) writeDecode(a Action) {
	if a != Continue || p.fd.Empty() {
		return
	}
	in := p.fd
	instr := in.Instr

	rtype := register.Integer
	if instr.Format == isa.FormatFPU {
		rtype = register.Float
	}

	// The dependent window resolves to the predecessor thread's shareds, or
	// to the family's dependent region when this thread opens the block.
	pred := thread.RegInfo{Base: in.FamilyRegs[rtype].Base + in.FamilyRegs[rtype].Globals}
	if prevTID := p.threads.Get(in.TID).PrevInBlock; prevTID != thread.InvalidTID {
		pred = p.threads.Get(prevTID).Regs[rtype]
	}

	ra, raOK := resolveRegister(instr.Ra.Index, rtype, in.FamilyRegs[rtype], in.ThreadRegs[rtype], pred)
	rb, rbOK := resolveRegister(instr.Rb.Index, rtype, in.FamilyRegs[rtype], in.ThreadRegs[rtype], pred)
	rc, rcOK := resolveRegister(instr.Rc.Index, rtype, in.FamilyRegs[rtype], in.ThreadRegs[rtype], pred)
	if !raOK || !rbOK || !rcOK {
		// A window number past every region is a malformed operand; the
		// instruction parks here rather than resolving to a wrong address.
		return
	}

	arbiter.Commit(p.sched, func() {
		p.dr = DecodeReadLatch{
			common: in.common,
			Instr:  instr,
			Ra:     ra,
			Rb:     rb,
			Rc:     rc,
		}
		p.fd.Clear()
	})
}

// --- Read --------------------------------------------------------------

func (p *Pipeline) readRead() Action {
	if p.dr.Empty() {
		return Idle
	}
	return Continue
}

// bypass checks the forwarding sources newest-to-oldest (the design doc:
// "resolve value by checking bypasses from newer-to-older stages"). The
// Writeback output needs no explicit path: Writeback commits ahead of Read
// within the cycle, so its value is already visible in the register file.
func (p *Pipeline) bypass(addr register.Addr) (uint64, bool) {
	// A memory operation's value isn't known until the Memory stage has run,
	// and an FPU result arrives asynchronously; neither may forward from the
	// Execute output.
	if p.em.valid && p.em.Rc == addr && p.em.Rc.IsValid() && !p.em.Suspend && p.em.MemSize == 0 {
		return p.em.Rcv, true
	}
	if p.mw.valid && p.mw.Rc == addr && p.mw.Rc.IsValid() && !p.mw.Suspend {
		return p.mw.Rcv, true
	}
	return 0, false
}

func (p *Pipeline) readOperand(addr register.Addr) (uint64, bool, error) {
	if !addr.IsValid() {
		return 0, true, nil
	}
	if v, ok := p.bypass(addr); ok {
		return v, true, nil
	}
	cell, err := p.regs.Read(addr)
	if err != nil {
		return 0, false, err
	}
	if cell.State != register.Full {
		return 0, false, nil
	}
	return cell.Data, true, nil
}

func (p *Pipeline) writeRead(a Action) {
	if a != Continue || p.dr.Empty() {
		return
	}
	in := p.dr

	av, aok, aerr := p.readOperand(in.Ra)
	bv, bok, berr := p.readOperand(in.Rb)

	if aerr != nil || berr != nil {
		return
	}

	if !aok || !bok {
		// Park this thread: write WAITING into whichever operand is not
		// ready, suspend the thread at this instruction's own pc, and flush
		// the wrong-path fetch behind it.
		stall := in.Ra
		if aok {
			stall = in.Rb
		}
		_, _ = p.regs.Write(stall, register.Value{State: register.Waiting, Waiter: in.TID}, p)
		p.alloc.SuspendThread(in.TID, in.PC)
		arbiter.Commit(p.sched, func() {
			p.dr.Clear()
			if p.fd.valid && p.fd.TID == in.TID {
				p.fd.Clear()
			}
			if p.boundTID == in.TID {
				p.boundTID = thread.InvalidTID
			}
		})
		return
	}

	arbiter.Commit(p.sched, func() {
		p.re = ReadExecuteLatch{common: in.common, Instr: in.Instr, Rb: in.Rb, Rc: in.Rc, Rav: av, Rbv: bv}
		p.dr.Clear()
	})
}

// --- Execute -------------------------------------------------------------

func (p *Pipeline) readExecute() Action {
	if p.re.Empty() {
		return Idle
	}
	return Continue
}

func (p *Pipeline) writeExecute(a Action) {
	if a != Continue || p.re.Empty() {
		return
	}
	in := p.re
	instr := in.Instr

	out := ExecuteMemoryLatch{common: in.common, Rc: in.Rc}

	switch instr.Format {
	case isa.FormatFPU:
		if !p.fpu.QueueOperation(instr.FPOp, in.Rav, in.Rbv, in.Rc) {
			return // FPU back-pressure: retry this instruction next cycle.
		}
		// The FPU completes the write asynchronously; claim the target now so
		// a consumer that races ahead parks on it instead of reading stale
		// data.
		_, _ = p.regs.Write(in.Rc, register.Value{State: register.Pending, Producer: p.fpu}, p)
		p.flopCount++
		out.Suspend = true
	case isa.FormatLoad:
		out.MemAddr = in.Rav + uint64(instr.Imm)
		out.MemSize = int(instr.SubSize)
		// Claim the destination now, before the Memory stage knows hit from
		// miss: a consumer racing one slot behind must find the cell PENDING
		// (and park on it), never EMPTY. No producer is named — on a miss the
		// D-cache completion finishes the cell, on a hit Writeback does.
		_, _ = p.regs.Write(in.Rc, register.Value{State: register.Pending}, p)
	case isa.FormatStore:
		out.MemAddr = in.Rav + uint64(instr.Imm)
		out.MemSize = int(instr.SubSize)
		out.IsStore = true
		out.Rcv = in.Rbv
	case isa.FormatBranch:
		// Taken branches redirect the thread and flush the wrong-path
		// instructions fetched behind this one (the design doc section 4.6's
		// FLUSH semantics). The condition is Ra's value being non-zero.
		if in.Rav != 0 {
			t := p.threads.Get(in.TID)
			arbiter.Commit(p.sched, func() {
				t.PC = uint64(instr.Imm)
				if p.dr.valid && p.dr.TID == in.TID {
					p.dr.Clear()
				}
				if p.fd.valid && p.fd.TID == in.TID {
					p.fd.Clear()
				}
			})
		}
		out.Rc = register.Addr{Index: register.Invalid}
		p.opCount++
	case isa.FormatCreate:
		t := p.threads.Get(in.TID)
		if t.Deps.NumPendingWrites != 0 {
			return // write barrier not clear: retry this instruction next cycle.
		}
		lfid, ok := p.alloc.AllocateFamily(uint64(instr.Imm), true)
		if ok {
			p.alloc.SetFamilyParentExit(lfid, in.TID, in.Rc, in.Rb)
			p.alloc.QueueCreate(lfid, true)
		}
		out.Rc = register.Addr{Index: register.Invalid}
	case isa.FormatExit:
		out.IsExit = true
		out.Rcv = in.Rav
		out.Rc = register.Addr{Index: register.Invalid}
	default:
		out.Rcv = in.Rav + in.Rbv
		p.opCount++
	}

	arbiter.Commit(p.sched, func() {
		p.em = out
		p.re.Clear()
	})
}

// --- Memory --------------------------------------------------------------

func (p *Pipeline) readMemory() Action {
	if p.em.Empty() {
		return Idle
	}
	return Continue
}

func (p *Pipeline) writeMemory(a Action) {
	if a != Continue || p.em.Empty() {
		return
	}
	in := p.em

	out := MemoryWritebackLatch{common: in.common, Rc: in.Rc, Rcv: in.Rcv, Suspend: in.Suspend, IsExit: in.IsExit}

	if in.MemSize != 0 {
		if in.IsStore {
			_, result := p.dcache.Write(p, in.MemAddr, in.MemSize, in.Rcv, in.TID)
			if result == cache.ReadFailed {
				return
			}
			p.alloc.IncreaseThreadDependency(in.TID, allocator.DepThreadPendingWrites)
			out.Rc = register.Addr{Index: register.Invalid}
		} else {
			cid, data, result := p.dcache.Read(p, in.MemAddr, in.MemSize)
			switch result {
			case cache.ReadFailed:
				return
			case cache.ReadHit:
				out.Rcv = bytesToUint64(data)
			case cache.ReadQueued:
				// Link this register onto the line's waiter chain before
				// attaching its tag, so the chain's previous head (if any)
				// becomes this register's NextAddr (the design doc section 3's
				// "link to the next waiting register" — without this the
				// chain only ever remembers the most recent waiter). The cell
				// itself was claimed PENDING back at Execute; a consumer may
				// have parked on it since, so the tag is merged rather than
				// the cell overwritten.
				prevHead, hadPrev := p.dcache.LinkWaiter(cid, in.Rc)
				offset := uint32(in.MemAddr % uint64(p.dcache.LineSize()))
				_ = p.regs.AttachMemory(in.Rc, register.MemoryRequest{
					Family: in.FID, Offset: offset, Size: uint(in.MemSize),
					NextAddr: prevHead, HasNext: hadPrev,
				})
				p.alloc.IncreaseFamilyDependency(in.FID, allocator.DepOutstandingReads)
				out.Suspend = true
			}
		}
	}

	arbiter.Commit(p.sched, func() {
		p.mw = out
		p.em.Clear()
	})
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// --- Writeback -----------------------------------------------------------

func (p *Pipeline) writeWriteback(a Action) {
	if a != Continue || p.mw.Empty() {
		return
	}
	in := p.mw

	if !in.Suspend && in.IsExit {
		p.alloc.SetFamilyExit(in.FID, in.Rcv)
	} else if !in.Suspend && in.Rc.IsValid() {
		_, _ = p.regs.Write(in.Rc, register.Value{State: register.Full, Data: in.Rcv, Producer: p}, p)
		p.forwardShared(in)
		p.forwardGlobal(in)
	}

	if in.Kill {
		_ = p.alloc.KillThread(in.TID)
	}

	arbiter.Commit(p.sched, func() {
		p.mw.Clear()
	})
}

func (p *Pipeline) readWriteback() Action {
	if p.mw.Empty() {
		return Idle
	}
	return Continue
}

// forwardShared pushes a shared-register write produced by the last thread
// of a group family's block onto the ring, where the next tile's first
// thread consumes it as its dependent register (the design doc section
// 4.6's Writeback contract). Local families need no forwarding: their
// consumer reads the producer's register directly.
func (p *Pipeline) forwardShared(in MemoryWritebackLatch) {
	if p.net == nil {
		return
	}
	t := p.threads.Get(in.TID)
	if !t.IsLastInBlock {
		return
	}
	f := p.families.Get(in.FID)
	if f.GFID == family.InvalidGFID {
		return
	}
	tr := t.Regs[in.Rc.Type]
	fr := f.Regs[in.Rc.Type]
	if in.Rc.Index < tr.Base || in.Rc.Index >= tr.Base+fr.Shareds {
		return
	}
	p.net.PushShared(network.SharedInfo{
		GFID:  f.GFID,
		Addr:  register.Addr{Type: in.Rc.Type, Index: in.Rc.Index - tr.Base},
		Value: register.Value{State: register.Full, Data: in.Rcv},
	})
}

// forwardGlobal streams a write landing in a group family's global region to
// every other tile hosting the family (the design doc section 4.4's create
// sequence: the originator streams each global register's value behind the
// broadcast; a global produced after the broadcast follows the same sweep).
func (p *Pipeline) forwardGlobal(in MemoryWritebackLatch) {
	if p.net == nil {
		return
	}
	f := p.families.Get(in.FID)
	if f.GFID == family.InvalidGFID {
		return
	}
	fr := f.Regs[in.Rc.Type]
	if in.Rc.Index < fr.Base || in.Rc.Index >= fr.Base+fr.Globals {
		return
	}
	p.net.SendGlobal(f.GFID, in.Rc.Type, in.Rc.Index-fr.Base,
		register.Value{State: register.Full, Data: in.Rcv})
}

// Package fpu implements the multi-latency pipelined floating-point unit
// described in the design doc section 4.7: one in-order pipeline per latency class,
// asynchronous writeback into the register file. Direct re-expression of
// MGSim's FPU.cpp.
package fpu

import (
	"math"

	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/isa"
	"github.com/sarchlab/ringcore/register"
)

// Config holds the five latency knobs the design doc section 6 names.
type Config struct {
	AddLatency  uint64
	SubLatency  uint64
	MulLatency  uint64
	DivLatency  uint64
	SqrtLatency uint64
}

type result struct {
	addr       register.Addr
	value      uint64
	completion uint64
}

// FPU is one tile's floating-point unit.
type FPU struct {
	sched     *arbiter.Scheduler
	regs      *register.File
	cfg       Config
	pipelines map[uint64][]result // keyed by latency
	cycle     uint64
}

// New creates an FPU. BindRegisterFile must be called before Tick runs, to
// break the construction cycle between the FPU's stable identity (needed by
// register.New's port-priority wiring) and the register file it writes back
// to.
func New(sched *arbiter.Scheduler, cfg Config) *FPU {
	return &FPU{
		sched:     sched,
		cfg:       cfg,
		pipelines: make(map[uint64][]result),
	}
}

// BindRegisterFile wires the register file the FPU writes completions into.
func (f *FPU) BindRegisterFile(regs *register.File) {
	f.regs = regs
}

// Name identifies the FPU as an arbiter.Component for register-port priority
// and protocol-ownership checks.
func (f *FPU) Name() string { return "fpu" }

// Idle reports whether every pipeline is empty.
func (f *FPU) Idle() bool {
	return len(f.pipelines) == 0
}

func (f *FPU) latencyFor(op isa.FPOp) uint64 {
	switch op {
	case isa.FPAdd:
		return f.cfg.AddLatency
	case isa.FPSub:
		return f.cfg.SubLatency
	case isa.FPMul:
		return f.cfg.MulLatency
	case isa.FPDiv:
		return f.cfg.DivLatency
	case isa.FPSqrt:
		return f.cfg.SqrtLatency
	default:
		return f.cfg.AddLatency
	}
}

func compute(op isa.FPOp, a, b float64) float64 {
	switch op {
	case isa.FPAdd:
		return a + b
	case isa.FPSub:
		return a - b
	case isa.FPMul:
		return a * b
	case isa.FPDiv:
		return a / b
	case isa.FPSqrt:
		return math.Sqrt(b)
	default:
		return 0
	}
}

// QueueOperation appends a pending result to the pipeline selected by op's
// latency class. It fails (back-pressure) if that pipeline's head is already
// scheduled to complete on the very same cycle this operation would.
func (f *FPU) QueueOperation(op isa.FPOp, a, b uint64, rc register.Addr) bool {
	latency := f.latencyFor(op)
	value := compute(op, math.Float64frombits(a), math.Float64frombits(b))

	res := result{
		addr:       rc,
		value:      math.Float64bits(value),
		completion: f.cycle + latency,
	}

	q := f.pipelines[latency]
	if len(q) > 0 && q[0].completion == res.completion {
		return false
	}

	arbiter.Commit(f.sched, func() {
		f.pipelines[latency] = append(f.pipelines[latency], res)
	})
	return true
}

// onCompletion attempts to write a completed result back to the register
// file through the arbitrated async write port. It returns false ("too
// fast, wait") if the target cell isn't PENDING/WAITING yet, or if the
// write port is contended and lost.
func (f *FPU) onCompletion(res result) bool {
	// AcquireNow rather than TryAcquire: FPU.Tick's only production caller
	// is tile.Tile.Tick, which runs it once per cycle inside the commit
	// sub-phase of a Scheduler.RunPhase pass, so a plain TryAcquire's vote
	// would have no resolve() call left to be picked up by.
	if !f.regs.AsyncW.AcquireNow(f, res.addr) {
		return false
	}

	cur, err := f.regs.Read(res.addr)
	if err != nil {
		return false
	}
	if cur.State != register.Pending && cur.State != register.Waiting {
		return false
	}

	ok, err := f.regs.Write(res.addr, register.Value{State: register.Full, Data: res.value, Producer: f}, f)
	if err != nil || !ok {
		return false
	}
	return true
}

// Tick advances every pipeline by one cycle: the head of each is checked for
// completion, and at most one writeback is attempted per cycle (matching the
// original's one-result-per-cycle onCycleWritePhase). A stalled writeback
// pushes every entry in that pipeline back by one cycle, per the original's
// "too fast, wait" retry.
func (f *FPU) Tick(now uint64) arbiter.Result {
	f.cycle = now

	for latency, q := range f.pipelines {
		if len(q) == 0 {
			continue
		}
		head := q[0]
		if head.completion > now {
			continue
		}
		if !f.onCompletion(head) {
			arbiter.Commit(f.sched, func() {
				for i := range q {
					q[i].completion++
				}
			})
			return arbiter.Failed
		}

		arbiter.Commit(f.sched, func() {
			f.pipelines[latency] = q[1:]
			if len(f.pipelines[latency]) == 0 {
				delete(f.pipelines, latency)
			}
		})
		return arbiter.Success
	}

	if f.Idle() {
		return arbiter.Delayed
	}
	return arbiter.Success
}

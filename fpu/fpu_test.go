package fpu_test

import (
	"math"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/fpu"
	"github.com/sarchlab/ringcore/isa"
	"github.com/sarchlab/ringcore/register"
)

func TestFPU(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "FPU Suite")
}

type fakeComponent string

func (f fakeComponent) Name() string { return string(f) }

// tick drives one full cycle: calling fn once per sub-phase, mirroring how a
// component wired into a real RunPhase-driven cycle is expected to be
// invoked. The FPU's own Tick is written so that repeating the same call
// across all three sub-phases is safe (every mutation is arbiter.Commit- or
// phase-gated), so this is a faithful way to exercise it in isolation.
func tick(sched *arbiter.Scheduler, fn func() arbiter.Result) arbiter.Result {
	var last arbiter.Result
	sched.RunPhase(func(sub arbiter.SubPhase) {
		last = fn()
	})
	return last
}

var _ = Describe("FPU", func() {
	var (
		sched                          *arbiter.Scheduler
		regs                           *register.File
		f                               *fpu.FPU
		pipeline, dcache, network, alloc fakeComponent
		rc                              register.Addr
	)

	BeforeEach(func() {
		sched = arbiter.NewScheduler()
		pipeline, dcache, network, alloc = "pipeline", "dcache", "network", "allocator"
		f = fpu.New(sched, fpu.Config{AddLatency: 2, SubLatency: 2, MulLatency: 3, DivLatency: 5, SqrtLatency: 5})
		regs = register.New(sched, 8, 8, pipeline, f, dcache, network, alloc)
		f.BindRegisterFile(regs)

		rc = register.Addr{Type: register.Float, Index: 0}
		sched.RunPhase(func(sub arbiter.SubPhase) {
			if sub == arbiter.CommitSub {
				regs.Write(rc, register.Value{State: register.Pending, Producer: f}, f)
			}
		})
	})

	It("reports idle with no operations in flight", func() {
		Expect(f.Idle()).To(BeTrue())
	})

	It("computes the result and writes it back once the latency elapses", func() {
		a := math.Float64bits(3)
		b := math.Float64bits(4)
		ok := f.QueueOperation(isa.FPAdd, a, b, rc)
		Expect(ok).To(BeTrue())
		Expect(f.Idle()).To(BeFalse())

		// Latency is 2 cycles; nothing should complete before then.
		Expect(tick(sched, func() arbiter.Result { return f.Tick(0) })).To(Equal(arbiter.Success))
		Expect(tick(sched, func() arbiter.Result { return f.Tick(1) })).To(Equal(arbiter.Success))

		result := tick(sched, func() arbiter.Result { return f.Tick(2) })
		Expect(result).To(Equal(arbiter.Success))

		v, err := regs.Read(rc)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.State).To(Equal(register.Full))
		Expect(math.Float64frombits(v.Data)).To(Equal(7.0))
	})

	It("refuses to queue a second operation landing on the same completion cycle", func() {
		a := math.Float64bits(1)
		b := math.Float64bits(1)
		Expect(f.QueueOperation(isa.FPAdd, a, b, rc)).To(BeTrue())
		Expect(f.QueueOperation(isa.FPAdd, a, b, rc)).To(BeFalse())
	})

	It("retries a writeback ('too fast, wait') when the target isn't PENDING/WAITING yet", func() {
		other := register.Addr{Type: register.Float, Index: 1} // still EMPTY
		a := math.Float64bits(2)
		b := math.Float64bits(2)
		Expect(f.QueueOperation(isa.FPAdd, a, b, other)).To(BeTrue())

		tick(sched, func() arbiter.Result { return f.Tick(0) })
		result := tick(sched, func() arbiter.Result { return f.Tick(2) })
		Expect(result).To(Equal(arbiter.Failed))
		Expect(f.Idle()).To(BeFalse())
	})

	It("reports Delayed once every pipeline has drained", func() {
		a := math.Float64bits(1)
		b := math.Float64bits(1)
		f.QueueOperation(isa.FPAdd, a, b, rc)
		tick(sched, func() arbiter.Result { return f.Tick(0) })
		tick(sched, func() arbiter.Result { return f.Tick(2) })

		Expect(tick(sched, func() arbiter.Result { return f.Tick(5) })).To(Equal(arbiter.Delayed))
	})
})

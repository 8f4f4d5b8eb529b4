package register_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/register"
)

func TestRegister(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Register Suite")
}

type fakeComponent string

func (f fakeComponent) Name() string { return string(f) }

// commit runs fn exactly once, with sched in the commit sub-phase, mirroring
// how a single arbiter.Commit-gated call behaves when driven by a proper
// RunPhase cycle.
func commit(sched *arbiter.Scheduler, fn func()) {
	sched.RunPhase(func(sub arbiter.SubPhase) {
		if sub == arbiter.CommitSub {
			fn()
		}
	})
}

var _ = Describe("File", func() {
	var (
		sched                                    *arbiter.Scheduler
		regs                                      *register.File
		pipeline, fpu, dcache, network, allocator fakeComponent
	)

	BeforeEach(func() {
		sched = arbiter.NewScheduler()
		pipeline, fpu, dcache, network, allocator = "pipeline", "fpu", "dcache", "network", "allocator"
		regs = register.New(sched, 8, 8, pipeline, fpu, dcache, network, allocator)
	})

	It("starts every cell EMPTY", func() {
		v, err := regs.Read(register.Addr{Type: register.Integer, Index: 0})
		Expect(err).NotTo(HaveOccurred())
		Expect(v.State).To(Equal(register.Empty))
	})

	It("rejects writing EMPTY state directly", func() {
		var ok bool
		var err error
		commit(sched, func() {
			ok, err = regs.Write(register.Addr{Type: register.Integer, Index: 0},
				register.Value{State: register.Empty}, fpu)
		})
		Expect(ok).To(BeFalse())
		Expect(err).To(HaveOccurred())
	})

	It("goes EMPTY -> PENDING -> FULL for the declared producer", func() {
		addr := register.Addr{Type: register.Integer, Index: 1}

		var ok bool
		commit(sched, func() {
			ok, _ = regs.Write(addr, register.Value{State: register.Pending, Producer: fpu}, fpu)
		})
		Expect(ok).To(BeTrue())

		v, _ := regs.Read(addr)
		Expect(v.State).To(Equal(register.Pending))

		commit(sched, func() {
			ok, _ = regs.Write(addr, register.Value{State: register.Full, Data: 99}, fpu)
		})
		Expect(ok).To(BeTrue())

		v, _ = regs.Read(addr)
		Expect(v.State).To(Equal(register.Full))
		Expect(v.Data).To(Equal(uint64(99)))
	})

	It("refuses a FULL write to a PENDING cell from a non-owning component", func() {
		addr := register.Addr{Type: register.Integer, Index: 2}

		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Pending, Producer: fpu}, fpu)
		})

		var ok bool
		var err error
		commit(sched, func() {
			ok, err = regs.Write(addr, register.Value{State: register.Full, Data: 1}, dcache)
		})
		Expect(ok).To(BeFalse())
		Expect(err).To(HaveOccurred())
	})

	It("parks a reader as WAITING on a PENDING cell and reports a double waiter", func() {
		addr := register.Addr{Type: register.Integer, Index: 3}

		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Pending, Producer: fpu}, fpu)
		})

		var ok bool
		commit(sched, func() {
			ok, _ = regs.Write(addr, register.Value{State: register.Waiting, Waiter: 5}, pipeline)
		})
		Expect(ok).To(BeTrue())

		v, _ := regs.Read(addr)
		Expect(v.State).To(Equal(register.Waiting))
		Expect(v.Waiter).To(Equal(uint32(5)))

		var err error
		commit(sched, func() {
			ok, err = regs.Write(addr, register.Value{State: register.Waiting, Waiter: 6}, pipeline)
		})
		Expect(ok).To(BeFalse())
		Expect(err).To(HaveOccurred())
	})

	It("calls Reactivate when a FULL write lands on a WAITING cell", func() {
		addr := register.Addr{Type: register.Integer, Index: 4}
		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Pending, Producer: fpu}, fpu)
		})
		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Waiting, Waiter: 11}, pipeline)
		})

		var reactivated uint32
		regs.Reactivate = func(component arbiter.Component, tid uint32) bool {
			reactivated = tid
			return true
		}

		var ok bool
		commit(sched, func() {
			ok, _ = regs.Write(addr, register.Value{State: register.Full, Data: 77}, fpu)
		})
		Expect(ok).To(BeTrue())
		Expect(reactivated).To(Equal(uint32(11)))

		v, _ := regs.Read(addr)
		Expect(v.State).To(Equal(register.Full))
	})

	It("fails the write when Reactivate itself fails", func() {
		addr := register.Addr{Type: register.Integer, Index: 5}
		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Pending, Producer: fpu}, fpu)
		})
		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Waiting, Waiter: 1}, pipeline)
		})
		regs.Reactivate = func(component arbiter.Component, tid uint32) bool { return false }

		var ok bool
		var err error
		commit(sched, func() {
			ok, err = regs.Write(addr, register.Value{State: register.Full, Data: 1}, fpu)
		})
		Expect(ok).To(BeFalse())
		Expect(err).NotTo(HaveOccurred())

		v, _ := regs.Read(addr)
		Expect(v.State).To(Equal(register.Waiting), "a failed reactivate must not mutate the cell")
	})

	It("rewrites a race between WAITING and an already-FULL cell into a pass-through", func() {
		addr := register.Addr{Type: register.Integer, Index: 6}
		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Pending, Producer: fpu}, fpu)
		})
		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Full, Data: 55}, fpu)
		})

		var ok bool
		commit(sched, func() {
			ok, _ = regs.Write(addr, register.Value{State: register.Waiting, Waiter: 9}, pipeline)
		})
		Expect(ok).To(BeTrue())

		v, _ := regs.Read(addr)
		Expect(v.State).To(Equal(register.Full))
		Expect(v.Data).To(Equal(uint64(55)))
	})

	It("allows a fresh producer claim to overwrite an already-FULL cell", func() {
		addr := register.Addr{Type: register.Integer, Index: 7}
		commit(sched, func() {
			regs.Write(addr, register.Value{State: register.Full, Data: 1}, fpu)
		})

		var ok bool
		commit(sched, func() {
			ok, _ = regs.Write(addr, register.Value{State: register.Pending, Producer: dcache}, dcache)
		})
		Expect(ok).To(BeTrue())

		v, _ := regs.Read(addr)
		Expect(v.State).To(Equal(register.Pending))
	})

	It("clears a contiguous block to the given template", func() {
		var err error
		commit(sched, func() {
			err = regs.Clear(register.Addr{Type: register.Float, Index: 0}, 4,
				register.Value{State: register.Full, Data: 123})
		})
		Expect(err).NotTo(HaveOccurred())

		v, _ := regs.Read(register.Addr{Type: register.Float, Index: 2})
		Expect(v.State).To(Equal(register.Full))
		Expect(v.Data).To(Equal(uint64(123)))
	})

	It("rejects an out-of-range address", func() {
		_, err := regs.Read(register.Addr{Type: register.Integer, Index: 999})
		Expect(err).To(HaveOccurred())
	})
})

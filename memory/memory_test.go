package memory_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ringcore/memory"
)

func TestMemory(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory Suite")
}

var _ = Describe("BankedMemory", func() {
	var m *memory.BankedMemory

	BeforeEach(func() {
		m = memory.NewBankedMemory(2, 3, 1, 64, 4, 2)
	})

	It("completes a request baseRequestTime+timePerLine*lines cycles after submission", func() {
		ok := m.Submit(memory.Request{Addr: 0, Size: 64, Tag: 1}, 0)
		Expect(ok).To(BeTrue())

		for cycle := uint64(0); cycle < 4; cycle++ {
			Expect(m.Tick(cycle)).To(BeEmpty())
		}
		done := m.Tick(4)
		Expect(done).To(HaveLen(1))
		Expect(done[0].Tag).To(Equal(uint64(1)))
	})

	It("shares storage but not queues across SharedView instances", func() {
		view := m.SharedView()

		m.WriteAdmin(0x100, []byte{7})
		Expect(view.ReadAdmin(0x100, 1)).To(Equal([]byte{7}))

		// A request submitted to one view completes only on that view's own
		// Tick; the other view's queues never see it.
		Expect(view.Submit(memory.Request{Addr: 0, Size: 64, Tag: 9}, 0)).To(BeTrue())
		Expect(m.Tick(10)).To(BeEmpty())
		done := view.Tick(10)
		Expect(done).To(HaveLen(1))
		Expect(done[0].Tag).To(Equal(uint64(9)))
	})

	It("routes requests to banks by address and serves them independently", func() {
		m.Submit(memory.Request{Addr: 0, Size: 64, Tag: 1}, 0)
		m.Submit(memory.Request{Addr: 64, Size: 64, Tag: 2}, 0)

		done := m.Tick(4)
		Expect(done).To(HaveLen(2))
	})

	It("honors the buffer size and refuses submission once a bank's queue is full", func() {
		small := memory.NewBankedMemory(1, 1, 1, 64, 1, 1)
		Expect(small.Submit(memory.Request{Addr: 0, Size: 64}, 0)).To(BeTrue())
		Expect(small.Submit(memory.Request{Addr: 0, Size: 64}, 0)).To(BeFalse())
	})

	It("caps the number of completions dispatched per cycle at parallelRequests", func() {
		capped := memory.NewBankedMemory(4, 0, 0, 64, 4, 1)
		for i := 0; i < 4; i++ {
			capped.Submit(memory.Request{Addr: uint64(i) * 64, Size: 64, Tag: uint64(i)}, 0)
		}
		done := capped.Tick(0)
		Expect(done).To(HaveLen(1))
	})

	It("makes a write visible to a later read in the same cycle", func() {
		data := []byte{1, 2, 3, 4}
		m.Submit(memory.Request{Addr: 10, Size: 4, Write: true, Data: data}, 0)
		m.Submit(memory.Request{Addr: 10, Size: 4}, 0)

		// Both requests land in the same bank and its queue serves one
		// request per Tick call; the write drains first (FIFO), the read
		// the cycle after.
		done := m.Tick(4)
		done = append(done, m.Tick(5)...)

		var readReq *memory.Request
		for i := range done {
			if !done[i].Write {
				readReq = &done[i]
			}
		}
		Expect(readReq).NotTo(BeNil())
		Expect(readReq.Data).To(Equal(data))
	})

	It("reads zero-filled bytes from an address never written", func() {
		out := m.ReadAdmin(1000, 8)
		Expect(out).To(Equal(make([]byte, 8)))
	})

	It("makes an admin write immediately visible to ReadAdmin", func() {
		m.WriteAdmin(0, []byte{9, 8, 7})
		Expect(m.ReadAdmin(0, 3)).To(Equal([]byte{9, 8, 7}))
	})

	It("treats a zero bank count as one bank", func() {
		single := memory.NewBankedMemory(0, 0, 0, 64, 4, 1)
		Expect(single.Submit(memory.Request{Addr: 0, Size: 64}, 0)).To(BeTrue())
	})
})

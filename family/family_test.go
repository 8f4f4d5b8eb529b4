package family_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ringcore/family"
)

func TestFamily(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Family Suite")
}

var _ = Describe("Dependencies", func() {
	It("is not drained while threads are still allocated", func() {
		d := family.Dependencies{NumThreadsAllocated: 1, AllocationDone: true, PrevTerminated: true}
		Expect(d.Drained()).To(BeFalse())
	})

	It("is drained once threads, allocation, and the predecessor all clear", func() {
		d := family.Dependencies{AllocationDone: true, PrevTerminated: true}
		Expect(d.Drained()).To(BeTrue())
	})

	It("is only freeable once drained and with no outstanding reads or shareds", func() {
		d := family.Dependencies{AllocationDone: true, PrevTerminated: true, NumPendingReads: 1}
		Expect(d.Drained()).To(BeTrue())
		Expect(d.CanFree()).To(BeFalse())

		d.NumPendingReads = 0
		Expect(d.CanFree()).To(BeTrue())
	})
})

var _ = Describe("Table", func() {
	var t *family.Table

	BeforeEach(func() {
		t = family.NewTable(4, 4)
	})

	It("starts empty", func() {
		Expect(t.Empty()).To(BeTrue())
	})

	It("allocates families off the free list and tracks occupancy", func() {
		lfid, ok := t.Allocate(family.InvalidGFID)
		Expect(ok).To(BeTrue())
		Expect(t.Empty()).To(BeFalse())
		Expect(t.Get(lfid).State).To(Equal(family.Allocated))
	})

	It("fails once every slot is in use", func() {
		for i := 0; i < 4; i++ {
			_, ok := t.Allocate(family.InvalidGFID)
			Expect(ok).To(BeTrue())
		}
		_, ok := t.Allocate(family.InvalidGFID)
		Expect(ok).To(BeFalse())
	})

	It("returns a freed slot to circulation", func() {
		lfid, _ := t.Allocate(family.InvalidGFID)
		t.Free(lfid)
		Expect(t.Empty()).To(BeTrue())

		// The free list is FIFO: the freed slot comes back after the
		// three slots that were never used.
		for i := 0; i < 3; i++ {
			_, ok := t.Allocate(family.InvalidGFID)
			Expect(ok).To(BeTrue())
		}
		again, ok := t.Allocate(family.InvalidGFID)
		Expect(ok).To(BeTrue())
		Expect(again).To(Equal(lfid))
	})

	It("binds a GFID to its allocating LFID and translates it back", func() {
		ok := t.ReserveGlobal(0)
		Expect(ok).To(BeTrue())

		lfid, ok := t.Allocate(0)
		Expect(ok).To(BeTrue())
		Expect(t.Translate(0)).To(Equal(lfid))
	})

	It("refuses to reserve an already-reserved global", func() {
		ok := t.ReserveGlobal(1)
		Expect(ok).To(BeTrue())
		ok = t.ReserveGlobal(1)
		Expect(ok).To(BeFalse())
	})

	It("lets an unreservation free the global slot back up", func() {
		t.ReserveGlobal(2)
		ok := t.UnreserveGlobal(2)
		Expect(ok).To(BeTrue())
		ok = t.ReserveGlobal(2)
		Expect(ok).To(BeTrue())
	})

	It("reports InvalidLFID translating an unreserved global", func() {
		Expect(t.Translate(3)).To(Equal(family.InvalidLFID))
	})

	It("releases a family's GFID binding when its slot is freed", func() {
		lfid, ok := t.Allocate(0)
		Expect(ok).To(BeTrue())
		Expect(t.Translate(0)).To(Equal(lfid))

		t.Free(lfid)
		Expect(t.Translate(0)).To(Equal(family.InvalidLFID))
	})

	It("allocates the next free global via AllocateGlobal", func() {
		gfid, ok := t.AllocateGlobal(7)
		Expect(ok).To(BeTrue())
		Expect(t.Translate(gfid)).To(Equal(uint32(7)))
	})

	It("fails AllocateGlobal once every global slot is used", func() {
		for i := 0; i < 4; i++ {
			_, ok := t.AllocateGlobal(uint32(i))
			Expect(ok).To(BeTrue())
		}
		_, ok := t.AllocateGlobal(99)
		Expect(ok).To(BeFalse())
	})
})

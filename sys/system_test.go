package sys_test

import (
	"encoding/binary"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ringcore/config"
	"github.com/sarchlab/ringcore/family"
	"github.com/sarchlab/ringcore/isa"
	"github.com/sarchlab/ringcore/memory"
	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/sys"
	"github.com/sarchlab/ringcore/tile"
)

func TestSystem(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "System Suite")
}

// program is a map-based instruction store, standing in for a real decoder
// the way every tile.New caller supplies one (opcode decode is out of scope;
// see the isa package).
type program map[uint64]isa.Instruction

func (p program) decode(pc uint64) (isa.Instruction, bool) {
	i, ok := p[pc]
	return i, ok
}

// slot returns the address of the k-th executable instruction slot under the
// default geometry (64-byte control blocks, 32-byte records): a control word
// opens every block, so instructions land at 32, 96, 160, ...
func slot(k int) uint64 {
	return 32 + 64*uint64(k)
}

// countWord packs a family's register counts the way the create line's
// trailer carries them (5 bits per field).
func countWord(intG, intS, intL uint32) uint32 {
	return intG | intS<<5 | intL<<10
}

func win(n uint32) register.Addr {
	return register.Addr{Type: register.Integer, Index: n}
}

func noReg() register.Addr {
	return register.Addr{Type: register.Integer, Index: register.Invalid}
}

func alu(ra, rb, rc register.Addr) isa.Instruction {
	return isa.Instruction{Format: isa.FormatALU, Ra: ra, Rb: rb, Rc: rc}
}

func exitOp(ra register.Addr) isa.Instruction {
	return isa.Instruction{Format: isa.FormatExit, Ra: ra, Rb: noReg(), Rc: noReg(), IsLastInThread: true}
}

func loadOp(ra, rc register.Addr, imm int64, size uint) isa.Instruction {
	return isa.Instruction{Format: isa.FormatLoad, Ra: ra, Rb: noReg(), Rc: rc, Imm: imm, SubSize: size}
}

func storeOp(ra, rb register.Addr, imm int64, size uint) isa.Instruction {
	return isa.Instruction{Format: isa.FormatStore, Ra: ra, Rb: rb, Rc: noReg(), Imm: imm, SubSize: size}
}

// newRing builds a P-tile ring over one shared physical memory whose create
// line (at address 0) carries counts as its packed register-count trailer.
func newRing(cfg *config.SimConfig, counts uint32, prog program) (*memory.BankedMemory, *sys.System) {
	backend := memory.NewBankedMemory(
		int(cfg.MemoryBanks),
		uint64(cfg.MemoryBaseRequestTime),
		uint64(cfg.MemoryTimePerLine),
		uint64(cfg.MemorySizeOfLine),
		int(cfg.MemoryBufferSize),
		int(cfg.MemoryParallelRequests),
	)
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, counts)
	backend.WriteAdmin(28, raw)

	tiles := make([]*tile.Tile, cfg.NumProcessors)
	for i := range tiles {
		tiles[i] = tile.New(uint32(i), cfg, backend.SharedView(), prog.decode)
	}
	return backend, sys.New(tiles)
}

// boot stands in for the CLI's bootstrap: it shapes the root family on tile
// 0 and reserves the tile's top two integer registers as its exit sink.
func boot(t *tile.Tile, start, step int64, last, virt uint64, local bool) (lfid uint32, codeReg, valueReg register.Addr) {
	lfid, ok := t.Allocator.AllocateFamily(0, true)
	Expect(ok).To(BeTrue())

	n := t.Regs.Size(register.Integer)
	codeReg = register.Addr{Type: register.Integer, Index: n - 1}
	valueReg = register.Addr{Type: register.Integer, Index: n - 2}

	f := t.Families.Get(lfid)
	f.Start = start
	f.Step = step
	f.LastThread = last
	f.VirtBlockSize = virt
	f.Parent.Tile = t.ID
	f.Parent.Thread = 0
	f.Parent.ExitCodeReg = codeReg
	f.Parent.ExitValueReg = valueReg

	t.Allocator.QueueCreate(lfid, local)
	return lfid, codeReg, valueReg
}

func expectFull(t *tile.Tile, addr register.Addr, want uint64) {
	v, err := t.Regs.Read(addr)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	ExpectWithOffset(1, v.State).To(Equal(register.Full))
	ExpectWithOffset(1, v.Data).To(Equal(want))
}

var _ = Describe("System", func() {
	It("runs a single-thread local create to completion and delivers the exit value", func() {
		// One thread whose whole body is `exit L0`, with L0 seeded through
		// the family's start index.
		prog := program{
			slot(0): exitOp(win(0)), // window: L0
		}
		_, system := newRing(config.DefaultSimConfig(), countWord(0, 0, 1), prog)
		_, codeReg, valueReg := boot(system.Tiles[0], 42, 1, 0, 1, true)

		stats, deadlock, err := system.Run(10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(deadlock).To(BeNil())
		Expect(stats.Cycles).To(BeNumerically("<", 200))

		expectFull(system.Tiles[0], codeReg, family.ExitNormal)
		expectFull(system.Tiles[0], valueReg, 42)
		Expect(system.Tiles[0].Families.Empty()).To(BeTrue())
	})

	It("forwards results between back-to-back ALU instructions without suspending", func() {
		// A := L0 ; B := A + L0 ; C := B + L0 ; exit C, with L0 = 1.
		// Window: win0=L0, win1=A, win2=B, win3=C.
		prog := program{
			slot(0): alu(win(0), noReg(), win(1)),
			slot(1): alu(win(1), win(0), win(2)),
			slot(2): alu(win(2), win(0), win(3)),
			slot(3): exitOp(win(3)),
		}
		_, system := newRing(config.DefaultSimConfig(), countWord(0, 0, 4), prog)
		_, codeReg, valueReg := boot(system.Tiles[0], 1, 0, 0, 1, true)

		stats, deadlock, err := system.Run(10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(deadlock).To(BeNil())

		expectFull(system.Tiles[0], codeReg, family.ExitNormal)
		expectFull(system.Tiles[0], valueReg, 3)
		Expect(stats.Instructions).To(BeNumerically(">=", 3))
	})

	It("threads a shared-register chain through four dependent threads", func() {
		// Each thread computes S_out := S_in + 1 (L0 = 1) and exits with its
		// own S_out; the last exit leaves the chain's final value on the
		// family. Window: win0=own shared, win1=L0, win2=dependent.
		prog := program{
			slot(0): alu(win(2), win(1), win(0)),
			slot(1): exitOp(win(0)),
		}
		_, system := newRing(config.DefaultSimConfig(), countWord(0, 1, 1), prog)
		lfid, codeReg, valueReg := boot(system.Tiles[0], 1, 0, 3, 4, true)

		// Every thread parks on its predecessor's shared; the chain only
		// starts once the parent seeds the family's dependent region.
		_, deadlock, err := system.Run(300)
		Expect(err).NotTo(HaveOccurred())
		Expect(deadlock).To(BeNil())

		root := system.Tiles[0]
		f := root.Families.Get(lfid)
		Expect(f.State).To(Equal(family.Active))
		dep := register.Addr{Type: register.Integer, Index: f.Regs[register.Integer].Base + f.Regs[register.Integer].Globals}
		ok, err := root.Regs.Write(dep, register.Value{State: register.Full, Data: 10}, root.Allocator)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		_, deadlock, err = system.Run(10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(deadlock).To(BeNil())

		expectFull(root, codeReg, family.ExitNormal)
		expectFull(root, valueReg, 14)
		Expect(root.Families.Empty()).To(BeTrue())
	})

	It("suspends a load-use pair on a D-cache miss and resumes it exactly once", func() {
		// A := load *L0 ; B := A ; exit B, with L0 carrying the address.
		// Window: win0=L0, win1=A, win2=B.
		prog := program{
			slot(0): loadOp(win(0), win(1), 0, 8),
			slot(1): alu(win(1), noReg(), win(2)),
			slot(2): exitOp(win(2)),
		}
		backend, system := newRing(config.DefaultSimConfig(), countWord(0, 0, 3), prog)

		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, 5)
		backend.WriteAdmin(0x400, payload)

		_, codeReg, valueReg := boot(system.Tiles[0], 0x400, 0, 0, 1, true)

		_, deadlock, err := system.Run(10000)
		Expect(err).NotTo(HaveOccurred())
		Expect(deadlock).To(BeNil())

		expectFull(system.Tiles[0], codeReg, family.ExitNormal)
		expectFull(system.Tiles[0], valueReg, 5)
		Expect(system.Tiles[0].Families.Empty()).To(BeTrue())
	})

	It("distributes a group create's blocks across two tiles", func() {
		// Each thread stores its own index (L0, one byte) at 0x800+index and
		// exits. Four indices over virtBlockSize=2 on two tiles: tile 0 runs
		// 0,1 and tile 1 runs 2,3.
		prog := program{
			slot(0): storeOp(win(0), win(0), 0x800, 1),
			slot(1): exitOp(win(0)),
		}
		cfg := config.DefaultSimConfig()
		cfg.NumProcessors = 2
		backend, system := newRing(cfg, countWord(0, 0, 1), prog)
		_, codeReg, _ := boot(system.Tiles[0], 0, 1, 3, 2, false)

		_, deadlock, err := system.Run(20000)
		Expect(err).NotTo(HaveOccurred())
		Expect(deadlock).To(BeNil())

		Expect(backend.ReadAdmin(0x800, 4)).To(Equal([]byte{0, 1, 2, 3}))
		expectFull(system.Tiles[0], codeReg, family.ExitNormal)
		Expect(system.Tiles[0].Families.Empty()).To(BeTrue())
		Expect(system.Tiles[1].Families.Empty()).To(BeTrue())
	})

	It("reports a deadlock naming the allocator's stuck create state when registers can't be had", func() {
		// The create line demands more registers than the whole file holds at
		// any block size.
		prog := program{
			slot(0): exitOp(win(0)),
		}
		cfg := config.DefaultSimConfig()
		cfg.NumIntRegisters = 64
		_, system := newRing(cfg, countWord(31, 31, 31), prog)
		boot(system.Tiles[0], 0, 1, 0, 1, true)

		_, deadlock, err := system.Run(2000)
		Expect(err).NotTo(HaveOccurred())
		Expect(deadlock).NotTo(BeNil())
		Expect(deadlock.Component).To(Equal("allocator"))
		Expect(deadlock.CreateState).To(Equal("ALLOCATING_REGISTERS"))
	})
})

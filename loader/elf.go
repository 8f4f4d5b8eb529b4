// Package loader provides program loading for RingCore's simulated ISA:
// ELF binaries built for it, plus a legacy flat-binary fallback that forces
// single-threaded execution. Built on the standard library's debug/elf
// reader with no machine-type check, and grounded on
// MGSim's arch/loader.cpp for the legacy-binary / entry-point
// reporting contract the design doc section 6 describes.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/ringcore/memory"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	SegmentFlagExecute SegmentFlags = 1 << iota
	SegmentFlagWrite
	SegmentFlagRead
)

// DefaultStackTop is the default stack top address for the simulated
// address space.
const DefaultStackTop = 0x7ffffffff000

// DefaultStackSize is the default stack size (8MB).
const DefaultStackSize = 8 * 1024 * 1024

// DefaultLegacyLoadAddr is where a legacy flat binary without its own
// address information is placed.
const DefaultLegacyLoadAddr = 0x10000

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	VirtAddr uint64
	Data     []byte
	MemSize  uint64
	Flags    SegmentFlags
}

// Program represents a loaded program ready for placement into a tile's
// memory backend.
type Program struct {
	EntryPoint uint64
	Segments   []Segment
	InitialSP  uint64

	// Legacy marks a program loaded via the flat-binary fallback path; such
	// programs are restricted to a single thread on a single tile (the design doc
	// section 6's "legacy-binary single-thread forcing").
	Legacy bool
}

// Load parses path as an ELF binary, falling back to a flat raw binary if it
// doesn't carry an ELF magic number at all.
func Load(path string, r io.ReaderAt, size int64) (*Program, error) {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("loader: read magic: %w", err)
	}
	if !bytes.Equal(magic, []byte{0x7f, 'E', 'L', 'F'}) {
		return loadFlat(r, size)
	}
	return loadELF(path)
}

// LoadFile opens path and loads it via Load.
func LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("loader: stat: %w", err)
	}
	return Load(path, f, info.Size())
}

func loadELF(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open elf: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("loader: not a 64-bit ELF file")
	}

	prog := &Program{
		EntryPoint: f.Entry,
		InitialSP:  DefaultStackTop,
	}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("loader: read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("loader: short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
		})
	}

	return prog, nil
}

// loadFlat treats the whole file as one executable, writable segment placed
// at DefaultLegacyLoadAddr, matching the original's legacy-binary contract:
// no section headers, no relocation, a single implicit thread.
func loadFlat(r io.ReaderAt, size int64) (*Program, error) {
	data := make([]byte, size)
	if _, err := r.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("loader: read flat binary: %w", err)
	}
	return &Program{
		EntryPoint: DefaultLegacyLoadAddr,
		InitialSP:  DefaultStackTop,
		Legacy:     true,
		Segments: []Segment{{
			VirtAddr: DefaultLegacyLoadAddr,
			Data:     data,
			MemSize:  uint64(len(data)),
			Flags:    SegmentFlagExecute | SegmentFlagWrite | SegmentFlagRead,
		}},
	}, nil
}

// Place copies every segment of prog into mem via its non-timed admin write
// path, zero-filling the BSS tail (MemSize beyond len(Data)).
func Place(prog *Program, mem *memory.BankedMemory) {
	for _, seg := range prog.Segments {
		mem.WriteAdmin(seg.VirtAddr, seg.Data)
		if seg.MemSize > uint64(len(seg.Data)) {
			mem.WriteAdmin(seg.VirtAddr+uint64(len(seg.Data)), make([]byte, seg.MemSize-uint64(len(seg.Data))))
		}
	}
}

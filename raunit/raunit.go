// Package raunit implements the RA Unit register-block allocator described
// in the design doc section 4.3: per register type, a list of fixed power-of-two
// sized blocks, first-fit allocated atomically across all types or not at
// all. Direct re-expression of MGSim's RAUnit.cpp.
package raunit

import (
	"fmt"

	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/simerr"
)

// entry is one block's occupancy: size in blocks (0 = free) and the owning
// family, kept for admin/debug introspection only.
type entry struct {
	size   uint32
	family uint32
	owner  bool
}

// Unit is the per-tile RA Unit: one block list per register.Type.
type Unit struct {
	blockSize [2]uint32
	list      [2][]entry
}

// New creates a RA Unit sized against regSize registers of each type, with
// blockSize[type] registers per allocation block (must be a power of two and
// evenly divide regSize).
func New(regSize [2]uint32, blockSize [2]uint32) (*Unit, error) {
	u := &Unit{blockSize: blockSize}
	for t := 0; t < 2; t++ {
		bs := blockSize[t]
		if bs == 0 || bs&(bs-1) != 0 {
			return nil, fmt.Errorf("raunit: block size %d: %w", bs, simerr.ErrNotPowerOfTwo)
		}
		if regSize[t]%bs != 0 {
			return nil, fmt.Errorf("raunit: register count %d not a multiple of block size %d: %w", regSize[t], bs, simerr.ErrBelowMinimum)
		}
		u.list[t] = make([]entry, regSize[t]/bs)
	}
	return u, nil
}

// Alloc searches, for every register.Type with a non-zero requested size, a
// contiguous run of free blocks large enough to hold it (first-fit). It
// succeeds for all types or none: on any type's failure no state changes.
// A size of 0 for a type allocates no blocks of that type and returns the
// invalid index for it.
func (u *Unit) Alloc(sizes [2]uint32, family uint32) (indices [2]uint32, ok bool) {
	indices = [2]uint32{register.Invalid, register.Invalid}
	blocksNeeded := [2]uint32{}

	for t := 0; t < 2; t++ {
		if sizes[t] == 0 {
			continue
		}
		bs := u.blockSize[t]
		need := (sizes[t] + bs - 1) / bs
		blocksNeeded[t] = need

		list := u.list[t]
		found := false
		for pos := uint32(0); pos < uint32(len(list)); {
			if list[pos].size != 0 {
				pos += list[pos].size
				continue
			}
			start := pos
			for pos < uint32(len(list)) && list[pos].size == 0 {
				pos++
				if pos-start == need {
					indices[t] = start * bs
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return [2]uint32{register.Invalid, register.Invalid}, false
		}
	}

	for t := 0; t < 2; t++ {
		if sizes[t] == 0 {
			continue
		}
		bs := u.blockSize[t]
		pos := indices[t] / bs
		u.list[t][pos] = entry{size: blocksNeeded[t], family: family, owner: true}
	}
	return indices, true
}

// Free releases each type's block starting at indices[type]; an invalid
// index for a type is a no-op for that type.
func (u *Unit) Free(indices [2]uint32) {
	for t := 0; t < 2; t++ {
		if indices[t] == register.Invalid {
			continue
		}
		bs := u.blockSize[t]
		pos := indices[t] / bs
		u.list[t][pos].size = 0
		u.list[t][pos].owner = false
	}
}

// BlockSize returns the allocation granularity for a register type.
func (u *Unit) BlockSize(t register.Type) uint32 {
	return u.blockSize[t]
}

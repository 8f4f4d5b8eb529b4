package main

import (
	"encoding/binary"

	"github.com/sarchlab/ringcore/isa"
	"github.com/sarchlab/ringcore/memory"
	"github.com/sarchlab/ringcore/register"
)

// instructionWordSize is the fixed record size one decoded isa.Instruction
// occupies in the simulated address space. Per the design doc's own framing (isa
// is a narrow external collaborator, never a real opcode table, section 1
// Non-goals), RingCore does not interpret a real machine code; this fixed
// field layout is the minimal wire format the pipeline's Fetch stage needs
// to drive control flow and dependency resolution against a loaded binary.
//
// Layout:
//
//	byte  0      Format
//	byte  1      flags: bit0 EndsQuantum, bit1 IsLastInThread, bits2-4 FPOp, bits5-7 SubSize
//	byte  2      Ra register type (bit0: 0=int, 1=float)
//	byte  3      Rb register type
//	byte  4      Rc register type
//	bytes 5-7    reserved
//	bytes 8-11   Ra index, little-endian uint32 (register.Invalid means unused)
//	bytes 12-15  Rb index
//	bytes 16-19  Rc index
//	bytes 20-27  Imm, little-endian int64
//	bytes 28-31  packed register counts for a family's first instruction
//	             (5 bits each, int globals/shareds/locals then float
//	             globals/shareds/locals); ignored outside a CREATE target
const instructionWordSize = 32

// decodeFunc builds a pipeline Decode collaborator that reads fixed-width
// instruction records directly out of mem via its administrative read path
// (the design doc section 6: "loader places segments via an administrative write
// interface" — fetch here mirrors that for reads; the pipeline's Fetch
// stage models the timing separately, through icache.Fetch, and calls
// decode only once the line is present).
func decodeFunc(mem *memory.BankedMemory) func(pc uint64) (isa.Instruction, bool) {
	return func(pc uint64) (isa.Instruction, bool) {
		raw := mem.ReadAdmin(pc, instructionWordSize)
		if len(raw) < instructionWordSize {
			return isa.Instruction{}, false
		}

		flags := raw[1]
		instr := isa.Instruction{
			Format:         isa.Format(raw[0]),
			Ra:             decodeAddr(raw[8:12], raw[2]),
			Rb:             decodeAddr(raw[12:16], raw[3]),
			Rc:             decodeAddr(raw[16:20], raw[4]),
			Imm:            int64(binary.LittleEndian.Uint64(raw[20:28])),
			EndsQuantum:    flags&0x01 != 0,
			IsLastInThread: flags&0x02 != 0,
			FPOp:           isa.FPOp(flags >> 2 & 0x7),
			SubSize:        uint(flags >> 5 & 0x7),
		}
		return instr, true
	}
}

func decodeAddr(word []byte, typeByte byte) register.Addr {
	idx := binary.LittleEndian.Uint32(word)
	if idx == register.Invalid {
		return register.Addr{Type: register.Integer, Index: register.Invalid}
	}
	t := register.Integer
	if typeByte&0x01 != 0 {
		t = register.Float
	}
	return register.Addr{Type: t, Index: idx}
}

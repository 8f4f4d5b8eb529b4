// Package isa is the narrow external-collaborator interface the design doc section 1
// carves out of scope: opcode decoding tables and arithmetic live outside the
// core. isa.Instruction carries only what the pipeline needs to drive
// control flow and dependency resolution (the design doc's own framing of what
// "values computed" matter for), never how an opcode's result is computed.
package isa

import "github.com/sarchlab/ringcore/register"

// Format classifies an instruction for dispatch purposes only; RingCore
// never interprets opcodes beyond this tag.
type Format int

const (
	FormatALU Format = iota
	FormatFPU
	FormatLoad
	FormatStore
	FormatBranch
	FormatCreate
	FormatControl // end-of-quantum marker / control word, no register effect
	FormatExit
)

// Instruction is the minimal decoded shape the Decode stage produces and the
// Execute/Memory/Writeback stages consume. Ra/Rb are source operands, Rc is
// the destination; any may be the register.Invalid sentinel address when
// unused. A real ISA decoder would also carry an opcode
// selecting the specific arithmetic function; RingCore's pipeline only needs
// to know the instruction's Format and its register footprint to model
// timing and dataflow, per the design doc's Non-goals.
type Instruction struct {
	Format Format

	// Ra, Rb are source operands, Rc the destination, for most formats. A
	// FormatCreate instruction instead uses Rc as the parent's exit-code
	// target register and Rb as its exit-value target register. A
	// FormatExit instruction uses Ra as the register carrying the thread's
	// exit value.
	Ra, Rb, Rc register.Addr

	// Imm is an opcode-specific immediate (branch target, load/store
	// offset, create entry address); RingCore treats it as opaque.
	Imm int64

	// EndsQuantum marks an instruction that ends the thread's current pipeline
	// quantum (a "swch" annotation in the original ISA).
	EndsQuantum bool

	// IsLastInThread marks an instruction that kills the thread after
	// retiring (an "end" annotation).
	IsLastInThread bool

	// FPOp selects which FPU pipeline handles a FormatFPU instruction
	// (ADD/SUB/MUL/DIV/SQRT); meaningless for other formats.
	FPOp FPOp

	// SubSize is the sub-word width in bytes for FormatLoad/FormatStore
	// (1, 2, 4, or 8).
	SubSize uint
}

// FPOp selects an FPU pipeline by latency class (the design doc section 4.7).
type FPOp int

const (
	FPAdd FPOp = iota
	FPSub
	FPMul
	FPDiv
	FPSqrt
)

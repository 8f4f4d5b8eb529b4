// Package pipeline implements the six-stage core pipeline described in
// the design doc section 4.6: Fetch, Decode, Read, Execute, Memory, Writeback, each
// with one input/output latch and three forwarding paths feeding Read from
// the Execute/Memory/Writeback outputs. Direct re-expression of
// MGSim's Pipeline.{h,cpp} and the per-stage .cpp files, with Decode
// folded down to register-window translation since opcode decoding itself is
// out of scope (see the isa package).
package pipeline

import (
	"github.com/sarchlab/ringcore/family"
	"github.com/sarchlab/ringcore/isa"
	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/thread"
)

// Action is what a stage's read() or write() half reports for this cycle.
type Action int

const (
	Continue Action = iota
	Flush
	Stall
	Idle
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "CONTINUE"
	case Flush:
		return "FLUSH"
	case Stall:
		return "STALL"
	case Idle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

// common is embedded in every latch: the fields every stage needs regardless
// of payload (the design doc's CommonLatch).
type common struct {
	valid bool

	TID    uint32
	PC     uint64
	FID    uint32
	Swch   bool
	Kill   bool
	IsFirstInFamily bool
	IsLastInFamily  bool
}

func (c *common) Empty() bool { return !c.valid }
func (c *common) Clear()      { c.valid = false }
func (c *common) Set()        { c.valid = true }

// FetchDecodeLatch carries a fetched instruction word and the thread/family
// register-layout snapshot Decode needs to translate its operands.
type FetchDecodeLatch struct {
	common

	Instr       isa.Instruction
	FamilyRegs  [2]family.RegInfo
	ThreadRegs  [2]thread.RegInfo
	IsLastInBlock bool
}

// DecodeReadLatch carries an instruction whose operands have been translated
// to full register-file addresses.
type DecodeReadLatch struct {
	common

	Instr isa.Instruction
	Ra, Rb, Rc register.Addr
}

// ReadExecuteLatch carries an instruction with its operand values resolved.
type ReadExecuteLatch struct {
	common

	Instr  isa.Instruction
	Rb, Rc register.Addr
	Rav, Rbv uint64
}

// ExecuteMemoryLatch carries Execute's result, or a pending memory op.
type ExecuteMemoryLatch struct {
	common

	Suspend bool

	MemAddr uint64
	MemSize int // 0: no memory operation
	IsStore bool

	// IsExit marks a FormatExit instruction's result: Rcv holds the exit
	// value, to be delivered to the family rather than written to Rc.
	IsExit bool

	Rc  register.Addr
	Rcv uint64
}

// MemoryWritebackLatch carries the value Writeback will commit.
type MemoryWritebackLatch struct {
	common

	Suspend bool
	IsExit  bool

	Rc  register.Addr
	Rcv uint64
}

// Package simerr defines the sentinel error values the rest of ringcore
// wraps with fmt.Errorf("...: %w", ...) when reporting configuration,
// program, and protocol failures (see the design doc section 7).
package simerr

import "errors"

// Configuration errors: surfaced at startup, non-zero exit.
var (
	ErrNotPowerOfTwo   = errors.New("value must be a power of two")
	ErrBelowMinimum    = errors.New("value is below the required minimum")
	ErrMissingKey      = errors.New("required configuration key is missing")
	ErrMalformedOption = errors.New("malformed -o override syntax")
)

// Program errors: raised by a pipeline stage, terminate the simulation with a dump.
var (
	ErrIllegalOpcode    = errors.New("illegal opcode")
	ErrMisalignedAccess = errors.New("misaligned memory access")
	ErrPermission       = errors.New("memory permission violation")
)

// Protocol errors: simulator-internal assertion failures (the design doc section 7).
var (
	ErrWriteNotOwner      = errors.New("write to WAITING cell by non-owning component")
	ErrWriteEmpty         = errors.New("write to EMPTY register without a named producer")
	ErrRereadWaiting      = errors.New("read of an already-WAITING register")
	ErrFamilyTooLarge     = errors.New("family size exceeds thread table capacity")
	ErrDoubleWaiter       = errors.New("register already has a waiting thread")
	ErrUnknownComponent   = errors.New("write targets a component that did not request it")
)

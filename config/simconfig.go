package config

import (
	"fmt"

	"github.com/sarchlab/ringcore/simerr"
)

// SimConfig is the validated, typed view over the closed set of keys
// the design doc section 6 recognizes. Loading a Config only parses text; building
// a SimConfig from it is where power-of-two and minimum-size violations are
// caught and surfaced as startup errors.
type SimConfig struct {
	NumProcessors int64

	NumIntRegisters int64
	NumFltRegisters int64

	IntRegistersBlockSize int64
	FltRegistersBlockSize int64

	NumThreads       int64
	NumFamilies      int64
	NumGlobalFamilies int64

	ICacheAssociativity int64
	ICacheNumSets       int64
	DCacheAssociativity int64
	DCacheNumSets       int64
	CacheLineSize       int64

	ControlBlockSize int64
	InstructionSize  int64

	FPUAddLatency  int64
	FPUSubLatency  int64
	FPUMulLatency  int64
	FPUDivLatency  int64
	FPUSqrtLatency int64

	MemoryBaseRequestTime  int64
	MemoryTimePerLine      int64
	MemorySizeOfLine       int64
	MemoryBufferSize       int64
	MemoryBanks            int64
	MemoryParallelRequests int64

	LocalCreatesQueueSize  int64
	RemoteCreatesQueueSize int64
	ThreadCleanupQueueSize int64
}

// DefaultSimConfig returns a minimal single-tile configuration suitable for
// the single-thread-local-create scenario in the design doc section 8.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		NumProcessors:          1,
		NumIntRegisters:        1024,
		NumFltRegisters:        1024,
		IntRegistersBlockSize:  32,
		FltRegistersBlockSize:  32,
		NumThreads:             64,
		NumFamilies:            32,
		NumGlobalFamilies:      16,
		ICacheAssociativity:    4,
		ICacheNumSets:          64,
		DCacheAssociativity:    4,
		DCacheNumSets:          64,
		CacheLineSize:          64,
		ControlBlockSize:       64,
		InstructionSize:        32,
		FPUAddLatency:          4,
		FPUSubLatency:          4,
		FPUMulLatency:          6,
		FPUDivLatency:          18,
		FPUSqrtLatency:         20,
		MemoryBaseRequestTime:  1,
		MemoryTimePerLine:      1,
		MemorySizeOfLine:       64,
		MemoryBufferSize:       16,
		MemoryBanks:            1,
		MemoryParallelRequests: 1,
		LocalCreatesQueueSize:  4,
		RemoteCreatesQueueSize: 4,
		ThreadCleanupQueueSize: 4,
	}
}

// BuildSimConfig reads every recognized key out of c, falling back to
// DefaultSimConfig's values, and validates the result.
func BuildSimConfig(c *Config) (*SimConfig, error) {
	d := DefaultSimConfig()
	s := &SimConfig{
		NumProcessors:          c.Int("NumProcessors", d.NumProcessors),
		NumIntRegisters:        c.Int("NumIntRegisters", d.NumIntRegisters),
		NumFltRegisters:        c.Int("NumFltRegisters", d.NumFltRegisters),
		IntRegistersBlockSize:  c.Int("IntRegistersBlockSize", d.IntRegistersBlockSize),
		FltRegistersBlockSize:  c.Int("FltRegistersBlockSize", d.FltRegistersBlockSize),
		NumThreads:             c.Int("NumThreads", d.NumThreads),
		NumFamilies:            c.Int("NumFamilies", d.NumFamilies),
		NumGlobalFamilies:      c.Int("NumGlobalFamilies", d.NumGlobalFamilies),
		ICacheAssociativity:    c.Int("ICacheAssociativity", d.ICacheAssociativity),
		ICacheNumSets:          c.Int("ICacheNumSets", d.ICacheNumSets),
		DCacheAssociativity:    c.Int("DCacheAssociativity", d.DCacheAssociativity),
		DCacheNumSets:          c.Int("DCacheNumSets", d.DCacheNumSets),
		CacheLineSize:          c.Int("CacheLineSize", d.CacheLineSize),
		ControlBlockSize:       c.Int("ControlBlockSize", d.ControlBlockSize),
		InstructionSize:        c.Int("InstructionSize", d.InstructionSize),
		FPUAddLatency:          c.Int("FPUAddLatency", d.FPUAddLatency),
		FPUSubLatency:          c.Int("FPUSubLatency", d.FPUSubLatency),
		FPUMulLatency:          c.Int("FPUMulLatency", d.FPUMulLatency),
		FPUDivLatency:          c.Int("FPUDivLatency", d.FPUDivLatency),
		FPUSqrtLatency:         c.Int("FPUSqrtLatency", d.FPUSqrtLatency),
		MemoryBaseRequestTime:  c.Int("MemoryBaseRequestTime", d.MemoryBaseRequestTime),
		MemoryTimePerLine:      c.Int("MemoryTimePerLine", d.MemoryTimePerLine),
		MemorySizeOfLine:       c.Int("MemorySizeOfLine", d.MemorySizeOfLine),
		MemoryBufferSize:       c.Int("MemoryBufferSize", d.MemoryBufferSize),
		MemoryBanks:            c.Int("MemoryBanks", d.MemoryBanks),
		MemoryParallelRequests: c.Int("MemoryParallelRequests", d.MemoryParallelRequests),
		LocalCreatesQueueSize:  c.Int("LocalCreatesQueueSize", d.LocalCreatesQueueSize),
		RemoteCreatesQueueSize: c.Int("RemoteCreatesQueueSize", d.RemoteCreatesQueueSize),
		ThreadCleanupQueueSize: c.Int("ThreadCleanupQueueSize", d.ThreadCleanupQueueSize),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks power-of-two and minimum-size constraints.
func (s *SimConfig) Validate() error {
	checks := []struct {
		name string
		val  int64
	}{
		{"IntRegistersBlockSize", s.IntRegistersBlockSize},
		{"FltRegistersBlockSize", s.FltRegistersBlockSize},
		{"ICacheAssociativity", s.ICacheAssociativity},
		{"ICacheNumSets", s.ICacheNumSets},
		{"DCacheAssociativity", s.DCacheAssociativity},
		{"DCacheNumSets", s.DCacheNumSets},
		{"CacheLineSize", s.CacheLineSize},
	}
	for _, chk := range checks {
		if !isPowerOfTwo(chk.val) {
			return fmt.Errorf("config: %s=%d: %w", chk.name, chk.val, simerr.ErrNotPowerOfTwo)
		}
	}

	if s.NumProcessors < 1 {
		return fmt.Errorf("config: NumProcessors=%d: %w", s.NumProcessors, simerr.ErrBelowMinimum)
	}
	if s.NumThreads < 1 {
		return fmt.Errorf("config: NumThreads=%d: %w", s.NumThreads, simerr.ErrBelowMinimum)
	}
	if s.NumFamilies < 1 {
		return fmt.Errorf("config: NumFamilies=%d: %w", s.NumFamilies, simerr.ErrBelowMinimum)
	}
	return nil
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

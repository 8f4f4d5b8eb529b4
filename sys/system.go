// Package sys assembles a ring of tiles into one simulation, owns the
// top-level tick driver and deadlock/termination classification (the design doc
// sections 5 and 9's "represent the global state as a top-level System
// value" guidance), and aggregates the run-level statistics the design doc section
// 6 names. Grounded on MGSim's MGSystem.{h,cpp} Run/Step loop.
package sys

import (
	"fmt"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/tile"
)

// DeadlockReport names the component and, if relevant, the create state a
// stuck simulation was last seen in (the design doc section 8 scenario 6, and the
// MGSim component-by-component idle/stalled table from MGSim's MGSystem.cpp
// prints on termination).
type DeadlockReport struct {
	Tile        uint32
	Component   string
	Last        arbiter.Result
	CreateState string
}

func (r DeadlockReport) String() string {
	if r.CreateState != "" {
		return fmt.Sprintf("deadlock: tile %d, component %s (%s), stuck in create state %s",
			r.Tile, r.Component, r.Last, r.CreateState)
	}
	return fmt.Sprintf("deadlock: tile %d, component %s (%s)", r.Tile, r.Component, r.Last)
}

// componentNames mirrors the order tile.Tile.Tick returns Results in.
var componentNames = []string{"network", "allocator", "fpu", "pipeline"}

// Stats aggregates the counters the design doc section 6 requires the CLI print on
// termination.
type Stats struct {
	Cycles       uint64
	Instructions uint64
	FloatOps     uint64

	RegisterReadPortBusy  uint64
	RegisterWritePortBusy uint64

	ActiveQueueMin, ActiveQueueMax uint64
	ActiveQueueAvg                 float64

	PipelineIdleMin, PipelineIdleMax uint64
	PipelineIdleAvg                   float64
	PipelineEfficiency                float64

	FirstFamilyCompletion uint64
	LastFamilyCompletion  uint64
	HasFamilyCompletion   bool
}

// System is a ring of P tiles sharing no state beyond the explicit Network
// channels each tile's endpoint carries (the design doc section 5's "no cross-tile
// sharing beyond the explicit Network channels").
type System struct {
	Tiles []*tile.Tile

	cycle uint64

	activeSum, activeMin, activeMax uint64
	idleCycles, tickedTiles         uint64

	firstCompletion, lastCompletion uint64
	haveCompletion                  bool

	traceIDs map[uint32]xid.ID
}

// New assembles tiles into a ring (tile i's Network.next is tile i+1 mod P,
// the design doc section 2) and wires each tile's allocator to stamp family
// completion-cycle statistics.
func New(tiles []*tile.Tile) *System {
	s := &System{
		Tiles:     tiles,
		activeMin: ^uint64(0),
		traceIDs:  make(map[uint32]xid.ID),
	}

	n := len(tiles)
	for i, t := range tiles {
		prev := tiles[(i-1+n)%n].Network
		next := tiles[(i+1)%n].Network
		t.Network.Ring(prev, next)
	}

	for _, t := range tiles {
		t.Allocator.OnFamilyCompleted = s.recordFamilyCompletion
	}

	return s
}

func (s *System) recordFamilyCompletion(_ uint32) {
	if !s.haveCompletion {
		s.firstCompletion = s.cycle
		s.haveCompletion = true
	}
	s.lastCompletion = s.cycle
}

// TraceID returns a stable per-run debug trace id for gfid, generating one
// on first use. Nothing in the CLI calls it or prints it; the GFID itself
// remains the small ring-scoped integer the protocol actually uses.
func (s *System) TraceID(gfid uint32) xid.ID {
	if id, ok := s.traceIDs[gfid]; ok {
		return id
	}
	id := xid.New()
	s.traceIDs[gfid] = id
	return id
}

// allIdle reports whether every tile has no family in flight, used to tell
// a clean completion apart from one that merely idled this cycle.
func (s *System) allIdle() bool {
	for _, t := range s.Tiles {
		if !t.Families.Empty() {
			return false
		}
		if !t.Allocator.Idle() {
			return false
		}
	}
	return true
}

// diagnose builds a DeadlockReport naming the first component on the first
// tile whose Result was FAILED, and the create state if that component was
// the Allocator (the design doc section 8 scenario 6).
func (s *System) diagnose(perTile [][]arbiter.Result) DeadlockReport {
	for i, results := range perTile {
		for j, r := range results {
			if r == arbiter.Failed {
				report := DeadlockReport{
					Tile:      s.Tiles[i].ID,
					Component: componentNames[j],
					Last:      r,
				}
				if componentNames[j] == "allocator" {
					report.CreateState = s.Tiles[i].Allocator.CreateState().String()
				}
				return report
			}
		}
	}
	return DeadlockReport{Tile: s.Tiles[0].ID, Component: "unknown", Last: arbiter.Failed}
}

func (s *System) sample() {
	var activeSum uint64
	for _, t := range s.Tiles {
		n := uint64(t.Allocator.ActiveQueueLen())
		activeSum += n
		if n < s.activeMin {
			s.activeMin = n
		}
		if n > s.activeMax {
			s.activeMax = n
		}
	}
	s.activeSum += activeSum / uint64(len(s.Tiles))
	s.tickedTiles++
}

func (s *System) stats() Stats {
	var instr, flops uint64
	var readBusy, writeBusy uint64
	idleMin, idleMax := ^uint64(0), uint64(0)
	var idleSum uint64
	for _, t := range s.Tiles {
		pstats := t.Pipeline.Stats()
		instr += pstats.Instructions
		flops += pstats.FloatOps
		readBusy += t.Regs.AsyncR.BusyCycles()
		writeBusy += t.Regs.AsyncW.BusyCycles()
		if pstats.IdleCycles < idleMin {
			idleMin = pstats.IdleCycles
		}
		if pstats.IdleCycles > idleMax {
			idleMax = pstats.IdleCycles
		}
		idleSum += pstats.IdleCycles
	}
	if idleMin == ^uint64(0) {
		idleMin = 0
	}

	var activeAvg float64
	if s.tickedTiles > 0 {
		activeAvg = float64(s.activeSum) / float64(s.tickedTiles)
	}
	if s.activeMin == ^uint64(0) {
		s.activeMin = 0
	}

	var pipelineEfficiency float64
	if s.cycle > 0 {
		pipelineEfficiency = float64(instr) / float64(s.cycle*uint64(len(s.Tiles)))
	}

	return Stats{
		Cycles:                s.cycle,
		Instructions:          instr,
		FloatOps:              flops,
		RegisterReadPortBusy:  readBusy,
		RegisterWritePortBusy: writeBusy,
		ActiveQueueMin:        s.activeMin,
		ActiveQueueMax:        s.activeMax,
		ActiveQueueAvg:        activeAvg,
		PipelineIdleMin:       idleMin,
		PipelineIdleMax:       idleMax,
		PipelineIdleAvg:       float64(idleSum) / float64(len(s.Tiles)),
		PipelineEfficiency:    pipelineEfficiency,
		FirstFamilyCompletion: s.firstCompletion,
		LastFamilyCompletion:  s.lastCompletion,
		HasFamilyCompletion:   s.haveCompletion,
	}
}

// Run advances every tile sequentially, one tile at a time per cycle, until
// either the ring goes idle (normal completion), a stalled cycle is
// detected (deadlock, the design doc section 5), or maxCycles elapses.
func (s *System) Run(maxCycles uint64) (Stats, *DeadlockReport, error) {
	return s.run(maxCycles, false)
}

// RunParallel is an alternate driver that ticks every tile concurrently via
// errgroup.Group (the design doc section 5's explicit allowance for a
// parallel-across-tiles reimplementation), relying on each tile's Network
// endpoint only ever reading its neighbors' *previous*-cycle latched slots
// (network.slot's one-cycle delay) so concurrent Tick calls never race on
// shared state.
func (s *System) RunParallel(maxCycles uint64) (Stats, *DeadlockReport, error) {
	return s.run(maxCycles, true)
}

func (s *System) run(maxCycles uint64, parallel bool) (Stats, *DeadlockReport, error) {
	for stepped := uint64(0); stepped < maxCycles; stepped++ {
		perTile := make([][]arbiter.Result, len(s.Tiles))

		if parallel {
			var g errgroup.Group
			for i, t := range s.Tiles {
				i, t := i, t
				g.Go(func() error {
					perTile[i] = t.Tick(s.cycle)
					return nil
				})
			}
			_ = g.Wait()
		} else {
			for i, t := range s.Tiles {
				perTile[i] = t.Tick(s.cycle)
			}
		}

		var all []arbiter.Result
		for _, r := range perTile {
			all = append(all, r...)
		}

		switch arbiter.Classify(all) {
		case arbiter.CycleStalled:
			report := s.diagnose(perTile)
			return s.stats(), &report, nil
		case arbiter.CycleIdle:
			if s.allIdle() {
				return s.stats(), nil, nil
			}
		}

		s.sample()
		s.cycle++
	}
	return s.stats(), nil, nil
}

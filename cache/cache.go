// Package cache implements the set-associative I-cache and D-cache described
// in the design doc section 3/4.6: lines carry a state, an LRU timestamp, and a
// per-line waiter queue (threads for I-cache, a register chain for D-cache).
//
// Tag/LRU bookkeeping is delegated to Akita's cache directory
// (github.com/sarchlab/akita/v4/mem/cache); RingCore adds the
// waiter-queue/family-chain fields on top of it and re-expresses the
// original's asynchronous miss handling (MGSim's ICache.cpp,
// MGSim's DCache.cpp).
package cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/ringcore/memory"
)

// LineState is a cache line's processing state (the design doc section 3).
type LineState int

const (
	LineEmpty LineState = iota
	LineLoading
	LineProcessing
	LineValid
	LineInvalid
)

// Config describes one cache's geometry.
type Config struct {
	Associativity int
	Sets          int
	LineSize      int
}

// Base holds everything an I-cache and a D-cache share: the Akita directory
// for tag/LRU state, the raw data store, and a parallel per-block metadata
// array for the waiter-queue machinery the design doc adds on top.
type Base struct {
	config    Config
	directory *akitacache.DirectoryImpl
	dataStore [][]byte
	states    []LineState
	creation  []bool // I-cache only: is a family creation waiting on this line?

	backend memory.Backend
	now     uint64
	ns      uint64 // namespace bit distinguishing this cache's Tags when a backend is shared

	hits, misses uint64
}

// tagNS marks the high 32 bits of a backend completion tag; the low 32 bits
// carry the cid. Two caches sharing one backend (I-cache and D-cache both
// talk to the same BankedMemory) otherwise can't tell a stray completion
// meant for the other cache from one of their own at the same cid.
const tagNS = uint64(1) << 32

// tagStore marks a write-through store's backend request; its low 32 bits
// carry the storing thread's TID (not a cid), so store completions drive the
// thread's pending-write counter rather than a line-state transition.
const tagStore = uint64(1) << 33

func newBase(cfg Config, backend memory.Backend) *Base {
	total := cfg.Sets * cfg.Associativity
	dataStore := make([][]byte, total)
	for i := range dataStore {
		dataStore[i] = make([]byte, cfg.LineSize)
	}
	return &Base{
		config: cfg,
		directory: akitacache.NewDirectory(
			cfg.Sets,
			cfg.Associativity,
			cfg.LineSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
		states:    make([]LineState, total),
		creation:  make([]bool, total),
		backend:   backend,
	}
}

func (b *Base) blockIndex(block *akitacache.Block) int {
	return block.SetID*b.config.Associativity + block.WayID
}

func (b *Base) blockAddr(addr uint64) uint64 {
	return (addr / uint64(b.config.LineSize)) * uint64(b.config.LineSize)
}

// SetNow advances the cache's view of the current cycle, used when placing
// new memory requests.
func (b *Base) SetNow(now uint64) {
	b.now = now
}

// lookup returns the resident block for addr, or nil on a directory miss.
func (b *Base) lookup(addr uint64) *akitacache.Block {
	return b.directory.Lookup(0, b.blockAddr(addr))
}

// allocateLine finds a victim line for addr, evicting if necessary, and
// submits a fetch to the backend. Returns the CID (block index) of the line
// now LOADING, or -1 if no backend request could be submitted (buffer full:
// the caller should return FAILED and retry next cycle).
func (b *Base) allocateLine(addr uint64) (int, bool) {
	blockAddr := b.blockAddr(addr)
	victim := b.directory.FindVictim(blockAddr)
	if victim == nil {
		return -1, false
	}

	cid := b.blockIndex(victim)
	if !b.backend.Submit(memory.Request{Addr: blockAddr, Size: uint32(b.config.LineSize), Tag: b.ns | uint64(cid)}, b.now) {
		return -1, false
	}

	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = false
	b.directory.Visit(victim)
	b.states[cid] = LineLoading
	b.creation[cid] = false

	return cid, true
}

// Complete applies a backend completion to the line named by req.Tag,
// copying fetched data in and marking the line PROCESSING (ready for
// waiters to be woken, but not yet VALID until the cache has had a chance to
// notify them — mirroring the original's LINE_PROCESSING/LINE_FULL split).
// A completion tagged for the other cache sharing this backend is ignored,
// reported via ok=false so the caller (tile.Tile.Tick) knows not to drain
// waiters or mark a line VALID on someone else's behalf.
func (b *Base) Complete(req memory.Request) (cid int, ok bool) {
	if req.Tag&tagNS != b.ns || req.Tag&tagStore != 0 {
		return 0, false
	}
	cid = int(req.Tag &^ tagNS)
	if cid < 0 || cid >= len(b.dataStore) {
		return 0, false
	}
	if !req.Write {
		copy(b.dataStore[cid], req.Data)
	}
	b.states[cid] = LineProcessing
	return cid, true
}

// MarkValid transitions a PROCESSING line to VALID once its waiters have
// been drained.
func (b *Base) MarkValid(cid int) {
	b.states[cid] = LineValid
}

// State returns a line's current state.
func (b *Base) State(cid int) LineState {
	return b.states[cid]
}

// Data returns the raw bytes backing line cid.
func (b *Base) Data(cid int) []byte {
	return b.dataStore[cid]
}

// LineSize returns the cache's configured line size in bytes, used by
// callers (the pipeline's Memory stage) to compute a byte offset within a
// line from an absolute address without duplicating the cache's geometry.
func (b *Base) LineSize() int {
	return b.config.LineSize
}

// Stats holds the hit/miss counters every cache reports (the design doc section 6).
type Stats struct {
	Hits, Misses uint64
}

// Stats returns the base's hit/miss counters.
func (b *Base) Stats() Stats {
	return Stats{Hits: b.hits, Misses: b.misses}
}

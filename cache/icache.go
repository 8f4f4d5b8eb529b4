package cache

import (
	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/memory"
	"github.com/sarchlab/ringcore/thread"
)

// ICache is the per-tile instruction cache. Each line additionally carries
// the head of a queue of threads waiting on it and a flag for whether a
// family creation is waiting on it (the design doc section 3).
type ICache struct {
	*Base

	waitHead []uint32 // per-line head of the waiting-thread queue
	waitTail []uint32

	Request *arbiter.ArbitratedPort[fetchReq]
}

type fetchReq struct {
	addr uint64
}

// NewICache creates an instruction cache backed by backend, with a single
// arbitrated request port (contended for by the pipeline's Fetch stage and
// the Allocator's create-line load).
func NewICache(sched *arbiter.Scheduler, cfg Config, backend memory.Backend) *ICache {
	base := newBase(cfg, backend)
	base.ns = 0
	n := cfg.Sets * cfg.Associativity
	ic := &ICache{
		Base:     base,
		waitHead: make([]uint32, n),
		waitTail: make([]uint32, n),
		Request:  arbiter.NewArbitratedPort[fetchReq](sched),
	}
	for i := range ic.waitHead {
		ic.waitHead[i] = thread.InvalidTID
		ic.waitTail[i] = thread.InvalidTID
	}
	return ic
}

// FetchResult reports what Fetch did this cycle.
type FetchResult int

const (
	// FetchHit: the line is already resident and VALID.
	FetchHit FetchResult = iota
	// FetchQueued: the line is LOADING/PROCESSING; the caller was linked
	// onto its waiter queue.
	FetchQueued
	// FetchFailed: no request port / no victim line available; retry.
	FetchFailed
)

// Fetch requests the line containing addr. On a cold miss it allocates a
// line and submits a backend read; on a miss already in flight, or on a
// fresh miss, the caller's thread (unless it is thread.InvalidTID) is linked
// onto the line's waiter queue via setLink (the caller owns the intrusive
// link field — the pipeline threads it through thread.Table's nextState; the
// Allocator's create-line load passes thread.InvalidTID). On a hit, no
// linking happens and the line id is returned immediately.
func (ic *ICache) Fetch(component arbiter.Component, addr uint64, tid uint32, setLink func(tid, link uint32)) (cid int, result FetchResult) {
	if block := ic.lookup(addr); block != nil && block.IsValid {
		cid := ic.blockIndex(block)
		if ic.State(cid) == LineValid {
			ic.hits++
			return cid, FetchHit
		}
		// In-flight miss: queue behind it.
		if tid != thread.InvalidTID {
			ic.pushWaiter(cid, tid, setLink)
		}
		return cid, FetchQueued
	}

	// AcquireNow rather than TryAcquire: Fetch's callers (the pipeline's
	// Fetch stage and the Allocator's create-line load) each run inside
	// their own component's pass, with no shared Acquire-phase vote for
	// resolve() to have already picked a winner from, so a plain TryAcquire
	// would never succeed here.
	if !ic.Request.AcquireNow(component, fetchReq{addr: addr}) {
		return -1, FetchFailed
	}

	cid, ok := ic.allocateLine(addr)
	if !ok {
		return -1, FetchFailed
	}
	ic.misses++
	if tid != thread.InvalidTID {
		ic.pushWaiter(cid, tid, setLink)
	}
	return cid, FetchQueued
}

func (ic *ICache) pushWaiter(cid int, tid uint32, setLink func(tid, link uint32)) {
	setLink(tid, thread.InvalidTID)
	if ic.waitTail[cid] == thread.InvalidTID {
		ic.waitHead[cid] = tid
	} else {
		setLink(ic.waitTail[cid], tid)
	}
	ic.waitTail[cid] = tid
}

// DrainWaiters removes and returns every TID queued on line cid, in FIFO
// order, using nextOf to walk the chain the Allocator threaded them on.
func (ic *ICache) DrainWaiters(cid int, nextOf func(tid uint32) uint32) []uint32 {
	var out []uint32
	for tid := ic.waitHead[cid]; tid != thread.InvalidTID; {
		next := nextOf(tid)
		out = append(out, tid)
		tid = next
	}
	ic.waitHead[cid] = thread.InvalidTID
	ic.waitTail[cid] = thread.InvalidTID
	return out
}

// SetCreationWaiting marks/unmarks whether a family creation, rather than a
// thread, is waiting on line cid (the design doc section 3).
func (ic *ICache) SetCreationWaiting(cid int, waiting bool) {
	ic.creation[cid] = waiting
}

// CreationWaiting reports whether a family creation is waiting on line cid.
func (ic *ICache) CreationWaiting(cid int) bool {
	return ic.creation[cid]
}

// Read copies size bytes at addr out of the resident line cid. The caller
// must have already confirmed the line is VALID.
func (ic *ICache) Read(cid int, addr uint64, size int) []byte {
	data := ic.Data(cid)
	offset := int(addr % uint64(ic.config.LineSize))
	if offset+size > len(data) {
		return nil
	}
	out := make([]byte, size)
	copy(out, data[offset:offset+size])
	return out
}

// Release decrements a line's reference count; a fully idiomatic refcounted
// LRU is out of scope here (the design doc keeps replacement policy an
// implementation detail), so Release is a no-op retained for API symmetry
// with the original's ReleaseCacheLine.
func (ic *ICache) Release(cid int) {}

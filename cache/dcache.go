package cache

import (
	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/memory"
	"github.com/sarchlab/ringcore/register"
)

// DCache is the per-tile data cache. Each line additionally carries the head
// of a register waiter chain: registers PENDING on a load to this line are
// linked together via register.Value.Memory.NextAddr (the design doc section 3).
type DCache struct {
	*Base

	waitHead []register.Addr
	haveWait []bool

	Request *arbiter.ArbitratedPort[fetchReq]
}

// Name identifies the D-cache as an arbiter.Component for register-port
// priority and protocol-ownership checks.
func (dc *DCache) Name() string { return "dcache" }

// NewDCache creates a data cache backed by backend.
func NewDCache(sched *arbiter.Scheduler, cfg Config, backend memory.Backend) *DCache {
	base := newBase(cfg, backend)
	base.ns = tagNS
	n := cfg.Sets * cfg.Associativity
	return &DCache{
		Base:     base,
		waitHead: make([]register.Addr, n),
		haveWait: make([]bool, n),
		Request:  arbiter.NewArbitratedPort[fetchReq](sched),
	}
}

// ReadResult reports what Read did this cycle.
type ReadResult int

const (
	ReadHit ReadResult = iota
	ReadQueued
	ReadFailed
)

// Read requests size bytes at addr for a load whose destination is dest. On
// a hit, the bytes are returned directly. On a miss the caller is
// responsible for writing register.Pending into dest with a MemoryRequest
// tag and linking it onto the line's waiter chain via LinkWaiter; Read only
// reports which line (cid) that chain lives on.
func (dc *DCache) Read(component arbiter.Component, addr uint64, size int) (cid int, data []byte, result ReadResult) {
	if block := dc.lookup(addr); block != nil && block.IsValid && dc.State(dc.blockIndex(block)) == LineValid {
		cid = dc.blockIndex(block)
		dc.hits++
		offset := int(addr % uint64(dc.config.LineSize))
		out := make([]byte, size)
		copy(out, dc.Data(cid)[offset:offset+size])
		return cid, out, ReadHit
	}

	if block := dc.lookup(addr); block != nil && block.IsValid {
		return dc.blockIndex(block), nil, ReadQueued
	}

	// AcquireNow rather than TryAcquire: both Read and Write's sole
	// production caller (the pipeline's Memory stage) runs this from
	// writeMemory, which only executes during the pipeline's own Commit
	// sub-phase — there is no earlier Acquire-phase vote for resolve() to
	// have already picked a winner from, so a plain TryAcquire would never
	// succeed here.
	if !dc.Request.AcquireNow(component, fetchReq{addr: addr}) {
		return -1, nil, ReadFailed
	}
	cid, ok := dc.allocateLine(addr)
	if !ok {
		return -1, nil, ReadFailed
	}
	dc.misses++
	return cid, nil, ReadQueued
}

// LinkWaiter chains addr onto line cid's register waiter list, returning the
// previous head so the caller can store it as addr's MemoryRequest.NextAddr.
func (dc *DCache) LinkWaiter(cid int, addr register.Addr) (prevHead register.Addr, hadPrev bool) {
	prevHead, hadPrev = dc.waitHead[cid], dc.haveWait[cid]
	dc.waitHead[cid] = addr
	dc.haveWait[cid] = true
	return prevHead, hadPrev
}

// DrainWaiters removes and returns every register chained on line cid's
// waiter list, in LIFO order (most-recently-queued first; order across
// distinct waiters on one line is not semantically meaningful since each
// carries its own completion tag).
func (dc *DCache) DrainWaiters(cid int, nextOf func(addr register.Addr) (register.Addr, bool)) []register.Addr {
	var out []register.Addr
	if !dc.haveWait[cid] {
		return out
	}
	addr := dc.waitHead[cid]
	for {
		out = append(out, addr)
		next, ok := nextOf(addr)
		if !ok {
			break
		}
		addr = next
	}
	dc.waitHead[cid] = register.Addr{}
	dc.haveWait[cid] = false
	return out
}

// Write requests a store of size bytes of data at addr on behalf of thread
// tid. Stores are write-through: the backend is updated at submit time and a
// store-tagged completion fires once the memory model's latency has elapsed,
// at which point CompleteWrite hands tid back so the thread's pending-write
// counter can drain. On a resident line the cached bytes are updated in
// place too; on a miss the line is additionally fetched (write-allocate).
func (dc *DCache) Write(component arbiter.Component, addr uint64, size int, data uint64, tid uint32) (cid int, result ReadResult) {
	bytes := make([]byte, size)
	for i := 0; i < size; i++ {
		bytes[i] = byte(data >> (8 * i))
	}
	if !dc.backend.Submit(memory.Request{
		Addr: addr, Size: uint32(size), Write: true, Data: bytes,
		Tag: dc.ns | tagStore | uint64(tid),
	}, dc.now) {
		return -1, ReadFailed
	}

	if block := dc.lookup(addr); block != nil && block.IsValid && dc.State(dc.blockIndex(block)) == LineValid {
		cid = dc.blockIndex(block)
		dc.hits++
		offset := int(addr % uint64(dc.config.LineSize))
		copy(dc.Data(cid)[offset:offset+size], bytes)
		return cid, ReadHit
	}
	if block := dc.lookup(addr); block != nil && block.IsValid {
		return dc.blockIndex(block), ReadQueued
	}
	// AcquireNow rather than TryAcquire: both Read and Write's sole
	// production caller (the pipeline's Memory stage) runs this from
	// writeMemory, which only executes during the pipeline's own Commit
	// sub-phase — there is no earlier Acquire-phase vote for resolve() to
	// have already picked a winner from, so a plain TryAcquire would never
	// succeed here.
	if !dc.Request.AcquireNow(component, fetchReq{addr: addr}) {
		return -1, ReadQueued
	}
	cid, ok := dc.allocateLine(addr)
	if !ok {
		return -1, ReadQueued
	}
	dc.misses++
	return cid, ReadQueued
}

// CompleteWrite recognizes a store-tagged backend completion and returns the
// TID of the thread whose pending-write count it drains. Line-fill
// completions and the other cache's traffic report ok=false.
func (dc *DCache) CompleteWrite(req memory.Request) (tid uint32, ok bool) {
	if !req.Write || req.Tag&tagStore == 0 || req.Tag&tagNS != dc.ns {
		return 0, false
	}
	return uint32(req.Tag & 0xFFFFFFFF), true
}

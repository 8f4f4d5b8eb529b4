// Package memory defines the black-box physical memory backend the design doc
// section 1 puts out of scope for the core: it accepts read/write requests
// and signals completion, nothing more. BankedMemory is a reference
// implementation grounded on MGSim's BankedMemory.{h,cpp} and the
// MemoryBanks/MemoryParallelRequests/MemoryBaseRequestTime/MemoryTimePerLine
// configuration knobs the design doc section 6 names.
package memory

// Request is one outstanding read or write against the backend.
type Request struct {
	Addr    uint64
	Size    uint32
	Write   bool
	Data    []byte
	Tag     uint64 // opaque completion tag the caller round-trips
	ready   uint64 // simulation cycle at which this request completes
}

// Backend is the narrow collaborator interface the D-cache/I-cache talk to.
// A component submits a request and later polls/receives completions; the
// backend itself decides timing.
type Backend interface {
	// Submit enqueues a request, returning false if the backend's buffer is
	// full (the design doc's MemoryBufferSize knob) and the caller must retry.
	Submit(req Request, now uint64) bool
	// Tick advances the backend's internal queues by one cycle and returns
	// every request that completed this cycle.
	Tick(now uint64) []Request
}

// BankedMemory is a simple multi-bank reference backend: requests are routed
// by line to (addr/lineSize)%banks, each bank serves up to one request per cycle (limited by
// MemoryParallelRequests across the whole backend), and a request completes
// BaseRequestTime + TimePerLine*lines after submission.
type BankedMemory struct {
	banks            []bank
	baseRequestTime  uint64
	timePerLine      uint64
	lineSize         uint64
	bufferSize       int
	parallelRequests int
	store            map[uint64][]byte
}

type bank struct {
	queue []Request
}

// NewBankedMemory creates a backend with the given bank count and timing.
func NewBankedMemory(banks int, baseRequestTime, timePerLine, lineSize uint64, bufferSize, parallelRequests int) *BankedMemory {
	if banks < 1 {
		banks = 1
	}
	m := &BankedMemory{
		banks:            make([]bank, banks),
		baseRequestTime:  baseRequestTime,
		timePerLine:      timePerLine,
		lineSize:         lineSize,
		bufferSize:       bufferSize,
		parallelRequests: parallelRequests,
		store:            make(map[uint64][]byte),
	}
	return m
}

func (m *BankedMemory) bankFor(addr uint64) int {
	return int((addr / m.lineSize) % uint64(len(m.banks)))
}

// Submit enqueues req onto its bank's queue if there is room.
func (m *BankedMemory) Submit(req Request, now uint64) bool {
	b := &m.banks[m.bankFor(req.Addr)]
	if m.bufferSize > 0 && len(b.queue) >= m.bufferSize {
		return false
	}

	lines := (req.Size + uint32(m.lineSize) - 1) / uint32(m.lineSize)
	if lines == 0 {
		lines = 1
	}
	req.ready = now + m.baseRequestTime + m.timePerLine*uint64(lines)

	if req.Write {
		m.write(req.Addr, req.Data)
	} else {
		req.Data = m.read(req.Addr, req.Size)
	}

	b.queue = append(b.queue, req)
	return true
}

// Tick advances every bank's queue, honoring the parallel-requests cap
// across the whole backend, and returns requests whose ready cycle has
// arrived.
func (m *BankedMemory) Tick(now uint64) []Request {
	var done []Request
	dispatched := 0
	for i := range m.banks {
		b := &m.banks[i]
		if len(b.queue) == 0 {
			continue
		}
		if m.parallelRequests > 0 && dispatched >= m.parallelRequests {
			break
		}
		head := b.queue[0]
		if head.ready <= now {
			done = append(done, head)
			b.queue = b.queue[1:]
			dispatched++
		}
	}
	return done
}

func (m *BankedMemory) read(addr uint64, size uint32) []byte {
	out := make([]byte, size)
	for i := uint32(0); i < size; i++ {
		out[i] = m.byteAt(addr + uint64(i))
	}
	return out
}

func (m *BankedMemory) byteAt(addr uint64) byte {
	line := addr - addr%m.lineSize
	page, ok := m.store[line]
	if !ok {
		return 0
	}
	off := addr - line
	if off >= uint64(len(page)) {
		return 0
	}
	return page[off]
}

func (m *BankedMemory) write(addr uint64, data []byte) {
	for i, d := range data {
		a := addr + uint64(i)
		line := a - a%m.lineSize
		page, ok := m.store[line]
		if !ok {
			page = make([]byte, m.lineSize)
			m.store[line] = page
		}
		page[a-line] = d
	}
}

// SharedView returns a backend with its own bank queues and timing but the
// same underlying storage: each tile gets an independent memory port into
// one shared physical memory, so a tile's Tick only ever drains completions
// for requests that tile itself submitted.
func (m *BankedMemory) SharedView() *BankedMemory {
	v := NewBankedMemory(len(m.banks), m.baseRequestTime, m.timePerLine, m.lineSize, m.bufferSize, m.parallelRequests)
	v.store = m.store
	return v
}

// WriteAdmin performs an immediate, non-timed write, used only by the ELF
// loader to place program segments (the design doc section 6's "administrative
// write interface").
func (m *BankedMemory) WriteAdmin(addr uint64, data []byte) {
	m.write(addr, data)
}

// ReadAdmin performs an immediate, non-timed read.
func (m *BankedMemory) ReadAdmin(addr uint64, size uint32) []byte {
	return m.read(addr, size)
}

// Package thread implements the Thread descriptor and Thread Table from
// the design doc sections 3 and 4.4, a direct re-expression of
// MGSim's ThreadTable.{h,cpp}.
package thread

// InvalidTID is the "no thread" sentinel.
const InvalidTID = ^uint32(0)

// State is a thread slot's lifecycle state (the design doc section 3).
type State int

const (
	StateEmpty State = iota
	Waiting
	Active
	Running
	Suspended
	Killed
	Unused
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case Waiting:
		return "WAITING"
	case Active:
		return "ACTIVE"
	case Running:
		return "RUNNING"
	case Suspended:
		return "SUSPENDED"
	case Killed:
		return "KILLED"
	case Unused:
		return "UNUSED"
	default:
		return "UNKNOWN"
	}
}

// RegInfo gives this thread's base register index and, for shared registers,
// the producer-thread index it reads its dependent values from.
type RegInfo struct {
	Base     uint32
	Producer uint32
}

// Dependencies is the four-field per-thread dependency block the design doc
// section 3 describes.
type Dependencies struct {
	Killed           bool
	NextKilled       bool
	PrevCleanedUp    bool
	NumPendingWrites uint32
}

// Thread is one descriptor in the Thread Table.
type Thread struct {
	State State

	PC     uint64
	CID    uint32 // I-cache line id for the current instruction window
	Index  uint64 // thread index within the family
	Family uint32 // LFID this slot belongs to

	PrevInBlock uint32
	NextInBlock uint32

	IsFirstInFamily bool
	IsLastInFamily  bool
	IsLastInBlock   bool
	WaitingForWrites bool

	Regs [2]RegInfo // indexed by register.Type

	Deps Dependencies

	// nextState links this slot onto the empty/active/cleanup queue it
	// currently belongs to; nextMember links it onto its family's member
	// queue independently.
	nextState  uint32
	nextMember uint32
}

// Table is the fixed-size pool of Thread descriptors for one tile.
type Table struct {
	threads   []Thread
	emptyHead uint32
	emptyTail uint32
	numUsed   uint32
}

// NewTable creates a Table with numThreads slots, all initially on the free
// (EMPTY) list.
func NewTable(numThreads uint32) *Table {
	t := &Table{threads: make([]Thread, numThreads)}
	for i := range t.threads {
		t.threads[i].State = StateEmpty
		t.threads[i].nextState = uint32(i) + 1
	}
	if numThreads > 0 {
		t.threads[numThreads-1].nextState = InvalidTID
		t.emptyTail = numThreads - 1
	} else {
		t.emptyHead = InvalidTID
		t.emptyTail = InvalidTID
	}
	return t
}

// NumThreads returns the table's total capacity.
func (t *Table) NumThreads() uint32 {
	return uint32(len(t.threads))
}

// Empty reports whether no slot is in use.
func (t *Table) Empty() bool {
	return t.numUsed == 0
}

// Get returns a pointer to the slot at tid for in-place mutation.
func (t *Table) Get(tid uint32) *Thread {
	return &t.threads[tid]
}

// PopEmpty removes one slot from the free list, marks it WAITING (per
// the design doc section 4.4: "Thread Table pop removes one slot and marks it
// WAITING"), and returns its TID.
func (t *Table) PopEmpty() (uint32, bool) {
	if t.emptyHead == InvalidTID {
		return InvalidTID, false
	}
	tid := t.emptyHead
	t.emptyHead = t.threads[tid].nextState
	if t.emptyHead == InvalidTID {
		t.emptyTail = InvalidTID
	}
	t.threads[tid].State = Waiting
	t.numUsed++
	return tid, true
}

// PushEmpty returns a linked chain of slots (from head to tail, following
// nextState) to the free list, marking each EMPTY.
func (t *Table) PushEmpty(head, tail uint32, count uint32) {
	cur := head
	for i := uint32(0); i < count; i++ {
		t.threads[cur].State = StateEmpty
		if i+1 == count {
			break
		}
		cur = t.threads[cur].nextState
	}
	if t.emptyTail == InvalidTID {
		t.emptyHead = head
	} else {
		t.threads[t.emptyTail].nextState = head
	}
	t.emptyTail = tail
	t.threads[tail].nextState = InvalidTID
	t.numUsed -= count
}

// PushEmptyOne returns a single slot to the free list.
func (t *Table) PushEmptyOne(tid uint32) {
	t.threads[tid].State = StateEmpty
	t.threads[tid].nextState = InvalidTID
	if t.emptyTail == InvalidTID {
		t.emptyHead = tid
	} else {
		t.threads[t.emptyTail].nextState = tid
	}
	t.emptyTail = tid
	t.numUsed--
}

// Queue is a singly-linked intrusive queue of thread IDs threaded through an
// external link field (the design doc section 3: "Link fields live inside the
// Thread/Family records"). It is deliberately generic over which field it
// walks so the same Thread record can sit on an active-queue and a
// cleanup-queue at different times without two separate link fields per use.
type Queue struct {
	head  uint32
	tail  uint32
	count int
}

// NewQueue returns an empty Queue.
func NewQueue() Queue {
	return Queue{head: InvalidTID, tail: InvalidTID}
}

// Empty reports whether the queue has no entries.
func (q Queue) Empty() bool {
	return q.head == InvalidTID
}

// Len reports the queue's current entry count, used by sys.System to track
// the active-queue occupancy stats the design doc section 6 names.
func (q Queue) Len() int {
	return q.count
}

// Push appends tid to the queue, using get/set to reach its link field so
// the same Queue type serves both the active-thread queue (nextState) and a
// cleanup queue without duplicating the struct.
func (q *Queue) Push(tid uint32, setLink func(tid, link uint32)) {
	setLink(tid, InvalidTID)
	if q.tail == InvalidTID {
		q.head = tid
	} else {
		setLink(q.tail, tid)
	}
	q.tail = tid
	q.count++
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop(getLink func(tid uint32) uint32) (uint32, bool) {
	if q.head == InvalidTID {
		return InvalidTID, false
	}
	tid := q.head
	q.head = getLink(tid)
	if q.head == InvalidTID {
		q.tail = InvalidTID
	}
	q.count--
	return tid, true
}

// NextState returns tid's active/cleanup-queue link.
func (t *Table) NextState(tid uint32) uint32 { return t.threads[tid].nextState }

// SetNextState sets tid's active/cleanup-queue link.
func (t *Table) SetNextState(tid, link uint32) { t.threads[tid].nextState = link }

// NextMember returns tid's per-family member-queue link.
func (t *Table) NextMember(tid uint32) uint32 { return t.threads[tid].nextMember }

// SetNextMember sets tid's per-family member-queue link.
func (t *Table) SetNextMember(tid, link uint32) { t.threads[tid].nextMember = link }

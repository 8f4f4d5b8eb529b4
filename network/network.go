// Package network implements the ring endpoint described in the design doc
// section 4.8: per-tile channels for family-create broadcasts, global
// register streaming, shared-register request/response, reservation
// sweeps, termination notifications, and the rotating create token.
//
// Each channel is modeled the way the original's Register<T>/
// BroadcastRegisters<T> (MGSim's Network.h) model a single-entry
// slot that moves from "written locally" to "read by the next tile" once
// per cycle: a value written during commit becomes visible to Forward only
// on the following cycle, which is what lets every channel stay
// independently FIFO around the ring (the design doc's ordering guarantee) without
// a shared global clock special-casing which tile goes first.
package network

import (
	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/register"
)

// CreateMessage is broadcast around the ring to start a group family on
// every tile (the design doc section 4.8).
type CreateMessage struct {
	GFID          uint32
	Infinite      bool
	Start         int64
	Step          int64
	LastThread    uint64
	VirtBlockSize uint64
	PhysBlockSize uint32
	Address       uint64
	ParentTile    uint32
	ParentThread  uint32
	RegCounts     [2][3]uint32 // [type][globals,shareds,locals]
}

// RemoteFID pairs a GFID with the tile that originated a reservation or
// unreservation sweep.
type RemoteFID struct {
	GFID   uint32
	Origin uint32
}

// SharedInfo describes one shared-register request or response in flight.
type SharedInfo struct {
	GFID      uint32
	Addr      register.Addr
	Value     register.Value
	Parent    bool   // true: addressed to/from the family's parent tile
	Requester uint32 // tile the eventual response must be forwarded back to
}

// gfidNotice carries a GFID-keyed notification to a specific destination
// tile, forwarded one hop per cycle until it arrives (the design doc section 4.8's
// termination-notification channels).
type gfidNotice struct {
	GFID uint32
	Dest uint32
}

// familyCompletionMsg is a gfidNotice plus the exit data a drained family
// hands its parent (the design doc section 3's exit-code/exit-value registers).
type familyCompletionMsg struct {
	GFID      uint32
	Dest      uint32
	ExitCode  uint64
	ExitValue uint64
	HasExit   bool
}

// slot is a single-entry value that becomes readable one cycle after it is
// written, modeling the original's Register<T>::onUpdate latch.
type slot[T any] struct {
	pending  T
	havePend bool
	current  T
	haveCur  bool
}

func (s *slot[T]) write(sched *arbiter.Scheduler, v T) {
	arbiter.Commit(sched, func() {
		s.pending = v
		s.havePend = true
	})
}

func (s *slot[T]) latch() {
	if s.havePend {
		s.current = s.pending
		s.haveCur = true
		s.havePend = false
	}
}

func (s *slot[T]) clear() {
	s.haveCur = false
}

func (s *slot[T]) full() bool { return s.haveCur }

func (s *slot[T]) read() T { return s.current }

// Network is one tile's ring endpoint.
type Network struct {
	sched *arbiter.Scheduler
	tile  uint32
	prev  *Network
	next  *Network

	// Create sequence.
	createLocal  slot[CreateMessage]
	createRemote slot[CreateMessage]
	createState  CreateState
	createFID    uint32
	globalValue  slot[globalValueMsg]

	// Token protocol.
	hasToken       bool
	wantToken      bool
	nextWantsToken bool
	requestedToken bool
	lockToken      int

	// Reservation sweeps.
	reservation   slot[RemoteFID]
	unreservation slot[RemoteFID]

	// Notifications (each channel carries at most one GFID in flight).
	familyCompletion slot[familyCompletionMsg]
	threadCompletion slot[gfidNotice]
	threadCleanup    slot[gfidNotice]

	// Shared register protocol.
	sharedRequest  slot[SharedInfo]
	sharedResponse slot[SharedInfo]

	// Callbacks into the Allocator/RegisterFile, wired by tile.New.
	OnReservationComplete func(gfid uint32)
	// OnReservationPassing / OnUnreservationPassing fire on every non-origin
	// tile a reservation or unreservation sweep passes through, so each tile
	// can mark (or release) the GFID in its own family table.
	OnReservationPassing   func(gfid uint32)
	OnUnreservationPassing func(gfid uint32)
	OnFamilyCreateReceived func(msg CreateMessage) (lfid uint32)
	OnGlobalReceived       func(gfid uint32, t register.Type, index uint32, value register.Value)
	OnTokenReceived        func()
	OnThreadCompletion     func(gfid uint32)
	OnThreadCleanup        func(gfid uint32)
	OnFamilyCompletion     func(gfid uint32, exitCode, exitValue uint64, hasExit bool)
	OnSharedRequested      func(info SharedInfo) (register.Value, bool)
	OnSharedReceived       func(info SharedInfo)
	OnCreateReturned       func(lfid uint32)
}

// globalValueMsg carries one global register's value once around the ring
// behind its family's create broadcast.
type globalValueMsg struct {
	GFID   uint32
	Origin uint32
	Type   register.Type
	Index  uint32
	Value  register.Value
}

// CreateState is the per-tile phase of a create currently streaming globals
// (the design doc section 4.8's create sequence).
type CreateState int

const (
	CreateIdle CreateState = iota
	CreateProcessingLocal
	CreateProcessingRemote
)

// New creates an endpoint for ring position tile. Ring(Prev,Next) must be
// called once the whole ring is constructed.
func New(sched *arbiter.Scheduler, tile uint32) *Network {
	return &Network{sched: sched, tile: tile}
}

// Ring wires this endpoint's neighbours. Tile 0 starts holding the token
// (the design doc section 3's invariant: exactly one tile holds it at any time).
func (n *Network) Ring(prev, next *Network) {
	n.prev = prev
	n.next = next
	if n.tile == 0 {
		n.hasToken = true
	}
}

// Name identifies the Network as an arbiter.Component.
func (n *Network) Name() string { return "network" }

// --- Token protocol ---------------------------------------------------

// RequestToken raises wantToken; if the tile already holds it, this is a
// same-cycle grant. Otherwise it sends an idempotent upstream request.
func (n *Network) RequestToken() {
	arbiter.Commit(n.sched, func() {
		n.wantToken = true
		if !n.hasToken && !n.requestedToken {
			n.requestedToken = true
		}
	})
}

// HasToken reports whether this tile currently holds the create token.
func (n *Network) HasToken() bool { return n.hasToken }

// LockToken increases the lock count when a broadcast begins; the token may
// not be passed on while any lock is held.
func (n *Network) LockToken() {
	arbiter.Commit(n.sched, func() { n.lockToken++ })
}

// UnlockToken decreases the lock count when a broadcast returns.
func (n *Network) UnlockToken() {
	arbiter.Commit(n.sched, func() { n.lockToken-- })
}

// ReleaseToken drops wantToken once the local create sequence is done with
// it (and has no further locks pending).
func (n *Network) ReleaseToken() {
	arbiter.Commit(n.sched, func() { n.wantToken = false })
}

// tickToken runs the token's per-cycle movement: pass it to next if this
// tile doesn't want it, holds no locks, and next has asked.
func (n *Network) tickToken() {
	if n.hasToken && !n.wantToken && n.lockToken == 0 && n.next != nil && n.next.requestedToken {
		arbiter.Commit(n.sched, func() {
			n.hasToken = false
			n.next.hasToken = true
			n.next.requestedToken = false
		})
		if n.sched.Phase() == arbiter.CommitSub && n.next.OnTokenReceived != nil {
			n.next.OnTokenReceived()
		}
	}
}

// --- Create sequence ----------------------------------------------------

// SendFamilyReservation starts a reservation sweep for gfid once around the
// ring: each intermediate tile fires OnReservationPassing, and
// OnReservationComplete fires at the origin once the sweep returns. The
// message is injected at the downstream neighbour so it genuinely traverses
// the ring; on a single-tile ring the neighbour is the origin itself and the
// sweep completes on the next tick.
func (n *Network) SendFamilyReservation(gfid uint32) {
	n.LockToken()
	msg := RemoteFID{GFID: gfid, Origin: n.tile}
	if n.next != nil {
		n.next.reservation.write(n.sched, msg)
	} else {
		n.reservation.write(n.sched, msg)
	}
}

// SendFamilyUnreservation sweeps an unreservation for gfid once around the
// ring, releasing the GFID on every tile that only ever reserved it.
func (n *Network) SendFamilyUnreservation(gfid uint32) {
	msg := RemoteFID{GFID: gfid, Origin: n.tile}
	if n.next != nil {
		n.next.unreservation.write(n.sched, msg)
	} else {
		n.unreservation.write(n.sched, msg)
	}
}

// SendFamilyCreate broadcasts msg from this tile, entering the
// globals-streaming phase.
func (n *Network) SendFamilyCreate(fid uint32, msg CreateMessage) {
	n.createFID = fid
	n.createState = CreateProcessingLocal
	n.createLocal.write(n.sched, msg)
}

// SendGlobal streams one global register's value behind an in-flight create
// broadcast: the value sweeps the ring once, landing in every other tile's
// copy of the family, and is absorbed when it returns to its origin.
func (n *Network) SendGlobal(gfid uint32, t register.Type, index uint32, value register.Value) {
	msg := globalValueMsg{GFID: gfid, Origin: n.tile, Type: t, Index: index, Value: value}
	if n.next != nil {
		n.next.globalValue.write(n.sched, msg)
	} else {
		n.globalValue.write(n.sched, msg)
	}
}

// SendThreadCompletion notifies dest that the first thread on this tile (for
// a family without a local predecessor) has completed.
func (n *Network) SendThreadCompletion(gfid, dest uint32) {
	n.threadCompletion.write(n.sched, gfidNotice{GFID: gfid, Dest: dest})
}

// SendThreadCleanup notifies dest that a thread slot for gfid has been
// recycled.
func (n *Network) SendThreadCleanup(gfid, dest uint32) {
	n.threadCleanup.write(n.sched, gfidNotice{GFID: gfid, Dest: dest})
}

// SendFamilyCompletion notifies a remote parent tile that gfid has
// terminated (killFamily ran), carrying whatever exit code/value this
// tile's slice of the family produced.
func (n *Network) SendFamilyCompletion(gfid, dest uint32, exitCode, exitValue uint64, hasExit bool) {
	n.familyCompletion.write(n.sched, familyCompletionMsg{
		GFID: gfid, Dest: dest, ExitCode: exitCode, ExitValue: exitValue, HasExit: hasExit,
	})
}

// --- Shared register protocol --------------------------------------------

// RequestShared asks the ring, walking toward the producing tile, for a
// dependent register's value. The response is routed back to this tile
// regardless of how many hops the request itself takes.
func (n *Network) RequestShared(info SharedInfo) {
	info.Requester = n.tile
	n.sharedRequest.write(n.sched, info)
}

// SendShared responds with (or unpromptedly delivers, for a remote-parent
// write) a shared register's value.
func (n *Network) SendShared(info SharedInfo) {
	n.sharedResponse.write(n.sched, info)
}

// SendSharedTo delivers a shared register's value unprompted to a specific
// destination tile, forwarded hop by hop like a response whose request was
// never seen (the design doc section 4.8: "writes to parent shareds on a
// remote-parent family emit responses unprompted").
func (n *Network) SendSharedTo(dest uint32, info SharedInfo) {
	info.Requester = dest
	n.sharedResponse.write(n.sched, info)
}

// PushShared hands a shared register's value produced by this tile's last
// thread in a block to the ring's next tile, where the successor block's
// first thread consumes it as its dependent register.
func (n *Network) PushShared(info SharedInfo) {
	dest := n.tile
	if n.next != nil {
		dest = n.next.tile
	}
	n.SendSharedTo(dest, info)
}

// --- Per-cycle advance ----------------------------------------------------

// Tick latches every channel's pending write and forwards/consumes messages
// that arrived this cycle. It must run once per tile per cycle, after every
// tile's commit sub-phase for the cycle has completed, so the whole ring
// advances in lockstep.
func (n *Network) Tick() arbiter.Result {
	progressed := false

	n.createLocal.latch()
	n.createRemote.latch()
	n.globalValue.latch()
	n.reservation.latch()
	n.unreservation.latch()
	n.familyCompletion.latch()
	n.threadCompletion.latch()
	n.threadCleanup.latch()
	n.sharedRequest.latch()
	n.sharedResponse.latch()

	n.tickToken()

	if n.reservation.full() {
		msg := n.reservation.read()
		n.reservation.clear()
		if msg.Origin == n.tile {
			if n.OnReservationComplete != nil {
				n.OnReservationComplete(msg.GFID)
			}
			progressed = true
		} else {
			if n.OnReservationPassing != nil {
				n.OnReservationPassing(msg.GFID)
			}
			if n.next != nil {
				n.next.reservation.write(n.sched, msg)
			}
			progressed = true
		}
	}

	if n.unreservation.full() {
		msg := n.unreservation.read()
		n.unreservation.clear()
		if msg.Origin != n.tile {
			if n.OnUnreservationPassing != nil {
				n.OnUnreservationPassing(msg.GFID)
			}
			if n.next != nil {
				n.next.unreservation.write(n.sched, msg)
			}
			progressed = true
		}
	}

	if n.createLocal.full() {
		// Inject the broadcast onto the ring exactly once; createState keeps
		// tracking the in-flight create until the message returns.
		msg := n.createLocal.read()
		n.createLocal.clear()
		if n.next != nil {
			n.next.createRemote.write(n.sched, msg)
		}
		progressed = true
	}

	if n.createRemote.full() {
		msg := n.createRemote.read()
		n.createRemote.clear()
		isOrigin := msg.ParentTile == n.tile && n.createState == CreateProcessingLocal
		if !isOrigin {
			if n.OnFamilyCreateReceived != nil {
				n.OnFamilyCreateReceived(msg)
			}
			if n.next != nil {
				n.next.createRemote.write(n.sched, msg)
			}
		} else {
			n.createLocal.clear()
			n.createState = CreateIdle
			n.UnlockToken()
			if n.OnCreateReturned != nil {
				n.OnCreateReturned(n.createFID)
			}
		}
		progressed = true
	}

	if n.globalValue.full() {
		msg := n.globalValue.read()
		n.globalValue.clear()
		if msg.Origin != n.tile {
			if n.OnGlobalReceived != nil {
				n.OnGlobalReceived(msg.GFID, msg.Type, msg.Index, msg.Value)
			}
			if n.next != nil {
				n.next.globalValue.write(n.sched, msg)
			}
			progressed = true
		}
	}

	if n.familyCompletion.full() {
		msg := n.familyCompletion.read()
		n.familyCompletion.clear()
		if msg.Dest == n.tile {
			if n.OnFamilyCompletion != nil {
				n.OnFamilyCompletion(msg.GFID, msg.ExitCode, msg.ExitValue, msg.HasExit)
			}
		} else if n.next != nil {
			n.next.familyCompletion.write(n.sched, msg)
		}
		progressed = true
	}
	if n.threadCompletion.full() {
		msg := n.threadCompletion.read()
		n.threadCompletion.clear()
		if msg.Dest == n.tile {
			if n.OnThreadCompletion != nil {
				n.OnThreadCompletion(msg.GFID)
			}
		} else if n.next != nil {
			n.next.threadCompletion.write(n.sched, msg)
		}
		progressed = true
	}
	if n.threadCleanup.full() {
		msg := n.threadCleanup.read()
		n.threadCleanup.clear()
		if msg.Dest == n.tile {
			if n.OnThreadCleanup != nil {
				n.OnThreadCleanup(msg.GFID)
			}
		} else if n.next != nil {
			n.next.threadCleanup.write(n.sched, msg)
		}
		progressed = true
	}

	if n.sharedRequest.full() {
		info := n.sharedRequest.read()
		n.sharedRequest.clear()
		if n.OnSharedRequested != nil {
			if v, ok := n.OnSharedRequested(info); ok {
				info.Value = v
				n.SendShared(info)
			} else if n.next != nil {
				n.next.sharedRequest.write(n.sched, info)
			}
		}
		progressed = true
	}
	if n.sharedResponse.full() {
		info := n.sharedResponse.read()
		n.sharedResponse.clear()
		if info.Requester == n.tile {
			if n.OnSharedReceived != nil {
				n.OnSharedReceived(info)
			}
		} else if n.next != nil {
			n.next.sharedResponse.write(n.sched, info)
		}
		progressed = true
	}

	if progressed {
		return arbiter.Success
	}
	return arbiter.Delayed
}

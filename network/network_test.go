package network_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ringcore/arbiter"
	"github.com/sarchlab/ringcore/family"
	"github.com/sarchlab/ringcore/network"
	"github.com/sarchlab/ringcore/register"
)

func TestNetwork(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Network Suite")
}

// commit runs fn during sched's commit sub-phase only, mirroring how every
// Network method (all internally arbiter.Commit-gated) must be driven in
// isolation from the tile-level RunPhase loop that would otherwise wrap it.
func commit(sched *arbiter.Scheduler, fn func()) {
	sched.RunPhase(func(sub arbiter.SubPhase) {
		if sub == arbiter.CommitSub {
			fn()
		}
	})
}

// tick drives one Tick call through n's own scheduler's commit sub-phase, for
// the same reason: Tick's token-passing path is itself arbiter.Commit-gated.
func tick(sched *arbiter.Scheduler, n *network.Network) arbiter.Result {
	var r arbiter.Result
	sched.RunPhase(func(sub arbiter.SubPhase) {
		if sub == arbiter.CommitSub {
			r = n.Tick()
		}
	})
	return r
}

var _ = Describe("Network ring", func() {
	var (
		sched0, sched1, sched2 *arbiter.Scheduler
		n0, n1, n2             *network.Network
	)

	BeforeEach(func() {
		sched0 = arbiter.NewScheduler()
		sched1 = arbiter.NewScheduler()
		sched2 = arbiter.NewScheduler()
		n0 = network.New(sched0, 0)
		n1 = network.New(sched1, 1)
		n2 = network.New(sched2, 2)
		n0.Ring(n2, n1)
		n1.Ring(n0, n2)
		n2.Ring(n1, n0)
	})

	Describe("token protocol", func() {
		It("starts with tile 0 holding the token", func() {
			Expect(n0.HasToken()).To(BeTrue())
			Expect(n1.HasToken()).To(BeFalse())
			Expect(n2.HasToken()).To(BeFalse())
		})

		It("passes the token to a requesting downstream neighbor on the holder's next tick", func() {
			commit(sched1, func() { n1.RequestToken() })
			tick(sched0, n0)

			Expect(n0.HasToken()).To(BeFalse())
			Expect(n1.HasToken()).To(BeTrue())
		})

		It("withholds the token while the holder has it locked", func() {
			commit(sched0, func() { n0.LockToken() })
			commit(sched1, func() { n1.RequestToken() })
			tick(sched0, n0)

			Expect(n0.HasToken()).To(BeTrue())
		})

		It("withholds the token while the holder itself still wants it", func() {
			commit(sched0, func() { n0.RequestToken() })
			commit(sched1, func() { n1.RequestToken() })
			tick(sched0, n0)

			Expect(n0.HasToken()).To(BeTrue())
		})

		It("invokes OnTokenReceived on the tile that gains the token", func() {
			received := false
			n1.OnTokenReceived = func() { received = true }

			commit(sched1, func() { n1.RequestToken() })
			tick(sched0, n0)

			Expect(received).To(BeTrue())
		})
	})

	Describe("reservation sweep", func() {
		It("reserves on every intermediate tile before completing at the origin", func() {
			var passed []uint32
			n1.OnReservationPassing = func(gfid uint32) { passed = append(passed, 1) }
			n2.OnReservationPassing = func(gfid uint32) { passed = append(passed, 2) }

			var completed uint32
			var gotComplete bool
			n0.OnReservationComplete = func(gfid uint32) { completed = gfid; gotComplete = true }

			commit(sched0, func() { n0.SendFamilyReservation(42) })
			tick(sched1, n1)
			tick(sched2, n2)
			result := tick(sched0, n0)

			Expect(result).To(Equal(arbiter.Success))
			Expect(passed).To(Equal([]uint32{1, 2}))
			Expect(gotComplete).To(BeTrue())
			Expect(completed).To(Equal(uint32(42)))
		})
	})

	Describe("unreservation sweep", func() {
		It("releases the reservation on every other tile and is absorbed back at the origin", func() {
			var passed []uint32
			n1.OnUnreservationPassing = func(gfid uint32) { passed = append(passed, 1) }
			n2.OnUnreservationPassing = func(gfid uint32) { passed = append(passed, 2) }

			commit(sched0, func() { n0.SendFamilyUnreservation(7) })
			tick(sched1, n1)
			tick(sched2, n2)
			result := tick(sched0, n0)

			Expect(passed).To(Equal([]uint32{1, 2}))
			Expect(result).To(Equal(arbiter.Delayed))
		})
	})

	Describe("family create broadcast", func() {
		It("visits every non-origin tile once and returns to the origin", func() {
			var receivedAt []uint32
			n1.OnFamilyCreateReceived = func(msg network.CreateMessage) uint32 {
				receivedAt = append(receivedAt, 1)
				return 0
			}
			n2.OnFamilyCreateReceived = func(msg network.CreateMessage) uint32 {
				receivedAt = append(receivedAt, 2)
				return 0
			}

			msg := network.CreateMessage{GFID: 9, ParentTile: 0}
			commit(sched0, func() { n0.SendFamilyCreate(3, msg) })

			tick(sched0, n0)
			tick(sched1, n1)
			tick(sched2, n2)
			tick(sched0, n0)

			Expect(receivedAt).To(Equal([]uint32{1, 2}))
		})

		It("fires OnCreateReturned on the origin once its own broadcast completes the ring", func() {
			n1.OnFamilyCreateReceived = func(msg network.CreateMessage) uint32 { return 0 }
			n2.OnFamilyCreateReceived = func(msg network.CreateMessage) uint32 { return 0 }

			var returnedFID uint32
			var gotReturn bool
			n0.OnCreateReturned = func(fid uint32) { returnedFID = fid; gotReturn = true }

			msg := network.CreateMessage{GFID: 9, ParentTile: 0}
			commit(sched0, func() { n0.SendFamilyCreate(5, msg) })

			tick(sched0, n0)
			tick(sched1, n1)
			tick(sched2, n2)
			tick(sched0, n0)

			Expect(gotReturn).To(BeTrue())
			Expect(returnedFID).To(Equal(uint32(5)))
		})
	})

	Describe("global register streaming", func() {
		It("delivers a streamed global to every other tile and absorbs it back at the origin", func() {
			var seenOn []uint32
			var got register.Value
			var gotGFID, gotIndex uint32
			n2.OnGlobalReceived = func(gfid uint32, t register.Type, index uint32, v register.Value) {
				seenOn = append(seenOn, 2)
				gotGFID, gotIndex, got = gfid, index, v
			}
			n0.OnGlobalReceived = func(gfid uint32, t register.Type, index uint32, v register.Value) {
				seenOn = append(seenOn, 0)
			}
			n1.OnGlobalReceived = func(uint32, register.Type, uint32, register.Value) {
				Fail("the origin must not receive its own global")
			}

			commit(sched1, func() {
				n1.SendGlobal(4, register.Integer, 3, register.Value{State: register.Full, Data: 5})
			})

			tick(sched2, n2) // first hop: deliver and forward
			tick(sched0, n0) // second hop: deliver and forward
			tick(sched1, n1) // back at the origin: absorbed

			Expect(seenOn).To(Equal([]uint32{2, 0}))
			Expect(gotGFID).To(Equal(uint32(4)))
			Expect(gotIndex).To(Equal(uint32(3)))
			Expect(got.Data).To(Equal(uint64(5)))
		})
	})

	Describe("shared register protocol", func() {
		It("satisfies a request locally without ever reaching the ring when the producer is the requester's own tile", func() {
			n0.OnSharedRequested = func(info network.SharedInfo) (register.Value, bool) {
				return register.Value{State: register.Full, Data: 99}, true
			}
			var responded network.SharedInfo
			var gotResponse bool
			n0.OnSharedReceived = func(info network.SharedInfo) { responded = info; gotResponse = true }

			commit(sched0, func() { n0.RequestShared(network.SharedInfo{GFID: 1}) })
			tick(sched0, n0)
			tick(sched0, n0)

			Expect(gotResponse).To(BeTrue())
			Expect(responded.Value.Data).To(Equal(uint64(99)))
		})

		It("forwards a request the local tile can't satisfy to its downstream neighbor", func() {
			var forwardedTo uint32
			n0.OnSharedRequested = func(info network.SharedInfo) (register.Value, bool) {
				return register.Value{}, false
			}
			n1.OnSharedRequested = func(info network.SharedInfo) (register.Value, bool) {
				forwardedTo = 1
				return register.Value{State: register.Full, Data: 7}, true
			}

			commit(sched0, func() { n0.RequestShared(network.SharedInfo{GFID: 2}) })
			tick(sched0, n0)
			tick(sched1, n1)

			Expect(forwardedTo).To(Equal(uint32(1)))
		})

		It("routes the response back to the requester's tile even when the producer is two hops away", func() {
			n0.OnSharedRequested = func(network.SharedInfo) (register.Value, bool) { return register.Value{}, false }
			n1.OnSharedRequested = func(network.SharedInfo) (register.Value, bool) { return register.Value{}, false }
			n2.OnSharedRequested = func(info network.SharedInfo) (register.Value, bool) {
				return register.Value{State: register.Full, Data: 42}, true
			}
			var responded network.SharedInfo
			var gotResponse bool
			n0.OnSharedReceived = func(info network.SharedInfo) { responded = info; gotResponse = true }
			n1.OnSharedReceived = func(network.SharedInfo) { Fail("response must not land on an intermediate hop") }

			commit(sched0, func() { n0.RequestShared(network.SharedInfo{GFID: 9}) })
			tick(sched0, n0) // n0 can't satisfy it, forwards to n1
			tick(sched1, n1) // n1 can't satisfy it, forwards to n2
			tick(sched2, n2) // n2 satisfies it, writes the response
			tick(sched2, n2) // n2's own response isn't addressed to it, forwards to n0
			tick(sched0, n0) // n0 is the original requester, delivers

			Expect(gotResponse).To(BeTrue())
			Expect(responded.Value.Data).To(Equal(uint64(42)))
		})
	})

	Describe("termination notifications", func() {
		It("forwards OnFamilyCompletion, OnThreadCompletion and OnThreadCleanup around the ring to their destination tile", func() {
			var gotFamily, gotThread, gotCleanup uint32
			var gotExitValue uint64
			var gotHasExit bool
			n0.OnFamilyCompletion = func(uint32, uint64, uint64, bool) { Fail("must not fire on a non-destination tile") }
			n2.OnFamilyCompletion = func(gfid uint32, exitCode, exitValue uint64, hasExit bool) {
				gotFamily, gotExitValue, gotHasExit = gfid, exitValue, hasExit
			}
			n2.OnThreadCompletion = func(gfid uint32) { gotThread = gfid }
			n2.OnThreadCleanup = func(gfid uint32) { gotCleanup = gfid }

			commit(sched0, func() {
				n0.SendFamilyCompletion(11, 2, family.ExitNormal, 42, true)
				n0.SendThreadCompletion(12, 2)
				n0.SendThreadCleanup(13, 2)
			})
			tick(sched0, n0) // tile 0 isn't the destination, forwards to tile 1
			tick(sched1, n1) // tile 1 isn't the destination, forwards to tile 2
			tick(sched2, n2) // tile 2 is the destination, delivers

			Expect(gotFamily).To(Equal(uint32(11)))
			Expect(gotThread).To(Equal(uint32(12)))
			Expect(gotCleanup).To(Equal(uint32(13)))
			Expect(gotHasExit).To(BeTrue())
			Expect(gotExitValue).To(Equal(uint64(42)))
		})
	})
})

package server

import (
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// deadChildSlotCount bounds the mailbox between the signal path and the
// loop. Entries are PIDs, or -1 as a wildcard meaning "some child died,
// scan them all"; since a wildcard triggers a full reap sweep, losing an
// overwritten slot during a burst costs nothing.
const deadChildSlotCount = 8

// deadChildSlots carries exited-child notifications from signal context to
// the event loop. Push never blocks; when the slots are full the oldest
// notification is overwritten.
type deadChildSlots struct {
	ring mpmc.RichOverlappedRingBuffer[int32]
}

func newDeadChildSlots() *deadChildSlots {
	return &deadChildSlots{ring: mpmc.NewOverlappedRingBuffer[int32](deadChildSlotCount)}
}

// push records pid as dead. Safe to call from the signal goroutine while
// the loop drains.
func (d *deadChildSlots) push(pid int32) {
	// EnqueueM only fails on a zero-capacity ring, which cannot happen.
	_, _ = d.ring.EnqueueM(pid)
}

// drain removes and returns every queued PID.
func (d *deadChildSlots) drain() []int32 {
	var pids []int32
	for {
		pid, err := d.ring.Dequeue()
		if err != nil {
			return pids
		}
		pids = append(pids, pid)
	}
}

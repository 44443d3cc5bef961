package sched

import "container/heap"

// delayEntry pairs a task with the monotonic time at which it becomes
// runnable again.
type delayEntry struct {
	pid      PID
	expiryNs uint64
}

// delayHeap is a container/heap.Interface min-heap ordered by expiryNs.
type delayHeap []delayEntry

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].expiryNs < h[j].expiryNs }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(delayEntry)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// SleepQueue is a min-heap of (expiry, pid) pairs ordered by expiry. The
// scheduler uses it both to move expired tasks from Waiting back to Ready
// and to shorten its next LAPIC-timer programming to the smallest pending
// delay.
type SleepQueue struct {
	h delayHeap
}

// Add schedules pid to become runnable again delayNs nanoseconds after now.
func (q *SleepQueue) Add(pid PID, now, delayNs uint64) {
	heap.Push(&q.h, delayEntry{pid: pid, expiryNs: now + delayNs})
}

// Expired pops and returns every PID whose expiry is at or before now.
func (q *SleepQueue) Expired(now uint64) []PID {
	var expired []PID
	for len(q.h) > 0 && q.h[0].expiryNs <= now {
		entry := heap.Pop(&q.h).(delayEntry)
		expired = append(expired, entry.pid)
	}
	return expired
}

// SmallestDelay reports the time remaining until the earliest pending
// expiry, or ok=false if the queue is empty.
func (q *SleepQueue) SmallestDelay(now uint64) (delayNs uint64, ok bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	if q.h[0].expiryNs <= now {
		return 0, true
	}
	return q.h[0].expiryNs - now, true
}

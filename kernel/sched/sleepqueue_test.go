package sched

import "testing"

func TestSleepQueueExpiredOrdering(t *testing.T) {
	var q SleepQueue
	q.Add(3, 0, 300)
	q.Add(1, 0, 100)
	q.Add(2, 0, 200)

	if got := q.Expired(150); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only pid 1 expired at t=150; got %v", got)
	}
	if got := q.Expired(250); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only pid 2 expired at t=250; got %v", got)
	}
	if got := q.Expired(1000); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected only pid 3 expired at t=1000; got %v", got)
	}
	if got := q.Expired(1000); len(got) != 0 {
		t.Fatalf("expected nothing left to expire; got %v", got)
	}
}

func TestSleepQueueSmallestDelay(t *testing.T) {
	var q SleepQueue

	if _, ok := q.SmallestDelay(0); ok {
		t.Fatal("expected ok=false on empty queue")
	}

	q.Add(1, 1000, 500)
	q.Add(2, 1000, 100)

	delay, ok := q.SmallestDelay(1000)
	if !ok || delay != 100 {
		t.Fatalf("expected smallest delay 100; got %d (ok=%v)", delay, ok)
	}

	delay, ok = q.SmallestDelay(1150)
	if !ok || delay != 0 {
		t.Fatalf("expected delay clamped to 0 once past expiry; got %d (ok=%v)", delay, ok)
	}
}

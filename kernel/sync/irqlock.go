package sync

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/kfmt"
)

var (
	errSchedulerLockUnderflow = &kernel.Error{Module: "sync", Message: "scheduler lock released while not held"}

	// panicFn is invoked when a lock invariant is violated. Mocked by
	// tests so the fatal path can be exercised without halting.
	panicFn = kfmt.Panic
)

// SpinLockIrq behaves like Spinlock but additionally disables interrupts for
// the duration of the critical section, restoring the prior RFLAGS.IF state
// on release. Any datum read or written by an ISR must be protected by a
// SpinLockIrq (or the scheduler lock) rather than a bare Spinlock.
type SpinLockIrq struct {
	lock    Spinlock
	savedIF bool
}

// Acquire disables interrupts, recording their prior state, and blocks until
// the underlying spinlock can be acquired.
func (l *SpinLockIrq) Acquire() {
	wasEnabled := cpu.IsIntEnabled()
	cpu.DisableInterrupts()
	l.lock.Acquire()
	l.savedIF = wasEnabled
}

// Release relinquishes the lock and restores interrupts to whatever state
// they were in when Acquire was called.
func (l *SpinLockIrq) Release() {
	wasEnabled := l.savedIF
	l.lock.Release()
	if wasEnabled {
		cpu.EnableInterrupts()
	}
}

// SchedulerLock is a counting, IRQ-disabling lock: Lock disables interrupts
// and increments a nesting counter; Unlock decrements it and only
// re-enables interrupts on the 1→0 transition. It protects the process
// table against concurrent manipulation by the timer ISR and is held across
// the context switch itself, released only once the switched-to task's init
// trampoline calls Unlock.
type SchedulerLock struct {
	count   uint32
	savedIF bool
}

// Lock disables interrupts (recording their prior state on the outermost
// call) and increments the nesting counter.
func (l *SchedulerLock) Lock() {
	wasEnabled := cpu.IsIntEnabled()
	cpu.DisableInterrupts()

	if l.count == 0 {
		l.savedIF = wasEnabled
	}
	l.count++
}

// Unlock decrements the nesting counter, restoring the recorded interrupt
// state once it reaches zero. Calling Unlock without a matching Lock is a
// fatal error.
func (l *SchedulerLock) Unlock() {
	if l.count == 0 {
		panicFn(errSchedulerLockUnderflow)
		return
	}

	l.count--
	if l.count == 0 && l.savedIF {
		cpu.EnableInterrupts()
	}
}

// Held reports whether the lock is currently held by the running context.
func (l *SchedulerLock) Held() bool {
	return l.count > 0
}

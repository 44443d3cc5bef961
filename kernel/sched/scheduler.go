// Package sched implements the preemptable round-robin task scheduler: a
// process table keyed by PID, kernel/user task creation, the sleep queue
// and the voluntary yield/delay/block/unblock operations the timer ISR and
// syscall stubs drive.
package sched

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu/gdt"
	"gopheros/kernel/elf"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/lapic"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/sync"
	"reflect"
	"sync/atomic"
	"unsafe"
)

const (
	kernelStackSize = uint64(mem.PageSize)
	userStackSize   = uint64(mem.PageSize)

	userStackVirtBase = uintptr(0x0080_0000)

	// SchedulerTickNs is the maximum time between preemption ticks.
	SchedulerTickNs = uint64(100_000_000) // 100ms
	// minTimerProgramNs guarantees the switch itself completes before the
	// next tick fires.
	minTimerProgramNs = uint64(1000)
)

var (
	lock  sync.SchedulerLock
	procs = map[PID]*PCB{}
	// order preserves round-robin iteration order across calls, since a Go
	// map has none of its own.
	order []PID
	cur   PID

	sleepQ SleepQueue

	nextPID uint64

	frameAllocFn  = pmm.AllocFrame
	framesAllocFn = pmm.AllocFrames
	newAddrSpcFn  = vmm.NewAddressSpace
	activateTSSFn = gdt.ActiveTSS
	elfLoadFn     = elf.Load
	switchFn      = taskSwitch
	eoiFn         = func() {
		if l := activeLAPIC(); l != nil {
			l.SendEOI()
		}
	}
	nowFn = func() uint64 { return activeHPETTimeNs() }

	errNoRunnableTask = &kernel.Error{Module: "sched", Message: "no runnable task left after blocking the current one"}

	// panicFn is invoked when the process table has nothing left to run.
	// Mocked by tests so the fatal path can be exercised without halting.
	panicFn = kfmt.Panic
)

// activeLAPIC/activeHPETTimeNs are overridden by kmain's bring-up sequence
// once the timer stack is initialised; they default to no-ops so this
// package is importable (and testable) before that wiring exists.
var (
	activeLAPIC        = func() *lapic.LAPIC { return nil }
	activeHPETTimeNsFn = func() uint64 { return 0 }
)

func activeHPETTimeNs() uint64 { return activeHPETTimeNsFn() }

// SetClock wires the scheduler to the running system's calibrated HPET, so
// sleep expiries and scheduling decisions are driven by real elapsed time.
func SetClock(timeSinceBootNs func() uint64) {
	activeHPETTimeNsFn = timeSinceBootNs
}

// SetLAPIC wires the scheduler to the running system's local APIC, so timer
// ticks can be acknowledged and reprogrammed.
func SetLAPIC(l func() *lapic.LAPIC) {
	activeLAPIC = l
}

func allocPID() PID {
	return PID(atomic.AddUint64(&nextPID, 1) - 1)
}

// kernelTaskTrampoline unlocks the scheduler lock and returns into whatever
// entry point address is seeded immediately above it on the stack.
func kernelTaskTrampoline()

// userTaskTrampoline unlocks the scheduler lock and executes iretq against
// the frame seeded immediately above it on the stack.
func userTaskTrampoline()

func funcAddr(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// pushUint64Fn writes v at addr-8 and returns the new, decremented stack
// pointer — the idiom every seeding helper below uses to grow a stack
// downward one slot at a time.
func pushUint64Fn(addr uintptr, v uint64) uintptr {
	addr -= 8
	*(*uint64)(unsafe.Pointer(addr)) = v
	return addr
}

// seedKernelStack lays out the six zeroed callee-saved register slots,
// the kernel trampoline's return address and the task's entry point, per
// the stack seeding layout.
func seedKernelStack(stackTop uintptr, entry uintptr) uintptr {
	sp := stackTop
	sp = pushUint64Fn(sp, uint64(entry))
	sp = pushUint64Fn(sp, funcAddr(kernelTaskTrampoline))
	for i := 0; i < 6; i++ {
		sp = pushUint64Fn(sp, 0)
	}
	return sp
}

// seedUserStack additionally seeds the iretq frame (user SS, user RSP,
// RFLAGS=0x200, user CS, entry RIP) above the trampoline, per the user-task
// creation contract.
func seedUserStack(stackTop, entry, userRSP uintptr, userCS, userSS uint16) uintptr {
	const userRFlags = 0x200

	sp := stackTop
	sp = pushUint64Fn(sp, uint64(userSS))
	sp = pushUint64Fn(sp, uint64(userRSP))
	sp = pushUint64Fn(sp, userRFlags)
	sp = pushUint64Fn(sp, uint64(userCS))
	sp = pushUint64Fn(sp, uint64(entry))
	sp = pushUint64Fn(sp, funcAddr(userTaskTrampoline))
	for i := 0; i < 6; i++ {
		sp = pushUint64Fn(sp, 0)
	}
	return sp
}

func allocStack(size uint64) (phys uintptr, top uintptr, err *kernel.Error) {
	phys, err = framesAllocFn(size / uint64(mem.PageSize))
	if err != nil {
		return 0, 0, err
	}
	top = uintptr(mem.PhysAddr(phys).ToVirt()) + uintptr(size)
	return phys, top, nil
}

// CreateKernelTask creates a task whose code runs in the kernel's own
// address space: the kernel image is already mapped in the direct map, so
// creation only needs a kernel stack. cr3 is the currently active root
// table.
func CreateKernelTask(entry func()) (*PCB, *kernel.Error) {
	_, kStackTop, err := allocStack(kernelStackSize)
	if err != nil {
		return nil, err
	}

	pcb := &PCB{
		PID:            allocPID(),
		State:          Ready,
		CR3:            activeCR3Fn(),
		KernelStackTop: kStackTop,
	}
	pcb.StackTop = seedKernelStack(kStackTop, funcAddr(entry))

	register(pcb)
	return pcb, nil
}

var activeCR3Fn = func() uintptr { return 0 }

// SetActiveCR3Source wires the scheduler to the vmm's notion of the
// currently active root table, used to stamp freshly created kernel tasks.
func SetActiveCR3Source(fn func() uintptr) {
	activeCR3Fn = fn
}

// CreateUserTask builds a fresh address space sharing the kernel's
// higher-half mapping, loads the ELF64 image starting at codePhys per its
// PT_LOAD segments, a kernel stack at its higher-half alias and a user
// stack at 0x0080_0000, then seeds the kernel stack with an iretq frame
// into the image's entry point and the six-register trampoline prologue
// the switch routine expects.
func CreateUserTask(codePhys pmm.Frame, codeSize uint32, userCS, userSS uint16) (*PCB, *kernel.Error) {
	as, err := newAddrSpcFn()
	if err != nil {
		return nil, err
	}
	as.Activate()

	image, err := elfLoadFn(codePhys, codeSize)
	if err != nil {
		return nil, err
	}

	kStackPhys, kStackTop, err := allocStack(kernelStackSize)
	if err != nil {
		return nil, err
	}
	kStackVirt := uintptr(mem.PhysAddr(kStackPhys).ToVirt())
	if err := vmm.MapRegion(vmm.PageFromAddress(kStackVirt), pmm.FrameFromAddress(kStackPhys),
		kernelStackSize/uint64(mem.PageSize), vmm.FlagPresent|vmm.FlagRW); err != nil {
		return nil, err
	}

	uStackPhys, err := framesAllocFn(userStackSize / uint64(mem.PageSize))
	if err != nil {
		return nil, err
	}
	if err := vmm.MapRegion(vmm.PageFromAddress(userStackVirtBase), pmm.FrameFromAddress(uStackPhys),
		userStackSize/uint64(mem.PageSize), vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		return nil, err
	}
	userRSP := userStackVirtBase + uintptr(userStackSize)

	pcb := &PCB{
		PID:            allocPID(),
		State:          Ready,
		CR3:            as.Root().Address(),
		KernelStackTop: kStackTop,
	}
	pcb.StackTop = seedUserStack(kStackTop, image.Entry, userRSP, userCS, userSS)

	register(pcb)
	return pcb, nil
}

func register(pcb *PCB) {
	lock.Lock()
	defer lock.Unlock()

	procs[pcb.PID] = pcb
	order = append(order, pcb.PID)
	if len(order) == 1 {
		cur = pcb.PID
		pcb.State = Running
	}
}

// selectNext implements the round-robin policy: starting from the
// successor of the current PID in process-table order, returns the first
// Ready PCB, wrapping around. If none is Ready, the current task continues
// only if it is still Running (Yield/OnTimerTick calling in with nothing
// else to do); if the caller already moved it to Waiting (Delay/Block),
// there is nothing left to return it to and selectNext reports that by
// returning nil rather than handing the caller back its own waiting PCB.
func selectNext() *PCB {
	if len(order) == 0 {
		return nil
	}

	startIdx := 0
	for i, pid := range order {
		if pid == cur {
			startIdx = i
			break
		}
	}

	for i := 1; i <= len(order); i++ {
		idx := (startIdx + i) % len(order)
		pid := order[idx]
		if pid == cur {
			continue
		}
		if pcb := procs[pid]; pcb != nil && pcb.State == Ready {
			return pcb
		}
	}

	if pcb := procs[cur]; pcb != nil && pcb.State == Running {
		return pcb
	}
	return nil
}

func switchTo(next *PCB) {
	if next == nil || next.PID == cur {
		return
	}

	old := procs[cur]
	old.State = Ready
	next.State = Running
	cur = next.PID

	switchFn(old, next, activateTSSFn())
}

// programNextTick arms the LAPIC timer for min(smallestSleepDelay,
// SchedulerTickNs), clamped to a minimum of minTimerProgramNs.
func programNextTick() {
	l := activeLAPIC()
	if l == nil {
		return
	}

	delay := SchedulerTickNs
	if smallest, ok := sleepQ.SmallestDelay(nowFn()); ok && smallest < delay {
		delay = smallest
	}
	if delay < minTimerProgramNs {
		delay = minTimerProgramNs
	}

	_ = l.SetTimerInitialCountNs(delay)
}

// OnTimerTick is invoked from the LAPIC-timer ISR. It acknowledges the
// interrupt, wakes any expired sleepers, selects the next task, arms the
// next tick and performs the context switch, all with the scheduler lock
// held.
func OnTimerTick() {
	lock.Lock()
	defer lock.Unlock()

	eoiFn()

	now := nowFn()
	for _, pid := range sleepQ.Expired(now) {
		if pcb := procs[pid]; pcb != nil && pcb.State == Waiting {
			pcb.State = Ready
		}
	}

	next := selectNext()
	programNextTick()
	switchTo(next)
}

// Yield behaves like a timer tick without the EOI: it re-evaluates the
// sleep queue, re-arms the timer and switches away if another task is
// Ready.
func Yield() {
	lock.Lock()
	defer lock.Unlock()

	now := nowFn()
	for _, pid := range sleepQ.Expired(now) {
		if pcb := procs[pid]; pcb != nil && pcb.State == Waiting {
			pcb.State = Ready
		}
	}

	next := selectNext()
	programNextTick()
	switchTo(next)
}

// Delay moves the running task to Waiting, records its expiry in the sleep
// queue and reschedules. The caller is never resumed by this call itself:
// if no other task is Ready to take over, that means the idle task the
// scheduler was bootstrapped with is missing, a fatal setup error rather
// than a case this task can safely continue past.
func Delay(delayNs uint64) {
	lock.Lock()
	defer lock.Unlock()

	self := procs[cur]
	self.State = Waiting
	sleepQ.Add(self.PID, nowFn(), delayNs)

	next := selectNext()
	if next == nil {
		panicFn(errNoRunnableTask)
		return
	}
	programNextTick()
	switchTo(next)
}

// Unblock moves pid from Waiting to Ready and reschedules.
func Unblock(pid PID) {
	lock.Lock()
	defer lock.Unlock()

	if pcb := procs[pid]; pcb != nil && pcb.State == Waiting {
		pcb.State = Ready
	}

	next := selectNext()
	programNextTick()
	switchTo(next)
}

// Block moves the running task to Waiting and reschedules. The caller is
// responsible for arranging a later Unblock; there is no timeout. As with
// Delay, a nil selectNext result means no other task was Ready to take
// over and is treated as a fatal scheduler setup error rather than a
// reason to let the now-Waiting task keep running.
func Block() {
	lock.Lock()
	defer lock.Unlock()

	procs[cur].State = Waiting

	next := selectNext()
	if next == nil {
		panicFn(errNoRunnableTask)
		return
	}
	programNextTick()
	switchTo(next)
}

// Current returns the PCB of the running task.
func Current() *PCB {
	lock.Lock()
	defer lock.Unlock()
	return procs[cur]
}

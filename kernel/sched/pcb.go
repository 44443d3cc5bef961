package sched

import "unsafe"

// State is the run state of a PCB.
type State uint8

const (
	// Ready tasks are eligible for selection on the next schedule.
	Ready State = iota
	// Running is the task currently executing on this CPU; exactly one
	// PCB holds this state at a time.
	Running
	// Waiting tasks are blocked, either explicitly (block/delay) or
	// because they called a contended operation, and are skipped by
	// selection until moved back to Ready.
	Waiting
)

// PID identifies a task. Assigned monotonically from a global counter.
type PID uint64

// PCB is the process control block. Its first three fields are read and
// written directly by the assembly context switch (task_switch), so their
// offsets are architecturally fixed: 0x00 stack_top, 0x08 kernel_stack_top,
// 0x10 cr3. Everything after cr3 is Go-only bookkeeping and may be
// reordered freely.
type PCB struct {
	// StackTop is the virtual address of the task's saved kernel stack
	// pointer. Updated by task_switch on every switch-out, read on
	// switch-in.
	StackTop uintptr

	// KernelStackTop is the fixed rsp0 loaded into the TSS whenever this
	// task is switched in, so a ring-3 to ring-0 transition lands on its
	// kernel stack.
	KernelStackTop uintptr

	// CR3 is the physical address of this task's root page table.
	CR3 uintptr

	PID   PID
	State State

	// ExpiryNs is valid only while State == Waiting due to a delay; it is
	// the sleep queue's key for this task.
	ExpiryNs uint64
}

func init() {
	var p PCB
	if off := unsafe.Offsetof(p.StackTop); off != 0x00 {
		panic("sched: PCB.StackTop must sit at offset 0x00")
	}
	if off := unsafe.Offsetof(p.KernelStackTop); off != 0x08 {
		panic("sched: PCB.KernelStackTop must sit at offset 0x08")
	}
	if off := unsafe.Offsetof(p.CR3); off != 0x10 {
		panic("sched: PCB.CR3 must sit at offset 0x10")
	}
}

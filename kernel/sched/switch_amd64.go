package sched

import "gopheros/kernel/cpu/gdt"

// taskSwitch performs the seven-step context switch: push the callee-saved
// registers, save the outgoing stack pointer into old.StackTop, load
// new.CR3 (skipping the write if it already matches the active root table),
// load the incoming stack pointer from new.StackTop, point tss.RSP0 at
// new.KernelStackTop, pop the callee-saved registers back and return into
// whatever the incoming stack's top two slots hold — the trampoline
// seeded by CreateKernelTask/CreateUserTask on a task's first switch-in, or
// the task's own saved return address on every switch after that.
func taskSwitch(old, next *PCB, tss *gdt.TSS)

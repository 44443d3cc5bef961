package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// kernelP4Index is the P4 (root) table index at which the higher-half
	// direct map, and therefore all kernel-owned mappings, begin. Every
	// address space shares the same entries from this index upward.
	kernelP4Index = int(mem.HHBase>>mem.PageLevelShifts[0]) & ((1 << mem.PageLevelBits[0]) - 1)

	// switchRootFn installs a new root page table and flushes the TLB.
	switchRootFn = cpu.SwitchPDT
)

// AddressSpace describes a complete, independently switchable P4 page table
// hierarchy. The kernel's own mappings (direct map, kernel image, MMIO
// window) are shared by every address space by copying the upper half of
// the P4 table; the lower half is private to each AddressSpace and holds a
// task's user-mode mappings.
type AddressSpace struct {
	root pmm.Frame
}

// NewAddressSpace allocates a fresh P4 table, copies the kernel's upper-half
// entries from the currently active table into it and returns the resulting
// AddressSpace. The lower half (user space) starts out completely unmapped.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	root, err := frameAllocFn()
	if err != nil {
		return nil, err
	}

	activeRoot := pmm.Frame(activeRootFn() >> mem.PageShift)
	activeTable := tablePointer(activeRoot)
	newTable := tablePointer(root)

	for i := 0; i < mem.EntriesPerTable; i++ {
		if i >= kernelP4Index {
			newTable[i] = activeTable[i]
		} else {
			newTable[i] = 0
		}
	}

	return &AddressSpace{root: root}, nil
}

// tablePointer returns a pointer to the 512-entry page table stored in
// frame, reached through its higher-half direct-map alias.
func tablePointer(frame pmm.Frame) *[mem.EntriesPerTable]pageTableEntry {
	addr := uintptr(mem.PhysAddr(frame.Address()).ToVirt())
	return (*[mem.EntriesPerTable]pageTableEntry)(ptePtrFn(addr))
}

// Activate switches the MMU to use this address space's root table.
func (as *AddressSpace) Activate() {
	switchRootFn(as.root.Address())
}

// Root returns the physical frame backing this address space's P4 table.
func (as *AddressSpace) Root() pmm.Frame {
	return as.root
}

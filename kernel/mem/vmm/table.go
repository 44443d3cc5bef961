package vmm

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"unsafe"
)

const (
	// pageLevels is the number of page table levels used by the amd64
	// four-level paging scheme (P4, P3, P2, P1).
	pageLevels = 4

	// ptePhysPageMask extracts the physical frame address (bits 12-51)
	// encoded in a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

var (
	// activeRootFn returns the physical address of the currently active
	// root (P4) page table. Mocked by tests.
	activeRootFn = cpu.ActivePDT

	// ptePtrFn returns a pointer to the supplied entry address. Mocked by
	// tests so that walkRoot can be exercised without a real MMU.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is invoked by walkRoot/walkActive with the current page
// level and the page table entry that corresponds to it. Returning false
// aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walkActive performs a page table walk for virtAddr using the currently
// active (CR3) page table hierarchy.
func walkActive(virtAddr uintptr, walkFn pageTableWalker) {
	walkRoot(pmm.Frame(activeRootFn()>>mem.PageShift), virtAddr, walkFn)
}

// walkRoot performs a page table walk for virtAddr starting at the supplied
// root P4 frame. Unlike the recursively self-mapped scheme used by earlier
// designs, intermediate tables are reached through their higher-half direct
// map alias: each table's physical frame is known directly from the parent
// entry, so no reserved P4 slot is needed to bootstrap the walk.
func walkRoot(root pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := mem.PhysAddr(root.Address()).ToVirt()

	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> mem.PageLevelShifts[level]) & ((1 << mem.PageLevelBits[level]) - 1)
		entryAddr := uintptr(tableAddr) + (index << mem.PointerShift)
		pte := (*pageTableEntry)(ptePtrFn(entryAddr))

		if !walkFn(level, pte) {
			return
		}

		if level == pageLevels-1 {
			return
		}

		tableAddr = mem.PhysAddr(pte.Frame().Address()).ToVirt()
	}
}

package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// frameAllocFn allocates a new, zeroed physical frame. Mocked by tests.
	frameAllocFn = pmm.AllocFrame

	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry, which would fault if called outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// panicFn is invoked for page-table invariant violations that the spec
	// treats as fatal kernel bugs rather than recoverable errors. Mocked by
	// tests so the invariant can be exercised without halting.
	panicFn = kfmt.Panic

	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "page is already mapped as a huge page"}
	errNonCanonicalAddr   = &kernel.Error{Module: "vmm", Message: "virtual address falls within the non-canonical hole"}
	errAlreadyMapped      = &kernel.Error{Module: "vmm", Message: "leaf page table entry is already present"}
	errMisalignedMapping  = &kernel.Error{Module: "vmm", Message: "virtual or physical address is not aligned to the requested page size"}
)

// targetLevel4K/2M/1G describe the page-table level at which mappings of
// each page size terminate (P1, P2 and P3 respectively).
const (
	targetLevel4K uint8 = pageLevels - 1
	targetLevel2M uint8 = pageLevels - 2
	targetLevel1G uint8 = pageLevels - 3
)

// Map establishes a 4KiB mapping between a virtual page and a physical memory
// frame in the currently active address space, allocating any missing
// intermediate page tables as needed.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapAt(targetLevel4K, page.Address(), frame.Address(), uintptr(mem.PageSize), flags)
}

// Map2M establishes a 2MiB huge-page mapping starting at the supplied virtual
// address. Both virtAddr and the frame's physical address must be 2MiB-aligned.
func Map2M(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapAt(targetLevel2M, virtAddr, frame.Address(), uintptr(mem.LargePageSize), flags|FlagHugePage)
}

// Map1G establishes a 1GiB huge-page mapping starting at the supplied virtual
// address. Both virtAddr and the frame's physical address must be 1GiB-aligned.
func Map1G(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapAt(targetLevel1G, virtAddr, frame.Address(), uintptr(mem.HugePageSize), flags|FlagHugePage)
}

// zeroTable clears a freshly allocated page table frame through its
// direct-map alias. Safe to call even before the direct map has been fully
// established, since the boot trampoline's bootstrap page tables already
// cover the low physical memory region that early allocations are served
// from.
func zeroTable(frame pmm.Frame) {
	table := (*[mem.EntriesPerTable]pageTableEntry)(ptePtrFn(uintptr(mem.PhysAddr(frame.Address()).ToVirt())))
	for i := range table {
		table[i] = 0
	}
}

// mapAt walks the active page table hierarchy down to targetLevel,
// allocating and zeroing any missing intermediate tables along the way, and
// installs physAddr with flags at that level. The WRITABLE and USER flags
// are propagated onto every intermediate entry on the path so that the
// widest permission requested by any mapping beneath it always wins.
func mapAt(targetLevel uint8, virtAddr, physAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	if !mem.VirtAddr(virtAddr).Canonical() {
		return errNonCanonicalAddr
	}
	if virtAddr%size != 0 || physAddr%size != 0 {
		return errMisalignedMapping
	}

	var err *kernel.Error

	walkActive(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == targetLevel {
			if pte.HasFlags(FlagPresent) {
				panicFn(errAlreadyMapped)
				err = errAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(pmm.FrameFromAddress(physAddr))
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(virtAddr)
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := frameAllocFn()
			if allocErr != nil {
				err = allocErr
				return false
			}

			// The frame may not have been zeroed yet if the direct map is
			// still being constructed (pmm wires up its zeroing path only
			// after vmm.Init finishes), so zero it here unconditionally
			// through its direct-map alias before linking it in.
			zeroTable(newTableFrame)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		// The widest permission requested by the leaf mapping wins on
		// every intermediate entry along the path.
		pte.SetFlags(flags & (FlagRW | FlagUserAccessible))

		return true
	})

	return err
}

// Unmap removes a 4KiB mapping previously installed via Map.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walkActive(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == targetLevel4K {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// MapRegion establishes 4KiB mappings for pageCount consecutive pages
// starting at startPage, backed by pageCount consecutive frames starting at
// startFrame.
func MapRegion(startPage Page, startFrame pmm.Frame, pageCount uint64, flags PageTableEntryFlag) *kernel.Error {
	for page, frame := startPage, startFrame; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := Map(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set, only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching when cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a P2 or P3 entry as mapping a 2MiB or 1GiB page
	// directly instead of pointing to the next-level table.
	FlagHugePage

	// FlagGlobal, if set, prevents the TLB from flushing the cached entry
	// for this page when switching page tables via CR3.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write semantics. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute, if set, marks the page as containing non-executable data.
	FlagNoExecute = 1 << 63
)

// pageTableEntry describes a single entry in a 4-level page table. Bits
// 12-51 hold the physical frame address; the remaining bits hold flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the input flags on the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// pteForAddress returns the final page table entry that corresponds to a
// virtual address within the active address space, along with the level it
// was found at (targetLevel1G/2M/4K), so the caller can compute the right
// intra-page offset. It stops descending and reports the entry as soon as it
// sees FlagHugePage, since a P3/P2 huge-page leaf has no next-level table to
// walk into. It returns ErrInvalidMapping if the address is not mapped.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, uint8, *kernel.Error) {
	var (
		err       *kernel.Error
		entry     *pageTableEntry
		leafLevel uint8
	)

	walkActive(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		leafLevel = pteLevel

		return !pte.HasFlags(FlagHugePage)
	})

	return entry, leafLevel, err
}

// +build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// LargePageShift/LargePageSize describe a 2MiB page, mappable directly
	// by a P2-level page table entry.
	LargePageShift = 21
	LargePageSize  = Size(1 << LargePageShift)

	// HugePageShift/HugePageSize describe a 1GiB page, mappable directly by
	// a P3-level page table entry.
	HugePageShift = 30
	HugePageSize  = Size(1 << HugePageShift)

	// HHBase is the virtual address where the kernel's higher-half direct
	// map of all physical memory begins. A physical address p below
	// DirectMapLimit is reachable at virtual address p+HHBase.
	HHBase = uintptr(0xffff_8000_0000_0000)

	// DirectMapLimit bounds the amount of physical memory that can be
	// reached through the direct map without running into the
	// non-canonical hole on the virtual side.
	DirectMapLimit = uintptr(0x0000_8000_0000_0000)

	// CanonicalHoleStart/CanonicalHoleEnd delimit the non-canonical
	// address range that no valid 48-bit virtual address may fall into.
	// HHBase sits exactly at the end of the hole.
	CanonicalHoleStart = uintptr(0x0000_8000_0000_0000)
	CanonicalHoleEnd   = uintptr(0xffff_8000_0000_0000)

	// EntriesPerTable is the number of page table entries held in a single
	// 4KiB page table at any of the four levels.
	EntriesPerTable = 512

	// entryBits is the number of bits used to index a single page table
	// level (512 entries == 9 bits).
	entryBits = 9
)

// PageLevelShifts gives, for each of the four paging levels (P4, P3, P2, P1),
// the bit offset of the 9-bit index field within a virtual address.
var PageLevelShifts = [4]uint{
	39, // P4
	30, // P3
	21, // P2
	12, // P1
}

// PageLevelBits is the width, in bits, of the index field at each paging
// level; always entryBits on amd64's four-level paging scheme.
var PageLevelBits = [4]uint{entryBits, entryBits, entryBits, entryBits}

// +build amd64

package mem

// PhysAddr is an opaque physical memory address. It is kept distinct from
// VirtAddr at the type level so that the two address spaces can never be
// mixed up by accident when threading pointers through the allocator and
// page-table code.
type PhysAddr uintptr

// Valid reports whether addr lies below the direct-map limit and can
// therefore be reached through the higher-half direct map.
func (addr PhysAddr) Valid() bool {
	return uintptr(addr) < DirectMapLimit
}

// ToVirt returns the higher-half direct-map virtual alias for addr. Callers
// must only invoke this for addresses where Valid() is true.
func (addr PhysAddr) ToVirt() VirtAddr {
	return VirtAddr(uintptr(addr) + HHBase)
}

// Frame returns the frame number that contains addr.
func (addr PhysAddr) Frame() uintptr {
	return uintptr(addr) >> PageShift
}

// VirtAddr is an opaque virtual memory address.
type VirtAddr uintptr

// Index returns the 9-bit page-table index for the given paging level
// (0 == P4, 3 == P1).
func (addr VirtAddr) Index(level uint) uint {
	return uint(addr>>PageLevelShifts[level]) & ((1 << PageLevelBits[level]) - 1)
}

// PageOffset returns the 12-bit intra-page offset of addr.
func (addr VirtAddr) PageOffset() uintptr {
	return uintptr(addr) & (uintptr(PageSize) - 1)
}

// LargePageOffset returns the offset of addr within a 2MiB page.
func (addr VirtAddr) LargePageOffset() uintptr {
	return uintptr(addr) & (uintptr(LargePageSize) - 1)
}

// HugePageOffset returns the offset of addr within a 1GiB page.
func (addr VirtAddr) HugePageOffset() uintptr {
	return uintptr(addr) & (uintptr(HugePageSize) - 1)
}

// Canonical reports whether addr falls outside the non-canonical hole that
// the MMU requires all virtual addresses to avoid.
func (addr VirtAddr) Canonical() bool {
	a := uintptr(addr)
	return a < CanonicalHoleStart || a >= CanonicalHoleEnd
}

// Align rounds addr down to the nearest multiple of size.
func (addr VirtAddr) Align(size Size) VirtAddr {
	mask := uintptr(size) - 1
	return VirtAddr(uintptr(addr) &^ mask)
}

// IsAligned reports whether addr is a multiple of size.
func (addr VirtAddr) IsAligned(size Size) bool {
	return uintptr(addr)&(uintptr(size)-1) == 0
}

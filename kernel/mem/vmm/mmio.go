package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// MMIORegion describes a range of physical memory mapped at its higher-half
// direct-map alias for register access. Obtained via MapMMIO.
type MMIORegion struct {
	// VirtAddr is the base address at which the region can be accessed.
	VirtAddr uintptr
	// mapped holds the pages this call actually installed, so Release only
	// tears down what it added and leaves pre-existing direct-map entries
	// (e.g. low MMIO ranges already covered by the base direct map) alone.
	mapped []Page
}

// MapMMIO maps the physical range [physStart, physEnd) at its higher-half
// direct-map alias using PRESENT|WRITABLE|WRITE_THROUGH|NO_CACHE, rounding
// the range out to whole pages. The call is idempotent: a page that is
// already mapped (typically because it falls within the direct map built by
// vmm.Init) is left untouched.
func MapMMIO(physStart, physEnd uintptr) (*MMIORegion, *kernel.Error) {
	alignedStart := physStart &^ (uintptr(mem.PageSize) - 1)
	alignedEnd := (physEnd + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	pageCount := uint64(alignedEnd-alignedStart) / uint64(mem.PageSize)

	startPage := PageFromAddress(uintptr(mem.PhysAddr(alignedStart).ToVirt()))
	const mmioFlags = FlagRW | FlagWriteThroughCaching | FlagDoNotCache

	region := &MMIORegion{VirtAddr: startPage.Address()}
	for i := uint64(0); i < pageCount; i++ {
		phys := alignedStart + uintptr(i)*uintptr(mem.PageSize)
		page := startPage + Page(i)

		if _, err := Translate(page.Address()); err == nil {
			// Already mapped; every MMIO region is expected to have a
			// unique physical start so this can only happen when the
			// page already belongs to the base direct map.
			continue
		}

		if err := Map(page, pmm.FrameFromAddress(phys), mmioFlags); err != nil {
			region.Release()
			return nil, err
		}
		region.mapped = append(region.mapped, page)
	}

	return region, nil
}

// Release unmaps every page this region actually installed, leaving any
// pre-existing direct-map entries it found already present untouched.
func (r *MMIORegion) Release() {
	for _, page := range r.mapped {
		_ = Unmap(page)
	}
	r.mapped = nil
}

package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address in the active address space, or ErrInvalidMapping if the
// virtual address is not mapped. It honors 2MiB/1GiB huge-page leaves
// installed by Map2M/Map1G, computing the offset against the leaf's actual
// page size rather than always assuming a 4KiB page.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, level, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	switch level {
	case targetLevel1G:
		return pte.Frame().Address() + mem.VirtAddr(virtAddr).HugePageOffset(), nil
	case targetLevel2M:
		return pte.Frame().Address() + mem.VirtAddr(virtAddr).LargePageOffset(), nil
	default:
		return pte.Frame().Address() + PageOffset(virtAddr), nil
	}
}

// PageOffset returns the offset within its containing 4KiB page of a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (uintptr(mem.PageSize) - 1)
}

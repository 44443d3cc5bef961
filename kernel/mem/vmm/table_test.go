package vmm

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"testing"
	"unsafe"
)

func TestWalkRootLevels(t *testing.T) {
	defer func() {
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
	}()

	var tables [pageLevels][mem.EntriesPerTable]pageTableEntry

	// Chain each level's entry to point to the next table's frame so the
	// walk descends through all four levels.
	for level := 0; level < pageLevels-1; level++ {
		nextFrame := pmm.Frame(uintptr(level+1) << 8)
		var pte pageTableEntry
		pte.SetFrame(nextFrame)
		pte.SetFlags(FlagPresent)

		tables[level][0] = pte
	}

	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		for level := 0; level < pageLevels; level++ {
			tableVirt := uintptr(mem.PhysAddr(pmm.Frame(uintptr(level) << 8).Address()).ToVirt())
			if level == 0 {
				tableVirt = uintptr(mem.PhysAddr(0).ToVirt())
			}
			if entryAddr == tableVirt {
				return unsafe.Pointer(&tables[level][0])
			}
		}
		t.Fatalf("unexpected entry address 0x%x", entryAddr)
		return nil
	}

	var visited []uint8
	walkRoot(pmm.Frame(0), 0, func(pteLevel uint8, pte *pageTableEntry) bool {
		visited = append(visited, pteLevel)
		return true
	})

	if len(visited) != pageLevels {
		t.Fatalf("expected walk to visit %d levels; visited %d", pageLevels, len(visited))
	}
	for i, lvl := range visited {
		if lvl != uint8(i) {
			t.Errorf("expected level %d at step %d; got %d", i, i, lvl)
		}
	}
}

func TestWalkRootAbortsWhenWalkerReturnsFalse(t *testing.T) {
	defer func() {
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
	}()

	var table [mem.EntriesPerTable]pageTableEntry
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(&table[0]) }

	callCount := 0
	walkRoot(pmm.Frame(0), 0, func(pteLevel uint8, pte *pageTableEntry) bool {
		callCount++
		return false
	})

	if callCount != 1 {
		t.Errorf("expected walk to stop after the first callback; got %d calls", callCount)
	}
}

func TestWalkActiveUsesActiveRoot(t *testing.T) {
	defer func() {
		activeRootFn = cpu.ActivePDT
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
	}()

	var table [mem.EntriesPerTable]pageTableEntry
	const rootAddr = 0x4000

	activeRootFn = func() uintptr { return rootAddr }
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		if exp := uintptr(mem.PhysAddr(rootAddr).ToVirt()); entryAddr != exp {
			t.Fatalf("expected lookup at 0x%x; got 0x%x", exp, entryAddr)
		}
		return unsafe.Pointer(&table[0])
	}

	callCount := 0
	walkActive(0, func(pteLevel uint8, pte *pageTableEntry) bool {
		callCount++
		return false
	})

	if callCount != 1 {
		t.Error("expected walkActive to invoke the walker at least once")
	}
}

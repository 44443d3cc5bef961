package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// fakeMMU backs walkActive with an in-memory forest of page tables keyed by
// the physical frame each one lives at, so tests can exercise arbitrary
// virtual addresses (not just index 0 at every level) without a real MMU.
type fakeMMU struct {
	tables    map[pmm.Frame]*[mem.EntriesPerTable]pageTableEntry
	nextFrame pmm.Frame
	rootFrame pmm.Frame
	allocated []pmm.Frame
}

func newFakeMMU() *fakeMMU {
	m := &fakeMMU{
		tables:    make(map[pmm.Frame]*[mem.EntriesPerTable]pageTableEntry),
		nextFrame: 100,
	}
	m.rootFrame = m.allocTable()
	return m
}

func (m *fakeMMU) allocTable() pmm.Frame {
	f := m.nextFrame
	m.nextFrame++
	var t [mem.EntriesPerTable]pageTableEntry
	m.tables[f] = &t
	return f
}

// install wires the package-level mock hooks to this fixture. Callers must
// defer restoreMapMocks().
func (m *fakeMMU) install(t *testing.T) {
	activeRootFn = func() uintptr { return m.rootFrame.Address() }

	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		base := entryAddr &^ (uintptr(mem.PageSize) - 1)
		idx := (entryAddr - base) / unsafe.Sizeof(pageTableEntry(0))

		physBase := base - mem.HHBase
		frame := pmm.Frame(physBase >> mem.PageShift)

		table, ok := m.tables[frame]
		if !ok {
			t.Fatalf("access to unknown table frame %d (entryAddr=0x%x)", frame, entryAddr)
			return nil
		}
		return unsafe.Pointer(&table[idx])
	}

	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		f := m.allocTable()
		m.allocated = append(m.allocated, f)
		return f, nil
	}

	flushTLBEntryFn = func(_ uintptr) {}
}

func restoreMapMocks() {
	activeRootFn = cpu.ActivePDT
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
	frameAllocFn = pmm.AllocFrame
	flushTLBEntryFn = cpu.FlushTLBEntry
	panicFn = kfmt.Panic
}

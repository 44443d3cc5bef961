package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"testing"
	"unsafe"
)

func TestNewAddressSpace(t *testing.T) {
	defer func() {
		frameAllocFn = pmm.AllocFrame
		activeRootFn = cpu.ActivePDT
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
		switchRootFn = cpu.SwitchPDT
	}()

	var (
		activeTable [mem.EntriesPerTable]pageTableEntry
		newTable    [mem.EntriesPerTable]pageTableEntry
	)

	// Mark every slot of the currently active table with a distinct,
	// recognizable value so the copy can be verified precisely.
	for i := range activeTable {
		activeTable[i] = pageTableEntry(i + 1)
	}

	const (
		activeRootAddr = 0x1000
		newRootAddr    = 0x2000
	)

	activeRootFn = func() uintptr { return activeRootAddr }
	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		return pmm.Frame(newRootAddr >> mem.PageShift), nil
	}
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		switch entryAddr {
		case uintptr(mem.PhysAddr(activeRootAddr).ToVirt()):
			return unsafe.Pointer(&activeTable[0])
		case uintptr(mem.PhysAddr(newRootAddr).ToVirt()):
			return unsafe.Pointer(&newTable[0])
		default:
			t.Fatalf("unexpected table pointer lookup for address 0x%x", entryAddr)
			return nil
		}
	}

	as, err := NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < mem.EntriesPerTable; i++ {
		if i >= kernelP4Index {
			if newTable[i] != activeTable[i] {
				t.Errorf("expected kernel-half entry %d to be copied from the active table; got %v want %v", i, newTable[i], activeTable[i])
			}
		} else if newTable[i] != 0 {
			t.Errorf("expected user-half entry %d to be zeroed; got %v", i, newTable[i])
		}
	}

	if exp := pmm.Frame(newRootAddr >> mem.PageShift); as.Root() != exp {
		t.Errorf("expected root frame %d; got %d", exp, as.Root())
	}

	var switchedTo uintptr
	switchRootFn = func(root uintptr) { switchedTo = root }
	as.Activate()
	if switchedTo != as.Root().Address() {
		t.Errorf("expected Activate to switch to root 0x%x; got 0x%x", as.Root().Address(), switchedTo)
	}
}

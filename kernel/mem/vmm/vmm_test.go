package vmm

import (
	"bytes"
	"fmt"
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"strings"
	"testing"
	"unsafe"
)

func TestNonRecoverablePageFault(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		readCR2Fn = cpu.ReadCR2
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{0, "read from non-present page"},
		{1, "page protection violation (read)"},
		{2, "write to non-present page"},
		{3, "page protection violation (write)"},
		{4, "page fault in user mode"},
		{8, "page table has reserved bit set"},
		{16, "instruction fetch"},
		{0xf00, "unknown"},
	}

	var (
		regs  irq.Regs
		frame irq.Frame
		buf   bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	readCR2Fn = func() uint64 { return 0xbadf00d000 }

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			defer func() {
				if err := recover(); err != errUnrecoverableFault {
					t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
				}
			}()

			pageFaultHandler(spec.errCode, &frame, &regs)
			if got := buf.String(); !strings.Contains(got, spec.expReason) {
				t.Errorf("expected reason %q; got output:\n%q", spec.expReason, got)
			}
		})
	}
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
	}()

	var (
		regs  irq.Regs
		frame irq.Frame
	)

	readCR2Fn = func() uint64 {
		return 0xbadf00d000
	}

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()

	generalProtectionFaultHandler(0, &frame, &regs)
}

func TestMapDirectMap(t *testing.T) {
	defer func() {
		activeRootFn = cpu.ActivePDT
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
		frameAllocFn = pmm.AllocFrame
		flushTLBEntryFn = cpu.FlushTLBEntry
	}()

	// A single, page-sized backing store plays the role of every table
	// level visited by the walk: the test only cares that mapDirectMap
	// issues one Map2M call per 2MiB chunk of the requested range.
	var tables [8][mem.EntriesPerTable]pageTableEntry

	activeRootFn = func() uintptr { return 0 }
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		idx := (entryAddr / uintptr(unsafe.Sizeof(pageTableEntry(0)))) % uintptr(len(tables))
		return unsafe.Pointer(&tables[idx][0])
	}

	var allocCount int
	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		defer func() { allocCount++ }()
		return pmm.Frame(allocCount + 1), nil
	}
	flushTLBEntryFn = func(_ uintptr) {}

	if err := mapDirectMap(uintptr(4 * mem.LargePageSize)); err != nil {
		t.Fatal(err)
	}
}

func TestInit(t *testing.T) {
	defer func() {
		activeRootFn = cpu.ActivePDT
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
		frameAllocFn = pmm.AllocFrame
		flushTLBEntryFn = cpu.FlushTLBEntry
		handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	}()

	var tables [8][mem.EntriesPerTable]pageTableEntry

	activeRootFn = func() uintptr { return 0 }
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		idx := (entryAddr / uintptr(unsafe.Sizeof(pageTableEntry(0)))) % uintptr(len(tables))
		return unsafe.Pointer(&tables[idx][0])
	}

	var allocCount int
	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		defer func() { allocCount++ }()
		return pmm.Frame(allocCount + 1), nil
	}
	flushTLBEntryFn = func(_ uintptr) {}

	var registered []irq.ExceptionNum
	handleExceptionWithCodeFn = func(num irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {
		registered = append(registered, num)
	}

	if err := Init(uintptr(mem.LargePageSize)); err != nil {
		t.Fatal(err)
	}

	if len(registered) != 2 || registered[0] != irq.PageFaultException || registered[1] != irq.GPFException {
		t.Errorf("expected page-fault and GPF handlers to be registered; got %v", registered)
	}
}

// Package kmain contains the kernel's bring-up sequence: everything that
// runs between the rt0 trampoline handing control to Go and the scheduler
// taking over the core permanently.
package kmain

import (
	"gopheros/device/acpi"
	"gopheros/device/acpi/table"
	"gopheros/device/serial"
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/cpu/gdt"
	"gopheros/kernel/goruntime"
	"gopheros/kernel/hal"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/hpet"
	"gopheros/kernel/ioapic"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/lapic"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/pci"
	"gopheros/kernel/pic"
	"gopheros/kernel/sched"
	"gopheros/kernel/vfs"
	"reflect"
	"unsafe"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// rootFS is the in-memory root filesystem boot modules are mounted into. It
// is not otherwise exercised yet; syscall stubs will eventually resolve
// paths against it.
var rootFS = vfs.NewDir()

// Kmain is the kernel's Go entrypoint. The rt0 initialization code reaches
// it through the main trampoline in stub.go, which passes the address of the
// multiboot info payload provided by the boot loader as well as the physical
// start/end addresses of the kernel image.
//
// Kmain is not expected to return. If it does, control unwinds through main
// back to the rt0 code, which halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	// A 16550 UART gives us a logging sink that works before any console
	// driver has been probed for, and keeps working if none is found.
	kfmt.SetOutputSink(serial.New(serial.COM1))
	kfmt.Printf("booting gopheros\n")

	gdt.Init()
	irq.Init()
	pic.Init()

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	if err = vmm.Init(highestRAMAddr()); err != nil {
		kfmt.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	hal.DetectHardware()
	scanPCIBus()
	mountBootModules()

	sched.SetActiveCR3Source(func() uintptr { return cpu.ActivePDT() })
	bringUpTimers()

	// The idle task is created first so it becomes the scheduler's notion
	// of "currently running" without an explicit first switch: Kmain's own
	// halt loop below doubles as its body until the first timer tick saves
	// this boot stack into the idle PCB and hands the CPU to a real task.
	if _, err = sched.CreateKernelTask(idleTask); err != nil {
		kfmt.Panic(err)
	}

	cpu.EnableInterrupts()
	idleTask()

	// idleTask never returns; reaching here would mean Kmain itself was
	// scheduled back in over a corrupted stack. Use kfmt.Panic instead of
	// panic so the compiler cannot treat this call as dead code.
	kfmt.Panic(errKmainReturned)
}

// idleTask halts until the next interrupt, repeatedly. It runs whenever no
// other task is Ready, and is also literally what Kmain falls into once
// bring-up finishes, since the first kernel task created always becomes the
// scheduler's initial "current" task.
func idleTask() {
	for {
		cpu.Halt()
	}
}

// highestRAMAddr walks the boot loader's memory map and returns the end
// address of the highest MemAvailable region, the limit vmm.Init needs to
// size the higher-half direct map.
func highestRAMAddr() uintptr {
	var highest uintptr
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type == multiboot.MemAvailable {
			if end := uintptr(entry.PhysAddress + entry.Length); end > highest {
				highest = end
			}
		}
		return true
	})
	return highest
}

// bringUpTimers reads the MADT and HPET tables discovered by the ACPI
// driver during hal.DetectHardware, initializes the local APIC and any
// I/O APICs, masks the legacy PICs and calibrates the LAPIC timer against
// the HPET. If no HPET is present the core runs without preemption; the
// scheduler's voluntary operations (Yield, Delay, Block/Unblock) still
// work without it.
func bringUpTimers() {
	hpetTable := acpi.HPET()
	if hpetTable == nil {
		kfmt.Printf("[kmain] no HPET table; running without preemption\n")
		return
	}

	hpetDev, err := hpet.Init(uintptr(hpetTable.BaseAddress.Address))
	if err != nil {
		kfmt.Printf("[kmain] HPET init failed: %s\n", err.Message)
		return
	}

	l, err := lapic.Init()
	if err != nil {
		kfmt.Printf("[kmain] LAPIC init failed: %s\n", err.Message)
		return
	}
	sched.SetLAPIC(func() *lapic.LAPIC { return l })
	sched.SetClock(hpetDev.TimeSinceBootNs)

	var (
		ioapicDev *ioapic.IOAPIC
		overrides []ioapic.Override
	)
	acpi.WalkMADT(func(entryType table.MADTEntryType, entryAddr uintptr, entry *table.MADTEntry) {
		const entryHeaderLen = 2

		switch entryType {
		case table.MADTEntryTypeIOAPIC:
			if ioapicDev != nil {
				return
			}
			e := (*table.MADTEntryIOAPIC)(unsafe.Pointer(entryAddr + entryHeaderLen))
			if dev, ierr := ioapic.Init(uintptr(e.Address), e.SysInterruptBase); ierr == nil {
				ioapicDev = dev
			}
		case table.MADTEntryTypeIntSrcOverride:
			e := (*table.MADTEntryInterruptSrcOverride)(unsafe.Pointer(entryAddr + entryHeaderLen))
			overrides = append(overrides, ioapic.Override{
				IRQSource: e.IRQSrc,
				GSI:       e.GlobalInterrupt,
				Flags:     e.Flags,
			})
		}
	})

	if ioapicDev != nil {
		ioapicDev.Program(overrides)
	}
	pic.Disable()

	irq.HandleInterrupt(irq.LAPICTimerVector, func(_ *irq.Frame, _ *irq.Regs) {
		sched.OnTimerTick()
	})
	l.CalibrateTimer(hpetDev, uint8(irq.LAPICTimerVector))
}

// scanPCIBus walks every PCI bus/device/function slot and logs what answers.
// The IOAPIC/HPET discovery path above only tells us about interrupt
// routing; this gives the bring-up log a sanity check of what hardware is
// actually on the bus before the scheduler starts handing out CPU time.
func scanPCIBus() {
	count := 0
	pci.Enumerate(func(d pci.Device) bool {
		count++
		kfmt.Printf("[kmain] pci %d:%d.%d vendor=%x device=%x class=%x:%x\n",
			d.Bus, d.Slot, d.Function, d.VendorID, d.DeviceID, d.ClassCode, d.Subclass)
		return true
	})
	kfmt.Printf("[kmain] pci scan found %d device(s)\n", count)
}

// physOverlay views the size bytes physically addressed at phys as a byte
// slice through the direct map, the same trick kernel/elf uses to read a
// boot-loaded image without copying it first.
func physOverlay(phys uintptr, size int) []byte {
	addr := uintptr(mem.PhysAddr(phys).ToVirt())
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  size,
		Cap:  size,
	}))
}

// mountBootModules copies every boot loader module (initrd-style payloads
// passed via the multiboot module tag) into rootFS as a plain file named
// after the module's boot loader string, so later code can find them by
// path instead of by physical address.
func mountBootModules() {
	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		size := uint64(mod.PhysEnd - mod.PhysStart)
		data := physOverlay(mod.PhysStart, int(size))

		f, err := rootFS.Create(mod.Name)
		if err != nil {
			kfmt.Printf("[kmain] mounting module %s failed: %s\n", mod.Name, err.Message)
			return true
		}
		if _, err := f.Write(0, data); err != nil {
			kfmt.Printf("[kmain] writing module %s failed: %s\n", mod.Name, err.Message)
		}
		kfmt.Printf("[kmain] mounted boot module %s (%d bytes)\n", mod.Name, size)
		return true
	})
}

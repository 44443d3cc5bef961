package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler when building the kernel.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page or general protection fault"}
)

// Init builds the higher-half direct map for all physical memory up to
// highestRAMAddr, wires the pmm package's frame-zeroing path through it and
// installs the page-fault and general-protection-fault handlers. It must be
// invoked once, after pmm.Init, while the bootstrap page tables installed by
// the kernel entry trampoline are still active.
func Init(highestRAMAddr uintptr) *kernel.Error {
	if err := mapDirectMap(highestRAMAddr); err != nil {
		return err
	}

	pmm.SetDirectMapper(
		func(phys uintptr) bool { return phys < highestRAMAddr },
		func(phys uintptr) uintptr { return uintptr(mem.PhysAddr(phys).ToVirt()) },
	)

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// mapDirectMap installs 2MiB mappings covering [0, limit) at mem.HHBase using
// the identity frame-to-physical-address correspondence: the frame that
// backs HHBase+addr is always the frame at physical address addr.
func mapDirectMap(limit uintptr) *kernel.Error {
	framesPerLargePage := uint64(mem.LargePageSize / mem.PageSize)
	largePages := (uint64(limit) + uint64(mem.LargePageSize) - 1) / uint64(mem.LargePageSize)

	for i := uint64(0); i < largePages; i++ {
		virt := mem.HHBase + uintptr(i*uint64(mem.LargePageSize))
		frame := pmm.Frame(i * framesPerLargePage)
		if err := Map2M(virt, frame, FlagRW|FlagGlobal|FlagNoExecute); err != nil {
			return err
		}
	}

	return nil
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\npage fault while accessing address: 0x%16x\nreason: ", faultAddress)
	switch errorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page fault in user mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown, code=%d", errorCode)
	}

	kfmt.Printf("\n\nregisters:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\ngeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("registers:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}

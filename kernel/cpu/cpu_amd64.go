package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// IsIntEnabled reports whether RFLAGS.IF is currently set.
func IsIntEnabled() bool

// WithoutInterrupts disables interrupts, runs fn and restores the prior
// RFLAGS.IF state. This is the only sanctioned way to touch data shared
// with an ISR from thread context without holding a SpinLockIrq.
func WithoutInterrupts(fn func()) {
	wasEnabled := IsIntEnabled()
	DisableInterrupts()
	fn()
	if wasEnabled {
		EnableInterrupts()
	}
}

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// Outb writes a byte to the given I/O port.
func Outb(port uint16, data uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outw writes a word to the given I/O port.
func Outw(port uint16, data uint16)

// Inw reads a word from the given I/O port.
func Inw(port uint16) uint16

// Outl writes a double word to the given I/O port.
func Outl(port uint16, data uint32)

// Inl reads a double word from the given I/O port.
func Inl(port uint16) uint32

// IOWait performs a tiny delay by writing a throwaway byte to an unused
// port. Used between successive PIC remap writes to give the chip time
// to process each command on old hardware.
func IOWait() {
	Outb(0x80, 0)
}

// RDMSR reads the model-specific register identified by reg.
func RDMSR(reg uint32) uint64

// WRMSR writes val to the model-specific register identified by reg.
func WRMSR(reg uint32, val uint64)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

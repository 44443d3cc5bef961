package irq

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = ExceptionNum(0)

	// Breakpoint is raised by the INT3 instruction.
	Breakpoint = ExceptionNum(3)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = ExceptionNum(6)

	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// Vector identifies an IDT slot used for an external interrupt or a
// software interrupt gate, as opposed to a CPU-raised exception.
type Vector uint8

const (
	// LAPICTimerVector fires on every local APIC timer tick (IRQ0) and
	// drives scheduler preemption.
	LAPICTimerVector Vector = 0x20

	// KeyboardVector fires when the PS/2 keyboard controller raises
	// IRQ1, routed through the IOAPIC.
	KeyboardVector Vector = 0x21

	// NICVector fires on IRQ11, reserved for the network controller.
	NICVector Vector = 0x2b

	// SyscallVector is a DPL=3 software interrupt gate used by user-mode
	// tasks to request kernel services.
	SyscallVector Vector = 0x2e

	// HPETVector fires when the HPET comparator configured for
	// legacy-replacement routing expires.
	HPETVector Vector = 0x2f
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)

// HandleInterrupt registers handler for the IDT slot identified by vector.
// Used for external interrupts and the syscall gate, none of which push an
// error code.
func HandleInterrupt(vector Vector, handler ExceptionHandler)

// Init populates the 48-entry IDT with trampolines for every vector that can
// be targeted via HandleException, HandleExceptionWithCode or
// HandleInterrupt and loads it into the CPU. Entries with no registered
// handler are left marked as non-present.
func Init() {
	installIDT()
}

// installIDT builds the gate descriptors and issues LIDT.
func installIDT()

// dispatchInterrupt is invoked by the generated entrypoint stubs to route an
// incoming interrupt or exception to the handler registered for its vector.
func dispatchInterrupt()

// interruptGateEntries contains the generated trampoline for each of the 48
// IDT slots: it pushes the caller-saved general purpose registers, loads a
// pointer to the on-stack Frame (and, for exceptions that push one, the
// error code) into the argument registers expected by dispatchInterrupt,
// calls it, restores the registers and executes iretq.
func interruptGateEntries()

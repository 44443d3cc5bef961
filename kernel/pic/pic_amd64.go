// Package pic drives the legacy dual 8259 programmable interrupt
// controllers. The kernel only uses them long enough to remap and mask
// them off once the IOAPIC takes over external interrupt routing; a
// spurious legacy IRQ arriving before that point must still be
// acknowledged on the correct chip or the PIC will never raise another one.
package pic

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/sync"
)

const (
	masterCmdPort  = 0x20
	masterDataPort = 0x21
	slaveCmdPort   = 0xa0
	slaveDataPort  = 0xa1

	icwInit = 0x10
	icwICW4 = 0x01
	icw4_8086 = 0x01

	cmdEOI = 0x20
)

var lock sync.Spinlock

// Remap reprograms the master and slave PICs so that their IRQ lines are
// delivered on masterOffset..masterOffset+7 and slaveOffset..slaveOffset+7
// instead of the BIOS default range (0x08-0x0f), which overlaps CPU
// exception vectors.
func Remap(masterOffset, slaveOffset uint8) {
	lock.Acquire()
	defer lock.Release()

	masterMask := cpu.Inb(masterDataPort)
	slaveMask := cpu.Inb(slaveDataPort)

	cpu.Outb(masterCmdPort, icwInit|icwICW4)
	cpu.IOWait()
	cpu.Outb(slaveCmdPort, icwInit|icwICW4)
	cpu.IOWait()

	cpu.Outb(masterDataPort, masterOffset)
	cpu.IOWait()
	cpu.Outb(slaveDataPort, slaveOffset)
	cpu.IOWait()

	// tell master about the slave at IRQ2, tell slave its cascade identity
	cpu.Outb(masterDataPort, 1<<2)
	cpu.IOWait()
	cpu.Outb(slaveDataPort, 2)
	cpu.IOWait()

	cpu.Outb(masterDataPort, icw4_8086)
	cpu.IOWait()
	cpu.Outb(slaveDataPort, icw4_8086)
	cpu.IOWait()

	cpu.Outb(masterDataPort, masterMask)
	cpu.Outb(slaveDataPort, slaveMask)
}

// Disable masks every IRQ line on both chips. Called once the IOAPIC has
// been programmed so that the legacy PIC never raises an interrupt again.
func Disable() {
	lock.Acquire()
	defer lock.Release()

	cpu.Outb(slaveDataPort, 0xff)
	cpu.Outb(masterDataPort, 0xff)
}

// SendEOI acknowledges the interrupt identified by irq (0-15), notifying
// the slave PIC first when the IRQ originated there.
func SendEOI(irq uint8) {
	lock.Acquire()
	defer lock.Release()

	if irq >= 8 {
		cpu.Outb(slaveCmdPort, cmdEOI)
	}
	cpu.Outb(masterCmdPort, cmdEOI)
}

// Init remaps both PICs to vectors 0x20-0x2f and immediately masks every
// line. The IOAPIC driver is responsible for routing external interrupts
// from this point on; the legacy PICs are kept initialized-but-disabled
// rather than left in their BIOS-default state, since an unmasked legacy
// line whose vector overlaps a CPU exception would otherwise misdeliver.
func Init() {
	Remap(0x20, 0x28)
	Disable()
}

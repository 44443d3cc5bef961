// Package ioapic programs an I/O APIC's redirection table so that each
// global system interrupt it owns is delivered to the vector the core
// installed a handler for.
package ioapic

import (
	"gopheros/kernel"
	"gopheros/kernel/mem/vmm"
	"unsafe"
)

const (
	regIOAPICVER = 0x01

	regRedirTblBase = 0x10

	redirVectorMask   = 0xff
	redirPinPolarity  = 1 << 13
	redirTriggerMode  = 1 << 15
	redirMasked       = 1 << 16
	redirDestShift    = 56
)

var (
	read32Fn  = func(addr uintptr) uint32 { return *(*uint32)(unsafe.Pointer(addr)) }
	write32Fn = func(addr uintptr, v uint32) { *(*uint32)(unsafe.Pointer(addr)) = v }

	mapMMIOFn = vmm.MapMMIO
)

// Override describes a MADT interrupt-source override entry: an ISA IRQ
// (bus-relative) redirected to a different global system interrupt, with
// its own polarity/trigger-mode flags.
type Override struct {
	IRQSource uint8
	GSI       uint32
	Flags     uint16
}

// IOAPIC represents a single, MMIO-mapped I/O APIC.
type IOAPIC struct {
	base    uintptr
	region  *vmm.MMIORegion
	gsiBase uint32
}

// Init maps the I/O APIC at physBase and returns a handle for it. gsiBase
// is the global system interrupt number of the chip's first input pin, as
// reported by the owning MADT entry.
func Init(physBase uintptr, gsiBase uint32) (*IOAPIC, *kernel.Error) {
	region, err := mapMMIOFn(physBase, physBase+0x20)
	if err != nil {
		return nil, err
	}
	return &IOAPIC{base: region.VirtAddr, region: region, gsiBase: gsiBase}, nil
}

// Release tears down the MMIO mapping backing this I/O APIC.
func (a *IOAPIC) Release() {
	a.region.Release()
}

func (a *IOAPIC) writeRegSel(index uint32) {
	write32Fn(a.base, index)
}

func (a *IOAPIC) writeRegWin(v uint32) {
	write32Fn(a.base+0x10, v)
}

func (a *IOAPIC) readRegWin() uint32 {
	return read32Fn(a.base + 0x10)
}

func (a *IOAPIC) readReg(index uint32) uint32 {
	a.writeRegSel(index)
	return a.readRegWin()
}

func (a *IOAPIC) writeReg(index uint32, v uint32) {
	a.writeRegSel(index)
	a.writeRegWin(v)
}

// NumGSI returns the number of global system interrupts this chip owns, as
// read from its version register.
func (a *IOAPIC) NumGSI() uint8 {
	return uint8(a.readReg(regIOAPICVER)>>16) + 1
}

func (a *IOAPIC) readRedirTbl(index uint32) uint64 {
	lo := a.readReg(regRedirTblBase + 2*index)
	hi := a.readReg(regRedirTblBase + 2*index + 1)
	return uint64(hi)<<32 | uint64(lo)
}

func (a *IOAPIC) writeRedirTbl(index uint32, v uint64) {
	a.writeReg(regRedirTblBase+2*index, uint32(v))
	a.writeReg(regRedirTblBase+2*index+1, uint32(v>>32))
}

// defaultOverrides covers legacy ISA IRQs whose routing is not otherwise
// described by a MADT interrupt-source override, e.g. the PS/2 keyboard on
// IRQ1, which always targets GSI1.
var defaultOverrides = []Override{
	{IRQSource: 1, GSI: 1},
}

// Program writes a redirection-table entry for every GSI this chip owns.
// overrides are merged on top of defaultOverrides, taking priority on a
// GSI conflict; any GSI with neither a default nor an override entry is
// masked.
func (a *IOAPIC) Program(overrides []Override) {
	entries := make(map[uint32]Override, len(defaultOverrides)+len(overrides))
	for _, o := range defaultOverrides {
		entries[o.GSI] = o
	}
	for _, o := range overrides {
		entries[o.GSI] = o
	}

	numGSI := uint32(a.NumGSI())
	for gsi := a.gsiBase; gsi < a.gsiBase+numGSI; gsi++ {
		index := gsi - a.gsiBase

		o, ok := entries[gsi]
		if !ok {
			a.writeRedirTbl(index, redirMasked)
			continue
		}

		vector := uint64(o.IRQSource) + 0x20
		val := vector & redirVectorMask
		if o.Flags&0x2 != 0 {
			val |= redirPinPolarity
		}
		if o.Flags&0x8 != 0 {
			val |= redirTriggerMode
		}
		// destination = BSP (APIC ID 0); multi-core routing is not
		// supported yet.
		val |= 0 << redirDestShift

		a.writeRedirTbl(index, val)
	}
}

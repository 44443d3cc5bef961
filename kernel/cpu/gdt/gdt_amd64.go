// Package gdt builds the kernel's global descriptor table and per-core task
// state segment: null, kernel code/data, user code/data and a TSS
// descriptor, per the fixed layout ring transitions require.
package gdt

import (
	"encoding/binary"
	"unsafe"
)

// Selectors into the GDT built by Init. Each already carries the RPL the
// descriptor is meant to be loaded with.
const (
	SelectorKernelCode = 0x08
	SelectorKernelData = 0x10
	SelectorUserCode   = 0x18 | 3
	SelectorUserData   = 0x20 | 3
	selectorTSS        = 0x28
)

// Flat, present, long-mode descriptors for the four fixed segments. Base and
// limit are ignored by the CPU for code/data segments in 64-bit mode except
// for the access/flags bits the hardware still inspects, so base=0,
// limit=0xfffff is the conventional all-zero placeholder.
const (
	kernelCodeDescriptor = 0x00AF9A000000FFFF
	kernelDataDescriptor = 0x00CF92000000FFFF
	userCodeDescriptor   = 0x00AFFA000000FFFF
	userDataDescriptor   = 0x00CFF2000000FFFF

	tssAccessByte = 0x89 // present, DPL 0, type 0b1001 (64-bit TSS, available)
)

// TSS is the 64-bit task state segment. Only rsp0 (the stack pointer loaded
// on a ring-3->ring-0 transition) is written at runtime today; the IST
// slots are reserved for a future NMI/double-fault stack.
//
// Field offsets follow the CPU's fixed TSS layout exactly (reserved0 at 0,
// rsp0 at 4, ...); it is kept as a raw byte array rather than a Go struct
// because Go would insert padding before rsp0 to honor uint64 alignment,
// shifting every field after it out from under the hardware's expectations.
type TSS struct {
	raw [104]byte
}

const (
	offRSP0      = 4
	offRSP1      = 12
	offRSP2      = 20
	offIST1      = 36
	offIOMapBase = 102
)

// SetRSP0 updates the kernel stack pointer loaded into RSP on a ring-3 to
// ring-0 transition. Called by the scheduler on every context switch with
// the incoming task's kernel_stack_top.
func (t *TSS) SetRSP0(rsp0 uint64) {
	binary.LittleEndian.PutUint64(t.raw[offRSP0:], rsp0)
}

// RSP0 returns the currently programmed ring-0 stack pointer.
func (t *TSS) RSP0() uint64 {
	return binary.LittleEndian.Uint64(t.raw[offRSP0:])
}

// SetIST writes one of the seven interrupt-stack-table slots (1-7).
func (t *TSS) SetIST(index int, sp uint64) {
	binary.LittleEndian.PutUint64(t.raw[offIST1+(index-1)*8:], sp)
}

var activeTSS TSS

// ActiveTSS returns the single per-core TSS built by Init.
func ActiveTSS() *TSS { return &activeTSS }

// buildTSSDescriptor packs a 16-byte system descriptor (two GDT slots)
// pointing at a TSS of the given size located at base.
func buildTSSDescriptor(base uint64, size uint32) (lo, hi uint64) {
	limit := uint64(size - 1)

	lo = limit & 0xffff
	lo |= (base & 0xffffff) << 16
	lo |= uint64(tssAccessByte) << 40
	lo |= ((limit >> 16) & 0xf) << 48
	lo |= ((base >> 24) & 0xff) << 56

	hi = base >> 32
	return lo, hi
}

// table is the in-memory GDT: null, kernel code, kernel data, user code,
// user data, then the two slots the TSS descriptor occupies.
var table [7]uint64

// Init builds the descriptor table around the per-core TSS, loads it with
// LGDT and loads the TSS selector with LTR.
func Init() {
	table[1] = kernelCodeDescriptor
	table[2] = kernelDataDescriptor
	table[3] = userCodeDescriptor
	table[4] = userDataDescriptor

	tssBase := uint64(uintptr(unsafe.Pointer(&activeTSS)))
	table[5], table[6] = buildTSSDescriptor(tssBase, uint32(unsafe.Sizeof(activeTSS)))

	loadGDT(uintptr(unsafe.Pointer(&table[0])), uint16(len(table)*8-1))
	loadTSS(selectorTSS)
}

// loadGDT issues LGDT against a table of byteLen+1 bytes starting at base.
func loadGDT(base uintptr, byteLen uint16)

// loadTSS issues LTR against the given GDT selector.
func loadTSS(selector uint16)

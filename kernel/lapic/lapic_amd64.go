// Package lapic drives the local APIC: interrupt acknowledgement and the
// APIC timer used to preempt the running task.
package lapic

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem/vmm"
	"sync/atomic"
	"unsafe"
)

const (
	msrAPICBase       = 0x1b
	apicGlobalEnable  = 1 << 11
	apicBaseAddrMask  = ^uint64(0xfff)
	cpuidLeaf1EdxAPIC = 1 << 9

	regTaskPriority    = 0x80
	regEOI             = 0xb0
	regSpuriousVector  = 0xf0
	regLVTTimer        = 0x320
	regTimerInitCount  = 0x380
	regTimerCurrCount  = 0x390
	regTimerDivide     = 0x3e0

	spuriousVector  = 0xff
	spuriousEnable  = 1 << 8
	lvtMasked       = 1 << 16
	lvtTimerPeriodic = 1 << 17

	divideBy128 = 0b1010
	divideBy64  = 0b1001

	calibrationNs = 1_000_000_000
)

var (
	read32Fn  = func(addr uintptr) uint32 { return *(*uint32)(unsafe.Pointer(addr)) }
	write32Fn = func(addr uintptr, v uint32) { *(*uint32)(unsafe.Pointer(addr)) = v }

	cpuidFn = cpu.ID
	rdmsrFn = cpu.RDMSR
	wrmsrFn = cpu.WRMSR
	mapMMIOFn = vmm.MapMMIO
)

// errNoLAPIC is returned by Init when CPUID reports no local APIC on this
// core.
var errNoLAPIC = &kernel.Error{Module: "lapic", Message: "local APIC not present on this core"}

// hpetCounter abstracts the two HPET operations timer calibration needs,
// so the calibration loop can be driven by a fake clock in tests.
type hpetCounter interface {
	ReadMainCounter() uint64
	NsToCounter(ns uint64) uint64
}

// atomic calibration results, read by the scheduler when arming the next
// preemption tick.
var (
	timerFreqHz  uint64
	timerDivider uint64 = 128
)

// TimerFrequencyHz returns the last calibrated APIC timer frequency.
func TimerFrequencyHz() uint64 { return atomic.LoadUint64(&timerFreqHz) }

// TimerDivider returns the divider in effect after the last calibration.
func TimerDivider() uint64 { return atomic.LoadUint64(&timerDivider) }

// LAPIC represents the calibrated local APIC of the running core.
type LAPIC struct {
	base   uintptr
	region *vmm.MMIORegion
}

func (l *LAPIC) readReg(offset uint32) uint32 {
	return read32Fn(l.base + uintptr(offset))
}

func (l *LAPIC) writeReg(offset uint32, v uint32) {
	write32Fn(l.base+uintptr(offset), v)
}

// SendEOI acknowledges the interrupt currently being serviced.
func (l *LAPIC) SendEOI() {
	l.writeReg(regEOI, 0)
}

// Init confirms LAPIC presence via CPUID leaf 1 edx bit 9, sets the global
// enable bit in the APIC base MSR, MMIO-maps the 1 KiB register window,
// lowers the task-priority register to accept every external interrupt and
// enables the APIC via the spurious-interrupt vector register.
func Init() (*LAPIC, *kernel.Error) {
	_, _, _, edx := cpuidFn(1)
	if edx&cpuidLeaf1EdxAPIC == 0 {
		return nil, errNoLAPIC
	}

	base := rdmsrFn(msrAPICBase)
	wrmsrFn(msrAPICBase, base|apicGlobalEnable)

	physBase := uintptr(base & apicBaseAddrMask)
	region, err := mapMMIOFn(physBase, physBase+0x400)
	if err != nil {
		return nil, err
	}

	l := &LAPIC{base: region.VirtAddr, region: region}
	l.writeReg(regTaskPriority, 0)
	l.writeReg(regSpuriousVector, spuriousVector|spuriousEnable)

	return l, nil
}

// Release tears down the MMIO mapping backing this LAPIC.
func (l *LAPIC) Release() {
	l.region.Release()
}

// CalibrateTimer runs the one-second HPET-driven calibration sequence: set
// divider to 128, mask the timer, load the initial count with the maximum
// 32-bit value, busy-wait for one second of HPET time, derive the tick
// frequency from how much the count decremented, then arm the timer in
// periodic mode on vector with a divider of 64.
func (l *LAPIC) CalibrateTimer(h hpetCounter, vector uint8) {
	l.writeReg(regTimerDivide, divideBy128)
	l.writeReg(regLVTTimer, lvtMasked)

	l.writeReg(regTimerInitCount, ^uint32(0))

	start := h.ReadMainCounter()
	target := h.NsToCounter(calibrationNs)
	for h.ReadMainCounter()-start < target {
	}

	current := l.readReg(regTimerCurrCount)
	ticks := ^uint32(0) - current

	freq := uint64(ticks) * 128
	atomic.StoreUint64(&timerFreqHz, freq)
	atomic.StoreUint64(&timerDivider, 64)

	l.writeReg(regTimerDivide, divideBy64)
	l.writeReg(regLVTTimer, lvtTimerPeriodic|uint32(vector))
	l.writeReg(regTimerInitCount, ticks)
}

// SetTimerInitialCountNs programs the timer's initial count so the next
// tick fires ns nanoseconds from now, using the last calibrated frequency
// and divider.
func (l *LAPIC) SetTimerInitialCountNs(ns uint64) *kernel.Error {
	freq := TimerFrequencyHz()
	divider := TimerDivider()

	count := (freq / divider) * ns / 1_000_000_000
	if count > uint64(^uint32(0)) {
		return &kernel.Error{Module: "lapic", Message: "timer initial count does not fit into 32 bits"}
	}

	l.writeReg(regTimerInitCount, uint32(count))
	return nil
}

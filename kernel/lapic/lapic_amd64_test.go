package lapic

import (
	"testing"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/mem/vmm"
)

type fakeLAPIC struct {
	mem []byte
}

func (f *fakeLAPIC) install(t *testing.T) {
	t.Helper()

	origCpuid, origRdmsr, origWrmsr, origMap := cpuidFn, rdmsrFn, wrmsrFn, mapMMIOFn
	origR, origW := read32Fn, write32Fn
	t.Cleanup(func() {
		cpuidFn, rdmsrFn, wrmsrFn, mapMMIOFn = origCpuid, origRdmsr, origWrmsr, origMap
		read32Fn, write32Fn = origR, origW
	})

	base := uintptr(unsafe.Pointer(&f.mem[0]))

	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 0, cpuidLeaf1EdxAPIC
	}
	rdmsrFn = func(reg uint32) uint64 { return 0xfee00000 }
	wrmsrFn = func(reg uint32, val uint64) {}
	mapMMIOFn = func(physStart, physEnd uintptr) (*vmm.MMIORegion, *kernel.Error) {
		return &vmm.MMIORegion{VirtAddr: base}, nil
	}
	read32Fn = func(addr uintptr) uint32 { return *(*uint32)(unsafe.Pointer(addr)) }
	write32Fn = func(addr uintptr, v uint32) { *(*uint32)(unsafe.Pointer(addr)) = v }
}

func newFakeLAPIC() *fakeLAPIC {
	return &fakeLAPIC{mem: make([]byte, 0x400)}
}

func TestInitRejectsMissingLAPIC(t *testing.T) {
	f := newFakeLAPIC()
	f.install(t)
	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 }

	if _, err := Init(); err != errNoLAPIC {
		t.Fatalf("expected errNoLAPIC; got %v", err)
	}
}

func TestInitEnablesAPICAndSetsSpuriousVector(t *testing.T) {
	f := newFakeLAPIC()
	f.install(t)

	l, err := Init()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := l.readReg(regSpuriousVector); got != spuriousVector|spuriousEnable {
		t.Fatalf("expected spurious register 0x%x; got 0x%x", spuriousVector|spuriousEnable, got)
	}
	if got := l.readReg(regTaskPriority); got != 0 {
		t.Fatalf("expected task priority 0; got %d", got)
	}
}

// fakeClock implements hpetCounter with a counter that advances by `step`
// on every read, simulating the passage of time during busy-wait
// calibration without a real HPET.
type fakeClock struct {
	count uint64
	step  uint64
	freq  uint64
}

func (c *fakeClock) ReadMainCounter() uint64 {
	c.count += c.step
	return c.count
}

func (c *fakeClock) NsToCounter(ns uint64) uint64 {
	return (ns * c.freq) / 1_000_000_000
}

func TestCalibrateTimerDerivesFrequencyAndArmsPeriodic(t *testing.T) {
	f := newFakeLAPIC()
	f.install(t)

	l, err := Init()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock := &fakeClock{step: 1_000_000, freq: 14_318_180}
	l.CalibrateTimer(clock, 0x20)

	if TimerDivider() != 64 {
		t.Fatalf("expected post-calibration divider 64; got %d", TimerDivider())
	}
	if TimerFrequencyHz() == 0 {
		t.Fatal("expected a non-zero calibrated frequency")
	}

	lvt := l.readReg(regLVTTimer)
	if lvt&lvtTimerPeriodic == 0 {
		t.Fatal("expected periodic bit to be set after calibration")
	}
	if vec := lvt & 0xff; vec != 0x20 {
		t.Fatalf("expected vector 0x20; got 0x%x", vec)
	}
}

func TestSetTimerInitialCountNsRejectsOverflow(t *testing.T) {
	f := newFakeLAPIC()
	f.install(t)

	l, err := Init()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	origFreq, origDiv := TimerFrequencyHz(), TimerDivider()
	defer func() {
		timerFreqHz, timerDivider = origFreq, origDiv
	}()

	timerFreqHz = 1 << 40
	timerDivider = 1

	if err := l.SetTimerInitialCountNs(1_000_000_000); err == nil {
		t.Fatal("expected an overflow error")
	}
}

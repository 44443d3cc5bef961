package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errNoBitmapSlot = &kernel.Error{Module: "pmm", Message: "could not find a free region large enough to hold the frame bitmap"}
	errDoubleFree   = &kernel.Error{Module: "pmm", Message: "double-free or out-of-range frame deallocation"}
	errMisaligned   = &kernel.Error{Module: "pmm", Message: "misaligned frame range deallocation"}

	// panicFn is mocked by tests so that double-free assertions can be
	// observed without halting the test binary.
	panicFn = kfmt.Panic

	// bitmapAllocator is the sole instance of the allocator that serves
	// the kernel for the lifetime of the system.
	bitmapAllocator Bitmap
)

// Bitmap implements the kernel's physical frame allocator. One bit tracks the
// reservation state of each 4KiB frame in [0, highestFrame]; 1 means used,
// 0 means free. Besides the RAM/non-RAM split reported by the boot loader,
// the bitmap also reserves the frames occupied by the kernel image itself
// and by its own backing storage.
type Bitmap struct {
	// words holds the bitmap contents, 64 frames per word.
	words []uint64

	// highestFrame is the last frame number the bitmap tracks.
	highestFrame Frame

	used, reserved, total uint64

	// lastScan remembers where the previous allocation left off so that
	// repeated calls do not always rescan from frame 0.
	lastScan Frame
}

// Stats reports the allocator's frame accounting counters.
type Stats struct {
	Used, Reserved, Total uint64
}

// Stats returns a snapshot of the allocator counters.
func (b *Bitmap) Stats() Stats {
	return Stats{Used: b.used, Reserved: b.reserved, Total: b.total}
}

func wordIndex(f Frame) (word int, bit uint) {
	return int(f >> 6), uint(f) & 63
}

func (b *Bitmap) isUsed(f Frame) bool {
	w, bit := wordIndex(f)
	return b.words[w]&(uint64(1)<<bit) != 0
}

func (b *Bitmap) setUsed(f Frame) {
	w, bit := wordIndex(f)
	b.words[w] |= uint64(1) << bit
}

func (b *Bitmap) setFree(f Frame) {
	w, bit := wordIndex(f)
	b.words[w] &^= uint64(1) << bit
}

// markReserved flags f as used and bumps the reserved/used counters without
// touching the free counter bookkeeping used by Allocate/Deallocate; it is
// only used while building the initial bitmap.
func (b *Bitmap) markReserved(f Frame) {
	if f > b.highestFrame {
		return
	}
	if !b.isUsed(f) {
		b.setUsed(f)
		b.used++
		b.reserved++
	}
}

// Init builds the bitmap from the boot loader's memory map. It selects the
// smallest free, page-aligned region located after the kernel image that is
// large enough to hold the bitmap itself, marking that region, the kernel
// image and every non-RAM region as used.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	return bitmapAllocator.init(kernelStart, kernelEnd)
}

func (b *Bitmap) init(kernelStart, kernelEnd uintptr) *kernel.Error {
	var highestAddr uint64

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		end := region.PhysAddress + region.Length
		if end > highestAddr {
			highestAddr = end
		}
		return true
	})

	b.total = highestAddr >> mem.PageShift
	b.highestFrame = Frame(b.total) - 1

	requiredBytes := (b.total + 7) / 8
	requiredWords := (requiredBytes + 7) / 8
	requiredFrames := (requiredBytes + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	kernelStartFrame := Frame(kernelStart >> mem.PageShift)
	kernelEndFrame := Frame((kernelEnd + uintptr(mem.PageSize) - 1) >> mem.PageShift)

	bitmapStart, err := findBitmapStorage(requiredFrames, kernelEndFrame)
	if err != nil {
		return err
	}

	b.words = make([]uint64, requiredWords)
	b.lastScan = 0

	// Mark every non-RAM region as used.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			return true
		}

		startFrame := Frame(region.PhysAddress >> mem.PageShift)
		endFrame := Frame((region.PhysAddress + region.Length) >> mem.PageShift)
		for f := startFrame; f < endFrame; f++ {
			b.markReserved(f)
		}
		return true
	})

	// Anything above the highest reported RAM region, or inside a gap
	// between RAM regions, is implicitly non-RAM and must be reserved too.
	b.reserveGaps()

	// Reserve the kernel image. kernelEndFrame is exclusive: the kernel
	// occupies [kernelStartFrame, kernelEndFrame).
	for f := kernelStartFrame; f < kernelEndFrame; f++ {
		b.markReserved(f)
	}

	// Reserve the bitmap's own backing storage.
	for f := bitmapStart; f < bitmapStart+Frame(requiredFrames); f++ {
		b.markReserved(f)
	}

	kfmt.Printf("[pmm] %d frames total, %d reserved, bitmap at frame %d (%d frames)\n",
		b.total, b.reserved, bitmapStart, requiredFrames)

	return nil
}

// reserveGaps marks as used every frame that does not fall inside any
// MemAvailable region reported by the boot loader. This captures holes in
// the memory map that the firmware never described at all.
func (b *Bitmap) reserveGaps() {
	covered := make([]bool, b.total)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		startFrame := uint64(region.PhysAddress) >> mem.PageShift
		endFrame := (uint64(region.PhysAddress) + uint64(region.Length)) >> mem.PageShift
		for f := startFrame; f < endFrame && f < uint64(len(covered)); f++ {
			covered[f] = true
		}
		return true
	})

	for f, ok := range covered {
		if !ok {
			b.markReserved(Frame(f))
		}
	}
}

// findBitmapStorage scans the memory map for the smallest free, page-aligned
// run of frames at or after minFrame that can hold requiredFrames frames.
func findBitmapStorage(requiredFrames uint64, minFrame Frame) (Frame, *kernel.Error) {
	var (
		best     Frame
		bestSize = ^uint64(0)
		found    bool
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startFrame := Frame(region.PhysAddress >> mem.PageShift)
		endFrame := Frame((region.PhysAddress + region.Length) >> mem.PageShift)
		if startFrame < minFrame {
			startFrame = minFrame
		}
		if endFrame <= startFrame {
			return true
		}

		size := uint64(endFrame - startFrame)
		if size >= requiredFrames && size < bestSize {
			best = startFrame
			bestSize = size
			found = true
		}
		return true
	})

	if !found {
		return 0, errNoBitmapSlot
	}
	return best, nil
}

// AllocFrame reserves and returns a single free frame. The frame's contents
// are zeroed via its direct-map alias before it is returned.
func AllocFrame() (Frame, *kernel.Error) {
	return bitmapAllocator.allocFrame()
}

func (b *Bitmap) allocFrame() (Frame, *kernel.Error) {
	total := Frame(b.total)
	for i := Frame(0); i < total; i++ {
		f := (b.lastScan + i) % total
		if !b.isUsed(f) {
			b.setUsed(f)
			b.used++
			b.lastScan = f + 1
			zeroFrame(f)
			return f, nil
		}
	}

	return InvalidFrame, errOutOfMemory
}

// AllocFrames reserves a contiguous run of n free frames and returns the
// physical address of the first one.
func AllocFrames(n uint64) (uintptr, *kernel.Error) {
	return bitmapAllocator.allocFrames(n)
}

func (b *Bitmap) allocFrames(n uint64) (uintptr, *kernel.Error) {
	if n == 0 {
		return 0, nil
	}

	total := Frame(b.total)
	var runStart Frame
	var runLen uint64

	for f := Frame(0); f < total; f++ {
		if b.isUsed(f) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = f
		}
		runLen++

		if runLen == n {
			for cur := runStart; cur < runStart+Frame(n); cur++ {
				b.setUsed(cur)
				b.used++
				zeroFrame(cur)
			}
			return runStart.Address(), nil
		}
	}

	return 0, errOutOfMemory
}

// DeallocFrame flips frame back to free. Deallocating a frame that is
// already free is a kernel-logic bug and triggers a fatal assertion.
func DeallocFrame(f Frame) {
	bitmapAllocator.deallocFrame(f)
}

func (b *Bitmap) deallocFrame(f Frame) {
	if f > b.highestFrame || !b.isUsed(f) {
		panicFn(errDoubleFree)
		return
	}

	b.setFree(f)
	b.used--
}

// DeallocFrames flips n consecutive frames starting at the frame containing
// start back to free.
func DeallocFrames(start uintptr, n uint64) {
	bitmapAllocator.deallocFrames(start, n)
}

func (b *Bitmap) deallocFrames(start uintptr, n uint64) {
	if start&(uintptr(mem.PageSize)-1) != 0 {
		panicFn(errMisaligned)
		return
	}

	first := FrameFromAddress(start)
	for f := first; f < first+Frame(n); f++ {
		b.deallocFrame(f)
	}
}

// StatsSnapshot returns the current allocator counters.
func StatsSnapshot() Stats {
	return bitmapAllocator.Stats()
}

func zeroFrame(f Frame) {
	phys := f.Address()
	if !validDirectMap(phys) {
		return
	}
	kernel.Memset(directMap(phys), 0, uintptr(mem.PageSize))
}

// validDirectMap and directMap are overridden by the vmm package once the
// higher-half direct map is established; before that point (during early
// boot-strapping of the bitmap itself) frames are assumed to be already
// identity-reachable and zeroing is skipped.
var (
	validDirectMap = func(phys uintptr) bool { return false }
	directMap      = func(phys uintptr) uintptr { return phys }
)

// SetDirectMapper lets the vmm package install the real physical-to-virtual
// translation once the higher-half direct map is active.
func SetDirectMapper(valid func(uintptr) bool, toVirt func(uintptr) uintptr) {
	validDirectMap = valid
	directMap = toVirt
}

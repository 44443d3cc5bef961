package vmm

import (
	"gopheros/kernel/mem"
	"testing"
)

func TestMapMMIO(t *testing.T) {
	defer restoreMapMocks()

	m := newFakeMMU()
	m.install(t)

	const physBase = 0xfee00000

	region, err := MapMMIO(physBase, physBase+uintptr(mem.PageSize))
	if err != nil {
		t.Fatal(err)
	}

	if exp := uintptr(mem.PhysAddr(physBase).ToVirt()); region.VirtAddr != exp {
		t.Errorf("expected region base 0x%x; got 0x%x", exp, region.VirtAddr)
	}
	if len(region.mapped) != 1 {
		t.Fatalf("expected exactly one page mapped; got %d", len(region.mapped))
	}

	got, err := Translate(region.VirtAddr)
	if err != nil {
		t.Fatal(err)
	}
	if got != physBase {
		t.Errorf("expected translated address 0x%x; got 0x%x", physBase, got)
	}

	region.Release()
	if _, err := Translate(region.VirtAddr); err != ErrInvalidMapping {
		t.Error("expected Release to unmap the page it installed")
	}
}

func TestMapMMIOIdempotent(t *testing.T) {
	defer restoreMapMocks()

	m := newFakeMMU()
	m.install(t)

	const physBase = 0
	preMappedVirt := uintptr(mem.PhysAddr(physBase).ToVirt())

	// Pre-map the target page to simulate it already being covered by the
	// base direct map.
	if err := Map(PageFromAddress(preMappedVirt), 0x77, FlagRW); err != nil {
		t.Fatal(err)
	}

	region, err := MapMMIO(physBase, uintptr(mem.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	if len(region.mapped) != 0 {
		t.Errorf("expected no new pages to be mapped for an already-present region; got %d", len(region.mapped))
	}

	region.Release()
	if _, err := Translate(preMappedVirt); err != nil {
		t.Error("expected Release to leave a pre-existing mapping untouched")
	}
}

package pci

import "testing"

func TestConfigAddrEncoding(t *testing.T) {
	addr := configAddr(1, 2, 3, 0x10)
	want := enableBit | 1<<16 | 2<<11 | 3<<8 | 0x10
	if addr != want {
		t.Fatalf("expected 0x%x; got 0x%x", want, addr)
	}
}

func TestConfigAddrAlignsOffset(t *testing.T) {
	addr := configAddr(0, 0, 0, 0x13)
	if addr&0xff != 0x10 {
		t.Fatalf("expected offset rounded down to 0x10; got 0x%x", addr&0xff)
	}
}

// fakeConfigSpace models a handful of devices keyed by (bus,slot,fn,offset).
type fakeConfigSpace struct {
	regs     map[[4]uint8]uint32
	selected uint32
}

func (f *fakeConfigSpace) install(t *testing.T) {
	t.Helper()
	origOutl, origInl := outl, inl
	outl = func(port uint16, v uint32) {
		if port == portConfigAddr {
			f.selected = v
		}
	}
	inl = func(port uint16) uint32 {
		if port != portConfigData {
			return 0
		}
		bus := uint8(f.selected >> 16)
		slot := uint8(f.selected>>11) & 0x1f
		fn := uint8(f.selected>>8) & 0x07
		off := uint8(f.selected & 0xfc)
		return f.regs[[4]uint8{bus, slot, fn, off}]
	}
	t.Cleanup(func() { outl, inl = origOutl, origInl })
}

func (f *fakeConfigSpace) set(bus, slot, fn, off uint8, v uint32) {
	if f.regs == nil {
		f.regs = map[[4]uint8]uint32{}
	}
	f.regs[[4]uint8{bus, slot, fn, off}] = v
}

func TestEnumerateFindsSingleFunctionDevice(t *testing.T) {
	f := &fakeConfigSpace{}
	f.install(t)

	f.set(0, 4, 0, regVendorDevice, 0x153410ec) // device 0x1534, vendor 0x10ec
	f.set(0, 4, 0, regClass, 0x02000001)         // class 0x02 subclass 0x00 progif 0x00 rev 0x01
	f.set(0, 4, 0, regHeaderType, 0x00000000)

	var found []Device
	Enumerate(func(d Device) bool {
		found = append(found, d)
		return true
	})

	if len(found) != 1 {
		t.Fatalf("expected exactly one device; got %d", len(found))
	}
	d := found[0]
	if d.VendorID != 0x10ec || d.DeviceID != 0x1534 {
		t.Fatalf("unexpected vendor/device: %+v", d)
	}
	if d.ClassCode != 0x02 {
		t.Fatalf("expected class code 0x02; got 0x%x", d.ClassCode)
	}
}

func TestEnumerateSkipsEmptySlots(t *testing.T) {
	f := &fakeConfigSpace{}
	f.install(t)

	var found []Device
	Enumerate(func(d Device) bool {
		found = append(found, d)
		return true
	})

	if len(found) != 0 {
		t.Fatalf("expected no devices on an empty bus; got %d", len(found))
	}
}

func TestEnumerateStopsWhenVisitReturnsFalse(t *testing.T) {
	f := &fakeConfigSpace{}
	f.install(t)

	f.set(0, 0, 0, regVendorDevice, 0x00011234)
	f.set(0, 1, 0, regVendorDevice, 0x00015678)

	var calls int
	Enumerate(func(d Device) bool {
		calls++
		return false
	})

	if calls != 1 {
		t.Fatalf("expected enumeration to stop after first visit; got %d calls", calls)
	}
}

func TestDeviceBARDecodesIOVsMemory(t *testing.T) {
	f := &fakeConfigSpace{}
	f.install(t)

	f.set(1, 2, 0, 0x10, 0xc001) // IO BAR
	f.set(1, 2, 0, 0x14, 0xf000) // mem BAR

	d := Device{Bus: 1, Slot: 2, Function: 0}

	v, isIO := d.BAR(0)
	if !isIO || v != 0xc000 {
		t.Fatalf("expected IO BAR 0xc000; got 0x%x io=%v", v, isIO)
	}

	v, isIO = d.BAR(1)
	if isIO || v != 0xf000 {
		t.Fatalf("expected mem BAR 0xf000; got 0x%x io=%v", v, isIO)
	}
}

// Package elf implements a minimal ELF64 loader: enough to walk a binary's
// program header table and map its PT_LOAD segments into a process address
// space. Relocations, dynamic linking and BSS-only (memsz > filesz)
// segments are out of scope.
package elf

import (
	"encoding/binary"
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"reflect"
	"unsafe"
)

var (
	errBadMagic   = &kernel.Error{Module: "elf", Message: "not an ELF64 little-endian x86-64 executable"}
	errUnaligned  = &kernel.Error{Module: "elf", Message: "PT_LOAD segment is not page-aligned"}
	errBSSUnsup   = &kernel.Error{Module: "elf", Message: "PT_LOAD segment with memsz > filesz (BSS) is not supported"}
	errVAddrMatch = &kernel.Error{Module: "elf", Message: "PT_LOAD segment vaddr must equal its file offset-relative paddr mapping"}
)

const (
	ptLoad = 1

	segFlagExecute = 0x1
	segFlagWrite   = 0x2
	segFlagRead    = 0x4
)

// elf64Header mirrors the fixed-size ELF64 file header.
type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// elf64ProgramHeader mirrors one ELF64 program header table entry.
type elf64ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Segment describes a single PT_LOAD segment already mapped into the target
// address space.
type Segment struct {
	VirtAddr uintptr
	PageFlags vmm.PageTableEntryFlag
	PageCount uint64
}

// Image is the result of loading an ELF64 binary: its entry point and the
// segments that were mapped on its behalf.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

func overlay(addr uintptr, size int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  size,
		Cap:  size,
	}))
}

func segFlagsToPage(flags uint32) vmm.PageTableEntryFlag {
	pf := vmm.FlagPresent | vmm.FlagUserAccessible
	if flags&segFlagWrite != 0 {
		pf |= vmm.FlagRW
	}
	if flags&segFlagExecute == 0 {
		pf |= vmm.FlagNoExecute
	}
	return pf
}

// Load parses the ELF64 image backed by the size bytes at physStart and maps
// every PT_LOAD segment, page by page, into the currently active address
// space (the caller must have already called AddressSpace.Activate). It
// returns the binary's entry point and the list of segments it mapped.
func Load(physStart pmm.Frame, size uint32) (*Image, *kernel.Error) {
	base := mem.PhysAddr(physStart.Address()).ToVirt()
	raw := overlay(uintptr(base), int(size))

	var hdr elf64Header
	if err := decodeHeader(raw, &hdr); err != nil {
		return nil, err
	}

	img := &Image{Entry: uintptr(hdr.Entry)}

	for i := 0; i < int(hdr.Phnum); i++ {
		off := int(hdr.Phoff) + i*int(hdr.Phentsize)
		var ph elf64ProgramHeader
		decodeProgramHeader(raw[off:], &ph)

		if ph.Type != ptLoad {
			continue
		}

		seg, err := loadSegment(physStart, &ph)
		if err != nil {
			return nil, err
		}
		img.Segments = append(img.Segments, *seg)
	}

	return img, nil
}

func decodeHeader(raw []byte, hdr *elf64Header) *kernel.Error {
	if len(raw) < 64 {
		return errBadMagic
	}
	copy(hdr.Ident[:], raw[0:16])
	if hdr.Ident[0] != 0x7f || hdr.Ident[1] != 'E' || hdr.Ident[2] != 'L' || hdr.Ident[3] != 'F' {
		return errBadMagic
	}
	if hdr.Ident[4] != 2 || hdr.Ident[5] != 1 {
		return errBadMagic
	}

	le := binary.LittleEndian
	hdr.Type = le.Uint16(raw[16:18])
	hdr.Machine = le.Uint16(raw[18:20])
	hdr.Version = le.Uint32(raw[20:24])
	hdr.Entry = le.Uint64(raw[24:32])
	hdr.Phoff = le.Uint64(raw[32:40])
	hdr.Shoff = le.Uint64(raw[40:48])
	hdr.Flags = le.Uint32(raw[48:52])
	hdr.Ehsize = le.Uint16(raw[52:54])
	hdr.Phentsize = le.Uint16(raw[54:56])
	hdr.Phnum = le.Uint16(raw[56:58])
	hdr.Shentsize = le.Uint16(raw[58:60])
	hdr.Shnum = le.Uint16(raw[60:62])
	hdr.Shstrndx = le.Uint16(raw[62:64])

	if hdr.Machine != 0x3e {
		return errBadMagic
	}
	return nil
}

func decodeProgramHeader(raw []byte, ph *elf64ProgramHeader) {
	le := binary.LittleEndian
	ph.Type = le.Uint32(raw[0:4])
	ph.Flags = le.Uint32(raw[4:8])
	ph.Offset = le.Uint64(raw[8:16])
	ph.Vaddr = le.Uint64(raw[16:24])
	ph.Paddr = le.Uint64(raw[24:32])
	ph.Filesz = le.Uint64(raw[32:40])
	ph.Memsz = le.Uint64(raw[40:48])
	ph.Align = le.Uint64(raw[48:56])
}

func loadSegment(filePhysStart pmm.Frame, ph *elf64ProgramHeader) (*Segment, *kernel.Error) {
	if ph.Vaddr%uint64(mem.PageSize) != 0 {
		return nil, errUnaligned
	}
	if ph.Vaddr != ph.Paddr {
		return nil, errVAddrMatch
	}
	if ph.Filesz != ph.Memsz {
		return nil, errBSSUnsup
	}

	numPages := (ph.Memsz + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	pageFlags := segFlagsToPage(ph.Flags)

	segStartVirt := vmm.PageFromAddress(uintptr(ph.Vaddr))
	segPhysStart := filePhysStart.Address() + uintptr(ph.Offset)

	for i := uint64(0); i < numPages; i++ {
		pageVirt := segStartVirt + vmm.Page(i)
		frame := pmm.FrameFromAddress(segPhysStart + uintptr(i*uint64(mem.PageSize)))
		if err := vmm.Map(pageVirt, frame, pageFlags); err != nil {
			return nil, err
		}
	}

	return &Segment{
		VirtAddr:  uintptr(ph.Vaddr),
		PageFlags: pageFlags,
		PageCount: numPages,
	}, nil
}

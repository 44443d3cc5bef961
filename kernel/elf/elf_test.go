package elf

import (
	"encoding/binary"
	"gopheros/kernel/mem/vmm"
	"testing"
	"unsafe"
)

func buildHeader(machine uint16, phoff uint64, phnum, phentsize uint16) []byte {
	buf := make([]byte, 64)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[6] = 1
	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2) // ET_EXEC
	le.PutUint16(buf[18:20], machine)
	le.PutUint32(buf[20:24], 1)
	le.PutUint64(buf[24:32], 0x401000) // entry
	le.PutUint64(buf[32:40], phoff)
	le.PutUint16(buf[54:56], phentsize)
	le.PutUint16(buf[56:58], phnum)
	return buf
}

func TestDecodeHeaderAcceptsValidX86_64(t *testing.T) {
	buf := buildHeader(0x3e, 64, 1, 56)

	var hdr elf64Header
	if err := decodeHeader(buf, &hdr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Entry != 0x401000 {
		t.Fatalf("expected entry 0x401000; got 0x%x", hdr.Entry)
	}
	if hdr.Phnum != 1 || hdr.Phentsize != 56 {
		t.Fatalf("expected phnum=1 phentsize=56; got %d/%d", hdr.Phnum, hdr.Phentsize)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := buildHeader(0x3e, 64, 1, 56)
	buf[1] = 'X'

	var hdr elf64Header
	if err := decodeHeader(buf, &hdr); err != errBadMagic {
		t.Fatalf("expected errBadMagic; got %v", err)
	}
}

func TestDecodeHeaderRejectsWrongMachine(t *testing.T) {
	buf := buildHeader(0x03, 64, 1, 56) // i386

	var hdr elf64Header
	if err := decodeHeader(buf, &hdr); err != errBadMagic {
		t.Fatalf("expected errBadMagic for non-x86-64 machine; got %v", err)
	}
}

func TestDecodeProgramHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 56)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], ptLoad)
	le.PutUint32(buf[4:8], segFlagRead|segFlagExecute)
	le.PutUint64(buf[8:16], 0x1000)
	le.PutUint64(buf[16:24], 0x401000)
	le.PutUint64(buf[24:32], 0x401000)
	le.PutUint64(buf[32:40], 0x2000)
	le.PutUint64(buf[40:48], 0x2000)
	le.PutUint64(buf[48:56], 0x1000)

	var ph elf64ProgramHeader
	decodeProgramHeader(buf, &ph)

	if ph.Type != ptLoad || ph.Vaddr != 0x401000 || ph.Memsz != 0x2000 {
		t.Fatalf("unexpected decode result: %+v", ph)
	}
}

func TestSegFlagsToPageSetsWritableOnlyWhenRequested(t *testing.T) {
	ro := segFlagsToPage(segFlagRead)
	if ro&vmm.FlagRW != 0 {
		t.Fatal("expected read-only segment to not carry the RW flag")
	}

	rw := segFlagsToPage(segFlagRead | segFlagWrite)
	if rw&vmm.FlagRW == 0 {
		t.Fatal("expected read-write segment to carry the RW flag")
	}
}

func TestLoadSegmentRejectsUnalignedVaddr(t *testing.T) {
	ph := elf64ProgramHeader{Vaddr: 0x401001, Paddr: 0x401001, Filesz: 0x1000, Memsz: 0x1000}
	if _, err := loadSegment(0, &ph); err != errUnaligned {
		t.Fatalf("expected errUnaligned; got %v", err)
	}
}

func TestLoadSegmentRejectsVaddrPaddrMismatch(t *testing.T) {
	ph := elf64ProgramHeader{Vaddr: 0x401000, Paddr: 0x402000, Filesz: 0x1000, Memsz: 0x1000}
	if _, err := loadSegment(0, &ph); err != errVAddrMatch {
		t.Fatalf("expected errVAddrMatch; got %v", err)
	}
}

func TestLoadSegmentRejectsBSS(t *testing.T) {
	ph := elf64ProgramHeader{Vaddr: 0x401000, Paddr: 0x401000, Filesz: 0x1000, Memsz: 0x2000}
	if _, err := loadSegment(0, &ph); err != errBSSUnsup {
		t.Fatalf("expected errBSSUnsup; got %v", err)
	}
}

func TestOverlayAddressesARealBuffer(t *testing.T) {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(i)
	}

	view := overlay(uintptr(unsafe.Pointer(&buf[0])), len(buf))
	for i := range buf {
		if view[i] != byte(i) {
			t.Fatalf("overlay mismatch at %d: got %d", i, view[i])
		}
	}
}

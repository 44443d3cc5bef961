package vfs

import "testing"

func TestFileReadWriteRoundTrip(t *testing.T) {
	f := NewFile()

	if _, err := f.Write(0, []byte("hello")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	buf := make([]byte, 5)
	n, err := f.Read(0, buf)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("expected to read back %q; got %q (n=%d)", "hello", buf, n)
	}
}

func TestFileWriteAtOffsetGrowsFile(t *testing.T) {
	f := NewFile()

	if _, err := f.Write(4, []byte("x")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	buf := make([]byte, 5)
	n, err := f.Read(0, buf)
	if err != nil || n != 5 {
		t.Fatalf("expected to read 5 bytes; got n=%d err=%v", n, err)
	}
	if buf[4] != 'x' {
		t.Fatalf("expected byte 4 to be 'x'; got %q", buf)
	}
}

func TestFileReadPastEndReturnsZero(t *testing.T) {
	f := NewFile()
	f.Write(0, []byte("ab"))

	buf := make([]byte, 4)
	n, err := f.Read(10, buf)
	if err != nil || n != 0 {
		t.Fatalf("expected n=0 err=nil past EOF; got n=%d err=%v", n, err)
	}
}

func TestDirCreateLookupRemove(t *testing.T) {
	d := NewDir()

	child, err := d.Create("file.txt")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if child.Type() != TypeFile {
		t.Fatalf("expected created entry to be a file")
	}

	got, err := d.Lookup("file.txt")
	if err != nil || got != child {
		t.Fatalf("expected lookup to return the created child; got %v, err=%v", got, err)
	}

	if err := d.Remove("file.txt"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if _, err := d.Lookup("file.txt"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after removal; got %v", err)
	}
}

func TestDirRenameMovesEntry(t *testing.T) {
	d := NewDir()
	child, _ := d.Create("old.txt")

	if err := d.Rename("old.txt", "new.txt"); err != nil {
		t.Fatalf("unexpected rename error: %v", err)
	}

	if _, err := d.Lookup("old.txt"); err != ErrNotFound {
		t.Fatalf("expected old name to be gone; got %v", err)
	}
	got, err := d.Lookup("new.txt")
	if err != nil || got != child {
		t.Fatalf("expected new name to resolve to the same child; got %v, err=%v", got, err)
	}
}

func TestDirRemoveUnknownReturnsNotFound(t *testing.T) {
	d := NewDir()
	if err := d.Remove("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound; got %v", err)
	}
}

func TestFileOperationsOnDirectoryFail(t *testing.T) {
	d := NewDir()
	if _, err := d.Read(0, make([]byte, 1)); err != ErrNotAFile {
		t.Fatalf("expected ErrNotAFile reading a directory; got %v", err)
	}
}

func TestDirOperationsOnFileFail(t *testing.T) {
	f := NewFile()
	if _, err := f.Create("x"); err != ErrNotADirectory {
		t.Fatalf("expected ErrNotADirectory creating under a file; got %v", err)
	}
}

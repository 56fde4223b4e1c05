package backend

import (
	"path/filepath"
	"testing"
)

func TestOpenFileCreatesAndSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := OpenFile(path, 4096)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()

	if f.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", f.Size())
	}
}

func TestFileReadWriteRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := OpenFile(path, 4096)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()

	data := []byte("dm-crypt-ublk")
	if _, err := f.WriteAt(data, 512); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	back := make([]byte, len(data))
	if _, err := f.ReadAt(back, 512); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(back) != string(data) {
		t.Errorf("ReadAt = %q, want %q", back, data)
	}
}

func TestOpenFileReopenPreservesExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f1, err := OpenFile(path, 8192)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	f1.Close()

	f2, err := OpenFile(path, 4096) // smaller requested size must not shrink
	if err != nil {
		t.Fatalf("reopen OpenFile failed: %v", err)
	}
	defer f2.Close()
	if f2.Size() != 8192 {
		t.Errorf("Size() = %d, want 8192 (existing file preserved)", f2.Size())
	}
}

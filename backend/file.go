package backend

import (
	"os"

	"github.com/ehrlich-b/go-ublk/internal/interfaces"
)

// File provides a regular-file-backed backend for ublk devices, the
// storage medium cmd/dmcrypt-ublk opens a mapping's underlying device and
// integrity channel against.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens (creating if needed) path as a File backend. If size is
// positive and the file is smaller, it is extended (sparsely) to size.
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	actual := info.Size()
	if size > 0 && actual < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
		actual = size
	}
	return &File{f: f, size: actual}, nil
}

// ReadAt implements interfaces.Backend.
func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }

// WriteAt implements interfaces.Backend.
func (f *File) WriteAt(p []byte, off int64) (int, error) { return f.f.WriteAt(p, off) }

// Size implements interfaces.Backend.
func (f *File) Size() int64 { return f.size }

// Close implements interfaces.Backend.
func (f *File) Close() error { return f.f.Close() }

// Flush implements interfaces.Backend.
func (f *File) Flush() error { return f.f.Sync() }

// Sync implements interfaces.SyncBackend.
func (f *File) Sync() error { return f.f.Sync() }

// SyncRange implements interfaces.SyncBackend. Regular files have no
// cheaper partial-sync syscall available through os.File, so this
// flushes the whole file.
func (f *File) SyncRange(offset, length int64) error { return f.f.Sync() }

var (
	_ interfaces.Backend    = (*File)(nil)
	_ interfaces.SyncBackend = (*File)(nil)
)

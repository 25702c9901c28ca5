package blockdev

import (
	"fmt"
	"os"
)

// File is a device backed by a disk image on the host filesystem.
type File struct {
	name string
	f    *os.File
	size int64
}

var _ Device = (*File)(nil)

// OpenFile opens an existing image. When size is larger than the image the
// file is extended with zeros.
func OpenFile(name, path string, size int64, readOnly bool) (*File, error) {
	const op = "blockdev.OpenFile"

	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cur := fi.Size()
	if size > cur && !readOnly {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cur = size
	}

	return &File{name: name, f: f, size: cur}, nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if _, err := checkRange(off, len(p), d.size); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, off)
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := checkRange(off, len(p), d.size)
	if err != nil || n < len(p) {
		return 0, fmt.Errorf("write %d bytes at %d: %w", len(p), off, ErrOutOfRange)
	}
	return d.f.WriteAt(p, off)
}

func (d *File) Size() int64 { return d.size }

func (d *File) Name() string { return d.name }

func (d *File) Sync() error { return d.f.Sync() }

func (d *File) Close() error { return d.f.Close() }

// Package blockdev defines the byte-addressed block device contract the
// filesystem drivers are written against, together with in-memory and
// image-file implementations.
package blockdev

import (
	"errors"
	"io"
)

var (
	ErrOutOfRange = errors.New("blockdev: access beyond device end")
	ErrReadOnly   = errors.New("blockdev: device is read-only")
)

// Device is a fixed-size byte-addressable backing store. Offsets and
// lengths need not be aligned to any block size; drivers re-align
// internally. Both calls are synchronous.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the capacity of the device in bytes.
	Size() int64

	// Name identifies the device in the mount table.
	Name() string
}

// Mapper is implemented by devices whose contents can be borrowed in place
// without copying.
type Mapper interface {
	Bytes() []byte
}

// checkRange validates an access of n bytes at off on a device of the
// given size and returns how many bytes are actually available.
func checkRange(off int64, n int, size int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	if off >= size {
		if n == 0 && off == size {
			return 0, nil
		}
		return 0, io.EOF
	}
	if rem := size - off; int64(n) > rem {
		return int(rem), nil
	}
	return n, nil
}

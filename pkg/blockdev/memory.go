package blockdev

import (
	"fmt"
	"io"
)

// Memory is a RAM-backed device.
type Memory struct {
	name     string
	data     []byte
	readOnly bool
}

var (
	_ Device = (*Memory)(nil)
	_ Mapper = (*Memory)(nil)
)

func NewMemory(name string, size int64) *Memory {
	return &Memory{name: name, data: make([]byte, size)}
}

// NewMemoryFrom wraps an existing image. The slice is used in place.
func NewMemoryFrom(name string, image []byte, readOnly bool) *Memory {
	return &Memory{name: name, data: image, readOnly: readOnly}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	n, err := checkRange(off, len(p), m.Size())
	if err != nil {
		return 0, err
	}
	copy(p, m.data[off:off+int64(n)])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.readOnly {
		return 0, ErrReadOnly
	}
	n, err := checkRange(off, len(p), m.Size())
	if err != nil {
		return 0, fmt.Errorf("write %d bytes at %d: %w", len(p), off, ErrOutOfRange)
	}
	if n < len(p) {
		return 0, fmt.Errorf("write %d bytes at %d: %w", len(p), off, ErrOutOfRange)
	}
	copy(m.data[off:], p)
	return n, nil
}

func (m *Memory) Size() int64 { return int64(len(m.data)) }

func (m *Memory) Name() string { return m.name }

// Bytes implements Mapper.
func (m *Memory) Bytes() []byte { return m.data }

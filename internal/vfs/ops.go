package vfs

import (
	"context"
	"time"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
)

// File type and permission bits of a full mode word.
const (
	ModeTypeMask  uint32 = 0o170000
	ModeSocket    uint32 = 0o140000
	ModeSymlink   uint32 = 0o120000
	ModeRegular   uint32 = 0o100000
	ModeBlock     uint32 = 0o060000
	ModeDirectory uint32 = 0o040000
	ModeChar      uint32 = 0o020000
	ModeFIFO      uint32 = 0o010000
	ModePermMask  uint32 = 0o7777
)

// Open flags, Linux values.
const (
	O_RDONLY    = 0o0
	O_WRONLY    = 0o1
	O_RDWR      = 0o2
	O_ACCMODE   = 0o3
	O_CREAT     = 0o100
	O_EXCL      = 0o200
	O_TRUNC     = 0o1000
	O_APPEND    = 0o2000
	O_DIRECTORY = 0o200000
)

const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// ModeFor returns the type bits matching t.
func ModeFor(t VnodeType) uint32 {
	switch t {
	case VnodeRegular:
		return ModeRegular
	case VnodeDirectory, VnodeMount:
		return ModeDirectory
	case VnodeSymlink:
		return ModeSymlink
	case VnodeBlockDevice:
		return ModeBlock
	case VnodeCharDevice:
		return ModeChar
	default:
		return 0
	}
}

type Stat struct {
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Size    int64
	Blksize int64
	Blocks  int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

type Dirent struct {
	Ino    uint64
	Name   string
	Type   VnodeType
	Off    int64
	Reclen int
}

// Operations is the contract every backing filesystem implements. The VFS
// holds the namespace lock for the duration of each call; drivers
// serialize access to their own private state.
type Operations interface {
	// Find loads the entry name of directory at. The returned vnode is not
	// attached; the VFS attaches it.
	Find(ctx context.Context, at *Vnode, name string) (*Vnode, error)

	Open(ctx context.Context, f *File, flags int) error
	Close(ctx context.Context, f *File)

	Stat(ctx context.Context, v *Vnode) (Stat, error)

	// Read and Write transfer at f.Pos and advance it.
	Read(ctx context.Context, f *File, p []byte) (int, error)
	Write(ctx context.Context, f *File, p []byte) (int, error)

	// ReadDir returns the next live entry at f.Pos, or io.EOF.
	ReadDir(ctx context.Context, f *File) (Dirent, error)

	Truncate(ctx context.Context, v *Vnode, size int64) error
	Chmod(ctx context.Context, v *Vnode, mode uint32) error
	Chown(ctx context.Context, v *Vnode, uid, gid uint32) error

	Creat(ctx context.Context, at *Vnode, name string, uid, gid, mode uint32) error
	Mkdir(ctx context.Context, at *Vnode, name string, uid, gid, mode uint32) error
	Unlink(ctx context.Context, v *Vnode) error
}

// LinkReader is implemented by drivers able to materialize symlink
// contents from storage.
type LinkReader interface {
	ReadLink(ctx context.Context, v *Vnode) (string, error)
}

// Filesystem is one mounted backing store instance.
type Filesystem interface {
	Root(ctx context.Context) (*Vnode, error)

	// Device returns the backing device, nil for memory-only filesystems.
	Device() blockdev.Device
}

// MountFunc creates a filesystem instance of one driver class.
type MountFunc func(ctx context.Context, dev blockdev.Device, options string) (Filesystem, error)

// UnimplementedOperations can be embedded by drivers to reject operations
// they do not support.
type UnimplementedOperations struct{}

func (UnimplementedOperations) Find(context.Context, *Vnode, string) (*Vnode, error) {
	return nil, kerrors.ErrNotFound
}

func (UnimplementedOperations) Open(context.Context, *File, int) error { return nil }

func (UnimplementedOperations) Close(context.Context, *File) {}

func (UnimplementedOperations) Stat(_ context.Context, v *Vnode) (Stat, error) {
	return Stat{Ino: v.Ino, Mode: ModeFor(v.Type) | v.Mode, Nlink: 1, UID: v.UID, GID: v.GID}, nil
}

func (UnimplementedOperations) Read(context.Context, *File, []byte) (int, error) {
	return 0, kerrors.ErrNotSupported
}

func (UnimplementedOperations) Write(context.Context, *File, []byte) (int, error) {
	return 0, kerrors.ErrReadOnly
}

func (UnimplementedOperations) ReadDir(context.Context, *File) (Dirent, error) {
	return Dirent{}, kerrors.ErrNotSupported
}

func (UnimplementedOperations) Truncate(context.Context, *Vnode, int64) error {
	return kerrors.ErrReadOnly
}

func (UnimplementedOperations) Chmod(context.Context, *Vnode, uint32) error {
	return kerrors.ErrReadOnly
}

func (UnimplementedOperations) Chown(context.Context, *Vnode, uint32, uint32) error {
	return kerrors.ErrReadOnly
}

func (UnimplementedOperations) Creat(context.Context, *Vnode, string, uint32, uint32, uint32) error {
	return kerrors.ErrReadOnly
}

func (UnimplementedOperations) Mkdir(context.Context, *Vnode, string, uint32, uint32, uint32) error {
	return kerrors.ErrReadOnly
}

func (UnimplementedOperations) Unlink(context.Context, *Vnode) error {
	return kerrors.ErrReadOnly
}

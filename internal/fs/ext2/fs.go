package ext2

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// DriverName is the name the driver registers under.
const DriverName = "ext2"

// node is the in-memory copy of one inode, carried in vnode.Data.
type node struct {
	ino   uint32
	inode inode
}

// Filesystem is one mounted ext2 instance. All exported methods serialize
// on mu.
type Filesystem struct {
	mu sync.Mutex

	dev       blockdev.Device
	sb        superblock
	groups    []groupDesc
	blockSize uint32
	ptrs      uint32
	inodeSize uint32
	fileType  bool
	readOnly  bool

	// metaDirty is set when the superblock or a group descriptor changed.
	metaDirty bool

	// inodes holds the node shared by every vnode naming an inode, so
	// hard links see one copy. Entries go away with their last vnode.
	inodes map[uint32]weak.Pointer[node]

	root *vfs.Vnode
	now  func() time.Time
}

var (
	_ vfs.Filesystem = (*Filesystem)(nil)
	_ vfs.Operations = (*Filesystem)(nil)
	_ vfs.LinkReader = (*Filesystem)(nil)
	_ vfs.MountFunc  = Mount
)

// Mount opens the ext2 image on dev. Options is a comma separated list of
// "ro" and "rw".
func Mount(ctx context.Context, dev blockdev.Device, options string) (vfs.Filesystem, error) {
	return Open(ctx, dev, options)
}

func Open(ctx context.Context, dev blockdev.Device, options string) (*Filesystem, error) {
	const op = "ext2.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if dev == nil {
		return nil, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	fs := &Filesystem{
		dev:    dev,
		now:    time.Now,
		inodes: make(map[uint32]weak.Pointer[node]),
	}
	for _, opt := range strings.Split(options, ",") {
		switch strings.TrimSpace(opt) {
		case "":
		case "ro":
			fs.readOnly = true
		case "rw":
			fs.readOnly = false
		default:
			logger.Warn("Unknown mount option", slog.String("option", opt))
			return nil, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
		}
	}

	raw := make([]byte, superblockSize)
	if _, err := dev.ReadAt(raw, superblockOffset); err != nil {
		return nil, fmt.Errorf("%s: read superblock: %w", op, err)
	}
	if err := decode(raw, &fs.sb); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sb := &fs.sb
	if sb.Magic != magic {
		logger.Warn("Bad superblock magic", slog.String("device", dev.Name()), slog.Int("magic", int(sb.Magic)))
		return nil, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}
	if sb.LogBlockSize > 2 {
		return nil, fmt.Errorf("%s: %w", op, kerrors.Corrupted("unsupported block size 1024<<%d", sb.LogBlockSize))
	}
	if sb.FeatureIncompat&^supportedIncompat != 0 {
		logger.Warn("Unsupported incompatible features", slog.Uint64("incompat", uint64(sb.FeatureIncompat)))
		return nil, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}
	if sb.FeatureROCompat&^supportedROCompat != 0 && !fs.readOnly {
		logger.Warn("Unsupported read-only features, mount ro", slog.Uint64("ro_compat", uint64(sb.FeatureROCompat)))
		return nil, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}
	fs.blockSize = sb.blockSize()
	if sb.BlocksPerGroup == 0 || sb.BlocksPerGroup > 8*fs.blockSize ||
		sb.InodesPerGroup == 0 || sb.InodesPerGroup > 8*fs.blockSize {
		return nil, fmt.Errorf("%s: %w", op, kerrors.Corrupted("bad group geometry"))
	}

	fs.ptrs = fs.blockSize / 4
	fs.inodeSize = sb.inodeSize()
	fs.fileType = sb.FeatureIncompat&incompatFileType != 0

	if fs.inodeSize < inodeRecordSize || fs.inodeSize > fs.blockSize {
		return nil, fmt.Errorf("%s: %w", op, kerrors.Corrupted("inode size %d", fs.inodeSize))
	}
	if int64(sb.BlocksCount)*int64(fs.blockSize) > dev.Size() {
		return nil, fmt.Errorf("%s: %w", op, kerrors.Corrupted("%d blocks do not fit the device", sb.BlocksCount))
	}

	count := sb.groupCount()
	gdt := make([]byte, int(count)*groupDescSize)
	if _, err := dev.ReadAt(gdt, fs.gdtOffset()); err != nil {
		return nil, fmt.Errorf("%s: read group descriptors: %w", op, err)
	}
	fs.groups = make([]groupDesc, count)
	if err := decode(gdt, fs.groups); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	root, err := fs.loadVnode(rootIno, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if root.Type != vfs.VnodeDirectory {
		return nil, fmt.Errorf("%s: %w", op, kerrors.Corrupted("root inode is not a directory"))
	}
	fs.root = root

	logger.Debug("Mounted ext2",
		slog.String("device", dev.Name()),
		slog.Uint64("block_size", uint64(fs.blockSize)),
		slog.Uint64("groups", uint64(count)),
		slog.Bool("filetype", fs.fileType),
		slog.Bool("read_only", fs.readOnly),
	)

	return fs, nil
}

func (fs *Filesystem) Root(context.Context) (*vfs.Vnode, error) {
	return fs.root, nil
}

func (fs *Filesystem) Device() blockdev.Device {
	return fs.dev
}

// BlockSize returns the filesystem block size.
func (fs *Filesystem) BlockSize() uint32 {
	return fs.blockSize
}

// FreeCounts returns the free block and free inode counters of the
// superblock.
func (fs *Filesystem) FreeCounts() (blocks, inodes uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.FreeBlocksCount, fs.sb.FreeInodesCount
}

func (fs *Filesystem) gdtOffset() int64 {
	return int64(fs.sb.FirstDataBlock+1) * int64(fs.blockSize)
}

func (fs *Filesystem) timestamp() uint32 {
	return uint32(fs.now().Unix())
}

func (fs *Filesystem) checkBlock(blk uint32) error {
	if blk < fs.sb.FirstDataBlock || blk >= fs.sb.BlocksCount {
		return kerrors.Corrupted("block %d out of range", blk)
	}
	return nil
}

func (fs *Filesystem) readBlock(blk uint32, buf []byte) error {
	if err := fs.checkBlock(blk); err != nil {
		return err
	}
	if _, err := fs.dev.ReadAt(buf[:fs.blockSize], int64(blk)*int64(fs.blockSize)); err != nil {
		return fmt.Errorf("ext2.readBlock %d: %w", blk, err)
	}
	return nil
}

func (fs *Filesystem) writeBlock(blk uint32, buf []byte) error {
	if err := fs.checkBlock(blk); err != nil {
		return err
	}
	if _, err := fs.dev.WriteAt(buf[:fs.blockSize], int64(blk)*int64(fs.blockSize)); err != nil {
		return fmt.Errorf("ext2.writeBlock %d: %w", blk, err)
	}
	return nil
}

func (fs *Filesystem) writeAt(blk uint32, off uint32, p []byte) error {
	if err := fs.checkBlock(blk); err != nil {
		return err
	}
	if _, err := fs.dev.WriteAt(p, int64(blk)*int64(fs.blockSize)+int64(off)); err != nil {
		return fmt.Errorf("ext2.writeAt %d: %w", blk, err)
	}
	return nil
}

func (fs *Filesystem) readPtr(blk, i uint32) (uint32, error) {
	if err := fs.checkBlock(blk); err != nil {
		return 0, err
	}
	var b [4]byte
	if _, err := fs.dev.ReadAt(b[:], int64(blk)*int64(fs.blockSize)+int64(i)*4); err != nil {
		return 0, fmt.Errorf("ext2.readPtr %d: %w", blk, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (fs *Filesystem) writePtr(blk, i, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return fs.writeAt(blk, i*4, b[:])
}

func (fs *Filesystem) inodeOffset(ino uint32) (int64, error) {
	if ino == 0 || ino > fs.sb.InodesCount {
		return 0, kerrors.Corrupted("inode %d out of range", ino)
	}
	g := (ino - 1) / fs.sb.InodesPerGroup
	idx := (ino - 1) % fs.sb.InodesPerGroup
	table := fs.groups[g].InodeTable
	return int64(table)*int64(fs.blockSize) + int64(idx)*int64(fs.inodeSize), nil
}

func (fs *Filesystem) readInode(ino uint32) (*node, error) {
	off, err := fs.inodeOffset(ino)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, inodeRecordSize)
	if _, err := fs.dev.ReadAt(raw, off); err != nil {
		return nil, fmt.Errorf("ext2.readInode %d: %w", ino, err)
	}
	n := &node{ino: ino}
	if err := decode(raw, &n.inode); err != nil {
		return nil, err
	}
	return n, nil
}

func (fs *Filesystem) writeInode(n *node) error {
	off, err := fs.inodeOffset(n.ino)
	if err != nil {
		return err
	}
	if _, err := fs.dev.WriteAt(encode(&n.inode), off); err != nil {
		return fmt.Errorf("ext2.writeInode %d: %w", n.ino, err)
	}
	return nil
}

// syncMeta persists the superblock and the group descriptor table when
// the allocator touched them.
func (fs *Filesystem) syncMeta() error {
	if !fs.metaDirty {
		return nil
	}
	fs.sb.Wtime = fs.timestamp()
	if _, err := fs.dev.WriteAt(encode(&fs.sb), superblockOffset); err != nil {
		return fmt.Errorf("ext2.syncMeta: superblock: %w", err)
	}
	if _, err := fs.dev.WriteAt(encode(fs.groups), fs.gdtOffset()); err != nil {
		return fmt.Errorf("ext2.syncMeta: group descriptors: %w", err)
	}
	fs.metaDirty = false
	return nil
}

func vnodeType(mode uint16) (vfs.VnodeType, bool) {
	switch mode & modeTypeMask {
	case modeRegular:
		return vfs.VnodeRegular, true
	case modeDir:
		return vfs.VnodeDirectory, true
	case modeSymlink:
		return vfs.VnodeSymlink, true
	case modeChar:
		return vfs.VnodeCharDevice, true
	case modeBlock:
		return vfs.VnodeBlockDevice, true
	case modeFIFO, modeSocket:
		return vfs.VnodeUnknown, true
	default:
		return vfs.VnodeUnknown, false
	}
}

func (fs *Filesystem) newVnode(n *node, name string) (*vfs.Vnode, error) {
	t, ok := vnodeType(n.inode.Mode)
	if !ok {
		return nil, kerrors.Corrupted("inode %d has unsupported type %#x", n.ino, n.inode.Mode&modeTypeMask)
	}
	v := vfs.NewVnode(t, name)
	v.Ino = uint64(n.ino)
	v.Mode = uint32(n.inode.Mode & modePermMask)
	v.UID = n.inode.uid()
	v.GID = n.inode.gid()
	v.FS = fs
	v.Ops = fs
	v.Data = n
	return v, nil
}

// getNode returns the cached node of ino, reading it from disk on a miss.
func (fs *Filesystem) getNode(ino uint32) (*node, error) {
	if n := fs.inodes[ino].Value(); n != nil {
		return n, nil
	}
	n, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	fs.track(n)
	return n, nil
}

func (fs *Filesystem) track(n *node) {
	fs.inodes[n.ino] = weak.Make(n)
	runtime.AddCleanup(n, fs.forget, n.ino)
}

// forget drops the entry of a collected node. A newer node tracked under
// the same number is kept.
func (fs *Filesystem) forget(ino uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if wp, ok := fs.inodes[ino]; ok && wp.Value() == nil {
		delete(fs.inodes, ino)
	}
}

func (fs *Filesystem) loadVnode(ino uint32, name string) (*vfs.Vnode, error) {
	n, err := fs.getNode(ino)
	if err != nil {
		return nil, err
	}
	if n.inode.LinksCount == 0 {
		return nil, kerrors.Corrupted("entry %q refers to free inode %d", name, ino)
	}
	return fs.newVnode(n, name)
}

func nodeOf(v *vfs.Vnode) *node {
	n, ok := v.Data.(*node)
	kerrors.Assert(ok, "ext2.nodeOf", "vnode %q carries no ext2 inode", v.Name)
	return n
}

// corrupted logs a structural error at error level and passes it on.
func corrupted(ctx context.Context, op string, err error) error {
	if err != nil && errors.Is(err, kerrors.ErrCorrupted) {
		logging.GetLoggerFromContextWithOp(ctx, op).Error("Filesystem corruption detected", slogext.Err(err))
	}
	return err
}

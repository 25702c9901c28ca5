package ext2

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

func (fs *Filesystem) Find(ctx context.Context, at *vfs.Vnode, name string) (*vfs.Vnode, error) {
	const op = "ext2.Filesystem.Find"

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := nodeOf(at)
	kerrors.Assert(dir.inode.isDir(), op, "lookup of %q in non-directory inode %d", name, dir.ino)

	ino, found, err := fs.find(dir, name)
	if err != nil {
		return nil, corrupted(ctx, op, err)
	}
	if !found {
		return nil, kerrors.ErrNotFound
	}

	v, err := fs.loadVnode(ino, name)
	return v, corrupted(ctx, op, err)
}

func (fs *Filesystem) Open(_ context.Context, f *vfs.File, flags int) error {
	if flags&vfs.O_APPEND != 0 && flags&vfs.O_ACCMODE == vfs.O_RDONLY {
		return kerrors.ErrInvalid
	}
	if fs.readOnly && flags&vfs.O_ACCMODE != vfs.O_RDONLY {
		return kerrors.ErrReadOnly
	}
	return nil
}

func (fs *Filesystem) Close(context.Context, *vfs.File) {}

func unixTime(sec uint32) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

func (fs *Filesystem) Stat(_ context.Context, v *vfs.Vnode) (vfs.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := nodeOf(v)
	in := &n.inode
	return vfs.Stat{
		Ino:     uint64(n.ino),
		Mode:    uint32(in.Mode),
		Nlink:   uint32(in.LinksCount),
		UID:     in.uid(),
		GID:     in.gid(),
		Size:    in.size(),
		Blksize: int64(fs.blockSize),
		Blocks:  int64(in.Blocks),
		Atime:   unixTime(in.Atime),
		Mtime:   unixTime(in.Mtime),
		Ctime:   unixTime(in.Ctime),
	}, nil
}

func (fs *Filesystem) Read(ctx context.Context, f *vfs.File, p []byte) (int, error) {
	const op = "ext2.Filesystem.Read"

	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := nodeOf(f.Vnode)
	size := n.inode.size()
	if f.Pos >= size {
		return 0, nil
	}
	if rest := size - f.Pos; int64(len(p)) > rest {
		p = p[:rest]
	}

	bs := int64(fs.blockSize)
	done := 0
	for done < len(p) {
		pos := f.Pos + int64(done)
		inner := pos % bs
		chunk := min(int(bs-inner), len(p)-done)

		blk, err := fs.translate(n, uint64(pos/bs), false)
		if err != nil {
			return done, corrupted(ctx, op, err)
		}
		if blk == 0 {
			clear(p[done : done+chunk])
		} else if _, err := fs.dev.ReadAt(p[done:done+chunk], int64(blk)*bs+inner); err != nil {
			return done, fmt.Errorf("%s: %w", op, err)
		}
		done += chunk
	}

	f.Pos += int64(done)
	return done, nil
}

func (fs *Filesystem) Write(ctx context.Context, f *vfs.File, p []byte) (int, error) {
	const op = "ext2.Filesystem.Write"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return 0, kerrors.ErrReadOnly
	}

	n := nodeOf(f.Vnode)
	if !n.inode.isRegular() {
		return 0, kerrors.ErrInvalid
	}

	if end := f.Pos + int64(len(p)); end > n.inode.size() {
		if err := fs.resize(n, end); err != nil {
			logger.Debug("Resize failed", slogext.Ino(uint64(n.ino)), slogext.Err(err))
			return 0, fs.finish(ctx, op, n, err)
		}
	}

	bs := int64(fs.blockSize)
	scratch := make([]byte, bs)
	done := 0
	var werr error

	for done < len(p) {
		pos := f.Pos + int64(done)
		inner := pos % bs
		chunk := min(int(bs-inner), len(p)-done)

		blk, err := fs.translate(n, uint64(pos/bs), true)
		if err != nil {
			werr = err
			break
		}

		if inner == 0 && int64(chunk) == bs {
			err = fs.writeBlock(blk, p[done:done+chunk])
		} else {
			if err = fs.readBlock(blk, scratch); err == nil {
				copy(scratch[inner:], p[done:done+chunk])
				err = fs.writeBlock(blk, scratch)
			}
		}
		if err != nil {
			werr = err
			break
		}
		done += chunk
	}

	if werr != nil {
		// The inode keeps the size set by resize even though the tail
		// was not written.
		logger.Warn("Partial write", slogext.Ino(uint64(n.ino)), slog.Int("written", done), slogext.Err(werr))
	}

	f.Pos += int64(done)
	ts := fs.timestamp()
	n.inode.Mtime = ts
	n.inode.Ctime = ts
	return done, fs.finish(ctx, op, n, werr)
}

// finish persists n and the allocator metadata after a mutation and
// returns the first error encountered.
func (fs *Filesystem) finish(ctx context.Context, op string, n *node, err error) error {
	if n != nil {
		if werr := fs.writeInode(n); err == nil {
			err = werr
		}
	}
	if merr := fs.syncMeta(); err == nil {
		err = merr
	}
	return corrupted(ctx, op, err)
}

func (fs *Filesystem) ReadDir(ctx context.Context, f *vfs.File) (vfs.Dirent, error) {
	const op = "ext2.Filesystem.ReadDir"

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := nodeOf(f.Vnode)
	d, next, err := fs.entryAt(dir, f.Pos)
	if err == io.EOF {
		f.Pos = next
		return vfs.Dirent{}, io.EOF
	}
	if err != nil {
		return vfs.Dirent{}, corrupted(ctx, op, err)
	}

	t := vfs.VnodeUnknown
	if fs.fileType {
		t = typeOfFT(d.ftype)
	} else if child, err := fs.readInode(d.ino); err == nil {
		t, _ = vnodeType(child.inode.Mode)
	}

	f.Pos = next
	return vfs.Dirent{
		Ino:    uint64(d.ino),
		Name:   d.name,
		Type:   t,
		Off:    next,
		Reclen: int(d.recLen),
	}, nil
}

func typeOfFT(ft uint8) vfs.VnodeType {
	switch ft {
	case ftRegular:
		return vfs.VnodeRegular
	case ftDir:
		return vfs.VnodeDirectory
	case ftSymlink:
		return vfs.VnodeSymlink
	case ftChar:
		return vfs.VnodeCharDevice
	case ftBlock:
		return vfs.VnodeBlockDevice
	default:
		return vfs.VnodeUnknown
	}
}

func (fs *Filesystem) Truncate(ctx context.Context, v *vfs.Vnode, size int64) error {
	const op = "ext2.Filesystem.Truncate"

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return kerrors.ErrReadOnly
	}

	n := nodeOf(v)
	if !n.inode.isRegular() {
		return kerrors.ErrNotPermitted
	}
	if size == n.inode.size() {
		return nil
	}

	err := fs.resize(n, size)
	if err == nil {
		ts := fs.timestamp()
		n.inode.Mtime = ts
		n.inode.Ctime = ts
	}
	return fs.finish(ctx, op, n, err)
}

func (fs *Filesystem) Chmod(ctx context.Context, v *vfs.Vnode, mode uint32) error {
	const op = "ext2.Filesystem.Chmod"

	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := nodeOf(v)
	newMode := n.inode.Mode&modeTypeMask | uint16(mode&modePermMask)
	if newMode == n.inode.Mode {
		return nil
	}
	if fs.readOnly {
		return kerrors.ErrReadOnly
	}

	n.inode.Mode = newMode
	n.inode.Ctime = fs.timestamp()
	v.Mode = uint32(newMode & modePermMask)
	return fs.finish(ctx, op, n, nil)
}

func (fs *Filesystem) Chown(ctx context.Context, v *vfs.Vnode, uid, gid uint32) error {
	const op = "ext2.Filesystem.Chown"

	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := nodeOf(v)
	if n.inode.uid() == uid && n.inode.gid() == gid {
		return nil
	}
	if fs.readOnly {
		return kerrors.ErrReadOnly
	}

	n.inode.setOwner(uid, gid)
	n.inode.Ctime = fs.timestamp()
	v.UID, v.GID = uid, gid
	return fs.finish(ctx, op, n, nil)
}

func (fs *Filesystem) Creat(ctx context.Context, at *vfs.Vnode, name string, uid, gid, mode uint32) error {
	return fs.create(ctx, at, name, uid, gid, modeRegular|uint16(mode&modePermMask))
}

func (fs *Filesystem) Mkdir(ctx context.Context, at *vfs.Vnode, name string, uid, gid, mode uint32) error {
	return fs.create(ctx, at, name, uid, gid, modeDir|uint16(mode&modePermMask))
}

func (fs *Filesystem) create(ctx context.Context, at *vfs.Vnode, name string, uid, gid uint32, mode uint16) error {
	const op = "ext2.Filesystem.create"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent := nodeOf(at)
	kerrors.Assert(parent.inode.isDir(), op, "create %q in non-directory inode %d", name, parent.ino)

	if fs.readOnly {
		return kerrors.ErrReadOnly
	}

	_, found, err := fs.find(parent, name)
	if err != nil {
		return corrupted(ctx, op, err)
	}
	if found {
		return kerrors.ErrExists
	}

	isDir := mode&modeTypeMask == modeDir
	ino, err := fs.allocInode(fs.groupOfIno(parent.ino), isDir)
	if err != nil {
		return fs.finish(ctx, op, nil, err)
	}

	ts := fs.timestamp()
	n := &node{ino: ino}
	n.inode = inode{Mode: mode, Atime: ts, Ctime: ts, Mtime: ts, LinksCount: 1}
	n.inode.setOwner(uid, gid)
	fs.track(n)

	if isDir {
		n.inode.LinksCount = 2
		if err := fs.initDir(n, parent.ino); err != nil {
			return fs.undoCreate(ctx, op, n, isDir, err)
		}
	}

	if err := fs.writeInode(n); err != nil {
		return fs.undoCreate(ctx, op, n, isDir, err)
	}
	if err := fs.insert(parent, name, ino, fileTypeOf(mode)); err != nil {
		if werr := fs.writeInode(parent); werr != nil {
			logger.Error("Rollback failed", slogext.Ino(uint64(parent.ino)), slogext.Err(werr))
		}
		return fs.undoCreate(ctx, op, n, isDir, err)
	}

	if isDir {
		parent.inode.LinksCount++
	}
	parent.inode.Mtime = ts
	parent.inode.Ctime = ts

	logger.Debug("Created entry", slog.String("name", name), slogext.Ino(uint64(ino)), slog.Bool("dir", isDir))
	return fs.finish(ctx, op, parent, nil)
}

// initDir gives a fresh directory its first block holding "." and "..".
func (fs *Filesystem) initDir(n *node, parentIno uint32) error {
	if err := fs.resize(n, int64(fs.blockSize)); err != nil {
		return err
	}
	blk, err := fs.translate(n, 0, false)
	if err != nil {
		return err
	}

	buf := make([]byte, fs.blockSize)
	dot := direntSize(1)
	fs.putDirent(buf, 0, n.ino, dot, ".", ftDir)
	fs.putDirent(buf, dot, parentIno, fs.blockSize-dot, "..", ftDir)
	return fs.writeBlock(blk, buf)
}

// undoCreate releases what a failed create allocated.
func (fs *Filesystem) undoCreate(ctx context.Context, op string, n *node, isDir bool, cause error) error {
	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if err := fs.freeFrom(n, 0); err != nil {
		logger.Error("Rollback failed", slogext.Ino(uint64(n.ino)), slogext.Err(err))
	}
	n.inode.LinksCount = 0
	n.inode.Dtime = fs.timestamp()
	if err := fs.writeInode(n); err != nil {
		logger.Error("Rollback failed", slogext.Ino(uint64(n.ino)), slogext.Err(err))
	}
	if err := fs.freeInode(n.ino, isDir); err != nil {
		logger.Error("Rollback failed", slogext.Ino(uint64(n.ino)), slogext.Err(err))
	}
	delete(fs.inodes, n.ino)
	return fs.finish(ctx, op, nil, cause)
}

func (fs *Filesystem) Unlink(ctx context.Context, v *vfs.Vnode) error {
	const op = "ext2.Filesystem.Unlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := nodeOf(v)
	if n.ino == rootIno {
		return kerrors.ErrNotPermitted
	}
	if fs.readOnly {
		return kerrors.ErrReadOnly
	}

	pv := v.Parent()
	kerrors.Assert(pv != nil, op, "unlink of detached inode %d", n.ino)
	parent := nodeOf(pv)

	isDir := n.inode.isDir()
	if isDir {
		empty, err := fs.isEmpty(n)
		if err != nil {
			return corrupted(ctx, op, err)
		}
		if !empty {
			return kerrors.ErrNotEmpty
		}
		if parent.inode.LinksCount <= 2 {
			return corrupted(ctx, op, kerrors.Corrupted("directory inode %d has a subdirectory but link count %d",
				parent.ino, parent.inode.LinksCount))
		}
	}

	if err := fs.remove(parent, v.Name); err != nil {
		return corrupted(ctx, op, err)
	}

	ts := fs.timestamp()
	parent.inode.Mtime = ts
	parent.inode.Ctime = ts
	if isDir {
		parent.inode.LinksCount--
	}
	if err := fs.writeInode(parent); err != nil {
		return fs.finish(ctx, op, nil, err)
	}

	if !isDir && n.inode.LinksCount > 1 {
		n.inode.LinksCount--
		n.inode.Ctime = ts
		return fs.finish(ctx, op, n, nil)
	}

	var err error
	if n.inode.isSymlink() && n.inode.Blocks == 0 {
		// Fast symlink: the block array holds the target text.
		n.inode.Block = [numBlockPtrs]uint32{}
		n.inode.setSize(0)
	} else {
		err = fs.resize(n, 0)
	}
	if err != nil {
		logger.Error("Release of blocks failed", slogext.Ino(uint64(n.ino)), slogext.Err(err))
		return fs.finish(ctx, op, n, err)
	}

	n.inode.LinksCount = 0
	n.inode.Dtime = ts
	if err := fs.writeInode(n); err != nil {
		return fs.finish(ctx, op, nil, err)
	}
	delete(fs.inodes, n.ino)
	return fs.finish(ctx, op, nil, fs.freeInode(n.ino, isDir))
}

func (fs *Filesystem) ReadLink(ctx context.Context, v *vfs.Vnode) (string, error) {
	const op = "ext2.Filesystem.ReadLink"

	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := nodeOf(v)
	if !n.inode.isSymlink() {
		return "", kerrors.ErrInvalid
	}

	size := n.inode.size()
	if n.inode.Blocks == 0 {
		if size > fastSymlinkMax {
			return "", corrupted(ctx, op, kerrors.Corrupted("fast symlink inode %d of size %d", n.ino, size))
		}
		return string(encode(&n.inode.Block)[:size]), nil
	}

	if size > int64(fs.blockSize) {
		return "", corrupted(ctx, op, kerrors.Corrupted("symlink inode %d of size %d", n.ino, size))
	}
	blk, err := fs.translate(n, 0, false)
	if err != nil || blk == 0 {
		return "", corrupted(ctx, op, kerrors.Corrupted("symlink inode %d has no data block", n.ino))
	}
	buf := make([]byte, fs.blockSize)
	if err := fs.readBlock(blk, buf); err != nil {
		return "", corrupted(ctx, op, err)
	}
	return string(buf[:size]), nil
}

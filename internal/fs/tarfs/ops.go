package tarfs

import (
	"context"
	"io"
	"time"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
)

func fileOf(v *vfs.Vnode) *file {
	f, ok := v.Data.(*file)
	kerrors.Assert(ok, "tarfs.fileOf", "vnode %q carries no tarfs payload", v.Name)
	return f
}

// Find is never consulted for memory-resident directories; everything the
// archive holds is cached at mount time.
func (fs *Filesystem) Find(context.Context, *vfs.Vnode, string) (*vfs.Vnode, error) {
	return nil, kerrors.ErrNotFound
}

func (fs *Filesystem) Open(_ context.Context, f *vfs.File, flags int) error {
	if fs.readOnly && flags&vfs.O_ACCMODE != vfs.O_RDONLY {
		return kerrors.ErrReadOnly
	}
	return nil
}

func (fs *Filesystem) Close(context.Context, *vfs.File) {}

func (fs *Filesystem) Stat(_ context.Context, v *vfs.Vnode) (vfs.Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f := fileOf(v)
	mtime := time.Unix(f.mtime, 0).UTC()
	return vfs.Stat{
		Ino:     v.Ino,
		Mode:    vfs.ModeFor(v.Type) | v.Mode,
		Nlink:   f.nlink,
		UID:     v.UID,
		GID:     v.GID,
		Size:    f.size,
		Blksize: BlockSize,
		Blocks:  int64(len(f.blocks)),
		Atime:   mtime,
		Mtime:   mtime,
		Ctime:   mtime,
	}, nil
}

func (fs *Filesystem) Read(_ context.Context, file *vfs.File, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fileOf(file.Vnode).readAt(p, file.Pos)
	file.Pos += int64(n)
	return n, nil
}

func (fs *Filesystem) Write(_ context.Context, file *vfs.File, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return 0, kerrors.ErrReadOnly
	}
	if file.Vnode.Type != vfs.VnodeRegular {
		return 0, kerrors.ErrInvalid
	}

	f := fileOf(file.Vnode)
	n := f.writeAt(p, file.Pos)
	f.mtime = time.Now().Unix()
	file.Pos += int64(n)
	return n, nil
}

// ReadDir walks the cached children in name order.
func (fs *Filesystem) ReadDir(_ context.Context, file *vfs.File) (vfs.Dirent, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	children := file.Vnode.Children()
	if file.Pos >= int64(len(children)) {
		return vfs.Dirent{}, io.EOF
	}

	c := children[file.Pos]
	file.Pos++
	t := c.Type
	if t == vfs.VnodeMount {
		t = vfs.VnodeDirectory
	}
	return vfs.Dirent{
		Ino:  c.Ino,
		Name: c.Name,
		Type: t,
		Off:  file.Pos,
	}, nil
}

func (fs *Filesystem) Truncate(_ context.Context, v *vfs.Vnode, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return kerrors.ErrReadOnly
	}
	if v.Type != vfs.VnodeRegular {
		return kerrors.ErrNotPermitted
	}

	f := fileOf(v)
	if size != f.size {
		f.resize(size)
		f.mtime = time.Now().Unix()
	}
	return nil
}

func (fs *Filesystem) Chmod(_ context.Context, v *vfs.Vnode, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return kerrors.ErrReadOnly
	}
	v.Mode = mode & vfs.ModePermMask
	return nil
}

func (fs *Filesystem) Chown(_ context.Context, v *vfs.Vnode, uid, gid uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return kerrors.ErrReadOnly
	}
	v.UID, v.GID = uid, gid
	return nil
}

func (fs *Filesystem) Creat(ctx context.Context, at *vfs.Vnode, name string, uid, gid, mode uint32) error {
	return fs.create(at, vfs.VnodeRegular, name, uid, gid, mode)
}

func (fs *Filesystem) Mkdir(ctx context.Context, at *vfs.Vnode, name string, uid, gid, mode uint32) error {
	return fs.create(at, vfs.VnodeDirectory, name, uid, gid, mode)
}

func (fs *Filesystem) create(at *vfs.Vnode, t vfs.VnodeType, name string, uid, gid, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kerrors.Assert(at.Type == vfs.VnodeDirectory, "tarfs.create", "create %q under non-directory %q", name, at.Name)

	if fs.readOnly {
		return kerrors.ErrReadOnly
	}
	if _, ok := vfs.LookupChild(at, name); ok {
		return kerrors.ErrExists
	}

	f := &file{nlink: 1, mtime: time.Now().Unix()}
	if t == vfs.VnodeDirectory {
		f.nlink = 2
		fileOf(at).nlink++
	}

	v := fs.newVnode(t, name, f)
	v.Mode = mode & vfs.ModePermMask
	v.UID, v.GID = uid, gid
	vfs.Attach(at, v)
	return nil
}

func (fs *Filesystem) Unlink(_ context.Context, v *vfs.Vnode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if v == fs.root {
		return kerrors.ErrNotPermitted
	}
	if fs.readOnly {
		return kerrors.ErrReadOnly
	}
	if v.Type == vfs.VnodeDirectory && len(v.Children()) > 0 {
		return kerrors.ErrNotEmpty
	}

	f := fileOf(v)
	if parent := v.Parent(); parent != nil && v.Type == vfs.VnodeDirectory {
		fileOf(parent).nlink--
	}
	if f.nlink > 0 {
		f.nlink--
	}
	return nil
}

func (fs *Filesystem) ReadLink(_ context.Context, v *vfs.Vnode) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if v.Type != vfs.VnodeSymlink {
		return "", kerrors.ErrInvalid
	}
	return fileOf(v).link, nil
}

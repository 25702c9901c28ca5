package vfs

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// splitParent separates the last segment of p.
func splitParent(p string) (dir, name string) {
	p = strings.TrimRight(p, "/")
	idx := strings.LastIndex(p, "/")
	switch {
	case idx < 0:
		return "", p
	case idx == 0:
		return "/", p[1:]
	default:
		return p[:idx], p[idx+1:]
	}
}

// resolveFollow resolves p and follows a final symlink.
func (vfs *VirtualFilesystem) resolveFollow(ctx context.Context, ioc *IOContext, p string) (*Vnode, error) {
	w := newWalker()
	node, err := vfs.resolve(ctx, ioc, nil, p, w)
	if err != nil {
		return nil, err
	}
	if node.Type == VnodeSymlink {
		if node, err = vfs.followLink(ctx, ioc, node, w); err != nil {
			return nil, err
		}
	}
	return mounted(node), nil
}

// resolveParent returns the directory that holds the last segment of p.
func (vfs *VirtualFilesystem) resolveParent(ctx context.Context, ioc *IOContext, p string) (*Vnode, string, error) {
	dir, name := splitParent(p)
	if name == "" || name == "." || name == ".." {
		return nil, "", kerrors.ErrInvalid
	}
	if len(name) > MaxNameLen {
		return nil, "", kerrors.ErrNameTooLong
	}

	parent, err := vfs.resolveFollow(ctx, ioc, dir)
	if err != nil {
		return nil, "", err
	}
	if parent.Type != VnodeDirectory {
		return nil, "", kerrors.ErrNotDir
	}
	return parent, name, nil
}

// Open resolves p and returns an open file. O_CREAT creates a missing
// regular file with mode.
func (vfs *VirtualFilesystem) Open(ctx context.Context, ioc *IOContext, p string, flags int, mode uint32) (*File, error) {
	const op = "vfs.VirtualFilesystem.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	created := false
	node, err := vfs.resolveFollow(ctx, ioc, p)
	switch {
	case errors.Is(err, kerrors.ErrNotFound) && flags&O_CREAT != 0:
		parent, name, perr := vfs.resolveParent(ctx, ioc, p)
		if perr != nil {
			return nil, perr
		}
		if perr = ioc.check(AccessWrite|AccessExec, parent); perr != nil {
			return nil, perr
		}
		if perr = parent.Ops.Creat(ctx, parent, name, ioc.UID, ioc.GID, mode&ModePermMask); perr != nil {
			return nil, perr
		}
		if node, perr = vfs.lookupOrLoad(ctx, parent, name); perr != nil {
			return nil, perr
		}
		created = true
	case err != nil:
		return nil, err
	case flags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL:
		return nil, kerrors.ErrExists
	}

	f := &File{Vnode: node, Flags: flags}

	if flags&O_DIRECTORY != 0 && node.Type != VnodeDirectory {
		return nil, kerrors.ErrNotDir
	}
	if node.Type == VnodeDirectory && f.writable() {
		return nil, kerrors.ErrIsDir
	}

	if !created {
		var want uint32
		if f.readable() {
			want |= AccessRead
		}
		if f.writable() {
			want |= AccessWrite
		}
		if err := ioc.check(want, node); err != nil {
			return nil, err
		}
	}

	if err := node.Ops.Open(ctx, f, flags); err != nil {
		logger.Debug("Driver refused open", slogext.Path(p), slogext.Err(err))
		return nil, err
	}

	if flags&O_TRUNC != 0 && f.writable() && node.Type == VnodeRegular {
		if err := node.Ops.Truncate(ctx, node, 0); err != nil {
			node.Ops.Close(ctx, f)
			return nil, err
		}
	}

	node.OpenCount++
	return f, nil
}

// Close releases f. The vnode and its unused ancestors leave the cache
// when the last open file goes away.
func (vfs *VirtualFilesystem) Close(ctx context.Context, f *File) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if f == nil || f.closed {
		return kerrors.ErrBadFD
	}

	node := f.Vnode
	node.Ops.Close(ctx, f)
	f.closed = true

	kerrors.Assert(node.OpenCount > 0, "vfs.Close", "open count underflow on %q", node.Name)
	node.OpenCount--
	if node.OpenCount == 0 {
		vfs.evict(node)
	}
	return nil
}

func (vfs *VirtualFilesystem) Read(ctx context.Context, f *File, p []byte) (int, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if f.closed || !f.readable() {
		return 0, kerrors.ErrBadFD
	}
	if f.Vnode.Type == VnodeDirectory {
		return 0, kerrors.ErrIsDir
	}
	return f.Vnode.Ops.Read(ctx, f, p)
}

func (vfs *VirtualFilesystem) Write(ctx context.Context, f *File, p []byte) (int, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if f.closed || !f.writable() {
		return 0, kerrors.ErrBadFD
	}

	if f.Flags&O_APPEND != 0 {
		st, err := f.Vnode.Ops.Stat(ctx, f.Vnode)
		if err != nil {
			return 0, err
		}
		f.Pos = st.Size
	}
	return f.Vnode.Ops.Write(ctx, f, p)
}

// Lseek repositions f. Positions past the end of file are rejected.
// Directories may only be rewound.
func (vfs *VirtualFilesystem) Lseek(ctx context.Context, f *File, offset int64, whence int) (int64, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if f.closed {
		return 0, kerrors.ErrBadFD
	}

	if f.Vnode.Type == VnodeDirectory {
		if whence != SEEK_SET || offset != 0 {
			return 0, kerrors.ErrInvalidSeek
		}
		f.Pos = 0
		return 0, nil
	}

	st, err := f.Vnode.Ops.Stat(ctx, f.Vnode)
	if err != nil {
		return 0, err
	}

	var pos int64
	switch whence {
	case SEEK_SET:
		pos = offset
	case SEEK_CUR:
		pos = f.Pos + offset
	case SEEK_END:
		pos = st.Size + offset
	default:
		return 0, kerrors.ErrInvalid
	}

	if pos < 0 || pos > st.Size {
		return 0, kerrors.ErrInvalidSeek
	}
	f.Pos = pos
	return pos, nil
}

// ReadDir returns the next entry of an open directory, or io.EOF.
func (vfs *VirtualFilesystem) ReadDir(ctx context.Context, f *File) (Dirent, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if f.closed {
		return Dirent{}, kerrors.ErrBadFD
	}
	if f.Vnode.Type != VnodeDirectory {
		return Dirent{}, kerrors.ErrNotDir
	}
	return f.Vnode.Ops.ReadDir(ctx, f)
}

func (vfs *VirtualFilesystem) FStat(ctx context.Context, f *File) (Stat, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if f.closed {
		return Stat{}, kerrors.ErrBadFD
	}
	return f.Vnode.Ops.Stat(ctx, f.Vnode)
}

// Stat follows a final symlink, Lstat does not.
func (vfs *VirtualFilesystem) Stat(ctx context.Context, ioc *IOContext, p string) (Stat, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolveFollow(ctx, ioc, p)
	if err != nil {
		return Stat{}, err
	}
	return node.Ops.Stat(ctx, node)
}

func (vfs *VirtualFilesystem) Lstat(ctx context.Context, ioc *IOContext, p string) (Stat, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolve(ctx, ioc, nil, p, newWalker())
	if err != nil {
		return Stat{}, err
	}
	return node.Ops.Stat(ctx, node)
}

// Chmod is allowed to the owner and to root.
func (vfs *VirtualFilesystem) Chmod(ctx context.Context, ioc *IOContext, p string, mode uint32) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolveFollow(ctx, ioc, p)
	if err != nil {
		return err
	}
	if ioc.UID != 0 && ioc.UID != node.UID {
		return kerrors.ErrNotPermitted
	}
	return node.Ops.Chmod(ctx, node, mode&ModePermMask)
}

// Chown is allowed to root only.
func (vfs *VirtualFilesystem) Chown(ctx context.Context, ioc *IOContext, p string, uid, gid uint32) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolveFollow(ctx, ioc, p)
	if err != nil {
		return err
	}
	if ioc.UID != 0 {
		return kerrors.ErrNotPermitted
	}
	return node.Ops.Chown(ctx, node, uid, gid)
}

func (vfs *VirtualFilesystem) Truncate(ctx context.Context, ioc *IOContext, p string, size int64) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if size < 0 {
		return kerrors.ErrInvalid
	}

	node, err := vfs.resolveFollow(ctx, ioc, p)
	if err != nil {
		return err
	}
	if node.Type == VnodeDirectory {
		return kerrors.ErrIsDir
	}
	if err := ioc.check(AccessWrite, node); err != nil {
		return err
	}
	return node.Ops.Truncate(ctx, node, size)
}

func (vfs *VirtualFilesystem) Creat(ctx context.Context, ioc *IOContext, p string, mode uint32) error {
	return vfs.create(ctx, ioc, p, mode, false)
}

func (vfs *VirtualFilesystem) Mkdir(ctx context.Context, ioc *IOContext, p string, mode uint32) error {
	return vfs.create(ctx, ioc, p, mode, true)
}

func (vfs *VirtualFilesystem) create(ctx context.Context, ioc *IOContext, p string, mode uint32, dir bool) error {
	const op = "vfs.VirtualFilesystem.create"

	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	parent, name, err := vfs.resolveParent(ctx, ioc, p)
	if err != nil {
		return err
	}
	if _, ok := LookupChild(parent, name); ok {
		return kerrors.ErrExists
	}
	if err := ioc.check(AccessWrite|AccessExec, parent); err != nil {
		return err
	}

	if dir {
		err = parent.Ops.Mkdir(ctx, parent, name, ioc.UID, ioc.GID, mode&ModePermMask)
	} else {
		err = parent.Ops.Creat(ctx, parent, name, ioc.UID, ioc.GID, mode&ModePermMask)
	}
	if err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Debug("Create failed",
			slogext.Path(p), slog.Bool("dir", dir), slogext.Err(err))
		return err
	}
	return nil
}

// Unlink removes the entry at p. A final symlink is removed itself.
func (vfs *VirtualFilesystem) Unlink(ctx context.Context, ioc *IOContext, p string) error {
	const op = "vfs.VirtualFilesystem.Unlink"

	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolve(ctx, ioc, nil, p, newWalker())
	if err != nil {
		return err
	}

	if node == vfs.root || node.mountRoot || node.Type == VnodeMount {
		return kerrors.ErrBusy
	}
	if node.OpenCount > 0 || node.refs > 0 {
		return kerrors.ErrBusy
	}

	parent := node.parent
	kerrors.Assert(parent != nil, op, "attached vnode %q has no parent", node.Name)
	if err := ioc.check(AccessWrite|AccessExec, parent); err != nil {
		return err
	}

	if err := node.Ops.Unlink(ctx, node); err != nil {
		return err
	}
	Detach(node)
	return nil
}

// ReadLink returns the stored contents of the symlink at p.
func (vfs *VirtualFilesystem) ReadLink(ctx context.Context, ioc *IOContext, p string) (string, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolve(ctx, ioc, nil, p, newWalker())
	if err != nil {
		return "", err
	}
	if node.Type != VnodeSymlink {
		return "", kerrors.ErrInvalid
	}

	reader, ok := node.Ops.(LinkReader)
	if !ok {
		if node.target != nil && !node.target.detached {
			return vnodePath(node.target), nil
		}
		return "", kerrors.ErrNotFound
	}
	return reader.ReadLink(ctx, node)
}

// Access checks want (a mask of Access* bits) against the object at p.
func (vfs *VirtualFilesystem) Access(ctx context.Context, ioc *IOContext, p string, want uint32) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolveFollow(ctx, ioc, p)
	if err != nil {
		return err
	}
	return ioc.check(want, node)
}

// Chdir makes the directory at p the current directory of ioc.
func (vfs *VirtualFilesystem) Chdir(ctx context.Context, ioc *IOContext, p string) error {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	node, err := vfs.resolveFollow(ctx, ioc, p)
	if err != nil {
		return err
	}
	if node.Type != VnodeDirectory {
		return kerrors.ErrNotDir
	}
	if err := ioc.check(AccessExec, node); err != nil {
		return err
	}

	prev := ioc.cwd
	ioc.setCwd(vnodePath(node), node)
	if prev != nil && prev != node {
		vfs.evict(prev)
	}
	return nil
}

// Getcwd returns the current directory path of ioc.
func (vfs *VirtualFilesystem) Getcwd(ioc *IOContext) string {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if ioc.cwd == nil || ioc.cwd.detached {
		return ioc.cwdPath
	}
	return vnodePath(ioc.cwd)
}

// Release drops the references ioc holds on the tree.
func (vfs *VirtualFilesystem) Release(ioc *IOContext) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	prev := ioc.cwd
	ioc.setCwd("/", nil)
	if prev != nil {
		vfs.evict(prev)
	}
}

// vnodePath rebuilds the absolute path of v from parent links.
func vnodePath(v *Vnode) string {
	var segs []string
	for n := v; n != nil && n.parent != nil; n = n.parent {
		segs = append(segs, n.Name)
	}
	if len(segs) == 0 {
		return "/"
	}

	var b strings.Builder
	for i := len(segs) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(segs[i])
	}
	return b.String()
}

// Path returns the absolute path of a cached vnode.
func (vfs *VirtualFilesystem) Path(v *Vnode) string {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return vnodePath(v)
}

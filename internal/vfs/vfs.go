// Package vfs implements the virtual filesystem switch: a cached vnode tree
// presenting one hierarchical namespace over mounted backing filesystems.
//
// Every exported method of VirtualFilesystem takes the namespace lock for
// its whole duration, so path resolution, lazy loading and the driver call
// that follows form one critical section. Drivers take their own
// per-instance lock inside; the namespace lock is always acquired first.
package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

const (
	// LinkMax bounds the number of symlinks followed by one resolution.
	LinkMax = 16
	PathMax = 4096
)

// Mount is one mount table entry.
type Mount struct {
	Path    string
	Device  blockdev.Device
	Driver  string
	Options string
	FS      Filesystem
}

type VirtualFilesystem struct {
	mu      sync.Mutex
	root    *Vnode
	drivers map[string]MountFunc
	mounts  []*Mount
}

func New() *VirtualFilesystem {
	return &VirtualFilesystem{drivers: make(map[string]MountFunc)}
}

// RegisterDriver makes a filesystem class available to Mount.
func (vfs *VirtualFilesystem) RegisterDriver(name string, fn MountFunc) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	vfs.drivers[name] = fn
}

func (vfs *VirtualFilesystem) Root() *Vnode {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return vfs.root
}

// walker carries the symlink depth counter shared by one top-level resolution,
// including the nested resolutions of link targets.
type walker struct {
	links int
}

func newWalker() *walker { return &walker{links: LinkMax} }

func mounted(v *Vnode) *Vnode {
	for v.Type == VnodeMount {
		kerrors.Assert(v.target != nil, "vfs.mounted", "mount point %q has no root", v.Name)
		v = v.target
	}
	return v
}

// resolve walks path starting at rel (or the cwd, or the root). A final
// symlink is returned as is; a final mount point is replaced by the root
// it carries.
func (vfs *VirtualFilesystem) resolve(ctx context.Context, ioc *IOContext, rel *Vnode, p string, w *walker) (*Vnode, error) {
	if vfs.root == nil {
		return nil, kerrors.ErrNotFound
	}
	if len(p) > PathMax {
		return nil, kerrors.ErrNameTooLong
	}

	at := rel
	if strings.HasPrefix(p, "/") {
		at = vfs.root
	} else if at == nil {
		at = ioc.cwd
		if at == nil {
			at = vfs.root
		}
	}

	node, err := vfs.walk(ctx, ioc, at, p, w)
	if err != nil {
		return nil, err
	}
	return mounted(node), nil
}

func (vfs *VirtualFilesystem) walk(ctx context.Context, ioc *IOContext, cur *Vnode, p string, w *walker) (*Vnode, error) {
	var err error

	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if len(seg) > MaxNameLen {
			return nil, kerrors.ErrNameTooLong
		}

		if cur.Type == VnodeSymlink {
			if cur, err = vfs.followLink(ctx, ioc, cur, w); err != nil {
				return nil, err
			}
		}
		cur = mounted(cur)

		if cur.Type != VnodeDirectory {
			return nil, kerrors.ErrNotDir
		}
		if err := ioc.check(AccessExec, cur); err != nil {
			return nil, err
		}

		switch seg {
		case ".":
			continue
		case "..":
			if cur.parent != nil {
				cur = cur.parent
			}
			continue
		}

		if cur, err = vfs.lookupOrLoad(ctx, cur, seg); err != nil {
			return nil, err
		}
	}

	return cur, nil
}

// followLink resolves lnk until a non-link is reached, charging each hop
// to w.
func (vfs *VirtualFilesystem) followLink(ctx context.Context, ioc *IOContext, lnk *Vnode, w *walker) (*Vnode, error) {
	const op = "vfs.VirtualFilesystem.followLink"

	for lnk.Type == VnodeSymlink {
		if w.links == 0 {
			return nil, kerrors.ErrLoop
		}
		w.links--

		if lnk.target != nil && lnk.target.detached {
			lnk.target = nil
		}

		if lnk.target == nil {
			reader, ok := lnk.Ops.(LinkReader)
			if !ok || lnk.parent == nil {
				return nil, kerrors.ErrNotFound
			}

			dest, err := reader.ReadLink(ctx, lnk)
			if err != nil {
				return nil, err
			}

			target, err := vfs.resolve(ctx, ioc, lnk.parent, dest, w)
			if err != nil {
				logging.GetLoggerFromContextWithOp(ctx, op).Debug("Link target unresolved",
					slog.String("link", lnk.Name), slog.String("dest", dest), slogext.Err(err))
				return nil, err
			}
			lnk.target = target
		}

		lnk = lnk.target
	}

	return lnk, nil
}

func (vfs *VirtualFilesystem) lookupOrLoad(ctx context.Context, at *Vnode, name string) (*Vnode, error) {
	if child, ok := LookupChild(at, name); ok {
		return child, nil
	}

	if at.IsMemory() {
		return nil, kerrors.ErrNotFound
	}

	kerrors.Assert(at.Ops != nil, "vfs.lookupOrLoad", "vnode %q has no operations", at.Name)

	node, err := at.Ops.Find(ctx, at, name)
	if err != nil {
		return nil, err
	}

	Attach(at, node)
	return node, nil
}

// Resolve looks path up relative to rel. A final symlink is not followed.
func (vfs *VirtualFilesystem) Resolve(ctx context.Context, ioc *IOContext, rel *Vnode, p string) (*Vnode, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return vfs.resolve(ctx, ioc, rel, p, newWalker())
}

// ResolveLink follows lnk to the first non-link vnode.
func (vfs *VirtualFilesystem) ResolveLink(ctx context.Context, ioc *IOContext, lnk *Vnode) (*Vnode, error) {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	return vfs.followLink(ctx, ioc, lnk, newWalker())
}

// Mount attaches a new instance of driver backed by dev at the absolute
// path at. Mounting at "/" replaces the namespace root.
func (vfs *VirtualFilesystem) Mount(ctx context.Context, ioc *IOContext, at string, dev blockdev.Device, driver, options string) error {
	const op = "vfs.VirtualFilesystem.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if !strings.HasPrefix(at, "/") {
		logger.Warn("Non-absolute path used for mounting", slogext.Path(at))
		return kerrors.ErrInvalid
	}
	at = path.Clean(at)

	mountFn, ok := vfs.drivers[driver]
	if !ok {
		logger.Warn("Unknown filesystem driver", slog.String("driver", driver))
		return kerrors.ErrInvalid
	}

	if dev != nil {
		for _, m := range vfs.mounts {
			if m.Device == dev {
				return kerrors.ErrBusy
			}
		}
	}

	var point *Vnode
	if at != "/" {
		var err error
		if point, err = vfs.resolve(ctx, ioc, nil, at, newWalker()); err != nil {
			return err
		}
		if point.Type != VnodeDirectory {
			return kerrors.ErrNotDir
		}
	}

	fs, err := mountFn(ctx, dev, options)
	if err != nil {
		logger.Warn("Filesystem creation failed", slog.String("driver", driver), slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	root, err := fs.Root(ctx)
	if err != nil {
		logger.Warn("Filesystem has no root", slog.String("driver", driver), slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	root.mountRoot = true

	if point == nil {
		root.parent = nil
		vfs.root = root
	} else {
		point.Type = VnodeMount
		point.target = root
		// ".." from the mounted root ascends past the mount point.
		root.parent = point.parent
		root.Name = point.Name
	}

	vfs.mounts = append(vfs.mounts, &Mount{
		Path:    at,
		Device:  dev,
		Driver:  driver,
		Options: options,
		FS:      fs,
	})

	logger.Info("Mounted filesystem", slogext.Path(at), slog.String("driver", driver))
	if logger.Enabled(ctx, slog.LevelDebug) {
		if dump, err := marshalTree(vfs.dump(vfs.root)); err == nil {
			logger.Debug("Vnode tree", slog.String("tree", string(dump)))
		}
	}

	return nil
}

// Mounts returns a snapshot of the mount table.
func (vfs *VirtualFilesystem) Mounts() []Mount {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	out := make([]Mount, 0, len(vfs.mounts))
	for _, m := range vfs.mounts {
		out = append(out, *m)
	}
	return out
}

package vfs

import (
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
)

// Access request bits.
const (
	AccessExec  uint32 = 1
	AccessWrite uint32 = 2
	AccessRead  uint32 = 4
)

// AccessFunc decides whether ioc may access an object with the given mode
// and ownership. Permission policy lives entirely behind this function.
type AccessFunc func(ioc *IOContext, want uint32, mode, uid, gid uint32) error

// DefaultAccess is the classic owner/group/other rwx check with a root
// bypass.
func DefaultAccess(ioc *IOContext, want uint32, mode, uid, gid uint32) error {
	if ioc.UID == 0 {
		return nil
	}

	var bits uint32
	switch {
	case ioc.UID == uid:
		bits = (mode >> 6) & 7
	case ioc.GID == gid:
		bits = (mode >> 3) & 7
	default:
		bits = mode & 7
	}

	if want&^bits != 0 {
		return kerrors.ErrAccess
	}
	return nil
}

// IOContext is the per-actor state: credentials and current directory.
type IOContext struct {
	UID uint32
	GID uint32

	// Access is consulted for every permission decision. Nil means
	// DefaultAccess.
	Access AccessFunc

	cwdPath string
	cwd     *Vnode
}

func NewIOContext(uid, gid uint32) *IOContext {
	return &IOContext{UID: uid, GID: gid, cwdPath: "/"}
}

func (c *IOContext) check(want uint32, v *Vnode) error {
	fn := c.Access
	if fn == nil {
		fn = DefaultAccess
	}
	return fn(c, want, v.Mode, v.UID, v.GID)
}

// SetCredentials changes the effective ids.
func (c *IOContext) SetCredentials(uid, gid uint32) {
	c.UID = uid
	c.GID = gid
}

func (c *IOContext) setCwd(path string, v *Vnode) {
	if c.cwd != nil {
		c.cwd.refs--
	}
	if v != nil {
		v.refs++
	}
	c.cwd = v
	c.cwdPath = path
}

package vfs

import (
	"github.com/google/btree"
)

// MaxNameLen bounds a single path segment.
const MaxNameLen = 64

type VnodeType int

const (
	VnodeRegular VnodeType = iota
	VnodeDirectory
	VnodeBlockDevice
	VnodeCharDevice
	VnodeSymlink
	VnodeUnknown
	VnodeMount
)

func (t VnodeType) String() string {
	switch t {
	case VnodeRegular:
		return "regular"
	case VnodeDirectory:
		return "directory"
	case VnodeBlockDevice:
		return "block-device"
	case VnodeCharDevice:
		return "char-device"
	case VnodeSymlink:
		return "symlink"
	case VnodeMount:
		return "mount-point"
	default:
		return "unknown"
	}
}

// FlagMemory marks a vnode without backing storage: a cache miss under
// such a node is final and the node is never evicted.
const FlagMemory uint32 = 1 << 0

// Vnode is one cached namespace entry. The tree owns its nodes through the
// children index; parent is a back-reference.
type Vnode struct {
	Type  VnodeType
	Name  string
	Flags uint32

	// Mode holds permission bits only; the type lives in Type.
	Mode uint32
	UID  uint32
	GID  uint32
	Ino  uint64

	OpenCount int

	FS   Filesystem
	Ops  Operations
	Data any

	parent   *Vnode
	children *btree.BTreeG[*Vnode]

	// For symlinks, the resolved target. For mount points, the root of
	// the mounted filesystem.
	target *Vnode

	// refs counts holders other than open files (current directories).
	refs      int
	mountRoot bool
	detached  bool
}

func vnodeLess(a, b *Vnode) bool { return a.Name < b.Name }

// NewVnode creates a fresh unattached vnode.
func NewVnode(t VnodeType, name string) *Vnode {
	return &Vnode{Type: t, Name: name}
}

func (v *Vnode) Parent() *Vnode { return v.parent }

// Target returns the cached symlink target or the mounted root.
func (v *Vnode) Target() *Vnode { return v.target }

// SetTarget caches a symlink target. Drivers of memory-resident
// filesystems use it to pre-resolve links.
func (v *Vnode) SetTarget(t *Vnode) { v.target = t }

func (v *Vnode) IsMemory() bool { return v.Flags&FlagMemory != 0 }

// Attach inserts child into parent's child list. A child already attached
// elsewhere is detached first.
func Attach(parent, child *Vnode) {
	if child.parent != nil {
		Detach(child)
	}
	if parent.children == nil {
		parent.children = btree.NewG[*Vnode](8, vnodeLess)
	}
	if old, replaced := parent.children.ReplaceOrInsert(child); replaced && old != child {
		old.parent = nil
		old.detached = true
	}
	child.parent = parent
	child.detached = false
}

// Detach removes node from its parent's child list.
func Detach(node *Vnode) {
	p := node.parent
	if p == nil {
		return
	}
	if p.children != nil {
		if cur, ok := p.children.Get(node); ok && cur == node {
			p.children.Delete(node)
		}
	}
	node.parent = nil
	node.detached = true
}

// LookupChild finds a cached child by name.
func LookupChild(parent *Vnode, name string) (*Vnode, bool) {
	if parent.children == nil {
		return nil, false
	}
	return parent.children.Get(&Vnode{Name: name})
}

// Children returns the cached children in name order.
func (v *Vnode) Children() []*Vnode {
	if v.children == nil {
		return nil
	}
	out := make([]*Vnode, 0, v.children.Len())
	v.children.Ascend(func(c *Vnode) bool {
		out = append(out, c)
		return true
	})
	return out
}

func (v *Vnode) childCount() int {
	if v.children == nil {
		return 0
	}
	return v.children.Len()
}

package vfs

import (
	"context"
	"io"
	"sort"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
)

// fakeNode is the "on-disk" object of fakeFS. Vnodes are materialized from
// it on Find, so evicted entries can be reloaded.
type fakeNode struct {
	ino      uint64
	typ      VnodeType
	mode     uint32
	uid, gid uint32
	data     []byte
	link     string
	nlink    uint32
	children map[string]*fakeNode
}

type fakeFS struct {
	dev  blockdev.Device
	root *fakeNode
	next uint64
}

func newFakeFS(dev blockdev.Device) *fakeFS {
	fs := &fakeFS{dev: dev, next: 2}
	fs.root = &fakeNode{ino: 1, typ: VnodeDirectory, mode: 0o755, nlink: 2, children: map[string]*fakeNode{}}
	return fs
}

func fakeMount(context.Context, blockdev.Device, string) (Filesystem, error) {
	return newFakeFS(nil), nil
}

func (fs *fakeFS) Device() blockdev.Device { return fs.dev }

func (fs *fakeFS) Root(context.Context) (*Vnode, error) {
	return fs.vnode("", fs.root), nil
}

func (fs *fakeFS) vnode(name string, n *fakeNode) *Vnode {
	v := NewVnode(n.typ, name)
	v.Ino = n.ino
	v.Mode = n.mode
	v.UID = n.uid
	v.GID = n.gid
	v.FS = fs
	v.Ops = fs
	v.Data = n
	return v
}

func (fs *fakeFS) add(at *fakeNode, name string, n *fakeNode) *fakeNode {
	n.ino = fs.next
	fs.next++
	if n.nlink == 0 {
		n.nlink = 1
	}
	at.children[name] = n
	return n
}

func (fs *fakeFS) mkdir(at *fakeNode, name string) *fakeNode {
	return fs.add(at, name, &fakeNode{typ: VnodeDirectory, mode: 0o755, nlink: 2, children: map[string]*fakeNode{}})
}

func (fs *fakeFS) file(at *fakeNode, name, content string) *fakeNode {
	return fs.add(at, name, &fakeNode{typ: VnodeRegular, mode: 0o644, data: []byte(content)})
}

func (fs *fakeFS) symlink(at *fakeNode, name, dest string) *fakeNode {
	return fs.add(at, name, &fakeNode{typ: VnodeSymlink, mode: 0o777, link: dest})
}

func node(v *Vnode) *fakeNode { return v.Data.(*fakeNode) }

func (fs *fakeFS) Find(_ context.Context, at *Vnode, name string) (*Vnode, error) {
	n, ok := node(at).children[name]
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	return fs.vnode(name, n), nil
}

func (fs *fakeFS) Open(context.Context, *File, int) error { return nil }

func (fs *fakeFS) Close(context.Context, *File) {}

func (fs *fakeFS) Stat(_ context.Context, v *Vnode) (Stat, error) {
	n := node(v)
	return Stat{Ino: n.ino, Mode: ModeFor(n.typ) | n.mode, Nlink: n.nlink, UID: n.uid, GID: n.gid, Size: int64(len(n.data))}, nil
}

func (fs *fakeFS) Read(_ context.Context, f *File, p []byte) (int, error) {
	n := node(f.Vnode)
	if f.Pos >= int64(len(n.data)) {
		return 0, nil
	}
	c := copy(p, n.data[f.Pos:])
	f.Pos += int64(c)
	return c, nil
}

func (fs *fakeFS) Write(_ context.Context, f *File, p []byte) (int, error) {
	n := node(f.Vnode)
	if end := f.Pos + int64(len(p)); end > int64(len(n.data)) {
		n.data = append(n.data, make([]byte, end-int64(len(n.data)))...)
	}
	c := copy(n.data[f.Pos:], p)
	f.Pos += int64(c)
	return c, nil
}

func (fs *fakeFS) ReadDir(_ context.Context, f *File) (Dirent, error) {
	n := node(f.Vnode)
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	if f.Pos >= int64(len(names)) {
		return Dirent{}, io.EOF
	}
	name := names[f.Pos]
	f.Pos++
	c := n.children[name]
	return Dirent{Ino: c.ino, Name: name, Type: c.typ, Off: f.Pos}, nil
}

func (fs *fakeFS) Truncate(_ context.Context, v *Vnode, size int64) error {
	n := node(v)
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, size-int64(len(n.data)))...)
	}
	return nil
}

func (fs *fakeFS) Chmod(_ context.Context, v *Vnode, mode uint32) error {
	node(v).mode = mode
	v.Mode = mode
	return nil
}

func (fs *fakeFS) Chown(_ context.Context, v *Vnode, uid, gid uint32) error {
	n := node(v)
	n.uid, n.gid = uid, gid
	v.UID, v.GID = uid, gid
	return nil
}

func (fs *fakeFS) Creat(_ context.Context, at *Vnode, name string, uid, gid, mode uint32) error {
	if _, ok := node(at).children[name]; ok {
		return kerrors.ErrExists
	}
	n := fs.file(node(at), name, "")
	n.mode, n.uid, n.gid = mode, uid, gid
	return nil
}

func (fs *fakeFS) Mkdir(_ context.Context, at *Vnode, name string, uid, gid, mode uint32) error {
	if _, ok := node(at).children[name]; ok {
		return kerrors.ErrExists
	}
	n := fs.mkdir(node(at), name)
	n.mode, n.uid, n.gid = mode, uid, gid
	return nil
}

func (fs *fakeFS) Unlink(_ context.Context, v *Vnode) error {
	n := node(v)
	if n.typ == VnodeDirectory && len(n.children) > 0 {
		return kerrors.ErrNotEmpty
	}
	delete(node(v.Parent()).children, v.Name)
	return nil
}

func (fs *fakeFS) ReadLink(_ context.Context, v *Vnode) (string, error) {
	return node(v).link, nil
}

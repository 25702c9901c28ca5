package vfs

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TreeNode is a serializable snapshot of one cached vnode.
type TreeNode struct {
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type"`
	Ino      uint64     `yaml:"ino,omitempty"`
	Mode     string     `yaml:"mode"`
	Open     int        `yaml:"open,omitempty"`
	Memory   bool       `yaml:"memory,omitempty"`
	Link     string     `yaml:"link,omitempty"`
	Mounted  *TreeNode  `yaml:"mounted,omitempty"`
	Children []TreeNode `yaml:"children,omitempty"`
}

// DumpTree snapshots the cached vnode tree.
func (vfs *VirtualFilesystem) DumpTree() TreeNode {
	vfs.mu.Lock()
	defer vfs.mu.Unlock()

	if vfs.root == nil {
		return TreeNode{}
	}
	return vfs.dump(vfs.root)
}

// DumpTreeYAML renders DumpTree as YAML.
func (vfs *VirtualFilesystem) DumpTreeYAML() ([]byte, error) {
	return marshalTree(vfs.DumpTree())
}

func marshalTree(t TreeNode) ([]byte, error) {
	out, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("vfs.marshalTree: %w", err)
	}
	return out, nil
}

func (vfs *VirtualFilesystem) dump(n *Vnode) TreeNode {
	name := n.Name
	if n == vfs.root {
		name = "/"
	}

	t := TreeNode{
		Name:   name,
		Type:   n.Type.String(),
		Ino:    n.Ino,
		Mode:   fmt.Sprintf("%04o", n.Mode),
		Open:   n.OpenCount,
		Memory: n.IsMemory(),
	}

	switch {
	case n.Type == VnodeMount && n.target != nil:
		m := vfs.dump(n.target)
		t.Mounted = &m
	case n.Type == VnodeSymlink && n.target != nil && !n.target.detached:
		t.Link = vnodePath(n.target)
	}

	for _, c := range n.Children() {
		t.Children = append(t.Children, vfs.dump(c))
	}
	return t
}

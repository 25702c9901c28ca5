package models

import "github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"

type NodeType int16

const (
	NodeTypeDir         NodeType = 0
	NodeTypeFile        NodeType = 1
	NodeTypeSymlink     NodeType = 2
	NodeTypeBlockDevice NodeType = 3
	NodeTypeCharDevice  NodeType = 4
	NodeTypeUnknown     NodeType = 5
)

// NodeTypeOf maps a vnode type onto its wire value. Mount points are
// reported as the directories they are.
func NodeTypeOf(t vfs.VnodeType) NodeType {
	switch t {
	case vfs.VnodeDirectory, vfs.VnodeMount:
		return NodeTypeDir
	case vfs.VnodeRegular:
		return NodeTypeFile
	case vfs.VnodeSymlink:
		return NodeTypeSymlink
	case vfs.VnodeBlockDevice:
		return NodeTypeBlockDevice
	case vfs.VnodeCharDevice:
		return NodeTypeCharDevice
	default:
		return NodeTypeUnknown
	}
}

type Stat struct {
	Ino     uint64 `json:"ino"`
	Mode    uint32 `json:"mode"` // type and permission bits
	Nlink   uint32 `json:"nlink"`
	UID     uint32 `json:"uid"`
	GID     uint32 `json:"gid"`
	Size    int64  `json:"size"`
	Blksize int64  `json:"blksize"`
	Blocks  int64  `json:"blocks"` // 512-byte units
	Atime   int64  `json:"atime"`
	Mtime   int64  `json:"mtime"`
	Ctime   int64  `json:"ctime"`
}

func StatOf(st vfs.Stat) *Stat {
	return &Stat{
		Ino:     st.Ino,
		Mode:    st.Mode,
		Nlink:   st.Nlink,
		UID:     st.UID,
		GID:     st.GID,
		Size:    st.Size,
		Blksize: st.Blksize,
		Blocks:  st.Blocks,
		Atime:   st.Atime.Unix(),
		Mtime:   st.Mtime.Unix(),
		Ctime:   st.Ctime.Unix(),
	}
}

type Dirent struct {
	Name string   `json:"name"`
	Ino  int64    `json:"ino"`
	Type NodeType `json:"type"`
	// Off is the directory position following this entry.
	Off int64 `json:"off"`
}

type MountInfo struct {
	Path    string `json:"path"`
	Device  string `json:"device"`
	Driver  string `json:"driver"`
	Options string `json:"options"`
}

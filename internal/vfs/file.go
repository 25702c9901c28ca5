package vfs

// File is an open file object.
type File struct {
	Vnode *Vnode
	Pos   int64
	Flags int

	// Data is private to the driver that opened the file.
	Data any

	closed bool
}

func (f *File) readable() bool {
	acc := f.Flags & O_ACCMODE
	return acc == O_RDONLY || acc == O_RDWR
}

func (f *File) writable() bool {
	acc := f.Flags & O_ACCMODE
	return acc == O_WRONLY || acc == O_RDWR
}

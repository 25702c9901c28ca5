package tarfs

// BlockSize is the archive record size file data is split into.
const BlockSize = 512

type blockKind uint8

const (
	// blockBorrowed data aliases the mapped device image and is never
	// written.
	blockBorrowed blockKind = iota
	// blockOwned data is a private buffer of BlockSize bytes.
	blockOwned
)

type block struct {
	kind blockKind
	data []byte
}

func borrowed(data []byte) block { return block{kind: blockBorrowed, data: data} }

func owned() block { return block{kind: blockOwned, data: make([]byte, BlockSize)} }

// writable returns the block as an owned buffer, copying borrowed data.
func (b *block) writable() []byte {
	if b.kind == blockOwned {
		return b.data
	}
	buf := make([]byte, BlockSize)
	copy(buf, b.data)
	*b = block{kind: blockOwned, data: buf}
	return buf
}

// file is the payload of one tarfs vnode. Hard links share it.
type file struct {
	blocks []block
	size   int64
	link   string
	nlink  uint32
	mtime  int64
	dev    int64
}

func (f *file) readAt(p []byte, off int64) int {
	if off >= f.size {
		return 0
	}
	if rest := f.size - off; int64(len(p)) > rest {
		p = p[:rest]
	}

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		b := f.blocks[pos/BlockSize]
		inner := int(pos % BlockSize)
		chunk := min(BlockSize-inner, len(p)-done)
		if inner < len(b.data) {
			n := copy(p[done:done+chunk], b.data[inner:])
			clear(p[done+n : done+chunk])
		} else {
			clear(p[done : done+chunk])
		}
		done += chunk
	}
	return done
}

func (f *file) writeAt(p []byte, off int64) int {
	if end := off + int64(len(p)); end > f.size {
		f.resize(end)
	}

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		buf := f.blocks[pos/BlockSize].writable()
		inner := int(pos % BlockSize)
		done += copy(buf[inner:], p[done:])
	}
	return done
}

// resize grows with zero-filled owned blocks or drops trailing blocks. A
// partially kept last block has its tail cleared.
func (f *file) resize(size int64) {
	count := int((size + BlockSize - 1) / BlockSize)

	if size < f.size {
		f.blocks = f.blocks[:count]
		if tail := int(size % BlockSize); tail != 0 {
			buf := f.blocks[count-1].writable()
			clear(buf[tail:])
		}
	}
	for len(f.blocks) < count {
		f.blocks = append(f.blocks, owned())
	}
	f.size = size
}

func (f *file) ownedBlocks() int {
	n := 0
	for _, b := range f.blocks {
		if b.kind == blockOwned {
			n++
		}
	}
	return n
}

package ext2

import (
	"encoding/binary"
	"io"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
)

const direntHeaderSize = 8

type dirent struct {
	ino     uint32
	recLen  uint32
	nameLen uint32
	ftype   uint8
	name    string
}

// direntSize is the 4-byte aligned space an entry with nameLen needs.
func direntSize(nameLen int) uint32 {
	return uint32(direntHeaderSize+nameLen+3) &^ 3
}

func fileTypeOf(mode uint16) uint8 {
	switch mode & modeTypeMask {
	case modeRegular:
		return ftRegular
	case modeDir:
		return ftDir
	case modeChar:
		return ftChar
	case modeBlock:
		return ftBlock
	case modeFIFO:
		return ftFIFO
	case modeSocket:
		return ftSocket
	case modeSymlink:
		return ftSymlink
	default:
		return ftUnknown
	}
}

func (fs *Filesystem) parseDirent(buf []byte, off uint32) (dirent, error) {
	if off+direntHeaderSize > fs.blockSize {
		return dirent{}, kerrors.Corrupted("directory entry at offset %d crosses the block end", off)
	}

	d := dirent{
		ino:     binary.LittleEndian.Uint32(buf[off:]),
		recLen:  uint32(binary.LittleEndian.Uint16(buf[off+4:])),
		nameLen: uint32(buf[off+6]),
	}
	if fs.fileType {
		d.ftype = buf[off+7]
	} else {
		d.nameLen |= uint32(buf[off+7]) << 8
	}

	if d.recLen < direntHeaderSize || d.recLen%4 != 0 || off+d.recLen > fs.blockSize {
		return dirent{}, kerrors.Corrupted("bad record length %d at offset %d", d.recLen, off)
	}
	if direntHeaderSize+d.nameLen > d.recLen {
		return dirent{}, kerrors.Corrupted("name length %d exceeds record length %d at offset %d", d.nameLen, d.recLen, off)
	}

	d.name = string(buf[off+direntHeaderSize : off+direntHeaderSize+d.nameLen])
	return d, nil
}

func (fs *Filesystem) putDirent(buf []byte, off, ino, recLen uint32, name string, ftype uint8) {
	binary.LittleEndian.PutUint32(buf[off:], ino)
	binary.LittleEndian.PutUint16(buf[off+4:], uint16(recLen))
	buf[off+6] = uint8(len(name))
	if fs.fileType {
		buf[off+7] = ftype
	} else {
		buf[off+7] = uint8(len(name) >> 8)
	}
	end := off + direntSize(len(name))
	n := copy(buf[off+direntHeaderSize:end], name)
	clear(buf[off+direntHeaderSize+uint32(n) : end])
}

type dirVisitor func(blk uint32, buf []byte, off uint32, d dirent) (stop bool, err error)

// walkDir visits every entry of dir, deleted slots included, in on-disk
// order. It reports whether visit stopped the walk.
func (fs *Filesystem) walkDir(dir *node, visit dirVisitor) (bool, error) {
	blocks := fs.blocksFor(dir.inode.size())
	buf := make([]byte, fs.blockSize)

	for idx := uint64(0); idx < blocks; idx++ {
		blk, err := fs.translate(dir, idx, false)
		if err != nil {
			return false, err
		}
		if blk == 0 {
			return false, kerrors.Corrupted("directory inode %d has a hole at block %d", dir.ino, idx)
		}
		if err := fs.readBlock(blk, buf); err != nil {
			return false, err
		}

		for off := uint32(0); off < fs.blockSize; {
			d, err := fs.parseDirent(buf, off)
			if err != nil {
				return false, err
			}
			stop, err := visit(blk, buf, off, d)
			if err != nil || stop {
				return stop, err
			}
			off += d.recLen
		}
	}

	return false, nil
}

// find returns the inode number of the live entry name in dir.
func (fs *Filesystem) find(dir *node, name string) (uint32, bool, error) {
	var ino uint32
	found, err := fs.walkDir(dir, func(_ uint32, _ []byte, _ uint32, d dirent) (bool, error) {
		if d.ino != 0 && d.name == name {
			ino = d.ino
			return true, nil
		}
		return false, nil
	})
	return ino, found, err
}

// insert adds an entry to dir, reusing a deleted slot or the slack of a
// live entry when one is large enough, otherwise appending a block.
func (fs *Filesystem) insert(dir *node, name string, ino uint32, ftype uint8) error {
	need := direntSize(len(name))

	done, err := fs.walkDir(dir, func(blk uint32, buf []byte, off uint32, d dirent) (bool, error) {
		switch used := direntSize(int(d.nameLen)); {
		case d.ino == 0 && d.recLen >= need:
			fs.putDirent(buf, off, ino, d.recLen, name, ftype)
		case d.ino != 0 && d.recLen-used >= need:
			binary.LittleEndian.PutUint16(buf[off+4:], uint16(used))
			fs.putDirent(buf, off+used, ino, d.recLen-used, name, ftype)
		default:
			return false, nil
		}
		return true, fs.writeBlock(blk, buf)
	})
	if err != nil || done {
		return err
	}

	idx := fs.blocksFor(dir.inode.size())
	if err := fs.resize(dir, int64(idx+1)*int64(fs.blockSize)); err != nil {
		return err
	}
	blk, err := fs.translate(dir, idx, false)
	if err != nil {
		return err
	}

	buf := make([]byte, fs.blockSize)
	fs.putDirent(buf, 0, ino, fs.blockSize, name, ftype)
	return fs.writeBlock(blk, buf)
}

// remove zeroes the inode number of the live entry name, leaving the slot
// in place for reuse.
func (fs *Filesystem) remove(dir *node, name string) error {
	done, err := fs.walkDir(dir, func(blk uint32, _ []byte, off uint32, d dirent) (bool, error) {
		if d.ino == 0 || d.name != name {
			return false, nil
		}
		return true, fs.writeAt(blk, off, make([]byte, 4))
	})
	if err != nil {
		return err
	}
	if !done {
		return kerrors.ErrNotFound
	}
	return nil
}

// isEmpty reports whether dir holds no live entries besides "." and "..".
func (fs *Filesystem) isEmpty(dir *node) (bool, error) {
	busy, err := fs.walkDir(dir, func(_ uint32, _ []byte, _ uint32, d dirent) (bool, error) {
		return d.ino != 0 && d.name != "." && d.name != "..", nil
	})
	return !busy, err
}

// entryAt returns the first live entry at or after byte position pos of
// dir and the position following it.
func (fs *Filesystem) entryAt(dir *node, pos int64) (dirent, int64, error) {
	size := dir.inode.size()
	bs := int64(fs.blockSize)
	buf := make([]byte, fs.blockSize)
	loaded := int64(-1)

	for pos < size {
		idx := pos / bs
		if idx != loaded {
			blk, err := fs.translate(dir, uint64(idx), false)
			if err != nil {
				return dirent{}, pos, err
			}
			if blk == 0 {
				return dirent{}, pos, kerrors.Corrupted("directory inode %d has a hole at block %d", dir.ino, idx)
			}
			if err := fs.readBlock(blk, buf); err != nil {
				return dirent{}, pos, err
			}
			loaded = idx
		}

		d, err := fs.parseDirent(buf, uint32(pos%bs))
		if err != nil {
			return dirent{}, pos, err
		}
		pos += int64(d.recLen)
		if d.ino != 0 {
			return d, pos, nil
		}
	}

	return dirent{}, pos, io.EOF
}

package ext2

import (
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
)

func testBit(bm []byte, i uint32) bool { return bm[i/8]&(1<<(i%8)) != 0 }
func setBit(bm []byte, i uint32)       { bm[i/8] |= 1 << (i % 8) }
func clearBit(bm []byte, i uint32)     { bm[i/8] &^= 1 << (i % 8) }

// findZero returns the first clear bit below limit.
func findZero(bm []byte, limit uint32) (uint32, bool) {
	for i := uint32(0); i < limit; i += 8 {
		if bm[i/8] == 0xFF {
			continue
		}
		for j := i; j < i+8 && j < limit; j++ {
			if !testBit(bm, j) {
				return j, true
			}
		}
	}
	return 0, false
}

func (fs *Filesystem) blocksInGroup(g uint32) uint32 {
	if g == uint32(len(fs.groups))-1 {
		return fs.sb.BlocksCount - fs.sb.FirstDataBlock - g*fs.sb.BlocksPerGroup
	}
	return fs.sb.BlocksPerGroup
}

func (fs *Filesystem) groupOfIno(ino uint32) uint32 {
	return (ino - 1) / fs.sb.InodesPerGroup
}

// allocBlock takes a free block, preferring group goal, and zero-fills it.
func (fs *Filesystem) allocBlock(goal uint32) (uint32, error) {
	if fs.readOnly {
		return 0, kerrors.ErrReadOnly
	}

	count := uint32(len(fs.groups))
	bm := make([]byte, fs.blockSize)

	for i := uint32(0); i < count; i++ {
		g := (goal + i) % count
		gd := &fs.groups[g]
		if gd.FreeBlocksCount == 0 {
			continue
		}

		if err := fs.readBlock(gd.BlockBitmap, bm); err != nil {
			return 0, err
		}
		bit, ok := findZero(bm, fs.blocksInGroup(g))
		if !ok {
			return 0, kerrors.Corrupted("group %d counts %d free blocks but its bitmap is full", g, gd.FreeBlocksCount)
		}
		if fs.sb.FreeBlocksCount == 0 {
			return 0, kerrors.Corrupted("superblock free block count is zero while group %d has space", g)
		}

		setBit(bm, bit)
		if err := fs.writeBlock(gd.BlockBitmap, bm); err != nil {
			return 0, err
		}
		gd.FreeBlocksCount--
		fs.sb.FreeBlocksCount--
		fs.metaDirty = true

		blk := fs.sb.FirstDataBlock + g*fs.sb.BlocksPerGroup + bit
		if err := fs.writeBlock(blk, make([]byte, fs.blockSize)); err != nil {
			return 0, err
		}
		return blk, nil
	}

	return 0, kerrors.ErrNoSpace
}

func (fs *Filesystem) freeBlock(blk uint32) error {
	if err := fs.checkBlock(blk); err != nil {
		return err
	}

	rel := blk - fs.sb.FirstDataBlock
	g := rel / fs.sb.BlocksPerGroup
	bit := rel % fs.sb.BlocksPerGroup
	gd := &fs.groups[g]

	bm := make([]byte, fs.blockSize)
	if err := fs.readBlock(gd.BlockBitmap, bm); err != nil {
		return err
	}
	if !testBit(bm, bit) {
		return kerrors.Corrupted("double free of block %d", blk)
	}

	clearBit(bm, bit)
	if err := fs.writeBlock(gd.BlockBitmap, bm); err != nil {
		return err
	}
	gd.FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	fs.metaDirty = true
	return nil
}

// allocInode takes a free inode number, preferring group goal.
func (fs *Filesystem) allocInode(goal uint32, dir bool) (uint32, error) {
	if fs.readOnly {
		return 0, kerrors.ErrReadOnly
	}

	count := uint32(len(fs.groups))
	bm := make([]byte, fs.blockSize)

	for i := uint32(0); i < count; i++ {
		g := (goal + i) % count
		gd := &fs.groups[g]
		if gd.FreeInodesCount == 0 {
			continue
		}

		if err := fs.readBlock(gd.InodeBitmap, bm); err != nil {
			return 0, err
		}
		bit, ok := findZero(bm, fs.sb.InodesPerGroup)
		if !ok {
			return 0, kerrors.Corrupted("group %d counts %d free inodes but its bitmap is full", g, gd.FreeInodesCount)
		}
		ino := g*fs.sb.InodesPerGroup + bit + 1
		if ino < fs.sb.firstIno() {
			return 0, kerrors.Corrupted("reserved inode %d is marked free", ino)
		}
		if fs.sb.FreeInodesCount == 0 {
			return 0, kerrors.Corrupted("superblock free inode count is zero while group %d has space", g)
		}

		setBit(bm, bit)
		if err := fs.writeBlock(gd.InodeBitmap, bm); err != nil {
			return 0, err
		}
		gd.FreeInodesCount--
		if dir {
			gd.UsedDirsCount++
		}
		fs.sb.FreeInodesCount--
		fs.metaDirty = true
		return ino, nil
	}

	return 0, kerrors.ErrNoSpace
}

func (fs *Filesystem) freeInode(ino uint32, dir bool) error {
	if ino < fs.sb.firstIno() || ino > fs.sb.InodesCount {
		return kerrors.Corrupted("freeing reserved or out of range inode %d", ino)
	}

	g := fs.groupOfIno(ino)
	bit := (ino - 1) % fs.sb.InodesPerGroup
	gd := &fs.groups[g]

	bm := make([]byte, fs.blockSize)
	if err := fs.readBlock(gd.InodeBitmap, bm); err != nil {
		return err
	}
	if !testBit(bm, bit) {
		return kerrors.Corrupted("double free of inode %d", ino)
	}

	clearBit(bm, bit)
	if err := fs.writeBlock(gd.InodeBitmap, bm); err != nil {
		return err
	}
	gd.FreeInodesCount++
	if dir && gd.UsedDirsCount > 0 {
		gd.UsedDirsCount--
	}
	fs.sb.FreeInodesCount++
	fs.metaDirty = true
	return nil
}

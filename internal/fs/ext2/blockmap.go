package ext2

import (
	"encoding/binary"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
)

func (fs *Filesystem) sectorsPerBlock() uint32 { return fs.blockSize / 512 }

// maxBlocks is the number of file blocks addressable through the direct,
// indirect and doubly-indirect tiers.
func (fs *Filesystem) maxBlocks() uint64 {
	p := uint64(fs.ptrs)
	return numDirect + p + p*p
}

func (fs *Filesystem) blocksFor(size int64) uint64 {
	bs := int64(fs.blockSize)
	return uint64((size + bs - 1) / bs)
}

// slot returns the block held in *ptr, allocating one if it is empty and
// alloc is set.
func (fs *Filesystem) slot(n *node, ptr *uint32, alloc bool) (uint32, error) {
	if *ptr != 0 {
		return *ptr, fs.checkBlock(*ptr)
	}
	if !alloc {
		return 0, nil
	}
	blk, err := fs.allocBlock(fs.groupOfIno(n.ino))
	if err != nil {
		return 0, err
	}
	*ptr = blk
	n.inode.Blocks += fs.sectorsPerBlock()
	return blk, nil
}

// ptrSlot is slot for entry i of the pointer block blk.
func (fs *Filesystem) ptrSlot(n *node, blk, i uint32, alloc bool) (uint32, error) {
	cur, err := fs.readPtr(blk, i)
	if err != nil {
		return 0, err
	}
	if cur != 0 {
		return cur, fs.checkBlock(cur)
	}
	if !alloc {
		return 0, nil
	}
	nb, err := fs.allocBlock(fs.groupOfIno(n.ino))
	if err != nil {
		return 0, err
	}
	if err := fs.writePtr(blk, i, nb); err != nil {
		return 0, err
	}
	n.inode.Blocks += fs.sectorsPerBlock()
	return nb, nil
}

// translate maps file block idx of n to a disk block. Without alloc a hole
// maps to 0; with alloc missing pointer blocks and the data block are
// allocated zero-filled.
func (fs *Filesystem) translate(n *node, idx uint64, alloc bool) (uint32, error) {
	const op = "ext2.Filesystem.translate"

	p := uint64(fs.ptrs)
	in := &n.inode

	switch {
	case idx < numDirect:
		return fs.slot(n, &in.Block[idx], alloc)

	case idx < numDirect+p:
		ind, err := fs.slot(n, &in.Block[indirectSlot], alloc)
		if err != nil || ind == 0 {
			return 0, err
		}
		return fs.ptrSlot(n, ind, uint32(idx-numDirect), alloc)

	case idx < fs.maxBlocks():
		rel := idx - numDirect - p
		dind, err := fs.slot(n, &in.Block[doubleSlot], alloc)
		if err != nil || dind == 0 {
			return 0, err
		}
		ind, err := fs.ptrSlot(n, dind, uint32(rel/p), alloc)
		if err != nil || ind == 0 {
			return 0, err
		}
		return fs.ptrSlot(n, ind, uint32(rel%p), alloc)
	}

	kerrors.Fault(op, "block index %d of inode %d beyond doubly-indirect range", idx, n.ino)
	return 0, nil
}

// resize changes the size of n, allocating or releasing blocks so that
// exactly the blocks covering size are mapped. A failed growth rolls back
// to the previous allocation.
func (fs *Filesystem) resize(n *node, size int64) error {
	if size < 0 {
		return kerrors.ErrInvalid
	}

	oldSize := n.inode.size()
	oldBlocks := fs.blocksFor(oldSize)
	newBlocks := fs.blocksFor(size)

	if newBlocks > fs.maxBlocks() {
		return kerrors.ErrFileTooLarge
	}

	switch {
	case newBlocks > oldBlocks:
		for idx := oldBlocks; idx < newBlocks; idx++ {
			if _, err := fs.translate(n, idx, true); err != nil {
				if ferr := fs.freeFrom(n, oldBlocks); ferr != nil {
					return ferr
				}
				return err
			}
		}
	case newBlocks < oldBlocks:
		if err := fs.freeFrom(n, newBlocks); err != nil {
			return err
		}
	}

	// Stale bytes past the new end would reappear on a later growth.
	if tail := uint32(size % int64(fs.blockSize)); size < oldSize && tail != 0 {
		blk, err := fs.translate(n, newBlocks-1, false)
		if err != nil {
			return err
		}
		if blk != 0 {
			if err := fs.writeAt(blk, tail, make([]byte, fs.blockSize-tail)); err != nil {
				return err
			}
		}
	}

	n.inode.setSize(size)
	if size > largeFileThreshold && fs.sb.FeatureROCompat&roCompatLargeFile == 0 {
		fs.sb.FeatureROCompat |= roCompatLargeFile
		fs.metaDirty = true
	}
	return nil
}

// freeFrom releases every block of n at file index from and above,
// including pointer blocks left without live entries.
func (fs *Filesystem) freeFrom(n *node, from uint64) error {
	p := uint64(fs.ptrs)
	in := &n.inode

	for i := from; i < numDirect; i++ {
		if err := fs.release(n, &in.Block[i]); err != nil {
			return err
		}
	}

	if in.Block[indirectSlot] != 0 {
		start := clampSub(from, numDirect, p)
		empty, err := fs.freeIndirect(n, in.Block[indirectSlot], uint32(start))
		if err != nil {
			return err
		}
		if empty {
			if err := fs.release(n, &in.Block[indirectSlot]); err != nil {
				return err
			}
		}
	}

	if in.Block[doubleSlot] != 0 {
		dind := in.Block[doubleSlot]
		start := clampSub(from, numDirect+p, p*p)
		empty := true

		for j := uint64(0); j < p; j++ {
			ind, err := fs.readPtr(dind, uint32(j))
			if err != nil {
				return err
			}
			if ind == 0 {
				continue
			}
			if j < start/p {
				empty = false
				continue
			}

			first := uint64(0)
			if j == start/p {
				first = start % p
			}
			indEmpty, err := fs.freeIndirect(n, ind, uint32(first))
			if err != nil {
				return err
			}
			if !indEmpty {
				empty = false
				continue
			}
			if err := fs.freeBlock(ind); err != nil {
				return err
			}
			n.inode.Blocks -= fs.sectorsPerBlock()
			if err := fs.writePtr(dind, uint32(j), 0); err != nil {
				return err
			}
		}

		if empty {
			if err := fs.release(n, &in.Block[doubleSlot]); err != nil {
				return err
			}
		}
	}

	if in.Block[tripleSlot] != 0 {
		return kerrors.Corrupted("inode %d uses the triply-indirect tier", n.ino)
	}
	return nil
}

// freeIndirect clears entries from start on in pointer block blk and
// reports whether the block holds no live entries afterwards.
func (fs *Filesystem) freeIndirect(n *node, blk uint32, start uint32) (bool, error) {
	if err := fs.checkBlock(blk); err != nil {
		return false, err
	}

	buf := make([]byte, fs.blockSize)
	if err := fs.readBlock(blk, buf); err != nil {
		return false, err
	}

	changed := false
	empty := true
	for i := uint32(0); i < fs.ptrs; i++ {
		ptr := binary.LittleEndian.Uint32(buf[i*4:])
		if ptr == 0 {
			continue
		}
		if i < start {
			empty = false
			continue
		}
		if err := fs.freeBlock(ptr); err != nil {
			return false, err
		}
		n.inode.Blocks -= fs.sectorsPerBlock()
		binary.LittleEndian.PutUint32(buf[i*4:], 0)
		changed = true
	}

	if changed && !empty {
		if err := fs.writeBlock(blk, buf); err != nil {
			return false, err
		}
	}
	return empty, nil
}

func (fs *Filesystem) release(n *node, ptr *uint32) error {
	if *ptr == 0 {
		return nil
	}
	if err := fs.freeBlock(*ptr); err != nil {
		return err
	}
	*ptr = 0
	n.inode.Blocks -= fs.sectorsPerBlock()
	return nil
}

// clampSub returns v-base limited to [0, limit].
func clampSub(v, base, limit uint64) uint64 {
	if v <= base {
		return 0
	}
	if v-base > limit {
		return limit
	}
	return v - base
}

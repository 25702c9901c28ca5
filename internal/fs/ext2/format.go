package ext2

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

const (
	DefaultBlockSize = 1024

	bytesPerInode = 4096
	minInodes     = 16
)

// Options controls Format.
type Options struct {
	// BlockSize is 1024, 2048 or 4096. Zero means DefaultBlockSize.
	BlockSize uint32
	// InodesPerGroup of zero derives one inode per 4 KiB of space.
	InodesPerGroup uint32
	// FileType stores the entry type in directory records.
	FileType   bool
	VolumeName string
}

type geometry struct {
	blockSize    uint32
	blocks       uint32
	firstData    uint32
	perGroup     uint32
	groups       uint32
	inodesPerGrp uint32
	tableBlocks  uint32
	gdtBlocks    uint32
	overhead     uint32
}

func (g *geometry) groupStart(i uint32) uint32 { return g.firstData + i*g.perGroup }

func (g *geometry) groupSize(i uint32) uint32 {
	if i == g.groups-1 {
		return g.blocks - g.groupStart(i)
	}
	return g.perGroup
}

func planGeometry(size int64, opts Options) (*geometry, error) {
	bs := opts.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}
	if bs != 1024 && bs != 2048 && bs != 4096 {
		return nil, kerrors.ErrInvalid
	}

	g := &geometry{blockSize: bs, perGroup: 8 * bs}
	total := size / int64(bs)
	if total > math.MaxUint32 {
		total = math.MaxUint32
	}
	g.blocks = uint32(total)
	if bs == 1024 {
		g.firstData = 1
	}
	if g.blocks <= g.firstData {
		return nil, kerrors.ErrNoSpace
	}

	perBlock := bs / inodeRecordSize
	g.groups = (g.blocks - g.firstData + g.perGroup - 1) / g.perGroup

	g.inodesPerGrp = opts.InodesPerGroup
	if g.inodesPerGrp == 0 {
		span := min(g.perGroup, g.blocks-g.firstData)
		g.inodesPerGrp = uint32(uint64(span) * uint64(bs) / bytesPerInode)
	}
	g.inodesPerGrp = max(g.inodesPerGrp, minInodes)
	g.inodesPerGrp = (g.inodesPerGrp + perBlock - 1) / perBlock * perBlock
	if g.inodesPerGrp > 8*bs {
		return nil, kerrors.ErrInvalid
	}
	g.tableBlocks = g.inodesPerGrp / perBlock

	for {
		g.gdtBlocks = (g.groups*groupDescSize + bs - 1) / bs
		g.overhead = 1 + g.gdtBlocks + 2 + g.tableBlocks
		if g.groups == 0 {
			return nil, kerrors.ErrNoSpace
		}
		last := g.groups - 1
		need := g.overhead + 1
		if g.groupSize(last) >= need {
			break
		}
		// A trailing group too small for its own metadata is cut off.
		g.groups--
		g.blocks = g.groupStart(g.groups)
	}

	return g, nil
}

// Format writes an empty filesystem holding only the root directory.
func Format(ctx context.Context, dev blockdev.Device, opts Options) error {
	const op = "ext2.Format"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	g, err := planGeometry(dev.Size(), opts)
	if err != nil {
		logger.Warn("Cannot lay out filesystem", slog.Int64("size", dev.Size()), slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	bs := g.blockSize
	now := uint32(time.Now().Unix())
	rootBlk := g.groupStart(0) + g.overhead

	groups := make([]groupDesc, g.groups)
	var freeBlocks, freeInodes uint32

	for i := uint32(0); i < g.groups; i++ {
		start := g.groupStart(i)
		gd := &groups[i]
		gd.BlockBitmap = start + 1 + g.gdtBlocks
		gd.InodeBitmap = gd.BlockBitmap + 1
		gd.InodeTable = gd.InodeBitmap + 1

		used := g.overhead
		if i == 0 {
			used++
		}
		gd.FreeBlocksCount = uint16(g.groupSize(i) - used)
		gd.FreeInodesCount = uint16(g.inodesPerGrp)
		if i == 0 {
			gd.FreeInodesCount -= goodOldFirstIno - 1
			gd.UsedDirsCount = 1
		}
		freeBlocks += uint32(gd.FreeBlocksCount)
		freeInodes += uint32(gd.FreeInodesCount)

		bm := make([]byte, bs)
		for b := uint32(0); b < used; b++ {
			setBit(bm, b)
		}
		for b := g.groupSize(i); b < 8*bs; b++ {
			setBit(bm, b)
		}
		if err := writeRaw(dev, gd.BlockBitmap, bs, bm); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		bm = make([]byte, bs)
		if i == 0 {
			for b := uint32(0); b < goodOldFirstIno-1; b++ {
				setBit(bm, b)
			}
		}
		for b := g.inodesPerGrp; b < 8*bs; b++ {
			setBit(bm, b)
		}
		if err := writeRaw(dev, gd.InodeBitmap, bs, bm); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		zero := make([]byte, bs)
		for b := uint32(0); b < g.tableBlocks; b++ {
			if err := writeRaw(dev, gd.InodeTable+b, bs, zero); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	sb := superblock{
		InodesCount:      g.groups * g.inodesPerGrp,
		BlocksCount:      g.blocks,
		FreeBlocksCount:  freeBlocks,
		FreeInodesCount:  freeInodes,
		FirstDataBlock:   g.firstData,
		LogBlockSize:     logBlockSize(bs),
		LogClusterSize:   logBlockSize(bs),
		BlocksPerGroup:   g.perGroup,
		ClustersPerGroup: g.perGroup,
		InodesPerGroup:   g.inodesPerGrp,
		Wtime:            now,
		MaxMountCount:    math.MaxUint16,
		Magic:            magic,
		State:            stateValid,
		Errors:           errorsContinue,
		LastCheck:        now,
		RevLevel:         revDynamic,
		FirstIno:         goodOldFirstIno,
		InodeSize:        inodeRecordSize,
	}
	if opts.FileType {
		sb.FeatureIncompat |= incompatFileType
	}
	id := uuid.New()
	copy(sb.UUID[:], id[:])
	copy(sb.VolumeName[:], opts.VolumeName)

	gdt := make([]byte, g.gdtBlocks*bs)
	copy(gdt, encode(groups))

	for i := uint32(0); i < g.groups; i++ {
		sb.BlockGroupNr = uint16(i)
		off := int64(g.groupStart(i)) * int64(bs)
		if i == 0 {
			off = superblockOffset
		}
		if _, err := dev.WriteAt(encode(&sb), off); err != nil {
			return fmt.Errorf("%s: superblock copy %d: %w", op, i, err)
		}
		if _, err := dev.WriteAt(gdt, int64(g.groupStart(i)+1)*int64(bs)); err != nil {
			return fmt.Errorf("%s: descriptor copy %d: %w", op, i, err)
		}
	}

	fs := &Filesystem{dev: dev, sb: sb, groups: groups, blockSize: bs, ptrs: bs / 4, inodeSize: inodeRecordSize, fileType: opts.FileType}
	fs.sb.BlockGroupNr = 0

	root := &node{ino: rootIno}
	root.inode = inode{
		Mode:       modeDir | 0o755,
		Atime:      now,
		Ctime:      now,
		Mtime:      now,
		LinksCount: 2,
		Blocks:     bs / 512,
	}
	root.inode.Block[0] = rootBlk
	root.inode.setSize(int64(bs))

	buf := make([]byte, bs)
	dot := direntSize(1)
	fs.putDirent(buf, 0, rootIno, dot, ".", ftDir)
	fs.putDirent(buf, dot, rootIno, bs-dot, "..", ftDir)
	if err := fs.writeBlock(rootBlk, buf); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fs.writeInode(root); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Info("Formatted ext2",
		slog.String("device", dev.Name()),
		slog.Uint64("block_size", uint64(bs)),
		slog.Uint64("blocks", uint64(g.blocks)),
		slog.Uint64("groups", uint64(g.groups)),
		slog.Uint64("inodes", uint64(sb.InodesCount)),
		slog.String("uuid", id.String()),
	)
	return nil
}

func logBlockSize(bs uint32) uint32 {
	var log uint32
	for s := uint32(1024); s < bs; s <<= 1 {
		log++
	}
	return log
}

func writeRaw(dev blockdev.Device, blk, bs uint32, p []byte) error {
	if _, err := dev.WriteAt(p, int64(blk)*int64(bs)); err != nil {
		return fmt.Errorf("write block %d: %w", blk, err)
	}
	return nil
}

// HasSuperblock reports whether dev already carries an ext2 superblock.
func HasSuperblock(dev blockdev.Device) bool {
	if dev.Size() < superblockOffset+superblockSize {
		return false
	}
	raw := make([]byte, superblockSize)
	if _, err := dev.ReadAt(raw, superblockOffset); err != nil {
		return false
	}
	var sb superblock
	if err := decode(raw, &sb); err != nil {
		return false
	}
	return sb.Magic == magic
}

// Package ext2 implements a block-mapped filesystem driver using the
// second extended filesystem (revision 1) on-disk format.
package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	groupDescSize    = 32
	inodeRecordSize  = 128

	magic = 0xEF53

	rootIno         = 2
	goodOldFirstIno = 11

	revGoodOld = 0
	revDynamic = 1

	stateValid     = 1
	errorsContinue = 1

	incompatFileType  = 0x0002
	roCompatSparse    = 0x0001
	roCompatLargeFile = 0x0002
	supportedIncompat = incompatFileType
	supportedROCompat = roCompatSparse | roCompatLargeFile

	numDirect    = 12
	indirectSlot = 12
	doubleSlot   = 13
	tripleSlot   = 14
	numBlockPtrs = 15

	// Symlinks shorter than this keep their target inside the block array.
	fastSymlinkMax = numBlockPtrs * 4

	largeFileThreshold = 1<<31 - 1
)

// Inode mode type bits.
const (
	modeTypeMask = 0xF000
	modeFIFO     = 0x1000
	modeChar     = 0x2000
	modeDir      = 0x4000
	modeBlock    = 0x6000
	modeRegular  = 0x8000
	modeSymlink  = 0xA000
	modeSocket   = 0xC000
	modePermMask = 0x0FFF
)

// Directory entry type byte, valid with the FILETYPE feature.
const (
	ftUnknown = 0
	ftRegular = 1
	ftDir     = 2
	ftChar    = 3
	ftBlock   = 4
	ftFIFO    = 5
	ftSocket  = 6
	ftSymlink = 7
)

type superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	ReservedBlocks   uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogClusterSize   uint32
	BlocksPerGroup   uint32
	ClustersPerGroup uint32
	InodesPerGroup   uint32
	Mtime            uint32
	Wtime            uint32
	MountCount       uint16
	MaxMountCount    uint16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	LastCheck        uint32
	CheckInterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResUID        uint16
	DefResGID        uint16
	FirstIno         uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             [16]byte
	VolumeName       [16]byte
	LastMounted      [64]byte
	AlgorithmBitmap  uint32
	Padding          [820]byte
}

func (sb *superblock) blockSize() uint32 { return 1024 << sb.LogBlockSize }

func (sb *superblock) groupCount() uint32 {
	return (sb.BlocksCount - sb.FirstDataBlock + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

func (sb *superblock) firstIno() uint32 {
	if sb.RevLevel == revGoodOld {
		return goodOldFirstIno
	}
	return sb.FirstIno
}

func (sb *superblock) inodeSize() uint32 {
	if sb.RevLevel == revGoodOld {
		return inodeRecordSize
	}
	return uint32(sb.InodeSize)
}

type groupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

type inodeOSD2 struct {
	Frag     uint8
	Fsize    uint8
	Pad      uint16
	UIDHigh  uint16
	GIDHigh  uint16
	Reserved uint32
}

type inode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	// Blocks counts 512-byte sectors, pointer blocks included.
	Blocks     uint32
	Flags      uint32
	OSD1       uint32
	Block      [numBlockPtrs]uint32
	Generation uint32
	FileACL    uint32
	SizeHigh   uint32
	Faddr      uint32
	OSD2       inodeOSD2
}

func (in *inode) size() int64 {
	return int64(in.SizeHigh)<<32 | int64(in.SizeLo)
}

func (in *inode) setSize(size int64) {
	in.SizeLo = uint32(size)
	in.SizeHigh = uint32(size >> 32)
}

func (in *inode) uid() uint32 { return uint32(in.OSD2.UIDHigh)<<16 | uint32(in.UID) }
func (in *inode) gid() uint32 { return uint32(in.OSD2.GIDHigh)<<16 | uint32(in.GID) }

func (in *inode) setOwner(uid, gid uint32) {
	in.UID = uint16(uid)
	in.OSD2.UIDHigh = uint16(uid >> 16)
	in.GID = uint16(gid)
	in.OSD2.GIDHigh = uint16(gid >> 16)
}

func (in *inode) isDir() bool     { return in.Mode&modeTypeMask == modeDir }
func (in *inode) isRegular() bool { return in.Mode&modeTypeMask == modeRegular }
func (in *inode) isSymlink() bool { return in.Mode&modeTypeMask == modeSymlink }

func decode(buf []byte, v any) error {
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("ext2.decode: %w", err)
	}
	return nil
}

func encode(v any) []byte {
	var buf bytes.Buffer
	// Writes into a bytes.Buffer of fixed-size values cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

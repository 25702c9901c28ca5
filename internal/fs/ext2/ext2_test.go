package ext2

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
)

const mib = 1 << 20

func testContext() context.Context {
	return logging.MakeContextWithLogger(context.Background(), logging.Discard())
}

type testEnv struct {
	ctx context.Context
	vfs *vfs.VirtualFilesystem
	fs  *Filesystem
	ioc *vfs.IOContext
	dev *blockdev.Memory
}

func newTestEnv(t *testing.T, size int64, opts Options) *testEnv {
	t.Helper()

	ctx := testContext()
	dev := blockdev.NewMemory("disk0", size)
	if err := Format(ctx, dev, opts); err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	v := vfs.New()
	v.RegisterDriver(DriverName, Mount)
	ioc := vfs.NewIOContext(0, 0)
	if err := v.Mount(ctx, ioc, "/", dev, DriverName, ""); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	return &testEnv{
		ctx: ctx,
		vfs: v,
		fs:  v.Mounts()[0].FS.(*Filesystem),
		ioc: ioc,
		dev: dev,
	}
}

func (e *testEnv) open(t *testing.T, p string, flags int) *vfs.File {
	t.Helper()
	f, err := e.vfs.Open(e.ctx, e.ioc, p, flags, 0o644)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", p, err)
	}
	return f
}

func (e *testEnv) stat(t *testing.T, p string) vfs.Stat {
	t.Helper()
	st, err := e.vfs.Stat(e.ctx, e.ioc, p)
	if err != nil {
		t.Fatalf("Stat(%q) failed: %v", p, err)
	}
	return st
}

func (e *testEnv) node(t *testing.T, p string) *node {
	t.Helper()
	v, err := e.vfs.Resolve(e.ctx, e.ioc, nil, p)
	if err != nil {
		t.Fatalf("Resolve(%q) failed: %v", p, err)
	}
	return nodeOf(v)
}

func pattern(n, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i + seed*7) % 251)
	}
	return b
}

func TestHello(t *testing.T) {
	e := newTestEnv(t, mib, Options{})

	if err := e.vfs.Creat(e.ctx, e.ioc, "/a", 0o644); err != nil {
		t.Fatalf("Creat failed: %v", err)
	}

	f := e.open(t, "/a", vfs.O_WRONLY)
	if n, err := e.vfs.Write(e.ctx, f, []byte("hello")); err != nil || n != 5 {
		t.Fatalf("Write = %d, %v, want 5, nil", n, err)
	}
	_ = e.vfs.Close(e.ctx, f)

	f = e.open(t, "/a", vfs.O_RDONLY)
	buf := make([]byte, 16)
	n, err := e.vfs.Read(e.ctx, f, buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	_ = e.vfs.Close(e.ctx, f)

	if diff := cmp.Diff("hello", string(buf[:n])); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}

	st := e.stat(t, "/a")
	if st.Size != 5 {
		t.Errorf("Stat.Size = %d, want 5", st.Size)
	}
	if st.Mode != vfs.ModeRegular|0o644 {
		t.Errorf("Stat.Mode = %o, want %o", st.Mode, vfs.ModeRegular|0o644)
	}
	if st.Blocks != 2 || st.Blksize != 1024 {
		t.Errorf("Stat blocks/blksize = %d/%d, want 2/1024", st.Blocks, st.Blksize)
	}
}

func TestHelloSurvivesRemount(t *testing.T) {
	e := newTestEnv(t, mib, Options{FileType: true})

	f := e.open(t, "/persist", vfs.O_CREAT|vfs.O_WRONLY)
	if _, err := e.vfs.Write(e.ctx, f, []byte("on disk")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_ = e.vfs.Close(e.ctx, f)

	fs, err := Open(e.ctx, e.dev, "ro")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	root, _ := fs.Root(e.ctx)
	v, err := fs.Find(e.ctx, root, "persist")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	buf := make([]byte, 32)
	n, err := fs.Read(e.ctx, &vfs.File{Vnode: v}, buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := string(buf[:n]); got != "on disk" {
		t.Errorf("Read = %q, want %q", got, "on disk")
	}
}

func TestDotDotAndLinkCounts(t *testing.T) {
	e := newTestEnv(t, mib, Options{})

	for _, p := range []string{"/d", "/d/e"} {
		if err := e.vfs.Mkdir(e.ctx, e.ioc, p, 0o755); err != nil {
			t.Fatalf("Mkdir(%q) failed: %v", p, err)
		}
	}

	d, err := e.vfs.Resolve(e.ctx, e.ioc, nil, "/d")
	if err != nil {
		t.Fatalf("Resolve(/d) failed: %v", err)
	}
	up, err := e.vfs.Resolve(e.ctx, e.ioc, nil, "/d/e/..")
	if err != nil {
		t.Fatalf("Resolve(/d/e/..) failed: %v", err)
	}
	if up != d {
		t.Errorf("Resolve(/d/e/..) = %q, want /d", e.vfs.Path(up))
	}

	tests := []struct {
		path  string
		nlink uint32
	}{
		{path: "/", nlink: 3},
		{path: "/d", nlink: 3},
		{path: "/d/e", nlink: 2},
	}
	for _, tt := range tests {
		if got := e.stat(t, tt.path).Nlink; got != tt.nlink {
			t.Errorf("Stat(%q).Nlink = %d, want %d", tt.path, got, tt.nlink)
		}
	}

	if err := e.vfs.Mkdir(e.ctx, e.ioc, "/d", 0o755); !errors.Is(err, kerrors.ErrExists) {
		t.Errorf("Mkdir(existing) error = %v, want EEXIST", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	e := newTestEnv(t, 4*mib, Options{BlockSize: 1024})

	const (
		bs          = 1024
		directEnd   = numDirect * bs
		indirectEnd = (numDirect + bs/4) * bs
	)

	tests := []struct {
		name string
		off  int64
		n    int
	}{
		{name: "inside one block", off: 0, n: 100},
		{name: "one boundary", off: 1000, n: 100},
		{name: "many boundaries", off: 500, n: 5000},
		{name: "aligned full blocks", off: 2 * bs, n: 3 * bs},
		{name: "direct to indirect", off: directEnd - 300, n: 600},
		{name: "indirect to doubly", off: indirectEnd - 700, n: 1500},
		{name: "deep in doubly", off: indirectEnd + 300*bs, n: 3000},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fmt.Sprintf("/f%d", i)
			f := e.open(t, p, vfs.O_CREAT|vfs.O_RDWR)
			defer e.vfs.Close(e.ctx, f)

			if tt.off > 0 {
				if err := e.vfs.Truncate(e.ctx, e.ioc, p, tt.off); err != nil {
					t.Fatalf("Truncate failed: %v", err)
				}
			}
			if _, err := e.vfs.Lseek(e.ctx, f, tt.off, vfs.SEEK_SET); err != nil {
				t.Fatalf("Lseek failed: %v", err)
			}

			want := pattern(tt.n, i)
			if n, err := e.vfs.Write(e.ctx, f, want); err != nil || n != tt.n {
				t.Fatalf("Write = %d, %v, want %d, nil", n, err, tt.n)
			}

			start := max(tt.off-16, 0)
			if _, err := e.vfs.Lseek(e.ctx, f, start, vfs.SEEK_SET); err != nil {
				t.Fatalf("Lseek failed: %v", err)
			}
			got := make([]byte, int(tt.off-start)+tt.n+16)
			n, err := e.vfs.Read(e.ctx, f, got)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}

			wantAll := append(make([]byte, tt.off-start), want...)
			if diff := cmp.Diff(wantAll, got[:n]); diff != "" {
				t.Errorf("Read mismatch (-want +got):\n%s", diff)
			}

			st, err := e.vfs.FStat(e.ctx, f)
			if err != nil {
				t.Fatalf("FStat failed: %v", err)
			}
			if st.Size != tt.off+int64(tt.n) {
				t.Errorf("Size = %d, want %d", st.Size, tt.off+int64(tt.n))
			}
		})
	}
}

func TestTruncateZeroReleasesAllBlocks(t *testing.T) {
	e := newTestEnv(t, 4*mib, Options{})
	freeBlocks, freeInodes := e.fs.FreeCounts()

	f := e.open(t, "/big", vfs.O_CREAT|vfs.O_RDWR)
	data := pattern(300*1024, 3)
	if _, err := e.vfs.Write(e.ctx, f, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	st, _ := e.vfs.FStat(e.ctx, f)
	// 300 data blocks, one indirect, one doubly-indirect and one second
	// level pointer block.
	if want := int64(303 * 2); st.Blocks != want {
		t.Errorf("Blocks after write = %d, want %d", st.Blocks, want)
	}

	if err := e.vfs.Truncate(e.ctx, e.ioc, "/big", 0); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	st, _ = e.vfs.FStat(e.ctx, f)
	if st.Size != 0 || st.Blocks != 0 {
		t.Errorf("after Truncate(0) size=%d blocks=%d, want 0/0", st.Size, st.Blocks)
	}

	n := nodeOf(f.Vnode)
	if diff := cmp.Diff([numBlockPtrs]uint32{}, n.inode.Block); diff != "" {
		t.Errorf("block pointers not cleared (-want +got):\n%s", diff)
	}

	gotBlocks, gotInodes := e.fs.FreeCounts()
	if gotBlocks != freeBlocks {
		t.Errorf("free blocks = %d, want %d", gotBlocks, freeBlocks)
	}
	if gotInodes != freeInodes-1 {
		t.Errorf("free inodes = %d, want %d", gotInodes, freeInodes-1)
	}

	_ = e.vfs.Close(e.ctx, f)
	if err := e.vfs.Unlink(e.ctx, e.ioc, "/big"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, gotInodes = e.fs.FreeCounts(); gotInodes != freeInodes {
		t.Errorf("free inodes after unlink = %d, want %d", gotInodes, freeInodes)
	}
}

func TestShrinkThenGrowReadsZeros(t *testing.T) {
	e := newTestEnv(t, mib, Options{})

	f := e.open(t, "/t", vfs.O_CREAT|vfs.O_RDWR)
	defer e.vfs.Close(e.ctx, f)

	full := make([]byte, 2000)
	for i := range full {
		full[i] = 0xAA
	}
	if _, err := e.vfs.Write(e.ctx, f, full); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, size := range []int64{1500, 2000} {
		if err := e.vfs.Truncate(e.ctx, e.ioc, "/t", size); err != nil {
			t.Fatalf("Truncate(%d) failed: %v", size, err)
		}
	}

	if _, err := e.vfs.Lseek(e.ctx, f, 1500, vfs.SEEK_SET); err != nil {
		t.Fatalf("Lseek failed: %v", err)
	}
	got := make([]byte, 500)
	if _, err := e.vfs.Read(e.ctx, f, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff(make([]byte, 500), got); diff != "" {
		t.Errorf("stale tail visible (-want +got):\n%s", diff)
	}
}

func TestGrowthWithoutSpaceRollsBack(t *testing.T) {
	e := newTestEnv(t, 128*1024, Options{})
	freeBlocks, _ := e.fs.FreeCounts()

	if err := e.vfs.Creat(e.ctx, e.ioc, "/f", 0o644); err != nil {
		t.Fatalf("Creat failed: %v", err)
	}

	err := e.vfs.Truncate(e.ctx, e.ioc, "/f", 200*1024)
	if !errors.Is(err, kerrors.ErrNoSpace) {
		t.Fatalf("Truncate error = %v, want ENOSPC", err)
	}
	if got, _ := e.fs.FreeCounts(); got != freeBlocks {
		t.Errorf("free blocks = %d, want %d", got, freeBlocks)
	}
	if st := e.stat(t, "/f"); st.Size != 0 || st.Blocks != 0 {
		t.Errorf("size/blocks = %d/%d, want 0/0", st.Size, st.Blocks)
	}

	tooBig := int64(e.fs.maxBlocks()+1) * int64(e.fs.BlockSize())
	if err := e.vfs.Truncate(e.ctx, e.ioc, "/f", tooBig); !errors.Is(err, kerrors.ErrFileTooLarge) {
		t.Errorf("Truncate beyond doubly-indirect error = %v, want EFBIG", err)
	}
}

func TestUnlink(t *testing.T) {
	e := newTestEnv(t, mib, Options{})

	for _, p := range []string{"/d", "/d/e"} {
		if err := e.vfs.Mkdir(e.ctx, e.ioc, p, 0o755); err != nil {
			t.Fatalf("Mkdir(%q) failed: %v", p, err)
		}
	}
	if err := e.vfs.Creat(e.ctx, e.ioc, "/d/f", 0o644); err != nil {
		t.Fatalf("Creat failed: %v", err)
	}

	tests := []struct {
		path string
		want error
	}{
		{path: "/d", want: kerrors.ErrNotEmpty},
		{path: "/d/f", want: nil},
		{path: "/d", want: kerrors.ErrNotEmpty},
		{path: "/d/e", want: nil},
		{path: "/d", want: nil},
		{path: "/d", want: kerrors.ErrNotFound},
	}
	for _, tt := range tests {
		if err := e.vfs.Unlink(e.ctx, e.ioc, tt.path); !errors.Is(err, tt.want) {
			t.Errorf("Unlink(%q) error = %v, want %v", tt.path, err, tt.want)
		}
	}

	if got := e.stat(t, "/").Nlink; got != 2 {
		t.Errorf("root Nlink = %d, want 2", got)
	}

	root, _ := e.fs.Root(e.ctx)
	if err := e.fs.Unlink(e.ctx, root); !errors.Is(err, kerrors.ErrNotPermitted) {
		t.Errorf("Unlink(root inode) error = %v, want EPERM", err)
	}
}

// link adds a second directory entry for the file at target.
func (e *testEnv) link(t *testing.T, target, dir, name string) {
	t.Helper()
	n := e.node(t, target)
	if err := e.fs.insert(e.node(t, dir), name, n.ino, ftRegular); err != nil {
		t.Fatalf("insert(%q) failed: %v", name, err)
	}
	n.inode.LinksCount++
	if err := e.fs.writeInode(n); err != nil {
		t.Fatalf("writeInode failed: %v", err)
	}
}

func TestHardLinksShareInode(t *testing.T) {
	e := newTestEnv(t, 4*mib, Options{FileType: true})

	if err := e.vfs.Creat(e.ctx, e.ioc, "/a", 0o644); err != nil {
		t.Fatalf("Creat failed: %v", err)
	}
	e.link(t, "/a", "/", "b")
	freeBlocks, freeInodes := e.fs.FreeCounts()

	if e.node(t, "/a") != e.node(t, "/b") {
		t.Fatal("two names of one inode carry different nodes")
	}

	data := pattern(5000, 3)
	f := e.open(t, "/a", vfs.O_WRONLY)
	if n, err := e.vfs.Write(e.ctx, f, data); err != nil || n != len(data) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_ = e.vfs.Close(e.ctx, f)

	if st := e.stat(t, "/b"); st.Size != int64(len(data)) {
		t.Errorf("Stat(/b).Size = %d, want %d", st.Size, len(data))
	}

	if err := e.vfs.Unlink(e.ctx, e.ioc, "/b"); err != nil {
		t.Fatalf("Unlink(/b) failed: %v", err)
	}
	st := e.stat(t, "/a")
	if st.Size != int64(len(data)) || st.Nlink != 1 {
		t.Errorf("Stat(/a) size/nlink = %d/%d, want %d/1", st.Size, st.Nlink, len(data))
	}

	e.vfs.Prune()
	rf := e.open(t, "/a", vfs.O_RDONLY)
	got := make([]byte, len(data))
	n, err := e.vfs.Read(e.ctx, rf, got)
	_ = e.vfs.Close(e.ctx, rf)
	if err != nil || n != len(data) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("data after unlinking the other name (-want +got):\n%s", diff)
	}

	if err := e.vfs.Unlink(e.ctx, e.ioc, "/a"); err != nil {
		t.Fatalf("Unlink(/a) failed: %v", err)
	}
	gotBlocks, gotInodes := e.fs.FreeCounts()
	if gotBlocks != freeBlocks || gotInodes != freeInodes+1 {
		t.Errorf("free blocks/inodes = %d/%d, want %d/%d", gotBlocks, gotInodes, freeBlocks, freeInodes+1)
	}
}

func TestUnlinkDirectoryWithBadParentLinkCount(t *testing.T) {
	e := newTestEnv(t, mib, Options{})

	if err := e.vfs.Mkdir(e.ctx, e.ioc, "/d", 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	root := e.node(t, "/")
	root.inode.LinksCount = 2

	if err := e.vfs.Unlink(e.ctx, e.ioc, "/d"); !errors.Is(err, kerrors.ErrCorrupted) {
		t.Errorf("Unlink(/d) error = %v, want EUCLEAN", err)
	}
	if _, err := e.vfs.Stat(e.ctx, e.ioc, "/d"); err != nil {
		t.Errorf("/d gone after refused unlink: %v", err)
	}
}

// failingDevice rejects every write.
type failingDevice struct {
	blockdev.Device
}

func (failingDevice) WriteAt([]byte, int64) (int, error) {
	return 0, errors.New("write failed")
}

func TestUndoCreateLogsFailures(t *testing.T) {
	e := newTestEnv(t, mib, Options{})

	ino, err := e.fs.allocInode(0, false)
	if err != nil {
		t.Fatalf("allocInode failed: %v", err)
	}
	n := &node{ino: ino, inode: inode{Mode: modeRegular | 0o644, LinksCount: 1}}

	var logs bytes.Buffer
	ctx := logging.MakeContextWithLogger(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))
	e.fs.dev = failingDevice{Device: e.dev}

	e.fs.mu.Lock()
	defer e.fs.mu.Unlock()
	e.fs.track(n)

	cause := kerrors.ErrNoSpace
	if err := e.fs.undoCreate(ctx, "ext2.test", n, false, cause); !errors.Is(err, cause) {
		t.Errorf("undoCreate error = %v, want %v", err, cause)
	}
	if got := strings.Count(logs.String(), "Rollback failed"); got != 2 {
		t.Errorf("logged %d rollback failures, want 2:\n%s", got, logs.String())
	}
	if _, ok := e.fs.inodes[ino]; ok {
		t.Error("rolled back inode still cached")
	}
}

func TestDeletedSlotIsSkippedAndReused(t *testing.T) {
	e := newTestEnv(t, mib, Options{})

	for _, name := range []string{"/a", "/b", "/c"} {
		if err := e.vfs.Creat(e.ctx, e.ioc, name, 0o644); err != nil {
			t.Fatalf("Creat(%q) failed: %v", name, err)
		}
	}
	if err := e.vfs.Unlink(e.ctx, e.ioc, "/b"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	e.vfs.Prune()

	if _, err := e.vfs.Stat(e.ctx, e.ioc, "/c"); err != nil {
		t.Errorf("Stat(/c) behind deleted slot failed: %v", err)
	}
	if _, err := e.vfs.Stat(e.ctx, e.ioc, "/b"); !errors.Is(err, kerrors.ErrNotFound) {
		t.Errorf("Stat(/b) error = %v, want ENOENT", err)
	}

	if err := e.vfs.Creat(e.ctx, e.ioc, "/d", 0o644); err != nil {
		t.Fatalf("Creat(/d) failed: %v", err)
	}

	root := e.node(t, "/")
	var names []string
	var offsets []uint32
	_, err := e.fs.walkDir(root, func(_ uint32, _ []byte, off uint32, d dirent) (bool, error) {
		if d.ino != 0 {
			names = append(names, d.name)
			offsets = append(offsets, off)
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("walkDir failed: %v", err)
	}
	if diff := cmp.Diff([]string{".", "..", "a", "d", "c"}, names); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0, 12, 24, 36, 48}, offsets); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
}

// writeDirBlock replaces the first block of the directory at p.
func (e *testEnv) writeDirBlock(t *testing.T, p string, fill func(buf []byte)) *node {
	t.Helper()
	n := e.node(t, p)
	blk, err := e.fs.translate(n, 0, false)
	if err != nil || blk == 0 {
		t.Fatalf("translate = %d, %v", blk, err)
	}
	buf := make([]byte, e.fs.blockSize)
	fill(buf)
	if err := e.fs.writeBlock(blk, buf); err != nil {
		t.Fatalf("writeBlock failed: %v", err)
	}
	return n
}

func TestFindSkipsZeroInodeSlot(t *testing.T) {
	e := newTestEnv(t, mib, Options{})
	if err := e.vfs.Mkdir(e.ctx, e.ioc, "/x", 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	n := e.writeDirBlock(t, "/x", func(buf []byte) {
		e.fs.putDirent(buf, 0, 0, 24, "gone-entry", ftUnknown)
		e.fs.putDirent(buf, 24, 11, e.fs.blockSize-24, "target", ftRegular)
	})

	ino, found, err := e.fs.find(n, "target")
	if err != nil || !found || ino != 11 {
		t.Errorf("find(target) = %d, %v, %v, want 11, true, nil", ino, found, err)
	}
	if _, found, _ := e.fs.find(n, "gone-entry"); found {
		t.Error("find matched a deleted slot")
	}
}

func TestCorruptedRecordLength(t *testing.T) {
	tests := []struct {
		name   string
		recLen uint16
	}{
		{name: "too short", recLen: 6},
		{name: "unaligned", recLen: 13},
		{name: "past block end", recLen: 2048},
		{name: "zero", recLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, mib, Options{})
			if err := e.vfs.Mkdir(e.ctx, e.ioc, "/x", 0o755); err != nil {
				t.Fatalf("Mkdir failed: %v", err)
			}
			e.writeDirBlock(t, "/x", func(buf []byte) {
				binary.LittleEndian.PutUint32(buf, 11)
				binary.LittleEndian.PutUint16(buf[4:], tt.recLen)
				buf[6] = 1
				buf[8] = 'z'
			})

			_, err := e.vfs.Stat(e.ctx, e.ioc, "/x/anything")
			if !errors.Is(err, kerrors.ErrCorrupted) {
				t.Errorf("Stat error = %v, want EUCLEAN", err)
			}
		})
	}
}

func TestDirectoryGrowsAndLists(t *testing.T) {
	for _, ft := range []bool{false, true} {
		t.Run(fmt.Sprintf("filetype=%v", ft), func(t *testing.T) {
			e := newTestEnv(t, 2*mib, Options{FileType: ft})
			if err := e.vfs.Mkdir(e.ctx, e.ioc, "/d", 0o755); err != nil {
				t.Fatalf("Mkdir failed: %v", err)
			}

			want := map[string]vfs.VnodeType{".": vfs.VnodeDirectory, "..": vfs.VnodeDirectory}
			for i := 0; i < 100; i++ {
				name := fmt.Sprintf("file-%03d", i)
				if err := e.vfs.Creat(e.ctx, e.ioc, "/d/"+name, 0o644); err != nil {
					t.Fatalf("Creat(%q) failed: %v", name, err)
				}
				want[name] = vfs.VnodeRegular
			}
			if err := e.vfs.Mkdir(e.ctx, e.ioc, "/d/sub", 0o700); err != nil {
				t.Fatalf("Mkdir failed: %v", err)
			}
			want["sub"] = vfs.VnodeDirectory

			if st := e.stat(t, "/d"); st.Size != 2*1024 {
				t.Errorf("directory size = %d, want 2048", st.Size)
			}

			f := e.open(t, "/d", vfs.O_RDONLY)
			defer e.vfs.Close(e.ctx, f)

			got := map[string]vfs.VnodeType{}
			for {
				de, err := e.vfs.ReadDir(e.ctx, f)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("ReadDir failed: %v", err)
				}
				got[de.Name] = de.Type
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("ReadDir mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestChmodChown(t *testing.T) {
	e := newTestEnv(t, mib, Options{})
	if err := e.vfs.Creat(e.ctx, e.ioc, "/f", 0o644); err != nil {
		t.Fatalf("Creat failed: %v", err)
	}

	if err := e.vfs.Chmod(e.ctx, e.ioc, "/f", 0o600); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	if err := e.vfs.Chown(e.ctx, e.ioc, "/f", 70000, 42); err != nil {
		t.Fatalf("Chown failed: %v", err)
	}

	e.vfs.Prune()
	st := e.stat(t, "/f")
	if st.Mode != vfs.ModeRegular|0o600 || st.UID != 70000 || st.GID != 42 {
		t.Errorf("Stat = mode %o uid %d gid %d, want %o 70000 42", st.Mode, st.UID, st.GID, vfs.ModeRegular|0o600)
	}

	n := e.node(t, "/f")
	n.inode.Ctime = 1
	if err := e.vfs.Chmod(e.ctx, e.ioc, "/f", 0o600); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	if n.inode.Ctime != 1 {
		t.Error("Chmod with unchanged mode touched the inode")
	}
}

func TestOpenRejectsAppendReadOnly(t *testing.T) {
	e := newTestEnv(t, mib, Options{})
	if err := e.vfs.Creat(e.ctx, e.ioc, "/f", 0o644); err != nil {
		t.Fatalf("Creat failed: %v", err)
	}
	if _, err := e.vfs.Open(e.ctx, e.ioc, "/f", vfs.O_RDONLY|vfs.O_APPEND, 0); !errors.Is(err, kerrors.ErrInvalid) {
		t.Errorf("Open(O_RDONLY|O_APPEND) error = %v, want EINVAL", err)
	}
}

func TestFastSymlink(t *testing.T) {
	e := newTestEnv(t, mib, Options{FileType: true})

	f := e.open(t, "/target", vfs.O_CREAT|vfs.O_WRONLY)
	_, _ = e.vfs.Write(e.ctx, f, []byte("via link"))
	_ = e.vfs.Close(e.ctx, f)

	fs := e.fs
	ino, err := fs.allocInode(0, false)
	if err != nil {
		t.Fatalf("allocInode failed: %v", err)
	}
	lnk := &node{ino: ino, inode: inode{Mode: modeSymlink | 0o777, LinksCount: 1}}
	dest := "target"
	var raw [fastSymlinkMax]byte
	copy(raw[:], dest)
	for i := range lnk.inode.Block {
		lnk.inode.Block[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	lnk.inode.setSize(int64(len(dest)))
	if err := fs.writeInode(lnk); err != nil {
		t.Fatalf("writeInode failed: %v", err)
	}
	if err := fs.insert(e.node(t, "/"), "link", ino, ftSymlink); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := e.vfs.ReadLink(e.ctx, e.ioc, "/link")
	if err != nil || got != dest {
		t.Errorf("ReadLink = %q, %v, want %q", got, err, dest)
	}

	rf := e.open(t, "/link", vfs.O_RDONLY)
	buf := make([]byte, 16)
	n, _ := e.vfs.Read(e.ctx, rf, buf)
	_ = e.vfs.Close(e.ctx, rf)
	if string(buf[:n]) != "via link" {
		t.Errorf("Read through link = %q", buf[:n])
	}

	if err := e.vfs.Unlink(e.ctx, e.ioc, "/link"); err != nil {
		t.Errorf("Unlink(/link) failed: %v", err)
	}
	if _, err := e.vfs.Stat(e.ctx, e.ioc, "/target"); err != nil {
		t.Errorf("target gone after unlinking the link: %v", err)
	}
}

func TestMountRejects(t *testing.T) {
	ctx := testContext()

	blank := blockdev.NewMemory("blank", mib)
	if _, err := Open(ctx, blank, ""); !errors.Is(err, kerrors.ErrInvalid) {
		t.Errorf("Open(blank) error = %v, want EINVAL", err)
	}

	dev := blockdev.NewMemory("disk", mib)
	if err := Format(ctx, dev, Options{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if _, err := Open(ctx, dev, "noatime"); !errors.Is(err, kerrors.ErrInvalid) {
		t.Errorf("Open(unknown option) error = %v, want EINVAL", err)
	}

	var flags [4]byte
	binary.LittleEndian.PutUint32(flags[:], incompatFileType|0x40)
	if _, err := dev.WriteAt(flags[:], superblockOffset+96); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := Open(ctx, dev, ""); !errors.Is(err, kerrors.ErrInvalid) {
		t.Errorf("Open(unknown incompat) error = %v, want EINVAL", err)
	}
}

func TestReadOnlyMount(t *testing.T) {
	ctx := testContext()
	dev := blockdev.NewMemory("disk", mib)
	if err := Format(ctx, dev, Options{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	v := vfs.New()
	v.RegisterDriver(DriverName, Mount)
	ioc := vfs.NewIOContext(0, 0)
	if err := v.Mount(ctx, ioc, "/", dev, DriverName, "ro"); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := v.Mkdir(ctx, ioc, "/d", 0o755); !errors.Is(err, kerrors.ErrReadOnly) {
		t.Errorf("Mkdir on ro mount error = %v, want EROFS", err)
	}
	if _, err := v.Open(ctx, ioc, "/", vfs.O_RDONLY, 0); err != nil {
		t.Errorf("Open(/) on ro mount failed: %v", err)
	}
}

func TestFormatGeometry(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		opts      Options
		groups    int
		blockSize uint32
	}{
		{name: "small", size: mib, opts: Options{}, groups: 1, blockSize: 1024},
		{name: "two groups", size: 10 * mib, opts: Options{}, groups: 2, blockSize: 1024},
		{name: "4k blocks", size: 8 * mib, opts: Options{BlockSize: 4096}, groups: 1, blockSize: 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.size, tt.opts)
			if got := len(e.fs.groups); got != tt.groups {
				t.Errorf("groups = %d, want %d", got, tt.groups)
			}
			if e.fs.BlockSize() != tt.blockSize {
				t.Errorf("BlockSize = %d, want %d", e.fs.BlockSize(), tt.blockSize)
			}

			for g := uint32(1); g < uint32(len(e.fs.groups)); g++ {
				start := e.fs.sb.FirstDataBlock + g*e.fs.sb.BlocksPerGroup
				var m [2]byte
				if _, err := e.dev.ReadAt(m[:], int64(start)*int64(e.fs.blockSize)+56); err != nil {
					t.Fatalf("ReadAt failed: %v", err)
				}
				if got := binary.LittleEndian.Uint16(m[:]); got != magic {
					t.Errorf("backup superblock in group %d has magic %#x", g, got)
				}
			}
		})
	}

	if _, err := planGeometry(mib, Options{BlockSize: 3000}); !errors.Is(err, kerrors.ErrInvalid) {
		t.Errorf("planGeometry(bad block size) error = %v, want EINVAL", err)
	}
	if _, err := planGeometry(4*1024, Options{}); !errors.Is(err, kerrors.ErrNoSpace) {
		t.Errorf("planGeometry(4 KiB) error = %v, want ENOSPC", err)
	}
}

func TestAllocationSpillsIntoNextGroup(t *testing.T) {
	e := newTestEnv(t, 10*mib, Options{})

	f := e.open(t, "/big", vfs.O_CREAT|vfs.O_WRONLY)
	defer e.vfs.Close(e.ctx, f)

	data := pattern(9*mib, 1)
	if n, err := e.vfs.Write(e.ctx, f, data); err != nil || n != len(data) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if e.fs.groups[0].FreeBlocksCount != 0 {
		t.Errorf("group 0 free blocks = %d, want 0", e.fs.groups[0].FreeBlocksCount)
	}
	if uint32(e.fs.groups[1].FreeBlocksCount) == e.fs.blocksInGroup(1)-e.overhead() {
		t.Error("group 1 untouched")
	}
}

func (e *testEnv) overhead() uint32 {
	g, _ := planGeometry(e.dev.Size(), Options{BlockSize: e.fs.blockSize})
	return g.overhead
}

func TestHasSuperblock(t *testing.T) {
	dev := blockdev.NewMemory("disk0", mib)
	if HasSuperblock(dev) {
		t.Error("HasSuperblock() = true on a blank device")
	}
	if err := Format(testContext(), dev, Options{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if !HasSuperblock(dev) {
		t.Error("HasSuperblock() = false after Format")
	}
	if HasSuperblock(blockdev.NewMemory("tiny", 512)) {
		t.Error("HasSuperblock() = true on a device smaller than the superblock")
	}
}

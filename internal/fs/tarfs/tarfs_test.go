package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/fs/ext2"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
)

func testContext() context.Context {
	return logging.MakeContextWithLogger(context.Background(), logging.Discard())
}

type member struct {
	name string
	kind byte
	body string
	link string
	mode int64
}

func archive(t *testing.T, members ...member) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, m := range members {
		mode := m.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     m.name,
			Typeflag: m.kind,
			Mode:     mode,
			Uid:      1000,
			Gid:      1000,
			Linkname: m.link,
			ModTime:  time.Unix(1700000000, 0),
			Format:   tar.FormatUSTAR,
		}
		if m.kind == tar.TypeReg {
			hdr.Size = int64(len(m.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%q) failed: %v", m.name, err)
		}
		if m.kind == tar.TypeReg {
			if _, err := tw.Write([]byte(m.body)); err != nil {
				t.Fatalf("Write(%q) failed: %v", m.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return buf.Bytes()
}

func sample(t *testing.T) []byte {
	return archive(t,
		member{name: "etc/", kind: tar.TypeDir, mode: 0o755},
		member{name: "etc/hostname", kind: tar.TypeReg, body: "kernfs\n"},
		member{name: "usr/share/doc/README", kind: tar.TypeReg, body: string(bytes.Repeat([]byte("0123456789"), 120))},
		member{name: "etc/alias", kind: tar.TypeSymlink, link: "hostname"},
		member{name: "etc/hard", kind: tar.TypeLink, link: "etc/hostname"},
		member{name: "bin", kind: tar.TypeSymlink, link: "usr/share"},
	)
}

type testEnv struct {
	ctx context.Context
	vfs *vfs.VirtualFilesystem
	ioc *vfs.IOContext
}

func mountImage(t *testing.T, dev blockdev.Device, options string) *testEnv {
	t.Helper()

	ctx := testContext()
	v := vfs.New()
	v.RegisterDriver(DriverName, Mount)
	ioc := vfs.NewIOContext(0, 0)
	if err := v.Mount(ctx, ioc, "/", dev, DriverName, options); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	return &testEnv{ctx: ctx, vfs: v, ioc: ioc}
}

func (e *testEnv) readAll(t *testing.T, p string) string {
	t.Helper()

	f, err := e.vfs.Open(e.ctx, e.ioc, p, vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", p, err)
	}
	defer e.vfs.Close(e.ctx, f)

	var out []byte
	buf := make([]byte, 100)
	for {
		n, err := e.vfs.Read(e.ctx, f, buf)
		if err != nil {
			t.Fatalf("Read(%q) failed: %v", p, err)
		}
		if n == 0 {
			return string(out)
		}
		out = append(out, buf[:n]...)
	}
}

func (e *testEnv) names(t *testing.T, p string) []string {
	t.Helper()

	f, err := e.vfs.Open(e.ctx, e.ioc, p, vfs.O_RDONLY|vfs.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", p, err)
	}
	defer e.vfs.Close(e.ctx, f)

	var out []string
	for {
		d, err := e.vfs.ReadDir(e.ctx, f)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadDir(%q) failed: %v", p, err)
		}
		out = append(out, d.Name)
	}
}

func fileAt(t *testing.T, e *testEnv, p string) *file {
	t.Helper()
	v, err := e.vfs.Resolve(e.ctx, e.ioc, nil, p)
	if err != nil {
		t.Fatalf("Resolve(%q) failed: %v", p, err)
	}
	return fileOf(v)
}

func TestMappedImageIsBorrowed(t *testing.T) {
	image := sample(t)
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", image, false), "")

	if diff := cmp.Diff("kernfs\n", e.readAll(t, "/etc/hostname")); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}

	f := fileAt(t, e, "/usr/share/doc/README")
	if len(f.blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(f.blocks))
	}
	if n := f.ownedBlocks(); n != 0 {
		t.Errorf("owned blocks = %d, want 0", n)
	}
	if got := e.readAll(t, "/usr/share/doc/README"); len(got) != 1200 || got[1199] != '9' {
		t.Errorf("README read %d bytes, want 1200", len(got))
	}
}

func TestWriteCopiesOnWrite(t *testing.T) {
	image := sample(t)
	pristine := bytes.Clone(image)
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", image, false), "")

	f, err := e.vfs.Open(e.ctx, e.ioc, "/usr/share/doc/README", vfs.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := e.vfs.Lseek(e.ctx, f, 600, vfs.SEEK_SET); err != nil {
		t.Fatalf("Lseek failed: %v", err)
	}
	if n, err := e.vfs.Write(e.ctx, f, []byte("XYZ")); err != nil || n != 3 {
		t.Fatalf("Write = %d, %v, want 3, nil", n, err)
	}
	_ = e.vfs.Close(e.ctx, f)

	if !bytes.Equal(image, pristine) {
		t.Error("device image changed after write")
	}

	rf := fileAt(t, e, "/usr/share/doc/README")
	if n := rf.ownedBlocks(); n != 1 {
		t.Errorf("owned blocks = %d, want 1", n)
	}

	got := e.readAll(t, "/usr/share/doc/README")
	if got[600:603] != "XYZ" || got[599] != '9' || got[603] != '3' {
		t.Errorf("content around write = %q", got[596:607])
	}
}

func TestUnmappedDeviceIsCopied(t *testing.T) {
	p := filepath.Join(t.TempDir(), "image.tar")
	if err := os.WriteFile(p, sample(t), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	dev, err := blockdev.OpenFile("tar0", p, 0, true)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer dev.Close()

	e := mountImage(t, dev, "ro")

	if diff := cmp.Diff("kernfs\n", e.readAll(t, "/etc/hostname")); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	f := fileAt(t, e, "/usr/share/doc/README")
	if n := f.ownedBlocks(); n != 3 {
		t.Errorf("owned blocks = %d, want 3", n)
	}
}

func TestSynthesizedDirectories(t *testing.T) {
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", sample(t), false), "")

	if diff := cmp.Diff([]string{"bin", "etc", "usr"}, e.names(t, "/")); diff != "" {
		t.Errorf("root listing mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alias", "hard", "hostname"}, e.names(t, "/etc")); diff != "" {
		t.Errorf("/etc listing mismatch (-want +got):\n%s", diff)
	}

	st, err := e.vfs.Stat(e.ctx, e.ioc, "/usr/share")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Mode != vfs.ModeDirectory|0o755 || st.Nlink != 3 {
		t.Errorf("Stat(/usr/share) = mode %o nlink %d, want %o 3", st.Mode, st.Nlink, vfs.ModeDirectory|0o755)
	}
}

func TestSymlinks(t *testing.T) {
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", sample(t), false), "")

	if diff := cmp.Diff("kernfs\n", e.readAll(t, "/etc/alias")); diff != "" {
		t.Errorf("read through link mismatch (-want +got):\n%s", diff)
	}
	if got := e.readAll(t, "/bin/doc/README"); len(got) != 1200 {
		t.Errorf("read through directory link = %d bytes, want 1200", len(got))
	}

	dest, err := e.vfs.ReadLink(e.ctx, e.ioc, "/etc/alias")
	if err != nil || dest != "hostname" {
		t.Errorf("ReadLink = %q, %v, want %q, nil", dest, err, "hostname")
	}

	st, err := e.vfs.Lstat(e.ctx, e.ioc, "/bin")
	if err != nil {
		t.Fatalf("Lstat failed: %v", err)
	}
	if st.Mode&vfs.ModeTypeMask != vfs.ModeSymlink || st.Size != int64(len("usr/share")) {
		t.Errorf("Lstat(/bin) = mode %o size %d", st.Mode, st.Size)
	}
}

func TestHardLinkSharesData(t *testing.T) {
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", sample(t), false), "")

	a, err := e.vfs.Stat(e.ctx, e.ioc, "/etc/hostname")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	b, err := e.vfs.Stat(e.ctx, e.ioc, "/etc/hard")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if a.Ino != b.Ino || a.Nlink != 2 {
		t.Errorf("hard link stat: ino %d/%d nlink %d, want shared ino and nlink 2", a.Ino, b.Ino, a.Nlink)
	}

	f, err := e.vfs.Open(e.ctx, e.ioc, "/etc/hard", vfs.O_WRONLY|vfs.O_TRUNC, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_, _ = e.vfs.Write(e.ctx, f, []byte("other\n"))
	_ = e.vfs.Close(e.ctx, f)

	if diff := cmp.Diff("other\n", e.readAll(t, "/etc/hostname")); diff != "" {
		t.Errorf("content through first name mismatch (-want +got):\n%s", diff)
	}

	if err := e.vfs.Unlink(e.ctx, e.ioc, "/etc/hard"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if st, _ := e.vfs.Stat(e.ctx, e.ioc, "/etc/hostname"); st.Nlink != 1 {
		t.Errorf("Nlink after unlink = %d, want 1", st.Nlink)
	}
}

func TestReadOnlyMount(t *testing.T) {
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", sample(t), true), "ro")

	_, err := e.vfs.Open(e.ctx, e.ioc, "/etc/hostname", vfs.O_RDWR, 0)
	if !errors.Is(err, kerrors.ErrReadOnly) {
		t.Errorf("Open(O_RDWR) error = %v, want ErrReadOnly", err)
	}
	if err := e.vfs.Mkdir(e.ctx, e.ioc, "/tmp", 0o755); !errors.Is(err, kerrors.ErrReadOnly) {
		t.Errorf("Mkdir error = %v, want ErrReadOnly", err)
	}
	if err := e.vfs.Unlink(e.ctx, e.ioc, "/etc/hostname"); !errors.Is(err, kerrors.ErrReadOnly) {
		t.Errorf("Unlink error = %v, want ErrReadOnly", err)
	}
}

func TestCreateAndUnlink(t *testing.T) {
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", sample(t), false), "")

	if err := e.vfs.Mkdir(e.ctx, e.ioc, "/tmp", 0o1777); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := e.vfs.Mkdir(e.ctx, e.ioc, "/tmp", 0o755); !errors.Is(err, kerrors.ErrExists) {
		t.Errorf("second Mkdir error = %v, want ErrExists", err)
	}

	f, err := e.vfs.Open(e.ctx, e.ioc, "/tmp/new", vfs.O_CREAT|vfs.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Open(O_CREAT) failed: %v", err)
	}
	_, _ = e.vfs.Write(e.ctx, f, []byte("fresh"))
	_ = e.vfs.Close(e.ctx, f)

	if diff := cmp.Diff("fresh", e.readAll(t, "/tmp/new")); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}

	if err := e.vfs.Unlink(e.ctx, e.ioc, "/tmp"); !errors.Is(err, kerrors.ErrNotEmpty) {
		t.Errorf("Unlink(non-empty) error = %v, want ErrNotEmpty", err)
	}
	if err := e.vfs.Unlink(e.ctx, e.ioc, "/tmp/new"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, err := e.vfs.Stat(e.ctx, e.ioc, "/tmp/new"); !errors.Is(err, kerrors.ErrNotFound) {
		t.Errorf("Stat after unlink error = %v, want ErrNotFound", err)
	}
	if err := e.vfs.Unlink(e.ctx, e.ioc, "/tmp"); err != nil {
		t.Errorf("Unlink(empty) failed: %v", err)
	}
}

func TestTruncateShrinkThenGrow(t *testing.T) {
	e := mountImage(t, blockdev.NewMemoryFrom("tar0", sample(t), false), "")

	if err := e.vfs.Truncate(e.ctx, e.ioc, "/usr/share/doc/README", 5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if err := e.vfs.Truncate(e.ctx, e.ioc, "/usr/share/doc/README", 700); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	got := e.readAll(t, "/usr/share/doc/README")
	want := "01234" + string(make([]byte, 695))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestCorruptedArchive(t *testing.T) {
	image := sample(t)
	// Break the checksum of the first header.
	copy(image[148:156], "garbage!")

	ctx := testContext()
	_, err := Open(ctx, blockdev.NewMemoryFrom("tar0", image, false), "")
	if !errors.Is(err, kerrors.ErrCorrupted) {
		t.Errorf("Open error = %v, want ErrCorrupted", err)
	}

	if _, err := Open(ctx, blockdev.NewMemoryFrom("tar0", sample(t), false), "sync"); !errors.Is(err, kerrors.ErrInvalid) {
		t.Errorf("Open(bad option) error = %v, want ErrInvalid", err)
	}
}

func TestMountOverExt2(t *testing.T) {
	ctx := testContext()

	disk := blockdev.NewMemory("disk0", 1<<20)
	if err := ext2.Format(ctx, disk, ext2.Options{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	v := vfs.New()
	v.RegisterDriver(ext2.DriverName, ext2.Mount)
	v.RegisterDriver(DriverName, Mount)
	ioc := vfs.NewIOContext(0, 0)

	if err := v.Mount(ctx, ioc, "/", disk, ext2.DriverName, ""); err != nil {
		t.Fatalf("Mount(/) failed: %v", err)
	}
	if err := v.Mkdir(ctx, ioc, "/mnt", 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := v.Mount(ctx, ioc, "/mnt", blockdev.NewMemoryFrom("tar0", sample(t), false), DriverName, "ro"); err != nil {
		t.Fatalf("Mount(/mnt) failed: %v", err)
	}

	e := &testEnv{ctx: ctx, vfs: v, ioc: ioc}
	if diff := cmp.Diff("kernfs\n", e.readAll(t, "/mnt/etc/hostname")); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}

	node, err := v.Resolve(ctx, ioc, nil, "/mnt/etc/../..")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := v.Path(node); got != "/" {
		t.Errorf("Resolve(/mnt/etc/../..) = %q, want /", got)
	}

	if err := v.Unlink(ctx, ioc, "/mnt"); !errors.Is(err, kerrors.ErrBusy) {
		t.Errorf("Unlink(mount point) error = %v, want ErrBusy", err)
	}
	if len(v.Mounts()) != 2 {
		t.Errorf("Mounts() = %d entries, want 2", len(v.Mounts()))
	}
}

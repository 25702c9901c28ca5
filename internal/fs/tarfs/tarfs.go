// Package tarfs mounts a ustar archive as a memory-resident filesystem.
// File contents alias the device image when it can be mapped and are
// copied on first modification.
package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// DriverName is the name the driver registers under.
const DriverName = "ustar"

type Filesystem struct {
	mu sync.Mutex

	dev      blockdev.Device
	root     *vfs.Vnode
	readOnly bool
	nextIno  uint64
}

var (
	_ vfs.Filesystem = (*Filesystem)(nil)
	_ vfs.Operations = (*Filesystem)(nil)
	_ vfs.LinkReader = (*Filesystem)(nil)
	_ vfs.MountFunc  = Mount
)

// countingReader tracks the archive offset so entry data can be located
// in the mapped image.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func Mount(ctx context.Context, dev blockdev.Device, options string) (vfs.Filesystem, error) {
	return Open(ctx, dev, options)
}

// Open parses the archive on dev.
func Open(ctx context.Context, dev blockdev.Device, options string) (*Filesystem, error) {
	const op = "tarfs.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if dev == nil {
		return nil, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
	}

	fs := &Filesystem{dev: dev, nextIno: 1}
	for _, opt := range strings.Split(options, ",") {
		switch strings.TrimSpace(opt) {
		case "":
		case "ro":
			fs.readOnly = true
		case "rw":
			fs.readOnly = false
		default:
			logger.Warn("Unknown mount option", slog.String("option", opt))
			return nil, fmt.Errorf("%s: %w", op, kerrors.ErrInvalid)
		}
	}

	fs.root = fs.newVnode(vfs.VnodeDirectory, "", &file{nlink: 2})
	fs.root.Mode = 0o755

	var image []byte
	var src io.Reader
	if m, ok := dev.(blockdev.Mapper); ok {
		image = m.Bytes()
		src = bytes.NewReader(image)
	} else {
		src = io.NewSectionReader(dev, 0, dev.Size())
	}

	cr := &countingReader{r: src}
	tr := tar.NewReader(cr)
	entries := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn("Bad archive", slog.String("device", dev.Name()), slogext.Err(err))
			return nil, fmt.Errorf("%s: %w", op, kerrors.Corrupted("archive: %v", err))
		}

		if err := fs.add(hdr, tr, image, cr.n); err != nil {
			logger.Warn("Skipping archive entry", slog.String("name", hdr.Name), slogext.Err(err))
			if errors.Is(err, kerrors.ErrCorrupted) {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}
		entries++
	}

	logger.Debug("Mounted archive",
		slog.String("device", dev.Name()),
		slog.Int("entries", entries),
		slog.Bool("mapped", image != nil),
	)
	return fs, nil
}

func (fs *Filesystem) Root(context.Context) (*vfs.Vnode, error) {
	return fs.root, nil
}

func (fs *Filesystem) Device() blockdev.Device {
	return fs.dev
}

func (fs *Filesystem) newVnode(t vfs.VnodeType, name string, f *file) *vfs.Vnode {
	v := vfs.NewVnode(t, name)
	v.Flags = vfs.FlagMemory
	v.Ino = fs.nextIno
	fs.nextIno++
	v.FS = fs
	v.Ops = fs
	v.Data = f
	return v
}

// cleanName turns an archive member name into path segments.
func cleanName(name string) []string {
	name = path.Clean("/" + name)
	if name == "/" {
		return nil
	}
	return strings.Split(name[1:], "/")
}

// dir returns the directory for segs, synthesizing missing ones.
func (fs *Filesystem) dir(segs []string) (*vfs.Vnode, error) {
	cur := fs.root
	for _, seg := range segs {
		child, ok := vfs.LookupChild(cur, seg)
		if !ok {
			child = fs.newVnode(vfs.VnodeDirectory, seg, &file{nlink: 2})
			child.Mode = 0o755
			vfs.Attach(cur, child)
			cur.Data.(*file).nlink++
		}
		if child.Type != vfs.VnodeDirectory {
			return nil, kerrors.ErrNotDir
		}
		cur = child
	}
	return cur, nil
}

func (fs *Filesystem) add(hdr *tar.Header, tr io.Reader, image []byte, offset int64) error {
	segs := cleanName(hdr.Name)
	if len(segs) == 0 {
		if hdr.Typeflag == tar.TypeDir {
			fs.applyHeader(fs.root, hdr)
		}
		return nil
	}
	for _, seg := range segs {
		if len(seg) > vfs.MaxNameLen {
			return kerrors.ErrNameTooLong
		}
	}

	parent, err := fs.dir(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	name := segs[len(segs)-1]
	existing, exists := vfs.LookupChild(parent, name)

	var v *vfs.Vnode
	switch hdr.Typeflag {
	case tar.TypeDir:
		if exists {
			if existing.Type != vfs.VnodeDirectory {
				return kerrors.ErrExists
			}
			fs.applyHeader(existing, hdr)
			return nil
		}
		v = fs.newVnode(vfs.VnodeDirectory, name, &file{nlink: 2})
		parent.Data.(*file).nlink++

	case tar.TypeReg:
		f := &file{nlink: 1, size: hdr.Size}
		if err := fs.loadData(f, tr, image, offset); err != nil {
			return err
		}
		v = fs.newVnode(vfs.VnodeRegular, name, f)

	case tar.TypeSymlink:
		v = fs.newVnode(vfs.VnodeSymlink, name, &file{nlink: 1, link: hdr.Linkname, size: int64(len(hdr.Linkname))})

	case tar.TypeLink:
		target, err := fs.lookup(cleanName(hdr.Linkname))
		if err != nil || target.Type != vfs.VnodeRegular {
			return kerrors.ErrNotFound
		}
		f := target.Data.(*file)
		f.nlink++
		v = fs.newVnode(vfs.VnodeRegular, name, f)
		v.Ino = target.Ino

	case tar.TypeChar, tar.TypeBlock:
		t := vfs.VnodeCharDevice
		if hdr.Typeflag == tar.TypeBlock {
			t = vfs.VnodeBlockDevice
		}
		v = fs.newVnode(t, name, &file{nlink: 1, dev: hdr.Devmajor<<8 | hdr.Devminor})

	case tar.TypeFifo:
		v = fs.newVnode(vfs.VnodeUnknown, name, &file{nlink: 1})

	default:
		return fmt.Errorf("unsupported entry type %q: %w", hdr.Typeflag, kerrors.ErrNotSupported)
	}

	if exists {
		// A later member replaces an earlier one of the same name.
		if existing.Type == vfs.VnodeDirectory {
			return kerrors.ErrExists
		}
		vfs.Detach(existing)
	}
	fs.applyHeader(v, hdr)
	vfs.Attach(parent, v)
	return nil
}

func (fs *Filesystem) applyHeader(v *vfs.Vnode, hdr *tar.Header) {
	v.Mode = uint32(hdr.Mode) & vfs.ModePermMask
	v.UID = uint32(hdr.Uid)
	v.GID = uint32(hdr.Gid)
	v.Data.(*file).mtime = hdr.ModTime.Unix()
}

// loadData splits the member data into blocks, borrowing from image when
// the device is mapped.
func (fs *Filesystem) loadData(f *file, tr io.Reader, image []byte, offset int64) error {
	count := int((f.size + BlockSize - 1) / BlockSize)
	f.blocks = make([]block, 0, count)

	if image != nil {
		if offset+f.size > int64(len(image)) {
			return kerrors.Corrupted("member data at %d+%d past the image end", offset, f.size)
		}
		data := image[offset : offset+f.size]
		for i := 0; i < count; i++ {
			end := min((i+1)*BlockSize, len(data))
			f.blocks = append(f.blocks, borrowed(data[i*BlockSize:end:end]))
		}
		return nil
	}

	for i := 0; i < count; i++ {
		b := owned()
		want := min(int64(BlockSize), f.size-int64(i)*BlockSize)
		if _, err := io.ReadFull(tr, b.data[:want]); err != nil {
			return kerrors.Corrupted("member data: %v", err)
		}
		f.blocks = append(f.blocks, b)
	}
	return nil
}

func (fs *Filesystem) lookup(segs []string) (*vfs.Vnode, error) {
	cur := fs.root
	for _, seg := range segs {
		child, ok := vfs.LookupChild(cur, seg)
		if !ok {
			return nil, kerrors.ErrNotFound
		}
		cur = child
	}
	return cur, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/config"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/fs/ext2"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/fs/tarfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev/pgblock"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/database/postgresql"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// system is a namespace assembled from configuration.
type system struct {
	vfs     *vfs.VirtualFilesystem
	devices map[string]blockdev.Device

	pool    *pgxpool.Pool
	closers []io.Closer
}

func newSystem(ctx context.Context, cfg *config.Config) (*system, error) {
	const op = "main.newSystem"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	s := &system{
		vfs:     vfs.New(),
		devices: make(map[string]blockdev.Device, len(cfg.Devices)),
	}
	s.vfs.RegisterDriver(ext2.DriverName, ext2.Mount)
	s.vfs.RegisterDriver(tarfs.DriverName, tarfs.Mount)

	for _, d := range cfg.Devices {
		dev, err := s.openDevice(ctx, cfg, d)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%s: device %q: %w", op, d.Name, err)
		}
		s.devices[d.Name] = dev

		if d.Format && !ext2.HasSuperblock(dev) {
			opts := ext2.Options{
				BlockSize:      cfg.Ext2.BlockSize,
				InodesPerGroup: cfg.Ext2.InodesPerGroup,
				FileType:       cfg.Ext2.FileType,
				VolumeName:     d.Name,
			}
			if err := ext2.Format(ctx, dev, opts); err != nil {
				s.Close()
				return nil, fmt.Errorf("%s: format %q: %w", op, d.Name, err)
			}
			logger.Info("Formatted device", slog.String("device", d.Name))
		}
	}

	root := vfs.NewIOContext(0, 0)
	for _, m := range cfg.Mounts {
		if err := s.mount(ctx, root, m); err != nil {
			s.Close()
			return nil, fmt.Errorf("%s: mount %q: %w", op, m.Path, err)
		}
	}
	s.vfs.Release(root)

	return s, nil
}

func (s *system) openDevice(ctx context.Context, cfg *config.Config, d config.DeviceConfig) (blockdev.Device, error) {
	switch d.Kind {
	case config.DeviceKindMemory:
		return blockdev.NewMemory(d.Name, d.Size), nil

	case config.DeviceKindFile:
		f, err := blockdev.OpenFile(d.Name, d.Path, d.Size, d.ReadOnly)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, f)
		return f, nil

	case config.DeviceKindPostgres:
		if !cfg.Database.Enabled() {
			return nil, errors.New("postgres device without a database section")
		}
		if s.pool == nil {
			pool, err := postgresql.NewClient(ctx, cfg.Database)
			if err != nil {
				return nil, err
			}
			s.pool = pool
		}
		dev, err := pgblock.Open(ctx, s.pool, pgblock.Options{
			Name:     d.Name,
			Token:    d.Token,
			Size:     d.Size,
			PageSize: d.PageSize,
			Table:    d.Table,
		})
		if err != nil {
			return nil, err
		}
		return dev, nil

	default:
		return nil, fmt.Errorf("unknown device kind %q", d.Kind)
	}
}

// mount attaches m, creating a missing mount point directory first.
func (s *system) mount(ctx context.Context, ioc *vfs.IOContext, m config.MountConfig) error {
	const op = "main.system.mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var dev blockdev.Device
	if m.Device != "" {
		dev = s.devices[m.Device]
	}

	if m.Path != "/" {
		if err := s.mkdirAll(ctx, ioc, m.Path); err != nil {
			return err
		}
	}

	if err := s.vfs.Mount(ctx, ioc, m.Path, dev, m.Driver, m.Options); err != nil {
		logger.Error("Mount failed", slogext.Path(m.Path), slog.String("driver", m.Driver), slogext.Err(err))
		return err
	}
	return nil
}

func (s *system) mkdirAll(ctx context.Context, ioc *vfs.IOContext, p string) error {
	cur := "/"
	for _, seg := range strings.Split(strings.Trim(path.Clean(p), "/"), "/") {
		cur = path.Join(cur, seg)
		err := s.vfs.Mkdir(ctx, ioc, cur, 0o755)
		if err != nil && !errors.Is(err, kerrors.ErrExists) {
			return err
		}
	}
	return nil
}

func (s *system) Close() {
	for _, c := range s.closers {
		_ = c.Close()
	}
	s.closers = nil
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/models"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/blockdev"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// ErrNoSession is returned for tokens that were never initialized.
var ErrNoSession = kerrors.New(kerrors.EPERM, "session not initialized")

// ErrNoMoreEntries ends a directory listing on the wire.
var ErrNoMoreEntries = kerrors.New(kerrors.ENOENT, "no more entries")

type FileSystemService interface {
	Init(ctx context.Context, token string, uid, gid uint32) error
	Release(ctx context.Context, token string) error

	Open(ctx context.Context, token, path string, flags int, mode uint32) (int64, error)
	Close(ctx context.Context, token string, fd int64) error
	Read(ctx context.Context, token string, fd int64, buffer []byte) (int64, error)
	Write(ctx context.Context, token string, fd int64, data []byte) (int64, error)
	Lseek(ctx context.Context, token string, fd, offset int64, whence int) (int64, error)
	ReadDir(ctx context.Context, token string, fd int64) (*models.Dirent, error)
	FStat(ctx context.Context, token string, fd int64) (*models.Stat, error)

	Stat(ctx context.Context, token, path string) (*models.Stat, error)
	Lstat(ctx context.Context, token, path string) (*models.Stat, error)
	Chmod(ctx context.Context, token, path string, mode uint32) error
	Chown(ctx context.Context, token, path string, uid, gid uint32) error
	Truncate(ctx context.Context, token, path string, size int64) error
	Creat(ctx context.Context, token, path string, mode uint32) error
	Mkdir(ctx context.Context, token, path string, mode uint32) error
	Unlink(ctx context.Context, token, path string) error
	ReadLink(ctx context.Context, token, path string) (string, error)
	Access(ctx context.Context, token, path string, want uint32) error
	Chdir(ctx context.Context, token, path string) error
	Getcwd(ctx context.Context, token string) (string, error)

	Mount(ctx context.Context, token, path, device, driver, options string) error
	Mounts(ctx context.Context) []models.MountInfo
	Tree(ctx context.Context) ([]byte, error)
}

// session is the state of one actor: credentials, current directory and
// open files.
type session struct {
	mu     sync.Mutex
	ioc    *vfs.IOContext
	files  map[int64]*vfs.File
	nextFD int64
}

type fileSystemService struct {
	vfs     *vfs.VirtualFilesystem
	devices map[string]blockdev.Device

	mu       sync.Mutex
	sessions map[string]*session
}

// NewFileSystemService serves the namespace of v. devices are the block
// devices Mount may attach, by name.
func NewFileSystemService(v *vfs.VirtualFilesystem, devices map[string]blockdev.Device) FileSystemService {
	return &fileSystemService{
		vfs:      v,
		devices:  devices,
		sessions: make(map[string]*session),
	}
}

func (s *fileSystemService) Init(ctx context.Context, token string, uid, gid uint32) error {
	const op = "service.fileSystemService.Init"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Init session", slog.String("token", token), slog.Int("uid", int(uid)), slog.Int("gid", int(gid)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; ok {
		logger.Debug("Session already exists", slog.String("token", token))
		return kerrors.New(kerrors.EEXIST, "session already exists")
	}

	s.sessions[token] = &session{
		ioc:    vfs.NewIOContext(uid, gid),
		files:  make(map[int64]*vfs.File),
		nextFD: 3,
	}

	logger.Debug("Session initialized successfully", slog.String("token", token))
	return nil
}

// Release closes every file of the session and forgets it.
func (s *fileSystemService) Release(ctx context.Context, token string) error {
	const op = "service.fileSystemService.Release"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	s.mu.Lock()
	sess, ok := s.sessions[token]
	delete(s.sessions, token)
	s.mu.Unlock()

	if !ok {
		return ErrNoSession
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	for fd, f := range sess.files {
		if err := s.vfs.Close(ctx, f); err != nil {
			logger.Warn("Failed to close file", slog.Int64("fd", fd), slogext.Err(err))
		}
	}
	sess.files = nil
	s.vfs.Release(sess.ioc)

	logger.Debug("Session released", slog.String("token", token))
	return nil
}

func (s *fileSystemService) session(token string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// withSession runs fn with the session locked.
func (s *fileSystemService) withSession(token string, fn func(*session) error) error {
	sess, err := s.session(token)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.files == nil {
		return ErrNoSession
	}
	return fn(sess)
}

// withFile runs fn with the open file fd of the session.
func (s *fileSystemService) withFile(token string, fd int64, fn func(*vfs.File) error) error {
	return s.withSession(token, func(sess *session) error {
		f, ok := sess.files[fd]
		if !ok {
			return kerrors.ErrBadFD
		}
		return fn(f)
	})
}

func (s *fileSystemService) Open(ctx context.Context, token, path string, flags int, mode uint32) (int64, error) {
	const op = "service.fileSystemService.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Open", slogext.Path(path), slog.Int("flags", flags))

	var fd int64
	err := s.withSession(token, func(sess *session) error {
		f, err := s.vfs.Open(ctx, sess.ioc, path, flags, mode)
		if err != nil {
			return err
		}
		fd = sess.nextFD
		sess.nextFD++
		sess.files[fd] = f
		return nil
	})
	if err != nil {
		logger.Debug("Open failed", slogext.Path(path), slogext.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Opened", slogext.Path(path), slog.Int64("fd", fd))
	return fd, nil
}

func (s *fileSystemService) Close(ctx context.Context, token string, fd int64) error {
	const op = "service.fileSystemService.Close"

	err := s.withSession(token, func(sess *session) error {
		f, ok := sess.files[fd]
		if !ok {
			return kerrors.ErrBadFD
		}
		delete(sess.files, fd)
		return s.vfs.Close(ctx, f)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Read(ctx context.Context, token string, fd int64, buffer []byte) (int64, error) {
	const op = "service.fileSystemService.Read"

	var n int
	err := s.withFile(token, fd, func(f *vfs.File) (err error) {
		n, err = s.vfs.Read(ctx, f, buffer)
		return err
	})
	if err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Debug("Read failed", slog.Int64("fd", fd), slogext.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int64(n), nil
}

func (s *fileSystemService) Write(ctx context.Context, token string, fd int64, data []byte) (int64, error) {
	const op = "service.fileSystemService.Write"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var n int
	err := s.withFile(token, fd, func(f *vfs.File) (err error) {
		n, err = s.vfs.Write(ctx, f, data)
		return err
	})
	if err != nil {
		logger.Debug("Write failed", slog.Int64("fd", fd), slog.Int("written", n), slogext.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Write successful", slog.Int64("fd", fd), slog.Int("written", n))
	return int64(n), nil
}

func (s *fileSystemService) Lseek(ctx context.Context, token string, fd, offset int64, whence int) (int64, error) {
	const op = "service.fileSystemService.Lseek"

	var pos int64
	err := s.withFile(token, fd, func(f *vfs.File) (err error) {
		pos, err = s.vfs.Lseek(ctx, f, offset, whence)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return pos, nil
}

func (s *fileSystemService) ReadDir(ctx context.Context, token string, fd int64) (*models.Dirent, error) {
	const op = "service.fileSystemService.ReadDir"

	var d vfs.Dirent
	err := s.withFile(token, fd, func(f *vfs.File) (err error) {
		d, err = s.vfs.ReadDir(ctx, f)
		return err
	})
	if errors.Is(err, io.EOF) {
		return nil, ErrNoMoreEntries
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.Dirent{
		Name: d.Name,
		Ino:  int64(d.Ino),
		Type: models.NodeTypeOf(d.Type),
		Off:  d.Off,
	}, nil
}

func (s *fileSystemService) FStat(ctx context.Context, token string, fd int64) (*models.Stat, error) {
	const op = "service.fileSystemService.FStat"

	var st vfs.Stat
	err := s.withFile(token, fd, func(f *vfs.File) (err error) {
		st, err = s.vfs.FStat(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return models.StatOf(st), nil
}

func (s *fileSystemService) Stat(ctx context.Context, token, path string) (*models.Stat, error) {
	return s.stat(ctx, "service.fileSystemService.Stat", token, path, s.vfs.Stat)
}

func (s *fileSystemService) Lstat(ctx context.Context, token, path string) (*models.Stat, error) {
	return s.stat(ctx, "service.fileSystemService.Lstat", token, path, s.vfs.Lstat)
}

type statFunc func(ctx context.Context, ioc *vfs.IOContext, p string) (vfs.Stat, error)

func (s *fileSystemService) stat(ctx context.Context, op, token, path string, fn statFunc) (*models.Stat, error) {
	var st vfs.Stat
	err := s.withSession(token, func(sess *session) (err error) {
		st, err = fn(ctx, sess.ioc, path)
		return err
	})
	if err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Debug("Stat failed", slogext.Path(path), slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return models.StatOf(st), nil
}

// pathOp runs a path operation of the VFS for the session of token.
func (s *fileSystemService) pathOp(ctx context.Context, op, token, path string, fn func(*vfs.IOContext) error) error {
	err := s.withSession(token, func(sess *session) error {
		return fn(sess.ioc)
	})
	if err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Debug("Operation failed", slogext.Path(path), slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *fileSystemService) Chmod(ctx context.Context, token, path string, mode uint32) error {
	return s.pathOp(ctx, "service.fileSystemService.Chmod", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Chmod(ctx, ioc, path, mode)
	})
}

func (s *fileSystemService) Chown(ctx context.Context, token, path string, uid, gid uint32) error {
	return s.pathOp(ctx, "service.fileSystemService.Chown", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Chown(ctx, ioc, path, uid, gid)
	})
}

func (s *fileSystemService) Truncate(ctx context.Context, token, path string, size int64) error {
	return s.pathOp(ctx, "service.fileSystemService.Truncate", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Truncate(ctx, ioc, path, size)
	})
}

func (s *fileSystemService) Creat(ctx context.Context, token, path string, mode uint32) error {
	return s.pathOp(ctx, "service.fileSystemService.Creat", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Creat(ctx, ioc, path, mode)
	})
}

func (s *fileSystemService) Mkdir(ctx context.Context, token, path string, mode uint32) error {
	return s.pathOp(ctx, "service.fileSystemService.Mkdir", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Mkdir(ctx, ioc, path, mode)
	})
}

func (s *fileSystemService) Unlink(ctx context.Context, token, path string) error {
	return s.pathOp(ctx, "service.fileSystemService.Unlink", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Unlink(ctx, ioc, path)
	})
}

func (s *fileSystemService) Access(ctx context.Context, token, path string, want uint32) error {
	return s.pathOp(ctx, "service.fileSystemService.Access", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Access(ctx, ioc, path, want)
	})
}

func (s *fileSystemService) Chdir(ctx context.Context, token, path string) error {
	return s.pathOp(ctx, "service.fileSystemService.Chdir", token, path, func(ioc *vfs.IOContext) error {
		return s.vfs.Chdir(ctx, ioc, path)
	})
}

func (s *fileSystemService) ReadLink(ctx context.Context, token, path string) (string, error) {
	var dest string
	err := s.pathOp(ctx, "service.fileSystemService.ReadLink", token, path, func(ioc *vfs.IOContext) (err error) {
		dest, err = s.vfs.ReadLink(ctx, ioc, path)
		return err
	})
	return dest, err
}

func (s *fileSystemService) Getcwd(ctx context.Context, token string) (string, error) {
	var cwd string
	err := s.withSession(token, func(sess *session) error {
		cwd = s.vfs.Getcwd(sess.ioc)
		return nil
	})
	return cwd, err
}

// Mount attaches a configured device. Only root may mount.
func (s *fileSystemService) Mount(ctx context.Context, token, path, device, driver, options string) error {
	const op = "service.fileSystemService.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var dev blockdev.Device
	if device != "" {
		var ok bool
		if dev, ok = s.devices[device]; !ok {
			logger.Warn("Unknown device", slog.String("device", device))
			return fmt.Errorf("%s: %w", op, kerrors.ErrNotFound)
		}
	}

	err := s.withSession(token, func(sess *session) error {
		if sess.ioc.UID != 0 {
			return kerrors.ErrNotPermitted
		}
		return s.vfs.Mount(ctx, sess.ioc, path, dev, driver, options)
	})
	if err != nil {
		logger.Warn("Mount failed", slogext.Path(path), slog.String("device", device), slogext.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Mounts lists the mount table in mount order.
func (s *fileSystemService) Mounts(context.Context) []models.MountInfo {
	mounts := s.vfs.Mounts()
	out := make([]models.MountInfo, 0, len(mounts))
	for _, m := range mounts {
		info := models.MountInfo{Path: m.Path, Driver: m.Driver, Options: m.Options}
		if m.Device != nil {
			info.Device = m.Device.Name()
		}
		out = append(out, info)
	}
	return out
}

func (s *fileSystemService) Tree(ctx context.Context) ([]byte, error) {
	const op = "service.fileSystemService.Tree"

	data, err := s.vfs.DumpTreeYAML()
	if err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to dump tree", slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

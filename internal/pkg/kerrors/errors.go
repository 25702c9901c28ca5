package kerrors

import (
	"errors"
	"fmt"
)

// Error is a recoverable condition reported to the caller as an errno.
type Error struct {
	Code    int64
	Message string
}

func New(code int64, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) GetCode() int64 {
	return e.Code
}

// Is matches any *Error carrying the same code, so that
// errors.Is(err, ErrNotFound) holds for every ENOENT produced by a driver.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotPermitted = New(EPERM, "operation not permitted")
	ErrNotFound     = New(ENOENT, "no such entry")
	ErrIO           = New(EIO, "i/o error")
	ErrBadFD        = New(EBADF, "bad file descriptor")
	ErrAccess       = New(EACCES, "permission denied")
	ErrBusy         = New(EBUSY, "busy")
	ErrExists       = New(EEXIST, "already exists")
	ErrNotDir       = New(ENOTDIR, "not a directory")
	ErrIsDir        = New(EISDIR, "is a directory")
	ErrInvalid      = New(EINVAL, "invalid argument")
	ErrFileTooLarge = New(EFBIG, "file too large")
	ErrNoSpace      = New(ENOSPC, "no space left on device")
	ErrInvalidSeek  = New(ESPIPE, "invalid seek")
	ErrReadOnly     = New(EROFS, "read-only filesystem")
	ErrNameTooLong  = New(ENAMETOOLONG, "name too long")
	ErrNotSupported = New(ENOSYS, "operation not supported")
	ErrNotEmpty     = New(ENOTEMPTY, "directory not empty")
	ErrLoop         = New(ELOOP, "too many link levels")
	ErrCorrupted    = New(EUCLEAN, "filesystem structure is corrupted")
)

// Corrupted wraps ErrCorrupted with diagnostic context about the on-disk
// structure that failed validation.
func Corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...))
}

// Code returns the negative errno for err. Nil maps to 0, errors that carry
// no errno map to -EIO.
func Code(err error) int64 {
	if err == nil {
		return 0
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return -kerr.Code
	}
	return EIO_NEG
}

package vfs

import "errors"

// Errors returned by the VFS and by FileSystemOps implementations.
// Backends return these sentinels so callers can test with errors.Is
// regardless of which filesystem served the call.
var (
	ErrPermissionDenied      = errors.New("vfs: permission denied")
	ErrNotADirectory         = errors.New("vfs: not a directory")
	ErrIsDirectory           = errors.New("vfs: is a directory")
	ErrTooManyOpenFiles      = errors.New("vfs: too many open files")
	ErrTooManyMounts         = errors.New("vfs: mount table full")
	ErrAlreadyMounted        = errors.New("vfs: already mounted")
	ErrNotMounted            = errors.New("vfs: not mounted")
	ErrFilesystemBusy        = errors.New("vfs: filesystem busy")
	ErrInvalidFileDescriptor = errors.New("vfs: invalid file descriptor")
	ErrInvalidPath           = errors.New("vfs: invalid path")
	ErrNameTooLong           = errors.New("vfs: name too long")
	ErrNotFound              = errors.New("vfs: no such file or directory")
	ErrExists                = errors.New("vfs: file exists")
	ErrNotEmpty              = errors.New("vfs: directory not empty")
	ErrReadOnly              = errors.New("vfs: read-only filesystem")
	ErrNotImplemented        = errors.New("vfs: operation not implemented")
	ErrInvalidSeek           = errors.New("vfs: invalid seek")
	ErrCrossDevice           = errors.New("vfs: cross-device link")
	ErrNoSpace               = errors.New("vfs: no space left on device")
	ErrInvalidArgument       = errors.New("vfs: invalid argument")
	ErrClosed                = errors.New("vfs: closed")
)

// SkipDir is returned by a Walk callback to skip the directory it was
// called for.
var SkipDir = errors.New("skip this directory")

// PathError records an error and the operation and path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

func pathErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: path, Err: err}
}

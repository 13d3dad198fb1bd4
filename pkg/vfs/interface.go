package vfs

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"blockfs/pkg/storage"
)

// FileSystemOps is the capability table a filesystem implementation
// provides to the VFS. Inodes are addressed by number; the VFS never looks
// at on-disk structures itself. Implementations return the package's
// sentinel errors (ErrNotFound, ErrExists, ...) and should embed
// UnimplementedOps so that capabilities they lack fail with
// ErrNotImplemented.
type FileSystemOps interface {
	// Mount prepares the filesystem on dev and returns its root inode.
	Mount(dev storage.BlockDevice, flags MountFlags) (InodeAttr, error)
	// Unmount releases the filesystem. Sync has already been called.
	Unmount() error
	// Sync makes every completed operation durable.
	Sync() error
	// Statfs reports capacity and usage.
	Statfs() (StatFS, error)

	Lookup(dir uint64, name string) (InodeAttr, error)
	Create(dir uint64, name string, mode os.FileMode, cred Cred) (InodeAttr, error)
	Mkdir(dir uint64, name string, mode os.FileMode, cred Cred) (InodeAttr, error)
	Rmdir(dir uint64, name string) error
	Unlink(dir uint64, name string) error
	Rename(oldDir uint64, oldName string, newDir uint64, newName string) error
	Link(ino, dir uint64, name string) (InodeAttr, error)
	Symlink(dir uint64, name, target string, cred Cred) (InodeAttr, error)
	Readlink(ino uint64) (string, error)

	// Open and Close bracket the lifetime of every open file on ino.
	Open(ino uint64, flags int) error
	Close(ino uint64) error
	// Read and Write transfer at an absolute offset. Read returns io.EOF
	// when off is at or past the end of the file.
	Read(ino uint64, buf []byte, off int64) (int, error)
	Write(ino uint64, buf []byte, off int64) (int, error)
	// Seek computes a new position for a file currently at pos.
	Seek(ino uint64, offset int64, whence int, pos int64) (int64, error)
	Ioctl(ino uint64, cmd uint32, arg []byte) ([]byte, error)
	Getattr(ino uint64) (InodeAttr, error)
	Setattr(ino uint64, set SetAttr) (InodeAttr, error)
	Readdir(dir uint64) ([]DirEntry, error)
}

// InodeAttr is the metadata of one inode as reported by a backend.
type InodeAttr struct {
	Ino   uint64
	Mode  os.FileMode // type bits and permission bits
	UID   uint32
	GID   uint32
	Nlink uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether the inode is a directory.
func (a InodeAttr) IsDir() bool { return a.Mode.IsDir() }

// AttrMask selects the fields of a SetAttr that are applied.
type AttrMask uint32

const (
	AttrMode AttrMask = 1 << iota
	AttrUID
	AttrGID
	AttrSize
	AttrAtime
	AttrMtime
)

// SetAttr carries a partial metadata update.
type SetAttr struct {
	Valid AttrMask
	Mode  os.FileMode // permission bits only
	UID   uint32
	GID   uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
}

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode os.FileMode // type bits
}

// IsDir reports whether the entry names a directory.
func (d DirEntry) IsDir() bool { return d.Mode.IsDir() }

// StatFS reports filesystem capacity.
type StatFS struct {
	ID         uuid.UUID // zero if the backend has no persistent identity
	BlockSize  int
	Blocks     uint64
	FreeBlocks uint64
	Files      uint64
	FreeFiles  uint64
	NameMax    int
}

// FileInfo describes a file and is returned by Stat and Fstat.
type FileInfo struct {
	Name string
	Dev  uuid.UUID // identity of the mounted filesystem
	InodeAttr
}

// MountFlags modify how a filesystem is mounted.
type MountFlags uint32

const (
	// MountReadOnly rejects every mutating operation with ErrReadOnly.
	MountReadOnly MountFlags = 1 << iota
)

// Flags for Open, matching os package constants.
const (
	O_RDONLY = os.O_RDONLY // Open file read-only.
	O_WRONLY = os.O_WRONLY // Open file write-only.
	O_RDWR   = os.O_RDWR   // Open file read-write.
	O_CREATE = os.O_CREATE // Create file if it does not exist.
	O_EXCL   = os.O_EXCL   // Used with O_CREATE: file must not exist.
	O_TRUNC  = os.O_TRUNC  // Truncate file to zero length if it exists.
	O_APPEND = os.O_APPEND // Append to the file on each write.

	accessMask = O_RDONLY | O_WRONLY | O_RDWR
)

// Whence values for Lseek.
const (
	SEEK_SET = io.SeekStart   // Relative to start of file.
	SEEK_CUR = io.SeekCurrent // Relative to current position.
	SEEK_END = io.SeekEnd     // Relative to end of file.
)

// FileMode bit masks for file types and permissions.
const (
	ModeDir     = os.ModeDir     // Directory
	ModeSymlink = os.ModeSymlink // Symbolic link
	ModeType    = os.ModeType    // Mask for file type bits
	ModePerm    = os.ModePerm    // Permission bits mask
)

// UnimplementedOps can be embedded in a FileSystemOps implementation; every
// method fails with ErrNotImplemented.
type UnimplementedOps struct{}

func (UnimplementedOps) Mount(storage.BlockDevice, MountFlags) (InodeAttr, error) {
	return InodeAttr{}, ErrNotImplemented
}
func (UnimplementedOps) Unmount() error { return ErrNotImplemented }
func (UnimplementedOps) Sync() error { return ErrNotImplemented }
func (UnimplementedOps) Statfs() (StatFS, error) { return StatFS{}, ErrNotImplemented }
func (UnimplementedOps) Lookup(uint64, string) (InodeAttr, error) {
	return InodeAttr{}, ErrNotImplemented
}
func (UnimplementedOps) Create(uint64, string, os.FileMode, Cred) (InodeAttr, error) {
	return InodeAttr{}, ErrNotImplemented
}
func (UnimplementedOps) Mkdir(uint64, string, os.FileMode, Cred) (InodeAttr, error) {
	return InodeAttr{}, ErrNotImplemented
}
func (UnimplementedOps) Rmdir(uint64, string) error { return ErrNotImplemented }
func (UnimplementedOps) Unlink(uint64, string) error { return ErrNotImplemented }
func (UnimplementedOps) Rename(uint64, string, uint64, string) error { return ErrNotImplemented }
func (UnimplementedOps) Link(uint64, uint64, string) (InodeAttr, error) {
	return InodeAttr{}, ErrNotImplemented
}
func (UnimplementedOps) Symlink(uint64, string, string, Cred) (InodeAttr, error) {
	return InodeAttr{}, ErrNotImplemented
}
func (UnimplementedOps) Readlink(uint64) (string, error) { return "", ErrNotImplemented }
func (UnimplementedOps) Open(uint64, int) error { return ErrNotImplemented }
func (UnimplementedOps) Close(uint64) error { return ErrNotImplemented }
func (UnimplementedOps) Read(uint64, []byte, int64) (int, error) { return 0, ErrNotImplemented }
func (UnimplementedOps) Write(uint64, []byte, int64) (int, error) { return 0, ErrNotImplemented }
func (UnimplementedOps) Seek(uint64, int64, int, int64) (int64, error) { return 0, ErrNotImplemented }
func (UnimplementedOps) Ioctl(uint64, uint32, []byte) ([]byte, error) { return nil, ErrNotImplemented }
func (UnimplementedOps) Getattr(uint64) (InodeAttr, error) { return InodeAttr{}, ErrNotImplemented }
func (UnimplementedOps) Setattr(uint64, SetAttr) (InodeAttr, error) {
	return InodeAttr{}, ErrNotImplemented
}
func (UnimplementedOps) Readdir(uint64) ([]DirEntry, error) { return nil, ErrNotImplemented }

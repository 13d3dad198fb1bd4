package vfs

import (
	"sync"
	"sync/atomic"
)

// Cred identifies the caller of a VFS operation.
type Cred struct {
	UID uint32
	GID uint32
}

// RootCred bypasses every permission check.
var RootCred = Cred{}

// Access bits passed to permission checks.
const (
	MayExec  uint32 = 1
	MayWrite uint32 = 2
	MayRead  uint32 = 4
)

// Inode is the in-memory view of a backend inode. Every dentry and open
// file referring to it holds a reference; when the last one goes the inode
// leaves its filesystem's inode table.
type Inode struct {
	fs  *FileSystem
	ino uint64

	mu   sync.RWMutex
	attr InodeAttr

	refs atomic.Int32
}

// Ino returns the inode number.
func (i *Inode) Ino() uint64 { return i.ino }

// FileSystem returns the filesystem the inode belongs to.
func (i *Inode) FileSystem() *FileSystem { return i.fs }

// Attr returns the last metadata reported by the backend.
func (i *Inode) Attr() InodeAttr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.attr
}

// Refs returns the current reference count.
func (i *Inode) Refs() int { return int(i.refs.Load()) }

func (i *Inode) setAttr(attr InodeAttr) {
	i.mu.Lock()
	i.attr = attr
	i.mu.Unlock()
}

// refresh reloads the attributes from the backend.
func (i *Inode) refresh() (InodeAttr, error) {
	attr, err := i.fs.ops.Getattr(i.ino)
	if err != nil {
		return InodeAttr{}, err
	}
	i.setAttr(attr)
	return attr, nil
}

// permit checks the owner, group or other permission bits of attr against
// want. The superuser is always allowed.
func permit(attr InodeAttr, cred Cred, want uint32) error {
	if cred.UID == 0 {
		return nil
	}
	perm := uint32(attr.Mode.Perm())
	switch {
	case cred.UID == attr.UID:
		perm >>= 6
	case cred.GID == attr.GID:
		perm >>= 3
	}
	if perm&want != want {
		return ErrPermissionDenied
	}
	return nil
}

// iget returns the table entry for attr.Ino with a new reference, creating
// it if the inode is not resident.
func (fs *FileSystem) iget(attr InodeAttr) *Inode {
	fs.imu.Lock()
	defer fs.imu.Unlock()

	i, ok := fs.inodes[attr.Ino]
	if !ok {
		i = &Inode{fs: fs, ino: attr.Ino}
		fs.inodes[attr.Ino] = i
	}
	i.setAttr(attr)
	i.refs.Add(1)
	return i
}

// igrab takes another reference on a resident inode.
func (fs *FileSystem) igrab(i *Inode) {
	fs.imu.Lock()
	i.refs.Add(1)
	fs.imu.Unlock()
}

// iput drops a reference and evicts the inode once it is unreferenced.
func (fs *FileSystem) iput(i *Inode) {
	fs.imu.Lock()
	defer fs.imu.Unlock()

	if i.refs.Add(-1) == 0 {
		delete(fs.inodes, i.ino)
	}
}

// ResidentInodes reports how many inodes are in the inode table.
func (fs *FileSystem) ResidentInodes() int {
	fs.imu.Lock()
	defer fs.imu.Unlock()
	return len(fs.inodes)
}

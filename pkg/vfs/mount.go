package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"blockfs/pkg/storage"
)

// DefaultMaxMounts is the size of the mount table.
const DefaultMaxMounts = 16

// FileSystem is a mounted filesystem instance.
type FileSystem struct {
	ops   FileSystemOps
	dev   storage.BlockDevice
	flags MountFlags
	id    uuid.UUID
	root  *Dentry
	mount *MountPoint

	imu    sync.Mutex
	inodes map[uint64]*Inode

	openFiles atomic.Int32
}

// ID returns the filesystem identity reported in FileInfo.Dev.
func (fs *FileSystem) ID() uuid.UUID { return fs.id }

// Ops returns the backend.
func (fs *FileSystem) Ops() FileSystemOps { return fs.ops }

// Device returns the device the filesystem was mounted from.
func (fs *FileSystem) Device() storage.BlockDevice { return fs.dev }

// ReadOnly reports whether the filesystem was mounted read-only.
func (fs *FileSystem) ReadOnly() bool { return fs.flags&MountReadOnly != 0 }

// MountPoint is an entry in the mount table.
type MountPoint struct {
	Path string
	FS   *FileSystem

	covered *Dentry // nil for the root mount
	parent  *FileSystem
}

// MountInfo describes a mounted filesystem.
type MountInfo struct {
	Path  string
	ID    uuid.UUID
	Flags MountFlags
}

// Mount mounts the filesystem implemented by ops on dev at path. Every
// mount other than "/" needs an existing directory to cover.
func (v *VFS) Mount(path string, ops FileSystemOps, dev storage.BlockDevice, flags MountFlags) error {
	cleaned, _, err := components(path)
	if err != nil {
		return pathErr("mount", path, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return pathErr("mount", path, ErrClosed)
	}

	slot := -1
	for i, mp := range v.mounts {
		switch {
		case mp == nil:
			if slot < 0 {
				slot = i
			}
		case mp.Path == cleaned:
			return pathErr("mount", path, ErrAlreadyMounted)
		}
	}
	if slot < 0 {
		return pathErr("mount", path, ErrTooManyMounts)
	}

	var covered *Dentry
	if cleaned != "/" {
		covered, err = v.resolveLocked(cleaned)
		if err != nil {
			return pathErr("mount", path, err)
		}
		if !covered.inode.Attr().IsDir() {
			v.dput(covered)
			return pathErr("mount", path, ErrNotADirectory)
		}
	}

	rootAttr, err := ops.Mount(dev, flags)
	if err != nil {
		if covered != nil {
			v.dput(covered)
		}
		return pathErr("mount", path, err)
	}

	fs := &FileSystem{
		ops:    ops,
		dev:    dev,
		flags:  flags,
		inodes: make(map[uint64]*Inode),
	}
	if st, err := ops.Statfs(); err == nil && st.ID != uuid.Nil {
		fs.id = st.ID
	} else {
		fs.id = uuid.New()
	}
	fs.root = newDentry("/", fs.iget(rootAttr), nil)
	fs.root.refs.Store(1)

	mp := &MountPoint{Path: cleaned, FS: fs, covered: covered}
	fs.mount = mp
	if covered != nil {
		mp.parent = covered.inode.fs
		v.dmu.Lock()
		covered.mount = mp
		v.dmu.Unlock()
	} else {
		v.root = mp
	}
	v.mounts[slot] = mp

	v.log.Info("mounted", "path", cleaned, "id", fs.id, "readonly", fs.ReadOnly())
	return nil
}

// Unmount syncs and unmounts the filesystem mounted at path. It fails with
// ErrFilesystemBusy while files are open on it or other filesystems are
// mounted inside it.
func (v *VFS) Unmount(path string) error {
	cleaned, _, err := components(path)
	if err != nil {
		return pathErr("unmount", path, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, mp := range v.mounts {
		if mp != nil && mp.Path == cleaned {
			return pathErr("unmount", path, v.unmountLocked(mp))
		}
	}
	return pathErr("unmount", path, ErrNotMounted)
}

func (v *VFS) unmountLocked(mp *MountPoint) error {
	fs := mp.FS
	if fs.openFiles.Load() > 0 {
		return ErrFilesystemBusy
	}
	for _, other := range v.mounts {
		if other != nil && other.parent == fs {
			return ErrFilesystemBusy
		}
	}

	if !fs.ReadOnly() {
		if err := ignoreNotImplemented(fs.ops.Sync()); err != nil {
			return err
		}
	}
	if err := ignoreNotImplemented(fs.ops.Unmount()); err != nil {
		return err
	}

	v.dmu.Lock()
	for _, c := range fs.root.children {
		v.unhashLocked(c)
	}
	fs.iput(fs.root.inode)
	fs.root.inode = nil
	if mp.covered != nil {
		mp.covered.mount = nil
		v.dputLocked(mp.covered)
	}
	v.dmu.Unlock()

	for i, other := range v.mounts {
		if other == mp {
			v.mounts[i] = nil
		}
	}
	if v.root == mp {
		v.root = nil
	}
	v.log.Info("unmounted", "path", mp.Path, "id", fs.id)
	return nil
}

// Mounts lists the mounted filesystems.
func (v *VFS) Mounts() []MountInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []MountInfo
	for _, mp := range v.mounts {
		if mp != nil {
			out = append(out, MountInfo{Path: mp.Path, ID: mp.FS.id, Flags: mp.FS.flags})
		}
	}
	return out
}

// Statfs reports capacity of the filesystem containing path.
func (v *VFS) Statfs(path string) (StatFS, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.resolveLocked(path)
	if err != nil {
		return StatFS{}, pathErr("statfs", path, err)
	}
	defer v.dput(d)

	fs := d.inode.fs
	st, err := fs.ops.Statfs()
	if err != nil {
		return StatFS{}, pathErr("statfs", path, err)
	}
	st.ID = fs.id
	return st, nil
}

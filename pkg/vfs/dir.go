package vfs

import (
	"errors"
	"os"
	"time"
)

// Mkdir creates a directory. The caller needs write and search permission
// on the parent.
func (v *VFS) Mkdir(path string, mode os.FileMode, cred Cred) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	parent, name, err := v.resolveParentLocked(path)
	if err != nil {
		return pathErr("mkdir", path, err)
	}
	if name == "" {
		return pathErr("mkdir", path, ErrExists)
	}
	defer v.dput(parent)

	if err := mutable(parent, cred, MayWrite|MayExec); err != nil {
		return pathErr("mkdir", path, err)
	}
	attr, err := parent.inode.fs.ops.Mkdir(parent.inode.ino, name, mode&ModePerm, cred)
	if err != nil {
		return pathErr("mkdir", path, err)
	}
	v.dput(v.attach(parent, name, attr))
	return nil
}

// Rmdir removes an empty directory. Mount points cannot be removed.
func (v *VFS) Rmdir(path string, cred Cred) error {
	return v.remove("rmdir", path, cred, true)
}

// Unlink removes a name that does not refer to a directory. Files still
// open through it stay readable until closed.
func (v *VFS) Unlink(path string, cred Cred) error {
	return v.remove("unlink", path, cred, false)
}

func (v *VFS) remove(op, path string, cred Cred, dir bool) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	parent, name, err := v.resolveParentLocked(path)
	if err != nil {
		return pathErr(op, path, err)
	}
	if name == "" {
		return pathErr(op, path, ErrFilesystemBusy)
	}
	defer v.dput(parent)

	c, err := v.child(parent, name)
	if err != nil {
		return pathErr(op, path, err)
	}
	isDir, mounted := c.inode.Attr().IsDir(), c.mount != nil
	v.dput(c)
	switch {
	case mounted:
		return pathErr(op, path, ErrFilesystemBusy)
	case dir && !isDir:
		return pathErr(op, path, ErrNotADirectory)
	case !dir && isDir:
		return pathErr(op, path, ErrIsDirectory)
	}

	if err := mutable(parent, cred, MayWrite|MayExec); err != nil {
		return pathErr(op, path, err)
	}
	ops := parent.inode.fs.ops
	if dir {
		err = ops.Rmdir(parent.inode.ino, name)
	} else {
		err = ops.Unlink(parent.inode.ino, name)
	}
	if err != nil {
		return pathErr(op, path, err)
	}
	v.invalidate(parent, name)
	return nil
}

// Rename moves oldPath to newPath within one filesystem, replacing newPath
// if the backend allows it.
func (v *VFS) Rename(oldPath, newPath string, cred Cred) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	oldClean, _, err := components(oldPath)
	if err != nil {
		return pathErr("rename", oldPath, err)
	}
	newClean, _, err := components(newPath)
	if err != nil {
		return pathErr("rename", newPath, err)
	}
	if oldClean == newClean {
		return nil
	}
	if hasPathPrefix(newClean, oldClean) {
		return pathErr("rename", newPath, ErrInvalidPath)
	}
	for _, mp := range v.mounts {
		if mp != nil && (hasPathPrefix(mp.Path, oldClean) || mp.Path == newClean) {
			return pathErr("rename", oldPath, ErrFilesystemBusy)
		}
	}

	oldParent, oldName, err := v.resolveParentLocked(oldClean)
	if err != nil {
		return pathErr("rename", oldPath, err)
	}
	defer v.dput(oldParent)
	newParent, newName, err := v.resolveParentLocked(newClean)
	if err != nil {
		return pathErr("rename", newPath, err)
	}
	defer v.dput(newParent)

	fs := oldParent.inode.fs
	if newParent.inode.fs != fs {
		return pathErr("rename", newPath, ErrCrossDevice)
	}
	if err := mutable(oldParent, cred, MayWrite|MayExec); err != nil {
		return pathErr("rename", oldPath, err)
	}
	if newParent != oldParent {
		if err := mutable(newParent, cred, MayWrite|MayExec); err != nil {
			return pathErr("rename", newPath, err)
		}
	}

	if err := fs.ops.Rename(oldParent.inode.ino, oldName, newParent.inode.ino, newName); err != nil {
		return pathErr("rename", oldPath, err)
	}
	v.invalidate(oldParent, oldName)
	v.invalidate(newParent, newName)
	return nil
}

// Link creates newPath as another name for the file at oldPath.
// Directories cannot be linked.
func (v *VFS) Link(oldPath, newPath string, cred Cred) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	target, err := v.resolveLocked(oldPath)
	if err != nil {
		return pathErr("link", oldPath, err)
	}
	defer v.dput(target)
	if target.inode.Attr().IsDir() {
		return pathErr("link", oldPath, ErrIsDirectory)
	}

	parent, name, err := v.resolveParentLocked(newPath)
	if err != nil {
		return pathErr("link", newPath, err)
	}
	if name == "" {
		return pathErr("link", newPath, ErrExists)
	}
	defer v.dput(parent)

	fs := parent.inode.fs
	if target.inode.fs != fs {
		return pathErr("link", newPath, ErrCrossDevice)
	}
	if err := mutable(parent, cred, MayWrite|MayExec); err != nil {
		return pathErr("link", newPath, err)
	}
	attr, err := fs.ops.Link(target.inode.ino, parent.inode.ino, name)
	if err != nil {
		return pathErr("link", newPath, err)
	}
	v.dput(v.attach(parent, name, attr))
	return nil
}

// Symlink creates a symbolic link at path pointing to target. The target
// is stored verbatim and never resolved by the VFS.
func (v *VFS) Symlink(target, path string, cred Cred) error {
	if target == "" || len(target) > MaxPathLength {
		return pathErr("symlink", path, ErrInvalidPath)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	parent, name, err := v.resolveParentLocked(path)
	if err != nil {
		return pathErr("symlink", path, err)
	}
	if name == "" {
		return pathErr("symlink", path, ErrExists)
	}
	defer v.dput(parent)

	if err := mutable(parent, cred, MayWrite|MayExec); err != nil {
		return pathErr("symlink", path, err)
	}
	attr, err := parent.inode.fs.ops.Symlink(parent.inode.ino, name, target, cred)
	if err != nil {
		return pathErr("symlink", path, err)
	}
	v.dput(v.attach(parent, name, attr))
	return nil
}

// Readlink returns the target of the symbolic link at path.
func (v *VFS) Readlink(path string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.resolveLocked(path)
	if err != nil {
		return "", pathErr("readlink", path, err)
	}
	defer v.dput(d)
	if d.inode.Attr().Mode&ModeSymlink == 0 {
		return "", pathErr("readlink", path, ErrInvalidPath)
	}
	target, err := d.inode.fs.ops.Readlink(d.inode.ino)
	return target, pathErr("readlink", path, err)
}

// Readdir lists the directory at path. The caller needs read permission.
func (v *VFS) Readdir(path string, cred Cred) ([]DirEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.resolveLocked(path)
	if err != nil {
		return nil, pathErr("readdir", path, err)
	}
	defer v.dput(d)

	attr := d.inode.Attr()
	if !attr.IsDir() {
		return nil, pathErr("readdir", path, ErrNotADirectory)
	}
	if err := permit(attr, cred, MayRead); err != nil {
		return nil, pathErr("readdir", path, err)
	}
	entries, err := d.inode.fs.ops.Readdir(d.inode.ino)
	if err != nil {
		return nil, pathErr("readdir", path, err)
	}
	return entries, nil
}

// Stat returns the metadata of path as the backend reports it. A symbolic
// link is reported itself.
func (v *VFS) Stat(path string) (FileInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.resolveLocked(path)
	if err != nil {
		return FileInfo{}, pathErr("stat", path, err)
	}
	defer v.dput(d)

	attr, err := d.inode.refresh()
	if err != nil {
		return FileInfo{}, pathErr("stat", path, err)
	}
	return FileInfo{Name: d.name, Dev: d.inode.fs.id, InodeAttr: attr}, nil
}

// Truncate sets the size of the regular file at path.
func (v *VFS) Truncate(path string, size int64, cred Cred) error {
	if size < 0 {
		return pathErr("truncate", path, ErrInvalidArgument)
	}
	return v.setattr("truncate", path, SetAttr{Valid: AttrSize, Size: size}, func(attr InodeAttr) error {
		if attr.IsDir() {
			return ErrIsDirectory
		}
		return permit(attr, cred, MayWrite)
	})
}

// Chmod changes the permission bits of path. Only the owner and the
// superuser may do so.
func (v *VFS) Chmod(path string, mode os.FileMode, cred Cred) error {
	return v.setattr("chmod", path, SetAttr{Valid: AttrMode, Mode: mode & ModePerm}, func(attr InodeAttr) error {
		return owner(attr, cred)
	})
}

// Chown changes the owner and group of path. Only the superuser may do so.
func (v *VFS) Chown(path string, uid, gid uint32, cred Cred) error {
	return v.setattr("chown", path, SetAttr{Valid: AttrUID | AttrGID, UID: uid, GID: gid}, func(InodeAttr) error {
		if cred.UID != 0 {
			return ErrPermissionDenied
		}
		return nil
	})
}

// Chtimes changes the access and modification times of path.
func (v *VFS) Chtimes(path string, atime, mtime time.Time, cred Cred) error {
	return v.setattr("chtimes", path, SetAttr{Valid: AttrAtime | AttrMtime, Atime: atime, Mtime: mtime}, func(attr InodeAttr) error {
		return owner(attr, cred)
	})
}

func owner(attr InodeAttr, cred Cred) error {
	if cred.UID != 0 && cred.UID != attr.UID {
		return ErrPermissionDenied
	}
	return nil
}

func (v *VFS) setattr(op, path string, set SetAttr, check func(InodeAttr) error) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, err := v.resolveLocked(path)
	if err != nil {
		return pathErr(op, path, err)
	}
	defer v.dput(d)

	if d.inode.fs.ReadOnly() {
		return pathErr(op, path, ErrReadOnly)
	}
	if err := check(d.inode.Attr()); err != nil {
		return pathErr(op, path, err)
	}
	attr, err := d.inode.fs.ops.Setattr(d.inode.ino, set)
	if err != nil {
		return pathErr(op, path, err)
	}
	d.inode.setAttr(attr)
	return nil
}

// Walk calls fn for root and everything below it, depth first, visiting
// entries in the order Readdir returns them. Returning SkipDir from fn for a directory
// skips its contents.
func (v *VFS) Walk(root string, cred Cred, fn func(path string, info FileInfo) error) error {
	info, err := v.Stat(root)
	if err != nil {
		return err
	}
	err = v.walkTree(Clean(root), info, cred, fn)
	if errors.Is(err, SkipDir) {
		return nil
	}
	return err
}

func (v *VFS) walkTree(path string, info FileInfo, cred Cred, fn func(string, FileInfo) error) error {
	if err := fn(path, info); err != nil || !info.IsDir() {
		return err
	}
	entries, err := v.Readdir(path, cred)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := Join(path, e.Name)
		ci, err := v.Stat(child)
		if err != nil {
			return err
		}
		if err := v.walkTree(child, ci, cred, fn); err != nil && !errors.Is(err, SkipDir) {
			return err
		}
	}
	return nil
}

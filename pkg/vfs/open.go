package vfs

import (
	"errors"
	"os"
)

// Open opens path and returns the lowest free descriptor. With O_CREATE a
// missing regular file is created with mode, which needs write and search
// permission on the parent; otherwise the permission bits of the file
// itself are checked against the access mode. Symbolic links are not
// followed, so opening one fails with ErrInvalidPath.
func (v *VFS) Open(path string, flags int, mode os.FileMode, cred Cred) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	d, created, err := v.openDentry(path, flags, mode, cred)
	if err != nil {
		return -1, pathErr("open", path, err)
	}

	f := &File{inode: d.inode, dentry: d, flags: flags}
	if err := v.checkOpen(f, created, cred); err != nil {
		v.dput(d)
		return -1, pathErr("open", path, err)
	}

	fs := d.inode.fs
	if err := ignoreNotImplemented(fs.ops.Open(d.inode.ino, flags)); err != nil {
		v.dput(d)
		return -1, pathErr("open", path, err)
	}
	f.refs.Store(1)
	fs.igrab(d.inode)
	fs.openFiles.Add(1)

	fd, err := v.files.install(f)
	if err != nil {
		v.fput(f)
		return -1, pathErr("open", path, err)
	}
	return fd, nil
}

// openDentry resolves the file to open, creating it when asked to.
func (v *VFS) openDentry(path string, flags int, mode os.FileMode, cred Cred) (*Dentry, bool, error) {
	if flags&O_CREATE == 0 {
		d, err := v.resolveLocked(path)
		return d, false, err
	}

	parent, name, err := v.resolveParentLocked(path)
	if err != nil {
		return nil, false, err
	}
	if name == "" {
		if flags&O_EXCL != 0 {
			return nil, false, ErrExists
		}
		d, err := v.resolveLocked(path)
		return d, false, err
	}
	defer v.dput(parent)

	d, err := v.lookupChild(parent, name)
	switch {
	case err == nil:
		if flags&O_EXCL != 0 {
			v.dput(d)
			return nil, false, ErrExists
		}
		return d, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	if err := mutable(parent, cred, MayWrite|MayExec); err != nil {
		return nil, false, err
	}
	attr, err := parent.inode.fs.ops.Create(parent.inode.ino, name, mode&ModePerm, cred)
	if err != nil {
		return nil, false, err
	}
	return v.attach(parent, name, attr), true, nil
}

// checkOpen validates the access mode against the opened inode and applies
// O_TRUNC.
func (v *VFS) checkOpen(f *File, created bool, cred Cred) error {
	attr := f.inode.Attr()
	fs := f.inode.fs
	switch {
	case attr.Mode&ModeSymlink != 0:
		return ErrInvalidPath
	case f.writable() && attr.IsDir():
		return ErrIsDirectory
	case f.writable() && fs.ReadOnly():
		return ErrReadOnly
	}
	if created {
		return nil
	}

	var want uint32
	if f.readable() {
		want |= MayRead
	}
	if f.writable() {
		want |= MayWrite
	}
	if err := permit(attr, cred, want); err != nil {
		return err
	}

	if f.flags&O_TRUNC != 0 && f.writable() && attr.Size > 0 {
		attr, err := fs.ops.Setattr(f.inode.ino, SetAttr{Valid: AttrSize})
		if err != nil {
			return err
		}
		f.inode.setAttr(attr)
	}
	return nil
}

// fget returns the file behind fd with a reference held.
func (v *VFS) fget(fd int) (*File, error) {
	v.files.mu.Lock()
	defer v.files.mu.Unlock()
	if fd < 0 || fd >= len(v.files.files) || v.files.files[fd] == nil {
		return nil, ErrInvalidFileDescriptor
	}
	f := v.files.files[fd]
	f.refs.Add(1)
	return f, nil
}

// fput drops a reference. The last one closes the file in the backend and
// releases its inode and dentry.
func (v *VFS) fput(f *File) error {
	if f.refs.Add(-1) > 0 {
		return nil
	}
	fs := f.inode.fs
	err := ignoreNotImplemented(fs.ops.Close(f.inode.ino))
	fs.openFiles.Add(-1)
	v.dput(f.dentry)
	fs.iput(f.inode)
	return err
}

// Close releases fd. The file itself is closed when no other descriptor
// created by Dup refers to it.
func (v *VFS) Close(fd int) error {
	f, err := v.files.remove(fd)
	if err != nil {
		return err
	}
	return v.fput(f)
}

// Dup returns a new descriptor sharing the file and position of fd.
func (v *VFS) Dup(fd int) (int, error) {
	f, err := v.fget(fd)
	if err != nil {
		return -1, err
	}
	nfd, err := v.files.install(f)
	if err != nil {
		v.fput(f)
		return -1, err
	}
	return nfd, nil
}

// Read reads from the current position and advances it by the number of
// bytes read. It returns io.EOF at the end of the file.
func (v *VFS) Read(fd int, buf []byte) (int, error) {
	f, err := v.fget(fd)
	if err != nil {
		return 0, err
	}
	defer v.fput(f)

	if !f.readable() {
		return 0, ErrInvalidFileDescriptor
	}
	if f.inode.Attr().IsDir() {
		return 0, ErrIsDirectory
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.inode.fs.ops.Read(f.inode.ino, buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write writes at the current position, or at the end of the file when it
// was opened with O_APPEND, and advances the position.
func (v *VFS) Write(fd int, buf []byte) (int, error) {
	f, err := v.fget(fd)
	if err != nil {
		return 0, err
	}
	defer v.fput(f)

	if !f.writable() {
		return 0, ErrInvalidFileDescriptor
	}
	fs := f.inode.fs
	if fs.ReadOnly() {
		return 0, ErrReadOnly
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&O_APPEND != 0 {
		attr, err := f.inode.refresh()
		if err != nil {
			return 0, err
		}
		f.pos = attr.Size
	}
	n, err := fs.ops.Write(f.inode.ino, buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Lseek sets the position of fd. The backend may compute it; if it does
// not implement Seek the usual whence rules apply.
func (v *VFS) Lseek(fd int, offset int64, whence int) (int64, error) {
	f, err := v.fget(fd)
	if err != nil {
		return 0, err
	}
	defer v.fput(f)

	f.mu.Lock()
	defer f.mu.Unlock()
	pos, err := f.inode.fs.ops.Seek(f.inode.ino, offset, whence, f.pos)
	if errors.Is(err, ErrNotImplemented) {
		pos, err = seek(f, offset, whence)
	}
	if err != nil {
		return 0, err
	}
	if pos < 0 {
		return 0, ErrInvalidSeek
	}
	f.pos = pos
	return pos, nil
}

func seek(f *File, offset int64, whence int) (int64, error) {
	switch whence {
	case SEEK_SET:
		return offset, nil
	case SEEK_CUR:
		return f.pos + offset, nil
	case SEEK_END:
		attr, err := f.inode.refresh()
		if err != nil {
			return 0, err
		}
		return attr.Size + offset, nil
	}
	return 0, ErrInvalidSeek
}

// Fstat returns the metadata of the open file as the backend reports it.
func (v *VFS) Fstat(fd int) (FileInfo, error) {
	f, err := v.fget(fd)
	if err != nil {
		return FileInfo{}, err
	}
	defer v.fput(f)

	attr, err := f.inode.refresh()
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: f.dentry.name, Dev: f.inode.fs.id, InodeAttr: attr}, nil
}

// Fsync makes the filesystem holding fd durable.
func (v *VFS) Fsync(fd int) error {
	f, err := v.fget(fd)
	if err != nil {
		return err
	}
	defer v.fput(f)
	if f.inode.fs.ReadOnly() {
		return nil
	}
	return ignoreNotImplemented(f.inode.fs.ops.Sync())
}

// Ioctl passes a device-specific request for fd to the backend.
func (v *VFS) Ioctl(fd int, cmd uint32, arg []byte) ([]byte, error) {
	f, err := v.fget(fd)
	if err != nil {
		return nil, err
	}
	defer v.fput(f)
	return f.inode.fs.ops.Ioctl(f.inode.ino, cmd, arg)
}

// Path returns the path fd was opened through. It fails with ErrNotFound
// once that name has been removed or replaced.
func (v *VFS) Path(fd int) (string, error) {
	f, err := v.fget(fd)
	if err != nil {
		return "", err
	}
	defer v.fput(f)

	v.dmu.Lock()
	defer v.dmu.Unlock()
	if f.dentry.unhashed {
		return "", ErrNotFound
	}
	return f.dentry.Path(), nil
}

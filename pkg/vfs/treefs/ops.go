package treefs

import (
	"io"
	"os"
	"slices"
	"strings"

	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
)

func findEntry(ents []dirent, name string) (int, bool) {
	return slices.BinarySearchFunc(ents, name, func(e dirent, name string) int {
		return strings.Compare(e.Name, name)
	})
}

func newEntry(name string, ino uint64, mode os.FileMode) dirent {
	return dirent{Name: name, Ino: ino, Mode: uint32(mode & vfs.ModeType)}
}

// Lookup implements vfs.FileSystemOps.
func (fs *FS) Lookup(dir uint64, name string) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return vfs.InodeAttr{}, err
	}

	d, err := fs.dirInode(dir)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	ents, err := fs.readDir(&d)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	i, ok := findEntry(ents, name)
	if !ok {
		return vfs.InodeAttr{}, vfs.ErrNotFound
	}
	r, err := fs.inode(ents[i].Ino)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	return attrOf(ents[i].Ino, r), nil
}

// mknod creates an inode described by r under dir. content becomes the
// initial data, such as a symbolic link target.
func (fs *FS) mknod(dir uint64, name string, r inodeRecord, content []byte) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return vfs.InodeAttr{}, err
	}
	if err := vfs.ValidName(name); err != nil {
		return vfs.InodeAttr{}, err
	}

	var ino uint64
	err := fs.update(func() error {
		d, err := fs.dirInode(dir)
		if err != nil {
			return err
		}
		ents, err := fs.readDir(&d)
		if err != nil {
			return err
		}
		i, exists := findEntry(ents, name)
		if exists {
			return vfs.ErrExists
		}

		ino = fs.sb.NextIno
		fs.sb.NextIno++
		now := fs.now()
		r.setTimes(now, true, true)
		if r.isDir() {
			r.Nlink = 2
			r.Parent = dir
			d.Nlink++
		}
		if len(content) > 0 {
			if err := fs.writeAt(&r, content, 0); err != nil {
				return err
			}
		}
		if err := fs.putInode(ino, r); err != nil {
			return err
		}

		if err := fs.writeDir(&d, slices.Insert(ents, i, newEntry(name, ino, r.Mode))); err != nil {
			return err
		}
		d.setTimes(now, false, true)
		return fs.putInode(dir, d)
	})
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	return attrOf(ino, r), nil
}

// Create implements vfs.FileSystemOps.
func (fs *FS) Create(dir uint64, name string, mode os.FileMode, cred vfs.Cred) (vfs.InodeAttr, error) {
	return fs.mknod(dir, name, inodeRecord{Mode: mode & vfs.ModePerm, UID: cred.UID, GID: cred.GID, Nlink: 1}, nil)
}

// Mkdir implements vfs.FileSystemOps.
func (fs *FS) Mkdir(dir uint64, name string, mode os.FileMode, cred vfs.Cred) (vfs.InodeAttr, error) {
	return fs.mknod(dir, name, inodeRecord{Mode: vfs.ModeDir | mode&vfs.ModePerm, UID: cred.UID, GID: cred.GID}, nil)
}

// Symlink implements vfs.FileSystemOps. The target is stored as the
// link's data.
func (fs *FS) Symlink(dir uint64, name, target string, cred vfs.Cred) (vfs.InodeAttr, error) {
	if target == "" || len(target) > vfs.MaxPathLength {
		return vfs.InodeAttr{}, vfs.ErrInvalidArgument
	}
	r := inodeRecord{Mode: vfs.ModeSymlink | 0777, UID: cred.UID, GID: cred.GID, Nlink: 1}
	return fs.mknod(dir, name, r, []byte(target))
}

// Readlink implements vfs.FileSystemOps.
func (fs *FS) Readlink(ino uint64) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return "", err
	}

	r, err := fs.inode(ino)
	if err != nil {
		return "", err
	}
	if !r.isSymlink() {
		return "", vfs.ErrInvalidArgument
	}
	buf := make([]byte, r.Size)
	n, err := fs.readAt(&r, buf, 0)
	return string(buf[:n]), err
}

// Link implements vfs.FileSystemOps.
func (fs *FS) Link(ino, dir uint64, name string) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return vfs.InodeAttr{}, err
	}
	if err := vfs.ValidName(name); err != nil {
		return vfs.InodeAttr{}, err
	}

	var r inodeRecord
	err := fs.update(func() error {
		var err error
		if r, err = fs.inode(ino); err != nil {
			return err
		}
		if r.isDir() {
			return vfs.ErrIsDirectory
		}
		d, err := fs.dirInode(dir)
		if err != nil {
			return err
		}
		ents, err := fs.readDir(&d)
		if err != nil {
			return err
		}
		i, exists := findEntry(ents, name)
		if exists {
			return vfs.ErrExists
		}

		now := fs.now()
		if err := fs.writeDir(&d, slices.Insert(ents, i, newEntry(name, ino, r.Mode))); err != nil {
			return err
		}
		d.setTimes(now, false, true)
		if err := fs.putInode(dir, d); err != nil {
			return err
		}
		r.Nlink++
		r.setTimes(now, false, false)
		return fs.putInode(ino, r)
	})
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	return attrOf(ino, r), nil
}

// Unlink implements vfs.FileSystemOps.
func (fs *FS) Unlink(dir uint64, name string) error {
	return fs.remove(dir, name, false)
}

// Rmdir implements vfs.FileSystemOps.
func (fs *FS) Rmdir(dir uint64, name string) error {
	return fs.remove(dir, name, true)
}

func (fs *FS) remove(dir uint64, name string, wantDir bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return err
	}

	return fs.update(func() error {
		d, err := fs.dirInode(dir)
		if err != nil {
			return err
		}
		ents, err := fs.readDir(&d)
		if err != nil {
			return err
		}
		i, ok := findEntry(ents, name)
		if !ok {
			return vfs.ErrNotFound
		}
		ino := ents[i].Ino
		r, err := fs.inode(ino)
		if err != nil {
			return err
		}
		switch {
		case wantDir && !r.isDir():
			return vfs.ErrNotADirectory
		case !wantDir && r.isDir():
			return vfs.ErrIsDirectory
		case wantDir && r.Size > 0:
			return vfs.ErrNotEmpty
		}

		if err := fs.writeDir(&d, slices.Delete(ents, i, i+1)); err != nil {
			return err
		}
		if r.isDir() {
			d.Nlink--
		}
		d.setTimes(fs.now(), false, true)
		if err := fs.putInode(dir, d); err != nil {
			return err
		}
		return fs.drop(ino, r)
	})
}

// Rename implements vfs.FileSystemOps. An existing target is replaced if
// it is of the same kind and, for directories, empty.
func (fs *FS) Rename(oldDir uint64, oldName string, newDir uint64, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return err
	}
	if err := vfs.ValidName(newName); err != nil {
		return err
	}

	return fs.update(func() error {
		od, err := fs.dirInode(oldDir)
		if err != nil {
			return err
		}
		oents, err := fs.readDir(&od)
		if err != nil {
			return err
		}
		i, ok := findEntry(oents, oldName)
		if !ok {
			return vfs.ErrNotFound
		}
		ino := oents[i].Ino
		r, err := fs.inode(ino)
		if err != nil {
			return err
		}

		same := oldDir == newDir
		nd, nents := od, oents
		if !same {
			if nd, err = fs.dirInode(newDir); err != nil {
				return err
			}
			if nents, err = fs.readDir(&nd); err != nil {
				return err
			}
			if r.isDir() {
				if err := fs.checkNotBelow(newDir, ino); err != nil {
					return err
				}
			}
		}

		var victim uint64
		var vr inodeRecord
		j, exists := findEntry(nents, newName)
		if exists {
			victim = nents[j].Ino
			if victim == ino {
				return nil
			}
			if vr, err = fs.inode(victim); err != nil {
				return err
			}
			switch {
			case r.isDir() && !vr.isDir():
				return vfs.ErrNotADirectory
			case !r.isDir() && vr.isDir():
				return vfs.ErrIsDirectory
			case vr.isDir() && vr.Size > 0:
				return vfs.ErrNotEmpty
			}
			nents[j] = newEntry(newName, ino, r.Mode)
			if vr.isDir() {
				nd.Nlink--
			}
		} else {
			nents = slices.Insert(nents, j, newEntry(newName, ino, r.Mode))
		}

		now := fs.now()
		if same {
			k, _ := findEntry(nents, oldName)
			if err := fs.writeDir(&nd, slices.Delete(nents, k, k+1)); err != nil {
				return err
			}
			nd.setTimes(now, false, true)
			if err := fs.putInode(newDir, nd); err != nil {
				return err
			}
		} else {
			if r.isDir() {
				od.Nlink--
				nd.Nlink++
				r.Parent = newDir
			}
			if err := fs.writeDir(&od, slices.Delete(oents, i, i+1)); err != nil {
				return err
			}
			if err := fs.writeDir(&nd, nents); err != nil {
				return err
			}
			od.setTimes(now, false, true)
			nd.setTimes(now, false, true)
			if err := fs.putInode(oldDir, od); err != nil {
				return err
			}
			if err := fs.putInode(newDir, nd); err != nil {
				return err
			}
		}

		r.setTimes(now, false, false)
		if err := fs.putInode(ino, r); err != nil {
			return err
		}
		if victim != 0 {
			return fs.drop(victim, vr)
		}
		return nil
	})
}

// checkNotBelow fails if dir is ino or one of its descendants.
func (fs *FS) checkNotBelow(dir, ino uint64) error {
	for cur := dir; ; {
		if cur == ino {
			return vfs.ErrInvalidArgument
		}
		if cur == RootIno {
			return nil
		}
		r, err := fs.inode(cur)
		if err != nil {
			return err
		}
		cur = r.Parent
	}
}

// Open implements vfs.FileSystemOps. Open files keep an unlinked inode
// alive until the last Close.
func (fs *FS) Open(ino uint64, _ int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return err
	}
	if _, err := fs.inode(ino); err != nil {
		return err
	}
	fs.opens[ino]++
	return nil
}

// Close implements vfs.FileSystemOps.
func (fs *FS) Close(ino uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return err
	}
	if fs.opens[ino]--; fs.opens[ino] > 0 {
		return nil
	}
	delete(fs.opens, ino)

	r, err := fs.inode(ino)
	if err != nil {
		return err
	}
	if r.Nlink == 0 && !fs.readOnly {
		return fs.update(func() error { return fs.release(ino) })
	}
	return nil
}

// Read implements vfs.FileSystemOps. Access times are not updated.
func (fs *FS) Read(ino uint64, buf []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return 0, err
	}

	r, err := fs.inode(ino)
	if err != nil {
		return 0, err
	}
	if r.isDir() {
		return 0, vfs.ErrIsDirectory
	}
	if off < 0 {
		return 0, vfs.ErrInvalidSeek
	}
	if off >= r.Size {
		return 0, io.EOF
	}
	return fs.readAt(&r, buf, off)
}

// Write implements vfs.FileSystemOps. Large writes are split into several
// transactions; each is atomic, and on failure the bytes of the completed
// ones are reported.
func (fs *FS) Write(ino uint64, buf []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, vfs.ErrInvalidSeek
	}

	written := 0
	for written < len(buf) {
		n := min(len(buf)-written, writeChunkBlocks*storage.BlockSize)
		err := fs.update(func() error {
			r, err := fs.inode(ino)
			if err != nil {
				return err
			}
			if r.isDir() {
				return vfs.ErrIsDirectory
			}
			if err := fs.writeAt(&r, buf[written:written+n], off+int64(written)); err != nil {
				return err
			}
			r.setTimes(fs.now(), false, true)
			return fs.putInode(ino, r)
		})
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Getattr implements vfs.FileSystemOps.
func (fs *FS) Getattr(ino uint64) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return vfs.InodeAttr{}, err
	}

	r, err := fs.inode(ino)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	return attrOf(ino, r), nil
}

// Setattr implements vfs.FileSystemOps.
func (fs *FS) Setattr(ino uint64, set vfs.SetAttr) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return vfs.InodeAttr{}, err
	}

	var r inodeRecord
	err := fs.update(func() error {
		var err error
		if r, err = fs.inode(ino); err != nil {
			return err
		}
		now := fs.now()
		if set.Valid&vfs.AttrSize != 0 {
			switch {
			case r.isDir():
				return vfs.ErrIsDirectory
			case set.Size < 0:
				return vfs.ErrInvalidArgument
			}
			if err := fs.truncate(&r, set.Size); err != nil {
				return err
			}
			r.Mtime = now.UnixNano()
		}
		if set.Valid&vfs.AttrMode != 0 {
			r.Mode = r.Mode&vfs.ModeType | set.Mode&vfs.ModePerm
		}
		if set.Valid&vfs.AttrUID != 0 {
			r.UID = set.UID
		}
		if set.Valid&vfs.AttrGID != 0 {
			r.GID = set.GID
		}
		if set.Valid&vfs.AttrAtime != 0 {
			r.Atime = timeNanos(set.Atime)
		}
		if set.Valid&vfs.AttrMtime != 0 {
			r.Mtime = timeNanos(set.Mtime)
		}
		r.Ctime = now.UnixNano()
		return fs.putInode(ino, r)
	})
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	return attrOf(ino, r), nil
}

// Readdir implements vfs.FileSystemOps. Entries are sorted by name.
func (fs *FS) Readdir(dir uint64) ([]vfs.DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.check(); err != nil {
		return nil, err
	}

	d, err := fs.dirInode(dir)
	if err != nil {
		return nil, err
	}
	ents, err := fs.readDir(&d)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, len(ents))
	for i, e := range ents {
		out[i] = vfs.DirEntry{Name: e.Name, Ino: e.Ino, Mode: os.FileMode(e.Mode)}
	}
	return out, nil
}

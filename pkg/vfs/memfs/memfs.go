// Package memfs provides an in-memory filesystem backend for the VFS.
// It is useful for ephemeral storage, testing, or as a temporary cache.
package memfs

import (
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
)

// RootIno is the inode number of the root directory.
const RootIno uint64 = 1

// memNode is a file, directory or symbolic link.
type memNode struct {
	ino      uint64
	mode     os.FileMode
	uid      uint32
	gid      uint32
	nlink    uint32
	data     []byte
	children map[string]uint64 // directories only
	parent   uint64            // directories only
	target   string            // symbolic links only
	opens    int
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
}

func (n *memNode) attr() vfs.InodeAttr {
	size := int64(len(n.data))
	switch {
	case n.mode.IsDir():
		size = int64(len(n.children))
	case n.mode&vfs.ModeSymlink != 0:
		size = int64(len(n.target))
	}
	return vfs.InodeAttr{
		Ino:   n.ino,
		Mode:  n.mode,
		UID:   n.uid,
		GID:   n.gid,
		Nlink: n.nlink,
		Size:  size,
		Atime: n.atime,
		Mtime: n.mtime,
		Ctime: n.ctime,
	}
}

// FS is an in-memory filesystem. Nodes are kept by inode number; a node
// is freed once it has no links and no open files.
type FS struct {
	vfs.UnimplementedOps

	mu       sync.RWMutex
	id       uuid.UUID
	nodes    map[uint64]*memNode
	nextIno  uint64
	readOnly bool
	now      func() time.Time
}

// New creates an empty in-memory filesystem.
func New() *FS {
	fs := &FS{
		id:      uuid.New(),
		nodes:   make(map[uint64]*memNode),
		nextIno: RootIno,
		now:     time.Now,
	}
	root := fs.newNode(vfs.ModeDir|0755, vfs.RootCred)
	root.nlink = 2
	root.parent = root.ino
	return fs
}

func (fs *FS) newNode(mode os.FileMode, cred vfs.Cred) *memNode {
	now := fs.now()
	n := &memNode{
		ino:   fs.nextIno,
		mode:  mode,
		uid:   cred.UID,
		gid:   cred.GID,
		nlink: 1,
		atime: now,
		mtime: now,
		ctime: now,
	}
	if mode.IsDir() {
		n.children = make(map[string]uint64)
	}
	fs.nodes[n.ino] = n
	fs.nextIno++
	return n
}

func (fs *FS) node(ino uint64) (*memNode, error) {
	n, ok := fs.nodes[ino]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return n, nil
}

func (fs *FS) dir(ino uint64) (*memNode, error) {
	n, err := fs.node(ino)
	if err != nil {
		return nil, err
	}
	if !n.mode.IsDir() {
		return nil, vfs.ErrNotADirectory
	}
	return n, nil
}

// reclaim frees n once nothing refers to it.
func (fs *FS) reclaim(n *memNode) {
	if n.nlink == 0 && n.opens == 0 {
		delete(fs.nodes, n.ino)
	}
}

func (fs *FS) touch(n *memNode) {
	now := fs.now()
	n.mtime = now
	n.ctime = now
}

// Mount implements vfs.FileSystemOps. The device is ignored.
func (fs *FS) Mount(_ storage.BlockDevice, flags vfs.MountFlags) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readOnly = flags&vfs.MountReadOnly != 0
	return fs.nodes[RootIno].attr(), nil
}

// Unmount implements vfs.FileSystemOps. The contents survive and can be
// mounted again.
func (fs *FS) Unmount() error { return nil }

// Sync implements vfs.FileSystemOps.
func (fs *FS) Sync() error { return nil }

// Statfs implements vfs.FileSystemOps.
func (fs *FS) Statfs() (vfs.StatFS, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var bytes int64
	for _, n := range fs.nodes {
		bytes += int64(len(n.data))
	}
	return vfs.StatFS{
		ID:        fs.id,
		BlockSize: storage.BlockSize,
		Blocks:    uint64((bytes + storage.BlockSize - 1) / storage.BlockSize),
		Files:     uint64(len(fs.nodes)),
		NameMax:   vfs.MaxNameLength,
	}, nil
}

// Lookup implements vfs.FileSystemOps.
func (fs *FS) Lookup(dir uint64, name string) (vfs.InodeAttr, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	d, err := fs.dir(dir)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	ino, ok := d.children[name]
	if !ok {
		return vfs.InodeAttr{}, vfs.ErrNotFound
	}
	return fs.nodes[ino].attr(), nil
}

// insert adds a new node named name to dir.
func (fs *FS) insert(dir uint64, name string, mode os.FileMode, cred vfs.Cred) (*memNode, error) {
	if fs.readOnly {
		return nil, vfs.ErrReadOnly
	}
	if err := vfs.ValidName(name); err != nil {
		return nil, err
	}
	d, err := fs.dir(dir)
	if err != nil {
		return nil, err
	}
	if _, ok := d.children[name]; ok {
		return nil, vfs.ErrExists
	}
	n := fs.newNode(mode, cred)
	d.children[name] = n.ino
	fs.touch(d)
	return n, nil
}

// Create implements vfs.FileSystemOps.
func (fs *FS) Create(dir uint64, name string, mode os.FileMode, cred vfs.Cred) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.insert(dir, name, mode&vfs.ModePerm, cred)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	return n.attr(), nil
}

// Mkdir implements vfs.FileSystemOps.
func (fs *FS) Mkdir(dir uint64, name string, mode os.FileMode, cred vfs.Cred) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.insert(dir, name, vfs.ModeDir|mode&vfs.ModePerm, cred)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	n.nlink = 2
	n.parent = dir
	fs.nodes[dir].nlink++
	return n.attr(), nil
}

// Symlink implements vfs.FileSystemOps.
func (fs *FS) Symlink(dir uint64, name, target string, cred vfs.Cred) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.insert(dir, name, vfs.ModeSymlink|0777, cred)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	n.target = target
	return n.attr(), nil
}

// Readlink implements vfs.FileSystemOps.
func (fs *FS) Readlink(ino uint64) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n, err := fs.node(ino)
	if err != nil {
		return "", err
	}
	if n.mode&vfs.ModeSymlink == 0 {
		return "", vfs.ErrInvalidArgument
	}
	return n.target, nil
}

// Link implements vfs.FileSystemOps.
func (fs *FS) Link(ino, dir uint64, name string) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return vfs.InodeAttr{}, vfs.ErrReadOnly
	}
	if err := vfs.ValidName(name); err != nil {
		return vfs.InodeAttr{}, err
	}
	n, err := fs.node(ino)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	if n.mode.IsDir() {
		return vfs.InodeAttr{}, vfs.ErrIsDirectory
	}
	d, err := fs.dir(dir)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	if _, ok := d.children[name]; ok {
		return vfs.InodeAttr{}, vfs.ErrExists
	}
	d.children[name] = ino
	n.nlink++
	n.ctime = fs.now()
	fs.touch(d)
	return n.attr(), nil
}

// Unlink implements vfs.FileSystemOps.
func (fs *FS) Unlink(dir uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unlink(dir, name, false)
}

// Rmdir implements vfs.FileSystemOps.
func (fs *FS) Rmdir(dir uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unlink(dir, name, true)
}

func (fs *FS) unlink(dir uint64, name string, wantDir bool) error {
	if fs.readOnly {
		return vfs.ErrReadOnly
	}
	d, err := fs.dir(dir)
	if err != nil {
		return err
	}
	ino, ok := d.children[name]
	if !ok {
		return vfs.ErrNotFound
	}
	n := fs.nodes[ino]
	switch {
	case wantDir && !n.mode.IsDir():
		return vfs.ErrNotADirectory
	case !wantDir && n.mode.IsDir():
		return vfs.ErrIsDirectory
	case wantDir && len(n.children) > 0:
		return vfs.ErrNotEmpty
	}

	delete(d.children, name)
	fs.touch(d)
	if n.mode.IsDir() {
		d.nlink--
		n.nlink = 0
	} else {
		n.nlink--
		n.ctime = fs.now()
	}
	fs.reclaim(n)
	return nil
}

// Rename implements vfs.FileSystemOps. An existing target is replaced if
// it is of the same kind and, for directories, empty.
func (fs *FS) Rename(oldDir uint64, oldName string, newDir uint64, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return vfs.ErrReadOnly
	}
	if err := vfs.ValidName(newName); err != nil {
		return err
	}
	od, err := fs.dir(oldDir)
	if err != nil {
		return err
	}
	nd, err := fs.dir(newDir)
	if err != nil {
		return err
	}
	ino, ok := od.children[oldName]
	if !ok {
		return vfs.ErrNotFound
	}
	n := fs.nodes[ino]

	if n.mode.IsDir() {
		// The target directory must not lie inside the one being moved.
		for cur := nd.ino; ; cur = fs.nodes[cur].parent {
			if cur == ino {
				return vfs.ErrInvalidArgument
			}
			if cur == RootIno {
				break
			}
		}
	}

	if existing, ok := nd.children[newName]; ok {
		if existing == ino {
			return nil
		}
		if err := fs.unlink(newDir, newName, n.mode.IsDir()); err != nil {
			return err
		}
	}

	delete(od.children, oldName)
	nd.children[newName] = ino
	if n.mode.IsDir() && oldDir != newDir {
		od.nlink--
		nd.nlink++
		n.parent = newDir
	}
	n.ctime = fs.now()
	fs.touch(od)
	fs.touch(nd)
	return nil
}

// Open implements vfs.FileSystemOps.
func (fs *FS) Open(ino uint64, _ int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.node(ino)
	if err != nil {
		return err
	}
	n.opens++
	return nil
}

// Close implements vfs.FileSystemOps.
func (fs *FS) Close(ino uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.node(ino)
	if err != nil {
		return err
	}
	n.opens--
	fs.reclaim(n)
	return nil
}

// Read implements vfs.FileSystemOps.
func (fs *FS) Read(ino uint64, buf []byte, off int64) (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n, err := fs.node(ino)
	if err != nil {
		return 0, err
	}
	if n.mode.IsDir() {
		return 0, vfs.ErrIsDirectory
	}
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	return copy(buf, n.data[off:]), nil
}

// Write implements vfs.FileSystemOps.
func (fs *FS) Write(ino uint64, buf []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return 0, vfs.ErrReadOnly
	}
	n, err := fs.node(ino)
	if err != nil {
		return 0, err
	}
	if n.mode.IsDir() {
		return 0, vfs.ErrIsDirectory
	}
	if off < 0 {
		return 0, vfs.ErrInvalidSeek
	}
	if end := off + int64(len(buf)); end > int64(len(n.data)) {
		n.data = slices.Grow(n.data, int(end)-len(n.data))[:end]
	}
	copy(n.data[off:], buf)
	fs.touch(n)
	return len(buf), nil
}

// Getattr implements vfs.FileSystemOps.
func (fs *FS) Getattr(ino uint64) (vfs.InodeAttr, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n, err := fs.node(ino)
	if err != nil {
		return vfs.InodeAttr{}, err
	}
	return n.attr(), nil
}

// Setattr implements vfs.FileSystemOps.
func (fs *FS) Setattr(ino uint64, set vfs.SetAttr) (vfs.InodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.readOnly {
		return vfs.InodeAttr{}, vfs.ErrReadOnly
	}
	n, err := fs.node(ino)
	if err != nil {
		return vfs.InodeAttr{}, err
	}

	if set.Valid&vfs.AttrSize != 0 {
		if n.mode.IsDir() {
			return vfs.InodeAttr{}, vfs.ErrIsDirectory
		}
		if set.Size < 0 {
			return vfs.InodeAttr{}, vfs.ErrInvalidArgument
		}
		if set.Size <= int64(len(n.data)) {
			clear(n.data[set.Size:])
			n.data = n.data[:set.Size]
		} else {
			n.data = slices.Grow(n.data, int(set.Size)-len(n.data))[:set.Size]
		}
		n.mtime = fs.now()
	}
	if set.Valid&vfs.AttrMode != 0 {
		n.mode = n.mode&vfs.ModeType | set.Mode&vfs.ModePerm
	}
	if set.Valid&vfs.AttrUID != 0 {
		n.uid = set.UID
	}
	if set.Valid&vfs.AttrGID != 0 {
		n.gid = set.GID
	}
	if set.Valid&vfs.AttrAtime != 0 {
		n.atime = set.Atime
	}
	if set.Valid&vfs.AttrMtime != 0 {
		n.mtime = set.Mtime
	}
	n.ctime = fs.now()
	return n.attr(), nil
}

// Readdir implements vfs.FileSystemOps. Entries are sorted by name.
func (fs *FS) Readdir(dir uint64) ([]vfs.DirEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	d, err := fs.dir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]vfs.DirEntry, 0, len(d.children))
	for name, ino := range d.children {
		entries = append(entries, vfs.DirEntry{Name: name, Ino: ino, Mode: fs.nodes[ino].mode & vfs.ModeType})
	}
	slices.SortFunc(entries, func(a, b vfs.DirEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return entries, nil
}

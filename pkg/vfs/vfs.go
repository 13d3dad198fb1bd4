package vfs

import (
	"cmp"
	"container/list"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Options configures a VFS. Zero values select the defaults.
type Options struct {
	MaxMounts       int
	MaxOpenFiles    int
	DentryCacheSize int
	Logger          *slog.Logger
}

// VFS is a virtual filesystem context: a mount table, a dentry cache and a
// descriptor table. It holds no global state; create one with New and
// tear it down with Shutdown.
type VFS struct {
	// mu guards the mount table. Path operations hold it for reading for
	// their whole duration, Mount and Unmount hold it for writing.
	mu     sync.RWMutex
	mounts []*MountPoint
	root   *MountPoint
	closed bool

	dmu       sync.Mutex
	lru       *list.List
	dentryCap int

	files *fdTable
	log   *slog.Logger
}

// New creates an empty VFS.
func New(opts Options) *VFS {
	if opts.MaxMounts <= 0 {
		opts.MaxMounts = DefaultMaxMounts
	}
	if opts.MaxOpenFiles <= 0 {
		opts.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if opts.DentryCacheSize <= 0 {
		opts.DentryCacheSize = DefaultDentryCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VFS{
		mounts:    make([]*MountPoint, opts.MaxMounts),
		lru:       list.New(),
		dentryCap: opts.DentryCacheSize,
		files:     newFDTable(opts.MaxOpenFiles),
		log:       opts.Logger.With("component", "vfs"),
	}
}

// Shutdown closes every open descriptor, then syncs and unmounts every
// filesystem, nested mounts first. The VFS cannot be used afterwards.
func (v *VFS) Shutdown() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	var errs []error
	for _, fd := range v.files.open() {
		if err := v.Close(fd); err != nil {
			errs = append(errs, err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	mounted := make([]*MountPoint, 0, len(v.mounts))
	for _, mp := range v.mounts {
		if mp != nil {
			mounted = append(mounted, mp)
		}
	}
	// A nested mount always has a longer path than the one it sits in.
	slices.SortFunc(mounted, func(a, b *MountPoint) int {
		return cmp.Compare(len(b.Path), len(a.Path))
	})
	for _, mp := range mounted {
		if err := v.unmountLocked(mp); err != nil {
			errs = append(errs, pathErr("unmount", mp.Path, err))
		}
	}
	return errors.Join(errs...)
}

// SyncAll syncs every mounted filesystem concurrently.
func (v *VFS) SyncAll() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var g errgroup.Group
	for _, mp := range v.mounts {
		if mp == nil || mp.FS.ReadOnly() {
			continue
		}
		g.Go(func() error {
			if err := mp.FS.ops.Sync(); err != nil {
				return pathErr("sync", mp.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// resolveLocked walks p from the root mount and returns its dentry with a
// reference held. Callers hold v.mu.
func (v *VFS) resolveLocked(p string) (*Dentry, error) {
	_, names, err := components(p)
	if err != nil {
		return nil, err
	}
	if v.root == nil {
		return nil, ErrNotMounted
	}
	return v.walk(v.root.FS.root, names)
}

// resolveParentLocked resolves the directory containing p. The returned
// name is empty when p is the root.
func (v *VFS) resolveParentLocked(p string) (*Dentry, string, error) {
	_, names, err := components(p)
	if err != nil {
		return nil, "", err
	}
	if v.root == nil {
		return nil, "", ErrNotMounted
	}
	if len(names) == 0 {
		return nil, "", nil
	}
	parent, err := v.walk(v.root.FS.root, names[:len(names)-1])
	if err != nil {
		return nil, "", err
	}
	if !parent.inode.Attr().IsDir() {
		v.dput(parent)
		return nil, "", ErrNotADirectory
	}
	return parent, names[len(names)-1], nil
}

// walk follows names from start, one cache lookup or backend Lookup per
// component, switching to the mounted root whenever it reaches a mount
// point. Symbolic links are not followed.
func (v *VFS) walk(start *Dentry, names []string) (*Dentry, error) {
	v.dget(start)
	cur := start
	for _, name := range names {
		if !cur.inode.Attr().IsDir() {
			v.dput(cur)
			return nil, ErrNotADirectory
		}
		next, err := v.child(cur, name)
		v.dput(cur)
		if err != nil {
			return nil, err
		}
		cur = v.crossMount(next)
	}
	return cur, nil
}

// crossMount replaces a mount point by the root of the filesystem mounted
// on it, moving the reference along.
func (v *VFS) crossMount(d *Dentry) *Dentry {
	v.dmu.Lock()
	defer v.dmu.Unlock()
	for d.mount != nil {
		root := d.mount.FS.root
		v.dgetLocked(root)
		v.dputLocked(d)
		d = root
	}
	return d
}

// lookupChild resolves name under parent, crossing into a mount.
func (v *VFS) lookupChild(parent *Dentry, name string) (*Dentry, error) {
	c, err := v.child(parent, name)
	if err != nil {
		return nil, err
	}
	return v.crossMount(c), nil
}

// mutable checks that dir is a writable directory the caller may modify.
func mutable(dir *Dentry, cred Cred, want uint32) error {
	if dir.inode.fs.ReadOnly() {
		return ErrReadOnly
	}
	attr := dir.inode.Attr()
	if !attr.IsDir() {
		return ErrNotADirectory
	}
	return permit(attr, cred, want)
}

func ignoreNotImplemented(err error) error {
	if errors.Is(err, ErrNotImplemented) {
		return nil
	}
	return err
}

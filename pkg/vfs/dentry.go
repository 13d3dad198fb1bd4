package vfs

import (
	"container/list"
	"strings"
	"sync/atomic"
)

// DefaultDentryCacheSize bounds the number of unreferenced dentries kept.
const DefaultDentryCacheSize = 1024

// Dentry binds a name to an inode. A parent owns its children; the parent
// pointer is only used to walk upward and is nil for a filesystem root.
//
// The tree shape (children, parent, mount, lru, unhashed) is guarded by
// VFS.dmu. refs counts open files, mounts on the dentry and in-flight
// resolutions. A dentry with children is never evicted, so ancestors of a
// pinned dentry stay cached.
type Dentry struct {
	name     string
	inode    *Inode
	parent   *Dentry
	children map[string]*Dentry
	mount    *MountPoint

	refs     atomic.Int32
	lru      *list.Element
	unhashed bool
}

func newDentry(name string, inode *Inode, parent *Dentry) *Dentry {
	return &Dentry{
		name:     name,
		inode:    inode,
		parent:   parent,
		children: make(map[string]*Dentry),
	}
}

// Name returns the component name, "/" for a filesystem root.
func (d *Dentry) Name() string { return d.name }

// Inode returns the inode the dentry refers to.
func (d *Dentry) Inode() *Inode { return d.inode }

// Path returns the absolute path of d, crossing back over mount points.
func (d *Dentry) Path() string {
	var parts []string
	for cur := d; cur != nil; {
		if cur.parent == nil {
			mp := cur.inode.fs.mount
			if mp == nil || mp.covered == nil {
				break
			}
			cur = mp.covered
			continue
		}
		parts = append(parts, cur.name)
		cur = cur.parent
	}
	if len(parts) == 0 {
		return "/"
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// evictable reports whether d may sit on the LRU. Callers hold dmu.
func (d *Dentry) evictable() bool {
	return d.refs.Load() == 0 && d.parent != nil && len(d.children) == 0 && d.mount == nil && !d.unhashed
}

// dget takes a reference on d.
func (v *VFS) dget(d *Dentry) {
	v.dmu.Lock()
	v.dgetLocked(d)
	v.dmu.Unlock()
}

func (v *VFS) dgetLocked(d *Dentry) {
	d.refs.Add(1)
	if d.lru != nil {
		v.lru.Remove(d.lru)
		d.lru = nil
	}
}

// dput drops a reference. Unreferenced leaves go on the LRU, which is then
// trimmed to capacity.
func (v *VFS) dput(d *Dentry) {
	v.dmu.Lock()
	defer v.dmu.Unlock()
	v.dputLocked(d)
}

func (v *VFS) dputLocked(d *Dentry) {
	if d.refs.Add(-1) > 0 {
		return
	}
	switch {
	case d.unhashed:
		d.inode.fs.iput(d.inode)
		d.inode = nil
	case d.evictable():
		d.lru = v.lru.PushFront(d)
		v.pruneLocked()
	}
}

// pruneLocked evicts least recently used dentries until the LRU fits.
func (v *VFS) pruneLocked() {
	for v.lru.Len() > v.dentryCap {
		d := v.lru.Remove(v.lru.Back()).(*Dentry)
		d.lru = nil
		v.dropLocked(d)
	}
}

// dropLocked detaches an unreferenced leaf from the tree and releases its
// inode. The parent becomes an LRU candidate if it is now a leaf.
func (v *VFS) dropLocked(d *Dentry) {
	p := d.parent
	delete(p.children, d.name)
	d.parent = nil
	d.inode.fs.iput(d.inode)
	d.inode = nil
	if p.evictable() && p.lru == nil {
		p.lru = v.lru.PushBack(p)
	}
}

// cached returns the cached child of parent named name with a reference
// held, or nil.
func (v *VFS) cached(parent *Dentry, name string) *Dentry {
	v.dmu.Lock()
	defer v.dmu.Unlock()
	c, ok := parent.children[name]
	if !ok {
		return nil
	}
	v.dgetLocked(c)
	return c
}

// child returns the child of parent named name with a reference held,
// asking the backend on a cache miss.
func (v *VFS) child(parent *Dentry, name string) (*Dentry, error) {
	if c := v.cached(parent, name); c != nil {
		return c, nil
	}
	fs := parent.inode.fs
	attr, err := fs.ops.Lookup(parent.inode.ino, name)
	if err != nil {
		return nil, err
	}
	return v.attach(parent, name, attr), nil
}

// attach caches a dentry for name under parent and returns it with a
// reference held. If another caller attached the same name first, that
// dentry is returned instead.
func (v *VFS) attach(parent *Dentry, name string, attr InodeAttr) *Dentry {
	fs := parent.inode.fs
	inode := fs.iget(attr)

	v.dmu.Lock()
	defer v.dmu.Unlock()
	if c, ok := parent.children[name]; ok {
		fs.iput(inode)
		v.dgetLocked(c)
		return c
	}
	c := newDentry(name, inode, parent)
	c.refs.Store(1)
	parent.children[name] = c
	if parent.lru != nil {
		v.lru.Remove(parent.lru)
		parent.lru = nil
	}
	return c
}

// invalidate removes the cached child name of parent after the backend
// has removed or replaced it. A dentry still referenced by open files is
// unhashed and released on its last dput.
func (v *VFS) invalidate(parent *Dentry, name string) {
	v.dmu.Lock()
	defer v.dmu.Unlock()
	c, ok := parent.children[name]
	if !ok {
		return
	}
	v.unhashLocked(c)
	if parent.evictable() && parent.lru == nil {
		parent.lru = v.lru.PushFront(parent)
		v.pruneLocked()
	}
}

// unhashLocked detaches c and its cached descendants from the tree.
func (v *VFS) unhashLocked(c *Dentry) {
	for _, gc := range c.children {
		v.unhashLocked(gc)
	}
	if c.lru != nil {
		v.lru.Remove(c.lru)
		c.lru = nil
	}
	if c.parent != nil {
		delete(c.parent.children, c.name)
		c.parent = nil
	}
	if c.refs.Load() == 0 {
		c.inode.fs.iput(c.inode)
		c.inode = nil
		return
	}
	c.unhashed = true
}

// CachedDentries reports how many unreferenced dentries sit on the LRU.
func (v *VFS) CachedDentries() int {
	v.dmu.Lock()
	defer v.dmu.Unlock()
	return v.lru.Len()
}

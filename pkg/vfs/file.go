package vfs

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// DefaultMaxOpenFiles is the size of the descriptor table.
const DefaultMaxOpenFiles = 256

// File is an open file. Descriptors created by Dup share one File and so
// share its position.
type File struct {
	inode  *Inode
	dentry *Dentry
	flags  int

	mu  sync.Mutex
	pos int64

	refs atomic.Int32
}

// Inode returns the open inode.
func (f *File) Inode() *Inode { return f.inode }

// Flags returns the flags the file was opened with.
func (f *File) Flags() int { return f.flags }

func (f *File) readable() bool {
	acc := f.flags & accessMask
	return acc == O_RDONLY || acc == O_RDWR
}

func (f *File) writable() bool {
	acc := f.flags & accessMask
	return acc == O_WRONLY || acc == O_RDWR
}

// fdTable maps descriptors to open files. Free slots are tracked in a
// bitmap and the lowest free descriptor is handed out first.
type fdTable struct {
	mu    sync.Mutex
	used  []uint64
	files []*File
	count int
}

func newFDTable(size int) *fdTable {
	return &fdTable{
		used:  make([]uint64, (size+63)/64),
		files: make([]*File, size),
	}
}

// install stores f in the lowest free slot.
func (t *fdTable) install(f *File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for w, word := range t.used {
		if word == ^uint64(0) {
			continue
		}
		fd := w*64 + bits.TrailingZeros64(^word)
		if fd >= len(t.files) {
			break
		}
		t.used[w] |= 1 << (fd % 64)
		t.files[fd] = f
		t.count++
		return fd, nil
	}
	return -1, ErrTooManyOpenFiles
}

// remove frees fd and returns the file it referred to.
func (t *fdTable) remove(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, ErrInvalidFileDescriptor
	}
	f := t.files[fd]
	t.files[fd] = nil
	t.used[fd/64] &^= 1 << (fd % 64)
	t.count--
	return f, nil
}

// open lists the descriptors in use.
func (t *fdTable) open() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fds := make([]int, 0, t.count)
	for w, word := range t.used {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			fds = append(fds, w*64+b)
			word &^= 1 << b
		}
	}
	return fds
}

// OpenFiles reports how many descriptors are in use.
func (v *VFS) OpenFiles() int {
	v.files.mu.Lock()
	defer v.files.mu.Unlock()
	return v.files.count
}

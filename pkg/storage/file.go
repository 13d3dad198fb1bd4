//go:build darwin || linux

package storage

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// FileBlockDevice is a block device backed by a fixed-size image file.
// Reads and writes use pread/pwrite; SyncRange flushes only the requested
// byte range where the platform supports it.
type FileBlockDevice struct {
	bumpAllocator
	fd         int
	path       string
	blockCount uint64
	closed     bool
	mu         sync.RWMutex
}

// NewFileBlockDevice creates (or opens) an image file of blockCount blocks.
// An existing file of a different size is rejected rather than resized.
func NewFileBlockDevice(path string, blockCount uint64) (*FileBlockDevice, error) {
	if blockCount == 0 {
		return nil, ErrInvalidBlockNumber
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening block device %s: %w", path, err)
	}

	size := int64(blockCount) * BlockSize
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating block device %s: %w", path, err)
	}

	switch {
	case stat.Size == 0:
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("sizing block device %s to %d bytes: %w", path, size, err)
		}
	case stat.Size != size:
		unix.Close(fd)
		return nil, fmt.Errorf("block device %s is %d bytes but %d blocks were requested", path, stat.Size, blockCount)
	}

	return newFileBlockDevice(fd, path, blockCount)
}

// OpenFileBlockDevice opens an existing image file; the block count is
// derived from the file size.
func OpenFileBlockDevice(path string) (*FileBlockDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening block device %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating block device %s: %w", path, err)
	}
	if stat.Size == 0 || stat.Size%BlockSize != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("block device %s has size %d, not a whole number of blocks", path, stat.Size)
	}

	return newFileBlockDevice(fd, path, uint64(stat.Size)/BlockSize)
}

// newFileBlockDevice takes an exclusive advisory lock so two processes never
// share one image.
func newFileBlockDevice(fd int, path string, blockCount uint64) (*FileBlockDevice, error) {
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("locking block device %s: %w", path, err)
	}

	return &FileBlockDevice{
		bumpAllocator: bumpAllocator{limit: blockCount},
		fd:            fd,
		path:          path,
		blockCount:    blockCount,
	}, nil
}

// ReadBlock reads a block from the file.
func (d *FileBlockDevice) ReadBlock(num uint64, data []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if err := checkAccess(num, d.blockCount, data); err != nil {
		return err
	}

	off := int64(num) * BlockSize
	for done := 0; done < len(data); {
		n, err := unix.Pread(d.fd, data[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("pread block %d: %w", num, err)
		}
		if n == 0 {
			return fmt.Errorf("pread block %d: short read at %d bytes", num, done)
		}
		done += n
	}
	return nil
}

// WriteBlock writes a block to the file.
func (d *FileBlockDevice) WriteBlock(num uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if err := checkAccess(num, d.blockCount, data); err != nil {
		return err
	}

	off := int64(num) * BlockSize
	for done := 0; done < len(data); {
		n, err := unix.Pwrite(d.fd, data[done:], off+int64(done))
		if err != nil {
			return fmt.Errorf("pwrite block %d: %w", num, err)
		}
		done += n
	}
	return nil
}

// AllocBlock hands out the next unused block.
func (d *FileBlockDevice) AllocBlock() (uint64, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return 0, ErrDeviceClosed
	}
	return d.alloc()
}

// SyncRange flushes blocks [start, end) to stable storage.
func (d *FileBlockDevice) SyncRange(start, end uint64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if err := checkRange(start, end, d.blockCount); err != nil {
		return err
	}
	if start == end {
		return nil
	}
	return syncFileRange(d.fd, int64(start)*BlockSize, int64(end-start)*BlockSize)
}

// BlockSize returns the configured block size.
func (d *FileBlockDevice) BlockSize() int {
	return BlockSize
}

// BlockCount returns the total number of blocks.
func (d *FileBlockDevice) BlockCount() uint64 {
	return d.blockCount
}

// Kind names the device type.
func (d *FileBlockDevice) Kind() string { return "file" }

// Path returns the image file path.
func (d *FileBlockDevice) Path() string { return d.path }

// Close syncs and closes the file.
func (d *FileBlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if err := unix.Fsync(d.fd); err != nil {
		firstErr = fmt.Errorf("syncing block device %s: %w", d.path, err)
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing block device %s: %w", d.path, err)
	}
	return firstErr
}

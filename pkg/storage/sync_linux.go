//go:build linux

package storage

import "golang.org/x/sys/unix"

// syncFileRange writes back the byte range and then flushes the data to the
// disk cache. sync_file_range alone does not flush the device write cache.
func syncFileRange(fd int, off, n int64) error {
	flags := unix.SYNC_FILE_RANGE_WAIT_BEFORE | unix.SYNC_FILE_RANGE_WRITE | unix.SYNC_FILE_RANGE_WAIT_AFTER
	if err := unix.SyncFileRange(fd, off, n, flags); err != nil {
		return err
	}
	return unix.Fdatasync(fd)
}

//go:build darwin

package storage

import "golang.org/x/sys/unix"

// syncFileRange falls back to a whole-file fsync.
func syncFileRange(fd int, off, n int64) error {
	return unix.Fsync(fd)
}

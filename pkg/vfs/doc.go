// Package vfs provides a virtual filesystem layer that resolves paths,
// caches inodes and dentries, keeps the open-file table and dispatches
// every operation to a backend implementing FileSystemOps.
//
// Backends are addressed by inode number and never see paths. The VFS
// never reads on-disk structures itself; all mutation flows through the
// backend. Two backends are provided: memfs keeps everything in memory and
// treefs stores inodes in a B+ tree and commits every change through the
// write-ahead journal.
//
// # Resources
//
// The mount table and the descriptor table have fixed capacity. Mount
// fails with ErrTooManyMounts and Open with ErrTooManyOpenFiles when they
// are full. Unreferenced dentries are kept on an LRU of bounded size.
//
// # Permissions
//
// Every call carries a Cred. The superuser (uid 0) bypasses all checks;
// otherwise the owner, group or other bits are checked once per call,
// against the opened file for Open and against the parent directory for
// operations that add or remove names.
//
// # Usage
//
//	v := vfs.New(vfs.Options{})
//	defer v.Shutdown()
//	if err := v.Mount("/", memfs.New(), nil, 0); err != nil {
//		log.Fatal(err)
//	}
//	fd, err := v.Open("/test.txt", vfs.O_RDWR|vfs.O_CREATE, 0644, vfs.RootCred)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer v.Close(fd)
package vfs

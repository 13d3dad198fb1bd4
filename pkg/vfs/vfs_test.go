package vfs_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
	"blockfs/pkg/vfs/memfs"
)

var (
	alice = vfs.Cred{UID: 1000, GID: 1000}
	bob   = vfs.Cred{UID: 1001, GID: 1001}
	carol = vfs.Cred{UID: 1002, GID: 1000}
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVFS(t *testing.T, opts vfs.Options) (*vfs.VFS, *memfs.FS) {
	t.Helper()
	opts.Logger = quiet()
	v := vfs.New(opts)
	root := memfs.New()
	if err := v.Mount("/", root, nil, 0); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	t.Cleanup(func() { v.Shutdown() })
	return v, root
}

func create(t *testing.T, v *vfs.VFS, path, data string, cred vfs.Cred) {
	t.Helper()
	fd, err := v.Open(path, vfs.O_WRONLY|vfs.O_CREATE|vfs.O_TRUNC, 0644, cred)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", path, err)
	}
	if _, err := v.Write(fd, []byte(data)); err != nil {
		t.Fatalf("Write(%q) error = %v", path, err)
	}
	if err := v.Close(fd); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func readAll(t *testing.T, v *vfs.VFS, path string, cred vfs.Cred) string {
	t.Helper()
	fd, err := v.Open(path, vfs.O_RDONLY, 0, cred)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", path, err)
	}
	defer v.Close(fd)

	var b strings.Builder
	buf := make([]byte, 3)
	for {
		n, err := v.Read(fd, buf)
		b.Write(buf[:n])
		if err == io.EOF {
			return b.String()
		}
		if err != nil {
			t.Fatalf("Read(%q) error = %v", path, err)
		}
	}
}

func TestOpenResolvesBackendFile(t *testing.T) {
	v, backend := newVFS(t, vfs.Options{})

	for _, dir := range []string{"/a", "/a/b"} {
		if err := v.Mkdir(dir, 0755, vfs.RootCred); err != nil {
			t.Fatalf("Mkdir(%q) error = %v", dir, err)
		}
	}
	dir, err := v.Stat("/a/b")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	// Create c behind the VFS's back.
	if _, err := backend.Create(dir.Ino, "c", 0644, alice); err != nil {
		t.Fatalf("backend Create() error = %v", err)
	}

	fd, err := v.Open("/a/b/c", vfs.O_RDONLY, 0, alice)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer v.Close(fd)

	info, err := v.Fstat(fd)
	if err != nil {
		t.Fatalf("Fstat() error = %v", err)
	}
	want, _ := backend.Lookup(dir.Ino, "c")
	if info.InodeAttr != want {
		t.Errorf("Fstat() = %+v, want %+v", info.InodeAttr, want)
	}
	if info.Name != "c" {
		t.Errorf("Name = %q, want c", info.Name)
	}
	if p, err := v.Path(fd); err != nil || p != "/a/b/c" {
		t.Errorf("Path() = %q, %v", p, err)
	}
}

func TestPathValidation(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})

	tests := []struct {
		name string
		path string
		want error
	}{
		{"empty", "", vfs.ErrInvalidPath},
		{"relative", "a/b", vfs.ErrInvalidPath},
		{"nul", "/a\x00b", vfs.ErrInvalidPath},
		{"long component", "/" + strings.Repeat("x", vfs.MaxNameLength+1), vfs.ErrNameTooLong},
		{"long path", strings.Repeat("/abc", vfs.MaxPathLength/4+1), vfs.ErrNameTooLong},
		{"missing", "/nope", vfs.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Stat(tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("Stat(%q) error = %v, want %v", tt.path, err, tt.want)
			}
			var pe *vfs.PathError
			if !errors.As(err, &pe) || pe.Op != "stat" {
				t.Errorf("Stat() error %v is not a stat PathError", err)
			}
		})
	}

	// Cleaning keeps ".." at the root.
	create(t, v, "/f", "x", vfs.RootCred)
	if _, err := v.Stat("/../a/../f"); err != nil {
		t.Errorf("Stat() cleaned path error = %v", err)
	}
	if _, err := v.Stat("/f/g"); !errors.Is(err, vfs.ErrNotADirectory) {
		t.Errorf("Stat() through file error = %v, want ErrNotADirectory", err)
	}
}

func TestNotMounted(t *testing.T) {
	v := vfs.New(vfs.Options{Logger: quiet()})
	defer v.Shutdown()

	if _, err := v.Open("/x", vfs.O_RDONLY, 0, vfs.RootCred); !errors.Is(err, vfs.ErrNotMounted) {
		t.Errorf("Open() error = %v, want ErrNotMounted", err)
	}
	if err := v.Mount("/mnt", memfs.New(), nil, 0); !errors.Is(err, vfs.ErrNotMounted) {
		t.Errorf("Mount() without root error = %v, want ErrNotMounted", err)
	}
	if err := v.Unmount("/"); !errors.Is(err, vfs.ErrNotMounted) {
		t.Errorf("Unmount() error = %v, want ErrNotMounted", err)
	}
}

func TestMountErrors(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{MaxMounts: 2})
	create(t, v, "/file", "", vfs.RootCred)
	v.Mkdir("/m1", 0755, vfs.RootCred)
	v.Mkdir("/m2", 0755, vfs.RootCred)

	tests := []struct {
		name string
		path string
		want error
	}{
		{"duplicate root", "/", vfs.ErrAlreadyMounted},
		{"missing dir", "/nope", vfs.ErrNotFound},
		{"file", "/file", vfs.ErrNotADirectory},
		{"relative", "m1", vfs.ErrInvalidPath},
	}
	for _, tt := range tests {
		if err := v.Mount(tt.path, memfs.New(), nil, 0); !errors.Is(err, tt.want) {
			t.Errorf("%s: Mount(%q) error = %v, want %v", tt.name, tt.path, err, tt.want)
		}
	}

	if err := v.Mount("/m1", memfs.New(), nil, 0); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if err := v.Mount("/m1", memfs.New(), nil, 0); !errors.Is(err, vfs.ErrAlreadyMounted) {
		t.Errorf("Mount() twice error = %v, want ErrAlreadyMounted", err)
	}
	if err := v.Mount("/m2", memfs.New(), nil, 0); !errors.Is(err, vfs.ErrTooManyMounts) {
		t.Errorf("Mount() on full table error = %v, want ErrTooManyMounts", err)
	}
}

func TestNestedMount(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	v.Mkdir("/mnt", 0755, vfs.RootCred)
	inner := memfs.New()
	if err := v.Mount("/mnt", inner, nil, 0); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	create(t, v, "/mnt/x", "inner", vfs.RootCred)
	rootInfo, _ := v.Stat("/")
	info, err := v.Stat("/mnt/x")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Dev == rootInfo.Dev {
		t.Error("file on nested mount reports the root filesystem's Dev")
	}
	if st, err := v.Statfs("/mnt"); err != nil || st.ID != info.Dev {
		t.Errorf("Statfs() = %+v, %v", st, err)
	}
	if got := v.Mounts(); len(got) != 2 || got[1].Path != "/mnt" {
		t.Errorf("Mounts() = %+v", got)
	}

	if err := v.Rmdir("/mnt", vfs.RootCred); !errors.Is(err, vfs.ErrFilesystemBusy) {
		t.Errorf("Rmdir() mount point error = %v, want ErrFilesystemBusy", err)
	}
	if err := v.Rename("/mnt", "/other", vfs.RootCred); !errors.Is(err, vfs.ErrFilesystemBusy) {
		t.Errorf("Rename() mount point error = %v, want ErrFilesystemBusy", err)
	}
	if err := v.Rename("/mnt/x", "/x", vfs.RootCred); !errors.Is(err, vfs.ErrCrossDevice) {
		t.Errorf("Rename() across mounts error = %v, want ErrCrossDevice", err)
	}
	if err := v.Unmount("/"); !errors.Is(err, vfs.ErrFilesystemBusy) {
		t.Errorf("Unmount() root with child mount error = %v, want ErrFilesystemBusy", err)
	}

	fd, _ := v.Open("/mnt/x", vfs.O_RDONLY, 0, vfs.RootCred)
	if err := v.Unmount("/mnt"); !errors.Is(err, vfs.ErrFilesystemBusy) {
		t.Errorf("Unmount() with open file error = %v, want ErrFilesystemBusy", err)
	}
	v.Close(fd)
	if err := v.Unmount("/mnt"); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}

	if _, err := v.Stat("/mnt/x"); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("Stat() after unmount error = %v, want ErrNotFound", err)
	}

	// The contents come back when mounted again.
	if err := v.Mount("/mnt", inner, nil, 0); err != nil {
		t.Fatalf("Mount() again error = %v", err)
	}
	if got := readAll(t, v, "/mnt/x", vfs.RootCred); got != "inner" {
		t.Errorf("read after remount = %q", got)
	}
}

func TestDescriptorTable(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{MaxOpenFiles: 3})
	create(t, v, "/f", "", vfs.RootCred)

	for want := 0; want < 3; want++ {
		fd, err := v.Open("/f", vfs.O_RDONLY, 0, vfs.RootCred)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if fd != want {
			t.Errorf("Open() fd = %d, want %d", fd, want)
		}
	}
	if _, err := v.Open("/f", vfs.O_RDONLY, 0, vfs.RootCred); !errors.Is(err, vfs.ErrTooManyOpenFiles) {
		t.Errorf("Open() on full table error = %v, want ErrTooManyOpenFiles", err)
	}
	if _, err := v.Dup(0); !errors.Is(err, vfs.ErrTooManyOpenFiles) {
		t.Errorf("Dup() on full table error = %v, want ErrTooManyOpenFiles", err)
	}

	if err := v.Close(1); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := v.Close(1); !errors.Is(err, vfs.ErrInvalidFileDescriptor) {
		t.Errorf("Close() twice error = %v, want ErrInvalidFileDescriptor", err)
	}
	if fd, err := v.Open("/f", vfs.O_RDONLY, 0, vfs.RootCred); err != nil || fd != 1 {
		t.Errorf("Open() = %d, %v; want lowest free descriptor 1", fd, err)
	}
	if v.OpenFiles() != 3 {
		t.Errorf("OpenFiles() = %d, want 3", v.OpenFiles())
	}
	if _, err := v.Read(7, make([]byte, 1)); !errors.Is(err, vfs.ErrInvalidFileDescriptor) {
		t.Errorf("Read() bad fd error = %v, want ErrInvalidFileDescriptor", err)
	}
}

func TestPermissions(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	if err := v.Mkdir("/home", 0777, vfs.RootCred); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	create(t, v, "/home/f", "secret", alice)
	if err := v.Chmod("/home/f", 0600, alice); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}

	if _, err := v.Open("/home/f", vfs.O_RDONLY, 0, bob); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Open() by other error = %v, want ErrPermissionDenied", err)
	}
	if got := readAll(t, v, "/home/f", alice); got != "secret" {
		t.Errorf("owner read = %q", got)
	}
	if got := readAll(t, v, "/home/f", vfs.RootCred); got != "secret" {
		t.Errorf("root read = %q", got)
	}

	// Group bits apply to a caller sharing the file's group.
	v.Chmod("/home/f", 0640, alice)
	if got := readAll(t, v, "/home/f", carol); got != "secret" {
		t.Errorf("group read = %q", got)
	}
	if _, err := v.Open("/home/f", vfs.O_RDWR, 0, carol); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Open() group write error = %v, want ErrPermissionDenied", err)
	}

	if err := v.Chmod("/home/f", 0777, bob); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Chmod() by other error = %v, want ErrPermissionDenied", err)
	}
	if err := v.Chown("/home/f", 1001, 1001, alice); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Chown() by owner error = %v, want ErrPermissionDenied", err)
	}
	if err := v.Chown("/home/f", 1001, 1001, vfs.RootCred); err != nil {
		t.Errorf("Chown() by root error = %v", err)
	}

	v.Mkdir("/ro", 0555, vfs.RootCred)
	if err := v.Mkdir("/ro/x", 0755, alice); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Mkdir() in read-only dir error = %v, want ErrPermissionDenied", err)
	}
	if _, err := v.Open("/ro/x", vfs.O_CREATE|vfs.O_WRONLY, 0644, alice); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Open(O_CREATE) in read-only dir error = %v, want ErrPermissionDenied", err)
	}
	if err := v.Mkdir("/ro/x", 0755, vfs.RootCred); err != nil {
		t.Errorf("Mkdir() by root error = %v", err)
	}
	if err := v.Rmdir("/ro/x", bob); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Rmdir() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := v.Readdir("/home", bob); err != nil {
		t.Errorf("Readdir() world-readable error = %v", err)
	}
}

func TestReadWriteModes(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	create(t, v, "/log", "one", vfs.RootCred)

	wfd, _ := v.Open("/log", vfs.O_WRONLY|vfs.O_APPEND, 0, vfs.RootCred)
	defer v.Close(wfd)
	if _, err := v.Read(wfd, make([]byte, 1)); !errors.Is(err, vfs.ErrInvalidFileDescriptor) {
		t.Errorf("Read() on O_WRONLY error = %v, want ErrInvalidFileDescriptor", err)
	}
	v.Lseek(wfd, 0, vfs.SEEK_SET)
	if _, err := v.Write(wfd, []byte(",two")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	rfd, _ := v.Open("/log", vfs.O_RDONLY, 0, vfs.RootCred)
	defer v.Close(rfd)
	if _, err := v.Write(rfd, []byte("x")); !errors.Is(err, vfs.ErrInvalidFileDescriptor) {
		t.Errorf("Write() on O_RDONLY error = %v, want ErrInvalidFileDescriptor", err)
	}
	if got := readAll(t, v, "/log", vfs.RootCred); got != "one,two" {
		t.Errorf("content = %q, want one,two", got)
	}

	v.Mkdir("/d", 0755, vfs.RootCred)
	if _, err := v.Open("/d", vfs.O_RDWR, 0, vfs.RootCred); !errors.Is(err, vfs.ErrIsDirectory) {
		t.Errorf("Open() dir for writing error = %v, want ErrIsDirectory", err)
	}
	if _, err := v.Open("/log", vfs.O_CREATE|vfs.O_EXCL|vfs.O_RDWR, 0644, vfs.RootCred); !errors.Is(err, vfs.ErrExists) {
		t.Errorf("Open(O_EXCL) error = %v, want ErrExists", err)
	}

	tfd, _ := v.Open("/log", vfs.O_RDWR|vfs.O_TRUNC, 0, vfs.RootCred)
	info, _ := v.Fstat(tfd)
	v.Close(tfd)
	if info.Size != 0 {
		t.Errorf("Size after O_TRUNC = %d, want 0", info.Size)
	}
}

func TestLseekAndDup(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	create(t, v, "/f", "0123456789", vfs.RootCred)

	fd, _ := v.Open("/f", vfs.O_RDONLY, 0, vfs.RootCred)
	defer v.Close(fd)

	tests := []struct {
		offset int64
		whence int
		want   int64
	}{
		{2, vfs.SEEK_SET, 2},
		{3, vfs.SEEK_CUR, 5},
		{-1, vfs.SEEK_END, 9},
	}
	for _, tt := range tests {
		pos, err := v.Lseek(fd, tt.offset, tt.whence)
		if err != nil || pos != tt.want {
			t.Errorf("Lseek(%d, %d) = %d, %v; want %d", tt.offset, tt.whence, pos, err, tt.want)
		}
	}
	if _, err := v.Lseek(fd, -20, vfs.SEEK_CUR); !errors.Is(err, vfs.ErrInvalidSeek) {
		t.Errorf("Lseek() negative error = %v, want ErrInvalidSeek", err)
	}
	if _, err := v.Lseek(fd, 0, 42); !errors.Is(err, vfs.ErrInvalidSeek) {
		t.Errorf("Lseek() bad whence error = %v, want ErrInvalidSeek", err)
	}

	dup, err := v.Dup(fd)
	if err != nil {
		t.Fatalf("Dup() error = %v", err)
	}
	buf := make([]byte, 1)
	v.Read(dup, buf)
	if buf[0] != '9' {
		t.Errorf("Read() via dup = %q, want 9", buf)
	}
	v.Close(dup)

	// The original descriptor shares the advanced position.
	if pos, _ := v.Lseek(fd, 0, vfs.SEEK_CUR); pos != 10 {
		t.Errorf("position = %d, want 10", pos)
	}
}

func TestUnlinkRenameLink(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	create(t, v, "/a", "alpha", vfs.RootCred)

	fd, _ := v.Open("/a", vfs.O_RDONLY, 0, vfs.RootCred)
	if err := v.Unlink("/a", vfs.RootCred); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if _, err := v.Stat("/a"); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("Stat() after unlink error = %v, want ErrNotFound", err)
	}
	buf := make([]byte, 5)
	if n, _ := v.Read(fd, buf); string(buf[:n]) != "alpha" {
		t.Errorf("Read() of unlinked file = %q", buf[:n])
	}
	if _, err := v.Path(fd); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("Path() of unlinked file error = %v, want ErrNotFound", err)
	}
	v.Close(fd)

	create(t, v, "/b", "beta", vfs.RootCred)
	v.Mkdir("/dir", 0755, vfs.RootCred)
	if err := v.Rename("/b", "/dir/c", vfs.RootCred); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if got := readAll(t, v, "/dir/c", vfs.RootCred); got != "beta" {
		t.Errorf("renamed content = %q", got)
	}
	if err := v.Rename("/dir", "/dir/sub", vfs.RootCred); !errors.Is(err, vfs.ErrInvalidPath) {
		t.Errorf("Rename() into itself error = %v, want ErrInvalidPath", err)
	}

	if err := v.Link("/dir/c", "/hard", vfs.RootCred); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	info, _ := v.Stat("/hard")
	if info.Nlink != 2 {
		t.Errorf("Nlink = %d, want 2", info.Nlink)
	}
	if err := v.Link("/dir", "/dirlink", vfs.RootCred); !errors.Is(err, vfs.ErrIsDirectory) {
		t.Errorf("Link() dir error = %v, want ErrIsDirectory", err)
	}

	if err := v.Unlink("/dir", vfs.RootCred); !errors.Is(err, vfs.ErrIsDirectory) {
		t.Errorf("Unlink() dir error = %v, want ErrIsDirectory", err)
	}
	if err := v.Rmdir("/hard", vfs.RootCred); !errors.Is(err, vfs.ErrNotADirectory) {
		t.Errorf("Rmdir() file error = %v, want ErrNotADirectory", err)
	}
	if err := v.Rmdir("/dir", vfs.RootCred); !errors.Is(err, vfs.ErrNotEmpty) {
		t.Errorf("Rmdir() non-empty error = %v, want ErrNotEmpty", err)
	}
}

func TestSymlinkNotFollowed(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	create(t, v, "/target", "t", vfs.RootCred)

	if err := v.Symlink("/target", "/link", vfs.RootCred); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}
	if got, err := v.Readlink("/link"); err != nil || got != "/target" {
		t.Errorf("Readlink() = %q, %v", got, err)
	}
	info, _ := v.Stat("/link")
	if info.Mode&vfs.ModeSymlink == 0 {
		t.Errorf("Stat() mode = %v, want a symlink", info.Mode)
	}
	if _, err := v.Open("/link", vfs.O_RDONLY, 0, vfs.RootCred); !errors.Is(err, vfs.ErrInvalidPath) {
		t.Errorf("Open() symlink error = %v, want ErrInvalidPath", err)
	}
	if _, err := v.Readlink("/target"); !errors.Is(err, vfs.ErrInvalidPath) {
		t.Errorf("Readlink() on file error = %v, want ErrInvalidPath", err)
	}
}

func TestTruncateAndChtimes(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	create(t, v, "/f", "abcdef", vfs.RootCred)
	if err := v.Chown("/f", alice.UID, alice.GID, vfs.RootCred); err != nil {
		t.Fatalf("Chown() error = %v", err)
	}

	if err := v.Truncate("/f", 3, alice); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if got := readAll(t, v, "/f", alice); got != "abc" {
		t.Errorf("content = %q, want abc", got)
	}
	if err := v.Truncate("/f", -1, alice); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("Truncate() negative error = %v, want ErrInvalidArgument", err)
	}
	if err := v.Truncate("/f", 0, bob); !errors.Is(err, vfs.ErrPermissionDenied) {
		t.Errorf("Truncate() by other error = %v, want ErrPermissionDenied", err)
	}

	info, _ := v.Stat("/f")
	past := info.Mtime.Add(-time.Hour)
	if err := v.Chtimes("/f", past, past, alice); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	info, _ = v.Stat("/f")
	if !info.Mtime.Equal(past) {
		t.Errorf("Mtime = %v, want %v", info.Mtime, past)
	}
}

func TestDentryCacheBounded(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{DentryCacheSize: 4})
	for i := range 20 {
		create(t, v, fmt.Sprintf("/f%d", i), "x", vfs.RootCred)
	}
	if got := v.CachedDentries(); got != 4 {
		t.Errorf("CachedDentries() = %d, want 4", got)
	}
	// Evicted names are looked up again in the backend.
	for i := range 20 {
		if _, err := v.Stat(fmt.Sprintf("/f%d", i)); err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
	}
	if got := v.CachedDentries(); got > 4 {
		t.Errorf("CachedDentries() = %d, want at most 4", got)
	}
}

func TestReadOnlyMount(t *testing.T) {
	v := vfs.New(vfs.Options{Logger: quiet()})
	defer v.Shutdown()
	if err := v.Mount("/", memfs.New(), nil, vfs.MountReadOnly); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	if err := v.Mkdir("/d", 0755, vfs.RootCred); !errors.Is(err, vfs.ErrReadOnly) {
		t.Errorf("Mkdir() error = %v, want ErrReadOnly", err)
	}
	if _, err := v.Open("/", vfs.O_RDONLY, 0, vfs.RootCred); err != nil {
		t.Errorf("Open() read-only error = %v", err)
	}
	if err := v.Chmod("/", 0700, vfs.RootCred); !errors.Is(err, vfs.ErrReadOnly) {
		t.Errorf("Chmod() error = %v, want ErrReadOnly", err)
	}
}

func TestWalk(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{})
	v.Mkdir("/a", 0755, vfs.RootCred)
	v.Mkdir("/a/skip", 0755, vfs.RootCred)
	create(t, v, "/a/skip/hidden", "", vfs.RootCred)
	create(t, v, "/a/z", "", vfs.RootCred)
	create(t, v, "/b", "", vfs.RootCred)

	var seen []string
	err := v.Walk("/", vfs.RootCred, func(path string, info vfs.FileInfo) error {
		seen = append(seen, path)
		if path == "/a/skip" {
			return vfs.SkipDir
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	want := "/ /a /a/skip /a/z /b"
	if got := strings.Join(seen, " "); got != want {
		t.Errorf("Walk() visited %q, want %q", got, want)
	}
}

type countingFS struct {
	*memfs.FS
	syncs atomic.Int32
}

func (c *countingFS) Sync() error {
	c.syncs.Add(1)
	return nil
}

func TestSyncAllAndShutdown(t *testing.T) {
	v := vfs.New(vfs.Options{Logger: quiet()})
	root := &countingFS{FS: memfs.New()}
	inner := &countingFS{FS: memfs.New()}
	if err := v.Mount("/", root, nil, 0); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	v.Mkdir("/mnt", 0755, vfs.RootCred)
	if err := v.Mount("/mnt", inner, nil, 0); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	if err := v.SyncAll(); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if root.syncs.Load() != 1 || inner.syncs.Load() != 1 {
		t.Errorf("syncs = %d, %d; want 1, 1", root.syncs.Load(), inner.syncs.Load())
	}

	// Shutdown closes the open file and unmounts the nested mount first.
	if _, err := v.Open("/mnt/f", vfs.O_CREATE|vfs.O_RDWR, 0644, vfs.RootCred); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := v.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if len(v.Mounts()) != 0 || v.OpenFiles() != 0 {
		t.Errorf("after Shutdown: %d mounts, %d open files", len(v.Mounts()), v.OpenFiles())
	}
	if root.syncs.Load() != 2 || inner.syncs.Load() != 2 {
		t.Errorf("syncs = %d, %d; want 2, 2", root.syncs.Load(), inner.syncs.Load())
	}
	if err := v.Mount("/", root, nil, 0); !errors.Is(err, vfs.ErrClosed) {
		t.Errorf("Mount() after Shutdown error = %v, want ErrClosed", err)
	}
}

type rootOnly struct{ vfs.UnimplementedOps }

func (rootOnly) Mount(storage.BlockDevice, vfs.MountFlags) (vfs.InodeAttr, error) {
	return vfs.InodeAttr{Ino: 1, Mode: vfs.ModeDir | 0755}, nil
}

func TestUnimplementedBackend(t *testing.T) {
	v := vfs.New(vfs.Options{Logger: quiet()})
	if err := v.Mount("/", rootOnly{}, nil, 0); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if err := v.Mkdir("/d", 0755, vfs.RootCred); !errors.Is(err, vfs.ErrNotImplemented) {
		t.Errorf("Mkdir() error = %v, want ErrNotImplemented", err)
	}
	if _, err := v.Stat("/d"); !errors.Is(err, vfs.ErrNotImplemented) {
		t.Errorf("Stat() error = %v, want ErrNotImplemented", err)
	}
	if err := v.Unmount("/"); err != nil {
		t.Errorf("Unmount() error = %v", err)
	}
}

func TestConcurrentCallers(t *testing.T) {
	v, _ := newVFS(t, vfs.Options{DentryCacheSize: 8})

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			dir := fmt.Sprintf("/g%d", i)
			if err := v.Mkdir(dir, 0755, vfs.RootCred); err != nil {
				return err
			}
			for j := range 10 {
				path := fmt.Sprintf("%s/f%d", dir, j)
				fd, err := v.Open(path, vfs.O_CREATE|vfs.O_RDWR, 0644, vfs.RootCred)
				if err != nil {
					return err
				}
				if _, err := v.Write(fd, []byte(path)); err != nil {
					return err
				}
				if err := v.Close(fd); err != nil {
					return err
				}
				info, err := v.Stat(path)
				if err != nil {
					return err
				}
				if info.Size != int64(len(path)) {
					return fmt.Errorf("%s: size %d", path, info.Size)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent callers: %v", err)
	}
	if v.OpenFiles() != 0 {
		t.Errorf("OpenFiles() = %d, want 0", v.OpenFiles())
	}
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"blockfs/pkg/storage"
	"blockfs/pkg/vfs"
	"blockfs/pkg/vfs/treefs"
)

// copyChunk is the buffer size used by put and cat.
const copyChunk = 64 * 1024

func cmdFormat(e *env, args []string) error {
	fs := subcommand("format", "")
	force := fs.BoolP("force", "f", false, "overwrite an existing image")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := e.cfg.Device.Path
	if _, err := os.Stat(path); err == nil {
		if !*force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}

	dev, err := storage.NewFileBlockDevice(path, e.cfg.Device.Blocks)
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := treefs.Format(dev, e.cfg.TreeFSOptions(e.log)); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "formatted %s: %d blocks, %d-block journal\n", path, e.cfg.Device.Blocks, e.cfg.Journal.Blocks)
	return nil
}

func cmdRecover(e *env, args []string) error {
	if err := subcommand("recover", "").Parse(args); err != nil {
		return err
	}
	dev, err := storage.OpenFileBlockDevice(e.cfg.Device.Path)
	if err != nil {
		return err
	}
	defer dev.Close()

	stats, err := treefs.Recover(dev, e.cfg.TreeFSOptions(e.log))
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "scanned %d, applied %d, skipped %d transactions (%d blocks)\n",
		stats.Scanned, stats.Applied, stats.Skipped, stats.Blocks)
	return nil
}

// rootIoctl sends cmd to the filesystem mounted at /.
func rootIoctl(s *session, cmd uint32) ([]byte, error) {
	fd, err := s.v.Open("/", vfs.O_RDONLY, 0, vfs.RootCred)
	if err != nil {
		return nil, err
	}
	defer s.v.Close(fd)
	return s.v.Ioctl(fd, cmd, nil)
}

func cmdInfo(e *env, s *session, args []string) error {
	if err := subcommand("info", "").Parse(args); err != nil {
		return err
	}
	st, err := s.v.Statfs("/")
	if err != nil {
		return err
	}
	data, err := rootIoctl(s, treefs.IoctlStats)
	if err != nil {
		return err
	}
	stats, err := treefs.DecodeStats(data)
	if err != nil {
		return err
	}

	w := e.stdout
	fmt.Fprintf(w, "id:          %s\n", st.ID)
	fmt.Fprintf(w, "blocks:      %d (%s)\n", st.Blocks, FormatSize(int64(st.Blocks)*int64(st.BlockSize)))
	fmt.Fprintf(w, "free:        %d (%s)\n", st.FreeBlocks, FormatSize(int64(st.FreeBlocks)*int64(st.BlockSize)))
	fmt.Fprintf(w, "files:       %d\n", st.Files)
	fmt.Fprintf(w, "next inode:  %d\n", stats.NextIno)
	fmt.Fprintf(w, "next block:  %d\n", stats.NextAlloc)
	fmt.Fprintf(w, "journal:     %d blocks, %d used, sequence %d\n", stats.Journal.Size, stats.Journal.Used, stats.Journal.Sequence)
	fmt.Fprintf(w, "inode tree:  height %d, order %d, %d entries\n", stats.Inodes.Height, stats.Inodes.Order, stats.Inodes.Entries)
	fmt.Fprintf(w, "free tree:   height %d, order %d, %d entries\n", stats.FreeTree.Height, stats.FreeTree.Order, stats.FreeTree.Entries)
	if s.cache != nil {
		cs := s.cache.Stats()
		fmt.Fprintf(w, "cache:       %d/%d blocks, %d hits, %d misses\n", cs.Size, cs.MaxSize, cs.Hits, cs.Misses)
	}
	return nil
}

func cmdFsck(e *env, s *session, args []string) error {
	if err := subcommand("fsck", "").Parse(args); err != nil {
		return err
	}
	if _, err := rootIoctl(s, treefs.IoctlCheck); err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, "ok")
	return nil
}

func cmdStat(e *env, s *session, args []string) error {
	fs := subcommand("stat", "path...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, p := range fs.Args() {
		info, err := s.v.Stat(p)
		if err != nil {
			return err
		}
		w := e.stdout
		fmt.Fprintf(w, "  File: %s\n", p)
		fmt.Fprintf(w, "  Size: %-10d Inode: %-8d Links: %d\n", info.Size, info.Ino, info.Nlink)
		fmt.Fprintf(w, "Access: (%04o/%s)  Uid: %d  Gid: %d\n", uint32(info.Mode.Perm()), FormatMode(info.Mode), info.UID, info.GID)
		fmt.Fprintf(w, "Access: %s\n", info.Atime.Format(timeFormat))
		fmt.Fprintf(w, "Modify: %s\n", info.Mtime.Format(timeFormat))
		fmt.Fprintf(w, "Change: %s\n", info.Ctime.Format(timeFormat))
	}
	return nil
}

const timeFormat = "2006-01-02 15:04:05.000000000 -0700"

func cmdCat(e *env, s *session, args []string) error {
	fs := subcommand("cat", "path...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	buf := make([]byte, copyChunk)
	for _, p := range fs.Args() {
		fd, err := s.v.Open(p, vfs.O_RDONLY, 0, vfs.RootCred)
		if err != nil {
			return err
		}
		err = copyOut(e.stdout, s.v, fd, buf)
		if cerr := s.v.Close(fd); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func copyOut(w io.Writer, v *vfs.VFS, fd int, buf []byte) error {
	for {
		n, err := v.Read(fd, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func cmdReadlink(e *env, s *session, args []string) error {
	fs := subcommand("readlink", "path...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, p := range fs.Args() {
		target, err := s.v.Readlink(p)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, target)
	}
	return nil
}

func cmdMkdir(e *env, s *session, args []string) error {
	fs := subcommand("mkdir", "path...")
	parents := fs.BoolP("parents", "p", false, "create missing parents, no error if existing")
	modeStr := fs.StringP("mode", "m", "755", "permission bits in octal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode, err := ModeFromString(*modeStr)
	if err != nil {
		return err
	}

	for _, p := range fs.Args() {
		if !*parents {
			if err := s.v.Mkdir(p, mode, vfs.RootCred); err != nil {
				return err
			}
			continue
		}
		if err := mkdirAll(s.v, p, mode); err != nil {
			return err
		}
	}
	return nil
}

func mkdirAll(v *vfs.VFS, p string, mode os.FileMode) error {
	p = vfs.Clean(p)
	if info, err := v.Stat(p); err == nil {
		if !info.IsDir() {
			return &vfs.PathError{Op: "mkdir", Path: p, Err: vfs.ErrNotADirectory}
		}
		return nil
	}
	if dir, _ := vfs.Split(p); dir != p {
		if err := mkdirAll(v, dir, mode); err != nil {
			return err
		}
	}
	err := v.Mkdir(p, mode, vfs.RootCred)
	if errors.Is(err, vfs.ErrExists) {
		return nil
	}
	return err
}

func cmdPut(e *env, s *session, args []string) error {
	fs := subcommand("put", "<host-file|-> <path>")
	modeStr := fs.StringP("mode", "m", "644", "permission bits in octal for a new file")
	appendFlag := fs.BoolP("append", "a", false, "append instead of replacing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("put needs a source and a destination")
	}
	mode, err := ModeFromString(*modeStr)
	if err != nil {
		return err
	}

	src := e.stdin
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	flags := vfs.O_WRONLY | vfs.O_CREATE
	if *appendFlag {
		flags |= vfs.O_APPEND
	} else {
		flags |= vfs.O_TRUNC
	}
	fd, err := s.v.Open(fs.Arg(1), flags, mode, vfs.RootCred)
	if err != nil {
		return err
	}

	var written int64
	buf := make([]byte, copyChunk)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := s.v.Write(fd, buf[:n])
			written += int64(m)
			if werr != nil {
				s.v.Close(fd)
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.v.Close(fd)
			return rerr
		}
	}
	if err := s.v.Fsync(fd); err != nil {
		s.v.Close(fd)
		return err
	}
	if err := s.v.Close(fd); err != nil {
		return err
	}
	e.log.Debug("file stored", "path", fs.Arg(1), "bytes", written)
	return nil
}

func cmdRm(e *env, s *session, args []string) error {
	fs := subcommand("rm", "path...")
	recursive := fs.BoolP("recursive", "r", false, "remove directories and their contents")
	dirs := fs.BoolP("dir", "d", false, "remove empty directories")
	if err := fs.Parse(args); err != nil {
		return err
	}

	for _, p := range fs.Args() {
		info, err := s.v.Stat(p)
		if err != nil {
			return err
		}
		switch {
		case !info.IsDir():
			err = s.v.Unlink(p, vfs.RootCred)
		case *recursive:
			err = removeAll(s.v, p)
		case *dirs:
			err = s.v.Rmdir(p, vfs.RootCred)
		default:
			err = &vfs.PathError{Op: "rm", Path: p, Err: vfs.ErrIsDirectory}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// removeAll deletes root and everything below it, children first.
func removeAll(v *vfs.VFS, root string) error {
	var paths []string
	var isDir []bool
	err := v.Walk(root, vfs.RootCred, func(p string, info vfs.FileInfo) error {
		paths = append(paths, p)
		isDir = append(isDir, info.IsDir())
		return nil
	})
	if err != nil {
		return err
	}
	for i, p := range slices.Backward(paths) {
		if isDir[i] {
			err = v.Rmdir(p, vfs.RootCred)
		} else {
			err = v.Unlink(p, vfs.RootCred)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdMv(e *env, s *session, args []string) error {
	fs := subcommand("mv", "<old> <new>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("mv needs a source and a destination")
	}
	return s.v.Rename(fs.Arg(0), fs.Arg(1), vfs.RootCred)
}

func cmdLn(e *env, s *session, args []string) error {
	fs := subcommand("ln", "<target> <path>")
	symbolic := fs.BoolP("symbolic", "s", false, "make a symbolic link")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("ln needs a target and a link name")
	}
	if *symbolic {
		return s.v.Symlink(fs.Arg(0), fs.Arg(1), vfs.RootCred)
	}
	return s.v.Link(fs.Arg(0), fs.Arg(1), vfs.RootCred)
}

func cmdTruncate(e *env, s *session, args []string) error {
	fs := subcommand("truncate", "<size> path...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("truncate needs a size and a path")
	}
	size, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size: %s", fs.Arg(0))
	}
	for _, p := range fs.Args()[1:] {
		if err := s.v.Truncate(p, size, vfs.RootCred); err != nil {
			return err
		}
	}
	return nil
}

func cmdChmod(e *env, s *session, args []string) error {
	fs := subcommand("chmod", "<mode> path...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("chmod needs a mode and a path")
	}
	mode, err := ModeFromString(fs.Arg(0))
	if err != nil {
		return err
	}
	for _, p := range fs.Args()[1:] {
		if err := s.v.Chmod(p, mode, vfs.RootCred); err != nil {
			return err
		}
	}
	return nil
}

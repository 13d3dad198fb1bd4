package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"blockfs/pkg/vfs"
)

// lsFlags holds the options of the ls command.
type lsFlags struct {
	All       bool // -a: show entries starting with .
	Long      bool // -l: long listing format
	Human     bool // -h: human-readable sizes
	Recursive bool // -R: list subdirectories recursively
	Type      bool // -F: append indicator (/ for dirs, @ for links)
	Inode     bool // -i: print inode numbers
}

func cmdLs(e *env, s *session, args []string) error {
	fs := subcommand("ls", "[path...]")
	var flags lsFlags
	fs.BoolVarP(&flags.All, "all", "a", false, "do not ignore entries starting with .")
	fs.BoolVarP(&flags.Long, "long", "l", false, "use a long listing format")
	fs.BoolVarP(&flags.Human, "human-readable", "h", false, "print sizes like 1K 234M 2G")
	fs.BoolVarP(&flags.Recursive, "recursive", "R", false, "list subdirectories recursively")
	fs.BoolVarP(&flags.Type, "classify", "F", false, "append indicator (one of /@) to entries")
	fs.BoolVarP(&flags.Inode, "inode", "i", false, "print the inode number of each file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"/"}
	}
	for i, p := range paths {
		if i > 0 {
			fmt.Fprintln(e.stdout)
		}
		if len(paths) > 1 || flags.Recursive {
			fmt.Fprintf(e.stdout, "%s:\n", p)
		}
		if flags.Recursive {
			if err := listRecursive(e.stdout, s.v, p, &flags); err != nil {
				return err
			}
			continue
		}
		if err := listDirectory(e.stdout, s.v, p, &flags); err != nil {
			return err
		}
	}
	return nil
}

// FormatSize formats a file size in human-readable form.
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f%c", float64(size)/float64(div), "KMGTPE"[exp])
}

// FormatMode formats file mode into string like "drwxr-xr-x".
func FormatMode(mode os.FileMode) string {
	var typeChar byte
	switch {
	case mode.IsDir():
		typeChar = 'd'
	case mode&os.ModeSymlink != 0:
		typeChar = 'l'
	default:
		typeChar = '-'
	}

	const rwx = "rwxrwxrwx"
	out := []byte{typeChar, '-', '-', '-', '-', '-', '-', '-', '-', '-'}
	for i := range 9 {
		if mode&(1<<uint(8-i)) != 0 {
			out[i+1] = rwx[i]
		}
	}
	return string(out)
}

// ModeFromString converts an octal mode string to os.FileMode.
func ModeFromString(s string) (os.FileMode, error) {
	var mode int64
	_, err := fmt.Sscanf(s, "%o", &mode)
	if err != nil || mode < 0 || mode > 0o777 {
		return 0, fmt.Errorf("invalid mode: %s", s)
	}
	return os.FileMode(mode), nil
}

// listDirectory lists one path: a directory's entries or a single file.
func listDirectory(w io.Writer, v *vfs.VFS, path string, flags *lsFlags) error {
	info, err := v.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		info.Name = path
		printEntries(w, []vfs.FileInfo{info}, flags)
		return nil
	}

	entries, err := v.Readdir(path, vfs.RootCred)
	if err != nil {
		return fmt.Errorf("cannot access '%s': %w", path, err)
	}

	infos := make([]vfs.FileInfo, 0, len(entries))
	var total int64
	for _, entry := range entries {
		if !flags.All && strings.HasPrefix(entry.Name, ".") {
			continue
		}
		info, err := v.Stat(vfs.Join(path, entry.Name))
		if err != nil {
			return err
		}
		total += (info.Size + 1023) / 1024
		infos = append(infos, info)
	}

	if flags.Long {
		fmt.Fprintf(w, "total %d\n", total)
	}
	printEntries(w, infos, flags)
	return nil
}

func printEntries(w io.Writer, infos []vfs.FileInfo, flags *lsFlags) {
	if flags.Long {
		for _, info := range infos {
			fmt.Fprintln(w, formatLongEntry(info, flags))
		}
		return
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		name := decorate(info, flags)
		if flags.Inode {
			name = fmt.Sprintf("%d %s", info.Ino, name)
		}
		names = append(names, name)
	}
	if len(names) > 0 {
		fmt.Fprintln(w, strings.Join(names, "  "))
	}
}

// listRecursive lists path and then every directory below it.
func listRecursive(w io.Writer, v *vfs.VFS, path string, flags *lsFlags) error {
	root := vfs.Clean(path)
	return v.Walk(root, vfs.RootCred, func(p string, info vfs.FileInfo) error {
		if p != root && !flags.All && strings.HasPrefix(info.Name, ".") {
			if info.IsDir() {
				return vfs.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			if p == root {
				return listDirectory(w, v, p, flags)
			}
			return nil
		}
		if p != root {
			fmt.Fprintf(w, "\n%s:\n", p)
		}
		return listDirectory(w, v, p, flags)
	})
}

func decorate(info vfs.FileInfo, flags *lsFlags) string {
	name := info.Name
	if !flags.Type {
		return name
	}
	switch {
	case info.IsDir():
		name += "/"
	case info.Mode&os.ModeSymlink != 0:
		name += "@"
	}
	return name
}

// formatLongEntry formats a single entry in long format.
func formatLongEntry(info vfs.FileInfo, flags *lsFlags) string {
	mode := FormatMode(info.Mode)
	modTime := info.Mtime.Format("Jan 02 15:04")
	size := fmt.Sprintf("%8d", info.Size)
	if flags.Human {
		size = fmt.Sprintf("%8s", FormatSize(info.Size))
	}

	line := fmt.Sprintf("%s %3d %5d %5d %s %s %s",
		mode, info.Nlink, info.UID, info.GID, size, modTime, decorate(info, flags))
	if flags.Inode {
		line = fmt.Sprintf("%8d %s", info.Ino, line)
	}
	return line
}

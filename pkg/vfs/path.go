package vfs

import (
	"path"
	"strings"
)

const (
	// MaxPathLength is the maximum length of a path in bytes.
	MaxPathLength = 4096
	// MaxNameLength is the maximum length of a single path component.
	MaxNameLength = 255
)

// Clean returns the shortest absolute path equivalent to p. ".." at the
// root stays at the root.
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsAbs reports whether the path is absolute.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Split splits a cleaned path into its parent directory and final name.
// The root has no name.
func Split(p string) (dir, base string) {
	p = Clean(p)
	if p == "/" {
		return "/", ""
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// Join joins any number of path elements into a single absolute path.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// ValidatePath checks that p can be resolved: it must be absolute, free of
// NUL bytes and within the length limits.
func ValidatePath(p string) error {
	if p == "" || !IsAbs(p) || strings.IndexByte(p, 0) >= 0 {
		return ErrInvalidPath
	}
	if len(p) > MaxPathLength {
		return ErrNameTooLong
	}
	return nil
}

// components validates p and returns its cleaned form and the names it
// consists of. The root has no components.
func components(p string) (string, []string, error) {
	if err := ValidatePath(p); err != nil {
		return "", nil, err
	}
	p = path.Clean(p)
	if p == "/" {
		return p, nil, nil
	}
	names := strings.Split(p[1:], "/")
	for _, name := range names {
		if len(name) > MaxNameLength {
			return "", nil, ErrNameTooLong
		}
	}
	return p, names, nil
}

// ValidName checks that name can be stored in a directory entry.
func ValidName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return ErrInvalidPath
	case strings.ContainsAny(name, "/\x00"):
		return ErrInvalidPath
	case len(name) > MaxNameLength:
		return ErrNameTooLong
	}
	return nil
}

// hasPathPrefix reports whether p is dir or lies below it.
func hasPathPrefix(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}

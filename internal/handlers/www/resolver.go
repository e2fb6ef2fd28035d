// Package www serves the web UI's static assets from a configured root
// directory. Every filesystem path it touches is confined to that root.
package www

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"example.com/netprobed/v2/internal/logger"
)

var (
	// ErrForbidden is returned when no root is configured or a path escapes it.
	ErrForbidden = errors.New("path is outside the root directory")
	// ErrNotFound is returned for a path inside the root that does not exist.
	ErrNotFound = errors.New("path does not exist")
)

// Resolver maps untrusted URL paths to canonical filesystem paths below the
// root directory. The zero root means static serving is disabled.
type Resolver struct {
	mu   sync.RWMutex
	root string
	log  *logger.Logger
}

// NewResolver creates a Resolver with no root directory.
func NewResolver(lg *logger.Logger) *Resolver {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	return &Resolver{log: lg}
}

// SetRootDir replaces the root directory. An empty dir is ignored so that a
// missing setting never clears a previously configured root.
func (r *Resolver) SetRootDir(dir string) error {
	if dir == "" {
		r.log.Warn("Ignoring empty root directory", nil)
		return nil
	}
	canonical, err := canonicalize(dir)
	if err != nil {
		return fmt.Errorf("cannot canonicalize root directory %q: %w", dir, err)
	}
	fi, err := os.Stat(canonical)
	if err != nil {
		return fmt.Errorf("cannot stat root directory %q: %w", canonical, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("root directory %q is not a directory", canonical)
	}

	r.mu.Lock()
	r.root = canonical
	r.mu.Unlock()
	r.log.Info("Root directory set", logger.LogFields{"rootdir": canonical})
	return nil
}

// RootDir returns the canonical root directory, or "" when unset.
func (r *Resolver) RootDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// Resolve maps a URL path (without query) to a path inside the root.
func (r *Resolver) Resolve(urlPath string) (string, error) {
	root := r.RootDir()
	if root == "" {
		return "", ErrForbidden
	}
	return confine(root, root+string(filepath.Separator)+urlPath)
}

// Confine applies the same canonicalization and containment check to a
// filesystem path that was built from an already resolved one.
func (r *Resolver) Confine(fsPath string) (string, error) {
	root := r.RootDir()
	if root == "" {
		return "", ErrForbidden
	}
	return confine(root, fsPath)
}

func confine(root, p string) (string, error) {
	lexical := filepath.Clean(p)
	if !within(root, lexical) {
		return "", ErrForbidden
	}
	resolved, err := filepath.EvalSymlinks(lexical)
	if err != nil {
		if !isMissing(err) {
			return "", fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		// Where a missing path would point decides 404 or 403, so the
		// answer never depends on files outside root.
		target, rerr := resolveMissing(lexical, 0)
		if rerr != nil {
			return "", fmt.Errorf("%w: %v", ErrForbidden, rerr)
		}
		if !within(root, target) {
			return "", ErrForbidden
		}
		return "", ErrNotFound
	}
	canonical, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if !within(root, canonical) {
		return "", ErrForbidden
	}
	return canonical, nil
}

const maxSymlinks = 40

var errSymlinkLoop = errors.New("too many levels of symbolic links")

func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// resolveMissing resolves the symlinks of the existing prefix of the
// absolute, clean path p and appends the components that do not exist.
// Dangling links are followed to their target.
func resolveMissing(p string, depth int) (string, error) {
	if depth > maxSymlinks {
		return "", errSymlinkLoop
	}
	sep := string(filepath.Separator)
	resolved := filepath.VolumeName(p) + sep
	parts := strings.Split(strings.TrimPrefix(p[len(filepath.VolumeName(p)):], sep), sep)
	for i, part := range parts {
		if part == "" {
			continue
		}
		next := filepath.Join(resolved, part)
		fi, err := os.Lstat(next)
		if err != nil {
			if isMissing(err) {
				return filepath.Join(append([]string{resolved}, parts[i:]...)...), nil
			}
			return "", err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(next)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(resolved, target)
			}
			if next, err = resolveMissing(filepath.Clean(target), depth+1); err != nil {
				return "", err
			}
		}
		resolved = next
	}
	return resolved, nil
}

// within reports whether p is root or lies below it. The comparison is by
// path segment, so /srv/www does not contain /srv/www-secret.
func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

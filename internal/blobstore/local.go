package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores blobs as plain files under a directory on the local host.
type Local struct {
	root string
}

var (
	_ Backend    = (*Local)(nil)
	_ HardLinker = (*Local)(nil)
)

// NewLocal creates a local backend rooted at root.
func NewLocal(root string) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local volume root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs}, nil
}

func (l *Local) Root() string { return l.root }

func (l *Local) Abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

// Create writes r to a temp file next to rel, syncs it and publishes it with
// link(2), which fails instead of replacing an existing file.
func (l *Local) Create(ctx context.Context, rel string, r io.Reader) (int64, error) {
	if r == nil {
		return 0, fmt.Errorf("reader is required")
	}
	dst, err := l.pathFromRel(rel)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	n, err := io.Copy(tmp, ReaderWithContext(ctx, r))
	if err != nil {
		cleanup()
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return n, err
	}

	if err := publishNoClobber(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}
	_ = syncDir(dir)
	return n, nil
}

// Link hard links src to rel. It fails with fs.ErrExist when rel is present
// and with the raw link error (EXDEV, EPERM, ...) when the filesystem refuses.
// The shared inode's mtime is reset to now: the new name has no reference
// yet and must not look older than the sweep safety margin.
func (l *Local) Link(ctx context.Context, src, rel string) error {
	dst, err := l.pathFromRel(rel)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.Link(src, dst); err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(dst, now, now); err != nil {
		_ = os.Remove(dst)
		return err
	}
	_ = syncDir(dir)
	return nil
}

func (l *Local) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.pathFromRel(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (l *Local) Stat(ctx context.Context, rel string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.pathFromRel(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}

func (l *Local) Remove(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.pathFromRel(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) Walk(ctx context.Context, fn WalkFunc) error {
	return filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries removed by a concurrent sweep or move are not errors.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

func (l *Local) pathFromRel(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("blob path is required")
	}
	if strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("blob path must be relative")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob path")
	}
	return filepath.Join(l.root, clean), nil
}

// publishNoClobber moves tmp to dst only if dst does not exist. Filesystems
// without hard link support fall back to stat+rename.
func publishNoClobber(tmp, dst string) error {
	err := os.Link(tmp, dst)
	if err == nil {
		return os.Remove(tmp)
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}
	if _, statErr := os.Lstat(dst); statErr == nil {
		return &fs.PathError{Op: "link", Path: dst, Err: fs.ErrExist}
	}
	return os.Rename(tmp, dst)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

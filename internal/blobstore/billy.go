package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// External stores blobs on a remote-backed filesystem exposed through
// go-billy. It cannot hard link, so every write is a full copy.
type External struct {
	fs   billy.Filesystem
	root string

	// publishMu serializes publishes from this process. The lock file
	// covers other processes sharing the mount.
	publishMu sync.Mutex
}

const (
	publishLockStale = time.Minute
	publishLockWait  = 5 * time.Second
	publishLockPoll  = 10 * time.Millisecond
)

var _ Backend = (*External)(nil)

// NewExternal creates an external backend over an OS directory, typically a
// network mount.
func NewExternal(root string) (*External, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("external volume root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return NewBilly(osfs.New(abs), abs), nil
}

// NewBilly wraps an arbitrary billy filesystem. root is only used to report
// absolute locations. Concurrent Create calls need a filesystem that is safe
// for concurrent use; memfs is not.
func NewBilly(bfs billy.Filesystem, root string) *External {
	return &External{fs: bfs, root: root}
}

func (e *External) Root() string { return e.root }

func (e *External) Abs(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

// Create copies r into a temp file and renames it into place. The rename
// happens under an exclusive lock file next to the destination, so of two
// writers racing for one path exactly one publishes and the other gets
// fs.ErrExist.
func (e *External) Create(ctx context.Context, rel string, r io.Reader) (int64, error) {
	if r == nil {
		return 0, fmt.Errorf("reader is required")
	}
	clean, err := cleanRel(rel)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := path.Dir(clean)
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := e.fs.TempFile(dir, TempPrefix)
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
	}

	n, err := io.Copy(tmp, ReaderWithContext(ctx, r))
	if err != nil {
		cleanup()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return n, err
	}

	if err := e.publish(ctx, tmpName, clean); err != nil {
		_ = e.fs.Remove(tmpName)
		return n, err
	}
	return n, nil
}

func (e *External) publish(ctx context.Context, tmpName, clean string) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	lock := path.Join(path.Dir(clean), TempPrefix+"lock-"+path.Base(clean))
	if err := e.acquireLock(ctx, lock); err != nil {
		return err
	}
	defer func() { _ = e.fs.Remove(lock) }()

	if _, err := e.fs.Stat(clean); err == nil {
		return &fs.PathError{Op: "create", Path: clean, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return e.fs.Rename(tmpName, clean)
}

// acquireLock creates lock with O_EXCL. A lock older than publishLockStale
// was left by a crashed writer and is taken over.
func (e *External) acquireLock(ctx context.Context, lock string) error {
	deadline := time.Now().Add(publishLockWait)
	for {
		f, err := e.fs.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		if info, serr := e.fs.Stat(lock); serr == nil && time.Since(info.ModTime()) > publishLockStale {
			_ = e.fs.Remove(lock)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("publish lock %s held for over %s", lock, publishLockWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishLockPoll):
		}
	}
}

func (e *External) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := cleanRel(rel)
	if err != nil {
		return nil, err
	}
	return e.fs.Open(clean)
}

func (e *External) Stat(ctx context.Context, rel string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := cleanRel(rel)
	if err != nil {
		return nil, err
	}
	return e.fs.Stat(clean)
}

func (e *External) Remove(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := cleanRel(rel)
	if err != nil {
		return err
	}
	if err := e.fs.Remove(clean); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (e *External) Walk(ctx context.Context, fn WalkFunc) error {
	return e.walkDir(ctx, "", fn)
}

func (e *External) walkDir(ctx context.Context, dir string, fn WalkFunc) error {
	readFrom := dir
	if readFrom == "" {
		readFrom = "."
	}
	entries, err := e.fs.ReadDir(readFrom)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := entry.Name()
		if dir != "" {
			rel = path.Join(dir, entry.Name())
		}
		if entry.IsDir() {
			if err := e.walkDir(ctx, rel, fn); err != nil {
				return err
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			continue
		}
		if err := fn(rel, entry); err != nil {
			return err
		}
	}
	return nil
}

func cleanRel(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("blob path is required")
	}
	if strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("blob path must be relative")
	}
	clean := path.Clean(filepath.ToSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid blob path")
	}
	return clean, nil
}

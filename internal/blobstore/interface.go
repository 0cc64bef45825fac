package blobstore

import (
	"context"
	"io"
	"io/fs"
)

// TempPrefix marks in-flight files. A file carrying this prefix is never a
// committed blob; it is either being written or was abandoned by a crash.
const TempPrefix = ".tmp-"

// WalkFunc is called for every regular file under a backend root. rel is a
// slash-separated path relative to the root.
type WalkFunc func(rel string, info fs.FileInfo) error

// Backend is the capability set of one volume kind.
//
// Paths are relative to the volume root. Errors for absent or present
// files satisfy errors.Is(err, fs.ErrNotExist) and errors.Is(err, fs.ErrExist).
type Backend interface {
	Root() string
	Abs(rel string) string
	// Create streams r into rel through a temporary file in the destination
	// directory and publishes it without overwriting an existing file. A
	// reader never observes a partially written rel.
	Create(ctx context.Context, rel string, r io.Reader) (int64, error)
	Open(ctx context.Context, rel string) (io.ReadCloser, error)
	Stat(ctx context.Context, rel string) (fs.FileInfo, error)
	// Remove deletes rel. Missing files are ignored.
	Remove(ctx context.Context, rel string) error
	// Walk visits files in lexical order, checking ctx between files.
	Walk(ctx context.Context, fn WalkFunc) error
}

// HardLinker is implemented by backends that can expose an existing local
// file under a new name without copying bytes.
type HardLinker interface {
	Link(ctx context.Context, src, rel string) error
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// ReaderWithContext returns a reader that fails with ctx.Err() once ctx is done.
func ReaderWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Package linker materializes staged bytes as mailbox blobs on a volume,
// by hard link when the volume allows it and by copy otherwise.
package linker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"mailstore/internal/blobstore"
	"mailstore/internal/metrics"
	"mailstore/internal/models"
	"mailstore/internal/paths"
	"mailstore/internal/volume"
)

// Source is the bytes a mailbox blob is materialized from.
type Source struct {
	models.Blob
	// LocalPath is set when the bytes are a plain file on this host and
	// can therefore be hard linked.
	LocalPath string
	Open      func(ctx context.Context) (io.ReadCloser, error)
}

// FileSource describes a blob stored in a local file, such as a staged blob.
func FileSource(b models.Blob) Source {
	p := b.Path
	return Source{
		Blob:      b,
		LocalPath: p,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return os.Open(p)
		},
	}
}

// BackendSource describes a blob stored at rel on a volume backend.
func BackendSource(b models.Blob, backend blobstore.Backend, rel string) Source {
	src := Source{
		Blob: b,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return backend.Open(ctx, rel)
		},
	}
	if _, ok := backend.(blobstore.HardLinker); ok {
		src.LocalPath = backend.Abs(rel)
	}
	return src
}

// Linker never touches reference metadata; recording the returned blob is
// the caller's job.
type Linker struct {
	layout  paths.Layout
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Linker for the given path layout.
func New(layout paths.Layout, logger *slog.Logger, m *metrics.Metrics) (*Linker, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{layout: layout, logger: logger.With("component", "linker"), metrics: m}, nil
}

// Layout returns the path layout blobs are placed with.
func (l *Linker) Layout() paths.Layout { return l.layout }

// Link materializes a staged blob as the mailbox blob for id on vol.
func (l *Linker) Link(ctx context.Context, staged *models.Blob, id models.Identity, vol volume.VolumeInfo) (*models.MailboxBlob, error) {
	if staged == nil || staged.Path == "" {
		return nil, blobstore.NewError("link", "", blobstore.ErrInvalidIdentity, fmt.Errorf("staged blob is required"))
	}
	return l.Materialize(ctx, FileSource(*staged), id, vol)
}

// Materialize places src at the path derived from id on vol. A destination
// that already holds identical bytes is success; different bytes fail with
// ErrDestinationExists and are left untouched.
func (l *Linker) Materialize(ctx context.Context, src Source, id models.Identity, vol volume.VolumeInfo) (*models.MailboxBlob, error) {
	if vol.Backend == nil {
		return nil, blobstore.NewError("link", "", blobstore.ErrVolumeNotFound, fmt.Errorf("volume %d has no backend", vol.ID))
	}
	rel, err := l.layout.Derive(id.MailboxID, id.ItemID, id.ModSeq, id.Revision)
	if err != nil {
		return nil, err
	}
	if src.Digest == "" {
		if err := l.fillDigest(ctx, &src); err != nil {
			return nil, err
		}
	}

	mb := &models.MailboxBlob{
		Blob: models.Blob{
			Path:     vol.Backend.Abs(rel),
			VolumeID: vol.ID,
			Size:     src.Size,
			Digest:   src.Digest,
		},
		Identity: id,
		RelPath:  rel,
	}

	if hl, ok := vol.Backend.(blobstore.HardLinker); ok && vol.SupportsHardLinks() && src.LocalPath != "" {
		err := hl.Link(ctx, src.LocalPath, rel)
		switch {
		case err == nil:
			l.metrics.RecordLink(metrics.MethodHardLink)
			l.logger.Debug("linked", "identity", id, "volume", vol.ID, "path", rel)
			return mb, nil
		case errors.Is(err, fs.ErrExist):
			return l.checkExisting(ctx, vol, mb)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			linkErr := blobstore.NewError("link", mb.Path, blobstore.ErrLinkFailed, err)
			l.metrics.RecordLinkFallback()
			l.logger.Debug("hard link refused, copying", "identity", id, "volume", vol.ID, "err", linkErr)
		}
	}

	return l.copy(ctx, src, vol, mb)
}

func (l *Linker) copy(ctx context.Context, src Source, vol volume.VolumeInfo, mb *models.MailboxBlob) (*models.MailboxBlob, error) {
	alg, err := blobstore.DigestAlgorithmOf(src.Digest)
	if err != nil {
		return nil, blobstore.NewError("copy", mb.Path, blobstore.ErrCopyFailed, err)
	}
	h, err := blobstore.NewHash(alg)
	if err != nil {
		return nil, blobstore.NewError("copy", mb.Path, blobstore.ErrCopyFailed, err)
	}

	rc, err := src.Open(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blobstore.NewError("copy", src.Path, blobstore.ErrBlobMissing, err)
		}
		return nil, blobstore.NewError("copy", src.Path, blobstore.ErrCopyFailed, err)
	}
	defer rc.Close()

	n, err := vol.Backend.Create(ctx, mb.RelPath, io.TeeReader(rc, h))
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return l.checkExisting(ctx, vol, mb)
		}
		l.metrics.RecordLinkFailure("copy")
		return nil, blobstore.NewError("copy", mb.Path, blobstore.ErrCopyFailed, err)
	}

	got := blobstore.FormatDigest(alg, h.Sum(nil))
	if got != src.Digest || n != src.Size {
		// Nothing references the path yet, so pulling it back is safe.
		_ = vol.Backend.Remove(ctx, mb.RelPath)
		l.metrics.RecordLinkFailure("copy")
		return nil, blobstore.NewError("copy", mb.Path, blobstore.ErrCopyFailed,
			fmt.Errorf("copied %d bytes with digest %s, want %d bytes with %s", n, got, src.Size, src.Digest))
	}

	l.metrics.RecordLink(metrics.MethodCopy)
	l.logger.Debug("copied", "identity", mb.Identity, "volume", vol.ID, "path", mb.RelPath, "bytes", n)
	return mb, nil
}

func (l *Linker) checkExisting(ctx context.Context, vol volume.VolumeInfo, want *models.MailboxBlob) (*models.MailboxBlob, error) {
	info, err := vol.Backend.Stat(ctx, want.RelPath)
	if err != nil {
		return nil, blobstore.NewError("link", want.Path, blobstore.ErrIOFailure, err)
	}
	if info.Size() != want.Size {
		l.metrics.RecordLinkFailure("conflict")
		return nil, blobstore.NewError("link", want.Path, blobstore.ErrDestinationExists,
			fmt.Errorf("existing size %d, want %d", info.Size(), want.Size))
	}

	alg, err := blobstore.DigestAlgorithmOf(want.Digest)
	if err != nil {
		return nil, blobstore.NewError("link", want.Path, blobstore.ErrDestinationExists, err)
	}
	rc, err := vol.Backend.Open(ctx, want.RelPath)
	if err != nil {
		return nil, blobstore.NewError("link", want.Path, blobstore.ErrIOFailure, err)
	}
	defer rc.Close()

	got, _, err := blobstore.DigestReader(ctx, alg, rc)
	if err != nil {
		return nil, blobstore.NewError("link", want.Path, blobstore.ErrIOFailure, err)
	}
	if got != want.Digest {
		l.metrics.RecordLinkFailure("conflict")
		return nil, blobstore.NewError("link", want.Path, blobstore.ErrDestinationExists,
			fmt.Errorf("existing digest %s, want %s", got, want.Digest))
	}

	l.metrics.RecordLink(metrics.MethodExisting)
	l.logger.Debug("destination already materialized", "identity", want.Identity, "volume", vol.ID)
	return want, nil
}

func (l *Linker) fillDigest(ctx context.Context, src *Source) error {
	rc, err := src.Open(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blobstore.NewError("digest", src.Path, blobstore.ErrBlobMissing, err)
		}
		return blobstore.NewError("digest", src.Path, blobstore.ErrIOFailure, err)
	}
	defer rc.Close()

	digest, n, err := blobstore.DigestReader(ctx, blobstore.DefaultDigest, rc)
	if err != nil {
		return blobstore.NewError("digest", src.Path, blobstore.ErrIOFailure, err)
	}
	src.Digest = digest
	src.Size = n
	return nil
}

// Open returns a reader for mb. A missing file fails with ErrBlobMissing.
func (l *Linker) Open(ctx context.Context, mb *models.MailboxBlob, vol volume.VolumeInfo) (io.ReadCloser, error) {
	if mb == nil {
		return nil, blobstore.NewError("open", "", blobstore.ErrInvalidIdentity, fmt.Errorf("blob is required"))
	}
	if vol.Backend == nil {
		return nil, blobstore.NewError("open", mb.Path, blobstore.ErrVolumeNotFound, nil)
	}
	rel := mb.RelPath
	if rel == "" {
		derived, err := l.layout.Derive(mb.Identity.MailboxID, mb.Identity.ItemID, mb.Identity.ModSeq, mb.Identity.Revision)
		if err != nil {
			return nil, err
		}
		rel = derived
	}
	rc, err := vol.Backend.Open(ctx, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blobstore.NewError("open", vol.Backend.Abs(rel), blobstore.ErrBlobMissing, err)
		}
		return nil, blobstore.NewError("open", vol.Backend.Abs(rel), blobstore.ErrIOFailure, err)
	}
	return rc, nil
}

// Locate rebuilds a mailbox blob handle from metadata without touching disk.
func (l *Linker) Locate(id models.Identity, vol volume.VolumeInfo, size int64, digest string) (*models.MailboxBlob, error) {
	if vol.Backend == nil {
		return nil, blobstore.NewError("locate", "", blobstore.ErrVolumeNotFound, fmt.Errorf("volume %d has no backend", vol.ID))
	}
	rel, err := l.layout.Derive(id.MailboxID, id.ItemID, id.ModSeq, id.Revision)
	if err != nil {
		return nil, err
	}
	return &models.MailboxBlob{
		Blob: models.Blob{
			Path:     vol.Backend.Abs(rel),
			VolumeID: vol.ID,
			Size:     size,
			Digest:   digest,
		},
		Identity: id,
		RelPath:  rel,
	}, nil
}

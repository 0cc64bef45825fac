// Package staging holds incoming message bytes before any mailbox owns them.
//
// Unclaimed blobs live in <root>/incoming, blobs being promoted into
// mailboxes live in <root>/claimed. Anything left in either directory past
// the TTL is removed by Sweep.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"mailstore/internal/blobstore"
	"mailstore/internal/metrics"
	"mailstore/internal/models"
)

const (
	incomingDir = "incoming"
	claimedDir  = "claimed"
	stagedExt   = ".msg"

	DefaultTTL = 24 * time.Hour
)

// Config configures an Area.
type Config struct {
	Root   string
	TTL    time.Duration
	Digest blobstore.DigestAlgorithm
}

// SweepResult reports one staging sweep pass.
type SweepResult struct {
	Scanned      int   `json:"scanned" yaml:"scanned"`
	Removed      int   `json:"removed" yaml:"removed"`
	RemovedBytes int64 `json:"removed_bytes" yaml:"removed_bytes"`
	Failed       int   `json:"failed" yaml:"failed"`
}

// Area is the incoming staging area. It is safe for concurrent use; races
// between Claim and Sweep are settled by whichever rename or remove reaches
// the filesystem first.
type Area struct {
	backend *blobstore.Local
	ttl     time.Duration
	digest  blobstore.DigestAlgorithm
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New opens the staging area under cfg.Root, creating it if needed.
func New(cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Area, error) {
	backend, err := blobstore.NewLocal(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("open staging root: %w", err)
	}
	for _, dir := range []string{incomingDir, claimedDir} {
		if err := os.MkdirAll(filepath.Join(backend.Root(), dir), 0o755); err != nil {
			return nil, fmt.Errorf("create staging dir: %w", err)
		}
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	alg := cfg.Digest
	if alg == "" {
		alg = blobstore.DefaultDigest
	}
	if _, err := blobstore.NewHash(alg); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Area{
		backend: backend,
		ttl:     ttl,
		digest:  alg,
		clock:   clk,
		logger:  logger.With("component", "staging"),
		metrics: m,
	}, nil
}

// Root returns the absolute staging root.
func (a *Area) Root() string { return a.backend.Root() }

// TTL returns how long unclaimed blobs survive.
func (a *Area) TTL() time.Duration { return a.ttl }

// Stage streams r into a new staged blob, hashing as it writes. On any
// failure, including cancellation, nothing is left behind.
func (a *Area) Stage(ctx context.Context, r io.Reader) (*models.StagedBlob, error) {
	if r == nil {
		return nil, blobstore.NewError("stage", "", blobstore.ErrStagingWriteFailed, fmt.Errorf("reader is required"))
	}
	h, err := blobstore.NewHash(a.digest)
	if err != nil {
		return nil, err
	}

	name := uuid.NewString() + stagedExt
	rel := path.Join(incomingDir, name)

	size, err := a.backend.Create(ctx, rel, io.TeeReader(r, h))
	if err != nil {
		a.metrics.RecordStagingFailure()
		a.logger.Warn("staging write failed", "name", name, "bytes", size, "err", err)
		return nil, blobstore.NewError("stage", a.backend.Abs(rel), blobstore.ErrStagingWriteFailed, err)
	}

	now := a.clock.Now()
	abs := a.backend.Abs(rel)
	if err := os.Chtimes(abs, now, now); err != nil {
		_ = os.Remove(abs)
		a.metrics.RecordStagingFailure()
		return nil, blobstore.NewError("stage", abs, blobstore.ErrStagingWriteFailed, err)
	}

	sb := &models.StagedBlob{
		Blob: models.Blob{
			Path:   abs,
			Size:   size,
			Digest: blobstore.FormatDigest(a.digest, h.Sum(nil)),
		},
		Name:      name,
		CreatedAt: now,
	}
	a.metrics.RecordStaged(size)
	a.logger.Debug("staged", "name", name, "bytes", size, "digest", sb.Digest)
	return sb, nil
}

// Claim moves a staged blob out of the sweepable incoming set. It fails with
// ErrStagedBlobExpired when the sweep removed the file first. Claiming an
// already claimed blob returns it unchanged.
func (a *Area) Claim(ctx context.Context, sb *models.StagedBlob) (*models.StagedBlob, error) {
	if sb == nil || sb.Name == "" {
		return nil, blobstore.NewError("claim", "", blobstore.ErrInvalidIdentity, fmt.Errorf("staged blob is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := a.incomingPath(sb.Name)
	dst := a.claimedPath(sb.Name)

	if sb.Claimed {
		if _, err := os.Stat(dst); err != nil {
			return nil, a.claimErr(dst, err)
		}
		return sb, nil
	}

	// Touch before the rename so the claimed name never carries a stale mtime.
	now := a.clock.Now()
	if err := os.Chtimes(src, now, now); err != nil {
		return nil, a.claimErr(src, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, a.claimErr(src, err)
	}

	claimed := *sb
	claimed.Path = dst
	claimed.Claimed = true
	a.logger.Debug("claimed", "name", sb.Name)
	return &claimed, nil
}

// Discard removes a staged blob wherever it currently lives. A blob already
// gone is not an error.
func (a *Area) Discard(ctx context.Context, sb *models.StagedBlob) error {
	if sb == nil || sb.Name == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error
	for _, p := range []string{a.incomingPath(sb.Name), a.claimedPath(sb.Name)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return blobstore.NewError("discard", sb.Path, blobstore.ErrIOFailure, err)
	}
	return nil
}

// Sweep removes staged and claimed files, including abandoned temp files,
// whose modification time is older than the TTL. It stops between files
// when ctx is cancelled.
func (a *Area) Sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{}
	cutoff := a.clock.Now().Add(-a.ttl)

	err := a.backend.Walk(ctx, func(rel string, info fs.FileInfo) error {
		dir, _, _ := strings.Cut(rel, "/")
		if dir != incomingDir && dir != claimedDir {
			return nil
		}
		result.Scanned++
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(a.backend.Abs(rel)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			result.Failed++
			a.logger.Warn("remove expired staged blob", "path", rel, "err", err)
			return nil
		}
		result.Removed++
		result.RemovedBytes += info.Size()
		a.logger.Debug("expired staged blob removed", "path", rel, "age", a.clock.Now().Sub(info.ModTime()))
		return nil
	})

	a.metrics.RecordStagingSweep(result.Removed)
	if err != nil {
		return result, err
	}
	if result.Removed > 0 || result.Failed > 0 {
		a.logger.Info("staging sweep", "scanned", result.Scanned, "removed", result.Removed, "failed", result.Failed)
	}
	return result, nil
}

func (a *Area) incomingPath(name string) string {
	return filepath.Join(a.backend.Root(), incomingDir, filepath.Base(name))
}

func (a *Area) claimedPath(name string) string {
	return filepath.Join(a.backend.Root(), claimedDir, filepath.Base(name))
}

func (a *Area) claimErr(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return blobstore.NewError("claim", p, blobstore.ErrStagedBlobExpired, err)
	}
	return blobstore.NewError("claim", p, blobstore.ErrIOFailure, err)
}

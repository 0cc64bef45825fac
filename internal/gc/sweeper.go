// Package gc reclaims orphaned mailbox blobs and relocates blobs between
// volumes.
package gc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/atomic"

	"mailstore/internal/blobstore"
	"mailstore/internal/metrics"
	"mailstore/internal/paths"
	"mailstore/internal/volume"
)

const (
	DefaultSafetyMargin      = time.Hour
	DefaultMaxDeleteAttempts = 5
)

// ReferenceTracker answers whether a path on a volume is still live.
type ReferenceTracker interface {
	HasReference(ctx context.Context, volumeID int16, path string) (bool, error)
}

// Volumes is the subset of the volume registry the collector reads.
type Volumes interface {
	Get(id int16) (volume.VolumeInfo, error)
	List() []volume.VolumeInfo
}

// SweeperConfig tunes a Sweeper.
type SweeperConfig struct {
	// SafetyMargin protects files younger than this from deletion, covering
	// the window between materializing a blob and committing its reference.
	SafetyMargin      time.Duration
	MaxDeleteAttempts int
}

// SweepResult reports one volume sweep pass.
type SweepResult struct {
	VolumeID     int16    `json:"volume_id" yaml:"volume_id"`
	DryRun       bool     `json:"dry_run" yaml:"dry_run"`
	Scanned      int      `json:"scanned" yaml:"scanned"`
	Referenced   int      `json:"referenced" yaml:"referenced"`
	Young        int      `json:"young" yaml:"young"`
	Deleted      int      `json:"deleted" yaml:"deleted"`
	DeletedBytes int64    `json:"deleted_bytes" yaml:"deleted_bytes"`
	TempRemoved  int      `json:"temp_removed" yaml:"temp_removed"`
	Failed       int      `json:"failed" yaml:"failed"`
	Candidates   []string `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Stuck        []string `json:"stuck,omitempty" yaml:"stuck,omitempty"`
}

// Stats are running totals across passes.
type Stats struct {
	Passes       int64 `json:"passes" yaml:"passes"`
	Deleted      int64 `json:"deleted" yaml:"deleted"`
	DeletedBytes int64 `json:"deleted_bytes" yaml:"deleted_bytes"`
	Failures     int64 `json:"failures" yaml:"failures"`
}

type attemptKey struct {
	volumeID int16
	path     string
}

// Sweeper deletes blob files that no reference points at.
type Sweeper struct {
	tracker ReferenceTracker
	volumes Volumes
	cfg     SweeperConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	attempts map[attemptKey]int

	passes       atomic.Int64
	deleted      atomic.Int64
	deletedBytes atomic.Int64
	failures     atomic.Int64
}

// NewSweeper returns a Sweeper. Zero config values take the defaults.
func NewSweeper(tracker ReferenceTracker, volumes Volumes, cfg SweeperConfig, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.MaxDeleteAttempts <= 0 {
		cfg.MaxDeleteAttempts = DefaultMaxDeleteAttempts
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		tracker:  tracker,
		volumes:  volumes,
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With("component", "gc"),
		metrics:  m,
		attempts: map[attemptKey]int{},
	}
}

// Stats returns totals since the sweeper was created.
func (s *Sweeper) Stats() Stats {
	return Stats{
		Passes:       s.passes.Load(),
		Deleted:      s.deleted.Load(),
		DeletedBytes: s.deletedBytes.Load(),
		Failures:     s.failures.Load(),
	}
}

// Sweep deletes unreferenced blob files on one volume that are older than
// the safety margin, plus abandoned temp files. With dryRun set it only
// reports candidates. Cancellation stops the pass between files.
func (s *Sweeper) Sweep(ctx context.Context, volumeID int16, dryRun bool) (SweepResult, error) {
	result := SweepResult{VolumeID: volumeID, DryRun: dryRun}
	vol, err := s.volumes.Get(volumeID)
	if err != nil {
		return result, err
	}

	start := s.clock.Now()
	cutoff := start.Add(-s.cfg.SafetyMargin)
	seen := map[string]struct{}{}

	err = Walk(ctx, vol.Backend, func(rel string, info fs.FileInfo) error {
		if paths.IsTempName(rel) {
			if info.ModTime().Before(cutoff) {
				s.removeTemp(ctx, vol, rel, dryRun, &result)
			}
			return nil
		}
		if !paths.IsBlobName(rel) {
			return nil
		}

		result.Scanned++
		if !info.ModTime().Before(cutoff) {
			result.Young++
			return nil
		}

		referenced, err := s.tracker.HasReference(ctx, vol.ID, rel)
		if err != nil {
			return fmt.Errorf("check reference %s: %w", rel, err)
		}
		if referenced {
			result.Referenced++
			return nil
		}

		seen[rel] = struct{}{}
		if dryRun {
			result.Candidates = append(result.Candidates, rel)
			return nil
		}
		s.removeBlob(ctx, vol, rel, info.Size(), &result)
		return nil
	})

	if err == nil {
		s.forgetUnseen(vol.ID, seen)
	}
	result.Stuck = s.stuck(vol.ID)
	s.passes.Inc()
	s.metrics.RecordSweep(vol.ID, result.Deleted, result.DeletedBytes, result.Failed, len(result.Stuck), s.clock.Now().Sub(start))

	if err != nil {
		return result, err
	}
	s.logger.Info("sweep complete",
		"volume", vol.ID,
		"scanned", result.Scanned,
		"deleted", result.Deleted,
		"referenced", result.Referenced,
		"young", result.Young,
		"failed", result.Failed,
		"stuck", len(result.Stuck),
		"dry_run", dryRun,
	)
	return result, nil
}

// SweepAll sweeps every registered volume in id order. A failing volume
// does not stop the others; cancellation does.
func (s *Sweeper) SweepAll(ctx context.Context, dryRun bool) ([]SweepResult, error) {
	var (
		results []SweepResult
		errs    []error
	)
	for _, vol := range s.volumes.List() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.Sweep(ctx, vol.ID, dryRun)
		results = append(results, res)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return results, err
			}
			s.logger.Warn("sweep failed", "volume", vol.ID, "err", err)
			errs = append(errs, fmt.Errorf("volume %d: %w", vol.ID, err))
		}
	}
	return results, errors.Join(errs...)
}

func (s *Sweeper) removeBlob(ctx context.Context, vol volume.VolumeInfo, rel string, size int64, result *SweepResult) {
	key := attemptKey{volumeID: vol.ID, path: rel}
	if err := vol.Backend.Remove(ctx, rel); err != nil {
		result.Failed++
		s.failures.Inc()
		s.mu.Lock()
		s.attempts[key]++
		n := s.attempts[key]
		s.mu.Unlock()
		s.logger.Warn("delete orphaned blob", "volume", vol.ID, "path", rel, "attempt", n, "err", err)
		return
	}

	s.mu.Lock()
	delete(s.attempts, key)
	s.mu.Unlock()

	result.Deleted++
	result.DeletedBytes += size
	s.deleted.Inc()
	s.deletedBytes.Add(size)
	s.logger.Debug("orphaned blob deleted", "volume", vol.ID, "path", rel, "bytes", size)
}

func (s *Sweeper) removeTemp(ctx context.Context, vol volume.VolumeInfo, rel string, dryRun bool, result *SweepResult) {
	if dryRun {
		result.Candidates = append(result.Candidates, rel)
		return
	}
	if err := vol.Backend.Remove(ctx, rel); err != nil {
		result.Failed++
		s.failures.Inc()
		s.logger.Warn("remove abandoned temp file", "volume", vol.ID, "path", rel, "err", err)
		return
	}
	result.TempRemoved++
}

// forgetUnseen drops failure counts for paths that are no longer delete
// candidates.
func (s *Sweeper) forgetUnseen(volumeID int16, seen map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.attempts {
		if key.volumeID != volumeID {
			continue
		}
		if _, ok := seen[key.path]; !ok {
			delete(s.attempts, key)
		}
	}
}

func (s *Sweeper) stuck(volumeID int16) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key, n := range s.attempts {
		if key.volumeID == volumeID && n >= s.cfg.MaxDeleteAttempts {
			out = append(out, key.path)
		}
	}
	sort.Strings(out)
	return out
}

// Walk visits every file of backend in lexical order, checking ctx between
// files. It is the traversal shared by sweeps and verification.
func Walk(ctx context.Context, backend blobstore.Backend, fn blobstore.WalkFunc) error {
	if backend == nil {
		return fmt.Errorf("volume backend is required")
	}
	return backend.Walk(ctx, func(rel string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(rel, info)
	})
}

// Package service is the synchronous API the mailbox layer calls. It
// orchestrates staging, linking and reference bookkeeping so that a blob is
// always materialized before metadata points at it.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juju/clock"

	"mailstore/internal/blobstore"
	"mailstore/internal/gc"
	"mailstore/internal/linker"
	"mailstore/internal/models"
	"mailstore/internal/staging"
	"mailstore/internal/store"
	"mailstore/internal/volume"
)

// ItemRef names one mailbox item revision a delivered message becomes.
type ItemRef struct {
	ItemID   int64 `json:"item_id" yaml:"item_id"`
	ModSeq   int64 `json:"mod_seq" yaml:"mod_seq"`
	Revision int64 `json:"revision" yaml:"revision"`
}

// Config wires a Service. Logger and Clock are optional.
type Config struct {
	References store.ReferenceStore
	Volumes    *volume.Registry
	Staging    *staging.Area
	Linker     *linker.Linker
	Sweeper    *gc.Sweeper
	Mover      *gc.Mover
	Verifier   *gc.Verifier
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	refs     store.ReferenceStore
	volumes  *volume.Registry
	staging  *staging.Area
	linker   *linker.Linker
	sweeper  *gc.Sweeper
	mover    *gc.Mover
	verifier *gc.Verifier
	clock    clock.Clock
	logger   *slog.Logger
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.References == nil:
		return nil, fmt.Errorf("reference store is required")
	case cfg.Volumes == nil:
		return nil, fmt.Errorf("volume registry is required")
	case cfg.Staging == nil:
		return nil, fmt.Errorf("staging area is required")
	case cfg.Linker == nil:
		return nil, fmt.Errorf("linker is required")
	case cfg.Sweeper == nil || cfg.Mover == nil || cfg.Verifier == nil:
		return nil, fmt.Errorf("collector is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		refs:     cfg.References,
		volumes:  cfg.Volumes,
		staging:  cfg.Staging,
		linker:   cfg.Linker,
		sweeper:  cfg.Sweeper,
		mover:    cfg.Mover,
		verifier: cfg.Verifier,
		clock:    clk,
		logger:   logger.With("component", "service"),
	}, nil
}

// Deliver stages r once and materializes it for every item of mailboxID on
// the current primary volume, recording a reference for each. Items in one
// delivery share bytes through hard links where the volume allows it.
//
// Blobs delivered before a failure stay referenced and are returned. A blob
// whose reference could not be recorded is left unreferenced for the sweeper.
func (s *Service) Deliver(ctx context.Context, r io.Reader, mailboxID int64, items []ItemRef) ([]*models.MailboxBlob, error) {
	if len(items) == 0 {
		return nil, blobstore.NewError("deliver", "", blobstore.ErrInvalidIdentity, fmt.Errorf("at least one item is required"))
	}
	vol, err := s.volumes.Current(models.VolumePrimaryMessage)
	if err != nil {
		return nil, err
	}

	staged, err := s.staging.Stage(ctx, r)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.staging.Discard(context.WithoutCancel(ctx), staged); err != nil {
			s.logger.Warn("discard staged blob", "name", staged.Name, "err", err)
		}
	}()

	claimed, err := s.staging.Claim(ctx, staged)
	if err != nil {
		return nil, err
	}

	out := make([]*models.MailboxBlob, 0, len(items))
	for _, item := range items {
		id := models.Identity{MailboxID: mailboxID, ItemID: item.ItemID, ModSeq: item.ModSeq, Revision: item.Revision}
		mb, err := s.linker.Link(ctx, &claimed.Blob, id, vol)
		if err != nil {
			return out, err
		}
		if err := s.record(ctx, mb); err != nil {
			s.logger.Warn("record reference, blob left for sweep", "identity", id, "volume", vol.ID, "err", err)
			return out, fmt.Errorf("record reference: %w", err)
		}
		out = append(out, mb)
	}
	s.logger.Debug("delivered", "mailbox", mailboxID, "items", len(out), "bytes", claimed.Size, "volume", vol.ID)
	return out, nil
}

func (s *Service) record(ctx context.Context, mb *models.MailboxBlob) error {
	now := s.clock.Now().UTC()
	return s.refs.RecordReference(ctx, models.Reference{
		MailboxID: mb.Identity.MailboxID,
		ItemID:    mb.Identity.ItemID,
		Revision:  mb.Identity.Revision,
		VolumeID:  mb.VolumeID,
		Path:      mb.RelPath,
		SizeBytes: mb.Size,
		Digest:    mb.Digest,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Lookup resolves the mailbox blob an item revision references.
func (s *Service) Lookup(ctx context.Context, mailboxID, itemID, revision int64) (*models.MailboxBlob, error) {
	ref, err := s.refs.GetReference(ctx, mailboxID, itemID, revision)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, blobstore.NewError("lookup", "", blobstore.ErrReferenceNotFound,
			fmt.Errorf("mbox=%d, item=%d, rev=%d", mailboxID, itemID, revision))
	}
	vol, err := s.volumes.Get(ref.VolumeID)
	if err != nil {
		return nil, blobstore.Inconsistent("lookup", ref.Path, err)
	}
	return &models.MailboxBlob{
		Blob: models.Blob{
			Path:     vol.Backend.Abs(ref.Path),
			VolumeID: ref.VolumeID,
			Size:     ref.SizeBytes,
			Digest:   ref.Digest,
		},
		Identity: models.Identity{MailboxID: ref.MailboxID, ItemID: ref.ItemID, Revision: ref.Revision},
		RelPath:  ref.Path,
	}, nil
}

// Open returns the bytes of an item revision. A referenced blob whose file
// is gone is reported as an inconsistency.
func (s *Service) Open(ctx context.Context, mailboxID, itemID, revision int64) (io.ReadCloser, *models.MailboxBlob, error) {
	mb, err := s.Lookup(ctx, mailboxID, itemID, revision)
	if err != nil {
		return nil, nil, err
	}
	vol, err := s.volumes.Get(mb.VolumeID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.linker.Open(ctx, mb, vol)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobMissing) {
			s.logger.Error("referenced blob missing", "identity", mb.Identity, "volume", mb.VolumeID, "path", mb.RelPath)
			return nil, nil, blobstore.Inconsistent("open", mb.Path, err)
		}
		return nil, nil, err
	}
	return rc, mb, nil
}

// Delete drops the reference of an item revision. The file is reclaimed by
// a later sweep once the safety margin has passed.
func (s *Service) Delete(ctx context.Context, mailboxID, itemID, revision int64) error {
	deleted, err := s.refs.DeleteReference(ctx, mailboxID, itemID, revision)
	if err != nil {
		return err
	}
	if !deleted {
		return blobstore.NewError("delete", "", blobstore.ErrReferenceNotFound,
			fmt.Errorf("mbox=%d, item=%d, rev=%d", mailboxID, itemID, revision))
	}
	return nil
}

// Move relocates an item revision to targetVolumeID. The reference is
// repointed before the old file is removed.
func (s *Service) Move(ctx context.Context, mailboxID, itemID, revision int64, targetVolumeID int16) (*models.MailboxBlob, error) {
	mb, err := s.Lookup(ctx, mailboxID, itemID, revision)
	if err != nil {
		return nil, err
	}
	return s.mover.Move(ctx, mb, targetVolumeID, func(ctx context.Context, moved *models.MailboxBlob) error {
		return s.refs.UpdateVolume(ctx, mailboxID, itemID, revision, moved.VolumeID, moved.RelPath)
	})
}

// Sweep reclaims unreferenced blobs on one volume.
func (s *Service) Sweep(ctx context.Context, volumeID int16, dryRun bool) (gc.SweepResult, error) {
	return s.sweeper.Sweep(ctx, volumeID, dryRun)
}

// SweepAll reclaims unreferenced blobs on every volume.
func (s *Service) SweepAll(ctx context.Context, dryRun bool) ([]gc.SweepResult, error) {
	return s.sweeper.SweepAll(ctx, dryRun)
}

// SweepStaging expires abandoned staged blobs.
func (s *Service) SweepStaging(ctx context.Context) (staging.SweepResult, error) {
	return s.staging.Sweep(ctx)
}

// Verify reports references on volumeID whose files are missing or
// truncated.
func (s *Service) Verify(ctx context.Context, volumeID int16) (gc.VerifyResult, error) {
	return s.verifier.Verify(ctx, volumeID)
}

package gc

import (
	"context"
	"fmt"
	"log/slog"

	"mailstore/internal/blobstore"
	"mailstore/internal/linker"
	"mailstore/internal/metrics"
	"mailstore/internal/models"
)

// Confirmer commits a moved blob's new location to metadata. The old file
// is only removed after it returns nil.
type Confirmer func(ctx context.Context, moved *models.MailboxBlob) error

// Mover relocates mailbox blobs between volumes.
type Mover struct {
	volumes Volumes
	linker  *linker.Linker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMover returns a Mover.
func NewMover(volumes Volumes, l *linker.Linker, logger *slog.Logger, m *metrics.Metrics) *Mover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{volumes: volumes, linker: l, logger: logger.With("component", "mover"), metrics: m}
}

// Move materializes mb on the target volume, confirms through confirm and
// then removes the old file. When confirm fails the new blob is returned
// with ErrMoveIncomplete and the old file is kept; at every point one
// readable copy exists.
func (m *Mover) Move(ctx context.Context, mb *models.MailboxBlob, targetVolumeID int16, confirm Confirmer) (*models.MailboxBlob, error) {
	if mb == nil {
		return nil, blobstore.NewError("move", "", blobstore.ErrInvalidIdentity, fmt.Errorf("blob is required"))
	}
	if confirm == nil {
		return nil, blobstore.NewError("move", mb.Path, blobstore.ErrInvalidIdentity, fmt.Errorf("confirmation is required"))
	}
	if mb.VolumeID == targetVolumeID {
		m.metrics.RecordMove("noop")
		return mb, nil
	}

	moved, err := m.Stage(ctx, mb, targetVolumeID)
	if err != nil {
		m.metrics.RecordMove("failed")
		return nil, err
	}

	if err := confirm(ctx, moved); err != nil {
		m.metrics.RecordMove("incomplete")
		m.logger.Warn("move not confirmed, keeping source", "identity", mb.Identity, "from", mb.VolumeID, "to", targetVolumeID, "err", err)
		return moved, blobstore.NewError("move", moved.Path, blobstore.ErrMoveIncomplete, err)
	}

	if err := m.Complete(ctx, mb); err != nil {
		// The reference already points at the new copy; the sweeper reclaims
		// the old file.
		m.logger.Warn("remove moved source", "identity", mb.Identity, "volume", mb.VolumeID, "err", err)
	}
	m.metrics.RecordMove("moved")
	m.logger.Info("blob moved", "identity", mb.Identity, "from", mb.VolumeID, "to", targetVolumeID)
	return moved, nil
}

// Stage materializes mb on the target volume without touching the source.
func (m *Mover) Stage(ctx context.Context, mb *models.MailboxBlob, targetVolumeID int16) (*models.MailboxBlob, error) {
	src, err := m.volumes.Get(mb.VolumeID)
	if err != nil {
		return nil, err
	}
	dst, err := m.volumes.Get(targetVolumeID)
	if err != nil {
		return nil, err
	}
	rel, err := m.relPath(mb)
	if err != nil {
		return nil, err
	}
	return m.linker.Materialize(ctx, linker.BackendSource(mb.Blob, src.Backend, rel), mb.Identity, dst)
}

// Complete removes the source file of a confirmed move.
func (m *Mover) Complete(ctx context.Context, old *models.MailboxBlob) error {
	vol, err := m.volumes.Get(old.VolumeID)
	if err != nil {
		return err
	}
	rel, err := m.relPath(old)
	if err != nil {
		return err
	}
	if err := vol.Backend.Remove(ctx, rel); err != nil {
		return blobstore.NewError("complete move", old.Path, blobstore.ErrIOFailure, err)
	}
	return nil
}

func (m *Mover) relPath(mb *models.MailboxBlob) (string, error) {
	if mb.RelPath != "" {
		return mb.RelPath, nil
	}
	id := mb.Identity
	return m.linker.Layout().Derive(id.MailboxID, id.ItemID, id.ModSeq, id.Revision)
}

package gc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"mailstore/internal/blobstore"
	"mailstore/internal/metrics"
	"mailstore/internal/models"
	"mailstore/internal/store"
)

// ReferenceLister lists the references recorded for a volume.
type ReferenceLister interface {
	ListReferences(ctx context.Context, filter store.ReferenceFilter) ([]models.Reference, error)
}

// VerifyResult reports references whose files diverge from metadata.
type VerifyResult struct {
	VolumeID     int16              `json:"volume_id" yaml:"volume_id"`
	Checked      int                `json:"checked" yaml:"checked"`
	Missing      []models.Reference `json:"missing,omitempty" yaml:"missing,omitempty"`
	SizeMismatch []models.Reference `json:"size_mismatch,omitempty" yaml:"size_mismatch,omitempty"`
}

// Err returns an Inconsistent error when any divergence was found.
func (r VerifyResult) Err() error {
	if len(r.Missing) == 0 && len(r.SizeMismatch) == 0 {
		return nil
	}
	return blobstore.Inconsistent("verify", fmt.Sprintf("volume %d", r.VolumeID),
		fmt.Errorf("%d missing, %d size mismatch", len(r.Missing), len(r.SizeMismatch)))
}

// Verifier cross-checks reference metadata against volume contents. It
// reports, it never repairs.
type Verifier struct {
	refs    ReferenceLister
	volumes Volumes
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewVerifier returns a Verifier.
func NewVerifier(refs ReferenceLister, volumes Volumes, logger *slog.Logger, m *metrics.Metrics) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{refs: refs, volumes: volumes, logger: logger.With("component", "verify"), metrics: m}
}

// Verify checks that every reference on volumeID has a file of the
// recorded size.
func (v *Verifier) Verify(ctx context.Context, volumeID int16) (VerifyResult, error) {
	result := VerifyResult{VolumeID: volumeID}
	vol, err := v.volumes.Get(volumeID)
	if err != nil {
		return result, err
	}
	refs, err := v.refs.ListReferences(ctx, store.ReferenceFilter{VolumeID: volumeID})
	if err != nil {
		return result, fmt.Errorf("list references: %w", err)
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		info, err := vol.Backend.Stat(ctx, ref.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				result.Missing = append(result.Missing, ref)
				v.logger.Warn("referenced blob missing", "volume", volumeID, "path", ref.Path,
					"mailbox", ref.MailboxID, "item", ref.ItemID, "revision", ref.Revision)
				continue
			}
			return result, blobstore.NewError("verify", vol.Backend.Abs(ref.Path), blobstore.ErrIOFailure, err)
		}
		if ref.SizeBytes > 0 && info.Size() != ref.SizeBytes {
			result.SizeMismatch = append(result.SizeMismatch, ref)
			v.logger.Warn("referenced blob size mismatch", "volume", volumeID, "path", ref.Path,
				"want", ref.SizeBytes, "got", info.Size())
		}
	}

	v.metrics.SetVerifyMissing(volumeID, len(result.Missing))
	return result, nil
}

package store

import (
	"context"

	"mailstore/internal/models"
)

// ReferenceStore is the metadata surface the mailbox layer keeps current.
type ReferenceStore interface {
	HasReference(ctx context.Context, volumeID int16, path string) (bool, error)
	RecordReference(ctx context.Context, ref models.Reference) error
	UpdateVolume(ctx context.Context, mailboxID, itemID, revision int64, newVolumeID int16, newPath string) error
	GetReference(ctx context.Context, mailboxID, itemID, revision int64) (*models.Reference, error)
	DeleteReference(ctx context.Context, mailboxID, itemID, revision int64) (bool, error)
	ListReferences(ctx context.Context, filter ReferenceFilter) ([]models.Reference, error)
}

// VolumeStore persists the volume registry.
type VolumeStore interface {
	InsertVolume(ctx context.Context, vol models.Volume) error
	ListVolumes(ctx context.Context) ([]models.Volume, error)
	SetCurrentVolume(ctx context.Context, id int16) error
}

var (
	_ ReferenceStore = (*Store)(nil)
	_ VolumeStore    = (*Store)(nil)
)

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mailstore/internal/blobstore"
	"mailstore/internal/models"
)

const referenceColumns = "mailbox_id, item_id, revision, volume_id, path, size_bytes, digest, created_at, updated_at"

// ReferenceFilter narrows ListReferences. Zero values match everything.
type ReferenceFilter struct {
	VolumeID  int16
	MailboxID int64
	Limit     int
}

// HasReference reports whether any reference record points at path on the
// given volume. A false answer is what allows the sweeper to delete a file.
func (s *Store) HasReference(ctx context.Context, volumeID int16, path string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM blob_refs WHERE volume_id = ? AND path = ? LIMIT 1",
		volumeID, path).Scan(&exists)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordReference inserts or replaces the reference for one item revision.
func (s *Store) RecordReference(ctx context.Context, ref models.Reference) error {
	if ref.MailboxID < 0 || ref.ItemID < 0 || ref.Revision < 0 {
		return blobstore.NewError("record reference", ref.Path, blobstore.ErrInvalidIdentity, fmt.Errorf("identity must be non-negative"))
	}
	if ref.Path == "" {
		return blobstore.NewError("record reference", "", blobstore.ErrInvalidIdentity, fmt.Errorf("path is required"))
	}

	now := time.Now().UTC()
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = now
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = ref.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blob_refs (`+referenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mailbox_id, item_id, revision) DO UPDATE SET
			volume_id = excluded.volume_id,
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			digest = excluded.digest,
			updated_at = excluded.updated_at
	`, ref.MailboxID, ref.ItemID, ref.Revision, ref.VolumeID, ref.Path, ref.SizeBytes,
		nullIfEmpty(ref.Digest), formatTime(ref.CreatedAt), formatTime(ref.UpdatedAt))
	return err
}

// UpdateVolume repoints a reference at its new location after a move.
func (s *Store) UpdateVolume(ctx context.Context, mailboxID, itemID, revision int64, newVolumeID int16, newPath string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blob_refs SET volume_id = ?, path = ?, updated_at = ?
		WHERE mailbox_id = ? AND item_id = ? AND revision = ?
	`, newVolumeID, newPath, formatTime(time.Now()), mailboxID, itemID, revision)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return blobstore.NewError("update volume", newPath, blobstore.ErrReferenceNotFound,
			fmt.Errorf("mbox=%d, item=%d, rev=%d", mailboxID, itemID, revision))
	}
	return nil
}

// GetReference returns the reference for one item revision, or nil.
func (s *Store) GetReference(ctx context.Context, mailboxID, itemID, revision int64) (*models.Reference, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM blob_refs
		WHERE mailbox_id = ? AND item_id = ? AND revision = ?`, mailboxID, itemID, revision)
	return scanReference(row)
}

// DeleteReference drops the reference for one item revision. The file is
// left for the sweeper. Deleting a missing reference is not an error.
func (s *Store) DeleteReference(ctx context.Context, mailboxID, itemID, revision int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM blob_refs WHERE mailbox_id = ? AND item_id = ? AND revision = ?",
		mailboxID, itemID, revision)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListReferences returns references ordered by volume and path.
func (s *Store) ListReferences(ctx context.Context, filter ReferenceFilter) ([]models.Reference, error) {
	query := `SELECT ` + referenceColumns + ` FROM blob_refs WHERE 1 = 1`
	args := []any{}
	if filter.VolumeID > 0 {
		query += " AND volume_id = ?"
		args = append(args, filter.VolumeID)
	}
	if filter.MailboxID > 0 {
		query += " AND mailbox_id = ?"
		args = append(args, filter.MailboxID)
	}
	query += " ORDER BY volume_id ASC, path ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := []models.Reference{}
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			refs = append(refs, *ref)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// CountReferences returns the number of references per volume id.
func (s *Store) CountReferences(ctx context.Context) (map[int16]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT volume_id, COUNT(*) FROM blob_refs GROUP BY volume_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[int16]int{}
	for rows.Next() {
		var (
			id int16
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func scanReference(scanner interface {
	Scan(dest ...any) error
}) (*models.Reference, error) {
	var (
		ref                  models.Reference
		digest               sql.NullString
		createdAt, updatedAt string
	)
	err := scanner.Scan(&ref.MailboxID, &ref.ItemID, &ref.Revision, &ref.VolumeID, &ref.Path,
		&ref.SizeBytes, &digest, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ref.Digest = digest.String

	if ref.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ref.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ref, nil
}

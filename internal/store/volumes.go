package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"mailstore/internal/blobstore"
	"mailstore/internal/models"
)

const volumeColumns = "id, type, root, current"

// InsertVolume persists a newly registered volume. A volume inserted with
// Current set demotes the previous current volume of the same type in the
// same transaction.
func (s *Store) InsertVolume(ctx context.Context, vol models.Volume) (err error) {
	if vol.ID <= 0 {
		return blobstore.NewError("insert volume", "", blobstore.ErrInvalidIdentity, fmt.Errorf("volume id must be > 0"))
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if vol.Current {
		if _, err = tx.ExecContext(ctx,
			"UPDATE volumes SET current = 0, updated_at = ? WHERE type = ? AND current = 1",
			now, string(vol.Type)); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO volumes (id, type, root, current, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, vol.ID, string(vol.Type), vol.Root, boolToInt(vol.Current), now, now)
	if err != nil {
		if isUniqueConstraint(err) {
			err = blobstore.NewError("insert volume", strconv.Itoa(int(vol.ID)), blobstore.ErrDuplicateVolumeID, err)
		}
		return err
	}

	return tx.Commit()
}

// GetVolume returns one volume by id, or nil when it does not exist.
func (s *Store) GetVolume(ctx context.Context, id int16) (*models.Volume, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+volumeColumns+` FROM volumes WHERE id = ?`, id)
	return scanVolume(row)
}

// ListVolumes returns every persisted volume ordered by id.
func (s *Store) ListVolumes(ctx context.Context) ([]models.Volume, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+volumeColumns+` FROM volumes ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	volumes := []models.Volume{}
	for rows.Next() {
		vol, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		if vol != nil {
			volumes = append(volumes, *vol)
		}
	}
	return volumes, rows.Err()
}

// SetCurrentVolume marks id as the current volume of its type and clears the
// flag on every other volume of that type.
func (s *Store) SetCurrentVolume(ctx context.Context, id int16) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var volType string
	if err = tx.QueryRowContext(ctx, "SELECT type FROM volumes WHERE id = ?", id).Scan(&volType); err != nil {
		if isNoRows(err) {
			err = blobstore.NewError("set current", strconv.Itoa(int(id)), blobstore.ErrVolumeNotFound, nil)
		}
		return err
	}

	now := formatTime(time.Now())
	if _, err = tx.ExecContext(ctx,
		"UPDATE volumes SET current = 0, updated_at = ? WHERE type = ? AND current = 1 AND id != ?",
		now, volType, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		"UPDATE volumes SET current = 1, updated_at = ? WHERE id = ?",
		now, id); err != nil {
		return err
	}

	return tx.Commit()
}

func scanVolume(scanner interface {
	Scan(dest ...any) error
}) (*models.Volume, error) {
	var (
		vol     models.Volume
		volType string
		current int
	)
	if err := scanner.Scan(&vol.ID, &volType, &vol.Root, &current); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	vol.Type = models.VolumeType(volType)
	vol.Current = current == 1
	return &vol, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

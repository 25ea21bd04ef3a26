package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/parse"
)

// AddFeedingRecord appends a dispense outcome. An empty status is success.
func (s *gormStore) AddFeedingRecord(ctx context.Context, rec *model.FeedingRecord) error {
	if rec.Status == "" {
		rec.Status = model.FeedingSuccess
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown feeding status %q", ErrInvalid, rec.Status)
	}
	if rec.DayOfWeek != 0 {
		if err := (model.PlanKey{Day: rec.DayOfWeek, Hour: rec.Hour, Minute: rec.Minute}).Validate(); err != nil {
			return invalid(err)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDevice(tx, rec.DeviceID); err != nil {
			return err
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to add feeding record: %w", err)
		}
		return nil
	})
}

// ListFeedingRecords returns the newest records of a device. A non-positive
// limit uses DefaultRecordLimit.
func (s *gormStore) ListFeedingRecords(ctx context.Context, deviceID string, limit int) ([]model.FeedingRecord, error) {
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	var records []model.FeedingRecord
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list feeding records of %s: %w", deviceID, err)
	}
	return records, nil
}

// PublishFirmware adds a firmware to the catalog. A version already present,
// active or not, is a conflict.
func (s *gormStore) PublishFirmware(ctx context.Context, fw *model.FirmwareVersion) error {
	if fw.DownloadURL == "" {
		return fmt.Errorf("%w: download_url is required", ErrInvalid)
	}
	if fw.Major < 0 || fw.Minor < 0 || fw.Patch < 0 || fw.Build < 0 {
		return fmt.Errorf("%w: version segments must not be negative", ErrInvalid)
	}
	fw.ID = 0
	fw.IsActive = true
	if fw.CreatedAt.IsZero() {
		fw.CreatedAt = s.now()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.FirmwareVersion{}).
			Where("major = ? AND minor = ? AND patch = ? AND build = ?", fw.Major, fw.Minor, fw.Patch, fw.Build).
			Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check firmware version: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("firmware %s already exists: %w", fw.Version(), ErrConflict)
		}
		if err := tx.Create(fw).Error; err != nil {
			return fmt.Errorf("failed to publish firmware %s: %w", fw.Version(), err)
		}
		return nil
	})
}

// LatestFirmware returns the highest active stable firmware.
func (s *gormStore) LatestFirmware(ctx context.Context) (*model.FirmwareVersion, error) {
	var fw model.FirmwareVersion
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND is_stable = ?", true, true).
		Order("major DESC, minor DESC, patch DESC, build DESC").
		First(&fw).Error; err != nil {
		return nil, notFound(err, "latest firmware")
	}
	return &fw, nil
}

// FirmwareByVersion finds an active firmware by its dotted version.
func (s *gormStore) FirmwareByVersion(ctx context.Context, version string) (*model.FirmwareVersion, error) {
	v := parse.ParseVersion(version)
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty firmware version", ErrInvalid)
	}
	for len(v) < 4 {
		v = append(v, 0)
	}
	var fw model.FirmwareVersion
	if err := s.db.WithContext(ctx).
		Where("major = ? AND minor = ? AND patch = ? AND build = ? AND is_active = ?", v[0], v[1], v[2], v[3], true).
		First(&fw).Error; err != nil {
		return nil, notFound(err, "firmware %s", version)
	}
	return &fw, nil
}

// ListFirmware returns the catalog newest first.
func (s *gormStore) ListFirmware(ctx context.Context, includeInactive bool) ([]model.FirmwareVersion, error) {
	q := s.db.WithContext(ctx)
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var list []model.FirmwareVersion
	if err := q.Order("major DESC, minor DESC, patch DESC, build DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list firmware: %w", err)
	}
	return list, nil
}

// DeactivateFirmware soft-deletes a firmware.
func (s *gormStore) DeactivateFirmware(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&model.FirmwareVersion{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate firmware %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("firmware %d: %w", id, ErrNotFound)
	}
	return nil
}

// AppendVersionHistory records an upgrade or rollback event.
func (s *gormStore) AppendVersionHistory(ctx context.Context, entry *model.DeviceVersionHistory) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append version history for %s: %w", entry.DeviceID, err)
	}
	return nil
}

// ListVersionHistory returns the newest history entries of a device.
func (s *gormStore) ListVersionHistory(ctx context.Context, deviceID string, limit int) ([]model.DeviceVersionHistory, error) {
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	var entries []model.DeviceVersionHistory
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list version history of %s: %w", deviceID, err)
	}
	return entries, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/parse"
)

// EnrollDevice creates a device with the next free PREFIX-### identifier.
func (s *gormStore) EnrollDevice(ctx context.Context, prefix, credentialHash string, info model.VersionInfo) (*model.Device, error) {
	s.enrollMu.Lock()
	defer s.enrollMu.Unlock()

	var device model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&model.Device{}).Where("id LIKE ?", prefix+"-%").Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("failed to list device ids: %w", err)
		}
		device = newDevice(parse.NextDeviceID(prefix, ids), credentialHash, info, s.now())
		if err := tx.Create(&device).Error; err != nil {
			return fmt.Errorf("failed to create device %s: %w", device.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// UpsertDevice creates the device if absent, otherwise records the contact.
// The bool reports whether the row was created.
func (s *gormStore) UpsertDevice(ctx context.Context, id, credentialHash string, info model.VersionInfo) (*model.Device, bool, error) {
	if _, err := parse.ParseDeviceID(id); err != nil {
		return nil, false, invalid(err)
	}
	unlock := s.lockDevice(id)
	defer unlock()

	var device model.Device
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&device, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			device = newDevice(id, credentialHash, info, s.now())
			created = true
			if err := tx.Create(&device).Error; err != nil {
				return fmt.Errorf("failed to create device %s: %w", id, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load device %s: %w", id, err)
		}
		return touch(tx, &device, info, s.now())
	})
	if err != nil {
		return nil, false, err
	}
	return &device, created, nil
}

// TouchHeartbeat records a heartbeat from a known device.
func (s *gormStore) TouchHeartbeat(ctx context.Context, id string, info model.VersionInfo) (*model.Device, error) {
	unlock := s.lockDevice(id)
	defer unlock()

	var device model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&device, "id = ?", id).Error; err != nil {
			return notFound(err, "device %s", id)
		}
		return touch(tx, &device, info, s.now())
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// UpdateGrainWeight stores a finite grain weight.
func (s *gormStore) UpdateGrainWeight(ctx context.Context, id string, weight float64) (*model.Device, error) {
	if err := validWeight(weight); err != nil {
		return nil, err
	}
	unlock := s.lockDevice(id)
	defer unlock()

	now := s.now()
	var device model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&device, "id = ?", id).Error; err != nil {
			return notFound(err, "device %s", id)
		}
		if err := tx.Model(&device).Updates(map[string]any{
			"grain_weight":      weight,
			"last_grain_update": now,
			"last_seen":         now,
		}).Error; err != nil {
			return fmt.Errorf("failed to update grain weight of %s: %w", id, err)
		}
		return tx.First(&device, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// UpdateDeviceVersions stores the non-empty version fields of info.
func (s *gormStore) UpdateDeviceVersions(ctx context.Context, id string, info model.VersionInfo) (*model.Device, error) {
	unlock := s.lockDevice(id)
	defer unlock()

	var device model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&device, "id = ?", id).Error; err != nil {
			return notFound(err, "device %s", id)
		}
		cols := info.Columns()
		if len(cols) == 0 {
			return nil
		}
		if err := tx.Model(&device).Updates(cols).Error; err != nil {
			return fmt.Errorf("failed to update versions of %s: %w", id, err)
		}
		return tx.First(&device, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// SetDeviceFirmware records a firmware version the device now runs.
func (s *gormStore) SetDeviceFirmware(ctx context.Context, deviceID, version string) error {
	_, err := s.UpdateDeviceVersions(ctx, deviceID, model.VersionInfo{FirmwareVersion: version})
	return err
}

// SetOnline sets the online flag of one device.
func (s *gormStore) SetOnline(ctx context.Context, id string, online bool) error {
	unlock := s.lockDevice(id)
	defer unlock()

	res := s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Update("is_online", online)
	if res.Error != nil {
		return fmt.Errorf("failed to set online flag of %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

type onlineRow struct {
	ID       string
	IsOnline bool
}

// SyncOnlineFlags sets online=true exactly for the connected ids in one
// transaction and reports which flags flipped.
func (s *gormStore) SyncOnlineFlags(ctx context.Context, connected []string) (OnlineChanges, error) {
	live := make(map[string]bool, len(connected))
	for _, id := range connected {
		live[id] = true
	}

	var changes OnlineChanges
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []onlineRow
		if err := tx.Model(&model.Device{}).Select("id", "is_online").Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to read online flags: %w", err)
		}
		for _, r := range rows {
			switch {
			case live[r.ID] && !r.IsOnline:
				changes.Online = append(changes.Online, r.ID)
			case !live[r.ID] && r.IsOnline:
				changes.Offline = append(changes.Offline, r.ID)
			}
		}
		if len(changes.Online) > 0 {
			if err := tx.Model(&model.Device{}).Where("id IN ?", changes.Online).Update("is_online", true).Error; err != nil {
				return fmt.Errorf("failed to mark devices online: %w", err)
			}
		}
		if len(changes.Offline) > 0 {
			if err := tx.Model(&model.Device{}).Where("id IN ?", changes.Offline).Update("is_online", false).Error; err != nil {
				return fmt.Errorf("failed to mark devices offline: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return OnlineChanges{}, err
	}
	return changes, nil
}

// MarkStaleOffline marks online devices last seen before cutoff offline,
// skipping the excluded ids. It returns the ids it changed.
func (s *gormStore) MarkStaleOffline(ctx context.Context, cutoff time.Time, exclude []string) ([]string, error) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var stale []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&model.Device{}).
			Where("is_online = ? AND last_seen < ?", true, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("failed to find stale devices: %w", err)
		}
		for _, id := range ids {
			if !skip[id] {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		if err := tx.Model(&model.Device{}).Where("id IN ?", stale).Update("is_online", false).Error; err != nil {
			return fmt.Errorf("failed to mark stale devices offline: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// GetDevice loads one device.
func (s *gormStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	if err := s.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "device %s", id)
	}
	return &device, nil
}

// ListDevices returns all devices ordered by id.
func (s *gormStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).Order("id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func validWeight(weight float64) error {
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: grain weight must be finite", ErrInvalid)
	}
	return nil
}

func newDevice(id, credentialHash string, info model.VersionInfo, now time.Time) model.Device {
	deviceType := info.DeviceType
	if deviceType == "" {
		deviceType = model.DefaultDeviceType
	}
	return model.Device{
		ID:              id,
		CredentialHash:  credentialHash,
		DeviceType:      deviceType,
		DeviceVersion:   info.DeviceVersion,
		FirmwareVersion: info.FirmwareVersion,
		ProtocolVersion: info.ProtocolVersion,
		HardwareVersion: info.HardwareVersion,
		IsOnline:        true,
		HeartbeatCount:  1,
		FirstSeen:       now,
		LastSeen:        now,
	}
}

// touch records a contact on an existing row and refreshes device in place.
func touch(tx *gorm.DB, device *model.Device, info model.VersionInfo, now time.Time) error {
	cols := info.Columns()
	cols["is_online"] = true
	cols["last_seen"] = now
	cols["heartbeat_count"] = gorm.Expr("heartbeat_count + ?", 1)
	if err := tx.Model(&model.Device{}).Where("id = ?", device.ID).Updates(cols).Error; err != nil {
		return fmt.Errorf("failed to record contact from %s: %w", device.ID, err)
	}
	if err := tx.First(device, "id = ?", device.ID).Error; err != nil {
		return fmt.Errorf("failed to reload device %s: %w", device.ID, err)
	}
	return nil
}

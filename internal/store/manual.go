package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pet-feeder-backend/internal/model"
)

// CreateManualFeeding queues a manual command. When an identical unexecuted
// command is already queued it is returned instead and created is false.
func (s *gormStore) CreateManualFeeding(ctx context.Context, deviceID string, key model.ManualKey) (*model.ManualFeeding, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, invalid(err)
	}
	key = key.Normalized()
	unlock := s.lockDevice(deviceID)
	defer unlock()

	var cmd model.ManualFeeding
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDevice(tx, deviceID); err != nil {
			return err
		}
		var queued []model.ManualFeeding
		if err := tx.Where("device_id = ? AND hour = ? AND minute = ? AND state = ? AND is_executed = ?",
			deviceID, key.Hour, key.Minute, model.StateActive, false).
			Order(fifo).Find(&queued).Error; err != nil {
			return fmt.Errorf("failed to look up queued commands: %w", err)
		}
		for _, q := range queued {
			if q.Key() == key {
				cmd = q
				return nil
			}
		}

		cmd = model.ManualFeeding{
			DeviceID:      deviceID,
			Hour:          key.Hour,
			Minute:        key.Minute,
			FeedingAmount: key.Amount,
			State:         model.StateActive,
			CreatedAt:     s.now(),
		}
		if err := tx.Create(&cmd).Error; err != nil {
			return fmt.Errorf("failed to create manual feeding: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &cmd, created, nil
}

// RequestManualDelete marks an unexecuted command pending delete.
func (s *gormStore) RequestManualDelete(ctx context.Context, id uint) (*model.ManualFeeding, error) {
	current, err := s.GetManualFeeding(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.lockDevice(current.DeviceID)
	defer unlock()

	var cmd model.ManualFeeding
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", model.StateActive).First(&cmd, id).Error; err != nil {
			return notFound(err, "active manual feeding %d", id)
		}
		if cmd.IsExecuted {
			return fmt.Errorf("manual feeding %d already executed: %w", id, ErrConflict)
		}
		if err := tx.Model(&cmd).Update("state", model.StatePendingDelete).Error; err != nil {
			return fmt.Errorf("failed to mark manual feeding %d for deletion: %w", id, err)
		}
		cmd.State = model.StatePendingDelete
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// RequestManualDeleteByKey marks every unexecuted active command at
// hour:minute pending delete, restricted to deviceIDs when given. The
// affected devices are locked for the duration of the write.
func (s *gormStore) RequestManualDeleteByKey(ctx context.Context, hour, minute int, deviceIDs []string) ([]model.ManualFeeding, error) {
	if err := (model.ManualKey{Hour: hour, Minute: minute, Amount: 1}).Validate(); err != nil {
		return nil, invalid(err)
	}

	if len(deviceIDs) == 0 {
		if err := s.db.WithContext(ctx).Model(&model.ManualFeeding{}).
			Where("hour = ? AND minute = ? AND state = ? AND is_executed = ?", hour, minute, model.StateActive, false).
			Distinct("device_id").Pluck("device_id", &deviceIDs).Error; err != nil {
			return nil, fmt.Errorf("failed to find devices with manual feedings at %02d:%02d: %w", hour, minute, err)
		}
		if len(deviceIDs) == 0 {
			return nil, nil
		}
	}
	unlock := s.lockDevices(deviceIDs)
	defer unlock()

	var cmds []model.ManualFeeding
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("hour = ? AND minute = ? AND state = ? AND is_executed = ? AND device_id IN ?",
			hour, minute, model.StateActive, false, deviceIDs)
		if err := q.Order(fifo).Find(&cmds).Error; err != nil {
			return fmt.Errorf("failed to find manual feedings at %02d:%02d: %w", hour, minute, err)
		}
		if len(cmds) == 0 {
			return nil
		}
		ids := make([]uint, len(cmds))
		for i := range cmds {
			ids[i] = cmds[i].ID
			cmds[i].State = model.StatePendingDelete
		}
		if err := tx.Model(&model.ManualFeeding{}).Where("id IN ?", ids).Update("state", model.StatePendingDelete).Error; err != nil {
			return fmt.Errorf("failed to mark manual feedings for deletion: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cmds, nil
}

// ConfirmManualFeeding confirms the oldest unconfirmed, unexecuted active
// command matching key.
func (s *gormStore) ConfirmManualFeeding(ctx context.Context, deviceID string, key model.ManualKey) (*model.ManualFeeding, error) {
	key = key.Normalized()
	unlock := s.lockDevice(deviceID)
	defer unlock()

	var cmd model.ManualFeeding
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.ManualFeeding
		if err := tx.Where("device_id = ? AND hour = ? AND minute = ? AND state = ? AND is_confirmed = ? AND is_executed = ?",
			deviceID, key.Hour, key.Minute, model.StateActive, false, false).
			Order(fifo).Find(&candidates).Error; err != nil {
			return fmt.Errorf("failed to find manual feedings to confirm: %w", err)
		}
		found := false
		for _, c := range candidates {
			if c.Key() == key {
				cmd, found = c, true
				break
			}
		}
		if !found {
			return fmt.Errorf("unconfirmed manual feeding %s on %s: %w", key, deviceID, ErrNotFound)
		}
		if err := tx.Model(&cmd).Update("is_confirmed", true).Error; err != nil {
			return fmt.Errorf("failed to confirm manual feeding %d: %w", cmd.ID, err)
		}
		cmd.IsConfirmed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ExecuteManualFeeding marks the oldest unexecuted command matching key as
// executed and appends a feeding record for it with day 0. at falls back to
// the receipt time and actual to the planned amount.
func (s *gormStore) ExecuteManualFeeding(ctx context.Context, deviceID string, key model.ManualKey, at *time.Time, actual *float64) (*model.ManualFeeding, *model.FeedingRecord, error) {
	key = key.Normalized()
	unlock := s.lockDevice(deviceID)
	defer unlock()

	executedAt := s.now()
	if at != nil && !at.IsZero() {
		executedAt = at.UTC()
	}

	var cmd model.ManualFeeding
	var rec model.FeedingRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.ManualFeeding
		if err := tx.Where("device_id = ? AND hour = ? AND minute = ? AND is_executed = ?",
			deviceID, key.Hour, key.Minute, false).
			Order(fifo).Find(&candidates).Error; err != nil {
			return fmt.Errorf("failed to find manual feedings to execute: %w", err)
		}
		found := false
		for _, c := range candidates {
			if c.Key() == key {
				cmd, found = c, true
				break
			}
		}
		if !found {
			return fmt.Errorf("unexecuted manual feeding %s on %s: %w", key, deviceID, ErrNotFound)
		}
		if err := tx.Model(&cmd).Updates(map[string]any{
			"is_executed": true,
			"executed_at": executedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to mark manual feeding %d executed: %w", cmd.ID, err)
		}
		cmd.IsExecuted = true
		cmd.ExecutedAt = &executedAt

		dispensed := cmd.FeedingAmount
		if actual != nil {
			dispensed = *actual
		}
		rec = model.FeedingRecord{
			DeviceID:      deviceID,
			DayOfWeek:     0,
			Hour:          cmd.Hour,
			Minute:        cmd.Minute,
			FeedingAmount: cmd.FeedingAmount,
			ActualAmount:  &dispensed,
			Status:        dispenseStatus(cmd.FeedingAmount, dispensed),
			CreatedAt:     executedAt,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to record manual feeding %d: %w", cmd.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &cmd, &rec, nil
}

// ConfirmManualDelete removes the earliest pending-delete command at
// hour:minute, matching amount when given. The returned copy carries
// StateRemoved.
func (s *gormStore) ConfirmManualDelete(ctx context.Context, deviceID string, hour, minute int, amount *float64) (*model.ManualFeeding, error) {
	unlock := s.lockDevice(deviceID)
	defer unlock()

	var cmd model.ManualFeeding
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.ManualFeeding
		if err := tx.Where("device_id = ? AND hour = ? AND minute = ? AND state = ?",
			deviceID, hour, minute, model.StatePendingDelete).
			Order(fifo).Find(&candidates).Error; err != nil {
			return fmt.Errorf("failed to find manual feedings to remove: %w", err)
		}
		found := false
		for _, c := range candidates {
			if amount == nil || model.SameAmount(c.FeedingAmount, *amount) {
				cmd, found = c, true
				break
			}
		}
		if !found {
			return fmt.Errorf("pending delete manual feeding %02d:%02d on %s: %w", hour, minute, deviceID, ErrNotFound)
		}
		if err := tx.Delete(&model.ManualFeeding{}, cmd.ID).Error; err != nil {
			return fmt.Errorf("failed to remove manual feeding %d: %w", cmd.ID, err)
		}
		cmd.State = model.StateRemoved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// GetManualFeeding loads one manual command.
func (s *gormStore) GetManualFeeding(ctx context.Context, id uint) (*model.ManualFeeding, error) {
	var cmd model.ManualFeeding
	if err := s.db.WithContext(ctx).First(&cmd, id).Error; err != nil {
		return nil, notFound(err, "manual feeding %d", id)
	}
	return &cmd, nil
}

// ListManualFeedings returns stored commands newest first, optionally for
// one device.
func (s *gormStore) ListManualFeedings(ctx context.Context, deviceID string) ([]model.ManualFeeding, error) {
	q := s.db.WithContext(ctx)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var cmds []model.ManualFeeding
	if err := q.Order("created_at DESC, id DESC").Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("failed to list manual feedings: %w", err)
	}
	return cmds, nil
}

func dispenseStatus(planned, actual float64) model.FeedingStatus {
	switch {
	case actual <= 0:
		return model.FeedingFailed
	case model.RoundAmount(actual) < model.RoundAmount(planned):
		return model.FeedingPartial
	default:
		return model.FeedingSuccess
	}
}

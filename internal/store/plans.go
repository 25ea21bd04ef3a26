package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"pet-feeder-backend/internal/model"
)

// fifo orders rows so the earliest-created match wins.
const fifo = "created_at ASC, id ASC"

// CreatePlan inserts an unconfirmed plan. An active plan with the same key on
// the same device is a conflict.
func (s *gormStore) CreatePlan(ctx context.Context, deviceID string, key model.PlanKey, amount float64) (*model.FeedingPlan, error) {
	if err := key.Validate(); err != nil {
		return nil, invalid(err)
	}
	if err := model.ValidateAmount(amount); err != nil {
		return nil, invalid(err)
	}
	unlock := s.lockDevice(deviceID)
	defer unlock()

	plan := model.FeedingPlan{
		DeviceID:      deviceID,
		DayOfWeek:     key.Day,
		Hour:          key.Hour,
		Minute:        key.Minute,
		FeedingAmount: model.RoundAmount(amount),
		State:         model.StateActive,
		CreatedAt:     s.now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireDevice(tx, deviceID); err != nil {
			return err
		}
		if err := planKeyFree(tx, deviceID, key, 0); err != nil {
			return err
		}
		if err := tx.Create(&plan).Error; err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// EditPlan changes the key and amount of an active plan. The plan becomes
// unconfirmed until the device confirms the new shape.
func (s *gormStore) EditPlan(ctx context.Context, id uint, key model.PlanKey, amount float64) (*model.FeedingPlan, *model.FeedingPlan, error) {
	if err := key.Validate(); err != nil {
		return nil, nil, invalid(err)
	}
	if err := model.ValidateAmount(amount); err != nil {
		return nil, nil, invalid(err)
	}
	current, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.lockDevice(current.DeviceID)
	defer unlock()

	var before, after model.FeedingPlan
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&before, id).Error; err != nil {
			return notFound(err, "plan %d", id)
		}
		if before.State != model.StateActive {
			return fmt.Errorf("plan %d is %s: %w", id, before.State, ErrConflict)
		}
		if err := planKeyFree(tx, before.DeviceID, key, id); err != nil {
			return err
		}
		after = before
		after.DayOfWeek, after.Hour, after.Minute = key.Day, key.Hour, key.Minute
		after.FeedingAmount = model.RoundAmount(amount)
		after.IsConfirmed = false
		if err := tx.Save(&after).Error; err != nil {
			return fmt.Errorf("failed to update plan %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &before, &after, nil
}

// RequestPlanDelete marks an active plan pending delete.
func (s *gormStore) RequestPlanDelete(ctx context.Context, id uint) (*model.FeedingPlan, error) {
	current, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.lockDevice(current.DeviceID)
	defer unlock()

	var plan model.FeedingPlan
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", model.StateActive).First(&plan, id).Error; err != nil {
			return notFound(err, "active plan %d", id)
		}
		if err := tx.Model(&plan).Update("state", model.StatePendingDelete).Error; err != nil {
			return fmt.Errorf("failed to mark plan %d for deletion: %w", id, err)
		}
		plan.State = model.StatePendingDelete
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// RequestPlanDeleteByKey marks every active plan with key pending delete,
// restricted to deviceIDs when given. The affected devices are locked for
// the duration of the write.
func (s *gormStore) RequestPlanDeleteByKey(ctx context.Context, key model.PlanKey, deviceIDs []string) ([]model.FeedingPlan, error) {
	if err := key.Validate(); err != nil {
		return nil, invalid(err)
	}

	if len(deviceIDs) == 0 {
		if err := s.db.WithContext(ctx).Model(&model.FeedingPlan{}).
			Where("day_of_week = ? AND hour = ? AND minute = ? AND state = ?", key.Day, key.Hour, key.Minute, model.StateActive).
			Distinct("device_id").Pluck("device_id", &deviceIDs).Error; err != nil {
			return nil, fmt.Errorf("failed to find devices with plan %s: %w", key, err)
		}
		if len(deviceIDs) == 0 {
			return nil, nil
		}
	}
	unlock := s.lockDevices(deviceIDs)
	defer unlock()

	var plans []model.FeedingPlan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("day_of_week = ? AND hour = ? AND minute = ? AND state = ? AND device_id IN ?",
			key.Day, key.Hour, key.Minute, model.StateActive, deviceIDs)
		if err := q.Order(fifo).Find(&plans).Error; err != nil {
			return fmt.Errorf("failed to find plans for %s: %w", key, err)
		}
		if len(plans) == 0 {
			return nil
		}
		ids := make([]uint, len(plans))
		for i := range plans {
			ids[i] = plans[i].ID
			plans[i].State = model.StatePendingDelete
		}
		if err := tx.Model(&model.FeedingPlan{}).Where("id IN ?", ids).Update("state", model.StatePendingDelete).Error; err != nil {
			return fmt.Errorf("failed to mark plans for deletion: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plans, nil
}

// ConfirmPlan confirms the earliest unconfirmed active plan matching key and
// amount. A repeated confirmation finds nothing and returns ErrNotFound.
func (s *gormStore) ConfirmPlan(ctx context.Context, deviceID string, key model.PlanKey, amount float64) (*model.FeedingPlan, error) {
	unlock := s.lockDevice(deviceID)
	defer unlock()

	var plan model.FeedingPlan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.FeedingPlan
		if err := tx.Where("device_id = ? AND day_of_week = ? AND hour = ? AND minute = ? AND state = ? AND is_confirmed = ?",
			deviceID, key.Day, key.Hour, key.Minute, model.StateActive, false).
			Order(fifo).Find(&candidates).Error; err != nil {
			return fmt.Errorf("failed to find plans to confirm: %w", err)
		}
		found := false
		for _, c := range candidates {
			if model.SameAmount(c.FeedingAmount, amount) {
				plan, found = c, true
				break
			}
		}
		if !found {
			return fmt.Errorf("unconfirmed plan %s %.2fg on %s: %w", key, amount, deviceID, ErrNotFound)
		}
		if err := tx.Model(&plan).Update("is_confirmed", true).Error; err != nil {
			return fmt.Errorf("failed to confirm plan %d: %w", plan.ID, err)
		}
		plan.IsConfirmed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// ConfirmPlanDelete removes the earliest pending-delete plan matching key.
// The returned copy carries StateRemoved.
func (s *gormStore) ConfirmPlanDelete(ctx context.Context, deviceID string, key model.PlanKey) (*model.FeedingPlan, error) {
	unlock := s.lockDevice(deviceID)
	defer unlock()

	var plan model.FeedingPlan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND day_of_week = ? AND hour = ? AND minute = ? AND state = ?",
			deviceID, key.Day, key.Hour, key.Minute, model.StatePendingDelete).
			Order(fifo).First(&plan).Error; err != nil {
			return notFound(err, "pending delete plan %s on %s", key, deviceID)
		}
		if err := tx.Delete(&model.FeedingPlan{}, plan.ID).Error; err != nil {
			return fmt.Errorf("failed to remove plan %d: %w", plan.ID, err)
		}
		plan.State = model.StateRemoved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetPlan loads one plan.
func (s *gormStore) GetPlan(ctx context.Context, id uint) (*model.FeedingPlan, error) {
	var plan model.FeedingPlan
	if err := s.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		return nil, notFound(err, "plan %d", id)
	}
	return &plan, nil
}

// DevicePlans is the device-facing read: active, confirmed plans only.
func (s *gormStore) DevicePlans(ctx context.Context, deviceID string) ([]model.FeedingPlan, error) {
	var plans []model.FeedingPlan
	if err := s.db.WithContext(ctx).
		Where("device_id = ? AND state = ? AND is_confirmed = ?", deviceID, model.StateActive, true).
		Order("day_of_week, hour, minute").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans of %s: %w", deviceID, err)
	}
	return plans, nil
}

// ListPlans returns every stored plan, optionally for one device.
func (s *gormStore) ListPlans(ctx context.Context, deviceID string) ([]model.FeedingPlan, error) {
	q := s.db.WithContext(ctx)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var plans []model.FeedingPlan
	if err := q.Order("device_id, day_of_week, hour, minute, id").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

func planKeyFree(tx *gorm.DB, deviceID string, key model.PlanKey, exceptID uint) error {
	var n int64
	q := tx.Model(&model.FeedingPlan{}).
		Where("device_id = ? AND day_of_week = ? AND hour = ? AND minute = ? AND state = ?",
			deviceID, key.Day, key.Hour, key.Minute, model.StateActive)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&n).Error; err != nil {
		return fmt.Errorf("failed to check plan key: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("plan %s already exists on %s: %w", key, deviceID, ErrConflict)
	}
	return nil
}

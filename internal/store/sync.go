package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/reconcile"
)

// ApplySnapshot makes the stored plans, manual commands and grain weight of
// a device match its report. Everything commits in one transaction; rows the
// device no longer holds are deleted without passing through pending delete.
func (s *gormStore) ApplySnapshot(ctx context.Context, deviceID string, snap reconcile.Snapshot) (reconcile.Result, error) {
	if snap.GrainWeight != nil {
		if err := validWeight(*snap.GrainWeight); err != nil {
			snap.GrainWeight = nil
		}
	}
	unlock := s.lockDevice(deviceID)
	defer unlock()

	now := s.now()
	var res reconcile.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device model.Device
		if err := tx.First(&device, "id = ?", deviceID).Error; err != nil {
			return notFound(err, "device %s", deviceID)
		}

		if snap.GrainWeight != nil && device.GrainWeight != *snap.GrainWeight {
			if err := tx.Model(&device).Updates(map[string]any{
				"grain_weight":      *snap.GrainWeight,
				"last_grain_update": now,
			}).Error; err != nil {
				return fmt.Errorf("failed to update grain weight: %w", err)
			}
			res.GrainUpdated = true
		}

		var plans []model.FeedingPlan
		if err := tx.Where("device_id = ?", deviceID).Order(fifo).Find(&plans).Error; err != nil {
			return fmt.Errorf("failed to load plans: %w", err)
		}
		planDiff := reconcile.DiffPlans(plans, snap.Plans)
		for _, entry := range planDiff.Insert {
			row := model.FeedingPlan{
				DeviceID:      deviceID,
				DayOfWeek:     entry.Key.Day,
				Hour:          entry.Key.Hour,
				Minute:        entry.Key.Minute,
				FeedingAmount: entry.Amount,
				IsConfirmed:   true,
				State:         model.StateActive,
				CreatedAt:     now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to insert plan %s: %w", entry.Key, err)
			}
		}
		for _, row := range planDiff.Update {
			if err := tx.Model(&model.FeedingPlan{}).Where("id = ?", row.ID).Updates(map[string]any{
				"feeding_amount": row.FeedingAmount,
				"is_confirmed":   row.IsConfirmed,
			}).Error; err != nil {
				return fmt.Errorf("failed to update plan %d: %w", row.ID, err)
			}
		}
		if ids := planIDs(planDiff.Delete); len(ids) > 0 {
			if err := tx.Delete(&model.FeedingPlan{}, ids).Error; err != nil {
				return fmt.Errorf("failed to delete plans: %w", err)
			}
		}
		res.PlansInserted = len(planDiff.Insert)
		res.PlansUpdated = len(planDiff.Update)
		res.PlansDeleted = len(planDiff.Delete)

		var manual []model.ManualFeeding
		if err := tx.Where("device_id = ?", deviceID).Order(fifo).Find(&manual).Error; err != nil {
			return fmt.Errorf("failed to load manual feedings: %w", err)
		}
		manualDiff := reconcile.DiffManual(manual, snap.Manual, now)
		for _, entry := range manualDiff.Insert {
			row := model.ManualFeeding{
				DeviceID:      deviceID,
				Hour:          entry.Key.Hour,
				Minute:        entry.Key.Minute,
				FeedingAmount: entry.Key.Amount,
				IsConfirmed:   entry.Confirmed,
				IsExecuted:    entry.Executed,
				State:         model.StateActive,
				CreatedAt:     now,
				ExecutedAt:    entry.ExecutedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to insert manual feeding %s: %w", entry.Key, err)
			}
		}
		for _, row := range manualDiff.Update {
			if err := tx.Model(&model.ManualFeeding{}).Where("id = ?", row.ID).Updates(map[string]any{
				"is_confirmed": row.IsConfirmed,
				"is_executed":  row.IsExecuted,
				"executed_at":  row.ExecutedAt,
			}).Error; err != nil {
				return fmt.Errorf("failed to update manual feeding %d: %w", row.ID, err)
			}
		}
		if ids := manualIDs(manualDiff.Delete); len(ids) > 0 {
			if err := tx.Delete(&model.ManualFeeding{}, ids).Error; err != nil {
				return fmt.Errorf("failed to delete manual feedings: %w", err)
			}
		}
		res.ManualInserted = len(manualDiff.Insert)
		res.ManualUpdated = len(manualDiff.Update)
		res.ManualDeleted = len(manualDiff.Delete)
		return nil
	})
	if err != nil {
		return reconcile.Result{}, err
	}
	return res, nil
}

func planIDs(rows []model.FeedingPlan) []uint {
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}

func manualIDs(rows []model.ManualFeeding) []uint {
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}

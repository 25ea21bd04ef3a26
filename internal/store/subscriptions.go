package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pet-feeder-backend/internal/model"
)

// PutSubscription creates or replaces a subscription and its device set.
// Unknown device ids are ignored.
func (s *gormStore) PutSubscription(ctx context.Context, sub *model.PushSubscription, deviceIDs []string) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Devices").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(sub).Error; err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		var devices []*model.Device
		if len(deviceIDs) > 0 {
			if err := tx.Where("id IN ?", deviceIDs).Find(&devices).Error; err != nil {
				return fmt.Errorf("failed to load subscribed devices: %w", err)
			}
		}
		if err := tx.Model(sub).Association("Devices").Replace(devices); err != nil {
			return fmt.Errorf("failed to replace subscribed devices: %w", err)
		}
		sub.Devices = devices
		return nil
	})
}

// DeleteSubscription removes a subscription and its device links.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := model.PushSubscription{Endpoint: endpoint}
		if err := tx.Model(&sub).Association("Devices").Clear(); err != nil {
			return fmt.Errorf("failed to clear subscribed devices: %w", err)
		}
		res := tx.Delete(&sub)
		if res.Error != nil {
			return fmt.Errorf("failed to delete subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("subscription: %w", ErrNotFound)
		}
		return nil
	})
}

// GetSubscription loads a subscription with its devices.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).Preload("Devices").First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return nil, notFound(err, "subscription")
	}
	return &sub, nil
}

// SubscriptionsForDevice returns every subscription following a device.
func (s *gormStore) SubscriptionsForDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).
		Joins("JOIN subscription_device_mapping ON subscription_device_mapping.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("subscription_device_mapping.device_id = ?", deviceID).
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of %s: %w", deviceID, err)
	}
	return subs, nil
}

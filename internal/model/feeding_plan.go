package model

import "time"

// FeedingPlan is a recurring weekly feeding instruction bound to one device.
type FeedingPlan struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	DeviceID      string       `gorm:"size:32;not null;index:idx_feeding_plans_key,priority:1" json:"device_id"`
	DayOfWeek     int          `gorm:"not null;index:idx_feeding_plans_key,priority:2" json:"day_of_week"`
	Hour          int          `gorm:"not null;index:idx_feeding_plans_key,priority:3" json:"hour"`
	Minute        int          `gorm:"not null;index:idx_feeding_plans_key,priority:4" json:"minute"`
	FeedingAmount float64      `gorm:"not null" json:"feeding_amount"`
	IsConfirmed   bool         `gorm:"not null" json:"is_confirmed"`
	State         CommandState `gorm:"size:16;not null;index" json:"state"`
	CreatedAt     time.Time    `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Key returns the plan identity used for diffing and confirmation.
func (p FeedingPlan) Key() PlanKey {
	return PlanKey{Day: p.DayOfWeek, Hour: p.Hour, Minute: p.Minute}
}

// DeviceVisible reports whether the device-facing read includes the plan.
func (p FeedingPlan) DeviceVisible() bool {
	return p.State == StateActive && p.IsConfirmed
}

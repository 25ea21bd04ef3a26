package model

import "time"

// ManualFeeding is a one-shot feeding command issued outside the schedule.
type ManualFeeding struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	DeviceID      string       `gorm:"size:32;not null;index:idx_manual_feedings_key,priority:1" json:"device_id"`
	Hour          int          `gorm:"not null;index:idx_manual_feedings_key,priority:2" json:"hour"`
	Minute        int          `gorm:"not null;index:idx_manual_feedings_key,priority:3" json:"minute"`
	FeedingAmount float64      `gorm:"not null" json:"feeding_amount"`
	IsConfirmed   bool         `gorm:"not null" json:"is_confirmed"`
	IsExecuted    bool         `gorm:"not null;index" json:"is_executed"`
	State         CommandState `gorm:"size:16;not null;index" json:"state"`
	CreatedAt     time.Time    `gorm:"index" json:"created_at"`
	ExecutedAt    *time.Time   `json:"executed_at"`
}

// Key returns the command identity with the amount rounded.
func (m ManualFeeding) Key() ManualKey {
	return ManualKey{Hour: m.Hour, Minute: m.Minute, Amount: m.FeedingAmount}.Normalized()
}

package model

import "time"

// FeedingStatus is the outcome a device reports for one dispense.
type FeedingStatus string

const (
	FeedingSuccess FeedingStatus = "success"
	FeedingFailed  FeedingStatus = "failed"
	FeedingPartial FeedingStatus = "partial"
)

// Valid reports whether s is a known status.
func (s FeedingStatus) Valid() bool {
	switch s {
	case FeedingSuccess, FeedingFailed, FeedingPartial:
		return true
	}
	return false
}

// FeedingRecord is an append-only fact about one dispense. Records derived
// from manual commands carry DayOfWeek 0.
type FeedingRecord struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	DeviceID      string        `gorm:"size:32;not null;index" json:"device_id"`
	DayOfWeek     int           `gorm:"not null" json:"day_of_week"`
	Hour          int           `gorm:"not null" json:"hour"`
	Minute        int           `gorm:"not null" json:"minute"`
	FeedingAmount float64       `gorm:"not null" json:"feeding_amount"`
	ActualAmount  *float64      `json:"actual_amount"`
	Status        FeedingStatus `gorm:"size:16;not null" json:"status"`
	CreatedAt     time.Time     `gorm:"index" json:"created_at"`
}

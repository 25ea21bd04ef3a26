package model

import (
	"errors"
	"fmt"
	"math"
)

// CommandState is the lifecycle of a plan or manual feeding command.
// Removed rows are deleted; StateRemoved only ever appears on the copy
// returned to the caller that removed them.
type CommandState string

const (
	StateActive        CommandState = "active"
	StatePendingDelete CommandState = "pending_delete"
	StateRemoved       CommandState = "removed"
)

// MaxFeedingAmount is the largest single portion in grams.
const MaxFeedingAmount = 1000.0

// ErrInvalidCommand is wrapped by every key/amount validation failure.
var ErrInvalidCommand = errors.New("invalid command")

// PlanKey identifies a weekly feeding slot of one device.
type PlanKey struct {
	Day    int `json:"day_of_week"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Validate checks the key ranges.
func (k PlanKey) Validate() error {
	if k.Day < 1 || k.Day > 7 {
		return fmt.Errorf("%w: day_of_week %d out of range 1-7", ErrInvalidCommand, k.Day)
	}
	return validateClock(k.Hour, k.Minute)
}

func (k PlanKey) String() string {
	return fmt.Sprintf("day %d %02d:%02d", k.Day, k.Hour, k.Minute)
}

// ManualKey identifies a one-shot feeding command of one device.
type ManualKey struct {
	Hour   int     `json:"hour"`
	Minute int     `json:"minute"`
	Amount float64 `json:"feeding_amount"`
}

// Validate checks the key ranges and the amount.
func (k ManualKey) Validate() error {
	if err := validateClock(k.Hour, k.Minute); err != nil {
		return err
	}
	return ValidateAmount(k.Amount)
}

// Normalized returns the key with its amount rounded to 2 decimals.
func (k ManualKey) Normalized() ManualKey {
	k.Amount = RoundAmount(k.Amount)
	return k
}

func (k ManualKey) String() string {
	return fmt.Sprintf("%02d:%02d %.2fg", k.Hour, k.Minute, k.Amount)
}

// ValidateAmount checks that a feeding amount is a positive, bounded number.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 || amount > MaxFeedingAmount {
		return fmt.Errorf("%w: feeding_amount %v must be in (0, %v]", ErrInvalidCommand, amount, MaxFeedingAmount)
	}
	return nil
}

// RoundAmount rounds grams to 2 decimals; amounts are compared rounded.
func RoundAmount(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// SameAmount reports whether two amounts are equal once rounded.
func SameAmount(a, b float64) bool {
	return RoundAmount(a) == RoundAmount(b)
}

func validateClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%w: hour %d out of range 0-23", ErrInvalidCommand, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%w: minute %d out of range 0-59", ErrInvalidCommand, minute)
	}
	return nil
}

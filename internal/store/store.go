package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gorm.io/gorm"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/reconcile"
)

var (
	// ErrNotFound is returned when no row matches the request.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would duplicate an identity.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned for requests that fail validation.
	ErrInvalid = errors.New("invalid request")
)

// DeviceStore persists device rows.
type DeviceStore interface {
	EnrollDevice(ctx context.Context, prefix, credentialHash string, info model.VersionInfo) (*model.Device, error)
	UpsertDevice(ctx context.Context, id, credentialHash string, info model.VersionInfo) (*model.Device, bool, error)
	TouchHeartbeat(ctx context.Context, id string, info model.VersionInfo) (*model.Device, error)
	UpdateGrainWeight(ctx context.Context, id string, weight float64) (*model.Device, error)
	UpdateDeviceVersions(ctx context.Context, id string, info model.VersionInfo) (*model.Device, error)
	SetOnline(ctx context.Context, id string, online bool) error
	SyncOnlineFlags(ctx context.Context, connected []string) (OnlineChanges, error)
	MarkStaleOffline(ctx context.Context, cutoff time.Time, exclude []string) ([]string, error)
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
}

// PlanStore persists feeding plans and their lifecycle.
type PlanStore interface {
	CreatePlan(ctx context.Context, deviceID string, key model.PlanKey, amount float64) (*model.FeedingPlan, error)
	EditPlan(ctx context.Context, id uint, key model.PlanKey, amount float64) (before, after *model.FeedingPlan, err error)
	RequestPlanDelete(ctx context.Context, id uint) (*model.FeedingPlan, error)
	RequestPlanDeleteByKey(ctx context.Context, key model.PlanKey, deviceIDs []string) ([]model.FeedingPlan, error)
	ConfirmPlan(ctx context.Context, deviceID string, key model.PlanKey, amount float64) (*model.FeedingPlan, error)
	ConfirmPlanDelete(ctx context.Context, deviceID string, key model.PlanKey) (*model.FeedingPlan, error)
	GetPlan(ctx context.Context, id uint) (*model.FeedingPlan, error)
	DevicePlans(ctx context.Context, deviceID string) ([]model.FeedingPlan, error)
	ListPlans(ctx context.Context, deviceID string) ([]model.FeedingPlan, error)
}

// ManualStore persists manual feeding commands and their lifecycle.
type ManualStore interface {
	CreateManualFeeding(ctx context.Context, deviceID string, key model.ManualKey) (*model.ManualFeeding, bool, error)
	RequestManualDelete(ctx context.Context, id uint) (*model.ManualFeeding, error)
	RequestManualDeleteByKey(ctx context.Context, hour, minute int, deviceIDs []string) ([]model.ManualFeeding, error)
	ConfirmManualFeeding(ctx context.Context, deviceID string, key model.ManualKey) (*model.ManualFeeding, error)
	ExecuteManualFeeding(ctx context.Context, deviceID string, key model.ManualKey, at *time.Time, actual *float64) (*model.ManualFeeding, *model.FeedingRecord, error)
	ConfirmManualDelete(ctx context.Context, deviceID string, hour, minute int, amount *float64) (*model.ManualFeeding, error)
	GetManualFeeding(ctx context.Context, id uint) (*model.ManualFeeding, error)
	ListManualFeedings(ctx context.Context, deviceID string) ([]model.ManualFeeding, error)
}

// RecordStore persists feeding records.
type RecordStore interface {
	AddFeedingRecord(ctx context.Context, rec *model.FeedingRecord) error
	ListFeedingRecords(ctx context.Context, deviceID string, limit int) ([]model.FeedingRecord, error)
}

// FirmwareStore persists the firmware catalog and version history.
type FirmwareStore interface {
	PublishFirmware(ctx context.Context, fw *model.FirmwareVersion) error
	LatestFirmware(ctx context.Context) (*model.FirmwareVersion, error)
	FirmwareByVersion(ctx context.Context, version string) (*model.FirmwareVersion, error)
	ListFirmware(ctx context.Context, includeInactive bool) ([]model.FirmwareVersion, error)
	DeactivateFirmware(ctx context.Context, id uint) error
	SetDeviceFirmware(ctx context.Context, deviceID, version string) error
	AppendVersionHistory(ctx context.Context, entry *model.DeviceVersionHistory) error
	ListVersionHistory(ctx context.Context, deviceID string, limit int) ([]model.DeviceVersionHistory, error)
}

// SubscriptionStore persists browser push subscriptions.
type SubscriptionStore interface {
	PutSubscription(ctx context.Context, sub *model.PushSubscription, deviceIDs []string) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	SubscriptionsForDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error)
}

// Store defines the interface for all database operations.
type Store interface {
	DeviceStore
	PlanStore
	ManualStore
	RecordStore
	FirmwareStore
	SubscriptionStore

	ApplySnapshot(ctx context.Context, deviceID string, snap reconcile.Snapshot) (reconcile.Result, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db  *gorm.DB
	now func() time.Time

	devices  keyedMutex
	enrollMu sync.Mutex
}

// Option configures a gormStore.
type Option func(*gormStore)

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *gormStore) { s.now = now }
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, opts ...Option) Store {
	s := &gormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockDevice serialises writes for one device across sessions, the
// dispatcher and sync.
func (s *gormStore) lockDevice(id string) func() {
	return s.devices.Lock(id)
}

// lockDevices takes the locks of several devices in sorted order so that
// concurrent batch writes cannot deadlock each other.
func (s *gormStore) lockDevices(ids []string) func() {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, s.lockDevice(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}

func requireDevice(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&model.Device{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to look up device %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

package store

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pet-feeder-backend/internal/db"
	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/reconcile"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return gormDB, mock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// newSQLiteStore opens a private in-memory database with the full schema.
// Each call to the clock advances it by a second.
func newSQLiteStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	clock := &testClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	return NewGormStore(gdb, WithClock(clock.Now)), gdb
}

func seedDevice(t *testing.T, s Store, id string) *model.Device {
	t.Helper()
	d, created, err := s.UpsertDevice(context.Background(), id, "hash", model.VersionInfo{})
	require.NoError(t, err)
	require.True(t, created)
	return d
}

func TestEnrollDevice_AssignsSequentialIDs(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	first, err := s.EnrollDevice(ctx, "ESP", "hash", model.VersionInfo{FirmwareVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "ESP-001", first.ID)
	assert.True(t, first.IsOnline)
	assert.Equal(t, int64(1), first.HeartbeatCount)
	assert.False(t, first.FirstSeen.IsZero())
	assert.Equal(t, first.FirstSeen, first.LastSeen)
	assert.Equal(t, model.DefaultDeviceType, first.DeviceType)

	seedDevice(t, s, "ESP-007")

	next, err := s.EnrollDevice(ctx, "ESP", "hash", model.VersionInfo{})
	require.NoError(t, err)
	assert.Equal(t, "ESP-008", next.ID)

	stored, err := s.GetDevice(ctx, "ESP-008")
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)
}

func TestUpsertDevice(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	d, created, err := s.UpsertDevice(ctx, "ESP-001", "hash", model.VersionInfo{FirmwareVersion: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1.0.0", d.FirmwareVersion)

	require.NoError(t, s.SetOnline(ctx, "ESP-001", false))

	d, created, err = s.UpsertDevice(ctx, "ESP-001", "other", model.VersionInfo{ProtocolVersion: "2.1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, d.IsOnline)
	assert.Equal(t, "1.0.0", d.FirmwareVersion)
	assert.Equal(t, "2.1", d.ProtocolVersion)
	assert.Equal(t, int64(2), d.HeartbeatCount)
	assert.Equal(t, "hash", d.CredentialHash)
	assert.True(t, d.LastSeen.After(d.FirstSeen))

	_, _, err = s.UpsertDevice(ctx, "not a device", "hash", model.VersionInfo{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUpdateGrainWeight(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	d, err := s.UpdateGrainWeight(ctx, "ESP-001", 420.5)
	require.NoError(t, err)
	assert.Equal(t, 420.5, d.GrainWeight)
	require.NotNil(t, d.LastGrainUpdate)

	_, err = s.UpdateGrainWeight(ctx, "ESP-001", nan())
	assert.ErrorIs(t, err, ErrInvalid)

	d, err = s.GetDevice(ctx, "ESP-001")
	require.NoError(t, err)
	assert.Equal(t, 420.5, d.GrainWeight)

	_, err = s.UpdateGrainWeight(ctx, "ESP-404", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncOnlineFlags(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []string{"ESP-001", "ESP-002", "ESP-003"} {
		seedDevice(t, s, id)
	}
	require.NoError(t, s.SetOnline(ctx, "ESP-003", false))

	changes, err := s.SyncOnlineFlags(ctx, []string{"ESP-001", "ESP-003"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ESP-003"}, changes.Online)
	assert.Equal(t, []string{"ESP-002"}, changes.Offline)

	changes, err = s.SyncOnlineFlags(ctx, []string{"ESP-001", "ESP-003"})
	require.NoError(t, err)
	assert.True(t, changes.Empty())

	changes, err = s.SyncOnlineFlags(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ESP-001", "ESP-003"}, changes.Offline)

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	for _, d := range devices {
		assert.False(t, d.IsOnline, d.ID)
	}
}

func TestMarkStaleOffline(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	old := seedDevice(t, s, "ESP-001")
	seedDevice(t, s, "ESP-002")
	fresh := seedDevice(t, s, "ESP-003")

	stale, err := s.MarkStaleOffline(ctx, fresh.LastSeen, []string{"ESP-002"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ESP-001"}, stale)

	d, err := s.GetDevice(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, d.IsOnline)
}

func TestPlanLifecycle(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")
	key := model.PlanKey{Day: 2, Hour: 7, Minute: 30}

	plan, err := s.CreatePlan(ctx, "ESP-001", key, 20)
	require.NoError(t, err)
	assert.False(t, plan.IsConfirmed)
	assert.Equal(t, model.StateActive, plan.State)

	visible, err := s.DevicePlans(ctx, "ESP-001")
	require.NoError(t, err)
	assert.Empty(t, visible, "unconfirmed plans are hidden from the device read")

	_, err = s.CreatePlan(ctx, "ESP-001", key, 30)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.ConfirmPlan(ctx, "ESP-001", key, 25)
	assert.ErrorIs(t, err, ErrNotFound, "amount is part of the confirmation key")

	confirmed, err := s.ConfirmPlan(ctx, "ESP-001", key, 20)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, confirmed.ID)
	assert.True(t, confirmed.IsConfirmed)

	_, err = s.ConfirmPlan(ctx, "ESP-001", key, 20)
	assert.ErrorIs(t, err, ErrNotFound, "second confirmation is a no-op")

	visible, err = s.DevicePlans(ctx, "ESP-001")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, plan.ID, visible[0].ID)

	pending, err := s.RequestPlanDelete(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingDelete, pending.State)

	visible, err = s.DevicePlans(ctx, "ESP-001")
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := s.ListPlans(ctx, "ESP-001")
	require.NoError(t, err)
	require.Len(t, all, 1, "row survives until the device confirms the delete")

	removed, err := s.ConfirmPlanDelete(ctx, "ESP-001", key)
	require.NoError(t, err)
	assert.Equal(t, model.StateRemoved, removed.State)

	_, err = s.GetPlan(ctx, plan.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePlan_Validation(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	testCases := []struct {
		name    string
		device  string
		key     model.PlanKey
		amount  float64
		wantErr error
	}{
		{"day out of range", "ESP-001", model.PlanKey{Day: 0, Hour: 7}, 10, ErrInvalid},
		{"hour out of range", "ESP-001", model.PlanKey{Day: 1, Hour: 24}, 10, ErrInvalid},
		{"zero amount", "ESP-001", model.PlanKey{Day: 1, Hour: 7}, 0, ErrInvalid},
		{"amount above bound", "ESP-001", model.PlanKey{Day: 1, Hour: 7}, 1000.5, ErrInvalid},
		{"unknown device", "ESP-404", model.PlanKey{Day: 1, Hour: 7}, 10, ErrNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreatePlan(ctx, tc.device, tc.key, tc.amount)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestEditPlan(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	a, err := s.CreatePlan(ctx, "ESP-001", model.PlanKey{Day: 1, Hour: 7}, 10)
	require.NoError(t, err)
	b, err := s.CreatePlan(ctx, "ESP-001", model.PlanKey{Day: 1, Hour: 8}, 10)
	require.NoError(t, err)
	_, err = s.ConfirmPlan(ctx, "ESP-001", a.Key(), 10)
	require.NoError(t, err)

	_, _, err = s.EditPlan(ctx, a.ID, b.Key(), 15)
	assert.ErrorIs(t, err, ErrConflict)

	before, after, err := s.EditPlan(ctx, a.ID, model.PlanKey{Day: 3, Hour: 9, Minute: 5}, 15)
	require.NoError(t, err)
	assert.True(t, before.IsConfirmed)
	assert.Equal(t, 10.0, before.FeedingAmount)
	assert.False(t, after.IsConfirmed)
	assert.Equal(t, model.PlanKey{Day: 3, Hour: 9, Minute: 5}, after.Key())
	assert.Equal(t, 15.0, after.FeedingAmount)

	_, _, err = s.EditPlan(ctx, 999, b.Key(), 15)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestPlanDeleteByKey(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	key := model.PlanKey{Day: 5, Hour: 18, Minute: 0}
	for _, id := range []string{"ESP-001", "ESP-002", "ESP-003"} {
		seedDevice(t, s, id)
		_, err := s.CreatePlan(ctx, id, key, 30)
		require.NoError(t, err)
	}

	marked, err := s.RequestPlanDeleteByKey(ctx, key, []string{"ESP-001", "ESP-002"})
	require.NoError(t, err)
	require.Len(t, marked, 2)
	for _, p := range marked {
		assert.Equal(t, model.StatePendingDelete, p.State)
	}

	marked, err = s.RequestPlanDeleteByKey(ctx, key, nil)
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, "ESP-003", marked[0].DeviceID)
}

func TestDeleteByKey_WaitsForDeviceLock(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	key := model.PlanKey{Day: 1, Hour: 6, Minute: 30}
	for _, id := range []string{"ESP-002", "ESP-001"} {
		seedDevice(t, s, id)
		_, err := s.CreatePlan(ctx, id, key, 10)
		require.NoError(t, err)
		_, _, err = s.CreateManualFeeding(ctx, id, model.ManualKey{Hour: 6, Minute: 30, Amount: 10})
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		run  func() (int, error)
	}{
		{"plans", func() (int, error) {
			marked, err := s.RequestPlanDeleteByKey(ctx, key, nil)
			return len(marked), err
		}},
		{"manual", func() (int, error) {
			marked, err := s.RequestManualDeleteByKey(ctx, 6, 30, nil)
			return len(marked), err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unlock := s.(*gormStore).lockDevice("ESP-002")

			done := make(chan int, 1)
			go func() {
				n, err := tt.run()
				assert.NoError(t, err)
				done <- n
			}()

			select {
			case <-done:
				t.Fatal("batch delete ran while a device lock was held")
			case <-time.After(100 * time.Millisecond):
			}

			unlock()
			select {
			case n := <-done:
				assert.Equal(t, 2, n)
			case <-time.After(2 * time.Second):
				t.Fatal("batch delete did not finish after the lock was released")
			}
		})
	}
}

func TestManualLifecycle(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")
	key := model.ManualKey{Hour: 12, Minute: 0, Amount: 15}

	cmd, created, err := s.CreateManualFeeding(ctx, "ESP-001", key)
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := s.CreateManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 12, Minute: 0, Amount: 15.001})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cmd.ID, dup.ID)

	all, err := s.ListManualFeedings(ctx, "ESP-001")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	confirmed, err := s.ConfirmManualFeeding(ctx, "ESP-001", key)
	require.NoError(t, err)
	assert.True(t, confirmed.IsConfirmed)

	deviceTime := time.Date(2024, 5, 1, 12, 0, 3, 0, time.UTC)
	executed, rec, err := s.ExecuteManualFeeding(ctx, "ESP-001", key, &deviceTime, nil)
	require.NoError(t, err)
	assert.True(t, executed.IsExecuted)
	require.NotNil(t, executed.ExecutedAt)
	assert.Equal(t, deviceTime, *executed.ExecutedAt)
	assert.Equal(t, 0, rec.DayOfWeek)
	assert.Equal(t, model.FeedingSuccess, rec.Status)

	_, _, err = s.ExecuteManualFeeding(ctx, "ESP-001", key, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RequestManualDelete(ctx, cmd.ID)
	assert.ErrorIs(t, err, ErrConflict, "executed commands cannot be deleted")

	again, created, err := s.CreateManualFeeding(ctx, "ESP-001", key)
	require.NoError(t, err)
	assert.True(t, created, "an executed command no longer dedups")
	assert.NotEqual(t, cmd.ID, again.ID)

	records, err := s.ListFeedingRecords(ctx, "ESP-001", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecuteManualFeeding_OldestFirstAndFallbackTime(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	first, _, err := s.CreateManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 9, Minute: 0, Amount: 10})
	require.NoError(t, err)
	_, _, err = s.CreateManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 9, Minute: 0, Amount: 20})
	require.NoError(t, err)

	actual := 4.0
	executed, rec, err := s.ExecuteManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 9, Minute: 0, Amount: 10}, nil, &actual)
	require.NoError(t, err)
	assert.Equal(t, first.ID, executed.ID)
	require.NotNil(t, executed.ExecutedAt)
	assert.False(t, executed.ExecutedAt.IsZero())
	assert.Equal(t, model.FeedingPartial, rec.Status)
}

func TestManualDeleteByKey(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	_, _, err := s.CreateManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 9, Minute: 0, Amount: 10})
	require.NoError(t, err)
	_, _, err = s.CreateManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 9, Minute: 0, Amount: 20})
	require.NoError(t, err)

	marked, err := s.RequestManualDeleteByKey(ctx, 9, 0, nil)
	require.NoError(t, err)
	require.Len(t, marked, 2)

	amount := 20.0
	removed, err := s.ConfirmManualDelete(ctx, "ESP-001", 9, 0, &amount)
	require.NoError(t, err)
	assert.Equal(t, 20.0, removed.FeedingAmount)
	assert.Equal(t, model.StateRemoved, removed.State)

	removed, err = s.ConfirmManualDelete(ctx, "ESP-001", 9, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, removed.FeedingAmount)

	_, err = s.ConfirmManualDelete(ctx, "ESP-001", 9, 0, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFeedingRecords(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	for i := 0; i < 55; i++ {
		require.NoError(t, s.AddFeedingRecord(ctx, &model.FeedingRecord{
			DeviceID: "ESP-001", DayOfWeek: 1, Hour: 7, FeedingAmount: 10,
		}))
	}
	records, err := s.ListFeedingRecords(ctx, "ESP-001", 0)
	require.NoError(t, err)
	assert.Len(t, records, DefaultRecordLimit)
	assert.Equal(t, model.FeedingSuccess, records[0].Status)
	assert.True(t, records[0].CreatedAt.After(records[1].CreatedAt))

	err = s.AddFeedingRecord(ctx, &model.FeedingRecord{DeviceID: "ESP-001", DayOfWeek: 1, Status: "exploded"})
	assert.ErrorIs(t, err, ErrInvalid)

	err = s.AddFeedingRecord(ctx, &model.FeedingRecord{DeviceID: "ESP-404", DayOfWeek: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFirmwareCatalog(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.LatestFirmware(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	publish := func(major, minor, patch int, stable bool) *model.FirmwareVersion {
		fw := &model.FirmwareVersion{Major: major, Minor: minor, Patch: patch, IsStable: stable, DownloadURL: "https://fw.example/x.bin"}
		require.NoError(t, s.PublishFirmware(ctx, fw))
		return fw
	}
	publish(1, 2, 0, true)
	v130 := publish(1, 3, 0, true)
	publish(2, 0, 0, false)

	err = s.PublishFirmware(ctx, &model.FirmwareVersion{Major: 1, Minor: 3, DownloadURL: "https://fw.example/y.bin"})
	assert.ErrorIs(t, err, ErrConflict)

	latest, err := s.LatestFirmware(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", latest.Version())

	found, err := s.FirmwareByVersion(ctx, "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, 2, found.Minor)

	require.NoError(t, s.DeactivateFirmware(ctx, v130.ID))
	latest, err = s.LatestFirmware(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest.Version())

	_, err = s.FirmwareByVersion(ctx, "1.3.0")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListFirmware(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.ErrorIs(t, s.DeactivateFirmware(ctx, 999), ErrNotFound)
}

func TestVersionHistory(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	require.NoError(t, s.AppendVersionHistory(ctx, &model.DeviceVersionHistory{
		DeviceID: "ESP-001", FromVersion: "1.2.0", ToVersion: "1.3.0", Type: model.ChangeUpgrade, Status: "downloading",
	}))
	require.NoError(t, s.AppendVersionHistory(ctx, &model.DeviceVersionHistory{
		DeviceID: "ESP-001", FromVersion: "1.2.0", ToVersion: "1.3.0", Type: model.ChangeUpgrade, Status: "success",
	}))

	entries, err := s.ListVersionHistory(ctx, "ESP-001", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "success", entries[0].Status)
}

func TestSubscriptions(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")
	seedDevice(t, s, "ESP-002")

	sub := &model.PushSubscription{Endpoint: "https://push.example/abc", P256DH: "key", Auth: "auth"}
	require.NoError(t, s.PutSubscription(ctx, sub, []string{"ESP-001", "ESP-404"}))

	got, err := s.GetSubscription(ctx, sub.Endpoint)
	require.NoError(t, err)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, "ESP-001", got.Devices[0].ID)

	subs, err := s.SubscriptionsForDevice(ctx, "ESP-001")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, s.PutSubscription(ctx, &model.PushSubscription{Endpoint: sub.Endpoint, P256DH: "key2", Auth: "auth2"}, []string{"ESP-002"}))
	subs, err = s.SubscriptionsForDevice(ctx, "ESP-001")
	require.NoError(t, err)
	assert.Empty(t, subs)

	require.NoError(t, s.DeleteSubscription(ctx, sub.Endpoint))
	_, err = s.GetSubscription(ctx, sub.Endpoint)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteSubscription(ctx, sub.Endpoint), ErrNotFound)
}

func TestApplySnapshot(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	kept, err := s.CreatePlan(ctx, "ESP-001", model.PlanKey{Day: 1, Hour: 7}, 10)
	require.NoError(t, err)
	forgotten, err := s.CreatePlan(ctx, "ESP-001", model.PlanKey{Day: 2, Hour: 7}, 10)
	require.NoError(t, err)
	_, err = s.ConfirmPlan(ctx, "ESP-001", forgotten.Key(), 10)
	require.NoError(t, err)
	_, err = s.RequestPlanDelete(ctx, forgotten.ID)
	require.NoError(t, err)
	_, _, err = s.CreateManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 9, Minute: 0, Amount: 5})
	require.NoError(t, err)

	weight := 250.0
	snap := reconcile.Snapshot{
		GrainWeight: &weight,
		Plans: []reconcile.PlanEntry{
			{Key: kept.Key(), Amount: 12},
			{Key: model.PlanKey{Day: 6, Hour: 20, Minute: 15}, Amount: 8},
		},
		Manual: []reconcile.ManualEntry{
			{Key: model.ManualKey{Hour: 9, Minute: 0, Amount: 5}, Confirmed: true, Executed: true},
		},
	}

	res, err := s.ApplySnapshot(ctx, "ESP-001", snap)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Result{
		PlansInserted: 1, PlansUpdated: 1, PlansDeleted: 1,
		ManualUpdated: 1, GrainUpdated: true,
	}, res)

	_, err = s.GetPlan(ctx, forgotten.ID)
	assert.ErrorIs(t, err, ErrNotFound, "omitted plan is deleted without pending delete")

	visible, err := s.DevicePlans(ctx, "ESP-001")
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.Equal(t, 12.0, visible[0].FeedingAmount)
	assert.True(t, visible[1].IsConfirmed)

	manual, err := s.ListManualFeedings(ctx, "ESP-001")
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.True(t, manual[0].IsExecuted)
	assert.NotNil(t, manual[0].ExecutedAt)

	d, err := s.GetDevice(ctx, "ESP-001")
	require.NoError(t, err)
	assert.Equal(t, 250.0, d.GrainWeight)

	again, err := s.ApplySnapshot(ctx, "ESP-001", snap)
	require.NoError(t, err)
	assert.Zero(t, again.Mutations(), "unchanged report produces no mutations")
}

func TestApplySnapshot_RecreatedKeyKeepsActivePlan(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")
	key := model.PlanKey{Day: 3, Hour: 18, Minute: 0}

	old, err := s.CreatePlan(ctx, "ESP-001", key, 20)
	require.NoError(t, err)
	_, err = s.ConfirmPlan(ctx, "ESP-001", key, 20)
	require.NoError(t, err)
	_, err = s.RequestPlanDelete(ctx, old.ID)
	require.NoError(t, err)
	recreated, err := s.CreatePlan(ctx, "ESP-001", key, 30)
	require.NoError(t, err)

	res, err := s.ApplySnapshot(ctx, "ESP-001", reconcile.Snapshot{
		Plans: []reconcile.PlanEntry{{Key: key, Amount: 30}},
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Result{PlansUpdated: 1, PlansDeleted: 1}, res)

	_, err = s.GetPlan(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound, "superseded pending delete is dropped")

	visible, err := s.DevicePlans(ctx, "ESP-001")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, recreated.ID, visible[0].ID)
	assert.Equal(t, 30.0, visible[0].FeedingAmount)

	// a late delete confirmation for the old plan must not touch the new one
	_, err = s.ConfirmPlanDelete(ctx, "ESP-001", key)
	assert.ErrorIs(t, err, ErrNotFound)
	visible, err = s.DevicePlans(ctx, "ESP-001")
	require.NoError(t, err)
	assert.Len(t, visible, 1)
}

func TestApplySnapshot_UnknownDevice(t *testing.T) {
	s, _ := newSQLiteStore(t)
	_, err := s.ApplySnapshot(context.Background(), "ESP-404", reconcile.Snapshot{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentWritesForOneDevice(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedDevice(t, s, "ESP-001")

	var wg sync.WaitGroup
	created := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.CreateManualFeeding(ctx, "ESP-001", model.ManualKey{Hour: 6, Minute: 30, Amount: 10})
			if err == nil {
				created <- ok
			}
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for ok := range created {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestGormStore_CreatePlanSurfacesStoreFailure(t *testing.T) {
	gdb, mock := newTestDB(t)
	s := NewGormStore(gdb)
	boom := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "devices" WHERE id = $1`)).
		WithArgs("ESP-001").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "feeding_plans"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "feeding_plans"`)).
		WillReturnError(boom)
	mock.ExpectRollback()

	_, err := s.CreatePlan(context.Background(), "ESP-001", model.PlanKey{Day: 1, Hour: 7}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_CreatePlanConflictRollsBack(t *testing.T) {
	gdb, mock := newTestDB(t)
	s := NewGormStore(gdb)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "devices"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "feeding_plans"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := s.CreatePlan(context.Background(), "ESP-001", model.PlanKey{Day: 1, Hour: 7}, 10)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func nan() float64 { return math.NaN() }

package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/protocol"
)

func plan(id uint, day, hour, minute int, amount float64, confirmed bool) model.FeedingPlan {
	return model.FeedingPlan{
		ID: id, DeviceID: "ESP-001", DayOfWeek: day, Hour: hour, Minute: minute,
		FeedingAmount: amount, IsConfirmed: confirmed, State: model.StateActive,
	}
}

func TestDiffPlans(t *testing.T) {
	testCases := []struct {
		name       string
		stored     []model.FeedingPlan
		reported   []PlanEntry
		wantInsert []model.PlanKey
		wantUpdate []uint
		wantDelete []uint
	}{
		{
			name:       "unknown plan is inserted",
			reported:   []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 20}},
			wantInsert: []model.PlanKey{{Day: 2, Hour: 7, Minute: 30}},
		},
		{
			name:     "identical confirmed plan needs nothing",
			stored:   []model.FeedingPlan{plan(1, 2, 7, 30, 20, true)},
			reported: []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 20}},
		},
		{
			name:       "amount change is an update",
			stored:     []model.FeedingPlan{plan(1, 2, 7, 30, 20, true)},
			reported:   []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 25}},
			wantUpdate: []uint{1},
		},
		{
			name:       "unconfirmed row held by device gets confirmed",
			stored:     []model.FeedingPlan{plan(1, 2, 7, 30, 20, false)},
			reported:   []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 20}},
			wantUpdate: []uint{1},
		},
		{
			name:       "omitted plan is deleted",
			stored:     []model.FeedingPlan{plan(1, 2, 7, 30, 20, true), plan(2, 3, 8, 0, 10, true)},
			reported:   []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 20}},
			wantDelete: []uint{2},
		},
		{
			name:       "later duplicate row of a key is deleted",
			stored:     []model.FeedingPlan{plan(1, 2, 7, 30, 20, true), plan(5, 2, 7, 30, 20, false)},
			reported:   []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 20}},
			wantDelete: []uint{5},
		},
		{
			name: "active row wins the key over an older pending delete",
			stored: []model.FeedingPlan{
				pendingDelete(plan(1, 2, 7, 30, 20, true)),
				plan(2, 2, 7, 30, 30, false),
			},
			reported:   []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 30}},
			wantUpdate: []uint{2},
			wantDelete: []uint{1},
		},
		{
			name:     "pending delete still held by device stays",
			stored:   []model.FeedingPlan{pendingDelete(plan(1, 2, 7, 30, 20, true))},
			reported: []PlanEntry{{Key: model.PlanKey{Day: 2, Hour: 7, Minute: 30}, Amount: 20}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			diff := DiffPlans(tc.stored, tc.reported)

			var inserted []model.PlanKey
			for _, e := range diff.Insert {
				inserted = append(inserted, e.Key)
			}
			assert.Equal(t, tc.wantInsert, inserted)
			assert.Equal(t, tc.wantUpdate, planIDs(diff.Update))
			assert.Equal(t, tc.wantDelete, planIDs(diff.Delete))
		})
	}
}

func TestDiffPlans_UpdateCarriesDeviceAmount(t *testing.T) {
	pending := plan(1, 2, 7, 30, 20, false)
	pending.State = model.StatePendingDelete

	diff := DiffPlans([]model.FeedingPlan{pending}, []PlanEntry{{Key: pending.Key(), Amount: 22.5}})
	require.Len(t, diff.Update, 1)
	assert.Equal(t, 22.5, diff.Update[0].FeedingAmount)
	assert.True(t, diff.Update[0].IsConfirmed)
	assert.Equal(t, model.StatePendingDelete, diff.Update[0].State)
}

func pendingDelete(p model.FeedingPlan) model.FeedingPlan {
	p.State = model.StatePendingDelete
	return p
}

func planIDs(rows []model.FeedingPlan) []uint {
	var ids []uint
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}

func manual(id uint, hour, minute int, amount float64, confirmed, executed bool) model.ManualFeeding {
	return model.ManualFeeding{
		ID: id, DeviceID: "ESP-001", Hour: hour, Minute: minute, FeedingAmount: amount,
		IsConfirmed: confirmed, IsExecuted: executed, State: model.StateActive,
	}
}

func TestDiffManual(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	key := model.ManualKey{Hour: 8, Minute: 15, Amount: 12.5}

	t.Run("exact flag match wins over FIFO", func(t *testing.T) {
		stored := []model.ManualFeeding{
			manual(1, 8, 15, 12.5, true, true),
			manual(2, 8, 15, 12.5, true, false),
		}
		reported := []ManualEntry{{Key: key, Confirmed: true, Executed: false}}

		diff := DiffManual(stored, reported, now)
		assert.Empty(t, diff.Insert)
		assert.Empty(t, diff.Update)
		require.Len(t, diff.Delete, 1)
		assert.Equal(t, uint(1), diff.Delete[0].ID)
	})

	t.Run("flags are taken from the device", func(t *testing.T) {
		stored := []model.ManualFeeding{manual(1, 8, 15, 12.5, false, false)}
		reported := []ManualEntry{{Key: key, Confirmed: true, Executed: true}}

		diff := DiffManual(stored, reported, now)
		require.Len(t, diff.Update, 1)
		assert.True(t, diff.Update[0].IsConfirmed)
		assert.True(t, diff.Update[0].IsExecuted)
		require.NotNil(t, diff.Update[0].ExecutedAt)
		assert.Equal(t, now, *diff.Update[0].ExecutedAt)
	})

	t.Run("device timestamp is kept", func(t *testing.T) {
		ts := time.Unix(1700000000, 0).UTC()
		diff := DiffManual(nil, []ManualEntry{{Key: key, Executed: true, ExecutedAt: &ts}}, now)
		require.Len(t, diff.Insert, 1)
		assert.Equal(t, ts, *diff.Insert[0].ExecutedAt)
	})

	t.Run("amounts compare rounded", func(t *testing.T) {
		stored := []model.ManualFeeding{manual(1, 8, 15, 12.499, false, false)}
		reported := []ManualEntry{{Key: key}}

		diff := DiffManual(stored, reported, now)
		assert.Empty(t, diff.Insert)
		assert.Empty(t, diff.Update)
		assert.Empty(t, diff.Delete)
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		stored := []model.ManualFeeding{manual(1, 8, 15, 12.5, false, false)}
		reported := []ManualEntry{{Key: key, Confirmed: true, Executed: true}}

		first := DiffManual(stored, reported, now)
		require.Len(t, first.Update, 1)

		second := DiffManual(first.Update, reported, now.Add(time.Minute))
		assert.Empty(t, second.Insert)
		assert.Empty(t, second.Update)
		assert.Empty(t, second.Delete)
	})
}

func TestSnapshotFromMessage(t *testing.T) {
	msg := &protocol.SyncResult{
		DeviceID:    "ESP-001",
		GrainWeight: protocol.Weight{Value: 300, Valid: true},
		FeedingPlans: []protocol.PlanEntry{
			{DayOfWeek: 2, Hour: 7, Minute: 30, FeedingAmount: 20},
			{DayOfWeek: 9, Hour: 7, Minute: 30, FeedingAmount: 20},
		},
		ManualFeedings: []protocol.ManualEntry{
			{Hour: 8, Minute: 15, FeedingAmount: 12.504, IsExecuted: true, ExecutedAt: 1700000000},
		},
	}

	snap, skipped := SnapshotFromMessage(msg)
	assert.Equal(t, 1, skipped)
	require.NotNil(t, snap.GrainWeight)
	assert.Equal(t, 300.0, *snap.GrainWeight)
	require.Len(t, snap.Plans, 1)
	require.Len(t, snap.Manual, 1)
	assert.Equal(t, 12.5, snap.Manual[0].Key.Amount)
	require.NotNil(t, snap.Manual[0].ExecutedAt)
	assert.Equal(t, int64(1700000000), snap.Manual[0].ExecutedAt.Unix())
}

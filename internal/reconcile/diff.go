// Package reconcile implements device-is-truth full-state sync: the device
// reports everything it holds, the hub diffs that against its store and
// applies the difference in one transaction.
package reconcile

import (
	"time"

	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/protocol"
)

// PlanEntry is one plan as reported by a device.
type PlanEntry struct {
	Key    model.PlanKey
	Amount float64
}

// ManualEntry is one manual command as reported by a device.
type ManualEntry struct {
	Key        model.ManualKey
	Confirmed  bool
	Executed   bool
	ExecutedAt *time.Time
}

// Snapshot is the full state a device reported in one sync_result.
type Snapshot struct {
	GrainWeight *float64
	Plans       []PlanEntry
	Manual      []ManualEntry
}

// SnapshotFromMessage converts a sync_result frame. Entries with keys out of
// range are dropped and counted in the returned int.
func SnapshotFromMessage(m *protocol.SyncResult) (Snapshot, int) {
	var snap Snapshot
	var skipped int
	if m.GrainWeight.Valid {
		w := m.GrainWeight.Value
		snap.GrainWeight = &w
	}
	for _, p := range m.FeedingPlans {
		key := model.PlanKey{Day: p.DayOfWeek, Hour: p.Hour, Minute: p.Minute}
		if key.Validate() != nil || model.ValidateAmount(p.FeedingAmount) != nil {
			skipped++
			continue
		}
		snap.Plans = append(snap.Plans, PlanEntry{Key: key, Amount: model.RoundAmount(p.FeedingAmount)})
	}
	for _, mf := range m.ManualFeedings {
		key := model.ManualKey{Hour: mf.Hour, Minute: mf.Minute, Amount: mf.FeedingAmount}.Normalized()
		if key.Validate() != nil {
			skipped++
			continue
		}
		entry := ManualEntry{Key: key, Confirmed: mf.IsConfirmed, Executed: mf.IsExecuted}
		if ts, ok := protocol.EpochTime(mf.ExecutedAt); ok {
			entry.ExecutedAt = &ts
		}
		snap.Manual = append(snap.Manual, entry)
	}
	return snap, skipped
}

// PlanDiff is the set of store mutations that makes stored plans match a
// device report.
type PlanDiff struct {
	Insert []PlanEntry
	Update []model.FeedingPlan
	Delete []model.FeedingPlan
}

// DiffPlans pairs reported plans with stored rows by key. Stored rows must be
// in FIFO order. The earliest active row of a key is paired; a pending-delete
// row is paired only when the key has no active row, and then stays pending.
// Every other row of the key is deleted. A paired row is updated when its
// amount differs or it was never confirmed.
func DiffPlans(stored []model.FeedingPlan, reported []PlanEntry) PlanDiff {
	var diff PlanDiff

	byKey := make(map[model.PlanKey]int, len(stored))
	paired := make([]bool, len(stored))
	for i, row := range stored {
		j, ok := byKey[row.Key()]
		if !ok || (stored[j].State != model.StateActive && row.State == model.StateActive) {
			byKey[row.Key()] = i
		}
	}

	seen := make(map[model.PlanKey]bool, len(reported))
	for _, entry := range reported {
		if seen[entry.Key] {
			continue
		}
		seen[entry.Key] = true

		i, ok := byKey[entry.Key]
		if !ok {
			diff.Insert = append(diff.Insert, entry)
			continue
		}
		paired[i] = true
		row := stored[i]
		if model.SameAmount(row.FeedingAmount, entry.Amount) && row.IsConfirmed {
			continue
		}
		row.FeedingAmount = entry.Amount
		row.IsConfirmed = true
		diff.Update = append(diff.Update, row)
	}

	for i, row := range stored {
		if !paired[i] {
			diff.Delete = append(diff.Delete, row)
		}
	}
	return diff
}

// ManualDiff is the set of store mutations that makes stored manual commands
// match a device report.
type ManualDiff struct {
	Insert []ManualEntry
	Update []model.ManualFeeding
	Delete []model.ManualFeeding
}

// DiffManual pairs reported manual commands with stored rows by key. Rows
// whose executed flag already agrees are paired first, the rest in FIFO
// order. now fills executed_at for rows the device reports executed without
// a timestamp.
func DiffManual(stored []model.ManualFeeding, reported []ManualEntry, now time.Time) ManualDiff {
	var diff ManualDiff

	paired := make([]bool, len(stored))
	match := make([]int, len(reported))
	for i := range match {
		match[i] = -1
	}

	// Exact flag match first so an executed row is not consumed by the
	// device's pending entry of the same shape.
	for ri, entry := range reported {
		for si, row := range stored {
			if paired[si] || row.Key() != entry.Key || row.IsExecuted != entry.Executed {
				continue
			}
			paired[si] = true
			match[ri] = si
			break
		}
	}
	for ri, entry := range reported {
		if match[ri] >= 0 {
			continue
		}
		for si, row := range stored {
			if paired[si] || row.Key() != entry.Key {
				continue
			}
			paired[si] = true
			match[ri] = si
			break
		}
	}

	for ri, entry := range reported {
		si := match[ri]
		if si < 0 {
			diff.Insert = append(diff.Insert, withExecutedAt(entry, now))
			continue
		}
		row := stored[si]
		changed := false
		if row.IsConfirmed != entry.Confirmed {
			row.IsConfirmed = entry.Confirmed
			changed = true
		}
		if row.IsExecuted != entry.Executed {
			row.IsExecuted = entry.Executed
			if !entry.Executed {
				row.ExecutedAt = nil
			}
			changed = true
		}
		if row.IsExecuted && row.ExecutedAt == nil {
			row.ExecutedAt = withExecutedAt(entry, now).ExecutedAt
			changed = true
		}
		if changed {
			diff.Update = append(diff.Update, row)
		}
	}

	for si, row := range stored {
		if !paired[si] {
			diff.Delete = append(diff.Delete, row)
		}
	}
	return diff
}

func withExecutedAt(entry ManualEntry, now time.Time) ManualEntry {
	if entry.Executed && entry.ExecutedAt == nil {
		ts := now
		entry.ExecutedAt = &ts
	}
	return entry
}

// Result counts the mutations one sync applied.
type Result struct {
	PlansInserted  int
	PlansUpdated   int
	PlansDeleted   int
	ManualInserted int
	ManualUpdated  int
	ManualDeleted  int
	GrainUpdated   bool
}

// Mutations is the total number of rows written.
func (r Result) Mutations() int {
	n := r.PlansInserted + r.PlansUpdated + r.PlansDeleted +
		r.ManualInserted + r.ManualUpdated + r.ManualDeleted
	if r.GrainUpdated {
		n++
	}
	return n
}

// Stats renders the result for a sync_complete frame.
func (r Result) Stats() protocol.SyncStats {
	return protocol.SyncStats{
		PlansInserted:  r.PlansInserted,
		PlansUpdated:   r.PlansUpdated,
		PlansDeleted:   r.PlansDeleted,
		ManualInserted: r.ManualInserted,
		ManualUpdated:  r.ManualUpdated,
		ManualDeleted:  r.ManualDeleted,
		GrainUpdated:   r.GrainUpdated,
	}
}

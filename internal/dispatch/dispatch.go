// Package dispatch turns operator requests into store mutations and pushes
// the matching command to the device when it is connected. A device that is
// offline picks the change up on its next full sync.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"pet-feeder-backend/internal/metrics"
	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/protocol"
	"pet-feeder-backend/internal/reconcile"
	"pet-feeder-backend/internal/store"
	"pet-feeder-backend/internal/version"
)

// Pusher delivers a frame to a connected device.
type Pusher interface {
	Push(deviceID string, m protocol.Message) bool
}

// Syncer runs a full-state sync and waits for its outcome.
type Syncer interface {
	Wait(ctx context.Context, deviceID string) (reconcile.Result, error)
}

// Result describes the outcome of one operation.
type Result struct {
	Message   string              `json:"message"`
	Delivered bool                `json:"delivered"`
	ID        uint                `json:"id,omitempty"`
	Affected  int                 `json:"affected,omitempty"`
	Pushed    int                 `json:"pushed,omitempty"`
	Version   string              `json:"version,omitempty"`
	Stats     *protocol.SyncStats `json:"stats,omitempty"`
}

// Service is the operator-facing command dispatcher.
type Service struct {
	store    store.Store
	pusher   Pusher
	syncer   Syncer
	versions *version.Negotiator
	metrics  *metrics.Metrics
}

// New creates a dispatcher. m may be nil.
func New(s store.Store, pusher Pusher, syncer Syncer, versions *version.Negotiator, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{store: s, pusher: pusher, syncer: syncer, versions: versions, metrics: m}
}

func (s *Service) push(deviceID string, m protocol.Message) bool {
	ok := s.pusher.Push(deviceID, m)
	s.metrics.Push(string(m.Kind()), ok)
	if !ok {
		log.Debug().Str("device_id", deviceID).Str("kind", string(m.Kind())).Msg("device offline, push deferred to sync")
	}
	return ok
}

func delivery(ok bool, done string) string {
	if ok {
		return done + " and sent to device"
	}
	return done + "; device offline, it will be applied on next sync"
}

// CreatePlan stores a new plan and pushes it.
func (s *Service) CreatePlan(ctx context.Context, deviceID string, key model.PlanKey, amount float64) (Result, error) {
	plan, err := s.store.CreatePlan(ctx, deviceID, key, amount)
	if err != nil {
		return Result{}, err
	}
	ok := s.push(deviceID, &protocol.AddFeedingPlan{
		PlanID:        plan.ID,
		DayOfWeek:     plan.DayOfWeek,
		Hour:          plan.Hour,
		Minute:        plan.Minute,
		FeedingAmount: plan.FeedingAmount,
	})
	return Result{Message: delivery(ok, "feeding plan created"), Delivered: ok, ID: plan.ID}, nil
}

// EditPlan changes a plan and pushes the old and new shape.
func (s *Service) EditPlan(ctx context.Context, id uint, key model.PlanKey, amount float64) (Result, error) {
	before, after, err := s.store.EditPlan(ctx, id, key, amount)
	if err != nil {
		return Result{}, err
	}
	ok := s.push(after.DeviceID, &protocol.UpdateFeedingPlan{
		PlanID: after.ID,
		Old:    planEntry(before),
		New:    planEntry(after),
	})
	return Result{Message: delivery(ok, "feeding plan updated"), Delivered: ok, ID: after.ID}, nil
}

// DeletePlan marks a plan pending delete and asks the device to drop it.
func (s *Service) DeletePlan(ctx context.Context, id uint) (Result, error) {
	plan, err := s.store.RequestPlanDelete(ctx, id)
	if err != nil {
		return Result{}, err
	}
	ok := s.push(plan.DeviceID, deletePlan(plan))
	return Result{Message: delivery(ok, "feeding plan delete requested"), Delivered: ok, ID: plan.ID, Affected: 1}, nil
}

// DeletePlansByKey marks every plan with key pending delete across
// deviceIDs, or across all devices when deviceIDs is empty.
func (s *Service) DeletePlansByKey(ctx context.Context, key model.PlanKey, deviceIDs []string) (Result, error) {
	plans, err := s.store.RequestPlanDeleteByKey(ctx, key, deviceIDs)
	if err != nil {
		return Result{}, err
	}
	pushed := 0
	for i := range plans {
		if s.push(plans[i].DeviceID, deletePlan(&plans[i])) {
			pushed++
		}
	}
	return Result{
		Message:   fmt.Sprintf("%d feeding plans at %s marked for deletion, %d sent", len(plans), key, pushed),
		Delivered: len(plans) > 0 && pushed == len(plans),
		Affected:  len(plans),
		Pushed:    pushed,
	}, nil
}

// CreateManualFeeding queues a manual feeding. An identical command that is
// still queued is reported back without another push.
func (s *Service) CreateManualFeeding(ctx context.Context, deviceID string, key model.ManualKey) (Result, error) {
	cmd, created, err := s.store.CreateManualFeeding(ctx, deviceID, key)
	if err != nil {
		return Result{}, err
	}
	if !created {
		return Result{Message: "identical manual feeding already queued", ID: cmd.ID}, nil
	}
	ok := s.push(deviceID, &protocol.AddManualFeeding{
		CommandID:     cmd.ID,
		Hour:          cmd.Hour,
		Minute:        cmd.Minute,
		FeedingAmount: cmd.FeedingAmount,
	})
	return Result{Message: delivery(ok, "manual feeding created"), Delivered: ok, ID: cmd.ID}, nil
}

// DeleteManualFeeding marks a queued command pending delete.
func (s *Service) DeleteManualFeeding(ctx context.Context, id uint) (Result, error) {
	cmd, err := s.store.RequestManualDelete(ctx, id)
	if err != nil {
		return Result{}, err
	}
	ok := s.push(cmd.DeviceID, deleteManual(cmd))
	return Result{Message: delivery(ok, "manual feeding delete requested"), Delivered: ok, ID: cmd.ID, Affected: 1}, nil
}

// DeleteManualFeedingsByKey marks every queued command at hour:minute
// pending delete.
func (s *Service) DeleteManualFeedingsByKey(ctx context.Context, hour, minute int, deviceIDs []string) (Result, error) {
	cmds, err := s.store.RequestManualDeleteByKey(ctx, hour, minute, deviceIDs)
	if err != nil {
		return Result{}, err
	}
	pushed := 0
	for i := range cmds {
		if s.push(cmds[i].DeviceID, deleteManual(&cmds[i])) {
			pushed++
		}
	}
	return Result{
		Message:   fmt.Sprintf("%d manual feedings at %02d:%02d marked for deletion, %d sent", len(cmds), hour, minute, pushed),
		Delivered: len(cmds) > 0 && pushed == len(cmds),
		Affected:  len(cmds),
		Pushed:    pushed,
	}, nil
}

// RequestOTA offers the latest stable firmware to a device.
func (s *Service) RequestOTA(ctx context.Context, deviceID, operator string) (Result, error) {
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Result{}, err
	}
	fw, err := s.versions.Latest(ctx)
	if err != nil {
		return Result{}, err
	}
	if version.Compare(dev.FirmwareVersion, fw.Version()) >= 0 {
		return Result{Message: "device already runs the latest firmware", Version: dev.FirmwareVersion}, nil
	}
	if !version.Compatible(dev, fw) {
		return Result{}, fmt.Errorf("%w: firmware %s is not compatible with %s", store.ErrInvalid, fw.Version(), deviceID)
	}
	return s.sendOTA(ctx, deviceID, fw, model.ChangeUpgrade, operator)
}

// ForceUpdate pushes a specific firmware and marks it mandatory.
func (s *Service) ForceUpdate(ctx context.Context, deviceID, target, operator string) (Result, error) {
	fw, err := s.store.FirmwareByVersion(ctx, target)
	if err != nil {
		return Result{}, err
	}
	return s.sendOTA(ctx, deviceID, fw, model.ChangeForceUpdate, operator)
}

// Rollback pushes an older firmware.
func (s *Service) Rollback(ctx context.Context, deviceID, target, operator string) (Result, error) {
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Result{}, err
	}
	fw, err := s.store.FirmwareByVersion(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if version.Compare(fw.Version(), dev.FirmwareVersion) >= 0 {
		return Result{}, fmt.Errorf("%w: rollback target %s is not older than %s", store.ErrInvalid, fw.Version(), dev.FirmwareVersion)
	}
	return s.sendOTA(ctx, deviceID, fw, model.ChangeRollback, operator)
}

func (s *Service) sendOTA(ctx context.Context, deviceID string, fw *model.FirmwareVersion, change model.VersionChange, operator string) (Result, error) {
	msg, err := s.versions.Prepare(ctx, deviceID, fw, change, operator)
	if err != nil {
		return Result{}, err
	}
	ok := s.push(deviceID, msg)
	return Result{Message: delivery(ok, string(change)+" to "+fw.Version()+" requested"), Delivered: ok, Version: fw.Version()}, nil
}

// Sync asks the device for its full state and waits for the reconciliation.
func (s *Service) Sync(ctx context.Context, deviceID string) (Result, error) {
	res, err := s.syncer.Wait(ctx, deviceID)
	if err != nil {
		return Result{}, err
	}
	stats := res.Stats()
	return Result{
		Message:   fmt.Sprintf("sync complete, %d changes applied", res.Mutations()),
		Delivered: true,
		Affected:  res.Mutations(),
		Stats:     &stats,
	}, nil
}

func planEntry(p *model.FeedingPlan) protocol.PlanEntry {
	return protocol.PlanEntry{DayOfWeek: p.DayOfWeek, Hour: p.Hour, Minute: p.Minute, FeedingAmount: p.FeedingAmount}
}

func deletePlan(p *model.FeedingPlan) *protocol.DeleteFeedingPlan {
	return &protocol.DeleteFeedingPlan{DayOfWeek: p.DayOfWeek, Hour: p.Hour, Minute: p.Minute, FeedingAmount: p.FeedingAmount}
}

func deleteManual(m *model.ManualFeeding) *protocol.DeleteManualFeeding {
	return &protocol.DeleteManualFeeding{Hour: m.Hour, Minute: m.Minute, FeedingAmount: m.FeedingAmount}
}

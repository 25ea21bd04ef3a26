package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"pet-feeder-backend/internal/events"
	"pet-feeder-backend/internal/metrics"
	"pet-feeder-backend/internal/store"
)

// LivenessMonitor mirrors registry membership into the devices' online
// flags.
type LivenessMonitor struct {
	store    store.DeviceStore
	registry *Registry
	events   events.Publisher
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewLivenessMonitor creates a monitor ticking every interval.
func NewLivenessMonitor(s store.DeviceStore, r *Registry, pub events.Publisher, m *metrics.Metrics, interval time.Duration) *LivenessMonitor {
	if pub == nil {
		pub = events.Nop{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &LivenessMonitor{store: s, registry: r, events: pub, metrics: m, interval: interval}
}

// Run ticks until ctx is done. A failed pass is logged and retried on the
// next tick.
func (l *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", l.interval).Msg("liveness monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("liveness monitor stopped")
			return
		case <-ticker.C:
			if _, err := l.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("liveness pass failed")
			}
		}
	}
}

// SyncOnce sets online to registry membership for every device in one
// commit and returns the flags that changed.
func (l *LivenessMonitor) SyncOnce(ctx context.Context) (store.OnlineChanges, error) {
	changes, err := l.store.SyncOnlineFlags(ctx, l.registry.IDs())
	if err != nil {
		return changes, err
	}
	for _, id := range changes.Online {
		l.events.Publish(id, events.Online, nil)
	}
	for _, id := range changes.Offline {
		l.events.Publish(id, events.Offline, nil)
	}
	if !changes.Empty() {
		l.metrics.OnlineFlips.WithLabelValues("liveness", "online").Add(float64(len(changes.Online)))
		l.metrics.OnlineFlips.WithLabelValues("liveness", "offline").Add(float64(len(changes.Offline)))
		log.Debug().Strs("online", changes.Online).Strs("offline", changes.Offline).Msg("online flags updated")
	}
	return changes, nil
}

// HeartbeatSweep marks devices offline whose last contact is older than
// timeout and that hold no connection. It is scheduled by cron.
type HeartbeatSweep struct {
	store    store.DeviceStore
	registry *Registry
	events   events.Publisher
	timeout  time.Duration
	now      func() time.Time
}

// NewHeartbeatSweep creates a sweep.
func NewHeartbeatSweep(s store.DeviceStore, r *Registry, pub events.Publisher, timeout time.Duration) *HeartbeatSweep {
	if pub == nil {
		pub = events.Nop{}
	}
	return &HeartbeatSweep{store: s, registry: r, events: pub, timeout: timeout, now: time.Now}
}

// Run performs one sweep; it satisfies cron.Job.
func (h *HeartbeatSweep) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := h.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("heartbeat sweep failed")
	}
}

// Sweep marks stale devices offline and returns their ids.
func (h *HeartbeatSweep) Sweep(ctx context.Context) ([]string, error) {
	stale, err := h.store.MarkStaleOffline(ctx, h.now().UTC().Add(-h.timeout), h.registry.IDs())
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		h.events.Publish(id, events.Offline, nil)
	}
	if len(stale) > 0 {
		log.Info().Strs("devices", stale).Msg("marked stale devices offline")
	}
	return stale, nil
}

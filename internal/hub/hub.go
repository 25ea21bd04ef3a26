// Package hub terminates device and frontend WebSocket connections and
// routes their frames into the command store.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"pet-feeder-backend/config"
	"pet-feeder-backend/internal/credential"
	"pet-feeder-backend/internal/events"
	"pet-feeder-backend/internal/metrics"
	"pet-feeder-backend/internal/model"
	"pet-feeder-backend/internal/notification"
	"pet-feeder-backend/internal/reconcile"
	"pet-feeder-backend/internal/store"
	"pet-feeder-backend/internal/version"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
	sendQueue    = 16
)

// Notifier queues browser alerts without blocking.
type Notifier interface {
	Notify(alert notification.Alert) bool
}

type nopNotifier struct{}

func (nopNotifier) Notify(notification.Alert) bool { return false }

// Deps are the collaborators a Hub routes frames to.
type Deps struct {
	Store    store.Store
	Registry *Registry
	Engine   *reconcile.Engine
	Versions *version.Negotiator
	Issuer   *credential.Issuer
	Alerts   Notifier
	Events   events.Publisher
	Metrics  *metrics.Metrics
}

// Hub owns the WebSocket endpoint.
type Hub struct {
	cfg      config.HubConfig
	upgrader websocket.Upgrader

	// presence orders registry changes with the online flag writes.
	presence sync.Mutex

	store     store.Store
	registry  *Registry
	observers *observers
	engine    *reconcile.Engine
	versions  *version.Negotiator
	issuer    *credential.Issuer
	alerts    Notifier
	events    events.Publisher
	metrics   *metrics.Metrics
}

// New creates a hub. Alerts, Events and Metrics are optional.
func New(cfg config.HubConfig, d Deps) *Hub {
	h := &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		store:     d.Store,
		registry:  d.Registry,
		observers: newObservers(),
		engine:    d.Engine,
		versions:  d.Versions,
		issuer:    d.Issuer,
		alerts:    d.Alerts,
		events:    d.Events,
		metrics:   d.Metrics,
	}
	if h.alerts == nil {
		h.alerts = nopNotifier{}
	}
	if h.events == nil {
		h.events = events.Nop{}
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.cfg.ReadLimitBytes <= 0 {
		h.cfg.ReadLimitBytes = 64 * 1024
	}
	return h
}

// Registry returns the device connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ServeWS upgrades the request and runs the session until it closes.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	s := newSession(h, conn, uuid.NewString())
	h.metrics.Sessions.Inc()
	defer h.metrics.Sessions.Dec()

	go s.writePump()
	s.readLoop()
}

// ReportGrain stores a grain weight reported over any transport and raises
// the low grain alert.
func (h *Hub) ReportGrain(ctx context.Context, deviceID string, weight float64) (*model.Device, error) {
	dev, err := h.store.UpdateGrainWeight(ctx, deviceID, weight)
	if err != nil {
		return nil, err
	}
	h.events.Publish(deviceID, events.Grain, map[string]float64{"grain_weight": dev.GrainWeight})
	if h.cfg.LowGrainThreshold > 0 && dev.GrainWeight < h.cfg.LowGrainThreshold {
		h.alerts.Notify(notification.Alert{
			DeviceID: deviceID,
			Kind:     notification.AlertLowGrain,
			Title:    "Grain running low",
			Body:     fmt.Sprintf("%s has %.0fg of grain left.", deviceID, dev.GrainWeight),
		})
	}
	return dev, nil
}

// ReportFeeding publishes a stored feeding record and alerts on dispenses
// that did not fully succeed.
func (h *Hub) ReportFeeding(rec *model.FeedingRecord) {
	h.events.Publish(rec.DeviceID, events.FeedingRecord, rec)
	if rec.Status == model.FeedingSuccess {
		return
	}
	h.alerts.Notify(notification.Alert{
		DeviceID: rec.DeviceID,
		Kind:     notification.AlertFeeding,
		Title:    "Feeding " + string(rec.Status),
		Body:     fmt.Sprintf("%s dispensed %s of %.0fg at %02d:%02d.", rec.DeviceID, actual(rec.ActualAmount), rec.FeedingAmount, rec.Hour, rec.Minute),
	})
}

// Heartbeat records an HTTP heartbeat. Empty or unknown ids are enrolled
// under a fresh id; enrolled reports whether that happened.
func (h *Hub) Heartbeat(ctx context.Context, deviceID string, info model.VersionInfo) (dev *model.Device, enrolled bool, err error) {
	if deviceID != "" {
		dev, err = h.store.TouchHeartbeat(ctx, deviceID, info)
		if err == nil {
			return dev, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}
	dev, err = h.store.EnrollDevice(ctx, h.cfg.DeviceIDPrefix, h.issuer.Hash(), info)
	if err != nil {
		return nil, false, err
	}
	log.Info().Str("device_id", dev.ID).Str("requested_id", deviceID).Msg("device enrolled by heartbeat")
	h.events.Publish(dev.ID, events.Online, nil)
	return dev, true, nil
}

// DefaultPassword is handed to enrolled devices.
func (h *Hub) DefaultPassword() string {
	return h.issuer.Password()
}

func actual(v *float64) string {
	if v == nil {
		return "nothing"
	}
	return fmt.Sprintf("%.0fg", *v)
}

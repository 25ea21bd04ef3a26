package notification

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"pet-feeder-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// SubscriptionSource resolves who follows a device.
type SubscriptionSource interface {
	SubscriptionsForDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Alert kinds.
const (
	AlertOTA         = "ota"
	AlertFeeding     = "feeding"
	AlertLowGrain    = "low_grain"
	AlertDeviceState = "device_state"
)

// Alert is one message for everyone following a device.
type Alert struct {
	DeviceID string `json:"device_id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	subs    SubscriptionSource
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, subs SubscriptionSource, webpushOptions *webpush.Options) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size*16),
		subs:    subs,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Debug().Int("worker", id).Msg("notification worker started")
	for {
		select {
		case alert := <-wp.jobs:
			wp.sendAlert(ctx, alert)
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("notification worker shutting down")
			return
		}
	}
}

// Dispatch queues an alert, waiting for room in the queue.
func (wp *WorkerPool) Dispatch(alert Alert) {
	wp.jobs <- alert
}

// Notify queues an alert unless the queue is full. Sessions use it so a
// slow push service never stalls a device connection.
func (wp *WorkerPool) Notify(alert Alert) bool {
	select {
	case wp.jobs <- alert:
		return true
	default:
		log.Warn().Str("device_id", alert.DeviceID).Str("kind", alert.Kind).Msg("notification queue full, dropping alert")
		return false
	}
}

func (wp *WorkerPool) sendAlert(ctx context.Context, alert Alert) {
	subscriptions, err := wp.subs.SubscriptionsForDevice(ctx, alert.DeviceID)
	if err != nil {
		log.Error().Err(err).Str("device_id", alert.DeviceID).Msg("failed to fetch subscriptions")
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode alert")
		return
	}

	log.Info().Int("subscriptions", len(subscriptions)).Str("device_id", alert.DeviceID).Str("kind", alert.Kind).Msg("sending alert")
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to send notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		log.Info().Str("endpoint", sub.Endpoint).Msg("subscription expired, deleting")
		if err := wp.subs.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	}
}

package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pet-feeder-backend/internal/protocol"
)

var (
	// ErrDeviceNotConnected fails a sync request whose device holds no
	// connection.
	ErrDeviceNotConnected = errors.New("device not connected")
	// ErrSyncTimeout fails a sync request the device did not answer in time.
	ErrSyncTimeout = errors.New("sync timed out")
)

// DefaultTimeout bounds how long a sync waiter is kept.
const DefaultTimeout = 30 * time.Second

// Applier commits a device snapshot atomically.
type Applier interface {
	ApplySnapshot(ctx context.Context, deviceID string, snap Snapshot) (Result, error)
}

// Forwarder delivers a frame to a connected device.
type Forwarder interface {
	Push(deviceID string, m protocol.Message) bool
}

// Outcome is delivered to a waiter exactly once.
type Outcome struct {
	DeviceID string
	Result   Result
	Err      error
}

type waiter struct {
	id     string
	owner  string
	notify func(Outcome)
	timer  *time.Timer
}

// Engine tracks pending sync requests and applies device snapshots.
type Engine struct {
	applier   Applier
	forwarder Forwarder
	timeout   time.Duration

	mu      sync.Mutex
	waiters map[string][]*waiter
}

// NewEngine creates an engine. A non-positive timeout uses DefaultTimeout.
func NewEngine(applier Applier, forwarder Forwarder, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		applier:   applier,
		forwarder: forwarder,
		timeout:   timeout,
		waiters:   make(map[string][]*waiter),
	}
}

// Request records a waiter for deviceID and forwards a sync_request to the
// device. notify is called exactly once: with the applied result, with
// ErrDeviceNotConnected before Request returns, or with ErrSyncTimeout. It
// is never called after Drop(owner). The returned id names the waiter.
func (e *Engine) Request(deviceID, owner string, notify func(Outcome)) string {
	w := &waiter{id: uuid.NewString(), owner: owner, notify: notify}

	e.mu.Lock()
	e.waiters[deviceID] = append(e.waiters[deviceID], w)
	w.timer = time.AfterFunc(e.timeout, func() {
		if e.take(deviceID, w.id) {
			log.Warn().Str("device_id", deviceID).Str("owner", owner).Msg("sync request timed out")
			notify(Outcome{DeviceID: deviceID, Err: ErrSyncTimeout})
		}
	})
	e.mu.Unlock()

	if !e.forwarder.Push(deviceID, &protocol.SyncRequest{DeviceID: deviceID, RequestID: w.id}) {
		if e.take(deviceID, w.id) {
			notify(Outcome{DeviceID: deviceID, Err: ErrDeviceNotConnected})
		}
	}
	return w.id
}

// Wait issues a sync request and blocks until it resolves or ctx ends.
func (e *Engine) Wait(ctx context.Context, deviceID string) (Result, error) {
	ch := make(chan Outcome, 1)
	id := e.Request(deviceID, "", func(o Outcome) { ch <- o })
	select {
	case o := <-ch:
		return o.Result, o.Err
	case <-ctx.Done():
		e.take(deviceID, id)
		return Result{}, ctx.Err()
	}
}

// Apply commits a device snapshot and resolves every waiter for the device.
// The snapshot is committed whether or not anyone is waiting.
func (e *Engine) Apply(ctx context.Context, deviceID string, snap Snapshot) (Result, error) {
	res, err := e.applier.ApplySnapshot(ctx, deviceID, snap)

	e.mu.Lock()
	pending := e.waiters[deviceID]
	delete(e.waiters, deviceID)
	e.mu.Unlock()

	for _, w := range pending {
		w.timer.Stop()
		w.notify(Outcome{DeviceID: deviceID, Result: res, Err: err})
	}
	if len(pending) == 0 {
		log.Debug().Str("device_id", deviceID).Msg("sync applied with no waiter")
	}
	return res, err
}

// Drop discards every waiter owned by owner without notifying it.
func (e *Engine) Drop(owner string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for deviceID, list := range e.waiters {
		kept := list[:0]
		for _, w := range list {
			if w.owner == owner {
				w.timer.Stop()
				dropped++
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(e.waiters, deviceID)
		} else {
			e.waiters[deviceID] = kept
		}
	}
	return dropped
}

// Pending reports how many waiters exist for deviceID.
func (e *Engine) Pending(deviceID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters[deviceID])
}

func (e *Engine) take(deviceID, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.waiters[deviceID]
	for i, w := range list {
		if w.id != id {
			continue
		}
		w.timer.Stop()
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(e.waiters, deviceID)
		} else {
			e.waiters[deviceID] = list
		}
		return true
	}
	return false
}

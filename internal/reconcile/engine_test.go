package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pet-feeder-backend/internal/protocol"
)

type fakeApplier struct {
	mu    sync.Mutex
	calls int
	res   Result
	err   error
}

func (f *fakeApplier) ApplySnapshot(_ context.Context, _ string, _ Snapshot) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

type fakeForwarder struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []protocol.Message
}

func (f *fakeForwarder) Push(deviceID string, m protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[deviceID] {
		return false
	}
	f.sent = append(f.sent, m)
	return true
}

func TestEngine_NotConnectedFailsImmediately(t *testing.T) {
	e := NewEngine(&fakeApplier{}, &fakeForwarder{}, time.Minute)

	var got Outcome
	calls := 0
	e.Request("ESP-001", "frontend-1", func(o Outcome) { got = o; calls++ })

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, got.Err, ErrDeviceNotConnected)
	assert.Equal(t, 0, e.Pending("ESP-001"))
}

func TestEngine_ApplyNotifiesWaiters(t *testing.T) {
	applier := &fakeApplier{res: Result{PlansInserted: 2}}
	fwd := &fakeForwarder{connected: map[string]bool{"ESP-001": true}}
	e := NewEngine(applier, fwd, time.Minute)

	outcomes := make(chan Outcome, 2)
	e.Request("ESP-001", "frontend-1", func(o Outcome) { outcomes <- o })
	e.Request("ESP-001", "frontend-2", func(o Outcome) { outcomes <- o })
	require.Equal(t, 2, e.Pending("ESP-001"))
	require.Len(t, fwd.sent, 2)
	assert.Equal(t, protocol.KindSyncRequest, fwd.sent[0].Kind())

	res, err := e.Apply(context.Background(), "ESP-001", Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PlansInserted)

	for i := 0; i < 2; i++ {
		o := <-outcomes
		assert.NoError(t, o.Err)
		assert.Equal(t, 2, o.Result.PlansInserted)
	}
	assert.Equal(t, 0, e.Pending("ESP-001"))
}

func TestEngine_ApplyWithoutWaiterStillCommits(t *testing.T) {
	applier := &fakeApplier{}
	e := NewEngine(applier, &fakeForwarder{}, time.Minute)

	_, err := e.Apply(context.Background(), "ESP-001", Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, 1, applier.calls)
}

func TestEngine_ApplyErrorReachesWaiter(t *testing.T) {
	boom := errors.New("disk full")
	fwd := &fakeForwarder{connected: map[string]bool{"ESP-001": true}}
	e := NewEngine(&fakeApplier{err: boom}, fwd, time.Minute)

	outcomes := make(chan Outcome, 1)
	e.Request("ESP-001", "frontend-1", func(o Outcome) { outcomes <- o })
	_, err := e.Apply(context.Background(), "ESP-001", Snapshot{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, (<-outcomes).Err, boom)
}

func TestEngine_Timeout(t *testing.T) {
	fwd := &fakeForwarder{connected: map[string]bool{"ESP-001": true}}
	e := NewEngine(&fakeApplier{}, fwd, 20*time.Millisecond)

	_, err := e.Wait(context.Background(), "ESP-001")
	assert.ErrorIs(t, err, ErrSyncTimeout)
	assert.Equal(t, 0, e.Pending("ESP-001"))
}

func TestEngine_WaitContextCancel(t *testing.T) {
	fwd := &fakeForwarder{connected: map[string]bool{"ESP-001": true}}
	e := NewEngine(&fakeApplier{}, fwd, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Wait(ctx, "ESP-001")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, e.Pending("ESP-001"))
}

func TestEngine_DropSilencesOwner(t *testing.T) {
	fwd := &fakeForwarder{connected: map[string]bool{"ESP-001": true, "ESP-002": true}}
	e := NewEngine(&fakeApplier{}, fwd, time.Minute)

	called := false
	e.Request("ESP-001", "frontend-1", func(Outcome) { called = true })
	e.Request("ESP-002", "frontend-1", func(Outcome) { called = true })
	e.Request("ESP-002", "frontend-2", func(Outcome) {})

	assert.Equal(t, 2, e.Drop("frontend-1"))
	assert.Equal(t, 0, e.Pending("ESP-001"))
	assert.Equal(t, 1, e.Pending("ESP-002"))

	_, err := e.Apply(context.Background(), "ESP-001", Snapshot{})
	require.NoError(t, err)
	assert.False(t, called)
}

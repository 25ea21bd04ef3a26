package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pet-feeder-backend/internal/protocol"
)

type fakeConn struct {
	id     string
	refuse bool

	mu   sync.Mutex
	sent []protocol.Message
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(m protocol.Message) bool {
	if f.refuse {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return true
}

func (f *fakeConn) Sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	first, second := &fakeConn{id: "a"}, &fakeConn{id: "b"}

	assert.Nil(t, r.Register("ESP-001", first))
	prev := r.Register("ESP-001", second)
	require.NotNil(t, prev)
	assert.Equal(t, "a", prev.ID())

	got, ok := r.Lookup("ESP-001")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Nil(t, r.Register("ESP-001", second), "re-registering the same connection supersedes nothing")
}

func TestRegistry_UnregisterIfIdentical(t *testing.T) {
	r := NewRegistry()
	first, second := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	r.Register("ESP-001", first)
	r.Register("ESP-001", second)

	assert.False(t, r.Unregister("ESP-001", first))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Unregister("ESP-001", second))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Unregister("ESP-001", second))
}

func TestRegistry_Push(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "a"}
	r.Register("ESP-001", c)
	r.Register("ESP-002", &fakeConn{id: "b", refuse: true})

	assert.True(t, r.Push("ESP-001", &protocol.DeleteManualFeeding{Hour: 8}))
	assert.False(t, r.Push("ESP-002", &protocol.DeleteManualFeeding{Hour: 8}))
	assert.False(t, r.Push("ESP-404", &protocol.DeleteManualFeeding{Hour: 8}))
	assert.Len(t, c.Sent(), 1)
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("ESP-010", &fakeConn{id: "x"})
	r.Register("ESP-002", &fakeConn{id: "y"})
	assert.Equal(t, []string{"ESP-002", "ESP-010"}, r.IDs())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{id: string(rune('a' + i%26))}
			r.Register("ESP-001", c)
			r.Push("ESP-001", &protocol.Ack{For: protocol.KindHeartbeat})
			r.Unregister("ESP-001", c)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 1)
}

func TestObservers_Broadcast(t *testing.T) {
	o := newObservers()
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b", refuse: true}
	o.add(a)
	o.add(b)

	assert.Equal(t, 1, o.broadcast(&protocol.OTAStatus{Status: "success"}))
	o.remove(a)
	assert.Equal(t, 0, o.broadcast(&protocol.OTAStatus{Status: "success"}))
	assert.Len(t, a.Sent(), 1)
}

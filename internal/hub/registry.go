package hub

import (
	"sort"
	"sync"

	"pet-feeder-backend/internal/protocol"
)

// Conn is a live connection that frames can be queued on.
type Conn interface {
	ID() string
	Send(m protocol.Message) bool
}

// Registry maps device ids to their current connection. A device holds at
// most one entry; the newest registration wins.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register binds deviceID to c and returns the connection it replaced, if
// any.
func (r *Registry) Register(deviceID string, c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[deviceID]
	r.conns[deviceID] = c
	if prev == c {
		return nil
	}
	return prev
}

// Lookup returns the connection of deviceID.
func (r *Registry) Lookup(deviceID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[deviceID]
	return c, ok
}

// Unregister removes deviceID only while it is still bound to c, so a
// superseded connection closing late cannot evict its replacement.
func (r *Registry) Unregister(deviceID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[deviceID]; ok && cur == c {
		delete(r.conns, deviceID)
		return true
	}
	return false
}

// Push queues m on the device's connection. It reports false when the
// device is not connected or its queue is full.
func (r *Registry) Push(deviceID string, m protocol.Message) bool {
	c, ok := r.Lookup(deviceID)
	if !ok {
		return false
	}
	return c.Send(m)
}

// IDs returns the connected device ids in order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// observers holds the frontend connections that receive OTA mirrors.
type observers struct {
	mu    sync.Mutex
	conns map[string]Conn
}

func newObservers() *observers {
	return &observers{conns: make(map[string]Conn)}
}

func (o *observers) add(c Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conns[c.ID()] = c
}

func (o *observers) remove(c Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.conns, c.ID())
}

func (o *observers) broadcast(m protocol.Message) int {
	o.mu.Lock()
	list := make([]Conn, 0, len(o.conns))
	for _, c := range o.conns {
		list = append(list, c)
	}
	o.mu.Unlock()

	sent := 0
	for _, c := range list {
		if c.Send(m) {
			sent++
		}
	}
	return sent
}

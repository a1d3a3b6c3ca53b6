// Package session correlates an identified inbound connection with the
// pending session that was requested for the same device.
package session

import (
	"net"
	"sync"

	"callhome/internal/future"
	"callhome/internal/netconf"
)

// Pending is a requested session that no connection has claimed yet.
type Pending struct {
	ID       string
	Listener netconf.SessionListener
	Promise  *future.Promise[*netconf.Session]
}

// Context binds a claimed pending session to the connection that claimed
// it. T is the transport handle.
type Context[T any] struct {
	ID         string
	RemoteAddr net.Addr
	Transport  T
	Listener   netconf.SessionListener
	Promise    *future.Promise[*netconf.Session]
}

// ClaimFunc consumes the pending session for id, if there is one. remote
// is the address of the connection making the claim.
type ClaimFunc func(id string, remote net.Addr) (*Pending, bool)

// Manager is a registry of live contexts keyed by device id.
type Manager[T any] struct {
	claim   ClaimFunc
	disable func(id string)

	mu       sync.Mutex
	contexts map[string]*Context[T]
}

// NewManager returns a registry that claims pending sessions with claim
// and calls disable whenever a context for a device is removed.
func NewManager[T any](claim ClaimFunc, disable func(id string)) *Manager[T] {
	return &Manager[T]{
		claim:    claim,
		disable:  disable,
		contexts: make(map[string]*Context[T]),
	}
}

// CreateContext claims the pending session for id on behalf of transport.
// It returns nil when no session is pending for id, in which case the
// connection was not expected and must be closed.
func (m *Manager[T]) CreateContext(id string, remote net.Addr, transport T) *Context[T] {
	p, ok := m.claim(id, remote)
	if !ok {
		return nil
	}
	c := &Context[T]{
		ID:         id,
		RemoteAddr: remote,
		Transport:  transport,
		Listener:   p.Listener,
		Promise:    p.Promise,
	}

	m.mu.Lock()
	m.contexts[id] = c
	m.mu.Unlock()
	return c
}

// Get returns the live context for id.
func (m *Manager[T]) Get(id string) (*Context[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	return c, ok
}

// Len returns the number of live contexts.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Remove drops any context for id and disables the device. Safe to call
// repeatedly and for ids that have no context.
func (m *Manager[T]) Remove(id string) {
	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()

	m.disable(id)
}

// Release removes c if it is still the live context for its device. A
// context replaced by a newer connection is dropped silently.
func (m *Manager[T]) Release(c *Context[T]) {
	m.mu.Lock()
	current := m.contexts[c.ID] == c
	if current {
		delete(m.contexts, c.ID)
	}
	m.mu.Unlock()

	if current {
		m.disable(c.ID)
	}
}

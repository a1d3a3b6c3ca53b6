// Package datastore is an in-memory, change-notifying configuration store.
//
// Each Collection delivers changes to its listeners in commit order, one
// batch at a time. Listeners must not write to the collection they are
// subscribed to.
package datastore

import (
	"maps"
	"slices"
	"sync"
)

// ChangeType distinguishes writes from deletes.
type ChangeType int

const (
	Write ChangeType = iota
	Delete
)

func (t ChangeType) String() string {
	if t == Delete {
		return "delete"
	}
	return "write"
}

// Change describes one modified entry. Before is nil for a created entry,
// After is nil for a deleted one.
type Change[T any] struct {
	Type   ChangeType
	Key    string
	Before *T
	After  *T
}

// Listener receives one committed batch.
type Listener[T any] func(changes []Change[T])

// Registration cancels a subscription.
type Registration interface {
	Close()
}

// Mutation is a single write or delete inside a batch.
type Mutation[T any] struct {
	Type  ChangeType
	Key   string
	Value T
}

// Collection is a keyed set of values of type T.
type Collection[T any] struct {
	// deliver serializes commits with their notifications so listeners see
	// batches in commit order.
	deliver sync.Mutex

	mu        sync.RWMutex
	items     map[string]T
	listeners map[int]Listener[T]
	nextID    int
}

// NewCollection returns an empty collection.
func NewCollection[T any]() *Collection[T] {
	return &Collection[T]{
		items:     make(map[string]T),
		listeners: make(map[int]Listener[T]),
	}
}

// Get returns the value stored under key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Snapshot returns a copy of every entry.
func (c *Collection[T]) Snapshot() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.items)
}

// Keys returns the stored keys in sorted order.
func (c *Collection[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.items))
}

// Put stores v under key.
func (c *Collection[T]) Put(key string, v T) {
	c.Apply([]Mutation[T]{{Type: Write, Key: key, Value: v}})
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *Collection[T]) Delete(key string) {
	c.Apply([]Mutation[T]{{Type: Delete, Key: key}})
}

// Apply commits muts atomically and notifies listeners once.
func (c *Collection[T]) Apply(muts []Mutation[T]) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	changes := make([]Change[T], 0, len(muts))
	for _, m := range muts {
		if ch, ok := c.applyLocked(m); ok {
			changes = append(changes, ch)
		}
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.notify(listeners, changes)
}

// Update performs a read-modify-write on key. fn receives the current value
// and returns the next value and whether to store it.
func (c *Collection[T]) Update(key string, fn func(cur T, exists bool) (T, bool)) bool {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	cur, exists := c.items[key]
	next, write := fn(cur, exists)
	if !write {
		c.mu.Unlock()
		return false
	}
	ch, _ := c.applyLocked(Mutation[T]{Type: Write, Key: key, Value: next})
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.notify(listeners, []Change[T]{ch})
	return true
}

// Subscribe registers l. The current content is delivered first as a batch
// of writes, unless the collection is empty.
func (c *Collection[T]) Subscribe(l Listener[T]) Registration {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	initial := make([]Change[T], 0, len(c.items))
	for _, k := range slices.Sorted(maps.Keys(c.items)) {
		v := c.items[k]
		initial = append(initial, Change[T]{Type: Write, Key: k, After: &v})
	}
	c.mu.Unlock()

	if len(initial) > 0 {
		l(initial)
	}
	return &registration{close: func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}}
}

func (c *Collection[T]) applyLocked(m Mutation[T]) (Change[T], bool) {
	old, existed := c.items[m.Key]
	var before *T
	if existed {
		before = &old
	}

	switch m.Type {
	case Delete:
		if !existed {
			return Change[T]{}, false
		}
		delete(c.items, m.Key)
		return Change[T]{Type: Delete, Key: m.Key, Before: before}, true
	default:
		v := m.Value
		c.items[m.Key] = v
		return Change[T]{Type: Write, Key: m.Key, Before: before, After: &v}, true
	}
}

func (c *Collection[T]) listenersLocked() []Listener[T] {
	ids := slices.Sorted(maps.Keys(c.listeners))
	out := make([]Listener[T], 0, len(ids))
	for _, id := range ids {
		out = append(out, c.listeners[id])
	}
	return out
}

func (c *Collection[T]) notify(listeners []Listener[T], changes []Change[T]) {
	if len(changes) == 0 {
		return
	}
	for _, l := range listeners {
		l(changes)
	}
}

type registration struct {
	once  sync.Once
	close func()
}

func (r *registration) Close() {
	r.once.Do(r.close)
}

package datastore

import "callhome/internal/models"

// singletonKey is the only key used by a Single.
const singletonKey = "global"

// Single is a collection holding at most one value.
type Single[T any] struct {
	c *Collection[T]
}

// NewSingle returns an unset Single.
func NewSingle[T any]() *Single[T] {
	return &Single[T]{c: NewCollection[T]()}
}

// Get returns the current value.
func (s *Single[T]) Get() (T, bool) { return s.c.Get(singletonKey) }

// Set replaces the value.
func (s *Single[T]) Set(v T) { s.c.Put(singletonKey, v) }

// Clear removes the value.
func (s *Single[T]) Clear() { s.c.Delete(singletonKey) }

// Subscribe registers l for changes to the value.
func (s *Single[T]) Subscribe(l Listener[T]) Registration { return s.c.Subscribe(l) }

// Store groups the call-home views: intended configuration (global policy
// and allowed devices) and the operational device state.
type Store struct {
	Global      *Single[models.GlobalPolicy]
	Devices     *Collection[models.Device]
	Operational *Collection[models.DeviceState]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		Global:      NewSingle[models.GlobalPolicy](),
		Devices:     NewCollection[models.Device](),
		Operational: NewCollection[models.DeviceState](),
	}
}

// Package future provides a write-once promise used to hand a session that
// is still being established to whoever asked for it.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the result error of a cancelled promise.
var ErrCancelled = errors.New("future: cancelled")

// Promise is a single-assignment result. Exactly one of Complete, Fail or
// Cancel takes effect; later calls return false. Safe for concurrent use.
type Promise[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete fulfils the promise with v.
func (p *Promise[T]) Complete(v T) bool {
	return p.settle(v, nil)
}

// Fail fulfils the promise with err.
func (p *Promise[T]) Fail(err error) bool {
	var zero T
	if err == nil {
		err = errors.New("future: failed with nil error")
	}
	return p.settle(zero, err)
}

// Cancel fails the promise with ErrCancelled.
func (p *Promise[T]) Cancel() bool {
	var zero T
	return p.settle(zero, ErrCancelled)
}

func (p *Promise[T]) settle(v T, err error) bool {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return false
	default:
	}
	p.value, p.err = v, err
	close(p.done)
	cbs := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done is closed once the promise is settled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// IsDone reports whether the promise is settled.
func (p *Promise[T]) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value. It must only be called after Done.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers cb to run once the promise settles. If it already
// has, cb runs immediately on the caller's goroutine.
func (p *Promise[T]) OnComplete(cb func(T, error)) {
	p.mu.Lock()
	select {
	case <-p.done:
		v, err := p.value, p.err
		p.mu.Unlock()
		cb(v, err)
		return
	default:
	}
	p.callbacks = append(p.callbacks, cb)
	p.mu.Unlock()
}

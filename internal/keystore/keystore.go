// Package keystore holds the trusted certificates and the controller's
// private keys used by the TLS call-home transport.
package keystore

import (
	"crypto/tls"
	"crypto/x509"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable view of the keystore.
type Snapshot struct {
	// Trusted maps a certificate name to the certificate.
	Trusted map[string]*x509.Certificate
	// Keys maps a private-key id to the key and its certificate chain.
	Keys map[string]tls.Certificate
}

// TrustedNames returns the certificate names in sorted order.
func (s *Snapshot) TrustedNames() []string {
	return slices.Sorted(maps.Keys(s.Trusted))
}

// KeyIDs returns the private-key ids in sorted order.
func (s *Snapshot) KeyIDs() []string {
	return slices.Sorted(maps.Keys(s.Keys))
}

// Pool returns a pool with every trusted certificate.
func (s *Snapshot) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, name := range s.TrustedNames() {
		pool.AddCert(s.Trusted[name])
	}
	return pool
}

// Keystore publishes snapshots to subscribers.
type Keystore struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners map[int]func(*Snapshot)
	nextID    int
}

// New returns an empty keystore.
func New() *Keystore {
	k := &Keystore{listeners: make(map[int]func(*Snapshot))}
	k.current.Store(&Snapshot{
		Trusted: map[string]*x509.Certificate{},
		Keys:    map[string]tls.Certificate{},
	})
	return k
}

// Snapshot returns the current snapshot.
func (k *Keystore) Snapshot() *Snapshot {
	return k.current.Load()
}

// Set replaces the current snapshot and notifies subscribers.
func (k *Keystore) Set(s *Snapshot) {
	if s.Trusted == nil {
		s.Trusted = map[string]*x509.Certificate{}
	}
	if s.Keys == nil {
		s.Keys = map[string]tls.Certificate{}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.current.Store(s)
	for _, id := range slices.Sorted(maps.Keys(k.listeners)) {
		k.listeners[id](s)
	}
}

// Subscribe registers l and immediately delivers the current snapshot.
// The returned func cancels the subscription.
func (k *Keystore) Subscribe(l func(*Snapshot)) (cancel func()) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := k.nextID
	k.nextID++
	k.listeners[id] = l
	l(k.current.Load())

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.listeners, id)
			k.mu.Unlock()
		})
	}
}

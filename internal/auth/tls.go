package auth

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"callhome/internal/datastore"
	"callhome/internal/keystore"
	"callhome/internal/models"
	"callhome/internal/pubkey"
)

// TLSProvider maps a TLS peer's certificate key to a configured device.
type TLSProvider struct {
	factory *keystore.ContextFactory
	log     zerolog.Logger

	mu sync.RWMutex
	// namesByKey maps an encoded public key to the trusted certificate
	// names carrying it.
	namesByKey map[string][]string
	devices    map[string]models.TLSTransport

	reg         datastore.Registration
	unsubscribe func()
}

// NewTLSProvider subscribes to the allowed devices of store and to the
// trusted certificates of ks.
func NewTLSProvider(store *datastore.Store, ks *keystore.Keystore, log zerolog.Logger) *TLSProvider {
	p := &TLSProvider{
		factory:    keystore.NewContextFactory(ks),
		log:        log,
		namesByKey: make(map[string][]string),
		devices:    make(map[string]models.TLSTransport),
	}
	p.unsubscribe = ks.Subscribe(p.onKeystore)
	p.reg = store.Devices.Subscribe(p.onDevices)
	return p
}

// IDFor returns the id of the single device bound to key, or "" when the
// key matches no device or more than one.
func (p *TLSProvider) IDFor(key crypto.PublicKey) string {
	id, err := p.idFor(key)
	if err != nil {
		p.log.Warn().Err(err).Msg("rejecting tls call-home")
		return ""
	}
	return id
}

func (p *TLSProvider) idFor(key crypto.PublicKey) (string, error) {
	enc, err := encodeKey(key)
	if err != nil {
		return "", err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	names := p.namesByKey[enc]
	var matches []string
	for _, id := range slices.Sorted(maps.Keys(p.devices)) {
		if slices.Contains(names, p.devices[id].CertificateID) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: certificates %v", ErrUnknownDevice, names)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: key resolves to devices %v", ErrAmbiguousIdentity, matches)
	}
}

// TLSConfig builds the controller's handshake configuration for a peer at
// remote from the private keys of every configured TLS device.
func (p *TLSProvider) TLSConfig(remote net.Addr) (*tls.Config, error) {
	p.mu.RLock()
	set := make(map[string]bool, len(p.devices))
	for _, d := range p.devices {
		if d.KeyID != "" {
			set[d.KeyID] = true
		}
	}
	p.mu.RUnlock()

	cfg, err := p.factory.ClientConfig(slices.Sorted(maps.Keys(set)))
	if err != nil {
		return nil, fmt.Errorf("auth: tls config for %s: %w", addrString(remote), err)
	}
	return cfg, nil
}

// Close releases the subscriptions.
func (p *TLSProvider) Close() {
	p.reg.Close()
	p.unsubscribe()
}

func (p *TLSProvider) onDevices(changes []datastore.Change[models.Device]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range changes {
		if ch.Before != nil {
			delete(p.devices, ch.Before.UniqueID)
		}
		if ch.After != nil {
			if t, ok := ch.After.TLS(); ok {
				p.devices[ch.After.UniqueID] = t
			}
		}
	}
}

func (p *TLSProvider) onKeystore(s *keystore.Snapshot) {
	index := make(map[string][]string, len(s.Trusted))
	for _, name := range s.TrustedNames() {
		enc, err := encodeKey(s.Trusted[name].PublicKey)
		if err != nil {
			p.log.Warn().Err(err).Str("certificate", name).Msg("skipping certificate with unusable key")
			continue
		}
		index[enc] = append(index[enc], name)
	}

	p.mu.Lock()
	p.namesByKey = index
	p.mu.Unlock()
}

// encodeKey returns the lookup form of key: the SSH wire encoding when
// the codec supports the key type, PKIX DER otherwise.
func encodeKey(key crypto.PublicKey) (string, error) {
	if raw, err := pubkey.Encode(key); err == nil {
		return string(raw), nil
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("auth: encode key: %w", err)
	}
	return "pkix:" + string(der), nil
}

// Package auth decides whether an inbound call-home connection belongs to
// an allowed device, based only on the key material it presents.
package auth

import (
	"crypto"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"callhome/internal/datastore"
	"callhome/internal/models"
	"callhome/internal/pubkey"
)

var (
	// ErrNoCredentials means a device was identified but no username and
	// password resolved for it.
	ErrNoCredentials = errors.New("auth: no credentials")
	// ErrUnknownDevice means the presented key belongs to no allowed device.
	ErrUnknownDevice = errors.New("auth: unknown device")
	// ErrAmbiguousIdentity means a key resolves to more than one device.
	ErrAmbiguousIdentity = errors.New("auth: ambiguous identity")
)

// SSHSettings is an accepted SSH call-home decision.
type SSHSettings struct {
	ID        string
	Username  string
	Passwords []string
}

// SSHProvider authorizes SSH call-home devices by host key.
type SSHProvider struct {
	status models.StatusRecorder
	log    zerolog.Logger

	global atomic.Pointer[models.GlobalPolicy]

	mu sync.RWMutex
	// byKey maps the canonical authorized-key string of every configured
	// SSH device to that device.
	byKey map[string]models.Device
	// seen maps the canonical key of every device in the operational view
	// to its id.
	seen map[string]string

	regs []datastore.Registration
}

// NewSSHProvider subscribes to the global policy, the allowed devices and
// the operational devices of store.
func NewSSHProvider(store *datastore.Store, status models.StatusRecorder, log zerolog.Logger) *SSHProvider {
	p := &SSHProvider{
		status: status,
		log:    log,
		byKey:  make(map[string]models.Device),
		seen:   make(map[string]string),
	}
	p.regs = []datastore.Registration{
		store.Global.Subscribe(p.onGlobal),
		store.Devices.Subscribe(p.onDevices),
		store.Operational.Subscribe(p.onOperational),
	}
	return p
}

// Decide authorizes an SSH peer at remote presenting key. It returns nil
// when the connection must be rejected.
func (p *SSHProvider) Decide(remote net.Addr, key crypto.PublicKey) *SSHSettings {
	s, err := p.decide(remote, key)
	if err != nil {
		p.log.Info().Err(err).
			Str("remote", addrString(remote)).
			Str("fingerprint", pubkey.Fingerprint(key)).
			Msg("rejecting ssh call-home")
		return nil
	}
	return s
}

func (p *SSHProvider) decide(remote net.Addr, key crypto.PublicKey) (*SSHSettings, error) {
	canon, err := pubkey.FormatAuthorized(key)
	if err != nil {
		return nil, err
	}

	global := p.global.Load()

	p.mu.RLock()
	device, known := p.byKey[canon]
	p.mu.RUnlock()

	var (
		id    string
		creds *models.Credentials
	)
	if known {
		id = device.UniqueID
		if ssh, ok := device.SSH(); ok {
			creds = ssh.Credentials
		}
	} else {
		synthetic := SyntheticID(remote, global.Naming())
		if global == nil || !global.AcceptAllSSHKeys {
			p.mu.RLock()
			seenID, seen := p.seen[canon]
			p.mu.RUnlock()

			if seen {
				p.log.Info().Str("id", seenID).Msg("repeating rejection of unlisted device")
			} else {
				p.status.ReportNewDevice(synthetic, key, models.StatusFailedNotAllowed)
			}
			return nil, ErrUnknownDevice
		}
		id = synthetic
		p.status.ReportNewDevice(synthetic, key, models.StatusDisconnected)
	}

	if creds == nil && global != nil {
		creds = global.Credentials
	}
	if !creds.Valid() {
		p.log.Info().Str("id", id).Msg("no credentials found")
		return nil, ErrNoCredentials
	}

	return &SSHSettings{
		ID:        id,
		Username:  creds.Username,
		Passwords: append([]string(nil), creds.Passwords...),
	}, nil
}

// DefaultUsername returns the username of the global fallback credentials.
func (p *SSHProvider) DefaultUsername() string {
	if g := p.global.Load(); g != nil && g.Credentials != nil {
		return g.Credentials.Username
	}
	return ""
}

// Close releases the datastore subscriptions.
func (p *SSHProvider) Close() {
	for _, r := range p.regs {
		r.Close()
	}
}

func (p *SSHProvider) onGlobal(changes []datastore.Change[models.GlobalPolicy]) {
	// Only the final state of a batch matters.
	p.global.Store(changes[len(changes)-1].After)
}

func (p *SSHProvider) onDevices(changes []datastore.Change[models.Device]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range changes {
		if ch.Before != nil {
			if k, ok := p.deviceKey(*ch.Before); ok {
				delete(p.byKey, k)
			}
		}
		if ch.After != nil {
			if k, ok := p.deviceKey(*ch.After); ok {
				p.byKey[k] = *ch.After
			}
			p.checkUsername(*ch.After)
		}
	}
}

// checkUsername warns about a device whose own username cannot be used:
// the SSH username is fixed to the global one before the device is known.
func (p *SSHProvider) checkUsername(d models.Device) {
	ssh, ok := d.SSH()
	if !ok || ssh.Credentials == nil {
		return
	}
	if global := p.DefaultUsername(); ssh.Credentials.Username != global {
		p.log.Warn().
			Str("device", d.UniqueID).
			Str("username", ssh.Credentials.Username).
			Str("session_username", global).
			Msg("device username differs from the global username, its call-home will be rejected")
	}
}

func (p *SSHProvider) onOperational(changes []datastore.Change[models.DeviceState]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range changes {
		if ch.Before != nil && ch.Before.HostKey != "" {
			if k, err := pubkey.Canonical(ch.Before.HostKey); err == nil {
				delete(p.seen, k)
			}
		}
		if ch.After != nil && ch.After.HostKey != "" {
			k, err := pubkey.Canonical(ch.After.HostKey)
			if err != nil {
				p.log.Warn().Err(err).Str("id", ch.After.UniqueID).Msg("ignoring operational device with undecodable key")
				continue
			}
			p.seen[k] = ch.After.UniqueID
		}
	}
}

func (p *SSHProvider) deviceKey(d models.Device) (string, bool) {
	ssh, ok := d.SSH()
	if !ok || ssh.HostKey == "" {
		p.log.Debug().Str("id", d.UniqueID).Msg("device has no ssh host key")
		return "", false
	}
	k, err := pubkey.Canonical(ssh.HostKey)
	if err != nil {
		p.log.Error().Err(err).Str("id", d.UniqueID).Msg("unable to decode ssh host key, ignoring device")
		return "", false
	}
	return k, true
}

// SyntheticID names a device that is not configured, from its address.
func SyntheticID(remote net.Addr, naming models.NamingStrategy) string {
	tcp, ok := remote.(*net.TCPAddr)
	if !ok {
		return addrString(remote)
	}
	host := tcp.IP.String()
	if naming == models.IPOnly {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Package mount joins topology session requests with inbound call-home
// connections. Each request leaves a pending session under the device id;
// the first connection identified as that device consumes it.
package mount

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"callhome/internal/datastore"
	"callhome/internal/future"
	"callhome/internal/metrics"
	"callhome/internal/models"
	"callhome/internal/netconf"
	"callhome/internal/session"
	"callhome/internal/topology"
)

// SupersedePolicy decides what happens to a pending session replaced by a
// newer request for the same device.
type SupersedePolicy string

const (
	// SupersedeWarn logs the replacement and leaves the old promise alone.
	SupersedeWarn SupersedePolicy = "warn"
	// SupersedeCancel cancels the old promise.
	SupersedeCancel SupersedePolicy = "cancel"
)

// ParseSupersedePolicy accepts "warn", "cancel" or "" (warn).
func ParseSupersedePolicy(s string) (SupersedePolicy, error) {
	switch SupersedePolicy(s) {
	case "", SupersedeWarn:
		return SupersedeWarn, nil
	case SupersedeCancel:
		return SupersedeCancel, nil
	}
	return "", fmt.Errorf("mount: unknown supersede policy %q", s)
}

// Config holds the static parameters of every synthesized node.
type Config struct {
	Node      topology.NodeParams
	Supersede SupersedePolicy
	// TraceDir enables per-session message traces in the default topology.
	TraceDir string
}

// Option customizes a Service.
type Option func(*Service)

// WithTopology replaces the in-process topology.
func WithTopology(t topology.Topology) Option {
	return func(s *Service) { s.topology = t }
}

// WithMetrics records pending-session metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service owns the pending sessions and the context managers built on them.
type Service struct {
	cfg      Config
	topology topology.Topology
	status   models.StatusRecorder
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*session.Pending

	reg datastore.Registration
	ssh *session.Manager[ssh.Conn]
}

var _ topology.ClientFactory = (*Service)(nil)

// New returns a service disabling nodes of devices changed in store.
func New(cfg Config, store *datastore.Store, status models.StatusRecorder, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		status:  status,
		log:     log,
		pending: make(map[string]*session.Pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.topology == nil {
		s.topology = topology.NewManager(s, log.With().Str("component", "topology").Logger(),
			topology.WithTraceDir(cfg.TraceDir))
	}
	s.ssh = session.NewManager[ssh.Conn](s.claimer(topology.ProtocolSSH), s.disable)
	s.reg = store.Devices.Subscribe(s.OnAllowedDevicesChanged)
	return s
}

// CreateClient stores a pending session for cfg.Name and returns its
// promise. An earlier pending session for the same device is superseded.
func (s *Service) CreateClient(cfg topology.ClientConfig) *future.Promise[*netconf.Session] {
	p := future.New[*netconf.Session]()
	entry := &session.Pending{ID: cfg.Name, Listener: cfg.Listener, Promise: p}

	s.mu.Lock()
	old := s.pending[cfg.Name]
	s.pending[cfg.Name] = entry
	n := len(s.pending)
	s.mu.Unlock()

	s.metrics.SetPending(n)
	if old != nil {
		s.supersede(old)
	}
	return p
}

func (s *Service) supersede(old *session.Pending) {
	s.metrics.PendingSuperseded()
	if s.cfg.Supersede == SupersedeCancel {
		old.Promise.Cancel()
		s.log.Warn().Str("device", old.ID).Msg("pending session superseded, earlier request cancelled")
		return
	}
	s.log.Warn().Str("device", old.ID).Msg("pending session superseded, earlier request will not be served")
}

// take consumes the pending session of id.
func (s *Service) take(id string) (*session.Pending, bool) {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	n := len(s.pending)
	s.mu.Unlock()

	if ok {
		s.metrics.SetPending(n)
	}
	return p, ok
}

// Pending returns the number of unclaimed sessions.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) claimer(protocol topology.Protocol) session.ClaimFunc {
	return func(id string, remote net.Addr) (*session.Pending, bool) {
		s.topology.EnableNode(s.AsNode(id, remote, protocol))
		p, ok := s.take(id)
		if !ok {
			s.log.Info().Str("device", id).Msg("no session pending for device")
		}
		return p, ok
	}
}

func (s *Service) disable(id string) {
	if p, ok := s.take(id); ok {
		p.Promise.Cancel()
	}
	s.topology.DisableNode(id)
}

// AsNode synthesizes the node of a device connecting from addr.
func (s *Service) AsNode(id string, addr net.Addr, protocol topology.Protocol) topology.Node {
	n := topology.Node{
		ID:       id,
		Host:     "0.0.0.0",
		Protocol: protocol,
		Params:   s.cfg.Node,
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		n.Host = tcp.IP.String()
		n.Port = tcp.Port
	}
	n.Params.TCPOnly = false
	return n
}

// SSHContextManager returns the context registry for SSH connections.
func (s *Service) SSHContextManager() *session.Manager[ssh.Conn] {
	return s.ssh
}

// TLSContextManager returns a context registry for TLS connections whose
// devices are identified by ids.
func (s *Service) TLSContextManager(ids session.Identifier) *session.TLSManager {
	m := session.NewManager[*tls.Conn](s.claimer(topology.ProtocolTLS), s.disable)
	return session.NewTLSManager(m, ids, s.status)
}

// OnAllowedDevicesChanged disables the node of every updated or removed
// device.
func (s *Service) OnAllowedDevicesChanged(changes []datastore.Change[models.Device]) {
	for _, ch := range changes {
		if ch.Before == nil {
			continue
		}
		s.log.Debug().Str("device", ch.Before.UniqueID).Stringer("change", ch.Type).Msg("allowed device changed")
		s.topology.DisableNode(ch.Before.UniqueID)
	}
}

// Close cancels every pending session and releases the subscriptions.
func (s *Service) Close() {
	s.reg.Close()

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*session.Pending)
	s.mu.Unlock()

	for _, p := range pending {
		p.Promise.Cancel()
	}
	s.metrics.SetPending(0)

	if c, ok := s.topology.(interface{ Close() }); ok {
		c.Close()
	}
}

package topology

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"callhome/internal/audit"
	"callhome/internal/future"
	"callhome/internal/netconf"
)

// Manager is the in-process Topology. Enabling a node asks the factory for
// a session and waits for it up to the node's connection timeout. It never
// redials: call-home devices reconnect on their own.
type Manager struct {
	factory  ClientFactory
	log      zerolog.Logger
	traceDir string

	mu    sync.Mutex
	nodes map[string]*handler
}

var _ Topology = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithTraceDir records the messages received on every session to a trace
// file under dir. An empty dir disables tracing.
func WithTraceDir(dir string) Option {
	return func(m *Manager) { m.traceDir = dir }
}

// NewManager returns a topology obtaining sessions from factory.
func NewManager(factory ClientFactory, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		factory: factory,
		log:     log,
		nodes:   make(map[string]*handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnableNode replaces any client of n.ID with a fresh one. The factory is
// called before EnableNode returns.
func (m *Manager) EnableNode(n Node) {
	m.mu.Lock()
	old := m.nodes[n.ID]
	delete(m.nodes, n.ID)
	m.mu.Unlock()

	if old != nil {
		m.log.Debug().Str("node", n.ID).Msg("replacing node client")
		old.stop()
	}

	h := &handler{node: n, traceDir: m.traceDir, log: m.log.With().Str("node", n.ID).Logger()}
	m.mu.Lock()
	m.nodes[n.ID] = h
	m.mu.Unlock()

	p := m.factory.CreateClient(ConfigFor(n, h))
	if !h.start(p) {
		return
	}
	go h.await(p, n.Params.ConnectionTimeout)
}

// DisableNode tears down the client of id, if any.
func (m *Manager) DisableNode(id string) {
	m.mu.Lock()
	h := m.nodes[id]
	delete(m.nodes, id)
	m.mu.Unlock()

	if h != nil {
		m.log.Debug().Str("node", id).Msg("disabling node")
		h.stop()
	}
}

// Session returns the established session of node id.
func (m *Manager) Session(id string) (*netconf.Session, bool) {
	m.mu.Lock()
	h := m.nodes[id]
	m.mu.Unlock()
	if h == nil {
		return nil, false
	}
	return h.current()
}

// Nodes returns the enabled nodes sorted by id.
func (m *Manager) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.nodes))
	for _, id := range slices.Sorted(maps.Keys(m.nodes)) {
		out = append(out, m.nodes[id].node)
	}
	return out
}

// Close disables every node.
func (m *Manager) Close() {
	m.mu.Lock()
	nodes := m.nodes
	m.nodes = make(map[string]*handler)
	m.mu.Unlock()

	for _, h := range nodes {
		h.stop()
	}
}

// handler is the client of one node. It is also the session listener the
// node's session reports to.
type handler struct {
	node     Node
	traceDir string
	log      zerolog.Logger

	mu      sync.Mutex
	promise *future.Promise[*netconf.Session]
	session *netconf.Session
	trace   audit.Trace
	stopped bool
}

// start attaches p. It cancels p and returns false if the handler was
// stopped in the meantime.
func (h *handler) start(p *future.Promise[*netconf.Session]) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		p.Cancel()
		return false
	}
	h.promise = p
	h.mu.Unlock()
	return true
}

func (h *handler) await(p *future.Promise[*netconf.Session], timeout time.Duration) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !p.Cancel() {
		// Settled while timing out.
		s, err = p.Result()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Warn().Dur("timeout", timeout).Msg("device did not establish a session in time")
	case errors.Is(err, future.ErrCancelled):
		h.log.Debug().Msg("session request cancelled")
	case err != nil:
		h.log.Warn().Err(err).Msg("session setup failed")
	default:
		h.mu.Lock()
		stopped := h.stopped
		if !stopped {
			h.session = s
		}
		h.mu.Unlock()
		if stopped {
			s.Close()
			return
		}
		h.log.Info().Uint32("session_id", s.ID).Msg("node connected")
	}
}

func (h *handler) current() (*netconf.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session, h.session != nil
}

func (h *handler) stop() {
	h.mu.Lock()
	h.stopped = true
	p, s := h.promise, h.session
	h.session = nil
	h.mu.Unlock()

	if p != nil {
		p.Cancel()
	}
	if s != nil {
		s.Close()
	}
}

func (h *handler) OnSessionUp(s *netconf.Session) {
	h.log.Debug().Uint32("session_id", s.ID).Int("capabilities", len(s.Capabilities)).Msg("session up")

	var tr audit.Trace = audit.NopRecorder{}
	if h.traceDir != "" {
		r, err := audit.NewRecorder(h.traceDir, h.node.ID, s.ID, s.Capabilities)
		if err != nil {
			h.log.Warn().Err(err).Msg("session trace disabled")
		} else {
			tr = r
		}
	}
	h.mu.Lock()
	prev := h.trace
	h.trace = tr
	h.mu.Unlock()
	if prev != nil {
		prev.Close() //nolint:errcheck
	}
}

func (h *handler) OnSessionDown(s *netconf.Session, err error) {
	h.mu.Lock()
	if h.session == s {
		h.session = nil
	}
	tr := h.trace
	h.trace = nil
	h.mu.Unlock()
	if tr != nil {
		tr.Close() //nolint:errcheck
	}
	h.log.Info().Err(err).Uint32("session_id", s.ID).Msg("session down")
}

func (h *handler) OnMessage(s *netconf.Session, msg []byte) {
	h.log.Debug().Uint32("session_id", s.ID).Int("bytes", len(msg)).Msg("message received")

	h.mu.Lock()
	tr := h.trace
	h.mu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.Record(msg); err != nil {
		h.log.Warn().Err(err).Msg("failed to trace message")
	}
}

package transport

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/rs/zerolog"

	"callhome/internal/metrics"
	"callhome/internal/models"
	"callhome/internal/netconf"
	"callhome/internal/session"
)

// TLSAuthorizer builds the handshake configuration for a connecting peer.
type TLSAuthorizer interface {
	TLSConfig(remote net.Addr) (*tls.Config, error)
}

// TLSServer accepts TLS call-home connections. The controller is the TLS
// client on the socket the device opened.
type TLSServer struct {
	*acceptor

	cfg        Config
	auth       TLSAuthorizer
	contexts   *session.TLSManager
	status     models.StatusRecorder
	negotiator *netconf.Negotiator
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewTLSServer returns a server resolving devices through contexts.
func NewTLSServer(
	cfg Config,
	authz TLSAuthorizer,
	contexts *session.TLSManager,
	status models.StatusRecorder,
	negotiator *netconf.Negotiator,
	m *metrics.Metrics,
	log zerolog.Logger,
) *TLSServer {
	s := &TLSServer{
		cfg:        cfg,
		auth:       authz,
		contexts:   contexts,
		status:     status,
		negotiator: negotiator,
		metrics:    m,
		log:        log,
	}
	s.acceptor = newAcceptor("tls", cfg, s.handleConnection, m, log)
	return s
}

func (s *TLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	log := s.log.With().Str("remote", remote.String()).Logger()

	// Built per connection so that key and device changes apply to the
	// next attempt.
	cfg, err := s.auth.TLSConfig(remote)
	if err != nil {
		log.Warn().Err(err).Msg("no tls configuration for call-home")
		s.metrics.ConnectionRejected("tls", "no_keys")
		s.status.OnTransportChannelFailure(err)
		return
	}

	tc := tls.Client(conn, cfg)
	hctx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(hctx); err != nil {
		log.Warn().Err(err).Msg("tls handshake failed")
		s.metrics.ConnectionRejected("tls", "handshake")
		s.status.OnTransportChannelFailure(err)
		return
	}
	defer tc.Close()

	sctx := s.contexts.FindByChannel(tc)
	if sctx == nil {
		log.Info().Msg("connection not expected, closing")
		s.metrics.ConnectionRejected("tls", "unknown_device")
		return
	}

	l := newChannelListener(sctx, s.contexts.Release, s.status, s.metrics, "tls", log)
	l.negotiate(ctx, s.negotiator, tc)
	l.wait(ctx, tc)
}

package transport

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"callhome/internal/auth"
	"callhome/internal/metrics"
	"callhome/internal/models"
	"callhome/internal/netconf"
	"callhome/internal/session"
)

const netconfSubsystem = "netconf"

var (
	errHostKeyRejected = errors.New("transport: host key rejected")
	errNoMorePasswords = errors.New("transport: no more passwords")
)

// SSHAuthorizer decides SSH call-home connections by host key.
type SSHAuthorizer interface {
	Decide(remote net.Addr, key crypto.PublicKey) *auth.SSHSettings
	DefaultUsername() string
}

// SSHServer accepts SSH call-home connections. The controller is the SSH
// client on the socket the device opened.
type SSHServer struct {
	*acceptor

	cfg        Config
	auth       SSHAuthorizer
	contexts   *session.Manager[ssh.Conn]
	status     models.StatusRecorder
	negotiator *netconf.Negotiator
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewSSHServer returns a server claiming sessions from contexts.
func NewSSHServer(
	cfg Config,
	authz SSHAuthorizer,
	contexts *session.Manager[ssh.Conn],
	status models.StatusRecorder,
	negotiator *netconf.Negotiator,
	m *metrics.Metrics,
	log zerolog.Logger,
) *SSHServer {
	s := &SSHServer{
		cfg:        cfg,
		auth:       authz,
		contexts:   contexts,
		status:     status,
		negotiator: negotiator,
		metrics:    m,
		log:        log,
	}
	s.acceptor = newAcceptor("ssh", cfg, s.handleConnection, m, log)
	return s
}

// attempt carries the decision made during key exchange into password
// authentication.
type attempt struct {
	mu        sync.Mutex
	decided   *auth.SSHSettings
	next      int
	exhausted bool
}

func (a *attempt) settings() *auth.SSHSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decided
}

func (a *attempt) password() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.decided == nil || a.next >= len(a.decided.Passwords) {
		a.exhausted = true
		return "", errNoMorePasswords
	}
	pw := a.decided.Passwords[a.next]
	a.next++
	return pw, nil
}

// authFailed reports whether a handshake error means the device refused
// the credentials: every password was used up, or the device gave up after
// at least one was offered.
func (a *attempt) authFailed(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exhausted || a.next > 0 || errors.Is(err, errNoMorePasswords)
}

func (s *SSHServer) clientConfig(remote net.Addr, a *attempt) *ssh.ClientConfig {
	user := s.auth.DefaultUsername()
	return &ssh.ClientConfig{
		User: user,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			ck, ok := key.(ssh.CryptoPublicKey)
			if !ok {
				return fmt.Errorf("%w: unsupported key type %s", errHostKeyRejected, key.Type())
			}
			decided := s.auth.Decide(remote, ck.CryptoPublicKey())
			if decided == nil {
				return errHostKeyRejected
			}
			// The username is fixed before the host key is known.
			if decided.Username != user {
				s.log.Warn().
					Str("device", decided.ID).
					Str("username", decided.Username).
					Str("session_username", user).
					Msg("device username differs from the global username")
				return fmt.Errorf("%w: username %q unavailable", errHostKeyRejected, decided.Username)
			}
			a.mu.Lock()
			a.decided = decided
			a.mu.Unlock()
			return nil
		},
		Auth: []ssh.AuthMethod{
			ssh.RetryableAuthMethod(ssh.PasswordCallback(a.password), 0),
		},
	}
}

func (s *SSHServer) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	log := s.log.With().Str("remote", remote.String()).Logger()

	a := &attempt{}
	if s.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)) //nolint:errcheck
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, remote.String(), s.clientConfig(remote, a))
	if err != nil {
		decided := a.settings()
		switch {
		case decided == nil:
			log.Debug().Err(err).Msg("ssh handshake rejected")
			s.metrics.ConnectionRejected("ssh", "not_allowed")
		case a.authFailed(err):
			log.Warn().Err(err).Str("device", decided.ID).Msg("device rejected every credential")
			s.metrics.ConnectionRejected("ssh", "auth_failed")
			s.status.ReportFailedAuth(decided.ID)
		default:
			log.Warn().Err(err).Msg("ssh handshake failed")
			s.status.OnTransportChannelFailure(err)
		}
		return
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	id := a.settings().ID
	sctx := s.contexts.CreateContext(id, remote, c)
	if sctx == nil {
		log.Info().Str("device", id).Msg("connection not expected, closing")
		s.metrics.ConnectionRejected("ssh", "not_expected")
		return
	}

	rwc, err := openSubsystem(client)
	if err != nil {
		log.Warn().Err(err).Str("device", id).Msg("netconf subsystem unavailable")
		s.status.OnTransportChannelFailure(err)
		sctx.Promise.Fail(err)
		s.contexts.Release(sctx)
		return
	}

	l := newChannelListener(sctx, s.contexts.Release, s.status, s.metrics, "ssh", log)
	l.negotiate(ctx, s.negotiator, rwc)
	l.wait(ctx, rwc)
}

// subsystem is the netconf subsystem channel of an SSH session.
type subsystem struct {
	io.Reader
	io.WriteCloser
	sess *ssh.Session
}

func (s *subsystem) Close() error {
	err := s.WriteCloser.Close()
	if cerr := s.sess.Close(); err == nil && !errors.Is(cerr, io.EOF) {
		err = cerr
	}
	return err
}

func openSubsystem(client *ssh.Client) (*subsystem, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("transport: open session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("transport: stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("transport: stdout: %w", err)
	}
	if err := sess.RequestSubsystem(netconfSubsystem); err != nil {
		sess.Close()
		return nil, fmt.Errorf("transport: request %s subsystem: %w", netconfSubsystem, err)
	}
	return &subsystem{Reader: stdout, WriteCloser: stdin, sess: sess}, nil
}

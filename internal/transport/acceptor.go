// Package transport accepts call-home TCP connections and turns each one
// into an SSH or TLS client channel carrying a NETCONF session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"callhome/internal/metrics"
)

// Limits holds resource limits of one acceptor. Zero means no limit.
//
// Example config.yaml:
//
//	limits:
//	  max_connections: 64
//	  accept_rate: 20
//	  accept_burst: 40
type Limits struct {
	// MaxConnections caps concurrently handled connections. Enforced by
	// a semaphore.
	MaxConnections int `mapstructure:"max_connections"`

	// AcceptRate caps accepted connections per second, AcceptBurst being
	// the bucket size.
	AcceptRate  float64 `mapstructure:"accept_rate"`
	AcceptBurst int     `mapstructure:"accept_burst"`
}

// Config is the listening side of one call-home transport.
type Config struct {
	Addr   string
	Limits Limits

	// HandshakeTimeout bounds the SSH or TLS handshake.
	HandshakeTimeout time.Duration
}

// handler serves one accepted connection and returns when it is done.
type handler func(ctx context.Context, conn net.Conn)

// acceptor runs the accept loop shared by the SSH and TLS servers.
type acceptor struct {
	name     string
	addr     string
	limits   Limits
	handle   handler
	metrics  *metrics.Metrics
	log      zerolog.Logger
	listener net.Listener
	wg       sync.WaitGroup

	// connSem is a buffered channel used as a semaphore to enforce
	// MaxConnections. nil when no limit is configured.
	connSem chan struct{}

	limiter *rate.Limiter

	// ready is closed once the listener is bound.
	ready chan struct{}
}

func newAcceptor(name string, cfg Config, h handler, m *metrics.Metrics, log zerolog.Logger) *acceptor {
	a := &acceptor{
		name:    name,
		addr:    cfg.Addr,
		limits:  cfg.Limits,
		handle:  h,
		metrics: m,
		log:     log,
		ready:   make(chan struct{}),
	}
	if cfg.Limits.MaxConnections > 0 {
		a.connSem = make(chan struct{}, cfg.Limits.MaxConnections)
	}
	if cfg.Limits.AcceptRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.Limits.AcceptRate), max(cfg.Limits.AcceptBurst, 1))
	}
	return a
}

// Start accepts connections until ctx is cancelled, then waits for the
// active connections to finish.
func (a *acceptor) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", a.name, a.addr, err)
	}
	a.listener = ln
	a.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_connections", a.limits.MaxConnections).
		Float64("accept_rate", a.limits.AcceptRate).
		Msg("call-home listener started")

	close(a.ready)

	go func() {
		<-ctx.Done()
		a.log.Info().Msg("shutting down listener")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isListenerClosed(err) {
				a.log.Info().Int("active", a.activeConns()).Msg("waiting for active connections")
				a.wg.Wait()
				a.log.Info().Msg("listener stopped")
				return nil
			}
			a.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		if a.limiter != nil && !a.limiter.Allow() {
			a.reject(conn, "rate_limited")
			continue
		}
		if a.connSem != nil {
			select {
			case a.connSem <- struct{}{}:
			default:
				a.reject(conn, "max_connections")
				continue
			}
		}

		a.metrics.ConnectionAccepted(a.name)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.metrics.ConnectionClosed(a.name)
			if a.connSem != nil {
				defer func() { <-a.connSem }()
			}
			defer conn.Close()
			a.handle(ctx, conn)
		}()
	}
}

func (a *acceptor) reject(conn net.Conn, reason string) {
	a.log.Warn().
		Str("remote", conn.RemoteAddr().String()).
		Str("reason", reason).
		Int("active", a.activeConns()).
		Msg("connection rejected")
	a.metrics.ConnectionRejected(a.name, reason)
	conn.Close()
}

// isListenerClosed reports whether err was caused by closing the listener.
func isListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// activeConns returns the number of connections holding a slot.
func (a *acceptor) activeConns() int {
	if a.connSem == nil {
		return 0
	}
	return len(a.connSem)
}

// Ready is closed once the listener is bound.
func (a *acceptor) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound address. Valid after Ready.
func (a *acceptor) Addr() net.Addr {
	<-a.ready
	return a.listener.Addr()
}

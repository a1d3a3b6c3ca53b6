package transport

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"callhome/internal/metrics"
	"callhome/internal/models"
	"callhome/internal/netconf"
	"callhome/internal/session"
)

type channelState int

const (
	awaitingNegotiation channelState = iota
	sessionUp
	terminal
)

// channelListener drives one claimed connection from negotiation to
// teardown. It reports to the context's listener and to the status
// recorder.
type channelListener[T any] struct {
	sctx      *session.Context[T]
	release   func(*session.Context[T])
	status    models.StatusRecorder
	metrics   *metrics.Metrics
	transport string
	log       zerolog.Logger

	mu    sync.Mutex
	state channelState

	done     chan struct{}
	doneOnce sync.Once
}

func newChannelListener[T any](
	sctx *session.Context[T],
	release func(*session.Context[T]),
	status models.StatusRecorder,
	m *metrics.Metrics,
	transport string,
	log zerolog.Logger,
) *channelListener[T] {
	return &channelListener[T]{
		sctx:      sctx,
		release:   release,
		status:    status,
		metrics:   m,
		transport: transport,
		log:       log.With().Str("device", sctx.ID).Logger(),
		done:      make(chan struct{}),
	}
}

// negotiate starts the hello exchange over rwc. The outcome settles the
// context's promise.
func (l *channelListener[T]) negotiate(ctx context.Context, n *netconf.Negotiator, rwc io.ReadWriteCloser) {
	n.NegotiateAsync(ctx, rwc, l).OnComplete(l.onNegotiated)
}

// wait blocks until the connection is finished, closing rwc early when
// ctx is cancelled.
func (l *channelListener[T]) wait(ctx context.Context, rwc io.Closer) {
	select {
	case <-l.done:
	case <-ctx.Done():
		rwc.Close()
		<-l.done
	}
}

func (l *channelListener[T]) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *channelListener[T]) onNegotiated(s *netconf.Session, err error) {
	l.mu.Lock()
	if err != nil {
		l.state = terminal
		l.mu.Unlock()

		l.log.Warn().Err(err).Msg("netconf negotiation failed")
		l.metrics.Negotiation(l.transport, false)
		// Fail before releasing: the release disables the node, which
		// cancels whatever promise is still pending.
		l.sctx.Promise.Fail(err)
		l.release(l.sctx)
		l.status.ReportNetconfFailure(l.sctx.ID)
		l.finish()
		return
	}
	if l.state == terminal {
		// The session went down before its promise could be completed.
		l.mu.Unlock()
		l.sctx.Promise.Fail(netconf.ErrSessionClosed)
		return
	}
	l.state = sessionUp
	l.metrics.Negotiation(l.transport, true)
	l.status.ReportSuccess(l.sctx.ID)
	l.mu.Unlock()

	if !l.sctx.Promise.Complete(s) {
		l.log.Info().Msg("session no longer wanted, closing")
		s.Close()
		return
	}
	l.log.Info().Uint32("session_id", s.ID).Msg("call-home session established")
}

func (l *channelListener[T]) OnSessionUp(s *netconf.Session) {
	if l.sctx.Listener != nil {
		l.sctx.Listener.OnSessionUp(s)
	}
}

func (l *channelListener[T]) OnSessionDown(s *netconf.Session, err error) {
	if l.sctx.Listener != nil {
		l.sctx.Listener.OnSessionDown(s, err)
	}

	l.mu.Lock()
	l.state = terminal
	l.mu.Unlock()

	l.log.Info().Err(err).Msg("call-home session down")
	l.status.ReportDisconnected(l.sctx.ID)
	l.release(l.sctx)
	l.finish()
}

func (l *channelListener[T]) OnMessage(s *netconf.Session, msg []byte) {
	if l.sctx.Listener != nil {
		l.sctx.Listener.OnMessage(s, msg)
	}
}

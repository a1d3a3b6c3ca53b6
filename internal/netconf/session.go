// Package netconf implements the NETCONF hello exchange and end-of-message
// framing needed to turn a call-home transport into a session.
package netconf

import (
	"bufio"
	"errors"
	"io"
	"sync"
)

// ErrSessionClosed is returned by Send on a closed session.
var ErrSessionClosed = errors.New("netconf: session closed")

// SessionListener observes a negotiated session.
type SessionListener interface {
	OnSessionUp(s *Session)
	OnSessionDown(s *Session, err error)
	OnMessage(s *Session, msg []byte)
}

// Session is a negotiated NETCONF session over a call-home transport.
type Session struct {
	// ID is the session-id assigned by the device.
	ID uint32
	// Capabilities are the capabilities advertised by the device.
	Capabilities []string

	rwc      io.ReadWriteCloser
	scanner  *bufio.Scanner
	listener SessionListener

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newSession(id uint32, caps []string, rwc io.ReadWriteCloser, scanner *bufio.Scanner, l SessionListener) *Session {
	return &Session{
		ID:           id,
		Capabilities: caps,
		rwc:          rwc,
		scanner:      scanner,
		listener:     l,
		done:         make(chan struct{}),
	}
}

// Send writes one framed message.
func (s *Session) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeMessage(s.rwc, msg)
}

// HasCapability reports whether the device advertised uri.
func (s *Session) HasCapability(uri string) bool {
	for _, c := range s.Capabilities {
		if c == uri {
			return true
		}
	}
	return false
}

// Done is closed when the session goes down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session went down, nil for a clean close.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Close tears the session down. The listener sees OnSessionDown once.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.rwc.Close()
		close(s.done)
		if s.listener != nil {
			s.listener.OnSessionDown(s, err)
		}
	})
}

// run delivers inbound messages until the transport closes.
func (s *Session) run() {
	for s.scanner.Scan() {
		msg := append([]byte(nil), s.scanner.Bytes()...)
		if s.listener != nil {
			s.listener.OnMessage(s, msg)
		}
	}
	s.shutdown(s.scanner.Err())
}

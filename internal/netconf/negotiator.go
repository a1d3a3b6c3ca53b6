package netconf

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"callhome/internal/future"
)

const (
	BaseNamespace = "urn:ietf:params:xml:ns:netconf:base:1.0"
	CapBase10     = "urn:ietf:params:netconf:base:1.0"

	defaultHelloTimeout = 10 * time.Second
)

// ErrNegotiation wraps every failure of the hello exchange.
var ErrNegotiation = errors.New("netconf: negotiation failed")

type hello struct {
	XMLName      xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 hello"`
	Capabilities []string `xml:"capabilities>capability"`
	SessionID    uint32   `xml:"session-id,omitempty"`
}

// Negotiator runs the controller side of the hello exchange.
type Negotiator struct {
	Capabilities []string
	Timeout      time.Duration
}

// NewNegotiator advertises caps, always including base:1.0.
func NewNegotiator(caps []string, timeout time.Duration) *Negotiator {
	if !slices.Contains(caps, CapBase10) {
		caps = append([]string{CapBase10}, caps...)
	}
	if timeout <= 0 {
		timeout = defaultHelloTimeout
	}
	return &Negotiator{Capabilities: caps, Timeout: timeout}
}

// Negotiate exchanges hellos over rwc. On success the session is up and
// delivering messages to l. On failure rwc is closed.
func (n *Negotiator) Negotiate(ctx context.Context, rwc io.ReadWriteCloser, l SessionListener) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	scanner := newMessageScanner(rwc)

	type result struct {
		peer *hello
		err  error
	}
	done := make(chan result, 1)
	go func() {
		errc := make(chan error, 1)
		go func() { errc <- writeHello(rwc, &hello{Capabilities: n.Capabilities}) }()

		peer, err := readHello(scanner)
		if err == nil {
			err = <-errc
		}
		done <- result{peer, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		rwc.Close()
		<-done
		r.err = ctx.Err()
	}

	if r.err == nil {
		r.err = validateServerHello(r.peer)
	}
	if r.err != nil {
		rwc.Close()
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, r.err)
	}

	s := newSession(r.peer.SessionID, r.peer.Capabilities, rwc, scanner, l)
	if l != nil {
		l.OnSessionUp(s)
	}
	go s.run()
	return s, nil
}

// NegotiateAsync runs Negotiate on its own goroutine.
func (n *Negotiator) NegotiateAsync(ctx context.Context, rwc io.ReadWriteCloser, l SessionListener) *future.Promise[*Session] {
	p := future.New[*Session]()
	go func() {
		s, err := n.Negotiate(ctx, rwc, l)
		if err != nil {
			p.Fail(err)
			return
		}
		p.Complete(s)
	}()
	return p
}

// Respond runs the device side of the hello exchange. It is the
// counterpart of Negotiate and is used to emulate devices.
func Respond(ctx context.Context, rwc io.ReadWriteCloser, sessionID uint32, caps []string, l SessionListener) (*Session, error) {
	scanner := newMessageScanner(rwc)

	errc := make(chan error, 1)
	go func() { errc <- writeHello(rwc, &hello{Capabilities: caps, SessionID: sessionID}) }()

	peerc := make(chan *hello, 1)
	readErr := make(chan error, 1)
	go func() {
		h, err := readHello(scanner)
		if err != nil {
			readErr <- err
			return
		}
		peerc <- h
	}()

	var peer *hello
	select {
	case peer = <-peerc:
	case err := <-readErr:
		rwc.Close()
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	case <-ctx.Done():
		rwc.Close()
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, ctx.Err())
	}
	if err := <-errc; err != nil {
		rwc.Close()
		return nil, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	if peer.SessionID != 0 {
		rwc.Close()
		return nil, fmt.Errorf("%w: client hello carries a session-id", ErrNegotiation)
	}

	s := newSession(sessionID, peer.Capabilities, rwc, scanner, l)
	if l != nil {
		l.OnSessionUp(s)
	}
	go s.run()
	return s, nil
}

func writeHello(w io.Writer, h *hello) error {
	body, err := xml.Marshal(h)
	if err != nil {
		return err
	}
	return writeMessage(w, append([]byte(xml.Header), body...))
}

func readHello(s *bufio.Scanner) (*hello, error) {
	if !s.Scan() {
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	var h hello
	if err := xml.Unmarshal(s.Bytes(), &h); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}
	return &h, nil
}

func validateServerHello(h *hello) error {
	if h.SessionID == 0 {
		return errors.New("server hello without session-id")
	}
	if !slices.Contains(h.Capabilities, CapBase10) {
		return errors.New("server does not support base:1.0")
	}
	return nil
}

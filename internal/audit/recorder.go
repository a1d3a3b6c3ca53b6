// Package audit records the messages a device sends on a NETCONF session.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Trace is the common interface for Recorder and NopRecorder.
// The topology handler depends on this interface, never on the concrete type.
type Trace interface {
	Record(msg []byte) error
	Close() error
}

// header is the first line of a trace file.
type header struct {
	Node         string   `json:"node"`
	SessionID    uint32   `json:"session_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// event is a single received message: [elapsed seconds, "i", data]
type event [3]interface{}

// Recorder writes one session to a JSON-lines trace file.
// Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	f         *os.File
	enc       *json.Encoder
	startTime time.Time
	closed    bool
}

// NopRecorder discards all messages. Use it when tracing is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(msg []byte) error { return nil }
func (NopRecorder) Close() error            { return nil }

// NewRecorder creates a Recorder writing to
// storagePath/<node>-<sessionID>-<unix>.jsonl.
// The directory is created if it does not exist.
func NewRecorder(storagePath, node string, sessionID uint32, caps []string) (*Recorder, error) {
	if storagePath == "" {
		return nil, fmt.Errorf("audit: storage path is empty")
	}

	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create storage dir: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s-%d-%d.jsonl", fileSafe(node), sessionID, now.Unix())
	path := filepath.Join(storagePath, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audit: create trace file %s: %w", path, err)
	}

	r := &Recorder{
		f:         f,
		enc:       json.NewEncoder(f),
		startTime: now,
	}

	h := header{
		Node:         node,
		SessionID:    sessionID,
		Capabilities: caps,
		Timestamp:    now.Unix(),
	}
	if err := r.enc.Encode(h); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: write trace header: %w", err)
	}

	return r, nil
}

// Record writes msg as an input event with a relative timestamp.
func (r *Recorder) Record(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("audit: recorder already closed")
	}
	elapsed := time.Since(r.startTime).Seconds()
	return r.enc.Encode(event{elapsed, "i", string(msg)})
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

// Path returns the path to the trace file.
func (r *Recorder) Path() string {
	return r.f.Name()
}

// fileSafe maps a node id (an address for unlisted devices) to a file name.
func fileSafe(node string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '[', ']':
			return '_'
		}
		return r
	}, node)
}

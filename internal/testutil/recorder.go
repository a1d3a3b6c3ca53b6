package testutil

import (
	"crypto"
	"fmt"
	"net"
	"sync"

	"callhome/internal/models"
)

// Recorder is a models.StatusRecorder that records every call as a line
// such as "success dev1" or "new 10.0.0.5:830 DISCONNECTED".
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

var _ models.StatusRecorder = (*Recorder)(nil)

func (r *Recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *Recorder) ReportSuccess(id string)        { r.add("success %s", id) }
func (r *Recorder) ReportDisconnected(id string)   { r.add("disconnected %s", id) }
func (r *Recorder) ReportFailedAuth(id string)     { r.add("failed-auth %s", id) }
func (r *Recorder) ReportNetconfFailure(id string) { r.add("failed %s", id) }

func (r *Recorder) ReportNewDevice(id string, _ crypto.PublicKey, status models.DeviceStatus) {
	r.add("new %s %s", id, status)
}

func (r *Recorder) ReportUnknown(addr net.Addr, _ crypto.PublicKey) {
	r.add("unknown %v", addr)
}

func (r *Recorder) OnTransportChannelFailure(error) { r.add("transport-failure") }

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many recorded calls equal call.
func (r *Recorder) Count(call string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

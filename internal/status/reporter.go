// Package status mirrors call-home outcomes into the operational device
// view and fans every applied change out to persistence and event sinks.
package status

import (
	"context"
	"crypto"
	"net"
	"time"

	"github.com/rs/zerolog"

	"callhome/internal/datastore"
	"callhome/internal/models"
	"callhome/internal/pubkey"
)

const sinkTimeout = 5 * time.Second

// Sink receives every applied status change.
type Sink interface {
	Publish(ctx context.Context, change models.StatusChange) error
}

// Reporter implements models.StatusRecorder on top of the operational view.
type Reporter struct {
	ops   *datastore.Collection[models.DeviceState]
	sinks []Sink
	log   zerolog.Logger
	now   func() time.Time
}

var _ models.StatusRecorder = (*Reporter)(nil)

// NewReporter writes into the operational collection of store.
func NewReporter(store *datastore.Store, log zerolog.Logger, sinks ...Sink) *Reporter {
	return &Reporter{
		ops:   store.Operational,
		sinks: sinks,
		log:   log,
		now:   time.Now,
	}
}

func (r *Reporter) ReportSuccess(id string) {
	r.set(id, "", models.StatusConnected)
}

func (r *Reporter) ReportDisconnected(id string) {
	r.set(id, "", models.StatusDisconnected)
}

func (r *Reporter) ReportFailedAuth(id string) {
	r.set(id, "", models.StatusFailedAuthFailure)
}

func (r *Reporter) ReportNetconfFailure(id string) {
	r.set(id, "", models.StatusFailed)
}

func (r *Reporter) ReportNewDevice(id string, key crypto.PublicKey, status models.DeviceStatus) {
	hostKey, err := pubkey.FormatAuthorized(key)
	if err != nil {
		r.log.Error().Err(err).Str("id", id).Msg("cannot encode key of new device")
		return
	}
	r.set(id, hostKey, status)
}

func (r *Reporter) ReportUnknown(addr net.Addr, key crypto.PublicKey) {
	ev := r.log.Warn().Str("fingerprint", pubkey.Fingerprint(key))
	if addr != nil {
		ev = ev.Str("remote", addr.String())
	}
	ev.Msg("call-home from unknown tls peer")
}

func (r *Reporter) OnTransportChannelFailure(err error) {
	r.log.Warn().Err(err).Msg("call-home transport failed before identification")
}

// Restore seeds the operational view with previously persisted states.
// Sinks are not notified.
func (r *Reporter) Restore(states []models.DeviceState) {
	muts := make([]datastore.Mutation[models.DeviceState], 0, len(states))
	for _, s := range states {
		muts = append(muts, datastore.Mutation[models.DeviceState]{Type: datastore.Write, Key: s.UniqueID, Value: s})
	}
	r.ops.Apply(muts)
	r.log.Info().Int("devices", len(states)).Msg("operational state restored")
}

// Status returns the recorded status of id.
func (r *Reporter) Status(id string) (models.DeviceStatus, bool) {
	s, ok := r.ops.Get(id)
	return s.Status, ok
}

func (r *Reporter) set(id, hostKey string, to models.DeviceStatus) {
	var change models.StatusChange

	applied := r.ops.Update(id, func(cur models.DeviceState, exists bool) (models.DeviceState, bool) {
		var from models.DeviceStatus
		if exists {
			from = cur.Status
		}
		rekeyed := hostKey != "" && hostKey != cur.HostKey
		if !models.CanTransition(from, to) && !(from == to && rekeyed) {
			return cur, false
		}

		next := cur
		next.UniqueID = id
		next.Status = to
		if hostKey != "" {
			next.HostKey = hostKey
		}
		change = models.StatusChange{UniqueID: id, HostKey: next.HostKey, From: from, To: to, At: r.now()}
		return next, true
	})
	if !applied {
		r.log.Debug().Str("id", id).Str("status", string(to)).Msg("status unchanged")
		return
	}

	r.log.Info().
		Str("id", id).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Msg("device status changed")

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Publish(ctx, change); err != nil {
			r.log.Error().Err(err).Str("id", id).Msg("status sink failed")
		}
	}
}

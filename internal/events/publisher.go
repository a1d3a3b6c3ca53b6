// Package events publishes device status changes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"callhome/internal/models"
)

const (
	DefaultSubject = "callhome.device.status"
	eventSource    = "callhome/status"
	eventType      = "org.callhome.device.status"
)

// Event is the JSON envelope of a status change.
type Event struct {
	ID      string     `json:"id"`
	Source  string     `json:"source"`
	Type    string     `json:"type"`
	Subject string     `json:"subject"`
	Time    time.Time  `json:"time"`
	Data    StatusData `json:"data"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	DeviceID       string `json:"device_id"`
	HostKey        string `json:"host_key,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	CurrentStatus  string `json:"current_status"`
}

// Publisher sends one event per status change. Events for a device go to
// "<subject>.<status>" so consumers can filter on failures.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher wraps an established connection.
func NewPublisher(nc *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject}
}

// Connect dials url and returns a publisher on subject.
func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("callhome"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return NewPublisher(nc, subject), nil
}

// Publish implements status.Sink.
func (p *Publisher) Publish(ctx context.Context, c models.StatusChange) error {
	subject := p.subject + "." + string(c.To)
	event := Event{
		ID:      uuid.New().String(),
		Source:  eventSource,
		Type:    eventType,
		Subject: subject,
		Time:    c.At,
		Data: StatusData{
			DeviceID:       c.UniqueID,
			HostKey:        c.HostKey,
			PreviousStatus: string(c.From),
			CurrentStatus:  string(c.To),
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", c.UniqueID, err)
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", c.UniqueID, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("events: flush %s: %w", c.UniqueID, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}

// Package notify carries embedding job wake-ups over NATS so workers in
// other processes pick up new jobs without waiting for their next poll.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "memorymesh.embedding.enqueued"

// Event announces a newly enqueued embedding job.
type Event struct {
	TenantID  string `json:"tenant_id"`
	MessageID string `json:"message_id"`
}

// Bus publishes and receives job wake-ups.
type Bus struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials NATS at url. An empty subject selects DefaultSubject.
func Connect(url, subject string, logger *slog.Logger) (*Bus, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url, nats.Name("memorymesh"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("nats connected", "url", url, "subject", subject)
	return &Bus{nc: nc, subject: subject, logger: logger}, nil
}

// Notify publishes a wake-up for one message.
func (b *Bus) Notify(_ context.Context, tenantID, messageID string) error {
	data, err := json.Marshal(Event{TenantID: tenantID, MessageID: messageID})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", b.subject, err)
	}
	return nil
}

// Subscribe calls fn for every wake-up until the returned stop function is
// called. Undecodable payloads are logged and dropped.
func (b *Bus) Subscribe(fn func(Event)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping malformed wake-up", "subject", msg.Subject, "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", b.subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("nats unsubscribe failed", "error", err)
		}
	}, nil
}

// Flush waits until published messages reach the server.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Close drains the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// Local delivers wake-ups in process. It is used when no NATS URL is
// configured.
type Local struct {
	wake func()
}

// NewLocal returns a notifier that calls wake on every Notify.
func NewLocal(wake func()) *Local {
	return &Local{wake: wake}
}

func (l *Local) Notify(context.Context, string, string) error {
	if l.wake != nil {
		l.wake()
	}
	return nil
}

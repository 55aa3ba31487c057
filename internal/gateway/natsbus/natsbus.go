// Package natsbus implements session.Publisher over NATS core
// publish, grounded on pkg/telegram/service.go's NatsClient.Publish
// usage, repurposed here for the post-session survey.session.complete
// fan-out instead of Telegram chat notifications.
package natsbus

import (
	"github.com/nats-io/nats.go"

	"github.com/Acsight/voiceter-gateway/internal/logger"
)

// Bus publishes session-lifecycle events to a NATS subject.
type Bus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// Connect dials NATS at url and returns a ready Bus.
func Connect(url string, log *logger.Logger) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Bus{conn: nc, logger: log.WithComponent("nats-bus")}, nil
}

// Publish sends data on subject. Errors are returned, not swallowed;
// the orchestrator's post-session pipeline logs-and-continues on
// failure per spec's best-effort fan-out semantics.
func (b *Bus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Close closes the underlying connection without draining it.
func (b *Bus) Close() {
	b.conn.Close()
}

// Package relay mirrors session lifecycle events onto NATS so external
// recorders and monitors can follow a performance without holding a device
// connection. It wraps the device broadcaster: devices are always served
// first and a bus failure never affects them.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ensemblesync/ensemble/internal/protocol"
	"github.com/ensemblesync/ensemble/internal/session"
)

// DefaultSubjectPrefix is the subject namespace for published events.
const DefaultSubjectPrefix = "ensemble.session"

// Relay is a session.Broadcaster that forwards every broadcast to an inner
// broadcaster and then publishes it to NATS. Unicasts (late-join catch-up)
// are device-directed and stay off the bus.
type Relay struct {
	inner  session.Broadcaster
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS and wraps inner. The connection reconnects forever in
// the background; transient outages only drop mirrored events, never
// device delivery.
func Connect(url, prefix string, inner session.Broadcaster) (*Relay, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(url,
		nats.Name("ensemble-relay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", url).Str("prefix", prefix).Msg("event relay connected")
	return &Relay{inner: inner, nc: nc, prefix: prefix}, nil
}

// Broadcast delivers to devices, then mirrors to the bus.
func (r *Relay) Broadcast(event *protocol.Event) {
	r.inner.Broadcast(event)

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for relay")
		return
	}
	subject := r.prefix + "." + string(event.Type)
	if err := r.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("relay publish failed")
	}
}

// Unicast passes straight through to the inner broadcaster.
func (r *Relay) Unicast(connID string, event *protocol.Event) {
	r.inner.Unicast(connID, event)
}

// Close flushes and closes the NATS connection.
func (r *Relay) Close() {
	if err := r.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("relay drain failed")
	}
}

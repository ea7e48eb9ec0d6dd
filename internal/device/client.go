// Package device is the client side of the sync protocol: it connects to
// the coordinator, keeps a clock-offset estimate via the latency package,
// and reconstructs the score position via the musictime package. The
// headless display and the control CLI are both built on it.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ensemblesync/ensemble/internal/latency"
	"github.com/ensemblesync/ensemble/internal/musictime"
	"github.com/ensemblesync/ensemble/internal/protocol"
	"github.com/ensemblesync/ensemble/internal/score"
)

// Config holds client settings.
type Config struct {
	// URL is the coordinator's WebSocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Role is the role to register with ("melody-display",
	// "accompaniment-display", "controller").
	Role string
	// Latency tunes the ping/pong estimator.
	Latency latency.Config
}

// Client is one device connection. Safe for concurrent use.
type Client struct {
	cfg       Config
	clock     clockwork.Clock
	estimator *latency.Estimator

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	deviceID string
	score    *score.Score
	calc     *musictime.Calculator

	acks chan protocol.AckPayload
}

// Dial connects to the coordinator and registers the configured role. Run
// must be called afterwards to pump events.
func Dial(ctx context.Context, cfg Config, clock clockwork.Clock) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		clock:     clock,
		estimator: latency.NewEstimator(cfg.Latency, clock),
		conn:      conn,
		calc:      musictime.NewCalculator(),
		acks:      make(chan protocol.AckPayload, 8),
	}

	if err := c.send(protocol.Message{Type: protocol.MessageRegister, Role: cfg.Role}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register: %w", err)
	}
	return c, nil
}

// Run pumps events and the latency estimator until ctx is cancelled or the
// connection drops.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	go c.estimator.Run(ctx, func(localNow time.Time) error {
		return c.send(protocol.Message{
			Type:      protocol.MessagePing,
			Timestamp: protocol.Millis(localNow),
		})
	})

	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		var ev protocol.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Warn().Err(err).Msg("dropping malformed event")
			continue
		}
		c.handleEvent(&ev)
	}
}

func (c *Client) handleEvent(ev *protocol.Event) {
	now := c.clock.Now()

	switch ev.Type {
	case protocol.EventWelcome:
		var p protocol.WelcomePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn().Err(err).Msg("bad welcome payload")
			return
		}
		c.mu.Lock()
		c.deviceID = p.DeviceID
		c.mu.Unlock()
		log.Info().Str("device_id", p.DeviceID).Msg("connected to coordinator")

	case protocol.EventPong:
		var p protocol.PongPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn().Err(err).Msg("bad pong payload")
			return
		}
		sample := c.estimator.OnPong(
			protocol.FromMillis(p.EchoedTimestamp),
			protocol.FromMillis(p.ServerTime),
			now,
		)
		// Report the measured round trip back for server-side observability.
		if err := c.send(protocol.Message{
			Type:      protocol.MessageLatencyReport,
			LatencyMs: float64(sample.RTT) / float64(time.Millisecond),
		}); err != nil {
			log.Warn().Err(err).Msg("latency report send failed")
		}

	case protocol.EventSyncStart:
		var p protocol.SyncStartPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn().Err(err).Msg("bad sync_start payload")
			return
		}
		c.mu.Lock()
		c.score = p.Score
		c.calc.Start(p.BPM, p.ElapsedTime, now)
		c.mu.Unlock()
		log.Info().
			Float64("bpm", p.BPM).
			Float64("elapsed", p.ElapsedTime).
			Msg("playback started")

	case protocol.EventTempoChange:
		var p protocol.TempoChangePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn().Err(err).Msg("bad tempo_change payload")
			return
		}
		// The breakpoint arrives in coordinator time; anchor it on the
		// local clock via the offset estimate.
		at := c.estimator.ToLocal(protocol.FromMillis(p.WallClockTime))
		if at.After(now) {
			at = now
		}
		c.mu.Lock()
		c.calc.TempoChange(p.BPM, at)
		c.mu.Unlock()
		log.Info().Float64("bpm", p.BPM).Msg("tempo changed")

	case protocol.EventSyncStop:
		c.mu.Lock()
		c.calc.Stop()
		c.mu.Unlock()
		log.Info().Msg("playback stopped")

	case protocol.EventAck:
		var p protocol.AckPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			log.Warn().Err(err).Msg("bad ack payload")
			return
		}
		select {
		case c.acks <- p:
		default:
		}

	default:
		log.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event")
	}
}

// MusicTime returns the reconstructed score position right now, zero when
// nothing is playing.
func (c *Client) MusicTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calc.MusicTime(c.clock.Now())
}

// Playing reports whether a session is active.
func (c *Client) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calc.Playing()
}

// Score returns the score of the active session, nil when idle or before
// the first sync_start.
func (c *Client) Score() *score.Score {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

// DeviceID returns the server-assigned connection ID, empty before the
// welcome event arrives.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Latency exposes the estimator for offset/rtt readouts.
func (c *Client) Latency() *latency.Estimator {
	return c.estimator
}

// Ready reports this device ready to perform.
func (c *Client) Ready() error {
	return c.send(protocol.Message{Type: protocol.MessageReady})
}

// NotePlayed reports one completed note to the coordinator.
func (c *Client) NotePlayed() error {
	return c.send(protocol.Message{Type: protocol.MessageNotePlayed})
}

// Control issues a start/stop/tempo command and waits for the
// coordinator's acknowledgment.
func (c *Client) Control(ctx context.Context, action, scoreID string, bpm float64) (protocol.AckPayload, error) {
	err := c.send(protocol.Message{
		Type:    protocol.MessageControl,
		Action:  action,
		ScoreID: scoreID,
		BPM:     bpm,
	})
	if err != nil {
		return protocol.AckPayload{}, err
	}

	select {
	case <-ctx.Done():
		return protocol.AckPayload{}, ctx.Err()
	case ack := <-c.acks:
		return ack, nil
	}
}

func (c *Client) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

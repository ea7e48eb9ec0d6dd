// Package latency measures round-trip time and clock offset between a
// device and the coordinator. The protocol is deliberately best-effort: a
// ping is sent on a fixed interval, a missed pong leaves the previous
// estimate in effect, and every interval self-corrects the next one.
package latency

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds estimator tuning.
type Config struct {
	// PingInterval is how often a ping is sent.
	PingInterval time.Duration
	// HighLatencyThreshold is the round-trip time above which a sample is
	// flagged as degraded. The flag is observability only; it never changes
	// protocol behavior.
	HighLatencyThreshold time.Duration
}

// DefaultConfig returns the standard tuning: ping every 5s, flag round
// trips over 50ms.
func DefaultConfig() Config {
	return Config{
		PingInterval:         5 * time.Second,
		HighLatencyThreshold: 50 * time.Millisecond,
	}
}

// Sample is one completed round-trip measurement.
type Sample struct {
	// RTT is the full round trip. Callers treat it as an upper-bound proxy
	// for sync error, not a true one-way delay.
	RTT time.Duration
	// Offset is the estimated difference between the coordinator clock and
	// the local clock: serverNow ≈ localNow + Offset.
	Offset time.Duration
	// Degraded is set when RTT exceeded the configured threshold.
	Degraded bool
}

// Estimator runs the device side of the ping/pong protocol.
type Estimator struct {
	cfg   Config
	clock clockwork.Clock

	mu      sync.RWMutex
	last    Sample
	sampled bool
}

// NewEstimator creates an estimator with the given config and clock.
func NewEstimator(cfg Config, clock clockwork.Clock) *Estimator {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.HighLatencyThreshold <= 0 {
		cfg.HighLatencyThreshold = DefaultConfig().HighLatencyThreshold
	}
	return &Estimator{cfg: cfg, clock: clock}
}

// Run sends pings until ctx is cancelled. send receives the local timestamp
// to put on the wire; its errors are logged and swallowed since the next
// interval retries anyway. The first ping goes out immediately.
func (e *Estimator) Run(ctx context.Context, send func(localNow time.Time) error) {
	ticker := e.clock.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	e.sendPing(send)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.sendPing(send)
		}
	}
}

func (e *Estimator) sendPing(send func(localNow time.Time) error) {
	if err := send(e.clock.Now()); err != nil {
		log.Warn().Err(err).Msg("ping send failed, keeping previous latency estimate")
	}
}

// OnPong folds one pong reply into the estimate. echoed is the device
// timestamp returned by the coordinator, serverTime the coordinator clock
// at reply time, both from the wire; localNow is the local receipt time.
func (e *Estimator) OnPong(echoed, serverTime, localNow time.Time) Sample {
	rtt := localNow.Sub(echoed)
	if rtt < 0 {
		rtt = 0
	}
	networkDelay := rtt / 2
	sample := Sample{
		RTT:      rtt,
		Offset:   serverTime.Sub(localNow) + networkDelay,
		Degraded: rtt > e.cfg.HighLatencyThreshold,
	}

	e.mu.Lock()
	e.last = sample
	e.sampled = true
	e.mu.Unlock()

	if sample.Degraded {
		log.Warn().
			Dur("rtt", sample.RTT).
			Dur("threshold", e.cfg.HighLatencyThreshold).
			Msg("high latency, sync accuracy degraded")
	}
	return sample
}

// Last returns the most recent sample and whether one exists yet.
func (e *Estimator) Last() (Sample, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.sampled
}

// Offset returns the current clock-offset estimate, zero before the first
// pong.
func (e *Estimator) Offset() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last.Offset
}

// ToLocal converts a coordinator wall-clock instant into the local clock
// using the current offset estimate.
func (e *Estimator) ToLocal(serverTime time.Time) time.Time {
	return serverTime.Add(-e.Offset())
}

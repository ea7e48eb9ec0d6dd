// Package musictime reconstructs "seconds into the score" from wall-clock
// time. Tempo changes scale the rate at which music time advances relative
// to the score's authored timing, so the mapping is piecewise linear with a
// breakpoint at every tempo change. Keeping only the most recent breakpoint
// is enough: evaluation never replays the tempo history.
package musictime

import "time"

// Calculator converts a local monotonic clock reading into music time.
// All timestamps fed to a Calculator must come from the same clock; callers
// that receive coordinator timestamps convert them to local time first via
// their latency estimator's offset.
//
// A Calculator is not safe for concurrent use.
type Calculator struct {
	playing bool

	startWall      time.Time
	baseMusicTime  float64
	baseBPM        float64
	currentBPM     float64
	lastBreakpoint time.Time
}

// NewCalculator returns a stopped calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Start begins tracking a session. For a fresh start elapsed is zero; for a
// late join elapsed is the seconds of music already played, and the
// calculator seeds its breakpoint so it reports the same position as
// devices that were present from the beginning. Any prior tempo history is
// discarded.
func (c *Calculator) Start(bpm float64, elapsed float64, now time.Time) {
	if elapsed < 0 {
		elapsed = 0
	}
	c.playing = true
	c.startWall = now.Add(-time.Duration(elapsed * float64(time.Second)))
	c.baseMusicTime = elapsed
	c.baseBPM = bpm
	c.currentBPM = bpm
	c.lastBreakpoint = now
}

// TempoChange records a tempo breakpoint at the given local instant. The
// music time already accumulated is frozen into baseMusicTime, so the value
// is continuous across the change; only the rate of advancement differs
// afterwards. The base BPM stays pinned to the tempo at session start.
func (c *Calculator) TempoChange(bpm float64, at time.Time) {
	if !c.playing {
		return
	}
	c.baseMusicTime = c.MusicTime(at)
	c.lastBreakpoint = at
	c.currentBPM = bpm
}

// Stop clears the playing state. MusicTime returns 0 until the next Start.
func (c *Calculator) Stop() {
	c.playing = false
}

// Playing reports whether a session is active.
func (c *Calculator) Playing() bool {
	return c.playing
}

// MusicTime evaluates the score position at the given local instant.
func (c *Calculator) MusicTime(now time.Time) float64 {
	if !c.playing {
		return 0
	}
	elapsed := now.Sub(c.lastBreakpoint).Seconds()
	ratio := 1.0
	if c.baseBPM > 0 {
		ratio = c.currentBPM / c.baseBPM
	}
	mt := c.baseMusicTime + elapsed*ratio
	if mt < 0 {
		return 0
	}
	return mt
}

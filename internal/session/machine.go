package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ensemblesync/ensemble/internal/platform/metrics"
	"github.com/ensemblesync/ensemble/internal/protocol"
	"github.com/ensemblesync/ensemble/internal/score"
)

// Broadcaster delivers session events to devices. Implementations isolate
// per-connection send failures: a dead connection never blocks delivery to
// the rest.
type Broadcaster interface {
	Broadcast(event *protocol.Event)
	Unicast(connID string, event *protocol.Event)
}

// Catalog resolves score IDs. Default may return nil when no fallback
// exists, in which case Start fails with ErrNoScoreAvailable.
type Catalog interface {
	Resolve(id string) (*score.Score, error)
	Default() *score.Score
}

// Config holds the state machine's timing knobs.
type Config struct {
	// SilenceTimeout force-stops a playing session when no note-played
	// report arrives for this long.
	SilenceTimeout time.Duration
	// StopGrace is the delay between the final note report and the
	// automatic stop, leaving room for the last note to sound out.
	StopGrace time.Duration
}

// DefaultConfig returns the standard timing: 10s silence watchdog, 1s
// completion grace.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout: 10 * time.Second,
		StopGrace:      time.Second,
	}
}

// Machine owns the single authoritative performance session. All commands
// are serialized under one mutex so interleaved start/stop/tempo/note and
// timer firings apply atomically and in arrival order; reads hand out
// snapshot copies.
type Machine struct {
	clock       clockwork.Clock
	catalog     Catalog
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	cfg         Config

	mu         sync.Mutex
	sess       *Session
	completing bool

	// timerGen invalidates watchdog/grace callbacks armed for a session
	// that has since been stopped or superseded.
	timerGen int
	watchdog clockwork.Timer
	grace    clockwork.Timer
}

// NewMachine creates an idle state machine.
func NewMachine(catalog Catalog, broadcaster Broadcaster, met *metrics.Metrics, clock clockwork.Clock, cfg Config) *Machine {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultConfig().SilenceTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultConfig().StopGrace
	}
	return &Machine{
		clock:       clock,
		catalog:     catalog,
		broadcaster: broadcaster,
		metrics:     met,
		cfg:         cfg,
	}
}

// Start begins a new performance, replacing any session already playing.
// An empty or unknown scoreID falls back to the catalog default; with no
// default available Start returns ErrNoScoreAvailable and the machine
// stays idle. A bpm of zero uses the score's authored tempo.
func (m *Machine) Start(scoreID string, bpm float64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sc *score.Score
	if scoreID != "" {
		resolved, err := m.catalog.Resolve(scoreID)
		if err != nil {
			log.Warn().Err(err).Str("score_id", scoreID).Msg("score not resolvable, falling back to default")
		} else {
			sc = resolved
		}
	}
	if sc == nil {
		sc = m.catalog.Default()
	}
	if sc == nil {
		return nil, ErrNoScoreAvailable
	}

	if m.sess != nil {
		// A new start supersedes the running session and its timers.
		m.cancelTimersLocked()
		m.metrics.IncSessionsStopped("superseded")
		log.Info().Str("score_id", m.sess.Score.ID).Msg("session superseded by new start")
	}

	if bpm <= 0 {
		bpm = sc.BaseBPM
	}
	now := m.clock.Now()
	m.sess = &Session{
		Score:      sc,
		StartedAt:  now,
		BaseBPM:    bpm,
		CurrentBPM: bpm,
		TotalNotes: sc.TotalNotes(),
	}
	m.completing = false
	m.armWatchdogLocked()

	m.broadcastLocked(protocol.EventSyncStart, protocol.SyncStartPayload{
		Score:          sc,
		StartWallClock: protocol.Millis(now),
		BPM:            bpm,
		ElapsedTime:    0,
	})
	m.metrics.IncSessionsStarted()

	log.Info().
		Str("score_id", sc.ID).
		Float64("bpm", bpm).
		Int("total_notes", m.sess.TotalNotes).
		Msg("session started")
	return m.sess.Clone(), nil
}

// Stop ends the current session. Stopping while idle is a no-op: no
// broadcast, no state change.
func (m *Machine) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		log.Debug().Msg("stop while idle, ignoring")
		return false
	}
	m.stopLocked("command")
	return true
}

// Tempo applies a live tempo change. While idle it is a stale command:
// ignored, not an error.
func (m *Machine) Tempo(bpm float64) error {
	if bpm <= 0 {
		return fmt.Errorf("invalid tempo %v bpm", bpm)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		log.Debug().Float64("bpm", bpm).Msg("tempo while idle, ignoring")
		return nil
	}

	now := m.clock.Now()
	change := TempoChange{
		WallClock:         now,
		OldBPM:            m.sess.CurrentBPM,
		NewBPM:            bpm,
		MusicTimeAtChange: m.sess.MusicTimeAt(now),
	}
	m.sess.TempoLog = append(m.sess.TempoLog, change)
	m.sess.CurrentBPM = bpm

	m.broadcastLocked(protocol.EventTempoChange, protocol.TempoChangePayload{
		BPM:           bpm,
		WallClockTime: protocol.Millis(now),
	})
	m.metrics.IncTempoChanges()

	log.Info().
		Float64("old_bpm", change.OldBPM).
		Float64("new_bpm", bpm).
		Float64("music_time", change.MusicTimeAtChange).
		Msg("tempo changed")
	return nil
}

// NotePlayed records one completed note. It resets the silence watchdog
// and, on the final note, schedules the automatic stop after the grace
// period while suppressing further watchdog re-arms.
func (m *Machine) NotePlayed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return
	}
	m.metrics.IncNotesPlayed()

	if m.sess.PlayedNotes < m.sess.TotalNotes {
		m.sess.PlayedNotes++
	}
	if m.completing {
		return
	}

	if m.sess.PlayedNotes == m.sess.TotalNotes {
		m.completing = true
		if m.watchdog != nil {
			m.watchdog.Stop()
			m.watchdog = nil
		}
		gen := m.timerGen
		m.grace = m.clock.AfterFunc(m.cfg.StopGrace, func() { m.onComplete(gen) })
		log.Info().
			Int("notes", m.sess.PlayedNotes).
			Dur("grace", m.cfg.StopGrace).
			Msg("all notes played, stopping after grace period")
		return
	}
	m.armWatchdogLocked()
}

// HandleJoin sends a late-joining device the catch-up state for the
// running session: a sync_start seeded with the elapsed music time and,
// when the tempo has changed since the start, a follow-up tempo_change so
// the device advances at the same rate as everyone else. Idle sessions
// need no catch-up.
func (m *Machine) HandleJoin(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return
	}
	now := m.clock.Now()
	elapsed := m.sess.MusicTimeAt(now)

	m.unicastLocked(connID, protocol.EventSyncStart, protocol.SyncStartPayload{
		Score:          m.sess.Score,
		StartWallClock: protocol.Millis(m.sess.StartedAt),
		BPM:            m.sess.BaseBPM,
		ElapsedTime:    elapsed,
	})
	if m.sess.CurrentBPM != m.sess.BaseBPM {
		m.unicastLocked(connID, protocol.EventTempoChange, protocol.TempoChangePayload{
			BPM:           m.sess.CurrentBPM,
			WallClockTime: protocol.Millis(now),
		})
	}

	log.Info().
		Str("device_id", connID).
		Float64("elapsed", elapsed).
		Msg("late join catch-up sent")
}

// Status returns the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StatusIdle
	}
	return StatusPlaying
}

// Snapshot returns the state and a copy of the session valid at one atomic
// point in time; the session is nil while idle.
func (m *Machine) Snapshot() (Status, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StatusIdle, nil
	}
	return StatusPlaying, m.sess.Clone()
}

// MusicTime returns the server-side score position, zero while idle.
func (m *Machine) MusicTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return m.sess.MusicTimeAt(m.clock.Now())
}

func (m *Machine) stopLocked(reason string) {
	m.cancelTimersLocked()
	m.broadcastLocked(protocol.EventSyncStop, protocol.SyncStopPayload{})
	m.metrics.IncSessionsStopped(reason)

	log.Info().
		Str("score_id", m.sess.Score.ID).
		Str("reason", reason).
		Int("played_notes", m.sess.PlayedNotes).
		Int("total_notes", m.sess.TotalNotes).
		Msg("session stopped")

	m.sess = nil
	m.completing = false
}

func (m *Machine) cancelTimersLocked() {
	m.timerGen++
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}

func (m *Machine) armWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	gen := m.timerGen
	m.watchdog = m.clock.AfterFunc(m.cfg.SilenceTimeout, func() { m.onSilence(gen) })
}

func (m *Machine) onSilence(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timerGen || m.sess == nil {
		return
	}
	log.Warn().
		Dur("timeout", m.cfg.SilenceTimeout).
		Msg("silence watchdog fired, stopping session")
	m.stopLocked("silence_timeout")
}

func (m *Machine) onComplete(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timerGen || m.sess == nil {
		return
	}
	m.stopLocked("completed")
}

func (m *Machine) broadcastLocked(eventType protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(eventType, m.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	m.broadcaster.Broadcast(ev)
	m.metrics.IncEventsBroadcast()
}

func (m *Machine) unicastLocked(connID string, eventType protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(eventType, m.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	m.broadcaster.Unicast(connID, ev)
}

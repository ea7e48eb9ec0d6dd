package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblesync/ensemble/internal/musictime"
	"github.com/ensemblesync/ensemble/internal/platform/metrics"
	"github.com/ensemblesync/ensemble/internal/protocol"
	"github.com/ensemblesync/ensemble/internal/score"
)

// fakeBroadcaster records every event the machine emits.
type fakeBroadcaster struct {
	mu         sync.Mutex
	broadcasts []*protocol.Event
	unicasts   map[string][]*protocol.Event
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{unicasts: make(map[string][]*protocol.Event)}
}

func (f *fakeBroadcaster) Broadcast(event *protocol.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, event)
}

func (f *fakeBroadcaster) Unicast(connID string, event *protocol.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts[connID] = append(f.unicasts[connID], event)
}

func (f *fakeBroadcaster) countType(t protocol.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.broadcasts {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeBroadcaster) lastOfType(t protocol.EventType) *protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.broadcasts) - 1; i >= 0; i-- {
		if f.broadcasts[i].Type == t {
			return f.broadcasts[i]
		}
	}
	return nil
}

// emptyCatalog resolves nothing and has no default.
type emptyCatalog struct{}

func (emptyCatalog) Resolve(id string) (*score.Score, error) { return nil, score.ErrNotFound }
func (emptyCatalog) Default() *score.Score                   { return nil }

func newTestMachine(t *testing.T, cfg Config) (*Machine, *fakeBroadcaster, *clockwork.FakeClock, *score.Catalog) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	fb := newFakeBroadcaster()
	catalog, err := score.LoadDir(t.TempDir())
	require.NoError(t, err)
	m := NewMachine(catalog, fb, metrics.New(), clock, cfg)
	return m, fb, clock, catalog
}

func decodePayload[T any](t *testing.T, ev *protocol.Event) T {
	t.Helper()
	var out T
	require.NotNil(t, ev)
	require.NoError(t, json.Unmarshal(ev.Data, &out))
	return out
}

func TestMachine_StartBroadcastsSyncStart(t *testing.T) {
	t.Parallel()

	m, fb, _, catalog := newTestMachine(t, DefaultConfig())

	sess, err := m.Start("demo", 120)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, StatusPlaying, m.Status())
	assert.Equal(t, catalog.Default().TotalNotes(), sess.TotalNotes)
	assert.Zero(t, sess.PlayedNotes)
	assert.Empty(t, sess.TempoLog)

	require.Equal(t, 1, fb.countType(protocol.EventSyncStart))
	p := decodePayload[protocol.SyncStartPayload](t, fb.lastOfType(protocol.EventSyncStart))
	assert.Equal(t, 120.0, p.BPM)
	assert.Zero(t, p.ElapsedTime)
	assert.Equal(t, "demo", p.Score.ID)
}

func TestMachine_StartUnknownScoreFallsBackToDefault(t *testing.T) {
	t.Parallel()

	m, fb, _, catalog := newTestMachine(t, DefaultConfig())

	sess, err := m.Start("does-not-exist", 0)
	require.NoError(t, err)
	assert.Equal(t, catalog.Default().ID, sess.Score.ID)
	// bpm 0 falls back to the score's authored tempo.
	assert.Equal(t, catalog.Default().BaseBPM, sess.BaseBPM)
	assert.Equal(t, 1, fb.countType(protocol.EventSyncStart))
}

func TestMachine_StartWithNoScoreFailsIdle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	fb := newFakeBroadcaster()
	m := NewMachine(emptyCatalog{}, fb, metrics.New(), clock, DefaultConfig())

	_, err := m.Start("anything", 120)
	require.ErrorIs(t, err, ErrNoScoreAvailable)
	assert.Equal(t, StatusIdle, m.Status())
	assert.Empty(t, fb.broadcasts)
}

func TestMachine_StopIdempotent(t *testing.T) {
	t.Parallel()

	m, fb, _, _ := newTestMachine(t, DefaultConfig())

	// Stop while idle: no broadcast, no state change.
	assert.False(t, m.Stop())
	assert.Zero(t, fb.countType(protocol.EventSyncStop))

	_, err := m.Start("", 100)
	require.NoError(t, err)
	assert.True(t, m.Stop())
	assert.Equal(t, StatusIdle, m.Status())
	assert.Equal(t, 1, fb.countType(protocol.EventSyncStop))

	assert.False(t, m.Stop())
	assert.Equal(t, 1, fb.countType(protocol.EventSyncStop))
}

func TestMachine_TempoWhileIdleIgnored(t *testing.T) {
	t.Parallel()

	m, fb, _, _ := newTestMachine(t, DefaultConfig())

	require.NoError(t, m.Tempo(90))
	assert.Empty(t, fb.broadcasts)
	assert.Equal(t, StatusIdle, m.Status())
}

func TestMachine_TempoInvalidBPM(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestMachine(t, DefaultConfig())
	assert.Error(t, m.Tempo(0))
	assert.Error(t, m.Tempo(-10))
}

func TestMachine_TempoScalesMusicTime(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SilenceTimeout = time.Hour // keep the watchdog out of this test
	m, fb, clock, _ := newTestMachine(t, cfg)

	_, err := m.Start("", 120)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	require.NoError(t, m.Tempo(60))

	_, sess := m.Snapshot()
	require.Len(t, sess.TempoLog, 1)
	assert.Equal(t, 120.0, sess.TempoLog[0].OldBPM)
	assert.Equal(t, 60.0, sess.TempoLog[0].NewBPM)
	assert.InDelta(t, 10.0, sess.TempoLog[0].MusicTimeAtChange, 1e-9)
	assert.Equal(t, 60.0, sess.CurrentBPM)
	assert.Equal(t, 120.0, sess.BaseBPM)

	p := decodePayload[protocol.TempoChangePayload](t, fb.lastOfType(protocol.EventTempoChange))
	assert.Equal(t, 60.0, p.BPM)

	// 10 real seconds at half tempo advance music time by 5s.
	clock.Advance(10 * time.Second)
	assert.InDelta(t, 15.0, m.MusicTime(), 1e-9)
}

func TestMachine_TempoLogStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SilenceTimeout = time.Hour
	m, _, clock, _ := newTestMachine(t, cfg)

	_, err := m.Start("", 100)
	require.NoError(t, err)

	for _, bpm := range []float64{120, 80, 140} {
		clock.Advance(2 * time.Second)
		require.NoError(t, m.Tempo(bpm))
	}

	_, sess := m.Snapshot()
	require.Len(t, sess.TempoLog, 3)
	for i := 1; i < len(sess.TempoLog); i++ {
		assert.True(t, sess.TempoLog[i].WallClock.After(sess.TempoLog[i-1].WallClock))
		assert.GreaterOrEqual(t, sess.TempoLog[i].MusicTimeAtChange, sess.TempoLog[i-1].MusicTimeAtChange)
	}
}

func TestMachine_CompletionStopsAfterGrace(t *testing.T) {
	t.Parallel()

	m, fb, clock, catalog := newTestMachine(t, DefaultConfig())

	_, err := m.Start("demo", 120)
	require.NoError(t, err)
	total := catalog.Default().TotalNotes()

	for i := 0; i < total; i++ {
		clock.Advance(100 * time.Millisecond)
		m.NotePlayed()
	}

	// All notes reported: still playing through the grace period.
	assert.Equal(t, StatusPlaying, m.Status())
	_, sess := m.Snapshot()
	assert.Equal(t, total, sess.PlayedNotes)

	clock.Advance(DefaultConfig().StopGrace)
	require.Eventually(t, func() bool { return m.Status() == StatusIdle },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fb.countType(protocol.EventSyncStop))
}

func TestMachine_PlayedNotesNeverExceedTotal(t *testing.T) {
	t.Parallel()

	m, _, clock, catalog := newTestMachine(t, DefaultConfig())

	_, err := m.Start("demo", 120)
	require.NoError(t, err)
	total := catalog.Default().TotalNotes()

	// Over-report: duplicates must not push the count past the total.
	for i := 0; i < total+5; i++ {
		m.NotePlayed()
	}
	_, sess := m.Snapshot()
	assert.Equal(t, total, sess.PlayedNotes)

	clock.Advance(DefaultConfig().StopGrace)
	require.Eventually(t, func() bool { return m.Status() == StatusIdle },
		time.Second, 5*time.Millisecond)
}

func TestMachine_SilenceWatchdogStops(t *testing.T) {
	t.Parallel()

	cfg := Config{SilenceTimeout: 10 * time.Second, StopGrace: time.Second}
	m, fb, clock, _ := newTestMachine(t, cfg)

	_, err := m.Start("", 120)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return m.Status() == StatusIdle },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fb.countType(protocol.EventSyncStop))
}

func TestMachine_NotePlayedResetsWatchdog(t *testing.T) {
	t.Parallel()

	cfg := Config{SilenceTimeout: 10 * time.Second, StopGrace: time.Second}
	m, fb, clock, _ := newTestMachine(t, cfg)

	_, err := m.Start("", 120)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	m.NotePlayed()
	clock.Advance(6 * time.Second)
	// 12s since start but only 6s since the last note: still playing.
	assert.Equal(t, StatusPlaying, m.Status())

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return m.Status() == StatusIdle },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fb.countType(protocol.EventSyncStop))
}

func TestMachine_StartSupersedesRunningSession(t *testing.T) {
	t.Parallel()

	m, fb, clock, _ := newTestMachine(t, DefaultConfig())

	_, err := m.Start("", 120)
	require.NoError(t, err)
	clock.Advance(5 * time.Second)

	_, err = m.Start("", 90)
	require.NoError(t, err)

	// The replacement broadcasts a fresh sync_start, not a sync_stop: the
	// new start is itself authoritative for every device.
	assert.Equal(t, 2, fb.countType(protocol.EventSyncStart))
	assert.Zero(t, fb.countType(protocol.EventSyncStop))

	_, sess := m.Snapshot()
	assert.Equal(t, 90.0, sess.BaseBPM)
	assert.Zero(t, sess.PlayedNotes)

	// Timers of the superseded session must not fire against the new one.
	clock.Advance(6 * time.Second)
	assert.Equal(t, StatusPlaying, m.Status())
}

func TestMachine_LateJoinCatchUp(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SilenceTimeout = time.Hour
	m, fb, clock, _ := newTestMachine(t, cfg)

	// Idle: a join needs no catch-up.
	m.HandleJoin("early")
	assert.Empty(t, fb.unicasts["early"])

	_, err := m.Start("", 120)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	require.NoError(t, m.Tempo(60))
	clock.Advance(10 * time.Second)

	m.HandleJoin("late-device")

	fb.mu.Lock()
	events := fb.unicasts["late-device"]
	fb.mu.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, protocol.EventSyncStart, events[0].Type)
	require.Equal(t, protocol.EventTempoChange, events[1].Type)

	start := decodePayload[protocol.SyncStartPayload](t, events[0])
	tempo := decodePayload[protocol.TempoChangePayload](t, events[1])
	assert.Equal(t, 120.0, start.BPM, "catch-up carries the session's base tempo")
	assert.InDelta(t, 15.0, start.ElapsedTime, 1e-6)
	assert.Equal(t, 60.0, tempo.BPM)

	// A device applying the catch-up must track the coordinator exactly.
	joinAt := clock.Now()
	calc := musictime.NewCalculator()
	calc.Start(start.BPM, start.ElapsedTime, joinAt)
	calc.TempoChange(tempo.BPM, joinAt)

	clock.Advance(8 * time.Second)
	assert.InDelta(t, m.MusicTime(), calc.MusicTime(clock.Now()), 0.050)
}

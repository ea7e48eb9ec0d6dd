package session

import (
	"time"

	"github.com/ensemblesync/ensemble/internal/score"
)

// Status is the state machine's current state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPlaying Status = "playing"
)

// TempoChange is one appended entry in the session's tempo log. The log is
// append-only and strictly increasing in WallClock.
type TempoChange struct {
	WallClock         time.Time `json:"wallClockTime"`
	OldBPM            float64   `json:"oldBpm"`
	NewBPM            float64   `json:"newBpm"`
	MusicTimeAtChange float64   `json:"musicTimeAtChange"`
}

// Session is the single authoritative current performance. It is owned and
// mutated only by the Machine; everything handed outward is a copy.
type Session struct {
	Score       *score.Score  `json:"score"`
	StartedAt   time.Time     `json:"startedAtWallClock"`
	BaseBPM     float64       `json:"baseBpm"`
	CurrentBPM  float64       `json:"currentBpm"`
	TempoLog    []TempoChange `json:"tempoChangeLog"`
	TotalNotes  int           `json:"totalNoteCount"`
	PlayedNotes int           `json:"playedNoteCount"`
}

// MusicTimeAt evaluates the server-side view of the score position at the
// given instant: the piecewise-linear function anchored at the most recent
// tempo breakpoint (or the session start when tempo never changed). Late
// joiners are seeded from this value so they line up with devices that
// computed the same function locally.
func (s *Session) MusicTimeAt(now time.Time) float64 {
	base := 0.0
	breakpoint := s.StartedAt
	if n := len(s.TempoLog); n > 0 {
		last := s.TempoLog[n-1]
		base = last.MusicTimeAtChange
		breakpoint = last.WallClock
	}

	ratio := 1.0
	if s.BaseBPM > 0 {
		ratio = s.CurrentBPM / s.BaseBPM
	}
	mt := base + now.Sub(breakpoint).Seconds()*ratio
	if mt < 0 {
		return 0
	}
	return mt
}

// Clone returns a snapshot copy safe to hand outside the Machine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	dup.TempoLog = append([]TempoChange(nil), s.TempoLog...)
	return &dup
}

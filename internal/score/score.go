package score

// NoteEvent is a single authored note in a score part. Times are in score
// seconds at the score's base tempo.
type NoteEvent struct {
	Pitch     string  `json:"pitch" yaml:"pitch"`
	Time      float64 `json:"time" yaml:"time"`
	Duration  float64 `json:"duration" yaml:"duration"`
	Fingering string  `json:"fingering,omitempty" yaml:"fingering,omitempty"`
}

// Score is a static musical piece split into a melody part and an
// accompaniment part. Scores are immutable once loaded; the session holds
// read-only references into the catalog.
type Score struct {
	ID              string      `json:"id" yaml:"id"`
	Title           string      `json:"title" yaml:"title"`
	DurationSeconds float64     `json:"durationSeconds" yaml:"duration_seconds"`
	BaseBPM         float64     `json:"baseBpm" yaml:"base_bpm"`
	Melody          []NoteEvent `json:"melodyEvents" yaml:"melody"`
	Accompaniment   []NoteEvent `json:"accompanimentEvents" yaml:"accompaniment"`
}

// TotalNotes returns the number of notes across both parts. The session
// uses this to detect end-of-performance.
func (s *Score) TotalNotes() int {
	return len(s.Melody) + len(s.Accompaniment)
}

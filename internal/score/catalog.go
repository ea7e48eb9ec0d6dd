package score

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a score ID cannot be resolved.
var ErrNotFound = errors.New("score not found")

// Catalog holds the loaded scores. It is built once at startup and
// read-only afterwards, so lookups need no locking.
type Catalog struct {
	scores    map[string]*Score
	order     []string
	defaultID string
}

// LoadDir reads every *.yaml/*.yml file in dir as a Score. A missing or
// empty directory is not an error: the catalog falls back to the built-in
// demo score so the coordinator can always start a performance.
func LoadDir(dir string) (*Catalog, error) {
	c := &Catalog{scores: make(map[string]*Score)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read score directory: %w", err)
		}
		log.Warn().Str("dir", dir).Msg("score directory missing, using built-in demo score only")
	}

	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		s, err := loadFile(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("skipping unreadable score file")
			continue
		}
		c.add(s)
		log.Info().
			Str("score_id", s.ID).
			Str("title", s.Title).
			Int("notes", s.TotalNotes()).
			Msg("score loaded")
	}

	// Predictable listing order regardless of directory iteration.
	sort.Strings(c.order)

	demo := demoScore()
	if _, exists := c.scores[demo.ID]; !exists {
		c.add(demo)
	}
	c.defaultID = c.order[0]
	if _, exists := c.scores[demo.ID]; exists && len(c.order) > 1 {
		// Prefer a real score over the built-in demo as the default.
		for _, id := range c.order {
			if id != demo.ID {
				c.defaultID = id
				break
			}
		}
	}

	return c, nil
}

func loadFile(path string) (*Score, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read score file: %w", err)
	}

	var s Score
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse score file: %w", err)
	}
	if s.ID == "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if s.BaseBPM <= 0 {
		s.BaseBPM = 120
	}
	if s.DurationSeconds <= 0 {
		s.DurationSeconds = lastNoteEnd(&s)
	}
	return &s, nil
}

func lastNoteEnd(s *Score) float64 {
	var end float64
	for _, part := range [][]NoteEvent{s.Melody, s.Accompaniment} {
		for _, n := range part {
			if t := n.Time + n.Duration; t > end {
				end = t
			}
		}
	}
	return end
}

func (c *Catalog) add(s *Score) {
	if _, exists := c.scores[s.ID]; exists {
		log.Warn().Str("score_id", s.ID).Msg("duplicate score id, keeping first")
		return
	}
	c.scores[s.ID] = s
	c.order = append(c.order, s.ID)
}

// Resolve returns the score for id, or ErrNotFound.
func (c *Catalog) Resolve(id string) (*Score, error) {
	if s, ok := c.scores[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Default returns the fallback score used when a start command names no
// score or an unknown one.
func (c *Catalog) Default() *Score {
	return c.scores[c.defaultID]
}

// List returns all scores in stable ID order.
func (c *Catalog) List() []*Score {
	out := make([]*Score, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.scores[id])
	}
	return out
}

// demoScore is the built-in fallback piece: the first phrase of "Ode to
// Joy" split across the two display parts.
func demoScore() *Score {
	return &Score{
		ID:      "demo",
		Title:   "Ode to Joy (demo)",
		BaseBPM: 120,
		Melody: []NoteEvent{
			{Pitch: "E4", Time: 0.0, Duration: 0.5, Fingering: "3"},
			{Pitch: "E4", Time: 0.5, Duration: 0.5, Fingering: "3"},
			{Pitch: "F4", Time: 1.0, Duration: 0.5, Fingering: "4"},
			{Pitch: "G4", Time: 1.5, Duration: 0.5, Fingering: "5"},
			{Pitch: "G4", Time: 2.0, Duration: 0.5, Fingering: "5"},
			{Pitch: "F4", Time: 2.5, Duration: 0.5, Fingering: "4"},
			{Pitch: "E4", Time: 3.0, Duration: 0.5, Fingering: "3"},
			{Pitch: "D4", Time: 3.5, Duration: 0.5, Fingering: "2"},
		},
		Accompaniment: []NoteEvent{
			{Pitch: "C3", Time: 0.0, Duration: 1.0, Fingering: "1"},
			{Pitch: "G3", Time: 1.0, Duration: 1.0, Fingering: "5"},
			{Pitch: "C3", Time: 2.0, Duration: 1.0, Fingering: "1"},
			{Pitch: "G2", Time: 3.0, Duration: 1.0, Fingering: "5"},
		},
		DurationSeconds: 4.0,
	}
}

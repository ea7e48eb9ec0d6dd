package score

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minuet = `id: minuet
title: Minuet in G
base_bpm: 104
melody:
  - {pitch: D5, time: 0.0, duration: 0.5, fingering: "5"}
  - {pitch: G4, time: 0.5, duration: 0.25}
  - {pitch: A4, time: 0.75, duration: 0.25}
accompaniment:
  - {pitch: G3, time: 0.0, duration: 1.0, fingering: "1"}
`

func writeScore(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDir_ReadsYAMLScores(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScore(t, dir, "minuet.yaml", minuet)

	c, err := LoadDir(dir)
	require.NoError(t, err)

	s, err := c.Resolve("minuet")
	require.NoError(t, err)
	assert.Equal(t, "Minuet in G", s.Title)
	assert.Equal(t, 104.0, s.BaseBPM)
	assert.Equal(t, 4, s.TotalNotes())
	// Duration defaults to the end of the last note.
	assert.InDelta(t, 1.0, s.DurationSeconds, 1e-9)
	assert.Equal(t, "5", s.Melody[0].Fingering)
}

func TestLoadDir_MissingDirFallsBackToDemo(t *testing.T) {
	t.Parallel()

	c, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	d := c.Default()
	require.NotNil(t, d)
	assert.Equal(t, "demo", d.ID)
	assert.Positive(t, d.TotalNotes())
}

func TestLoadDir_PrefersLoadedScoreAsDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScore(t, dir, "minuet.yaml", minuet)

	c, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "minuet", c.Default().ID)

	// The built-in demo is still resolvable.
	_, err = c.Resolve("demo")
	assert.NoError(t, err)
}

func TestLoadDir_SkipsBrokenFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScore(t, dir, "broken.yaml", "{{{not yaml")
	writeScore(t, dir, "minuet.yaml", minuet)
	writeScore(t, dir, "notes.txt", "ignored")

	c, err := LoadDir(dir)
	require.NoError(t, err)
	_, err = c.Resolve("minuet")
	assert.NoError(t, err)
	_, err = c.Resolve("broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_ResolveUnknown(t *testing.T) {
	t.Parallel()

	c, err := LoadDir(t.TempDir())
	require.NoError(t, err)
	_, err = c.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadDir_IDDefaultsToFilename(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScore(t, dir, "anthem.yml", "title: Anthem\nmelody:\n  - {pitch: C4, time: 0, duration: 1}\n")

	c, err := LoadDir(dir)
	require.NoError(t, err)

	s, err := c.Resolve("anthem")
	require.NoError(t, err)
	assert.Equal(t, 120.0, s.BaseBPM, "missing bpm falls back to 120")
}

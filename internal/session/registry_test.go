package session

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Lifecycle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock)

	d := r.Add("conn-1")
	require.NotNil(t, d)
	assert.Equal(t, RoleUnknown, d.Role)
	assert.Equal(t, 1, r.Count())

	r.Register("conn-1", RoleMelodyDisplay)
	devices := r.Snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, RoleMelodyDisplay, devices[0].Role)

	r.Unregister("conn-1")
	assert.Zero(t, r.Count())
	// Unregister is idempotent.
	r.Unregister("conn-1")
	assert.Zero(t, r.Count())
}

func TestRegistry_RegisterUnknownConnectionIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(clockwork.NewFakeClock())
	r.Register("never-connected", RoleController)
	assert.Zero(t, r.Count())
}

func TestRegistry_SnapshotInsertionOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry(clockwork.NewFakeClock())
	for _, id := range []string{"a", "b", "c", "d"} {
		r.Add(id)
	}
	r.Unregister("b")

	var ids []string
	for _, d := range r.Snapshot() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, ids)
}

func TestRegistry_ReadyAndLatency(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock)
	r.Add("a")
	r.Add("b")

	assert.Zero(t, r.CountReady())
	r.MarkReady("a")
	r.MarkReady("a")
	assert.Equal(t, 1, r.CountReady())

	r.RecordLatency("b", 12.5)
	devices := r.Snapshot()
	assert.Equal(t, 12.5, devices[1].LastLatencyMs)

	// Updates on unknown connections are silently dropped.
	r.MarkReady("ghost")
	r.RecordLatency("ghost", 1)
	r.Touch("ghost")
	assert.Equal(t, 1, r.CountReady())
}

func TestRegistry_TouchUpdatesLiveness(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock)
	r.Add("a")
	before := r.Snapshot()[0].LastSeen

	clock.Advance(3 * time.Second)
	r.Touch("a")
	assert.True(t, r.Snapshot()[0].LastSeen.After(before))
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Role
	}{
		{"melody-display", RoleMelodyDisplay},
		{"accompaniment-display", RoleAccompanimentDisplay},
		{"controller", RoleController},
		{"", RoleUnknown},
		{"percussion", RoleUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRole(tt.in), tt.in)
	}
}

package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Role is a device's declared function in the ensemble.
type Role string

const (
	RoleMelodyDisplay        Role = "melody-display"
	RoleAccompanimentDisplay Role = "accompaniment-display"
	RoleController           Role = "controller"
	RoleUnknown              Role = "unknown"
)

// ParseRole maps a wire role string onto a known Role.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleMelodyDisplay, RoleAccompanimentDisplay, RoleController:
		return Role(s)
	default:
		return RoleUnknown
	}
}

// Device is one connected display or controller. Devices are owned
// exclusively by the Registry; Snapshot hands out copies.
type Device struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastLatencyMs float64   `json:"lastLatencyMs"`
	Ready         bool      `json:"ready"`
	LastSeen      time.Time `json:"lastSeen"`
}

// Registry tracks connected devices. It does no timing logic: the latency
// it records is observability only, each device's own estimator stays
// authoritative for its sync math.
type Registry struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	devices map[string]*Device
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:   clock,
		devices: make(map[string]*Device),
	}
}

// Add creates a Device for a freshly connected transport. The role stays
// unknown until a register message arrives.
func (r *Registry) Add(connID string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	d := &Device{
		ID:          connID,
		Role:        RoleUnknown,
		ConnectedAt: now,
		LastSeen:    now,
	}
	r.devices[connID] = d
	r.order = append(r.order, connID)

	log.Debug().
		Str("device_id", connID).
		Int("total_devices", len(r.devices)).
		Msg("device connected")
	return d
}

// Register sets a device's role. A registration for an already-closed
// connection is a no-op, logged only.
func (r *Registry) Register(connID string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[connID]
	if !ok {
		log.Warn().
			Str("device_id", connID).
			Str("role", string(role)).
			Msg("registration for unknown connection, ignoring")
		return
	}
	d.Role = role
	d.LastSeen = r.clock.Now()

	log.Info().
		Str("device_id", connID).
		Str("role", string(role)).
		Msg("device registered")
}

// Unregister removes a device. Idempotent, never errors.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[connID]; !ok {
		return
	}
	delete(r.devices, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	log.Info().
		Str("device_id", connID).
		Int("total_devices", len(r.devices)).
		Msg("device disconnected")
}

// RecordLatency updates a device's last reported round-trip latency.
func (r *Registry) RecordLatency(connID string, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[connID]; ok {
		d.LastLatencyMs = latencyMs
		d.LastSeen = r.clock.Now()
	}
}

// MarkReady flags a device as ready to perform.
func (r *Registry) MarkReady(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[connID]; ok {
		d.Ready = true
		d.LastSeen = r.clock.Now()
	}
}

// Touch refreshes a device's liveness timestamp.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[connID]; ok {
		d.LastSeen = r.clock.Now()
	}
}

// Count returns the number of connected devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// CountReady returns the number of devices that reported ready.
func (r *Registry) CountReady() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, d := range r.devices {
		if d.Ready {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all devices in insertion order.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		if d, ok := r.devices[id]; ok {
			out = append(out, *d)
		}
	}
	return out
}

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ensemblesync/ensemble/internal/protocol"
	"github.com/ensemblesync/ensemble/internal/score"
	"github.com/ensemblesync/ensemble/internal/session"
)

// SessionStateResponse is the read-only session snapshot served over HTTP.
type SessionStateResponse struct {
	Status     session.Status   `json:"status"`
	Session    *session.Session `json:"session,omitempty"`
	MusicTime  float64          `json:"musicTime"`
	ServerTime int64            `json:"serverTime"`
}

// DevicesResponse lists connected devices in insertion order.
type DevicesResponse struct {
	Devices    []session.Device `json:"devices"`
	ReadyCount int              `json:"readyCount"`
}

// StateHandler serves read-only JSON views of the coordinator state for
// dashboards and debugging. All mutation goes through the WebSocket.
type StateHandler struct {
	machine  *session.Machine
	registry *session.Registry
	catalog  *score.Catalog
	manager  *Manager
}

// NewStateHandler creates a state handler.
func NewStateHandler(machine *session.Machine, registry *session.Registry, catalog *score.Catalog, manager *Manager) *StateHandler {
	return &StateHandler{
		machine:  machine,
		registry: registry,
		catalog:  catalog,
		manager:  manager,
	}
}

// HandleGetSession handles GET /api/session.
func (h *StateHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	status, sess := h.machine.Snapshot()
	resp := SessionStateResponse{
		Status:     status,
		Session:    sess,
		MusicTime:  h.machine.MusicTime(),
		ServerTime: protocol.Millis(h.manager.clock.Now()),
	}
	writeJSON(w, resp)
}

// HandleGetDevices handles GET /api/devices.
func (h *StateHandler) HandleGetDevices(w http.ResponseWriter, r *http.Request) {
	resp := DevicesResponse{
		Devices:    h.registry.Snapshot(),
		ReadyCount: h.registry.CountReady(),
	}
	writeJSON(w, resp)
}

// HandleGetScores handles GET /api/scores.
func (h *StateHandler) HandleGetScores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.catalog.List())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

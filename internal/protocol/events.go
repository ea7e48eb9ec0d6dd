// Package protocol defines the wire messages exchanged between the
// coordinator and display devices. Both the gateway and the session state
// machine depend on it, keeping the two free of import cycles.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ensemblesync/ensemble/internal/score"
)

// EventType identifies a coordinator -> device event.
type EventType string

const (
	EventWelcome     EventType = "welcome"
	EventSyncStart   EventType = "sync_start"
	EventSyncStop    EventType = "sync_stop"
	EventTempoChange EventType = "tempo_change"
	EventPong        EventType = "pong"
	EventAck         EventType = "ack"
)

// Event is the envelope for every coordinator -> device message. ServerTime
// is the coordinator wall clock in epoch milliseconds; devices combine it
// with their latency estimate to correct their own clock.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	ServerTime int64           `json:"serverTime"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// WelcomePayload is sent once per connection, immediately after the
// transport upgrade.
type WelcomePayload struct {
	DeviceID string `json:"deviceId"`
}

// SyncStartPayload starts (or, for late joiners, resumes) playback.
// ElapsedTime is zero for a fresh start and the seconds of music already
// played for a catch-up unicast.
type SyncStartPayload struct {
	Score          *score.Score `json:"score"`
	StartWallClock int64        `json:"startWallClock"`
	BPM            float64      `json:"bpm"`
	ElapsedTime    float64      `json:"elapsedTime"`
}

// SyncStopPayload ends playback. It carries no fields beyond the envelope.
type SyncStopPayload struct{}

// TempoChangePayload announces a live tempo change. WallClockTime is the
// coordinator time the change took effect, in epoch milliseconds.
type TempoChangePayload struct {
	BPM           float64 `json:"bpm"`
	WallClockTime int64   `json:"wallClockTime"`
}

// PongPayload answers a device ping. EchoedTimestamp is the device's own
// ping timestamp, returned untouched so the device can measure round trip
// without trusting either clock.
type PongPayload struct {
	EchoedTimestamp int64 `json:"echoedTimestamp"`
	ServerTime      int64 `json:"serverTime"`
}

// AckPayload is the controller-facing result of a control command.
type AckPayload struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// NewEvent wraps payload into an Event envelope stamped with serverTime.
func NewEvent(eventType EventType, serverTime time.Time, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ServerTime: Millis(serverTime),
		Data:       data,
	}, nil
}

// Millis converts t to epoch milliseconds, the wire representation for all
// timestamps.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts an epoch-milliseconds wire timestamp back to a
// time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

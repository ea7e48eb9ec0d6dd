package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a device -> coordinator message.
type MessageType string

const (
	MessageRegister      MessageType = "register"
	MessagePing          MessageType = "ping"
	MessageLatencyReport MessageType = "latency_report"
	MessageNotePlayed    MessageType = "note_played"
	MessageReady         MessageType = "ready"
	MessageControl       MessageType = "control"
)

// Control actions carried by MessageControl.
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionTempo = "tempo"
)

// Message is the single inbound frame shape. Fields beyond Type are only
// meaningful for the message types that declare them; unknown or missing
// fields are left at their zero values.
type Message struct {
	Type MessageType `json:"type"`

	// register
	Role string `json:"role,omitempty"`

	// ping: device clock in epoch milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`

	// latency_report
	LatencyMs float64 `json:"latencyMs,omitempty"`

	// control
	Action  string  `json:"action,omitempty"`
	ScoreID string  `json:"scoreId,omitempty"`
	BPM     float64 `json:"bpm,omitempty"`
}

// DecodeMessage parses an inbound frame. A frame that is not valid JSON or
// carries no type is malformed; the caller drops it and keeps the
// connection open.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("malformed message: missing type")
	}
	return &msg, nil
}

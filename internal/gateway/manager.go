package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ensemblesync/ensemble/internal/platform/metrics"
	"github.com/ensemblesync/ensemble/internal/protocol"
	"github.com/ensemblesync/ensemble/internal/session"
)

// Config holds WebSocket transport tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool

	// HighLatencyThreshold flags device latency reports above this value.
	HighLatencyThreshold time.Duration
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Displays connect from arbitrary origins on the local network.
			return true
		},
		HighLatencyThreshold: 50 * time.Millisecond,
	}
}

// Manager owns all device WebSocket connections: it upgrades them, pumps
// their reads and writes, dispatches inbound messages to the registry and
// state machine, and implements the session.Broadcaster fan-out.
type Manager struct {
	config   Config
	upgrader websocket.Upgrader
	clock    clockwork.Clock
	registry *session.Registry
	machine  *session.Machine
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*Connection
}

// Connection is one device's WebSocket connection. Writes go through the
// buffered Send channel so a slow or dead device never blocks the rest.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	manager     *Manager
	connectedAt time.Time
}

// NewManager creates a connection manager. Bind must be called with the
// state machine before any connection is accepted.
func NewManager(config Config, registry *session.Registry, met *metrics.Metrics, clock clockwork.Clock) *Manager {
	return &Manager{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		clock:    clock,
		registry: registry,
		metrics:  met,
		conns:    make(map[string]*Connection),
	}
}

// Bind attaches the state machine. Split from the constructor because the
// machine broadcasts through the manager while the manager dispatches
// commands to the machine.
func (m *Manager) Bind(machine *session.Machine) {
	m.machine = machine
}

// HandleWS upgrades an HTTP request to a device WebSocket connection.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		Conn:        ws,
		Send:        make(chan []byte, 256),
		manager:     m,
		connectedAt: m.clock.Now(),
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()
	m.registry.Add(conn.ID)
	m.metrics.SetConnectedDevices(m.registry.Count())

	go conn.writePump()
	go conn.readPump()

	m.sendEvent(conn, protocol.EventWelcome, protocol.WelcomePayload{DeviceID: conn.ID})

	log.Info().
		Str("device_id", conn.ID).
		Str("remote", r.RemoteAddr).
		Msg("device connection established")
}

// Broadcast delivers event to every open connection. The payload is
// marshalled once; a send failure on one connection is isolated, logged,
// and never aborts delivery to the others.
func (m *Manager) Broadcast(event *protocol.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		conn.trySend(data)
	}

	log.Debug().
		Str("event_type", string(event.Type)).
		Int("connections", len(targets)).
		Msg("event broadcast")
}

// Unicast delivers event to a single connection, with the same isolation
// guarantee as Broadcast. Used for late-join catch-up payloads.
func (m *Manager) Unicast(connID string, event *protocol.Event) {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		log.Debug().Str("device_id", connID).Msg("unicast to closed connection, dropping")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for unicast")
		return
	}
	conn.trySend(data)
}

// ConnectionCount returns the number of open connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) sendEvent(conn *Connection, eventType protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(eventType, m.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return
	}
	conn.trySend(data)
}

// unregister removes a connection and its registry entry. Idempotent: the
// read and write pumps both call it on the way out.
func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	if _, exists := m.conns[conn.ID]; !exists {
		m.mu.Unlock()
		return
	}
	delete(m.conns, conn.ID)
	close(conn.Send)
	m.mu.Unlock()

	m.registry.Unregister(conn.ID)
	m.metrics.SetConnectedDevices(m.registry.Count())
	m.metrics.SetReadyDevices(m.registry.CountReady())
}

// trySend queues data without blocking. A full buffer means the device has
// stopped draining; the connection is closed rather than stalling the
// broadcast path.
func (c *Connection) trySend(data []byte) {
	defer func() {
		// Send on a channel closed by a concurrent unregister; the
		// connection is gone either way.
		recover()
	}()

	select {
	case c.Send <- data:
	default:
		log.Warn().
			Str("device_id", c.ID).
			Msg("send buffer full, closing connection")
		c.manager.unregister(c)
		c.Conn.Close()
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("device_id", c.ID).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("device_id", c.ID).
					Msg("unexpected WebSocket close")
			}
			break
		}
		c.manager.handleMessage(c, raw)
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}

// handleMessage dispatches one inbound frame. Malformed frames are dropped
// and logged; the connection stays open.
func (m *Manager) handleMessage(conn *Connection, raw []byte) {
	m.registry.Touch(conn.ID)

	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		log.Warn().
			Err(err).
			Str("device_id", conn.ID).
			Msg("dropping malformed message")
		return
	}

	switch msg.Type {
	case protocol.MessageRegister:
		m.registry.Register(conn.ID, session.ParseRole(msg.Role))
		// A device registering mid-performance needs catch-up state.
		m.machine.HandleJoin(conn.ID)

	case protocol.MessagePing:
		m.sendEvent(conn, protocol.EventPong, protocol.PongPayload{
			EchoedTimestamp: msg.Timestamp,
			ServerTime:      protocol.Millis(m.clock.Now()),
		})

	case protocol.MessageLatencyReport:
		m.registry.RecordLatency(conn.ID, msg.LatencyMs)
		if time.Duration(msg.LatencyMs*float64(time.Millisecond)) > m.config.HighLatencyThreshold {
			m.metrics.IncHighLatencyReports()
			log.Warn().
				Str("device_id", conn.ID).
				Float64("latency_ms", msg.LatencyMs).
				Msg("device reported high latency")
		}

	case protocol.MessageNotePlayed:
		m.machine.NotePlayed()

	case protocol.MessageReady:
		m.registry.MarkReady(conn.ID)
		m.metrics.SetReadyDevices(m.registry.CountReady())

	case protocol.MessageControl:
		m.handleControl(conn, msg)

	default:
		log.Warn().
			Str("device_id", conn.ID).
			Str("type", string(msg.Type)).
			Msg("unknown message type, ignoring")
	}
}

// handleControl applies a controller command and acks the result back to
// the issuing connection only.
func (m *Manager) handleControl(conn *Connection, msg *protocol.Message) {
	var err error
	switch msg.Action {
	case protocol.ActionStart:
		_, err = m.machine.Start(msg.ScoreID, msg.BPM)
	case protocol.ActionStop:
		m.machine.Stop()
	case protocol.ActionTempo:
		err = m.machine.Tempo(msg.BPM)
	default:
		err = fmt.Errorf("unknown control action %q", msg.Action)
	}

	ack := protocol.AckPayload{Action: msg.Action, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
		log.Warn().
			Err(err).
			Str("device_id", conn.ID).
			Str("action", msg.Action).
			Msg("control command failed")
	}
	m.sendEvent(conn, protocol.EventAck, ack)
}

// Package transport owns every message stream above the overlay: a pool of
// labelled bidirectional connections fed by sidecar events, with per-
// connection heartbeats, device identity binding, and automatic reconnects
// for registered outgoing peers.
//
// Connection ids follow a naming scheme: "incoming:<sidecar-id>" for accepted
// streams and "dial:<deviceId>" for outgoing ones.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/pkg/protocol"
	"github.com/weftlabs/weft/pkg/wire"
)

// Direction distinguishes accepted from dialled streams.
type Direction string

const (
	DirIncoming Direction = "incoming"
	DirOutgoing Direction = "outgoing"
)

// Status is a connection's lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Well-known disconnect reasons.
const (
	ReasonServiceStopped   = "service_stopped"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonReplaced         = "replaced"
	ReasonSendFailed       = "send_failed"
)

var (
	// ErrDialTimeout is returned when an outgoing connect is not acknowledged
	// by the sidecar within the dial timeout.
	ErrDialTimeout = errors.New("transport: dial timed out")

	// ErrStopped is returned for operations on a stopped transport.
	ErrStopped = errors.New("transport: stopped")
)

// Conn is an immutable snapshot of one connection row.
type Conn struct {
	ID           string
	DeviceID     string
	Direction    Direction
	RemoteAddr   string
	Status       Status
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Sidecar is the slice of the overlay client the transport drives.
type Sidecar interface {
	Dial(deviceID, hostname, dnsName string, port int) error
	DialClose(deviceID string) error
	DialMessage(deviceID string, frame []byte) error
	WsMessage(connectionID string, frame []byte) error
}

// Hooks receive transport events. Unset hooks are skipped. Hooks are invoked
// without internal locks held; re-entering the transport from a hook is safe.
type Hooks struct {
	OnConnected    func(conn Conn)
	OnDisconnected func(conn Conn, reason string)
	OnEnvelope     func(conn Conn, env *wire.Envelope)
	OnError        func(err error)
}

// Config holds construction parameters for a Manager.
type Config struct {
	Sidecar Sidecar
	Codec   wire.Codec
	Decoder wire.Decoder
	Logger  *slog.Logger
	Hooks   Hooks

	// HeartbeatInterval is the ping cadence per connection. Defaults to 2s.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes a connection idle for longer. Defaults to 5s.
	HeartbeatTimeout time.Duration
	// DialTimeout bounds Connect. Defaults to 10s.
	DialTimeout time.Duration
	// ReconnectInitialDelay seeds the exponential backoff. Defaults to 1s.
	ReconnectInitialDelay time.Duration
	// ReconnectMaxDelay caps the backoff. Defaults to 30s.
	ReconnectMaxDelay time.Duration
}

type conn struct {
	id            string
	sidecarID     string // for incoming rows: the id the sidecar uses
	deviceID      string
	direction     Direction
	remoteAddr    string
	status        Status
	connectedAt   time.Time
	lastActivity  time.Time
	buf           []byte
	stopHeartbeat chan struct{}
}

func (c *conn) snapshot() Conn {
	return Conn{
		ID:           c.id,
		DeviceID:     c.deviceID,
		Direction:    c.direction,
		RemoteAddr:   c.remoteAddr,
		Status:       c.status,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}

// Manager is the connection pool. All state is guarded by one mutex; events
// are dispatched after the mutex is released.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	conns      map[string]*conn
	byDevice   map[string]string // deviceID -> connection id, 1-to-1
	waiters    map[string][]chan error
	reconnects map[string]*reconnectEntry
	stopped    bool
}

// New creates a transport manager.
func New(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		log:        log.With("component", "transport"),
		conns:      make(map[string]*conn),
		byDevice:   make(map[string]string),
		waiters:    make(map[string][]chan error),
		reconnects: make(map[string]*reconnectEntry),
	}
}

// OutgoingConnID returns the pool id for a dialled connection to a device.
func OutgoingConnID(deviceID string) string { return "dial:" + deviceID }

// IncomingConnID returns the pool id for an accepted sidecar stream.
func IncomingConnID(sidecarID string) string { return "incoming:" + sidecarID }

// Connect opens (or returns) the outgoing connection to a device. It is
// idempotent: an already-connected row is returned without issuing a new
// dial. The device is registered in the reconnect ledger, so later drops are
// healed automatically until RemoveReconnect or Stop.
func (m *Manager) Connect(ctx context.Context, deviceID, hostname, dnsName string, port int) (Conn, error) {
	if port == 0 {
		port = 443
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Conn{}, ErrStopped
	}

	m.registerReconnectLocked(deviceID, hostname, dnsName, port)

	id := OutgoingConnID(deviceID)
	if c := m.conns[id]; c != nil && c.status == StatusConnected {
		snap := c.snapshot()
		m.mu.Unlock()
		return snap, nil
	}

	waiter := make(chan error, 1)
	m.waiters[deviceID] = append(m.waiters[deviceID], waiter)

	needDial := m.conns[id] == nil
	if needDial {
		m.conns[id] = &conn{
			id:        id,
			deviceID:  deviceID,
			direction: DirOutgoing,
			status:    StatusConnecting,
		}
		m.byDevice[deviceID] = id
	}
	m.mu.Unlock()

	if needDial {
		if err := m.cfg.Sidecar.Dial(deviceID, hostname, dnsName, port); err != nil {
			m.failDial(deviceID, err.Error())
		}
	}

	select {
	case err := <-waiter:
		if err != nil {
			return Conn{}, err
		}
	case <-time.After(m.cfg.DialTimeout):
		m.failDial(deviceID, "dial timed out")
		return Conn{}, ErrDialTimeout
	case <-ctx.Done():
		m.failDial(deviceID, ctx.Err().Error())
		return Conn{}, ctx.Err()
	}

	m.mu.Lock()
	c := m.conns[id]
	if c == nil {
		m.mu.Unlock()
		return Conn{}, fmt.Errorf("transport: connection to %s lost during connect", deviceID)
	}
	snap := c.snapshot()
	m.mu.Unlock()
	return snap, nil
}

// BindDevice binds a device identity to a connection, once. Binding is how
// an incoming stream becomes addressable by device id; it happens when the
// first device:announce arrives. A stale connection already bound to the same
// device is closed in favor of the new one.
func (m *Manager) BindDevice(connID, deviceID string) error {
	m.mu.Lock()
	c := m.conns[connID]
	if c == nil {
		m.mu.Unlock()
		return fmt.Errorf("transport: unknown connection %s", connID)
	}
	if c.deviceID == deviceID {
		m.mu.Unlock()
		return nil
	}
	if c.deviceID != "" {
		m.mu.Unlock()
		return fmt.Errorf("transport: connection %s already bound to %s", connID, c.deviceID)
	}
	stale := ""
	if other, ok := m.byDevice[deviceID]; ok && other != connID {
		stale = other
	}
	c.deviceID = deviceID
	m.byDevice[deviceID] = connID
	m.mu.Unlock()

	if stale != "" {
		m.closeConn(stale, ReasonReplaced, false)
	}
	return nil
}

// SendRaw writes an already-encoded frame on a connection. Returns false if
// the row is unknown or not connected. A write the sidecar rejects closes the
// connection; the reconnect ledger heals registered peers.
func (m *Manager) SendRaw(connID string, frame []byte) bool {
	m.mu.Lock()
	c := m.conns[connID]
	if c == nil || c.status != StatusConnected {
		m.mu.Unlock()
		return false
	}
	direction := c.direction
	deviceID := c.deviceID
	sidecarID := c.sidecarID
	m.mu.Unlock()

	var err error
	if direction == DirOutgoing {
		err = m.cfg.Sidecar.DialMessage(deviceID, frame)
	} else {
		err = m.cfg.Sidecar.WsMessage(sidecarID, frame)
	}
	if err != nil {
		m.log.Warn("send failed", "connection_id", connID, "error", err)
		m.closeConn(connID, ReasonSendFailed, direction == DirOutgoing)
		return false
	}
	return true
}

// SendEnvelope encodes and sends one envelope on a connection.
func (m *Manager) SendEnvelope(connID string, env *wire.Envelope) bool {
	frame, err := m.cfg.Codec.Encode(env)
	if err != nil {
		m.emitError(fmt.Errorf("encoding envelope for %s: %w", connID, err))
		return false
	}
	return m.SendRaw(connID, frame)
}

// Get returns a snapshot of one connection row.
func (m *Manager) Get(connID string) (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[connID]
	if c == nil {
		return Conn{}, false
	}
	return c.snapshot(), true
}

// ByDevice returns the connection currently bound to a device.
func (m *Manager) ByDevice(deviceID string) (Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDevice[deviceID]
	if !ok {
		return Conn{}, false
	}
	c := m.conns[id]
	if c == nil {
		return Conn{}, false
	}
	return c.snapshot(), true
}

// Conns returns a snapshot of every connection row.
func (m *Manager) Conns() []Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.snapshot())
	}
	return out
}

// Stop closes every connection with reason "service_stopped" and cancels all
// reconnect schedules and heartbeats.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, e := range m.reconnects {
		e.cancelLocked()
	}
	m.reconnects = make(map[string]*reconnectEntry)
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeConn(id, ReasonServiceStopped, false)
	}
}

// --- Sidecar event handlers (wired by the mesh node) ---

// HandleWsConnect inserts an incoming row and starts its heartbeat.
func (m *Manager) HandleWsConnect(sidecarID, remoteAddr string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	id := IncomingConnID(sidecarID)
	now := time.Now()
	c := &conn{
		id:            id,
		sidecarID:     sidecarID,
		direction:     DirIncoming,
		remoteAddr:    remoteAddr,
		status:        StatusConnected,
		connectedAt:   now,
		lastActivity:  now,
		stopHeartbeat: make(chan struct{}),
	}
	m.conns[id] = c
	snap := c.snapshot()
	stop := c.stopHeartbeat
	m.mu.Unlock()

	m.log.Debug("incoming connection", "connection_id", id, "remote", remoteAddr)
	go m.heartbeatLoop(id, stop)
	if m.cfg.Hooks.OnConnected != nil {
		m.cfg.Hooks.OnConnected(snap)
	}
}

// HandleWsMessage feeds frame bytes from an accepted stream.
func (m *Manager) HandleWsMessage(sidecarID string, frame []byte) {
	m.feed(IncomingConnID(sidecarID), frame)
}

// HandleWsDisconnect removes an incoming row.
func (m *Manager) HandleWsDisconnect(sidecarID, reason string) {
	m.closeConn(IncomingConnID(sidecarID), reason, false)
}

// HandleDialConnected resolves a pending outgoing connect.
func (m *Manager) HandleDialConnected(deviceID, remoteAddr string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	id := OutgoingConnID(deviceID)
	c := m.conns[id]
	if c == nil {
		c = &conn{id: id, deviceID: deviceID, direction: DirOutgoing}
		m.conns[id] = c
		m.byDevice[deviceID] = id
	}
	now := time.Now()
	c.status = StatusConnected
	c.remoteAddr = remoteAddr
	c.connectedAt = now
	c.lastActivity = now
	c.stopHeartbeat = make(chan struct{})
	if e := m.reconnects[deviceID]; e != nil {
		e.resetLocked()
	}
	ws := m.waiters[deviceID]
	delete(m.waiters, deviceID)
	snap := c.snapshot()
	stop := c.stopHeartbeat
	m.mu.Unlock()

	m.log.Debug("outgoing connection established", "device_id", deviceID, "remote", remoteAddr)
	go m.heartbeatLoop(id, stop)
	for _, w := range ws {
		w <- nil
	}
	if m.cfg.Hooks.OnConnected != nil {
		m.cfg.Hooks.OnConnected(snap)
	}
}

// HandleDialMessage feeds frame bytes from an outgoing stream.
func (m *Manager) HandleDialMessage(deviceID string, frame []byte) {
	m.feed(OutgoingConnID(deviceID), frame)
}

// HandleDialDisconnect removes an outgoing row and schedules a reconnect when
// the device is registered.
func (m *Manager) HandleDialDisconnect(deviceID, reason string) {
	m.closeConn(OutgoingConnID(deviceID), reason, true)
}

// HandleDialError rejects a pending connect for the device.
func (m *Manager) HandleDialError(deviceID, errMsg string) {
	m.failDial(deviceID, errMsg)
}

// --- internals ---

// failDial removes a pending outgoing row, rejects its waiters, and schedules
// a reconnect when the device is registered.
func (m *Manager) failDial(deviceID, errMsg string) {
	m.mu.Lock()
	id := OutgoingConnID(deviceID)
	c := m.conns[id]
	if c != nil && c.status == StatusConnecting {
		delete(m.conns, id)
		if m.byDevice[deviceID] == id {
			delete(m.byDevice, deviceID)
		}
	}
	ws := m.waiters[deviceID]
	delete(m.waiters, deviceID)
	m.mu.Unlock()

	err := fmt.Errorf("transport: dialing %s: %s", deviceID, errMsg)
	for _, w := range ws {
		w <- err
	}
	m.scheduleReconnect(deviceID)
}

func (m *Manager) closeConn(connID, reason string, scheduleReconnect bool) {
	m.mu.Lock()
	c := m.conns[connID]
	if c == nil {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	if c.deviceID != "" && m.byDevice[c.deviceID] == connID {
		delete(m.byDevice, c.deviceID)
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	wasConnected := c.status == StatusConnected
	c.status = StatusDisconnected
	snap := c.snapshot()
	direction := c.direction
	deviceID := c.deviceID
	m.mu.Unlock()

	m.log.Debug("connection closed", "connection_id", connID, "reason", reason)
	if direction == DirOutgoing && reason == ReasonHeartbeatTimeout {
		// We initiated this close; tell the sidecar to drop the stream.
		_ = m.cfg.Sidecar.DialClose(deviceID)
	}
	if wasConnected && m.cfg.Hooks.OnDisconnected != nil {
		m.cfg.Hooks.OnDisconnected(snap, reason)
	}
	if scheduleReconnect || (direction == DirOutgoing && reason == ReasonHeartbeatTimeout) {
		m.scheduleReconnect(deviceID)
	}
}

// feed appends bytes to a connection's decode buffer and drains every
// complete frame. Heartbeat pings are answered and never surfaced.
func (m *Manager) feed(connID string, frame []byte) {
	m.mu.Lock()
	c := m.conns[connID]
	if c == nil || c.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	c.lastActivity = time.Now()
	c.buf = append(c.buf, frame...)
	envs, consumed, err := m.cfg.Decoder.DecodeAll(c.buf)
	c.buf = append(c.buf[:0:0], c.buf[consumed:]...)
	snap := c.snapshot()
	m.mu.Unlock()

	for _, env := range envs {
		if env.Namespace == protocol.Namespace {
			switch env.Type {
			case protocol.EnvelopePing:
				// Echo the peer's timestamp back.
				payload, _ := wire.NewRaw(m.cfg.Codec.Format, protocol.HeartbeatPayload{Timestamp: env.Timestamp})
				pong := &wire.Envelope{
					Namespace: protocol.Namespace,
					Type:      protocol.EnvelopePong,
					Payload:   payload,
					Timestamp: time.Now().UnixMilli(),
				}
				m.SendEnvelope(connID, pong)
				continue
			case protocol.EnvelopePong:
				continue
			}
		}
		if m.cfg.Hooks.OnEnvelope != nil {
			m.cfg.Hooks.OnEnvelope(snap, env)
		}
	}

	if err != nil {
		m.emitError(fmt.Errorf("decoding frames on %s: %w", connID, err))
		m.closeConn(connID, err.Error(), snap.Direction == DirOutgoing)
	}
}

func (m *Manager) heartbeatLoop(connID string, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		c := m.conns[connID]
		if c == nil || c.status != StatusConnected {
			m.mu.Unlock()
			return
		}
		idle := time.Since(c.lastActivity)
		m.mu.Unlock()

		if idle > m.cfg.HeartbeatTimeout {
			m.closeConn(connID, ReasonHeartbeatTimeout, false)
			return
		}

		ping := &wire.Envelope{
			Namespace: protocol.Namespace,
			Type:      protocol.EnvelopePing,
			Timestamp: time.Now().UnixMilli(),
		}
		m.SendEnvelope(connID, ping)
	}
}

func (m *Manager) emitError(err error) {
	if m.cfg.Hooks.OnError != nil {
		m.cfg.Hooks.OnError(err)
		return
	}
	m.log.Warn("transport error", "error", err)
}

// Package mesh composes the sidecar, transport, device table, election
// coordinator, and message bus into one running node. The node is the
// composition root: it owns every component lifecycle and wires their events
// together; application code talks to the bus and the table, never to the
// transport directly.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/bus"
	"github.com/weftlabs/weft/internal/devices"
	"github.com/weftlabs/weft/internal/election"
	"github.com/weftlabs/weft/internal/sidecar"
	"github.com/weftlabs/weft/internal/transport"
	"github.com/weftlabs/weft/pkg/protocol"
	"github.com/weftlabs/weft/pkg/wire"
)

// Hooks surface node-level events to the embedding application.
type Hooks struct {
	OnStatus           func(status sidecar.StatusData)
	OnAuthRequired     func(authURL string)
	OnRoleChanged      func(role protocol.Role)
	OnDeviceDiscovered func(d protocol.Device)
	OnDeviceOffline    func(d protocol.Device)
	OnDevicesChanged   func(devs []protocol.Device)
	OnPrimaryChanged   func(primaryID string)
	OnError            func(err error)
}

// Config holds construction parameters for a Node.
type Config struct {
	// Device is the local identity. ID, Type, and Name must be set; Hostname
	// is derived when empty.
	Device protocol.Device
	// HostnamePrefix scopes this fleet on the shared tailnet.
	HostnamePrefix string
	// PreferPrimary enters elections as a user-designated candidate.
	PreferPrimary bool
	// Port is the overlay port peers listen on. Defaults to 443.
	Port int

	Format      wire.Format
	Compression bool

	NewSidecar   SidecarFactory
	SidecarStart sidecar.StartParams

	Logger *slog.Logger
	Hooks  Hooks

	// AnnounceInterval is the periodic device:announce cadence. Defaults to 30s.
	AnnounceInterval time.Duration
	// WarmupDelay runs the first peer discovery this long after startup.
	// Defaults to 1s.
	WarmupDelay time.Duration
	// StartupElectionDelay begins an election this long after startup when no
	// primary has been learned, giving discovery time to connect the fleet.
	// Defaults to 3s.
	StartupElectionDelay time.Duration
	// ElectionTimeout and PrimaryLossGrace tune the coordinator.
	ElectionTimeout  time.Duration
	PrimaryLossGrace time.Duration
	// Transport timer overrides, zero means the transport defaults.
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	DialTimeout           time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ChangeDebounce        time.Duration
}

// Node is one device's mesh runtime.
type Node struct {
	cfg   Config
	log   *slog.Logger
	codec wire.Codec

	sidecar   SidecarClient
	transport *transport.Manager
	table     *devices.Table
	bus       *bus.Bus

	mu            sync.Mutex
	running       bool
	startedAt     time.Time
	elect         *election.Coordinator
	lastRole      protocol.Role
	announceStop  chan struct{}
	warmupTimer   *time.Timer
	electionTimer *time.Timer
}

// New wires a stopped node.
func New(cfg Config) (*Node, error) {
	if cfg.Device.ID == "" {
		return nil, fmt.Errorf("mesh: device id is required")
	}
	if cfg.NewSidecar == nil {
		return nil, fmt.Errorf("mesh: sidecar factory is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("device_id", cfg.Device.ID)
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 30 * time.Second
	}
	if cfg.WarmupDelay <= 0 {
		cfg.WarmupDelay = time.Second
	}
	if cfg.StartupElectionDelay <= 0 {
		cfg.StartupElectionDelay = 3 * time.Second
	}
	if cfg.Device.Hostname == "" {
		cfg.Device.Hostname = fmt.Sprintf("%s-%s-%s", cfg.HostnamePrefix, cfg.Device.Type, cfg.Device.ID)
	}
	cfg.Device.Status = protocol.StatusOffline

	n := &Node{cfg: cfg, log: log}

	n.codec = wire.Codec{Format: cfg.Format}
	decoder := wire.Decoder{}
	if cfg.Compression {
		z, err := wire.NewZstd()
		if err != nil {
			return nil, fmt.Errorf("mesh: init compression: %w", err)
		}
		n.codec.Compressor = z
		decoder.Decompressor = z
	}

	n.table = devices.New(devices.Config{
		Local:          cfg.Device,
		HostnamePrefix: cfg.HostnamePrefix,
		Logger:         log,
		ChangeDebounce: cfg.ChangeDebounce,
		Hooks: devices.Hooks{
			OnDiscovered:     n.onDeviceDiscovered,
			OnOffline:        n.onDeviceOffline,
			OnDevicesChanged: cfg.Hooks.OnDevicesChanged,
			OnPrimaryChanged: n.onPrimaryChanged,
			OnLocalChanged:   n.onLocalChanged,
		},
	})

	n.sidecar = cfg.NewSidecar(sidecar.Hooks{
		OnStatus:         n.onSidecarStatus,
		OnAuthRequired:   cfg.Hooks.OnAuthRequired,
		OnPeers:          n.onPeers,
		OnWsConnect:      func(id, addr string) { n.transport.HandleWsConnect(id, addr) },
		OnWsMessage:      func(id string, frame []byte) { n.transport.HandleWsMessage(id, frame) },
		OnWsDisconnect:   func(id, reason string) { n.transport.HandleWsDisconnect(id, reason) },
		OnDialConnected:  func(id, addr string) { n.transport.HandleDialConnected(id, addr) },
		OnDialMessage:    func(id string, frame []byte) { n.transport.HandleDialMessage(id, frame) },
		OnDialDisconnect: func(id, reason string) { n.transport.HandleDialDisconnect(id, reason) },
		OnDialError:      func(id, msg string) { n.transport.HandleDialError(id, msg) },
		OnError:          func(code, msg string) { n.emitError(fmt.Errorf("sidecar: %s: %s", code, msg)) },
	})

	n.transport = transport.New(transport.Config{
		Sidecar:               n.sidecar,
		Codec:                 n.codec,
		Decoder:               decoder,
		Logger:                log,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		DialTimeout:           cfg.DialTimeout,
		ReconnectInitialDelay: cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
		Hooks: transport.Hooks{
			OnConnected:    n.onConnected,
			OnDisconnected: n.onDisconnected,
			OnEnvelope:     n.handleEnvelope,
			OnError:        n.emitError,
		},
	})

	n.bus = bus.New(bus.Config{
		Publisher: n,
		Format:    cfg.Format,
		Logger:    log,
	})

	return n, nil
}

// Bus is the application pub/sub surface.
func (n *Node) Bus() *bus.Bus { return n.bus }

// Devices is the fleet view.
func (n *Node) Devices() *devices.Table { return n.table }

// SidecarStatus reports the overlay state.
func (n *Node) SidecarStatus() sidecar.StatusData { return n.sidecar.Status() }

// IsRunning reports whether Start has succeeded and Stop has not run.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// IsPrimary reports whether the local device currently holds the primary role.
func (n *Node) IsPrimary() bool {
	return n.table.Local().Role == protocol.RolePrimary
}

// PrimaryID returns the known primary device id, or "".
func (n *Node) PrimaryID() string { return n.table.PrimaryID() }

// Start brings the overlay up and joins the fleet.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("mesh: already running")
	}
	n.startedAt = time.Now()
	n.elect = election.New(election.Config{
		DeviceID:         n.cfg.Device.ID,
		StartedAt:        n.startedAt,
		UserDesignated:   n.cfg.PreferPrimary,
		Broadcast:        n.broadcastControl,
		Logger:           n.log,
		ElectionTimeout:  n.cfg.ElectionTimeout,
		PrimaryLossGrace: n.cfg.PrimaryLossGrace,
		Hooks:            election.Hooks{OnDecided: n.onElectionDecided},
	})
	n.mu.Unlock()

	params := n.cfg.SidecarStart
	if params.Hostname == "" {
		params.Hostname = n.table.Local().Hostname
	}
	if params.HostnamePrefix == "" {
		params.HostnamePrefix = n.cfg.HostnamePrefix
	}
	if err := n.sidecar.Start(ctx, params); err != nil {
		return fmt.Errorf("mesh: starting sidecar: %w", err)
	}

	status := n.sidecar.Status()
	n.table.SetLocalOnline(status.IP, status.DNSName)

	n.mu.Lock()
	n.running = true
	n.announceStop = make(chan struct{})
	stop := n.announceStop
	n.warmupTimer = time.AfterFunc(n.cfg.WarmupDelay, n.discoverPeers)
	n.electionTimer = time.AfterFunc(n.cfg.StartupElectionDelay, n.electIfLeaderless)
	n.mu.Unlock()

	go n.announceLoop(stop)
	n.log.Info("node started", "hostname", n.table.Local().Hostname, "ip", status.IP)
	return nil
}

// Stop leaves the fleet and tears everything down: goodbye first so peers
// mark us offline cleanly, then transport and sidecar, then state.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	close(n.announceStop)
	n.announceStop = nil
	if n.warmupTimer != nil {
		n.warmupTimer.Stop()
		n.warmupTimer = nil
	}
	if n.electionTimer != nil {
		n.electionTimer.Stop()
		n.electionTimer = nil
	}
	elect := n.elect
	n.lastRole = ""
	n.mu.Unlock()

	n.broadcastControl(protocol.MsgDeviceGoodbye, "", protocol.GoodbyePayload{
		DeviceID: n.cfg.Device.ID,
		Reason:   "shutdown",
	})
	n.transport.Stop()
	err := n.sidecar.Stop(ctx)
	n.table.SetLocalOffline()
	if elect != nil {
		elect.Reset()
	}
	n.table.Reset()
	n.log.Info("node stopped")
	if err != nil {
		return fmt.Errorf("mesh: stopping sidecar: %w", err)
	}
	return nil
}

func (n *Node) announceLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(n.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n.announce()
			// The sidecar only reports the tailnet on demand, so discovery
			// repeats on the announce cadence. Late joiners sort after every
			// established device in the worst case and then dial nobody; they
			// are only found when the rest of the fleet polls again.
			n.discoverPeers()
		}
	}
}

// announce broadcasts the local device to every connection.
func (n *Node) announce() {
	n.broadcastControl(protocol.MsgDeviceAnnounce, "", protocol.AnnouncePayload{Device: n.table.Local()})
}

// discoverPeers asks the sidecar for the tailnet listing; the peers event
// lands in the device table and discovery hooks dial from there. Runs once
// after warmup and again on every announce tick.
func (n *Node) discoverPeers() {
	if !n.IsRunning() {
		return
	}
	if err := n.sidecar.RequestPeers(); err != nil {
		n.emitError(fmt.Errorf("mesh: requesting peers: %w", err))
	}
}

// electIfLeaderless starts a round when discovery produced no primary.
func (n *Node) electIfLeaderless() {
	if !n.IsRunning() || n.table.PrimaryID() != "" {
		return
	}
	if e := n.coordinator(); e != nil {
		e.HandleNoPrimaryOnStartup()
	}
}

func (n *Node) coordinator() *election.Coordinator {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.elect
}

// --- outbound paths ---

// SendEnvelope delivers an application envelope to one device: loopback for
// the local id, a direct connection when one exists, otherwise via the
// primary. Returns false when none of those routes exist.
func (n *Node) SendEnvelope(targetDeviceID string, env *wire.Envelope) bool {
	local := n.table.Local()
	if targetDeviceID == local.ID {
		n.surface(bus.Message{
			From:      local.ID,
			Namespace: env.Namespace,
			Type:      env.Type,
			Payload:   env.Payload,
		})
		return true
	}
	if conn, ok := n.transport.ByDevice(targetDeviceID); ok {
		return n.transport.SendEnvelope(conn.ID, env)
	}
	// No direct link: hand it to the primary for relay.
	primaryID := n.table.PrimaryID()
	if local.Role == protocol.RoleSecondary && primaryID != "" {
		if conn, ok := n.transport.ByDevice(primaryID); ok {
			return n.sendRoute(conn.ID, protocol.EnvelopeRouteMessage, protocol.RoutePayload{
				TargetDeviceID: targetDeviceID,
				FromDeviceID:   local.ID,
				Envelope:       *env,
			})
		}
	}
	n.log.Debug("no route to device", "target", targetDeviceID)
	return false
}

// BroadcastEnvelope delivers an application envelope to the whole fleet and
// surfaces it locally. A primary fans out directly; a secondary relays
// through the primary, which excludes the origin on the way back out.
func (n *Node) BroadcastEnvelope(env *wire.Envelope) bool {
	local := n.table.Local()
	n.surface(bus.Message{
		From:      local.ID,
		Namespace: env.Namespace,
		Type:      env.Type,
		Payload:   env.Payload,
	})

	if local.Role == protocol.RolePrimary {
		for _, conn := range n.transport.Conns() {
			if conn.DeviceID != "" && conn.Status == transport.StatusConnected {
				n.transport.SendEnvelope(conn.ID, env)
			}
		}
		return true
	}

	primaryID := n.table.PrimaryID()
	if primaryID != "" {
		if conn, ok := n.transport.ByDevice(primaryID); ok {
			return n.sendRoute(conn.ID, protocol.EnvelopeRouteBroadcast, protocol.RoutePayload{
				FromDeviceID: local.ID,
				Envelope:     *env,
			})
		}
	}
	// Leaderless: reach whoever we can see directly.
	sent := false
	for _, conn := range n.transport.Conns() {
		if conn.DeviceID != "" && conn.Status == transport.StatusConnected {
			sent = n.transport.SendEnvelope(conn.ID, env) || sent
		}
	}
	return sent
}

func (n *Node) sendRoute(connID, envType string, payload protocol.RoutePayload) bool {
	raw, err := wire.NewRaw(n.cfg.Format, payload)
	if err != nil {
		n.emitError(fmt.Errorf("mesh: encoding route payload: %w", err))
		return false
	}
	return n.transport.SendEnvelope(connID, &wire.Envelope{
		Namespace: protocol.Namespace,
		Type:      envType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// broadcastControl sends one control message to every connection, bound or
// not. Announces are how unbound connections become bound on the far side.
func (n *Node) broadcastControl(typ protocol.MessageType, correlationID string, payload any) {
	frame, err := n.controlFrame(typ, correlationID, payload)
	if err != nil {
		n.emitError(err)
		return
	}
	for _, conn := range n.transport.Conns() {
		if conn.Status == transport.StatusConnected {
			n.transport.SendRaw(conn.ID, frame)
		}
	}
}

// sendControl sends one control message on one connection.
func (n *Node) sendControl(connID string, typ protocol.MessageType, payload any) {
	frame, err := n.controlFrame(typ, "", payload)
	if err != nil {
		n.emitError(err)
		return
	}
	n.transport.SendRaw(connID, frame)
}

func (n *Node) controlFrame(typ protocol.MessageType, correlationID string, payload any) ([]byte, error) {
	msg := protocol.MeshMessage{
		Type:          typ,
		From:          n.cfg.Device.ID,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
	}
	if payload != nil {
		raw, err := wire.NewRaw(n.cfg.Format, payload)
		if err != nil {
			return nil, fmt.Errorf("mesh: encoding %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	body, err := wire.NewRaw(n.cfg.Format, msg)
	if err != nil {
		return nil, fmt.Errorf("mesh: encoding %s: %w", typ, err)
	}
	return n.codec.Encode(&wire.Envelope{
		Namespace: protocol.Namespace,
		Type:      protocol.EnvelopeMessage,
		Payload:   body,
		Timestamp: msg.Timestamp,
	})
}

// surface hands an application message to the bus.
func (n *Node) surface(msg bus.Message) {
	n.bus.Dispatch(msg)
}

func (n *Node) emitError(err error) {
	if h := n.cfg.Hooks.OnError; h != nil {
		h(err)
		return
	}
	n.log.Warn("mesh error", "error", err)
}

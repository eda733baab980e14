package mesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/weftlabs/weft/internal/bus"
	"github.com/weftlabs/weft/internal/devices"
	"github.com/weftlabs/weft/internal/sidecar"
	"github.com/weftlabs/weft/internal/transport"
	"github.com/weftlabs/weft/pkg/protocol"
	"github.com/weftlabs/weft/pkg/wire"
)

// --- sidecar events ---

func (n *Node) onSidecarStatus(status sidecar.StatusData) {
	if status.State == sidecar.StateRunning && n.IsRunning() {
		n.table.SetLocalOnline(status.IP, status.DNSName)
	}
	if h := n.cfg.Hooks.OnStatus; h != nil {
		h(status)
	}
}

func (n *Node) onPeers(peers []sidecar.TailnetPeer) {
	converted := make([]devices.Peer, 0, len(peers))
	for _, p := range peers {
		ip := ""
		if len(p.TailscaleIPs) > 0 {
			ip = p.TailscaleIPs[0]
		}
		converted = append(converted, devices.Peer{
			Hostname: p.Hostname,
			DNSName:  p.DNSName,
			IP:       ip,
			Online:   p.Online,
			OS:       p.OS,
		})
	}
	n.table.SetPeers(converted)
}

// --- device table events ---

// onDeviceDiscovered dials the newcomer when we are the designated dialer.
// Exactly one side of each pair dials, keyed by id order, so the 1-to-1
// device binding never sees competing links.
func (n *Node) onDeviceDiscovered(d protocol.Device) {
	if n.IsRunning() && strings.Compare(n.cfg.Device.ID, d.ID) < 0 {
		go func() {
			if _, err := n.transport.Connect(context.Background(), d.ID, d.Hostname, d.DNSName, n.cfg.Port); err != nil {
				n.log.Debug("dial failed", "device_id", d.ID, "error", err)
			}
		}()
	}
	if h := n.cfg.Hooks.OnDeviceDiscovered; h != nil {
		h(d)
	}
}

func (n *Node) onDeviceOffline(d protocol.Device) {
	if h := n.cfg.Hooks.OnDeviceOffline; h != nil {
		h(d)
	}
}

func (n *Node) onPrimaryChanged(primaryID string) {
	if primaryID == "" && n.IsRunning() {
		if e := n.coordinator(); e != nil {
			e.HandlePrimaryLost(primaryID)
		}
	}
	if h := n.cfg.Hooks.OnPrimaryChanged; h != nil {
		h(primaryID)
	}
}

// onLocalChanged re-announces, tracks role transitions, and seeds the fleet
// with a device:list when we just became primary.
func (n *Node) onLocalChanged(d protocol.Device) {
	if !n.IsRunning() {
		return
	}
	n.mu.Lock()
	roleChanged := d.Role != n.lastRole
	n.lastRole = d.Role
	n.mu.Unlock()

	n.announce()
	if !roleChanged {
		return
	}
	n.log.Info("role changed", "role", string(d.Role))
	if d.Role == protocol.RolePrimary {
		n.broadcastDeviceList()
	}
	if h := n.cfg.Hooks.OnRoleChanged; h != nil {
		h(d.Role)
	}
}

func (n *Node) broadcastDeviceList() {
	n.broadcastControl(protocol.MsgDeviceList, "", protocol.DeviceListPayload{
		Devices:   n.table.All(),
		PrimaryID: n.table.PrimaryID(),
	})
}

// --- election events ---

func (n *Node) onElectionDecided(primaryID, reason string) {
	n.log.Info("election settled", "primary_id", primaryID, "reason", reason)
	// SetPrimary recomputes roles; becoming primary triggers the device:list
	// seed through onLocalChanged.
	n.table.SetPrimary(primaryID)
}

// --- transport events ---

// onConnected introduces ourselves on every new link. The announce is what
// binds the connection to our device id on the far side; a primary also
// seeds the newcomer with the device table.
func (n *Node) onConnected(conn transport.Conn) {
	n.sendControl(conn.ID, protocol.MsgDeviceAnnounce, protocol.AnnouncePayload{Device: n.table.Local()})
	if n.IsPrimary() {
		local := n.table.Local()
		n.sendControl(conn.ID, protocol.MsgDeviceList, protocol.DeviceListPayload{
			Devices:   n.table.All(),
			PrimaryID: local.ID,
		})
	}
}

func (n *Node) onDisconnected(conn transport.Conn, reason string) {
	if conn.DeviceID == "" {
		return
	}
	switch reason {
	case transport.ReasonReplaced, transport.ReasonServiceStopped:
		return
	}
	n.table.MarkOffline(conn.DeviceID)
}

// handleEnvelope dispatches one decoded envelope from the transport. Control
// traffic stays internal; anything else surfaces on the bus attributed to
// the connection's bound device.
func (n *Node) handleEnvelope(conn transport.Conn, env *wire.Envelope) {
	if env.Namespace != protocol.Namespace {
		n.surface(bus.Message{
			From:         conn.DeviceID,
			ConnectionID: conn.ID,
			Namespace:    env.Namespace,
			Type:         env.Type,
			Payload:      env.Payload,
		})
		return
	}

	switch env.Type {
	case protocol.EnvelopeMessage:
		var msg protocol.MeshMessage
		if err := env.Payload.Decode(&msg); err != nil {
			n.emitError(fmt.Errorf("mesh: decoding control message: %w", err))
			return
		}
		n.handleControl(conn, &msg)
	case protocol.EnvelopeRouteMessage, protocol.EnvelopeRouteBroadcast:
		var route protocol.RoutePayload
		if err := env.Payload.Decode(&route); err != nil {
			n.emitError(fmt.Errorf("mesh: decoding route payload: %w", err))
			return
		}
		n.handleRoute(conn, env.Type, route)
	default:
		n.log.Warn("unknown control envelope type", "type", env.Type)
	}
}

// handleControl runs one control-plane message through the table and the
// coordinator. The payload is validated against the closed vocabulary first.
func (n *Node) handleControl(conn transport.Conn, msg *protocol.MeshMessage) {
	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		n.emitError(err)
		n.sendControl(conn.ID, protocol.MsgError, protocol.ErrorPayload{
			Code:    "bad_message",
			Message: err.Error(),
		})
		return
	}

	switch msg.Type {
	case protocol.MsgDeviceAnnounce, protocol.MsgDeviceUpdate:
		p := payload.(*protocol.AnnouncePayload)
		// First announce on a connection binds it to the sender.
		if conn.DeviceID == "" && p.Device.ID != "" {
			if err := n.transport.BindDevice(conn.ID, p.Device.ID); err != nil {
				n.log.Warn("bind failed", "connection_id", conn.ID, "error", err)
			}
		}
		n.table.HandleAnnounce(msg.From, *p)
	case protocol.MsgDeviceList:
		p := payload.(*protocol.DeviceListPayload)
		local := n.table.Local()
		if p.PrimaryID != "" && p.PrimaryID != local.ID && local.Role == protocol.RolePrimary &&
			strings.Compare(local.ID, p.PrimaryID) < 0 {
			// Two primaries met: a healed partition, or a late joiner that
			// elected itself before the fleet found it. The smaller device id
			// keeps the role, mirroring the election tie-break; reasserting
			// makes the other side step down.
			n.log.Warn("conflicting primary claim", "claimed", p.PrimaryID, "from", msg.From)
			n.sendControl(conn.ID, protocol.MsgDeviceList, protocol.DeviceListPayload{
				Devices:   n.table.All(),
				PrimaryID: local.ID,
			})
			return
		}
		n.table.HandleDeviceList(msg.From, *p)
		if e := n.coordinator(); e != nil {
			e.SetPrimary(p.PrimaryID)
		}
	case protocol.MsgDeviceGoodbye:
		p := payload.(*protocol.GoodbyePayload)
		id := p.DeviceID
		if id == "" {
			id = msg.From
		}
		n.transport.RemoveReconnect(id)
		n.table.HandleGoodbye(msg.From, *p)
	case protocol.MsgElectionStart:
		if e := n.coordinator(); e != nil {
			e.HandleElectionStart(msg.From, msg.CorrelationID)
		}
	case protocol.MsgElectionCandidate, protocol.MsgElectionVote:
		if e := n.coordinator(); e != nil {
			e.HandleCandidate(msg.From, *payload.(*protocol.CandidatePayload))
		}
	case protocol.MsgElectionResult:
		if e := n.coordinator(); e != nil {
			e.HandleResult(msg.From, *payload.(*protocol.ResultPayload))
		}
	case protocol.MsgError:
		p := payload.(*protocol.ErrorPayload)
		n.log.Warn("peer reported error", "from", msg.From, "code", p.Code, "message", p.Message)
	default:
		n.log.Warn("unhandled control message", "type", string(msg.Type), "from", msg.From)
	}
}

// handleRoute serves relayed application traffic. Relaying is the primary's
// job: a non-primary node only accepts route envelopes arriving from the
// primary itself, anything else is dropped with a warning.
func (n *Node) handleRoute(conn transport.Conn, envType string, route protocol.RoutePayload) {
	local := n.table.Local()
	if local.Role != protocol.RolePrimary {
		if conn.DeviceID == "" || conn.DeviceID != n.table.PrimaryID() {
			n.log.Warn("route request while not primary", "connection_id", conn.ID, "from", conn.DeviceID)
			return
		}
		// Forwarded by the primary: deliver locally.
		if route.FromDeviceID == local.ID {
			return
		}
		n.surface(bus.Message{
			From:         route.FromDeviceID,
			ConnectionID: conn.ID,
			Namespace:    route.Envelope.Namespace,
			Type:         route.Envelope.Type,
			Payload:      route.Envelope.Payload,
		})
		return
	}

	switch envType {
	case protocol.EnvelopeRouteMessage:
		if route.TargetDeviceID == "" || route.TargetDeviceID == local.ID {
			n.surface(bus.Message{
				From:         route.FromDeviceID,
				ConnectionID: conn.ID,
				Namespace:    route.Envelope.Namespace,
				Type:         route.Envelope.Type,
				Payload:      route.Envelope.Payload,
			})
			return
		}
		target, ok := n.transport.ByDevice(route.TargetDeviceID)
		if !ok {
			n.log.Warn("route target unreachable", "target", route.TargetDeviceID, "from", route.FromDeviceID)
			n.sendControl(conn.ID, protocol.MsgError, protocol.ErrorPayload{
				Code:    "route_failed",
				Message: fmt.Sprintf("no connection to %s", route.TargetDeviceID),
			})
			return
		}
		n.sendRoute(target.ID, protocol.EnvelopeRouteMessage, route)
	case protocol.EnvelopeRouteBroadcast:
		// Surface at the relay too; the origin is excluded from the fan-out
		// because it already looped back locally.
		n.surface(bus.Message{
			From:         route.FromDeviceID,
			ConnectionID: conn.ID,
			Namespace:    route.Envelope.Namespace,
			Type:         route.Envelope.Type,
			Payload:      route.Envelope.Payload,
		})
		for _, c := range n.transport.Conns() {
			if c.Status != transport.StatusConnected || c.DeviceID == "" {
				continue
			}
			if c.ID == conn.ID || c.DeviceID == route.FromDeviceID {
				continue
			}
			n.sendRoute(c.ID, protocol.EnvelopeRouteBroadcast, route)
		}
	}
}

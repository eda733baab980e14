// Package protocol defines the weft control-plane message vocabulary.
//
// Control traffic rides the reserved "mesh" envelope namespace. Regular
// control messages use envelope type "message" wrapping a MeshMessage with a
// type discriminator from a closed set; routed application traffic uses the
// "route:message" / "route:broadcast" envelope types; heartbeats use "ping" /
// "pong". Unknown control message types are rejected at the boundary.
package protocol

import (
	"fmt"

	"github.com/weftlabs/weft/pkg/wire"
)

// Namespace is the reserved envelope namespace for control-plane traffic.
const Namespace = "mesh"

// Envelope types on the control namespace.
const (
	EnvelopeMessage        = "message"
	EnvelopeRouteMessage   = "route:message"
	EnvelopeRouteBroadcast = "route:broadcast"
	EnvelopePing           = "ping"
	EnvelopePong           = "pong"
)

// MessageType discriminates control-plane messages.
type MessageType string

const (
	MsgDeviceAnnounce    MessageType = "device:announce"
	MsgDeviceUpdate      MessageType = "device:update"
	MsgDeviceGoodbye     MessageType = "device:goodbye"
	MsgDeviceList        MessageType = "device:list"
	MsgElectionStart     MessageType = "election:start"
	MsgElectionCandidate MessageType = "election:candidate"
	MsgElectionVote      MessageType = "election:vote"
	MsgElectionResult    MessageType = "election:result"
	MsgRouteMessage      MessageType = "route:message"
	MsgRouteBroadcast    MessageType = "route:broadcast"
	MsgPing              MessageType = "ping"
	MsgPong              MessageType = "pong"
	MsgError             MessageType = "error"
)

// MeshMessage is the control-plane unit carried in an EnvelopeMessage payload.
type MeshMessage struct {
	Type          MessageType `json:"type" msgpack:"type"`
	From          string      `json:"from" msgpack:"from"`
	To            string      `json:"to,omitempty" msgpack:"to,omitempty"`
	Timestamp     int64       `json:"timestamp" msgpack:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
	Payload       wire.Raw    `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// payloadTypes maps each control message type to a factory for its concrete
// payload, or nil for payload-free messages.
var payloadTypes = map[MessageType]func() any{
	MsgDeviceAnnounce:    func() any { return &AnnouncePayload{} },
	MsgDeviceUpdate:      func() any { return &AnnouncePayload{} },
	MsgDeviceGoodbye:     func() any { return &GoodbyePayload{} },
	MsgDeviceList:        func() any { return &DeviceListPayload{} },
	MsgElectionStart:     nil,
	MsgElectionCandidate: func() any { return &CandidatePayload{} },
	MsgElectionVote:      func() any { return &CandidatePayload{} },
	MsgElectionResult:    func() any { return &ResultPayload{} },
	MsgRouteMessage:      func() any { return &RoutePayload{} },
	MsgRouteBroadcast:    func() any { return &RoutePayload{} },
	MsgPing:              func() any { return &HeartbeatPayload{} },
	MsgPong:              func() any { return &HeartbeatPayload{} },
	MsgError:             func() any { return &ErrorPayload{} },
}

// DecodePayload validates msg against the closed set and decodes its payload
// into the concrete type for msg.Type. Messages without payloads return nil.
func DecodePayload(msg *MeshMessage) (any, error) {
	factory, ok := payloadTypes[msg.Type]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown message type %q", msg.Type)
	}
	if factory == nil {
		return nil, nil
	}
	if msg.Payload.IsZero() {
		return nil, fmt.Errorf("protocol: %s message without payload", msg.Type)
	}
	v := factory()
	if err := msg.Payload.Decode(v); err != nil {
		return nil, fmt.Errorf("protocol: decoding %s payload: %w", msg.Type, err)
	}
	return v, nil
}

// AnnouncePayload carries a device's self-description for device:announce and
// device:update.
type AnnouncePayload struct {
	Device Device `json:"device" msgpack:"device"`
}

// GoodbyePayload announces an orderly departure.
type GoodbyePayload struct {
	DeviceID string `json:"deviceId" msgpack:"deviceId"`
	Reason   string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// DeviceListPayload is the primary's snapshot of the device table.
type DeviceListPayload struct {
	Devices   []Device `json:"devices" msgpack:"devices"`
	PrimaryID string   `json:"primaryId" msgpack:"primaryId"`
}

// CandidatePayload is one device's claim in an election round. It doubles as
// the election:vote payload.
type CandidatePayload struct {
	DeviceID string `json:"deviceId" msgpack:"deviceId"`
	// UptimeMs is how long the candidate's node has been running.
	UptimeMs       int64 `json:"uptime" msgpack:"uptime"`
	UserDesignated bool  `json:"userDesignated" msgpack:"userDesignated"`
}

// ResultPayload declares the decided primary.
type ResultPayload struct {
	PrimaryID string `json:"primaryId" msgpack:"primaryId"`
	Reason    string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// HeartbeatPayload carries the sender's clock; a pong echoes the ping's value.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp" msgpack:"timestamp"`
}

// ErrorPayload reports a control-plane error to a peer.
type ErrorPayload struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// RoutePayload wraps an application envelope travelling through the primary.
// TargetDeviceID is set for route:message and empty for route:broadcast;
// FromDeviceID names the origin so the final receiver can attribute the
// message.
type RoutePayload struct {
	TargetDeviceID string        `json:"targetDeviceId,omitempty" msgpack:"targetDeviceId,omitempty"`
	FromDeviceID   string        `json:"fromDeviceId" msgpack:"fromDeviceId"`
	Envelope       wire.Envelope `json:"envelope" msgpack:"envelope"`
}

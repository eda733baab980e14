package sidecar

import "encoding/json"

// Command types sent to the sidecar over stdin.
const (
	CmdStart       = "tsnet:start"
	CmdStop        = "tsnet:stop"
	CmdWsMessage   = "tsnet:wsMessage"
	CmdGetPeers    = "tsnet:getPeers"
	CmdDial        = "tsnet:dial"
	CmdDialClose   = "tsnet:dialClose"
	CmdDialMessage = "tsnet:dialMessage"
)

// Event types received from the sidecar over stdout.
const (
	EvtStatus         = "tsnet:status"
	EvtAuthRequired   = "tsnet:authRequired"
	EvtPeers          = "tsnet:peers"
	EvtWsConnect      = "tsnet:wsConnect"
	EvtWsMessage      = "tsnet:wsMessage"
	EvtWsDisconnect   = "tsnet:wsDisconnect"
	EvtDialConnected  = "tsnet:dialConnected"
	EvtDialMessage    = "tsnet:dialMessage"
	EvtDialDisconnect = "tsnet:dialDisconnect"
	EvtDialError      = "tsnet:dialError"
	EvtError          = "tsnet:error"
)

// State values carried by EvtStatus.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateError    = "error"
)

// Command is one line written to the sidecar's stdin.
type Command struct {
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
}

// Event is one line read from the sidecar's stdout.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartData asks the sidecar to join the overlay.
type StartData struct {
	Hostname       string `json:"hostname"`
	StateDir       string `json:"stateDir"`
	AuthKey        string `json:"authKey,omitempty"`
	StaticPath     string `json:"staticPath,omitempty"`
	HostnamePrefix string `json:"hostnamePrefix,omitempty"`
}

// WsMessageData carries a payload for an accepted stream, in both directions.
type WsMessageData struct {
	ConnectionID string `json:"connectionId"`
	Data         string `json:"data"`
}

// DialData asks the sidecar to open an outgoing stream.
type DialData struct {
	DeviceID string `json:"deviceId"`
	Hostname string `json:"hostname"`
	DNSName  string `json:"dnsName,omitempty"`
	Port     int    `json:"port"`
}

// DialCloseData closes an outgoing stream.
type DialCloseData struct {
	DeviceID string `json:"deviceId"`
}

// DialMessageData carries a payload for an outgoing stream, in both directions.
type DialMessageData struct {
	DeviceID string `json:"deviceId"`
	Data     string `json:"data"`
}

// StatusData reports the sidecar's overlay state.
type StatusData struct {
	State    string `json:"state"`
	Hostname string `json:"hostname,omitempty"`
	DNSName  string `json:"dnsName,omitempty"`
	IP       string `json:"ip,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AuthRequiredData carries the interactive login URL.
type AuthRequiredData struct {
	AuthURL string `json:"authUrl"`
}

// TailnetPeer is one entry in the sidecar's peer listing.
type TailnetPeer struct {
	ID           string   `json:"id"`
	Hostname     string   `json:"hostname"`
	DNSName      string   `json:"dnsName"`
	TailscaleIPs []string `json:"tailscaleIPs"`
	Online       bool     `json:"online"`
	OS           string   `json:"os,omitempty"`
}

// PeersData is the payload of EvtPeers.
type PeersData struct {
	Peers []TailnetPeer `json:"peers"`
}

// WsConnectData announces a newly accepted stream.
type WsConnectData struct {
	ConnectionID string `json:"connectionId"`
	RemoteAddr   string `json:"remoteAddr"`
}

// WsDisconnectData announces a closed accepted stream.
type WsDisconnectData struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason,omitempty"`
}

// DialConnectedData announces an established outgoing stream.
type DialConnectedData struct {
	DeviceID   string `json:"deviceId"`
	RemoteAddr string `json:"remoteAddr"`
}

// DialDisconnectData announces a closed outgoing stream.
type DialDisconnectData struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason,omitempty"`
}

// DialErrorData reports a failed outgoing dial.
type DialErrorData struct {
	DeviceID string `json:"deviceId"`
	Error    string `json:"error"`
}

// ErrorData reports a sidecar-level error.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package protocol

// Role is a device's position in the logical star.
type Role string

const (
	RoleNone      Role = ""
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Status is a device's liveness as seen by the local table.
type Status string

const (
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
)

// Device is the wire representation of one participant in the mesh.
//
// ID is stable and immutable; Hostname is deterministic from
// {prefix}-{type}-{id}. Timestamps are milliseconds since the Unix epoch.
type Device struct {
	ID           string            `json:"id" msgpack:"id"`
	Type         string            `json:"type" msgpack:"type"`
	Name         string            `json:"name,omitempty" msgpack:"name,omitempty"`
	Hostname     string            `json:"hostname" msgpack:"hostname"`
	DNSName      string            `json:"dnsName,omitempty" msgpack:"dnsName,omitempty"`
	IP           string            `json:"ip,omitempty" msgpack:"ip,omitempty"`
	Role         Role              `json:"role,omitempty" msgpack:"role,omitempty"`
	Status       Status            `json:"status,omitempty" msgpack:"status,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	LastSeen     int64             `json:"lastSeen,omitempty" msgpack:"lastSeen,omitempty"`
	StartedAt    int64             `json:"startedAt,omitempty" msgpack:"startedAt,omitempty"`
	OS           string            `json:"os,omitempty" msgpack:"os,omitempty"`
}

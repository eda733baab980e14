package mesh

import (
	"context"

	"github.com/weftlabs/weft/internal/sidecar"
)

// SidecarClient is the overlay process contract the node drives. Satisfied
// by *sidecar.Client; tests substitute an in-memory network.
type SidecarClient interface {
	Start(ctx context.Context, params sidecar.StartParams) error
	Stop(ctx context.Context) error
	Status() sidecar.StatusData
	RequestPeers() error
	Dial(deviceID, hostname, dnsName string, port int) error
	DialClose(deviceID string) error
	DialMessage(deviceID string, frame []byte) error
	WsMessage(connectionID string, frame []byte) error
}

// SidecarFactory builds the sidecar client with the node's event hooks
// installed. The indirection exists because hooks are fixed at construction
// time and the node is the one receiving them.
type SidecarFactory func(hooks sidecar.Hooks) SidecarClient

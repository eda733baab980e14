// Package storesync replicates per-device state slices across the fleet.
// Each application store owns one slice per device; the adapter gossips
// snapshots over the bus namespace "sync" and applies inbound ones through a
// strictly-increasing version gate. The adapter holds no slice data itself.
package storesync

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/weftlabs/weft/internal/bus"
	"github.com/weftlabs/weft/pkg/wire"
)

// Namespace carries all slice replication traffic.
const Namespace = "sync"

// Message vocabulary on the sync namespace. Closed set; anything else is
// rejected at the boundary.
const (
	MsgFull    = "store:sync:full"
	MsgUpdate  = "store:sync:update"
	MsgRequest = "store:sync:request"
	MsgClear   = "store:sync:clear"
)

// Slice is one device's snapshot in one store.
type Slice struct {
	DeviceID  string   `json:"deviceId" msgpack:"deviceId"`
	Data      wire.Raw `json:"data" msgpack:"data"`
	Version   int64    `json:"version" msgpack:"version"`
	UpdatedAt int64    `json:"updatedAt" msgpack:"updatedAt"`
}

// SlicePayload carries a full or incremental snapshot.
type SlicePayload struct {
	StoreID string `json:"storeId" msgpack:"storeId"`
	Slice   Slice  `json:"slice" msgpack:"slice"`
}

// RequestPayload asks for full snapshots of one store. When FromDeviceID is
// set only that device responds.
type RequestPayload struct {
	StoreID      string `json:"storeId" msgpack:"storeId"`
	FromDeviceID string `json:"fromDeviceId,omitempty" msgpack:"fromDeviceId,omitempty"`
}

// ClearPayload evicts one device's slice from one store.
type ClearPayload struct {
	StoreID  string `json:"storeId" msgpack:"storeId"`
	DeviceID string `json:"deviceId" msgpack:"deviceId"`
	Reason   string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// Store is the application-side contract. The store owns all slice data;
// the adapter only moves snapshots in and out.
type Store interface {
	// GetLocalSlice returns this device's slice, or nil when there is
	// nothing to share yet.
	GetLocalSlice() *Slice
	// RemoteSliceVersion reports the version currently held for a device.
	RemoteSliceVersion(deviceID string) (int64, bool)
	ApplyRemoteSlice(s Slice)
	RemoveRemoteSlice(deviceID, reason string)
	ClearRemoteSlices()
	// OnLocalChanged registers a listener for local slice changes and
	// returns its remover.
	OnLocalChanged(fn func(s Slice)) (remove func())
}

// Bus is the slice of the message bus the adapter uses.
type Bus interface {
	Subscribe(namespace string, h bus.Handler) func()
	Broadcast(namespace, msgType string, payload any) bool
}

// Config holds construction parameters for an Adapter.
type Config struct {
	LocalDeviceID string
	Stores        map[string]Store
	Bus           Bus
	Logger        *slog.Logger
}

// Adapter wires a set of stores to the sync namespace.
type Adapter struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	started     bool
	disposed    bool
	unsubscribe func()
	removers    []func()
}

// New creates a stopped adapter.
func New(cfg Config) *Adapter {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{cfg: cfg, log: log.With("component", "storesync")}
}

// Start subscribes, hooks local changes, then asks the fleet for snapshots
// and offers our own. No-op when already started or disposed.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.started || a.disposed {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.unsubscribe = a.cfg.Bus.Subscribe(Namespace, a.handle)
	for storeID, store := range a.cfg.Stores {
		id := storeID
		a.removers = append(a.removers, store.OnLocalChanged(func(s Slice) {
			a.cfg.Bus.Broadcast(Namespace, MsgUpdate, SlicePayload{StoreID: id, Slice: s})
		}))
	}
	a.mu.Unlock()

	for storeID := range a.cfg.Stores {
		a.cfg.Bus.Broadcast(Namespace, MsgRequest, RequestPayload{StoreID: storeID})
	}
	a.broadcastLocalSlices("")
}

// Dispose tears the adapter down: listeners removed, subscription dropped,
// remote slices cleared. Safe to call twice; a disposed adapter stays inert
// and a later Start is a no-op.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	started := a.started
	a.started = false
	unsub := a.unsubscribe
	a.unsubscribe = nil
	removers := a.removers
	a.removers = nil
	a.mu.Unlock()

	if !started {
		return
	}
	for _, remove := range removers {
		remove()
	}
	if unsub != nil {
		unsub()
	}
	for _, store := range a.cfg.Stores {
		store.ClearRemoteSlices()
	}
}

// HandleDeviceDiscovered offers every local slice to the newcomer and asks
// it, specifically, for its own.
func (a *Adapter) HandleDeviceDiscovered(deviceID string) {
	if !a.running() {
		return
	}
	a.broadcastLocalSlices("")
	for storeID := range a.cfg.Stores {
		a.cfg.Bus.Broadcast(Namespace, MsgRequest, RequestPayload{StoreID: storeID, FromDeviceID: deviceID})
	}
}

// HandleDeviceOffline evicts the device's slices locally and tells the fleet
// to do the same.
func (a *Adapter) HandleDeviceOffline(deviceID string) {
	if !a.running() {
		return
	}
	for storeID, store := range a.cfg.Stores {
		store.RemoveRemoteSlice(deviceID, "offline")
		a.cfg.Bus.Broadcast(Namespace, MsgClear, ClearPayload{StoreID: storeID, DeviceID: deviceID, Reason: "offline"})
	}
}

func (a *Adapter) running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && !a.disposed
}

// broadcastLocalSlices sends a full snapshot for every store with a local
// slice. onlyStore narrows to one store when non-empty.
func (a *Adapter) broadcastLocalSlices(onlyStore string) {
	for storeID, store := range a.cfg.Stores {
		if onlyStore != "" && storeID != onlyStore {
			continue
		}
		if s := store.GetLocalSlice(); s != nil {
			a.cfg.Bus.Broadcast(Namespace, MsgFull, SlicePayload{StoreID: storeID, Slice: *s})
		}
	}
}

func (a *Adapter) handle(msg bus.Message) error {
	if !a.running() {
		return nil
	}
	switch msg.Type {
	case MsgFull, MsgUpdate:
		return a.handleSlice(msg)
	case MsgRequest:
		return a.handleRequest(msg)
	case MsgClear:
		return a.handleClear(msg)
	default:
		return fmt.Errorf("storesync: unknown message type %q", msg.Type)
	}
}

func (a *Adapter) handleSlice(msg bus.Message) error {
	if msg.From == "" || msg.From == a.cfg.LocalDeviceID {
		return nil
	}
	var p SlicePayload
	if err := msg.Payload.Decode(&p); err != nil {
		return fmt.Errorf("storesync: decoding %s: %w", msg.Type, err)
	}
	store := a.cfg.Stores[p.StoreID]
	if store == nil {
		a.log.Debug("slice for unknown store", "store_id", p.StoreID, "from", msg.From)
		return nil
	}
	// Versions only ever move forward; replays and reordered updates drop.
	if cur, ok := store.RemoteSliceVersion(p.Slice.DeviceID); ok && p.Slice.Version <= cur {
		return nil
	}
	store.ApplyRemoteSlice(p.Slice)
	return nil
}

func (a *Adapter) handleRequest(msg bus.Message) error {
	if msg.From == "" || msg.From == a.cfg.LocalDeviceID {
		return nil
	}
	var p RequestPayload
	if err := msg.Payload.Decode(&p); err != nil {
		return fmt.Errorf("storesync: decoding request: %w", err)
	}
	if p.FromDeviceID != "" && p.FromDeviceID != a.cfg.LocalDeviceID {
		return nil
	}
	a.broadcastLocalSlices(p.StoreID)
	return nil
}

func (a *Adapter) handleClear(msg bus.Message) error {
	if msg.From == "" || msg.From == a.cfg.LocalDeviceID {
		return nil
	}
	var p ClearPayload
	if err := msg.Payload.Decode(&p); err != nil {
		return fmt.Errorf("storesync: decoding clear: %w", err)
	}
	if p.DeviceID == a.cfg.LocalDeviceID {
		return nil
	}
	if store := a.cfg.Stores[p.StoreID]; store != nil {
		store.RemoveRemoteSlice(p.DeviceID, p.Reason)
	}
	return nil
}

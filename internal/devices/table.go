// Package devices holds the fleet view: the local device, every remote
// device this node has learned about, and the current primary. Rows are
// upserted by tailnet listings, announces, and primary snapshots; they are
// never deleted, only marked offline, so a returning device is recognized.
package devices

import (
	"log/slog"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/weftlabs/weft/pkg/protocol"
)

// Peer is one row of a tailnet listing, already shorn of overlay detail.
type Peer struct {
	Hostname string
	DNSName  string
	IP       string
	Online   bool
	OS       string
}

// Hooks receive table events. Unset hooks are skipped; hooks run without the
// table lock held.
type Hooks struct {
	OnDiscovered func(d protocol.Device)
	OnUpdated    func(d protocol.Device)
	OnOffline    func(d protocol.Device)
	// OnDevicesChanged delivers a debounced snapshot (local device first).
	OnDevicesChanged func(devices []protocol.Device)
	// OnPrimaryChanged fires with the new primary id, or "" when cleared.
	OnPrimaryChanged func(primaryID string)
	OnLocalChanged   func(d protocol.Device)
}

// Config holds construction parameters for a Table.
type Config struct {
	Local          protocol.Device
	HostnamePrefix string
	Logger         *slog.Logger
	Hooks          Hooks

	// ChangeDebounce coalesces OnDevicesChanged bursts. Defaults to 100ms.
	ChangeDebounce time.Duration
}

// Table is the device registry. One mutex guards all state; events collected
// under the lock are dispatched after it is released.
type Table struct {
	cfg Config
	log *slog.Logger
	re  *regexp.Regexp

	mu        sync.Mutex
	local     protocol.Device
	remotes   map[string]*protocol.Device
	primaryID string
	debounce  *time.Timer
}

// New creates a device table seeded with the local device.
func New(cfg Config) *Table {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChangeDebounce <= 0 {
		cfg.ChangeDebounce = 100 * time.Millisecond
	}
	return &Table{
		cfg:     cfg,
		log:     log.With("component", "devices"),
		re:      hostnamePattern(cfg.HostnamePrefix),
		local:   cfg.Local,
		remotes: make(map[string]*protocol.Device),
	}
}

// hostnamePattern compiles the overlay hostname shape for a prefix. Device
// ids may themselves contain dashes, so the id group is greedy.
func hostnamePattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-([^-]+)-(.+)$`)
}

// ParseHostname splits an overlay hostname into (type, id). ok is false for
// hostnames that do not carry the prefix shape.
func ParseHostname(prefix, hostname string) (devType, id string, ok bool) {
	m := hostnamePattern(prefix).FindStringSubmatch(hostname)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Local returns a copy of the local device.
func (t *Table) Local() protocol.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneDevice(t.local)
}

// Get returns a copy of one device, local or remote.
func (t *Table) Get(id string) (protocol.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == t.local.ID {
		return cloneDevice(t.local), true
	}
	if d := t.remotes[id]; d != nil {
		return cloneDevice(*d), true
	}
	return protocol.Device{}, false
}

// Remotes returns copies of every remote device, ordered by id.
func (t *Table) Remotes() []protocol.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remotesLocked()
}

func (t *Table) remotesLocked() []protocol.Device {
	out := make([]protocol.Device, 0, len(t.remotes))
	for _, d := range t.remotes {
		out = append(out, cloneDevice(*d))
	}
	slices.SortFunc(out, func(a, b protocol.Device) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// All returns the local device followed by every remote, ordered by id.
func (t *Table) All() []protocol.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Device{cloneDevice(t.local)}, t.remotesLocked()...)
}

// PrimaryID returns the current primary device id, or "".
func (t *Table) PrimaryID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primaryID
}

// SetPeers upserts devices from a tailnet listing. Hostnames that do not
// match the prefix shape and the local device are ignored. A listing never
// marks anything offline; that only happens through goodbyes and connection
// loss.
func (t *Table) SetPeers(peers []Peer) {
	var events []func()

	t.mu.Lock()
	for _, p := range peers {
		m := t.re.FindStringSubmatch(p.Hostname)
		if m == nil {
			continue
		}
		devType, id := m[1], m[2]
		if id == t.local.ID || p.Hostname == t.local.Hostname {
			continue
		}
		d := t.remotes[id]
		if d == nil {
			nd := &protocol.Device{
				ID:       id,
				Type:     devType,
				Name:     p.Hostname,
				Hostname: p.Hostname,
				DNSName:  p.DNSName,
				IP:       p.IP,
				Status:   protocol.StatusConnecting,
				OS:       p.OS,
				LastSeen: time.Now().UnixMilli(),
			}
			t.remotes[id] = nd
			snap := cloneDevice(*nd)
			t.log.Info("device discovered", "device_id", id, "hostname", p.Hostname)
			if h := t.cfg.Hooks.OnDiscovered; h != nil {
				events = append(events, func() { h(snap) })
			}
			t.scheduleChangedLocked()
			continue
		}
		before := cloneDevice(*d)
		d.Type = devType
		d.Hostname = p.Hostname
		if p.DNSName != "" {
			d.DNSName = p.DNSName
		}
		if p.IP != "" {
			d.IP = p.IP
		}
		if p.OS != "" {
			d.OS = p.OS
		}
		if !reflect.DeepEqual(before, cloneDevice(*d)) {
			snap := cloneDevice(*d)
			if h := t.cfg.Hooks.OnUpdated; h != nil {
				events = append(events, func() { h(snap) })
			}
			t.scheduleChangedLocked()
		}
	}
	t.mu.Unlock()

	for _, fn := range events {
		fn()
	}
}

// HandleAnnounce upserts the announced device. A known dnsName survives an
// announce that omits it.
func (t *Table) HandleAnnounce(from string, p protocol.AnnouncePayload) {
	if p.Device.ID == "" || p.Device.ID == t.cfg.Local.ID {
		return
	}
	var events []func()

	t.mu.Lock()
	incoming := cloneDevice(p.Device)
	incoming.Status = protocol.StatusOnline
	incoming.LastSeen = time.Now().UnixMilli()

	d := t.remotes[incoming.ID]
	if d == nil {
		if t.primaryID != "" {
			incoming.Role = roleFor(incoming.ID, t.primaryID)
		}
		t.remotes[incoming.ID] = &incoming
		snap := cloneDevice(incoming)
		t.log.Info("device announced", "device_id", incoming.ID, "from", from)
		if h := t.cfg.Hooks.OnDiscovered; h != nil {
			events = append(events, func() { h(snap) })
		}
		t.scheduleChangedLocked()
	} else {
		if incoming.DNSName == "" {
			incoming.DNSName = d.DNSName
		}
		if t.primaryID != "" {
			incoming.Role = roleFor(incoming.ID, t.primaryID)
		}
		*d = incoming
		snap := cloneDevice(*d)
		if h := t.cfg.Hooks.OnUpdated; h != nil {
			events = append(events, func() { h(snap) })
		}
		t.scheduleChangedLocked()
	}
	t.mu.Unlock()

	for _, fn := range events {
		fn()
	}
}

// HandleDeviceList applies a primary's table snapshot: upsert every non-local
// device, adopt the primary, and recompute roles. Applying the same snapshot
// twice fires no events the second time.
func (t *Table) HandleDeviceList(from string, p protocol.DeviceListPayload) {
	var events []func()

	t.mu.Lock()
	for _, in := range p.Devices {
		if in.ID == "" || in.ID == t.local.ID {
			continue
		}
		incoming := cloneDevice(in)
		d := t.remotes[incoming.ID]
		if d == nil {
			t.remotes[incoming.ID] = &incoming
			snap := cloneDevice(incoming)
			if h := t.cfg.Hooks.OnDiscovered; h != nil {
				events = append(events, func() { h(snap) })
			}
			t.scheduleChangedLocked()
			continue
		}
		if incoming.DNSName == "" {
			incoming.DNSName = d.DNSName
		}
		if !reflect.DeepEqual(cloneDevice(*d), incoming) {
			*d = incoming
			snap := cloneDevice(*d)
			if h := t.cfg.Hooks.OnUpdated; h != nil {
				events = append(events, func() { h(snap) })
			}
			t.scheduleChangedLocked()
		}
	}
	events = append(events, t.applyPrimaryLocked(p.PrimaryID)...)
	t.mu.Unlock()

	for _, fn := range events {
		fn()
	}
}

// HandleGoodbye marks the departing device offline.
func (t *Table) HandleGoodbye(from string, p protocol.GoodbyePayload) {
	id := p.DeviceID
	if id == "" {
		id = from
	}
	t.log.Info("device goodbye", "device_id", id, "reason", p.Reason)
	t.MarkOffline(id)
}

// MarkOffline transitions a remote device to offline. When the device was
// the primary, the primary is cleared and OnPrimaryChanged("") fires so the
// election coordinator can start a recovery.
func (t *Table) MarkOffline(id string) {
	var events []func()

	t.mu.Lock()
	d := t.remotes[id]
	if d == nil || d.Status == protocol.StatusOffline {
		t.mu.Unlock()
		return
	}
	d.Status = protocol.StatusOffline
	snap := cloneDevice(*d)
	if h := t.cfg.Hooks.OnOffline; h != nil {
		events = append(events, func() { h(snap) })
	}
	t.scheduleChangedLocked()
	if t.primaryID == id {
		events = append(events, t.applyPrimaryLocked("")...)
	}
	t.mu.Unlock()

	t.log.Info("device offline", "device_id", id)
	for _, fn := range events {
		fn()
	}
}

// SetPrimary adopts a primary id ("" clears it) and recomputes every role.
func (t *Table) SetPrimary(id string) {
	t.mu.Lock()
	events := t.applyPrimaryLocked(id)
	t.mu.Unlock()
	for _, fn := range events {
		fn()
	}
}

// applyPrimaryLocked sets the primary and reassigns roles. Returns deferred
// event dispatches.
func (t *Table) applyPrimaryLocked(id string) []func() {
	var events []func()
	if t.primaryID == id {
		return nil
	}
	t.primaryID = id
	if id != "" {
		localBefore := t.local.Role
		t.local.Role = roleFor(t.local.ID, id)
		for _, d := range t.remotes {
			d.Role = roleFor(d.ID, id)
		}
		if t.local.Role != localBefore {
			if h := t.cfg.Hooks.OnLocalChanged; h != nil {
				snap := cloneDevice(t.local)
				events = append(events, func() { h(snap) })
			}
		}
	}
	t.scheduleChangedLocked()
	if h := t.cfg.Hooks.OnPrimaryChanged; h != nil {
		events = append(events, func() { h(id) })
	}
	t.log.Info("primary changed", "primary_id", id)
	return events
}

// --- local device mutators ---

// SetLocalOnline marks the local device online with its overlay addresses.
func (t *Table) SetLocalOnline(ip, dnsName string) {
	t.mutateLocal(func(d *protocol.Device) {
		d.Status = protocol.StatusOnline
		if ip != "" {
			d.IP = ip
		}
		if dnsName != "" {
			d.DNSName = dnsName
		}
	})
}

// SetLocalOffline marks the local device offline.
func (t *Table) SetLocalOffline() {
	t.mutateLocal(func(d *protocol.Device) { d.Status = protocol.StatusOffline })
}

// SetLocalRole assigns the local device role.
func (t *Table) SetLocalRole(role protocol.Role) {
	t.mutateLocal(func(d *protocol.Device) { d.Role = role })
}

// UpdateMetadata merges keys into the local device metadata.
func (t *Table) UpdateMetadata(md map[string]string) {
	t.mutateLocal(func(d *protocol.Device) {
		if d.Metadata == nil {
			d.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(d.Metadata, md)
	})
}

// UpdateName renames the local device.
func (t *Table) UpdateName(name string) {
	t.mutateLocal(func(d *protocol.Device) { d.Name = name })
}

// SetLocalDNSName records the local device FQDN.
func (t *Table) SetLocalDNSName(dnsName string) {
	t.mutateLocal(func(d *protocol.Device) { d.DNSName = dnsName })
}

func (t *Table) mutateLocal(fn func(d *protocol.Device)) {
	t.mu.Lock()
	before := cloneDevice(t.local)
	fn(&t.local)
	changed := !reflect.DeepEqual(before, cloneDevice(t.local))
	var snap protocol.Device
	if changed {
		snap = cloneDevice(t.local)
		t.scheduleChangedLocked()
	}
	t.mu.Unlock()

	if changed {
		if h := t.cfg.Hooks.OnLocalChanged; h != nil {
			h(snap)
		}
	}
}

// Reset clears remotes and the primary and cancels pending notifications.
// The local device keeps its identity but loses its role.
func (t *Table) Reset() {
	t.mu.Lock()
	t.remotes = make(map[string]*protocol.Device)
	t.primaryID = ""
	t.local.Role = ""
	if t.debounce != nil {
		t.debounce.Stop()
		t.debounce = nil
	}
	t.mu.Unlock()
}

// scheduleChangedLocked arms (or re-arms) the debounced snapshot dispatch.
func (t *Table) scheduleChangedLocked() {
	if t.cfg.Hooks.OnDevicesChanged == nil {
		return
	}
	if t.debounce != nil {
		t.debounce.Stop()
	}
	t.debounce = time.AfterFunc(t.cfg.ChangeDebounce, func() {
		t.mu.Lock()
		t.debounce = nil
		snap := append([]protocol.Device{cloneDevice(t.local)}, t.remotesLocked()...)
		t.mu.Unlock()
		t.cfg.Hooks.OnDevicesChanged(snap)
	})
}

func roleFor(id, primaryID string) protocol.Role {
	if id == primaryID {
		return protocol.RolePrimary
	}
	return protocol.RoleSecondary
}

func cloneDevice(d protocol.Device) protocol.Device {
	out := d
	out.Capabilities = slices.Clone(d.Capabilities)
	out.Metadata = maps.Clone(d.Metadata)
	return out
}

package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/weftlabs/weft/internal/sidecar"
)

// fakeNet is an in-memory tailnet: fake sidecar clients registered by
// hostname, linked by Dial. Events are delivered through one serial queue
// per client so ordering matches the real stdout stream.
type fakeNet struct {
	mu       sync.Mutex
	clients  map[string]*fakeClient
	nextConn int
}

func newFakeNet() *fakeNet {
	return &fakeNet{clients: make(map[string]*fakeClient)}
}

func (n *fakeNet) client(hostname string) *fakeClient {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clients[hostname]
}

// fakeLink is one dialed stream between two clients.
type fakeLink struct {
	dialer         *fakeClient
	dialerDeviceID string // how the dialer addresses the far end
	acceptor       *fakeClient
	sidecarID      string // how the acceptor addresses the stream
}

type fakeClient struct {
	net      *fakeNet
	hostname string
	ip       string
	hooks    sidecar.Hooks
	queue    chan func()

	mu       sync.Mutex
	running  bool
	outgoing map[string]*fakeLink // by remote device id
	incoming map[string]*fakeLink // by sidecar stream id
}

func (n *fakeNet) newClient(hostname, ip string, hooks sidecar.Hooks) *fakeClient {
	c := &fakeClient{
		net:      n,
		hostname: hostname,
		ip:       ip,
		hooks:    hooks,
		queue:    make(chan func(), 1024),
		outgoing: make(map[string]*fakeLink),
		incoming: make(map[string]*fakeLink),
	}
	go func() {
		for fn := range c.queue {
			fn()
		}
	}()
	n.mu.Lock()
	n.clients[hostname] = c
	n.mu.Unlock()
	return c
}

func (c *fakeClient) emit(fn func()) { c.queue <- fn }

func (c *fakeClient) dnsName() string { return c.hostname + ".test.ts.net" }

func (c *fakeClient) Start(ctx context.Context, params sidecar.StartParams) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	if h := c.hooks.OnStatus; h != nil {
		c.emit(func() {
			h(sidecar.StatusData{State: sidecar.StateRunning, Hostname: c.hostname, DNSName: c.dnsName(), IP: c.ip})
		})
	}
	return nil
}

func (c *fakeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.running = false
	outgoing := c.outgoing
	incoming := c.incoming
	c.outgoing = make(map[string]*fakeLink)
	c.incoming = make(map[string]*fakeLink)
	c.mu.Unlock()

	for _, l := range outgoing {
		l.acceptor.dropIncoming(l.sidecarID, "peer stopped")
	}
	for _, l := range incoming {
		l.dialer.dropOutgoing(l.dialerDeviceID, "peer stopped")
	}
	return nil
}

func (c *fakeClient) Status() sidecar.StatusData {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := sidecar.StateStopped
	if c.running {
		state = sidecar.StateRunning
	}
	return sidecar.StatusData{State: state, Hostname: c.hostname, DNSName: c.dnsName(), IP: c.ip}
}

func (c *fakeClient) RequestPeers() error {
	c.net.mu.Lock()
	peers := make([]sidecar.TailnetPeer, 0, len(c.net.clients))
	for _, peer := range c.net.clients {
		if peer == c {
			continue
		}
		peers = append(peers, sidecar.TailnetPeer{
			ID:           peer.hostname,
			Hostname:     peer.hostname,
			DNSName:      peer.dnsName(),
			TailscaleIPs: []string{peer.ip},
			Online:       true,
		})
	}
	c.net.mu.Unlock()

	if h := c.hooks.OnPeers; h != nil {
		c.emit(func() { h(peers) })
	}
	return nil
}

func (c *fakeClient) Dial(deviceID, hostname, dnsName string, port int) error {
	peer := c.net.client(hostname)
	if peer == nil || !peer.isRunning() {
		if h := c.hooks.OnDialError; h != nil {
			c.emit(func() { h(deviceID, "no such host") })
		}
		return nil
	}

	c.net.mu.Lock()
	c.net.nextConn++
	sid := fmt.Sprintf("%d", c.net.nextConn)
	c.net.mu.Unlock()

	link := &fakeLink{dialer: c, dialerDeviceID: deviceID, acceptor: peer, sidecarID: sid}
	c.mu.Lock()
	c.outgoing[deviceID] = link
	c.mu.Unlock()
	peer.mu.Lock()
	peer.incoming[sid] = link
	peer.mu.Unlock()

	addr := c.ip + ":40000"
	if h := peer.hooks.OnWsConnect; h != nil {
		peer.emit(func() { h(sid, addr) })
	}
	if h := c.hooks.OnDialConnected; h != nil {
		c.emit(func() { h(deviceID, peer.ip+":443") })
	}
	return nil
}

func (c *fakeClient) DialClose(deviceID string) error {
	c.mu.Lock()
	link := c.outgoing[deviceID]
	delete(c.outgoing, deviceID)
	c.mu.Unlock()
	if link != nil {
		link.acceptor.dropIncoming(link.sidecarID, "closed by peer")
	}
	return nil
}

func (c *fakeClient) DialMessage(deviceID string, frame []byte) error {
	c.mu.Lock()
	link := c.outgoing[deviceID]
	c.mu.Unlock()
	if link == nil {
		return fmt.Errorf("no dial connection to %s", deviceID)
	}
	buf := append([]byte(nil), frame...)
	if h := link.acceptor.hooks.OnWsMessage; h != nil {
		link.acceptor.emit(func() { h(link.sidecarID, buf) })
	}
	return nil
}

func (c *fakeClient) WsMessage(sidecarID string, frame []byte) error {
	c.mu.Lock()
	link := c.incoming[sidecarID]
	c.mu.Unlock()
	if link == nil {
		return fmt.Errorf("no incoming connection %s", sidecarID)
	}
	buf := append([]byte(nil), frame...)
	if h := link.dialer.hooks.OnDialMessage; h != nil {
		link.dialer.emit(func() { h(link.dialerDeviceID, buf) })
	}
	return nil
}

func (c *fakeClient) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeClient) dropIncoming(sidecarID, reason string) {
	c.mu.Lock()
	_, ok := c.incoming[sidecarID]
	delete(c.incoming, sidecarID)
	c.mu.Unlock()
	if ok {
		if h := c.hooks.OnWsDisconnect; h != nil {
			c.emit(func() { h(sidecarID, reason) })
		}
	}
}

func (c *fakeClient) dropOutgoing(deviceID, reason string) {
	c.mu.Lock()
	_, ok := c.outgoing[deviceID]
	delete(c.outgoing, deviceID)
	c.mu.Unlock()
	if ok {
		if h := c.hooks.OnDialDisconnect; h != nil {
			c.emit(func() { h(deviceID, reason) })
		}
	}
}

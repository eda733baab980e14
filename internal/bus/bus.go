// Package bus is the application-facing pub/sub surface of the mesh. It
// keeps per-namespace handler sets and hands outbound traffic to the node;
// it knows nothing about connections or routing.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/pkg/wire"
)

// Message is one application message delivered to subscribers.
type Message struct {
	From         string
	ConnectionID string
	Namespace    string
	Type         string
	Payload      wire.Raw
}

// Handler consumes one message. A returned error is reported through the
// error hook and never stops delivery to other handlers.
type Handler func(msg Message) error

// Publisher is the slice of the mesh node the bus sends through.
type Publisher interface {
	// SendEnvelope delivers to one device, directly or via the primary.
	// Returns false when no route exists right now.
	SendEnvelope(targetDeviceID string, env *wire.Envelope) bool
	// BroadcastEnvelope delivers to every reachable device and loops back
	// locally.
	BroadcastEnvelope(env *wire.Envelope) bool
}

// Hooks receive bus events.
type Hooks struct {
	OnError        func(namespace string, err error)
	OnUnsubscribed func(namespace string)
}

// Config holds construction parameters for a Bus.
type Config struct {
	Publisher Publisher
	// Format encodes outbound payloads.
	Format wire.Format
	Logger *slog.Logger
	Hooks  Hooks
}

// Bus routes application messages between local subscribers and the mesh.
type Bus struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

// New creates an empty bus.
func New(cfg Config) *Bus {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		cfg:  cfg,
		log:  log.With("component", "bus"),
		subs: make(map[string]map[int]Handler),
	}
}

// Subscribe registers a handler for a namespace and returns its disposer.
// Disposing is idempotent; the last disposer of a namespace removes the
// namespace entry entirely.
func (b *Bus) Subscribe(namespace string, h Handler) func() {
	b.mu.Lock()
	set := b.subs[namespace]
	if set == nil {
		set = make(map[int]Handler)
		b.subs[namespace] = set
	}
	id := b.nextID
	b.nextID++
	set[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			emptied := false
			if set, ok := b.subs[namespace]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, namespace)
					emptied = true
				}
			}
			b.mu.Unlock()
			if emptied {
				if hook := b.cfg.Hooks.OnUnsubscribed; hook != nil {
					hook(namespace)
				}
			}
		})
	}
}

// Subscriptions reports the namespaces with at least one handler.
func (b *Bus) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for ns := range b.subs {
		out = append(out, ns)
	}
	return out
}

// Publish sends one message to one device. Returns false when the payload
// cannot be encoded or no route exists.
func (b *Bus) Publish(targetDeviceID, namespace, msgType string, payload any) bool {
	env, err := b.envelope(namespace, msgType, payload)
	if err != nil {
		b.emitError(namespace, err)
		return false
	}
	return b.cfg.Publisher.SendEnvelope(targetDeviceID, env)
}

// Broadcast sends one message to every reachable device, looping back to
// local subscribers.
func (b *Bus) Broadcast(namespace, msgType string, payload any) bool {
	env, err := b.envelope(namespace, msgType, payload)
	if err != nil {
		b.emitError(namespace, err)
		return false
	}
	return b.cfg.Publisher.BroadcastEnvelope(env)
}

// Dispatch delivers an incoming message to the namespace's handlers,
// synchronously and sequentially; a failing or panicking handler is reported
// and the rest still run. The handler set is snapshotted first, so handlers
// may subscribe or dispose freely.
func (b *Bus) Dispatch(msg Message) {
	b.mu.Lock()
	set := b.subs[msg.Namespace]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.run(msg, h)
	}
}

func (b *Bus) run(msg Message, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.emitError(msg.Namespace, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := h(msg); err != nil {
		b.emitError(msg.Namespace, err)
	}
}

func (b *Bus) envelope(namespace, msgType string, payload any) (*wire.Envelope, error) {
	raw, err := wire.NewRaw(b.cfg.Format, payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s/%s payload: %w", namespace, msgType, err)
	}
	return &wire.Envelope{
		Namespace: namespace,
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (b *Bus) emitError(namespace string, err error) {
	if hook := b.cfg.Hooks.OnError; hook != nil {
		hook(namespace, err)
		return
	}
	b.log.Warn("bus error", "namespace", namespace, "error", err)
}

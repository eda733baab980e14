package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/weftlabs/weft/pkg/wire"
)

// fakePublisher records envelopes instead of sending them anywhere.
type fakePublisher struct {
	mu        sync.Mutex
	sent      []*wire.Envelope
	targets   []string
	broadcast []*wire.Envelope
	ok        bool
}

func (p *fakePublisher) SendEnvelope(target string, env *wire.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, target)
	p.sent = append(p.sent, env)
	return p.ok
}

func (p *fakePublisher) BroadcastEnvelope(env *wire.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = append(p.broadcast, env)
	return p.ok
}

func TestSubscribeAndDispose(t *testing.T) {
	t.Parallel()

	unsubs := make(chan string, 2)
	b := New(Config{
		Publisher: &fakePublisher{},
		Format:    wire.FormatJSON,
		Hooks:     Hooks{OnUnsubscribed: func(ns string) { unsubs <- ns }},
	})

	var got []Message
	dispose1 := b.Subscribe("events", func(m Message) error { got = append(got, m); return nil })
	dispose2 := b.Subscribe("events", func(m Message) error { got = append(got, m); return nil })

	b.Dispatch(Message{Namespace: "events", Type: "x"})
	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}

	dispose1()
	dispose1() // idempotent
	b.Dispatch(Message{Namespace: "events", Type: "x"})
	if len(got) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(got))
	}

	select {
	case ns := <-unsubs:
		t.Fatalf("unsubscribed(%q) fired with a handler still registered", ns)
	default:
	}

	dispose2()
	select {
	case ns := <-unsubs:
		if ns != "events" {
			t.Errorf("unsubscribed %q, want events", ns)
		}
	default:
		t.Fatal("last disposer did not emit unsubscribed")
	}
	if got := b.Subscriptions(); len(got) != 0 {
		t.Errorf("subscriptions = %v, want none", got)
	}
}

func TestSubscribeThenImmediateDisposeIsNoop(t *testing.T) {
	t.Parallel()

	b := New(Config{Publisher: &fakePublisher{}, Format: wire.FormatJSON})
	b.Subscribe("events", func(Message) error { return nil })()
	if got := b.Subscriptions(); len(got) != 0 {
		t.Errorf("subscriptions = %v, want none", got)
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	errCh := make(chan error, 4)
	b := New(Config{
		Publisher: &fakePublisher{},
		Format:    wire.FormatJSON,
		Hooks:     Hooks{OnError: func(_ string, err error) { errCh <- err }},
	})

	delivered := 0
	b.Subscribe("events", func(Message) error { return errors.New("handler broke") })
	b.Subscribe("events", func(Message) error { panic("handler panicked") })
	b.Subscribe("events", func(Message) error { delivered++; return nil })

	b.Dispatch(Message{Namespace: "events", Type: "x"})

	if delivered != 1 {
		t.Errorf("healthy handler ran %d times, want 1", delivered)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-errCh:
		default:
			t.Fatalf("got %d error reports, want 2", i)
		}
	}
}

func TestPublishWrapsPayload(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{ok: true}
	b := New(Config{Publisher: pub, Format: wire.FormatJSON})

	if !b.Publish("dev-b", "events", "x", map[string]int{"v": 1}) {
		t.Fatal("Publish = false")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.sent) != 1 || pub.targets[0] != "dev-b" {
		t.Fatalf("sent = %d to %v", len(pub.sent), pub.targets)
	}
	env := pub.sent[0]
	if env.Namespace != "events" || env.Type != "x" || env.Timestamp == 0 {
		t.Errorf("envelope = %+v", env)
	}
	var payload map[string]int
	if err := env.Payload.Decode(&payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["v"] != 1 {
		t.Errorf("payload = %v", payload)
	}
}

func TestBroadcastForwardsToPublisher(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{ok: true}
	b := New(Config{Publisher: pub, Format: wire.FormatBinary})

	if !b.Broadcast("events", "x", map[string]int{"v": 2}) {
		t.Fatal("Broadcast = false")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.broadcast) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(pub.broadcast))
	}
}

func TestPublishReportsUnroutable(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{ok: false}
	b := New(Config{Publisher: pub, Format: wire.FormatJSON})
	if b.Publish("dev-gone", "events", "x", nil) {
		t.Error("Publish = true with no route")
	}
}

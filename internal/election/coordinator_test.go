package election

import (
	"sync"
	"testing"
	"time"

	"github.com/weftlabs/weft/pkg/protocol"
)

func TestRank(t *testing.T) {
	t.Parallel()

	cand := func(id string, uptimeMs int64, designated bool) protocol.CandidatePayload {
		return protocol.CandidatePayload{DeviceID: id, UptimeMs: uptimeMs, UserDesignated: designated}
	}
	tests := []struct {
		name       string
		candidates []protocol.CandidatePayload
		want       string
	}{
		{
			name:       "longer uptime wins",
			candidates: []protocol.CandidatePayload{cand("dev-a", 120_000, false), cand("dev-b", 30_000, false)},
			want:       "dev-a",
		},
		{
			name:       "user designation overrides uptime",
			candidates: []protocol.CandidatePayload{cand("dev-a", 10_000, true), cand("dev-b", 120_000, false)},
			want:       "dev-a",
		},
		{
			name:       "alphabetical tiebreak",
			candidates: []protocol.CandidatePayload{cand("dev-1", 60_000, false), cand("aaa", 60_000, false)},
			want:       "aaa",
		},
		{
			name:       "both designated falls through to uptime",
			candidates: []protocol.CandidatePayload{cand("dev-a", 5_000, true), cand("dev-b", 50_000, true)},
			want:       "dev-b",
		},
		{
			name: "empty set has no winner",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := make(map[string]protocol.CandidatePayload, len(tt.candidates))
			for _, c := range tt.candidates {
				m[c.DeviceID] = c
			}
			if got := Rank(m); got != tt.want {
				t.Errorf("Rank = %q, want %q", got, tt.want)
			}
		})
	}
}

// broadcastRecorder captures outbound control messages.
type broadcastRecorder struct {
	mu   sync.Mutex
	msgs []struct {
		typ     protocol.MessageType
		corr    string
		payload any
	}
}

func (r *broadcastRecorder) send(typ protocol.MessageType, corr string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, struct {
		typ     protocol.MessageType
		corr    string
		payload any
	}{typ, corr, payload})
}

func (r *broadcastRecorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.typ
	}
	return out
}

// linked builds two coordinators whose broadcasts are delivered to each other
// synchronously, the way the mesh node would fan them out.
func linked(t *testing.T, cfgA, cfgB Config) (*Coordinator, *Coordinator) {
	t.Helper()
	var a, b *Coordinator
	deliver := func(to **Coordinator, from string) func(protocol.MessageType, string, any) {
		return func(typ protocol.MessageType, corr string, payload any) {
			peer := *to
			switch typ {
			case protocol.MsgElectionStart:
				peer.HandleElectionStart(from, corr)
			case protocol.MsgElectionCandidate:
				peer.HandleCandidate(from, payload.(protocol.CandidatePayload))
			case protocol.MsgElectionResult:
				peer.HandleResult(from, payload.(protocol.ResultPayload))
			}
		}
	}
	cfgA.Broadcast = deliver(&b, cfgA.DeviceID)
	cfgB.Broadcast = deliver(&a, cfgB.DeviceID)
	a = New(cfgA)
	b = New(cfgB)
	t.Cleanup(a.Reset)
	t.Cleanup(b.Reset)
	return a, b
}

func waitPhase(t *testing.T, c *Coordinator, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase = %q, want %q", c.Phase(), want)
}

func TestConcurrentRoundsAgreeOnUptime(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a, b := linked(t,
		Config{DeviceID: "dev-a", StartedAt: now.Add(-120 * time.Second), ElectionTimeout: 50 * time.Millisecond},
		Config{DeviceID: "dev-b", StartedAt: now.Add(-30 * time.Second), ElectionTimeout: 50 * time.Millisecond},
	)

	a.HandleNoPrimaryOnStartup()
	b.HandleNoPrimaryOnStartup()

	waitPhase(t, a, PhaseDecided)
	waitPhase(t, b, PhaseDecided)

	if got := a.PrimaryID(); got != "dev-a" {
		t.Errorf("a.PrimaryID = %q, want dev-a", got)
	}
	if got := b.PrimaryID(); got != "dev-a" {
		t.Errorf("b.PrimaryID = %q, want dev-a", got)
	}
}

func TestUserDesignationOverridesUptime(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a, b := linked(t,
		Config{DeviceID: "dev-a", StartedAt: now.Add(-10 * time.Second), UserDesignated: true, ElectionTimeout: 50 * time.Millisecond},
		Config{DeviceID: "dev-b", StartedAt: now.Add(-120 * time.Second), ElectionTimeout: 50 * time.Millisecond},
	)

	a.HandleNoPrimaryOnStartup()
	b.HandleNoPrimaryOnStartup()

	waitPhase(t, a, PhaseDecided)
	waitPhase(t, b, PhaseDecided)

	if got := b.PrimaryID(); got != "dev-a" {
		t.Errorf("primary = %q, want the designated dev-a", got)
	}
}

func TestPrimaryLossGracePeriod(t *testing.T) {
	t.Parallel()

	rec := &broadcastRecorder{}
	c := New(Config{
		DeviceID:         "dev-a",
		StartedAt:        time.Now(),
		Broadcast:        rec.send,
		ElectionTimeout:  40 * time.Millisecond,
		PrimaryLossGrace: 60 * time.Millisecond,
	})
	t.Cleanup(c.Reset)

	c.HandlePrimaryLost("dev-b")

	time.Sleep(30 * time.Millisecond)
	if got := c.Phase(); got != PhaseWaiting {
		t.Fatalf("phase during grace = %q, want waiting", got)
	}

	waitPhase(t, c, PhaseCollecting)
	waitPhase(t, c, PhaseDecided)

	// Alone in the fleet: the local device claims the role.
	if got := c.PrimaryID(); got != "dev-a" {
		t.Errorf("PrimaryID = %q, want dev-a", got)
	}

	types := rec.types()
	want := []protocol.MessageType{protocol.MsgElectionStart, protocol.MsgElectionCandidate, protocol.MsgElectionResult}
	if len(types) != len(want) {
		t.Fatalf("broadcasts = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("broadcast[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestInboundResultCutsRoundShort(t *testing.T) {
	t.Parallel()

	decided := make(chan string, 1)
	rec := &broadcastRecorder{}
	c := New(Config{
		DeviceID:        "dev-a",
		StartedAt:       time.Now(),
		Broadcast:       rec.send,
		ElectionTimeout: 80 * time.Millisecond,
		Hooks:           Hooks{OnDecided: func(id, _ string) { decided <- id }},
	})
	t.Cleanup(c.Reset)

	c.HandleNoPrimaryOnStartup()
	c.HandleResult("dev-b", protocol.ResultPayload{PrimaryID: "dev-b", Reason: ReasonElection})

	select {
	case id := <-decided:
		if id != "dev-b" {
			t.Errorf("decided %q, want dev-b", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no decision")
	}

	// The cancelled round must not decide again after its window elapses.
	time.Sleep(120 * time.Millisecond)
	select {
	case id := <-decided:
		t.Errorf("second decision %q after adopted result", id)
	default:
	}
	if got := c.PrimaryID(); got != "dev-b" {
		t.Errorf("PrimaryID = %q, want dev-b", got)
	}
}

func TestHandleElectionStartRespondsWithCandidacy(t *testing.T) {
	t.Parallel()

	rec := &broadcastRecorder{}
	c := New(Config{
		DeviceID:        "dev-a",
		StartedAt:       time.Now().Add(-time.Minute),
		Broadcast:       rec.send,
		ElectionTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(c.Reset)

	c.HandleElectionStart("dev-b", "round-1")

	if got := c.Phase(); got != PhaseCollecting {
		t.Fatalf("phase = %q, want collecting", got)
	}
	types := rec.types()
	if len(types) != 1 || types[0] != protocol.MsgElectionCandidate {
		t.Fatalf("broadcasts = %v, want one candidate", types)
	}
	rec.mu.Lock()
	corr := rec.msgs[0].corr
	rec.mu.Unlock()
	if corr != "round-1" {
		t.Errorf("candidate correlation = %q, want round-1", corr)
	}

	// A second start for the same collection window is a no-op.
	c.HandleElectionStart("dev-c", "round-1")
	if got := len(rec.types()); got != 1 {
		t.Errorf("broadcasts after repeat start = %d, want 1", got)
	}
}

func TestLateCandidatesAreDropped(t *testing.T) {
	t.Parallel()

	rec := &broadcastRecorder{}
	c := New(Config{
		DeviceID:        "dev-a",
		StartedAt:       time.Now(),
		Broadcast:       rec.send,
		ElectionTimeout: 30 * time.Millisecond,
	})
	t.Cleanup(c.Reset)

	c.HandleNoPrimaryOnStartup()
	waitPhase(t, c, PhaseDecided)

	c.HandleCandidate("dev-b", protocol.CandidatePayload{DeviceID: "dev-b", UptimeMs: 999_999})
	if got := c.PrimaryID(); got != "dev-a" {
		t.Errorf("PrimaryID = %q after stale candidate, want dev-a", got)
	}
}

func TestSetPrimaryCancelsPendingRecovery(t *testing.T) {
	t.Parallel()

	rec := &broadcastRecorder{}
	c := New(Config{
		DeviceID:         "dev-a",
		StartedAt:        time.Now(),
		Broadcast:        rec.send,
		ElectionTimeout:  30 * time.Millisecond,
		PrimaryLossGrace: 40 * time.Millisecond,
	})
	t.Cleanup(c.Reset)

	c.HandlePrimaryLost("dev-b")
	c.SetPrimary("dev-c")

	if got := c.Phase(); got != PhaseDecided {
		t.Fatalf("phase = %q, want decided", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := len(rec.types()); got != 0 {
		t.Errorf("recovery round ran anyway: broadcasts = %v", rec.types())
	}
	if got := c.PrimaryID(); got != "dev-c" {
		t.Errorf("PrimaryID = %q, want dev-c", got)
	}
}

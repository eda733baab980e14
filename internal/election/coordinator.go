// Package election decides which device in the fleet acts as primary. One
// coordinator runs per node; rounds are leaderless, every participant ranks
// the same candidate set with the same strict total order and therefore
// reaches the same winner.
package election

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/pkg/protocol"
)

// Phase is the coordinator's lifecycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWaiting    Phase = "waiting"
	PhaseCollecting Phase = "collecting"
	PhaseDecided    Phase = "decided"
)

// ReasonElection is the result reason for a primary chosen by a round.
const ReasonElection = "election"

// Hooks receive coordinator decisions. Hooks run without internal locks held.
type Hooks struct {
	// OnDecided fires when a primary is settled, whether by a local round,
	// a remote round, or an adopted election:result.
	OnDecided func(primaryID, reason string)
}

// Config holds construction parameters for a Coordinator.
type Config struct {
	// DeviceID is the local device id entered as a candidate.
	DeviceID string
	// StartedAt anchors the uptime reported in candidacies.
	StartedAt time.Time
	// UserDesignated marks the local device as preferred primary.
	UserDesignated bool

	// Broadcast sends one control message to every connected device. The
	// coordinator never addresses individual peers.
	Broadcast func(typ protocol.MessageType, correlationID string, payload any)

	Logger *slog.Logger
	Hooks  Hooks

	// ElectionTimeout bounds candidate collection per round. Defaults to 3s.
	ElectionTimeout time.Duration
	// PrimaryLossGrace delays a recovery round after losing the primary, so
	// a blip does not trigger churn. Defaults to 5s.
	PrimaryLossGrace time.Duration
}

// Coordinator is the election state machine.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	phase      Phase
	primaryID  string
	roundID    string
	candidates map[string]protocol.CandidatePayload
	graceTimer *time.Timer
	roundTimer *time.Timer
}

// New creates an idle coordinator.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = 3 * time.Second
	}
	if cfg.PrimaryLossGrace <= 0 {
		cfg.PrimaryLossGrace = 5 * time.Second
	}
	return &Coordinator{
		cfg:        cfg,
		log:        log.With("component", "election"),
		phase:      PhaseIdle,
		candidates: make(map[string]protocol.CandidatePayload),
	}
}

// Phase returns the current lifecycle state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// PrimaryID returns the settled primary, or "".
func (c *Coordinator) PrimaryID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryID
}

// HandleNoPrimaryOnStartup begins a round immediately.
func (c *Coordinator) HandleNoPrimaryOnStartup() {
	c.log.Info("no primary on startup, beginning election")
	c.startRound()
}

// HandlePrimaryLost arms the grace timer and, if the primary has not been
// re-learned by then, begins a recovery round. A round already in flight is
// left alone.
func (c *Coordinator) HandlePrimaryLost(prevID string) {
	c.mu.Lock()
	if c.phase == PhaseCollecting || c.phase == PhaseWaiting {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseWaiting
	c.primaryID = ""
	c.graceTimer = time.AfterFunc(c.cfg.PrimaryLossGrace, func() {
		c.mu.Lock()
		stillWaiting := c.phase == PhaseWaiting
		c.graceTimer = nil
		c.mu.Unlock()
		if stillWaiting {
			c.startRound()
		}
	})
	c.mu.Unlock()

	c.log.Info("primary lost, grace period started", "previous_primary", prevID, "grace", c.cfg.PrimaryLossGrace)
}

// HandleElectionStart joins a round another device opened. If we are already
// collecting, our candidacy is in flight and there is nothing to do.
func (c *Coordinator) HandleElectionStart(from, correlationID string) {
	c.mu.Lock()
	if c.phase == PhaseCollecting {
		c.mu.Unlock()
		return
	}
	c.cancelTimersLocked()
	c.phase = PhaseCollecting
	c.roundID = correlationID
	if c.roundID == "" {
		c.roundID = uuid.NewString()
	}
	own := c.ownCandidateLocked()
	c.candidates = map[string]protocol.CandidatePayload{own.DeviceID: own}
	roundID := c.roundID
	c.armRoundTimerLocked(roundID)
	c.mu.Unlock()

	c.log.Info("joining election", "from", from, "round", roundID)
	c.cfg.Broadcast(protocol.MsgElectionCandidate, roundID, own)
}

// HandleCandidate records a candidacy. Candidacies outside a collecting
// round are stale and dropped.
func (c *Coordinator) HandleCandidate(from string, p protocol.CandidatePayload) {
	if p.DeviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseCollecting {
		return
	}
	c.candidates[p.DeviceID] = p
}

// HandleResult adopts a settled primary announced by any device. This cuts
// running rounds short and lets a sitting primary seed a late joiner.
func (c *Coordinator) HandleResult(from string, p protocol.ResultPayload) {
	if p.PrimaryID == "" {
		return
	}
	c.mu.Lock()
	c.cancelTimersLocked()
	c.phase = PhaseDecided
	c.primaryID = p.PrimaryID
	c.candidates = make(map[string]protocol.CandidatePayload)
	c.mu.Unlock()

	c.log.Info("adopted election result", "primary_id", p.PrimaryID, "from", from, "reason", p.Reason)
	if h := c.cfg.Hooks.OnDecided; h != nil {
		h(p.PrimaryID, p.Reason)
	}
}

// SetPrimary syncs the coordinator with a primary learned out-of-band (a
// device:list snapshot). No round runs and no decision hook fires; the
// caller already applied the roles.
func (c *Coordinator) SetPrimary(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.cancelTimersLocked()
	c.phase = PhaseDecided
	c.primaryID = id
	c.candidates = make(map[string]protocol.CandidatePayload)
	c.mu.Unlock()
}

// Reset returns the coordinator to idle and kills all timers.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.cancelTimersLocked()
	c.phase = PhaseIdle
	c.primaryID = ""
	c.roundID = ""
	c.candidates = make(map[string]protocol.CandidatePayload)
	c.mu.Unlock()
}

// startRound opens a new round: seed our own candidacy, tell everyone, and
// decide when the collection window closes. A collection already in flight
// is left to finish; restarting it would throw away gathered candidacies
// and fork the fleet into disagreeing rounds.
func (c *Coordinator) startRound() {
	c.mu.Lock()
	if c.phase == PhaseCollecting {
		c.mu.Unlock()
		return
	}
	c.cancelTimersLocked()
	c.phase = PhaseCollecting
	c.roundID = uuid.NewString()
	own := c.ownCandidateLocked()
	c.candidates = map[string]protocol.CandidatePayload{own.DeviceID: own}
	roundID := c.roundID
	c.armRoundTimerLocked(roundID)
	c.mu.Unlock()

	c.log.Info("election round started", "round", roundID, "uptime_ms", own.UptimeMs)
	c.cfg.Broadcast(protocol.MsgElectionStart, roundID, nil)
	c.cfg.Broadcast(protocol.MsgElectionCandidate, roundID, own)
}

func (c *Coordinator) ownCandidateLocked() protocol.CandidatePayload {
	return protocol.CandidatePayload{
		DeviceID:       c.cfg.DeviceID,
		UptimeMs:       time.Since(c.cfg.StartedAt).Milliseconds(),
		UserDesignated: c.cfg.UserDesignated,
	}
}

func (c *Coordinator) armRoundTimerLocked(roundID string) {
	c.roundTimer = time.AfterFunc(c.cfg.ElectionTimeout, func() {
		c.decide(roundID)
	})
}

func (c *Coordinator) cancelTimersLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.roundTimer != nil {
		c.roundTimer.Stop()
		c.roundTimer = nil
	}
}

// decide closes the round identified by roundID. A result that already
// arrived (phase decided, or a newer round) wins over us.
func (c *Coordinator) decide(roundID string) {
	c.mu.Lock()
	if c.phase != PhaseCollecting || c.roundID != roundID {
		c.mu.Unlock()
		return
	}
	winner := Rank(c.candidates)
	if winner == "" {
		// Nobody, not even ourselves: claim the role rather than livelock.
		winner = c.cfg.DeviceID
	}
	c.phase = PhaseDecided
	c.primaryID = winner
	c.roundTimer = nil
	localWon := winner == c.cfg.DeviceID
	c.mu.Unlock()

	c.log.Info("election decided", "round", roundID, "primary_id", winner, "local_won", localWon)
	if localWon {
		c.cfg.Broadcast(protocol.MsgElectionResult, roundID, protocol.ResultPayload{
			PrimaryID: winner,
			Reason:    ReasonElection,
		})
	}
	if h := c.cfg.Hooks.OnDecided; h != nil {
		h(winner, ReasonElection)
	}
}

// Rank picks the winner of a candidate set: user-designated beats not,
// longer uptime beats shorter, and the lexicographically smallest device id
// breaks remaining ties. Returns "" for an empty set.
func Rank(candidates map[string]protocol.CandidatePayload) string {
	if len(candidates) == 0 {
		return ""
	}
	list := make([]protocol.CandidatePayload, 0, len(candidates))
	for _, cand := range candidates {
		list = append(list, cand)
	}
	slices.SortFunc(list, func(a, b protocol.CandidatePayload) int {
		if a.UserDesignated != b.UserDesignated {
			if a.UserDesignated {
				return -1
			}
			return 1
		}
		if a.UptimeMs != b.UptimeMs {
			if a.UptimeMs > b.UptimeMs {
				return -1
			}
			return 1
		}
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return list[0].DeviceID
}

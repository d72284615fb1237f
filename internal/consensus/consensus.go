// Package consensus implements the Consensus Engine of spec.md §4.6:
// proposals and votes embedded in SEND bodies, auto-resolved as votes arrive
// or on expiry, broadcast through the Router.
//
// Grounded in internal/delivery/pending.go's time.AfterFunc timer-table
// idiom (one timer per tracked entity, cancelled on early resolution) and
// internal/router/router.go's coarse-lock discipline, generalized from
// per-delivery retry timers into per-proposal expiry timers.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrelay/relay/internal/logging"
)

// Type selects the decision rule for tallying votes (spec.md §4.6).
type Type string

const (
	TypeMajority      Type = "majority"
	TypeUnanimous     Type = "unanimous"
	TypeSupermajority Type = "supermajority"
	TypeWeighted      Type = "weighted"
	TypeQuorum        Type = "quorum"
)

// VoteValue is what a participant casts.
type VoteValue string

const (
	VoteApprove VoteValue = "approve"
	VoteReject  VoteValue = "reject"
	VoteAbstain VoteValue = "abstain"
)

// Status is a Proposal's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusNoConsensus Status = "no_consensus"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// DefaultSupermajorityThreshold is spec.md §4.6's default for `supermajority`.
const DefaultSupermajorityThreshold = 2.0 / 3.0

// Vote is one participant's ballot (spec.md §3). At most one active vote per
// (proposal, agent); a new vote overwrites the prior one.
type Vote struct {
	Agent  string
	Value  VoteValue
	Reason string
	TS     time.Time
}

// Proposal is the engine's unit of work (spec.md §3).
type Proposal struct {
	ID            string
	Title         string
	Description   string
	Proposer      string
	Participants  []string
	ConsensusType Type
	Threshold     float64 // supermajority only; 0 means DefaultSupermajorityThreshold
	Quorum        int     // quorum only
	Weights       map[string]int
	TimeoutMs     int64
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        Status
	Votes         map[string]Vote // agent -> vote
	Thread        string
}

// Broadcaster is the Router port the engine pushes formatted SEND bodies
// through (spec.md §4.6 Broadcast: "a formatted SEND is routed to each
// participant... thread = consensus-<slug>").
type Broadcaster interface {
	BroadcastConsensus(participants []string, thread, body string, data map[string]interface{})
}

// Engine owns in-memory proposal state and expiry timers.
type Engine struct {
	log         *logging.Logger
	broadcaster Broadcaster

	mu        sync.Mutex
	proposals map[string]*Proposal
	timers    map[string]*time.Timer
}

// New constructs an Engine.
func New(broadcaster Broadcaster, log *logging.Logger) *Engine {
	return &Engine{
		log:         log,
		broadcaster: broadcaster,
		proposals:   make(map[string]*Proposal),
		timers:      make(map[string]*time.Timer),
	}
}

// ProposeInput is the PROPOSE command's payload.
type ProposeInput struct {
	Title         string
	Description   string
	Proposer      string
	Participants  []string
	ConsensusType Type
	Threshold     float64
	Quorum        int
	Weights       map[string]int
	TimeoutMs     int64
}

// Propose creates a new Proposal, broadcasts proposal:created, and arms the
// expiry timer.
func (e *Engine) Propose(in ProposeInput) *Proposal {
	now := time.Now()
	if in.TimeoutMs <= 0 {
		in.TimeoutMs = 60_000
	}
	p := &Proposal{
		ID:            uuid.New().String(),
		Title:         in.Title,
		Description:   in.Description,
		Proposer:      in.Proposer,
		Participants:  in.Participants,
		ConsensusType: in.ConsensusType,
		Threshold:     in.Threshold,
		Quorum:        in.Quorum,
		Weights:       in.Weights,
		TimeoutMs:     in.TimeoutMs,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(in.TimeoutMs) * time.Millisecond),
		Status:        StatusPending,
		Votes:         make(map[string]Vote),
		Thread:        "consensus-" + slug(in.Title),
	}

	e.mu.Lock()
	e.proposals[p.ID] = p
	e.timers[p.ID] = time.AfterFunc(time.Duration(in.TimeoutMs)*time.Millisecond, func() { e.onExpire(p.ID) })
	e.mu.Unlock()

	e.broadcast(p, "proposal:created", fmt.Sprintf("Proposal %q from %s: %s", p.Title, p.Proposer, p.Description))
	return p
}

// Vote records agent's ballot, only if agent is a declared participant and
// the proposal is still pending; a repeat vote overwrites the prior one
// (spec.md §3 invariant). Returns the proposal's post-vote state and whether
// the vote was accepted.
func (e *Engine) Vote(proposalID, agent string, value VoteValue, reason string) (*Proposal, bool) {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok || p.Status != StatusPending || !isParticipant(p, agent) {
		e.mu.Unlock()
		return p, false
	}
	p.Votes[agent] = Vote{Agent: agent, Value: value, Reason: reason, TS: time.Now()}
	resolved, status := e.tally(p)
	e.mu.Unlock()

	if resolved {
		e.resolve(p, status)
	}
	return p, true
}

// Cancel transitions proposalID to cancelled; only the original proposer may
// cancel (spec.md §3 invariant).
func (e *Engine) Cancel(proposalID, by string) bool {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok || p.Proposer != by || p.Status != StatusPending {
		e.mu.Unlock()
		return false
	}
	e.stopTimerLocked(proposalID)
	p.Status = StatusCancelled
	e.mu.Unlock()
	return true
}

// Get returns a snapshot copy of a proposal by id.
func (e *Engine) Get(proposalID string) (Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

func isParticipant(p *Proposal, agent string) bool {
	for _, a := range p.Participants {
		if a == agent {
			return true
		}
	}
	return false
}

func (e *Engine) stopTimerLocked(proposalID string) {
	if t, ok := e.timers[proposalID]; ok {
		t.Stop()
		delete(e.timers, proposalID)
	}
}

func (e *Engine) onExpire(proposalID string) {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok || p.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	delete(e.timers, proposalID)
	_, decided := e.tally(p)
	if decided == "" {
		decided = StatusExpired
	}
	e.mu.Unlock()
	e.resolve(p, decided)
}

// tally applies the proposal's consensus rule to votes cast so far. It
// returns (resolved, status): resolved is true only when the outcome is
// mathematically determined already (auto-resolve, spec.md §4.6) — a status
// returned with resolved=false is the tentative-if-expired-now outcome, used
// by onExpire.
func (e *Engine) tally(p *Proposal) (bool, Status) {
	switch p.ConsensusType {
	case TypeUnanimous:
		return tallyUnanimous(p)
	case TypeSupermajority:
		return tallySupermajority(p)
	case TypeWeighted:
		return tallyWeighted(p)
	case TypeQuorum:
		return tallyQuorum(p)
	default:
		return tallyMajority(p)
	}
}

func counts(p *Proposal) (approve, reject, total int) {
	for _, v := range p.Votes {
		switch v.Value {
		case VoteApprove:
			approve++
		case VoteReject:
			reject++
		}
		total++
	}
	return
}

func tallyMajority(p *Proposal) (bool, Status) {
	approve, reject, _ := counts(p)
	n := len(p.Participants)
	// auto-resolve: approve already exceeds what reject could ever reach, or
	// vice versa, given the remaining undecided participants.
	remaining := n - (approve + reject) - countAbstain(p)
	if approve > reject+remaining {
		return true, StatusApproved
	}
	if reject > approve+remaining {
		return true, StatusRejected
	}
	if len(p.Votes) < n {
		return false, pendingOutcome(approve, reject)
	}
	return true, pendingOutcome(approve, reject)
}

func pendingOutcome(approve, reject int) Status {
	switch {
	case approve > reject:
		return StatusApproved
	case reject > approve:
		return StatusRejected
	default:
		return StatusNoConsensus
	}
}

func countAbstain(p *Proposal) int {
	n := 0
	for _, v := range p.Votes {
		if v.Value == VoteAbstain {
			n++
		}
	}
	return n
}

func tallyUnanimous(p *Proposal) (bool, Status) {
	for _, v := range p.Votes {
		if v.Value == VoteReject {
			return true, StatusRejected
		}
	}
	if len(p.Votes) < len(p.Participants) {
		return false, StatusNoConsensus
	}
	for _, a := range p.Participants {
		if p.Votes[a].Value != VoteApprove {
			return true, StatusNoConsensus
		}
	}
	return true, StatusApproved
}

func tallySupermajority(p *Proposal) (bool, Status) {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultSupermajorityThreshold
	}
	approve, _, total := counts(p)
	if total == 0 {
		return false, StatusNoConsensus
	}
	if float64(approve)/float64(total) >= threshold {
		// Only mathematically certain once no more votes can change the ratio
		// below threshold, i.e. once everyone has voted.
		if len(p.Votes) >= len(p.Participants) {
			return true, StatusApproved
		}
		return false, StatusApproved
	}
	if len(p.Votes) >= len(p.Participants) {
		return true, StatusNoConsensus
	}
	return false, StatusNoConsensus
}

func tallyWeighted(p *Proposal) (bool, Status) {
	var approveW, rejectW, remainingW int
	for _, agent := range p.Participants {
		w := weightOf(p, agent)
		v, voted := p.Votes[agent]
		switch {
		case !voted:
			remainingW += w
		case v.Value == VoteApprove:
			approveW += w
		case v.Value == VoteReject:
			rejectW += w
		}
	}
	if approveW > rejectW+remainingW {
		return true, StatusApproved
	}
	if rejectW > approveW+remainingW {
		return true, StatusRejected
	}
	if len(p.Votes) < len(p.Participants) {
		return false, pendingOutcome(approveW, rejectW)
	}
	return true, pendingOutcome(approveW, rejectW)
}

func weightOf(p *Proposal, agent string) int {
	if w, ok := p.Weights[agent]; ok {
		return w
	}
	return 1
}

func tallyQuorum(p *Proposal) (bool, Status) {
	if len(p.Votes) < p.Quorum {
		if len(p.Votes) >= len(p.Participants) {
			return true, StatusNoConsensus
		}
		return false, StatusNoConsensus
	}
	return tallyMajority(p)
}

func (e *Engine) resolve(p *Proposal, status Status) {
	e.mu.Lock()
	if p.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	e.stopTimerLocked(p.ID)
	p.Status = status
	e.mu.Unlock()

	e.broadcast(p, "proposal:resolved", fmt.Sprintf("Proposal %q resolved: %s", p.Title, status))
}

func (e *Engine) broadcast(p *Proposal, event, body string) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.BroadcastConsensus(p.Participants, p.Thread, body, map[string]interface{}{
		"_consensusAction": event,
		"proposalId":       p.ID,
		"status":           string(p.Status),
	})
}

func slug(title string) string {
	out := make([]byte, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return uuid.New().String()[:8]
	}
	return string(out)
}

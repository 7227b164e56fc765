package consensus

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle of a voting round. A round leaves PENDING exactly
// once; terminal states are never revisited.
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

// Subject identifies the opportunity a round gates.
type Subject struct {
	Token string
	TxID  string
	Value decimal.Decimal
	Score decimal.Decimal
}

// Vote is one agent decision. At most one vote per agent is held; while the
// round is PENDING a newer vote from the same agent overwrites the older one.
type Vote struct {
	Agent    string
	Decision string
	Reason   string
	At       time.Time
}

// Round is a time-bounded voting process. All mutation goes through
// CastVote and Expire, which serialize on the round lock; rounds are
// independent and may resolve concurrently.
type Round struct {
	ID                string
	Subject           Subject
	RequiredApprovals int
	Deadline          time.Time
	CorrelationID     string

	vetoAgents     map[string]bool
	expectedVoters map[string]bool

	mu     sync.Mutex
	votes  map[string]Vote
	state  State
	vetoed bool
}

// NewRound opens a PENDING round.
func NewRound(id string, subject Subject, required int, deadline time.Time, expectedVoters, vetoAgents []string) *Round {
	expected := make(map[string]bool, len(expectedVoters))
	for _, v := range expectedVoters {
		expected[v] = true
	}
	veto := make(map[string]bool, len(vetoAgents))
	for _, v := range vetoAgents {
		veto[v] = true
	}
	return &Round{
		ID:                id,
		Subject:           subject,
		RequiredApprovals: required,
		Deadline:          deadline,
		vetoAgents:        veto,
		expectedVoters:    expected,
		votes:             make(map[string]Vote),
		state:             StatePending,
	}
}

// State returns the current round state.
func (r *Round) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outcome reports the terminal tallies. Valid once the round left PENDING.
type Outcome struct {
	State      State
	Approvals  int
	Rejections int
	Vetoed     bool
}

// CastVote records v and re-evaluates the resolution rule. It returns the
// outcome and whether this vote caused the terminal transition. Votes for a
// terminated round and votes from unexpected agents are discarded.
func (r *Round) CastVote(v Vote) (Outcome, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePending {
		return r.outcomeLocked(), false, ErrRoundClosed
	}
	if len(r.expectedVoters) > 0 && !r.expectedVoters[v.Agent] {
		return r.outcomeLocked(), false, ErrUnexpectedVoter
	}

	// A VETO from an agent without veto power counts as a plain reject.
	if v.Decision == decisionVeto && !r.vetoAgents[v.Agent] {
		v.Decision = decisionReject
	}
	r.votes[v.Agent] = v

	return r.evaluateLocked(false)
}

// Expire resolves the round as REJECTED if it is still PENDING at the
// deadline. Timeout is never an implicit approve.
func (r *Round) Expire() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePending {
		return r.outcomeLocked(), false
	}
	out, terminal, _ := r.evaluateLocked(true)
	return out, terminal
}

func (r *Round) evaluateLocked(deadline bool) (Outcome, bool, error) {
	approvals, rejections := 0, 0
	for _, v := range r.votes {
		switch v.Decision {
		case decisionApprove:
			approvals++
		case decisionReject:
			rejections++
		case decisionVeto:
			if r.vetoAgents[v.Agent] {
				r.state = StateRejected
				r.vetoed = true
				return r.outcomeLocked(), true, nil
			}
		}
	}

	switch {
	case approvals >= r.RequiredApprovals:
		r.state = StateApproved
	case len(r.expectedVoters) > 0 && len(r.votes) >= len(r.expectedVoters):
		r.state = StateRejected
	case deadline:
		r.state = StateRejected
	default:
		return r.outcomeLocked(), false, nil
	}
	return r.outcomeLocked(), true, nil
}

func (r *Round) outcomeLocked() Outcome {
	approvals, rejections := 0, 0
	for _, v := range r.votes {
		switch v.Decision {
		case decisionApprove:
			approvals++
		case decisionReject, decisionVeto:
			rejections++
		}
	}
	return Outcome{State: r.state, Approvals: approvals, Rejections: rejections, Vetoed: r.vetoed}
}

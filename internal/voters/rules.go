package voters

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
)

// TraderRule follows whales that commit real size: a buy below the follow
// floor is not worth copying. A zero floor approves everything the detector
// already let through.
type TraderRule struct {
	MinFollowValue decimal.Decimal
}

func (r TraderRule) Decide(req bus.ConsensusRequest) (string, string) {
	if r.MinFollowValue.IsPositive() && req.Value.LessThan(r.MinFollowValue) {
		return bus.DecisionReject, "buy below follow floor"
	}
	return bus.DecisionApprove, "whale size worth following"
}

// SmartRule gates on oracle confidence and recent history: a token voted on
// within the cooldown window is rejected to avoid churning the same token.
type SmartRule struct {
	minScore decimal.Decimal
	cooldown time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewSmartRule constructs a smart rule.
func NewSmartRule(minScore decimal.Decimal, cooldown time.Duration) *SmartRule {
	return &SmartRule{
		minScore: minScore,
		cooldown: cooldown,
		lastSeen: make(map[string]time.Time),
	}
}

func (r *SmartRule) Decide(req bus.ConsensusRequest) (string, string) {
	if req.Score.LessThan(r.minScore) {
		return bus.DecisionReject, "score below confidence floor"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastSeen[req.Token]; ok && r.cooldown > 0 && time.Since(last) < r.cooldown {
		return bus.DecisionReject, "token considered too recently"
	}
	r.lastSeen[req.Token] = time.Now()
	return bus.DecisionApprove, "confidence and history clear"
}

// RiskRule holds a token blocklist and a size cap. Its vetoes carry veto
// power through the capability table, so a single VETO rejects the round.
// Tokens that triggered a critical risk alert (an emergency exit, for
// example) are blocked for the rest of the process lifetime.
type RiskRule struct {
	maxBuyValue decimal.Decimal

	mu      sync.Mutex
	blocked map[string]bool
}

// NewRiskRule constructs a risk rule. A zero cap disables the size check.
func NewRiskRule(maxBuyValue decimal.Decimal) *RiskRule {
	return &RiskRule{
		maxBuyValue: maxBuyValue,
		blocked:     make(map[string]bool),
	}
}

func (r *RiskRule) Decide(req bus.ConsensusRequest) (string, string) {
	r.mu.Lock()
	blocked := r.blocked[req.Token]
	r.mu.Unlock()

	if blocked {
		return bus.DecisionVeto, "token is on the blocklist"
	}
	if r.maxBuyValue.IsPositive() && req.Value.GreaterThan(r.maxBuyValue) {
		return bus.DecisionVeto, "buy size beyond risk cap"
	}
	return bus.DecisionApprove, "risk checks passed"
}

// ObserveAlert blocks the token behind any critical alert.
func (r *RiskRule) ObserveAlert(alert bus.RiskAlert) {
	if alert.Severity != "critical" || alert.Token == "" {
		return
	}
	r.mu.Lock()
	r.blocked[alert.Token] = true
	r.mu.Unlock()
}

// Blocked reports whether token is currently blocklisted.
func (r *RiskRule) Blocked(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[token]
}

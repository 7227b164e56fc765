package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// State of a tracked position.
type State string

const (
	// StateOpening means the entry order is submitted but not yet confirmed.
	StateOpening State = "OPENING"
	// StateOpen means the entry is confirmed and exits are being monitored.
	StateOpen State = "OPEN"
	// StateClosed means the remaining size reached zero.
	StateClosed State = "CLOSED"
	// StateFailed means the entry never confirmed.
	StateFailed State = "FAILED"
)

// Tier is one take-profit rung. TriggerPct is the gain over entry price at
// which it fires, ExitFraction the share of the ORIGINAL size it sells.
type Tier struct {
	TriggerPct   decimal.Decimal `json:"trigger_pct"`
	ExitFraction decimal.Decimal `json:"exit_fraction"`
}

// pendingExit is the single outstanding exit a position may have in flight.
type pendingExit struct {
	Size   decimal.Decimal
	Reason string
	Tier   int // tier index, or -1 for non-tier exits
}

// Position tracks one entry through its exit ladder. All mutation happens
// under the manager's lock.
type Position struct {
	ID            string
	Token         string
	OrderID       string // entry order, used to match the confirmation
	EntryPrice    decimal.Decimal
	Size          decimal.Decimal // original size; tier fractions apply to this
	RemainingSize decimal.Decimal
	HighestPrice  decimal.Decimal // monotone since entry
	State         State
	FiredTiers    []bool
	ExitRetries   int
	OpenedAt      time.Time
	ClosedAt      time.Time

	pending *pendingExit
}

// ExitPending reports whether an exit is awaiting confirmation.
func (p *Position) ExitPending() bool {
	return p.pending != nil
}

// observePrice folds a tick into the high-water mark. The mark never moves
// down, so the trailing stop only ever tightens.
func (p *Position) observePrice(price decimal.Decimal) {
	if price.GreaterThan(p.HighestPrice) {
		p.HighestPrice = price
	}
}

// stopLossHit reports whether price breached the fixed stop.
func (p *Position) stopLossHit(price, stopLossPct decimal.Decimal) bool {
	floor := p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(stopLossPct))
	return price.LessThanOrEqual(floor)
}

// nextTier returns the lowest unfired tier whose trigger price is reached,
// or -1 when none apply.
func (p *Position) nextTier(price decimal.Decimal, tiers []Tier) int {
	for i, tier := range tiers {
		if i < len(p.FiredTiers) && p.FiredTiers[i] {
			continue
		}
		trigger := p.EntryPrice.Mul(decimal.NewFromInt(1).Add(tier.TriggerPct))
		if price.GreaterThanOrEqual(trigger) {
			return i
		}
	}
	return -1
}

// trailingHit reports whether the trailing stop is active and breached.
// Activation requires the high-water mark to clear entry by activationPct.
func (p *Position) trailingHit(price, trailingPct, activationPct decimal.Decimal) bool {
	if trailingPct.IsZero() {
		return false
	}
	activation := p.EntryPrice.Mul(decimal.NewFromInt(1).Add(activationPct))
	if p.HighestPrice.LessThan(activation) {
		return false
	}
	stop := p.HighestPrice.Mul(decimal.NewFromInt(1).Sub(trailingPct))
	return price.LessThanOrEqual(stop)
}

// tierExitSize returns the sell size for tier i, capped at what remains.
func (p *Position) tierExitSize(i int, tiers []Tier) decimal.Decimal {
	size := p.Size.Mul(tiers[i].ExitFraction)
	if size.GreaterThan(p.RemainingSize) {
		size = p.RemainingSize
	}
	return size
}

package bus

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Vote decisions. Veto is only honored from agents whose capability carries
// veto power; from anyone else it counts as a plain reject.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
	DecisionVeto    = "VETO"
)

// Order sides carried on trade confirmations.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Exit reasons carried on sell orders.
const (
	ExitReasonStopLoss     = "stop-loss"
	ExitReasonTrailingStop = "trailing-stop"
	ExitReasonManual       = "manual"
	ExitReasonEmergency    = "emergency"
)

// ExitReasonTakeProfit names the reason for the n-th take-profit tier
// (1-based), e.g. "take-profit-1".
func ExitReasonTakeProfit(tier int) string {
	return fmt.Sprintf("take-profit-%d", tier)
}

// WhaleAlert reports a detected high-value buy. Identity is the tx id.
type WhaleAlert struct {
	Token      string          `json:"token"`
	Value      decimal.Decimal `json:"value"`
	TxID       string          `json:"tx_id"`
	DetectedAt time.Time       `json:"detected_at"`
}

// AnalysisRequest asks the scoring oracle to evaluate an alert.
type AnalysisRequest struct {
	Token string          `json:"token"`
	TxID  string          `json:"tx_id"`
	Value decimal.Decimal `json:"value"`
}

// AnalysisResult reports the oracle verdict for an alert.
type AnalysisResult struct {
	Token   string          `json:"token"`
	TxID    string          `json:"tx_id"`
	Score   decimal.Decimal `json:"score"`
	Dropped bool            `json:"dropped"`
	Reason  string          `json:"reason,omitempty"`
}

// ConsensusRequest opens a voting round for an eligible opportunity.
type ConsensusRequest struct {
	RoundID           string          `json:"round_id"`
	Token             string          `json:"token"`
	TxID              string          `json:"tx_id"`
	Value             decimal.Decimal `json:"value"`
	Score             decimal.Decimal `json:"score"`
	RequiredApprovals int             `json:"required_approvals"`
	Deadline          time.Time       `json:"deadline"`
}

// ConsensusVote is a single agent decision for a round.
type ConsensusVote struct {
	RoundID  string `json:"round_id"`
	Agent    string `json:"agent"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// ConsensusResult is the terminal resolution of a round.
type ConsensusResult struct {
	RoundID    string          `json:"round_id"`
	Token      string          `json:"token"`
	TxID       string          `json:"tx_id"`
	Value      decimal.Decimal `json:"value"`
	Score      decimal.Decimal `json:"score"`
	Approved   bool            `json:"approved"`
	Approvals  int             `json:"approvals"`
	Rejections int             `json:"rejections"`
	Vetoed     bool            `json:"vetoed"`
}

// ExitTrigger is a position manager decision to exit (part of) a position.
// The signal router translates it into a SELL_ORDER.
type ExitTrigger struct {
	PositionID string          `json:"position_id"`
	Token      string          `json:"token"`
	Size       decimal.Decimal `json:"size"`
	Reason     string          `json:"reason"`
	Emergency  bool            `json:"emergency,omitempty"`
}

// BuyOrder instructs the execution backend to enter a position.
type BuyOrder struct {
	OrderID string          `json:"order_id"`
	Token   string          `json:"token"`
	Size    decimal.Decimal `json:"size"`
}

// SellOrder instructs the execution backend to exit (part of) a position.
type SellOrder struct {
	OrderID    string          `json:"order_id"`
	PositionID string          `json:"position_id"`
	Token      string          `json:"token"`
	Size       decimal.Decimal `json:"size"`
	Reason     string          `json:"reason"`
	Emergency  bool            `json:"emergency,omitempty"`
}

// TradeExecuted confirms a submitted order reached the chain.
type TradeExecuted struct {
	OrderID    string          `json:"order_id"`
	PositionID string          `json:"position_id,omitempty"`
	Token      string          `json:"token"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	TxHash     string          `json:"tx_hash"`
}

// TradeFailed reports a terminally failed order.
type TradeFailed struct {
	OrderID    string `json:"order_id"`
	PositionID string `json:"position_id,omitempty"`
	Token      string `json:"token"`
	Side       string `json:"side"`
	Reason     string `json:"reason"`
}

// PriceUpdate is a price feed tick for a monitored token.
type PriceUpdate struct {
	Token string          `json:"token"`
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// RiskAlert flags a condition needing operator attention.
type RiskAlert struct {
	PositionID string `json:"position_id,omitempty"`
	Token      string `json:"token,omitempty"`
	Severity   string `json:"severity"`
	Reason     string `json:"reason"`
}

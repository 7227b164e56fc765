package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags every message on the bus. The set is closed: agents are coupled
// only through these tags, never through references to each other.
type Type string

const (
	TypeWhaleAlert       Type = "WHALE_ALERT"
	TypeAnalysisRequest  Type = "ANALYSIS_REQUEST"
	TypeAnalysisResult   Type = "ANALYSIS_RESULT"
	TypeConsensusRequest Type = "CONSENSUS_REQUEST"
	TypeConsensusVote    Type = "CONSENSUS_VOTE"
	TypeConsensusResult  Type = "CONSENSUS_RESULT"
	TypeExitTrigger      Type = "EXIT_TRIGGER"
	TypeBuyOrder         Type = "BUY_ORDER"
	TypeSellOrder        Type = "SELL_ORDER"
	TypeTradeExecuted    Type = "TRADE_EXECUTED"
	TypeTradeFailed      Type = "TRADE_FAILED"
	TypePriceUpdate      Type = "PRICE_UPDATE"
	TypeRiskAlert        Type = "RISK_ALERT"
)

// Channel names. A channel groups one concern; subscribers on the same
// channel each receive every message (broadcast, not competing consumers).
const (
	ChannelMarket    = "market"
	ChannelAnalysis  = "analysis"
	ChannelConsensus = "consensus"
	ChannelTrading   = "trading"
	ChannelRisk      = "risk"
)

// Message is the immutable envelope exchanged between agents.
type Message struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Sender        string          `json:"sender"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewMessage builds an envelope around a JSON-encodable payload.
func NewMessage(t Type, sender string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      t,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// WithCorrelation returns a copy carrying the causal chain id.
func (m Message) WithCorrelation(id string) Message {
	m.CorrelationID = id
	return m
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

package bus

// Agent role names used as message senders. Coupling between agents happens
// exclusively through the (role, message type) allow-list below.
const (
	RoleDetector    = "whale-detector"
	RoleGate        = "scoring-gate"
	RoleCoordinator = "consensus-coordinator"
	RoleRouter      = "signal-router"
	RoleExecutor    = "trade-executor"
	RoleManager     = "position-manager"
	RoleFeed        = "price-feed"
	RoleNotifier    = "operator-notifier"
	RoleRiskAgent   = "risk-agent"
	RoleTraderAgent = "trader-agent"
	RoleSmartAgent  = "smart-agent"
)

// Capability declares what a role may do on the bus. Veto marks the role's
// consensus votes as veto-capable.
type Capability struct {
	Publish   []Type
	Subscribe []string
	Veto      bool
}

// CapabilityTable maps sender roles to capabilities. A nil table disables
// authorization entirely (used by tests).
type CapabilityTable map[string]Capability

// DefaultCapabilities is the static allow-list for the production swarm.
func DefaultCapabilities() CapabilityTable {
	return CapabilityTable{
		RoleDetector: {
			Publish:   []Type{TypeWhaleAlert},
			Subscribe: []string{ChannelMarket},
		},
		RoleGate: {
			Publish:   []Type{TypeAnalysisRequest, TypeAnalysisResult},
			Subscribe: []string{ChannelMarket, ChannelAnalysis},
		},
		RoleCoordinator: {
			Publish:   []Type{TypeConsensusRequest, TypeConsensusResult},
			Subscribe: []string{ChannelConsensus},
		},
		RoleRouter: {
			Publish:   []Type{TypeBuyOrder, TypeSellOrder},
			Subscribe: []string{ChannelConsensus, ChannelRisk},
		},
		RoleExecutor: {
			Publish:   []Type{TypeTradeExecuted, TypeTradeFailed},
			Subscribe: []string{ChannelTrading},
		},
		RoleManager: {
			Publish:   []Type{TypeExitTrigger, TypeRiskAlert},
			Subscribe: []string{ChannelMarket, ChannelTrading},
		},
		RoleFeed: {
			Publish:   []Type{TypePriceUpdate},
			Subscribe: nil,
		},
		RoleNotifier: {
			Publish:   nil,
			Subscribe: []string{ChannelRisk},
		},
		RoleRiskAgent: {
			Publish:   []Type{TypeConsensusVote, TypeRiskAlert},
			Subscribe: []string{ChannelConsensus, ChannelRisk},
			Veto:      true,
		},
		RoleTraderAgent: {
			Publish:   []Type{TypeConsensusVote},
			Subscribe: []string{ChannelConsensus},
		},
		RoleSmartAgent: {
			Publish:   []Type{TypeConsensusVote},
			Subscribe: []string{ChannelConsensus},
		},
	}
}

// CanPublish reports whether sender may publish messages of type t.
func (ct CapabilityTable) CanPublish(sender string, t Type) bool {
	if ct == nil {
		return true
	}
	c, ok := ct[sender]
	if !ok {
		return false
	}
	for _, allowed := range c.Publish {
		if allowed == t {
			return true
		}
	}
	return false
}

// CanSubscribe reports whether subscriber may attach to channel.
func (ct CapabilityTable) CanSubscribe(subscriber, channel string) bool {
	if ct == nil {
		return true
	}
	c, ok := ct[subscriber]
	if !ok {
		return false
	}
	for _, allowed := range c.Subscribe {
		if allowed == channel {
			return true
		}
	}
	return false
}

// VetoAgents lists the roles whose votes carry veto power.
func (ct CapabilityTable) VetoAgents() []string {
	agents := make([]string, 0, len(ct))
	for role, c := range ct {
		if c.Veto {
			agents = append(agents, role)
		}
	}
	return agents
}

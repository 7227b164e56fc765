// Package voters implements the in-process gating agents. Each voter
// consumes CONSENSUS_REQUEST messages and casts exactly one vote per round
// according to its rule; the coordinator tallies the votes.
package voters

import (
	"context"

	"github.com/rs/zerolog"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/logging"
)

// Rule decides one vote for a consensus request.
type Rule interface {
	Decide(req bus.ConsensusRequest) (decision, reason string)
}

// AlertObserver is implemented by rules that learn from the risk channel,
// such as blocking a token after an emergency exit.
type AlertObserver interface {
	ObserveAlert(alert bus.RiskAlert)
}

// Voter runs one gating agent under its bus role.
type Voter struct {
	role   string
	rule   Rule
	bus    *bus.Bus
	logger zerolog.Logger
}

// New constructs a voter for role backed by rule.
func New(role string, rule Rule, b *bus.Bus, logger zerolog.Logger) *Voter {
	return &Voter{
		role:   role,
		rule:   rule,
		bus:    b,
		logger: logging.Component(logger, role),
	}
}

// Run consumes consensus requests until ctx is done. Rules that observe the
// risk channel additionally receive RISK_ALERT traffic.
func (v *Voter) Run(ctx context.Context) error {
	sub, err := v.bus.Subscribe(bus.ChannelConsensus, v.role)
	if err != nil {
		return err
	}
	defer v.bus.Unsubscribe(sub)

	var riskC <-chan bus.Message
	observer, observes := v.rule.(AlertObserver)
	if observes {
		riskSub, err := v.bus.Subscribe(bus.ChannelRisk, v.role)
		if err != nil {
			v.logger.Warn().Err(err).Msg("risk channel not available to this role")
		} else {
			defer v.bus.Unsubscribe(riskSub)
			riskC = riskSub.C()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if msg.Type != bus.TypeConsensusRequest {
				continue
			}
			var req bus.ConsensusRequest
			if err := msg.Decode(&req); err != nil {
				v.logger.Error().Err(err).Msg("malformed consensus request")
				continue
			}
			v.vote(ctx, req, msg.CorrelationID)
		case msg, ok := <-riskC:
			if !ok {
				riskC = nil
				continue
			}
			if msg.Type != bus.TypeRiskAlert {
				continue
			}
			var alert bus.RiskAlert
			if err := msg.Decode(&alert); err != nil {
				continue
			}
			observer.ObserveAlert(alert)
		}
	}
}

func (v *Voter) vote(ctx context.Context, req bus.ConsensusRequest, correlationID string) {
	decision, reason := v.rule.Decide(req)

	msg, err := bus.NewMessage(bus.TypeConsensusVote, v.role, bus.ConsensusVote{
		RoundID:  req.RoundID,
		Agent:    v.role,
		Decision: decision,
		Reason:   reason,
	})
	if err != nil {
		v.logger.Error().Err(err).Str("round", req.RoundID).Msg("failed to build vote")
		return
	}
	if err := v.bus.Publish(ctx, bus.ChannelConsensus, msg.WithCorrelation(correlationID)); err != nil {
		v.logger.Error().Err(err).Str("round", req.RoundID).Msg("failed to publish vote")
		return
	}

	v.logger.Info().
		Str("round", req.RoundID).
		Str("token", req.Token).
		Str("decision", decision).
		Str("reason", reason).
		Msg("vote cast")

	// A veto is operator-relevant on its own; raise it on the risk channel
	// when the role is allowed to.
	if decision == bus.DecisionVeto && v.bus.Capabilities().CanPublish(v.role, bus.TypeRiskAlert) {
		alert, err := bus.NewMessage(bus.TypeRiskAlert, v.role, bus.RiskAlert{
			Token:    req.Token,
			Severity: "warning",
			Reason:   reason,
		})
		if err != nil {
			return
		}
		if err := v.bus.Publish(ctx, bus.ChannelRisk, alert.WithCorrelation(correlationID)); err != nil {
			v.logger.Error().Err(err).Msg("failed to publish veto alert")
		}
	}
}

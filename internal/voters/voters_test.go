package voters

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/consensus"
)

func testBus(t *testing.T) (*bus.Bus, *bus.Subscription) {
	t.Helper()
	b := bus.New(bus.Options{}, zerolog.Nop())
	sub, err := b.Subscribe(bus.ChannelConsensus, "observer")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return b, sub
}

func runVoter(t *testing.T, v *Voter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = v.Run(ctx) }()
}

func publishRequest(t *testing.T, b *bus.Bus, req bus.ConsensusRequest) {
	t.Helper()
	msg, err := bus.NewMessage(bus.TypeConsensusRequest, bus.RoleCoordinator, req)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if err := b.Publish(context.Background(), bus.ChannelConsensus, msg); err != nil {
		t.Fatalf("publish request: %v", err)
	}
}

// voteFor publishes req until agent's vote for it arrives. Republishing
// covers the window before the voter's subscription attaches; rules decide
// deterministically, so duplicate requests yield duplicate votes.
func voteFor(t *testing.T, b *bus.Bus, sub *bus.Subscription, req bus.ConsensusRequest, agent string) bus.ConsensusVote {
	t.Helper()
	publishRequest(t, b, req)
	republish := time.NewTicker(20 * time.Millisecond)
	defer republish.Stop()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-republish.C:
			publishRequest(t, b, req)
		case msg := <-sub.C():
			if msg.Type != bus.TypeConsensusVote {
				continue
			}
			var vote bus.ConsensusVote
			if err := msg.Decode(&vote); err != nil {
				t.Fatalf("decode vote: %v", err)
			}
			if vote.Agent != agent || vote.RoundID != req.RoundID {
				continue
			}
			return vote
		case <-deadline:
			t.Fatalf("no vote from %s for round %s", agent, req.RoundID)
			return bus.ConsensusVote{}
		}
	}
}

func TestTraderVoterFollowsLargeBuys(t *testing.T) {
	b, sub := testBus(t)
	runVoter(t, New(bus.RoleTraderAgent, TraderRule{MinFollowValue: decimal.NewFromInt(100)}, b, zerolog.Nop()))

	large := bus.ConsensusRequest{RoundID: "r1", Token: "0xdead", Value: decimal.NewFromInt(250)}
	if vote := voteFor(t, b, sub, large, bus.RoleTraderAgent); vote.Decision != bus.DecisionApprove {
		t.Fatalf("expected approve for a large buy, got %+v", vote)
	}

	small := bus.ConsensusRequest{RoundID: "r2", Token: "0xdead", Value: decimal.NewFromInt(50)}
	if vote := voteFor(t, b, sub, small, bus.RoleTraderAgent); vote.Decision != bus.DecisionReject {
		t.Fatalf("expected reject below the follow floor, got %+v", vote)
	}
}

func TestSmartRuleRejectsLowScoreAndRecentTokens(t *testing.T) {
	r := NewSmartRule(decimal.NewFromInt(70), time.Hour)

	if d, _ := r.Decide(bus.ConsensusRequest{Token: "0xdead", Score: decimal.NewFromInt(60)}); d != bus.DecisionReject {
		t.Fatalf("expected reject below the confidence floor, got %s", d)
	}
	if d, _ := r.Decide(bus.ConsensusRequest{Token: "0xdead", Score: decimal.NewFromInt(80)}); d != bus.DecisionApprove {
		t.Fatalf("expected approve on first sighting, got %s", d)
	}
	if d, reason := r.Decide(bus.ConsensusRequest{Token: "0xdead", Score: decimal.NewFromInt(90)}); d != bus.DecisionReject {
		t.Fatalf("expected cooldown reject, got %s (%s)", d, reason)
	}
	// a different token is unaffected by the cooldown
	if d, _ := r.Decide(bus.ConsensusRequest{Token: "0xbeef", Score: decimal.NewFromInt(80)}); d != bus.DecisionApprove {
		t.Fatalf("cooldown must be per token, got %s", d)
	}
}

func TestRiskVoterVetoesBlockedToken(t *testing.T) {
	b, sub := testBus(t)
	rule := NewRiskRule(decimal.Decimal{})
	runVoter(t, New(bus.RoleRiskAgent, rule, b, zerolog.Nop()))

	publishAlert := func() {
		alert, err := bus.NewMessage(bus.TypeRiskAlert, bus.RoleManager, bus.RiskAlert{
			Token:    "0xdead",
			Severity: "critical",
			Reason:   "exit retries exhausted, emergency exit issued",
		})
		if err != nil {
			t.Fatalf("build alert: %v", err)
		}
		if err := b.Publish(context.Background(), bus.ChannelRisk, alert); err != nil {
			t.Fatalf("publish alert: %v", err)
		}
	}

	publishAlert()
	waitBlock := time.After(2 * time.Second)
	for !rule.Blocked("0xdead") {
		select {
		case <-waitBlock:
			t.Fatal("critical alert did not block the token")
		case <-time.After(10 * time.Millisecond):
			publishAlert()
		}
	}

	req := bus.ConsensusRequest{RoundID: "r1", Token: "0xdead", Value: decimal.NewFromInt(250)}
	if vote := voteFor(t, b, sub, req, bus.RoleRiskAgent); vote.Decision != bus.DecisionVeto {
		t.Fatalf("expected veto for a blocked token, got %+v", vote)
	}
}

func TestRiskRuleVetoesOversizedBuys(t *testing.T) {
	rule := NewRiskRule(decimal.NewFromInt(1000))
	if d, _ := rule.Decide(bus.ConsensusRequest{Token: "0xdead", Value: decimal.NewFromInt(5000)}); d != bus.DecisionVeto {
		t.Fatalf("expected veto beyond the risk cap, got %s", d)
	}
	if d, _ := rule.Decide(bus.ConsensusRequest{Token: "0xdead", Value: decimal.NewFromInt(500)}); d != bus.DecisionApprove {
		t.Fatalf("expected approve within the risk cap, got %s", d)
	}
}

// The swarm must be able to approve a round without any external process:
// coordinator plus the three in-process voters resolve APPROVED on their own.
func TestVotersApproveRoundEndToEnd(t *testing.T) {
	b, sub := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := consensus.New(consensus.Options{
		RequiredApprovals: 2,
		Timeout:           time.Minute,
		Voters:            []string{bus.RoleTraderAgent, bus.RoleSmartAgent, bus.RoleRiskAgent},
		VetoAgents:        []string{bus.RoleRiskAgent},
	}, b, zerolog.Nop())
	go func() { _ = coordinator.Run(ctx) }()

	runVoter(t, New(bus.RoleTraderAgent, TraderRule{MinFollowValue: decimal.NewFromInt(200)}, b, zerolog.Nop()))
	runVoter(t, New(bus.RoleSmartAgent, NewSmartRule(decimal.NewFromInt(70), time.Hour), b, zerolog.Nop()))
	runVoter(t, New(bus.RoleRiskAgent, NewRiskRule(decimal.Decimal{}), b, zerolog.Nop()))

	// Confirm every voter is attached before the real round opens: a vote
	// for the warm-up round proves the subscription exists. The coordinator
	// discards warm-up votes as unknown-round.
	warmup := bus.ConsensusRequest{RoundID: "warmup", Token: "0xbeef", Value: decimal.NewFromInt(250), Score: decimal.NewFromInt(80)}
	for _, agent := range []string{bus.RoleTraderAgent, bus.RoleSmartAgent, bus.RoleRiskAgent} {
		voteFor(t, b, sub, warmup, agent)
	}

	subject := consensus.Subject{
		Token: "0xdead",
		TxID:  "0x01",
		Value: decimal.NewFromInt(250),
		Score: decimal.NewFromInt(80),
	}
	if _, err := coordinator.Open(ctx, subject, "corr-1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-sub.C():
			if msg.Type != bus.TypeConsensusResult {
				continue
			}
			var result bus.ConsensusResult
			if err := msg.Decode(&result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if !result.Approved {
				t.Fatalf("expected the in-process voters to approve, got %+v", result)
			}
			return
		case <-deadline:
			t.Fatal("round never resolved")
		}
	}
}

package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
)

func testCoordinator(t *testing.T, opts Options) (*Coordinator, *bus.Bus, *bus.Subscription) {
	t.Helper()
	b := bus.New(bus.Options{}, zerolog.Nop())
	sub, err := b.Subscribe(bus.ChannelConsensus, "observer")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return New(opts, b, zerolog.Nop()), b, sub
}

func waitFor(t *testing.T, sub *bus.Subscription, want bus.Type) bus.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-sub.C():
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestCoordinatorApproveFlow(t *testing.T) {
	c, _, sub := testCoordinator(t, Options{
		RequiredApprovals: 2,
		Timeout:           time.Minute,
		Voters:            []string{"trader-agent", "smart-agent", "risk-agent"},
		VetoAgents:        []string{"risk-agent"},
	})

	subject := Subject{Token: "0xdead", TxID: "0x01", Value: decimal.NewFromInt(250), Score: decimal.NewFromInt(80)}
	round, err := c.Open(context.Background(), subject, "corr-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	req := waitFor(t, sub, bus.TypeConsensusRequest)
	var reqPayload bus.ConsensusRequest
	if err := req.Decode(&reqPayload); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if reqPayload.RoundID != round.ID || reqPayload.RequiredApprovals != 2 {
		t.Fatalf("unexpected request payload: %+v", reqPayload)
	}

	c.HandleVote(context.Background(), bus.ConsensusVote{RoundID: round.ID, Agent: "trader-agent", Decision: bus.DecisionApprove})
	c.HandleVote(context.Background(), bus.ConsensusVote{RoundID: round.ID, Agent: "smart-agent", Decision: bus.DecisionApprove})

	res := waitFor(t, sub, bus.TypeConsensusResult)
	var result bus.ConsensusResult
	if err := res.Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Approved || result.Approvals != 2 || result.RoundID != round.ID {
		t.Fatalf("expected approved result, got %+v", result)
	}
	if res.CorrelationID != "corr-1" {
		t.Fatalf("result must carry the alert correlation id, got %q", res.CorrelationID)
	}
}

func TestCoordinatorDuplicateTxReusesRound(t *testing.T) {
	c, _, _ := testCoordinator(t, Options{RequiredApprovals: 2, Timeout: time.Minute, Voters: []string{"a", "b"}})

	subject := Subject{Token: "0xdead", TxID: "0xsame"}
	first, err := c.Open(context.Background(), subject, "corr-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := c.Open(context.Background(), subject, "corr-2")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first != second {
		t.Fatal("duplicate alert for an in-flight round must not open a second round")
	}
}

func TestCoordinatorTimeoutRejects(t *testing.T) {
	c, _, sub := testCoordinator(t, Options{
		RequiredApprovals: 2,
		Timeout:           50 * time.Millisecond,
		Voters:            []string{"a", "b", "c"},
	})

	round, err := c.Open(context.Background(), Subject{Token: "0xdead", TxID: "0x02"}, "corr")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c.HandleVote(context.Background(), bus.ConsensusVote{RoundID: round.ID, Agent: "a", Decision: bus.DecisionApprove})

	res := waitFor(t, sub, bus.TypeConsensusResult)
	var result bus.ConsensusResult
	if err := res.Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Approved {
		t.Fatal("deadline with unmet threshold must reject")
	}

	// A new round for the same tx may open after the first one resolved.
	again, err := c.Open(context.Background(), Subject{Token: "0xdead", TxID: "0x02"}, "corr")
	if err != nil {
		t.Fatalf("reopen after resolution: %v", err)
	}
	if again.ID == round.ID {
		t.Fatal("resolved round must not be reused")
	}
}

func TestCoordinatorEvictsResolvedRounds(t *testing.T) {
	c, _, sub := testCoordinator(t, Options{
		RequiredApprovals: 1,
		Timeout:           time.Minute,
		Voters:            []string{"a"},
		RoundRetention:    20 * time.Millisecond,
	})

	round, err := c.Open(context.Background(), Subject{Token: "0xdead", TxID: "0x04"}, "corr")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c.HandleVote(context.Background(), bus.ConsensusVote{RoundID: round.ID, Agent: "a", Decision: bus.DecisionApprove})
	waitFor(t, sub, bus.TypeConsensusResult)

	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		_, held := c.rounds[round.ID]
		c.mu.Unlock()
		if !held {
			return
		}
		select {
		case <-deadline:
			t.Fatal("resolved round was never evicted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCoordinatorRunConsumesVotes(t *testing.T) {
	c, b, sub := testCoordinator(t, Options{
		RequiredApprovals: 1,
		Timeout:           time.Minute,
		Voters:            []string{bus.RoleTraderAgent},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	round, err := c.Open(ctx, Subject{Token: "0xdead", TxID: "0x03"}, "corr")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	vote, _ := bus.NewMessage(bus.TypeConsensusVote, bus.RoleTraderAgent, bus.ConsensusVote{
		RoundID:  round.ID,
		Agent:    bus.RoleTraderAgent,
		Decision: bus.DecisionApprove,
	})
	if err := b.Publish(ctx, bus.ChannelConsensus, vote); err != nil {
		t.Fatalf("publish vote: %v", err)
	}

	res := waitFor(t, sub, bus.TypeConsensusResult)
	var result bus.ConsensusResult
	_ = res.Decode(&result)
	if !result.Approved {
		t.Fatalf("expected approval, got %+v", result)
	}
}

package router

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
)

func runRouter(t *testing.T) (*bus.Bus, *bus.Subscription, context.CancelFunc) {
	t.Helper()
	b := bus.New(bus.Options{}, zerolog.Nop())
	sub, err := b.Subscribe(bus.ChannelTrading, "observer")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r := New(FixedNotional{Notional: decimal.NewFromInt(10)}, b, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	return b, sub, cancel
}

func receive(t *testing.T, sub *bus.Subscription) bus.Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message on trading channel")
		return bus.Message{}
	}
}

func TestApprovedResultBecomesBuyOrder(t *testing.T) {
	b, sub, cancel := runRouter(t)
	defer cancel()

	result := bus.ConsensusResult{
		RoundID:  "r1",
		Token:    "0xdead",
		TxID:     "0x01",
		Value:    decimal.NewFromInt(250),
		Score:    decimal.NewFromInt(80),
		Approved: true,
	}
	msg, _ := bus.NewMessage(bus.TypeConsensusResult, bus.RoleCoordinator, result)
	if err := b.Publish(context.Background(), bus.ChannelConsensus, msg.WithCorrelation("corr-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, sub)
	if got.Type != bus.TypeBuyOrder {
		t.Fatalf("expected BUY_ORDER, got %s", got.Type)
	}
	if got.CorrelationID != "corr-1" {
		t.Fatal("buy order must carry the originating correlation id")
	}

	var order bus.BuyOrder
	if err := got.Decode(&order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.Token != "0xdead" || !order.Size.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestRejectedResultIsIgnored(t *testing.T) {
	b, sub, cancel := runRouter(t)
	defer cancel()

	msg, _ := bus.NewMessage(bus.TypeConsensusResult, bus.RoleCoordinator, bus.ConsensusResult{RoundID: "r2", Approved: false})
	_ = b.Publish(context.Background(), bus.ChannelConsensus, msg)

	select {
	case got := <-sub.C():
		t.Fatalf("rejected result must not emit orders, got %s", got.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExitTriggerBecomesSellOrder(t *testing.T) {
	b, sub, cancel := runRouter(t)
	defer cancel()

	trigger := bus.ExitTrigger{
		PositionID: "p1",
		Token:      "0xdead",
		Size:       decimal.RequireFromString("3.5"),
		Reason:     bus.ExitReasonStopLoss,
	}
	msg, _ := bus.NewMessage(bus.TypeExitTrigger, bus.RoleManager, trigger)
	if err := b.Publish(context.Background(), bus.ChannelRisk, msg.WithCorrelation("corr-2")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, sub)
	if got.Type != bus.TypeSellOrder {
		t.Fatalf("expected SELL_ORDER, got %s", got.Type)
	}

	var order bus.SellOrder
	if err := got.Decode(&order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if order.PositionID != "p1" || order.Reason != bus.ExitReasonStopLoss || !order.Size.Equal(trigger.Size) {
		t.Fatalf("unexpected sell order: %+v", order)
	}
}

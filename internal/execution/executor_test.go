package execution

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
)

func runExecutor(t *testing.T, opts ExecutorOptions, backend Backend) (*bus.Bus, *bus.Subscription, context.CancelFunc) {
	t.Helper()
	b := bus.New(bus.Options{}, zerolog.Nop())
	sub, err := b.Subscribe(bus.ChannelTrading, "observer")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	e := NewExecutor(opts, backend, b, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	return b, sub, cancel
}

// receiveType waits for the first message of type want, skipping the orders
// the observer also sees on the trading channel.
func receiveType(t *testing.T, sub *bus.Subscription, want bus.Type) bus.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-sub.C():
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message on trading channel", want)
			return bus.Message{}
		}
	}
}

func TestBuyOrderExecutes(t *testing.T) {
	paper := NewPaper(func(string) decimal.Decimal { return decimal.RequireFromString("1.25") })
	b, sub, cancel := runExecutor(t, ExecutorOptions{}, paper)
	defer cancel()

	order := bus.BuyOrder{OrderID: "o1", Token: "0xdead", Size: decimal.NewFromInt(10)}
	msg, _ := bus.NewMessage(bus.TypeBuyOrder, bus.RoleRouter, order)
	if err := b.Publish(context.Background(), bus.ChannelTrading, msg.WithCorrelation("corr-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receiveType(t, sub, bus.TypeTradeExecuted)
	if got.CorrelationID != "corr-1" {
		t.Fatal("confirmation must carry the order's correlation id")
	}

	var executed bus.TradeExecuted
	if err := got.Decode(&executed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if executed.OrderID != "o1" || executed.Side != SideBuy {
		t.Fatalf("unexpected confirmation: %+v", executed)
	}
	if !executed.Price.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("expected fill at 1.25, got %s", executed.Price)
	}
	if executed.TxHash == "" {
		t.Fatal("confirmation must carry the tx hash")
	}
}

func TestSellOrderCarriesPositionAndEmergency(t *testing.T) {
	var submitted Order
	paper := NewPaper(func(string) decimal.Decimal { return decimal.NewFromInt(1) })
	backend := backendFunc{
		submit: func(ctx context.Context, order Order) (string, error) {
			submitted = order
			return paper.Submit(ctx, order)
		},
		status: paper.Status,
	}
	b, sub, cancel := runExecutor(t, ExecutorOptions{}, backend)
	defer cancel()

	order := bus.SellOrder{
		OrderID:    "o2",
		PositionID: "p1",
		Token:      "0xdead",
		Size:       decimal.RequireFromString("3.5"),
		Reason:     bus.ExitReasonEmergency,
		Emergency:  true,
	}
	msg, _ := bus.NewMessage(bus.TypeSellOrder, bus.RoleRouter, order)
	if err := b.Publish(context.Background(), bus.ChannelTrading, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receiveType(t, sub, bus.TypeTradeExecuted)
	var executed bus.TradeExecuted
	if err := got.Decode(&executed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if executed.PositionID != "p1" || executed.Side != SideSell {
		t.Fatalf("unexpected confirmation: %+v", executed)
	}
	if !submitted.Emergency {
		t.Fatal("emergency flag must reach the backend")
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	paper := NewPaper(func(string) decimal.Decimal { return decimal.NewFromInt(1) })
	paper.FailNext(2)
	b, sub, cancel := runExecutor(t, ExecutorOptions{SubmitRetries: 2, SubmitBackoff: time.Millisecond}, paper)
	defer cancel()

	msg, _ := bus.NewMessage(bus.TypeBuyOrder, bus.RoleRouter, bus.BuyOrder{OrderID: "o3", Token: "0xdead", Size: decimal.NewFromInt(1)})
	if err := b.Publish(context.Background(), bus.ChannelTrading, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receiveType(t, sub, bus.TypeTradeExecuted)
	var executed bus.TradeExecuted
	if err := got.Decode(&executed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if executed.OrderID != "o3" {
		t.Fatalf("unexpected confirmation: %+v", executed)
	}
}

func TestSubmitExhaustionReportsFailure(t *testing.T) {
	paper := NewPaper(func(string) decimal.Decimal { return decimal.NewFromInt(1) })
	paper.FailNext(10)
	b, sub, cancel := runExecutor(t, ExecutorOptions{SubmitRetries: 1, SubmitBackoff: time.Millisecond}, paper)
	defer cancel()

	msg, _ := bus.NewMessage(bus.TypeBuyOrder, bus.RoleRouter, bus.BuyOrder{OrderID: "o4", Token: "0xdead", Size: decimal.NewFromInt(1)})
	if err := b.Publish(context.Background(), bus.ChannelTrading, msg.WithCorrelation("corr-4")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receiveType(t, sub, bus.TypeTradeFailed)
	if got.CorrelationID != "corr-4" {
		t.Fatal("failure must carry the order's correlation id")
	}
	var failed bus.TradeFailed
	if err := got.Decode(&failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failed.OrderID != "o4" || failed.Reason == "" {
		t.Fatalf("unexpected failure: %+v", failed)
	}
}

func TestPendingOrderPolledToTerminal(t *testing.T) {
	var polls int
	backend := backendFunc{
		submit: func(context.Context, Order) (string, error) { return "0xslow", nil },
		status: func(context.Context, string) (Result, error) {
			polls++
			if polls < 3 {
				return Result{Status: StatusPending}, nil
			}
			return Result{Status: StatusConfirmed, Price: decimal.NewFromInt(2)}, nil
		},
	}
	b, sub, cancel := runExecutor(t, ExecutorOptions{PollInterval: time.Millisecond}, backend)
	defer cancel()

	msg, _ := bus.NewMessage(bus.TypeBuyOrder, bus.RoleRouter, bus.BuyOrder{OrderID: "o5", Token: "0xdead", Size: decimal.NewFromInt(1)})
	if err := b.Publish(context.Background(), bus.ChannelTrading, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receiveType(t, sub, bus.TypeTradeExecuted)
	var executed bus.TradeExecuted
	if err := got.Decode(&executed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !executed.Price.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected fill at 2, got %s", executed.Price)
	}
	if polls < 3 {
		t.Fatalf("expected at least 3 status polls, got %d", polls)
	}
}

func TestRevertedOrderReportsFailure(t *testing.T) {
	backend := backendFunc{
		submit: func(context.Context, Order) (string, error) { return "0xrevert", nil },
		status: func(context.Context, string) (Result, error) {
			return Result{Status: StatusFailed}, nil
		},
	}
	b, sub, cancel := runExecutor(t, ExecutorOptions{}, backend)
	defer cancel()

	msg, _ := bus.NewMessage(bus.TypeBuyOrder, bus.RoleRouter, bus.BuyOrder{OrderID: "o6", Token: "0xdead", Size: decimal.NewFromInt(1)})
	if err := b.Publish(context.Background(), bus.ChannelTrading, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receiveType(t, sub, bus.TypeTradeFailed)
	var failed bus.TradeFailed
	if err := got.Decode(&failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if failed.OrderID != "o6" {
		t.Fatalf("unexpected failure: %+v", failed)
	}
}

type backendFunc struct {
	submit func(context.Context, Order) (string, error)
	status func(context.Context, string) (Result, error)
}

func (b backendFunc) Submit(ctx context.Context, order Order) (string, error) {
	return b.submit(ctx, order)
}

func (b backendFunc) Status(ctx context.Context, txHash string) (Result, error) {
	return b.status(ctx, txHash)
}

var _ Backend = backendFunc{}

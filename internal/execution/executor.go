package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/logging"
)

// ExecutorOptions tune order handling.
type ExecutorOptions struct {
	// SubmitRetries bounds resubmission of orders the backend rejected
	// outright. Once a submission is accepted it is never resubmitted;
	// the order is polled to a terminal status instead.
	SubmitRetries int
	SubmitBackoff time.Duration
	PollInterval  time.Duration
}

// Executor bridges order events to the execution backend and reports each
// order's terminal outcome back on the trading channel.
type Executor struct {
	opts    ExecutorOptions
	backend Backend
	bus     *bus.Bus
	logger  zerolog.Logger
}

// NewExecutor constructs an executor.
func NewExecutor(opts ExecutorOptions, backend Backend, b *bus.Bus, logger zerolog.Logger) *Executor {
	if opts.SubmitBackoff <= 0 {
		opts.SubmitBackoff = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Executor{
		opts:    opts,
		backend: backend,
		bus:     b,
		logger:  logging.Component(logger, "trade_executor"),
	}
}

// Run consumes buy and sell orders until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	sub, err := e.bus.Subscribe(bus.ChannelTrading, bus.RoleExecutor)
	if err != nil {
		return err
	}
	defer e.bus.Unsubscribe(sub)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}

			var order Order
			switch msg.Type {
			case bus.TypeBuyOrder:
				var buy bus.BuyOrder
				if err := msg.Decode(&buy); err != nil {
					e.logger.Error().Err(err).Msg("malformed buy order")
					continue
				}
				order = Order{ID: buy.OrderID, Token: buy.Token, Side: SideBuy, Size: buy.Size}
			case bus.TypeSellOrder:
				var sell bus.SellOrder
				if err := msg.Decode(&sell); err != nil {
					e.logger.Error().Err(err).Msg("malformed sell order")
					continue
				}
				order = Order{
					ID:         sell.OrderID,
					PositionID: sell.PositionID,
					Token:      sell.Token,
					Side:       SideSell,
					Size:       sell.Size,
					Emergency:  sell.Emergency,
				}
			default:
				continue
			}

			wg.Add(1)
			go func(order Order, correlationID string) {
				defer wg.Done()
				e.execute(ctx, order, correlationID)
			}(order, msg.CorrelationID)
		}
	}
}

// execute drives one order to a terminal outcome.
func (e *Executor) execute(ctx context.Context, order Order, correlationID string) {
	txHash, err := e.submit(ctx, order)
	if err != nil {
		e.reportFailure(ctx, order, correlationID, err.Error())
		return
	}

	// An accepted submission must reach confirmed or failed; abandoning it
	// mid-flight risks a duplicate on retry.
	res, err := e.await(ctx, txHash)
	if err != nil {
		e.reportFailure(ctx, order, correlationID, err.Error())
		return
	}
	if res.Status == StatusFailed {
		e.reportFailure(ctx, order, correlationID, "transaction reverted")
		return
	}

	executed := bus.TradeExecuted{
		OrderID:    order.ID,
		PositionID: order.PositionID,
		Token:      order.Token,
		Side:       order.Side,
		Size:       order.Size,
		Price:      res.Price,
		TxHash:     txHash,
	}
	msg, err := bus.NewMessage(bus.TypeTradeExecuted, bus.RoleExecutor, executed)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to build trade confirmation")
		return
	}
	if err := e.bus.Publish(ctx, bus.ChannelTrading, msg.WithCorrelation(correlationID)); err != nil {
		e.logger.Error().Err(err).Str("order", order.ID).Msg("failed to publish trade confirmation")
		return
	}

	e.logger.Info().
		Str("order", order.ID).
		Str("side", order.Side).
		Str("token", order.Token).
		Str("price", res.Price.String()).
		Str("tx", txHash).
		Msg("trade executed")
}

func (e *Executor) submit(ctx context.Context, order Order) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.SubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.opts.SubmitBackoff):
			}
		}
		txHash, err := e.backend.Submit(ctx, order)
		if err == nil {
			return txHash, nil
		}
		lastErr = err
		e.logger.Warn().Err(err).Str("order", order.ID).Int("attempt", attempt+1).Msg("submit failed")
	}
	return "", lastErr
}

func (e *Executor) await(ctx context.Context, txHash string) (Result, error) {
	for {
		res, err := e.backend.Status(ctx, txHash)
		if err != nil {
			return Result{}, err
		}
		if res.Status != StatusPending {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(e.opts.PollInterval):
		}
	}
}

func (e *Executor) reportFailure(ctx context.Context, order Order, correlationID, reason string) {
	failed := bus.TradeFailed{
		OrderID:    order.ID,
		PositionID: order.PositionID,
		Token:      order.Token,
		Side:       order.Side,
		Reason:     reason,
	}
	msg, err := bus.NewMessage(bus.TypeTradeFailed, bus.RoleExecutor, failed)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to build trade failure")
		return
	}
	if err := e.bus.Publish(ctx, bus.ChannelTrading, msg.WithCorrelation(correlationID)); err != nil {
		e.logger.Error().Err(err).Str("order", order.ID).Msg("failed to publish trade failure")
		return
	}
	e.logger.Warn().Str("order", order.ID).Str("side", order.Side).Str("reason", reason).Msg("trade failed")
}

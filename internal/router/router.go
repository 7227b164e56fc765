package router

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/logging"
)

// SizingPolicy decides the entry size for an approved opportunity. Sizing
// is policy, not coordination; the router only applies the result.
type SizingPolicy interface {
	Size(token string, value, score decimal.Decimal) decimal.Decimal
}

// FixedNotional sizes every entry identically.
type FixedNotional struct {
	Notional decimal.Decimal
}

// Size returns the configured notional regardless of the opportunity.
func (f FixedNotional) Size(string, decimal.Decimal, decimal.Decimal) decimal.Decimal {
	return f.Notional
}

// Router translates approved consensus resolutions into buy orders and
// position exit triggers into sell orders. Pure shape translation: it holds
// no state, performs no retries, and applies no business rules beyond sizing.
type Router struct {
	sizing SizingPolicy
	bus    *bus.Bus
	logger zerolog.Logger
}

// New constructs a router.
func New(sizing SizingPolicy, b *bus.Bus, logger zerolog.Logger) *Router {
	return &Router{
		sizing: sizing,
		bus:    b,
		logger: logging.Component(logger, "signal_router"),
	}
}

// Run consumes consensus results and exit triggers until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	consensusSub, err := r.bus.Subscribe(bus.ChannelConsensus, bus.RoleRouter)
	if err != nil {
		return err
	}
	defer r.bus.Unsubscribe(consensusSub)

	riskSub, err := r.bus.Subscribe(bus.ChannelRisk, bus.RoleRouter)
	if err != nil {
		return err
	}
	defer r.bus.Unsubscribe(riskSub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-consensusSub.C():
			if !ok {
				return nil
			}
			if msg.Type == bus.TypeConsensusResult {
				r.handleResult(ctx, msg)
			}
		case msg, ok := <-riskSub.C():
			if !ok {
				return nil
			}
			if msg.Type == bus.TypeExitTrigger {
				r.handleExit(ctx, msg)
			}
		}
	}
}

func (r *Router) handleResult(ctx context.Context, msg bus.Message) {
	var result bus.ConsensusResult
	if err := msg.Decode(&result); err != nil {
		r.logger.Error().Err(err).Msg("malformed consensus result")
		return
	}
	if !result.Approved {
		return
	}

	order := bus.BuyOrder{
		OrderID: uuid.NewString(),
		Token:   result.Token,
		Size:    r.sizing.Size(result.Token, result.Value, result.Score),
	}
	out, err := bus.NewMessage(bus.TypeBuyOrder, bus.RoleRouter, order)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to build buy order")
		return
	}
	if err := r.bus.Publish(ctx, bus.ChannelTrading, out.WithCorrelation(msg.CorrelationID)); err != nil {
		r.logger.Error().Err(err).Str("token", result.Token).Msg("failed to publish buy order")
		return
	}

	r.logger.Info().
		Str("order", order.OrderID).
		Str("token", order.Token).
		Str("size", order.Size.String()).
		Str("round", result.RoundID).
		Msg("buy order emitted")
}

func (r *Router) handleExit(ctx context.Context, msg bus.Message) {
	var trigger bus.ExitTrigger
	if err := msg.Decode(&trigger); err != nil {
		r.logger.Error().Err(err).Msg("malformed exit trigger")
		return
	}

	order := bus.SellOrder{
		OrderID:    uuid.NewString(),
		PositionID: trigger.PositionID,
		Token:      trigger.Token,
		Size:       trigger.Size,
		Reason:     trigger.Reason,
		Emergency:  trigger.Emergency,
	}
	out, err := bus.NewMessage(bus.TypeSellOrder, bus.RoleRouter, order)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to build sell order")
		return
	}
	if err := r.bus.Publish(ctx, bus.ChannelTrading, out.WithCorrelation(msg.CorrelationID)); err != nil {
		r.logger.Error().Err(err).Str("position", trigger.PositionID).Msg("failed to publish sell order")
		return
	}

	r.logger.Info().
		Str("order", order.OrderID).
		Str("position", order.PositionID).
		Str("reason", order.Reason).
		Str("size", order.Size.String()).
		Msg("sell order emitted")
}

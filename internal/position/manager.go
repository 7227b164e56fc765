package position

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/logging"
	"whale-swarm/internal/metrics"
)

// Trade is one confirmed fill, recorded for the realized PnL ledger.
type Trade struct {
	PositionID string
	Token      string
	Side       string
	Size       decimal.Decimal
	Price      decimal.Decimal
	Reason     string
	At         time.Time
}

// Store persists positions write-through. Persistence failures are logged,
// never allowed to stall exit handling.
type Store interface {
	SavePosition(ctx context.Context, p *Position) error
	RecordTrade(ctx context.Context, t Trade) error
}

// Options configure the exit ladder applied to every position.
type Options struct {
	StopLossPct           decimal.Decimal
	TakeProfitTiers       []Tier
	TrailingStopPct       decimal.Decimal
	TrailingActivationPct decimal.Decimal
	// ExitRetryLimit bounds re-emission of a failed exit before escalating
	// to an emergency exit.
	ExitRetryLimit int
	// OpenTimeout fails positions whose entry never confirms.
	OpenTimeout   time.Duration
	SweepInterval time.Duration
}

// Manager is the sole writer of position state. It watches fills and price
// ticks, walks each open position through stop-loss, take-profit tiers and
// the trailing stop, and keeps at most one exit in flight per position.
type Manager struct {
	opts   Options
	bus    *bus.Bus
	store  Store
	logger zerolog.Logger

	mu        sync.Mutex
	positions map[string]*Position // by position id
	byOrder   map[string]*Position // entry order id, while OPENING
	byToken   map[string]*Position // at most one live position per token
}

// NewManager constructs a manager. store may be nil for dry runs.
func NewManager(opts Options, b *bus.Bus, store Store, logger zerolog.Logger) *Manager {
	if opts.ExitRetryLimit <= 0 {
		opts.ExitRetryLimit = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 2 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &Manager{
		opts:      opts,
		bus:       b,
		store:     store,
		logger:    logging.Component(logger, "position_manager"),
		positions: make(map[string]*Position),
		byOrder:   make(map[string]*Position),
		byToken:   make(map[string]*Position),
	}
}

// Restore re-indexes positions recovered from storage at startup.
func (m *Manager) Restore(positions []*Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		if p.State != StateOpening && p.State != StateOpen {
			continue
		}
		if len(p.FiredTiers) < len(m.opts.TakeProfitTiers) {
			fired := make([]bool, len(m.opts.TakeProfitTiers))
			copy(fired, p.FiredTiers)
			p.FiredTiers = fired
		}
		m.positions[p.ID] = p
		m.byToken[p.Token] = p
		if p.State == StateOpening {
			m.byOrder[p.OrderID] = p
		}
	}
}

// Tokens lists the tokens with a live position, for the price feed.
func (m *Manager) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]string, 0, len(m.byToken))
	for token := range m.byToken {
		tokens = append(tokens, token)
	}
	return tokens
}

// Run consumes fills and price ticks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	marketSub, err := m.bus.Subscribe(bus.ChannelMarket, bus.RoleManager)
	if err != nil {
		return err
	}
	defer m.bus.Unsubscribe(marketSub)

	tradingSub, err := m.bus.Subscribe(bus.ChannelTrading, bus.RoleManager)
	if err != nil {
		return err
	}
	defer m.bus.Unsubscribe(tradingSub)

	sweep := time.NewTicker(m.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			m.sweepOpening(ctx)
		case msg, ok := <-marketSub.C():
			if !ok {
				return nil
			}
			if msg.Type == bus.TypePriceUpdate {
				var tick bus.PriceUpdate
				if err := msg.Decode(&tick); err != nil {
					m.logger.Error().Err(err).Msg("malformed price update")
					continue
				}
				m.HandlePrice(ctx, tick)
			}
		case msg, ok := <-tradingSub.C():
			if !ok {
				return nil
			}
			switch msg.Type {
			case bus.TypeBuyOrder:
				var order bus.BuyOrder
				if err := msg.Decode(&order); err != nil {
					m.logger.Error().Err(err).Msg("malformed buy order")
					continue
				}
				m.HandleBuyOrder(ctx, order)
			case bus.TypeTradeExecuted:
				var executed bus.TradeExecuted
				if err := msg.Decode(&executed); err != nil {
					m.logger.Error().Err(err).Msg("malformed trade confirmation")
					continue
				}
				m.HandleExecuted(ctx, executed)
			case bus.TypeTradeFailed:
				var failed bus.TradeFailed
				if err := msg.Decode(&failed); err != nil {
					m.logger.Error().Err(err).Msg("malformed trade failure")
					continue
				}
				m.HandleFailed(ctx, failed)
			}
		}
	}
}

// HandleBuyOrder starts tracking an entry before its fill confirms.
func (m *Manager) HandleBuyOrder(ctx context.Context, order bus.BuyOrder) {
	m.mu.Lock()
	if existing, ok := m.byToken[order.Token]; ok {
		m.mu.Unlock()
		m.logger.Warn().
			Str("token", order.Token).
			Str("existing", existing.ID).
			Str("order", order.OrderID).
			Msg("entry for token with a live position ignored")
		m.alert(ctx, bus.RiskAlert{
			PositionID: existing.ID,
			Token:      order.Token,
			Severity:   "warning",
			Reason:     "duplicate entry order for token with a live position",
		})
		return
	}

	p := &Position{
		ID:         uuid.NewString(),
		Token:      order.Token,
		OrderID:    order.OrderID,
		State:      StateOpening,
		FiredTiers: make([]bool, len(m.opts.TakeProfitTiers)),
		OpenedAt:   time.Now().UTC(),
	}
	m.positions[p.ID] = p
	m.byOrder[order.OrderID] = p
	m.byToken[order.Token] = p
	m.mu.Unlock()

	m.persist(ctx, p)
	m.logger.Info().Str("position", p.ID).Str("token", p.Token).Str("order", order.OrderID).Msg("position opening")
}

// HandleExecuted applies a confirmed fill.
func (m *Manager) HandleExecuted(ctx context.Context, executed bus.TradeExecuted) {
	switch executed.Side {
	case bus.SideBuy:
		m.confirmEntry(ctx, executed)
	case bus.SideSell:
		m.confirmExit(ctx, executed)
	}
}

func (m *Manager) confirmEntry(ctx context.Context, executed bus.TradeExecuted) {
	m.mu.Lock()
	p, ok := m.byOrder[executed.OrderID]
	if !ok || p.State != StateOpening {
		m.mu.Unlock()
		return
	}
	delete(m.byOrder, executed.OrderID)
	p.State = StateOpen
	p.EntryPrice = executed.Price
	p.Size = executed.Size
	p.RemainingSize = executed.Size
	p.HighestPrice = executed.Price
	m.mu.Unlock()

	m.persist(ctx, p)
	m.record(ctx, Trade{
		PositionID: p.ID,
		Token:      p.Token,
		Side:       executed.Side,
		Size:       executed.Size,
		Price:      executed.Price,
		At:         time.Now().UTC(),
	})
	m.logger.Info().
		Str("position", p.ID).
		Str("token", p.Token).
		Str("entry_price", p.EntryPrice.String()).
		Str("size", p.Size.String()).
		Msg("position open")
}

// confirmExit reduces the position by the confirmed size. Duplicate
// confirmations are ignored: once the outstanding exit clears there is
// nothing to apply a second fill to.
func (m *Manager) confirmExit(ctx context.Context, executed bus.TradeExecuted) {
	m.mu.Lock()
	p, ok := m.positions[executed.PositionID]
	if !ok || p.State != StateOpen || p.pending == nil {
		m.mu.Unlock()
		return
	}

	reason := p.pending.Reason
	if p.pending.Tier >= 0 && p.pending.Tier < len(p.FiredTiers) {
		p.FiredTiers[p.pending.Tier] = true
	}
	p.pending = nil
	p.ExitRetries = 0
	p.RemainingSize = p.RemainingSize.Sub(executed.Size)
	closed := !p.RemainingSize.IsPositive()
	if closed {
		p.RemainingSize = decimal.Zero
		p.State = StateClosed
		p.ClosedAt = time.Now().UTC()
		delete(m.byToken, p.Token)
	}
	remaining := p.RemainingSize
	m.mu.Unlock()

	metrics.ExitsTotal.WithLabelValues(reason).Inc()
	m.persist(ctx, p)
	m.record(ctx, Trade{
		PositionID: p.ID,
		Token:      p.Token,
		Side:       executed.Side,
		Size:       executed.Size,
		Price:      executed.Price,
		Reason:     reason,
		At:         time.Now().UTC(),
	})

	evt := m.logger.Info().
		Str("position", p.ID).
		Str("token", p.Token).
		Str("reason", reason).
		Str("size", executed.Size.String()).
		Str("price", executed.Price.String())
	if closed {
		evt.Msg("position closed")
	} else {
		evt.Str("remaining", remaining.String()).Msg("partial exit confirmed")
	}
}

// HandleFailed reacts to a terminally failed order.
func (m *Manager) HandleFailed(ctx context.Context, failed bus.TradeFailed) {
	switch failed.Side {
	case bus.SideBuy:
		m.failEntry(ctx, failed)
	case bus.SideSell:
		m.retryExit(ctx, failed)
	}
}

func (m *Manager) failEntry(ctx context.Context, failed bus.TradeFailed) {
	m.mu.Lock()
	p, ok := m.byOrder[failed.OrderID]
	if !ok || p.State != StateOpening {
		m.mu.Unlock()
		return
	}
	delete(m.byOrder, failed.OrderID)
	delete(m.byToken, p.Token)
	p.State = StateFailed
	p.ClosedAt = time.Now().UTC()
	m.mu.Unlock()

	m.persist(ctx, p)
	m.logger.Warn().Str("position", p.ID).Str("token", p.Token).Str("reason", failed.Reason).Msg("entry failed")
}

// retryExit clears a failed exit so the next qualifying tick re-derives it,
// escalating to an emergency exit once the retry budget is spent.
func (m *Manager) retryExit(ctx context.Context, failed bus.TradeFailed) {
	m.mu.Lock()
	p, ok := m.positions[failed.PositionID]
	if !ok || p.State != StateOpen || p.pending == nil {
		m.mu.Unlock()
		return
	}

	p.ExitRetries++
	if p.ExitRetries > m.opts.ExitRetryLimit {
		p.pending = &pendingExit{Size: p.RemainingSize, Reason: bus.ExitReasonEmergency, Tier: -1}
		pending := *p.pending
		retries := p.ExitRetries - 1
		m.mu.Unlock()

		metrics.EmergencyExitsTotal.Inc()
		m.logger.Error().
			Str("position", p.ID).
			Str("token", p.Token).
			Int("retries", retries).
			Msg("exit retries exhausted, escalating to emergency exit")
		m.alert(ctx, bus.RiskAlert{
			PositionID: p.ID,
			Token:      p.Token,
			Severity:   "critical",
			Reason:     "exit retries exhausted, emergency exit issued",
		})
		m.emitExit(ctx, p, pending, true)
		m.persist(ctx, p)
		return
	}

	reason := p.pending.Reason
	attempt := p.ExitRetries
	p.pending = nil
	m.mu.Unlock()

	m.logger.Warn().
		Str("position", p.ID).
		Str("reason", reason).
		Int("attempt", attempt).
		Str("cause", failed.Reason).
		Msg("exit failed, will re-evaluate on next tick")
	m.persist(ctx, p)
}

// HandlePrice evaluates the exit ladder for the token's position. Checks run
// in fixed priority: stop-loss, then take-profit tiers in ascending order,
// then the trailing stop. With an exit already outstanding only the
// high-water mark advances.
func (m *Manager) HandlePrice(ctx context.Context, tick bus.PriceUpdate) {
	m.mu.Lock()
	p, ok := m.byToken[tick.Token]
	if !ok || p.State != StateOpen {
		m.mu.Unlock()
		return
	}

	p.observePrice(tick.Price)
	if p.pending != nil {
		m.mu.Unlock()
		return
	}

	var pending pendingExit
	switch {
	case p.stopLossHit(tick.Price, m.opts.StopLossPct):
		pending = pendingExit{Size: p.RemainingSize, Reason: bus.ExitReasonStopLoss, Tier: -1}
	case p.nextTier(tick.Price, m.opts.TakeProfitTiers) >= 0:
		i := p.nextTier(tick.Price, m.opts.TakeProfitTiers)
		pending = pendingExit{Size: p.tierExitSize(i, m.opts.TakeProfitTiers), Reason: bus.ExitReasonTakeProfit(i + 1), Tier: i}
	case p.trailingHit(tick.Price, m.opts.TrailingStopPct, m.opts.TrailingActivationPct):
		pending = pendingExit{Size: p.RemainingSize, Reason: bus.ExitReasonTrailingStop, Tier: -1}
	default:
		m.mu.Unlock()
		return
	}

	p.pending = &pending
	m.mu.Unlock()

	m.logger.Info().
		Str("position", p.ID).
		Str("token", p.Token).
		Str("reason", pending.Reason).
		Str("price", tick.Price.String()).
		Str("size", pending.Size.String()).
		Msg("exit triggered")
	m.emitExit(ctx, p, pending, false)
	m.persist(ctx, p)
}

// sweepOpening fails positions whose entry never confirmed in time.
func (m *Manager) sweepOpening(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.opts.OpenTimeout)

	m.mu.Lock()
	var expired []*Position
	for _, p := range m.positions {
		if p.State == StateOpening && p.OpenedAt.Before(cutoff) {
			p.State = StateFailed
			p.ClosedAt = time.Now().UTC()
			delete(m.byOrder, p.OrderID)
			delete(m.byToken, p.Token)
			expired = append(expired, p)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.logger.Warn().Str("position", p.ID).Str("token", p.Token).Msg("entry confirmation timed out")
		m.alert(ctx, bus.RiskAlert{
			PositionID: p.ID,
			Token:      p.Token,
			Severity:   "warning",
			Reason:     "entry confirmation timed out",
		})
		m.persist(ctx, p)
	}
}

func (m *Manager) emitExit(ctx context.Context, p *Position, pending pendingExit, emergency bool) {
	trigger := bus.ExitTrigger{
		PositionID: p.ID,
		Token:      p.Token,
		Size:       pending.Size,
		Reason:     pending.Reason,
		Emergency:  emergency,
	}
	msg, err := bus.NewMessage(bus.TypeExitTrigger, bus.RoleManager, trigger)
	if err != nil {
		m.logger.Error().Err(err).Str("position", p.ID).Msg("failed to build exit trigger")
		return
	}
	if err := m.bus.Publish(ctx, bus.ChannelRisk, msg.WithCorrelation(p.ID)); err != nil {
		m.logger.Error().Err(err).Str("position", p.ID).Msg("failed to publish exit trigger")
	}
}

func (m *Manager) alert(ctx context.Context, alert bus.RiskAlert) {
	msg, err := bus.NewMessage(bus.TypeRiskAlert, bus.RoleManager, alert)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to build risk alert")
		return
	}
	if err := m.bus.Publish(ctx, bus.ChannelRisk, msg); err != nil {
		m.logger.Error().Err(err).Msg("failed to publish risk alert")
	}
}

func (m *Manager) persist(ctx context.Context, p *Position) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	snapshot := *p
	m.mu.Unlock()
	if err := m.store.SavePosition(ctx, &snapshot); err != nil {
		m.logger.Error().Err(err).Str("position", p.ID).Msg("failed to persist position")
	}
}

func (m *Manager) record(ctx context.Context, t Trade) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordTrade(ctx, t); err != nil {
		m.logger.Error().Err(err).Str("position", t.PositionID).Msg("failed to record trade")
	}
}

package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/consensus"
	"whale-swarm/internal/logging"
	"whale-swarm/internal/metrics"
)

// RoundOpener opens a consensus round for an eligible opportunity.
type RoundOpener interface {
	Open(ctx context.Context, subject consensus.Subject, correlationID string) (*consensus.Round, error)
}

// GateOptions tune the scoring gate.
type GateOptions struct {
	// Threshold is the minimum score that makes an alert consensus-eligible.
	Threshold decimal.Decimal
	// Timeout bounds a single alert's scoring, retries included.
	Timeout time.Duration
}

// Gate forwards whale alerts to the oracle and classifies each as dropped or
// consensus-eligible. Oracle failure is never approval: the gate fails
// closed.
type Gate struct {
	opts   GateOptions
	oracle Oracle
	rounds RoundOpener
	bus    *bus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewGate constructs a gate.
func NewGate(opts GateOptions, oracle Oracle, rounds RoundOpener, b *bus.Bus, logger zerolog.Logger) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Gate{
		opts:     opts,
		oracle:   oracle,
		rounds:   rounds,
		bus:      b,
		logger:   logging.Component(logger, "scoring_gate"),
		inflight: make(map[string]bool),
	}
}

// Run consumes whale alerts until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	sub, err := g.bus.Subscribe(bus.ChannelMarket, bus.RoleGate)
	if err != nil {
		return err
	}
	defer g.bus.Unsubscribe(sub)

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
			if msg.Type != bus.TypeWhaleAlert {
				continue
			}
			var alert bus.WhaleAlert
			if err := msg.Decode(&alert); err != nil {
				g.logger.Error().Err(err).Msg("malformed whale alert")
				continue
			}
			if !g.begin(alert.TxID) {
				g.logger.Debug().Str("tx", alert.TxID).Msg("alert already being scored")
				continue
			}
			wg.Add(1)
			go func(alert bus.WhaleAlert, correlationID string) {
				defer wg.Done()
				defer g.end(alert.TxID)
				g.Evaluate(ctx, alert, correlationID)
			}(alert, msg.CorrelationID)
		}
	}
}

// Evaluate scores one alert and opens a round when it qualifies.
func (g *Gate) Evaluate(ctx context.Context, alert bus.WhaleAlert, correlationID string) {
	g.publishRequest(ctx, alert, correlationID)

	scoreCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	score, err := g.oracle.Score(scoreCtx, TokenMetadata{Token: alert.Token, TxID: alert.TxID, Value: alert.Value})
	if err != nil {
		g.drop(ctx, alert, decimal.Decimal{}, "oracle failure: "+err.Error(), correlationID)
		metrics.AlertsDroppedTotal.WithLabelValues("oracle_error").Inc()
		return
	}

	if score.LessThan(g.opts.Threshold) {
		g.drop(ctx, alert, score, "score below threshold", correlationID)
		metrics.AlertsDroppedTotal.WithLabelValues("low_score").Inc()
		return
	}

	g.publishResult(ctx, bus.AnalysisResult{Token: alert.Token, TxID: alert.TxID, Score: score}, correlationID)

	subject := consensus.Subject{Token: alert.Token, TxID: alert.TxID, Value: alert.Value, Score: score}
	if _, err := g.rounds.Open(ctx, subject, correlationID); err != nil {
		g.logger.Error().Err(err).Str("tx", alert.TxID).Msg("failed to open consensus round")
		return
	}

	g.logger.Info().
		Str("tx", alert.TxID).
		Str("token", alert.Token).
		Str("score", score.String()).
		Msg("alert is consensus-eligible")
}

func (g *Gate) drop(ctx context.Context, alert bus.WhaleAlert, score decimal.Decimal, reason, correlationID string) {
	g.logger.Info().Str("tx", alert.TxID).Str("reason", reason).Msg("alert dropped")
	g.publishResult(ctx, bus.AnalysisResult{
		Token:   alert.Token,
		TxID:    alert.TxID,
		Score:   score,
		Dropped: true,
		Reason:  reason,
	}, correlationID)
}

func (g *Gate) publishRequest(ctx context.Context, alert bus.WhaleAlert, correlationID string) {
	msg, err := bus.NewMessage(bus.TypeAnalysisRequest, bus.RoleGate, bus.AnalysisRequest{
		Token: alert.Token,
		TxID:  alert.TxID,
		Value: alert.Value,
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to build analysis request")
		return
	}
	if err := g.bus.Publish(ctx, bus.ChannelAnalysis, msg.WithCorrelation(correlationID)); err != nil {
		g.logger.Error().Err(err).Msg("failed to publish analysis request")
	}
}

func (g *Gate) publishResult(ctx context.Context, result bus.AnalysisResult, correlationID string) {
	msg, err := bus.NewMessage(bus.TypeAnalysisResult, bus.RoleGate, result)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to build analysis result")
		return
	}
	if err := g.bus.Publish(ctx, bus.ChannelAnalysis, msg.WithCorrelation(correlationID)); err != nil {
		g.logger.Error().Err(err).Msg("failed to publish analysis result")
	}
}

func (g *Gate) begin(txID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[txID] {
		return false
	}
	g.inflight[txID] = true
	return true
}

func (g *Gate) end(txID string) {
	g.mu.Lock()
	delete(g.inflight, txID)
	g.mu.Unlock()
}

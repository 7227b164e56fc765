package detector

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/bus"
	"whale-swarm/internal/chain"
	"whale-swarm/internal/logging"
	"whale-swarm/internal/metrics"
)

// Options tune the whale detector.
type Options struct {
	// MinTriggerValue is the smallest buy value that produces an alert.
	MinTriggerValue decimal.Decimal
	// Routers is the allow-list of target contracts worth following.
	Routers []string
	// DedupWindow is how many recent tx ids are remembered. The window is
	// private state; losing it on restart may re-alert but never drops a
	// genuinely new event.
	DedupWindow int
}

// Detector consumes the chain event stream and emits deduplicated
// high-value-buy alerts on the market channel.
type Detector struct {
	opts    Options
	source  chain.Source
	bus     *bus.Bus
	logger  zerolog.Logger
	routers map[string]bool
	seen    *dedupRing
}

// New constructs a detector over source.
func New(opts Options, source chain.Source, b *bus.Bus, logger zerolog.Logger) *Detector {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 1024
	}
	routers := make(map[string]bool, len(opts.Routers))
	for _, r := range opts.Routers {
		routers[strings.ToLower(r)] = true
	}
	return &Detector{
		opts:    opts,
		source:  source,
		bus:     b,
		logger:  logging.Component(logger, "whale_detector"),
		routers: routers,
		seen:    newDedupRing(opts.DedupWindow),
	}
}

// Run processes chain events until ctx is done or the source closes.
func (d *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-d.source.Events():
			if !ok {
				return nil
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Detector) handle(ctx context.Context, ev chain.Event) {
	if ev.Value.LessThan(d.opts.MinTriggerValue) {
		return
	}
	if len(d.routers) > 0 && !d.routers[strings.ToLower(ev.To.Hex())] {
		return
	}
	if !d.seen.add(ev.TxID) {
		d.logger.Debug().Str("tx", ev.TxID).Msg("duplicate whale event suppressed")
		return
	}

	token := ev.Token
	if token == (common.Address{}) {
		token = ev.To
	}

	alert := bus.WhaleAlert{
		Token:      token.Hex(),
		Value:      ev.Value,
		TxID:       ev.TxID,
		DetectedAt: ev.Timestamp,
	}
	msg, err := bus.NewMessage(bus.TypeWhaleAlert, bus.RoleDetector, alert)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to build whale alert")
		return
	}
	msg = msg.WithCorrelation(msg.ID)

	if err := d.bus.Publish(ctx, bus.ChannelMarket, msg); err != nil {
		d.logger.Error().Err(err).Str("tx", ev.TxID).Msg("failed to publish whale alert")
		return
	}

	metrics.WhaleAlertsTotal.Inc()
	d.logger.Info().
		Str("tx", ev.TxID).
		Str("from", ev.From.Hex()).
		Str("value", ev.Value.String()).
		Msg("whale buy detected")
}

// dedupRing remembers the last capacity tx ids with FIFO eviction.
type dedupRing struct {
	capacity int
	order    []string
	present  map[string]bool
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		present:  make(map[string]bool, capacity),
	}
}

// add records id and reports whether it was new.
func (r *dedupRing) add(id string) bool {
	if r.present[id] {
		return false
	}
	if len(r.order) == r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.present, oldest)
	}
	r.order = append(r.order, id)
	r.present[id] = true
	return true
}

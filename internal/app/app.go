package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"whale-swarm/internal/alerting"
	"whale-swarm/internal/bus"
	"whale-swarm/internal/chain"
	"whale-swarm/internal/config"
	"whale-swarm/internal/consensus"
	"whale-swarm/internal/detector"
	"whale-swarm/internal/execution"
	"whale-swarm/internal/feed"
	"whale-swarm/internal/logging"
	"whale-swarm/internal/metrics"
	"whale-swarm/internal/position"
	"whale-swarm/internal/router"
	"whale-swarm/internal/scoring"
	"whale-swarm/internal/storage"
	"whale-swarm/internal/voters"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Run executes the long-running trading swarm.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var positionStore position.Store
	var recovered []*position.Position
	if store != nil {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}

		unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New("another instance holds the position lock")
		}
		defer unlock()

		// Trading on a corrupted position set is worse than not starting.
		if err := store.VerifyConsistency(ctx); err != nil {
			return err
		}

		recovered, err = store.ListLivePositions(ctx)
		if err != nil {
			return err
		}
		positionStore = store
	}

	b := bus.New(bus.Options{
		Capabilities:  bus.DefaultCapabilities(),
		QueueCapacity: a.Config.Bus.QueueCapacity,
		BrokerURL:     a.Config.Bus.BrokerURL,
	}, a.Logger)

	manager := position.NewManager(position.Options{
		StopLossPct:           decimal.NewFromFloat(a.Config.Position.StopLossPct),
		TakeProfitTiers:       a.Config.Position.Tiers(),
		TrailingStopPct:       decimal.NewFromFloat(a.Config.Position.TrailingStopPct),
		TrailingActivationPct: decimal.NewFromFloat(a.Config.Position.TrailingActivationPct),
		ExitRetryLimit:        a.Config.Position.ExitRetryLimit,
		OpenTimeout:           a.Config.Position.OpenTimeout,
	}, b, positionStore, a.Logger)
	if len(recovered) > 0 {
		manager.Restore(recovered)
		a.Logger.Info().Int("positions", len(recovered)).Msg("recovered live positions")
	}

	watch := make([]common.Address, 0, len(a.Config.Chain.WatchAddresses))
	for _, addr := range a.Config.Chain.WatchAddresses {
		watch = append(watch, common.HexToAddress(addr))
	}
	poller := chain.NewPoller(chain.PollerOptions{
		RPCURL:       a.Config.Chain.RPCURL,
		PollInterval: a.Config.Chain.PollInterval,
		Watch:        watch,
	}, a.Logger)

	det := detector.New(detector.Options{
		MinTriggerValue: decimal.NewFromFloat(a.Config.Trigger.MinValue),
		Routers:         a.Config.Trigger.Routers,
		DedupWindow:     a.Config.Trigger.DedupWindow,
	}, poller, b, a.Logger)

	coordinator := consensus.New(consensus.Options{
		RequiredApprovals: a.Config.Consensus.RequiredApprovals,
		Timeout:           a.Config.Consensus.Timeout,
		Voters:            a.Config.Consensus.Voters,
		VetoAgents:        a.Config.Consensus.VetoAgents,
	}, b, a.Logger)

	// Gating agents run in-process for the roles we know how to build;
	// unrecognized voter roles are expected to vote through the broker.
	gating := make(map[string]*voters.Voter)
	for _, role := range a.Config.Consensus.Voters {
		var rule voters.Rule
		switch role {
		case bus.RoleTraderAgent:
			rule = voters.TraderRule{MinFollowValue: decimal.NewFromFloat(a.Config.Agents.Trader.MinFollowValue)}
		case bus.RoleSmartAgent:
			rule = voters.NewSmartRule(decimal.NewFromFloat(a.Config.Agents.Smart.MinScore), a.Config.Agents.Smart.TokenCooldown)
		case bus.RoleRiskAgent:
			rule = voters.NewRiskRule(decimal.NewFromFloat(a.Config.Agents.Risk.MaxBuyValue))
		default:
			a.Logger.Info().Str("agent", role).Msg("no in-process rule for voter, expecting votes via broker")
			continue
		}
		gating[role] = voters.New(role, rule, b, a.Logger)
	}

	oracle := scoring.NewHTTPOracle(scoring.HTTPOracleOptions{
		BaseURL:   a.Config.Scoring.OracleURL,
		Timeout:   a.Config.Scoring.RequestTimeout,
		Retries:   a.Config.Scoring.Retries,
		UserAgent: a.Config.Scoring.UserAgent,
	}, a.Logger)
	gate := scoring.NewGate(scoring.GateOptions{
		Threshold: decimal.NewFromFloat(a.Config.Scoring.Threshold),
		Timeout:   a.Config.Scoring.RequestTimeout,
	}, oracle, coordinator, b, a.Logger)

	rtr := router.New(router.FixedNotional{
		Notional: decimal.NewFromFloat(a.Config.Position.SizingNotional),
	}, b, a.Logger)

	priceFeed := feed.New(feed.Options{
		BaseURL:      a.Config.Feed.BaseURL,
		PollInterval: a.Config.Feed.PollInterval,
		Timeout:      a.Config.Feed.RequestTimeout,
		UserAgent:    a.Config.Feed.UserAgent,
	}, manager, b, a.Logger)

	// Paper fills at the feed's spot price. A missing quote fails the
	// submission, which flows back as TRADE_FAILED and retries.
	backend := execution.NewPaper(func(token string) decimal.Decimal {
		quoteCtx, quoteCancel := context.WithTimeout(ctx, a.Config.Feed.RequestTimeout)
		defer quoteCancel()
		price, err := priceFeed.FetchPrice(quoteCtx, token)
		if err != nil {
			a.Logger.Warn().Err(err).Str("token", token).Msg("no quote for paper fill")
			return decimal.Zero
		}
		return price
	})
	executor := execution.NewExecutor(execution.ExecutorOptions{}, backend, b, a.Logger)

	watcher := alerting.NewWatcher(a.newNotifier(), b, a.Logger)

	var metricsSrv *http.Server
	if a.Config.Metrics.Listen != "" {
		metricsSrv = metrics.Serve(a.Config.Metrics.Listen)
		a.Logger.Info().Str("listen", a.Config.Metrics.Listen).Msg("metrics endpoint up")
	}

	a.Logger.Info().Msg("starting trading swarm")

	g, ctx := errgroup.WithContext(ctx)
	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Str("agent", name).Msg("agent terminated with error")
				return err
			}
			return nil
		})
	}

	run("bus", b.Run)
	run("chain_poller", poller.Run)
	run("whale_detector", det.Run)
	run("scoring_gate", gate.Run)
	run("consensus_coordinator", coordinator.Run)
	for role, voter := range gating {
		run(role, voter.Run)
	}
	run("signal_router", rtr.Run)
	run("trade_executor", executor.Run)
	run("position_manager", manager.Run)
	run("price_feed", priceFeed.Run)
	run("alert_watcher", watcher.Run)

	err = g.Wait()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.Logger.Info().Msg("trading swarm stopped")
	return nil
}

// ExportOptions hold parameters for exporting the realized PnL history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"whale-swarm/internal/logging"
	"whale-swarm/internal/position"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Bus       BusConfig       `mapstructure:"bus"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Position  PositionConfig  `mapstructure:"position"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// BusConfig governs the message bus and its optional external broker.
type BusConfig struct {
	// BrokerURL is the websocket relay endpoint. Empty runs in-process only.
	BrokerURL     string `mapstructure:"broker_url"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
}

// ChainConfig covers on-chain transaction monitoring.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	WatchAddresses []string      `mapstructure:"watch_addresses"`
}

// TriggerConfig tunes whale detection.
type TriggerConfig struct {
	MinValue    float64  `mapstructure:"min_value"`
	Routers     []string `mapstructure:"routers"`
	DedupWindow int      `mapstructure:"dedup_window"`
}

// ScoringConfig captures the scoring oracle connectivity and gate threshold.
type ScoringConfig struct {
	OracleURL      string        `mapstructure:"oracle_url"`
	Threshold      float64       `mapstructure:"threshold"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retries        int           `mapstructure:"retries"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ConsensusConfig defines the voting round parameters.
type ConsensusConfig struct {
	RequiredApprovals int           `mapstructure:"required_approvals"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Voters            []string      `mapstructure:"voters"`
	VetoAgents        []string      `mapstructure:"veto_agents"`
}

// AgentsConfig tunes the in-process gating agents. Voters named in
// consensus.voters but not configured here are expected to vote through the
// external broker.
type AgentsConfig struct {
	Trader TraderAgentConfig `mapstructure:"trader"`
	Smart  SmartAgentConfig  `mapstructure:"smart"`
	Risk   RiskAgentConfig   `mapstructure:"risk"`
}

// TraderAgentConfig tunes the whale-following voter.
type TraderAgentConfig struct {
	// MinFollowValue rejects buys too small to copy. Zero disables the floor.
	MinFollowValue float64 `mapstructure:"min_follow_value"`
}

// SmartAgentConfig tunes the confidence-and-history voter.
type SmartAgentConfig struct {
	MinScore float64 `mapstructure:"min_score"`
	// TokenCooldown rejects tokens voted on too recently.
	TokenCooldown time.Duration `mapstructure:"token_cooldown"`
}

// RiskAgentConfig tunes the veto-capable risk voter.
type RiskAgentConfig struct {
	// MaxBuyValue vetoes suspiciously large buys. Zero disables the cap.
	MaxBuyValue float64 `mapstructure:"max_buy_value"`
}

// TierConfig is one take-profit rung.
type TierConfig struct {
	TriggerPct   float64 `mapstructure:"trigger_pct"`
	ExitFraction float64 `mapstructure:"exit_fraction"`
}

// PositionConfig defines the exit ladder and sizing.
type PositionConfig struct {
	StopLossPct           float64       `mapstructure:"stop_loss_pct"`
	TakeProfitTiers       []TierConfig  `mapstructure:"take_profit_tiers"`
	TrailingStopPct       float64       `mapstructure:"trailing_stop_pct"`
	TrailingActivationPct float64       `mapstructure:"trailing_activation_pct"`
	ExitRetryLimit        int           `mapstructure:"exit_retry_limit"`
	OpenTimeout           time.Duration `mapstructure:"open_timeout"`
	SizingNotional        float64       `mapstructure:"sizing_notional"`
}

// FeedConfig covers the price feed for open positions.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHALESWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "whaleswarm")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("bus.queue_capacity", 256)

	v.SetDefault("chain.poll_interval", "3s")
	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("trigger.min_value", 10000.0)
	v.SetDefault("trigger.dedup_window", 1024)

	v.SetDefault("scoring.threshold", 70.0)
	v.SetDefault("scoring.request_timeout", "30s")
	v.SetDefault("scoring.retries", 2)
	v.SetDefault("scoring.user_agent", "whaleswarm/1.0")

	v.SetDefault("consensus.required_approvals", 2)
	v.SetDefault("consensus.timeout", "30s")
	v.SetDefault("consensus.voters", []string{"trader-agent", "smart-agent", "risk-agent"})
	v.SetDefault("consensus.veto_agents", []string{"risk-agent"})

	v.SetDefault("agents.trader.min_follow_value", 0.0)
	v.SetDefault("agents.smart.min_score", 70.0)
	v.SetDefault("agents.smart.token_cooldown", "30m")
	v.SetDefault("agents.risk.max_buy_value", 0.0)

	v.SetDefault("position.stop_loss_pct", 0.15)
	v.SetDefault("position.trailing_stop_pct", 0.2)
	v.SetDefault("position.trailing_activation_pct", 0.1)
	v.SetDefault("position.exit_retry_limit", 3)
	v.SetDefault("position.open_timeout", "2m")
	v.SetDefault("position.sizing_notional", 100.0)

	v.SetDefault("feed.poll_interval", "5s")
	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.user_agent", "whaleswarm/1.0")

	v.SetDefault("metrics.listen", "")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x7768616c))
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Trigger.MinValue <= 0 {
		return fmt.Errorf("trigger.min_value must be greater than zero")
	}
	if c.Scoring.Threshold < 0 || c.Scoring.Threshold > 100 {
		return fmt.Errorf("scoring.threshold must be within [0, 100]")
	}
	if c.Consensus.RequiredApprovals <= 0 {
		return fmt.Errorf("consensus.required_approvals must be greater than zero")
	}
	if c.Consensus.RequiredApprovals > len(c.Consensus.Voters) {
		return fmt.Errorf("consensus.required_approvals cannot exceed the voter count")
	}
	if c.Agents.Smart.MinScore < 0 || c.Agents.Smart.MinScore > 100 {
		return fmt.Errorf("agents.smart.min_score must be within [0, 100]")
	}
	if c.Position.StopLossPct <= 0 || c.Position.StopLossPct >= 1 {
		return fmt.Errorf("position.stop_loss_pct must be within (0, 1)")
	}
	if c.Position.SizingNotional <= 0 {
		return fmt.Errorf("position.sizing_notional must be greater than zero")
	}
	for i, tier := range c.Position.TakeProfitTiers {
		if tier.TriggerPct <= 0 {
			return fmt.Errorf("position.take_profit_tiers[%d].trigger_pct must be greater than zero", i)
		}
		if tier.ExitFraction <= 0 || tier.ExitFraction > 1 {
			return fmt.Errorf("position.take_profit_tiers[%d].exit_fraction must be within (0, 1]", i)
		}
		if i > 0 && tier.TriggerPct <= c.Position.TakeProfitTiers[i-1].TriggerPct {
			return fmt.Errorf("position.take_profit_tiers must be strictly ascending")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// Tiers converts the configured ladder to position tiers, falling back to
// the default two-rung ladder when none are configured.
func (c *PositionConfig) Tiers() []position.Tier {
	if len(c.TakeProfitTiers) == 0 {
		return []position.Tier{
			{TriggerPct: decimal.RequireFromString("0.5"), ExitFraction: decimal.RequireFromString("0.5")},
			{TriggerPct: decimal.RequireFromString("1.0"), ExitFraction: decimal.RequireFromString("0.5")},
		}
	}
	tiers := make([]position.Tier, 0, len(c.TakeProfitTiers))
	for _, tier := range c.TakeProfitTiers {
		tiers = append(tiers, position.Tier{
			TriggerPct:   decimal.NewFromFloat(tier.TriggerPct),
			ExitFraction: decimal.NewFromFloat(tier.ExitFraction),
		})
	}
	return tiers
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Cron   CronConfig   `mapstructure:"cron"`

	Fetch      FetchConfig      `mapstructure:"fetch"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
	Confidence ConfidenceConfig `mapstructure:"confidence"`
	Edge       EdgeConfig       `mapstructure:"edge"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Portfolio  PortfolioConfig  `mapstructure:"portfolio"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Tick    string `mapstructure:"tick"`
}

type FetchConfig struct {
	Retries          int           `mapstructure:"retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffJitter    time.Duration `mapstructure:"backoff_jitter"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	LatencySmoothing float64       `mapstructure:"latency_smoothing"`
}

type FeedConfig struct {
	Streams []StreamFeedConfig `mapstructure:"streams"`
}

type StreamFeedConfig struct {
	SourceID    string        `mapstructure:"source_id"`
	URL         string        `mapstructure:"url"`
	MaxQuoteAge time.Duration `mapstructure:"max_quote_age"`
}

type NormalizerConfig struct {
	// ShinSkewThreshold is the max/min implied-probability ratio above which
	// the Shin devig is attempted instead of proportional scaling.
	ShinSkewThreshold float64 `mapstructure:"shin_skew_threshold"`
	SumEpsilon        float64 `mapstructure:"sum_epsilon"`
}

type MatcherConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
}

type ConfidenceConfig struct {
	LaplaceAlpha       float64       `mapstructure:"laplace_alpha"`
	AgreementBonus     float64       `mapstructure:"agreement_bonus"`
	AgreementBonusCap  float64       `mapstructure:"agreement_bonus_cap"`
	FreshnessThreshold time.Duration `mapstructure:"freshness_threshold"`
	StalenessPerMin    float64       `mapstructure:"staleness_penalty_per_min"`
	MaxAge             time.Duration `mapstructure:"max_age"`
	MinFloor           float64       `mapstructure:"min_floor"`
}

type EdgeConfig struct {
	MinEdge float64 `mapstructure:"min_edge"`
}

type SizingConfig struct {
	KellyMultiplier     float64 `mapstructure:"kelly_multiplier"`
	MaxFraction         float64 `mapstructure:"max_fraction"`
	BootstrapIterations int     `mapstructure:"bootstrap_iterations"`
	MonteCarloPaths     int     `mapstructure:"monte_carlo_paths"`
	MonteCarloHorizon   int     `mapstructure:"monte_carlo_horizon"`
	DrawdownCeiling     float64 `mapstructure:"drawdown_ceiling"`
}

type PortfolioConfig struct {
	InitialBalance     float64       `mapstructure:"initial_balance"`
	TransactionCost    float64       `mapstructure:"transaction_cost"`
	LossStreakLimit    int           `mapstructure:"loss_streak_limit"`
	LossStreakCooldown time.Duration `mapstructure:"loss_streak_cooldown"`
	SnapshotOnResolve  bool          `mapstructure:"snapshot_on_resolve"`
	MaxOpenPositions   int           `mapstructure:"max_open_positions"`
	Phases             []PhaseConfig `mapstructure:"phases"`
}

type PhaseConfig struct {
	ID              string  `mapstructure:"id"`
	MinBalance      float64 `mapstructure:"min_balance"`
	MaxFraction     float64 `mapstructure:"max_fraction"`
	DailyTradeLimit int     `mapstructure:"daily_trade_limit"`
	DailyLossLimit  float64 `mapstructure:"daily_loss_limit"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.tick", "@every 5m")

	v.SetDefault("fetch.retries", 2)
	v.SetDefault("fetch.backoff_base", "1s")
	v.SetDefault("fetch.backoff_jitter", "500ms")
	v.SetDefault("fetch.timeout", "8s")
	v.SetDefault("fetch.failure_threshold", 5)
	v.SetDefault("fetch.cooldown", "30m")
	v.SetDefault("fetch.latency_smoothing", 0.2)

	v.SetDefault("normalizer.shin_skew_threshold", 4.0)
	v.SetDefault("normalizer.sum_epsilon", 1e-6)

	v.SetDefault("matcher.min_confidence", 0.7)

	v.SetDefault("confidence.laplace_alpha", 4)
	v.SetDefault("confidence.agreement_bonus", 8)
	v.SetDefault("confidence.agreement_bonus_cap", 20)
	v.SetDefault("confidence.freshness_threshold", "5m")
	v.SetDefault("confidence.staleness_penalty_per_min", 1.0)
	v.SetDefault("confidence.max_age", "1h")
	v.SetDefault("confidence.min_floor", 40)

	v.SetDefault("edge.min_edge", 0.10)

	v.SetDefault("sizing.kelly_multiplier", 0.25)
	v.SetDefault("sizing.max_fraction", 0.25)
	v.SetDefault("sizing.bootstrap_iterations", 1000)
	v.SetDefault("sizing.monte_carlo_paths", 500)
	v.SetDefault("sizing.monte_carlo_horizon", 50)
	v.SetDefault("sizing.drawdown_ceiling", 0.20)

	v.SetDefault("portfolio.initial_balance", 10000)
	v.SetDefault("portfolio.transaction_cost", 0.02)
	v.SetDefault("portfolio.loss_streak_limit", 3)
	v.SetDefault("portfolio.loss_streak_cooldown", "6h")
	v.SetDefault("portfolio.snapshot_on_resolve", true)
	v.SetDefault("portfolio.max_open_positions", 20)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.Portfolio.Phases) == 0 {
		cfg.Portfolio.Phases = DefaultPhases()
	}

	return cfg, nil
}

// DefaultPhases is the bankroll ladder used when config does not override it.
// The active phase is the one with the highest min_balance not exceeding the
// current balance.
func DefaultPhases() []PhaseConfig {
	return []PhaseConfig{
		{ID: "seed", MinBalance: 0, MaxFraction: 0.10, DailyTradeLimit: 5, DailyLossLimit: 200},
		{ID: "growth", MinBalance: 15000, MaxFraction: 0.15, DailyTradeLimit: 10, DailyLossLimit: 600},
		{ID: "scale", MinBalance: 50000, MaxFraction: 0.20, DailyTradeLimit: 20, DailyLossLimit: 2000},
		{ID: "preservation", MinBalance: 200000, MaxFraction: 0.05, DailyTradeLimit: 10, DailyLossLimit: 4000},
	}
}

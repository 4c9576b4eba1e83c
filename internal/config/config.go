package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Strategy StrategyConfig `yaml:"strategy"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Trend    TrendConfig    `yaml:"trend"`
	State    StateConfig    `yaml:"state"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
	Journal  JournalConfig  `yaml:"journal"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ExchangeConfig struct {
	BaseURL              string        `yaml:"base_url"`
	Timeout              time.Duration `yaml:"timeout"`
	Depth                int           `yaml:"depth"`
	TradeLimit           int           `yaml:"trade_limit"`
	CandleInterval       string        `yaml:"candle_interval"`
	CandleLimit          int           `yaml:"candle_limit"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	RateLimitSafety      float64       `yaml:"rate_limit_safety"`
}

type StrategyConfig struct {
	Symbol             string        `yaml:"symbol"`
	BaseAsset          string        `yaml:"base_asset"`
	QuoteAsset         string        `yaml:"quote_asset"`
	TradeAmount        float64       `yaml:"trade_amount"`
	Interval           time.Duration `yaml:"interval"`
	MaxBaseValue       float64       `yaml:"max_base_value"`
	FeeRate            float64       `yaml:"fee_rate"`
	SettleDelay        time.Duration `yaml:"settle_delay"`
	MaxSellRetries     int           `yaml:"max_sell_retries"`
	SellShrinkFactor   float64       `yaml:"sell_shrink_factor"`
	CancelBuyOnBearish *bool         `yaml:"cancel_buy_on_bearish"`
	MetadataTTL        time.Duration `yaml:"metadata_ttl"`
}

type AnalyzerConfig struct {
	MinLevels              int     `yaml:"min_levels"`
	ImbalanceThreshold     float64 `yaml:"imbalance_threshold"`
	Mode                   string  `yaml:"mode"`
	SellWallRatio          float64 `yaml:"sell_wall_ratio"`
	LargeOrderFraction     float64 `yaml:"large_order_fraction"`
	EntrySource            string  `yaml:"entry_source"`
	SignificantBidFraction float64 `yaml:"significant_bid_fraction"`
	SlippageCap            float64 `yaml:"slippage_cap"`
	ExitReference          string  `yaml:"exit_reference"`
	DeepBidLevel           int     `yaml:"deep_bid_level"`
	ProfitMargin           float64 `yaml:"profit_margin"`
}

type TrendConfig struct {
	Enabled     bool `yaml:"enabled"`
	ShortPeriod int  `yaml:"short_period"`
	LongPeriod  int  `yaml:"long_period"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

func (s StrategyConfig) CancelBuyOnBearishEnabled() bool {
	return s.CancelBuyOnBearish == nil || *s.CancelBuyOnBearish
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.binance.com"
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.Depth == 0 {
		cfg.Exchange.Depth = 100
	}
	if cfg.Exchange.TradeLimit == 0 {
		cfg.Exchange.TradeLimit = 100
	}
	if cfg.Exchange.CandleInterval == "" {
		cfg.Exchange.CandleInterval = "1m"
	}
	if cfg.Exchange.CandleLimit == 0 {
		cfg.Exchange.CandleLimit = 30
	}
	if cfg.Exchange.MaxRequestsPerMinute == 0 {
		cfg.Exchange.MaxRequestsPerMinute = 1200
	}
	if cfg.Exchange.RateLimitSafety == 0 {
		cfg.Exchange.RateLimitSafety = 0.75
	}
	if cfg.Strategy.QuoteAsset == "" {
		cfg.Strategy.QuoteAsset = "USDT"
	}
	if cfg.Strategy.BaseAsset == "" && cfg.Strategy.Symbol != "" {
		cfg.Strategy.BaseAsset = strings.TrimSuffix(cfg.Strategy.Symbol, cfg.Strategy.QuoteAsset)
	}
	if cfg.Strategy.Interval == 0 {
		cfg.Strategy.Interval = 2 * time.Second
	}
	if cfg.Strategy.MaxBaseValue == 0 {
		cfg.Strategy.MaxBaseValue = 50
	}
	if cfg.Strategy.FeeRate == 0 {
		cfg.Strategy.FeeRate = 0.001
	}
	if cfg.Strategy.SettleDelay == 0 {
		cfg.Strategy.SettleDelay = 10 * time.Second
	}
	if cfg.Strategy.MaxSellRetries == 0 {
		cfg.Strategy.MaxSellRetries = 5
	}
	if cfg.Strategy.SellShrinkFactor == 0 {
		cfg.Strategy.SellShrinkFactor = 0.99
	}
	if cfg.Strategy.MetadataTTL == 0 {
		cfg.Strategy.MetadataTTL = time.Hour
	}
	if cfg.Analyzer.MinLevels == 0 {
		cfg.Analyzer.MinLevels = 10
	}
	if cfg.Analyzer.ImbalanceThreshold == 0 {
		cfg.Analyzer.ImbalanceThreshold = 1.2
	}
	if cfg.Analyzer.Mode == "" {
		cfg.Analyzer.Mode = "imbalance"
	}
	if cfg.Analyzer.SellWallRatio == 0 {
		cfg.Analyzer.SellWallRatio = 1.5
	}
	if cfg.Analyzer.LargeOrderFraction == 0 {
		cfg.Analyzer.LargeOrderFraction = 0.01
	}
	if cfg.Analyzer.EntrySource == "" {
		cfg.Analyzer.EntrySource = "significant_bid"
	}
	if cfg.Analyzer.SignificantBidFraction == 0 {
		cfg.Analyzer.SignificantBidFraction = 0.05
	}
	if cfg.Analyzer.SlippageCap == 0 {
		cfg.Analyzer.SlippageCap = 0.01
	}
	if cfg.Analyzer.ExitReference == "" {
		cfg.Analyzer.ExitReference = "best_ask"
	}
	if cfg.Analyzer.DeepBidLevel == 0 {
		cfg.Analyzer.DeepBidLevel = 5
	}
	if cfg.Analyzer.ProfitMargin == 0 {
		cfg.Analyzer.ProfitMargin = 0.0044
	}
	if cfg.Trend.ShortPeriod == 0 {
		cfg.Trend.ShortPeriod = 3
	}
	if cfg.Trend.LongPeriod == 0 {
		cfg.Trend.LongPeriod = 21
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/ob-scalp-bot.db"
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if cfg.Strategy.BaseAsset == "" {
		return errors.New("strategy.base_asset is required")
	}
	if cfg.Strategy.TradeAmount <= 0 {
		return errors.New("strategy.trade_amount must be > 0")
	}
	if cfg.Strategy.FeeRate < 0 || cfg.Strategy.FeeRate >= 1 {
		return errors.New("strategy.fee_rate must be in [0, 1)")
	}
	if cfg.Strategy.SellShrinkFactor <= 0 || cfg.Strategy.SellShrinkFactor >= 1 {
		return errors.New("strategy.sell_shrink_factor must be in (0, 1)")
	}
	if cfg.Analyzer.ImbalanceThreshold <= 1 {
		return errors.New("analyzer.imbalance_threshold must be > 1")
	}
	switch cfg.Analyzer.Mode {
	case "imbalance", "whale":
	default:
		return fmt.Errorf("analyzer.mode %q is not one of imbalance, whale", cfg.Analyzer.Mode)
	}
	switch cfg.Analyzer.EntrySource {
	case "best_ask", "significant_bid", "bid_vwap":
	default:
		return fmt.Errorf("analyzer.entry_source %q is not one of best_ask, significant_bid, bid_vwap", cfg.Analyzer.EntrySource)
	}
	switch cfg.Analyzer.ExitReference {
	case "best_ask", "deep_bid":
	default:
		return fmt.Errorf("analyzer.exit_reference %q is not one of best_ask, deep_bid", cfg.Analyzer.ExitReference)
	}
	if cfg.Trend.Enabled && cfg.Trend.ShortPeriod >= cfg.Trend.LongPeriod {
		return errors.New("trend.short_period must be < trend.long_period")
	}
	if cfg.Journal.Enabled && cfg.Journal.DSN == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	return nil
}

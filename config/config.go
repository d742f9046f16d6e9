package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Arbflow    ArbflowConfig    `yaml:"arbflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Watch      []WatchConfig    `yaml:"watch"`
	Calendar   []CalendarConfig `yaml:"calendar"`
	Venues     VenuesConfig     `yaml:"venues"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Policy     PolicyConfig     `yaml:"policy"`
	Pricing    PricingConfig    `yaml:"pricing"`
}

type ArbflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
	ReportSecs int    `yaml:"report_interval_s"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

// WatchConfig selects one symbol and the instrument kinds scanned for it.
type WatchConfig struct {
	Symbol      string   `yaml:"symbol"`
	Instruments []string `yaml:"instruments"`
}

// CalendarConfig describes one near/far dated-future pair of the same
// underlying for calendar spread detection.
type CalendarConfig struct {
	Symbol     string    `yaml:"symbol"`
	Venue      string    `yaml:"venue"`
	NearSymbol string    `yaml:"near_symbol"`
	NearExpiry time.Time `yaml:"near_expiry"`
	FarSymbol  string    `yaml:"far_symbol"`
	FarExpiry  time.Time `yaml:"far_expiry"`
}

type VenuesConfig struct {
	Binance BinanceVenueConfig `yaml:"binance"`
	Bybit   BybitVenueConfig   `yaml:"bybit"`
	Okx     OkxVenueConfig     `yaml:"okx"`
	Kucoin  KucoinVenueConfig  `yaml:"kucoin"`
}

type BinanceVenueConfig struct {
	Enabled            bool `yaml:"enabled"`
	SnapshotDepth      int  `yaml:"snapshot_depth"`
	SnapshotIntervalMs int  `yaml:"snapshot_interval_ms"`
	SnapshotRPS        int  `yaml:"snapshot_requests_per_second"`
}

type BybitVenueConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SpotURL   string `yaml:"spot_url"`
	LinearURL string `yaml:"linear_url"`
	Depth     int    `yaml:"depth"`
}

type OkxVenueConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type KucoinVenueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type DispatcherConfig struct {
	Reconnect      ReconnectConfig      `yaml:"reconnect"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	ResyncRate     ResyncRateConfig     `yaml:"resync_rate"`
}

type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// BaseDelay converts the millisecond tunable.
func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay converts the millisecond tunable.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

type CircuitBreakerConfig struct {
	FailureThreshold  uint32 `yaml:"failure_threshold"`
	RecoveryTimeoutMs int    `yaml:"recovery_timeout_ms"`
}

// RecoveryTimeout converts the millisecond tunable.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMs) * time.Millisecond
}

type ResyncRateConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PolicyConfig carries every runtime threshold the detector and risk gate
// consume. Values are immutable once the engine starts.
type PolicyConfig struct {
	MinProfitBPS            float64            `yaml:"min_profit_bps"`
	OpportunityTTLMs        int                `yaml:"opportunity_ttl_ms"`
	MaxPositionSizeUSD      float64            `yaml:"max_position_size_usd"`
	MaxPortfolioExposureUSD float64            `yaml:"max_portfolio_exposure_usd"`
	DefaultPositionLimit    float64            `yaml:"default_position_limit"`
	PerSymbolPositionLimit  map[string]float64 `yaml:"per_symbol_position_limit"`
	PerVenueExposureLimit   map[string]float64 `yaml:"per_venue_exposure_limit"`
	MaxExecutionRisk        float64            `yaml:"max_execution_risk"`
	MaxFundingRisk          float64            `yaml:"max_funding_risk"`
	MinLiquidityScore       float64            `yaml:"min_liquidity_score"`
	TakerFeeBPS             float64            `yaml:"taker_fee_bps"`
	MakerFeeBPS             float64            `yaml:"maker_fee_bps"`
	DetectionIntervalMs     int                `yaml:"detection_interval_ms"`
	MaxOpportunityQueue     int                `yaml:"max_opportunity_queue"`
	FreshnessWindowMs       int                `yaml:"freshness_window_ms"`
}

type PricingConfig struct {
	RiskFreeRate         float64 `yaml:"risk_free_rate"`
	StorageCost          float64 `yaml:"storage_cost"`
	FundingIntervalHours int     `yaml:"funding_interval_hours"`
}

// LoadConfig reads and validates the engine configuration. Unknown options
// are rejected so a typoed threshold cannot silently fall back to zero.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			ReportSecs: 30,
		},
		Channels: ChannelsConfig{
			EventBuffer: 4096,
		},
		Dispatcher: DispatcherConfig{
			Reconnect: ReconnectConfig{
				MaxAttempts: 10,
				BaseDelayMs: 1000,
				MaxDelayMs:  60000,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:  5,
				RecoveryTimeoutMs: 30000,
			},
			ResyncRate: ResyncRateConfig{
				RequestsPerSecond: 2,
				Burst:             4,
			},
		},
		Policy: PolicyConfig{
			MinProfitBPS:            1,
			OpportunityTTLMs:        500,
			MaxPositionSizeUSD:      100000,
			MaxPortfolioExposureUSD: 1000000,
			DefaultPositionLimit:    50000,
			MaxExecutionRisk:        0.7,
			MaxFundingRisk:          0.01,
			MinLiquidityScore:       0.7,
			TakerFeeBPS:             4,
			MakerFeeBPS:             2,
			DetectionIntervalMs:     100,
			MaxOpportunityQueue:     256,
			FreshnessWindowMs:       5000,
		},
		Pricing: PricingConfig{
			RiskFreeRate:         0.05,
			FundingIntervalHours: 8,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Metrics.Region == "" {
		cfg.Metrics.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.TrimSpace(v)
	}
}

// OpportunityTTL converts the millisecond tunable.
func (p PolicyConfig) OpportunityTTL() time.Duration {
	return time.Duration(p.OpportunityTTLMs) * time.Millisecond
}

// DetectionInterval converts the millisecond tunable.
func (p PolicyConfig) DetectionInterval() time.Duration {
	return time.Duration(p.DetectionIntervalMs) * time.Millisecond
}

// FreshnessWindow converts the millisecond tunable.
func (p PolicyConfig) FreshnessWindow() time.Duration {
	return time.Duration(p.FreshnessWindowMs) * time.Millisecond
}

func validateConfig(cfg *Config) error {
	if cfg.Arbflow.Name == "" {
		return fmt.Errorf("arbflow.name is required")
	}

	if cfg.Arbflow.Version == "" {
		return fmt.Errorf("arbflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if len(cfg.Watch) == 0 {
		return fmt.Errorf("watch must name at least one symbol")
	}
	for i, w := range cfg.Watch {
		if w.Symbol == "" {
			return fmt.Errorf("watch[%d].symbol is required", i)
		}
		if len(w.Instruments) == 0 {
			return fmt.Errorf("watch[%d].instruments must name at least one instrument", i)
		}
		for _, inst := range w.Instruments {
			switch inst {
			case "spot", "perpetual", "future", "option":
			default:
				return fmt.Errorf("watch[%d] has unknown instrument %q", i, inst)
			}
		}
	}

	for i, c := range cfg.Calendar {
		if c.Symbol == "" || c.NearSymbol == "" || c.FarSymbol == "" {
			return fmt.Errorf("calendar[%d] requires symbol, near_symbol and far_symbol", i)
		}
		if !c.FarExpiry.After(c.NearExpiry) {
			return fmt.Errorf("calendar[%d] far_expiry must be after near_expiry", i)
		}
	}

	p := cfg.Policy
	if p.MinProfitBPS < 0 {
		return fmt.Errorf("policy.min_profit_bps must not be negative")
	}
	if p.OpportunityTTLMs <= 0 {
		return fmt.Errorf("policy.opportunity_ttl_ms must be greater than 0")
	}
	if p.DetectionIntervalMs <= 0 {
		return fmt.Errorf("policy.detection_interval_ms must be greater than 0")
	}
	if p.MaxOpportunityQueue <= 0 {
		return fmt.Errorf("policy.max_opportunity_queue must be greater than 0")
	}
	if p.MaxExecutionRisk < 0 || p.MaxExecutionRisk > 1 {
		return fmt.Errorf("policy.max_execution_risk must be within [0,1]")
	}
	if p.MinLiquidityScore < 0 || p.MinLiquidityScore > 1 {
		return fmt.Errorf("policy.min_liquidity_score must be within [0,1]")
	}
	if p.TakerFeeBPS < 0 || p.MakerFeeBPS < 0 {
		return fmt.Errorf("policy fee schedule must not be negative")
	}
	if p.MaxPortfolioExposureUSD <= 0 {
		return fmt.Errorf("policy.max_portfolio_exposure_usd must be greater than 0")
	}
	for venue := range p.PerVenueExposureLimit {
		switch venue {
		case "binance", "bybit", "okx", "kucoin":
		default:
			return fmt.Errorf("policy.per_venue_exposure_limit has unknown venue %q", venue)
		}
	}

	if cfg.Pricing.FundingIntervalHours <= 0 {
		return fmt.Errorf("pricing.funding_interval_hours must be greater than 0")
	}

	if cfg.Dispatcher.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("dispatcher.reconnect.max_attempts must be greater than 0")
	}
	if cfg.Dispatcher.Reconnect.BaseDelayMs <= 0 || cfg.Dispatcher.Reconnect.MaxDelayMs < cfg.Dispatcher.Reconnect.BaseDelayMs {
		return fmt.Errorf("dispatcher.reconnect delays are inconsistent")
	}

	return nil
}

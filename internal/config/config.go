// Package config loads the trading core configuration from a yaml file and
// HFT_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of the trading core.
type Config struct {
	LogLevel   string
	ServerAddr string

	Dispatch  DispatchConfig
	Risk      RiskConfig
	Margin    MarginConfig
	Execution ExecutionConfig
	Optimizer OptimizerConfig
	Latency   LatencyConfig
	Venues    []VenueConfig
	Audit     AuditConfig
	Kafka     KafkaConfig
}

// DispatchConfig controls the order flow manager.
type DispatchConfig struct {
	Interval            time.Duration
	DefaultVenue        string
	DarkPoolVenue       string
	VolatilityThreshold decimal.Decimal // recent volatility above this -> HIGH priority
	SpreadThreshold     decimal.Decimal // quoted spread above this -> LOW priority
	DarkPoolVolumeRatio decimal.Decimal // order size above this fraction of recent volume -> dark pool
}

// RiskConfig holds pre-trade and continuous risk limits.
type RiskConfig struct {
	MonitorInterval   time.Duration
	StaleMetricsMax   time.Duration
	InitialCapital    decimal.Decimal
	MaxPositionSize   decimal.Decimal
	MaxNotional       decimal.Decimal
	MaxLeverage       decimal.Decimal
	MaxVaR            decimal.Decimal
	MaxVolatility     decimal.Decimal
	MaxConcentration  decimal.Decimal // fraction of portfolio in one symbol
	MaxCorrelation    decimal.Decimal
	MaxDailyTrades    int
	MaxDailyVolume    decimal.Decimal
	ReturnWindow      int             // rolling log-return window per symbol
	ReductionFraction decimal.Decimal // share of the largest position trimmed on breach
}

// MarginConfig controls the margin utilization monitor.
type MarginConfig struct {
	MonitorInterval   time.Duration
	InitialRate       decimal.Decimal
	MaintenanceRate   decimal.Decimal
	MediumUtilization decimal.Decimal
	HighUtilization   decimal.Decimal
	CriticalThreshold decimal.Decimal
	TargetCeiling     decimal.Decimal // utilization targeted by emergency reduction
}

// ExecutionConfig controls the execution engine.
type ExecutionConfig struct {
	AckTimeout      time.Duration
	FastPathMaxSize decimal.Decimal
}

// OptimizerConfig controls the execution optimizer.
type OptimizerConfig struct {
	MinTradeSize         decimal.Decimal
	MaxParticipationRate decimal.Decimal
	PermanentImpactCoeff decimal.Decimal
	TemporaryImpactCoeff decimal.Decimal
}

// LatencyConfig controls the latency recorder.
type LatencyConfig struct {
	WindowSize         int
	StatsInterval      time.Duration
	BaselineMinSamples int
	MeanDeviationMult  float64
	P99DeviationMult   float64
	AlertCeiling       int
	Thresholds         map[string]time.Duration // per source tag
}

// VenueConfig describes one execution venue.
type VenueConfig struct {
	Name            string
	DarkPool        bool
	MaxOrdersPerSec int
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// AuditConfig configures the durable event journal.
type AuditConfig struct {
	DSN        string
	BufferSize int
}

// KafkaConfig configures the alert/metrics publishing sink.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// Load reads configuration from the given file (optional) plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		LogLevel:   v.GetString("log_level"),
		ServerAddr: v.GetString("server_addr"),
		Dispatch: DispatchConfig{
			Interval:            v.GetDuration("dispatch.interval"),
			DefaultVenue:        v.GetString("dispatch.default_venue"),
			DarkPoolVenue:       v.GetString("dispatch.dark_pool_venue"),
			VolatilityThreshold: dec(v, "dispatch.volatility_threshold"),
			SpreadThreshold:     dec(v, "dispatch.spread_threshold"),
			DarkPoolVolumeRatio: dec(v, "dispatch.dark_pool_volume_ratio"),
		},
		Risk: RiskConfig{
			MonitorInterval:   v.GetDuration("risk.monitor_interval"),
			StaleMetricsMax:   v.GetDuration("risk.stale_metrics_max"),
			InitialCapital:    dec(v, "risk.initial_capital"),
			MaxPositionSize:   dec(v, "risk.max_position_size"),
			MaxNotional:       dec(v, "risk.max_notional"),
			MaxLeverage:       dec(v, "risk.max_leverage"),
			MaxVaR:            dec(v, "risk.max_var"),
			MaxVolatility:     dec(v, "risk.max_volatility"),
			MaxConcentration:  dec(v, "risk.max_concentration"),
			MaxCorrelation:    dec(v, "risk.max_correlation"),
			MaxDailyTrades:    v.GetInt("risk.max_daily_trades"),
			MaxDailyVolume:    dec(v, "risk.max_daily_volume"),
			ReturnWindow:      v.GetInt("risk.return_window"),
			ReductionFraction: dec(v, "risk.reduction_fraction"),
		},
		Margin: MarginConfig{
			MonitorInterval:   v.GetDuration("margin.monitor_interval"),
			InitialRate:       dec(v, "margin.initial_rate"),
			MaintenanceRate:   dec(v, "margin.maintenance_rate"),
			MediumUtilization: dec(v, "margin.medium_utilization"),
			HighUtilization:   dec(v, "margin.high_utilization"),
			CriticalThreshold: dec(v, "margin.critical_threshold"),
			TargetCeiling:     dec(v, "margin.target_ceiling"),
		},
		Execution: ExecutionConfig{
			AckTimeout:      v.GetDuration("execution.ack_timeout"),
			FastPathMaxSize: dec(v, "execution.fast_path_max_size"),
		},
		Optimizer: OptimizerConfig{
			MinTradeSize:         dec(v, "optimizer.min_trade_size"),
			MaxParticipationRate: dec(v, "optimizer.max_participation_rate"),
			PermanentImpactCoeff: dec(v, "optimizer.permanent_impact_coeff"),
			TemporaryImpactCoeff: dec(v, "optimizer.temporary_impact_coeff"),
		},
		Latency: LatencyConfig{
			WindowSize:         v.GetInt("latency.window_size"),
			StatsInterval:      v.GetDuration("latency.stats_interval"),
			BaselineMinSamples: v.GetInt("latency.baseline_min_samples"),
			MeanDeviationMult:  v.GetFloat64("latency.mean_deviation_mult"),
			P99DeviationMult:   v.GetFloat64("latency.p99_deviation_mult"),
			AlertCeiling:       v.GetInt("latency.alert_ceiling"),
			Thresholds:         latencyThresholds(v),
		},
		Audit: AuditConfig{
			DSN:        v.GetString("audit.dsn"),
			BufferSize: v.GetInt("audit.buffer_size"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: v.GetStringSlice("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
	}

	if err := v.UnmarshalKey("venues", &cfg.Venues); err != nil {
		return nil, err
	}
	if len(cfg.Venues) == 0 {
		cfg.Venues = defaultVenues()
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server_addr", ":8080")

	v.SetDefault("dispatch.interval", "10ms")
	v.SetDefault("dispatch.default_venue", "PRIMARY")
	v.SetDefault("dispatch.dark_pool_venue", "DARK1")
	v.SetDefault("dispatch.volatility_threshold", "0.02")
	v.SetDefault("dispatch.spread_threshold", "0.05")
	v.SetDefault("dispatch.dark_pool_volume_ratio", "0.10")

	v.SetDefault("risk.monitor_interval", "1s")
	v.SetDefault("risk.stale_metrics_max", "10s")
	v.SetDefault("risk.initial_capital", "1000000")
	v.SetDefault("risk.reduction_fraction", "0.5")
	v.SetDefault("risk.max_position_size", "10000")
	v.SetDefault("risk.max_notional", "1000000")
	v.SetDefault("risk.max_leverage", "4")
	v.SetDefault("risk.max_var", "50000")
	v.SetDefault("risk.max_volatility", "0.05")
	v.SetDefault("risk.max_concentration", "0.25")
	v.SetDefault("risk.max_correlation", "0.8")
	v.SetDefault("risk.max_daily_trades", 10000)
	v.SetDefault("risk.max_daily_volume", "1000000")
	v.SetDefault("risk.return_window", 256)

	v.SetDefault("margin.monitor_interval", "5s")
	v.SetDefault("margin.initial_rate", "0.25")
	v.SetDefault("margin.maintenance_rate", "0.15")
	v.SetDefault("margin.medium_utilization", "0.40")
	v.SetDefault("margin.high_utilization", "0.60")
	v.SetDefault("margin.critical_threshold", "0.80")
	v.SetDefault("margin.target_ceiling", "0.50")

	v.SetDefault("execution.ack_timeout", "500ms")
	v.SetDefault("execution.fast_path_max_size", "500")

	v.SetDefault("optimizer.min_trade_size", "1")
	v.SetDefault("optimizer.max_participation_rate", "0.25")
	v.SetDefault("optimizer.permanent_impact_coeff", "0.1")
	v.SetDefault("optimizer.temporary_impact_coeff", "0.5")

	v.SetDefault("latency.window_size", 1000)
	v.SetDefault("latency.stats_interval", "5s")
	v.SetDefault("latency.baseline_min_samples", 100)
	v.SetDefault("latency.mean_deviation_mult", 1.5)
	v.SetDefault("latency.p99_deviation_mult", 2.0)
	v.SetDefault("latency.alert_ceiling", 10)
	v.SetDefault("latency.thresholds.network", "1ms")
	v.SetDefault("latency.thresholds.processing", "500us")
	v.SetDefault("latency.thresholds.database", "10ms")
	v.SetDefault("latency.thresholds.exchange", "5ms")
	v.SetDefault("latency.thresholds.total", "20ms")

	v.SetDefault("audit.dsn", "file:audit.db?cache=shared")
	v.SetDefault("audit.buffer_size", 4096)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "hft.alerts")
}

func latencyThresholds(v *viper.Viper) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for source := range v.GetStringMap("latency.thresholds") {
		out[source] = v.GetDuration("latency.thresholds." + source)
	}
	return out
}

func defaultVenues() []VenueConfig {
	return []VenueConfig{
		{Name: "PRIMARY", MaxOrdersPerSec: 100, BreakerFailures: 3, BreakerTimeout: 5 * time.Second},
		{Name: "SECONDARY", MaxOrdersPerSec: 100, BreakerFailures: 3, BreakerTimeout: 5 * time.Second},
		{Name: "DARK1", DarkPool: true, MaxOrdersPerSec: 50, BreakerFailures: 3, BreakerTimeout: 5 * time.Second},
	}
}

func dec(v *viper.Viper, key string) decimal.Decimal {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

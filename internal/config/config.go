// Package config loads engine configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/steampunk-industries/quantsim/internal/correlation"
	"github.com/steampunk-industries/quantsim/internal/optimize"
	"github.com/steampunk-industries/quantsim/internal/regime"
	"github.com/steampunk-industries/quantsim/pkg/types"
)

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Address returns the listen address
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExchangeConfig configures simulated execution. Fees are plain floats
// here and converted to decimals at the boundary.
type ExchangeConfig struct {
	MakerFee       float64 `mapstructure:"maker_fee"`
	TakerFee       float64 `mapstructure:"taker_fee"`
	InitialCapital float64 `mapstructure:"initial_capital"`
	QuoteCurrency  string  `mapstructure:"quote_currency"`
}

// Config is the engine's full runtime configuration
type Config struct {
	Server      ServerConfig               `mapstructure:"server"`
	DataDir     string                     `mapstructure:"data_dir"`
	LogLevel    string                     `mapstructure:"log_level"`
	Exchange    ExchangeConfig             `mapstructure:"exchange"`
	Risk        types.RiskConfig           `mapstructure:"risk"`
	Regime      regime.Config              `mapstructure:"regime"`
	Correlation correlation.Config         `mapstructure:"correlation"`
	Optimizer   optimize.Config            `mapstructure:"optimizer"`
	WalkForward optimize.WalkForwardConfig `mapstructure:"walk_forward"`
}

// Load reads configuration from the given file, falling back to
// defaults, with QUANTSIM_* environment variables overriding both
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("QUANTSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// TypesExchangeConfig converts the flat float config into the decimal
// form the simulator takes
func (c *Config) TypesExchangeConfig() types.ExchangeConfig {
	quote := c.Exchange.QuoteCurrency
	if quote == "" {
		quote = "USDT"
	}
	return types.ExchangeConfig{
		MakerFee: decimal.NewFromFloat(c.Exchange.MakerFee),
		TakerFee: decimal.NewFromFloat(c.Exchange.TakerFee),
		InitialBalances: map[string]decimal.Decimal{
			quote: decimal.NewFromFloat(c.Exchange.InitialCapital),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")

	v.SetDefault("exchange.maker_fee", 0.001)
	v.SetDefault("exchange.taker_fee", 0.002)
	v.SetDefault("exchange.initial_capital", 10000.0)
	v.SetDefault("exchange.quote_currency", "USDT")

	risk := types.DefaultRiskConfig()
	v.SetDefault("risk.max_drawdown", risk.MaxDrawdown)
	v.SetDefault("risk.max_daily_loss", risk.MaxDailyLoss)
	v.SetDefault("risk.max_position_size", risk.MaxPositionSize)
	v.SetDefault("risk.risk_per_trade", risk.RiskPerTrade)
	v.SetDefault("risk.default_stop_loss_pct", risk.DefaultStopLossPct)
	v.SetDefault("risk.min_stop_loss_pct", risk.MinStopLossPct)
	v.SetDefault("risk.max_stop_loss_pct", risk.MaxStopLossPct)
	v.SetDefault("risk.atr_multiplier", risk.ATRMultiplier)
	v.SetDefault("risk.reward_ratio", risk.RewardRatio)
	v.SetDefault("risk.take_profit_pct", risk.TakeProfitPct)

	rg := regime.DefaultConfig()
	v.SetDefault("regime.detector", rg.Detector)
	v.SetDefault("regime.volatility_window", rg.VolatilityWindow)
	v.SetDefault("regime.adx_period", rg.ADXPeriod)
	v.SetDefault("regime.fast_ema", rg.FastEMA)
	v.SetDefault("regime.slow_ema", rg.SlowEMA)
	v.SetDefault("regime.high_volatility", rg.HighVolatility)
	v.SetDefault("regime.low_volatility", rg.LowVolatility)
	v.SetDefault("regime.trend_threshold", rg.TrendThreshold)

	corr := correlation.DefaultConfig()
	v.SetDefault("correlation.threshold", corr.Threshold)
	v.SetDefault("correlation.cache_ttl", corr.CacheTTL)

	opt := optimize.DefaultConfig()
	v.SetDefault("optimizer.metric", opt.Metric)
	v.SetDefault("optimizer.minimize", opt.Minimize)
	v.SetDefault("optimizer.workers", opt.Workers)
	v.SetDefault("optimizer.trials", opt.Trials)
	v.SetDefault("optimizer.seed", opt.Seed)

	v.SetDefault("walk_forward.train_days", 30)
	v.SetDefault("walk_forward.test_days", 10)
}

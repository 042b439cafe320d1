package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeConfig configures the simulated exchange
type ExchangeConfig struct {
	MakerFee        decimal.Decimal            `json:"makerFee" mapstructure:"maker_fee"`
	TakerFee        decimal.Decimal            `json:"takerFee" mapstructure:"taker_fee"`
	InitialBalances map[string]decimal.Decimal `json:"initialBalances" mapstructure:"initial_balances"`
}

// DefaultExchangeConfig returns exchange defaults with standard
// spot-market fee tiers and a single quote-currency balance.
func DefaultExchangeConfig() ExchangeConfig {
	return ExchangeConfig{
		MakerFee: decimal.NewFromFloat(0.001),
		TakerFee: decimal.NewFromFloat(0.002),
		InitialBalances: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(10000),
		},
	}
}

// RiskConfig configures per-strategy risk management
type RiskConfig struct {
	MaxDrawdown        float64 `json:"maxDrawdown" mapstructure:"max_drawdown"`
	MaxDailyLoss       float64 `json:"maxDailyLoss" mapstructure:"max_daily_loss"`
	MaxPositionSize    float64 `json:"maxPositionSize" mapstructure:"max_position_size"`
	RiskPerTrade       float64 `json:"riskPerTrade" mapstructure:"risk_per_trade"`
	DefaultStopLossPct float64 `json:"defaultStopLossPct" mapstructure:"default_stop_loss_pct"`
	MinStopLossPct     float64 `json:"minStopLossPct" mapstructure:"min_stop_loss_pct"`
	MaxStopLossPct     float64 `json:"maxStopLossPct" mapstructure:"max_stop_loss_pct"`
	ATRMultiplier      float64 `json:"atrMultiplier" mapstructure:"atr_multiplier"`
	RewardRatio        float64 `json:"rewardRatio" mapstructure:"reward_ratio"`
	TakeProfitPct      float64 `json:"takeProfitPct" mapstructure:"take_profit_pct"`
}

// DefaultRiskConfig returns conservative risk defaults
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxDrawdown:        0.20,
		MaxDailyLoss:       0.05,
		MaxPositionSize:    0.25,
		RiskPerTrade:       0.02,
		DefaultStopLossPct: 0.02,
		MinStopLossPct:     0.005,
		MaxStopLossPct:     0.10,
		ATRMultiplier:      2.0,
		RewardRatio:        2.0,
		TakeProfitPct:      0.04,
	}
}

// BacktestConfig configures a single backtest run
type BacktestConfig struct {
	ID             string             `json:"id,omitempty"`
	Symbol         string             `json:"symbol"`
	StrategyName   string             `json:"strategyName"`
	Parameters     map[string]float64 `json:"parameters"`
	StartDate      time.Time          `json:"startDate"`
	EndDate        time.Time          `json:"endDate"`
	Timeframe      Timeframe          `json:"timeframe"`
	InitialCapital decimal.Decimal    `json:"initialCapital"`
	Exchange       ExchangeConfig     `json:"exchange"`
	Risk           RiskConfig         `json:"risk"`
}

// Validate checks the config for common errors
func (c *BacktestConfig) Validate() []string {
	var errs []string

	if c.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	if c.StrategyName == "" {
		errs = append(errs, "strategy name is required")
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, "initial capital must be positive")
	}
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && !c.EndDate.After(c.StartDate) {
		errs = append(errs, "end date must be after start date")
	}

	return errs
}

// BacktestProgress is streamed to WebSocket subscribers while a run
// or an optimization sweep is in flight
type BacktestProgress struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Progress       float64         `json:"progress"`
	CurrentBar     int             `json:"currentBar"`
	TotalBars      int             `json:"totalBars"`
	TradesExecuted int             `json:"tradesExecuted"`
	CurrentEquity  decimal.Decimal `json:"currentEquity"`
	Message        string          `json:"message,omitempty"`
}

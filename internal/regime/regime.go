// Package regime classifies market conditions and adjusts strategy
// parameters to them. Two detectors share one taxonomy: a rule-based
// statistical classifier and a Gaussian HMM.
package regime

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

// ErrInsufficientData is returned when too few bars are supplied to
// classify
var ErrInsufficientData = errors.New("insufficient bars for regime detection")

// Regime labels a market condition
type Regime string

const (
	RegimeVolatileTrend Regime = "volatile_trend"
	RegimeStableTrend   Regime = "stable_trend"
	RegimeVolatileRange Regime = "volatile_range"
	RegimeLowVolRange   Regime = "low_volatility_range"
	RegimeNormalRange   Regime = "normal_range"
	RegimeUnknown       Regime = "unknown"
)

// TrendDirection is the sign of the prevailing trend
type TrendDirection string

const (
	TrendBullish TrendDirection = "bullish"
	TrendBearish TrendDirection = "bearish"
)

// Snapshot is a point-in-time classification with the features that
// produced it
type Snapshot struct {
	Regime         Regime             `json:"regime"`
	Volatility     float64            `json:"volatility"`
	ATR            float64            `json:"atr"`
	ATRPct         float64            `json:"atrPct"`
	TrendStrength  float64            `json:"trendStrength"`
	TrendDirection TrendDirection     `json:"trendDirection"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[Regime]float64 `json:"probabilities,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Trending reports whether the regime is a trend regime
func (r Regime) Trending() bool {
	return r == RegimeVolatileTrend || r == RegimeStableTrend
}

// Detector classifies a bar series into a regime snapshot
type Detector interface {
	Detect(bars []types.Bar) (*Snapshot, error)
}

// Config configures regime detection
type Config struct {
	Detector         string  `json:"detector" mapstructure:"detector"`
	VolatilityWindow int     `json:"volatilityWindow" mapstructure:"volatility_window"`
	ADXPeriod        int     `json:"adxPeriod" mapstructure:"adx_period"`
	FastEMA          int     `json:"fastEma" mapstructure:"fast_ema"`
	SlowEMA          int     `json:"slowEma" mapstructure:"slow_ema"`
	HighVolatility   float64 `json:"highVolatility" mapstructure:"high_volatility"`
	LowVolatility    float64 `json:"lowVolatility" mapstructure:"low_volatility"`
	TrendThreshold   float64 `json:"trendThreshold" mapstructure:"trend_threshold"`
}

// DefaultConfig returns detection defaults
func DefaultConfig() Config {
	return Config{
		Detector:         "statistical",
		VolatilityWindow: 20,
		ADXPeriod:        14,
		FastEMA:          20,
		SlowEMA:          50,
		HighVolatility:   0.03,
		LowVolatility:    0.01,
		TrendThreshold:   0.5,
	}
}

// NewDetector creates the configured detector. Unknown names get the
// statistical classifier.
func NewDetector(logger *zap.Logger, config Config) Detector {
	switch config.Detector {
	case "hmm":
		return NewHMMDetector(logger, config)
	default:
		return NewStatisticalDetector(logger, config)
	}
}

// Parameters are the strategy knobs the regime scales
type Parameters struct {
	PositionSizePct float64 `json:"positionSizePct"`
	StopLossPct     float64 `json:"stopLossPct"`
	TakeProfitPct   float64 `json:"takeProfitPct"`
}

// AdjustParameters scales base parameters for the regime. Trending
// regimes lean in, choppy regimes pull back.
func AdjustParameters(regime Regime, base Parameters) Parameters {
	adjusted := base
	switch regime {
	case RegimeVolatileTrend:
		adjusted.PositionSizePct *= 1.2
		adjusted.StopLossPct *= 0.8
		adjusted.TakeProfitPct *= 1.2
	case RegimeStableTrend:
		adjusted.PositionSizePct *= 1.5
		adjusted.StopLossPct *= 1.2
		adjusted.TakeProfitPct *= 1.5
	case RegimeVolatileRange:
		adjusted.PositionSizePct *= 0.7
		adjusted.StopLossPct *= 1.3
		adjusted.TakeProfitPct *= 0.8
	case RegimeLowVolRange:
		adjusted.PositionSizePct *= 0.5
		adjusted.TakeProfitPct *= 0.6
	}
	return adjusted
}

// Signal turns a snapshot into a directional signal in [-1, 1].
// Trend regimes follow the trend at its strength; range regimes fade
// the stretch from the rolling mean.
func Signal(snapshot *Snapshot, bars []types.Bar) float64 {
	if snapshot == nil || len(bars) == 0 {
		return 0
	}

	if snapshot.Regime.Trending() {
		if snapshot.TrendDirection == TrendBearish {
			return -snapshot.TrendStrength
		}
		return snapshot.TrendStrength
	}

	window := 20
	if len(bars) < window {
		window = len(bars)
	}
	closes := make([]float64, 0, window)
	for _, bar := range bars[len(bars)-window:] {
		c, _ := bar.Close.Float64()
		closes = append(closes, c)
	}

	mean := utils.Mean(closes)
	if mean == 0 {
		return 0
	}
	price := closes[len(closes)-1]
	return utils.Clamp(-(price-mean)/mean*5, -1, 1)
}

package regime

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/risk"
	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

// StatisticalDetector classifies regimes from rule thresholds over
// volatility, ADX trend strength and EMA direction
type StatisticalDetector struct {
	logger *zap.Logger
	config Config
}

// NewStatisticalDetector creates a rule-based detector
func NewStatisticalDetector(logger *zap.Logger, config Config) *StatisticalDetector {
	return &StatisticalDetector{logger: logger, config: config}
}

// Detect classifies the bar series. Trend regimes take precedence:
// strong trends split on volatility, then ranges split high, low and
// normal volatility.
func (d *StatisticalDetector) Detect(bars []types.Bar) (*Snapshot, error) {
	minBars := d.config.SlowEMA + 1
	if len(bars) < minBars {
		return nil, fmt.Errorf("%w: need %d bars, have %d", ErrInsufficientData, minBars, len(bars))
	}

	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		highs[i], _ = bar.High.Float64()
		lows[i], _ = bar.Low.Float64()
		closes[i], _ = bar.Close.Float64()
	}
	lastClose := closes[len(closes)-1]

	window := d.config.VolatilityWindow
	volatility := utils.StdDev(utils.SimpleReturns(closes[len(closes)-window-1:]))

	atr, err := risk.ATR(highs, lows, closes, d.config.ADXPeriod)
	if err != nil {
		return nil, err
	}
	atrPct := 0.0
	if lastClose > 0 {
		atrPct = atr / lastClose
	}

	trendStrength := utils.Clamp(adx(highs, lows, closes, d.config.ADXPeriod)/100, 0, 1)

	direction := TrendBearish
	if utils.EMASeries(closes, d.config.FastEMA) > utils.EMASeries(closes, d.config.SlowEMA) {
		direction = TrendBullish
	}

	regime := d.classify(volatility, trendStrength)
	confidence := trendStrength
	if !regime.Trending() {
		confidence = 1 - trendStrength
	}

	snapshot := &Snapshot{
		Regime:         regime,
		Volatility:     volatility,
		ATR:            atr,
		ATRPct:         atrPct,
		TrendStrength:  trendStrength,
		TrendDirection: direction,
		Confidence:     confidence,
		Timestamp:      bars[len(bars)-1].Timestamp,
	}

	d.logger.Debug("Regime detected",
		zap.String("regime", string(regime)),
		zap.Float64("volatility", volatility),
		zap.Float64("trend_strength", trendStrength),
		zap.String("direction", string(direction)))

	return snapshot, nil
}

func (d *StatisticalDetector) classify(volatility, trendStrength float64) Regime {
	if trendStrength > d.config.TrendThreshold {
		if volatility > d.config.HighVolatility {
			return RegimeVolatileTrend
		}
		return RegimeStableTrend
	}
	if volatility > d.config.HighVolatility {
		return RegimeVolatileRange
	}
	if volatility < d.config.LowVolatility {
		return RegimeLowVolRange
	}
	return RegimeNormalRange
}

// adx computes the average directional index with Wilder smoothing
func adx(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2*period+1 {
		return 0
	}

	var trSum, plusDMSum, minusDMSum float64
	dxValues := make([]float64, 0, n)

	for i := 1; i < n; i++ {
		upMove := highs[i] - highs[i-1]
		downMove := lows[i-1] - lows[i]

		var plusDM, minusDM float64
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}

		tr := highs[i] - lows[i]
		if v := abs(highs[i] - closes[i-1]); v > tr {
			tr = v
		}
		if v := abs(lows[i] - closes[i-1]); v > tr {
			tr = v
		}

		if i <= period {
			trSum += tr
			plusDMSum += plusDM
			minusDMSum += minusDM
			if i < period {
				continue
			}
		} else {
			trSum = trSum - trSum/float64(period) + tr
			plusDMSum = plusDMSum - plusDMSum/float64(period) + plusDM
			minusDMSum = minusDMSum - minusDMSum/float64(period) + minusDM
		}

		if trSum == 0 {
			dxValues = append(dxValues, 0)
			continue
		}
		plusDI := 100 * plusDMSum / trSum
		minusDI := 100 * minusDMSum / trSum
		if plusDI+minusDI == 0 {
			dxValues = append(dxValues, 0)
			continue
		}
		dxValues = append(dxValues, 100*abs(plusDI-minusDI)/(plusDI+minusDI))
	}

	if len(dxValues) < period {
		return utils.Mean(dxValues)
	}
	return utils.Mean(dxValues[len(dxValues)-period:])
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

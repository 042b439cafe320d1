package backtest

import (
	"math"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

const annualizationFactor = 252.0

// MetricsCalculator derives performance metrics from a completed run.
// Every metric is a pure function of the trade list and equity curve.
type MetricsCalculator struct {
	logger *zap.Logger
}

// NewMetricsCalculator creates a metrics calculator
func NewMetricsCalculator(logger *zap.Logger) *MetricsCalculator {
	return &MetricsCalculator{logger: logger}
}

// Calculate computes all metrics. Win rate divides profitable trades
// by all trades; profit sums come from attributed closing trades only,
// unattributed trades carry no profit signal.
func (c *MetricsCalculator) Calculate(trades []types.Trade, equityCurve []types.EquityPoint, drawdownCurve []types.DrawdownPoint) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{
		TotalTrades: len(trades),
	}

	var (
		wins, losses           int
		grossProfit, grossLoss float64
		sumWin, sumLoss        float64
	)

	for _, trade := range trades {
		if !trade.Attributed {
			continue
		}
		metrics.AttributedTrades++

		profit, _ := trade.Profit.Float64()
		if profit > 0 {
			wins++
			grossProfit += profit
			sumWin += profit
		} else if profit < 0 {
			losses++
			grossLoss += -profit
			sumLoss += -profit
		}
	}

	metrics.WinningTrades = wins
	metrics.LosingTrades = losses

	if metrics.TotalTrades > 0 {
		metrics.WinRate = float64(wins) / float64(metrics.TotalTrades)
	}

	switch {
	case grossLoss == 0 && grossProfit > 0:
		metrics.ProfitFactor = math.Inf(1)
	case grossLoss == 0:
		metrics.ProfitFactor = 0
	default:
		metrics.ProfitFactor = grossProfit / grossLoss
	}

	if wins > 0 {
		metrics.AvgWin = sumWin / float64(wins)
	}
	if losses > 0 {
		metrics.AvgLoss = sumLoss / float64(losses)
	}
	if metrics.TotalTrades > 0 {
		metrics.Expectancy = metrics.WinRate*metrics.AvgWin - (1-metrics.WinRate)*metrics.AvgLoss
	}

	if len(equityCurve) >= 2 {
		c.calculateReturns(metrics, equityCurve)
	}

	for _, point := range drawdownCurve {
		if point.Drawdown > metrics.MaxDrawdown {
			metrics.MaxDrawdown = point.Drawdown
		}
	}

	return metrics
}

func (c *MetricsCalculator) calculateReturns(metrics *types.PerformanceMetrics, equityCurve []types.EquityPoint) {
	first, _ := equityCurve[0].Equity.Float64()
	last, _ := equityCurve[len(equityCurve)-1].Equity.Float64()
	if first <= 0 {
		return
	}

	metrics.TotalReturn = (last - first) / first

	days := equityCurve[len(equityCurve)-1].Timestamp.Sub(equityCurve[0].Timestamp).Hours() / 24
	if days < 1 {
		days = 1
	}
	metrics.AnnualizedReturn = math.Pow(1+metrics.TotalReturn, 365/days) - 1

	returns := stepReturns(equityCurve)
	if len(returns) < 2 {
		return
	}

	mean := utils.Mean(returns)
	std := utils.StdDev(returns)
	if std > 0 {
		metrics.SharpeRatio = mean / std * math.Sqrt(annualizationFactor)
	}

	downside := downsideDeviation(returns)
	if downside > 0 {
		metrics.SortinoRatio = mean / downside * math.Sqrt(annualizationFactor)
	}
}

// stepReturns converts the equity curve into per-step simple returns
func stepReturns(equityCurve []types.EquityPoint) []float64 {
	values := make([]float64, len(equityCurve))
	for i, point := range equityCurve {
		values[i], _ = point.Equity.Float64()
	}
	return utils.SimpleReturns(values)
}

// downsideDeviation is the root mean square of negative returns
func downsideDeviation(returns []float64) float64 {
	var sum float64
	var count int
	for _, r := range returns {
		if r < 0 {
			sum += r * r
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

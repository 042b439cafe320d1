// Package backtest orchestrates strategy runs over historical bars.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/exchange"
	"github.com/steampunk-industries/quantsim/internal/strategy"
	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

// ErrNoData is returned when the requested date range contains no bars
var ErrNoData = errors.New("no bars in range")

// Engine runs a strategy bar by bar against a fresh simulated
// exchange and assembles the result. Every run gets its own exchange,
// so runs never share state.
type Engine struct {
	logger       *zap.Logger
	registry     *strategy.Registry
	progressChan chan<- types.BacktestProgress
}

// NewEngine creates a backtest engine
func NewEngine(logger *zap.Logger, registry *strategy.Registry) *Engine {
	return &Engine{
		logger:   logger,
		registry: registry,
	}
}

// SetProgressChannel sets an optional channel for progress updates.
// Sends are non-blocking; a slow consumer just misses updates.
func (e *Engine) SetProgressChannel(ch chan<- types.BacktestProgress) {
	e.progressChan = ch
}

// Run executes a single backtest over bars restricted to the config's
// date range. Strategy errors on individual bars are logged and
// counted, they never abort the run.
func (e *Engine) Run(ctx context.Context, config types.BacktestConfig, bars []types.Bar) (*types.BacktestResult, error) {
	startedAt := time.Now()

	runBars := sliceRange(bars, config.StartDate, config.EndDate)
	if len(runBars) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoData, config.Symbol, config.Timeframe)
	}

	base, quote, err := utils.ParseSymbol(config.Symbol)
	if err != nil {
		return nil, err
	}

	riskConfig := config.Risk
	if riskConfig == (types.RiskConfig{}) {
		riskConfig = types.DefaultRiskConfig()
	}

	sim := exchange.NewSimulatedExchange(e.logger, runBars, e.exchangeConfig(config, quote))
	strat, err := e.registry.Create(config.StrategyName, e.logger, sim, config.Symbol, riskConfig, config.Parameters)
	if err != nil {
		return nil, err
	}

	runID := config.ID
	if runID == "" {
		runID = utils.GenerateRunID()
	}

	e.logger.Info("Backtest started",
		zap.String("run_id", runID),
		zap.String("strategy", config.StrategyName),
		zap.String("symbol", config.Symbol),
		zap.Int("bars", len(runBars)))

	var (
		equityCurve   = make([]types.EquityPoint, 0, len(runBars))
		drawdownCurve = make([]types.DrawdownPoint, 0, len(runBars))
		peak          decimal.Decimal
		barErrors     int
		tradesSeen    int
	)

	progressEvery := len(runBars) / 100
	if progressEvery < 1 {
		progressEvery = 1
	}

	for i, bar := range runBars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := sim.SetTime(i); err != nil {
			return nil, err
		}

		// Entry state before the bar: sells executed during this
		// iteration close against it.
		preBarPosition := strat.Position()

		if err := strat.RunIteration(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			barErrors++
			e.logger.Warn("Strategy iteration failed",
				zap.String("run_id", runID),
				zap.Int("bar", i),
				zap.Error(err))
		}

		trades := sim.Trades()
		attributeTrades(trades[tradesSeen:], preBarPosition)
		tradesSeen = len(trades)

		equity := accountEquity(sim, base, quote, bar.Close)
		equityCurve = append(equityCurve, types.EquityPoint{
			Timestamp: bar.Timestamp,
			Equity:    equity,
		})

		if equity.GreaterThan(peak) {
			peak = equity
		}
		drawdownCurve = append(drawdownCurve, types.DrawdownPoint{
			Timestamp: bar.Timestamp,
			Drawdown:  drawdownFrom(peak, equity),
		})

		if i%progressEvery == 0 {
			e.sendProgress(runID, i+1, len(runBars), tradesSeen, equity)
		}

		if i < len(runBars)-1 {
			if err := sim.Advance(1); err != nil {
				return nil, err
			}
		}
	}

	// Attribute any trades recorded after the last snapshot.
	trades := sim.Trades()
	attributeTrades(trades[tradesSeen:], strat.Position())

	tradeList := make([]types.Trade, len(trades))
	for i, t := range trades {
		tradeList[i] = *t
	}

	completedAt := time.Now()
	result := &types.BacktestResult{
		ID:            runID,
		StrategyName:  config.StrategyName,
		Symbol:        config.Symbol,
		Parameters:    strat.Parameters(),
		Trades:        tradeList,
		EquityCurve:   equityCurve,
		DrawdownCurve: drawdownCurve,
		Metrics:       NewMetricsCalculator(e.logger).Calculate(tradeList, equityCurve, drawdownCurve),
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		Duration:      completedAt.Sub(startedAt),
		BarsProcessed: len(runBars),
		BarErrors:     barErrors,
	}

	e.sendProgress(runID, len(runBars), len(runBars), len(tradeList), equityCurve[len(equityCurve)-1].Equity)
	e.logger.Info("Backtest completed",
		zap.String("run_id", runID),
		zap.Int("trades", len(tradeList)),
		zap.Int("bar_errors", barErrors),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// exchangeConfig fills in initial balances from the run capital when
// the caller did not specify any
func (e *Engine) exchangeConfig(config types.BacktestConfig, quote string) types.ExchangeConfig {
	exConfig := config.Exchange
	if exConfig.MakerFee.IsZero() && exConfig.TakerFee.IsZero() && len(exConfig.InitialBalances) == 0 {
		exConfig = types.DefaultExchangeConfig()
		exConfig.InitialBalances = nil
	}
	if len(exConfig.InitialBalances) == 0 {
		capital := config.InitialCapital
		if capital.IsZero() {
			capital = decimal.NewFromInt(10000)
		}
		exConfig.InitialBalances = map[string]decimal.Decimal{quote: capital}
	}
	return exConfig
}

func (e *Engine) sendProgress(runID string, current, total, trades int, equity decimal.Decimal) {
	if e.progressChan == nil {
		return
	}

	progress := types.BacktestProgress{
		ID:             runID,
		Status:         "running",
		Progress:       float64(current) / float64(total),
		CurrentBar:     current,
		TotalBars:      total,
		TradesExecuted: trades,
		CurrentEquity:  equity,
	}
	if current >= total {
		progress.Status = "completed"
	}

	select {
	case e.progressChan <- progress:
	default:
	}
}

// attributeTrades assigns profit to closing trades from the entry
// state the strategy held when the bar began. Sells without recoverable
// entry state are kept but marked unattributed.
func attributeTrades(trades []*types.Trade, position types.PositionState) {
	for _, trade := range trades {
		if trade.Side != types.OrderSideSell {
			continue
		}
		if position.Open && !position.EntryPrice.IsZero() {
			trade.Profit = trade.Amount.Mul(trade.Price.Sub(position.EntryPrice))
			trade.Attributed = true
		} else {
			trade.Unattributed = true
		}
	}
}

// accountEquity values the account in quote currency at the bar close
func accountEquity(sim *exchange.SimulatedExchange, base, quote string, close decimal.Decimal) decimal.Decimal {
	balances := sim.Balances()
	return balances[quote].Add(balances[base].Mul(close))
}

// drawdownFrom returns the fractional decline from peak, never negative
func drawdownFrom(peak, equity decimal.Decimal) float64 {
	if peak.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	dd, _ := peak.Sub(equity).Div(peak).Float64()
	if dd < 0 {
		return 0
	}
	return dd
}

// sliceRange restricts bars to [start, end]. Zero bounds are open.
func sliceRange(bars []types.Bar, start, end time.Time) []types.Bar {
	out := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

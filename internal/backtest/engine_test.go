package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/exchange"
	"github.com/steampunk-industries/quantsim/internal/strategy"
	"github.com/steampunk-industries/quantsim/pkg/types"
)

func barsFromCloses(closes ...float64) []types.Bar {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c * 1.001),
			Low:       decimal.NewFromFloat(c * 0.999),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

// scriptedStrategy buys one unit on its second bar and sells it on its
// fourth, so trade attribution is fully predictable
type scriptedStrategy struct {
	exchange exchange.Exchange
	symbol   string
	bar      int
	position types.PositionState
}

func (s *scriptedStrategy) Name() string                       { return "scripted" }
func (s *scriptedStrategy) Parameters() map[string]float64     { return map[string]float64{} }
func (s *scriptedStrategy) SetParameter(string, float64) error { return nil }
func (s *scriptedStrategy) Position() types.PositionState      { return s.position }
func (s *scriptedStrategy) Reset()                             { s.bar = 0; s.position = types.PositionState{} }

func (s *scriptedStrategy) RunIteration(ctx context.Context) error {
	defer func() { s.bar++ }()

	switch s.bar {
	case 1:
		order, err := s.exchange.PlaceMarketOrder(s.symbol, types.OrderSideBuy, decimal.NewFromInt(1))
		if err != nil {
			return err
		}
		s.position = types.PositionState{
			Open:       true,
			Side:       types.OrderSideBuy,
			EntryPrice: s.exchange.CurrentPrice(),
			Size:       order.Amount,
		}
	case 3:
		if _, err := s.exchange.PlaceMarketOrder(s.symbol, types.OrderSideSell, s.position.Size); err != nil {
			return err
		}
		s.position = types.PositionState{}
	}
	return nil
}

// flakyStrategy fails on every bar
type flakyStrategy struct{}

func (s *flakyStrategy) Name() string                       { return "flaky" }
func (s *flakyStrategy) Parameters() map[string]float64     { return map[string]float64{} }
func (s *flakyStrategy) SetParameter(string, float64) error { return nil }
func (s *flakyStrategy) Position() types.PositionState      { return types.PositionState{} }
func (s *flakyStrategy) Reset()                             {}

func (s *flakyStrategy) RunIteration(ctx context.Context) error {
	return errors.New("bad indicator input")
}

func testRegistry() *strategy.Registry {
	registry := strategy.NewRegistry()
	registry.Register("scripted", func(logger *zap.Logger, ex exchange.Exchange, symbol string, riskConfig types.RiskConfig, params map[string]float64) (strategy.Strategy, error) {
		return &scriptedStrategy{exchange: ex, symbol: symbol}, nil
	})
	registry.Register("flaky", func(logger *zap.Logger, ex exchange.Exchange, symbol string, riskConfig types.RiskConfig, params map[string]float64) (strategy.Strategy, error) {
		return &flakyStrategy{}, nil
	})
	return registry
}

func feelessConfig(name string) types.BacktestConfig {
	return types.BacktestConfig{
		Symbol:       "BTC/USDT",
		StrategyName: name,
		Timeframe:    types.Timeframe1h,
		Exchange: types.ExchangeConfig{
			InitialBalances: map[string]decimal.Decimal{
				"USDT": decimal.NewFromInt(10000),
			},
		},
	}
}

func TestRunProducesFullCurvesAndAttribution(t *testing.T) {
	engine := NewEngine(zap.NewNop(), testRegistry())
	bars := barsFromCloses(100, 100, 110, 120, 115)

	result, err := engine.Run(context.Background(), feelessConfig("scripted"), bars)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.EquityCurve) != len(bars) {
		t.Fatalf("expected %d equity points, got %d", len(bars), len(result.EquityCurve))
	}
	if len(result.DrawdownCurve) != len(bars) {
		t.Fatalf("expected %d drawdown points, got %d", len(bars), len(result.DrawdownCurve))
	}
	for _, p := range result.DrawdownCurve {
		if p.Drawdown < 0 {
			t.Errorf("drawdown must never be negative, got %f", p.Drawdown)
		}
	}

	if len(result.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(result.Trades))
	}

	sell := result.Trades[1]
	if sell.Side != types.OrderSideSell {
		t.Fatalf("expected second trade to be the sell")
	}
	if !sell.Attributed {
		t.Fatalf("sell must be attributed from the strategy's entry state")
	}
	// Bought at 100, sold at 120, one unit.
	if !sell.Profit.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected profit 20, got %s", sell.Profit)
	}

	// Round trip with no fees: 10000 - 100 + 120
	finalEquity := result.EquityCurve[len(result.EquityCurve)-1].Equity
	if !finalEquity.Equal(decimal.NewFromInt(10020)) {
		t.Errorf("expected final equity 10020, got %s", finalEquity)
	}

	if result.Metrics == nil || result.Metrics.WinningTrades != 1 {
		t.Errorf("expected one winning trade in metrics")
	}
}

func TestRunIsolatesBarErrors(t *testing.T) {
	engine := NewEngine(zap.NewNop(), testRegistry())
	bars := barsFromCloses(100, 101, 102, 103)

	result, err := engine.Run(context.Background(), feelessConfig("flaky"), bars)
	if err != nil {
		t.Fatalf("run must survive strategy errors, got %v", err)
	}

	if result.BarErrors != len(bars) {
		t.Errorf("expected %d bar errors, got %d", len(bars), result.BarErrors)
	}
	if len(result.EquityCurve) != len(bars) {
		t.Errorf("equity curve must cover every bar despite errors")
	}
}

func TestRunRespectsDateRange(t *testing.T) {
	engine := NewEngine(zap.NewNop(), testRegistry())
	bars := barsFromCloses(100, 101, 102, 103, 104, 105)

	cfg := feelessConfig("scripted")
	cfg.StartDate = bars[2].Timestamp
	cfg.EndDate = bars[4].Timestamp

	result, err := engine.Run(context.Background(), cfg, bars)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.BarsProcessed != 3 {
		t.Errorf("expected 3 bars in range, got %d", result.BarsProcessed)
	}
}

func TestRunEmptyRangeFails(t *testing.T) {
	engine := NewEngine(zap.NewNop(), testRegistry())
	bars := barsFromCloses(100, 101)

	cfg := feelessConfig("scripted")
	cfg.StartDate = bars[1].Timestamp.Add(24 * time.Hour)

	if _, err := engine.Run(context.Background(), cfg, bars); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	engine := NewEngine(zap.NewNop(), testRegistry())
	bars := barsFromCloses(100, 101, 102)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Run(ctx, feelessConfig("scripted"), bars); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunHonorsRiskConfig(t *testing.T) {
	// Falls, crosses up at the rebound, crosses down at the collapse.
	closes := []float64{100, 90, 80, 70, 100, 110, 60}
	bars := barsFromCloses(closes...)

	cfg := feelessConfig("ma_cross")
	cfg.Parameters = map[string]float64{"fast_period": 2, "slow_period": 3}
	cfg.Risk = types.DefaultRiskConfig()

	baseline, err := NewEngine(zap.NewNop(), testRegistry()).Run(context.Background(), cfg, bars)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(baseline.Trades) != 2 {
		t.Fatalf("expected the crossover to round-trip, got %d trades", len(baseline.Trades))
	}

	// The same run with zeroed sizing limits must never enter.
	cfg.Risk.MaxPositionSize = 0
	cfg.Risk.RiskPerTrade = 0

	restricted, err := NewEngine(zap.NewNop(), testRegistry()).Run(context.Background(), cfg, bars)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(restricted.Trades) != 0 {
		t.Errorf("zeroed sizing limits must block every entry, got %d trades", len(restricted.Trades))
	}
}

func TestRunIsDeterministic(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/6) + float64(i)*0.2
	}
	bars := barsFromCloses(closes...)

	cfg := feelessConfig("ma_cross")
	cfg.Parameters = map[string]float64{"fast_period": 3, "slow_period": 8}

	run := func() *types.BacktestResult {
		result, err := NewEngine(zap.NewNop(), testRegistry()).Run(context.Background(), cfg, bars)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return result
	}

	first := run()
	second := run()

	if len(first.EquityCurve) != len(second.EquityCurve) {
		t.Fatalf("equity curve lengths differ")
	}
	for i := range first.EquityCurve {
		if !first.EquityCurve[i].Equity.Equal(second.EquityCurve[i].Equity) {
			t.Fatalf("equity diverges at %d: %s vs %s", i,
				first.EquityCurve[i].Equity, second.EquityCurve[i].Equity)
		}
	}
	if len(first.Trades) != len(second.Trades) {
		t.Errorf("trade counts differ: %d vs %d", len(first.Trades), len(second.Trades))
	}
}

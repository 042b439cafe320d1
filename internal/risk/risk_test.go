package risk

import (
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
)

func testManager() *Manager {
	return NewManager(zap.NewNop(), types.DefaultRiskConfig())
}

func day(n int) time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(n) * 24 * time.Hour)
}

func TestSizePositionFixedFraction(t *testing.T) {
	m := testManager()

	decision := m.SizePosition(day(0), 10000, 100, 0)
	if decision.Blocked {
		t.Fatalf("unexpected block: %s", decision.Reason)
	}
	// 2% of 10000 at price 100.
	if math.Abs(decision.Size-2) > 1e-9 {
		t.Errorf("expected size 2, got %f", decision.Size)
	}
}

func TestSizePositionVolatilityDeflation(t *testing.T) {
	m := testManager()

	// Risk amount 200 scaled by 1/0.04 hits the 25% position cap.
	decision := m.SizePosition(day(0), 10000, 100, 0.04)
	if decision.Blocked {
		t.Fatalf("unexpected block: %s", decision.Reason)
	}
	if math.Abs(decision.Size-25) > 1e-9 {
		t.Errorf("expected cap at 25, got %f", decision.Size)
	}
}

func TestSizePositionRoundsToSixDecimals(t *testing.T) {
	m := testManager()

	decision := m.SizePosition(day(0), 10000, 30000, 0)
	want := math.Round(200.0/30000*1e6) / 1e6
	if decision.Size != want {
		t.Errorf("expected %v, got %v", want, decision.Size)
	}
}

func TestDrawdownBlocksTrading(t *testing.T) {
	m := testManager()

	if d := m.SizePosition(day(0), 10000, 100, 0); d.Blocked {
		t.Fatalf("first call must pass: %s", d.Reason)
	}

	// 30% below peak with a 20% limit.
	decision := m.SizePosition(day(0), 7000, 100, 0)
	if !decision.Blocked {
		t.Fatal("expected drawdown block")
	}
	if decision.Size != 0 {
		t.Errorf("blocked decision must carry no size")
	}
}

func TestPeakCapitalIsMonotonic(t *testing.T) {
	m := testManager()

	m.SizePosition(day(0), 10000, 100, 0)
	m.SizePosition(day(0), 9000, 100, 0)
	m.SizePosition(day(0), 9500, 100, 0)

	if m.PeakCapital() != 10000 {
		t.Errorf("peak must not decay, got %f", m.PeakCapital())
	}
}

func TestDailyLossBlocksAndResetsNextDay(t *testing.T) {
	m := testManager()

	// The first call of the day anchors the starting capital.
	if d := m.SizePosition(day(0), 10000, 100, 0); d.Blocked {
		t.Fatalf("first call must pass: %s", d.Reason)
	}

	// Capital down 6% intraday with a 5% limit.
	decision := m.SizePosition(day(0), 9400, 100, 0)
	if !decision.Blocked {
		t.Fatal("expected daily loss block at 6% with a 5% limit")
	}

	// A sizing call alone must not move the anchor.
	decision = m.SizePosition(day(0), 9300, 100, 0)
	if !decision.Blocked {
		t.Fatal("expected the block to hold on a deeper intraday loss")
	}

	// The next calendar day re-anchors at the current capital.
	decision = m.SizePosition(day(1), 9400, 100, 0)
	if decision.Blocked {
		t.Errorf("expected fresh day to clear the block: %s", decision.Reason)
	}
}

func TestStopLossATRScalingAndClamp(t *testing.T) {
	m := testManager()

	// ATR 10 at entry 100 with multiplier 2 wants 20%, clamped to 10%.
	if got := m.StopLoss(100, types.OrderSideBuy, 10); math.Abs(got-90) > 1e-9 {
		t.Errorf("expected stop 90, got %f", got)
	}

	// No ATR falls back to the 2% default.
	if got := m.StopLoss(100, types.OrderSideBuy, 0); math.Abs(got-98) > 1e-9 {
		t.Errorf("expected stop 98, got %f", got)
	}
	if got := m.StopLoss(100, types.OrderSideSell, 0); math.Abs(got-102) > 1e-9 {
		t.Errorf("expected short stop 102, got %f", got)
	}

	// Tiny ATR clamps up to the minimum band.
	if got := m.StopLoss(100, types.OrderSideBuy, 0.01); math.Abs(got-99.5) > 1e-9 {
		t.Errorf("expected stop 99.5 at min clamp, got %f", got)
	}
}

func TestTakeProfitFromStopDistance(t *testing.T) {
	m := testManager()

	// Stop distance 5 at reward ratio 2.
	if got := m.TakeProfit(100, types.OrderSideBuy, 95); math.Abs(got-110) > 1e-9 {
		t.Errorf("expected target 110, got %f", got)
	}
	if got := m.TakeProfit(100, types.OrderSideSell, 105); math.Abs(got-90) > 1e-9 {
		t.Errorf("expected short target 90, got %f", got)
	}

	// Without a stop the default percentage applies.
	if got := m.TakeProfit(100, types.OrderSideBuy, 0); math.Abs(got-104) > 1e-9 {
		t.Errorf("expected default target 104, got %f", got)
	}
}

func TestVolatility(t *testing.T) {
	if v := Volatility([]float64{100, 100, 100, 100}); v != 0 {
		t.Errorf("constant prices must have zero volatility, got %f", v)
	}
	if v := Volatility([]float64{100, 110}); v != 0 {
		t.Errorf("too little history must yield 0, got %f", v)
	}
	if v := Volatility([]float64{100, 110, 99, 108, 95}); v <= 0 {
		t.Errorf("expected positive volatility, got %f", v)
	}
}

func TestATR(t *testing.T) {
	highs := []float64{0, 12, 13, 14}
	lows := []float64{0, 8, 9, 10}
	closes := []float64{10, 10, 11, 12}

	// True range is 4 on every counted bar.
	got, err := ATR(highs, lows, closes, 3)
	if err != nil {
		t.Fatalf("ATR failed: %v", err)
	}
	if math.Abs(got-4) > 1e-9 {
		t.Errorf("expected ATR 4, got %f", got)
	}
}

func TestATRGapDominates(t *testing.T) {
	// A gap above the previous close widens the true range.
	highs := []float64{0, 30}
	lows := []float64{0, 28}
	closes := []float64{10, 29}

	got, err := ATR(highs, lows, closes, 1)
	if err != nil {
		t.Fatalf("ATR failed: %v", err)
	}
	if math.Abs(got-20) > 1e-9 {
		t.Errorf("expected gap-driven ATR 20, got %f", got)
	}
}

func TestATRInsufficientData(t *testing.T) {
	_, err := ATR([]float64{1, 2}, []float64{1, 2}, []float64{1, 2}, 5)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

package utils

import (
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestGenerateIDPrefixes(t *testing.T) {
	order := GenerateOrderID()
	trade := GenerateTradeID()
	run := GenerateRunID()

	if !strings.HasPrefix(order, "ord_") || !strings.HasPrefix(trade, "trd_") || !strings.HasPrefix(run, "run_") {
		t.Errorf("unexpected id prefixes: %s %s %s", order, trade, run)
	}
	if GenerateOrderID() == order {
		t.Errorf("ids must be unique")
	}
}

func TestParseSymbol(t *testing.T) {
	base, quote, err := ParseSymbol("BTC/USDT")
	if err != nil {
		t.Fatalf("ParseSymbol failed: %v", err)
	}
	if base != "BTC" || quote != "USDT" {
		t.Errorf("unexpected pair %s/%s", base, quote)
	}
	if FormatSymbol(base, quote) != "BTC/USDT" {
		t.Errorf("FormatSymbol must invert ParseSymbol")
	}

	for _, bad := range []string{"BTCUSDT", "BTC/", "/USDT", ""} {
		if _, _, err := ParseSymbol(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestDecimalHelpers(t *testing.T) {
	two := decimal.NewFromInt(2)
	five := decimal.NewFromInt(5)

	if !MinDecimal(two, five).Equal(two) || !MaxDecimal(two, five).Equal(five) {
		t.Errorf("min/max mismatch")
	}
	if !ClampDecimal(decimal.NewFromInt(9), two, five).Equal(five) {
		t.Errorf("clamp above must return max")
	}
	if !ClampDecimal(decimal.NewFromInt(1), two, five).Equal(two) {
		t.Errorf("clamp below must return min")
	}
	if Clamp(1.5, 0, 1) != 1 || Clamp(-0.5, 0, 1) != 0 || Clamp(0.5, 0, 1) != 0.5 {
		t.Errorf("float clamp mismatch")
	}
}

func TestStats(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	if Mean(values) != 5 {
		t.Errorf("expected mean 5, got %f", Mean(values))
	}
	if StdDev(values) != 2 {
		t.Errorf("expected population std 2, got %f", StdDev(values))
	}
	if StdDev([]float64{1}) != 0 {
		t.Errorf("std of a single value must be 0")
	}

	returns := SimpleReturns([]float64{100, 110, 99})
	if len(returns) != 2 || math.Abs(returns[0]-0.1) > 1e-9 || math.Abs(returns[1]+0.1) > 1e-9 {
		t.Errorf("unexpected returns %v", returns)
	}
	if SimpleReturns([]float64{100}) != nil {
		t.Errorf("single price must yield no returns")
	}
}

func TestPearsonCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	inverse := []float64{10, 8, 6, 4, 2}
	flat := []float64{3, 3, 3, 3, 3}

	if c := PearsonCorrelation(a, b); math.Abs(c-1) > 1e-9 {
		t.Errorf("expected correlation 1, got %f", c)
	}
	if c := PearsonCorrelation(a, inverse); math.Abs(c+1) > 1e-9 {
		t.Errorf("expected correlation -1, got %f", c)
	}
	if c := PearsonCorrelation(a, flat); c != 0 {
		t.Errorf("zero variance must yield 0, got %f", c)
	}
	if c := PearsonCorrelation(a, []float64{1, 2}); c != 0 {
		t.Errorf("mismatched lengths must yield 0, got %f", c)
	}
}

func TestRoundAmount(t *testing.T) {
	if got := RoundAmount(0.12345678); got != 0.123457 {
		t.Errorf("expected 0.123457, got %f", got)
	}
	if got := RoundAmount(2); got != 2 {
		t.Errorf("whole amounts must pass through, got %f", got)
	}
}

func TestSMACalculator(t *testing.T) {
	sma := NewSMA(3)

	sma.Update(decimal.NewFromInt(1))
	if sma.Ready() {
		t.Errorf("SMA must not be ready before a full period")
	}
	sma.Update(decimal.NewFromInt(2))
	got := sma.Update(decimal.NewFromInt(3))
	if !sma.Ready() {
		t.Errorf("SMA must be ready after a full period")
	}
	if !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected SMA 2, got %s", got)
	}

	// The window slides: (2+3+7)/3 = 4.
	got = sma.Update(decimal.NewFromInt(7))
	if !got.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected SMA 4, got %s", got)
	}

	sma.Reset()
	if sma.Ready() {
		t.Errorf("reset must clear the window")
	}
}

func TestEMACalculator(t *testing.T) {
	ema := NewEMA(3)

	first := ema.Update(decimal.NewFromInt(10))
	if !first.Equal(decimal.NewFromInt(10)) {
		t.Errorf("EMA seeds with the first value, got %s", first)
	}

	// Multiplier is 2/(3+1) = 0.5, so 10 -> 15 on an update of 20.
	second := ema.Update(decimal.NewFromInt(20))
	if !second.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected EMA 15, got %s", second)
	}
	if ema.Ready() {
		t.Errorf("EMA must not be ready before period updates")
	}
	ema.Update(decimal.NewFromInt(15))
	if !ema.Ready() {
		t.Errorf("EMA must be ready after period updates")
	}

	ema.Reset()
	if ema.Ready() {
		t.Errorf("reset must clear the state")
	}
}

func TestEMASeries(t *testing.T) {
	// k = 0.5 for period 3: 10 -> 15 -> 17.5.
	if got := EMASeries([]float64{10, 20, 20}, 3); math.Abs(got-17.5) > 1e-9 {
		t.Errorf("expected 17.5, got %f", got)
	}
	if EMASeries(nil, 3) != 0 {
		t.Errorf("empty series must yield 0")
	}
}

// Package utils provides shared helpers for the simulation engine.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// GenerateID generates a random hex ID with the given prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_fallback", prefix)
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateOrderID generates a unique order ID
func GenerateOrderID() string {
	return GenerateID("ord")
}

// GenerateTradeID generates a unique trade ID
func GenerateTradeID() string {
	return GenerateID("trd")
}

// GenerateRunID generates a unique backtest run ID
func GenerateRunID() string {
	return GenerateID("run")
}

// ParseSymbol splits a trading pair like "BTC/USDT" into base and quote
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol format: %s", symbol)
	}
	return parts[0], parts[1], nil
}

// FormatSymbol joins base and quote into a trading pair
func FormatSymbol(base, quote string) string {
	return fmt.Sprintf("%s/%s", base, quote)
}

// MinDecimal returns the smaller of two decimals
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of two decimals
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps a value to the range [min, max]
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// Clamp clamps a float to the range [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Mean returns the arithmetic mean of values, 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values,
// 0 when fewer than two values are supplied
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := Mean(values)
	variance := 0.0
	for _, v := range values {
		d := v - m
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

// SimpleReturns converts a price series into period-over-period simple
// returns. Zero prices produce a zero return for that step.
func SimpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	return returns
}

// PearsonCorrelation returns the Pearson correlation coefficient of two
// equal-length series, 0 when either series has zero variance.
func PearsonCorrelation(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}

	meanA := Mean(a)
	meanB := Mean(b)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}

	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// RoundAmount rounds a position size to six decimal places, the
// smallest increment accepted by the simulated exchange
func RoundAmount(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// SMA is a simple moving average calculator
type SMA struct {
	period int
	values []decimal.Decimal
}

// NewSMA creates a new SMA calculator with the given period
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		values: make([]decimal.Decimal, 0, period),
	}
}

// Update adds a value and returns the current SMA
func (s *SMA) Update(value decimal.Decimal) decimal.Decimal {
	s.values = append(s.values, value)
	if len(s.values) > s.period {
		s.values = s.values[1:]
	}

	sum := decimal.Zero
	for _, v := range s.values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(s.values))))
}

// Ready returns true when a full period of values has been seen
func (s *SMA) Ready() bool {
	return len(s.values) >= s.period
}

// Reset clears the calculator state
func (s *SMA) Reset() {
	s.values = s.values[:0]
}

// EMA is an exponential moving average calculator
type EMA struct {
	period     int
	multiplier decimal.Decimal
	value      decimal.Decimal
	count      int
}

// NewEMA creates a new EMA calculator with the given period
func NewEMA(period int) *EMA {
	return &EMA{
		period: period,
		multiplier: decimal.NewFromInt(2).Div(
			decimal.NewFromInt(int64(period + 1)),
		),
	}
}

// Update adds a value and returns the current EMA
func (e *EMA) Update(value decimal.Decimal) decimal.Decimal {
	e.count++
	if e.count == 1 {
		e.value = value
		return e.value
	}

	e.value = value.Sub(e.value).Mul(e.multiplier).Add(e.value)
	return e.value
}

// Ready returns true when a full period of values has been seen
func (e *EMA) Ready() bool {
	return e.count >= e.period
}

// Reset clears the calculator state
func (e *EMA) Reset() {
	e.value = decimal.Zero
	e.count = 0
}

// EMASeries computes the EMA of an entire float series and returns the
// final value. Returns 0 for an empty series.
func EMASeries(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	k := 2.0 / float64(period+1)
	ema := values[0]
	for _, v := range values[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// Package types provides shared type definitions for the simulation engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind represents the kind of order
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// OrderStatus represents the status of an order. Transitions are
// open -> closed or open -> canceled, never back.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Timeframe represents bar intervals
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Bar represents a single candlestick
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order represents a simulated or live order.
// Invariant: decimal.Zero <= Filled <= Amount.
type Order struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Kind      OrderKind       `json:"kind"`
	Price     decimal.Decimal `json:"price,omitempty"` // zero for market orders
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Fee represents a fee charged on a fill
type Fee struct {
	Cost     decimal.Decimal `json:"cost"`
	Currency string          `json:"currency"`
}

// Trade represents a single fill. Created exactly once per fill event,
// immutable afterwards. Profit is attributed by the orchestrator for
// closing trades; Unattributed marks closing trades whose entry state
// could not be recovered.
type Trade struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"orderId"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	Fee          Fee             `json:"fee"`
	Profit       decimal.Decimal `json:"profit,omitempty"`
	Attributed   bool            `json:"attributed"`
	Unattributed bool            `json:"unattributed,omitempty"`
	ExecutedAt   time.Time       `json:"executedAt"`
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// DrawdownPoint represents fractional decline from the running equity peak
type DrawdownPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Drawdown  float64   `json:"drawdown"`
}

// PerformanceMetrics represents metrics derived from a completed run.
// All values are pure functions of the trade list and equity curve.
type PerformanceMetrics struct {
	TotalTrades      int     `json:"totalTrades"`
	AttributedTrades int     `json:"attributedTrades"`
	WinningTrades    int     `json:"winningTrades"`
	LosingTrades     int     `json:"losingTrades"`
	WinRate          float64 `json:"winRate"`
	ProfitFactor     float64 `json:"profitFactor"`
	TotalReturn      float64 `json:"totalReturn"`
	AnnualizedReturn float64 `json:"annualizedReturn"`
	SharpeRatio      float64 `json:"sharpeRatio"`
	SortinoRatio     float64 `json:"sortinoRatio"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
	AvgWin           float64 `json:"avgWin"`
	AvgLoss          float64 `json:"avgLoss"`
	Expectancy       float64 `json:"expectancy"`
}

// BacktestResult represents the results of a single backtest run.
// Created once per completed run and never mutated afterwards.
type BacktestResult struct {
	ID            string              `json:"id"`
	StrategyName  string              `json:"strategyName"`
	Symbol        string              `json:"symbol"`
	Parameters    map[string]float64  `json:"parameters"`
	Trades        []Trade             `json:"trades"`
	EquityCurve   []EquityPoint       `json:"equityCurve"`
	DrawdownCurve []DrawdownPoint     `json:"drawdownCurve"`
	Metrics       *PerformanceMetrics `json:"metrics"`
	StartedAt     time.Time           `json:"startedAt"`
	CompletedAt   time.Time           `json:"completedAt"`
	Duration      time.Duration       `json:"duration"`
	BarsProcessed int                 `json:"barsProcessed"`
	BarErrors     int                 `json:"barErrors"`
}

// Record returns a flat, JSON-serializable view of the result for
// persistence. Curves are kept as ordered (timestamp, value) pairs.
func (r *BacktestResult) Record() map[string]interface{} {
	params := make(map[string]float64, len(r.Parameters))
	for k, v := range r.Parameters {
		params[k] = v
	}

	return map[string]interface{}{
		"id":            r.ID,
		"strategy":      r.StrategyName,
		"symbol":        r.Symbol,
		"parameters":    params,
		"metrics":       r.Metrics,
		"trades":        r.Trades,
		"equityCurve":   r.EquityCurve,
		"drawdownCurve": r.DrawdownCurve,
		"startedAt":     r.StartedAt.Unix(),
		"completedAt":   r.CompletedAt.Unix(),
		"barsProcessed": r.BarsProcessed,
		"barErrors":     r.BarErrors,
	}
}

// PositionState is the strategy-visible position capability: every
// strategy reports its entry price, side and size so closing trades can
// be attributed a profit figure.
type PositionState struct {
	Open       bool            `json:"open"`
	Side       OrderSide       `json:"side"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Size       decimal.Decimal `json:"size"`
}

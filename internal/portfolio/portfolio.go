// Package portfolio coordinates capital and risk across strategies:
// daily revaluation, performance-weighted allocation and portfolio
// level risk checks.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/correlation"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

const (
	// minReturnPoints is how many daily returns are needed before
	// portfolio ratios are reported
	minReturnPoints = 5

	// maxRiskFraction caps any single strategy's share of the risk
	// budget
	maxRiskFraction = 0.5

	annualizationFactor = 252.0
)

var (
	// ErrPositionExists is returned when registering a symbol that
	// already has an active position
	ErrPositionExists = errors.New("position already registered")

	// ErrPositionNotFound is returned when closing an unknown position
	ErrPositionNotFound = errors.New("position not found")
)

// StrategyMetrics is the per-strategy performance summary allocation
// decisions are made from
type StrategyMetrics struct {
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	WinRate     float64 `json:"winRate"`
}

// Position is an active holding
type Position struct {
	Symbol       string          `json:"symbol"`
	StrategyName string          `json:"strategyName"`
	Size         decimal.Decimal `json:"size"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	OpenedAt     time.Time       `json:"openedAt"`
}

// ClosedPosition is a settled holding with its realized result
type ClosedPosition struct {
	Position
	ExitPrice decimal.Decimal `json:"exitPrice"`
	PnL       decimal.Decimal `json:"pnl"`
	ClosedAt  time.Time       `json:"closedAt"`
}

// CorrelatedPair flags two active symbols moving together
type CorrelatedPair struct {
	SymbolA     string  `json:"symbolA"`
	SymbolB     string  `json:"symbolB"`
	Coefficient float64 `json:"coefficient"`
}

// RiskReport is the outcome of a portfolio risk check
type RiskReport struct {
	DrawdownBreached bool             `json:"drawdownBreached"`
	Drawdown         float64          `json:"drawdown"`
	CorrelatedPairs  []CorrelatedPair `json:"correlatedPairs"`
}

// Config configures the portfolio manager
type Config struct {
	InitialCapital        decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`
	MaxAllocationPerAsset float64         `json:"maxAllocationPerAsset" mapstructure:"max_allocation_per_asset"`
	MaxCorrelation        float64         `json:"maxCorrelation" mapstructure:"max_correlation"`
	MaxPortfolioDrawdown  float64         `json:"maxPortfolioDrawdown" mapstructure:"max_portfolio_drawdown"`
	TargetVolatility      float64         `json:"targetVolatility" mapstructure:"target_volatility"`
}

// DefaultConfig returns portfolio defaults
func DefaultConfig() Config {
	return Config{
		InitialCapital:        decimal.NewFromInt(100000),
		MaxAllocationPerAsset: 0.3,
		MaxCorrelation:        0.7,
		MaxPortfolioDrawdown:  0.25,
		TargetVolatility:      0.02,
	}
}

type capitalPoint struct {
	day     time.Time
	capital decimal.Decimal
}

// Manager tracks portfolio capital, allocations and active positions
type Manager struct {
	mu           sync.Mutex
	logger       *zap.Logger
	config       Config
	correlations *correlation.Manager

	cash         decimal.Decimal
	capital      decimal.Decimal
	peakCapital  decimal.Decimal
	dailyCapital []capitalPoint
	dailyReturns []float64
	currentDay   time.Time

	positions   map[string]*Position
	history     []ClosedPosition
	allocations map[string]float64
}

// NewManager creates a portfolio manager
func NewManager(logger *zap.Logger, correlations *correlation.Manager, config Config) *Manager {
	return &Manager{
		logger:       logger,
		config:       config,
		correlations: correlations,
		cash:         config.InitialCapital,
		capital:      config.InitialCapital,
		peakCapital:  config.InitialCapital,
		positions:    make(map[string]*Position),
		allocations:  make(map[string]float64),
	}
}

// Revalue marks the portfolio to the supplied prices. The capital peak
// advances monotonically; the first revaluation of a new calendar day
// realizes the previous day's return.
func (m *Manager) Revalue(ts time.Time, prices map[string]decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	value := m.cash
	for symbol, position := range m.positions {
		price, ok := prices[symbol]
		if !ok {
			return fmt.Errorf("no price for active position %s", symbol)
		}
		value = value.Add(position.Size.Mul(price))
	}
	m.capital = value

	if value.GreaterThan(m.peakCapital) {
		m.peakCapital = value
	}

	day := ts.Truncate(24 * time.Hour)
	if m.currentDay.IsZero() {
		m.currentDay = day
	} else if day.After(m.currentDay) {
		if n := len(m.dailyCapital); n > 0 {
			previous := m.dailyCapital[n-1].capital
			if previous.IsPositive() {
				r, _ := value.Sub(previous).Div(previous).Float64()
				m.dailyReturns = append(m.dailyReturns, r)
			}
		}
		m.currentDay = day
	}
	m.dailyCapital = append(m.dailyCapital, capitalPoint{day: day, capital: value})

	return nil
}

// Capital returns the last marked portfolio value
func (m *Manager) Capital() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capital
}

// Sharpe returns the annualized Sharpe ratio of daily returns, 0 until
// enough history has accumulated
func (m *Manager) Sharpe() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sharpe(m.dailyReturns)
}

// Sortino returns the annualized Sortino ratio of daily returns, 0
// until enough history has accumulated
func (m *Manager) Sortino() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.dailyReturns) < minReturnPoints {
		return 0
	}

	var sum float64
	var count int
	for _, r := range m.dailyReturns {
		if r < 0 {
			sum += r * r
			count++
		}
	}
	if count == 0 {
		return 0
	}
	downside := math.Sqrt(sum / float64(count))
	if downside == 0 {
		return 0
	}
	return utils.Mean(m.dailyReturns) / downside * math.Sqrt(annualizationFactor)
}

// AllocateCapital splits capital across strategies by risk-adjusted
// performance: reward Sharpe, punish drawdown. Fractions are uniform
// when no strategy has a positive score, and each is capped at the per
// asset maximum.
func (m *Manager) AllocateCapital(metrics map[string]StrategyMetrics) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	scores := make(map[string]float64, len(metrics))
	var total float64
	for name, sm := range metrics {
		dd := sm.MaxDrawdown
		if dd < 0.01 {
			dd = 0.01
		}
		score := (1 + sm.Sharpe) / dd
		if score < 0 {
			score = 0
		}
		scores[name] = score
		total += score
	}

	allocations := make(map[string]float64, len(metrics))
	for name := range metrics {
		var fraction float64
		if total > 0 {
			fraction = scores[name] / total
		} else if len(metrics) > 0 {
			fraction = 1.0 / float64(len(metrics))
		}
		if fraction > m.config.MaxAllocationPerAsset {
			fraction = m.config.MaxAllocationPerAsset
		}
		allocations[name] = fraction
	}

	m.allocations = allocations
	m.logger.Info("Capital allocated", zap.Any("allocations", allocations))
	return allocations
}

// AllocateRisk splits the risk budget by Sharpe weighted hit rate.
// No strategy gets more than half the budget and the budget never
// exceeds the whole.
func (m *Manager) AllocateRisk(metrics map[string]StrategyMetrics) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	scores := make(map[string]float64, len(metrics))
	var total float64
	for name, sm := range metrics {
		score := (1 + sm.Sharpe) * sm.WinRate
		if score < 0 {
			score = 0
		}
		scores[name] = score
		total += score
	}

	budgets := make(map[string]float64, len(metrics))
	for name := range metrics {
		var fraction float64
		if total > 0 {
			fraction = scores[name] / total
		} else if len(metrics) > 0 {
			fraction = 1.0 / float64(len(metrics))
		}
		if fraction > maxRiskFraction {
			fraction = maxRiskFraction
		}
		budgets[name] = fraction
	}

	return budgets
}

// SizePosition sizes a new position from the strategy's capital
// allocation, deflated toward the target volatility and capped at the
// per asset maximum
func (m *Manager) SizePosition(strategyName string, price, volatility float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if price <= 0 {
		return 0
	}

	capital, _ := m.capital.Float64()
	notional := capital * m.allocations[strategyName]

	if volatility > 0 && m.config.TargetVolatility > 0 {
		notional *= utils.Clamp(m.config.TargetVolatility/volatility, 0.25, 1.0)
	}

	maxNotional := capital * m.config.MaxAllocationPerAsset
	if notional > maxNotional {
		notional = maxNotional
	}

	return utils.RoundAmount(notional / price)
}

// CheckRisk reports whether the portfolio drawdown limit is breached
// and which active symbol pairs are too correlated to hold together
func (m *Manager) CheckRisk(ctx context.Context) (*RiskReport, error) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for symbol := range m.positions {
		symbols = append(symbols, symbol)
	}
	drawdown := 0.0
	if m.peakCapital.IsPositive() {
		drawdown, _ = m.peakCapital.Sub(m.capital).Div(m.peakCapital).Float64()
		if drawdown < 0 {
			drawdown = 0
		}
	}
	maxCorrelation := m.config.MaxCorrelation
	breached := drawdown > m.config.MaxPortfolioDrawdown
	m.mu.Unlock()

	report := &RiskReport{
		DrawdownBreached: breached,
		Drawdown:         drawdown,
	}
	if breached {
		m.logger.Warn("Portfolio drawdown limit breached",
			zap.Float64("drawdown", drawdown))
	}

	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			coefficient, err := m.correlations.Get(ctx, symbols[i], symbols[j])
			if err != nil {
				return nil, err
			}
			if math.Abs(coefficient) > maxCorrelation {
				report.CorrelatedPairs = append(report.CorrelatedPairs, CorrelatedPair{
					SymbolA:     symbols[i],
					SymbolB:     symbols[j],
					Coefficient: coefficient,
				})
			}
		}
	}

	return report, nil
}

// RegisterPosition records an opened position and moves its notional
// out of cash
func (m *Manager) RegisterPosition(symbol, strategyName string, size, entryPrice decimal.Decimal, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[symbol]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, symbol)
	}

	m.positions[symbol] = &Position{
		Symbol:       symbol,
		StrategyName: strategyName,
		Size:         size,
		EntryPrice:   entryPrice,
		OpenedAt:     ts,
	}
	m.cash = m.cash.Sub(size.Mul(entryPrice))
	return nil
}

// UnregisterPosition settles a position at the exit price and appends
// it to history with its realized result
func (m *Manager) UnregisterPosition(symbol string, exitPrice decimal.Decimal, ts time.Time) (*ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	position, ok := m.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	delete(m.positions, symbol)

	closed := ClosedPosition{
		Position:  *position,
		ExitPrice: exitPrice,
		PnL:       position.Size.Mul(exitPrice.Sub(position.EntryPrice)),
		ClosedAt:  ts,
	}
	m.history = append(m.history, closed)
	m.cash = m.cash.Add(position.Size.Mul(exitPrice))

	return &closed, nil
}

// Positions returns a copy of the active positions
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// History returns a copy of the closed position history
func (m *Manager) History() []ClosedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ClosedPosition, len(m.history))
	copy(out, m.history)
	return out
}

func sharpe(returns []float64) float64 {
	if len(returns) < minReturnPoints {
		return 0
	}
	std := utils.StdDev(returns)
	if std == 0 {
		return 0
	}
	return utils.Mean(returns) / std * math.Sqrt(annualizationFactor)
}

// Package risk provides per-strategy position sizing, stop placement
// and loss limits.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

// ErrInsufficientData is returned when a calculation needs more
// history than was supplied
var ErrInsufficientData = errors.New("insufficient data")

// SizeDecision is the outcome of a sizing request. Either Size is
// valid or Blocked is set with a reason, never both.
type SizeDecision struct {
	Size    float64
	Blocked bool
	Reason  string
}

// Sized returns an approved decision
func Sized(size float64) SizeDecision {
	return SizeDecision{Size: size}
}

// Blocked returns a rejected decision with the limit that tripped
func Blocked(reason string) SizeDecision {
	return SizeDecision{Blocked: true, Reason: reason}
}

// Manager enforces drawdown and daily loss limits and sizes positions
// from a fixed capital fraction, deflated by volatility.
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger
	config types.RiskConfig

	peakCapital       float64
	dailyStartCapital float64
	currentDay        time.Time
}

// NewManager creates a risk manager
func NewManager(logger *zap.Logger, config types.RiskConfig) *Manager {
	return &Manager{
		logger: logger,
		config: config,
	}
}

// SizePosition sizes a new position for the given capital and price.
// The running capital peak is updated here, and the first call of each
// calendar day anchors that day's starting capital. A breached drawdown
// or daily loss limit blocks the trade.
func (m *Manager) SizePosition(ts time.Time, capital, price, volatility float64) SizeDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if capital <= 0 || price <= 0 {
		return Blocked("no capital")
	}

	m.rollDay(ts, capital)
	if capital > m.peakCapital {
		m.peakCapital = capital
	}

	drawdown := (m.peakCapital - capital) / m.peakCapital
	if drawdown > m.config.MaxDrawdown {
		m.logger.Warn("Trade blocked, drawdown limit breached",
			zap.Float64("drawdown", drawdown),
			zap.Float64("limit", m.config.MaxDrawdown))
		return Blocked(fmt.Sprintf("drawdown %.4f exceeds limit %.4f", drawdown, m.config.MaxDrawdown))
	}

	if m.dailyStartCapital > 0 {
		dailyLoss := (m.dailyStartCapital - capital) / m.dailyStartCapital
		if dailyLoss > m.config.MaxDailyLoss {
			m.logger.Warn("Trade blocked, daily loss limit breached",
				zap.Float64("daily_loss", dailyLoss),
				zap.Float64("limit", m.config.MaxDailyLoss))
			return Blocked(fmt.Sprintf("daily loss %.4f exceeds limit %.4f", dailyLoss, m.config.MaxDailyLoss))
		}
	}

	riskAmount := capital * m.config.RiskPerTrade
	notional := riskAmount
	if volatility > 0 {
		notional = riskAmount / volatility
	}

	size := notional / price
	maxSize := capital * m.config.MaxPositionSize / price
	if size > maxSize {
		size = maxSize
	}

	return Sized(utils.RoundAmount(size))
}

// StopLoss returns the stop price for an entry. With ATR available the
// stop distance scales with volatility, clamped to the configured
// band; otherwise the default percentage applies.
func (m *Manager) StopLoss(entry float64, side types.OrderSide, atr float64) float64 {
	pct := m.config.DefaultStopLossPct
	if atr > 0 && entry > 0 {
		pct = utils.Clamp(atr*m.config.ATRMultiplier/entry, m.config.MinStopLossPct, m.config.MaxStopLossPct)
	}

	if side == types.OrderSideBuy {
		return entry * (1 - pct)
	}
	return entry * (1 + pct)
}

// TakeProfit returns the target price for an entry. With a stop price
// available the target sits at the configured reward multiple of the
// stop distance, otherwise the default percentage applies.
func (m *Manager) TakeProfit(entry float64, side types.OrderSide, stopPrice float64) float64 {
	if stopPrice > 0 {
		distance := math.Abs(entry-stopPrice) * m.config.RewardRatio
		if side == types.OrderSideBuy {
			return entry + distance
		}
		return entry - distance
	}

	if side == types.OrderSideBuy {
		return entry * (1 + m.config.TakeProfitPct)
	}
	return entry * (1 - m.config.TakeProfitPct)
}

// PeakCapital returns the running capital peak
func (m *Manager) PeakCapital() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakCapital
}

// Reset clears peak and daily state between runs
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peakCapital = 0
	m.dailyStartCapital = 0
	m.currentDay = time.Time{}
}

// rollDay re-anchors the daily starting capital when ts lands on a new
// calendar day. Caller holds the lock.
func (m *Manager) rollDay(ts time.Time, capital float64) {
	day := ts.Truncate(24 * time.Hour)
	if !day.Equal(m.currentDay) {
		m.currentDay = day
		m.dailyStartCapital = capital
	}
}

// Volatility returns the standard deviation of simple returns of the
// price series, 0 when fewer than three prices are supplied
func Volatility(prices []float64) float64 {
	returns := utils.SimpleReturns(prices)
	if len(returns) < 2 {
		return 0
	}
	return utils.StdDev(returns)
}

// ATR returns the average true range over the last period bars.
// It needs period+1 closes for the previous-close component.
func ATR(highs, lows, closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: period must be positive", ErrInsufficientData)
	}
	n := len(closes)
	if n != len(highs) || n != len(lows) {
		return 0, fmt.Errorf("%w: series length mismatch", ErrInsufficientData)
	}
	if n < period+1 {
		return 0, fmt.Errorf("%w: need %d bars, have %d", ErrInsufficientData, period+1, n)
	}

	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += trueRange(highs[i], lows[i], closes[i-1])
	}
	return sum / float64(period), nil
}

// trueRange is the greatest of the bar range and the gaps from the
// previous close
func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if v := math.Abs(high - prevClose); v > tr {
		tr = v
	}
	if v := math.Abs(low - prevClose); v > tr {
		tr = v
	}
	return tr
}

package strategy

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/exchange"
	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

// MeanReversionStrategy fades extremes. When price stretches below its
// rolling mean it rests a limit bid at the current close; when price
// reverts it exits at market. Stale bids are canceled after a timeout.
type MeanReversionStrategy struct {
	BaseStrategy

	exchange       exchange.Exchange
	maxPositionPct float64

	closes       []float64
	pendingID    string
	pendingBars  int
	pendingPrice decimal.Decimal
}

// NewMeanReversionStrategy creates a mean reversion strategy. The
// position fraction is capped at the risk config's max position size.
// Parameters: period, z_entry, z_exit, position_pct, order_timeout_bars.
func NewMeanReversionStrategy(logger *zap.Logger, ex exchange.Exchange, symbol string, riskConfig types.RiskConfig, params map[string]float64) (Strategy, error) {
	defaults := map[string]float64{
		"period":             20,
		"z_entry":            1.5,
		"z_exit":             0.25,
		"position_pct":       0.10,
		"order_timeout_bars": 5,
	}
	merged, err := applyParams(defaults, params)
	if err != nil {
		return nil, err
	}

	return &MeanReversionStrategy{
		BaseStrategy: BaseStrategy{
			logger: logger,
			name:   "mean_reversion",
			symbol: symbol,
			params: merged,
		},
		exchange:       ex,
		maxPositionPct: riskConfig.MaxPositionSize,
	}, nil
}

// RunIteration processes the current bar
func (s *MeanReversionStrategy) RunIteration(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bar, err := s.exchange.CurrentBar()
	if err != nil {
		return err
	}

	close, _ := bar.Close.Float64()
	s.closes = append(s.closes, close)

	if s.pendingID != "" {
		if err := s.reconcilePending(); err != nil {
			return err
		}
	}

	period := int(s.param("period"))
	if len(s.closes) < period {
		return nil
	}

	window := s.closes[len(s.closes)-period:]
	mean := utils.Mean(window)
	std := utils.StdDev(window)
	if std == 0 {
		return nil
	}
	z := (close - mean) / std

	position := s.Position()
	switch {
	case !position.Open && s.pendingID == "" && z < -s.param("z_entry"):
		return s.placeEntry(bar)
	case position.Open && z > -s.param("z_exit"):
		return s.exit(position)
	}
	return nil
}

// reconcilePending checks whether the resting bid filled and cancels
// it once it has been open too long
func (s *MeanReversionStrategy) reconcilePending() error {
	order, err := s.exchange.GetOrder(s.pendingID)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			s.clearPending()
			return nil
		}
		return err
	}

	switch order.Status {
	case types.OrderStatusClosed:
		s.setPosition(types.PositionState{
			Open:       true,
			Side:       types.OrderSideBuy,
			EntryPrice: order.Price,
			Size:       order.Amount,
		})
		s.clearPending()
	case types.OrderStatusCanceled:
		s.clearPending()
	default:
		s.pendingBars++
		if s.pendingBars >= int(s.param("order_timeout_bars")) {
			if err := s.exchange.CancelOrder(s.pendingID); err != nil {
				return err
			}
			s.logger.Debug("Stale bid canceled",
				zap.String("order_id", s.pendingID),
				zap.String("price", s.pendingPrice.String()))
			s.clearPending()
		}
	}
	return nil
}

func (s *MeanReversionStrategy) placeEntry(bar types.Bar) error {
	_, quote, err := utils.ParseSymbol(s.symbol)
	if err != nil {
		return err
	}

	pct := s.param("position_pct")
	if pct > s.maxPositionPct {
		pct = s.maxPositionPct
	}
	budget := s.exchange.Balance(quote).Mul(decimal.NewFromFloat(pct))
	if budget.LessThanOrEqual(decimal.Zero) || bar.Close.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	amount := budget.Div(bar.Close).Round(6)
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	order, err := s.exchange.PlaceLimitOrder(s.symbol, types.OrderSideBuy, amount, bar.Close)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientFunds) {
			s.logger.Debug("Entry skipped, insufficient funds")
			return nil
		}
		return err
	}

	s.pendingID = order.ID
	s.pendingBars = 0
	s.pendingPrice = order.Price
	return nil
}

func (s *MeanReversionStrategy) exit(position types.PositionState) error {
	_, err := s.exchange.PlaceMarketOrder(s.symbol, types.OrderSideSell, position.Size)
	if err != nil {
		return err
	}
	s.setPosition(types.PositionState{})
	return nil
}

// Reset clears all state between runs
func (s *MeanReversionStrategy) Reset() {
	s.closes = nil
	s.clearPending()
	s.setPosition(types.PositionState{})
}

func (s *MeanReversionStrategy) clearPending() {
	s.pendingID = ""
	s.pendingBars = 0
	s.pendingPrice = decimal.Zero
}

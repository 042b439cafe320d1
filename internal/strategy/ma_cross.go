package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/exchange"
	"github.com/steampunk-industries/quantsim/internal/risk"
	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

// MACrossStrategy trades moving average crossovers. It enters long
// when the fast average crosses above the slow one and exits on the
// opposite cross. Position sizes come from the risk manager.
type MACrossStrategy struct {
	BaseStrategy

	exchange exchange.Exchange
	risk     *risk.Manager

	closes   []float64
	prevFast float64
	prevSlow float64
	warm     bool
}

// NewMACrossStrategy creates an MA crossover strategy bound to the
// run's risk limits. Parameters: fast_period, slow_period,
// risk_per_trade (defaults to the risk config's value).
func NewMACrossStrategy(logger *zap.Logger, ex exchange.Exchange, symbol string, riskConfig types.RiskConfig, params map[string]float64) (Strategy, error) {
	defaults := map[string]float64{
		"fast_period":    10,
		"slow_period":    30,
		"risk_per_trade": riskConfig.RiskPerTrade,
	}
	merged, err := applyParams(defaults, params)
	if err != nil {
		return nil, err
	}

	riskConfig.RiskPerTrade = merged["risk_per_trade"]

	return &MACrossStrategy{
		BaseStrategy: BaseStrategy{
			logger: logger,
			name:   "ma_cross",
			symbol: symbol,
			params: merged,
		},
		exchange: ex,
		risk:     risk.NewManager(logger, riskConfig),
	}, nil
}

// RunIteration processes the current bar
func (s *MACrossStrategy) RunIteration(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bar, err := s.exchange.CurrentBar()
	if err != nil {
		return err
	}

	close, _ := bar.Close.Float64()
	s.closes = append(s.closes, close)

	slowPeriod := int(s.param("slow_period"))
	fastPeriod := int(s.param("fast_period"))
	if len(s.closes) < slowPeriod {
		return nil
	}

	fast := utils.Mean(s.closes[len(s.closes)-fastPeriod:])
	slow := utils.Mean(s.closes[len(s.closes)-slowPeriod:])
	defer func() {
		s.prevFast = fast
		s.prevSlow = slow
		s.warm = true
	}()

	if !s.warm {
		return nil
	}

	crossedUp := s.prevFast <= s.prevSlow && fast > slow
	crossedDown := s.prevFast >= s.prevSlow && fast < slow
	position := s.Position()

	switch {
	case crossedUp && !position.Open:
		return s.enterLong(bar)
	case crossedDown && position.Open:
		return s.exitLong(position)
	}
	return nil
}

func (s *MACrossStrategy) enterLong(bar types.Bar) error {
	_, quote, err := utils.ParseSymbol(s.symbol)
	if err != nil {
		return err
	}

	capital, _ := s.exchange.Balance(quote).Float64()
	price, _ := bar.Close.Float64()
	volatility := risk.Volatility(s.closes)

	decision := s.risk.SizePosition(bar.Timestamp, capital, price, volatility)
	if decision.Blocked {
		s.logger.Debug("Entry blocked by risk manager",
			zap.String("reason", decision.Reason))
		return nil
	}
	if decision.Size <= 0 {
		return nil
	}

	amount := decimal.NewFromFloat(decision.Size)
	order, err := s.exchange.PlaceMarketOrder(s.symbol, types.OrderSideBuy, amount)
	if err != nil {
		return err
	}

	s.setPosition(types.PositionState{
		Open:       true,
		Side:       types.OrderSideBuy,
		EntryPrice: bar.Close,
		Size:       order.Amount,
	})
	return nil
}

func (s *MACrossStrategy) exitLong(position types.PositionState) error {
	_, err := s.exchange.PlaceMarketOrder(s.symbol, types.OrderSideSell, position.Size)
	if err != nil {
		return err
	}
	s.setPosition(types.PositionState{})
	return nil
}

// Reset clears all state between runs
func (s *MACrossStrategy) Reset() {
	s.closes = nil
	s.prevFast = 0
	s.prevSlow = 0
	s.warm = false
	s.setPosition(types.PositionState{})
	s.risk.Reset()
}

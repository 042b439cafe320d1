package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

// SimulatedExchange replays a historical bar series and simulates
// order matching against it. Funding checks happen at placement, limit
// fills happen when the bar cursor advances.
type SimulatedExchange struct {
	mu     sync.RWMutex
	logger *zap.Logger

	bars   []types.Bar
	cursor int

	makerFee decimal.Decimal
	takerFee decimal.Decimal

	balances map[string]decimal.Decimal

	orders       map[string]*types.Order
	openOrderIDs []string
	closedOrders []*types.Order
	trades       []*types.Trade
}

// NewSimulatedExchange creates a simulator over the given bar series.
// The cursor starts at the first bar.
func NewSimulatedExchange(logger *zap.Logger, bars []types.Bar, config types.ExchangeConfig) *SimulatedExchange {
	balances := make(map[string]decimal.Decimal, len(config.InitialBalances))
	for currency, amount := range config.InitialBalances {
		balances[currency] = amount
	}

	return &SimulatedExchange{
		logger:   logger,
		bars:     bars,
		makerFee: config.MakerFee,
		takerFee: config.TakerFee,
		balances: balances,
		orders:   make(map[string]*types.Order),
	}
}

// SetTime moves the bar cursor to an absolute index without
// processing fills
func (s *SimulatedExchange) SetTime(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.bars) {
		return fmt.Errorf("%w: index %d of %d bars", ErrDataExhausted, index, len(s.bars))
	}
	s.cursor = index
	return nil
}

// Advance moves the bar cursor forward by n bars and fills any open
// limit order the new bar crosses. Advancing past the final bar clamps
// to it and returns ErrDataExhausted.
func (s *SimulatedExchange) Advance(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.bars) == 0 {
		return ErrDataExhausted
	}

	exhausted := false
	s.cursor += n
	if s.cursor > len(s.bars)-1 {
		s.cursor = len(s.bars) - 1
		exhausted = true
	}

	s.processLimitOrders(s.bars[s.cursor])

	if exhausted {
		return ErrDataExhausted
	}
	return nil
}

// CurrentBar returns the bar at the cursor
func (s *SimulatedExchange) CurrentBar() (types.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.bars) == 0 {
		return types.Bar{}, ErrDataExhausted
	}
	return s.bars[s.cursor], nil
}

// CurrentPrice returns the close of the current bar
func (s *SimulatedExchange) CurrentPrice() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.bars) == 0 {
		return decimal.Zero
	}
	return s.bars[s.cursor].Close
}

// Balance returns the free balance for a currency
func (s *SimulatedExchange) Balance(currency string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[currency]
}

// Balances returns a copy of all free balances
func (s *SimulatedExchange) Balances() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(s.balances))
	for currency, amount := range s.balances {
		out[currency] = amount
	}
	return out
}

// PlaceLimitOrder opens a resting limit order. The committed side is
// reserved up front: quote notional for buys, base amount for sells.
// On insufficient funds no order is created.
func (s *SimulatedExchange) PlaceLimitOrder(symbol string, side types.OrderSide, amount, price decimal.Decimal) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, quote, err := utils.ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if amount.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount and price must be positive", ErrInvalidState)
	}

	if side == types.OrderSideBuy {
		cost := amount.Mul(price)
		if s.balances[quote].LessThan(cost) {
			return nil, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientFunds,
				cost.String(), quote, s.balances[quote].String())
		}
		s.balances[quote] = s.balances[quote].Sub(cost)
	} else {
		if s.balances[base].LessThan(amount) {
			return nil, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientFunds,
				amount.String(), base, s.balances[base].String())
		}
		s.balances[base] = s.balances[base].Sub(amount)
	}

	order := &types.Order{
		ID:        utils.GenerateOrderID(),
		Symbol:    symbol,
		Side:      side,
		Kind:      types.OrderKindLimit,
		Price:     price,
		Amount:    amount,
		Status:    types.OrderStatusOpen,
		CreatedAt: s.currentTime(),
		UpdatedAt: s.currentTime(),
	}
	s.orders[order.ID] = order
	s.openOrderIDs = append(s.openOrderIDs, order.ID)

	s.logger.Debug("Limit order placed",
		zap.String("order_id", order.ID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("amount", amount.String()),
		zap.String("price", price.String()))

	return order, nil
}

// PlaceMarketOrder fills immediately at the current close with the
// taker fee. Market orders are never left open.
func (s *SimulatedExchange) PlaceMarketOrder(symbol string, side types.OrderSide, amount decimal.Decimal) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, quote, err := utils.ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidState)
	}
	if len(s.bars) == 0 {
		return nil, ErrDataExhausted
	}

	price := s.bars[s.cursor].Close
	notional := amount.Mul(price)
	fee := notional.Mul(s.takerFee)

	if side == types.OrderSideBuy {
		if s.balances[quote].LessThan(notional) {
			return nil, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientFunds,
				notional.String(), quote, s.balances[quote].String())
		}
		s.balances[quote] = s.balances[quote].Sub(notional).Sub(fee)
		s.balances[base] = s.balances[base].Add(amount)
	} else {
		if s.balances[base].LessThan(amount) {
			return nil, fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientFunds,
				amount.String(), base, s.balances[base].String())
		}
		s.balances[base] = s.balances[base].Sub(amount)
		s.balances[quote] = s.balances[quote].Add(notional).Sub(fee)
	}

	now := s.currentTime()
	order := &types.Order{
		ID:        utils.GenerateOrderID(),
		Symbol:    symbol,
		Side:      side,
		Kind:      types.OrderKindMarket,
		Amount:    amount,
		Filled:    amount,
		Status:    types.OrderStatusClosed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.orders[order.ID] = order
	s.closedOrders = append(s.closedOrders, order)

	s.recordTrade(order, price, fee, quote)

	s.logger.Debug("Market order filled",
		zap.String("order_id", order.ID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("fee", fee.String()))

	return order, nil
}

// CancelOrder cancels an open order and returns its reservation in
// full. Canceling a non-open order is an invalid state transition.
func (s *SimulatedExchange) CancelOrder(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Status != types.OrderStatusOpen {
		return fmt.Errorf("%w: cannot cancel %s order %s", ErrInvalidState, order.Status, orderID)
	}

	base, quote, err := utils.ParseSymbol(order.Symbol)
	if err != nil {
		return err
	}

	if order.Side == types.OrderSideBuy {
		s.balances[quote] = s.balances[quote].Add(order.Amount.Mul(order.Price))
	} else {
		s.balances[base] = s.balances[base].Add(order.Amount)
	}

	order.Status = types.OrderStatusCanceled
	order.UpdatedAt = s.currentTime()
	s.removeOpenOrder(orderID)
	s.closedOrders = append(s.closedOrders, order)

	s.logger.Debug("Order canceled", zap.String("order_id", orderID))
	return nil
}

// GetOrder returns an order by ID
func (s *SimulatedExchange) GetOrder(orderID string) (*types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// OpenOrders returns all resting orders in placement order
func (s *SimulatedExchange) OpenOrders() []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Order, 0, len(s.openOrderIDs))
	for _, id := range s.openOrderIDs {
		out = append(out, s.orders[id])
	}
	return out
}

// ClosedOrders returns all filled and canceled orders
func (s *SimulatedExchange) ClosedOrders() []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Order, len(s.closedOrders))
	copy(out, s.closedOrders)
	return out
}

// Trades returns the fill ledger in execution order
func (s *SimulatedExchange) Trades() []*types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// processLimitOrders fills every open limit order the bar crosses.
// Buys fill when the bar trades down to the limit, sells when it
// trades up to it. Fills are full and execute at the limit price.
// Caller holds the lock.
func (s *SimulatedExchange) processLimitOrders(bar types.Bar) {
	remaining := s.openOrderIDs[:0]
	for _, id := range s.openOrderIDs {
		order := s.orders[id]

		filled := false
		if order.Side == types.OrderSideBuy {
			filled = bar.Low.LessThanOrEqual(order.Price)
		} else {
			filled = bar.High.GreaterThanOrEqual(order.Price)
		}
		if !filled {
			remaining = append(remaining, id)
			continue
		}

		s.fillLimitOrder(order, bar)
	}
	s.openOrderIDs = remaining
}

// fillLimitOrder settles a crossed limit order at its limit price.
// The reservation already covers the committed side, so only the
// receiving side is credited. Caller holds the lock.
func (s *SimulatedExchange) fillLimitOrder(order *types.Order, bar types.Bar) {
	base, quote, err := utils.ParseSymbol(order.Symbol)
	if err != nil {
		s.logger.Error("Unparseable symbol on open order",
			zap.String("order_id", order.ID),
			zap.String("symbol", order.Symbol),
			zap.Error(err))
		return
	}

	notional := order.Amount.Mul(order.Price)
	fee := notional.Mul(s.makerFee)

	if order.Side == types.OrderSideBuy {
		s.balances[base] = s.balances[base].Add(order.Amount)
	} else {
		s.balances[quote] = s.balances[quote].Add(notional).Sub(fee)
	}

	order.Filled = order.Amount
	order.Status = types.OrderStatusClosed
	order.UpdatedAt = bar.Timestamp
	s.closedOrders = append(s.closedOrders, order)

	s.recordTrade(order, order.Price, fee, quote)

	s.logger.Debug("Limit order filled",
		zap.String("order_id", order.ID),
		zap.String("side", string(order.Side)),
		zap.String("price", order.Price.String()),
		zap.String("fee", fee.String()))
}

// recordTrade appends a fill to the trade ledger. Caller holds the lock.
func (s *SimulatedExchange) recordTrade(order *types.Order, price, fee decimal.Decimal, feeCurrency string) {
	s.trades = append(s.trades, &types.Trade{
		ID:      utils.GenerateTradeID(),
		OrderID: order.ID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Amount:  order.Amount,
		Price:   price,
		Fee: types.Fee{
			Cost:     fee,
			Currency: feeCurrency,
		},
		ExecutedAt: s.currentTime(),
	})
}

// removeOpenOrder drops an ID from the open order list, preserving
// placement order. Caller holds the lock.
func (s *SimulatedExchange) removeOpenOrder(orderID string) {
	for i, id := range s.openOrderIDs {
		if id == orderID {
			s.openOrderIDs = append(s.openOrderIDs[:i], s.openOrderIDs[i+1:]...)
			return
		}
	}
}

func (s *SimulatedExchange) currentTime() time.Time {
	if len(s.bars) == 0 {
		return time.Time{}
	}
	return s.bars[s.cursor].Timestamp
}

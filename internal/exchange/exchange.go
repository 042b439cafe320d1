// Package exchange provides the order execution surface used by
// strategies. SimulatedExchange replays historical bars; the interface
// is what a live adapter would implement to swap in real execution.
package exchange

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/steampunk-industries/quantsim/pkg/types"
)

var (
	// ErrInsufficientFunds is returned when an order cannot be funded
	// from free balance. No order is created.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOrderNotFound is returned when an order ID does not exist
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidState is returned when an operation is not valid for
	// the order's current status
	ErrInvalidState = errors.New("invalid order state")

	// ErrDataExhausted is returned when the bar cursor is moved past
	// the end of the loaded series
	ErrDataExhausted = errors.New("bar data exhausted")
)

// Exchange is the surface strategies trade against. Both the simulator
// and a live adapter satisfy it, so strategy code does not know which
// one it is talking to.
type Exchange interface {
	// CurrentBar returns the bar at the cursor
	CurrentBar() (types.Bar, error)

	// CurrentPrice returns the close of the current bar
	CurrentPrice() decimal.Decimal

	// Balance returns the free balance for a currency
	Balance(currency string) decimal.Decimal

	// Balances returns a copy of all free balances
	Balances() map[string]decimal.Decimal

	// PlaceLimitOrder validates funding, reserves the committed side
	// and opens a resting limit order
	PlaceLimitOrder(symbol string, side types.OrderSide, amount, price decimal.Decimal) (*types.Order, error)

	// PlaceMarketOrder validates funding and fills immediately at the
	// current close
	PlaceMarketOrder(symbol string, side types.OrderSide, amount decimal.Decimal) (*types.Order, error)

	// CancelOrder cancels an open order and returns its reserved funds
	CancelOrder(orderID string) error

	// GetOrder returns an order by ID
	GetOrder(orderID string) (*types.Order, error)

	// OpenOrders returns all resting orders
	OpenOrders() []*types.Order

	// ClosedOrders returns all filled and canceled orders
	ClosedOrders() []*types.Order

	// Trades returns the fill ledger in execution order
	Trades() []*types.Trade
}

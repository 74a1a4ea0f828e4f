package execution

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the venue could not be reached or did not
	// answer in time. The order state is unknown; callers must reconcile.
	ErrUnavailable = errors.New("execution venue unavailable")

	// ErrRejected means the venue refused the order outright.
	ErrRejected = errors.New("order rejected")

	// ErrLiquidated means the position was forcibly closed by the margin
	// engine before or during the request.
	ErrLiquidated = errors.New("position liquidated")

	// ErrNoPosition means a close was requested with nothing open.
	ErrNoPosition = errors.New("no open position")

	// ErrOrderNotFound means a cancel referenced an order the venue does
	// not have resting.
	ErrOrderNotFound = errors.New("order not found")
)

// Side is the order side on the venue.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType is the venue order type.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Order is a request to the venue.
type Order struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	// Quantity is in base asset units, always positive.
	Quantity float64 `json:"quantity"`
	// Price applies to limit orders only.
	Price      float64 `json:"price,omitempty"`
	ReduceOnly bool    `json:"reduce_only"`
	Leverage   float64 `json:"leverage,omitempty"`
}

// Fill is the venue's confirmation of an executed order.
type Fill struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Fee           float64   `json:"fee"`
	Timestamp     time.Time `json:"timestamp"`
}

// Position is the venue's view of exposure in one symbol. Quantity is signed:
// positive long, negative short, zero flat.
type Position struct {
	Symbol           string  `json:"symbol"`
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	Leverage         float64 `json:"leverage"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// Flat reports whether there is no exposure.
func (p Position) Flat() bool { return p.Quantity == 0 }

// Executor is the single surface the trading engine talks to. The live
// implementation signs requests against the exchange; the simulator fills
// against the candle stream. The engine cannot tell them apart.
type Executor interface {
	// Submit places an order and waits for the fill confirmation.
	Submit(ctx context.Context, order Order) (Fill, error)

	// Cancel withdraws a resting order by id. Returns ErrOrderNotFound
	// when nothing is resting under that id.
	Cancel(ctx context.Context, symbol, orderID string) error

	// ClosePosition flattens any open exposure in symbol with a
	// reduce-only market order.
	ClosePosition(ctx context.Context, symbol string) (Fill, error)

	// Position returns current exposure in symbol.
	Position(ctx context.Context, symbol string) (Position, error)

	// Balance returns the available account balance in quote units.
	Balance(ctx context.Context) (float64, error)

	// SetLeverage configures leverage for symbol before entry.
	SetLeverage(ctx context.Context, symbol string, leverage float64) error

	// MarkToMarket feeds the latest traded price. The simulator uses it to
	// value the position and enforce margin; the live venue does that
	// itself, so its implementation is a no-op. A non-nil fill reports a
	// forced liquidation close.
	MarkToMarket(ctx context.Context, price float64) (*Fill, error)
}

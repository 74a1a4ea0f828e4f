package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
)

// Simulator fills orders against the live price stream without touching the
// venue. It models taker/maker fees, bounded random slippage, isolated
// margin with forced liquidation and a bankruptcy reset so long unattended
// runs keep producing data.
type Simulator struct {
	mu     sync.Mutex
	cfg    config.SimulatorConfig
	symbol string
	logger zerolog.Logger
	rng    *rand.Rand

	balance float64
	pos     Position
	margin  float64
	mark    float64

	trades int
	resets int
}

// SimulatorStats is a point-in-time view of the simulated account.
type SimulatorStats struct {
	Balance  float64 `json:"balance"`
	Trades   int     `json:"trades"`
	Resets   int     `json:"resets"`
	Position float64 `json:"position"`
}

// NewSimulator creates a simulator for one symbol with the starting balance
// from cfg.
func NewSimulator(cfg config.SimulatorConfig, symbol string, logger zerolog.Logger) *Simulator {
	return &Simulator{
		cfg:     cfg,
		symbol:  symbol,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		balance: cfg.InitialBalance,
	}
}

// Submit fills a market order at the current mark price with slippage and a
// taker fee. Limit orders fill at their price with a maker fee when the mark
// has reached it.
func (s *Simulator) Submit(ctx context.Context, order Order) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.Symbol != s.symbol {
		return Fill{}, fmt.Errorf("%w: unknown symbol %s", ErrRejected, order.Symbol)
	}
	if order.Quantity <= 0 {
		return Fill{}, fmt.Errorf("%w: non-positive quantity", ErrRejected)
	}
	if s.mark == 0 {
		return Fill{}, fmt.Errorf("%w: no mark price yet", ErrUnavailable)
	}

	price, feeRate := s.fillTerms(order)
	if order.ReduceOnly {
		return s.closeLocked(order.Side, order.Quantity, price, feeRate, order.ClientOrderID)
	}
	return s.openLocked(order, price, feeRate)
}

func (s *Simulator) fillTerms(order Order) (price, feeRate float64) {
	if order.Type == Limit && order.Price > 0 {
		return order.Price, s.cfg.MakerFeeRate
	}
	slip := s.cfg.MinSlippagePct
	if spread := s.cfg.MaxSlippagePct - s.cfg.MinSlippagePct; spread > 0 {
		slip += s.rng.Float64() * spread
	}
	price = s.mark * (1 + slip/100)
	if order.Side == Sell {
		price = s.mark * (1 - slip/100)
	}
	return price, s.cfg.TakerFeeRate
}

func (s *Simulator) openLocked(order Order, price, feeRate float64) (Fill, error) {
	if !s.pos.Flat() {
		return Fill{}, fmt.Errorf("%w: position already open", ErrRejected)
	}

	leverage := order.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	notional := order.Quantity * price
	margin := notional / leverage
	fee := notional * feeRate
	if margin+fee > s.balance {
		return Fill{}, fmt.Errorf("%w: insufficient balance %.2f for margin %.2f + fee %.4f", ErrRejected, s.balance, margin, fee)
	}

	s.balance -= margin + fee
	s.margin = margin

	qty := order.Quantity
	if order.Side == Sell {
		qty = -qty
	}
	s.pos = Position{
		Symbol:           s.symbol,
		Quantity:         qty,
		EntryPrice:       price,
		Leverage:         leverage,
		LiquidationPrice: liquidationPrice(price, qty, leverage, s.cfg.MaintenanceMarginRate),
	}

	fill := s.fill(order.ClientOrderID, order.Side, order.Quantity, price, fee)
	s.logger.Info().
		Str("side", string(order.Side)).
		Float64("qty", order.Quantity).
		Float64("price", price).
		Float64("fee", fee).
		Float64("balance", s.balance).
		Msg("sim position opened")
	return fill, nil
}

// Cancel always reports the order as gone; the simulator fills every
// order immediately, so nothing ever rests.
func (s *Simulator) Cancel(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrOrderNotFound
}

// ClosePosition flattens the open position at the mark price.
func (s *Simulator) ClosePosition(ctx context.Context, symbol string) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos.Flat() {
		return Fill{}, ErrNoPosition
	}
	side := Sell
	qty := s.pos.Quantity
	if qty < 0 {
		side = Buy
		qty = -qty
	}
	price, feeRate := s.fillTerms(Order{Side: side, Type: Market, Quantity: qty})
	return s.closeLocked(side, qty, price, feeRate, "")
}

func (s *Simulator) closeLocked(side Side, qty, price, feeRate float64, clientID string) (Fill, error) {
	if s.pos.Flat() {
		return Fill{}, ErrNoPosition
	}
	wantSide := Sell
	if s.pos.Quantity < 0 {
		wantSide = Buy
	}
	if side != wantSide {
		return Fill{}, fmt.Errorf("%w: reduce-only side does not reduce", ErrRejected)
	}
	if qty > absFloat(s.pos.Quantity)+1e-12 {
		qty = absFloat(s.pos.Quantity)
	}

	pnl := (price - s.pos.EntryPrice) * s.pos.Quantity
	notional := qty * price
	fee := notional * feeRate

	s.balance += s.margin + pnl - fee
	if s.balance < 0 {
		s.balance = 0
	}
	s.margin = 0
	s.pos = Position{Symbol: s.symbol}
	s.trades++

	fill := s.fill(clientID, side, qty, price, fee)
	s.logger.Info().
		Float64("price", price).
		Float64("pnl", pnl).
		Float64("fee", fee).
		Float64("balance", s.balance).
		Msg("sim position closed")

	s.resetIfBankrupt()
	return fill, nil
}

// MarkToMarket values the position at price and forces a liquidation close
// when equity falls to the maintenance requirement.
func (s *Simulator) MarkToMarket(ctx context.Context, price float64) (*Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mark = price
	if s.pos.Flat() {
		return nil, nil
	}

	s.pos.UnrealizedPnL = (price - s.pos.EntryPrice) * s.pos.Quantity
	equity := s.margin + s.pos.UnrealizedPnL
	notional := absFloat(s.pos.Quantity) * price
	maintenance := notional * s.cfg.MaintenanceMarginRate

	if equity > maintenance {
		return nil, nil
	}

	// Forced close at the mark with the liquidation penalty.
	qty := absFloat(s.pos.Quantity)
	side := Sell
	if s.pos.Quantity < 0 {
		side = Buy
	}
	penalty := notional * s.cfg.LiquidationFeeRate
	remainder := equity - penalty
	if remainder < 0 {
		remainder = 0
	}
	s.balance += remainder
	s.margin = 0
	s.pos = Position{Symbol: s.symbol}
	s.trades++

	fill := s.fill("", side, qty, price, penalty)
	s.logger.Warn().
		Float64("price", price).
		Float64("equity", equity).
		Float64("maintenance", maintenance).
		Float64("balance", s.balance).
		Msg("sim position liquidated")

	s.resetIfBankrupt()
	return &fill, ErrLiquidated
}

// resetIfBankrupt refunds the account when it drops below the floor, so a
// bad streak in simulation does not end the run.
func (s *Simulator) resetIfBankrupt() {
	if s.balance >= s.cfg.BankruptcyFloor {
		return
	}
	s.resets++
	s.logger.Warn().
		Float64("balance", s.balance).
		Float64("floor", s.cfg.BankruptcyFloor).
		Int("resets", s.resets).
		Msg("sim account bankrupt, resetting balance")
	s.balance = s.cfg.InitialBalance
}

// Position returns the current simulated exposure.
func (s *Simulator) Position(ctx context.Context, symbol string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return Position{Symbol: symbol}, nil
	}
	return s.pos, nil
}

// Balance returns the free simulated balance.
func (s *Simulator) Balance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

// SetLeverage is accepted for interface parity; leverage is taken from each
// order at open time.
func (s *Simulator) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	return ctx.Err()
}

// Stats returns counters for reporting.
func (s *Simulator) Stats() SimulatorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SimulatorStats{
		Balance:  s.balance,
		Trades:   s.trades,
		Resets:   s.resets,
		Position: s.pos.Quantity,
	}
}

func (s *Simulator) fill(clientID string, side Side, qty, price, fee float64) Fill {
	return Fill{
		OrderID:       uuid.New().String(),
		ClientOrderID: clientID,
		Symbol:        s.symbol,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		Fee:           fee,
		Timestamp:     time.Now().UTC(),
	}
}

func liquidationPrice(entry, qty, leverage, mmr float64) float64 {
	if qty > 0 {
		return entry * (1 - 1/leverage + mmr)
	}
	return entry * (1 + 1/leverage - mmr)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Package margin evaluates account health over immutable snapshots.
//
// Everything here is a pure function of a Snapshot, the token/market
// configuration and the price source; nothing is mutated. The coordinator
// takes the snapshot under the account lock so the answer cannot go stale
// before the mutation it guards.
package margin

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/app/core/position"
	"github.com/uhyunpark/hypermargin/pkg/oracle"
)

// Config resolves tokens and markets. *market.Registry satisfies it.
type Config interface {
	Token(symbol string) (*market.Token, error)
	Market(symbol string) (*market.Market, error)
	Tokens() []*market.Token
}

// Snapshot is a consistent copy of an account's balances and positions
type Snapshot struct {
	Balances  map[string]ledger.Balance
	Positions map[string]position.Position
}

// Clone deep-copies the snapshot maps
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Balances:  make(map[string]ledger.Balance, len(s.Balances)),
		Positions: make(map[string]position.Position, len(s.Positions)),
	}
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	return out
}

// Intent is an order the account wants to place
type Intent struct {
	Market     string
	Side       core.Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
}

// Health summarizes an account for display
type Health struct {
	CollateralValue   decimal.Decimal `json:"collateralValue"`   // weighted value of available balances
	LockedValue       decimal.Decimal `json:"lockedValue"`       // weighted value of locked balances
	UnrealizedPnL     decimal.Decimal `json:"unrealizedPnl"`     // at mark
	Equity            decimal.Decimal `json:"equity"`            // collateral + locked + unrealized
	MaintenanceMargin decimal.Decimal `json:"maintenanceMargin"` // Σ |size| × mark × mmf
	InitialMargin     decimal.Decimal `json:"initialMargin"`     // Σ |size| × mark × imf
	FreeCollateral    decimal.Decimal `json:"freeCollateral"`
	Leverage          decimal.Decimal `json:"leverage"` // notional / equity, zero if no equity
	Liquidatable      bool            `json:"liquidatable"`
}

// Calculator evaluates margin over snapshots
type Calculator struct {
	cfg    Config
	prices oracle.Source
}

// NewCalculator creates a calculator
func NewCalculator(cfg Config, prices oracle.Source) *Calculator {
	return &Calculator{cfg: cfg, prices: prices}
}

// tokenValue returns the weighted settle-unit value of amount.
// A borrowed token without a price cannot be valued, so health is unknown.
func (c *Calculator) tokenValue(symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	tok, err := c.cfg.Token(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := c.prices.IndexPrice(symbol)
	if !ok {
		if amount.IsNegative() {
			return decimal.Zero, errs.New(errs.KindMarginExceeded, "no index price for borrowed token %s", symbol)
		}
		return decimal.Zero, nil
	}
	return amount.Mul(price).Mul(tok.WeightFor(amount)), nil
}

// markPrice falls back to the entry price when the feed has no mark
func (c *Calculator) markPrice(p position.Position) decimal.Decimal {
	if mark, ok := c.prices.MarkPrice(p.Market); ok {
		return mark
	}
	return p.EntryPrice
}

// Value is the weighted value of a balance as counted toward collateral
func (c *Calculator) Value(symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.tokenValue(symbol, amount)
}

// Mark is the price a position is valued at
func (c *Calculator) Mark(p position.Position) decimal.Decimal {
	return c.markPrice(p)
}

// Health computes the full account summary
func (c *Calculator) Health(snap Snapshot) (Health, error) {
	h := Health{}
	for sym, b := range snap.Balances {
		v, err := c.tokenValue(sym, b.Available)
		if err != nil {
			return Health{}, err
		}
		h.CollateralValue = h.CollateralValue.Add(v)

		lv, err := c.tokenValue(sym, b.Locked)
		if err != nil {
			return Health{}, err
		}
		h.LockedValue = h.LockedValue.Add(lv)
	}

	notional := decimal.Zero
	for _, p := range snap.Positions {
		if p.IsFlat() {
			continue
		}
		m, err := c.cfg.Market(p.Market)
		if err != nil {
			return Health{}, err
		}
		mark := c.markPrice(p)
		h.UnrealizedPnL = h.UnrealizedPnL.Add(p.UnrealizedPnL(mark))
		h.MaintenanceMargin = h.MaintenanceMargin.Add(m.RequiredMaintenanceMargin(mark, p.Size))
		h.InitialMargin = h.InitialMargin.Add(m.RequiredInitialMargin(mark, p.Size))
		notional = notional.Add(p.Notional(mark))
	}

	h.Equity = h.CollateralValue.Add(h.LockedValue).Add(h.UnrealizedPnL)
	h.FreeCollateral = h.CollateralValue.Add(h.UnrealizedPnL).Sub(h.MaintenanceMargin)
	h.Liquidatable = !h.MaintenanceMargin.IsZero() && h.Equity.LessThan(h.MaintenanceMargin)
	if h.Equity.IsPositive() {
		h.Leverage = notional.Div(h.Equity).Round(4)
	}
	return h, nil
}

// FreeCollateral returns Σ weighted available value + Σ unrealized PnL at
// mark − Σ maintenance margin
func (c *Calculator) FreeCollateral(snap Snapshot) (decimal.Decimal, error) {
	h, err := c.Health(snap)
	if err != nil {
		return decimal.Zero, err
	}
	return h.FreeCollateral, nil
}

// CanWithdraw projects a withdrawal of amount and checks the result.
// Without allowBorrow the token balance itself must cover the amount.
func (c *Calculator) CanWithdraw(snap Snapshot, token string, amount decimal.Decimal, allowBorrow bool) error {
	if !amount.IsPositive() {
		return errs.New(errs.KindInvalidRequest, "withdraw amount must be positive: %s", amount)
	}
	if _, err := c.cfg.Token(token); err != nil {
		return err
	}

	b := snap.Balances[token]
	if !allowBorrow && b.Available.LessThan(amount) {
		return errs.New(errs.KindInsufficientFunds,
			"%s: available %s, withdraw %s", token, b.Available, amount)
	}

	projected := snap.Clone()
	b.Token = token
	b.Available = b.Available.Sub(amount)
	projected.Balances[token] = b

	free, err := c.FreeCollateral(projected)
	if err != nil {
		return err
	}
	if free.IsNegative() {
		return errs.New(errs.KindMarginExceeded,
			"withdrawing %s %s leaves free collateral %s", amount, token, free)
	}
	return nil
}

// InitialMargin returns size × price × imf; zero for reduce-only orders
func (c *Calculator) InitialMargin(m *market.Market, size, price decimal.Decimal, reduceOnly bool) decimal.Decimal {
	if reduceOnly {
		return decimal.Zero
	}
	return m.RequiredInitialMargin(price, size)
}

// CanPlaceOrder checks the worst case of a full fill at the order price.
// It returns the collateral value that must be locked.
//
// Two projections must both leave free collateral ≥ 0: the account right
// after locking initial margin, and the account after the order fully fills
// (locks released, position at its new size, realized PnL booked). A
// reduce-only order passes the second check as long as it does not leave the
// account worse off than it is now.
func (c *Calculator) CanPlaceOrder(snap Snapshot, in Intent) (decimal.Decimal, error) {
	m, err := c.cfg.Market(in.Market)
	if err != nil {
		return decimal.Zero, err
	}
	im := c.InitialMargin(m, in.Size, in.Price, in.ReduceOnly)

	free, err := c.FreeCollateral(snap)
	if err != nil {
		return decimal.Zero, err
	}
	if free.Sub(im).IsNegative() {
		return decimal.Zero, errs.New(errs.KindMarginExceeded,
			"order needs initial margin %s, free collateral %s", im, free)
	}

	filled, err := c.projectFill(snap, m, in)
	if err != nil {
		return decimal.Zero, err
	}
	after, err := c.FreeCollateral(filled)
	if err != nil {
		return decimal.Zero, err
	}
	if after.IsNegative() && !(in.ReduceOnly && after.GreaterThanOrEqual(free)) {
		return decimal.Zero, errs.New(errs.KindMarginExceeded,
			"full fill would leave free collateral %s", after)
	}
	return im, nil
}

// projectFill applies a full fill of in to a copy of snap
func (c *Calculator) projectFill(snap Snapshot, m *market.Market, in Intent) (Snapshot, error) {
	out := snap.Clone()
	book := position.NewBook()
	if p, ok := snap.Positions[in.Market]; ok {
		book = position.Restore([]position.Position{p})
	}
	realized, err := book.ApplyFill(in.Market, in.Side, in.Size, in.Price)
	if err != nil {
		return Snapshot{}, err
	}
	out.Positions[in.Market] = book.Get(in.Market)

	settle := out.Balances[m.SettleToken]
	settle.Token = m.SettleToken
	settle.Available = settle.Available.Add(realized)
	out.Balances[m.SettleToken] = settle
	return out, nil
}

// PlanLocks spreads a collateral value across tokens with positive available
// balance, settle token first then registry order. It returns token →
// quantity to lock.
func (c *Calculator) PlanLocks(snap Snapshot, settleToken string, value decimal.Decimal) (map[string]decimal.Decimal, error) {
	plan := make(map[string]decimal.Decimal)
	if !value.IsPositive() {
		return plan, nil
	}

	order := []string{settleToken}
	for _, t := range c.cfg.Tokens() {
		if t.Symbol != settleToken {
			order = append(order, t.Symbol)
		}
	}

	remaining := value
	for _, sym := range order {
		if !remaining.IsPositive() {
			break
		}
		b, ok := snap.Balances[sym]
		if !ok || !b.Available.IsPositive() {
			continue
		}
		tok, err := c.cfg.Token(sym)
		if err != nil {
			return nil, err
		}
		price, ok := c.prices.IndexPrice(sym)
		if !ok || !price.IsPositive() || !tok.Weight.IsPositive() {
			continue
		}

		unit := price.Mul(tok.Weight)
		capacity := b.Available.Mul(unit)
		if capacity.LessThanOrEqual(remaining) {
			plan[sym] = b.Available
			remaining = remaining.Sub(capacity)
			continue
		}
		qty := remaining.Div(unit).RoundCeil(tok.Decimals)
		if qty.GreaterThan(b.Available) {
			qty = b.Available
		}
		plan[sym] = qty
		remaining = decimal.Zero
	}

	if remaining.IsPositive() {
		return nil, errs.New(errs.KindInsufficientFunds,
			"cannot lock %s: short by %s", value, remaining)
	}
	return plan, nil
}

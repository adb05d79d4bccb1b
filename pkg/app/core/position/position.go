// Package position tracks per-market net positions for one account.
package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
)

// Position represents an open perpetual futures position
type Position struct {
	Market string `json:"market"`

	// +ve = long, -ve = short, in base units
	Size decimal.Decimal `json:"size"`

	// Volume-weighted average entry price; zero when flat
	EntryPrice decimal.Decimal `json:"entryPrice"`

	// Cumulative realized PnL in the market's settle token
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

// IsLong reports whether the position is net long
func (p Position) IsLong() bool { return p.Size.IsPositive() }

// IsFlat reports whether the position has no size
func (p Position) IsFlat() bool { return p.Size.IsZero() }

// Notional returns |size| × price
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Abs().Mul(price)
}

// UnrealizedPnL returns (mark - entry) × size.
// Shorts have negative size so the sign flips on its own.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.EntryPrice).Mul(p.Size)
}

// Book holds an account's positions keyed by market.
// Like the ledger it relies on the owning account's lock.
type Book struct {
	positions map[string]*Position
}

// NewBook creates an empty position book
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// Restore rebuilds a book from persisted positions
func Restore(ps []Position) *Book {
	b := NewBook()
	for _, p := range ps {
		p := p
		b.positions[p.Market] = &p
	}
	return b
}

// Get returns a copy of the market's position (flat if none)
func (b *Book) Get(market string) Position {
	if p, ok := b.positions[market]; ok {
		return *p
	}
	return Position{Market: market}
}

// Size returns the signed size in market
func (b *Book) Size(market string) decimal.Decimal {
	if p, ok := b.positions[market]; ok {
		return p.Size
	}
	return decimal.Zero
}

// ApplyFill applies a fill and returns the PnL it realized.
//
// Growing in the same direction recomputes the size-weighted entry price;
// reducing realizes (fillPrice - entry) × closed × sign and keeps the entry;
// flipping restarts the entry at fillPrice; closing to zero clears it.
func (b *Book) ApplyFill(market string, side core.Side, fillSize, fillPrice decimal.Decimal) (decimal.Decimal, error) {
	if !side.Valid() {
		return decimal.Zero, errs.New(errs.KindInvalidRequest, "invalid fill side")
	}
	if !fillSize.IsPositive() || !fillPrice.IsPositive() {
		return decimal.Zero, errs.New(errs.KindInvariantViolation,
			"fill size and price must be positive: size=%s price=%s", fillSize, fillPrice)
	}

	pos, ok := b.positions[market]
	if !ok {
		pos = &Position{Market: market}
		b.positions[market] = pos
	}

	sizeDelta := fillSize.Mul(decimal.NewFromInt(side.Sign()))
	oldSize := pos.Size
	newSize := oldSize.Add(sizeDelta)
	realized := decimal.Zero

	switch {
	case oldSize.IsZero() || oldSize.Sign() == sizeDelta.Sign():
		// Opening or growing: VWAP
		absOld := oldSize.Abs()
		pos.EntryPrice = pos.EntryPrice.Mul(absOld).Add(fillPrice.Mul(fillSize)).Div(newSize.Abs())
		pos.Size = newSize

	default:
		// Reducing, closing or flipping
		closed := decimal.Min(oldSize.Abs(), fillSize)
		realized = fillPrice.Sub(pos.EntryPrice).Mul(closed)
		if oldSize.IsNegative() {
			realized = realized.Neg()
		}
		pos.Size = newSize
		switch {
		case newSize.IsZero():
			pos.EntryPrice = decimal.Zero
		case newSize.Sign() != oldSize.Sign():
			pos.EntryPrice = fillPrice
		}
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	return realized, nil
}

// Open returns every non-flat position sorted by market
func (b *Book) Open() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if !p.Size.IsZero() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// All returns every position ever touched, including flat ones that carry
// realized PnL
func (b *Book) All() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Snapshot returns a copy keyed by market
func (b *Book) Snapshot() map[string]Position {
	out := make(map[string]Position, len(b.positions))
	for k, p := range b.positions {
		out[k] = *p
	}
	return out
}

// Package oracle supplies mark prices for perpetual markets and index prices
// for collateral tokens.
package oracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/util"
)

// Source is the read side consumed by the margin calculator
type Source interface {
	// MarkPrice returns the mark price of a perpetual market
	MarkPrice(market string) (decimal.Decimal, bool)
	// IndexPrice returns the price of a collateral token in settle units
	IndexPrice(token string) (decimal.Decimal, bool)
}

// Quote is a price with the time it was set
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Feed is an in-memory price table fed by pushes (REST, venue trades)
type Feed struct {
	mu     sync.RWMutex
	clock  util.Clock
	marks  map[string]Quote
	index  map[string]Quote
	pinned map[string]bool // stable tokens fixed at 1
}

// NewFeed creates a feed with the given stable tokens pinned at 1
func NewFeed(clock util.Clock, stable ...string) *Feed {
	f := &Feed{
		clock:  clock,
		marks:  make(map[string]Quote),
		index:  make(map[string]Quote),
		pinned: make(map[string]bool),
	}
	for _, s := range stable {
		f.pinned[s] = true
		f.index[s] = Quote{Symbol: s, Price: decimal.NewFromInt(1), UpdatedAt: clock.Now()}
	}
	return f
}

// SetMark updates a market's mark price
func (f *Feed) SetMark(market string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("mark price must be positive: %s", price)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[market] = Quote{Symbol: market, Price: price, UpdatedAt: f.clock.Now()}
	return nil
}

// SetIndex updates a token's index price. Pinned stable tokens are rejected.
func (f *Feed) SetIndex(token string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("index price must be positive: %s", price)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinned[token] {
		return fmt.Errorf("token %s is pinned", token)
	}
	f.index[token] = Quote{Symbol: token, Price: price, UpdatedAt: f.clock.Now()}
	return nil
}

func (f *Feed) MarkPrice(market string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.marks[market]
	return q.Price, ok
}

func (f *Feed) IndexPrice(token string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.index[token]
	return q.Price, ok
}

// Marks returns every mark quote
func (f *Feed) Marks() []Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Quote, 0, len(f.marks))
	for _, q := range f.marks {
		out = append(out, q)
	}
	return out
}

// Static is a fixed price table, handy in tests
type Static struct {
	Marks map[string]decimal.Decimal
	Index map[string]decimal.Decimal
}

func (s Static) MarkPrice(market string) (decimal.Decimal, bool) {
	p, ok := s.Marks[market]
	return p, ok
}

func (s Static) IndexPrice(token string) (decimal.Decimal, bool) {
	p, ok := s.Index[token]
	return p, ok
}

package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
)

// Registry holds the collateral tokens and perpetual markets in a thread-safe manner
// Configuration is account-independent; the only runtime mutation is market status
type Registry struct {
	mu         sync.RWMutex
	markets    map[string]*Market // symbol -> market
	tokens     map[string]*Token  // symbol -> token
	tokenOrder []string           // registration order, used for lock planning
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
		tokens:  make(map[string]*Token),
	}
}

// RegisterToken adds a collateral token
// Returns error if a token with the same symbol already exists
func (r *Registry) RegisterToken(t *Token) error {
	if t == nil {
		return fmt.Errorf("cannot register nil token")
	}
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[t.Symbol]; exists {
		return fmt.Errorf("token %s already registered", t.Symbol)
	}
	r.tokens[t.Symbol] = t
	r.tokenOrder = append(r.tokenOrder, t.Symbol)
	return nil
}

// RegisterMarket adds a new market to the registry
// The market's settle token must already be registered
func (r *Registry) RegisterMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	if _, ok := r.tokens[m.SettleToken]; !ok {
		return fmt.Errorf("market %s settle token %s not registered", m.Symbol, m.SettleToken)
	}

	r.markets[m.Symbol] = m
	return nil
}

// Market retrieves a market by symbol
func (r *Registry) Market(symbol string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return nil, errs.New(errs.KindUnknownMarket, "market %s not found", symbol)
	}
	return m, nil
}

// Token retrieves a collateral token by symbol
func (r *Registry) Token(symbol string) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tokens[symbol]
	if !exists {
		return nil, errs.New(errs.KindUnknownToken, "token %s not configured", symbol)
	}
	return t, nil
}

// Tokens returns all tokens in registration order
func (r *Registry) Tokens() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Token, 0, len(r.tokenOrder))
	for _, s := range r.tokenOrder {
		out = append(out, r.tokens[s])
	}
	return out
}

// ListMarkets returns all registered markets sorted by symbol
func (r *Registry) ListMarkets() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
	return markets
}

// UpdateMarketStatus changes the trading status of a market and returns the
// updated market. Used for emergency pausing and final settlement.
// Markets are copied on write, so a *Market handed out earlier keeps the
// status it was read with.
func (r *Registry) UpdateMarketStatus(symbol string, status MarketStatus) (*Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return nil, errs.New(errs.KindUnknownMarket, "market %s not found", symbol)
	}

	// Settled → *: not allowed (terminal state)
	if m.Status == Settled {
		return nil, errs.New(errs.KindMarketNotActive, "market %s is settled", symbol)
	}

	next := *m
	next.Status = status
	r.markets[symbol] = &next
	return &next, nil
}

// MarketStatus returns the current status under the registry lock
func (r *Registry) MarketStatus(symbol string) (MarketStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return 0, errs.New(errs.KindUnknownMarket, "market %s not found", symbol)
	}
	return m.Status, nil
}

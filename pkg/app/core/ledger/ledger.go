// Package ledger holds one account's per-token collateral balances.
//
// A Ledger is not safe for concurrent use: every call is made inside the
// owning account's serialization scope (see account.Coordinator).
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
)

// Balance is the state of one token for one account.
// Available may be negative, representing a borrow.
type Balance struct {
	Token     string          `json:"token"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available + locked
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Borrowed returns the borrowed amount (zero unless available is negative)
func (b Balance) Borrowed() decimal.Decimal {
	if b.Available.IsNegative() {
		return b.Available.Neg()
	}
	return decimal.Zero
}

// TokenSet resolves configured tokens. *market.Registry satisfies it.
type TokenSet interface {
	Token(symbol string) (*market.Token, error)
}

// Ledger is the balance set of a single account
type Ledger struct {
	tokens   TokenSet
	balances map[string]*Balance
}

// New creates an empty ledger
func New(tokens TokenSet) *Ledger {
	return &Ledger{
		tokens:   tokens,
		balances: make(map[string]*Balance),
	}
}

// Restore creates a ledger from persisted balances
func Restore(tokens TokenSet, balances []Balance) *Ledger {
	l := New(tokens)
	for _, b := range balances {
		b := b
		l.balances[b.Token] = &b
	}
	return l
}

// get returns the balance for token, creating it lazily
func (l *Ledger) get(token string) (*Balance, error) {
	if _, err := l.tokens.Token(token); err != nil {
		return nil, err
	}
	b, ok := l.balances[token]
	if !ok {
		b = &Balance{Token: token}
		l.balances[token] = b
	}
	return b, nil
}

// Balance returns a copy of the token balance; zero-valued if untouched
func (l *Ledger) Balance(token string) (Balance, error) {
	if _, err := l.tokens.Token(token); err != nil {
		return Balance{}, err
	}
	if b, ok := l.balances[token]; ok {
		return *b, nil
	}
	return Balance{Token: token}, nil
}

// ApplyDelta adds delta to available.
// Fails with InsufficientFunds if the result would be negative and
// allowNegative is false; the balance is left unchanged on failure.
func (l *Ledger) ApplyDelta(token string, delta decimal.Decimal, allowNegative bool) (Balance, error) {
	b, err := l.get(token)
	if err != nil {
		return Balance{}, err
	}
	next := b.Available.Add(delta)
	if next.IsNegative() && !allowNegative {
		return *b, errs.New(errs.KindInsufficientFunds,
			"%s: available %s, delta %s", token, b.Available, delta)
	}
	b.Available = next
	return *b, nil
}

// Lock moves amount from available to locked
func (l *Ledger) Lock(token string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errs.New(errs.KindInvalidRequest, "lock amount cannot be negative: %s", amount)
	}
	if amount.IsZero() {
		return nil
	}
	b, err := l.get(token)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return errs.New(errs.KindInsufficientFunds,
			"%s: insufficient balance to lock: have %s, need %s", token, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Unlock releases locked collateral back to available.
// Unlocking more than is locked is an upstream bug, not a user error.
func (l *Ledger) Unlock(token string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errs.New(errs.KindInvariantViolation, "unlock amount cannot be negative: %s", amount)
	}
	if amount.IsZero() {
		return nil
	}
	b, err := l.get(token)
	if err != nil {
		return err
	}
	if b.Locked.LessThan(amount) {
		return errs.New(errs.KindInvariantViolation,
			"%s: cannot unlock more than locked: locked=%s, unlock=%s", token, b.Locked, amount)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	return nil
}

// DepositResult reports what a deposit actually credited
type DepositResult struct {
	Balance    Balance         `json:"balance"`
	Credited   decimal.Decimal `json:"credited"`
	Uncredited decimal.Decimal `json:"uncredited"`
}

// Deposit credits amount to token.
// With repayOnly the credit is capped to the outstanding borrow; the
// remainder is reported as uncredited and left to settlement.
func (l *Ledger) Deposit(token string, amount decimal.Decimal, repayOnly bool) (DepositResult, error) {
	if !amount.IsPositive() {
		return DepositResult{}, errs.New(errs.KindInvalidRequest, "deposit amount must be positive: %s", amount)
	}
	b, err := l.get(token)
	if err != nil {
		return DepositResult{}, err
	}

	credit := amount
	if repayOnly {
		credit = decimal.Min(amount, b.Borrowed())
	}
	bal, err := l.ApplyDelta(token, credit, false)
	if err != nil {
		return DepositResult{}, err
	}
	return DepositResult{Balance: bal, Credited: credit, Uncredited: amount.Sub(credit)}, nil
}

// Snapshot returns a copy of every touched balance keyed by token
func (l *Ledger) Snapshot() map[string]Balance {
	out := make(map[string]Balance, len(l.balances))
	for k, b := range l.balances {
		out[k] = *b
	}
	return out
}

// List returns every touched balance sorted by token
func (l *Ledger) List() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

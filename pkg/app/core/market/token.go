package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Token is a collateral asset accepted by the ledger
type Token struct {
	Symbol   string // "BTC"
	Decimals int32  // Native precision; amounts are truncated to it

	// Weight haircuts positive balances when valuing collateral (0.9 = 90%)
	// BorrowWeight inflates negative balances (1.1 = borrow counts 110%)
	Weight       decimal.Decimal
	BorrowWeight decimal.Decimal
}

// Validate checks token parameter sanity
func (t *Token) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("token symbol cannot be empty")
	}
	if t.Decimals < 0 || t.Decimals > 18 {
		return fmt.Errorf("token %s decimals out of range: %d", t.Symbol, t.Decimals)
	}
	if t.Weight.IsNegative() || t.Weight.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("token %s weight must be in [0, 1]", t.Symbol)
	}
	if t.BorrowWeight.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("token %s borrow weight must be >= 1", t.Symbol)
	}
	return nil
}

// WeightFor returns the weight applied to a balance of the given sign
func (t *Token) WeightFor(amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return t.BorrowWeight
	}
	return t.Weight
}

// Truncate drops precision beyond the token's decimals
func (t *Token) Truncate(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(t.Decimals)
}

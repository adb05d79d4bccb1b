package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active   MarketStatus = iota // Trading enabled
	Paused                       // Cancels only (emergency halt)
	Settled                      // Market closed, terminal
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// ParseMarketStatus accepts a status name in any case
func ParseMarketStatus(s string) (MarketStatus, error) {
	for _, st := range []MarketStatus{Active, Paused, Settled} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return 0, errs.New(errs.KindInvalidRequest, "unknown market status %q", s)
}

// Market defines all parameters of a perpetual market (e.g., BTC-PERP)
type Market struct {
	// Identity
	Symbol      string       // "BTC-PERP"
	BaseAsset   string       // "BTC"
	SettleToken string       // Collateral token PnL is booked in, e.g. "USDC"
	Status      MarketStatus // Active, Paused, Settled

	// Price & Size Precision
	// Prices must be a multiple of TickSize, sizes a multiple of LotSize
	TickSize     decimal.Decimal
	LotSize      decimal.Decimal
	MinOrderSize decimal.Decimal

	// Margin fractions of notional
	// InitialMarginFraction 0.1 = 10x max leverage on new exposure
	// MaintenanceMarginFraction must not exceed the initial fraction
	InitialMarginFraction     decimal.Decimal
	MaintenanceMarginFraction decimal.Decimal
}

// NewMarket creates a new market with validation
func NewMarket(symbol, baseAsset, settleToken string, params MarketParams) (*Market, error) {
	m := &Market{
		Symbol:                    symbol,
		BaseAsset:                 baseAsset,
		SettleToken:               settleToken,
		Status:                    Active,
		TickSize:                  params.TickSize,
		LotSize:                   params.LotSize,
		MinOrderSize:              params.MinOrderSize,
		InitialMarginFraction:     params.InitialMarginFraction,
		MaintenanceMarginFraction: params.MaintenanceMarginFraction,
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}

	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.SettleToken == "" {
		return fmt.Errorf("base asset and settle token must be specified")
	}
	if !m.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be positive")
	}
	if !m.LotSize.IsPositive() {
		return fmt.Errorf("lot size must be positive")
	}
	if m.MinOrderSize.IsNegative() {
		return fmt.Errorf("min order size cannot be negative")
	}
	if !m.InitialMarginFraction.IsPositive() || m.InitialMarginFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("initial margin fraction must be in (0, 1]")
	}
	if !m.MaintenanceMarginFraction.IsPositive() {
		return fmt.Errorf("maintenance margin fraction must be positive")
	}
	if m.MaintenanceMarginFraction.GreaterThan(m.InitialMarginFraction) {
		return fmt.Errorf("maintenance margin cannot exceed initial margin")
	}
	return nil
}

// MaxLeverage returns the leverage implied by the initial margin fraction
func (m *Market) MaxLeverage() decimal.Decimal {
	return decimal.NewFromInt(1).Div(m.InitialMarginFraction)
}

// RequiredInitialMargin calculates initial margin needed to open exposure
// Formula: |size| × price × InitialMarginFraction
func (m *Market) RequiredInitialMargin(price, size decimal.Decimal) decimal.Decimal {
	return size.Abs().Mul(price).Mul(m.InitialMarginFraction)
}

// RequiredMaintenanceMargin calculates maintenance margin to avoid liquidation
// Formula: |size| × price × MaintenanceMarginFraction
func (m *Market) RequiredMaintenanceMargin(price, size decimal.Decimal) decimal.Decimal {
	return size.Abs().Mul(price).Mul(m.MaintenanceMarginFraction)
}

// ValidateOrder performs the static order checks: status, positivity, tick
// and lot alignment, minimum size
func (m *Market) ValidateOrder(price, size decimal.Decimal) error {
	if m.Status != Active {
		return errs.New(errs.KindMarketNotActive, "market %s is not active (status: %s)", m.Symbol, m.Status)
	}
	if !price.IsPositive() {
		return errs.New(errs.KindInvalidRequest, "price must be positive")
	}
	if !size.IsPositive() {
		return errs.New(errs.KindInvalidRequest, "size must be positive")
	}
	if !price.Mod(m.TickSize).IsZero() {
		return errs.New(errs.KindInvalidRequest, "price %s not a multiple of tick size %s", price, m.TickSize)
	}
	if !size.Mod(m.LotSize).IsZero() {
		return errs.New(errs.KindInvalidRequest, "size %s not a multiple of lot size %s", size, m.LotSize)
	}
	if size.LessThan(m.MinOrderSize) {
		return errs.New(errs.KindInvalidRequest, "size %s below minimum %s", size, m.MinOrderSize)
	}
	return nil
}

// RoundDownToLot truncates size to the market's lot size
func (m *Market) RoundDownToLot(size decimal.Decimal) decimal.Decimal {
	return size.Div(m.LotSize).Floor().Mul(m.LotSize)
}

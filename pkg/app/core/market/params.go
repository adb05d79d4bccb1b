package market

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MarketParams is a helper struct for creating markets with all parameters
// This separates config from the runtime Market struct
type MarketParams struct {
	TickSize                  decimal.Decimal
	LotSize                   decimal.Decimal
	MinOrderSize              decimal.Decimal
	InitialMarginFraction     decimal.Decimal
	MaintenanceMarginFraction decimal.Decimal
}

// DefaultPerp returns default parameters for a perpetual market
// 10x max leverage, 3% maintenance
var DefaultPerp = MarketParams{
	TickSize:                  decimal.RequireFromString("0.5"),
	LotSize:                   decimal.RequireFromString("0.001"),
	MinOrderSize:              decimal.RequireFromString("0.001"),
	InitialMarginFraction:     decimal.RequireFromString("0.1"),
	MaintenanceMarginFraction: decimal.RequireFromString("0.03"),
}

// CustomPerpetual returns a perpetual template for the given leverage
// Maintenance is set to 1/3 of initial margin
func CustomPerpetual(tickSize, lotSize string, leverage int64) MarketParams {
	initial := decimal.NewFromInt(1).Div(decimal.NewFromInt(leverage))
	return MarketParams{
		TickSize:                  decimal.RequireFromString(tickSize),
		LotSize:                   decimal.RequireFromString(lotSize),
		MinOrderSize:              decimal.RequireFromString(lotSize),
		InitialMarginFraction:     initial,
		MaintenanceMarginFraction: initial.Div(decimal.NewFromInt(3)),
	}
}

// DefaultRegistry returns the devnet token and market set:
// USDC, BTC, ETH, SOL collateral; BTC-PERP, ETH-PERP, SOL-PERP markets
func DefaultRegistry() *Registry {
	r := NewRegistry()
	tokens := []Token{
		{Symbol: "USDC", Decimals: 6, Weight: decimal.NewFromInt(1), BorrowWeight: decimal.NewFromInt(1)},
		{Symbol: "BTC", Decimals: 8, Weight: decimal.RequireFromString("0.9"), BorrowWeight: decimal.RequireFromString("1.1")},
		{Symbol: "ETH", Decimals: 8, Weight: decimal.RequireFromString("0.9"), BorrowWeight: decimal.RequireFromString("1.1")},
		{Symbol: "SOL", Decimals: 9, Weight: decimal.RequireFromString("0.8"), BorrowWeight: decimal.RequireFromString("1.2")},
	}
	for i := range tokens {
		if err := r.RegisterToken(&tokens[i]); err != nil {
			panic(err)
		}
	}

	perps := []struct {
		symbol, base string
		params       MarketParams
	}{
		{"BTC-PERP", "BTC", DefaultPerp},
		{"ETH-PERP", "ETH", CustomPerpetual("0.1", "0.01", 10)},
		{"SOL-PERP", "SOL", CustomPerpetual("0.001", "0.1", 5)},
	}
	for _, p := range perps {
		m, err := NewMarket(p.symbol, p.base, "USDC", p.params)
		if err != nil {
			panic(err)
		}
		if err := r.RegisterMarket(m); err != nil {
			panic(err)
		}
	}
	return r
}

// registryFile is the YAML layout accepted by LoadRegistry
type registryFile struct {
	Tokens []struct {
		Symbol       string `yaml:"symbol"`
		Decimals     int32  `yaml:"decimals"`
		Weight       string `yaml:"weight"`
		BorrowWeight string `yaml:"borrowWeight"`
	} `yaml:"tokens"`
	Markets []struct {
		Symbol            string `yaml:"symbol"`
		BaseAsset         string `yaml:"baseAsset"`
		SettleToken       string `yaml:"settleToken"`
		TickSize          string `yaml:"tickSize"`
		LotSize           string `yaml:"lotSize"`
		MinOrderSize      string `yaml:"minOrderSize"`
		InitialMargin     string `yaml:"initialMarginFraction"`
		MaintenanceMargin string `yaml:"maintenanceMarginFraction"`
		Status            string `yaml:"status"` // optional, default Active
	} `yaml:"markets"`
}

// LoadRegistry builds a registry from a YAML file
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry builds a registry from YAML bytes
func ParseRegistry(raw []byte) (*Registry, error) {
	var f registryFile
	err := yaml.Unmarshal(raw, &f)
	if err != nil {
		return nil, fmt.Errorf("parse markets file: %w", err)
	}

	r := NewRegistry()
	for _, t := range f.Tokens {
		tok := &Token{Symbol: t.Symbol, Decimals: t.Decimals}
		if tok.Weight, err = decimal.NewFromString(t.Weight); err != nil {
			return nil, fmt.Errorf("token %s weight: %w", t.Symbol, err)
		}
		if tok.BorrowWeight, err = decimal.NewFromString(t.BorrowWeight); err != nil {
			return nil, fmt.Errorf("token %s borrow weight: %w", t.Symbol, err)
		}
		if err := r.RegisterToken(tok); err != nil {
			return nil, err
		}
	}

	for _, m := range f.Markets {
		var p MarketParams
		fields := []struct {
			dst *decimal.Decimal
			src string
			key string
		}{
			{&p.TickSize, m.TickSize, "tickSize"},
			{&p.LotSize, m.LotSize, "lotSize"},
			{&p.MinOrderSize, m.MinOrderSize, "minOrderSize"},
			{&p.InitialMarginFraction, m.InitialMargin, "initialMarginFraction"},
			{&p.MaintenanceMarginFraction, m.MaintenanceMargin, "maintenanceMarginFraction"},
		}
		for _, fd := range fields {
			if *fd.dst, err = decimal.NewFromString(fd.src); err != nil {
				return nil, fmt.Errorf("market %s %s: %w", m.Symbol, fd.key, err)
			}
		}
		mkt, err := NewMarket(m.Symbol, m.BaseAsset, m.SettleToken, p)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", m.Symbol, err)
		}
		if m.Status != "" {
			if mkt.Status, err = ParseMarketStatus(m.Status); err != nil {
				return nil, fmt.Errorf("market %s: %w", m.Symbol, err)
			}
		}
		if err := r.RegisterMarket(mkt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	btc, err := r.Market("BTC-PERP")
	require.NoError(t, err)
	assert.Equal(t, "USDC", btc.SettleToken)
	assert.True(t, btc.MaxLeverage().Equal(decimal.NewFromInt(10)))

	_, err = r.Market("DOGE-PERP")
	assert.True(t, errors.Is(err, errs.ErrUnknownMarket))

	_, err = r.Token("DOGE")
	assert.True(t, errors.Is(err, errs.ErrUnknownToken))

	tokens := r.Tokens()
	require.Len(t, tokens, 4)
	assert.Equal(t, "USDC", tokens[0].Symbol)
}

func TestMarketValidateOrder(t *testing.T) {
	m, err := NewMarket("BTC-PERP", "BTC", "USDC", DefaultPerp)
	require.NoError(t, err)

	tests := []struct {
		name    string
		price   string
		size    string
		wantErr bool
	}{
		{"valid", "40000", "0.1", false},
		{"zero size", "40000", "0", true},
		{"negative price", "-1", "0.1", true},
		{"off tick", "40000.3", "0.1", true},
		{"off lot", "40000", "0.0005", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateOrder(d(tt.price), d(tt.size))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	im := m.RequiredInitialMargin(d("40000"), d("0.1"))
	assert.True(t, im.Equal(d("400")), "im = %s", im)
	mm := m.RequiredMaintenanceMargin(d("40000"), d("-0.1"))
	assert.True(t, mm.Equal(d("120")), "mm = %s", mm)
}

func TestMarketParamsValidation(t *testing.T) {
	bad := DefaultPerp
	bad.MaintenanceMarginFraction = d("0.2")
	_, err := NewMarket("X-PERP", "X", "USDC", bad)
	assert.Error(t, err)
}

func TestUpdateMarketStatusSettledIsTerminal(t *testing.T) {
	r := DefaultRegistry()
	before, err := r.Market("SOL-PERP")
	require.NoError(t, err)

	paused, err := r.UpdateMarketStatus("SOL-PERP", Paused)
	require.NoError(t, err)
	assert.Equal(t, Paused, paused.Status)
	assert.Equal(t, Active, before.Status, "earlier reads keep their copy")
	assert.ErrorIs(t, paused.ValidateOrder(d("100"), d("1")), errs.ErrMarketNotActive)

	_, err = r.UpdateMarketStatus("SOL-PERP", Settled)
	require.NoError(t, err)
	_, err = r.UpdateMarketStatus("SOL-PERP", Active)
	assert.ErrorIs(t, err, errs.ErrMarketNotActive)
	_, err = r.UpdateMarketStatus("DOGE-PERP", Paused)
	assert.ErrorIs(t, err, errs.ErrUnknownMarket)

	st, err := r.MarketStatus("SOL-PERP")
	require.NoError(t, err)
	assert.Equal(t, Settled, st)
}

func TestParseMarketStatus(t *testing.T) {
	st, err := ParseMarketStatus("paused")
	require.NoError(t, err)
	assert.Equal(t, Paused, st)
	st, err = ParseMarketStatus("Settled")
	require.NoError(t, err)
	assert.Equal(t, Settled, st)
	_, err = ParseMarketStatus("halted")
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestParseRegistry(t *testing.T) {
	raw := []byte(`
tokens:
  - symbol: USDC
    decimals: 6
    weight: "1"
    borrowWeight: "1"
  - symbol: BTC
    decimals: 8
    weight: "0.95"
    borrowWeight: "1.05"
markets:
  - symbol: BTC-PERP
    baseAsset: BTC
    settleToken: USDC
    tickSize: "1"
    lotSize: "0.0001"
    minOrderSize: "0.0001"
    initialMarginFraction: "0.05"
    maintenanceMarginFraction: "0.025"
    status: paused
`)
	r, err := ParseRegistry(raw)
	require.NoError(t, err)

	tok, err := r.Token("BTC")
	require.NoError(t, err)
	assert.True(t, tok.Weight.Equal(d("0.95")))
	assert.True(t, tok.WeightFor(d("-1")).Equal(d("1.05")))

	m, err := r.Market("BTC-PERP")
	require.NoError(t, err)
	assert.True(t, m.MaxLeverage().Equal(decimal.NewFromInt(20)))
	assert.Equal(t, Paused, m.Status)

	_, err = ParseRegistry([]byte(`markets: [{symbol: X-PERP, baseAsset: X, settleToken: NOPE, tickSize: "1", lotSize: "1", minOrderSize: "1", initialMarginFraction: "0.1", maintenanceMarginFraction: "0.05"}]`))
	assert.Error(t, err)
}

package margin

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/app/core/position"
	"github.com/uhyunpark/hypermargin/pkg/oracle"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPrices() oracle.Static {
	return oracle.Static{
		Marks: map[string]decimal.Decimal{"BTC-PERP": d("40000"), "ETH-PERP": d("2000")},
		Index: map[string]decimal.Decimal{"USDC": d("1"), "BTC": d("40000"), "ETH": d("2000")},
	}
}

func newCalc() *Calculator {
	return NewCalculator(market.DefaultRegistry(), testPrices())
}

func snapOf(balances map[string]string, positions ...position.Position) Snapshot {
	s := Snapshot{
		Balances:  map[string]ledger.Balance{},
		Positions: map[string]position.Position{},
	}
	for tok, amt := range balances {
		s.Balances[tok] = ledger.Balance{Token: tok, Available: d(amt)}
	}
	for _, p := range positions {
		s.Positions[p.Market] = p
	}
	return s
}

func TestFreeCollateralWeightsAndMaintenance(t *testing.T) {
	c := newCalc()

	// 1 BTC at 40000 × 0.9 weight
	free, err := c.FreeCollateral(snapOf(map[string]string{"BTC": "1"}))
	require.NoError(t, err)
	assert.True(t, free.Equal(d("36000")), "free = %s", free)

	// Borrow weight 1.1 on a negative balance
	free, err = c.FreeCollateral(snapOf(map[string]string{"BTC": "-1", "USDC": "50000"}))
	require.NoError(t, err)
	assert.True(t, free.Equal(d("6000")), "free = %s", free)

	// Long 1 BTC-PERP from 39000, mark 40000: +1000 upnl, 1200 maintenance
	pos := position.Position{Market: "BTC-PERP", Size: d("1"), EntryPrice: d("39000")}
	free, err = c.FreeCollateral(snapOf(map[string]string{"USDC": "1000"}, pos))
	require.NoError(t, err)
	assert.True(t, free.Equal(d("800")), "free = %s", free)
}

func TestMissingMarkFallsBackToEntry(t *testing.T) {
	c := NewCalculator(market.DefaultRegistry(), oracle.Static{Index: map[string]decimal.Decimal{"USDC": d("1")}})
	pos := position.Position{Market: "SOL-PERP", Size: d("-10"), EntryPrice: d("100")}

	h, err := c.Health(snapOf(map[string]string{"USDC": "100"}, pos))
	require.NoError(t, err)
	assert.True(t, h.UnrealizedPnL.IsZero())
	// 10 × 100 × (0.2/3)
	assert.True(t, h.MaintenanceMargin.Round(6).Equal(d("66.666667")), "mm = %s", h.MaintenanceMargin)
}

func TestBorrowedTokenWithoutPriceFails(t *testing.T) {
	c := NewCalculator(market.DefaultRegistry(), oracle.Static{Index: map[string]decimal.Decimal{"USDC": d("1")}})
	_, err := c.FreeCollateral(snapOf(map[string]string{"SOL": "-1", "USDC": "100"}))
	assert.True(t, errors.Is(err, errs.ErrMarginExceeded))

	// Unpriced positive balances are simply not counted
	free, err := c.FreeCollateral(snapOf(map[string]string{"SOL": "5", "USDC": "100"}))
	require.NoError(t, err)
	assert.True(t, free.Equal(d("100")))
}

func TestCanWithdraw(t *testing.T) {
	c := newCalc()
	snap := snapOf(map[string]string{"BTC": "1"})

	err := c.CanWithdraw(snap, "BTC", d("2"), false)
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))

	// Borrow 1 BTC against nothing else: 44000 liability > 0 collateral
	err = c.CanWithdraw(snap, "BTC", d("2"), true)
	assert.True(t, errors.Is(err, errs.ErrMarginExceeded))

	snap = snapOf(map[string]string{"BTC": "1", "USDC": "50000"})
	require.NoError(t, c.CanWithdraw(snap, "BTC", d("2"), true))

	_, err = c.FreeCollateral(snap)
	require.NoError(t, err)
	assert.True(t, snap.Balances["BTC"].Available.Equal(d("1")), "projection must not mutate the snapshot")

	err = c.CanWithdraw(snap, "DOGE", d("1"), false)
	assert.True(t, errors.Is(err, errs.ErrUnknownToken))
}

func TestCanWithdrawRespectsOpenPositions(t *testing.T) {
	c := newCalc()
	pos := position.Position{Market: "BTC-PERP", Size: d("1"), EntryPrice: d("40000")}
	snap := snapOf(map[string]string{"USDC": "1500"}, pos)

	// 1200 maintenance leaves 300 withdrawable
	require.NoError(t, c.CanWithdraw(snap, "USDC", d("300"), false))
	err := c.CanWithdraw(snap, "USDC", d("301"), false)
	assert.True(t, errors.Is(err, errs.ErrMarginExceeded))
}

func TestCanPlaceOrder(t *testing.T) {
	c := newCalc()
	snap := snapOf(map[string]string{"BTC": "1"})

	im, err := c.CanPlaceOrder(snap, Intent{Market: "BTC-PERP", Side: core.Buy, Size: d("0.1"), Price: d("40000")})
	require.NoError(t, err)
	assert.True(t, im.Equal(d("400")))

	// 10 BTC notional 400000 needs 40000 initial margin
	_, err = c.CanPlaceOrder(snap, Intent{Market: "BTC-PERP", Side: core.Buy, Size: d("10"), Price: d("40000")})
	assert.True(t, errors.Is(err, errs.ErrMarginExceeded))

	// Buying far above mark passes the lock check but not the full-fill check
	_, err = c.CanPlaceOrder(snapOf(map[string]string{"USDC": "1000"}),
		Intent{Market: "BTC-PERP", Side: core.Buy, Size: d("0.1"), Price: d("60000")})
	assert.True(t, errors.Is(err, errs.ErrMarginExceeded))

	_, err = c.CanPlaceOrder(snap, Intent{Market: "XRP-PERP", Side: core.Buy, Size: d("1"), Price: d("1")})
	assert.True(t, errors.Is(err, errs.ErrUnknownMarket))
}

func TestReduceOnlyNeedsNoInitialMargin(t *testing.T) {
	c := newCalc()
	// Underwater long: closing it is still allowed
	pos := position.Position{Market: "BTC-PERP", Size: d("1"), EntryPrice: d("41000")}
	snap := snapOf(map[string]string{"USDC": "100"}, pos)

	im, err := c.CanPlaceOrder(snap, Intent{Market: "BTC-PERP", Side: core.Sell, Size: d("1"), Price: d("40000"), ReduceOnly: true})
	require.Error(t, err, "already-negative free collateral fails the lock check")
	assert.True(t, im.IsZero())

	snap = snapOf(map[string]string{"USDC": "3000"}, pos)
	im, err = c.CanPlaceOrder(snap, Intent{Market: "BTC-PERP", Side: core.Sell, Size: d("1"), Price: d("40000"), ReduceOnly: true})
	require.NoError(t, err)
	assert.True(t, im.IsZero())
}

func TestPlanLocks(t *testing.T) {
	c := newCalc()

	snap := snapOf(map[string]string{"USDC": "100", "BTC": "1"})
	plan, err := c.PlanLocks(snap, "USDC", d("400"))
	require.NoError(t, err)
	assert.True(t, plan["USDC"].Equal(d("100")))
	// 300 / (40000 × 0.9) rounded up to 8 decimals
	assert.True(t, plan["BTC"].Equal(d("0.00833334")), "btc = %s", plan["BTC"])

	plan, err = c.PlanLocks(snap, "USDC", d("50"))
	require.NoError(t, err)
	assert.Len(t, plan, 1)
	assert.True(t, plan["USDC"].Equal(d("50")))

	_, err = c.PlanLocks(snap, "USDC", d("100000"))
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))

	plan, err = c.PlanLocks(snap, "USDC", decimal.Zero)
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestHealthLiquidatable(t *testing.T) {
	c := newCalc()
	pos := position.Position{Market: "BTC-PERP", Size: d("1"), EntryPrice: d("42000")}
	h, err := c.Health(snapOf(map[string]string{"USDC": "3000"}, pos))
	require.NoError(t, err)

	// Equity 3000 - 2000 = 1000 < 1200 maintenance
	assert.True(t, h.Equity.Equal(d("1000")))
	assert.True(t, h.Liquidatable)
	assert.True(t, h.Leverage.Equal(d("40")))
}

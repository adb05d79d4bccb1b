package account

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/order"
	"github.com/uhyunpark/hypermargin/pkg/app/core/position"
)

func newStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newStore(t)
	addr := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	created := time.Unix(1700000000, 0).UTC()

	o := order.New(addr, order.Request{
		Market: "BTC-PERP", Side: core.Buy, Type: core.Limit,
		Size: d("0.1"), Price: d("40000"), ClientID: "c-1",
	}, d("0.1"), map[string]decimal.Decimal{"USDC": d("400")}, created)

	require.NoError(t, s.Apply(Changes{
		Address:   addr,
		CreatedAt: created,
		Balances: []ledger.Balance{
			{Token: "USDC", Available: d("9600"), Locked: d("400")},
			{Token: "BTC", Available: d("-0.5")},
		},
		Positions: []position.Position{{Market: "ETH-PERP", Size: d("-2"), EntryPrice: d("2000"), RealizedPnL: d("15.5")}},
		Orders:    []*order.Order{o},
	}))

	rec, err := s.Load(addr)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.CreatedAt.Equal(created))
	require.Len(t, rec.Balances, 2)
	require.Len(t, rec.Positions, 1)
	assert.True(t, rec.Positions[0].RealizedPnL.Equal(d("15.5")))
	require.Len(t, rec.Orders, 1)
	assert.Equal(t, o.ID, rec.Orders[0].ID)
	assert.Equal(t, order.Pending, rec.Orders[0].State)
	assert.True(t, rec.Orders[0].Locks["USDC"].Equal(d("400")))

	byToken := map[string]ledger.Balance{}
	for _, b := range rec.Balances {
		byToken[b.Token] = b
	}
	assert.True(t, byToken["BTC"].Available.Equal(d("-0.5")))
	assert.True(t, byToken["USDC"].Locked.Equal(d("400")))

	owner, ok, err := s.OwnerOf(o.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, addr, owner)
}

func TestStoreMissing(t *testing.T) {
	s := newStore(t)
	rec, err := s.Load(common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, ok, err := s.OwnerOf(uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreLoadAllKeepsAccountsApart(t *testing.T) {
	s := newStore(t)
	a := common.HexToAddress("0xaaaa")
	b := common.HexToAddress("0xbbbb")
	require.NoError(t, s.Apply(Changes{Address: a, Balances: []ledger.Balance{{Token: "USDC", Available: d("1")}}}))
	require.NoError(t, s.Apply(Changes{Address: b, Balances: []ledger.Balance{{Token: "USDC", Available: d("2")}}}))
	// later batch overwrites
	require.NoError(t, s.Apply(Changes{Address: a, Balances: []ledger.Balance{{Token: "USDC", Available: d("3")}}}))

	recs, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	got := map[common.Address]string{}
	for _, r := range recs {
		require.Len(t, r.Balances, 1)
		got[r.Address] = r.Balances[0].Available.String()
	}
	assert.Equal(t, "3", got[a])
	assert.Equal(t, "2", got[b])
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ord:0x1;"), keyUpperBound([]byte("ord:0x1:")))

	addr := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	got, err := accountKeyFromBytes(accountKey(addr))
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = accountKeyFromBytes([]byte("acc:nope"))
	assert.Error(t, err)
}

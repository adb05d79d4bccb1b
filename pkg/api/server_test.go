package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/account"
	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/app/core/order"
	"github.com/uhyunpark/hypermargin/pkg/oracle"
	"github.com/uhyunpark/hypermargin/pkg/util"
	"github.com/uhyunpark/hypermargin/pkg/venue"
	"github.com/uhyunpark/hypermargin/pkg/venue/sim"
)

const trader = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	server *Server
	venue  *sim.Venue
	feed   *oracle.Feed
	coord  *account.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop().Sugar()
	reg := market.DefaultRegistry()
	clock := util.RealClock{}

	feed := oracle.NewFeed(clock, "USDC")
	require.NoError(t, feed.SetMark("BTC-PERP", d("40000")))
	require.NoError(t, feed.SetIndex("BTC", d("40000")))
	require.NoError(t, feed.SetIndex("ETH", d("2000")))
	require.NoError(t, feed.SetIndex("SOL", d("100")))

	store, err := account.NewMemStore()
	require.NoError(t, err)

	v := sim.New(reg, clock, log)
	coord := account.NewCoordinator(account.Options{
		Registry:   reg,
		Prices:     feed,
		Venue:      v,
		Store:      store,
		Clock:      clock,
		Logger:     log,
		AckTimeout: time.Second,
	})
	v.SetSink(coord)
	t.Cleanup(func() { _ = coord.Close() })

	s := NewServer(Options{
		Coordinator: coord,
		Registry:    reg,
		Prices:      feed,
		Books:       v,
		Logger:      log,
		CORSOrigins: []string{"http://app.local"},
	})
	return &testEnv{server: s, venue: v, feed: feed, coord: coord}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func accountPath(suffix string) string {
	return "/api/v1/accounts/" + trader + suffix
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestGetMarkets(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/markets", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	markets := decode[[]MarketInfo](t, rec)
	require.Len(t, markets, 3)
	bySymbol := map[string]MarketInfo{}
	for _, m := range markets {
		bySymbol[m.Symbol] = m
	}
	btc := bySymbol["BTC-PERP"]
	assert.Equal(t, "USDC", btc.SettleToken)
	assert.Equal(t, "Active", btc.Status)
	assert.True(t, btc.MarkPrice.Equal(d("40000")))

	rec = e.do(t, http.MethodGet, "/api/v1/markets/DOGE-PERP", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_MARKET", decode[ErrorResponse](t, rec).Error)
}

func TestDepositAndBalances(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), DepositRequest{Amount: d("1000")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ledger.DepositResult](t, rec)
	assert.True(t, res.Credited.Equal(d("1000")))
	assert.True(t, res.Balance.Available.Equal(d("1000")))

	rec = e.do(t, http.MethodGet, accountPath("/collateral/balances"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]account.BalanceView](t, rec)
	require.Len(t, views, 4)
	for _, v := range views {
		if v.Token == "USDC" {
			assert.True(t, v.Available.Equal(d("1000")))
			assert.True(t, v.Value.Equal(d("1000")))
		} else {
			assert.True(t, v.Available.IsZero())
		}
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), DepositRequest{Amount: d("100")})

	rec := e.do(t, http.MethodPost, accountPath("/collateral/withdraw/USDC"), WithdrawRequest{Amount: d("150")})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", decode[ErrorResponse](t, rec).Error)

	rec = e.do(t, http.MethodPost, accountPath("/collateral/withdraw/USDC"), WithdrawRequest{Amount: d("40")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ledger.Balance](t, rec).Available.Equal(d("60")))
}

func TestRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/accounts/not-an-address/collateral/balances", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, rec).Error)

	rec = e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), map[string]string{"amount": "1", "bogus": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, accountPath("/collateral/deposit/DOGE"), DepositRequest{Amount: d("1")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_TOKEN", decode[ErrorResponse](t, rec).Error)

	rec = e.do(t, http.MethodPost, accountPath("/orders/BTC-PERP"), PlaceOrderRequest{
		Size: d("0.1"), Price: d("40000"), Side: core.Buy, OrderType: "stop",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodDelete, accountPath("/orders/BTC-PERP?orderId=nope"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceListCancelOrder(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), DepositRequest{Amount: d("10000")})

	rec := e.do(t, http.MethodPost, accountPath("/orders/BTC-PERP"), PlaceOrderRequest{
		Size: d("0.1"), Price: d("39000"), Side: core.Buy, OrderType: "limit", ClientID: "c-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	placed := decode[order.Order](t, rec)
	assert.Equal(t, order.Open, placed.State)
	assert.Equal(t, "c-1", placed.ClientID)
	assert.True(t, placed.Locks["USDC"].IsPositive())

	rec = e.do(t, http.MethodGet, "/api/v1/markets/BTC-PERP/orderbook", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decode[OrderbookSnapshot](t, rec)
	require.Len(t, book.Bids, 1)
	assert.True(t, book.Bids[0].Price.Equal(d("39000")))
	assert.True(t, book.Bids[0].Size.Equal(d("0.1")))

	rec = e.do(t, http.MethodGet, accountPath("/orders/BTC-PERP"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]order.Order](t, rec), 1)

	rec = e.do(t, http.MethodDelete, accountPath("/orders/BTC-PERP?clientId=c-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	canceled := decode[order.Order](t, rec)
	assert.Equal(t, placed.ID, canceled.ID)
	assert.Equal(t, order.Canceled, canceled.State)
	assert.Empty(t, canceled.Locks)
	assert.ErrorIs(t, e.venue.Cancel(context.Background(), "BTC-PERP", placed.ID), venue.ErrUnknownOrder)

	rec = e.do(t, http.MethodGet, accountPath("/orders/BTC-PERP"), nil)
	assert.Empty(t, decode[[]order.Order](t, rec))
	rec = e.do(t, http.MethodGet, accountPath("/orders/BTC-PERP?all=true"), nil)
	assert.Len(t, decode[[]order.Order](t, rec), 1)

	rec = e.do(t, http.MethodGet, accountPath("/collateral/balances"), nil)
	for _, v := range decode[[]account.BalanceView](t, rec) {
		assert.True(t, v.Locked.IsZero(), v.Token)
	}
}

func TestMarketStatusChanges(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), DepositRequest{Amount: d("10000")})
	place := func() *httptest.ResponseRecorder {
		return e.do(t, http.MethodPost, accountPath("/orders/BTC-PERP"), PlaceOrderRequest{
			Size: d("0.1"), Price: d("39000"), Side: core.Buy, OrderType: "limit",
		})
	}
	setStatus := func(status string) *httptest.ResponseRecorder {
		return e.do(t, http.MethodPut, "/api/v1/markets/BTC-PERP/status", MarketStatusRequest{Status: status})
	}

	rec := place()
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resting := decode[order.Order](t, rec)

	rec = setStatus("paused")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Paused", decode[MarketInfo](t, rec).Status)

	rec = place()
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "MARKET_NOT_ACTIVE", decode[ErrorResponse](t, rec).Error)

	// cancels still go through while paused
	rec = e.do(t, http.MethodDelete, accountPath("/orders/BTC-PERP?orderId="+resting.ID.String()), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, order.Canceled, decode[order.Order](t, rec).State)

	require.Equal(t, http.StatusOK, setStatus("active").Code)
	require.Equal(t, http.StatusCreated, place().Code)

	require.Equal(t, http.StatusOK, setStatus("settled").Code)
	rec = setStatus("active")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "MARKET_NOT_ACTIVE", decode[ErrorResponse](t, rec).Error)

	rec = e.do(t, http.MethodGet, "/api/v1/markets/BTC-PERP", nil)
	assert.Equal(t, "Settled", decode[MarketInfo](t, rec).Status)

	assert.Equal(t, http.StatusBadRequest, setStatus("halted").Code)
	rec = e.do(t, http.MethodPut, "/api/v1/markets/DOGE-PERP/status", MarketStatusRequest{Status: "paused"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceOrderMarginExceeded(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), DepositRequest{Amount: d("100")})

	rec := e.do(t, http.MethodPost, accountPath("/orders/BTC-PERP"), PlaceOrderRequest{
		Size: d("1"), Price: d("40000"), Side: core.Buy, OrderType: "limit",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "MARGIN_EXCEEDED", decode[ErrorResponse](t, rec).Error)
}

func TestCancelUnknownOrder(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodDelete, accountPath("/orders/BTC-PERP?clientId=missing"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", decode[ErrorResponse](t, rec).Error)
}

func TestVenueWebhookAppliesFill(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), DepositRequest{Amount: d("10000")})
	rec := e.do(t, http.MethodPost, accountPath("/orders/BTC-PERP"), PlaceOrderRequest{
		Size: d("0.1"), Price: d("39000"), Side: core.Buy, OrderType: "limit",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	placed := decode[order.Order](t, rec)

	rec = e.do(t, http.MethodPost, "/api/v1/venue/events", venue.Event{
		Kind: venue.EventFill, OrderID: placed.ID, Market: "BTC-PERP", Seq: 1,
		Size: d("0.05"), Price: d("39000"),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, accountPath("/position"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decode[[]account.PositionView](t, rec)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Size.Equal(d("0.05")))
	assert.True(t, positions[0].MarkPrice.Equal(d("40000")))
	assert.True(t, positions[0].UnrealizedPnL.Equal(d("50")))
	assert.True(t, positions[0].FundingIndex.Equal(d("1")))

	rec = e.do(t, http.MethodGet, accountPath("/summary"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[account.Summary](t, rec)
	assert.Equal(t, 1, summary.OpenOrders)
	assert.Len(t, summary.Positions, 1)

	// unknown order id
	ev := venue.Event{Kind: venue.EventCanceled, OrderID: placed.ID, Market: "BTC-PERP", Seq: 1}
	ev.OrderID[0] ^= 0xff
	rec = e.do(t, http.MethodPost, "/api/v1/venue/events", ev)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetPrice(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPut, "/api/v1/prices/BTC-PERP", PriceRequest{Price: d("41000")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mark", decode[map[string]string](t, rec)["kind"])
	p, ok := e.feed.MarkPrice("BTC-PERP")
	require.True(t, ok)
	assert.True(t, p.Equal(d("41000")))

	rec = e.do(t, http.MethodPut, "/api/v1/prices/ETH", PriceRequest{Price: d("2100")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "index", decode[map[string]string](t, rec)["kind"])

	rec = e.do(t, http.MethodPut, "/api/v1/prices/USDC", PriceRequest{Price: d("0.99")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/prices/BTC-PERP", PriceRequest{Price: d("-1")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, accountPath("/orders/BTC-PERP"), nil)
	req.Header.Set("Origin", "http://app.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://app.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, accountPath("/collateral/deposit/USDC"), DepositRequest{Amount: d("1")})
	rec := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coordinator_op_seconds")
}

func TestWebSocketPushesAccountUpdates(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.server.hub.Run(ctx)

	ts := httptest.NewServer(e.server.Handler())
	defer ts.Close()

	channel := AccountChannel(common.HexToAddress(trader))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?subscribe=" + channel
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.server.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	_, err = e.coord.Deposit(context.Background(), common.HexToAddress(trader), "USDC", d("250"), false)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string         `json:"type"`
		Channel string         `json:"channel"`
		Data    account.Update `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, string(account.UpdateBalance), msg.Type)
	assert.Equal(t, channel, msg.Channel)
	require.NotEmpty(t, msg.Data.Balances)
	var usdc ledger.Balance
	for _, b := range msg.Data.Balances {
		if b.Token == "USDC" {
			usdc = b
		}
	}
	assert.True(t, usdc.Available.Equal(d("250")))
}

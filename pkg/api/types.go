package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	Symbol                    string          `json:"symbol"`      // e.g., "BTC-PERP"
	BaseAsset                 string          `json:"baseAsset"`   // e.g., "BTC"
	SettleToken               string          `json:"settleToken"` // e.g., "USDC"
	Status                    string          `json:"status"`      // "Active", "Paused", "Settled"
	TickSize                  decimal.Decimal `json:"tickSize"`
	LotSize                   decimal.Decimal `json:"lotSize"`
	MinOrderSize              decimal.Decimal `json:"minOrderSize"`
	MaxLeverage               decimal.Decimal `json:"maxLeverage"`
	InitialMarginFraction     decimal.Decimal `json:"initialMarginFraction"`
	MaintenanceMarginFraction decimal.Decimal `json:"maintenanceMarginFraction"`
	MarkPrice                 decimal.Decimal `json:"markPrice"`
}

// OrderbookSnapshot represents current venue book state
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel represents [price, size] tuple
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// ErrorResponse is returned for all errors. Order is set when the order was
// created before the failure (ack timeout).
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Order   interface{} `json:"order,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

// DepositRequest is the payload for POST .../collateral/deposit/{symbol}
type DepositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	RepayOnly bool            `json:"repayOnly"`
}

// WithdrawRequest is the payload for POST .../collateral/withdraw/{symbol}
type WithdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	AllowBorrow bool            `json:"allowBorrow"`
}

// PlaceOrderRequest is the payload for POST .../orders/{symbol}
type PlaceOrderRequest struct {
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Side      core.Side       `json:"side"`
	OrderType string          `json:"orderType"` // "limit", "ioc", "fok", "postonly", "reduceonlylimit", "reduceonlyioc"
	ClientID  string          `json:"clientId,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// MarketStatusRequest is the payload for PUT /api/v1/markets/{symbol}/status
type MarketStatusRequest struct {
	Status string `json:"status"` // active, paused, settled
}

// PriceRequest is the payload for PUT /api/v1/prices/{symbol}
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`    // "order", "balance", "orderbook"
	Channel string      `json:"channel"` // e.g., "account:0x..."
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:BTC-PERP", "account:0x..."]
}

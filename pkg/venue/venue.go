// Package venue defines the boundary to the external matching engine.
package venue

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
)

// ErrUnknownOrder is returned by Cancel when the venue holds no such resting
// order (never acked, already filled or already canceled)
var ErrUnknownOrder = errors.New("order not resting")

// Submission is an order handed to the matching engine
type Submission struct {
	OrderID uuid.UUID
	Owner   common.Address
	Market  string
	Side    core.Side
	Type    core.OrderType
	Price   decimal.Decimal
	Size    decimal.Decimal
	Limit   int // max matching iterations
}

// Venue is the matching engine. Submit returns once the order is
// acknowledged (accepted for matching) or refused.
type Venue interface {
	Submit(ctx context.Context, s Submission) error
	Cancel(ctx context.Context, market string, orderID uuid.UUID) error
}

// EventKind classifies a matching-engine event
type EventKind string

const (
	EventFill     EventKind = "fill"
	EventCanceled EventKind = "canceled"
	EventRejected EventKind = "rejected"
)

// Event is a fill/cancel/reject for one order.
// Seq is a per-order sequence starting at 1; zero means unsequenced.
type Event struct {
	Kind    EventKind       `json:"kind"`
	OrderID uuid.UUID       `json:"orderId"`
	Market  string          `json:"market"`
	Seq     uint64          `json:"seq"`
	Size    decimal.Decimal `json:"size,omitempty"`  // fill size
	Price   decimal.Decimal `json:"price,omitempty"` // fill price
	Reason  string          `json:"reason,omitempty"`
	Time    time.Time       `json:"time"`
}

// EventSink receives venue events
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Package order implements the order lifecycle: validation, client-id
// reconciliation, reduce-only sizing and the application of venue events.
package order

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
)

// DefaultLimit is the max matching iterations forwarded to the venue
const DefaultLimit = 20

// Request is a placement as received from the transport
type Request struct {
	Market   string          `json:"market"`
	Side     core.Side       `json:"side"`
	Type     core.OrderType  `json:"orderType"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	ClientID string          `json:"clientId,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// Validate performs the market-independent checks and then the market's
// tick/lot/status checks
func (r Request) Validate(m *market.Market) error {
	if !r.Side.Valid() {
		return errs.New(errs.KindInvalidRequest, "invalid side")
	}
	if _, err := core.ParseOrderType(string(r.Type)); err != nil {
		return errs.New(errs.KindInvalidRequest, "%v", err)
	}
	if r.Limit < 0 {
		return errs.New(errs.KindInvalidRequest, "limit cannot be negative: %d", r.Limit)
	}
	return m.ValidateOrder(r.Price, r.Size)
}

// Order is a placed order and its fill progress
type Order struct {
	ID       uuid.UUID       `json:"orderId"`
	ClientID string          `json:"clientId,omitempty"`
	Owner    common.Address  `json:"owner"`
	Market   string          `json:"market"`
	Side     core.Side       `json:"side"`
	Type     core.OrderType  `json:"orderType"`
	Price    decimal.Decimal `json:"price"`
	Limit    int             `json:"limit"`

	// Size is what was submitted; RequestedSize is before reduce-only truncation
	Size          decimal.Decimal `json:"size"`
	RequestedSize decimal.Decimal `json:"requestedSize"`

	State        State           `json:"state"`
	FilledSize   decimal.Decimal `json:"filledSize"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`

	// Locks is collateral still reserved, token → quantity
	Locks map[string]decimal.Decimal `json:"locks,omitempty"`

	LastSeq   uint64    `json:"lastSeq"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a Pending order
func New(owner common.Address, req Request, size decimal.Decimal, locks map[string]decimal.Decimal, now time.Time) *Order {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if locks == nil {
		locks = make(map[string]decimal.Decimal)
	}
	return &Order{
		ID:            uuid.New(),
		ClientID:      req.ClientID,
		Owner:         owner,
		Market:        req.Market,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Limit:         limit,
		Size:          size,
		RequestedSize: req.Size,
		State:         Pending,
		Locks:         locks,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Remaining returns size - filled
func (o *Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// Matches reports whether req carries the same parameters this order was
// placed with. A retried placement must match exactly to be idempotent.
func (o *Order) Matches(req Request) bool {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	return o.Market == req.Market &&
		o.Side == req.Side &&
		o.Type == req.Type &&
		o.RequestedSize.Equal(req.Size) &&
		o.Price.Equal(req.Price) &&
		o.Limit == limit
}

// Clone returns a deep copy safe to hand out of the account scope
func (o *Order) Clone() *Order {
	c := *o
	c.Locks = make(map[string]decimal.Decimal, len(o.Locks))
	for k, v := range o.Locks {
		c.Locks[k] = v
	}
	return &c
}

// transition moves the order to a new state if allowed
func (o *Order) transition(to State, now time.Time) error {
	if !o.State.CanTransition(to) {
		return errs.New(errs.KindInvariantViolation,
			"order %s: illegal transition %s -> %s", o.ID, o.State, to)
	}
	o.State = to
	o.UpdatedAt = now
	return nil
}

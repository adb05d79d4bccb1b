package order

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
)

// Book is one account's orders, indexed by id and by client id.
// Terminal orders stay in byID; the client index only tracks live orders so
// a client id can be reused once its order is done.
type Book struct {
	byID     map[uuid.UUID]*Order
	byClient map[string]uuid.UUID
}

// NewBook creates an empty order book
func NewBook() *Book {
	return &Book{
		byID:     make(map[uuid.UUID]*Order),
		byClient: make(map[string]uuid.UUID),
	}
}

// Restore rebuilds a book from persisted orders
func Restore(orders []*Order) *Book {
	b := NewBook()
	for _, o := range orders {
		b.Add(o)
	}
	return b
}

// Add inserts an order
func (b *Book) Add(o *Order) {
	b.byID[o.ID] = o
	if o.ClientID != "" && !o.State.Terminal() {
		b.byClient[o.ClientID] = o.ID
	}
}

// Get returns the order with id
func (b *Book) Get(id uuid.UUID) (*Order, bool) {
	o, ok := b.byID[id]
	return o, ok
}

// ByClientID returns the live order carrying clientID
func (b *Book) ByClientID(clientID string) (*Order, bool) {
	id, ok := b.byClient[clientID]
	if !ok {
		return nil, false
	}
	return b.byID[id], true
}

// Remove drops an order entirely. Only used to roll back a placement that
// never left the account scope.
func (b *Book) Remove(id uuid.UUID) {
	o, ok := b.byID[id]
	if !ok {
		return
	}
	if o.ClientID != "" && b.byClient[o.ClientID] == id {
		delete(b.byClient, o.ClientID)
	}
	delete(b.byID, id)
}

// settle unindexes the client id of an order that just became terminal
func (b *Book) settle(o *Order) {
	if o.State.Terminal() && o.ClientID != "" && b.byClient[o.ClientID] == o.ID {
		delete(b.byClient, o.ClientID)
	}
}

// Reconcile applies client-id idempotency to a new request.
// It returns the existing order when req is a retry with identical
// parameters, DuplicateClientID when the parameters differ, and nil when the
// client id is free.
func (b *Book) Reconcile(req Request) (*Order, error) {
	if req.ClientID == "" {
		return nil, nil
	}
	o, ok := b.ByClientID(req.ClientID)
	if !ok {
		return nil, nil
	}
	if o.Matches(req) {
		return o, nil
	}
	return nil, errs.New(errs.KindDuplicateClientID,
		"client id %q already used by live order %s", req.ClientID, o.ID)
}

// Find resolves a cancel target by order id (side optional filter) or by
// client id
func (b *Book) Find(id *uuid.UUID, side *core.Side, clientID string) (*Order, error) {
	switch {
	case id != nil:
		o, ok := b.byID[*id]
		if !ok || (side != nil && o.Side != *side) {
			return nil, errs.New(errs.KindOrderNotFound, "order %s not found", id)
		}
		return o, nil
	case clientID != "":
		if o, ok := b.ByClientID(clientID); ok {
			return o, nil
		}
		// Fall back to the most recent terminal order for idempotent cancels
		var last *Order
		for _, o := range b.byID {
			if o.ClientID == clientID && (last == nil || o.CreatedAt.After(last.CreatedAt)) {
				last = o
			}
		}
		if last != nil {
			return last, nil
		}
		return nil, errs.New(errs.KindOrderNotFound, "no order with client id %q", clientID)
	default:
		return nil, errs.New(errs.KindInvalidRequest, "order id or client id required")
	}
}

// List returns the orders of market (all markets if empty), oldest first
func (b *Book) List(market string, includeClosed bool) []*Order {
	out := make([]*Order, 0)
	for _, o := range b.byID {
		if market != "" && o.Market != market {
			continue
		}
		if !includeClosed && o.State.Terminal() {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pending returns every order still awaiting a venue ack
func (b *Book) Pending() []*Order {
	var out []*Order
	for _, o := range b.byID {
		if o.State == Pending {
			out = append(out, o)
		}
	}
	return out
}

// reduceOnlyRemaining sums the remaining size of live reduce-only orders on
// market and side, skipping exclude
func (b *Book) reduceOnlyRemaining(market string, side core.Side, exclude uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, o := range b.byID {
		if o.ID == exclude || o.Market != market || o.Side != side ||
			!o.Type.ReduceOnly() || o.State.Terminal() {
			continue
		}
		total = total.Add(o.Remaining())
	}
	return total
}

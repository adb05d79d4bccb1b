package account

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/margin"
	"github.com/uhyunpark/hypermargin/pkg/app/core/order"
	"github.com/uhyunpark/hypermargin/pkg/app/core/position"
)

// Account is the per-address aggregate: one ledger, one position book and
// one order book behind a single lock. Only the Coordinator touches it.
type Account struct {
	mu sync.RWMutex

	Address   common.Address
	CreatedAt time.Time

	ledger    *ledger.Ledger
	positions *position.Book
	orders    *order.Book
}

func newAccount(addr common.Address, tokens ledger.TokenSet, now time.Time) *Account {
	return &Account{
		Address:   addr,
		CreatedAt: now,
		ledger:    ledger.New(tokens),
		positions: position.NewBook(),
		orders:    order.NewBook(),
	}
}

func restoreAccount(rec *Record, tokens ledger.TokenSet) *Account {
	return &Account{
		Address:   rec.Address,
		CreatedAt: rec.CreatedAt,
		ledger:    ledger.Restore(tokens, rec.Balances),
		positions: position.Restore(rec.Positions),
		orders:    order.Restore(rec.Orders),
	}
}

// state exposes the books to the order lifecycle. Caller holds mu.
func (a *Account) state() order.Account {
	return order.Account{Orders: a.orders, Ledger: a.ledger, Positions: a.positions}
}

// snapshot copies balances and positions for the margin calculator
func (a *Account) snapshot() margin.Snapshot {
	return margin.Snapshot{Balances: a.ledger.Snapshot(), Positions: a.positions.Snapshot()}
}

// changes builds the persistence batch for a mutation touching orders
func (a *Account) changes(orders ...*order.Order) Changes {
	ch := Changes{
		Address:   a.Address,
		CreatedAt: a.CreatedAt,
		Balances:  a.ledger.List(),
		Positions: a.positions.All(),
	}
	for _, o := range orders {
		if o != nil {
			ch.Orders = append(ch.Orders, o)
		}
	}
	return ch
}

// UpdateKind names what a pushed update is about
type UpdateKind string

const (
	UpdateOrder   UpdateKind = "order"
	UpdateBalance UpdateKind = "balance"
)

// Update is a post-mutation view of an account, pushed to OnUpdate hooks
type Update struct {
	Address   common.Address      `json:"address"`
	Kind      UpdateKind          `json:"kind"`
	Order     *order.Order        `json:"order,omitempty"`
	Balances  []ledger.Balance    `json:"balances"`
	Positions []position.Position `json:"positions"`
	Time      time.Time           `json:"time"`
}

// update captures the account state after a mutation. Caller holds mu.
func (a *Account) update(kind UpdateKind, o *order.Order, now time.Time) Update {
	return Update{
		Address:   a.Address,
		Kind:      kind,
		Order:     o,
		Balances:  a.ledger.List(),
		Positions: a.positions.Open(),
		Time:      now,
	}
}

// checkpoint is the in-memory state a failed persist rolls back to.
// Terminal orders never change again, so only live ones are copied.
type checkpoint struct {
	balances  []ledger.Balance
	positions []position.Position
	live      []*order.Order
	known     map[uuid.UUID]struct{}
}

func (a *Account) checkpoint() checkpoint {
	cp := checkpoint{
		balances:  a.ledger.List(),
		positions: a.positions.All(),
		known:     make(map[uuid.UUID]struct{}),
	}
	for _, o := range a.orders.List("", true) {
		cp.known[o.ID] = struct{}{}
		if !o.State.Terminal() {
			cp.live = append(cp.live, o.Clone())
		}
	}
	return cp
}

func (a *Account) rollback(cp checkpoint, tokens ledger.TokenSet) {
	a.ledger = ledger.Restore(tokens, cp.balances)
	a.positions = position.Restore(cp.positions)
	for _, o := range a.orders.List("", true) {
		if _, ok := cp.known[o.ID]; !ok {
			a.orders.Remove(o.ID)
		}
	}
	for _, o := range cp.live {
		a.orders.Remove(o.ID)
		a.orders.Add(o)
	}
}

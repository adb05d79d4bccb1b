package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/app/core/position"
	"github.com/uhyunpark/hypermargin/pkg/venue"
)

// Markets resolves market configuration. *market.Registry satisfies it.
type Markets interface {
	Market(symbol string) (*market.Market, error)
}

// Account bundles the state the lifecycle mutates. All three belong to one
// account and are only touched under that account's lock.
type Account struct {
	Orders    *Book
	Ledger    *ledger.Ledger
	Positions *position.Book
}

// Outcome describes what an event did
type Outcome struct {
	Order           *Order
	Applied         bool            // false when dropped as duplicate or late
	DropReason      string          // set when Applied is false
	Realized        decimal.Decimal // PnL booked by a fill
	PositionChanged bool
}

// Manager applies placements and venue events to an account
type Manager struct {
	markets Markets
}

// NewManager creates a lifecycle manager
func NewManager(markets Markets) *Manager {
	return &Manager{markets: markets}
}

// ReduceOnlyCapacity is the size a new reduce-only order on side may still
// take: the opposite-side position minus other live reduce-only orders on
// the same side.
func ReduceOnlyCapacity(acct Account, market string, side core.Side) decimal.Decimal {
	pos := acct.Positions.Size(market)
	var closable decimal.Decimal
	switch {
	case side == core.Sell && pos.IsPositive():
		closable = pos
	case side == core.Buy && pos.IsNegative():
		closable = pos.Neg()
	default:
		return decimal.Zero
	}
	left := closable.Sub(acct.Orders.reduceOnlyRemaining(market, side, uuid.Nil))
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// SizeFor returns the size to submit for req: the requested size, or for
// reduce-only types the requested size truncated to capacity (and to the
// lot size). Capacity below the market's minimum order size is a
// ReduceOnlyViolation.
func (m *Manager) SizeFor(acct Account, req Request) (decimal.Decimal, error) {
	if !req.Type.ReduceOnly() {
		return req.Size, nil
	}
	mkt, err := m.markets.Market(req.Market)
	if err != nil {
		return decimal.Zero, err
	}
	capacity := mkt.RoundDownToLot(ReduceOnlyCapacity(acct, req.Market, req.Side))
	if !capacity.IsPositive() {
		return decimal.Zero, errs.New(errs.KindReduceOnlyViolation,
			"reduce-only %s on %s has nothing to reduce", req.Side, req.Market)
	}
	size := decimal.Min(req.Size, capacity)
	if size.LessThan(mkt.MinOrderSize) {
		return decimal.Zero, errs.New(errs.KindReduceOnlyViolation,
			"reduce-only %s on %s: capacity %s is below minimum order size %s",
			req.Side, req.Market, capacity, mkt.MinOrderSize)
	}
	return size, nil
}

// Ack records the venue's acknowledgement. Orders that already moved on
// because events raced the ack are left alone.
func (m *Manager) Ack(o *Order, now time.Time) bool {
	if o.State != Pending {
		return false
	}
	o.State = Open
	o.UpdatedAt = now
	return true
}

// checkSeq classifies an event sequence number against the order.
// It returns (apply, error): duplicates are (false, nil), gaps are
// InvariantViolation.
func checkSeq(o *Order, seq uint64) (bool, error) {
	if seq == 0 {
		return true, nil
	}
	if seq <= o.LastSeq {
		return false, nil
	}
	if seq > o.LastSeq+1 {
		return false, errs.New(errs.KindInvariantViolation,
			"order %s: event seq %d out of order (last applied %d)", o.ID, seq, o.LastSeq)
	}
	return true, nil
}

// Apply applies a venue event to its order. Late events for terminal orders
// and duplicate sequence numbers are dropped (Outcome.Applied false, nil
// error). Gaps and overfills return InvariantViolation with no state change.
func (m *Manager) Apply(acct Account, o *Order, ev venue.Event, now time.Time) (Outcome, error) {
	out := Outcome{Order: o}
	if o.State.Terminal() {
		out.DropReason = "order " + string(o.State)
		return out, nil
	}
	apply, err := checkSeq(o, ev.Seq)
	if err != nil {
		return out, err
	}
	if !apply {
		out.DropReason = "duplicate seq"
		return out, nil
	}

	switch ev.Kind {
	case venue.EventFill:
		err = m.applyFill(acct, o, ev, now, &out)
	case venue.EventCanceled:
		err = m.close(acct, o, Canceled, ev.Reason, now)
	case venue.EventRejected:
		err = m.close(acct, o, Rejected, ev.Reason, now)
	default:
		return out, errs.New(errs.KindInvalidRequest, "unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return out, err
	}
	if ev.Seq > 0 {
		o.LastSeq = ev.Seq
	}
	out.Applied = true
	return out, nil
}

// applyFill validates everything before mutating so a rejected fill leaves
// ledger, position and order untouched
func (m *Manager) applyFill(acct Account, o *Order, ev venue.Event, now time.Time, out *Outcome) error {
	mkt, err := m.markets.Market(o.Market)
	if err != nil {
		return err
	}
	if !ev.Size.IsPositive() || !ev.Price.IsPositive() {
		return errs.New(errs.KindInvariantViolation,
			"order %s: fill size and price must be positive", o.ID)
	}
	remaining := o.Remaining()
	if ev.Size.GreaterThan(remaining) {
		return errs.New(errs.KindInvariantViolation,
			"order %s: fill %s exceeds remaining %s", o.ID, ev.Size, remaining)
	}

	before := acct.Positions.Size(o.Market)
	if o.Type.ReduceOnly() {
		after := before.Add(ev.Size.Mul(decimal.NewFromInt(o.Side.Sign())))
		if after.Abs().GreaterThan(before.Abs()) || after.Sign()*before.Sign() < 0 {
			return errs.New(errs.KindInvariantViolation,
				"order %s: reduce-only fill %s would grow position %s", o.ID, ev.Size, before)
		}
	}

	final := ev.Size.Equal(remaining)
	release := make(map[string]decimal.Decimal, len(o.Locks))
	for tok, locked := range o.Locks {
		amt := locked
		if !final {
			amt = decimal.Min(locked, locked.Mul(ev.Size).Div(remaining))
		}
		bal, err := acct.Ledger.Balance(tok)
		if err != nil {
			return err
		}
		if bal.Locked.LessThan(amt) {
			return errs.New(errs.KindInvariantViolation,
				"order %s: ledger holds %s %s locked, order expects %s", o.ID, bal.Locked, tok, amt)
		}
		release[tok] = amt
	}

	next := PartiallyFilled
	if final {
		next = Filled
	}
	if !o.State.CanTransition(next) {
		return errs.New(errs.KindInvariantViolation,
			"order %s: illegal transition %s -> %s", o.ID, o.State, next)
	}

	// Mutations from here on cannot fail on validated input
	for tok, amt := range release {
		if err := acct.Ledger.Unlock(tok, amt); err != nil {
			return err
		}
		o.Locks[tok] = o.Locks[tok].Sub(amt)
		if o.Locks[tok].IsZero() {
			delete(o.Locks, tok)
		}
	}

	realized, err := acct.Positions.ApplyFill(o.Market, o.Side, ev.Size, ev.Price)
	if err != nil {
		return err
	}
	if !realized.IsZero() {
		if _, err := acct.Ledger.ApplyDelta(mkt.SettleToken, realized, true); err != nil {
			return err
		}
	}

	filled := o.FilledSize.Add(ev.Size)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledSize).Add(ev.Price.Mul(ev.Size)).Div(filled)
	o.FilledSize = filled
	if err := o.transition(next, now); err != nil {
		return err
	}
	acct.Orders.settle(o)

	out.Realized = realized
	out.PositionChanged = true
	return nil
}

// close moves an order to Canceled or Rejected and returns all remaining
// locks to available
func (m *Manager) close(acct Account, o *Order, to State, reason string, now time.Time) error {
	if !o.State.CanTransition(to) {
		return errs.New(errs.KindInvariantViolation,
			"order %s: illegal transition %s -> %s", o.ID, o.State, to)
	}
	for tok, amt := range o.Locks {
		bal, err := acct.Ledger.Balance(tok)
		if err != nil {
			return err
		}
		if bal.Locked.LessThan(amt) {
			return errs.New(errs.KindInvariantViolation,
				"order %s: ledger holds %s %s locked, order expects %s", o.ID, bal.Locked, tok, amt)
		}
	}
	for tok, amt := range o.Locks {
		if err := acct.Ledger.Unlock(tok, amt); err != nil {
			return err
		}
	}
	o.Locks = make(map[string]decimal.Decimal)
	o.Reason = reason
	if err := o.transition(to, now); err != nil {
		return err
	}
	acct.Orders.settle(o)
	return nil
}

// Cancel cancels o locally. Terminal orders are an idempotent no-op and
// report false.
func (m *Manager) Cancel(acct Account, o *Order, reason string, now time.Time) (bool, error) {
	if o.State.Terminal() {
		return false, nil
	}
	return true, m.close(acct, o, Canceled, reason, now)
}

// Reject rejects a Pending order, releasing its locks
func (m *Manager) Reject(acct Account, o *Order, reason string, now time.Time) error {
	if o.State.Terminal() {
		return nil
	}
	return m.close(acct, o, Rejected, reason, now)
}

// ExcessReduceOnly returns live reduce-only orders on market that no longer
// fit the position, newest first: the oldest orders keep their claim on
// capacity.
func ExcessReduceOnly(acct Account, market string) []*Order {
	var out []*Order
	for _, side := range []core.Side{core.Buy, core.Sell} {
		pos := acct.Positions.Size(market)
		capacity := decimal.Zero
		if side == core.Sell && pos.IsPositive() {
			capacity = pos
		} else if side == core.Buy && pos.IsNegative() {
			capacity = pos.Neg()
		}

		used := decimal.Zero
		for _, o := range acct.Orders.List(market, false) {
			if o.Side != side || !o.Type.ReduceOnly() {
				continue
			}
			used = used.Add(o.Remaining())
			if used.GreaterThan(capacity) {
				out = append(out, o)
			}
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/margin"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/app/core/order"
	"github.com/uhyunpark/hypermargin/pkg/app/core/position"
	"github.com/uhyunpark/hypermargin/pkg/metrics"
	"github.com/uhyunpark/hypermargin/pkg/oracle"
	"github.com/uhyunpark/hypermargin/pkg/util"
	"github.com/uhyunpark/hypermargin/pkg/venue"
)

// DefaultAckTimeout bounds the wait for a venue acknowledgement
const DefaultAckTimeout = 5 * time.Second

var errAckTimeout = errors.New("venue ack timeout")

// Options wires a Coordinator
type Options struct {
	Registry   *market.Registry
	Prices     oracle.Source
	Venue      venue.Venue
	Store      Store
	Clock      util.Clock
	Logger     *zap.SugaredLogger
	AckTimeout time.Duration
}

// Coordinator owns every account and sequences all operations on them.
//
// The arena lock only guards lookup and insert. Each Account carries its own
// lock, so operations on different accounts run in parallel while operations
// on one account are serialized. No account lock is held across a venue call.
type Coordinator struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
	owners   map[uuid.UUID]common.Address // orderId -> owner, for event routing

	registry   *market.Registry
	margin     *margin.Calculator
	lifecycle  *order.Manager
	venue      venue.Venue
	store      Store
	clock      util.Clock
	log        *zap.SugaredLogger
	ackTimeout time.Duration

	hooksMu sync.RWMutex
	hooks   []func(Update)
}

// NewCoordinator creates a coordinator. Venue may be nil until SetVenue is
// called; the simulated venue and the coordinator reference each other.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Coordinator{
		accounts:   make(map[common.Address]*Account),
		owners:     make(map[uuid.UUID]common.Address),
		registry:   opts.Registry,
		margin:     margin.NewCalculator(opts.Registry, opts.Prices),
		lifecycle:  order.NewManager(opts.Registry),
		venue:      opts.Venue,
		store:      opts.Store,
		clock:      opts.Clock,
		log:        opts.Logger,
		ackTimeout: opts.AckTimeout,
	}
}

// SetVenue sets the matching engine
func (c *Coordinator) SetVenue(v venue.Venue) { c.venue = v }

// Close closes the store
func (c *Coordinator) Close() error { return c.store.Close() }

// OnUpdate registers a push-notification hook. Hooks run after the account
// lock is released.
func (c *Coordinator) OnUpdate(fn func(Update)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Coordinator) publish(updates ...Update) {
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()
	for _, u := range updates {
		for _, fn := range hooks {
			fn(u)
		}
	}
}

// lookup returns the account for addr, loading it from the store or, with
// create, starting an empty one. Returns nil if it exists nowhere.
func (c *Coordinator) lookup(addr common.Address, create bool) (*Account, error) {
	c.mu.RLock()
	a, ok := c.accounts[addr]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.accounts[addr]; ok {
		return a, nil
	}
	rec, err := c.store.Load(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", addr.Hex(), err)
	}
	switch {
	case rec != nil:
		a = restoreAccount(rec, c.registry)
	case create:
		a = newAccount(addr, c.registry, c.clock.Now())
	default:
		return nil, nil
	}
	c.installLocked(a)
	return a, nil
}

// installLocked adds an account and indexes its orders. Caller holds mu.
func (c *Coordinator) installLocked(a *Account) {
	c.accounts[a.Address] = a
	for _, o := range a.orders.List("", true) {
		c.owners[o.ID] = a.Address
	}
	metrics.SetAccounts(len(c.accounts))
}

func (c *Coordinator) setOwner(id uuid.UUID, addr common.Address) {
	c.mu.Lock()
	c.owners[id] = addr
	c.mu.Unlock()
}

// ownerOf routes an order id to its account, falling back to the store's
// owner index for accounts not yet loaded
func (c *Coordinator) ownerOf(id uuid.UUID) (common.Address, bool, error) {
	c.mu.RLock()
	addr, ok := c.owners[id]
	c.mu.RUnlock()
	if ok {
		return addr, true, nil
	}
	return c.store.OwnerOf(id)
}

func (c *Coordinator) all() []*Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Account, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	return out
}

// commit persists a mutation as one batch, or rolls the account back to cp
// and returns the store error. Caller holds a.mu.
func (c *Coordinator) commit(a *Account, cp checkpoint, orders ...*order.Order) error {
	if err := c.store.Apply(a.changes(orders...)); err != nil {
		a.rollback(cp, c.registry)
		c.log.Errorw("persist_failed", "account", a.Address.Hex(), "err", err)
		return fmt.Errorf("failed to persist account %s: %w", a.Address.Hex(), err)
	}
	return nil
}

// fail logs and counts a failed operation. Invariant violations are always
// surfaced at error level.
func (c *Coordinator) fail(op string, err error, kv ...interface{}) error {
	if errs.IsInvariant(err) {
		metrics.IncInvariantViolations(op)
		c.log.Errorw("invariant_violation", append([]interface{}{"op", op, "err", err}, kv...)...)
	}
	return err
}

func observe(op string, start time.Time) {
	metrics.ObserveOp(op, time.Since(start))
}

// BalanceView is a balance with its collateral value
type BalanceView struct {
	ledger.Balance
	Value decimal.Decimal `json:"value"` // weighted, in settle units
}

// Balances returns one entry per configured token, zero for untouched ones
func (c *Coordinator) Balances(addr common.Address) ([]BalanceView, error) {
	defer observe("balances", time.Now())
	a, err := c.lookup(addr, false)
	if err != nil {
		return nil, err
	}
	if a != nil {
		a.mu.RLock()
		defer a.mu.RUnlock()
	}
	return c.balanceViews(a)
}

func (c *Coordinator) balanceViews(a *Account) ([]BalanceView, error) {
	tokens := c.registry.Tokens()
	out := make([]BalanceView, 0, len(tokens))
	for _, t := range tokens {
		b := ledger.Balance{Token: t.Symbol}
		if a != nil {
			var err error
			if b, err = a.ledger.Balance(t.Symbol); err != nil {
				return nil, err
			}
		}
		v, err := c.margin.Value(t.Symbol, b.Available)
		if err != nil {
			// unpriced borrow: report it unvalued
			v = decimal.Zero
		}
		out = append(out, BalanceView{Balance: b, Value: v})
	}
	return out, nil
}

// Deposit credits collateral. With repayOnly the credit is capped at the
// outstanding borrow of token.
func (c *Coordinator) Deposit(ctx context.Context, addr common.Address, token string, amount decimal.Decimal, repayOnly bool) (ledger.DepositResult, error) {
	defer observe("deposit", time.Now())
	if _, err := c.registry.Token(token); err != nil {
		return ledger.DepositResult{}, err
	}
	a, err := c.lookup(addr, true)
	if err != nil {
		return ledger.DepositResult{}, err
	}

	a.mu.Lock()
	cp := a.checkpoint()
	res, err := a.ledger.Deposit(token, amount, repayOnly)
	if err != nil {
		a.mu.Unlock()
		return ledger.DepositResult{}, c.fail("deposit", err)
	}
	if err := c.commit(a, cp); err != nil {
		a.mu.Unlock()
		return ledger.DepositResult{}, err
	}
	u := a.update(UpdateBalance, nil, c.clock.Now())
	a.mu.Unlock()

	c.log.Infow("deposit",
		"account", addr.Hex(), "token", token, "amount", amount,
		"credited", res.Credited, "repay_only", repayOnly)
	c.publish(u)
	return res, nil
}

// Withdraw debits collateral if free collateral stays non-negative. Without
// allowBorrow the token's own available balance must cover amount.
func (c *Coordinator) Withdraw(ctx context.Context, addr common.Address, token string, amount decimal.Decimal, allowBorrow bool) (ledger.Balance, error) {
	defer observe("withdraw", time.Now())
	if _, err := c.registry.Token(token); err != nil {
		return ledger.Balance{}, err
	}
	a, err := c.lookup(addr, false)
	if err != nil {
		return ledger.Balance{}, err
	}
	if a == nil {
		if !amount.IsPositive() {
			return ledger.Balance{}, errs.New(errs.KindInvalidRequest, "withdraw amount must be positive: %s", amount)
		}
		return ledger.Balance{}, errs.New(errs.KindInsufficientFunds, "%s: account holds no collateral", token)
	}

	a.mu.Lock()
	if err := c.margin.CanWithdraw(a.snapshot(), token, amount, allowBorrow); err != nil {
		a.mu.Unlock()
		return ledger.Balance{}, err
	}
	cp := a.checkpoint()
	bal, err := a.ledger.ApplyDelta(token, amount.Neg(), allowBorrow)
	if err != nil {
		a.mu.Unlock()
		return ledger.Balance{}, c.fail("withdraw", err)
	}
	if err := c.commit(a, cp); err != nil {
		a.mu.Unlock()
		return ledger.Balance{}, err
	}
	u := a.update(UpdateBalance, nil, c.clock.Now())
	a.mu.Unlock()

	c.log.Infow("withdraw",
		"account", addr.Hex(), "token", token, "amount", amount, "allow_borrow", allowBorrow)
	c.publish(u)
	return bal, nil
}

// PositionView is a position valued at mark
type PositionView struct {
	position.Position
	MarkPrice     decimal.Decimal `json:"markPrice"`
	Value         decimal.Decimal `json:"value"` // |size| × mark
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	IsLong        bool            `json:"isLong"`
	FundingIndex  decimal.Decimal `json:"fundingIndex"`
}

// No funding accrues, so every position sits at the starting index
var initialFundingIndex = decimal.NewFromInt(1)

// Positions returns every position the account ever held, flat ones
// included for their realized PnL
func (c *Coordinator) Positions(addr common.Address) ([]PositionView, error) {
	defer observe("positions", time.Now())
	a, err := c.lookup(addr, false)
	if err != nil || a == nil {
		return []PositionView{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return c.positionViews(a), nil
}

func (c *Coordinator) positionViews(a *Account) []PositionView {
	all := a.positions.All()
	out := make([]PositionView, 0, len(all))
	for _, p := range all {
		mark := c.margin.Mark(p)
		out = append(out, PositionView{
			Position:      p,
			MarkPrice:     mark,
			Value:         p.Notional(mark),
			UnrealizedPnL: p.UnrealizedPnL(mark),
			IsLong:        p.IsLong(),
			FundingIndex:  initialFundingIndex,
		})
	}
	return out
}

// Orders lists the account's orders on market (every market if empty).
// Terminal orders are included only with includeClosed.
func (c *Coordinator) Orders(addr common.Address, market string, includeClosed bool) ([]*order.Order, error) {
	defer observe("orders", time.Now())
	if market != "" {
		if _, err := c.registry.Market(market); err != nil {
			return nil, err
		}
	}
	a, err := c.lookup(addr, false)
	if err != nil || a == nil {
		return []*order.Order{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	list := a.orders.List(market, includeClosed)
	out := make([]*order.Order, len(list))
	for i, o := range list {
		out[i] = o.Clone()
	}
	return out, nil
}

// Order returns one order by id
func (c *Coordinator) Order(addr common.Address, id uuid.UUID) (*order.Order, error) {
	a, err := c.lookup(addr, false)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.New(errs.KindOrderNotFound, "order %s not found", id)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	o, ok := a.orders.Get(id)
	if !ok {
		return nil, errs.New(errs.KindOrderNotFound, "order %s not found", id)
	}
	return o.Clone(), nil
}

// Summary is the account overview
type Summary struct {
	Address    common.Address `json:"address"`
	Health     margin.Health  `json:"health"`
	Balances   []BalanceView  `json:"balances"`
	Positions  []PositionView `json:"positions"`
	OpenOrders int            `json:"openOrders"`
}

// Summary computes account health from one consistent snapshot
func (c *Coordinator) Summary(addr common.Address) (Summary, error) {
	defer observe("summary", time.Now())
	s := Summary{Address: addr, Balances: []BalanceView{}, Positions: []PositionView{}}
	a, err := c.lookup(addr, false)
	if err != nil {
		return Summary{}, err
	}
	if a == nil {
		s.Balances, err = c.balanceViews(nil)
		return s, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if s.Health, err = c.margin.Health(a.snapshot()); err != nil {
		return Summary{}, err
	}
	if s.Balances, err = c.balanceViews(a); err != nil {
		return Summary{}, err
	}
	s.Positions = c.positionViews(a)
	s.OpenOrders = len(a.orders.List("", false))
	return s, nil
}

// PlaceOrder admits an order under the account lock (margin check, locks,
// Pending record), then submits it to the venue outside the lock.
//
// A retry carrying the clientId of a live order with identical parameters
// returns that order unchanged. If the venue does not acknowledge within the
// ack window the order is rejected, its locks are released and
// UpstreamTimeout is returned together with the order.
func (c *Coordinator) PlaceOrder(ctx context.Context, addr common.Address, req order.Request) (*order.Order, error) {
	defer observe("place_order", time.Now())
	if req.Limit == 0 {
		req.Limit = order.DefaultLimit
	}
	m, err := c.registry.Market(req.Market)
	if err == nil {
		err = req.Validate(m)
	}
	if err != nil {
		metrics.IncOrdersRejected(string(errs.KindOf(err)))
		return nil, err
	}
	a, err := c.lookup(addr, true)
	if err != nil {
		return nil, err
	}
	placed, pending, err := c.admit(a, m, req)
	if err != nil {
		metrics.IncOrdersRejected(string(errs.KindOf(err)))
		return nil, c.fail("place_order", err, "account", addr.Hex(), "market", req.Market)
	}
	if pending == nil {
		return placed, nil
	}
	c.publish(*pending)
	return c.dispatch(ctx, a, placed)
}

// admit runs every pre-venue check and records the order as Pending. A nil
// update means req was an idempotent retry of a live order.
func (c *Coordinator) admit(a *Account, m *market.Market, req order.Request) (*order.Order, *Update, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.orders.Reconcile(req)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return existing.Clone(), nil, nil
	}

	st := a.state()
	size, err := c.lifecycle.SizeFor(st, req)
	if err != nil {
		return nil, nil, err
	}
	snap := a.snapshot()
	im, err := c.margin.CanPlaceOrder(snap, margin.Intent{
		Market:     req.Market,
		Side:       req.Side,
		Size:       size,
		Price:      req.Price,
		ReduceOnly: req.Type.ReduceOnly(),
	})
	if err != nil {
		return nil, nil, err
	}
	plan, err := c.margin.PlanLocks(snap, m.SettleToken, im)
	if err != nil {
		return nil, nil, err
	}

	cp := a.checkpoint()
	for tok, qty := range plan {
		if err := a.ledger.Lock(tok, qty); err != nil {
			a.rollback(cp, c.registry)
			return nil, nil, err
		}
	}
	o := order.New(a.Address, req, size, plan, c.clock.Now())
	a.orders.Add(o)
	if err := c.commit(a, cp, o); err != nil {
		return nil, nil, err
	}
	c.setOwner(o.ID, a.Address)
	placed := o.Clone()
	u := a.update(UpdateOrder, placed, o.CreatedAt)
	return placed, &u, nil
}

// dispatch submits a Pending order and settles the ack outcome
func (c *Coordinator) dispatch(ctx context.Context, a *Account, placed *order.Order) (*order.Order, error) {
	submitErr := c.submit(ctx, venue.Submission{
		OrderID: placed.ID,
		Owner:   placed.Owner,
		Market:  placed.Market,
		Side:    placed.Side,
		Type:    placed.Type,
		Price:   placed.Price,
		Size:    placed.Size,
		Limit:   placed.Limit,
	})

	a.mu.Lock()
	o, ok := a.orders.Get(placed.ID)
	if !ok {
		a.mu.Unlock()
		return nil, c.fail("place_order", errs.New(errs.KindInvariantViolation,
			"order %s vanished while awaiting ack", placed.ID))
	}
	now := c.clock.Now()
	st := a.state()
	cp := a.checkpoint()

	var result error
	withdraw := false // order must also be pulled from the venue
	switch {
	case submitErr == nil:
		if !c.lifecycle.Ack(o, now) && (o.State == order.Canceled || o.State == order.Rejected) {
			withdraw = true
		}
	case errors.Is(submitErr, errAckTimeout):
		metrics.IncAckTimeouts()
		var err error
		switch {
		case o.State == order.Pending:
			err = c.lifecycle.Reject(st, o, "ack timeout", now)
		case !o.State.Terminal():
			_, err = c.lifecycle.Cancel(st, o, "ack timeout", now)
		}
		if err != nil {
			a.rollback(cp, c.registry)
			a.mu.Unlock()
			return nil, c.fail("place_order", err, "order_id", o.ID)
		}
		withdraw = true
		result = errs.New(errs.KindUpstreamTimeout, "venue did not acknowledge order %s within %s", o.ID, c.ackTimeout)
	default:
		if err := c.lifecycle.Reject(st, o, submitErr.Error(), now); err != nil {
			a.rollback(cp, c.registry)
			a.mu.Unlock()
			return nil, c.fail("place_order", err, "order_id", o.ID)
		}
		metrics.IncOrdersRejected("VENUE_REJECTED")
	}

	if err := c.commit(a, cp, o); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	out := o.Clone()
	u := a.update(UpdateOrder, out, now)
	a.mu.Unlock()

	c.publish(u)
	if withdraw {
		c.withdrawFromVenue(out.Market, out.ID)
	}

	switch {
	case result != nil:
		c.log.Warnw("order_ack_timeout", "account", a.Address.Hex(), "order_id", out.ID, "market", out.Market)
	case submitErr != nil:
		c.log.Infow("order_rejected",
			"account", a.Address.Hex(), "order_id", out.ID, "market", out.Market, "reason", out.Reason)
	default:
		metrics.IncOrdersPlaced(out.Market, string(out.Type))
		c.log.Infow("order_placed",
			"account", a.Address.Hex(), "order_id", out.ID, "client_id", out.ClientID,
			"market", out.Market, "side", out.Side, "type", out.Type,
			"size", out.Size, "price", out.Price, "state", out.State)
	}
	return out, result
}

// submit calls the venue, giving up after the ack window or when ctx ends
func (c *Coordinator) submit(ctx context.Context, s venue.Submission) error {
	if c.venue == nil {
		return errs.New(errs.KindInvariantViolation, "no venue configured")
	}
	timeout := c.clock.After(c.ackTimeout)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.venue.Submit(ctx, s) }()

	select {
	case err := <-done:
		return err
	case <-timeout:
		return errAckTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errAckTimeout, ctx.Err())
	}
}

// withdrawFromVenue is a best-effort venue cancel for an order already
// closed locally
func (c *Coordinator) withdrawFromVenue(market string, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
	defer cancel()
	err := c.venue.Cancel(ctx, market, id)
	switch {
	case err == nil:
		c.log.Infow("venue_order_withdrawn", "order_id", id, "market", market)
	case errors.Is(err, venue.ErrUnknownOrder):
	default:
		c.log.Warnw("venue_withdraw_failed", "order_id", id, "market", market, "err", err)
	}
}

// CancelOrder cancels by orderId (side optional filter) or by clientId.
// Canceling an order that is already terminal returns it unchanged.
func (c *Coordinator) CancelOrder(ctx context.Context, addr common.Address, market string, id *uuid.UUID, side *core.Side, clientID string) (*order.Order, error) {
	defer observe("cancel_order", time.Now())
	a, err := c.lookup(addr, false)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.New(errs.KindOrderNotFound, "no orders for %s", addr.Hex())
	}

	a.mu.RLock()
	o, err := a.orders.Find(id, side, clientID)
	if err == nil && market != "" && o.Market != market {
		err = errs.New(errs.KindOrderNotFound, "order %s is not on %s", o.ID, market)
	}
	var target *order.Order
	if err == nil {
		target = o.Clone()
	}
	a.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if target.State.Terminal() {
		return target, nil
	}

	// Pending orders are not at the venue yet; dispatch pulls them after the ack
	if target.State != order.Pending {
		vctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
		err := c.venue.Cancel(vctx, target.Market, target.ID)
		cancel()
		switch {
		case err == nil, errors.Is(err, venue.ErrUnknownOrder):
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errs.New(errs.KindUpstreamTimeout, "venue did not confirm cancel of %s", target.ID)
		default:
			return nil, fmt.Errorf("venue cancel %s: %w", target.ID, err)
		}
	}

	a.mu.Lock()
	o, ok := a.orders.Get(target.ID)
	if !ok {
		a.mu.Unlock()
		return nil, errs.New(errs.KindOrderNotFound, "order %s not found", target.ID)
	}
	now := c.clock.Now()
	cp := a.checkpoint()
	changed, err := c.lifecycle.Cancel(a.state(), o, "canceled by user", now)
	if err != nil {
		a.rollback(cp, c.registry)
		a.mu.Unlock()
		return nil, c.fail("cancel_order", err, "order_id", target.ID)
	}
	if changed {
		if err := c.commit(a, cp, o); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	out := o.Clone()
	u := a.update(UpdateOrder, out, now)
	a.mu.Unlock()

	if changed {
		c.log.Infow("order_canceled", "account", addr.Hex(), "order_id", out.ID, "market", out.Market)
		c.publish(u)
	}
	return out, nil
}

// HandleEvent applies a venue event to the owning account. Duplicates and
// late events are dropped and logged; gaps and overfills are invariant
// violations and change nothing.
func (c *Coordinator) HandleEvent(ctx context.Context, ev venue.Event) error {
	defer observe("handle_event", time.Now())
	addr, ok, err := c.ownerOf(ev.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		metrics.IncEventsDropped("unknown_order")
		c.log.Warnw("venue_event_unknown_order", "order_id", ev.OrderID, "kind", ev.Kind, "seq", ev.Seq)
		return errs.New(errs.KindOrderNotFound, "order %s not found", ev.OrderID)
	}
	a, err := c.lookup(addr, true)
	if err != nil {
		return err
	}

	a.mu.Lock()
	o, ok := a.orders.Get(ev.OrderID)
	if !ok {
		a.mu.Unlock()
		return c.fail("handle_event", errs.New(errs.KindInvariantViolation,
			"order %s indexed to %s but missing from its book", ev.OrderID, addr.Hex()))
	}
	now := c.clock.Now()
	st := a.state()
	cp := a.checkpoint()

	out, err := c.lifecycle.Apply(st, o, ev, now)
	if err != nil {
		a.rollback(cp, c.registry)
		a.mu.Unlock()
		return c.fail("handle_event", err, "order_id", ev.OrderID, "kind", ev.Kind, "seq", ev.Seq)
	}
	if !out.Applied {
		reason := "duplicate"
		if o.State.Terminal() {
			reason = "late"
		}
		a.mu.Unlock()
		metrics.IncEventsDropped(reason)
		c.log.Infow("venue_event_dropped",
			"order_id", ev.OrderID, "kind", ev.Kind, "seq", ev.Seq, "reason", out.DropReason)
		return nil
	}

	touched := []*order.Order{o}
	var excess []*order.Order
	if out.PositionChanged {
		for _, x := range order.ExcessReduceOnly(st, o.Market) {
			changed, err := c.lifecycle.Cancel(st, x, "reduce-only exceeds position", now)
			if err != nil {
				a.rollback(cp, c.registry)
				a.mu.Unlock()
				return c.fail("handle_event", err, "order_id", x.ID)
			}
			if changed {
				touched = append(touched, x)
				excess = append(excess, x.Clone())
			}
		}
	}
	if err := c.commit(a, cp, touched...); err != nil {
		a.mu.Unlock()
		return err
	}
	updates := make([]Update, 0, len(touched))
	for _, t := range touched {
		updates = append(updates, a.update(UpdateOrder, t.Clone(), now))
	}
	a.mu.Unlock()

	if ev.Kind == venue.EventFill {
		metrics.IncFillsApplied(o.Market)
		c.log.Infow("fill_applied",
			"account", addr.Hex(), "order_id", ev.OrderID, "seq", ev.Seq,
			"size", ev.Size, "price", ev.Price, "realized_pnl", out.Realized)
	}
	c.publish(updates...)
	for _, x := range excess {
		c.withdrawFromVenue(x.Market, x.ID)
	}
	return nil
}

// ExpirePending rejects Pending orders older than the ack window, releasing
// their locks. It returns how many orders were expired.
func (c *Coordinator) ExpirePending(ctx context.Context) (int, error) {
	defer observe("expire_pending", time.Now())
	now := c.clock.Now()
	total := 0
	for _, a := range c.all() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		a.mu.Lock()
		var expired []*order.Order
		cp := a.checkpoint()
		for _, o := range a.orders.Pending() {
			if now.Sub(o.CreatedAt) < c.ackTimeout {
				continue
			}
			if err := c.lifecycle.Reject(a.state(), o, "ack window expired", now); err != nil {
				a.rollback(cp, c.registry)
				a.mu.Unlock()
				return total, c.fail("expire_pending", err, "order_id", o.ID)
			}
			expired = append(expired, o)
		}
		if len(expired) == 0 {
			a.mu.Unlock()
			continue
		}
		if err := c.commit(a, cp, expired...); err != nil {
			a.mu.Unlock()
			return total, err
		}
		updates := make([]Update, len(expired))
		for i, o := range expired {
			updates[i] = a.update(UpdateOrder, o.Clone(), now)
		}
		a.mu.Unlock()

		for _, u := range updates {
			c.log.Warnw("order_expired", "account", a.Address.Hex(), "order_id", u.Order.ID, "market", u.Order.Market)
			c.withdrawFromVenue(u.Order.Market, u.Order.ID)
		}
		c.publish(updates...)
		total += len(expired)
	}
	return total, nil
}

// RunSweeper expires stale Pending orders every interval until ctx ends
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
			if _, err := c.ExpirePending(ctx); err != nil && ctx.Err() == nil {
				c.log.Errorw("pending_sweep_failed", "err", err)
			}
		}
	}
}

// Recover loads every persisted account and the order-owner index, then
// expires Pending orders whose ack window passed while the node was down
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	defer observe("recover", time.Now())
	records, err := c.store.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to recover accounts: %w", err)
	}

	c.mu.Lock()
	for _, rec := range records {
		if _, ok := c.accounts[rec.Address]; ok {
			continue
		}
		c.installLocked(restoreAccount(rec, c.registry))
	}
	c.mu.Unlock()

	expired, err := c.ExpirePending(ctx)
	if err != nil {
		return len(records), err
	}
	c.log.Infow("accounts_recovered", "accounts", len(records), "expired_pending", expired)
	return len(records), nil
}

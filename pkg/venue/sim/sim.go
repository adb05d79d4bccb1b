// Package sim is an in-process price-time matching venue used by the devnet
// node and by tests. It speaks the same venue.Venue / venue.EventSink
// contract as a real matching engine: Submit acks, fills and cancels arrive
// as sequenced events.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/util"
	"github.com/uhyunpark/hypermargin/pkg/venue"
)

// ErrWouldCross is returned by Submit for a marketable post-only order
var ErrWouldCross = errors.New("post-only order would cross the book")

// Markets resolves market configuration. *market.Registry satisfies it.
type Markets interface {
	Market(symbol string) (*market.Market, error)
}

// TradeFunc observes every trade; the node uses it to move mark prices
type TradeFunc func(market string, price decimal.Decimal)

// Venue is the simulated matching engine
type Venue struct {
	mu      sync.Mutex
	markets Markets
	books   map[string]*book
	seq     map[uuid.UUID]uint64 // per-order event sequence
	outbox  []venue.Event        // emitted, not yet delivered; guarded by mu
	sink    venue.EventSink
	clock   util.Clock
	log     *zap.SugaredLogger
	onTrade TradeFunc

	// deliverMu keeps one drainer at a time so events reach the sink in
	// the order they were emitted. Never taken while holding mu.
	deliverMu sync.Mutex
}

// New creates a simulated venue. Events go to sink, which may be set later
// with SetSink (the coordinator and venue reference each other).
func New(markets Markets, clock util.Clock, log *zap.SugaredLogger) *Venue {
	return &Venue{
		markets: markets,
		books:   make(map[string]*book),
		seq:     make(map[uuid.UUID]uint64),
		clock:   clock,
		log:     log,
	}
}

// SetSink sets the event receiver
func (v *Venue) SetSink(sink venue.EventSink) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sink = sink
}

// OnTrade registers a trade observer
func (v *Venue) OnTrade(fn TradeFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onTrade = fn
}

func (v *Venue) bookFor(symbol string) *book {
	b, ok := v.books[symbol]
	if !ok {
		b = newBook()
		v.books[symbol] = b
	}
	return b
}

// toUnits converts price/size to ticks/lots, rejecting misaligned values
func toUnits(m *market.Market, price, size decimal.Decimal) (int64, int64, error) {
	tick := price.Div(m.TickSize)
	lots := size.Div(m.LotSize)
	if !tick.IsInteger() || !lots.IsInteger() {
		return 0, 0, fmt.Errorf("price %s / size %s not aligned to %s", price, size, m.Symbol)
	}
	return tick.IntPart(), lots.IntPart(), nil
}

// Seed rests house liquidity that produces no events
func (v *Venue) Seed(symbol string, side core.Side, price, size decimal.Decimal) (uuid.UUID, error) {
	m, err := v.markets.Market(symbol)
	if err != nil {
		return uuid.Nil, err
	}
	tick, lots, err := toUnits(m, price, size)
	if err != nil {
		return uuid.Nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	o := &resting{ID: uuid.New(), Side: side, Tick: tick, Lots: lots, House: true}
	v.bookFor(symbol).rest(o)
	return o.ID, nil
}

// nextEvent stamps an event with the order's next sequence number
func (v *Venue) nextEvent(kind venue.EventKind, id uuid.UUID, symbol string) venue.Event {
	v.seq[id]++
	return venue.Event{Kind: kind, OrderID: id, Market: symbol, Seq: v.seq[id], Time: v.clock.Now()}
}

// Submit matches the order and acks it. Generated events are delivered to
// the sink in emission order, after the book lock is released and before
// Submit returns.
func (v *Venue) Submit(ctx context.Context, s venue.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := v.markets.Market(s.Market)
	if err != nil {
		return err
	}
	tick, lots, err := toUnits(m, s.Price, s.Size)
	if err != nil {
		return err
	}

	v.mu.Lock()
	b := v.bookFor(s.Market)
	taker := &resting{ID: s.OrderID, Side: s.Side, Tick: tick, Lots: lots}

	if s.Type == core.PostOnly && b.marketable(s.Side, tick) {
		v.mu.Unlock()
		return ErrWouldCross
	}

	var events []venue.Event
	if s.Type == core.FOK && b.fillable(s.Side, tick, lots, s.Limit) < lots {
		ev := v.nextEvent(venue.EventCanceled, s.OrderID, s.Market)
		ev.Reason = "fok: insufficient liquidity"
		events = append(events, ev)
		delete(v.seq, s.OrderID)
	} else {
		events = v.execute(m, b, taker, s)
	}
	v.outbox = append(v.outbox, events...)
	onTrade := v.onTrade
	last := b.lastTick
	v.mu.Unlock()

	if onTrade != nil && last > 0 && len(events) > 0 {
		onTrade(s.Market, decimal.NewFromInt(last).Mul(m.TickSize))
	}
	v.drain(ctx)
	return nil
}

// execute matches taker and rests or cancels the remainder. Caller holds mu.
func (v *Venue) execute(m *market.Market, b *book, taker *resting, s venue.Submission) []venue.Event {
	var events []venue.Event
	for _, mt := range b.match(taker, s.Limit) {
		price := decimal.NewFromInt(mt.Tick).Mul(m.TickSize)
		size := decimal.NewFromInt(mt.Lots).Mul(m.LotSize)

		ev := v.nextEvent(venue.EventFill, taker.ID, s.Market)
		ev.Size, ev.Price = size, price
		events = append(events, ev)

		if !mt.Maker.House {
			mev := v.nextEvent(venue.EventFill, mt.Maker.ID, s.Market)
			mev.Size, mev.Price = size, price
			events = append(events, mev)
			if mt.Maker.Lots == 0 {
				delete(v.seq, mt.Maker.ID)
			}
		}
	}

	switch {
	case taker.Lots == 0:
		delete(v.seq, taker.ID)
	case s.Type.ImmediateOrCancel():
		ev := v.nextEvent(venue.EventCanceled, taker.ID, s.Market)
		ev.Reason = "ioc remainder"
		events = append(events, ev)
		delete(v.seq, taker.ID)
	default:
		b.rest(taker)
	}
	return events
}

// drain delivers the outbox until it is empty. A submitter that finds
// another drainer running waits for it; its own events are delivered by
// whichever drainer gets to them first. The sink must not call Submit.
func (v *Venue) drain(ctx context.Context) {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	// events already emitted must be applied even if the submitter gave up
	ctx = context.WithoutCancel(ctx)
	for {
		v.mu.Lock()
		events, sink := v.outbox, v.sink
		v.outbox = nil
		v.mu.Unlock()
		if len(events) == 0 {
			return
		}
		if sink == nil {
			continue
		}
		for _, ev := range events {
			if err := sink.HandleEvent(ctx, ev); err != nil {
				v.log.Warnw("venue_event_rejected",
					"order_id", ev.OrderID, "kind", ev.Kind, "seq", ev.Seq, "err", err)
			}
		}
	}
}

// Cancel removes a resting order. The caller records the cancellation
// itself, so no event is emitted.
func (v *Venue) Cancel(ctx context.Context, symbol string, orderID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[symbol]
	if !ok {
		return venue.ErrUnknownOrder
	}
	if _, ok := b.cancel(orderID); !ok {
		return venue.ErrUnknownOrder
	}
	delete(v.seq, orderID)
	return nil
}

// Depth returns aggregated bid and ask levels, best first
func (v *Venue) Depth(symbol string) (bids, asks []Level) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[symbol]
	if !ok {
		return nil, nil
	}
	return b.bids.depth(true), b.asks.depth(false)
}

package sim

import (
	"container/heap"
	"sort"

	"github.com/google/uuid"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
)

// resting is an order on the book, in integer ticks and lots
type resting struct {
	ID    uuid.UUID
	Side  core.Side
	Tick  int64
	Lots  int64
	House bool // seeded liquidity, no events
}

// match is one taker/maker cross
type match struct {
	Maker *resting
	Tick  int64
	Lots  int64
}

// Level is aggregated size at a price
type Level struct {
	Tick int64
	Lots int64
}

type tickHeap interface {
	heap.Interface
	peek() (int64, bool)
}

// ladder is one side of the book: a heap of ticks for O(1) best price and a
// FIFO queue per tick
type ladder struct {
	ticks  tickHeap
	levels map[int64][]*resting
}

func newLadder(h tickHeap) *ladder {
	heap.Init(h)
	return &ladder{ticks: h, levels: make(map[int64][]*resting)}
}

func (l *ladder) best() (int64, bool) { return l.ticks.peek() }

func (l *ladder) add(o *resting) {
	if len(l.levels[o.Tick]) == 0 {
		heap.Push(l.ticks, o.Tick)
	}
	l.levels[o.Tick] = append(l.levels[o.Tick], o)
}

// dropLevel removes an empty tick from the heap (O(N), rare)
func (l *ladder) dropLevel(tick int64) {
	delete(l.levels, tick)
	h := l.ticks
	for i := 0; i < h.Len(); i++ {
		var v int64
		switch t := h.(type) {
		case *maxTickHeap:
			v = (*t)[i]
		case *minTickHeap:
			v = (*t)[i]
		}
		if v == tick {
			heap.Remove(h, i)
			return
		}
	}
}

func (l *ladder) remove(id uuid.UUID, tick int64) (*resting, bool) {
	arr := l.levels[tick]
	for i, o := range arr {
		if o.ID == id {
			l.levels[tick] = append(arr[:i], arr[i+1:]...)
			if len(l.levels[tick]) == 0 {
				l.dropLevel(tick)
			}
			return o, true
		}
	}
	return nil, false
}

func (l *ladder) depth(desc bool) []Level {
	out := make([]Level, 0, len(l.levels))
	for tick, orders := range l.levels {
		var total int64
		for _, o := range orders {
			total += o.Lots
		}
		if total > 0 {
			out = append(out, Level{Tick: tick, Lots: total})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Tick > out[j].Tick
		}
		return out[i].Tick < out[j].Tick
	})
	return out
}

// book is a price-time priority book for one market
type book struct {
	bids     *ladder
	asks     *ladder
	index    map[uuid.UUID]*resting
	lastTick int64
}

func newBook() *book {
	return &book{
		bids:  newLadder(&maxTickHeap{}),
		asks:  newLadder(&minTickHeap{}),
		index: make(map[uuid.UUID]*resting),
	}
}

// opposite returns the ladder a taker on side matches against
func (b *book) opposite(side core.Side) *ladder {
	if side == core.Buy {
		return b.asks
	}
	return b.bids
}

func (b *book) own(side core.Side) *ladder {
	if side == core.Buy {
		return b.bids
	}
	return b.asks
}

// crosses reports whether a taker at tick trades against bestTick
func crosses(side core.Side, tick, bestTick int64) bool {
	if side == core.Buy {
		return bestTick <= tick
	}
	return bestTick >= tick
}

// marketable reports whether an order at tick would trade immediately
func (b *book) marketable(side core.Side, tick int64) bool {
	best, ok := b.opposite(side).best()
	return ok && crosses(side, tick, best)
}

// fillable returns how many lots are available at tick or better, capped at
// want and at limit levels' worth of makers
func (b *book) fillable(side core.Side, tick, want int64, limit int) int64 {
	var ticks []int64
	opp := b.opposite(side)
	for t := range opp.levels {
		if crosses(side, tick, t) {
			ticks = append(ticks, t)
		}
	}
	sort.Slice(ticks, func(i, j int) bool {
		if side == core.Buy {
			return ticks[i] < ticks[j]
		}
		return ticks[i] > ticks[j]
	})

	var got int64
	makers := 0
	for _, t := range ticks {
		for _, o := range opp.levels[t] {
			if got >= want || (limit > 0 && makers >= limit) {
				return got
			}
			got += o.Lots
			makers++
		}
	}
	if got > want {
		got = want
	}
	return got
}

// match crosses taker against the book, at most limit makers. Partially
// filled makers keep their queue position.
func (b *book) match(taker *resting, limit int) []match {
	var out []match
	opp := b.opposite(taker.Side)
	for taker.Lots > 0 && (limit <= 0 || len(out) < limit) {
		best, ok := opp.best()
		if !ok || !crosses(taker.Side, taker.Tick, best) {
			break
		}
		level := opp.levels[best]
		if len(level) == 0 {
			opp.dropLevel(best)
			continue
		}
		maker := level[0]
		qty := taker.Lots
		if maker.Lots < qty {
			qty = maker.Lots
		}
		taker.Lots -= qty
		maker.Lots -= qty
		out = append(out, match{Maker: maker, Tick: best, Lots: qty})
		b.lastTick = best

		if maker.Lots == 0 {
			opp.levels[best] = level[1:]
			delete(b.index, maker.ID)
			if len(opp.levels[best]) == 0 {
				opp.dropLevel(best)
			}
		}
	}
	return out
}

func (b *book) rest(o *resting) {
	b.own(o.Side).add(o)
	b.index[o.ID] = o
}

func (b *book) cancel(id uuid.UUID) (*resting, bool) {
	o, ok := b.index[id]
	if !ok {
		return nil, false
	}
	delete(b.index, id)
	return b.own(o.Side).remove(id, o.Tick)
}

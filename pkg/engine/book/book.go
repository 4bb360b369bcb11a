// Package book implements the per-token limit order book: two price
// ladders (bids descending, asks ascending), FIFO queues per level, and an
// order index for O(1) cancellation. The book is a pure data structure:
// it never touches balances or positions and is always driven from its
// token's single matching actor, so it needs no lock.
package book

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
)

// Fill is one maker/taker match, executed at the maker's limit price.
type Fill struct {
	Maker *core.Order
	Taker *core.Order
	Price fixed.Amount
	Size  fixed.Amount
}

// Level is one aggregated depth level.
type Level struct {
	Price      fixed.Amount `json:"price"`
	TotalSize  fixed.Amount `json:"totalSize"`
	OrderCount int          `json:"orderCount"`
}

// Depth is a top-N snapshot of both sides.
type Depth struct {
	Bids           []Level      `json:"bids"`
	Asks           []Level      `json:"asks"`
	BestBid        fixed.Amount `json:"bestBid"`
	BestAsk        fixed.Amount `json:"bestAsk"`
	LastTradePrice fixed.Amount `json:"lastTradePrice"`
	Timestamp      int64        `json:"timestamp"` // unix ms
}

type restingOrder struct {
	order      *core.Order
	level      *priceLevel
	prev, next *restingOrder
}

type priceLevel struct {
	price     fixed.Amount
	head      *restingOrder // oldest (next to fill)
	tail      *restingOrder
	totalSize fixed.Amount
	count     int
}

func levelLess(a, b *priceLevel) bool { return a.price.Lt(b.price) }

// Book is one token's order book.
type Book struct {
	token common.Address

	bids *btree.BTreeG[*priceLevel] // iterate descending for best bid
	asks *btree.BTreeG[*priceLevel] // iterate ascending for best ask

	orderIndex map[string]*restingOrder

	lastTradePrice fixed.Amount
	tradeSeq       uint64
	arrivalSeq     uint64
}

func New(token common.Address) *Book {
	return &Book{
		token:      token,
		bids:       btree.NewG(8, levelLess),
		asks:       btree.NewG(8, levelLess),
		orderIndex: make(map[string]*restingOrder),
	}
}

func (b *Book) Token() common.Address { return b.token }

// NextTradeID hands out the strictly increasing per-token trade sequence.
func (b *Book) NextTradeID() uint64 {
	b.tradeSeq++
	return b.tradeSeq
}

// LastTradePrice returns the price of the most recent fill, zero if none.
func (b *Book) LastTradePrice() fixed.Amount { return b.lastTradePrice }

func (b *Book) ladder(side core.Side) *btree.BTreeG[*priceLevel] {
	if side == core.Long {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (fixed.Amount, bool) {
	level, ok := b.bids.Max()
	if !ok {
		return fixed.Zero(), false
	}
	return level.price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (fixed.Amount, bool) {
	level, ok := b.asks.Min()
	if !ok {
		return fixed.Zero(), false
	}
	return level.price, true
}

// bestOpposite returns the level the taker would match against next.
func (b *Book) bestOpposite(takerSide core.Side) (*priceLevel, bool) {
	if takerSide == core.Long {
		return b.asks.Min()
	}
	return b.bids.Max()
}

// crosses reports whether a maker level price is acceptable to the taker.
// Market takers accept any price; limit takers stop once the ladder walks
// past their limit.
func crosses(taker *core.Order, levelPrice fixed.Amount) bool {
	if taker.Type.IsMarket() {
		return true
	}
	if taker.Side == core.Long {
		return levelPrice.Lte(taker.LimitPrice)
	}
	return levelPrice.Gte(taker.LimitPrice)
}

// Match walks the opposite ladder consuming liquidity for the taker.
// Expired makers encountered on the walk are evicted, skipped, and
// returned so the caller can release their collateral. The taker is
// mutated in place (SizeRemaining); residuals are NOT rested here, the
// caller decides between Rest and cancel.
func (b *Book) Match(taker *core.Order, nowSec int64) (fills []Fill, expired []*core.Order) {
	// Collect the crossing levels first, then mutate. Mirrors Quote's
	// traversal: a level the taker cannot consume (only its own orders
	// resting there) does not end the walk, deeper levels still fill.
	var levels []*priceLevel
	collect := func(level *priceLevel) bool {
		if !crosses(taker, level.price) {
			return false
		}
		levels = append(levels, level)
		return true
	}
	if taker.Side == core.Long {
		b.asks.Ascend(collect)
	} else {
		b.bids.Descend(collect)
	}

	opposite := b.ladder(oppositeOf(taker.Side))
	for _, level := range levels {
		for ro := level.head; ro != nil && !taker.SizeRemaining.IsZero(); {
			next := ro.next
			maker := ro.order

			if maker.ExpiredAt(nowSec) {
				b.unlink(ro)
				expired = append(expired, maker)
				ro = next
				continue
			}
			// Self-match protection: skip own resting orders.
			if maker.Trader == taker.Trader {
				ro = next
				continue
			}

			size := taker.SizeRemaining.Min(maker.SizeRemaining)
			taker.SizeRemaining = taker.SizeRemaining.SatSub(size)
			maker.SizeRemaining = maker.SizeRemaining.SatSub(size)
			level.totalSize = level.totalSize.SatSub(size)
			b.lastTradePrice = level.price

			fills = append(fills, Fill{
				Maker: maker,
				Taker: taker,
				Price: level.price,
				Size:  size,
			})

			if maker.SizeRemaining.IsZero() {
				b.unlink(ro)
			}
			ro = next
		}

		if level.count == 0 {
			opposite.Delete(level)
		}
		if taker.SizeRemaining.IsZero() {
			break
		}
	}
	return fills, expired
}

func oppositeOf(takerSide core.Side) core.Side { return takerSide.Opposite() }

// Quote simulates the taker's walk without mutating the book: same level
// order, same expiry and self-match skips as Match, but nothing is evicted
// or consumed. The caller uses it to lock the exact collateral before the
// real match runs; because the owning actor serializes commands, the
// subsequent Match sees the identical book.
func (b *Book) Quote(taker *core.Order, nowSec int64) []Fill {
	var fills []Fill
	remaining := taker.SizeRemaining

	walk := func(level *priceLevel) bool {
		if remaining.IsZero() || !crosses(taker, level.price) {
			return false
		}
		for ro := level.head; ro != nil && !remaining.IsZero(); ro = ro.next {
			maker := ro.order
			if maker.ExpiredAt(nowSec) || maker.Trader == taker.Trader {
				continue
			}
			size := remaining.Min(maker.SizeRemaining)
			remaining = remaining.SatSub(size)
			fills = append(fills, Fill{Maker: maker, Taker: taker, Price: level.price, Size: size})
		}
		return true
	}
	if taker.Side == core.Long {
		b.asks.Ascend(walk)
	} else {
		b.bids.Descend(walk)
	}
	return fills
}

// Rest adds a residual limit order to its own side at its limit price and
// assigns the arrival sequence used for time priority.
func (b *Book) Rest(o *core.Order) {
	b.arrivalSeq++
	o.Seq = b.arrivalSeq

	ladder := b.ladder(o.Side)
	key := &priceLevel{price: o.LimitPrice}
	level, ok := ladder.Get(key)
	if !ok {
		level = &priceLevel{price: o.LimitPrice}
		ladder.ReplaceOrInsert(level)
	}

	ro := &restingOrder{order: o, level: level}
	if level.tail == nil {
		level.head = ro
		level.tail = ro
	} else {
		ro.prev = level.tail
		level.tail.next = ro
		level.tail = ro
	}
	level.count++
	if total, err := level.totalSize.Add(o.SizeRemaining); err == nil {
		level.totalSize = total
	}
	b.orderIndex[o.ID] = ro
}

// unlink removes a resting order from its level and the index. Empty
// levels are deleted by the caller (Match) or immediately (Cancel/prune).
func (b *Book) unlink(ro *restingOrder) {
	level := ro.level
	if ro.prev != nil {
		ro.prev.next = ro.next
	} else {
		level.head = ro.next
	}
	if ro.next != nil {
		ro.next.prev = ro.prev
	} else {
		level.tail = ro.prev
	}
	ro.prev, ro.next = nil, nil
	level.count--
	level.totalSize = level.totalSize.SatSub(ro.order.SizeRemaining)
	delete(b.orderIndex, ro.order.ID)
}

// removeIfEmpty drops the level from its ladder once drained.
func (b *Book) removeIfEmpty(level *priceLevel, side core.Side) {
	if level.count == 0 {
		b.ladder(side).Delete(level)
	}
}

// Cancel removes a resting order by id. Unknown or already-terminal ids
// yield OrderNotFound.
func (b *Book) Cancel(orderID string) (*core.Order, error) {
	ro, ok := b.orderIndex[orderID]
	if !ok {
		return nil, core.Errf(core.ErrOrderNotFound, "%s", orderID)
	}
	b.unlink(ro)
	b.removeIfEmpty(ro.level, ro.order.Side)
	return ro.order, nil
}

// Get returns the resting order by id, if present.
func (b *Book) Get(orderID string) (*core.Order, bool) {
	ro, ok := b.orderIndex[orderID]
	if !ok {
		return nil, false
	}
	return ro.order, true
}

// PruneExpired sweeps both ladders evicting orders whose deadline passed.
// Driven by the per-token timer.
func (b *Book) PruneExpired(nowSec int64) []*core.Order {
	var expired []*core.Order
	for _, side := range []core.Side{core.Long, core.Short} {
		ladder := b.ladder(side)
		var drained []*priceLevel
		ladder.Ascend(func(level *priceLevel) bool {
			for ro := level.head; ro != nil; {
				next := ro.next
				if ro.order.ExpiredAt(nowSec) {
					b.unlink(ro)
					expired = append(expired, ro.order)
				}
				ro = next
			}
			if level.count == 0 {
				drained = append(drained, level)
			}
			return true
		})
		for _, level := range drained {
			ladder.Delete(level)
		}
	}
	return expired
}

// RestingOrders returns every order currently in the book. Used for the
// graceful drain and the quarantine path.
func (b *Book) RestingOrders() []*core.Order {
	out := make([]*core.Order, 0, len(b.orderIndex))
	for _, ro := range b.orderIndex {
		out = append(out, ro.order)
	}
	return out
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orderIndex) }

// Depth returns the top maxLevels aggregated levels per side.
func (b *Book) Depth(maxLevels int, now time.Time) Depth {
	d := Depth{
		LastTradePrice: b.lastTradePrice,
		Timestamp:      now.UnixMilli(),
	}
	if best, ok := b.BestBid(); ok {
		d.BestBid = best
	}
	if best, ok := b.BestAsk(); ok {
		d.BestAsk = best
	}
	b.bids.Descend(func(level *priceLevel) bool {
		d.Bids = append(d.Bids, Level{Price: level.price, TotalSize: level.totalSize, OrderCount: level.count})
		return len(d.Bids) < maxLevels
	})
	b.asks.Ascend(func(level *priceLevel) bool {
		d.Asks = append(d.Asks, Level{Price: level.price, TotalSize: level.totalSize, OrderCount: level.count})
		return len(d.Asks) < maxLevels
	})
	return d
}

// Uncrossed reports bestBid < bestAsk (or an empty side). Checked by tests
// after every command.
func (b *Book) Uncrossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return true
	}
	return bid.Lt(ask)
}

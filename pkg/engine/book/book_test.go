package book

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
)

var (
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	farFuture = int64(4102444800) // 2100-01-01
)

var orderCounter int

func limitOrder(trader byte, side core.Side, price, size string) *core.Order {
	orderCounter++
	var addr common.Address
	addr[19] = trader
	return &core.Order{
		ID:            fmt.Sprintf("ord-%d", orderCounter),
		Trader:        addr,
		Token:         testToken,
		Side:          side,
		Type:          core.LimitOrder,
		SizeOriginal:  fixed.MustDecimal(size),
		SizeRemaining: fixed.MustDecimal(size),
		LimitPrice:    fixed.MustDecimal(price),
		Deadline:      farFuture,
	}
}

func marketOrder(trader byte, side core.Side, size string) *core.Order {
	o := limitOrder(trader, side, "0", size)
	o.Type = core.MarketOrder
	o.LimitPrice = fixed.Zero()
	return o
}

func TestSimpleCrossAtMakerPrice(t *testing.T) {
	b := New(testToken)
	maker := limitOrder(1, core.Long, "2000000000000000000", "1000000000000000000")
	b.Rest(maker)

	taker := limitOrder(2, core.Short, "1900000000000000000", "1000000000000000000")
	fills, expired := b.Match(taker, 0)
	if len(expired) != 0 {
		t.Fatalf("unexpected expiries: %d", len(expired))
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	// Execution at the maker's limit price: price improvement to the taker.
	if !fills[0].Price.Eq(fixed.MustDecimal("2000000000000000000")) {
		t.Errorf("fill price = %s, want maker price", fills[0].Price.Dec())
	}
	if !taker.SizeRemaining.IsZero() || !maker.SizeRemaining.IsZero() {
		t.Error("both orders should be fully consumed")
	}
	if b.Len() != 0 {
		t.Errorf("book should be empty, has %d", b.Len())
	}
}

func TestPartialFillResidualRests(t *testing.T) {
	b := New(testToken)
	alice := limitOrder(1, core.Long, "2000000000000000000", "3000000000000000000")
	fills, _ := b.Match(alice, 0)
	if len(fills) != 0 {
		t.Fatalf("empty book produced fills")
	}
	b.Rest(alice)

	bob := limitOrder(2, core.Short, "2000000000000000000", "1000000000000000000")
	fills, _ = b.Match(bob, 0)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if !fills[0].Size.Eq(fixed.MustDecimal("1000000000000000000")) {
		t.Errorf("fill size = %s", fills[0].Size.Dec())
	}
	if !bob.SizeRemaining.IsZero() {
		t.Error("taker should be fully filled")
	}
	if !alice.SizeRemaining.Eq(fixed.MustDecimal("2000000000000000000")) {
		t.Errorf("maker remaining = %s, want 2e18", alice.SizeRemaining.Dec())
	}
	if b.Len() != 1 {
		t.Errorf("maker should still rest, book len = %d", b.Len())
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := New(testToken)
	m1 := limitOrder(1, core.Short, "2000000000000000000", "1000000000000000000")
	m2 := limitOrder(2, core.Short, "2000000000000000000", "1000000000000000000")
	b.Rest(m1)
	b.Rest(m2)
	if m1.Seq >= m2.Seq {
		t.Fatalf("arrival seqs not increasing: %d, %d", m1.Seq, m2.Seq)
	}

	// Taker consumes 1.5: m1 must be fully consumed before m2 gets any.
	taker := limitOrder(3, core.Long, "2000000000000000000", "1500000000000000000")
	fills, _ := b.Match(taker, 0)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].Maker.ID != m1.ID {
		t.Errorf("first fill maker = %s, want first arrival", fills[0].Maker.ID)
	}
	if !fills[0].Size.Eq(fixed.MustDecimal("1000000000000000000")) {
		t.Errorf("first maker not fully consumed: %s", fills[0].Size.Dec())
	}
	if fills[1].Maker.ID != m2.ID {
		t.Errorf("second fill maker = %s", fills[1].Maker.ID)
	}
}

func TestBetterPricedLevelFillsFirst(t *testing.T) {
	b := New(testToken)
	cheap := limitOrder(1, core.Short, "1900000000000000000", "1000000000000000000")
	dear := limitOrder(2, core.Short, "2000000000000000000", "1000000000000000000")
	b.Rest(dear)
	b.Rest(cheap)

	taker := marketOrder(3, core.Long, "2000000000000000000")
	fills, _ := b.Match(taker, 0)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if !fills[0].Price.Eq(fixed.MustDecimal("1900000000000000000")) {
		t.Errorf("first fill at %s, want best ask first", fills[0].Price.Dec())
	}
	if !fills[1].Price.Eq(fixed.MustDecimal("2000000000000000000")) {
		t.Errorf("second fill at %s", fills[1].Price.Dec())
	}
}

func TestLimitTakerStopsAtLimit(t *testing.T) {
	b := New(testToken)
	b.Rest(limitOrder(1, core.Short, "1900000000000000000", "1000000000000000000"))
	b.Rest(limitOrder(2, core.Short, "2100000000000000000", "1000000000000000000"))

	taker := limitOrder(3, core.Long, "2000000000000000000", "2000000000000000000")
	fills, _ := b.Match(taker, 0)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1 (second level beyond limit)", len(fills))
	}
	if !taker.SizeRemaining.Eq(fixed.MustDecimal("1000000000000000000")) {
		t.Errorf("taker remaining = %s, want 1e18", taker.SizeRemaining.Dec())
	}
	// Residual rests without crossing the book.
	b.Rest(taker)
	if !b.Uncrossed() {
		t.Error("book crossed after resting residual")
	}
}

func TestMarketWithEmptyOppositeSide(t *testing.T) {
	b := New(testToken)
	taker := marketOrder(1, core.Long, "1000000000000000000")
	fills, _ := b.Match(taker, 0)
	if len(fills) != 0 {
		t.Errorf("fills = %d, want 0", len(fills))
	}
	if !taker.SizeRemaining.Eq(taker.SizeOriginal) {
		t.Error("taker should be untouched")
	}
}

func TestCancel(t *testing.T) {
	b := New(testToken)
	o := limitOrder(1, core.Long, "2000000000000000000", "1000000000000000000")
	b.Rest(o)

	cancelled, err := b.Cancel(o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.ID != o.ID {
		t.Errorf("cancelled wrong order: %s", cancelled.ID)
	}
	if b.Len() != 0 {
		t.Errorf("book len = %d after cancel", b.Len())
	}
	if _, err := b.Cancel(o.ID); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("double cancel = %v, want OrderNotFound", err)
	}
	if _, err := b.Cancel("missing"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("cancel unknown = %v, want OrderNotFound", err)
	}
}

func TestExpiredMakerEvictedOnTouch(t *testing.T) {
	b := New(testToken)
	stale := limitOrder(1, core.Short, "1900000000000000000", "1000000000000000000")
	stale.Deadline = 100
	fresh := limitOrder(2, core.Short, "2000000000000000000", "1000000000000000000")
	b.Rest(stale)
	b.Rest(fresh)

	taker := marketOrder(3, core.Long, "1000000000000000000")
	fills, expired := b.Match(taker, 200)
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expired = %v, want the stale maker", expired)
	}
	if len(fills) != 1 || fills[0].Maker.ID != fresh.ID {
		t.Fatalf("taker should continue to the next level, fills = %v", fills)
	}
	if b.Len() != 0 {
		t.Errorf("book len = %d, want 0", b.Len())
	}
}

func TestPruneExpired(t *testing.T) {
	b := New(testToken)
	stale1 := limitOrder(1, core.Long, "1800000000000000000", "1000000000000000000")
	stale1.Deadline = 50
	stale2 := limitOrder(2, core.Short, "2200000000000000000", "1000000000000000000")
	stale2.Deadline = 80
	keep := limitOrder(3, core.Long, "1900000000000000000", "1000000000000000000")
	b.Rest(stale1)
	b.Rest(stale2)
	b.Rest(keep)

	expired := b.PruneExpired(100)
	if len(expired) != 2 {
		t.Fatalf("expired = %d, want 2", len(expired))
	}
	if b.Len() != 1 {
		t.Errorf("book len = %d, want 1", b.Len())
	}
	if _, ok := b.Get(keep.ID); !ok {
		t.Error("unexpired order was pruned")
	}
}

func TestDepth(t *testing.T) {
	b := New(testToken)
	b.Rest(limitOrder(1, core.Long, "1900000000000000000", "1000000000000000000"))
	b.Rest(limitOrder(2, core.Long, "1900000000000000000", "2000000000000000000"))
	b.Rest(limitOrder(3, core.Long, "1800000000000000000", "1000000000000000000"))
	b.Rest(limitOrder(4, core.Short, "2100000000000000000", "1000000000000000000"))

	d := b.Depth(1, time.Unix(1000, 0))
	if len(d.Bids) != 1 || len(d.Asks) != 1 {
		t.Fatalf("depth levels = %d/%d, want 1/1", len(d.Bids), len(d.Asks))
	}
	if !d.Bids[0].Price.Eq(fixed.MustDecimal("1900000000000000000")) {
		t.Errorf("best bid level = %s", d.Bids[0].Price.Dec())
	}
	if !d.Bids[0].TotalSize.Eq(fixed.MustDecimal("3000000000000000000")) {
		t.Errorf("bid level size = %s, want aggregate 3e18", d.Bids[0].TotalSize.Dec())
	}
	if d.Bids[0].OrderCount != 2 {
		t.Errorf("bid level count = %d, want 2", d.Bids[0].OrderCount)
	}
	if !d.BestBid.Eq(fixed.MustDecimal("1900000000000000000")) || !d.BestAsk.Eq(fixed.MustDecimal("2100000000000000000")) {
		t.Errorf("best bid/ask = %s/%s", d.BestBid.Dec(), d.BestAsk.Dec())
	}
}

func TestSelfMatchSkipped(t *testing.T) {
	b := New(testToken)
	own := limitOrder(1, core.Short, "2000000000000000000", "1000000000000000000")
	other := limitOrder(2, core.Short, "2000000000000000000", "1000000000000000000")
	b.Rest(own)
	b.Rest(other)

	taker := limitOrder(1, core.Long, "2000000000000000000", "1000000000000000000")
	fills, _ := b.Match(taker, 0)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].Maker.ID != other.ID {
		t.Errorf("matched own order %s", fills[0].Maker.ID)
	}
	if _, ok := b.Get(own.ID); !ok {
		t.Error("own resting order should remain in the book")
	}
}

func TestSelfOwnedLevelDoesNotBlockDeeperLiquidity(t *testing.T) {
	b := New(testToken)
	own := limitOrder(1, core.Short, "2000000000000000000", "1000000000000000000")
	other := limitOrder(2, core.Short, "2100000000000000000", "1000000000000000000")
	b.Rest(own)
	b.Rest(other)

	taker := marketOrder(1, core.Long, "1000000000000000000")
	quoted := b.Quote(taker, 0)
	fills, _ := b.Match(taker, 0)
	if len(fills) != len(quoted) {
		t.Fatalf("match fills = %d, quote fills = %d, want identical walks", len(fills), len(quoted))
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1 past the self-owned level", len(fills))
	}
	if fills[0].Maker.ID != other.ID || !fills[0].Price.Eq(fixed.MustDecimal("2100000000000000000")) {
		t.Errorf("fill = maker %s at %s, want the deeper maker", fills[0].Maker.ID, fills[0].Price.Dec())
	}
	if !taker.SizeRemaining.IsZero() {
		t.Errorf("taker remaining = %s, want 0", taker.SizeRemaining.Dec())
	}
	if _, ok := b.Get(own.ID); !ok {
		t.Error("own resting order should remain in the book")
	}
}

func TestCrossingLimitTakerWalksPastOwnLevel(t *testing.T) {
	b := New(testToken)
	own := limitOrder(1, core.Short, "2000000000000000000", "1000000000000000000")
	other := limitOrder(2, core.Short, "2100000000000000000", "1000000000000000000")
	b.Rest(own)
	b.Rest(other)

	taker := limitOrder(1, core.Long, "2100000000000000000", "2000000000000000000")
	fills, _ := b.Match(taker, 0)
	if len(fills) != 1 || fills[0].Maker.ID != other.ID {
		t.Fatalf("fills = %v, want one fill against the deeper maker", fills)
	}
	if !taker.SizeRemaining.Eq(fixed.MustDecimal("1000000000000000000")) {
		t.Errorf("taker remaining = %s, want 1e18", taker.SizeRemaining.Dec())
	}
	// The residual rests on the bid side at 2.1; the only lower ask left
	// is the taker's own, which it can never match. The book may sit
	// locked against it but the walk must have consumed everything else.
	if _, ok := b.Get(other.ID); ok {
		t.Error("deeper maker should be fully consumed")
	}
	if _, ok := b.Get(own.ID); !ok {
		t.Error("own resting order should remain in the book")
	}
}

func TestTradeIDsStrictlyIncreasing(t *testing.T) {
	b := New(testToken)
	prev := uint64(0)
	for i := 0; i < 5; i++ {
		id := b.NextTradeID()
		if id <= prev {
			t.Fatalf("trade id %d not increasing after %d", id, prev)
		}
		prev = id
	}
}

func TestUncrossedAfterOperations(t *testing.T) {
	b := New(testToken)
	b.Rest(limitOrder(1, core.Long, "1900000000000000000", "1000000000000000000"))
	b.Rest(limitOrder(2, core.Short, "2100000000000000000", "1000000000000000000"))
	if !b.Uncrossed() {
		t.Fatal("book crossed at rest")
	}

	// A level that exactly fills top-of-book removes the level cleanly.
	taker := limitOrder(3, core.Short, "1900000000000000000", "1000000000000000000")
	fills, _ := b.Match(taker, 0)
	if len(fills) != 1 {
		t.Fatalf("fills = %d", len(fills))
	}
	if _, ok := b.BestBid(); ok {
		t.Error("bid level should be removed after exact fill")
	}
	if !b.Uncrossed() {
		t.Error("book crossed after exact fill")
	}
}

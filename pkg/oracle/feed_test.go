package oracle

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/token"
)

var feedToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newActiveRegistry(t *testing.T) *token.Registry {
	t.Helper()
	reg := token.NewRegistry(zap.NewNop())
	if err := reg.Register(feedToken, token.DefaultParams()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(feedToken, nil); err != nil {
		t.Fatal(err)
	}
	return reg
}

func update(price string, tsMs int64) bridge.MarkPriceUpdate {
	return bridge.MarkPriceUpdate{
		Token:     feedToken,
		Price:     fixed.MustDecimal(price),
		Timestamp: tsMs,
	}
}

func TestApplyAcceptsAndNotifies(t *testing.T) {
	reg := newActiveRegistry(t)
	f := NewFeed(nil, reg, nil, zap.NewNop())

	var notified fixed.Amount
	f.OnUpdate(func(_ common.Address, price fixed.Amount) { notified = price })

	f.Apply(update("2000000000000000000", 1000))

	mark, ok := f.Mark(feedToken)
	if !ok {
		t.Fatal("expected a mark")
	}
	if !mark.Price.Eq(fixed.MustDecimal("2000000000000000000")) || mark.Stale {
		t.Errorf("mark = %+v", mark)
	}
	if !notified.Eq(mark.Price) {
		t.Errorf("callback price = %s", notified.Dec())
	}
	tok, _ := reg.Get(feedToken)
	if !tok.Stats.MarkPrice.Eq(mark.Price) {
		t.Errorf("registry mark = %s", tok.Stats.MarkPrice.Dec())
	}
}

func TestApplyDropsOutOfOrder(t *testing.T) {
	reg := newActiveRegistry(t)
	f := NewFeed(nil, reg, nil, zap.NewNop())

	f.Apply(update("2000000000000000000", 2000))
	f.Apply(update("2100000000000000000", 1000)) // older timestamp

	mark, _ := f.Mark(feedToken)
	if !mark.Price.Eq(fixed.MustDecimal("2000000000000000000")) {
		t.Errorf("mark = %s, out-of-order update applied", mark.Price.Dec())
	}
}

func TestStepFilterQuarantinesJumps(t *testing.T) {
	reg := newActiveRegistry(t)
	f := NewFeed(nil, reg, nil, zap.NewNop())

	f.Apply(update("2000000000000000000", 1000))
	// +15% jump, above the 10% default bound.
	f.Apply(update("2300000000000000000", 2000))

	mark, _ := f.Mark(feedToken)
	if !mark.Price.Eq(fixed.MustDecimal("2000000000000000000")) {
		t.Errorf("last good price lost: %s", mark.Price.Dec())
	}
	if f.Anomalies(feedToken) != 1 {
		t.Errorf("anomalies = %d, want 1", f.Anomalies(feedToken))
	}
	// A step at the bound passes.
	f.Apply(update("2200000000000000000", 3000))
	mark, _ = f.Mark(feedToken)
	if !mark.Price.Eq(fixed.MustDecimal("2200000000000000000")) {
		t.Errorf("10%% step rejected: %s", mark.Price.Dec())
	}
}

func TestStaleFallsBackToLastTrade(t *testing.T) {
	reg := newActiveRegistry(t)
	lastTrade := func(common.Address) (fixed.Amount, bool) {
		return fixed.MustDecimal("1900000000000000000"), true
	}
	f := NewFeed(nil, reg, lastTrade, zap.NewNop())

	base := time.Unix(1_700_000_000, 0)
	now := base
	f.SetNowFunc(func() time.Time { return now })

	f.Apply(update("2000000000000000000", base.UnixMilli()))

	// Within the 30s staleness bound: chain mark wins.
	now = base.Add(10 * time.Second)
	mark, ok := f.Mark(feedToken)
	if !ok || mark.Stale {
		t.Fatalf("mark = %+v", mark)
	}

	// Past the bound: trade fallback, flagged stale.
	now = base.Add(31 * time.Second)
	mark, ok = f.Mark(feedToken)
	if !ok {
		t.Fatal("expected fallback mark")
	}
	if !mark.Stale || !mark.Price.Eq(fixed.MustDecimal("1900000000000000000")) {
		t.Errorf("mark = %+v", mark)
	}
}

func TestStaleWithoutTradesServesFlaggedChainMark(t *testing.T) {
	reg := newActiveRegistry(t)
	f := NewFeed(nil, reg, nil, zap.NewNop())

	base := time.Unix(1_700_000_000, 0)
	now := base
	f.SetNowFunc(func() time.Time { return now })

	f.Apply(update("2000000000000000000", base.UnixMilli()))
	now = base.Add(time.Minute)

	mark, ok := f.Mark(feedToken)
	if !ok {
		t.Fatal("expected a mark")
	}
	if !mark.Stale || !mark.Price.Eq(fixed.MustDecimal("2000000000000000000")) {
		t.Errorf("mark = %+v", mark)
	}
}

func TestNoPriceAnywhere(t *testing.T) {
	reg := newActiveRegistry(t)
	f := NewFeed(nil, reg, nil, zap.NewNop())
	if _, ok := f.Mark(feedToken); ok {
		t.Error("expected no mark")
	}
	if _, ok := f.Mark(common.HexToAddress("0xbb")); ok {
		t.Error("expected no mark for unknown token")
	}
}

func TestZeroPriceRejected(t *testing.T) {
	reg := newActiveRegistry(t)
	f := NewFeed(nil, reg, nil, zap.NewNop())
	f.Apply(bridge.MarkPriceUpdate{Token: feedToken, Timestamp: 1000})
	if _, ok := f.Mark(feedToken); ok {
		t.Error("zero price accepted")
	}
}

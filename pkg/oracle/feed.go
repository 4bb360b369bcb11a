// Package oracle holds the per-token mark price fed from the chain
// gateway. Updates pass a monotonic-timestamp and maximum-step filter;
// rejected updates are counted and logged while the last good price is
// retained. When the chain feed goes stale the last trade price serves as
// a flagged fallback.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/token"
)

// Mark is the price the risk and funding engines act on.
type Mark struct {
	Price     fixed.Amount `json:"price"`
	Timestamp int64        `json:"timestamp"` // unix ms
	Stale     bool         `json:"stale"`     // true when served from the trade fallback
}

type markState struct {
	price     fixed.Amount
	timestamp int64 // unix ms
	anomalies uint64
}

// TradePriceSource supplies the fallback price, usually the matching
// engine's last trade per token.
type TradePriceSource func(tok common.Address) (fixed.Amount, bool)

// Feed consumes the gateway mark stream.
type Feed struct {
	mu        sync.RWMutex
	gw        bridge.ChainGateway
	registry  *token.Registry
	lastTrade TradePriceSource
	log       *zap.SugaredLogger
	now       func() time.Time

	marks     map[common.Address]*markState
	onUpdate  []func(tok common.Address, price fixed.Amount)
}

func NewFeed(gw bridge.ChainGateway, registry *token.Registry, lastTrade TradePriceSource, log *zap.Logger) *Feed {
	return &Feed{
		gw:        gw,
		registry:  registry,
		lastTrade: lastTrade,
		log:       log.Sugar().Named("oracle"),
		now:       time.Now,
		marks:     make(map[common.Address]*markState),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (f *Feed) SetNowFunc(now func() time.Time) { f.now = now }

// OnUpdate registers a callback invoked synchronously for every accepted
// mark. The risk engine hooks its reactive scan here. Not safe to call
// once Run has started.
func (f *Feed) OnUpdate(fn func(tok common.Address, price fixed.Amount)) {
	f.onUpdate = append(f.onUpdate, fn)
}

// Run consumes the gateway stream until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	updates, err := f.gw.SubscribeMarkPrices(ctx)
	if err != nil {
		return core.Errf(core.ErrChainGatewayUnavailable, "subscribe mark prices: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return core.Errf(core.ErrChainGatewayUnavailable, "mark price stream closed")
			}
			f.Apply(u)
		}
	}
}

// Apply runs one update through the filters and, if accepted, stores it,
// updates the registry stats and fires the update hooks.
func (f *Feed) Apply(u bridge.MarkPriceUpdate) {
	if u.Price.IsZero() {
		f.reject(u, "zero price")
		return
	}
	tok, err := f.registry.Get(u.Token)
	if err != nil {
		f.log.Warnw("mark_for_unknown_token", "token", u.Token.Hex())
		return
	}

	f.mu.Lock()
	cur, ok := f.marks[u.Token]
	if !ok {
		cur = &markState{}
		f.marks[u.Token] = cur
	}
	if cur.timestamp >= u.Timestamp && !cur.price.IsZero() {
		f.mu.Unlock()
		return // out of order, drop silently
	}
	if !cur.price.IsZero() && exceedsStep(cur.price, u.Price, tok.Params.MaxPriceStepBps) {
		cur.anomalies++
		f.mu.Unlock()
		f.reject(u, "step too large")
		return
	}
	cur.price = u.Price
	cur.timestamp = u.Timestamp
	f.mu.Unlock()

	f.registry.SetMarkPrice(u.Token, u.Price)
	for _, fn := range f.onUpdate {
		fn(u.Token, u.Price)
	}
}

func (f *Feed) reject(u bridge.MarkPriceUpdate, reason string) {
	f.log.Warnw("mark_update_rejected",
		"token", u.Token.Hex(), "price", u.Price.Dec(), "reason", reason)
}

// exceedsStep reports whether |next−prev| relative to prev is above the
// per-token bps bound.
func exceedsStep(prev, next fixed.Amount, maxStepBps fixed.Amount) bool {
	if maxStepBps.IsZero() {
		return false // filter disabled
	}
	diff := fixed.Diff(next, prev).Mag
	stepBps, err := fixed.MulDiv(diff, fixed.FromUint64(fixed.BpsScale), prev)
	if err != nil {
		return true
	}
	return stepBps.Gt(maxStepBps)
}

// Mark returns the actionable price for the token. A chain mark older than
// the token's staleness bound is replaced by the last trade price with the
// Stale flag set; when no fallback exists the stale chain mark itself is
// served, still flagged.
func (f *Feed) Mark(tok common.Address) (Mark, bool) {
	t, err := f.registry.Get(tok)
	if err != nil {
		return Mark{}, false
	}
	f.mu.RLock()
	cur, ok := f.marks[tok]
	var price fixed.Amount
	var ts int64
	if ok {
		price = cur.price
		ts = cur.timestamp
	}
	f.mu.RUnlock()

	nowMs := f.now().UnixMilli()
	fresh := ok && !price.IsZero() && nowMs-ts <= t.Params.MarkStaleAfter.Milliseconds()
	if fresh {
		return Mark{Price: price, Timestamp: ts}, true
	}
	if f.lastTrade != nil {
		if last, has := f.lastTrade(tok); has && !last.IsZero() {
			return Mark{Price: last, Timestamp: nowMs, Stale: true}, true
		}
	}
	if ok && !price.IsZero() {
		return Mark{Price: price, Timestamp: ts, Stale: true}, true
	}
	return Mark{}, false
}

// Anomalies returns how many updates the step filter rejected for the
// token.
func (f *Feed) Anomalies(tok common.Address) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if cur, ok := f.marks[tok]; ok {
		return cur.anomalies
	}
	return 0
}

// Package funding advances the per-token cumulative funding index. The
// rate each interval follows the open-interest imbalance, clipped to the
// token's bound; accrual onto pairs is lazy, driven by the keeper sweep
// here and by every pair touch in the position store.
package funding

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/oracle"
	"github.com/memeperp/memeperp/pkg/position"
	"github.com/memeperp/memeperp/pkg/token"
)

// scanInterval paces the token scan; each token still ticks on its own
// FundingInterval.
const scanInterval = 10 * time.Second

type tokenFunding struct {
	index    fixed.Signed // cumulative, 1e18-scaled quote per unit size
	rateBps  fixed.Signed
	lastTick time.Time
}

// Engine owns the funding indices.
type Engine struct {
	mu       sync.RWMutex
	registry *token.Registry
	store    *position.Store
	feed     *oracle.Feed
	bus      *broadcast.Bus
	log      *zap.SugaredLogger
	now      func() time.Time

	tokens map[common.Address]*tokenFunding
}

func NewEngine(registry *token.Registry, store *position.Store, feed *oracle.Feed, bus *broadcast.Bus, log *zap.Logger) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		feed:     feed,
		bus:      bus,
		log:      log.Sugar().Named("funding"),
		now:      time.Now,
		tokens:   make(map[common.Address]*tokenFunding),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// IndexOf returns the token's cumulative funding index. Zero before the
// first tick.
func (e *Engine) IndexOf(tok common.Address) fixed.Signed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if f, ok := e.tokens[tok]; ok {
		return f.index
	}
	return fixed.Signed{}
}

// RateOf returns the last computed rate in signed bps.
func (e *Engine) RateOf(tok common.Address) fixed.Signed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if f, ok := e.tokens[tok]; ok {
		return f.rateBps
	}
	return fixed.Signed{}
}

// Run scans active tokens and ticks each one on its own funding interval.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.scan()
		}
	}
}

func (e *Engine) scan() {
	now := e.now()
	for _, tok := range e.registry.ListActive() {
		e.mu.RLock()
		f, ok := e.tokens[tok.Address]
		due := !ok || now.Sub(f.lastTick) >= tok.Params.FundingInterval
		e.mu.RUnlock()
		if due {
			if err := e.Tick(tok.Address); err != nil {
				e.log.Errorw("funding_tick_failed", "token", tok.Address.Hex(), "err", err)
			}
		}
	}
}

// Tick computes the rate for one token, advances the index and runs the
// keeper sweep so every pair's accrual (and thus margin ratio) is current.
func (e *Engine) Tick(addr common.Address) error {
	tok, err := e.registry.Get(addr)
	if err != nil {
		return err
	}
	mark, ok := e.feed.Mark(addr)
	if !ok {
		e.log.Warnw("funding_skipped_no_mark", "token", addr.Hex())
		return nil
	}
	if mark.Stale {
		e.log.Warnw("funding_on_stale_mark", "token", addr.Hex(), "price", mark.Price.Dec())
	}

	rate, err := imbalanceRate(tok.Stats.OpenInterestLong, tok.Stats.OpenInterestShort,
		tok.Params.ImbalanceCoefficientBps, tok.Params.MaxFundingRateBps)
	if err != nil {
		return err
	}
	// Index advances by the rate applied to the mark: quote owed per unit
	// of size for this interval.
	delta, err := rate.MulDiv(mark.Price, fixed.FromUint64(fixed.BpsScale))
	if err != nil {
		return err
	}

	e.mu.Lock()
	f, ok := e.tokens[addr]
	if !ok {
		f = &tokenFunding{}
		e.tokens[addr] = f
	}
	if f.index, err = f.index.Add(delta); err != nil {
		e.mu.Unlock()
		return err
	}
	f.rateBps = rate
	f.lastTick = e.now()
	index := f.index
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SweepFunding(addr, index); err != nil {
			return err
		}
	}
	if e.bus != nil {
		e.bus.Publish(broadcast.TopicFunding(addr), broadcast.FundingEvent{
			Token:     addr,
			RateBps:   rate,
			Index:     index,
			Timestamp: e.now().UnixMilli(),
		})
	}
	e.log.Infow("funding_tick",
		"token", addr.Hex(), "rate_bps", rate.Dec(), "index", index.Dec())
	return nil
}

// imbalanceRate returns clip(k × (long−short)/(long+short), ±max) in
// signed bps. A flat book funds at zero.
func imbalanceRate(long, short, k, max fixed.Amount) (fixed.Signed, error) {
	total, err := long.Add(short)
	if err != nil {
		return fixed.Signed{}, err
	}
	if total.IsZero() {
		return fixed.Signed{}, nil
	}
	rate, err := fixed.Diff(long, short).MulDiv(k, total)
	if err != nil {
		return fixed.Signed{}, err
	}
	if rate.Mag.Gt(max) {
		rate.Mag = max
	}
	return rate, nil
}

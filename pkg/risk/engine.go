// Package risk runs the margin sweep: per-pair, per-side margin ratios
// against the mark price, liquidation eligibility and the forced close.
// Sweeps run on the token's risk tick and reactively after every accepted
// mark update.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/oracle"
	"github.com/memeperp/memeperp/pkg/position"
	"github.com/memeperp/memeperp/pkg/token"
)

// scanInterval paces the token scan; each token sweeps on its own
// RiskTickInterval.
const scanInterval = 100 * time.Millisecond

// Closer force-closes one side of a pair. The matching engine implements
// it so liquidations serialize with matching on the same token.
type Closer interface {
	Liquidate(ctx context.Context, tok common.Address, pairID uint64, side core.Side, markPrice fixed.Amount) (position.CloseResult, error)
}

// Engine owns the sweep loop.
type Engine struct {
	registry *token.Registry
	store    *position.Store
	feed     *oracle.Feed
	closer   Closer
	log      *zap.SugaredLogger
	now      func() time.Time

	mu       sync.Mutex
	lastTick map[common.Address]time.Time

	kick chan common.Address // reactive scans from mark updates
}

func NewEngine(registry *token.Registry, store *position.Store, feed *oracle.Feed, closer Closer, log *zap.Logger) *Engine {
	e := &Engine{
		registry: registry,
		store:    store,
		feed:     feed,
		closer:   closer,
		log:      log.Sugar().Named("risk"),
		now:      time.Now,
		lastTick: make(map[common.Address]time.Time),
		kick:     make(chan common.Address, 64),
	}
	if feed != nil {
		feed.OnUpdate(func(tok common.Address, _ fixed.Amount) {
			select {
			case e.kick <- tok:
			default:
				// A sweep for this token is already queued up; the periodic
				// scan covers the rest.
			}
		})
	}
	return e
}

// SetNowFunc overrides the clock. Tests only.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// Run sweeps active tokens until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tok := <-e.kick:
			e.Tick(ctx, tok)
		case <-ticker.C:
			e.scan(ctx)
		}
	}
}

func (e *Engine) scan(ctx context.Context) {
	now := e.now()
	for _, tok := range e.registry.ListActive() {
		e.mu.Lock()
		last, seen := e.lastTick[tok.Address]
		due := !seen || now.Sub(last) >= tok.Params.RiskTickInterval
		e.mu.Unlock()
		if due {
			e.Tick(ctx, tok.Address)
		}
	}
}

type candidate struct {
	pairID uint64
	side   core.Side
	ratio  fixed.Signed // bps
}

// Tick sweeps one token: every active pair's margin ratio on both sides,
// worst-first liquidation of everything at or under maintenance. Ticks
// that overrun their interval are logged and never pile up.
func (e *Engine) Tick(ctx context.Context, addr common.Address) {
	start := e.now()
	e.mu.Lock()
	e.lastTick[addr] = start
	e.mu.Unlock()

	tok, err := e.registry.Get(addr)
	if err != nil {
		return
	}
	mark, ok := e.feed.Mark(addr)
	if !ok {
		return
	}
	if mark.Stale {
		e.log.Warnw("risk_tick_on_stale_mark", "token", addr.Hex(), "price", mark.Price.Dec())
	}

	cands := e.liquidatable(addr, mark.Price, tok.Params.MaintenanceMarginBps)
	for _, c := range cands {
		result, err := e.closer.Liquidate(ctx, addr, c.pairID, c.side, mark.Price)
		if err != nil {
			e.log.Errorw("liquidation_failed",
				"token", addr.Hex(), "pair", c.pairID, "side", c.side.String(), "err", err)
			continue
		}
		e.log.Infow("pair_liquidated",
			"token", addr.Hex(), "pair", c.pairID, "side", c.side.String(),
			"ratio_bps", c.ratio.Dec(), "mark", mark.Price.Dec(),
			"insurance_draw", result.InsuranceDraw.Dec())
	}

	if elapsed := e.now().Sub(start); elapsed > tok.Params.RiskTickInterval {
		e.log.Warnw("risk_tick_overrun",
			"token", addr.Hex(), "elapsed", elapsed, "budget", tok.Params.RiskTickInterval)
	}
}

// liquidatable returns every pair side at or under maintenance, worst
// margin first. A pair with both sides under contributes only its worse
// side; the close settles the counterparty anyway.
func (e *Engine) liquidatable(addr common.Address, mark, maintBps fixed.Amount) []candidate {
	var cands []candidate
	for _, p := range e.store.ActivePairs(addr) {
		pair := p
		worst := candidate{pairID: pair.ID}
		found := false
		for _, side := range []core.Side{core.Long, core.Short} {
			ratio, err := MarginRatioBps(&pair, side, mark)
			if err != nil {
				e.log.Errorw("margin_ratio_failed", "pair", pair.ID, "err", err)
				continue
			}
			if ratio.Cmp(fixed.Pos(maintBps)) > 0 {
				continue
			}
			if !found || ratio.Cmp(worst.ratio) < 0 {
				worst.side = side
				worst.ratio = ratio
				found = true
			}
		}
		if found {
			cands = append(cands, worst)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].ratio.Cmp(cands[j].ratio) < 0
	})
	return cands
}

// MarginRatioBps returns (collateral + pnl − funding) × 1e4 / (size × mark)
// for one side of a pair, in signed bps.
func MarginRatioBps(p *position.Pair, side core.Side, mark fixed.Amount) (fixed.Signed, error) {
	pnl, err := p.Pnl(side, mark, p.Size)
	if err != nil {
		return fixed.Signed{}, err
	}
	equity, err := fixed.Pos(p.CollateralOf(side)).Add(pnl)
	if err != nil {
		return fixed.Signed{}, err
	}
	if equity, err = equity.Sub(p.Funding(side)); err != nil {
		return fixed.Signed{}, err
	}
	notional, err := fixed.Notional(p.Size, mark)
	if err != nil {
		return fixed.Signed{}, err
	}
	if notional.IsZero() {
		// Dust position; treat as fully at risk.
		return fixed.Signed{}, nil
	}
	return equity.MulDiv(fixed.FromUint64(fixed.BpsScale), notional)
}

// LiquidationPrice solves MarginRatioBps == maintBps for the mark, closed
// form. For the long side the price can reach zero before the ratio does;
// a zero result means the side cannot be liquidated by price alone.
func LiquidationPrice(p *position.Pair, side core.Side, maintBps fixed.Amount) (fixed.Amount, error) {
	entryNotional, err := fixed.Notional(p.Size, p.EntryPrice)
	if err != nil {
		return fixed.Amount{}, err
	}
	buffer, err := fixed.Pos(p.CollateralOf(side)).Sub(p.Funding(side))
	if err != nil {
		return fixed.Amount{}, err
	}

	var numerator fixed.Signed
	var denomBps fixed.Amount
	if side == core.Long {
		// mark × size × (1 − r) = entry × size − (collateral − funding)
		if numerator, err = fixed.Pos(entryNotional).Sub(buffer); err != nil {
			return fixed.Amount{}, err
		}
		denomBps = fixed.FromUint64(fixed.BpsScale).SatSub(maintBps)
	} else {
		// mark × size × (1 + r) = entry × size + (collateral − funding)
		if numerator, err = fixed.Pos(entryNotional).Add(buffer); err != nil {
			return fixed.Amount{}, err
		}
		if denomBps, err = fixed.FromUint64(fixed.BpsScale).Add(maintBps); err != nil {
			return fixed.Amount{}, err
		}
	}
	if numerator.Neg || numerator.IsZero() {
		return fixed.Zero(), nil
	}
	price, err := fixed.MulDiv(numerator.Mag, fixed.PriceScale(), p.Size)
	if err != nil {
		return fixed.Amount{}, err
	}
	return fixed.MulDiv(price, fixed.FromUint64(fixed.BpsScale), denomBps)
}

// Package engine is the matching core: one actor per token owns that
// token's order book and serializes every command against it, so no two
// operations on the same book ever run concurrently. Submissions for
// different tokens run in parallel.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/crypto"
	"github.com/memeperp/memeperp/pkg/engine/book"
	"github.com/memeperp/memeperp/pkg/engine/validate"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/ledger"
	"github.com/memeperp/memeperp/pkg/marketdata"
	"github.com/memeperp/memeperp/pkg/oracle"
	"github.com/memeperp/memeperp/pkg/position"
	"github.com/memeperp/memeperp/pkg/token"
)

// depthLevels is how many aggregated levels each book delta carries.
const depthLevels = 20

// expiryInterval paces the per-actor sweep of expired resting orders.
const expiryInterval = time.Second

// OrderRepository persists order lifecycles for history queries.
// Implementations live in pkg/storage.
type OrderRepository interface {
	SaveOrder(o *core.Order) error
	UpdateOrder(o *core.Order) error
}

// FundingIndexer supplies the current cumulative funding index per token.
type FundingIndexer interface {
	IndexOf(tok common.Address) fixed.Signed
}

// SettlementSink receives finalized settlement instructions.
type SettlementSink interface {
	Enqueue(inst bridge.Instruction)
}

// MarkSource supplies the actionable mark price per token.
type MarkSource interface {
	Mark(tok common.Address) (oracle.Mark, bool)
}

// Deps wires the engine into the rest of the system. Everything is passed
// explicitly; the engine owns no globals.
type Deps struct {
	Registry  *token.Registry
	Ledger    *ledger.Ledger
	Positions *position.Store
	Validator *validate.Validator
	Market    *marketdata.Service
	Bus       *broadcast.Bus
	Marks     MarkSource
	Funding   FundingIndexer
	Bridge    SettlementSink
	Orders    OrderRepository

	FeeAccount        common.Address
	LiquidatorAccount common.Address

	Log *zap.Logger
}

// Match is one fill reported back to the submitter.
type Match struct {
	Price        fixed.Amount   `json:"price"`
	Size         fixed.Amount   `json:"size"`
	Counterparty common.Address `json:"counterparty"`
}

// SubmitResult is the synchronous outcome of a submission.
type SubmitResult struct {
	Order   *core.Order
	Trades  []core.Trade
	Matches []Match
	Err     error
}

// Engine routes commands to per-token actors.
type Engine struct {
	deps Deps
	log  *zap.SugaredLogger
	now  func() time.Time

	mu     sync.RWMutex
	actors map[common.Address]*actor
	last   map[common.Address]fixed.Amount // last trade price per token

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining bool
}

func New(deps Deps) *Engine {
	return &Engine{
		deps:   deps,
		log:    deps.Log.Sugar().Named("engine"),
		now:    time.Now,
		actors: make(map[common.Address]*actor),
		last:   make(map[common.Address]fixed.Amount),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// Start spins the engine up under the given context. Actors are created
// lazily per token and live until Drain.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Drain stops accepting new orders, cancels every resting order with its
// collateral released, and stops all actors. Part of graceful shutdown.
func (e *Engine) Drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	for _, a := range actors {
		a.drain()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// actorFor returns the token's actor, creating it on first use.
func (e *Engine) actorFor(tok common.Address) *actor {
	e.mu.RLock()
	a, ok := e.actors[tok]
	e.mu.RUnlock()
	if ok {
		return a
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok = e.actors[tok]; ok {
		return a
	}
	a = newActor(e, tok)
	e.actors[tok] = a
	e.wg.Add(1)
	go a.run(e.ctx)
	return a
}

// LastTradePrice returns the most recent execution price for the token.
// Serves as the oracle's staleness fallback.
func (e *Engine) LastTradePrice(tok common.Address) (fixed.Amount, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.last[tok]
	return p, ok && !p.IsZero()
}

func (e *Engine) setLastTradePrice(tok common.Address, p fixed.Amount) {
	e.mu.Lock()
	e.last[tok] = p
	e.mu.Unlock()
}

// Submit validates, routes and matches one signed order. The trader's
// nonce commits unless the submission ends in a pure rejection.
func (e *Engine) Submit(ctx context.Context, o *core.Order) SubmitResult {
	e.mu.RLock()
	draining := e.draining
	e.mu.RUnlock()
	if draining {
		return SubmitResult{Order: o, Err: core.Errf(core.ErrTokenNotTrading, "engine is draining")}
	}

	o.ID = uuid.NewString()
	o.SizeRemaining = o.SizeOriginal
	o.Status = core.OrderNew
	nowMs := e.now().UnixMilli()
	o.CreatedAt = nowMs
	o.UpdatedAt = nowMs

	if err := e.deps.Validator.AdmitOrder(o); err != nil {
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: err}
	}
	// The nonce is now tentatively reserved; the actor's outcome decides
	// whether it commits.
	res := e.actorFor(o.Token).submit(ctx, o)

	nonces := e.deps.Validator.Nonces()
	if pureRejection(res) {
		nonces.Release(o.Trader, o.Nonce)
	} else if err := nonces.Commit(o.Trader, o.Nonce); err != nil {
		e.log.Errorw("nonce_commit_failed", "trader", o.Trader.Hex(), "nonce", o.Nonce, "err", err)
	}
	return res
}

// pureRejection reports whether the submission changed no durable state:
// nothing traded and nothing rested.
func pureRejection(res SubmitResult) bool {
	if res.Err == nil {
		return false
	}
	return len(res.Trades) == 0 && res.Order.Status == core.OrderRejected
}

// Cancel removes the trader's resting order after proving the request's
// signature, releasing its remaining collateral.
func (e *Engine) Cancel(ctx context.Context, c *crypto.Cancel, signature []byte) error {
	if err := e.deps.Validator.AdmitCancel(c, signature); err != nil {
		return err
	}
	return e.actorFor(c.Token).cancel(ctx, c.OrderID, c.Trader)
}

// Liquidate force-closes one side of a pair at the given mark price. The
// risk engine is the only caller; routing through the actor keeps the
// close serialized with matching on the same token.
func (e *Engine) Liquidate(ctx context.Context, tok common.Address, pairID uint64, side core.Side, markPrice fixed.Amount) (position.CloseResult, error) {
	return e.actorFor(tok).liquidate(ctx, pairID, side, markPrice)
}

// ADLClose force-closes a whole pair at the mark when an orphaned side
// cannot be re-paired. Risk engine only.
func (e *Engine) ADLClose(ctx context.Context, tok common.Address, pairID uint64, markPrice fixed.Amount) (position.CloseResult, error) {
	return e.actorFor(tok).adlClose(ctx, pairID, markPrice)
}

// KickStops nudges the token's actor to re-evaluate pending stop
// triggers against the latest mark. Non-blocking; the actor's periodic
// sweep catches anything dropped under load.
func (e *Engine) KickStops(tok common.Address) {
	e.mu.RLock()
	a, ok := e.actors[tok]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case a.cmds <- stopKickCmd{}:
	default:
	}
}

// SweepStops synchronously re-evaluates the token's pending stop
// triggers. The mark feed drives KickStops in production; this is the
// deterministic variant for the admin surface and tests.
func (e *Engine) SweepStops(ctx context.Context, tok common.Address) error {
	cmd := stopKickCmd{reply: make(chan struct{}, 1)}
	a := e.actorFor(tok)
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the token's aggregated book snapshot.
func (e *Engine) Depth(ctx context.Context, tok common.Address, levels int) (book.Depth, error) {
	return e.actorFor(tok).depth(ctx, levels)
}

// Quarantined reports whether the token's actor has tripped its
// circuit-breaker.
func (e *Engine) Quarantined(tok common.Address) bool {
	e.mu.RLock()
	a, ok := e.actors[tok]
	e.mu.RUnlock()
	return ok && a.isQuarantined()
}

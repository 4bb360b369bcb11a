package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/engine/book"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/position"
	"github.com/memeperp/memeperp/pkg/token"
)

// commandQueueDepth bounds each actor's inbound channel.
const commandQueueDepth = 256

type submitCmd struct {
	order *core.Order
	reply chan SubmitResult
}

type cancelCmd struct {
	orderID string
	trader  common.Address
	reply   chan error
}

type liquidateCmd struct {
	pairID uint64
	side   core.Side
	mark   fixed.Amount
	adl    bool
	reply  chan liquidateReply
}

type liquidateReply struct {
	result position.CloseResult
	err    error
}

type depthCmd struct {
	levels int
	reply  chan book.Depth
}

type drainCmd struct {
	reply chan struct{}
}

// stopKickCmd asks the actor to re-evaluate pending stop triggers. The
// reply is nil for fire-and-forget kicks from the mark feed.
type stopKickCmd struct {
	reply chan struct{}
}

// actor owns one token's book and pair mutations. All state behind it is
// single-writer; only the command channel crosses goroutines.
type actor struct {
	e     *Engine
	token common.Address
	book  *book.Book
	cmds  chan any
	log   *zap.SugaredLogger

	// stops holds accepted stop orders waiting on their trigger, in
	// arrival order. No collateral is locked while an order waits here.
	stops []*core.Order

	quarantined atomic.Bool
	drained     bool
}

func newActor(e *Engine, tok common.Address) *actor {
	return &actor{
		e:     e,
		token: tok,
		book:  book.New(tok),
		cmds:  make(chan any, commandQueueDepth),
		log:   e.log.Named("actor").With("token", tok.Hex()),
	}
}

func (a *actor) run(ctx context.Context) {
	defer a.e.wg.Done()
	expiry := time.NewTicker(expiryInterval)
	defer expiry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			a.expireSweep()
		case cmd := <-a.cmds:
			switch c := cmd.(type) {
			case submitCmd:
				c.reply <- a.handleSubmit(c.order)
			case cancelCmd:
				c.reply <- a.handleCancel(c.orderID, c.trader)
			case liquidateCmd:
				result, err := a.handleForcedClose(c.pairID, c.side, c.mark, c.adl)
				c.reply <- liquidateReply{result: result, err: err}
			case depthCmd:
				c.reply <- a.book.Depth(c.levels, a.e.now())
			case drainCmd:
				a.handleDrain()
				c.reply <- struct{}{}
			case stopKickCmd:
				a.stopSweep()
				if c.reply != nil {
					c.reply <- struct{}{}
				}
			}
		}
	}
}

func (a *actor) submit(ctx context.Context, o *core.Order) SubmitResult {
	cmd := submitCmd{order: o, reply: make(chan SubmitResult, 1)}
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: ctx.Err()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		// The actor will still process the command; the caller just
		// stopped waiting. The nonce path is driven by the result, so
		// block for it anyway: replies are buffered and always sent.
		return <-cmd.reply
	}
}

func (a *actor) cancel(ctx context.Context, orderID string, trader common.Address) error {
	cmd := cancelCmd{orderID: orderID, trader: trader, reply: make(chan error, 1)}
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-cmd.reply
}

func (a *actor) liquidate(ctx context.Context, pairID uint64, side core.Side, mark fixed.Amount) (position.CloseResult, error) {
	return a.forceClose(ctx, liquidateCmd{pairID: pairID, side: side, mark: mark})
}

func (a *actor) adlClose(ctx context.Context, pairID uint64, mark fixed.Amount) (position.CloseResult, error) {
	return a.forceClose(ctx, liquidateCmd{pairID: pairID, mark: mark, adl: true})
}

func (a *actor) forceClose(ctx context.Context, cmd liquidateCmd) (position.CloseResult, error) {
	cmd.reply = make(chan liquidateReply, 1)
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return position.CloseResult{}, ctx.Err()
	}
	r := <-cmd.reply
	return r.result, r.err
}

func (a *actor) depth(ctx context.Context, levels int) (book.Depth, error) {
	cmd := depthCmd{levels: levels, reply: make(chan book.Depth, 1)}
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return book.Depth{}, ctx.Err()
	}
	return <-cmd.reply, nil
}

// drain synchronously cancels all resting orders with collateral released.
func (a *actor) drain() {
	cmd := drainCmd{reply: make(chan struct{}, 1)}
	a.cmds <- cmd
	<-cmd.reply
}

// isQuarantined reads the flag from outside the actor goroutine. The flag
// is monotonic (never un-set), so the race-free answer only ever lags.
func (a *actor) isQuarantined() bool {
	return a.quarantined.Load()
}

// handleSubmit runs the full per-submit pipeline under the actor. Stop
// orders not yet past their trigger are parked instead of executed.
func (a *actor) handleSubmit(o *core.Order) SubmitResult {
	if a.quarantined.Load() {
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: core.Errf(core.ErrTokenQuarantined, "token %s", a.token.Hex())}
	}
	tok, err := a.e.deps.Registry.Get(a.token)
	if err != nil {
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: err}
	}

	if o.Type.IsStop() {
		mark, ok := a.e.deps.Marks.Mark(a.token)
		if !ok || !stopTriggered(o, mark.Price) {
			a.holdStop(o)
			return SubmitResult{Order: o}
		}
		// Mark already past the trigger: execute immediately.
	}
	return a.execute(o, &tok)
}

// execute runs an active (triggered or never-stopped) order through
// quote, lock, match and settle.
func (a *actor) execute(o *core.Order, tok *token.Token) SubmitResult {
	refPrice, err := a.referencePrice(o, tok)
	if err != nil {
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: err}
	}

	nowSec := a.e.now().Unix()
	quoted := a.book.Quote(o, nowSec)
	if o.Type.IsMarket() && len(quoted) == 0 {
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: core.Errf(core.ErrNoLiquidity, "no opposite liquidity for market order")}
	}

	required, err := a.requiredCollateral(o, quoted, refPrice)
	if err != nil {
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: err}
	}
	if err := a.e.deps.Ledger.Lock(o.Trader, required); err != nil {
		o.Status = core.OrderRejected
		return SubmitResult{Order: o, Err: err}
	}
	o.LockedCollateral = required

	fills, expired := a.book.Match(o, nowSec)
	a.evictExpired(expired)

	res := SubmitResult{Order: o}
	consumed := fixed.Zero()
	for _, fill := range fills {
		trade, cost, err := a.settleFill(fill, tok)
		if err != nil {
			a.quarantine(err)
			res.Err = err
			return res
		}
		if consumed, err = consumed.Add(cost); err != nil {
			a.quarantine(core.Errf(core.ErrArithmeticOverflow, "consumed collateral: %v", err))
			res.Err = core.ErrArithmeticOverflow
			return res
		}
		res.Trades = append(res.Trades, trade)
		res.Matches = append(res.Matches, Match{
			Price: trade.Price, Size: trade.Size, Counterparty: fill.Maker.Trader,
		})
	}

	a.finishTaker(o, res.Trades, consumed)
	a.publishDepth()
	return res
}

// referencePrice resolves the collateral reference: the limit price for a
// resting type, the mark for market execution. Market execution
// additionally requires the mark to sit near the best opposite price.
func (a *actor) referencePrice(o *core.Order, tok *token.Token) (fixed.Amount, error) {
	if !o.Type.IsMarket() {
		return o.LimitPrice, nil
	}
	mark, ok := a.e.deps.Marks.Mark(a.token)
	if !ok {
		return fixed.Amount{}, core.Errf(core.ErrNoLiquidity, "no mark price for market order")
	}
	best, has := a.bestOpposite(o.Side)
	if has && deviationExceeded(mark.Price, best, tok.Params.MaxPriceDeviationBps) {
		return fixed.Amount{}, core.Errf(core.ErrPriceDeviationExceeded,
			"mark %s vs best opposite %s", mark.Price.Dec(), best.Dec())
	}
	return mark.Price, nil
}

func (a *actor) bestOpposite(takerSide core.Side) (fixed.Amount, bool) {
	if takerSide == core.Long {
		return a.book.BestAsk()
	}
	return a.book.BestBid()
}

func deviationExceeded(mark, best, maxBps fixed.Amount) bool {
	if maxBps.IsZero() {
		return false
	}
	diff := fixed.Diff(mark, best).Mag
	bps, err := fixed.MulDiv(diff, fixed.FromUint64(fixed.BpsScale), best)
	if err != nil {
		return true
	}
	return bps.Gt(maxBps)
}

// requiredCollateral sums the exact lock for the quoted fills plus the
// residual rest (limit orders only; market residue is auto-cancelled).
func (a *actor) requiredCollateral(o *core.Order, quoted []book.Fill, refPrice fixed.Amount) (fixed.Amount, error) {
	total := fixed.Zero()
	filled := fixed.Zero()
	for _, q := range quoted {
		c, err := fixed.Collateral(q.Size, q.Price, o.Leverage)
		if err != nil {
			return fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "fill collateral: %v", err)
		}
		if total, err = total.Add(c); err != nil {
			return fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "fill collateral: %v", err)
		}
		filled, _ = filled.Add(q.Size)
	}
	if !o.Type.IsMarket() {
		residual := o.SizeRemaining.SatSub(filled)
		if !residual.IsZero() {
			c, err := fixed.Collateral(residual, refPrice, o.Leverage)
			if err != nil {
				return fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "residual collateral: %v", err)
			}
			if total, err = total.Add(c); err != nil {
				return fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "residual collateral: %v", err)
			}
		}
	}
	return total, nil
}

// settleFill turns one fill into a trade: fees, pair mutation, trade log,
// settlement instructions. Returns the taker collateral the fill consumed.
func (a *actor) settleFill(fill book.Fill, tok *token.Token) (core.Trade, fixed.Amount, error) {
	maker, taker := fill.Maker, fill.Taker

	notional, err := fixed.Notional(fill.Size, fill.Price)
	if err != nil {
		return core.Trade{}, fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "notional: %v", err)
	}
	makerFee, err := fixed.FeeOn(notional, tok.Params.MakerFeeBps)
	if err != nil {
		return core.Trade{}, fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "maker fee: %v", err)
	}
	takerFee, err := fixed.FeeOn(notional, tok.Params.TakerFeeBps)
	if err != nil {
		return core.Trade{}, fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "taker fee: %v", err)
	}

	// Orient the trade: the buying side of the fill becomes the pair's
	// long leg.
	in := position.TradeInput{
		Token:        a.token,
		Size:         fill.Size,
		Price:        fill.Price,
		FundingIndex: a.e.deps.Funding.IndexOf(a.token),
		TakerSide:    taker.Side,
	}
	if taker.Side == core.Long {
		in.LongTrader, in.ShortTrader = taker.Trader, maker.Trader
		in.LongLeverage, in.ShortLeverage = taker.Leverage, maker.Leverage
		in.FeeLong, in.FeeShort = takerFee, makerFee
	} else {
		in.LongTrader, in.ShortTrader = maker.Trader, taker.Trader
		in.LongLeverage, in.ShortLeverage = maker.Leverage, taker.Leverage
		in.FeeLong, in.FeeShort = makerFee, takerFee
	}

	outcome, err := a.e.deps.Positions.ApplyTrade(in)
	if err != nil {
		return core.Trade{}, fixed.Amount{}, err
	}
	a.chargeOpenFees(in, outcome)

	trade := core.Trade{
		ID:           a.book.NextTradeID(),
		Token:        a.token,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerTrader:  maker.Trader,
		TakerTrader:  taker.Trader,
		TakerSide:    taker.Side,
		Price:        fill.Price,
		Size:         fill.Size,
		MakerFee:     makerFee,
		TakerFee:     takerFee,
		Timestamp:    a.e.now().UnixMilli(),
	}
	if outcome.Opened != nil {
		trade.PairID = outcome.Opened.ID
	} else if n := len(outcome.Closes); n > 0 {
		trade.PairID = outcome.Closes[n-1].PairID
	}

	// Split the fill: the netted portion released its old pair collateral
	// inside the store, so only the opened remainder keeps this fill's
	// fresh locks. The closed portion's locks go back to available.
	closedSize := fixed.Zero()
	for _, c := range outcome.Closes {
		closedSize, _ = closedSize.Add(c.SizeClosed)
	}
	openedSize := fill.Size.SatSub(closedSize)

	makerFillCost, err := fixed.Collateral(fill.Size, fill.Price, maker.Leverage)
	if err != nil {
		return core.Trade{}, fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "maker collateral: %v", err)
	}
	if !closedSize.IsZero() {
		makerClosed, err := fixed.Collateral(closedSize, fill.Price, maker.Leverage)
		if err != nil {
			return core.Trade{}, fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "maker collateral: %v", err)
		}
		if err := a.e.deps.Ledger.Release(maker.Trader, makerClosed); err != nil {
			a.log.Errorw("maker_netted_release_failed", "order", maker.ID, "err", err)
		}
	}
	maker.LockedCollateral = maker.LockedCollateral.SatSub(makerFillCost)
	maker.UpdatedAt = trade.Timestamp
	if maker.Filled().Eq(maker.SizeOriginal) {
		maker.Status = core.OrderFilled
	} else {
		maker.Status = core.OrderPartiallyFilled
	}
	a.persistOrderUpdate(maker)

	// The taker's pair cost covers only the opened remainder; finishTaker
	// releases whatever the fill locked beyond it.
	takerCost, err := fixed.Collateral(openedSize, fill.Price, taker.Leverage)
	if err != nil {
		return core.Trade{}, fixed.Amount{}, core.Errf(core.ErrArithmeticOverflow, "taker collateral: %v", err)
	}

	a.afterTrade(trade, outcome)
	return trade, takerCost, nil
}

// chargeOpenFees moves the opened portion's fees from available balance to
// the fee account. Close-portion fees settle inside the pair close.
func (a *actor) chargeOpenFees(in position.TradeInput, outcome *position.TradeOutcome) {
	if outcome.Opened == nil {
		return
	}
	led := a.e.deps.Ledger
	if err := led.Transfer(in.LongTrader, a.e.deps.FeeAccount, outcome.OpenFeeLong); err != nil {
		a.log.Warnw("open_fee_uncollected", "trader", in.LongTrader.Hex(), "err", err)
	}
	if err := led.Transfer(in.ShortTrader, a.e.deps.FeeAccount, outcome.OpenFeeShort); err != nil {
		a.log.Warnw("open_fee_uncollected", "trader", in.ShortTrader.Hex(), "err", err)
	}
}

// afterTrade fans the executed trade out: trade log and k-lines, last
// price, open interest, settlement instructions, position events.
func (a *actor) afterTrade(trade core.Trade, outcome *position.TradeOutcome) {
	a.e.setLastTradePrice(a.token, trade.Price)
	if a.e.deps.Market != nil {
		a.e.deps.Market.Record(trade)
	}

	long, short, pairs := a.e.deps.Positions.Totals(a.token)
	a.e.deps.Registry.SetOpenInterest(a.token, long, short, pairs)

	if a.e.deps.Bridge != nil {
		if p := outcome.Opened; p != nil {
			a.e.deps.Bridge.Enqueue(bridge.Instruction{
				Kind:        bridge.InstrPairOpen,
				PairID:      p.ID,
				Token:       a.token,
				LongTrader:  p.LongTrader,
				ShortTrader: p.ShortTrader,
				Size:        p.Size,
				Price:       p.EntryPrice,
			})
		}
		for _, c := range outcome.Closes {
			a.e.deps.Bridge.Enqueue(bridge.Instruction{
				Kind:        bridge.InstrPairClose,
				PairID:      c.PairID,
				Token:       a.token,
				LongTrader:  c.LongTrader,
				ShortTrader: c.ShortTrader,
				Size:        c.SizeClosed,
				Price:       c.ExitPrice,
				PnlLong:     c.PnlLong,
				PnlShort:    c.PnlShort,
			})
		}
	}
	a.publishPositions(trade.MakerTrader, trade.TakerTrader)
}

// finishTaker resolves the taker's terminal state and releases whatever
// part of the upfront lock the fills did not consume.
func (a *actor) finishTaker(o *core.Order, trades []core.Trade, consumed fixed.Amount) {
	o.UpdatedAt = a.e.now().UnixMilli()

	rested := false
	switch {
	case o.SizeRemaining.IsZero():
		o.Status = core.OrderFilled
	case o.Type.IsMarket():
		// Market residue is auto-cancelled, never rested.
		if len(trades) == 0 {
			o.Status = core.OrderRejected
		} else {
			o.Status = core.OrderCancelled
		}
	default:
		a.book.Rest(o)
		rested = true
		if len(trades) == 0 {
			o.Status = core.OrderNew
		} else {
			o.Status = core.OrderPartiallyFilled
		}
	}

	// The lock the order still needs: consumed collateral moved into
	// pairs; a rested residual keeps its share locked on the order.
	needed := consumed
	if rested {
		if c, err := fixed.Collateral(o.SizeRemaining, o.LimitPrice, o.Leverage); err == nil {
			needed, _ = needed.Add(c)
		}
	}
	if excess := o.LockedCollateral.SatSub(needed); !excess.IsZero() {
		if err := a.e.deps.Ledger.Release(o.Trader, excess); err != nil {
			a.log.Errorw("excess_release_failed", "order", o.ID, "err", err)
		}
	}
	o.LockedCollateral = needed.SatSub(consumed) // what the resting remainder holds

	a.persistOrderSave(o)
}

// stopTriggered reports whether the mark has crossed the order's trigger
// price: a stop buy arms at or above it, a stop sell at or below.
func stopTriggered(o *core.Order, mark fixed.Amount) bool {
	if o.Side == core.Long {
		return mark.Gte(o.LimitPrice)
	}
	return mark.Lte(o.LimitPrice)
}

// holdStop parks an accepted stop order until its trigger. The nonce
// commits on acceptance; no collateral is locked while parked.
func (a *actor) holdStop(o *core.Order) {
	o.Status = core.OrderNew
	a.stops = append(a.stops, o)
	a.persistOrderSave(o)
	a.log.Infow("stop_parked",
		"order", o.ID, "side", o.Side.String(), "trigger", o.LimitPrice.Dec())
}

// stopSweep expires dead stops and executes triggered ones in arrival
// order. Driven by the expiry ticker and by mark-feed kicks.
func (a *actor) stopSweep() {
	if len(a.stops) == 0 || a.quarantined.Load() {
		return
	}
	nowSec := a.e.now().Unix()
	mark, haveMark := a.e.deps.Marks.Mark(a.token)

	var keep []*core.Order
	for _, o := range a.stops {
		switch {
		case o.ExpiredAt(nowSec):
			a.releaseAndTerminate(o, core.OrderExpired)
		case haveMark && stopTriggered(o, mark.Price):
			a.activateStop(o)
		default:
			keep = append(keep, o)
		}
	}
	a.stops = keep
}

// activateStop runs a triggered stop through the execution pipeline. A
// failed execution (no liquidity, unlockable collateral) rejects the
// order; the trigger never re-arms.
func (a *actor) activateStop(o *core.Order) {
	tok, err := a.e.deps.Registry.Get(a.token)
	if err != nil {
		o.Status = core.OrderRejected
		o.UpdatedAt = a.e.now().UnixMilli()
		a.persistOrderUpdate(o)
		return
	}
	res := a.execute(o, &tok)
	if res.Err != nil {
		o.UpdatedAt = a.e.now().UnixMilli()
		a.persistOrderUpdate(o)
		a.log.Warnw("stop_execution_failed", "order", o.ID, "err", res.Err)
		return
	}
	a.log.Infow("stop_triggered",
		"order", o.ID, "fills", len(res.Trades), "status", o.Status.String())
}

// handleCancel removes a resting or parked order owned by the trader.
func (a *actor) handleCancel(orderID string, trader common.Address) error {
	for i, s := range a.stops {
		if s.ID != orderID {
			continue
		}
		if s.Trader != trader {
			return core.Errf(core.ErrOrderNotFound, "%s", orderID)
		}
		a.stops = append(a.stops[:i], a.stops[i+1:]...)
		a.releaseAndTerminate(s, core.OrderCancelled)
		return nil
	}
	o, ok := a.book.Get(orderID)
	if !ok || o.Trader != trader {
		return core.Errf(core.ErrOrderNotFound, "%s", orderID)
	}
	if _, err := a.book.Cancel(orderID); err != nil {
		return err
	}
	a.releaseAndTerminate(o, core.OrderCancelled)
	a.publishDepth()
	return nil
}

// expireSweep evicts resting orders whose deadline passed, then lets the
// stop sweep run on the same cadence.
func (a *actor) expireSweep() {
	if a.quarantined.Load() {
		return
	}
	expired := a.book.PruneExpired(a.e.now().Unix())
	if len(expired) > 0 {
		a.evictExpired(expired)
		a.publishDepth()
	}
	a.stopSweep()
}

// evictExpired releases collateral of makers removed by lazy expiry.
func (a *actor) evictExpired(expired []*core.Order) {
	for _, o := range expired {
		a.releaseAndTerminate(o, core.OrderExpired)
	}
}

func (a *actor) releaseAndTerminate(o *core.Order, status core.OrderStatus) {
	if !o.LockedCollateral.IsZero() {
		if err := a.e.deps.Ledger.Release(o.Trader, o.LockedCollateral); err != nil {
			a.log.Errorw("collateral_release_failed", "order", o.ID, "err", err)
		}
		o.LockedCollateral = fixed.Zero()
	}
	o.Status = status
	o.UpdatedAt = a.e.now().UnixMilli()
	a.persistOrderUpdate(o)
}

// handleForcedClose runs a liquidation or ADL close under the actor.
func (a *actor) handleForcedClose(pairID uint64, side core.Side, mark fixed.Amount, adl bool) (position.CloseResult, error) {
	if a.quarantined.Load() {
		return position.CloseResult{}, core.Errf(core.ErrTokenQuarantined, "token %s", a.token.Hex())
	}
	tok, err := a.e.deps.Registry.Get(a.token)
	if err != nil {
		return position.CloseResult{}, err
	}
	index := a.e.deps.Funding.IndexOf(a.token)

	var result position.CloseResult
	var survivor common.Address
	var survivorLeverage fixed.Amount
	if adl {
		result, err = a.e.deps.Positions.CloseADL(pairID, mark, index)
	} else {
		if p, perr := a.e.deps.Positions.Get(pairID); perr == nil {
			if side == core.Long {
				survivor, survivorLeverage = p.ShortTrader, p.ShortLeverage
			} else {
				survivor, survivorLeverage = p.LongTrader, p.LongLeverage
			}
		}
		result, err = a.e.deps.Positions.Liquidate(pairID, side, mark,
			tok.Params.LiquidationFeeBps, index, a.e.deps.LiquidatorAccount)
	}
	if err != nil {
		if core.ClassOf(err) == core.ClassInvariant {
			a.quarantine(err)
		}
		return position.CloseResult{}, err
	}

	long, short, pairs := a.e.deps.Positions.Totals(a.token)
	a.e.deps.Registry.SetOpenInterest(a.token, long, short, pairs)
	if a.e.deps.Bridge != nil {
		kind := bridge.InstrLiquidation
		if adl {
			kind = bridge.InstrPairClose
		}
		a.e.deps.Bridge.Enqueue(bridge.Instruction{
			Kind:        kind,
			PairID:      result.PairID,
			Token:       a.token,
			LongTrader:  result.LongTrader,
			ShortTrader: result.ShortTrader,
			Size:        result.SizeClosed,
			Price:       result.ExitPrice,
			PnlLong:     result.PnlLong,
			PnlShort:    result.PnlShort,
		})
	}
	a.publishPositions(result.LongTrader, result.ShortTrader)
	if !adl && survivor != (common.Address{}) {
		a.repairSurvivor(survivor, side.Opposite(), survivorLeverage, result.SizeClosed, mark, &tok)
	}
	return result, nil
}

// repairSurvivor re-opens the surviving side after its counterparty was
// liquidated: the liquidation settled both legs at the mark, so the
// survivor crosses the book once with a synthetic order at that price to
// win a new counterparty. Nothing rests; if the book holds no liquidity
// the survivor stays closed at the mark, with any shortfall already drawn
// from insurance by the close itself.
func (a *actor) repairSurvivor(survivor common.Address, side core.Side,
	leverage, size, mark fixed.Amount, tok *token.Token) {

	nowMs := a.e.now().UnixMilli()
	nowSec := a.e.now().Unix()
	o := &core.Order{
		ID:            uuid.NewString(),
		Trader:        survivor,
		Token:         a.token,
		Side:          side,
		Type:          core.LimitOrder,
		SizeOriginal:  size,
		SizeRemaining: size,
		LimitPrice:    mark,
		Leverage:      leverage,
		Deadline:      nowSec + 1,
		Status:        core.OrderNew,
		CreatedAt:     nowMs,
		UpdatedAt:     nowMs,
	}

	quoted := a.book.Quote(o, nowSec)
	if len(quoted) == 0 {
		a.log.Infow("survivor_not_repaired",
			"trader", survivor.Hex(), "size", size.Dec(), "mark", mark.Dec())
		return
	}
	required := fixed.Zero()
	for _, q := range quoted {
		c, err := fixed.Collateral(q.Size, q.Price, o.Leverage)
		if err != nil {
			a.log.Errorw("survivor_repair_collateral", "trader", survivor.Hex(), "err", err)
			return
		}
		if required, err = required.Add(c); err != nil {
			a.log.Errorw("survivor_repair_collateral", "trader", survivor.Hex(), "err", err)
			return
		}
	}
	// The liquidation just returned the survivor's remaining equity to
	// available balance; if even that cannot back the re-pair, leave them
	// closed.
	if err := a.e.deps.Ledger.Lock(survivor, required); err != nil {
		a.log.Warnw("survivor_repair_unfunded", "trader", survivor.Hex(), "err", err)
		return
	}
	o.LockedCollateral = required

	fills, expired := a.book.Match(o, nowSec)
	a.evictExpired(expired)
	consumed := fixed.Zero()
	for _, fill := range fills {
		if _, cost, err := a.settleFill(fill, tok); err != nil {
			a.quarantine(err)
			return
		} else if consumed, err = consumed.Add(cost); err != nil {
			a.quarantine(core.Errf(core.ErrArithmeticOverflow, "consumed collateral: %v", err))
			return
		}
	}
	if o.SizeRemaining.IsZero() {
		o.Status = core.OrderFilled
	} else {
		o.Status = core.OrderCancelled
	}
	o.UpdatedAt = a.e.now().UnixMilli()
	if excess := o.LockedCollateral.SatSub(consumed); !excess.IsZero() {
		if err := a.e.deps.Ledger.Release(survivor, excess); err != nil {
			a.log.Errorw("excess_release_failed", "order", o.ID, "err", err)
		}
	}
	o.LockedCollateral = fixed.Zero()
	a.persistOrderSave(o)
	a.publishDepth()
	a.log.Infow("survivor_repaired",
		"trader", survivor.Hex(), "size_refilled", o.Filled().Dec(), "mark", mark.Dec())
}

// handleDrain cancels every resting order with collateral released. Used
// on graceful shutdown; quarantined books are left untouched because their
// funds stay locked pending operator action.
func (a *actor) handleDrain() {
	if a.drained || a.quarantined.Load() {
		a.drained = true
		return
	}
	a.drained = true
	for _, o := range a.book.RestingOrders() {
		if _, err := a.book.Cancel(o.ID); err == nil {
			a.releaseAndTerminate(o, core.OrderCancelled)
		}
	}
	for _, o := range a.stops {
		a.releaseAndTerminate(o, core.OrderCancelled)
	}
	a.stops = nil
	a.publishDepth()
}

// quarantine trips the per-token circuit-breaker: resting orders cancel
// with Expired status but their funds stay locked, the token pauses, and
// subscribers get a lifecycle alarm. No silent recovery.
func (a *actor) quarantine(cause error) {
	if a.quarantined.Load() {
		return
	}
	a.quarantined.Store(true)
	a.log.Errorw("token_quarantined", "err", cause)

	for _, o := range a.book.RestingOrders() {
		if _, err := a.book.Cancel(o.ID); err != nil {
			continue
		}
		o.Status = core.OrderExpired
		o.UpdatedAt = a.e.now().UnixMilli()
		a.persistOrderUpdate(o)
	}
	for _, o := range a.stops {
		o.Status = core.OrderExpired
		o.UpdatedAt = a.e.now().UnixMilli()
		a.persistOrderUpdate(o)
	}
	a.stops = nil
	if err := a.e.deps.Registry.Pause(a.token, "quarantined: "+cause.Error()); err != nil {
		a.log.Warnw("quarantine_pause_failed", "err", err)
	}
	if a.e.deps.Bus != nil {
		a.e.deps.Bus.Publish(broadcast.TopicLifecycle(a.token), broadcast.LifecycleEvent{
			Token:     a.token,
			State:     "quarantined",
			Reason:    cause.Error(),
			Timestamp: a.e.now().UnixMilli(),
		})
	}
}

func (a *actor) publishDepth() {
	if a.e.deps.Bus == nil {
		return
	}
	d := a.book.Depth(depthLevels, a.e.now())
	delta := broadcast.BookDelta{
		Token:          a.token,
		Bids:           toPriceLevels(d.Bids),
		Asks:           toPriceLevels(d.Asks),
		BestBid:        d.BestBid,
		BestAsk:        d.BestAsk,
		LastTradePrice: d.LastTradePrice,
		Timestamp:      d.Timestamp,
	}
	a.e.deps.Bus.Publish(broadcast.TopicBook(a.token), delta)
}

func toPriceLevels(levels []book.Level) []broadcast.PriceLevel {
	out := make([]broadcast.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = broadcast.PriceLevel{Price: l.Price, TotalSize: l.TotalSize, OrderCount: l.OrderCount}
	}
	return out
}

func (a *actor) publishPositions(traders ...common.Address) {
	if a.e.deps.Bus == nil {
		return
	}
	nowMs := a.e.now().UnixMilli()
	seen := make(map[common.Address]bool, len(traders))
	for _, trader := range traders {
		if seen[trader] {
			continue
		}
		seen[trader] = true
		ev := broadcast.PositionEvent{Trader: trader, Token: a.token, Timestamp: nowMs}
		if v, ok := a.e.deps.Positions.View(trader, a.token); ok {
			ev.Side = v.Side
			ev.Size = v.Size
			ev.EntryPrice = v.EntryPrice
			ev.Collateral = v.Collateral
			ev.Funding = v.Funding
			ev.ActivePairs = v.ActivePairs
		}
		a.e.deps.Bus.Publish(broadcast.TopicPositions(trader), ev)
	}
}

func (a *actor) persistOrderSave(o *core.Order) {
	if a.e.deps.Orders == nil {
		return
	}
	if err := a.e.deps.Orders.SaveOrder(o); err != nil {
		a.log.Errorw("order_save_failed", "order", o.ID, "err", err)
	}
}

func (a *actor) persistOrderUpdate(o *core.Order) {
	if a.e.deps.Orders == nil {
		return
	}
	if err := a.e.deps.Orders.UpdateOrder(o); err != nil {
		a.log.Errorw("order_update_failed", "order", o.ID, "err", err)
	}
}
